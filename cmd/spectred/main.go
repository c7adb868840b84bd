package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"Spectre-Protocol/internal/api"
	"Spectre-Protocol/internal/auth"
	"Spectre-Protocol/internal/capability"
	"Spectre-Protocol/internal/chain"
	"Spectre-Protocol/internal/config"
	"Spectre-Protocol/internal/market"
	"Spectre-Protocol/internal/observability/alerting"
	"Spectre-Protocol/internal/observability/metrics"
	"Spectre-Protocol/internal/observability/telemetry"
	"Spectre-Protocol/internal/proofs"
	"Spectre-Protocol/internal/settlement"
	"Spectre-Protocol/internal/storage/mysql"
	"Spectre-Protocol/pkg/logger"
)

const (
	serviceName = "spectred"
	version     = "0.1.0"
)

// main 是 spectred 守护进程的入口。
func main() {
	configPath := flag.String("config", "", "YAML 配置文件路径，留空时仅使用默认值与环境变量")
	issueFor := flag.String("issue-token", "", "为指定操作员签发令牌后退出")
	permissions := flag.String("permissions", strings.Join(allPermissions, ","), "签发令牌时附带的权限，逗号分隔")
	flag.Parse()

	if *issueFor != "" {
		if err := issueToken(*configPath, *issueFor, *permissions); err != nil {
			log.Fatalf("签发令牌失败: %v", err)
		}
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, *configPath); err != nil {
		log.Fatalf("spectred 运行失败: %v", err)
	}
}

func run(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	if err := logger.Init(logger.Config{
		Level:       cfg.Log.Level,
		Format:      cfg.Log.Format,
		OutputPaths: cfg.Log.Outputs,
		Audit: logger.AuditConfig{
			Enabled:    cfg.Log.Audit.Enabled,
			Path:       cfg.Log.Audit.Path,
			MaxSizeMB:  cfg.Log.Audit.MaxSizeMB,
			MaxBackups: cfg.Log.Audit.MaxBackups,
			MaxAgeDays: cfg.Log.Audit.MaxAgeDays,
			Compress:   cfg.Log.Audit.Compress,
		},
	}); err != nil {
		return err
	}
	defer logger.Sync()

	providers, err := telemetry.Init(ctx, serviceName, version, telemetry.Config{
		Exporter:     cfg.Telemetry.Exporter,
		OTLPEndpoint: cfg.Telemetry.OTLPEndpoint,
		OTLPInsecure: cfg.Telemetry.OTLPInsecure,
		Interval:     cfg.Telemetry.Interval,
	})
	if err != nil {
		return err
	}
	defer func() {
		if err := providers.Shutdown(context.Background()); err != nil {
			logger.L().Warn("关闭遥测失败", slog.Any("error", err))
		}
	}()
	recorder, err := metrics.New(providers.Meter)
	if err != nil {
		return err
	}

	catalog, err := capability.LoadCatalog(cfg.Registry.CatalogPath)
	if err != nil {
		return err
	}
	verifier, err := buildVerifier(cfg.Proof)
	if err != nil {
		return err
	}
	registryOpts := []capability.Option{
		capability.WithVerifier(verifier),
		capability.WithPolicy(capability.Policy{
			MinReputation: cfg.Registry.MinReputation,
			MinStake:      cfg.Registry.MinStake,
		}),
	}
	if cfg.Registry.StrictRegistration {
		registryOpts = append(registryOpts, capability.WithStrictRegistration())
	}
	registry := capability.NewRegistry(catalog, registryOpts...)

	store, err := buildJobStore(ctx, cfg.Market.Store)
	if err != nil {
		return err
	}

	marketOpts := []market.Option{
		market.WithJobStore(store),
		market.WithSinkTimeout(cfg.Market.SinkTimeout),
		market.WithMetrics(recorder),
	}

	if cfg.Settlement.Enabled {
		queue, err := buildQueue(ctx, cfg.Settlement.Queue)
		if err != nil {
			_ = store.Close()
			return err
		}
		defer func() {
			if err := queue.Close(); err != nil {
				logger.L().Warn("关闭凭据队列失败", slog.Any("error", err))
			}
		}()
		marketOpts = append(marketOpts, market.WithReceiptSink(queue))

		notifiers := []alerting.Notifier{alerting.LogNotifier{}}
		if cfg.Alerting.WebhookURL != "" {
			notifiers = append(notifiers, alerting.NewWebhookNotifier(cfg.Alerting.WebhookURL, cfg.Alerting.WebhookTimeout))
		}

		ledger, closeLedger, err := buildLedger(ctx, cfg.Settlement.Ledger)
		if err != nil {
			_ = store.Close()
			return err
		}
		defer closeLedger()
		processor := settlement.NewProcessor(ledger, registry, queue,
			settlement.WithWorkerCount(cfg.Settlement.Workers),
			settlement.WithPolling(cfg.Settlement.PollInterval, cfg.Settlement.MaxPolls),
			settlement.WithReputationAdjustments(cfg.Settlement.RewardBonus, cfg.Settlement.SlashPenalty),
			settlement.WithProcessorMetrics(recorder),
			settlement.WithAlertDispatcher(alerting.NewFanout(notifiers...)),
			settlement.WithProcessorLogger(logger.Named("settlement")),
		)

		// 先停止处理器并等待在途结算完成，再关闭账本与队列。
		stopProcessor := processor.Run(ctx)
		defer stopProcessor()
	}

	marketplace := market.New(registry, marketOpts...)
	defer marketplace.Close()

	authService, err := newAuthService(cfg.Auth)
	if err != nil {
		return err
	}

	server := api.NewServer(cfg.Server.Address, registry, marketplace,
		api.WithMetrics(recorder),
		api.WithAuth(authService),
		api.WithTimeouts(cfg.Server.ReadTimeout, cfg.Server.WriteTimeout, cfg.Server.ShutdownTimeout),
	)
	logger.L().Info("spectred 已启动",
		slog.String("address", cfg.Server.Address),
		slog.String("job_store", cfg.Market.Store.Driver),
		slog.Bool("settlement", cfg.Settlement.Enabled),
		slog.String("auth", string(authService.Mode())),
		slog.Any("models", catalog.Models()),
	)

	if err := server.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

var allPermissions = []string{
	auth.PermAgentsWrite,
	auth.PermJobsWrite,
	auth.PermJobsClaim,
	auth.PermReputationWrite,
}

func newAuthService(cfg config.AuthConfig) (*auth.Service, error) {
	return auth.NewService(auth.Config{
		Mode:     auth.Mode(cfg.Mode),
		Secret:   cfg.Secret,
		Issuer:   cfg.Issuer,
		TokenTTL: cfg.TokenTTL,
	})
}

func issueToken(configPath, subject, permissions string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	svc, err := newAuthService(cfg.Auth)
	if err != nil {
		return err
	}
	var perms []string
	for _, perm := range strings.Split(permissions, ",") {
		if perm = strings.TrimSpace(perm); perm != "" {
			perms = append(perms, perm)
		}
	}
	token, err := svc.Issue(subject, perms...)
	if err != nil {
		return err
	}
	fmt.Println(token)
	return nil
}

func buildVerifier(cfg config.ProofConfig) (proofs.Verifier, error) {
	prefix := proofs.PrefixVerifier{Prefix: cfg.Prefix, MinLength: cfg.MinLength}
	if cfg.Mode == "prefix" || cfg.Mode == "" {
		return prefix, nil
	}
	attestation, err := proofs.NewAttestationVerifier(cfg.Attesters...)
	if err != nil {
		return nil, err
	}
	switch cfg.Mode {
	case "attestation":
		return attestation, nil
	case "both":
		return proofs.All(prefix, attestation), nil
	case "either":
		return proofs.Any(prefix, attestation), nil
	default:
		return nil, fmt.Errorf("未知的证明校验模式: %s", cfg.Mode)
	}
}

func buildJobStore(ctx context.Context, cfg config.StoreConfig) (market.JobStore, error) {
	switch cfg.Driver {
	case "", "memory":
		return market.NewMemoryJobStore(), nil
	case "mysql":
		return mysql.NewJobStore(ctx, mysql.Config{
			DSN:             cfg.DSN,
			MaxOpenConns:    cfg.MaxOpenConns,
			MaxIdleConns:    cfg.MaxIdleConns,
			ConnMaxLifetime: cfg.ConnMaxLifetime,
			ConnMaxIdleTime: cfg.ConnMaxIdleTime,
		})
	default:
		return nil, fmt.Errorf("未知的任务存储驱动: %s", cfg.Driver)
	}
}

func buildLedger(ctx context.Context, cfg config.LedgerConfig) (settlement.Ledger, func(), error) {
	switch cfg.Driver {
	case "", "simulated":
		ledger := settlement.NewSimulatedLedger(
			settlement.WithDelay(cfg.Delay),
			settlement.WithSuccessRate(cfg.SuccessRate),
		)
		return ledger, func() {}, nil
	case "evm":
		ledger, err := chain.Dial(ctx, chain.Config{
			RPCURL:     cfg.EVM.RPCURL,
			PrivateKey: cfg.EVM.PrivateKey,
			Recipient:  cfg.EVM.Recipient,
			GasLimit:   cfg.EVM.GasLimit,
		})
		if err != nil {
			return nil, nil, err
		}
		logger.L().Info("结算账本已连接链节点",
			slog.String("chain_id", ledger.ChainID().String()),
			slog.String("operator", ledger.From().Hex()),
		)
		return ledger, ledger.Close, nil
	default:
		return nil, nil, fmt.Errorf("未知的账本驱动: %s", cfg.Driver)
	}
}

func buildQueue(ctx context.Context, cfg config.QueueConfig) (settlement.Queue, error) {
	switch cfg.Driver {
	case "", "memory":
		return settlement.NewMemoryQueue(cfg.Size, settlement.WithMaxRedeliveries(cfg.MaxRedeliveries)), nil
	case "redis":
		return settlement.NewRedisQueue(ctx, settlement.RedisQueueConfig{
			Address:         cfg.Redis.Address,
			Password:        cfg.Redis.Password,
			DB:              cfg.Redis.DB,
			Queue:           cfg.Redis.Queue,
			BlockWait:       cfg.Redis.BlockWait,
			MaxRedeliveries: cfg.MaxRedeliveries,
		})
	case "rabbitmq":
		return settlement.NewRabbitMQQueue(settlement.RabbitMQConfig{
			URL:             cfg.RabbitMQ.URL,
			Queue:           cfg.RabbitMQ.Queue,
			Prefetch:        cfg.RabbitMQ.Prefetch,
			Durable:         cfg.RabbitMQ.Durable,
			MaxRedeliveries: cfg.MaxRedeliveries,
		})
	default:
		return nil, fmt.Errorf("未知的队列驱动: %s", cfg.Driver)
	}
}
