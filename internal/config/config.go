package config

import (
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	xerrors "Spectre-Protocol/internal/errors"
)

// EnvPrefix 是环境变量覆盖的前缀，层级之间使用双下划线，例如
// SPECTRE_REGISTRY__MIN_STAKE 对应 registry.min_stake。
const EnvPrefix = "SPECTRE_"

// Config 描述了 spectred 启动阶段需要加载的全部配置。
type Config struct {
	Server     ServerConfig     `koanf:"server"`
	Log        LogConfig        `koanf:"log"`
	Registry   RegistryConfig   `koanf:"registry"`
	Proof      ProofConfig      `koanf:"proof"`
	Market     MarketConfig     `koanf:"market"`
	Settlement SettlementConfig `koanf:"settlement"`
	Alerting   AlertingConfig   `koanf:"alerting"`
	Telemetry  TelemetryConfig  `koanf:"telemetry"`
	Auth       AuthConfig       `koanf:"auth"`
}

// ServerConfig 控制 API 服务的监听地址与超时。
type ServerConfig struct {
	Address         string        `koanf:"address" validate:"required"`
	ReadTimeout     time.Duration `koanf:"read_timeout"`
	WriteTimeout    time.Duration `koanf:"write_timeout"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
}

// LogConfig 对应 pkg/logger 的配置。
type LogConfig struct {
	Level   string         `koanf:"level" validate:"omitempty,oneof=debug info warn warning error"`
	Format  string         `koanf:"format" validate:"omitempty,oneof=json text"`
	Outputs []string       `koanf:"outputs"`
	Audit   AuditLogConfig `koanf:"audit"`
}

// AuditLogConfig 控制审计日志的落盘与滚动。
type AuditLogConfig struct {
	Enabled    bool   `koanf:"enabled"`
	Path       string `koanf:"path" validate:"required_if=Enabled true"`
	MaxSizeMB  int    `koanf:"max_size_mb" validate:"gte=0"`
	MaxBackups int    `koanf:"max_backups" validate:"gte=0"`
	MaxAgeDays int    `koanf:"max_age_days" validate:"gte=0"`
	Compress   bool   `koanf:"compress"`
}

// RegistryConfig 控制能力注册表的模型表与准入阈值。
type RegistryConfig struct {
	CatalogPath        string  `koanf:"catalog_path"`
	MinReputation      float64 `koanf:"min_reputation" validate:"gte=0,lte=1"`
	MinStake           uint64  `koanf:"min_stake"`
	StrictRegistration bool    `koanf:"strict_registration"`
}

// ProofConfig 选择执行证明校验器。
type ProofConfig struct {
	// Mode 取值 prefix、attestation、both（两者都需通过）或 either（任一通过）。
	Mode      string   `koanf:"mode" validate:"oneof=prefix attestation both either"`
	Prefix    string   `koanf:"prefix"`
	MinLength int      `koanf:"min_length" validate:"gte=0"`
	Attesters []string `koanf:"attesters" validate:"dive,eth_addr"`
}

// MarketConfig 控制任务表与凭据推送。
type MarketConfig struct {
	Store       StoreConfig   `koanf:"store"`
	SinkTimeout time.Duration `koanf:"sink_timeout"`
}

// StoreConfig 目前支持内存与 MySQL 两种实现。
type StoreConfig struct {
	Driver          string        `koanf:"driver" validate:"oneof=memory mysql"`
	DSN             string        `koanf:"dsn" validate:"required_if=Driver mysql"`
	MaxOpenConns    int           `koanf:"max_open_conns" validate:"gte=0"`
	MaxIdleConns    int           `koanf:"max_idle_conns" validate:"gte=0"`
	ConnMaxLifetime time.Duration `koanf:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `koanf:"conn_max_idle_time"`
}

// SettlementConfig 控制结算队列、账本与信誉回写。
type SettlementConfig struct {
	Enabled      bool          `koanf:"enabled"`
	Workers      int           `koanf:"workers" validate:"gte=1"`
	RewardBonus  float64       `koanf:"reward_bonus" validate:"gte=0,lte=1"`
	SlashPenalty float64       `koanf:"slash_penalty" validate:"gte=0,lte=1"`
	PollInterval time.Duration `koanf:"poll_interval"`
	MaxPolls     int           `koanf:"max_polls" validate:"gte=1"`
	Queue        QueueConfig   `koanf:"queue"`
	Ledger       LedgerConfig  `koanf:"ledger"`
}

// QueueConfig 选择凭据队列实现。
type QueueConfig struct {
	Driver          string         `koanf:"driver" validate:"oneof=memory redis rabbitmq"`
	Size            int            `koanf:"size" validate:"gte=0"`
	MaxRedeliveries int            `koanf:"max_redeliveries" validate:"gte=0"`
	Redis           RedisConfig    `koanf:"redis"`
	RabbitMQ        RabbitMQConfig `koanf:"rabbitmq"`
}

// RedisConfig 描述 Redis 队列的连接参数。
type RedisConfig struct {
	Address   string        `koanf:"address"`
	Password  string        `koanf:"password"`
	DB        int           `koanf:"db" validate:"gte=0"`
	Queue     string        `koanf:"queue"`
	BlockWait time.Duration `koanf:"block_wait"`
}

// RabbitMQConfig 描述 RabbitMQ 队列的连接参数。
type RabbitMQConfig struct {
	URL      string `koanf:"url"`
	Queue    string `koanf:"queue"`
	Prefetch int    `koanf:"prefetch" validate:"gte=0"`
	Durable  bool   `koanf:"durable"`
}

// LedgerConfig 选择结算账本：模拟账本或 EVM 链。
type LedgerConfig struct {
	Driver      string        `koanf:"driver" validate:"oneof=simulated evm"`
	Delay       time.Duration `koanf:"delay"`
	SuccessRate float64       `koanf:"success_rate" validate:"gte=0,lte=1"`
	EVM         EVMConfig     `koanf:"evm"`
}

// EVMConfig 描述链上账本的 RPC 与操作员密钥。
type EVMConfig struct {
	RPCURL     string `koanf:"rpc_url"`
	PrivateKey string `koanf:"private_key"`
	Recipient  string `koanf:"recipient" validate:"omitempty,eth_addr"`
	GasLimit   uint64 `koanf:"gas_limit"`
}

// AlertingConfig 配置告警通道。
type AlertingConfig struct {
	WebhookURL     string        `koanf:"webhook_url" validate:"omitempty,url"`
	WebhookTimeout time.Duration `koanf:"webhook_timeout"`
}

// TelemetryConfig 选择 OpenTelemetry 导出方式。
type TelemetryConfig struct {
	Exporter     string        `koanf:"exporter" validate:"oneof=none stdout otlp"`
	OTLPEndpoint string        `koanf:"otlp_endpoint" validate:"required_if=Exporter otlp"`
	OTLPInsecure bool          `koanf:"otlp_insecure"`
	Interval     time.Duration `koanf:"interval"`
}

// AuthConfig 配置写接口的操作员令牌。
type AuthConfig struct {
	Mode     string        `koanf:"mode" validate:"oneof=disabled jwt"`
	Secret   string        `koanf:"secret" validate:"required_if=Mode jwt"`
	Issuer   string        `koanf:"issuer"`
	TokenTTL time.Duration `koanf:"token_ttl"`
}

var defaults = map[string]any{
	"server.address":          ":8080",
	"server.read_timeout":     "10s",
	"server.write_timeout":    "15s",
	"server.shutdown_timeout": "10s",

	"log.level":              "info",
	"log.format":             "json",
	"log.outputs":            []string{"stdout"},
	"log.audit.enabled":      false,
	"log.audit.path":         "",
	"log.audit.max_size_mb":  100,
	"log.audit.max_backups":  7,
	"log.audit.max_age_days": 30,

	"registry.min_reputation":      0.7,
	"registry.min_stake":           1000,
	"registry.strict_registration": false,

	"proof.mode":       "prefix",
	"proof.prefix":     "zk_",
	"proof.min_length": 10,

	"market.store.driver":            "memory",
	"market.store.max_open_conns":    20,
	"market.store.max_idle_conns":    10,
	"market.store.conn_max_lifetime": "30m",
	"market.sink_timeout":            "2s",

	"settlement.enabled":                true,
	"settlement.workers":                4,
	"settlement.reward_bonus":           0.05,
	"settlement.slash_penalty":          0.2,
	"settlement.poll_interval":          "25ms",
	"settlement.max_polls":              40,
	"settlement.queue.driver":           "memory",
	"settlement.queue.size":             1024,
	"settlement.queue.max_redeliveries": 3,
	"settlement.queue.redis.queue":      "spectre:receipts",
	"settlement.queue.redis.block_wait": "5s",
	"settlement.queue.rabbitmq.queue":   "spectre.receipts",
	"settlement.queue.rabbitmq.durable": true,
	"settlement.ledger.driver":          "simulated",
	"settlement.ledger.delay":           "50ms",
	"settlement.ledger.success_rate":    0.95,

	"alerting.webhook_timeout": "5s",

	"telemetry.exporter": "none",
	"telemetry.interval": "1m",

	"auth.mode":      "disabled",
	"auth.issuer":    "spectred",
	"auth.token_ttl": "24h",
}

var validate = validator.New()

// Load 依次加载默认值、YAML 配置文件（path 为空时跳过）与环境变量覆盖。
func Load(path string) (*Config, error) {
	k := koanf.New(".")
	for key, value := range defaults {
		if err := k.Set(key, value); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "设置默认配置失败")
		}
	}

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "读取配置文件失败",
				xerrors.WithMetadata("path", path))
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "读取环境变量失败")
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "解析配置失败")
	}
	if path != "" {
		cfg.resolvePaths(filepath.Dir(path))
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate 校验配置取值。
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "配置校验失败")
	}
	if c.Auth.Mode == "jwt" && len(c.Auth.Secret) < 32 {
		return xerrors.New(xerrors.CodeInvalidArgument, "auth.secret 至少需要 32 字节")
	}
	if c.Settlement.Ledger.Driver == "evm" {
		if c.Settlement.Ledger.EVM.RPCURL == "" || c.Settlement.Ledger.EVM.PrivateKey == "" {
			return xerrors.New(xerrors.CodeInvalidArgument, "EVM 账本需要 settlement.ledger.evm.rpc_url 与 private_key")
		}
	}
	switch c.Settlement.Queue.Driver {
	case "redis":
		if c.Settlement.Queue.Redis.Address == "" {
			return xerrors.New(xerrors.CodeInvalidArgument, "Redis 队列需要 settlement.queue.redis.address")
		}
	case "rabbitmq":
		if c.Settlement.Queue.RabbitMQ.URL == "" {
			return xerrors.New(xerrors.CodeInvalidArgument, "RabbitMQ 队列需要 settlement.queue.rabbitmq.url")
		}
	}
	return nil
}

// resolvePaths 将相对路径解释为相对于配置文件所在目录。
func (c *Config) resolvePaths(baseDir string) {
	if c.Registry.CatalogPath != "" && !filepath.IsAbs(c.Registry.CatalogPath) {
		c.Registry.CatalogPath = filepath.Join(baseDir, c.Registry.CatalogPath)
	}
	if c.Log.Audit.Path != "" && !filepath.IsAbs(c.Log.Audit.Path) {
		c.Log.Audit.Path = filepath.Join(baseDir, c.Log.Audit.Path)
	}
}

func envKey(s string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, EnvPrefix)), "__", ".")
}
