package settlement

import (
	"context"
	stdErrors "errors"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	xerrors "Spectre-Protocol/internal/errors"
	"Spectre-Protocol/internal/market"
	"Spectre-Protocol/internal/observability/alerting"
	"Spectre-Protocol/internal/observability/metrics"
	"Spectre-Protocol/pkg/logger"
)

// Reputation 定义结算结果回写信誉所需的能力，capability.Registry 满足该接口。
type Reputation interface {
	Reward(agentID string, bonus float64) (float64, bool)
	Slash(agentID string, penalty float64) (float64, bool)
}

const (
	DefaultRewardBonus  = 0.05
	DefaultSlashPenalty = 0.2
	DefaultPollInterval = 25 * time.Millisecond
	DefaultMaxPolls     = 40
)

// StatusTimeout 表示轮询次数用尽时交易仍未落定。
const StatusTimeout Status = "timeout"

var errStillPending = stdErrors.New("transaction still pending")

var tracer = otel.Tracer("Spectre-Protocol/internal/settlement")

// Processor 从队列消费领取凭据，提交到账本并根据最终状态奖励或惩罚 agent。
type Processor struct {
	ledger       Ledger
	reputation   Reputation
	consumer     Consumer
	workerCount  int
	pollInterval time.Duration
	maxPolls     uint
	rewardBonus  float64
	slashPenalty float64
	metrics      *metrics.Recorder
	alerter      alerting.Dispatcher
	logger       *slog.Logger
}

// ProcessorOption 定义可选配置。
type ProcessorOption func(*Processor)

// WithWorkerCount 设置消费协程数量。
func WithWorkerCount(workers int) ProcessorOption {
	return func(p *Processor) {
		if workers > 0 {
			p.workerCount = workers
		}
	}
}

// WithPolling 设置状态轮询间隔与最大次数。
func WithPolling(interval time.Duration, maxPolls int) ProcessorOption {
	return func(p *Processor) {
		if interval > 0 {
			p.pollInterval = interval
		}
		if maxPolls > 0 {
			p.maxPolls = uint(maxPolls)
		}
	}
}

// WithReputationAdjustments 覆盖确认奖励与失败惩罚的幅度。
func WithReputationAdjustments(bonus, penalty float64) ProcessorOption {
	return func(p *Processor) {
		if bonus >= 0 {
			p.rewardBonus = bonus
		}
		if penalty >= 0 {
			p.slashPenalty = penalty
		}
	}
}

// WithProcessorMetrics 配置指标记录器。
func WithProcessorMetrics(recorder *metrics.Recorder) ProcessorOption {
	return func(p *Processor) {
		p.metrics = recorder
	}
}

// WithAlertDispatcher 配置告警派发器。
func WithAlertDispatcher(dispatcher alerting.Dispatcher) ProcessorOption {
	return func(p *Processor) {
		p.alerter = dispatcher
	}
}

// WithProcessorLogger 指定调试日志输出。
func WithProcessorLogger(l *slog.Logger) ProcessorOption {
	return func(p *Processor) {
		p.logger = l
	}
}

// NewProcessor 构造 Processor。
func NewProcessor(ledger Ledger, reputation Reputation, consumer Consumer, opts ...ProcessorOption) *Processor {
	p := &Processor{
		ledger:       ledger,
		reputation:   reputation,
		consumer:     consumer,
		workerCount:  1,
		pollInterval: DefaultPollInterval,
		maxPolls:     DefaultMaxPolls,
		rewardBonus:  DefaultRewardBonus,
		slashPenalty: DefaultSlashPenalty,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	return p
}

// Start 启动结算循环，直到 ctx 结束。
func (p *Processor) Start(ctx context.Context) error {
	if p.consumer == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "未配置凭据消费者")
	}
	return p.consumer.Consume(ctx, p.workerCount, p.handle)
}

// Run 在后台启动结算循环。返回的 stop 会取消循环并等待在途结算结束，
// 调用方应在关闭账本与队列之前调用它。正常取消时 stop 返回 nil。
func (p *Processor) Run(ctx context.Context) (stop func() error) {
	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() {
		err := p.Start(runCtx)
		if err != nil && !stdErrors.Is(err, context.Canceled) {
			logger.L().Error("结算处理器异常退出", slog.Any("error", err))
		}
		done <- err
	}()

	var (
		once    sync.Once
		exitErr error
	)
	return func() error {
		once.Do(func() {
			cancel()
			if err := <-done; err != nil && !stdErrors.Is(err, context.Canceled) {
				exitErr = err
			}
		})
		return exitErr
	}
}

func (p *Processor) handle(ctx context.Context, receipt market.ClaimReceipt) error {
	_, err := p.Settle(ctx, receipt)
	if err != nil && xerrors.CodeOf(err) == CodeSubmitFailed {
		// 仅提交失败需要队列重投；落定后的异常已经告警，重投会造成重复结算。
		return err
	}
	return nil
}

// Settle 结算单张凭据并返回最终状态。可重试的提交失败返回 SETTLEMENT_SUBMIT_FAILED，
// 账本拒绝的凭据保留原错误码。
func (p *Processor) Settle(ctx context.Context, receipt market.ClaimReceipt) (status Status, err error) {
	if p.ledger == nil || p.reputation == nil {
		return "", xerrors.New(xerrors.CodeInitializationFailure, "结算处理器未初始化")
	}

	ctx, span := tracer.Start(ctx, "settlement.Settle", trace.WithAttributes(
		attribute.String("receipt_id", receipt.ReceiptID),
		attribute.String("agent_id", receipt.AgentID),
		attribute.String("job_id", receipt.JobID),
	))
	defer func() {
		span.SetAttributes(attribute.String("status", string(status)))
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, string(xerrors.CodeOf(err)))
		}
		span.End()
	}()

	txID, err := p.ledger.Submit(ctx, receipt)
	if err != nil {
		// 账本明确拒绝且不可重试的错误原样返回，队列不会重投。
		if _, structured := xerrors.From(err); !structured || xerrors.RetryableError(err) {
			if xerrors.CodeOf(err) != CodeSubmitFailed {
				err = xerrors.Wrap(CodeSubmitFailed, err, "提交结算交易失败")
			}
		}
		code := xerrors.CodeOf(err)
		outcome := "submit_failed"
		if code != CodeSubmitFailed {
			outcome = "submit_rejected"
		}
		logger.L().Error("提交结算交易失败",
			slog.String("receipt_id", receipt.ReceiptID),
			slog.String("agent_id", receipt.AgentID),
			slog.String("error_code", string(code)),
			slog.Any("error", err),
		)
		p.metrics.RecordSettlement(ctx, outcome)
		p.emitAlert(ctx, receipt, "", code, err, "submit")
		return "", err
	}
	p.logDebug("结算交易已提交", slog.String("tx_id", txID), slog.String("receipt_id", receipt.ReceiptID))

	status, err = p.await(ctx, txID)
	if err != nil {
		if stdErrors.Is(err, errStillPending) {
			status = StatusTimeout
			logger.L().Warn("结算交易未在轮询上限内落定", slog.String("tx_id", txID), slog.String("agent_id", receipt.AgentID))
			p.metrics.RecordSettlement(ctx, string(StatusTimeout))
			p.emitAlert(ctx, receipt, txID, xerrors.CodeTimeout, err, "poll")
			return status, nil
		}
		logger.L().Error("查询结算状态失败", slog.String("tx_id", txID), slog.Any("error", err))
		p.metrics.RecordSettlement(ctx, "status_error")
		p.emitAlert(ctx, receipt, txID, xerrors.CodeOf(err), err, "poll")
		return "", err
	}

	switch status {
	case StatusConfirmed:
		score, ok := p.reputation.Reward(receipt.AgentID, p.rewardBonus)
		p.metrics.RecordReputation(ctx, "reward")
		logger.Audit().Info("结算确认，信誉奖励",
			slog.String("tx_id", txID),
			slog.String("job_id", receipt.JobID),
			slog.String("agent_id", receipt.AgentID),
			slog.Float64("reputation", score),
			slog.Bool("agent_found", ok),
		)
	case StatusFailed:
		score, ok := p.reputation.Slash(receipt.AgentID, p.slashPenalty)
		p.metrics.RecordReputation(ctx, "slash")
		logger.Audit().Warn("结算失败，信誉惩罚",
			slog.String("tx_id", txID),
			slog.String("job_id", receipt.JobID),
			slog.String("agent_id", receipt.AgentID),
			slog.Float64("reputation", score),
			slog.Bool("agent_found", ok),
		)
		p.emitAlert(ctx, receipt, txID, CodeSettlementFailed, nil, "slash")
	}
	p.metrics.RecordSettlement(ctx, string(status))
	return status, nil
}

// await 以固定间隔轮询交易状态，直到落定或达到次数上限。
func (p *Processor) await(ctx context.Context, txID string) (Status, error) {
	return backoff.Retry(ctx, func() (Status, error) {
		status, err := p.ledger.Status(ctx, txID)
		if err != nil {
			return "", backoff.Permanent(err)
		}
		if !status.Final() {
			return status, errStillPending
		}
		return status, nil
	},
		backoff.WithBackOff(backoff.NewConstantBackOff(p.pollInterval)),
		backoff.WithMaxTries(p.maxPolls),
	)
}

func (p *Processor) logDebug(msg string, attrs ...slog.Attr) {
	if p.logger != nil {
		p.logger.LogAttrs(context.Background(), slog.LevelDebug, msg, attrs...)
	}
}

func (p *Processor) emitAlert(ctx context.Context, receipt market.ClaimReceipt, txID string, code xerrors.Code, cause error, stage string) {
	if p == nil || p.alerter == nil {
		return
	}
	attrs := xerrors.AttributesOf(code)
	message := attrs.Message
	if cause != nil {
		message = cause.Error()
	}
	event := alerting.Event{
		Code:       code,
		Message:    message,
		Severity:   attrs.Severity,
		Stage:      stage,
		AgentID:    receipt.AgentID,
		JobID:      receipt.JobID,
		TxID:       txID,
		Metadata:   map[string]string{"receipt_id": receipt.ReceiptID},
		OccurredAt: time.Now(),
	}
	if err := p.alerter.Notify(ctx, event); err != nil {
		logger.L().Error("告警通知失败",
			slog.Any("error", err),
			slog.String("agent_id", receipt.AgentID),
			slog.String("stage", stage),
		)
	}
}
