package market

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"Spectre-Protocol/internal/capability"
	xerrors "Spectre-Protocol/internal/errors"
	"Spectre-Protocol/internal/observability/metrics"
	"Spectre-Protocol/internal/proofs"
	"Spectre-Protocol/pkg/logger"
)

// CapabilityVerifier 是市场在置位前调用的能力校验，capability.Registry 满足该接口。
type CapabilityVerifier interface {
	VerifyFor(proof proofs.ExecutionProof, taskComplexity uint32, requiredModel string) (bool, error)
}

// ReceiptSink 订阅领取凭据，只读，无法回写市场状态。
type ReceiptSink interface {
	Publish(ctx context.Context, receipt ClaimReceipt) error
}

const defaultSinkTimeout = 2 * time.Second

var tracer = otel.Tracer("Spectre-Protocol/internal/market")

// Marketplace 负责任务发布与 "先验身份、后付报酬" 的领取流程。
type Marketplace struct {
	store       JobStore
	verifier    CapabilityVerifier
	sink        ReceiptSink
	sinkTimeout time.Duration
	metrics     *metrics.Recorder
	now         func() time.Time
}

// Option 定义可选配置。
type Option func(*Marketplace)

// WithJobStore 替换默认的内存任务表。
func WithJobStore(store JobStore) Option {
	return func(m *Marketplace) {
		if store != nil {
			m.store = store
		}
	}
}

// WithReceiptSink 配置领取凭据的下游。
func WithReceiptSink(sink ReceiptSink) Option {
	return func(m *Marketplace) {
		m.sink = sink
	}
}

// WithSinkTimeout 设置推送凭据的超时时间。
func WithSinkTimeout(timeout time.Duration) Option {
	return func(m *Marketplace) {
		if timeout > 0 {
			m.sinkTimeout = timeout
		}
	}
}

// WithMetrics 配置指标记录器。
func WithMetrics(recorder *metrics.Recorder) Option {
	return func(m *Marketplace) {
		m.metrics = recorder
	}
}

// New 构造 Marketplace。
func New(verifier CapabilityVerifier, opts ...Option) *Marketplace {
	m := &Marketplace{
		store:       NewMemoryJobStore(),
		verifier:    verifier,
		sinkTimeout: defaultSinkTimeout,
		now:         time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	return m
}

// Post 发布新任务，重复 ID 返回 DuplicateJob。
func (m *Marketplace) Post(ctx context.Context, id, requester, requiredAlgo string, reward uint64) (*Job, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "任务 ID 不能为空")
	}
	job := &Job{
		ID:           id,
		Requester:    requester,
		RequiredAlgo: requiredAlgo,
		RewardTokens: reward,
		CreatedAt:    m.now().Unix(),
	}
	if err := m.store.Create(ctx, job); err != nil {
		return nil, err
	}
	logger.Audit().Info("任务发布成功",
		slog.String("job_id", id),
		slog.String("requester", requester),
		slog.String("required_algo", requiredAlgo),
		slog.Uint64("reward_tokens", reward),
	)
	return job, nil
}

// Claim 在任务临界区内完成验证与置位。失败时不修改任何状态；成功后凭据即为最终结果，
// 与下游推送是否成功无关。
func (m *Marketplace) Claim(ctx context.Context, jobID, agentID string, proof proofs.ExecutionProof, taskComplexity uint32) (*ClaimReceipt, error) {
	if m.verifier == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "能力校验未初始化")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	jobID = strings.TrimSpace(jobID)
	agentID = strings.TrimSpace(agentID)

	ctx, span := tracer.Start(ctx, "market.Claim", trace.WithAttributes(
		attribute.String("job_id", jobID),
		attribute.String("agent_id", agentID),
	))
	defer span.End()

	start := time.Now()
	// 进入临界区后不再响应取消。
	job, err := m.store.Claim(context.WithoutCancel(ctx), jobID, agentID, func(job Job) error {
		if proof.AgentID != agentID {
			return xerrors.New(capability.CodeInvalidProof, "proof was issued for a different agent",
				xerrors.WithMetadata("agent_id", agentID),
				xerrors.WithMetadata("proof_agent_id", proof.AgentID))
		}
		_, verr := m.verifier.VerifyFor(proof, taskComplexity, job.RequiredAlgo)
		return verr
	})
	m.metrics.RecordClaim(ctx, string(outcomeOf(err)), time.Since(start))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, string(xerrors.CodeOf(err)))
		logger.L().Info("任务领取被拒绝",
			slog.String("job_id", jobID),
			slog.String("agent_id", agentID),
			slog.String("error_code", string(xerrors.CodeOf(err))),
			slog.Any("error", err),
		)
		return nil, err
	}

	receipt := &ClaimReceipt{
		ReceiptID:    uuid.NewString(),
		AgentID:      agentID,
		JobID:        job.ID,
		RewardTokens: job.RewardTokens,
		ClaimedAt:    job.ClaimedAt,
	}
	logger.Audit().Info("任务领取成功",
		slog.String("receipt_id", receipt.ReceiptID),
		slog.String("job_id", job.ID),
		slog.String("agent_id", agentID),
		slog.Uint64("reward_tokens", job.RewardTokens),
	)
	m.publish(ctx, *receipt)
	return receipt, nil
}

func (m *Marketplace) publish(ctx context.Context, receipt ClaimReceipt) {
	if m.sink == nil {
		return
	}
	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.sinkTimeout)
	defer cancel()
	if err := m.sink.Publish(pubCtx, receipt); err != nil {
		logger.L().Error("领取凭据推送失败",
			slog.String("receipt_id", receipt.ReceiptID),
			slog.String("job_id", receipt.JobID),
			slog.Any("error", err),
		)
	}
}

// Get 返回任务。
func (m *Marketplace) Get(ctx context.Context, id string) (*Job, error) {
	return m.store.Get(ctx, id)
}

// List 返回最近发布的任务。
func (m *Marketplace) List(ctx context.Context, limit int) ([]*Job, error) {
	return m.store.List(ctx, limit)
}

// Stats 统计任务总数、未领取与已领取数量。
func (m *Marketplace) Stats(ctx context.Context) (Stats, error) {
	jobs, err := m.store.List(ctx, 0)
	if err != nil {
		return Stats{}, err
	}
	var stats Stats
	for _, job := range jobs {
		stats.Total++
		if job.Fulfilled {
			stats.Fulfilled++
			stats.Rewarded += job.RewardTokens
		} else {
			stats.Open++
		}
	}
	return stats, nil
}

// Close 释放任务表。
func (m *Marketplace) Close() error {
	if m.store == nil {
		return nil
	}
	return m.store.Close()
}

func outcomeOf(err error) xerrors.Code {
	if err == nil {
		return "CLAIMED"
	}
	return xerrors.CodeOf(err)
}
