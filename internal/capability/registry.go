package capability

import (
	"log/slog"
	"math"
	"strconv"
	"strings"
	"time"

	xerrors "Spectre-Protocol/internal/errors"
	"Spectre-Protocol/internal/proofs"
	"Spectre-Protocol/pkg/logger"
)

// Registry 是 "谁能做什么、做得如何、押了多少" 的唯一事实来源。
type Registry struct {
	catalog  *Catalog
	store    AgentStore
	verifier proofs.Verifier
	policy   Policy
	strict   bool
	now      func() time.Time
}

// Option 定义可选配置。
type Option func(*Registry)

// WithStore 替换默认的内存存储。
func WithStore(store AgentStore) Option {
	return func(r *Registry) {
		if store != nil {
			r.store = store
		}
	}
}

// WithVerifier 注入执行证明校验器。
func WithVerifier(verifier proofs.Verifier) Option {
	return func(r *Registry) {
		if verifier != nil {
			r.verifier = verifier
		}
	}
}

// WithPolicy 覆盖信誉与质押阈值。
func WithPolicy(policy Policy) Option {
	return func(r *Registry) {
		r.policy = policy
	}
}

// WithStrictRegistration 拒绝重复注册，而不是覆盖已有记录。
func WithStrictRegistration() Option {
	return func(r *Registry) {
		r.strict = true
	}
}

// WithClock 指定时间来源。
func WithClock(now func() time.Time) Option {
	return func(r *Registry) {
		if now != nil {
			r.now = now
		}
	}
}

// NewRegistry 构造 Registry。catalog 为空时使用内置模型表。
func NewRegistry(catalog *Catalog, opts ...Option) *Registry {
	if catalog == nil {
		catalog = DefaultCatalog()
	}
	r := &Registry{
		catalog:  catalog,
		store:    NewMemoryAgentStore(),
		verifier: proofs.NewPrefixVerifier(),
		policy:   DefaultPolicy(),
		now:      time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

// Catalog 返回规范模型表。
func (r *Registry) Catalog() *Catalog {
	return r.catalog
}

// Register 以规范表中的哈希与容量创建能力记录，信誉从 1.0 开始。
func (r *Registry) Register(agentID, modelType string, stake uint64) error {
	agentID = strings.TrimSpace(agentID)
	if agentID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "agent_id 不能为空")
	}
	hash, ok := r.catalog.Hash(modelType)
	if !ok {
		return xerrors.New(CodeUnknownModel, "unknown model type", xerrors.WithMetadata("model_type", modelType))
	}

	now := r.now().Unix()
	record := AgentCapability{
		AgentID:         agentID,
		ModelType:       modelType,
		VerifiedHash:    hash,
		MaxTokens:       r.catalog.Capacity(modelType),
		ReputationScore: initialReputation,
		StakeAmount:     stake,
		RegisteredAt:    now,
		UpdatedAt:       now,
	}
	if !r.store.Put(record, !r.strict) {
		return xerrors.New(CodeAgentAlreadyRegistered, "agent already registered", xerrors.WithMetadata("agent_id", agentID))
	}

	logger.Audit().Info("agent 注册成功",
		slog.String("agent_id", agentID),
		slog.String("model_type", modelType),
		slog.String("verified_hash", hash),
		slog.Uint64("max_tokens", uint64(record.MaxTokens)),
		slog.Uint64("stake", stake),
	)
	return nil
}

// Verify 依次执行验证流水线，遇到第一个失败立即返回，只有全部通过才返回 true。
func (r *Registry) Verify(proof proofs.ExecutionProof, taskComplexity uint32) (bool, error) {
	return r.VerifyFor(proof, taskComplexity, "")
}

// VerifyFor 与 Verify 相同，另外要求 agent 的模型类型满足 requiredModel（非空时）。
func (r *Registry) VerifyFor(proof proofs.ExecutionProof, taskComplexity uint32, requiredModel string) (bool, error) {
	record, ok := r.store.Get(proof.AgentID)
	if !ok {
		return false, xerrors.New(CodeAgentNotRegistered, "agent not registered",
			xerrors.WithMetadata("agent_id", proof.AgentID))
	}
	if proof.ModelHash != record.VerifiedHash {
		return false, xerrors.New(CodeModelHashMismatch, "model hash mismatch, possible model substitution",
			xerrors.WithMetadata("agent_id", record.AgentID),
			xerrors.WithMetadata("model_hash", proof.ModelHash))
	}
	if requiredModel != "" && record.ModelType != requiredModel {
		return false, xerrors.New(CodeModelHashMismatch, "agent capability does not match required model",
			xerrors.WithMetadata("agent_id", record.AgentID),
			xerrors.WithMetadata("required_algo", requiredModel))
	}
	if taskComplexity > record.MaxTokens {
		return false, xerrors.New(CodeCapacityExceeded, "task exceeds verified capacity",
			xerrors.WithMetadata("task_complexity", strconv.FormatUint(uint64(taskComplexity), 10)),
			xerrors.WithMetadata("max_tokens", strconv.FormatUint(uint64(record.MaxTokens), 10)))
	}
	if record.ReputationScore < r.policy.MinReputation {
		return false, xerrors.New(CodeReputationTooLow, "reputation below threshold",
			xerrors.WithMetadata("reputation", strconv.FormatFloat(record.ReputationScore, 'f', 4, 64)))
	}
	if record.StakeAmount < r.policy.MinStake {
		return false, xerrors.New(CodeInsufficientStake, "insufficient stake",
			xerrors.WithMetadata("stake", strconv.FormatUint(record.StakeAmount, 10)))
	}
	if !proofs.CheckProof(r.verifier, proof) {
		return false, xerrors.New(CodeInvalidProof, "invalid execution proof",
			xerrors.WithMetadata("agent_id", record.AgentID))
	}
	return true, nil
}

// Reward 提升信誉，上限为 1.0。返回新的信誉值以及 agent 是否存在。
func (r *Registry) Reward(agentID string, bonus float64) (float64, bool) {
	return r.adjust(agentID, bonus, "reward")
}

// Slash 降低信誉，下限为 0.0。返回新的信誉值以及 agent 是否存在。
func (r *Registry) Slash(agentID string, penalty float64) (float64, bool) {
	return r.adjust(agentID, -penalty, "slash")
}

func (r *Registry) adjust(agentID string, delta float64, kind string) (float64, bool) {
	if math.IsNaN(delta) || math.IsInf(delta, 0) {
		delta = 0
	}
	// 负数奖励或负数惩罚视为无效输入。
	if (kind == "reward" && delta < 0) || (kind == "slash" && delta > 0) {
		delta = 0
	}
	now := r.now().Unix()
	record, ok := r.store.Update(agentID, func(c *AgentCapability) {
		c.ReputationScore = clampReputation(c.ReputationScore + delta)
		c.UpdatedAt = now
	})
	if !ok {
		return 0, false
	}
	logger.Audit().Info("agent 信誉调整",
		slog.String("agent_id", agentID),
		slog.String("kind", kind),
		slog.Float64("delta", delta),
		slog.Float64("reputation", record.ReputationScore),
	)
	return record.ReputationScore, true
}

// Get 返回能力记录副本。
func (r *Registry) Get(agentID string) (AgentCapability, error) {
	record, ok := r.store.Get(agentID)
	if !ok {
		return AgentCapability{}, xerrors.New(CodeAgentNotRegistered, "agent not registered",
			xerrors.WithMetadata("agent_id", agentID))
	}
	return record, nil
}

// List 返回全部能力记录。
func (r *Registry) List() []AgentCapability {
	return r.store.List()
}
