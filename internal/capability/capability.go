package capability

// AgentCapability 描述一个已注册 agent 的能力、信誉与质押。
type AgentCapability struct {
	AgentID         string  `json:"agent_id"`
	ModelType       string  `json:"model_type"`
	VerifiedHash    string  `json:"verified_hash"`
	MaxTokens       uint32  `json:"max_tokens"`
	ReputationScore float64 `json:"reputation_score"`
	StakeAmount     uint64  `json:"stake_amount"`
	RegisteredAt    int64   `json:"registered_at"`
	UpdatedAt       int64   `json:"updated_at"`
}

// Policy 是验证流水线中的固定阈值。
type Policy struct {
	MinReputation float64 `json:"min_reputation"`
	MinStake      uint64  `json:"min_stake"`
}

const (
	DefaultMinReputation         = 0.7
	DefaultMinStake       uint64 = 1000
	initialReputation            = 1.0
)

// DefaultPolicy 返回默认阈值。
func DefaultPolicy() Policy {
	return Policy{MinReputation: DefaultMinReputation, MinStake: DefaultMinStake}
}

func clampReputation(score float64) float64 {
	switch {
	case score < 0:
		return 0
	case score > 1:
		return 1
	default:
		return score
	}
}
