package proofs

import (
	"strings"

	"github.com/ethereum/go-ethereum/common/hexutil"

	xerrors "Spectre-Protocol/internal/errors"
)

// ExecutionProof 是一次领取请求携带的执行证明，只在验证流水线中消费一次，不做持久化。
type ExecutionProof struct {
	AgentID   string `json:"agent_id"`
	ModelHash string `json:"model_hash"`
	Token     []byte `json:"execution_proof"`
	Timestamp int64  `json:"timestamp"`
	Nonce     uint32 `json:"nonce"`
}

// NewExecutionProof 在构造阶段校验证明格式，格式错误属于参数错误而非验证失败。
func NewExecutionProof(agentID, modelHash string, token []byte, timestamp int64, nonce uint32) (ExecutionProof, error) {
	agentID = strings.TrimSpace(agentID)
	if agentID == "" {
		return ExecutionProof{}, xerrors.New(xerrors.CodeInvalidArgument, "证明缺少 agent_id")
	}
	if _, err := hexutil.Decode(modelHash); err != nil {
		return ExecutionProof{}, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "model_hash 必须为 0x 前缀的十六进制串",
			xerrors.WithMetadata("model_hash", modelHash))
	}
	if len(token) == 0 {
		return ExecutionProof{}, xerrors.New(xerrors.CodeInvalidArgument, "execution_proof 不能为空")
	}
	tokenCopy := make([]byte, len(token))
	copy(tokenCopy, token)
	return ExecutionProof{
		AgentID:   agentID,
		ModelHash: modelHash,
		Token:     tokenCopy,
		Timestamp: timestamp,
		Nonce:     nonce,
	}, nil
}
