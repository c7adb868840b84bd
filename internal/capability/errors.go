package capability

import (
	xerrors "Spectre-Protocol/internal/errors"
)

const (
	CodeUnknownModel           xerrors.Code = "UNKNOWN_MODEL"
	CodeAgentNotRegistered     xerrors.Code = "AGENT_NOT_REGISTERED"
	CodeAgentAlreadyRegistered xerrors.Code = "AGENT_ALREADY_REGISTERED"
	CodeModelHashMismatch      xerrors.Code = "MODEL_HASH_MISMATCH"
	CodeCapacityExceeded       xerrors.Code = "CAPACITY_EXCEEDED"
	CodeReputationTooLow       xerrors.Code = "REPUTATION_TOO_LOW"
	CodeInsufficientStake      xerrors.Code = "INSUFFICIENT_STAKE"
	CodeInvalidProof           xerrors.Code = "INVALID_PROOF"
)

var (
	// ErrUnknownModel 表示模型类型不在规范哈希表中。
	ErrUnknownModel = xerrors.New(CodeUnknownModel, "unknown model type")
	// ErrAgentNotRegistered 表示 agent 未注册。
	ErrAgentNotRegistered = xerrors.New(CodeAgentNotRegistered, "agent not registered")
	// ErrAgentAlreadyRegistered 仅在严格注册模式下返回。
	ErrAgentAlreadyRegistered = xerrors.New(CodeAgentAlreadyRegistered, "agent already registered")
	// ErrModelHashMismatch 表示证明中的模型哈希与注册能力不符，可能存在模型替换。
	ErrModelHashMismatch = xerrors.New(CodeModelHashMismatch, "model hash mismatch")
	// ErrCapacityExceeded 表示任务复杂度超过 agent 的认证容量。
	ErrCapacityExceeded = xerrors.New(CodeCapacityExceeded, "task exceeds verified capacity")
	// ErrReputationTooLow 表示信誉低于阈值。
	ErrReputationTooLow = xerrors.New(CodeReputationTooLow, "reputation below threshold")
	// ErrInsufficientStake 表示质押不足。
	ErrInsufficientStake = xerrors.New(CodeInsufficientStake, "insufficient stake")
	// ErrInvalidProof 表示执行证明未通过校验器。
	ErrInvalidProof = xerrors.New(CodeInvalidProof, "invalid execution proof")
)

func init() {
	xerrors.Register(CodeUnknownModel, xerrors.Attributes{
		Message:  "unknown model type",
		Severity: xerrors.SeverityInfo,
		Category: xerrors.CategoryInvalid,
	})
	xerrors.Register(CodeAgentNotRegistered, xerrors.Attributes{
		Message:  "agent not registered",
		Severity: xerrors.SeverityInfo,
		Category: xerrors.CategoryNotFound,
	})
	xerrors.Register(CodeAgentAlreadyRegistered, xerrors.Attributes{
		Message:  "agent already registered",
		Severity: xerrors.SeverityInfo,
		Category: xerrors.CategoryConflict,
	})
	xerrors.Register(CodeModelHashMismatch, xerrors.Attributes{
		Message:  "model hash mismatch",
		Severity: xerrors.SeverityWarning,
		Category: xerrors.CategoryRejected,
		Alert:    true,
	})
	xerrors.Register(CodeCapacityExceeded, xerrors.Attributes{
		Message:  "task exceeds verified capacity",
		Severity: xerrors.SeverityInfo,
		Category: xerrors.CategoryRejected,
	})
	xerrors.Register(CodeReputationTooLow, xerrors.Attributes{
		Message:  "reputation below threshold",
		Severity: xerrors.SeverityInfo,
		Category: xerrors.CategoryRejected,
	})
	xerrors.Register(CodeInsufficientStake, xerrors.Attributes{
		Message:  "insufficient stake",
		Severity: xerrors.SeverityInfo,
		Category: xerrors.CategoryRejected,
	})
	xerrors.Register(CodeInvalidProof, xerrors.Attributes{
		Message:  "invalid execution proof",
		Severity: xerrors.SeverityWarning,
		Category: xerrors.CategoryRejected,
		Alert:    true,
	})
}
