package market

import (
	xerrors "Spectre-Protocol/internal/errors"
)

// Job 描述一次发布的工作。Fulfilled 只会从 false 变为 true。
type Job struct {
	ID           string `json:"id"`
	Requester    string `json:"requester"`
	RequiredAlgo string `json:"required_algo"`
	RewardTokens uint64 `json:"reward_tokens"`
	Fulfilled    bool   `json:"fulfilled"`
	Claimant     string `json:"claimant,omitempty"`
	CreatedAt    int64  `json:"created_at"`
	ClaimedAt    int64  `json:"claimed_at,omitempty"`
}

// ClaimReceipt 是成功领取后返回给调用方并推送到下游的凭据。
type ClaimReceipt struct {
	ReceiptID    string `json:"receipt_id"`
	AgentID      string `json:"agent_id"`
	JobID        string `json:"job_id"`
	RewardTokens uint64 `json:"reward_tokens"`
	ClaimedAt    int64  `json:"claimed_at"`
}

// Stats 汇总了任务市场的状态。
type Stats struct {
	Total     int    `json:"total"`
	Open      int    `json:"open"`
	Fulfilled int    `json:"fulfilled"`
	Rewarded  uint64 `json:"rewarded_tokens"`
}

const (
	CodeJobNotFound       xerrors.Code = "JOB_NOT_FOUND"
	CodeJobAlreadyClaimed xerrors.Code = "JOB_ALREADY_CLAIMED"
	CodeDuplicateJob      xerrors.Code = "DUPLICATE_JOB"
)

var (
	// ErrJobNotFound 表示指定的任务不存在。
	ErrJobNotFound = xerrors.New(CodeJobNotFound, "job not found")
	// ErrJobAlreadyClaimed 表示任务已被领取。
	ErrJobAlreadyClaimed = xerrors.New(CodeJobAlreadyClaimed, "job already claimed")
	// ErrDuplicateJob 表示任务 ID 已存在。
	ErrDuplicateJob = xerrors.New(CodeDuplicateJob, "duplicate job id")
)

func init() {
	xerrors.Register(CodeJobNotFound, xerrors.Attributes{
		Message:  "job not found",
		Severity: xerrors.SeverityInfo,
		Category: xerrors.CategoryNotFound,
	})
	xerrors.Register(CodeJobAlreadyClaimed, xerrors.Attributes{
		Message:  "job already claimed",
		Severity: xerrors.SeverityInfo,
		Category: xerrors.CategoryConflict,
	})
	xerrors.Register(CodeDuplicateJob, xerrors.Attributes{
		Message:  "duplicate job id",
		Severity: xerrors.SeverityWarning,
		Category: xerrors.CategoryConflict,
	})
}
