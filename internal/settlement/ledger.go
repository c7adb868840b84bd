package settlement

import (
	"context"
	"encoding/binary"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"

	xerrors "Spectre-Protocol/internal/errors"
	"Spectre-Protocol/internal/market"
)

// Status 表示结算交易的状态。
type Status string

const (
	StatusPending   Status = "pending"
	StatusConfirmed Status = "confirmed"
	StatusFailed    Status = "failed"
)

// Final 判断状态是否已不再变化。
func (s Status) Final() bool {
	return s == StatusConfirmed || s == StatusFailed
}

const (
	CodeSubmitFailed     xerrors.Code = "SETTLEMENT_SUBMIT_FAILED"
	CodeTxNotFound       xerrors.Code = "TX_NOT_FOUND"
	// CodeSettlementFailed 标记账本最终拒绝的交易，仅用于告警。
	CodeSettlementFailed xerrors.Code = "SETTLEMENT_FAILED"
)

var (
	// ErrSubmitFailed 表示结算交易提交失败。
	ErrSubmitFailed = xerrors.New(CodeSubmitFailed, "settlement submit failed")
	// ErrTxNotFound 表示账本中没有该交易。
	ErrTxNotFound = xerrors.New(CodeTxNotFound, "transaction not found")
)

func init() {
	xerrors.Register(CodeSubmitFailed, xerrors.Attributes{
		Message:   "settlement submit failed",
		Severity:  xerrors.SeverityCritical,
		Category:  xerrors.CategoryInternal,
		Retryable: true,
		Alert:     true,
	})
	xerrors.Register(CodeSettlementFailed, xerrors.Attributes{
		Message:  "settlement failed, agent reputation slashed",
		Severity: xerrors.SeverityWarning,
		Category: xerrors.CategoryInternal,
		Alert:    true,
	})
	xerrors.Register(CodeTxNotFound, xerrors.Attributes{
		Message:  "transaction not found",
		Severity: xerrors.SeverityWarning,
		Category: xerrors.CategoryNotFound,
		Alert:    true,
	})
}

// Transaction 是账本上的一笔结算记录。
type Transaction struct {
	TxID        string              `json:"tx_id"`
	Receipt     market.ClaimReceipt `json:"receipt"`
	Status      Status              `json:"status"`
	SubmittedAt int64               `json:"submitted_at"`
}

// Ledger 抽象了外部结算账本。
type Ledger interface {
	Submit(ctx context.Context, receipt market.ClaimReceipt) (string, error)
	Status(ctx context.Context, txID string) (Status, error)
}

const (
	DefaultLedgerDelay       = 50 * time.Millisecond
	DefaultLedgerSuccessRate = 0.95
	txIDPrefix               = "psy_"
)

type simulatedTx struct {
	tx        Transaction
	outcome   Status
	settledAt time.Time
}

// SimulatedLedger 在内存中模拟最终确认的账本：提交有固定延迟，确认前保持 pending，
// 之后按成功率落定为 confirmed 或 failed。
type SimulatedLedger struct {
	mu          sync.Mutex
	txs         map[string]*simulatedTx
	delay       time.Duration
	successRate float64
	random      func() float64
	now         func() time.Time
	seq         uint64
}

// LedgerOption 定义可选配置。
type LedgerOption func(*SimulatedLedger)

// WithDelay 设置提交延迟以及确认所需时间。
func WithDelay(delay time.Duration) LedgerOption {
	return func(l *SimulatedLedger) {
		if delay >= 0 {
			l.delay = delay
		}
	}
}

// WithSuccessRate 设置交易被确认的概率，取值范围 [0,1]。
func WithSuccessRate(rate float64) LedgerOption {
	return func(l *SimulatedLedger) {
		if rate >= 0 && rate <= 1 {
			l.successRate = rate
		}
	}
}

// WithRandomSource 指定随机源，便于复现。
func WithRandomSource(src rand.Source) LedgerOption {
	return func(l *SimulatedLedger) {
		if src == nil {
			return
		}
		rng := rand.New(src)
		var mu sync.Mutex
		l.random = func() float64 {
			mu.Lock()
			defer mu.Unlock()
			return rng.Float64()
		}
	}
}

// WithLedgerClock 指定时间来源。
func WithLedgerClock(now func() time.Time) LedgerOption {
	return func(l *SimulatedLedger) {
		if now != nil {
			l.now = now
		}
	}
}

// NewSimulatedLedger 创建 SimulatedLedger。
func NewSimulatedLedger(opts ...LedgerOption) *SimulatedLedger {
	l := &SimulatedLedger{
		txs:         make(map[string]*simulatedTx),
		delay:       DefaultLedgerDelay,
		successRate: DefaultLedgerSuccessRate,
		random:      rand.Float64,
		now:         time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(l)
		}
	}
	return l
}

// Submit 提交结算交易并返回交易 ID。
func (l *SimulatedLedger) Submit(ctx context.Context, receipt market.ClaimReceipt) (string, error) {
	if receipt.ReceiptID == "" || receipt.AgentID == "" {
		return "", xerrors.New(xerrors.CodeInvalidArgument, "凭据缺少 receipt_id 或 agent_id")
	}
	if l.delay > 0 {
		timer := time.NewTimer(l.delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return "", xerrors.Wrap(CodeSubmitFailed, ctx.Err(), "提交结算交易超时")
		case <-timer.C:
		}
	}

	outcome := StatusFailed
	if l.random() < l.successRate {
		outcome = StatusConfirmed
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.seq++
	submittedAt := l.now()
	txID := deriveTxID(receipt, l.seq)
	l.txs[txID] = &simulatedTx{
		tx: Transaction{
			TxID:        txID,
			Receipt:     receipt,
			Status:      StatusPending,
			SubmittedAt: submittedAt.Unix(),
		},
		outcome:   outcome,
		settledAt: submittedAt.Add(l.delay),
	}
	return txID, nil
}

// Status 返回交易状态。
func (l *SimulatedLedger) Status(_ context.Context, txID string) (Status, error) {
	tx, err := l.Transaction(txID)
	if err != nil {
		return "", err
	}
	return tx.Status, nil
}

// Transaction 返回交易快照，到达确认时间的交易会落定最终状态。
func (l *SimulatedLedger) Transaction(txID string) (Transaction, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	entry, ok := l.txs[txID]
	if !ok {
		return Transaction{}, xerrors.New(CodeTxNotFound, "transaction not found", xerrors.WithMetadata("tx_id", txID))
	}
	if entry.tx.Status == StatusPending && !l.now().Before(entry.settledAt) {
		entry.tx.Status = entry.outcome
	}
	return entry.tx, nil
}

// deriveTxID 以 keccak256(receipt_id, agent_id, job_id, seq) 的前 16 字节生成交易 ID。
func deriveTxID(receipt market.ClaimReceipt, seq uint64) string {
	var counter [8]byte
	binary.BigEndian.PutUint64(counter[:], seq)
	digest := crypto.Keccak256(
		[]byte(receipt.ReceiptID),
		[]byte(receipt.AgentID),
		[]byte(receipt.JobID),
		counter[:],
	)
	return txIDPrefix + hexutil.Encode(digest[:16])[2:]
}

var _ Ledger = (*SimulatedLedger)(nil)
