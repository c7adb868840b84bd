package settlement

import (
	"context"
	stdErrors "errors"
	"math/rand/v2"
	"regexp"
	"sync"
	"testing"
	"time"

	xerrors "Spectre-Protocol/internal/errors"
	"Spectre-Protocol/internal/market"
)

type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func sampleReceipt(id string) market.ClaimReceipt {
	return market.ClaimReceipt{ReceiptID: id, AgentID: "agent_001", JobID: "1", RewardTokens: 100, ClaimedAt: 1}
}

var txIDPattern = regexp.MustCompile(`^psy_[0-9a-f]{32}$`)

func TestSimulatedLedgerPendingUntilSettled(t *testing.T) {
	clock := &manualClock{now: time.Unix(1700000000, 0)}
	ledger := NewSimulatedLedger(
		WithDelay(time.Millisecond),
		WithSuccessRate(1),
		WithLedgerClock(clock.Now),
	)

	txID, err := ledger.Submit(context.Background(), sampleReceipt("r-1"))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if !txIDPattern.MatchString(txID) {
		t.Fatalf("unexpected tx id format: %s", txID)
	}
	if status, _ := ledger.Status(context.Background(), txID); status != StatusPending {
		t.Fatalf("expected pending before settlement, got %s", status)
	}

	clock.Advance(time.Millisecond)
	if status, _ := ledger.Status(context.Background(), txID); status != StatusConfirmed {
		t.Fatalf("expected confirmed, got %s", status)
	}
	tx, err := ledger.Transaction(txID)
	if err != nil || tx.Receipt.ReceiptID != "r-1" || tx.SubmittedAt != 1700000000 {
		t.Fatalf("unexpected transaction: %+v %v", tx, err)
	}
}

func TestSimulatedLedgerOutcomeFollowsSuccessRate(t *testing.T) {
	failing := NewSimulatedLedger(WithDelay(0), WithSuccessRate(0))
	txID, err := failing.Submit(context.Background(), sampleReceipt("r-2"))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if status, _ := failing.Status(context.Background(), txID); status != StatusFailed {
		t.Fatalf("expected failed, got %s", status)
	}

	seeded := NewSimulatedLedger(WithDelay(0), WithRandomSource(rand.NewPCG(1, 2)))
	confirmed := 0
	for i := 0; i < 400; i++ {
		txID, err := seeded.Submit(context.Background(), sampleReceipt("r-seeded"))
		if err != nil {
			t.Fatalf("submit: %v", err)
		}
		if status, _ := seeded.Status(context.Background(), txID); status == StatusConfirmed {
			confirmed++
		}
	}
	if confirmed < 350 || confirmed == 400 {
		t.Fatalf("expected roughly 95%% confirmations, got %d/400", confirmed)
	}
}

func TestSimulatedLedgerDistinctTxIDs(t *testing.T) {
	ledger := NewSimulatedLedger(WithDelay(0))
	seen := make(map[string]struct{})
	for i := 0; i < 50; i++ {
		txID, err := ledger.Submit(context.Background(), sampleReceipt("same"))
		if err != nil {
			t.Fatalf("submit: %v", err)
		}
		if _, dup := seen[txID]; dup {
			t.Fatalf("duplicate tx id %s", txID)
		}
		seen[txID] = struct{}{}
	}
}

func TestSimulatedLedgerErrors(t *testing.T) {
	ledger := NewSimulatedLedger(WithDelay(time.Hour))
	if _, err := ledger.Status(context.Background(), "psy_missing"); !stdErrors.Is(err, ErrTxNotFound) {
		t.Fatalf("expected TxNotFound, got %v", err)
	}
	if _, err := ledger.Submit(context.Background(), market.ClaimReceipt{}); xerrors.CodeOf(err) != xerrors.CodeInvalidArgument {
		t.Fatalf("expected invalid argument, got %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := ledger.Submit(ctx, sampleReceipt("slow")); !stdErrors.Is(err, ErrSubmitFailed) {
		t.Fatalf("expected SubmitFailed on timeout, got %v", err)
	}
}
