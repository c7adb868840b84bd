package settlement

import (
	"context"
	stdErrors "errors"
	"fmt"
	"math"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"Spectre-Protocol/internal/capability"
	xerrors "Spectre-Protocol/internal/errors"
	"Spectre-Protocol/internal/market"
	"Spectre-Protocol/internal/observability/alerting"
	"Spectre-Protocol/internal/proofs"
)

type fakeReputation struct {
	mu      sync.Mutex
	rewards map[string]float64
	slashes map[string]float64
}

func newFakeReputation() *fakeReputation {
	return &fakeReputation{rewards: map[string]float64{}, slashes: map[string]float64{}}
}

func (f *fakeReputation) Reward(agentID string, bonus float64) (float64, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rewards[agentID] += bonus
	return 1, true
}

func (f *fakeReputation) Slash(agentID string, penalty float64) (float64, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.slashes[agentID] += penalty
	return 0, true
}

type recordingDispatcher struct {
	mu     sync.Mutex
	events []alerting.Event
}

func (r *recordingDispatcher) Notify(_ context.Context, event alerting.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return nil
}

func (r *recordingDispatcher) stages() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	stages := make([]string, 0, len(r.events))
	for _, e := range r.events {
		stages = append(stages, e.Stage)
	}
	return stages
}

type stuckLedger struct{}

func (stuckLedger) Submit(context.Context, market.ClaimReceipt) (string, error) { return "psy_stuck", nil }
func (stuckLedger) Status(context.Context, string) (Status, error)              { return StatusPending, nil }

type flakyLedger struct {
	failures atomic.Int32
	inner    Ledger
}

func (f *flakyLedger) Submit(ctx context.Context, receipt market.ClaimReceipt) (string, error) {
	if f.failures.Add(-1) >= 0 {
		return "", stdErrors.New("rpc unavailable")
	}
	return f.inner.Submit(ctx, receipt)
}

func (f *flakyLedger) Status(ctx context.Context, txID string) (Status, error) {
	return f.inner.Status(ctx, txID)
}

// slowLedger 提交时阻塞一段时间且忽略取消，用于观察关闭顺序。
type slowLedger struct {
	entered  chan struct{}
	finished atomic.Bool
}

func (l *slowLedger) Submit(context.Context, market.ClaimReceipt) (string, error) {
	close(l.entered)
	time.Sleep(50 * time.Millisecond)
	l.finished.Store(true)
	return "psy_slow", nil
}

func (l *slowLedger) Status(context.Context, string) (Status, error) { return StatusConfirmed, nil }

func TestSettleConfirmedRewards(t *testing.T) {
	rep := newFakeReputation()
	alerts := &recordingDispatcher{}
	p := NewProcessor(NewSimulatedLedger(WithDelay(0), WithSuccessRate(1)), rep, nil, WithAlertDispatcher(alerts))

	status, err := p.Settle(context.Background(), sampleReceipt("r-1"))
	if err != nil || status != StatusConfirmed {
		t.Fatalf("expected confirmed, got %s %v", status, err)
	}
	if rep.rewards["agent_001"] != DefaultRewardBonus || len(rep.slashes) != 0 {
		t.Fatalf("unexpected adjustments: rewards=%v slashes=%v", rep.rewards, rep.slashes)
	}
	if len(alerts.stages()) != 0 {
		t.Fatalf("confirmed settlement must not alert: %v", alerts.stages())
	}
}

func TestSettleFailedSlashesAndAlerts(t *testing.T) {
	rep := newFakeReputation()
	alerts := &recordingDispatcher{}
	p := NewProcessor(NewSimulatedLedger(WithDelay(0), WithSuccessRate(0)), rep, nil,
		WithAlertDispatcher(alerts),
		WithReputationAdjustments(0.1, 0.3),
	)

	status, err := p.Settle(context.Background(), sampleReceipt("r-2"))
	if err != nil || status != StatusFailed {
		t.Fatalf("expected failed, got %s %v", status, err)
	}
	if rep.slashes["agent_001"] != 0.3 || len(rep.rewards) != 0 {
		t.Fatalf("unexpected adjustments: rewards=%v slashes=%v", rep.rewards, rep.slashes)
	}
	stages := alerts.stages()
	if len(stages) != 1 || stages[0] != "slash" {
		t.Fatalf("expected a slash alert, got %v", stages)
	}
	if alerts.events[0].Code != CodeSettlementFailed || alerts.events[0].TxID == "" {
		t.Fatalf("unexpected alert: %+v", alerts.events[0])
	}
}

func TestSettleTimeoutLeavesReputationUntouched(t *testing.T) {
	rep := newFakeReputation()
	alerts := &recordingDispatcher{}
	p := NewProcessor(stuckLedger{}, rep, nil, WithPolling(time.Millisecond, 3), WithAlertDispatcher(alerts))

	status, err := p.Settle(context.Background(), sampleReceipt("r-3"))
	if err != nil || status != StatusTimeout {
		t.Fatalf("expected timeout, got %s %v", status, err)
	}
	if len(rep.rewards) != 0 || len(rep.slashes) != 0 {
		t.Fatalf("timeout must not adjust reputation")
	}
	if stages := alerts.stages(); len(stages) != 1 || stages[0] != "poll" {
		t.Fatalf("expected poll alert, got %v", stages)
	}
}

func TestSettleSubmitFailure(t *testing.T) {
	ledger := &flakyLedger{inner: NewSimulatedLedger(WithDelay(0), WithSuccessRate(1))}
	ledger.failures.Store(1)
	rep := newFakeReputation()
	p := NewProcessor(ledger, rep, nil)

	if err := p.handle(context.Background(), sampleReceipt("r-4")); xerrors.CodeOf(err) != CodeSubmitFailed {
		t.Fatalf("expected SubmitFailed so the queue redelivers, got %v", err)
	}
	if err := p.handle(context.Background(), sampleReceipt("r-4")); err != nil {
		t.Fatalf("second attempt should settle: %v", err)
	}
	if rep.rewards["agent_001"] != DefaultRewardBonus {
		t.Fatalf("expected exactly one reward, got %v", rep.rewards)
	}
}

func TestSettleRejectedReceiptIsNotRedelivered(t *testing.T) {
	alerts := &recordingDispatcher{}
	p := NewProcessor(NewSimulatedLedger(WithDelay(0), WithSuccessRate(1)), newFakeReputation(), nil,
		WithAlertDispatcher(alerts))

	incomplete := market.ClaimReceipt{ReceiptID: "r-5", JobID: "job-5"}
	_, err := p.Settle(context.Background(), incomplete)
	if xerrors.CodeOf(err) != xerrors.CodeInvalidArgument {
		t.Fatalf("expected the ledger's INVALID_ARGUMENT to surface, got %v", err)
	}
	if err := p.handle(context.Background(), incomplete); err != nil {
		t.Fatalf("rejected receipt must not be handed back for redelivery: %v", err)
	}
	if stages := alerts.stages(); len(stages) != 2 || stages[0] != "submit" {
		t.Fatalf("expected a submit alert per attempt, got %v", stages)
	}
	if alerts.events[0].Code != xerrors.CodeInvalidArgument {
		t.Fatalf("unexpected alert code: %s", alerts.events[0].Code)
	}
}

func TestRunStopWaitsForInflightSettlement(t *testing.T) {
	queue := NewMemoryQueue(4)
	defer queue.Close()
	ledger := &slowLedger{entered: make(chan struct{})}
	p := NewProcessor(ledger, newFakeReputation(), queue)

	stop := p.Run(context.Background())
	if err := queue.Publish(context.Background(), sampleReceipt("r-6")); err != nil {
		t.Fatalf("publish: %v", err)
	}
	select {
	case <-ledger.entered:
	case <-time.After(2 * time.Second):
		t.Fatalf("settlement never started")
	}

	if err := stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if !ledger.finished.Load() {
		t.Fatalf("stop returned while a settlement was still in flight")
	}
	if err := stop(); err != nil {
		t.Fatalf("second stop: %v", err)
	}
}

func TestMemoryQueueRedeliversFailedReceipts(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	queue := NewMemoryQueue(8)
	defer queue.Close()

	var calls atomic.Int32
	done := make(chan struct{})
	go func() {
		_ = queue.Consume(ctx, 2, func(_ context.Context, receipt market.ClaimReceipt) error {
			if calls.Add(1) < 3 {
				return stdErrors.New("transient")
			}
			close(done)
			return nil
		})
	}()

	if err := queue.Publish(ctx, sampleReceipt("r-5")); err != nil {
		t.Fatalf("publish: %v", err)
	}
	select {
	case <-done:
	case <-ctx.Done():
		t.Fatalf("receipt was not redelivered, calls=%d", calls.Load())
	}
}

func TestMemoryQueueRejectsAfterClose(t *testing.T) {
	queue := NewMemoryQueue(1)
	if err := queue.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := queue.Publish(context.Background(), sampleReceipt("r-6")); xerrors.CodeOf(err) != xerrors.CodeQueueFailure {
		t.Fatalf("expected queue failure after close, got %v", err)
	}
	if err := queue.Close(); err != nil {
		t.Fatalf("close must be idempotent: %v", err)
	}
}

func TestEnvelopeRejectsIncompleteReceipt(t *testing.T) {
	if _, err := decodeEnvelope([]byte(`{"receipt":{"job_id":"1"},"attempts":0}`)); err == nil {
		t.Fatalf("expected error for receipt without id")
	}
	if _, err := decodeEnvelope([]byte(`not json`)); err == nil {
		t.Fatalf("expected error for malformed payload")
	}
}

func TestClaimToSettlementEndToEnd(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	registry := capability.NewRegistry(nil)
	queue := NewMemoryQueue(256)
	defer queue.Close()
	marketplace := market.New(registry, market.WithReceiptSink(queue))
	proofGen := proofs.NewGenerator(proofs.WithSource(rand.NewPCG(3, 5)))

	const agents = 10
	for i := 0; i < agents; i++ {
		agentID := fmt.Sprintf("agent_%02d", i)
		if err := registry.Register(agentID, "LLaMA-3-70B", 5000); err != nil {
			t.Fatalf("register: %v", err)
		}
		registry.Slash(agentID, 0.2)
	}

	processor := NewProcessor(NewSimulatedLedger(WithDelay(time.Millisecond), WithSuccessRate(1)), registry, queue,
		WithWorkerCount(4),
		WithPolling(time.Millisecond, 50),
	)
	go func() {
		if err := processor.Start(ctx); err != nil && !stdErrors.Is(err, context.Canceled) && !stdErrors.Is(err, context.DeadlineExceeded) {
			t.Errorf("processor exited: %v", err)
		}
	}()

	for i := 0; i < agents; i++ {
		agentID := fmt.Sprintf("agent_%02d", i)
		jobID := fmt.Sprintf("job-%d", i)
		if _, err := marketplace.Post(ctx, jobID, "user_001", "LLaMA-3-70B", 10); err != nil {
			t.Fatalf("post: %v", err)
		}
		proof := proofGen.Mock(agentID, "0xa1b2c3d4e5f6")
		if _, err := marketplace.Claim(ctx, jobID, agentID, proof, 100); err != nil {
			t.Fatalf("claim: %v", err)
		}
	}

	for {
		settled := 0
		for i := 0; i < agents; i++ {
			record, _ := registry.Get(fmt.Sprintf("agent_%02d", i))
			if math.Abs(record.ReputationScore-0.85) < 1e-9 {
				settled++
			}
		}
		if settled == agents {
			return
		}
		select {
		case <-ctx.Done():
			t.Fatalf("only %d/%d agents rewarded", settled, agents)
		case <-time.After(10 * time.Millisecond):
		}
	}
}
