package chain

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient/simulated"

	xerrors "Spectre-Protocol/internal/errors"
	"Spectre-Protocol/internal/market"
	"Spectre-Protocol/internal/settlement"
)

const testKey = "b71c71a67e1177ad4e901695e1b4b9ee17ae16c6668d313eac2f96dbcda3f291"

func newSimulatedLedger(t *testing.T) (*Ledger, *simulated.Backend) {
	t.Helper()
	key, err := crypto.HexToECDSA(testKey)
	if err != nil {
		t.Fatalf("parse key: %v", err)
	}
	funds := new(big.Int).Mul(big.NewInt(100), big.NewInt(1e18))
	backend := simulated.NewBackend(coretypes.GenesisAlloc{
		crypto.PubkeyToAddress(key.PublicKey): {Balance: funds},
	})
	t.Cleanup(func() { _ = backend.Close() })

	ledger, err := NewLedger(context.Background(), backend.Client(), Config{PrivateKey: "0x" + testKey})
	if err != nil {
		t.Fatalf("NewLedger: %v", err)
	}
	return ledger, backend
}

func TestLedgerSubmitAndConfirm(t *testing.T) {
	ledger, backend := newSimulatedLedger(t)
	ctx := context.Background()

	receipt := market.ClaimReceipt{ReceiptID: "r-1", AgentID: "agent-1", JobID: "job-1", RewardTokens: 500, ClaimedAt: 1}
	txID, err := ledger.Submit(ctx, receipt)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	status, err := ledger.Status(ctx, txID)
	if err != nil {
		t.Fatalf("Status before commit: %v", err)
	}
	if status != settlement.StatusPending {
		t.Fatalf("expected pending before commit, got %s", status)
	}

	backend.Commit()

	status, err = ledger.Status(ctx, txID)
	if err != nil {
		t.Fatalf("Status after commit: %v", err)
	}
	if status != settlement.StatusConfirmed {
		t.Fatalf("expected confirmed, got %s", status)
	}

	tx, _, err := backend.Client().TransactionByHash(ctx, common.HexToHash(txID))
	if err != nil {
		t.Fatalf("TransactionByHash: %v", err)
	}
	if *tx.To() != ledger.From() {
		t.Fatalf("expected self-anchored tx, got recipient %s", tx.To().Hex())
	}
	if len(tx.Data()) == 0 {
		t.Fatalf("expected receipt calldata")
	}
}

func TestLedgerSequentialNonces(t *testing.T) {
	ledger, backend := newSimulatedLedger(t)
	ctx := context.Background()

	var ids []string
	for _, id := range []string{"r-1", "r-2", "r-3"} {
		txID, err := ledger.Submit(ctx, market.ClaimReceipt{ReceiptID: id, AgentID: "agent-1", JobID: "job-" + id})
		if err != nil {
			t.Fatalf("Submit %s: %v", id, err)
		}
		ids = append(ids, txID)
	}
	backend.Commit()

	for _, txID := range ids {
		status, err := ledger.Status(ctx, txID)
		if err != nil {
			t.Fatalf("Status: %v", err)
		}
		if status != settlement.StatusConfirmed {
			t.Fatalf("expected %s confirmed, got %s", txID, status)
		}
	}
}

func TestLedgerRejectsInvalidInput(t *testing.T) {
	ledger, _ := newSimulatedLedger(t)
	ctx := context.Background()

	if _, err := ledger.Submit(ctx, market.ClaimReceipt{JobID: "job-1"}); xerrors.CodeOf(err) != xerrors.CodeInvalidArgument {
		t.Fatalf("expected invalid argument, got %v", err)
	}
	if _, err := ledger.Status(ctx, "psy_abc"); !errors.Is(err, settlement.ErrTxNotFound) {
		t.Fatalf("expected tx not found, got %v", err)
	}
}

func TestNewLedgerValidatesConfig(t *testing.T) {
	backend := simulated.NewBackend(coretypes.GenesisAlloc{})
	t.Cleanup(func() { _ = backend.Close() })
	ctx := context.Background()

	if _, err := NewLedger(ctx, backend.Client(), Config{PrivateKey: "not-a-key"}); err == nil {
		t.Fatalf("expected bad key to fail")
	}
	if _, err := NewLedger(ctx, backend.Client(), Config{PrivateKey: testKey, Recipient: "0x123"}); err == nil {
		t.Fatalf("expected bad recipient to fail")
	}
	if _, err := Dial(ctx, Config{PrivateKey: testKey}); err == nil {
		t.Fatalf("expected missing rpc url to fail")
	}
}
