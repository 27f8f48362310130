package tokens

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"pixexchange/services/exchanged/storage"
)

func TestPullRequiresBalanceAndAllowance(t *testing.T) {
	store, err := storage.Open(storage.MemoryDSN(t.Name()))
	if err != nil {
		t.Fatalf("open storage: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	ctx := context.Background()
	ledger, err := New(ctx, store)
	if err != nil {
		t.Fatalf("new ledger: %v", err)
	}
	if err := ledger.Credit(ctx, "brla", "0xABC", big.NewInt(100)); err != nil {
		t.Fatalf("credit: %v", err)
	}
	if err := ledger.Pull(ctx, "BRLA", "0xabc", "exchange", big.NewInt(50)); !errors.Is(err, ErrInsufficientAllowance) {
		t.Fatalf("expected ErrInsufficientAllowance, got %v", err)
	}
	if err := ledger.Approve(ctx, "BRLA", "0xabc", "exchange", big.NewInt(500)); err != nil {
		t.Fatalf("approve: %v", err)
	}
	if err := ledger.Pull(ctx, "BRLA", "0xabc", "exchange", big.NewInt(101)); !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}
	if err := ledger.Pull(ctx, "BRLA", "0xabc", "exchange", big.NewInt(60)); err != nil {
		t.Fatalf("pull: %v", err)
	}
	if got := ledger.BalanceOf("BRLA", "0xabc"); got.Cmp(big.NewInt(40)) != 0 {
		t.Fatalf("expected balance 40, got %s", got)
	}
	if got := ledger.Allowance("BRLA", "0xabc", "exchange"); got.Cmp(big.NewInt(440)) != 0 {
		t.Fatalf("expected allowance 440, got %s", got)
	}

	restored, err := New(ctx, store)
	if err != nil {
		t.Fatalf("restore: %v", err)
	}
	if got := restored.BalanceOf("BRLA", "0xabc"); got.Cmp(big.NewInt(40)) != 0 {
		t.Fatalf("restored balance %s", got)
	}
	if got := restored.Allowance("BRLA", "0xabc", "exchange"); got.Cmp(big.NewInt(440)) != 0 {
		t.Fatalf("restored allowance %s", got)
	}
}

func TestDebitAndValidation(t *testing.T) {
	ledger, _ := New(context.Background(), nil)
	ctx := context.Background()
	if err := ledger.Credit(ctx, "BRLA", "", big.NewInt(1)); !errors.Is(err, ErrInvalidAccount) {
		t.Fatalf("expected ErrInvalidAccount, got %v", err)
	}
	if err := ledger.Credit(ctx, "BRLA", "u", big.NewInt(0)); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount, got %v", err)
	}
	_ = ledger.Credit(ctx, "BRLA", "u", big.NewInt(5))
	if err := ledger.Debit(ctx, "BRLA", "u", big.NewInt(6)); !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}
	if err := ledger.Debit(ctx, "BRLA", "u", big.NewInt(5)); err != nil {
		t.Fatalf("debit: %v", err)
	}
	if ledger.BalanceOf("BRLA", "u").Sign() != 0 {
		t.Fatalf("expected empty balance")
	}
}

type failingPulls struct {
	*storage.Storage
}

func (failingPulls) SavePull(context.Context, storage.AllowanceRecord, ...storage.BalanceRecord) error {
	return errors.New("disk full")
}

func TestPullPersistFailureLeavesStateUntouched(t *testing.T) {
	store, err := storage.Open(storage.MemoryDSN(t.Name()))
	if err != nil {
		t.Fatalf("open storage: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	ctx := context.Background()
	ledger, err := New(ctx, failingPulls{store})
	if err != nil {
		t.Fatalf("new ledger: %v", err)
	}
	if err := ledger.Credit(ctx, "BRLA", "0xabc", big.NewInt(100)); err != nil {
		t.Fatalf("credit: %v", err)
	}
	if err := ledger.Approve(ctx, "BRLA", "0xabc", "exchange", big.NewInt(100)); err != nil {
		t.Fatalf("approve: %v", err)
	}
	if err := ledger.Pull(ctx, "BRLA", "0xabc", "exchange", big.NewInt(40)); err == nil {
		t.Fatalf("expected pull to fail")
	}
	if got := ledger.BalanceOf("BRLA", "0xabc"); got.Cmp(big.NewInt(100)) != 0 {
		t.Fatalf("balance changed by failed pull: %s", got)
	}
	if got := ledger.Allowance("BRLA", "0xabc", "exchange"); got.Cmp(big.NewInt(100)) != 0 {
		t.Fatalf("allowance changed by failed pull: %s", got)
	}
	restored, err := New(ctx, store)
	if err != nil {
		t.Fatalf("restore: %v", err)
	}
	if got := restored.Allowance("BRLA", "0xabc", "exchange"); got.Cmp(big.NewInt(100)) != 0 {
		t.Fatalf("persisted allowance changed by failed pull: %s", got)
	}
}
