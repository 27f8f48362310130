package registry

import (
	"context"
	"errors"
	"math/big"
	"strings"
	"testing"

	"pixexchange/services/exchanged/storage"
)

func brla() Config {
	return Config{
		Asset:      "brla",
		Decimals:   18,
		MinAmount:  big.NewInt(1),
		MaxAmount:  big.NewInt(10_000),
		DailyLimit: big.NewInt(50_000),
		Rate:       new(big.Int).Set(RateScale),
	}
}

func newTestRegistry(t *testing.T) (*Registry, *storage.Storage) {
	t.Helper()
	store, err := storage.Open(storage.MemoryDSN(t.Name()))
	if err != nil {
		t.Fatalf("open storage: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	reg, err := New(context.Background(), WithStore(store))
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	return reg, store
}

func TestRegisterValidation(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()

	bad := brla()
	bad.MinAmount = big.NewInt(20_000)
	if _, err := reg.Register(ctx, bad); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig for min > max, got %v", err)
	}
	bad = brla()
	bad.Decimals = 19
	if _, err := reg.Register(ctx, bad); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig for decimals, got %v", err)
	}
	bad = brla()
	bad.Token = "not-an-address"
	if _, err := reg.Register(ctx, bad); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig for token, got %v", err)
	}

	cfg := brla()
	cfg.Token = "0x0000000000000000000000000000000000000abc"
	coin, err := reg.Register(ctx, cfg)
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if coin.Asset != "BRLA" || !coin.Active {
		t.Fatalf("expected active BRLA, got %+v", coin)
	}
	if !strings.EqualFold(coin.Token, cfg.Token) {
		t.Fatalf("unexpected token %q", coin.Token)
	}
}

func TestFundWithdrawAndRestore(t *testing.T) {
	reg, store := newTestRegistry(t)
	ctx := context.Background()
	if _, err := reg.Register(ctx, brla()); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := reg.SetActive(ctx, "BRLA", true); err != nil {
		t.Fatalf("activate: %v", err)
	}
	if err := reg.Fund(ctx, "BRLA", big.NewInt(100_000)); err != nil {
		t.Fatalf("fund: %v", err)
	}
	if err := reg.Withdraw(ctx, "BRLA", big.NewInt(100_001)); !errors.Is(err, ErrInsufficientPool) {
		t.Fatalf("expected ErrInsufficientPool, got %v", err)
	}
	if err := reg.Withdraw(ctx, "BRLA", big.NewInt(1_000)); err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	if err := reg.DebitPool(ctx, "BRLA", big.NewInt(100)); err != nil {
		t.Fatalf("debit: %v", err)
	}
	if err := reg.CreditPool(ctx, "BRLA", big.NewInt(40)); err != nil {
		t.Fatalf("credit: %v", err)
	}
	if err := reg.DebitPool(ctx, "BRLA", big.NewInt(1_000_000)); !errors.Is(err, ErrInsufficientLiquidity) {
		t.Fatalf("expected ErrInsufficientLiquidity, got %v", err)
	}
	if err := reg.Fund(ctx, "USDC", big.NewInt(1)); !errors.Is(err, ErrUnknownAsset) {
		t.Fatalf("expected ErrUnknownAsset, got %v", err)
	}
	if err := reg.Fund(ctx, "BRLA", big.NewInt(0)); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount, got %v", err)
	}

	pool, _ := reg.PoolBalance("brla")
	if pool.Cmp(big.NewInt(98_940)) != 0 {
		t.Fatalf("unexpected pool %s", pool)
	}
	flows, _ := reg.Flows("BRLA")
	if flows.Expected().Cmp(pool) != 0 {
		t.Fatalf("flows %s do not explain pool %s", flows.Expected(), pool)
	}

	restored, err := New(ctx, WithStore(store))
	if err != nil {
		t.Fatalf("restore: %v", err)
	}
	coin, err := restored.Stablecoin("BRLA")
	if err != nil {
		t.Fatalf("restored stablecoin: %v", err)
	}
	if !coin.Active || coin.PoolBalance.Cmp(pool) != 0 {
		t.Fatalf("unexpected restored state %+v", coin)
	}
	restoredFlows, _ := restored.Flows("BRLA")
	if restoredFlows.Debited.Cmp(big.NewInt(100)) != 0 || restoredFlows.Credited.Cmp(big.NewInt(40)) != 0 {
		t.Fatalf("unexpected restored flows %+v", restoredFlows)
	}
}

func TestReRegisterKeepsPool(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()
	if _, err := reg.Register(ctx, brla()); err != nil {
		t.Fatalf("register: %v", err)
	}
	_ = reg.SetActive(ctx, "BRLA", false)
	_ = reg.Fund(ctx, "BRLA", big.NewInt(500))
	cfg := brla()
	cfg.MaxAmount = big.NewInt(20_000)
	coin, err := reg.Register(ctx, cfg)
	if err != nil {
		t.Fatalf("re-register: %v", err)
	}
	if coin.Active || coin.PoolBalance.Cmp(big.NewInt(500)) != 0 || coin.MaxAmount.Cmp(big.NewInt(20_000)) != 0 {
		t.Fatalf("unexpected entry after update %+v", coin)
	}
}

func TestFeeAndQuotes(t *testing.T) {
	reg, store := newTestRegistry(t)
	ctx := context.Background()
	if got := reg.Fee(big.NewInt(1000)); got.Cmp(big.NewInt(5)) != 0 {
		t.Fatalf("expected default fee 5, got %s", got)
	}
	if got := reg.Fee(big.NewInt(199)); got.Cmp(big.NewInt(0)) != 0 {
		t.Fatalf("expected fee to round down to 0, got %s", got)
	}
	if err := reg.SetFeeBasisPoints(ctx, MaxFeeBasisPoints+1); !errors.Is(err, ErrInvalidFee) {
		t.Fatalf("expected ErrInvalidFee, got %v", err)
	}
	if err := reg.SetFeeBasisPoints(ctx, 100); err != nil {
		t.Fatalf("set fee: %v", err)
	}
	if got := reg.Fee(big.NewInt(1000)); got.Cmp(big.NewInt(10)) != 0 {
		t.Fatalf("expected fee 10, got %s", got)
	}
	restored, err := New(ctx, WithStore(store))
	if err != nil {
		t.Fatalf("restore: %v", err)
	}
	if restored.FeeBasisPoints() != 100 {
		t.Fatalf("expected persisted fee, got %d", restored.FeeBasisPoints())
	}

	cfg := brla()
	// 5.25 PIX units per asset unit.
	cfg.Rate = new(big.Int).Mul(big.NewInt(525), new(big.Int).Exp(big.NewInt(10), big.NewInt(16), nil))
	if _, err := reg.Register(ctx, cfg); err != nil {
		t.Fatalf("register: %v", err)
	}
	stable, err := reg.QuotePixToStable("BRLA", big.NewInt(1000))
	if err != nil {
		t.Fatalf("quote pix: %v", err)
	}
	if stable.Cmp(big.NewInt(190)) != 0 {
		t.Fatalf("expected 190 (rounded down), got %s", stable)
	}
	pix, err := reg.QuoteStableToPix("BRLA", big.NewInt(3))
	if err != nil {
		t.Fatalf("quote stable: %v", err)
	}
	if pix.Cmp(big.NewInt(15)) != 0 {
		t.Fatalf("expected 15 (rounded down), got %s", pix)
	}
	if _, err := reg.QuotePixToStable("NOPE", big.NewInt(1)); !errors.Is(err, ErrUnknownAsset) {
		t.Fatalf("expected ErrUnknownAsset, got %v", err)
	}
}

type failingStore struct {
	Store
	fail bool
}

func (f *failingStore) SaveStablecoin(ctx context.Context, rec storage.StablecoinRecord) error {
	if f.fail {
		return errors.New("disk full")
	}
	return f.Store.SaveStablecoin(ctx, rec)
}

func TestPersistFailureLeavesStateUntouched(t *testing.T) {
	_, store := newTestRegistry(t)
	fs := &failingStore{Store: store}
	ctx := context.Background()
	reg, err := New(ctx, WithStore(fs))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if _, err := reg.Register(ctx, brla()); err != nil {
		t.Fatalf("register: %v", err)
	}
	_ = reg.Fund(ctx, "BRLA", big.NewInt(10))
	fs.fail = true
	if err := reg.Fund(ctx, "BRLA", big.NewInt(5)); err == nil {
		t.Fatalf("expected persistence failure")
	}
	pool, _ := reg.PoolBalance("BRLA")
	if pool.Cmp(big.NewInt(10)) != 0 {
		t.Fatalf("pool changed despite failed persist: %s", pool)
	}
}
