package exchange

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"pixexchange/services/exchanged/conversion"
	"pixexchange/services/exchanged/events"
	"pixexchange/services/exchanged/oracle"
	"pixexchange/services/exchanged/registry"
	"pixexchange/services/exchanged/storage"
	"pixexchange/services/exchanged/tokens"
	"pixexchange/services/exchanged/userledger"
)

const (
	alice     = "0x00000000000000000000000000000000000a11ce"
	bob       = "0x0000000000000000000000000000000000000b0b"
	collector = "treasury"
)

var (
	bank     = oracle.Party{ID: "bank", Roles: []oracle.Role{oracle.RoleReporter}}
	operator = oracle.Party{ID: "operator", Roles: []oracle.Role{oracle.RoleConfirmer}}
)

type harness struct {
	engine   *Engine
	registry *registry.Registry
	users    *userledger.Ledger
	ledger   *conversion.Ledger
	tokens   *tokens.Ledger
	gateway  *oracle.Gateway
	hub      *events.Hub
	store    *storage.Storage
}

// units scales whole units to an 18-decimal asset amount.
func units(whole int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(whole), registry.RateScale)
}

// tenths scales tenths of a unit to an 18-decimal asset amount.
func tenths(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), new(big.Int).Div(registry.RateScale, big.NewInt(10)))
}

func newHarness(t *testing.T, dailyLimit *big.Int) *harness {
	t.Helper()
	ctx := context.Background()
	store, err := storage.Open(storage.MemoryDSN(t.Name()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	reg, err := registry.New(ctx, registry.WithStore(store))
	require.NoError(t, err)
	_, err = reg.Register(ctx, registry.Config{
		Asset:      "BRLA",
		Decimals:   18,
		MinAmount:  units(1),
		MaxAmount:  units(10_000),
		DailyLimit: dailyLimit,
		Rate:       new(big.Int).Set(registry.RateScale),
	})
	require.NoError(t, err)
	require.NoError(t, reg.Fund(ctx, "BRLA", units(1_000)))

	users, err := userledger.New(ctx, userledger.WithStore(store))
	require.NoError(t, err)
	hub := events.NewHub(events.WithJournal(store))
	ledger, err := conversion.New(ctx, conversion.WithStore(store), conversion.WithEmitter(hub))
	require.NoError(t, err)
	tok, err := tokens.New(ctx, store)
	require.NoError(t, err)
	gw, err := oracle.NewGateway(ctx, ledger, oracle.WithStore(store))
	require.NoError(t, err)

	engine, err := NewEngine(ctx, Deps{
		Registry:    reg,
		Users:       users,
		Conversions: ledger,
		Tokens:      tok,
		Settings:    store,
	}, Config{FeeCollector: collector})
	require.NoError(t, err)
	return &harness{engine: engine, registry: reg, users: users, ledger: ledger, tokens: tok, gateway: gw, hub: hub, store: store}
}

func (h *harness) fundUser(t *testing.T, user string, amount *big.Int) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, h.tokens.Credit(ctx, "BRLA", user, amount))
	require.NoError(t, h.tokens.Approve(ctx, "BRLA", user, h.engine.Custodian(), amount))
}

func (h *harness) confirm(t *testing.T, rec conversion.Record) {
	t.Helper()
	ctx := context.Background()
	_, err := h.gateway.Report(ctx, bank, rec.PaymentID, rec.PixAmount, "E2E-"+rec.PaymentID)
	require.NoError(t, err)
	_, err = h.gateway.Confirm(ctx, operator, rec.PaymentID, "")
	require.NoError(t, err)
}

func (h *harness) requireConserved(t *testing.T) {
	t.Helper()
	flows, err := h.registry.Flows("BRLA")
	require.NoError(t, err)
	pool, err := h.registry.PoolBalance("BRLA")
	require.NoError(t, err)
	require.Zero(t, pool.Cmp(flows.Expected()), "pool %s flows %s", pool, flows.Expected())
}

func TestPixToStableHappyPath(t *testing.T) {
	h := newHarness(t, units(50_000))
	ctx := context.Background()
	sub := h.hub.Subscribe(16)
	defer sub.Close()

	rec, err := h.engine.InitiatePixToStable(ctx, PixToStableRequest{PaymentID: "P1", User: alice, Asset: "brla", PixAmount: units(100)})
	require.NoError(t, err)
	require.Equal(t, conversion.StatusInitiated, rec.Status)
	require.Zero(t, rec.StablecoinAmount.Cmp(units(100)))
	require.Equal(t, uint64(1), rec.Nonce)
	require.Zero(t, h.engine.GetUserDailyVolume(alice, "BRLA").Cmp(units(100)))

	h.confirm(t, rec)
	settled, err := h.engine.Settle(ctx, "P1")
	require.NoError(t, err)
	require.Equal(t, conversion.StatusCompleted, settled.Status)
	require.Zero(t, settled.Fee.Cmp(tenths(5)))

	require.Zero(t, h.tokens.BalanceOf("BRLA", alice).Cmp(tenths(995)))
	require.Zero(t, h.tokens.BalanceOf("BRLA", collector).Cmp(tenths(5)))
	pool, err := h.engine.GetPoolBalance("BRLA")
	require.NoError(t, err)
	require.Zero(t, pool.Cmp(units(900)))
	h.requireConserved(t)

	want := []events.Type{events.TypePixToStablecoinInitiated, events.TypePixConfirmed, events.TypeStablecoinTransferred}
	for _, typ := range want {
		ev := <-sub.C
		require.Equal(t, typ, ev.Type)
		require.Equal(t, "P1", ev.PaymentID)
	}

	again, err := h.engine.Settle(ctx, "P1")
	require.NoError(t, err)
	require.Equal(t, conversion.StatusCompleted, again.Status)
	require.Zero(t, h.tokens.BalanceOf("BRLA", alice).Cmp(tenths(995)), "repeat settle must not pay twice")
}

func TestDailyLimitsArePerAsset(t *testing.T) {
	h := newHarness(t, units(50_000))
	ctx := context.Background()
	usdc := func(whole int64) *big.Int { return new(big.Int).Mul(big.NewInt(whole), big.NewInt(1_000_000)) }
	// Newly registered assets accept conversions without a separate activation.
	coin, err := h.registry.Register(ctx, registry.Config{
		Asset:      "USDC",
		Decimals:   6,
		MinAmount:  usdc(1),
		MaxAmount:  usdc(10_000),
		DailyLimit: usdc(150),
		Rate:       new(big.Int).Set(registry.RateScale),
	})
	require.NoError(t, err)
	require.True(t, coin.Active)
	require.NoError(t, h.registry.Fund(ctx, "USDC", usdc(1_000)))

	_, err = h.engine.InitiatePixToStable(ctx, PixToStableRequest{PaymentID: "B1", User: alice, Asset: "BRLA", PixAmount: units(100)})
	require.NoError(t, err)
	// 100 BRLA in 18-decimal units dwarfs the USDC limit; it must not count.
	rec, err := h.engine.InitiatePixToStable(ctx, PixToStableRequest{PaymentID: "U1", User: alice, Asset: "USDC", PixAmount: usdc(100)})
	require.NoError(t, err)
	require.Equal(t, uint64(2), rec.Nonce)
	_, err = h.engine.InitiatePixToStable(ctx, PixToStableRequest{PaymentID: "U2", User: alice, Asset: "USDC", PixAmount: usdc(100)})
	require.ErrorIs(t, err, userledger.ErrDailyLimitExceeded)

	require.Zero(t, h.engine.GetUserDailyVolume(alice, "BRLA").Cmp(units(100)))
	require.Zero(t, h.engine.GetUserDailyVolume(alice, "USDC").Cmp(usdc(100)))
}

func TestInitiateRejections(t *testing.T) {
	h := newHarness(t, units(50_000))
	ctx := context.Background()

	_, err := h.engine.InitiatePixToStable(ctx, PixToStableRequest{PaymentID: "P2", User: alice, Asset: "BRLA", PixAmount: tenths(5)})
	require.ErrorIs(t, err, ErrAmountOutOfRange)
	_, err = h.engine.GetConversion("P2")
	require.ErrorIs(t, err, conversion.ErrUnknownConversion)
	require.Zero(t, h.engine.GetUserDailyVolume(alice, "BRLA").Sign())

	_, err = h.engine.InitiatePixToStable(ctx, PixToStableRequest{PaymentID: "", User: alice, Asset: "BRLA", PixAmount: units(10)})
	require.ErrorIs(t, err, conversion.ErrInvalidPaymentID)

	_, err = h.engine.InitiatePixToStable(ctx, PixToStableRequest{PaymentID: "P3", User: alice, Asset: "USDX", PixAmount: units(10)})
	require.ErrorIs(t, err, registry.ErrAssetUnavailable)

	sub := new(big.Int).Add(units(10), big.NewInt(1))
	_, err = h.engine.InitiatePixToStable(ctx, PixToStableRequest{PaymentID: "P4", User: alice, Asset: "BRLA", PixAmount: sub})
	require.ErrorIs(t, err, ErrAmountPrecision)

	_, err = h.engine.InitiatePixToStable(ctx, PixToStableRequest{PaymentID: "P5", User: alice, Asset: "BRLA", PixAmount: units(5_000)})
	require.ErrorIs(t, err, registry.ErrInsufficientLiquidity)

	_, err = h.engine.InitiatePixToStable(ctx, PixToStableRequest{PaymentID: "P6", User: alice, Asset: "BRLA", PixAmount: units(10)})
	require.NoError(t, err)
	_, err = h.engine.InitiatePixToStable(ctx, PixToStableRequest{PaymentID: "P6", User: bob, Asset: "BRLA", PixAmount: units(20)})
	require.ErrorIs(t, err, conversion.ErrDuplicateConversion)

	require.NoError(t, h.registry.SetActive(ctx, "BRLA", false))
	_, err = h.engine.InitiatePixToStable(ctx, PixToStableRequest{PaymentID: "P7", User: alice, Asset: "BRLA", PixAmount: units(10)})
	require.ErrorIs(t, err, registry.ErrAssetUnavailable)
}

func TestStableToPixDailyLimitRace(t *testing.T) {
	h := newHarness(t, units(1_000))
	ctx := context.Background()
	h.fundUser(t, alice, units(2_000))

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = h.engine.InitiateStableToPix(ctx, StableToPixRequest{
				PaymentID:        fmt.Sprintf("S%d", i),
				User:             alice,
				Asset:            "BRLA",
				StablecoinAmount: units(600),
				PixKey:           "alice@example.com",
			})
		}(i)
	}
	wg.Wait()

	var ok, limited int
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, userledger.ErrDailyLimitExceeded):
			limited++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	require.Equal(t, 1, ok)
	require.Equal(t, 1, limited)
	require.Zero(t, h.engine.GetUserDailyVolume(alice, "BRLA").Cmp(units(600)))
	require.Zero(t, h.tokens.BalanceOf("BRLA", alice).Cmp(units(1_400)))
	pool, _ := h.engine.GetPoolBalance("BRLA")
	require.Zero(t, pool.Cmp(units(1_600)))
	require.Equal(t, uint64(1), h.users.Nonce(alice))
	h.requireConserved(t)
}

func TestStableToPixFailureRefunds(t *testing.T) {
	h := newHarness(t, units(50_000))
	ctx := context.Background()
	h.fundUser(t, alice, units(100))

	_, err := h.engine.InitiateStableToPix(ctx, StableToPixRequest{PaymentID: "S1", User: alice, Asset: "BRLA", StablecoinAmount: units(100)})
	require.ErrorIs(t, err, ErrPixKeyRequired)

	rec, err := h.engine.InitiateStableToPix(ctx, StableToPixRequest{PaymentID: "S1", User: alice, Asset: "BRLA", StablecoinAmount: units(100), PixKey: "+5511999999999"})
	require.NoError(t, err)
	require.Zero(t, rec.PixAmount.Cmp(tenths(995)), "payout is quoted net of fee")
	require.Zero(t, rec.Fee.Cmp(tenths(5)))
	require.Zero(t, h.tokens.BalanceOf("BRLA", alice).Sign())
	pool, _ := h.engine.GetPoolBalance("BRLA")
	require.Zero(t, pool.Cmp(units(1_100)))

	failed, err := h.engine.Fail(ctx, "S1", "bank rejected transfer")
	require.NoError(t, err)
	require.Equal(t, conversion.StatusFailed, failed.Status)
	require.Equal(t, "bank rejected transfer", failed.FailureReason)
	require.Zero(t, h.tokens.BalanceOf("BRLA", alice).Cmp(units(100)))
	pool, _ = h.engine.GetPoolBalance("BRLA")
	require.Zero(t, pool.Cmp(units(1_000)))
	h.requireConserved(t)

	_, err = h.engine.Fail(ctx, "S1", "again")
	require.ErrorIs(t, err, conversion.ErrInvalidState)
	require.Zero(t, h.tokens.BalanceOf("BRLA", alice).Cmp(units(100)), "refund must happen once")
}

func TestNormalizePixKey(t *testing.T) {
	cases := []struct{ in, want string }{
		{"  Bob@Example.COM ", "bob@example.com"},
		{"ｂｏｂ＠ｅｘａｍｐｌｅ．ｃｏｍ", "bob@example.com"},
		{"+５５１１９９９９９９９９９", "+5511999999999"},
		{"123E4567-E89B-12D3-A456-426614174000", "123e4567-e89b-12d3-a456-426614174000"},
		{"12345678901", "12345678901"},
		{"   ", ""},
	}
	for _, tc := range cases {
		require.Equal(t, tc.want, normalizePixKey(tc.in), "input %q", tc.in)
	}
}

func TestStableToPixSettleMovesFee(t *testing.T) {
	h := newHarness(t, units(50_000))
	ctx := context.Background()
	h.fundUser(t, bob, units(200))

	_, err := h.engine.InitiateStableToPix(ctx, StableToPixRequest{PaymentID: "S2", User: bob, Asset: "BRLA", StablecoinAmount: units(300), PixKey: "bob@example.com"})
	require.ErrorIs(t, err, tokens.ErrInsufficientBalance)
	require.Zero(t, h.engine.GetUserDailyVolume(bob, "BRLA").Sign(), "failed pull must not consume limit")

	rec, err := h.engine.InitiateStableToPix(ctx, StableToPixRequest{PaymentID: "S2", User: bob, Asset: "BRLA", StablecoinAmount: units(200), PixKey: "bob@example.com"})
	require.NoError(t, err)
	h.confirm(t, rec)
	settled, err := h.engine.Settle(ctx, "S2")
	require.NoError(t, err)
	require.Equal(t, conversion.StatusCompleted, settled.Status)
	require.Zero(t, h.tokens.BalanceOf("BRLA", collector).Cmp(units(1)))
	pool, _ := h.engine.GetPoolBalance("BRLA")
	require.Zero(t, pool.Cmp(units(1_199)))
	h.requireConserved(t)
}

func TestSettleRequiresLiquidity(t *testing.T) {
	h := newHarness(t, units(50_000))
	ctx := context.Background()

	_, err := h.engine.Settle(ctx, "missing")
	require.ErrorIs(t, err, conversion.ErrUnknownConversion)

	rec, err := h.engine.InitiatePixToStable(ctx, PixToStableRequest{PaymentID: "P1", User: alice, Asset: "BRLA", PixAmount: units(800)})
	require.NoError(t, err)
	_, err = h.engine.Settle(ctx, "P1")
	require.ErrorIs(t, err, conversion.ErrInvalidState)

	h.confirm(t, rec)
	require.NoError(t, h.registry.Withdraw(ctx, "BRLA", units(500)))
	_, err = h.engine.Settle(ctx, "P1")
	require.ErrorIs(t, err, registry.ErrInsufficientLiquidity)
	stored, _ := h.engine.GetConversion("P1")
	require.Equal(t, conversion.StatusConfirmed, stored.Status)
	require.Zero(t, h.tokens.BalanceOf("BRLA", alice).Sign())

	require.NoError(t, h.registry.Fund(ctx, "BRLA", units(500)))
	_, err = h.engine.Settle(ctx, "P1")
	require.NoError(t, err)
	h.requireConserved(t)
}

func TestCancelOnlyInitiated(t *testing.T) {
	h := newHarness(t, units(50_000))
	ctx := context.Background()

	first, err := h.engine.InitiatePixToStable(ctx, PixToStableRequest{PaymentID: "P1", User: alice, Asset: "BRLA", PixAmount: units(10)})
	require.NoError(t, err)
	second, err := h.engine.InitiatePixToStable(ctx, PixToStableRequest{PaymentID: "P2", User: alice, Asset: "BRLA", PixAmount: units(10)})
	require.NoError(t, err)
	require.Equal(t, first.Nonce+1, second.Nonce)

	cancelled, err := h.engine.Cancel(ctx, "P1", "")
	require.NoError(t, err)
	require.Equal(t, "cancelled", cancelled.FailureReason)

	h.confirm(t, second)
	_, err = h.engine.Cancel(ctx, "P2", "operator")
	require.ErrorIs(t, err, conversion.ErrInvalidState)
}

func TestExpireSkipsMovedConversions(t *testing.T) {
	h := newHarness(t, units(50_000))
	ctx := context.Background()

	rec, err := h.engine.InitiatePixToStable(ctx, PixToStableRequest{PaymentID: "P1", User: alice, Asset: "BRLA", PixAmount: units(10)})
	require.NoError(t, err)
	h.confirm(t, rec)
	expired, err := h.engine.Expire(ctx, rec, "timeout")
	require.NoError(t, err)
	require.False(t, expired)

	current, _ := h.engine.GetConversion("P1")
	expired, err = h.engine.Expire(ctx, current, "timeout")
	require.NoError(t, err)
	require.True(t, expired)
	current, _ = h.engine.GetConversion("P1")
	require.Equal(t, conversion.StatusFailed, current.Status)
}

func TestPausePersists(t *testing.T) {
	h := newHarness(t, units(50_000))
	ctx := context.Background()

	rec, err := h.engine.InitiatePixToStable(ctx, PixToStableRequest{PaymentID: "P1", User: alice, Asset: "BRLA", PixAmount: units(10)})
	require.NoError(t, err)
	h.confirm(t, rec)

	require.NoError(t, h.engine.Pause(ctx))
	require.True(t, h.engine.Paused())
	_, err = h.engine.InitiatePixToStable(ctx, PixToStableRequest{PaymentID: "P2", User: alice, Asset: "BRLA", PixAmount: units(10)})
	require.ErrorIs(t, err, ErrPaused)

	_, err = h.engine.Settle(ctx, "P1")
	require.NoError(t, err, "settlement continues while paused")

	restored, err := NewEngine(ctx, Deps{Registry: h.registry, Users: h.users, Conversions: h.ledger, Tokens: h.tokens, Settings: h.store}, Config{FeeCollector: collector})
	require.NoError(t, err)
	require.True(t, restored.Paused())
	require.NoError(t, restored.Unpause(ctx))
	_, err = restored.InitiatePixToStable(ctx, PixToStableRequest{PaymentID: "P2", User: alice, Asset: "BRLA", PixAmount: units(10)})
	require.NoError(t, err)
}

func TestConcurrentConversionsConservePool(t *testing.T) {
	h := newHarness(t, units(50_000))
	ctx := context.Background()
	h.fundUser(t, bob, units(500))

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("in-%d", i)
			rec, err := h.engine.InitiatePixToStable(ctx, PixToStableRequest{PaymentID: id, User: alice, Asset: "BRLA", PixAmount: units(10)})
			if err != nil {
				t.Errorf("initiate %s: %v", id, err)
				return
			}
			if _, err := h.gateway.Report(ctx, bank, id, rec.PixAmount, "B-"+id); err != nil {
				t.Errorf("report %s: %v", id, err)
				return
			}
			if _, err := h.gateway.Confirm(ctx, operator, id, ""); err != nil {
				t.Errorf("confirm %s: %v", id, err)
				return
			}
			if _, err := h.engine.Settle(ctx, id); err != nil {
				t.Errorf("settle %s: %v", id, err)
			}
		}(i)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("out-%d", i)
			if _, err := h.engine.InitiateStableToPix(ctx, StableToPixRequest{PaymentID: id, User: bob, Asset: "BRLA", StablecoinAmount: units(20), PixKey: "bob@example.com"}); err != nil {
				t.Errorf("initiate %s: %v", id, err)
				return
			}
			if i%2 == 0 {
				if _, err := h.engine.Fail(ctx, id, "rail error"); err != nil {
					t.Errorf("fail %s: %v", id, err)
				}
			}
		}(i)
	}
	wg.Wait()

	h.requireConserved(t)
	pool, _ := h.engine.GetPoolBalance("BRLA")
	// 1000 funded - 10*10 paid out + 5*20 retained from payouts
	require.Zero(t, pool.Cmp(units(1_000)))
	require.Equal(t, uint64(10), h.users.Nonce(alice))
	require.Equal(t, uint64(10), h.users.Nonce(bob))
	require.Zero(t, h.tokens.BalanceOf("BRLA", bob).Cmp(units(400)))
}

type heldPayouts map[string]bool

func (h heldPayouts) Holds(paymentID string) bool { return h[paymentID] }

func TestFailBlockedWhilePayoutHeld(t *testing.T) {
	h := newHarness(t, units(50_000))
	ctx := context.Background()
	h.fundUser(t, alice, units(50))
	held := heldPayouts{"S1": true}
	guarded, err := NewEngine(ctx, Deps{Registry: h.registry, Users: h.users, Conversions: h.ledger, Tokens: h.tokens, Settings: h.store}, Config{FeeCollector: collector}, WithPayoutGuard(held))
	require.NoError(t, err)

	_, err = guarded.InitiateStableToPix(ctx, StableToPixRequest{PaymentID: "S1", User: alice, Asset: "BRLA", StablecoinAmount: units(50), PixKey: "alice@example.com"})
	require.NoError(t, err)
	_, err = guarded.Cancel(ctx, "S1", "operator")
	require.ErrorIs(t, err, ErrPayoutInFlight)
	require.Zero(t, h.tokens.BalanceOf("BRLA", alice).Sign())

	held["S1"] = false
	_, err = guarded.Cancel(ctx, "S1", "operator")
	require.NoError(t, err)
	require.Zero(t, h.tokens.BalanceOf("BRLA", alice).Cmp(units(50)))
}
