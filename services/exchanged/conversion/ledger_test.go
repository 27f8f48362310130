package conversion

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"pixexchange/services/exchanged/events"
	"pixexchange/services/exchanged/storage"
)

type captureEmitter struct {
	mu     sync.Mutex
	events []events.Event
}

func (c *captureEmitter) Emit(_ context.Context, ev events.Event) (events.Event, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
	return ev, nil
}

func (c *captureEmitter) types() []events.Type {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]events.Type, len(c.events))
	for i, ev := range c.events {
		out[i] = ev.Type
	}
	return out
}

func newTestLedger(t *testing.T) (*Ledger, *captureEmitter, *storage.Storage) {
	t.Helper()
	store, err := storage.Open(storage.MemoryDSN(t.Name()))
	if err != nil {
		t.Fatalf("open storage: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	emitter := &captureEmitter{}
	ledger, err := New(context.Background(), WithStore(store), WithEmitter(emitter))
	if err != nil {
		t.Fatalf("new ledger: %v", err)
	}
	return ledger, emitter, store
}

func pixRecord(id string) Record {
	return Record{
		PaymentID:        id,
		User:             "0xabc",
		Direction:        DirectionPixToStable,
		Asset:            "BRLA",
		PixAmount:        big.NewInt(100),
		StablecoinAmount: big.NewInt(100),
		Nonce:            1,
	}
}

func TestCreateRejectsDuplicatesAndEmptyIDs(t *testing.T) {
	ledger, emitter, _ := newTestLedger(t)
	ctx := context.Background()
	rec, err := ledger.Create(ctx, pixRecord("P1"))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if rec.Status != StatusInitiated || rec.CreatedAt.IsZero() {
		t.Fatalf("unexpected record %+v", rec)
	}
	if _, err := ledger.Create(ctx, pixRecord("P1")); !errors.Is(err, ErrDuplicateConversion) {
		t.Fatalf("expected ErrDuplicateConversion, got %v", err)
	}
	if _, err := ledger.Create(ctx, pixRecord("  ")); !errors.Is(err, ErrInvalidPaymentID) {
		t.Fatalf("expected ErrInvalidPaymentID, got %v", err)
	}
	if got := emitter.types(); len(got) != 1 || got[0] != events.TypePixToStablecoinInitiated {
		t.Fatalf("unexpected events %v", got)
	}
}

func TestTransitionStateMachine(t *testing.T) {
	ledger, emitter, _ := newTestLedger(t)
	ctx := context.Background()
	if _, err := ledger.Create(ctx, pixRecord("P1")); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := ledger.Transition(ctx, "P1", StatusConfirmed, StatusCompleted, nil); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState from wrong source state, got %v", err)
	}
	if _, err := ledger.Transition(ctx, "P1", StatusInitiated, StatusCompleted, nil); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected skipped edge to be rejected, got %v", err)
	}
	rec, err := ledger.Transition(ctx, "P1", StatusInitiated, StatusConfirmed, func(r *Record) error {
		r.BankReference = "E2E1"
		return nil
	})
	if err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if rec.Status != StatusConfirmed || rec.BankReference != "E2E1" {
		t.Fatalf("unexpected confirmed record %+v", rec)
	}
	if _, err := ledger.Transition(ctx, "P1", StatusConfirmed, StatusCompleted, func(r *Record) error {
		r.Fee = big.NewInt(1)
		return nil
	}); err != nil {
		t.Fatalf("complete: %v", err)
	}
	for _, target := range []Status{StatusFailed, StatusConfirmed, StatusInitiated} {
		if _, err := ledger.Transition(ctx, "P1", StatusCompleted, target, nil); !errors.Is(err, ErrInvalidState) {
			t.Fatalf("terminal record moved to %s: %v", target, err)
		}
	}
	if _, err := ledger.Transition(ctx, "missing", StatusInitiated, StatusConfirmed, nil); !errors.Is(err, ErrUnknownConversion) {
		t.Fatalf("expected ErrUnknownConversion, got %v", err)
	}
	want := []events.Type{events.TypePixToStablecoinInitiated, events.TypePixConfirmed, events.TypeStablecoinTransferred}
	got := emitter.types()
	if len(got) != len(want) {
		t.Fatalf("unexpected events %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("event %d: want %s got %s", i, want[i], got[i])
		}
	}
}

func TestMutateErrorAbortsTransition(t *testing.T) {
	ledger, _, _ := newTestLedger(t)
	ctx := context.Background()
	_, _ = ledger.Create(ctx, pixRecord("P1"))
	boom := errors.New("boom")
	if _, err := ledger.Transition(ctx, "P1", StatusInitiated, StatusFailed, func(*Record) error { return boom }); !errors.Is(err, boom) {
		t.Fatalf("expected mutate error, got %v", err)
	}
	rec, _ := ledger.Get("P1")
	if rec.Status != StatusInitiated {
		t.Fatalf("record changed despite mutate error: %s", rec.Status)
	}
}

func TestConcurrentTransitionsSingleWinner(t *testing.T) {
	ledger, _, _ := newTestLedger(t)
	ctx := context.Background()
	_, _ = ledger.Create(ctx, pixRecord("P1"))
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for _, target := range []Status{StatusConfirmed, StatusFailed, StatusConfirmed, StatusFailed} {
		wg.Add(1)
		go func(to Status) {
			defer wg.Done()
			if _, err := ledger.Transition(ctx, "P1", StatusInitiated, to, nil); err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}(target)
	}
	wg.Wait()
	if wins != 1 {
		t.Fatalf("expected exactly one transition to win, got %d", wins)
	}
}

func TestRestoreAndQueries(t *testing.T) {
	clockNow := time.Unix(1_700_000_000, 0).UTC()
	ledger, _, store := newTestLedger(t)
	ledger.clock = func() time.Time { return clockNow }
	ctx := context.Background()
	_, _ = ledger.Create(ctx, pixRecord("P1"))
	clockNow = clockNow.Add(time.Hour)
	s2p := pixRecord("P2")
	s2p.Direction = DirectionStableToPix
	s2p.PixKey = "user@example.com"
	_, _ = ledger.Create(ctx, s2p)

	restored, err := New(ctx, WithStore(store))
	if err != nil {
		t.Fatalf("restore: %v", err)
	}
	rec, err := restored.Get("P2")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if rec.PixKey != "user@example.com" || rec.Direction != DirectionStableToPix {
		t.Fatalf("unexpected restored record %+v", rec)
	}
	stale := restored.Stale(StatusInitiated, clockNow)
	if len(stale) != 1 || stale[0].PaymentID != "P1" {
		t.Fatalf("unexpected stale set %+v", stale)
	}
	list := restored.List(Filter{Direction: DirectionStableToPix})
	if len(list) != 1 || list[0].PaymentID != "P2" {
		t.Fatalf("unexpected filtered list %+v", list)
	}
	if !restored.Exists("P1") || restored.Exists("P3") {
		t.Fatalf("unexpected Exists results")
	}
}

func TestLockArenaSerialisesAndFrees(t *testing.T) {
	ledger, _, _ := newTestLedger(t)
	unlock := ledger.Lock("P1")
	acquired := make(chan struct{})
	go func() {
		release := ledger.Lock("P1")
		close(acquired)
		release()
	}()
	select {
	case <-acquired:
		t.Fatalf("second lock acquired while first held")
	case <-time.After(20 * time.Millisecond):
	}
	unlock()
	unlock()
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatalf("second lock never acquired")
	}
	deadline := time.Now().Add(time.Second)
	for ledger.locks.size() != 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if ledger.locks.size() != 0 {
		t.Fatalf("lock arena leaked %d entries", ledger.locks.size())
	}
}
