package payout

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"pixexchange/services/exchanged/conversion"
	"pixexchange/services/exchanged/oracle"
	"pixexchange/services/exchanged/pixrail"
	"pixexchange/services/exchanged/registry"
)

type fakeRail struct {
	mu    sync.Mutex
	calls []string
	sent  []decimal.Decimal
	fail  []error
}

func (r *fakeRail) SendTransfer(_ context.Context, id string, amount decimal.Decimal, pixKey, _ string) (pixrail.Transfer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, id)
	if len(r.fail) > 0 {
		err := r.fail[0]
		r.fail = r.fail[1:]
		return pixrail.Transfer{}, err
	}
	r.sent = append(r.sent, amount)
	return pixrail.Transfer{ID: id, EndToEndID: "E2E" + id, Status: "EM_PROCESSAMENTO"}, nil
}

func (r *fakeRail) callCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

type eighteenDecimals struct{}

func (eighteenDecimals) Stablecoin(asset string) (registry.Stablecoin, error) {
	return registry.Stablecoin{Config: registry.Config{Asset: asset, Decimals: 18}}, nil
}

type fixture struct {
	dispatcher *Dispatcher
	journal    *Journal
	ledger     *conversion.Ledger
	gateway    *oracle.Gateway
	rail       *fakeRail
}

func reais(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), registry.RateScale)
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	ledger, err := conversion.New(ctx)
	if err != nil {
		t.Fatalf("conversion ledger: %v", err)
	}
	for i := 1; i <= 3; i++ {
		if _, err := ledger.Create(ctx, conversion.Record{
			PaymentID:        fmt.Sprintf("S%d", i),
			User:             "0xabc",
			Direction:        conversion.DirectionStableToPix,
			Asset:            "BRLA",
			PixAmount:        reais(int64(10 * i)),
			StablecoinAmount: reais(int64(10 * i)),
			Fee:              big.NewInt(0),
			PixKey:           "user@example.com",
			Nonce:            uint64(i),
		}); err != nil {
			t.Fatalf("create conversion: %v", err)
		}
	}
	gw, err := oracle.NewGateway(ctx, ledger)
	if err != nil {
		t.Fatalf("gateway: %v", err)
	}
	journal, err := OpenMemoryJournal()
	if err != nil {
		t.Fatalf("journal: %v", err)
	}
	t.Cleanup(func() { _ = journal.Close() })
	rail := &fakeRail{}
	d, err := NewDispatcher(journal, ledger, eighteenDecimals{}, WithRail(rail), WithReporter(gw))
	if err != nil {
		t.Fatalf("dispatcher: %v", err)
	}
	return &fixture{dispatcher: d, journal: journal, ledger: ledger, gateway: gw, rail: rail}
}

func TestProcessSendsOnceAndReports(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if err := f.dispatcher.Process(ctx, "S1"); err != nil {
		t.Fatalf("process: %v", err)
	}
	if !f.rail.sent[0].Equal(decimal.NewFromInt(10)) {
		t.Fatalf("unexpected transfer amount %s", f.rail.sent[0])
	}
	pending := f.gateway.Pending()
	if len(pending) != 1 || pending[0].PaymentID != "S1" || pending[0].BankReference != "E2ES1" {
		t.Fatalf("unexpected reports %+v", pending)
	}
	entry, found, err := f.journal.Get("S1")
	if err != nil || !found || entry.Stage != StageReported {
		t.Fatalf("unexpected journal entry %+v found=%v err=%v", entry, found, err)
	}
	if err := f.dispatcher.Process(ctx, "S1"); err != nil {
		t.Fatalf("reprocess: %v", err)
	}
	restarted, err := NewDispatcher(f.journal, f.ledger, eighteenDecimals{}, WithRail(f.rail), WithReporter(f.gateway))
	if err != nil {
		t.Fatalf("restart: %v", err)
	}
	if err := restarted.Process(ctx, "S1"); err != nil {
		t.Fatalf("process after restart: %v", err)
	}
	if f.rail.callCount() != 1 {
		t.Fatalf("expected a single transfer, got %d", f.rail.callCount())
	}
	if !f.dispatcher.Holds("S1") {
		t.Fatalf("reported payout must be held")
	}
}

func TestUnknownOutcomeRetriesSameID(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.rail.fail = []error{fmt.Errorf("%w: timeout", pixrail.ErrUnavailable)}
	if err := f.dispatcher.Process(ctx, "S2"); !errors.Is(err, pixrail.ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
	if !f.dispatcher.Holds("S2") {
		t.Fatalf("payout with unknown outcome must be held")
	}
	if err := f.dispatcher.Process(ctx, "S2"); err != nil {
		t.Fatalf("retry: %v", err)
	}
	if len(f.rail.calls) != 2 || f.rail.calls[0] != "S2" || f.rail.calls[1] != "S2" {
		t.Fatalf("expected two attempts under the same id, got %v", f.rail.calls)
	}
	entry, _, _ := f.journal.Get("S2")
	if entry.Attempts != 2 || entry.Stage != StageReported {
		t.Fatalf("unexpected journal entry %+v", entry)
	}
}

func TestRejectedTransferIsReleased(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.rail.fail = []error{fmt.Errorf("%w: invalid key", pixrail.ErrRejected)}
	if err := f.dispatcher.Process(ctx, "S3"); !errors.Is(err, pixrail.ErrRejected) {
		t.Fatalf("expected ErrRejected, got %v", err)
	}
	if f.dispatcher.Holds("S3") {
		t.Fatalf("rejected payout must not be held")
	}
	if err := f.dispatcher.Process(ctx, "S3"); err != nil {
		t.Fatalf("reprocess: %v", err)
	}
	if f.rail.callCount() != 1 {
		t.Fatalf("rejected payout must not be resent")
	}
}

func TestDispatchPauseAndStatus(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.dispatcher.Pause()
	if err := f.dispatcher.Process(ctx, "S1"); !errors.Is(err, ErrDispatcherPaused) {
		t.Fatalf("expected ErrDispatcherPaused, got %v", err)
	}
	if n := f.dispatcher.Dispatch(ctx); n != 0 {
		t.Fatalf("paused dispatch processed %d", n)
	}
	f.dispatcher.Resume()
	if n := f.dispatcher.Dispatch(ctx); n != 3 {
		t.Fatalf("expected three payouts, got %d", n)
	}
	if err := f.dispatcher.Release("S3", "NAO_REALIZADO"); err != nil {
		t.Fatalf("release: %v", err)
	}
	status, err := f.dispatcher.Status(ctx)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if status.Paused || status.Reported != 2 || status.Returned != 1 || status.InFlight != 0 {
		t.Fatalf("unexpected status %+v", status)
	}
	if f.dispatcher.Holds("S3") {
		t.Fatalf("released payout must not be held")
	}
}

func TestProcessRejectsInboundConversions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if _, err := f.ledger.Create(ctx, conversion.Record{
		PaymentID:        "P1",
		User:             "0xabc",
		Direction:        conversion.DirectionPixToStable,
		Asset:            "BRLA",
		PixAmount:        reais(5),
		StablecoinAmount: reais(5),
		Fee:              big.NewInt(0),
		Nonce:            9,
	}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := f.dispatcher.Process(ctx, "P1"); !errors.Is(err, ErrNotPayout) {
		t.Fatalf("expected ErrNotPayout, got %v", err)
	}
}

func TestJournalPrune(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if n := f.dispatcher.Dispatch(ctx); n != 3 {
		t.Fatalf("dispatch: %d", n)
	}
	removed, err := f.journal.Prune(ctx, f.dispatcher.now().Add(1), nil)
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if removed != 3 {
		t.Fatalf("expected three entries pruned, got %d", removed)
	}
	entries, _ := f.journal.Entries(ctx)
	if len(entries) != 0 {
		t.Fatalf("expected empty journal, got %d", len(entries))
	}
}

func TestDispatcherPruneKeepsOpenConversions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.dispatcher.retention = -1
	if removed, err := f.dispatcher.Prune(ctx); err != nil || removed != 0 {
		t.Fatalf("disabled retention pruned %d, %v", removed, err)
	}
	f.dispatcher.retention = 1
	f.dispatcher.now = func() time.Time { return time.Now().Add(time.Hour) }
	if n := f.dispatcher.Dispatch(ctx); n != 3 {
		t.Fatalf("dispatch: %d", n)
	}
	if _, err := f.ledger.Transition(ctx, "S1", conversion.StatusInitiated, conversion.StatusConfirmed, nil); err != nil {
		t.Fatalf("confirm: %v", err)
	}
	f.dispatcher.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	removed, err := f.dispatcher.Prune(ctx)
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if removed != 1 {
		t.Fatalf("expected only the confirmed payout pruned, got %d", removed)
	}
	if !f.dispatcher.Holds("S2") {
		t.Fatalf("open payout must remain held")
	}
}

type blockingRail struct {
	entered chan struct{}
	release chan struct{}
}

func (r *blockingRail) SendTransfer(_ context.Context, id string, _ decimal.Decimal, _, _ string) (pixrail.Transfer, error) {
	close(r.entered)
	<-r.release
	return pixrail.Transfer{ID: id, EndToEndID: "E2E" + id}, nil
}

func TestTransferRunsWithoutConversionLock(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	rail := &blockingRail{entered: make(chan struct{}), release: make(chan struct{})}
	f.dispatcher.rail = rail

	done := make(chan error, 1)
	go func() { done <- f.dispatcher.Process(ctx, "S1") }()
	<-rail.entered

	locked := make(chan struct{})
	go func() {
		unlock := f.ledger.Lock("S1")
		unlock()
		close(locked)
	}()
	select {
	case <-locked:
	case <-time.After(2 * time.Second):
		close(rail.release)
		t.Fatalf("conversion lock held while the transfer was in flight")
	}
	if !f.dispatcher.Holds("S1") {
		t.Fatalf("payout must be held while the transfer is in flight")
	}
	entry, found, err := f.journal.Get("S1")
	if err != nil || !found || entry.Stage != StageSending {
		t.Fatalf("expected sending entry before the rail answers, got %+v found=%v err=%v", entry, found, err)
	}
	close(rail.release)
	if err := <-done; err != nil {
		t.Fatalf("process: %v", err)
	}
	entry, _, _ = f.journal.Get("S1")
	if entry.Stage != StageReported {
		t.Fatalf("expected reported entry, got %s", entry.Stage)
	}
}

type statusMap map[string]pixrail.Settlement

func (m statusMap) GetStatus(_ context.Context, id string) (pixrail.Settlement, error) {
	st, ok := m[id]
	if !ok {
		return pixrail.Settlement{}, pixrail.ErrNotFound
	}
	return st, nil
}

func TestResolveReleasesOnlyTransfersNotMade(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	statuses := statusMap{}
	f.dispatcher.status = statuses

	if released, err := f.dispatcher.Resolve(ctx, "S1"); err != nil || !released {
		t.Fatalf("unjournalled payout should not be held: %v %v", released, err)
	}
	if err := f.dispatcher.Process(ctx, "S1"); err != nil {
		t.Fatalf("process: %v", err)
	}
	if _, err := f.dispatcher.Resolve(ctx, "S1"); !errors.Is(err, pixrail.ErrNotFound) {
		t.Fatalf("acknowledged transfer unknown to the rail must stay held, got %v", err)
	}
	statuses["S1"] = pixrail.Settlement{ID: "S1", State: pixrail.StateSettled, Amount: decimal.NewFromInt(10)}
	if released, err := f.dispatcher.Resolve(ctx, "S1"); err != nil || released {
		t.Fatalf("settled transfer released: %v %v", released, err)
	}
	statuses["S1"] = pixrail.Settlement{ID: "S1", State: pixrail.StateFailed, RawStatus: "NAO_REALIZADO"}
	if released, err := f.dispatcher.Resolve(ctx, "S1"); err != nil || !released {
		t.Fatalf("failed transfer not released: %v %v", released, err)
	}
	if f.dispatcher.Holds("S1") {
		t.Fatalf("released payout still held")
	}

	if err := f.journal.Put(Entry{PaymentID: "S2", Stage: StageSending, Attempts: 1}); err != nil {
		t.Fatalf("put: %v", err)
	}
	if released, err := f.dispatcher.Resolve(ctx, "S2"); err != nil || !released {
		t.Fatalf("unacknowledged transfer unknown to the rail not released: %v %v", released, err)
	}
}
