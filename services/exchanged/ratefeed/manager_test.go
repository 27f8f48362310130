package ratefeed

import (
	"context"
	"errors"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"pixexchange/services/exchanged/registry"
	"pixexchange/services/exchanged/storage"
)

type fakeSource struct {
	name  string
	quote Quote
	err   error
}

func (f fakeSource) Name() string { return f.name }

func (f fakeSource) Fetch(context.Context, string) (Quote, error) {
	return f.quote, f.err
}

func mustDec(t *testing.T, v string) decimal.Decimal {
	t.Helper()
	d, err := decimal.NewFromString(v)
	if err != nil {
		t.Fatalf("parse %s: %v", v, err)
	}
	return d
}

func newRegistry(t *testing.T) (*registry.Registry, *storage.Storage) {
	t.Helper()
	store, err := storage.Open(storage.MemoryDSN(t.Name()))
	if err != nil {
		t.Fatalf("open storage: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	ctx := context.Background()
	reg, err := registry.New(ctx, registry.WithStore(store))
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	if _, err := reg.Register(ctx, registry.Config{
		Asset:      "BRLA",
		Decimals:   18,
		MinAmount:  big.NewInt(1),
		MaxAmount:  big.NewInt(1_000),
		DailyLimit: big.NewInt(10_000),
		Rate:       new(big.Int).Set(registry.RateScale),
	}); err != nil {
		t.Fatalf("register: %v", err)
	}
	return reg, store
}

func TestTickAppliesMedian(t *testing.T) {
	reg, store := newRegistry(t)
	now := time.Unix(1_700_000_000, 0)
	sources := []Source{
		fakeSource{name: "a", quote: Quote{Rate: mustDec(t, "1.0"), Timestamp: now}},
		fakeSource{name: "b", quote: Quote{Rate: mustDec(t, "1.2"), Timestamp: now}},
		fakeSource{name: "c", quote: Quote{Rate: mustDec(t, "1.4"), Timestamp: now.Add(-time.Minute)}},
		fakeSource{name: "stale", quote: Quote{Rate: mustDec(t, "9"), Timestamp: now.Add(-time.Hour)}},
		fakeSource{name: "broken", err: errors.New("timeout")},
	}
	mgr, err := New(reg, store, sources, []string{"brla"}, WithClock(func() time.Time { return now }), WithMinFeeds(2))
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	if err := mgr.Tick(context.Background()); err != nil {
		t.Fatalf("tick: %v", err)
	}
	coin, err := reg.Stablecoin("BRLA")
	if err != nil {
		t.Fatalf("stablecoin: %v", err)
	}
	want := new(big.Int).Mul(big.NewInt(12), new(big.Int).Exp(big.NewInt(10), big.NewInt(17), nil))
	if coin.Rate.Cmp(want) != 0 {
		t.Fatalf("expected rate %s, got %s", want, coin.Rate)
	}
	snap, err := store.LatestRateSnapshot(context.Background(), "BRLA")
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if len(snap.Sources) != 3 || !mustDec(t, snap.Rate).Equal(mustDec(t, "1.2")) {
		t.Fatalf("unexpected snapshot %+v", snap)
	}
}

func TestTickRequiresMinFeeds(t *testing.T) {
	reg, store := newRegistry(t)
	now := time.Now()
	sources := []Source{
		fakeSource{name: "a", quote: Quote{Rate: mustDec(t, "5"), Timestamp: now}},
		fakeSource{name: "zero", quote: Quote{Rate: decimal.Zero, Timestamp: now}},
	}
	mgr, err := New(reg, store, sources, []string{"BRLA"}, WithMinFeeds(2))
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	if err := mgr.Tick(context.Background()); err == nil {
		t.Fatalf("expected insufficient feeds error")
	}
	coin, _ := reg.Stablecoin("BRLA")
	if coin.Rate.Cmp(registry.RateScale) != 0 {
		t.Fatalf("rate changed without quorum: %s", coin.Rate)
	}
}

func TestMedianEven(t *testing.T) {
	got := Median([]decimal.Decimal{mustDec(t, "4"), mustDec(t, "1"), mustDec(t, "3"), mustDec(t, "2")})
	if !got.Equal(mustDec(t, "2.5")) {
		t.Fatalf("expected 2.5, got %s", got)
	}
}

func TestCoinGeckoSource(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("ids") != "brla-digital-brla" || r.URL.Query().Get("vs_currencies") != "brl" {
			http.Error(w, "bad query", http.StatusBadRequest)
			return
		}
		_, _ = w.Write([]byte(`{"brla-digital-brla":{"brl":0.9987,"last_updated_at":1700000000}}`))
	}))
	defer srv.Close()
	src, err := NewRegistry().Build(SourceConfig{Type: "coingecko", Endpoint: srv.URL, IDs: map[string]string{"brla": "brla-digital-brla"}})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	quote, err := src.Fetch(context.Background(), "BRLA")
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if !quote.Rate.Equal(mustDec(t, "0.9987")) || quote.Timestamp.Unix() != 1_700_000_000 {
		t.Fatalf("unexpected quote %+v", quote)
	}
}

func TestJSONSource(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/ticker/brla" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte(`{"data":{"price":"1.0012","ts":1700000100}}`))
	}))
	defer srv.Close()
	src, err := NewRegistry().Build(SourceConfig{Name: "desk", Type: "json", Endpoint: srv.URL + "/ticker/{asset}", Field: "data.price", TimeField: "data.ts"})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	quote, err := src.Fetch(context.Background(), "BRLA")
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if src.Name() != "desk" || !quote.Rate.Equal(mustDec(t, "1.0012")) || quote.Timestamp.Unix() != 1_700_000_100 {
		t.Fatalf("unexpected quote %+v", quote)
	}
	if _, err := NewRegistry().Build(SourceConfig{Type: "ftp"}); err == nil {
		t.Fatalf("expected unknown type error")
	}
}
