package ratefeed

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"pixexchange/observability"
	"pixexchange/services/exchanged/storage"
)

// rateDecimals is the fixed-point scale of registry rates.
const rateDecimals = 18

// Quote is a single source observation: BRL per whole asset unit.
type Quote struct {
	Rate      decimal.Decimal
	Timestamp time.Time
}

// Source resolves the BRL price of an asset.
type Source interface {
	Name() string
	Fetch(ctx context.Context, asset string) (Quote, error)
}

// Applier installs an aggregated rate.
type Applier interface {
	SetRate(ctx context.Context, asset string, rate *big.Int) error
}

// Store persists applied snapshots.
type Store interface {
	RecordRateSnapshot(ctx context.Context, snap storage.RateSnapshot) error
}

// Manager orchestrates periodic aggregation across configured sources.
type Manager struct {
	applier  Applier
	store    Store
	sources  []Source
	assets   []string
	minFeeds int
	maxAge   time.Duration
	interval time.Duration
	clock    func() time.Time
	metrics  *observability.LedgerMetrics
	once     sync.Once
}

// Option configures a Manager.
type Option func(*Manager)

// WithInterval sets the polling cadence.
func WithInterval(d time.Duration) Option {
	return func(m *Manager) { m.interval = d }
}

// WithMaxAge discards quotes older than d.
func WithMaxAge(d time.Duration) Option {
	return func(m *Manager) { m.maxAge = d }
}

// WithMinFeeds sets how many fresh quotes an update needs.
func WithMinFeeds(n int) Option {
	return func(m *Manager) { m.minFeeds = n }
}

// WithClock overrides the time source.
func WithClock(clock func() time.Time) Option {
	return func(m *Manager) { m.clock = clock }
}

// New constructs a manager instance.
func New(applier Applier, store Store, sources []Source, assets []string, opts ...Option) (*Manager, error) {
	if applier == nil {
		return nil, fmt.Errorf("rate applier required")
	}
	if len(sources) == 0 {
		return nil, fmt.Errorf("at least one source required")
	}
	if len(assets) == 0 {
		return nil, fmt.Errorf("at least one asset required")
	}
	mgr := &Manager{
		applier:  applier,
		store:    store,
		sources:  append([]Source{}, sources...),
		interval: time.Minute,
		maxAge:   5 * time.Minute,
		minFeeds: 1,
		clock:    time.Now,
		metrics:  observability.Ledger(),
	}
	for _, asset := range assets {
		if trimmed := strings.ToUpper(strings.TrimSpace(asset)); trimmed != "" {
			mgr.assets = append(mgr.assets, trimmed)
		}
	}
	for _, opt := range opts {
		if opt != nil {
			opt(mgr)
		}
	}
	if mgr.interval <= 0 {
		return nil, fmt.Errorf("interval must be positive")
	}
	if mgr.minFeeds <= 0 {
		mgr.minFeeds = 1
	}
	return mgr, nil
}

// Run blocks, periodically polling upstream feeds until the context is cancelled.
func (m *Manager) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	m.once.Do(func() {
		slog.Info("exchanged/ratefeed: started", "sources", len(m.sources), "assets", m.assets)
	})
	for {
		if err := m.Tick(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			slog.Warn("exchanged/ratefeed: tick error", "error", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Tick performs a single aggregation cycle across all configured assets.
func (m *Manager) Tick(ctx context.Context) error {
	var errs []error
	for _, asset := range m.assets {
		if err := m.processAsset(ctx, asset); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m *Manager) processAsset(ctx context.Context, asset string) error {
	now := m.clock()
	rates := make([]decimal.Decimal, 0, len(m.sources))
	feeders := make([]string, 0, len(m.sources))
	observed := now
	for _, src := range m.sources {
		if src == nil {
			continue
		}
		quote, err := src.Fetch(ctx, asset)
		if err != nil {
			slog.Warn("exchanged/ratefeed: source failed", "source", src.Name(), "asset", asset, "error", err)
			continue
		}
		if !quote.Rate.IsPositive() {
			slog.Warn("exchanged/ratefeed: source returned invalid rate", "source", src.Name(), "asset", asset)
			continue
		}
		if quote.Timestamp.After(now.Add(5 * time.Second)) {
			slog.Warn("exchanged/ratefeed: source produced future timestamp", "source", src.Name(), "asset", asset)
			continue
		}
		if m.maxAge > 0 && quote.Timestamp.Before(now.Add(-m.maxAge)) {
			slog.Warn("exchanged/ratefeed: source quote expired", "source", src.Name(), "asset", asset)
			continue
		}
		if quote.Timestamp.Before(observed) {
			observed = quote.Timestamp
		}
		feeders = append(feeders, src.Name())
		rates = append(rates, quote.Rate)
	}
	if len(rates) < m.minFeeds {
		return fmt.Errorf("insufficient rate feeds for %s: %d of %d", asset, len(rates), m.minFeeds)
	}
	median := Median(rates)
	rate := median.Shift(rateDecimals).BigInt()
	if rate.Sign() <= 0 {
		return fmt.Errorf("median computation failed for %s", asset)
	}
	if err := m.applier.SetRate(ctx, asset, rate); err != nil {
		return fmt.Errorf("apply rate for %s: %w", asset, err)
	}
	m.metrics.RecordRate(asset, rate)
	if m.store != nil {
		snap := storage.RateSnapshot{
			Asset:      asset,
			Rate:       median.StringFixed(rateDecimals),
			Sources:    feeders,
			ObservedAt: observed,
			RecordedAt: now,
		}
		if err := m.store.RecordRateSnapshot(ctx, snap); err != nil {
			return fmt.Errorf("record snapshot: %w", err)
		}
	}
	slog.Info("exchanged/ratefeed: rate applied", "asset", asset, "rate", median.String(), "feeders", feeders)
	return nil
}

// Median returns the middle value, averaging the two middle values of an
// even-sized set.
func Median(values []decimal.Decimal) decimal.Decimal {
	if len(values) == 0 {
		return decimal.Zero
	}
	sorted := append([]decimal.Decimal{}, values...)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].LessThan(sorted[j])
	})
	mid := len(sorted) / 2
	if len(sorted)%2 == 1 {
		return sorted[mid]
	}
	return sorted[mid-1].Add(sorted[mid]).Div(decimal.NewFromInt(2))
}
