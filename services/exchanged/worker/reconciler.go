package worker

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"pixexchange/observability"
	"pixexchange/services/exchanged/registry"
)

// Pools exposes per-asset pool balances and flow totals.
type Pools interface {
	Supported() []string
	Stablecoin(asset string) (registry.Stablecoin, error)
	Flows(asset string) (registry.Flows, error)
}

// Balance is the outcome of one pool audit.
type Balance struct {
	Asset    string
	Pool     *big.Int
	Expected *big.Int
	OK       bool
	At       time.Time
}

// Reconciler audits pool conservation on a cron schedule.
type Reconciler struct {
	pools   Pools
	cron    *cron.Cron
	spec    string
	clock   func() time.Time
	metrics *observability.LedgerMetrics

	mu   sync.Mutex
	last []Balance
}

// NewReconciler schedules audits with a six-field cron spec.
func NewReconciler(pools Pools, spec string) (*Reconciler, error) {
	if pools == nil {
		return nil, fmt.Errorf("reconciler: pools required")
	}
	if spec == "" {
		spec = "0 */5 * * * *"
	}
	r := &Reconciler{
		pools:   pools,
		cron:    cron.New(cron.WithSeconds()),
		spec:    spec,
		clock:   time.Now,
		metrics: observability.Ledger(),
	}
	if _, err := r.cron.AddFunc(spec, func() { r.Check(context.Background()) }); err != nil {
		return nil, fmt.Errorf("register reconcile task: %w", err)
	}
	return r, nil
}

// Start runs the schedule in the background.
func (r *Reconciler) Start() {
	r.cron.Start()
	slog.Info("exchanged/worker: reconciler started", "schedule", r.spec)
}

// Stop halts the schedule and waits for a running audit.
func (r *Reconciler) Stop() {
	<-r.cron.Stop().Done()
}

// Check audits every asset once.
func (r *Reconciler) Check(ctx context.Context) []Balance {
	now := r.clock().UTC()
	out := make([]Balance, 0)
	for _, asset := range r.pools.Supported() {
		if ctx.Err() != nil {
			break
		}
		coin, err := r.pools.Stablecoin(asset)
		if err != nil {
			slog.Error("exchanged/worker: reconcile lookup", "asset", asset, "error", err)
			continue
		}
		flows, err := r.pools.Flows(asset)
		if err != nil {
			slog.Error("exchanged/worker: reconcile flows", "asset", asset, "error", err)
			continue
		}
		expected := flows.Expected()
		bal := Balance{Asset: asset, Pool: coin.PoolBalance, Expected: expected, OK: coin.PoolBalance.Cmp(expected) == 0, At: now}
		r.metrics.RecordPool(asset, coin.PoolBalance, coin.Decimals)
		r.metrics.RecordReconcile(asset, bal.OK, now)
		if !bal.OK {
			slog.Error("exchanged/worker: pool conservation broken", "asset", asset, "pool", coin.PoolBalance.String(), "expected", expected.String())
		}
		out = append(out, bal)
	}
	r.mu.Lock()
	r.last = out
	r.mu.Unlock()
	return out
}

// Last returns the most recent audit.
func (r *Reconciler) Last() []Balance {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Balance(nil), r.last...)
}
