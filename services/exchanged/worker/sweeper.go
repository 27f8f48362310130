package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"pixexchange/services/exchanged/conversion"
	"pixexchange/services/exchanged/exchange"
)

// Expirer fails a conversion if it has not moved since it was observed.
type Expirer interface {
	Expire(ctx context.Context, observed conversion.Record, reason string) (bool, error)
}

// Staler lists conversions idle since before a cutoff.
type Staler interface {
	Stale(status conversion.Status, cutoff time.Time) []conversion.Record
}

// Resolver checks a held payout against the rail and releases it when the
// transfer was not made.
type Resolver interface {
	Resolve(ctx context.Context, paymentID string) (bool, error)
}

// Sweeper fails conversions that outlived their time-to-live.
type Sweeper struct {
	engine       Expirer
	conversions  Staler
	payouts      Resolver
	ttl          time.Duration
	confirmedTTL time.Duration
	interval     time.Duration
	clock        func() time.Time
}

// SweeperOption customises a Sweeper.
type SweeperOption func(*Sweeper)

// WithConfirmedTTL also expires confirmed conversions idle for d. Zero
// disables it.
func WithConfirmedTTL(d time.Duration) SweeperOption {
	return func(s *Sweeper) { s.confirmedTTL = d }
}

// WithPayoutResolver lets the sweeper release stale payouts the rail reports
// as not made, so their conversions can be refunded.
func WithPayoutResolver(r Resolver) SweeperOption {
	return func(s *Sweeper) { s.payouts = r }
}

// WithSweepInterval sets the sweep cadence.
func WithSweepInterval(d time.Duration) SweeperOption {
	return func(s *Sweeper) {
		if d > 0 {
			s.interval = d
		}
	}
}

// WithSweeperClock overrides the time source.
func WithSweeperClock(clock func() time.Time) SweeperOption {
	return func(s *Sweeper) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// NewSweeper constructs a sweeper expiring initiated conversions after ttl.
func NewSweeper(engine Expirer, conversions Staler, ttl time.Duration, opts ...SweeperOption) (*Sweeper, error) {
	if engine == nil || conversions == nil {
		return nil, fmt.Errorf("sweeper: engine and conversions required")
	}
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	s := &Sweeper{engine: engine, conversions: conversions, ttl: ttl, interval: time.Minute, clock: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s, nil
}

// Run sweeps on each interval until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick expires stale conversions and returns how many were failed.
func (s *Sweeper) Tick(ctx context.Context) int {
	now := s.clock()
	expired := s.sweep(ctx, conversion.StatusInitiated, now.Add(-s.ttl))
	if s.confirmedTTL > 0 {
		expired += s.sweep(ctx, conversion.StatusConfirmed, now.Add(-s.confirmedTTL))
	}
	return expired
}

func (s *Sweeper) sweep(ctx context.Context, status conversion.Status, cutoff time.Time) int {
	expired := 0
	for _, rec := range s.conversions.Stale(status, cutoff) {
		if ctx.Err() != nil {
			break
		}
		ok, err := s.engine.Expire(ctx, rec, "timeout")
		if errors.Is(err, exchange.ErrPayoutInFlight) && s.payouts != nil {
			ok, err = s.resolve(ctx, rec)
		}
		switch {
		case err == nil && ok:
			expired++
			slog.Info("exchanged/worker: conversion expired", "payment_id", rec.PaymentID, "status", status)
		case errors.Is(err, exchange.ErrPayoutInFlight):
			slog.Debug("exchanged/worker: payout in flight, not expiring", "payment_id", rec.PaymentID)
		case err != nil:
			slog.Error("exchanged/worker: expire", "payment_id", rec.PaymentID, "error", err)
		}
	}
	return expired
}

func (s *Sweeper) resolve(ctx context.Context, rec conversion.Record) (bool, error) {
	released, err := s.payouts.Resolve(ctx, rec.PaymentID)
	if err != nil {
		slog.Warn("exchanged/worker: payout status", "payment_id", rec.PaymentID, "error", err)
		return false, fmt.Errorf("%w: %s", exchange.ErrPayoutInFlight, rec.PaymentID)
	}
	if !released {
		return false, fmt.Errorf("%w: %s", exchange.ErrPayoutInFlight, rec.PaymentID)
	}
	return s.engine.Expire(ctx, rec, "timeout")
}
