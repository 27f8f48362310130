package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"pixexchange/services/exchanged/conversion"
	"pixexchange/services/exchanged/oracle"
	"pixexchange/services/exchanged/pixrail"
	"pixexchange/services/exchanged/registry"
)

// StatusSource reports the rail's own view of a payment.
type StatusSource interface {
	GetStatus(ctx context.Context, id string) (pixrail.Settlement, error)
}

// Attestations is the oracle surface the confirmer drives.
type Attestations interface {
	Pending() []oracle.Report
	Confirm(ctx context.Context, party oracle.Party, paymentID, bankReference string) (conversion.Record, error)
	Prune(ctx context.Context) int
}

// Failer closes conversions the rail reports as not made.
type Failer interface {
	Fail(ctx context.Context, paymentID, reason string) (conversion.Record, error)
}

// Releaser clears a payout journal entry before its conversion is refunded.
type Releaser interface {
	Release(paymentID, reason string) error
}

// Lookup resolves conversion records and asset metadata.
type Lookup interface {
	Get(paymentID string) (conversion.Record, error)
}

// Assets resolves asset decimals.
type Assets interface {
	Stablecoin(asset string) (registry.Stablecoin, error)
}

// Confirmer promotes reports to confirmations once the rail independently
// shows the payment settled.
type Confirmer struct {
	rail        StatusSource
	gateway     Attestations
	conversions Lookup
	assets      Assets
	engine      Failer
	payouts     Releaser
	party       oracle.Party
	interval    time.Duration
}

// ConfirmerOption customises a Confirmer.
type ConfirmerOption func(*Confirmer)

// WithConfirmerParty overrides the confirming identity.
func WithConfirmerParty(p oracle.Party) ConfirmerOption {
	return func(c *Confirmer) { c.party = p }
}

// WithPayoutReleaser wires the payout journal for failed transfers.
func WithPayoutReleaser(r Releaser) ConfirmerOption {
	return func(c *Confirmer) { c.payouts = r }
}

// WithConfirmerInterval sets the polling cadence.
func WithConfirmerInterval(d time.Duration) ConfirmerOption {
	return func(c *Confirmer) {
		if d > 0 {
			c.interval = d
		}
	}
}

// NewConfirmer constructs a status confirmer.
func NewConfirmer(rail StatusSource, gateway Attestations, conversions Lookup, assets Assets, engine Failer, opts ...ConfirmerOption) (*Confirmer, error) {
	if rail == nil || gateway == nil || conversions == nil || assets == nil || engine == nil {
		return nil, fmt.Errorf("confirmer: rail, gateway, conversions, assets and engine required")
	}
	c := &Confirmer{
		rail:        rail,
		gateway:     gateway,
		conversions: conversions,
		assets:      assets,
		engine:      engine,
		party:       oracle.Party{ID: "rail-status", Roles: []oracle.Role{oracle.RoleConfirmer}},
		interval:    20 * time.Second,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c, nil
}

// Run polls pending reports until ctx is cancelled.
func (c *Confirmer) Run(ctx context.Context) error {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		c.Tick(ctx)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Tick checks every pending report once and returns how many were confirmed.
func (c *Confirmer) Tick(ctx context.Context) int {
	if pruned := c.gateway.Prune(ctx); pruned > 0 {
		slog.Info("exchanged/worker: pruned stale reports", "count", pruned)
	}
	confirmed := 0
	for _, report := range c.gateway.Pending() {
		if ctx.Err() != nil {
			break
		}
		ok, err := c.check(ctx, report)
		if err != nil {
			slog.Warn("exchanged/worker: status check", "payment_id", report.PaymentID, "error", err)
			continue
		}
		if ok {
			confirmed++
		}
	}
	return confirmed
}

func (c *Confirmer) check(ctx context.Context, report oracle.Report) (bool, error) {
	rec, err := c.conversions.Get(report.PaymentID)
	if err != nil {
		return false, err
	}
	status, err := c.rail.GetStatus(ctx, report.PaymentID)
	if err != nil {
		return false, fmt.Errorf("rail status: %w", err)
	}
	switch status.State {
	case pixrail.StateSettled:
		if !status.Amount.IsPositive() {
			slog.Warn("exchanged/worker: settled status without amount", "payment_id", report.PaymentID, "status", status.RawStatus)
			return false, nil
		}
		coin, err := c.assets.Stablecoin(rec.Asset)
		if err != nil {
			return false, err
		}
		if settled := pixrail.FromBRL(status.Amount, coin.Decimals); !sameAmount(settled, rec.PixAmount) {
			return false, fmt.Errorf("%w: rail settled %s, conversion expects %s", oracle.ErrAmountMismatch, settled, rec.PixAmount)
		}
		if _, err := c.gateway.Confirm(ctx, c.party, report.PaymentID, ""); err != nil {
			if errors.Is(err, oracle.ErrNotReported) {
				return false, nil
			}
			return false, err
		}
		slog.Info("exchanged/worker: conversion confirmed", "payment_id", report.PaymentID, "end_to_end_id", status.EndToEndID)
		return true, nil
	case pixrail.StateFailed:
		reason := "pix rail reported " + status.RawStatus
		if rec.Direction == conversion.DirectionStableToPix && c.payouts != nil {
			if err := c.payouts.Release(report.PaymentID, reason); err != nil {
				return false, fmt.Errorf("release payout: %w", err)
			}
		}
		if _, err := c.engine.Fail(ctx, report.PaymentID, reason); err != nil {
			return false, err
		}
		slog.Warn("exchanged/worker: conversion failed by rail", "payment_id", report.PaymentID, "status", status.RawStatus)
		return false, nil
	default:
		return false, nil
	}
}

func sameAmount(a, b *big.Int) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Cmp(b) == 0
}
