package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"pixexchange/services/exchanged/conversion"
	"pixexchange/services/exchanged/events"
	"pixexchange/services/exchanged/registry"
)

// Settlement completes confirmed conversions.
type Settlement interface {
	Settle(ctx context.Context, paymentID string) (conversion.Record, error)
}

// Lister enumerates conversions.
type Lister interface {
	List(filter conversion.Filter) []conversion.Record
}

// Settler settles conversions as soon as they are confirmed and retries
// the ones blocked on liquidity.
type Settler struct {
	engine      Settlement
	conversions Lister
	interval    time.Duration
}

// NewSettler constructs a settler polling every interval.
func NewSettler(engine Settlement, conversions Lister, interval time.Duration) (*Settler, error) {
	if engine == nil || conversions == nil {
		return nil, fmt.Errorf("settler: engine and conversions required")
	}
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Settler{engine: engine, conversions: conversions, interval: interval}, nil
}

// Run settles on every confirmation event and sweeps on each interval.
func (s *Settler) Run(ctx context.Context, trigger <-chan events.Event) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	s.Tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-trigger:
			if !ok {
				trigger = nil
				continue
			}
			if ev.Type != events.TypePixConfirmed {
				continue
			}
			s.settle(ctx, ev.PaymentID)
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick settles every confirmed conversion and returns how many completed.
func (s *Settler) Tick(ctx context.Context) int {
	settled := 0
	for _, rec := range s.conversions.List(conversion.Filter{Status: conversion.StatusConfirmed}) {
		if ctx.Err() != nil {
			break
		}
		if s.settle(ctx, rec.PaymentID) {
			settled++
		}
	}
	return settled
}

func (s *Settler) settle(ctx context.Context, paymentID string) bool {
	_, err := s.engine.Settle(ctx, paymentID)
	switch {
	case err == nil:
		return true
	case errors.Is(err, registry.ErrInsufficientLiquidity):
		slog.Warn("exchanged/worker: settlement awaiting liquidity", "payment_id", paymentID)
	case errors.Is(err, conversion.ErrInvalidState):
		slog.Debug("exchanged/worker: settlement skipped", "payment_id", paymentID, "error", err)
	default:
		slog.Error("exchanged/worker: settle", "payment_id", paymentID, "error", err)
	}
	return false
}
