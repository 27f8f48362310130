package payout

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"pixexchange/observability"
	"pixexchange/observability/logging"
	"pixexchange/services/exchanged/conversion"
	"pixexchange/services/exchanged/events"
	"pixexchange/services/exchanged/oracle"
	"pixexchange/services/exchanged/pixrail"
	"pixexchange/services/exchanged/registry"
)

// ErrDispatcherPaused is returned when a payout is attempted while the dispatcher is paused.
var ErrDispatcherPaused = errors.New("payout: dispatcher paused")

// ErrNotPayout indicates the conversion does not pay out over PIX.
var ErrNotPayout = errors.New("payout: conversion is not a pix payout")

// Rail submits outbound PIX transfers.
type Rail interface {
	SendTransfer(ctx context.Context, id string, amount decimal.Decimal, pixKey, info string) (pixrail.Transfer, error)
}

// StatusSource reports the rail's view of a transfer.
type StatusSource interface {
	GetStatus(ctx context.Context, id string) (pixrail.Settlement, error)
}

// Reporter records an observed bank transfer.
type Reporter interface {
	Report(ctx context.Context, party oracle.Party, paymentID string, amount *big.Int, bankReference string) (oracle.Report, error)
}

// Conversions is the conversion table.
type Conversions interface {
	Lock(paymentID string) func()
	Get(paymentID string) (conversion.Record, error)
	List(filter conversion.Filter) []conversion.Record
}

// Assets resolves asset scales.
type Assets interface {
	Stablecoin(asset string) (registry.Stablecoin, error)
}

// Dispatcher sends the PIX leg of stablecoin to PIX conversions.
type Dispatcher struct {
	journal     *Journal
	conversions Conversions
	assets      Assets
	rail        Rail
	status      StatusSource
	reporter    Reporter
	party       oracle.Party
	metrics     *observability.PayoutMetrics
	retention   time.Duration
	now         func() time.Time

	mu       sync.Mutex
	paused   bool
	inFlight map[string]struct{}
}

// Option customises the dispatcher instance.
type Option func(*Dispatcher)

// WithRail supplies the PIX rail implementation.
func WithRail(r Rail) Option {
	return func(d *Dispatcher) { d.rail = r }
}

// WithStatusSource supplies the rail status lookup used by Resolve.
func WithStatusSource(src StatusSource) Option {
	return func(d *Dispatcher) { d.status = src }
}

// WithReporter supplies the oracle reporter.
func WithReporter(r Reporter) Option {
	return func(d *Dispatcher) { d.reporter = r }
}

// WithParty sets the identity the dispatcher reports as.
func WithParty(p oracle.Party) Option {
	return func(d *Dispatcher) { d.party = p }
}

// WithRetention enables pruning of settled journal entries older than d.
func WithRetention(d time.Duration) Option {
	return func(disp *Dispatcher) { disp.retention = d }
}

// WithClock sets the function used to derive timestamps.
func WithClock(clock func() time.Time) Option {
	return func(d *Dispatcher) { d.now = clock }
}

// NewDispatcher constructs a payout dispatcher over the supplied journal.
func NewDispatcher(journal *Journal, conversions Conversions, assets Assets, opts ...Option) (*Dispatcher, error) {
	if journal == nil || conversions == nil || assets == nil {
		return nil, fmt.Errorf("payout: journal, conversions and assets required")
	}
	d := &Dispatcher{
		journal:     journal,
		conversions: conversions,
		assets:      assets,
		party:       oracle.Party{ID: "payout-dispatcher", Roles: []oracle.Role{oracle.RoleReporter}},
		metrics:     observability.Payout(),
		now:         time.Now,
		inFlight:    make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

// Process pays out a single conversion. Journalled transfers are never
// resubmitted under a new id; a transfer whose outcome is unknown is retried
// with the same idempotency key.
func (d *Dispatcher) Process(ctx context.Context, paymentID string) error {
	paymentID = strings.TrimSpace(paymentID)
	if paymentID == "" {
		return conversion.ErrInvalidPaymentID
	}
	if d.rail == nil || d.reporter == nil {
		return fmt.Errorf("payout: rail and reporter must be configured")
	}
	d.mu.Lock()
	if d.paused {
		d.mu.Unlock()
		d.metrics.RecordError("", "paused")
		return ErrDispatcherPaused
	}
	if _, busy := d.inFlight[paymentID]; busy {
		d.mu.Unlock()
		return nil
	}
	d.inFlight[paymentID] = struct{}{}
	d.mu.Unlock()
	defer func() {
		d.mu.Lock()
		delete(d.inFlight, paymentID)
		d.mu.Unlock()
	}()

	entry, rec, err := d.send(ctx, paymentID)
	if err != nil || entry.Stage != StageSent {
		return err
	}
	bankRef := entry.EndToEndID
	if bankRef == "" {
		bankRef = entry.TransferID
	}
	if _, err := d.reporter.Report(ctx, d.party, paymentID, rec.PixAmount, bankRef); err != nil {
		d.metrics.RecordError(rec.Asset, "report")
		return fmt.Errorf("report payout %s: %w", paymentID, err)
	}
	entry.Stage = StageReported
	entry.UpdatedAt = d.now().UTC()
	if err := d.journal.Put(entry); err != nil {
		return err
	}
	d.metrics.ObserveLatency(rec.Asset, d.now().Sub(rec.CreatedAt))
	slog.Info("exchanged/payout: payout reported", "payment_id", paymentID, logging.MaskField("end_to_end_id", bankRef), "attempts", entry.Attempts)
	return nil
}

// send claims the payout under the conversion lock by journalling it as
// sending, then submits the transfer with the lock released. Holds reports a
// sending entry, so the conversion cannot be failed and refunded while money
// may be leaving.
func (d *Dispatcher) send(ctx context.Context, paymentID string) (Entry, conversion.Record, error) {
	entry, rec, coin, proceed, err := d.claim(paymentID)
	if err != nil || !proceed {
		return entry, rec, err
	}

	transfer, err := d.rail.SendTransfer(ctx, paymentID, pixrail.ToBRL(rec.PixAmount, coin.Decimals), rec.PixKey, "conversion "+paymentID)
	if err != nil {
		entry.Error = err.Error()
		entry.UpdatedAt = d.now().UTC()
		if errors.Is(err, pixrail.ErrRejected) {
			entry.Stage = StageReturned
			d.metrics.RecordError(rec.Asset, "rejected")
		} else {
			d.metrics.RecordError(rec.Asset, "transfer")
		}
		if perr := d.journal.Put(entry); perr != nil {
			slog.Error("exchanged/payout: journal transfer failure", "payment_id", paymentID, "error", perr)
		}
		slog.Warn("exchanged/payout: transfer failed", "payment_id", paymentID, logging.MaskField("pix_key", rec.PixKey), "attempts", entry.Attempts, "error", err)
		return Entry{}, conversion.Record{}, fmt.Errorf("send payout %s: %w", paymentID, err)
	}
	entry.Stage = StageSent
	entry.TransferID = transfer.ID
	entry.EndToEndID = transfer.EndToEndID
	entry.Error = ""
	entry.UpdatedAt = d.now().UTC()
	if err := d.journal.Put(entry); err != nil {
		return Entry{}, conversion.Record{}, err
	}
	return entry, rec, nil
}

// claim decides under the conversion lock whether a transfer must be
// submitted and, if so, journals the attempt before returning.
func (d *Dispatcher) claim(paymentID string) (Entry, conversion.Record, registry.Stablecoin, bool, error) {
	unlock := d.conversions.Lock(paymentID)
	defer unlock()
	rec, err := d.conversions.Get(paymentID)
	if err != nil {
		return Entry{}, conversion.Record{}, registry.Stablecoin{}, false, err
	}
	if rec.Direction != conversion.DirectionStableToPix {
		return Entry{}, conversion.Record{}, registry.Stablecoin{}, false, ErrNotPayout
	}
	entry, found, err := d.journal.Get(paymentID)
	if err != nil {
		return Entry{}, conversion.Record{}, registry.Stablecoin{}, false, err
	}
	if found && entry.Stage != StageSending {
		if entry.Stage == StageSent && rec.Status != conversion.StatusInitiated {
			return Entry{}, rec, registry.Stablecoin{}, false, nil
		}
		return entry, rec, registry.Stablecoin{}, false, nil
	}
	if rec.Status != conversion.StatusInitiated {
		return Entry{}, rec, registry.Stablecoin{}, false, nil
	}
	coin, err := d.assets.Stablecoin(rec.Asset)
	if err != nil {
		return Entry{}, conversion.Record{}, registry.Stablecoin{}, false, err
	}
	now := d.now().UTC()
	if !found {
		entry = Entry{PaymentID: paymentID, Amount: rec.PixAmount.String(), CreatedAt: now}
	}
	entry.Stage = StageSending
	entry.Attempts++
	entry.UpdatedAt = now
	if err := d.journal.Put(entry); err != nil {
		return Entry{}, conversion.Record{}, registry.Stablecoin{}, false, err
	}
	return entry, rec, coin, true, nil
}

// Holds reports whether the payout is in flight or may have left the rail.
func (d *Dispatcher) Holds(paymentID string) bool {
	paymentID = strings.TrimSpace(paymentID)
	d.mu.Lock()
	_, busy := d.inFlight[paymentID]
	d.mu.Unlock()
	if busy {
		return true
	}
	entry, found, err := d.journal.Get(paymentID)
	if err != nil {
		slog.Error("exchanged/payout: journal lookup", "payment_id", paymentID, "error", err)
		return true
	}
	if !found {
		return false
	}
	return entry.Stage != StageReturned
}

// Release marks a payout the rail reported as not made, allowing the
// conversion to be failed and refunded.
func (d *Dispatcher) Release(paymentID, reason string) error {
	paymentID = strings.TrimSpace(paymentID)
	d.mu.Lock()
	_, busy := d.inFlight[paymentID]
	d.mu.Unlock()
	if busy {
		return fmt.Errorf("payout: %s in progress", paymentID)
	}
	entry, found, err := d.journal.Get(paymentID)
	if err != nil {
		return err
	}
	now := d.now().UTC()
	if !found {
		entry = Entry{PaymentID: paymentID, CreatedAt: now}
	}
	entry.Stage = StageReturned
	entry.Error = strings.TrimSpace(reason)
	entry.UpdatedAt = now
	return d.journal.Put(entry)
}

// Resolve asks the rail about a held payout and releases it when the rail
// reports the transfer as not made, or has no record of a transfer that was
// never acknowledged. It returns true once the payout no longer holds its
// conversion.
func (d *Dispatcher) Resolve(ctx context.Context, paymentID string) (bool, error) {
	paymentID = strings.TrimSpace(paymentID)
	d.mu.Lock()
	_, busy := d.inFlight[paymentID]
	d.mu.Unlock()
	if busy {
		return false, nil
	}
	entry, found, err := d.journal.Get(paymentID)
	if err != nil {
		return false, err
	}
	if !found || entry.Stage == StageReturned {
		return true, nil
	}
	if d.status == nil {
		return false, nil
	}
	settlement, err := d.status.GetStatus(ctx, paymentID)
	switch {
	case errors.Is(err, pixrail.ErrNotFound) && entry.Stage == StageSending:
		if err := d.Release(paymentID, "transfer unknown to rail"); err != nil {
			return false, err
		}
	case err != nil:
		return false, fmt.Errorf("payout status %s: %w", paymentID, err)
	case settlement.State == pixrail.StateFailed:
		if err := d.Release(paymentID, "pix rail reported "+settlement.RawStatus); err != nil {
			return false, err
		}
	default:
		return false, nil
	}
	slog.Warn("exchanged/payout: payout released after status check", "payment_id", paymentID, "stage", entry.Stage)
	return true, nil
}

// Dispatch processes every initiated payout and returns how many succeeded.
func (d *Dispatcher) Dispatch(ctx context.Context) int {
	pending := d.conversions.List(conversion.Filter{Status: conversion.StatusInitiated, Direction: conversion.DirectionStableToPix})
	done := 0
	for _, rec := range pending {
		if ctx.Err() != nil {
			break
		}
		if err := d.Process(ctx, rec.PaymentID); err != nil {
			if errors.Is(err, ErrDispatcherPaused) {
				break
			}
			slog.Warn("exchanged/payout: dispatch", "payment_id", rec.PaymentID, "error", err)
			continue
		}
		done++
	}
	return done
}

// Run dispatches on every initiation event and sweeps on each interval.
func (d *Dispatcher) Run(ctx context.Context, interval time.Duration, trigger <-chan events.Event) error {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	d.Dispatch(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-trigger:
			if !ok {
				trigger = nil
				continue
			}
			if ev.Type != events.TypeStablecoinToPixInitiated {
				continue
			}
			if err := d.Process(ctx, ev.PaymentID); err != nil && !errors.Is(err, ErrDispatcherPaused) {
				slog.Warn("exchanged/payout: dispatch", "payment_id", ev.PaymentID, "error", err)
			}
		case <-ticker.C:
			d.Dispatch(ctx)
			if d.retention > 0 {
				if _, err := d.Prune(ctx); err != nil {
					slog.Warn("exchanged/payout: prune journal", "error", err)
				}
			}
		}
	}
}

// Prune removes journal entries past the retention window whose conversion
// has left the initiated state.
func (d *Dispatcher) Prune(ctx context.Context) (int, error) {
	if d.retention <= 0 {
		return 0, nil
	}
	removed, err := d.journal.Prune(ctx, d.now().Add(-d.retention), func(entry Entry) bool {
		rec, err := d.conversions.Get(entry.PaymentID)
		return err == nil && rec.Status == conversion.StatusInitiated
	})
	if err != nil {
		return 0, err
	}
	if removed > 0 {
		slog.Info("exchanged/payout: pruned journal", "removed", removed)
	}
	return removed, nil
}

// Pause halts new payout processing.
func (d *Dispatcher) Pause() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.paused = true
	d.metrics.SetPause(true)
}

// Resume re-enables payout processing.
func (d *Dispatcher) Resume() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.paused = false
	d.metrics.SetPause(false)
}

// Status summarises dispatcher state for administrative endpoints.
type Status struct {
	Paused   bool `json:"paused"`
	InFlight int  `json:"in_flight"`
	Sending  int  `json:"sending"`
	Sent     int  `json:"sent"`
	Reported int  `json:"reported"`
	Returned int  `json:"returned"`
}

// Status reports the current dispatcher status snapshot.
func (d *Dispatcher) Status(ctx context.Context) (Status, error) {
	d.mu.Lock()
	status := Status{Paused: d.paused, InFlight: len(d.inFlight)}
	d.mu.Unlock()
	entries, err := d.journal.Entries(ctx)
	if err != nil {
		return status, err
	}
	for _, entry := range entries {
		switch entry.Stage {
		case StageSending:
			status.Sending++
		case StageSent:
			status.Sent++
		case StageReported:
			status.Reported++
		case StageReturned:
			status.Returned++
		}
	}
	return status, nil
}
