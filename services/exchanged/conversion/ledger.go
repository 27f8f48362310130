package conversion

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"pixexchange/services/exchanged/events"
	"pixexchange/services/exchanged/storage"
)

var (
	ErrDuplicateConversion = errors.New("duplicate conversion")
	ErrUnknownConversion   = errors.New("unknown conversion")
	ErrInvalidState        = errors.New("invalid conversion state")
	ErrInvalidPaymentID    = errors.New("payment id cannot be empty")
)

// Store persists conversion records.
type Store interface {
	InsertConversion(ctx context.Context, rec storage.ConversionRecord) (bool, error)
	UpdateConversion(ctx context.Context, rec storage.ConversionRecord, expectedStatus string) (bool, error)
	LoadConversions(ctx context.Context, filter storage.ConversionFilter) ([]storage.ConversionRecord, error)
}

// Emitter receives an event for every create and transition.
type Emitter interface {
	Emit(ctx context.Context, ev events.Event) (events.Event, error)
}

// Filter narrows List results. Zero values match everything.
type Filter struct {
	Status    Status
	Direction Direction
	User      string
	Asset     string
}

// Ledger is the conversion table. All status changes go through Transition,
// which enforces the state machine with a compare-and-swap.
type Ledger struct {
	mu      sync.RWMutex
	records map[string]*Record
	store   Store
	emitter Emitter
	clock   func() time.Time
	locks   lockArena
}

// Option customises a Ledger.
type Option func(*Ledger)

// WithStore wires persistence. Records are restored when New is called.
func WithStore(store Store) Option {
	return func(l *Ledger) {
		l.store = store
	}
}

// WithEmitter wires the event hub.
func WithEmitter(emitter Emitter) Option {
	return func(l *Ledger) {
		l.emitter = emitter
	}
}

// WithClock overrides the time source.
func WithClock(clock func() time.Time) Option {
	return func(l *Ledger) {
		if clock != nil {
			l.clock = clock
		}
	}
}

// New constructs a ledger, restoring persisted conversions.
func New(ctx context.Context, opts ...Option) (*Ledger, error) {
	l := &Ledger{
		records: make(map[string]*Record),
		clock:   time.Now,
		locks:   lockArena{locks: make(map[string]*refLock)},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(l)
		}
	}
	if l.store == nil {
		return l, nil
	}
	stored, err := l.store.LoadConversions(ctx, storage.ConversionFilter{})
	if err != nil {
		return nil, fmt.Errorf("load conversions: %w", err)
	}
	for _, rec := range stored {
		r := fromStorage(rec)
		l.records[r.PaymentID] = &r
	}
	return l, nil
}

// Lock serialises multi-step operations on a single payment id. The returned
// function releases the lock.
func (l *Ledger) Lock(paymentID string) func() {
	return l.locks.lock(strings.TrimSpace(paymentID))
}

// Exists reports whether a payment id has been used.
func (l *Ledger) Exists(paymentID string) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	_, ok := l.records[strings.TrimSpace(paymentID)]
	return ok
}

// Create inserts a new record in the initiated state.
func (l *Ledger) Create(ctx context.Context, rec Record) (Record, error) {
	rec.PaymentID = strings.TrimSpace(rec.PaymentID)
	if rec.PaymentID == "" {
		return Record{}, ErrInvalidPaymentID
	}
	if !rec.Direction.Valid() {
		return Record{}, fmt.Errorf("%w: unknown direction %q", ErrInvalidState, rec.Direction)
	}
	now := l.clock().UTC()
	rec = rec.Clone()
	rec.Status = StatusInitiated
	rec.CreatedAt = now
	rec.UpdatedAt = now

	l.mu.Lock()
	if _, exists := l.records[rec.PaymentID]; exists {
		l.mu.Unlock()
		return Record{}, ErrDuplicateConversion
	}
	if l.store != nil {
		inserted, err := l.store.InsertConversion(ctx, toStorage(rec))
		if err != nil {
			l.mu.Unlock()
			return Record{}, fmt.Errorf("persist conversion: %w", err)
		}
		if !inserted {
			l.mu.Unlock()
			return Record{}, ErrDuplicateConversion
		}
	}
	stored := rec.Clone()
	l.records[rec.PaymentID] = &stored
	l.mu.Unlock()

	l.emit(ctx, rec, "", StatusInitiated)
	return rec, nil
}

// Transition moves a record from one status to another, applying mutate to
// the record before it is stored. It fails with ErrInvalidState when the
// record is not currently in from or the edge is not allowed.
func (l *Ledger) Transition(ctx context.Context, paymentID string, from, to Status, mutate func(*Record) error) (Record, error) {
	if !CanTransition(from, to) {
		return Record{}, fmt.Errorf("%w: %s -> %s not allowed", ErrInvalidState, from, to)
	}
	paymentID = strings.TrimSpace(paymentID)
	l.mu.Lock()
	current, ok := l.records[paymentID]
	if !ok {
		l.mu.Unlock()
		return Record{}, ErrUnknownConversion
	}
	if current.Status != from {
		status := current.Status
		l.mu.Unlock()
		return Record{}, fmt.Errorf("%w: %s is %s, expected %s", ErrInvalidState, paymentID, status, from)
	}
	next := current.Clone()
	if mutate != nil {
		if err := mutate(&next); err != nil {
			l.mu.Unlock()
			return Record{}, err
		}
	}
	next.PaymentID = current.PaymentID
	next.Status = to
	next.UpdatedAt = l.clock().UTC()
	if l.store != nil {
		updated, err := l.store.UpdateConversion(ctx, toStorage(next), string(from))
		if err != nil {
			l.mu.Unlock()
			return Record{}, fmt.Errorf("persist transition: %w", err)
		}
		if !updated {
			l.mu.Unlock()
			return Record{}, fmt.Errorf("%w: %s changed concurrently", ErrInvalidState, paymentID)
		}
	}
	stored := next.Clone()
	l.records[paymentID] = &stored
	l.mu.Unlock()

	l.emit(ctx, next, from, to)
	return next, nil
}

// Get returns a copy of a record.
func (l *Ledger) Get(paymentID string) (Record, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	rec, ok := l.records[strings.TrimSpace(paymentID)]
	if !ok {
		return Record{}, ErrUnknownConversion
	}
	return rec.Clone(), nil
}

// List returns matching records ordered by creation time.
func (l *Ledger) List(filter Filter) []Record {
	l.mu.RLock()
	out := make([]Record, 0)
	for _, rec := range l.records {
		if filter.Status != "" && rec.Status != filter.Status {
			continue
		}
		if filter.Direction != "" && rec.Direction != filter.Direction {
			continue
		}
		if filter.User != "" && !strings.EqualFold(rec.User, filter.User) {
			continue
		}
		if filter.Asset != "" && !strings.EqualFold(rec.Asset, filter.Asset) {
			continue
		}
		out = append(out, rec.Clone())
	}
	l.mu.RUnlock()
	sortByCreation(out)
	return out
}

// Stale returns records in status whose last update happened before cutoff.
func (l *Ledger) Stale(status Status, cutoff time.Time) []Record {
	l.mu.RLock()
	out := make([]Record, 0)
	for _, rec := range l.records {
		if rec.Status == status && rec.UpdatedAt.Before(cutoff) {
			out = append(out, rec.Clone())
		}
	}
	l.mu.RUnlock()
	sortByCreation(out)
	return out
}

func (l *Ledger) emit(ctx context.Context, rec Record, from, to Status) {
	if l.emitter == nil {
		return
	}
	ev := eventFor(rec, from, to)
	if _, err := l.emitter.Emit(ctx, ev); err != nil {
		slog.Error("exchanged/conversion: emit event", "payment_id", rec.PaymentID, "type", ev.Type, "error", err)
	}
}

func eventFor(rec Record, from, to Status) events.Event {
	ev := events.Event{
		PaymentID:        rec.PaymentID,
		User:             rec.User,
		Asset:            rec.Asset,
		Direction:        string(rec.Direction),
		Status:           string(to),
		PixAmount:        rec.PixAmount.String(),
		StablecoinAmount: rec.StablecoinAmount.String(),
		Nonce:            rec.Nonce,
		BankReference:    rec.BankReference,
		OccurredAt:       rec.UpdatedAt,
	}
	if rec.Fee != nil && rec.Fee.Sign() > 0 {
		ev.Fee = rec.Fee.String()
	}
	switch {
	case from == "" && rec.Direction == DirectionPixToStable:
		ev.Type = events.TypePixToStablecoinInitiated
	case from == "":
		ev.Type = events.TypeStablecoinToPixInitiated
		ev.PixKey = rec.PixKey
	case to == StatusConfirmed:
		ev.Type = events.TypePixConfirmed
	case to == StatusCompleted && rec.Direction == DirectionPixToStable:
		ev.Type = events.TypeStablecoinTransferred
	case to == StatusCompleted:
		ev.Type = events.TypePixTransferred
	default:
		ev.Type = events.TypeConversionFailed
		ev.Reason = rec.FailureReason
	}
	return ev
}

func sortByCreation(records []Record) {
	sort.Slice(records, func(i, j int) bool {
		if records[i].CreatedAt.Equal(records[j].CreatedAt) {
			return records[i].PaymentID < records[j].PaymentID
		}
		return records[i].CreatedAt.Before(records[j].CreatedAt)
	})
}

func toStorage(rec Record) storage.ConversionRecord {
	return storage.ConversionRecord{
		PaymentID:     rec.PaymentID,
		User:          rec.User,
		Direction:     string(rec.Direction),
		Asset:         rec.Asset,
		PixAmount:     rec.PixAmount,
		StableAmount:  rec.StablecoinAmount,
		Fee:           rec.Fee,
		PixKey:        rec.PixKey,
		Nonce:         rec.Nonce,
		Status:        string(rec.Status),
		BankReference: rec.BankReference,
		FailureReason: rec.FailureReason,
		CreatedAt:     rec.CreatedAt,
		UpdatedAt:     rec.UpdatedAt,
	}
}

func fromStorage(rec storage.ConversionRecord) Record {
	return Record{
		PaymentID:        rec.PaymentID,
		User:             rec.User,
		Direction:        Direction(rec.Direction),
		Asset:            rec.Asset,
		PixAmount:        cloneBig(rec.PixAmount),
		StablecoinAmount: cloneBig(rec.StableAmount),
		Fee:              cloneBig(rec.Fee),
		PixKey:           rec.PixKey,
		Nonce:            rec.Nonce,
		Status:           Status(rec.Status),
		BankReference:    rec.BankReference,
		FailureReason:    rec.FailureReason,
		CreatedAt:        rec.CreatedAt,
		UpdatedAt:        rec.UpdatedAt,
	}
}
