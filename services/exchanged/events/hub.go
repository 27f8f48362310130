package events

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"pixexchange/observability"
	"pixexchange/services/exchanged/storage"
)

const defaultQueueSize = 1024

// Journal durably records emitted events.
type Journal interface {
	AppendEvent(ctx context.Context, rec storage.EventRecord) (int64, error)
	EventsAfter(ctx context.Context, after int64, paymentID string, limit int) ([]storage.EventRecord, error)
}

// Sink forwards events to an external system.
type Sink interface {
	Name() string
	Publish(ctx context.Context, ev Event) error
	Close() error
}

// Subscription receives events in emission order. Slow subscribers drop
// events rather than stall emitters; the journal remains authoritative.
type Subscription struct {
	C      <-chan Event
	ch     chan Event
	types  map[Type]struct{}
	hub    *Hub
	id     int
	closed bool
}

// Close detaches the subscription and closes its channel.
func (s *Subscription) Close() {
	s.hub.unsubscribe(s.id)
}

func (s *Subscription) wants(t Type) bool {
	if len(s.types) == 0 {
		return true
	}
	_, ok := s.types[t]
	return ok
}

// Hub journals conversion events, fans them out to in-process subscribers and
// queues them for remote sinks.
type Hub struct {
	mu      sync.Mutex
	journal Journal
	subs    map[int]*Subscription
	nextSub int
	sinks   []Sink
	queue   chan Event
	entropy io.Reader
	clock   func() time.Time
	metrics interface {
		RecordEmit(string)
		RecordForward(string, error)
	}
}

// HubOption customises a Hub.
type HubOption func(*Hub)

// WithJournal wires durable event storage.
func WithJournal(j Journal) HubOption {
	return func(h *Hub) {
		h.journal = j
	}
}

// WithSinks registers remote sinks drained by Run.
func WithSinks(sinks ...Sink) HubOption {
	return func(h *Hub) {
		for _, s := range sinks {
			if s != nil {
				h.sinks = append(h.sinks, s)
			}
		}
	}
}

// WithQueueSize overrides the remote delivery buffer.
func WithQueueSize(n int) HubOption {
	return func(h *Hub) {
		if n > 0 {
			h.queue = make(chan Event, n)
		}
	}
}

// WithClock overrides the time source used to stamp events.
func WithClock(clock func() time.Time) HubOption {
	return func(h *Hub) {
		if clock != nil {
			h.clock = clock
		}
	}
}

// NewHub constructs a Hub.
func NewHub(opts ...HubOption) *Hub {
	h := &Hub{
		subs:    make(map[int]*Subscription),
		queue:   make(chan Event, defaultQueueSize),
		entropy: ulid.Monotonic(rand.Reader, 0),
		clock:   time.Now,
		metrics: observability.Events(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

// Emit stamps, journals and distributes an event. The returned event carries
// its id and sequence number.
func (h *Hub) Emit(ctx context.Context, ev Event) (Event, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = h.clock().UTC()
	}
	id, err := ulid.New(ulid.Timestamp(ev.OccurredAt), h.entropy)
	if err != nil {
		return ev, fmt.Errorf("event id: %w", err)
	}
	ev.ID = id.String()
	if h.journal != nil {
		payload, err := json.Marshal(ev)
		if err != nil {
			return ev, fmt.Errorf("encode event: %w", err)
		}
		seq, err := h.journal.AppendEvent(ctx, storage.EventRecord{
			ID:         ev.ID,
			Type:       string(ev.Type),
			PaymentID:  ev.PaymentID,
			Payload:    payload,
			OccurredAt: ev.OccurredAt,
		})
		if err != nil {
			return ev, fmt.Errorf("journal event: %w", err)
		}
		ev.Sequence = seq
	}
	h.metrics.RecordEmit(string(ev.Type))
	for _, sub := range h.subs {
		if !sub.wants(ev.Type) {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			slog.Warn("exchanged/events: subscriber lagging, event dropped", "subscriber", sub.id, "payment_id", ev.PaymentID, "type", ev.Type)
		}
	}
	if len(h.sinks) > 0 {
		select {
		case h.queue <- ev:
		default:
			h.metrics.RecordForward("queue", fmt.Errorf("queue full"))
			slog.Warn("exchanged/events: forward queue full", "payment_id", ev.PaymentID, "sequence", ev.Sequence)
		}
	}
	return ev, nil
}

// Subscribe registers an in-process listener. An empty type list receives
// every event.
func (h *Hub) Subscribe(buffer int, types ...Type) *Subscription {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Event, buffer)
	sub := &Subscription{C: ch, ch: ch, hub: h}
	if len(types) > 0 {
		sub.types = make(map[Type]struct{}, len(types))
		for _, t := range types {
			sub.types[t] = struct{}{}
		}
	}
	h.mu.Lock()
	h.nextSub++
	sub.id = h.nextSub
	h.subs[sub.id] = sub
	h.mu.Unlock()
	return sub
}

func (h *Hub) unsubscribe(id int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	sub, ok := h.subs[id]
	if !ok || sub.closed {
		return
	}
	sub.closed = true
	delete(h.subs, id)
	close(sub.ch)
}

// Replay returns journaled events after the supplied sequence number.
func (h *Hub) Replay(ctx context.Context, after int64, paymentID string, limit int) ([]Event, error) {
	if h.journal == nil {
		return nil, fmt.Errorf("event journal not configured")
	}
	records, err := h.journal.EventsAfter(ctx, after, paymentID, limit)
	if err != nil {
		return nil, err
	}
	out := make([]Event, 0, len(records))
	for _, rec := range records {
		var ev Event
		if err := json.Unmarshal(rec.Payload, &ev); err != nil {
			return nil, fmt.Errorf("decode event %s: %w", rec.ID, err)
		}
		ev.Sequence = rec.Seq
		out = append(out, ev)
	}
	return out, nil
}

// Run forwards queued events to every sink until ctx is cancelled.
func (h *Hub) Run(ctx context.Context) error {
	defer func() {
		for _, sink := range h.sinks {
			if err := sink.Close(); err != nil {
				slog.Warn("exchanged/events: close sink", "sink", sink.Name(), "error", err)
			}
		}
	}()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-h.queue:
			h.forward(ctx, ev)
		}
	}
}

func (h *Hub) forward(ctx context.Context, ev Event) {
	for _, sink := range h.sinks {
		err := sink.Publish(ctx, ev)
		h.metrics.RecordForward(sink.Name(), err)
		if err != nil {
			slog.Error("exchanged/events: forward failed", "sink", sink.Name(), "payment_id", ev.PaymentID, "sequence", ev.Sequence, "error", err)
		}
	}
}
