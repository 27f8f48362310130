package oracle

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

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"pixexchange/observability/logging"
	"pixexchange/services/exchanged/conversion"
	"pixexchange/services/exchanged/storage"
)

// Role is an oracle authorisation level.
type Role string

const (
	// RoleReporter may record unconfirmed settlement observations.
	RoleReporter Role = "reporter"
	// RoleConfirmer may promote a matching report to a confirmation.
	RoleConfirmer Role = "confirmer"
)

var (
	ErrUnauthorized      = errors.New("oracle party not authorised")
	ErrAmountMismatch    = errors.New("reported amount does not match conversion")
	ErrNotReported       = errors.New("conversion has no matching report")
	ErrReferenceMismatch = errors.New("bank reference does not match report")
	ErrInvalidAmount     = errors.New("reported amount must be positive")
)

// Party is an authenticated oracle caller.
type Party struct {
	ID    string
	Roles []Role
}

// Has reports whether the party holds role.
func (p Party) Has(role Role) bool {
	for _, r := range p.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// Report is an unconfirmed settlement observation.
type Report struct {
	PaymentID     string
	Reporter      string
	Amount        *big.Int
	BankReference string
	ReportedAt    time.Time
}

// Conversions is the slice of the conversion ledger the gateway drives.
type Conversions interface {
	Get(paymentID string) (conversion.Record, error)
	Lock(paymentID string) func()
	Transition(ctx context.Context, paymentID string, from, to conversion.Status, mutate func(*conversion.Record) error) (conversion.Record, error)
}

// Store persists outstanding reports.
type Store interface {
	SaveReport(ctx context.Context, rec storage.ReportRecord) error
	DeleteReport(ctx context.Context, paymentID string) error
	LoadReports(ctx context.Context) ([]storage.ReportRecord, error)
}

// Gateway is the only path by which an off-chain PIX settlement is attested.
type Gateway struct {
	mu              sync.Mutex
	reports         map[string]Report
	conversions     Conversions
	store           Store
	requireDistinct bool
	clock           func() time.Time
	tracer          trace.Tracer
}

// Option customises a Gateway.
type Option func(*Gateway)

// WithStore wires report persistence.
func WithStore(store Store) Option {
	return func(g *Gateway) {
		g.store = store
	}
}

// WithDistinctParties rejects confirmations issued by the party that filed
// the report.
func WithDistinctParties(required bool) Option {
	return func(g *Gateway) {
		g.requireDistinct = required
	}
}

// WithClock overrides the time source.
func WithClock(clock func() time.Time) Option {
	return func(g *Gateway) {
		if clock != nil {
			g.clock = clock
		}
	}
}

// NewGateway constructs a gateway over the conversion ledger and restores
// outstanding reports.
func NewGateway(ctx context.Context, conversions Conversions, opts ...Option) (*Gateway, error) {
	if conversions == nil {
		return nil, fmt.Errorf("conversion ledger required")
	}
	g := &Gateway{
		reports:     make(map[string]Report),
		conversions: conversions,
		clock:       time.Now,
		tracer:      otel.Tracer("exchanged/oracle"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(g)
		}
	}
	if g.store != nil {
		records, err := g.store.LoadReports(ctx)
		if err != nil {
			return nil, fmt.Errorf("load reports: %w", err)
		}
		for _, rec := range records {
			g.reports[rec.PaymentID] = Report{
				PaymentID:     rec.PaymentID,
				Reporter:      rec.Reporter,
				Amount:        rec.Amount,
				BankReference: rec.BankReference,
				ReportedAt:    rec.ReportedAt,
			}
		}
	}
	return g, nil
}

// Report records an observation that amount settled for paymentID. A later
// report for the same id replaces the earlier one.
func (g *Gateway) Report(ctx context.Context, party Party, paymentID string, amount *big.Int, bankReference string) (report Report, err error) {
	ctx, span := g.tracer.Start(ctx, "oracle.report", trace.WithAttributes(attribute.String("payment_id", paymentID)))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()
	if !party.Has(RoleReporter) {
		return Report{}, ErrUnauthorized
	}
	if amount == nil || amount.Sign() <= 0 {
		return Report{}, ErrInvalidAmount
	}
	paymentID = strings.TrimSpace(paymentID)
	unlock := g.conversions.Lock(paymentID)
	defer unlock()

	rec, err := g.conversions.Get(paymentID)
	if err != nil {
		return Report{}, err
	}
	if rec.Status != conversion.StatusInitiated {
		return Report{}, fmt.Errorf("%w: %w: %s is %s", conversion.ErrUnknownConversion, conversion.ErrInvalidState, paymentID, rec.Status)
	}
	if rec.PixAmount.Cmp(amount) != 0 {
		slog.Warn("exchanged/oracle: amount mismatch", "payment_id", paymentID, "reporter", party.ID, "expected", rec.PixAmount.String(), "reported", amount.String())
		return Report{}, ErrAmountMismatch
	}
	report = Report{
		PaymentID:     paymentID,
		Reporter:      party.ID,
		Amount:        new(big.Int).Set(amount),
		BankReference: strings.TrimSpace(bankReference),
		ReportedAt:    g.clock().UTC(),
	}
	if g.store != nil {
		if err := g.store.SaveReport(ctx, storage.ReportRecord{
			PaymentID:     report.PaymentID,
			Reporter:      report.Reporter,
			Amount:        report.Amount,
			BankReference: report.BankReference,
			ReportedAt:    report.ReportedAt,
		}); err != nil {
			return Report{}, fmt.Errorf("persist report: %w", err)
		}
	}
	g.mu.Lock()
	g.reports[paymentID] = report
	g.mu.Unlock()
	slog.Info("exchanged/oracle: settlement reported", "payment_id", paymentID, "reporter", party.ID, logging.MaskField("bank_reference", report.BankReference))
	return report, nil
}

// Confirm promotes a matching report, moving the conversion from initiated to
// confirmed. bankReference is optional; when supplied it must equal the
// reported one.
func (g *Gateway) Confirm(ctx context.Context, party Party, paymentID, bankReference string) (rec conversion.Record, err error) {
	ctx, span := g.tracer.Start(ctx, "oracle.confirm", trace.WithAttributes(attribute.String("payment_id", paymentID)))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()
	if !party.Has(RoleConfirmer) {
		return conversion.Record{}, ErrUnauthorized
	}
	paymentID = strings.TrimSpace(paymentID)
	unlock := g.conversions.Lock(paymentID)
	defer unlock()

	g.mu.Lock()
	report, ok := g.reports[paymentID]
	g.mu.Unlock()
	if !ok {
		return conversion.Record{}, ErrNotReported
	}
	if g.requireDistinct && report.Reporter == party.ID {
		return conversion.Record{}, fmt.Errorf("%w: confirmer must differ from reporter", ErrUnauthorized)
	}
	bankReference = strings.TrimSpace(bankReference)
	if bankReference != "" && report.BankReference != "" && bankReference != report.BankReference {
		return conversion.Record{}, ErrReferenceMismatch
	}
	if bankReference == "" {
		bankReference = report.BankReference
	}
	rec, err = g.conversions.Transition(ctx, paymentID, conversion.StatusInitiated, conversion.StatusConfirmed, func(r *conversion.Record) error {
		if r.PixAmount.Cmp(report.Amount) != 0 {
			return ErrAmountMismatch
		}
		r.BankReference = bankReference
		return nil
	})
	if err != nil {
		return conversion.Record{}, err
	}
	g.discard(ctx, paymentID)
	slog.Info("exchanged/oracle: settlement confirmed", "payment_id", paymentID, "confirmer", party.ID, "reporter", report.Reporter)
	return rec, nil
}

// Pending returns outstanding reports ordered by report time.
func (g *Gateway) Pending() []Report {
	g.mu.Lock()
	out := make([]Report, 0, len(g.reports))
	for _, r := range g.reports {
		out = append(out, r)
	}
	g.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		return out[i].ReportedAt.Before(out[j].ReportedAt)
	})
	return out
}

// Prune drops reports whose conversion is no longer awaiting confirmation.
func (g *Gateway) Prune(ctx context.Context) int {
	removed := 0
	for _, report := range g.Pending() {
		rec, err := g.conversions.Get(report.PaymentID)
		if err == nil && rec.Status == conversion.StatusInitiated {
			continue
		}
		g.discard(ctx, report.PaymentID)
		removed++
	}
	return removed
}

func (g *Gateway) discard(ctx context.Context, paymentID string) {
	g.mu.Lock()
	delete(g.reports, paymentID)
	g.mu.Unlock()
	if g.store != nil {
		if err := g.store.DeleteReport(ctx, paymentID); err != nil {
			slog.Warn("exchanged/oracle: delete report", "payment_id", paymentID, "error", err)
		}
	}
}
