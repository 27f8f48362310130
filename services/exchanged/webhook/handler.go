package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"pixexchange/observability"
	"pixexchange/observability/logging"
	"pixexchange/services/exchanged/conversion"
	"pixexchange/services/exchanged/oracle"
	"pixexchange/services/exchanged/pixrail"
	"pixexchange/services/exchanged/registry"
)

const (
	// HeaderSignature carries the hex HMAC-SHA256 of the request body.
	HeaderSignature     = "X-Pix-Signature"
	maxWebhookBodyBytes = 1 << 20

	KindReceived = "PIX_RECEBIDO"
	KindSent     = "PIX_ENVIADO"
)

// Reporter records an observed bank transfer.
type Reporter interface {
	Report(ctx context.Context, party oracle.Party, paymentID string, amount *big.Int, bankReference string) (oracle.Report, error)
}

// Conversions resolves the conversion a notification refers to.
type Conversions interface {
	Get(paymentID string) (conversion.Record, error)
}

// Assets resolves asset scales.
type Assets interface {
	Stablecoin(asset string) (registry.Stablecoin, error)
}

// Config captures the handler options.
type Config struct {
	Secret  string
	Party   oracle.Party
	Timeout time.Duration
}

// Handler turns signed rail notifications into oracle reports.
type Handler struct {
	secret      string
	party       oracle.Party
	timeout     time.Duration
	store       *Store
	reporter    Reporter
	conversions Conversions
	assets      Assets
	clock       func() time.Time
	metrics     *observability.WebhookMetrics
}

// NewHandler wires the webhook handler with its dependencies.
func NewHandler(cfg Config, store *Store, reporter Reporter, conversions Conversions, assets Assets) (*Handler, error) {
	if store == nil {
		return nil, fmt.Errorf("notification store required")
	}
	if reporter == nil || conversions == nil || assets == nil {
		return nil, fmt.Errorf("reporter, conversions and assets required")
	}
	if strings.TrimSpace(cfg.Secret) == "" {
		return nil, fmt.Errorf("webhook secret required")
	}
	party := cfg.Party
	if strings.TrimSpace(party.ID) == "" {
		party = oracle.Party{ID: "pix-webhook", Roles: []oracle.Role{oracle.RoleReporter}}
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Handler{
		secret:      strings.TrimSpace(cfg.Secret),
		party:       party,
		timeout:     timeout,
		store:       store,
		reporter:    reporter,
		conversions: conversions,
		assets:      assets,
		clock:       time.Now,
		metrics:     observability.Webhook(),
	}, nil
}

// Notification is the rail's callback body.
type Notification struct {
	Kind string  `json:"tipo"`
	Pix  []Entry `json:"pix"`
}

// Entry is a single settled PIX in a notification.
type Entry struct {
	EndToEndID string `json:"endToEndId"`
	TxID       string `json:"txid"`
	IDEnvio    string `json:"idEnvio"`
	Valor      string `json:"valor"`
	Horario    string `json:"horario"`
}

// Result is the per-entry processing outcome.
type Result struct {
	EndToEndID string `json:"endToEndId"`
	PaymentID  string `json:"paymentId,omitempty"`
	Outcome    string `json:"outcome"`
	Error      string `json:"error,omitempty"`
}

// ServeHTTP verifies and processes a notification.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	reader := http.MaxBytesReader(w, r.Body, maxWebhookBodyBytes)
	body, err := io.ReadAll(reader)
	_ = r.Body.Close()
	if err != nil {
		h.writeError(w, http.StatusBadRequest, fmt.Errorf("read webhook: %w", err))
		return
	}
	if signature := r.Header.Get(HeaderSignature); !VerifySignature(h.secret, body, signature) {
		slog.Warn("exchanged/webhook: signature mismatch", logging.MaskField("signature", signature), logging.MaskField("payload", string(body)), "body_bytes", len(body))
		h.metrics.RecordNotification("", "unauthorized")
		h.writeError(w, http.StatusUnauthorized, errors.New("invalid webhook signature"))
		return
	}
	var note Notification
	if err := json.Unmarshal(body, &note); err != nil {
		h.writeError(w, http.StatusBadRequest, fmt.Errorf("invalid payload: %w", err))
		return
	}
	kind := strings.ToUpper(strings.TrimSpace(note.Kind))
	if kind != KindReceived && kind != KindSent {
		h.writeError(w, http.StatusBadRequest, fmt.Errorf("unsupported notification %q", note.Kind))
		return
	}
	if len(note.Pix) == 0 {
		h.writeError(w, http.StatusBadRequest, errors.New("notification carries no pix"))
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()
	results := make([]Result, 0, len(note.Pix))
	for _, entry := range note.Pix {
		results = append(results, h.process(ctx, kind, entry))
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"results": results})
}

func (h *Handler) process(ctx context.Context, kind string, entry Entry) Result {
	e2e := strings.TrimSpace(entry.EndToEndID)
	paymentID := strings.TrimSpace(entry.TxID)
	if kind == KindSent {
		paymentID = strings.TrimSpace(entry.IDEnvio)
	}
	result := Result{EndToEndID: e2e, PaymentID: paymentID}
	if e2e == "" || paymentID == "" {
		result.Outcome = "invalid"
		result.Error = "endToEndId and payment id required"
		h.metrics.RecordNotification(kind, result.Outcome)
		return result
	}
	state, err := h.store.Reserve(e2e)
	if err != nil {
		result.Outcome, result.Error = "error", err.Error()
		return result
	}
	switch state {
	case StateDone:
		result.Outcome = "duplicate"
		h.metrics.RecordNotification(kind, result.Outcome)
		return result
	case StatePending:
		result.Outcome = "pending"
		return result
	}

	outcome, err := h.report(ctx, paymentID, e2e, entry.Valor)
	result.Outcome = outcome
	if err != nil {
		result.Error = err.Error()
	}
	h.metrics.RecordNotification(kind, outcome)
	if outcome == "error" {
		if rerr := h.store.Release(e2e); rerr != nil {
			slog.Error("exchanged/webhook: release notification", logging.MaskField("end_to_end_id", e2e), "error", rerr)
		}
		return result
	}
	if merr := h.store.MarkDone(e2e, outcome); merr != nil {
		slog.Error("exchanged/webhook: mark notification", logging.MaskField("end_to_end_id", e2e), "error", merr)
	}
	if settled, ok := parseTimestamp(entry.Horario); ok && outcome == "reported" {
		age := h.clock().Sub(settled)
		if age < 0 {
			age = 0
		}
		h.metrics.RecordFreshness(kind, age)
	}
	slog.Info("exchanged/webhook: notification processed", "kind", kind, "payment_id", paymentID, logging.MaskField("end_to_end_id", e2e), "outcome", outcome)
	return result
}

// report resolves the amount at the asset's scale and files the report.
// Outcomes other than "error" are final for the end-to-end id.
func (h *Handler) report(ctx context.Context, paymentID, e2e, valor string) (string, error) {
	rec, err := h.conversions.Get(paymentID)
	if err != nil {
		if errors.Is(err, conversion.ErrUnknownConversion) {
			return "unknown", err
		}
		return "error", err
	}
	coin, err := h.assets.Stablecoin(rec.Asset)
	if err != nil {
		return "error", err
	}
	value, err := decimal.NewFromString(strings.TrimSpace(valor))
	if err != nil || !value.IsPositive() {
		return "invalid", fmt.Errorf("invalid valor %q", valor)
	}
	amount := pixrail.FromBRL(value, coin.Decimals)
	if _, err := h.reporter.Report(ctx, h.party, paymentID, amount, e2e); err != nil {
		switch {
		case errors.Is(err, oracle.ErrAmountMismatch):
			return "mismatch", err
		case errors.Is(err, conversion.ErrInvalidState), errors.Is(err, conversion.ErrUnknownConversion):
			return "stale", err
		default:
			return "error", err
		}
	}
	return "reported", nil
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		slog.Error("exchanged/webhook: encode response", "error", err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, err error) {
	slog.Warn("exchanged/webhook: rejected notification", "status", status, "error", err)
	h.writeJSON(w, status, map[string]string{"error": err.Error()})
}

// Sign returns the hex HMAC-SHA256 of body under secret.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature validates the body signature in constant time.
func VerifySignature(secret string, body []byte, provided string) bool {
	if strings.TrimSpace(secret) == "" {
		return false
	}
	cleaned := strings.TrimSpace(strings.ToLower(provided))
	cleaned = strings.TrimPrefix(cleaned, "sha256=")
	if cleaned == "" {
		return false
	}
	decoded, err := hex.DecodeString(cleaned)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hmac.Equal(mac.Sum(nil), decoded)
}

func parseTimestamp(value string) (time.Time, bool) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return time.Time{}, false
	}
	ts, err := time.Parse(time.RFC3339, trimmed)
	if err != nil {
		return time.Time{}, false
	}
	return ts.UTC(), true
}
