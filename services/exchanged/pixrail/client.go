package pixrail

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const (
	defaultTimeout    = 30 * time.Second
	defaultRetries    = 3
	defaultBackoff    = 500 * time.Millisecond
	maxBackoff        = 10 * time.Second
	defaultExpiration = time.Hour
)

var (
	ErrNotFound    = errors.New("pixrail: not found")
	ErrRejected    = errors.New("pixrail: request rejected")
	ErrUnavailable = errors.New("pixrail: rail unavailable")
	ErrMalformed   = errors.New("pixrail: malformed response")
)

// Config defines the HTTP client settings for the PIX rail.
type Config struct {
	BaseURL     string
	Token       string
	// ReceiverKey is the PIX key charges are paid into.
	ReceiverKey string
	Timeout     time.Duration
	MaxRetries  int
	Backoff     time.Duration
	Expiration  time.Duration
	HTTPClient  *http.Client
}

// Client talks to a BCB-style PIX API.
type Client struct {
	baseURL     string
	token       string
	receiverKey string
	retries     int
	backoff     time.Duration
	expiration  time.Duration
	httpClient  *http.Client
	sleep       func(context.Context, time.Duration) error
}

// State is the normalised settlement state of a charge or transfer.
type State string

const (
	StatePending State = "pending"
	StateSettled State = "settled"
	StateFailed  State = "failed"
)

// Charge is an inbound PIX collection.
type Charge struct {
	TxID          string
	PixCopiaECola string
	Location      string
	Amount        decimal.Decimal
	Expiration    time.Duration
	Status        string
}

// Transfer is an outbound PIX payment.
type Transfer struct {
	ID         string
	EndToEndID string
	Status     string
}

// Settlement reports whether the rail considers a payment done.
type Settlement struct {
	ID         string
	State      State
	Amount     decimal.Decimal
	EndToEndID string
	RawStatus  string
}

// NewClient constructs a client with sane defaults.
func NewClient(cfg Config) (*Client, error) {
	base := strings.TrimSpace(cfg.BaseURL)
	if base == "" {
		return nil, fmt.Errorf("pixrail: base url required")
	}
	if _, err := url.Parse(base); err != nil {
		return nil, fmt.Errorf("pixrail: base url: %w", err)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	retries := cfg.MaxRetries
	if retries < 0 {
		retries = 0
	} else if retries == 0 {
		retries = defaultRetries
	}
	backoff := cfg.Backoff
	if backoff <= 0 {
		backoff = defaultBackoff
	}
	expiration := cfg.Expiration
	if expiration <= 0 {
		expiration = defaultExpiration
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		}
	}
	return &Client{
		baseURL:     strings.TrimRight(base, "/"),
		token:       strings.TrimSpace(cfg.Token),
		receiverKey: strings.TrimSpace(cfg.ReceiverKey),
		retries:     retries,
		backoff:     backoff,
		expiration:  expiration,
		httpClient:  httpClient,
		sleep:       sleepContext,
	}, nil
}

// NewTxID derives a charge identifier accepted by the rail (26-35
// alphanumerics).
func NewTxID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

type chargeRequest struct {
	Calendario struct {
		Expiracao int64 `json:"expiracao"`
	} `json:"calendario"`
	Valor struct {
		Original string `json:"original"`
	} `json:"valor"`
	Chave              string `json:"chave"`
	SolicitacaoPagador string `json:"solicitacaoPagador,omitempty"`
}

type chargeResponse struct {
	TxID       string `json:"txid"`
	Status     string `json:"status"`
	Location   string `json:"location"`
	PixCopiaEC string `json:"pixCopiaECola"`
	Calendario struct {
		Expiracao int64 `json:"expiracao"`
	} `json:"calendario"`
	Valor struct {
		Original string `json:"original"`
	} `json:"valor"`
	Pix []struct {
		EndToEndID string `json:"endToEndId"`
		Valor      string `json:"valor"`
	} `json:"pix"`
}

// CreateCharge registers an immediate charge for amount under txid. An empty
// txid is generated.
func (c *Client) CreateCharge(ctx context.Context, txid string, amount decimal.Decimal, description string) (Charge, error) {
	if c == nil {
		return Charge{}, fmt.Errorf("pixrail: client not configured")
	}
	if strings.TrimSpace(txid) == "" {
		txid = NewTxID()
	}
	valor, err := formatValor(amount)
	if err != nil {
		return Charge{}, err
	}
	var body chargeRequest
	body.Calendario.Expiracao = int64(c.expiration / time.Second)
	body.Valor.Original = valor
	body.Chave = c.receiverKey
	body.SolicitacaoPagador = description

	var resp chargeResponse
	if err := c.do(ctx, http.MethodPut, "/cob/"+url.PathEscape(txid), body, &resp); err != nil {
		return Charge{}, fmt.Errorf("create charge: %w", err)
	}
	charged, err := parseValor(resp.Valor.Original)
	if err != nil {
		return Charge{}, fmt.Errorf("create charge: %w", err)
	}
	if charged.IsZero() {
		charged = amount
	}
	if resp.TxID == "" {
		resp.TxID = txid
	}
	exp := c.expiration
	if resp.Calendario.Expiracao > 0 {
		exp = time.Duration(resp.Calendario.Expiracao) * time.Second
	}
	return Charge{
		TxID:          resp.TxID,
		PixCopiaECola: resp.PixCopiaEC,
		Location:      resp.Location,
		Amount:        charged,
		Expiration:    exp,
		Status:        resp.Status,
	}, nil
}

type transferRequest struct {
	Valor   string `json:"valor"`
	Pagador struct {
		Chave       string `json:"chave"`
		InfoPagador string `json:"infoPagador,omitempty"`
	} `json:"pagador"`
	Favorecido struct {
		Chave string `json:"chave"`
	} `json:"favorecido"`
}

type transferResponse struct {
	IDEnvio    string `json:"idEnvio"`
	EndToEndID string `json:"e2eId"`
	Status     string `json:"status"`
	Valor      string `json:"valor"`
}

// SendTransfer pays amount to pixKey. id is the idempotency key; resending
// the same id does not pay twice.
func (c *Client) SendTransfer(ctx context.Context, id string, amount decimal.Decimal, pixKey, info string) (Transfer, error) {
	if c == nil {
		return Transfer{}, fmt.Errorf("pixrail: client not configured")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return Transfer{}, fmt.Errorf("pixrail: transfer id required")
	}
	valor, err := formatValor(amount)
	if err != nil {
		return Transfer{}, err
	}
	var body transferRequest
	body.Valor = valor
	body.Pagador.Chave = c.receiverKey
	body.Pagador.InfoPagador = info
	body.Favorecido.Chave = strings.TrimSpace(pixKey)

	var resp transferResponse
	if err := c.do(ctx, http.MethodPut, "/pix/"+url.PathEscape(id), body, &resp); err != nil {
		return Transfer{}, fmt.Errorf("send transfer: %w", err)
	}
	if resp.IDEnvio == "" {
		resp.IDEnvio = id
	}
	return Transfer{ID: resp.IDEnvio, EndToEndID: resp.EndToEndID, Status: resp.Status}, nil
}

// GetStatus resolves id as a charge first and as an outbound transfer when
// no charge exists.
func (c *Client) GetStatus(ctx context.Context, id string) (Settlement, error) {
	if c == nil {
		return Settlement{}, fmt.Errorf("pixrail: client not configured")
	}
	id = strings.TrimSpace(id)
	var charge chargeResponse
	err := c.do(ctx, http.MethodGet, "/cob/"+url.PathEscape(id), nil, &charge)
	if err == nil {
		out := Settlement{ID: id, State: chargeState(charge.Status), RawStatus: charge.Status}
		valor := charge.Valor.Original
		if len(charge.Pix) > 0 {
			out.EndToEndID = charge.Pix[0].EndToEndID
			valor = charge.Pix[0].Valor
		}
		if out.Amount, err = parseValor(valor); err != nil {
			return Settlement{}, fmt.Errorf("charge status %s: %w", id, err)
		}
		return out, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return Settlement{}, fmt.Errorf("charge status: %w", err)
	}
	var transfer transferResponse
	if err := c.do(ctx, http.MethodGet, "/pix/enviados/id-envio/"+url.PathEscape(id), nil, &transfer); err != nil {
		return Settlement{}, fmt.Errorf("transfer status: %w", err)
	}
	out := Settlement{ID: id, State: transferState(transfer.Status), EndToEndID: transfer.EndToEndID, RawStatus: transfer.Status}
	if out.Amount, err = parseValor(transfer.Valor); err != nil {
		return Settlement{}, fmt.Errorf("transfer status %s: %w", id, err)
	}
	return out, nil
}

// parseValor decodes a rail amount. An empty value is reported as zero.
func parseValor(raw string) (decimal.Decimal, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return decimal.Zero, nil
	}
	value, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: malformed valor %q", ErrMalformed, raw)
	}
	return value, nil
}

// ToBRL converts an amount carried at decimals into reais.
func ToBRL(amount *big.Int, decimals uint8) decimal.Decimal {
	if amount == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(amount, -int32(decimals))
}

// FromBRL converts reais into an amount carried at decimals, dropping
// anything finer than the scale.
func FromBRL(value decimal.Decimal, decimals uint8) *big.Int {
	return value.Shift(int32(decimals)).BigInt()
}

func formatValor(amount decimal.Decimal) (string, error) {
	truncated := amount.Truncate(2)
	if !truncated.IsPositive() {
		return "", fmt.Errorf("pixrail: amount must be at least one centavo")
	}
	return truncated.StringFixed(2), nil
}

func chargeState(status string) State {
	switch strings.ToUpper(status) {
	case "CONCLUIDA":
		return StateSettled
	case "REMOVIDA_PELO_USUARIO_RECEBEDOR", "REMOVIDA_PELO_PSP":
		return StateFailed
	default:
		return StatePending
	}
}

func transferState(status string) State {
	switch strings.ToUpper(status) {
	case "REALIZADO":
		return StateSettled
	case "NAO_REALIZADO":
		return StateFailed
	default:
		return StatePending
	}
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var payload []byte
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("pixrail: encode: %w", err)
		}
		payload = encoded
	}
	var lastErr error
	for attempt := 0; attempt <= c.retries; attempt++ {
		if attempt > 0 {
			wait := c.backoff * time.Duration(1<<uint(attempt-1))
			if wait > maxBackoff {
				wait = maxBackoff
			}
			slog.Warn("exchanged/pixrail: retrying request", "method", method, "path", path, "attempt", attempt, "error", lastErr)
			if err := c.sleep(ctx, wait); err != nil {
				return err
			}
		}
		retry, err := c.once(ctx, method, path, payload, out)
		if err == nil {
			return nil
		}
		lastErr = err
		if !retry {
			return err
		}
	}
	return lastErr
}

func (c *Client) once(ctx context.Context, method, path string, payload []byte, out any) (bool, error) {
	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return false, fmt.Errorf("pixrail: request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		return true, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()
	switch {
	case resp.StatusCode == http.StatusNotFound:
		return false, ErrNotFound
	case resp.StatusCode >= 500:
		return true, fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return false, fmt.Errorf("%w: status %d: %s", ErrRejected, resp.StatusCode, strings.TrimSpace(string(detail)))
	}
	if out == nil {
		return false, nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return false, fmt.Errorf("pixrail: decode: %w", err)
	}
	return false, nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
