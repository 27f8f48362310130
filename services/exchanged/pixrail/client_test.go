package pixrail

import (
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func newTestClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	client, err := NewClient(Config{BaseURL: srv.URL, Token: "secret", ReceiverKey: "exchange@example.com", HTTPClient: srv.Client()})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	client.sleep = func(context.Context, time.Duration) error { return nil }
	return client
}

func brl(whole, cents int64) decimal.Decimal {
	return decimal.New(whole*100+cents, -2)
}

func TestCreateCharge(t *testing.T) {
	var seen chargeRequest
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPut || !strings.HasPrefix(r.URL.Path, "/cob/") {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer secret" {
			t.Errorf("missing bearer token")
		}
		if err := json.NewDecoder(r.Body).Decode(&seen); err != nil {
			t.Errorf("decode: %v", err)
		}
		txid := strings.TrimPrefix(r.URL.Path, "/cob/")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"txid":          txid,
			"status":        "ATIVA",
			"pixCopiaECola": "00020101021226...",
			"calendario":    map[string]any{"expiracao": 3600},
			"valor":         map[string]any{"original": seen.Valor.Original},
		})
	}))

	charge, err := client.CreateCharge(context.Background(), "", brl(100, 50), "deposit")
	if err != nil {
		t.Fatalf("create charge: %v", err)
	}
	if len(charge.TxID) != 32 {
		t.Fatalf("unexpected txid %q", charge.TxID)
	}
	if seen.Valor.Original != "100.50" || seen.Chave != "exchange@example.com" || seen.Calendario.Expiracao != 3600 {
		t.Fatalf("unexpected request body %+v", seen)
	}
	if !charge.Amount.Equal(brl(100, 50)) {
		t.Fatalf("unexpected charged amount %s", charge.Amount)
	}
	if charge.PixCopiaECola == "" || charge.Expiration != time.Hour {
		t.Fatalf("unexpected charge %+v", charge)
	}
}

func TestSendTransferRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		if r.URL.Path != "/pix/S1" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"idEnvio": "S1", "e2eId": "E123", "status": "EM_PROCESSAMENTO"})
	}))
	transfer, err := client.SendTransfer(context.Background(), "S1", brl(99, 50), "+5511999999999", "payout")
	if err != nil {
		t.Fatalf("send transfer: %v", err)
	}
	if transfer.EndToEndID != "E123" || calls.Load() != 3 {
		t.Fatalf("unexpected transfer %+v after %d calls", transfer, calls.Load())
	}
}

func TestSendTransferGivesUp(t *testing.T) {
	var calls atomic.Int32
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	_, err := client.SendTransfer(context.Background(), "S1", brl(1, 0), "key", "")
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
	if calls.Load() != 4 {
		t.Fatalf("expected initial attempt plus 3 retries, got %d", calls.Load())
	}

	calls.Store(0)
	rejecting := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "invalid key", http.StatusBadRequest)
	}))
	if _, err := rejecting.SendTransfer(context.Background(), "S1", brl(1, 0), "key", ""); !errors.Is(err, ErrRejected) {
		t.Fatalf("expected ErrRejected, got %v", err)
	}
	if calls.Load() != 1 {
		t.Fatalf("client errors must not be retried, got %d calls", calls.Load())
	}
}

func TestGetStatusFallsBackToTransfers(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/cob/C1", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"txid":   "C1",
			"status": "CONCLUIDA",
			"valor":  map[string]any{"original": "10.00"},
			"pix":    []map[string]any{{"endToEndId": "E1", "valor": "10.00"}},
		})
	})
	mux.HandleFunc("/cob/S1", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})
	mux.HandleFunc("/pix/enviados/id-envio/S1", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{"idEnvio": "S1", "e2eId": "E2", "status": "NAO_REALIZADO", "valor": "5.25"})
	})
	client := newTestClient(t, mux)
	ctx := context.Background()

	charge, err := client.GetStatus(ctx, "C1")
	if err != nil {
		t.Fatalf("charge status: %v", err)
	}
	if charge.State != StateSettled || charge.EndToEndID != "E1" || !charge.Amount.Equal(brl(10, 0)) {
		t.Fatalf("unexpected charge settlement %+v", charge)
	}
	transfer, err := client.GetStatus(ctx, "S1")
	if err != nil {
		t.Fatalf("transfer status: %v", err)
	}
	if transfer.State != StateFailed || !transfer.Amount.Equal(brl(5, 25)) {
		t.Fatalf("unexpected transfer settlement %+v", transfer)
	}
	if _, err := client.GetStatus(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestAmountConversion(t *testing.T) {
	scaled := new(big.Int).Mul(big.NewInt(307), new(big.Int).Exp(big.NewInt(10), big.NewInt(16), nil))
	scaled.Add(scaled, big.NewInt(999))
	valor, err := formatValor(ToBRL(scaled, 18))
	if err != nil {
		t.Fatalf("format: %v", err)
	}
	if valor != "3.07" {
		t.Fatalf("unexpected valor %s", valor)
	}
	if _, err := formatValor(decimal.RequireFromString("0.009")); err == nil {
		t.Fatalf("expected sub-centavo amount to be rejected")
	}
	back := FromBRL(decimal.RequireFromString("3.07"), 18)
	want := new(big.Int).Mul(big.NewInt(307), new(big.Int).Exp(big.NewInt(10), big.NewInt(16), nil))
	if back.Cmp(want) != 0 {
		t.Fatalf("unexpected scaled amount %s", back)
	}
	if FromBRL(decimal.RequireFromString("12.34"), 2).Int64() != 1234 {
		t.Fatalf("unexpected two-decimal scaling")
	}
}

func TestGetStatusRejectsMalformedAmount(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/cob/C2", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"txid":   "C2",
			"status": "CONCLUIDA",
			"pix":    []map[string]any{{"endToEndId": "E1", "valor": "dez reais"}},
		})
	})
	client := newTestClient(t, mux)
	if _, err := client.GetStatus(context.Background(), "C2"); !errors.Is(err, ErrMalformed) {
		t.Fatalf("expected ErrMalformed, got %v", err)
	}
}
