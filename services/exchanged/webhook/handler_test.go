package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"math/big"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"pixexchange/services/exchanged/conversion"
	"pixexchange/services/exchanged/oracle"
	"pixexchange/services/exchanged/registry"
)

const secret = "whsec"

type twoDecimals struct{}

func (twoDecimals) Stablecoin(asset string) (registry.Stablecoin, error) {
	return registry.Stablecoin{Config: registry.Config{Asset: asset, Decimals: 2}}, nil
}

func newTestHandler(t *testing.T) (*Handler, *oracle.Gateway, *Store) {
	t.Helper()
	ctx := context.Background()
	ledger, err := conversion.New(ctx)
	require.NoError(t, err)
	_, err = ledger.Create(ctx, conversion.Record{
		PaymentID:        "txid1",
		User:             "0xabc",
		Direction:        conversion.DirectionPixToStable,
		Asset:            "BRLA",
		PixAmount:        big.NewInt(10_050),
		StablecoinAmount: big.NewInt(10_050),
		Nonce:            1,
	})
	require.NoError(t, err)
	gw, err := oracle.NewGateway(ctx, ledger)
	require.NoError(t, err)
	store, err := OpenStore(filepath.Join(t.TempDir(), "webhook.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	h, err := NewHandler(Config{Secret: secret}, store, gw, ledger, twoDecimals{})
	require.NoError(t, err)
	return h, gw, store
}

func post(t *testing.T, h http.Handler, note Notification, signature string) (*httptest.ResponseRecorder, []Result) {
	t.Helper()
	body, err := json.Marshal(note)
	require.NoError(t, err)
	if signature == "" {
		signature = Sign(secret, body)
	}
	req := httptest.NewRequest(http.MethodPost, "/v1/webhooks/pix", bytes.NewReader(body))
	req.Header.Set(HeaderSignature, signature)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	var resp struct {
		Results []Result `json:"results"`
	}
	if rec.Code == http.StatusOK {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	}
	return rec, resp.Results
}

func TestReceivedNotificationBecomesReport(t *testing.T) {
	h, gw, store := newTestHandler(t)
	note := Notification{Kind: KindReceived, Pix: []Entry{{EndToEndID: "E1", TxID: "txid1", Valor: "100.50", Horario: "2024-05-01T12:00:00Z"}}}

	rec, results := post(t, h, note, "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, results, 1)
	require.Equal(t, "reported", results[0].Outcome)
	pending := gw.Pending()
	require.Len(t, pending, 1)
	require.Equal(t, "E1", pending[0].BankReference)
	require.Zero(t, pending[0].Amount.Cmp(big.NewInt(10_050)))

	_, results = post(t, h, note, "")
	require.Equal(t, "duplicate", results[0].Outcome)
	outcome, ok, err := store.Outcome("E1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "reported", outcome)
}

func TestNotificationRejections(t *testing.T) {
	h, gw, _ := newTestHandler(t)
	note := Notification{Kind: KindReceived, Pix: []Entry{{EndToEndID: "E2", TxID: "txid1", Valor: "100.49"}}}

	rec, _ := post(t, h, note, "deadbeef")
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	_, results := post(t, h, note, "")
	require.Equal(t, "mismatch", results[0].Outcome)
	require.Empty(t, gw.Pending())

	_, results = post(t, h, Notification{Kind: KindSent, Pix: []Entry{{EndToEndID: "E3", IDEnvio: "nope", Valor: "1.00"}}}, "")
	require.Equal(t, "unknown", results[0].Outcome)

	rec, _ = post(t, h, Notification{Kind: "DEVOLUCAO", Pix: []Entry{{EndToEndID: "E4", TxID: "txid1", Valor: "1.00"}}}, "")
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSignatureVerification(t *testing.T) {
	body := []byte(`{"tipo":"PIX_RECEBIDO"}`)
	sig := Sign(secret, body)
	require.True(t, VerifySignature(secret, body, sig))
	require.True(t, VerifySignature(secret, body, "sha256="+sig))
	require.False(t, VerifySignature(secret, append(body, ' '), sig))
	require.False(t, VerifySignature("", body, sig))
	require.False(t, VerifySignature(secret, body, "not-hex"))
}

func TestLogsMaskBankIdentifiers(t *testing.T) {
	var buf bytes.Buffer
	prev := slog.Default()
	slog.SetDefault(slog.New(slog.NewJSONHandler(&buf, nil)))
	t.Cleanup(func() { slog.SetDefault(prev) })

	h, _, _ := newTestHandler(t)
	const e2e = "E00000000202405011200REF98761234"
	note := Notification{Kind: KindReceived, Pix: []Entry{{EndToEndID: e2e, TxID: "txid1", Valor: "100.50"}}}
	rec, results := post(t, h, note, "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "reported", results[0].Outcome)

	rec, _ = post(t, h, note, "cafebabecafebabe")
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	logs := buf.String()
	require.Contains(t, logs, "notification processed")
	require.Contains(t, logs, "signature mismatch")
	require.Contains(t, logs, "1234")
	require.NotContains(t, logs, e2e)
	require.NotContains(t, logs, "cafebabecafebabe")
	require.NotContains(t, logs, "100.50")
}
