package observability

import (
	"errors"
	"math/big"
	"net/http"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
)

func TestHTTPObserveCountsErrors(t *testing.T) {
	m := HTTP()
	m.Observe("/v1/quote", http.MethodGet, http.StatusOK, time.Millisecond)
	m.Observe("/v1/quote", http.MethodGet, http.StatusTooManyRequests, time.Millisecond)
	if got := testutil.ToFloat64(m.errors.WithLabelValues("/v1/quote", http.MethodGet, "429")); got != 1 {
		t.Fatalf("expected one 429, got %v", got)
	}
	if got := testutil.ToFloat64(m.requests.WithLabelValues("/v1/quote", http.MethodGet, "success")); got != 1 {
		t.Fatalf("expected one success, got %v", got)
	}
}

func TestLedgerGaugesScaleUnits(t *testing.T) {
	m := Ledger()
	m.RecordPool("brla", big.NewInt(150_000_000), 6)
	if got := testutil.ToFloat64(m.pool.WithLabelValues("BRLA")); got != 150 {
		t.Fatalf("expected pool 150, got %v", got)
	}
	rate := new(big.Int).Mul(big.NewInt(525), new(big.Int).Exp(big.NewInt(10), big.NewInt(16), nil))
	m.RecordRate("BRLA", rate)
	if got := testutil.ToFloat64(m.rate.WithLabelValues("BRLA")); got != 5.25 {
		t.Fatalf("expected rate 5.25, got %v", got)
	}
	m.RecordReconcile("BRLA", false, time.Unix(1_700_000_000, 0))
	if got := testutil.ToFloat64(m.mismatches.WithLabelValues("BRLA")); got != 1 {
		t.Fatalf("expected one mismatch, got %v", got)
	}
	if got := testutil.ToFloat64(m.lastRun); got != 1_700_000_000 {
		t.Fatalf("unexpected last run %v", got)
	}
}

func TestEventForwardOutcome(t *testing.T) {
	m := Events()
	m.RecordForward("kafka", nil)
	m.RecordForward("kafka", errors.New("broker down"))
	if got := testutil.ToFloat64(m.forwards.WithLabelValues("kafka", "error")); got != 1 {
		t.Fatalf("expected one failed forward, got %v", got)
	}
}

func TestPayoutLatencyHistogram(t *testing.T) {
	m := Payout()
	m.ObserveLatency("usdc", 250*time.Millisecond)
	m.ObserveLatency("USDC", 2*time.Second)

	observer, err := m.payoutLatency.GetMetricWithLabelValues("USDC")
	if err != nil {
		t.Fatalf("lookup histogram: %v", err)
	}
	var out dto.Metric
	if err := observer.(prometheus.Metric).Write(&out); err != nil {
		t.Fatalf("write histogram: %v", err)
	}
	hist := out.GetHistogram()
	if hist.GetSampleCount() != 2 {
		t.Fatalf("expected two samples, got %d", hist.GetSampleCount())
	}
	if got := hist.GetSampleSum(); got != 2.25 {
		t.Fatalf("expected sum 2.25, got %v", got)
	}
	if got := testutil.ToFloat64(m.dispatched.WithLabelValues("USDC")); got != 2 {
		t.Fatalf("expected two dispatched, got %v", got)
	}
}
