package observability

import (
	"math"
	"math/big"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type httpMetrics struct {
	requests  *prometheus.CounterVec
	errors    *prometheus.CounterVec
	latency   *prometheus.HistogramVec
	throttles *prometheus.CounterVec
}

var (
	httpMetricsOnce sync.Once
	httpRegistry    *httpMetrics

	exchangeOnce sync.Once
	exchangeReg  *ExchangeMetrics

	payoutMetricsOnce sync.Once
	payoutRegistry    *PayoutMetrics

	webhookMetricsOnce sync.Once
	webhookRegistry    *WebhookMetrics

	ledgerMetricsOnce sync.Once
	ledgerRegistry    *LedgerMetrics
)

// HTTP returns the lazily-initialised registry used to record API handler
// activity.
func HTTP() *httpMetrics {
	httpMetricsOnce.Do(func() {
		httpRegistry = &httpMetrics{
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "pix",
				Subsystem: "api",
				Name:      "requests_total",
				Help:      "Total API requests segmented by route and outcome.",
			}, []string{"route", "method", "outcome"}),
			errors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "pix",
				Subsystem: "api",
				Name:      "errors_total",
				Help:      "Total API errors segmented by route and status code.",
			}, []string{"route", "method", "status"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "pix",
				Subsystem: "api",
				Name:      "request_duration_seconds",
				Help:      "Latency distribution for API handlers.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"route", "method"}),
			throttles: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "pix",
				Subsystem: "api",
				Name:      "throttles_total",
				Help:      "Count of API requests rejected due to rate limiting.",
			}, []string{"route", "reason"}),
		}
		prometheus.MustRegister(
			httpRegistry.requests,
			httpRegistry.errors,
			httpRegistry.latency,
			httpRegistry.throttles,
		)
	})
	return httpRegistry
}

// Observe records the outcome of an API request. The status code should be
// the HTTP status that was ultimately written to the response writer.
func (m *httpMetrics) Observe(route, method string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	if route == "" {
		route = "unknown"
	}
	if method == "" {
		method = "unknown"
	}
	outcome := "success"
	if status >= 400 {
		outcome = "error"
		m.errors.WithLabelValues(route, method, strconv.Itoa(status)).Inc()
	}
	m.requests.WithLabelValues(route, method, outcome).Inc()
	m.latency.WithLabelValues(route, method).Observe(duration.Seconds())
}

// RecordThrottle increments the throttle counter for the supplied route and
// reason.
func (m *httpMetrics) RecordThrottle(route, reason string) {
	if m == nil {
		return
	}
	if route == "" {
		route = "unknown"
	}
	if reason == "" {
		reason = "unspecified"
	}
	m.throttles.WithLabelValues(route, reason).Inc()
}

// ExchangeMetrics captures metrics for conversion lifecycle operations.
type ExchangeMetrics struct {
	requests    *prometheus.CounterVec
	latency     *prometheus.HistogramVec
	errors      *prometheus.CounterVec
	volume      *prometheus.CounterVec
	fees        *prometheus.CounterVec
	pauseEngage prometheus.Gauge
}

// Exchange returns the singleton metrics registry for the exchange engine.
func Exchange() *ExchangeMetrics {
	exchangeOnce.Do(func() {
		exchangeReg = &ExchangeMetrics{
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "pix",
				Subsystem: "exchange",
				Name:      "operations_total",
				Help:      "Count of exchange operations segmented by operation and outcome.",
			}, []string{"operation", "outcome"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "pix",
				Subsystem: "exchange",
				Name:      "operation_duration_seconds",
				Help:      "Latency distribution for exchange operations.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"operation"}),
			errors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "pix",
				Subsystem: "exchange",
				Name:      "errors_total",
				Help:      "Count of exchange failures segmented by operation and reason.",
			}, []string{"operation", "reason"}),
			volume: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "pix",
				Subsystem: "exchange",
				Name:      "settled_volume",
				Help:      "Settled stablecoin volume in whole asset units segmented by asset and direction.",
			}, []string{"asset", "direction"}),
			fees: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "pix",
				Subsystem: "exchange",
				Name:      "fees_collected",
				Help:      "Fees delivered to the fee collector in whole asset units.",
			}, []string{"asset"}),
			pauseEngage: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "pix",
				Subsystem: "exchange",
				Name:      "pause_engaged",
				Help:      "Indicates whether new conversions are paused (1) or accepted (0).",
			}),
		}
		prometheus.MustRegister(
			exchangeReg.requests,
			exchangeReg.latency,
			exchangeReg.errors,
			exchangeReg.volume,
			exchangeReg.fees,
			exchangeReg.pauseEngage,
		)
	})
	return exchangeReg
}

// Observe records the execution metrics for an exchange operation.
func (m *ExchangeMetrics) Observe(operation string, duration time.Duration, err error) {
	if m == nil {
		return
	}
	op := strings.TrimSpace(operation)
	if op == "" {
		op = "unknown"
	}
	outcome := "success"
	if err != nil {
		outcome = "error"
		reason := strings.TrimSpace(err.Error())
		if reason == "" {
			reason = "unknown"
		}
		m.errors.WithLabelValues(op, reason).Inc()
	}
	m.requests.WithLabelValues(op, outcome).Inc()
	m.latency.WithLabelValues(op).Observe(duration.Seconds())
}

// RecordSettlement accumulates settled volume and collected fees. Amounts are
// expressed in the asset's smallest unit and scaled by decimals.
func (m *ExchangeMetrics) RecordSettlement(asset, direction string, amount, fee *big.Int, decimals uint8) {
	if m == nil {
		return
	}
	label := labelAsset(asset)
	m.volume.WithLabelValues(label, direction).Add(scaledFloat(amount, decimals))
	m.fees.WithLabelValues(label).Add(scaledFloat(fee, decimals))
}

// SetPause toggles the pause_engaged gauge.
func (m *ExchangeMetrics) SetPause(engaged bool) {
	if m == nil {
		return
	}
	m.pauseEngage.Set(boolGauge(engaged))
}

// PayoutMetrics wraps collectors tracking outbound PIX transfer health.
type PayoutMetrics struct {
	payoutLatency *prometheus.HistogramVec
	dispatched    *prometheus.CounterVec
	errors        *prometheus.CounterVec
	pauseEngaged  prometheus.Gauge
}

// Payout exposes the metrics registry for the payout dispatcher.
func Payout() *PayoutMetrics {
	payoutMetricsOnce.Do(func() {
		payoutRegistry = &PayoutMetrics{
			payoutLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "pix",
				Subsystem: "payout",
				Name:      "latency_seconds",
				Help:      "Latency between conversion initiation and PIX transfer submission.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"asset"}),
			dispatched: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "pix",
				Subsystem: "payout",
				Name:      "dispatched_total",
				Help:      "Count of PIX transfers submitted to the rail.",
			}, []string{"asset"}),
			errors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "pix",
				Subsystem: "payout",
				Name:      "errors_total",
				Help:      "Count of payout failures segmented by asset and reason.",
			}, []string{"asset", "reason"}),
			pauseEngaged: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "pix",
				Subsystem: "payout",
				Name:      "pause_engaged",
				Help:      "Indicates whether the payout dispatcher pause guard is active (1) or not (0).",
			}),
		}
		prometheus.MustRegister(
			payoutRegistry.payoutLatency,
			payoutRegistry.dispatched,
			payoutRegistry.errors,
			payoutRegistry.pauseEngaged,
		)
	})
	return payoutRegistry
}

// ObserveLatency records the dispatch latency for a payout.
func (m *PayoutMetrics) ObserveLatency(asset string, d time.Duration) {
	if m == nil {
		return
	}
	label := labelAsset(asset)
	m.payoutLatency.WithLabelValues(label).Observe(d.Seconds())
	m.dispatched.WithLabelValues(label).Inc()
}

// RecordError increments the error counter for the supplied reason.
func (m *PayoutMetrics) RecordError(asset, reason string) {
	if m == nil {
		return
	}
	if reason = strings.TrimSpace(reason); reason == "" {
		reason = "unspecified"
	}
	m.errors.WithLabelValues(labelAsset(asset), reason).Inc()
}

// SetPause toggles the pause_engaged gauge.
func (m *PayoutMetrics) SetPause(engaged bool) {
	if m == nil {
		return
	}
	m.pauseEngaged.Set(boolGauge(engaged))
}

// WebhookMetrics bundles collectors for PIX rail notifications.
type WebhookMetrics struct {
	received  *prometheus.CounterVec
	freshness *prometheus.GaugeVec
}

// Webhook returns the metrics registry for inbound PIX notifications.
func Webhook() *WebhookMetrics {
	webhookMetricsOnce.Do(func() {
		webhookRegistry = &WebhookMetrics{
			received: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "pix",
				Subsystem: "webhook",
				Name:      "notifications_total",
				Help:      "Count of PIX notifications segmented by kind and outcome.",
			}, []string{"kind", "outcome"}),
			freshness: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: "pix",
				Subsystem: "webhook",
				Name:      "freshness_seconds",
				Help:      "Age in seconds between the bank settlement time and webhook processing.",
			}, []string{"kind"}),
		}
		prometheus.MustRegister(webhookRegistry.received, webhookRegistry.freshness)
	})
	return webhookRegistry
}

// RecordNotification increments the notification counter.
func (m *WebhookMetrics) RecordNotification(kind, outcome string) {
	if m == nil {
		return
	}
	if kind = strings.TrimSpace(kind); kind == "" {
		kind = "unknown"
	}
	m.received.WithLabelValues(kind, outcome).Inc()
}

// RecordFreshness records how stale the processed notification was.
func (m *WebhookMetrics) RecordFreshness(kind string, age time.Duration) {
	if m == nil {
		return
	}
	m.freshness.WithLabelValues(kind).Set(age.Seconds())
}

// LedgerMetrics tracks pool balances and reconciliation outcomes.
type LedgerMetrics struct {
	pool       *prometheus.GaugeVec
	rate       *prometheus.GaugeVec
	mismatches *prometheus.CounterVec
	lastRun    prometheus.Gauge
}

// Ledger returns the metrics registry for pool accounting.
func Ledger() *LedgerMetrics {
	ledgerMetricsOnce.Do(func() {
		ledgerRegistry = &LedgerMetrics{
			pool: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: "pix",
				Subsystem: "ledger",
				Name:      "pool_balance",
				Help:      "Liquidity pool balance in whole asset units.",
			}, []string{"asset"}),
			rate: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: "pix",
				Subsystem: "ledger",
				Name:      "exchange_rate",
				Help:      "PIX units per whole asset unit currently applied by the registry.",
			}, []string{"asset"}),
			mismatches: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "pix",
				Subsystem: "ledger",
				Name:      "reconcile_mismatches_total",
				Help:      "Count of reconciliation runs where the pool did not match its flow totals.",
			}, []string{"asset"}),
			lastRun: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "pix",
				Subsystem: "ledger",
				Name:      "reconcile_last_run_timestamp",
				Help:      "Unix timestamp of the last completed reconciliation run.",
			}),
		}
		prometheus.MustRegister(
			ledgerRegistry.pool,
			ledgerRegistry.rate,
			ledgerRegistry.mismatches,
			ledgerRegistry.lastRun,
		)
	})
	return ledgerRegistry
}

// RecordPool updates the pool gauge for an asset.
func (m *LedgerMetrics) RecordPool(asset string, balance *big.Int, decimals uint8) {
	if m == nil {
		return
	}
	m.pool.WithLabelValues(labelAsset(asset)).Set(scaledFloat(balance, decimals))
}

// RecordRate updates the exchange rate gauge. Rates are 18-decimal fixed point.
func (m *LedgerMetrics) RecordRate(asset string, rate *big.Int) {
	if m == nil {
		return
	}
	m.rate.WithLabelValues(labelAsset(asset)).Set(scaledFloat(rate, 18))
}

// RecordReconcile records the outcome of a reconciliation pass for an asset.
func (m *LedgerMetrics) RecordReconcile(asset string, ok bool, at time.Time) {
	if m == nil {
		return
	}
	if !ok {
		m.mismatches.WithLabelValues(labelAsset(asset)).Inc()
	}
	m.lastRun.Set(float64(at.Unix()))
}

func labelAsset(asset string) string {
	trimmed := strings.TrimSpace(asset)
	if trimmed == "" {
		return "UNKNOWN"
	}
	return strings.ToUpper(trimmed)
}

func boolGauge(v bool) float64 {
	if v {
		return 1
	}
	return 0
}

func scaledFloat(value *big.Int, decimals uint8) float64 {
	if value == nil {
		return 0
	}
	f := new(big.Float).SetInt(value)
	if decimals > 0 {
		scale := new(big.Float).SetInt(new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil))
		f.Quo(f, scale)
	}
	floatVal, acc := f.Float64()
	if acc != big.Exact {
		// Guard against NaN/Inf when conversion fails.
		if math.IsNaN(floatVal) || math.IsInf(floatVal, 0) {
			return 0
		}
	}
	return floatVal
}
