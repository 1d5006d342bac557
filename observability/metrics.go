package observability

import (
	"fmt"
	"math"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/holiman/uint256"
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "halloffame"

type apiMetrics struct {
	requests  *prometheus.CounterVec
	errors    *prometheus.CounterVec
	latency   *prometheus.HistogramVec
	throttles *prometheus.CounterVec
}

var (
	apiMetricsOnce sync.Once
	apiRegistry    *apiMetrics

	saleMetricsOnce sync.Once
	saleRegistry    *SaleMetrics

	mintMetricsOnce sync.Once
	mintRegistry    *MintdMetrics
)

// API returns the lazily-initialised registry used to record HTTP API
// activity for saled and mintd.
func API() *apiMetrics {
	apiMetricsOnce.Do(func() {
		apiRegistry = &apiMetrics{
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "api",
				Name:      "requests_total",
				Help:      "Total HTTP API requests segmented by service, route and outcome.",
			}, []string{"service", "route", "outcome"}),
			errors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "api",
				Name:      "errors_total",
				Help:      "Total HTTP API errors segmented by service, route and status code.",
			}, []string{"service", "route", "status"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "api",
				Name:      "request_duration_seconds",
				Help:      "Latency distribution for HTTP API handlers.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"service", "route"}),
			throttles: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "api",
				Name:      "throttles_total",
				Help:      "Count of API requests rejected by the rate limiter.",
			}, []string{"service", "reason"}),
		}
		prometheus.MustRegister(
			apiRegistry.requests,
			apiRegistry.errors,
			apiRegistry.latency,
			apiRegistry.throttles,
		)
	})
	return apiRegistry
}

// Observe records the outcome of an API request. The status code should be
// the HTTP status that was ultimately written to the response writer.
func (m *apiMetrics) Observe(service, route string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	service = labelOr(service, "unknown")
	route = labelOr(route, "unknown")
	outcome := "success"
	if status >= 400 {
		outcome = "error"
		m.errors.WithLabelValues(service, route, fmt.Sprintf("%d", status)).Inc()
	}
	m.requests.WithLabelValues(service, route, outcome).Inc()
	m.latency.WithLabelValues(service, route).Observe(duration.Seconds())
}

// RecordThrottle increments the throttle counter. Reasons should be stable
// strings such as "rate_limit".
func (m *apiMetrics) RecordThrottle(service, reason string) {
	if m == nil {
		return
	}
	m.throttles.WithLabelValues(labelOr(service, "unknown"), labelOr(reason, "unspecified")).Inc()
}

// SaleMetrics wraps collectors tracking settlement engine health.
type SaleMetrics struct {
	purchases         *prometheus.CounterVec
	settlements       *prometheus.CounterVec
	units             *prometheus.CounterVec
	volume            *prometheus.CounterVec
	settlementLatency prometheus.Histogram
	faults            *prometheus.CounterVec
	transferFailures  *prometheus.CounterVec
	inFlight          prometheus.Gauge
	pauseEngaged      prometheus.Gauge
	halted            prometheus.Gauge
}

// Sale exposes the metrics registry for the sale engine.
func Sale() *SaleMetrics {
	saleMetricsOnce.Do(func() {
		saleRegistry = &SaleMetrics{
			purchases: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "sale",
				Name:      "purchases_total",
				Help:      "Purchase attempts segmented by stage and outcome (dispatched or reject reason).",
			}, []string{"stage", "outcome"}),
			settlements: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "sale",
				Name:      "settlements_total",
				Help:      "Reconciled purchases segmented by result (fulfilled, partial, failed).",
			}, []string{"result"}),
			units: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "sale",
				Name:      "units_total",
				Help:      "Units requested from and issued by the token service.",
			}, []string{"kind"}),
			volume: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "sale",
				Name:      "volume_total",
				Help:      "Currency moved at settlement in base units, segmented by destination.",
			}, []string{"destination"}),
			settlementLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "sale",
				Name:      "settlement_latency_seconds",
				Help:      "Time between dispatch and reconciliation.",
				Buckets:   prometheus.DefBuckets,
			}),
			faults: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "sale",
				Name:      "faults_total",
				Help:      "Fatal settlement faults segmented by reason.",
			}, []string{"reason"}),
			transferFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "sale",
				Name:      "transfer_failures_total",
				Help:      "Settlement transfers that the bank refused, segmented by destination.",
			}, []string{"destination"}),
			inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "sale",
				Name:      "in_flight",
				Help:      "Purchases awaiting a token service outcome.",
			}),
			pauseEngaged: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "sale",
				Name:      "pause_engaged",
				Help:      "Indicates whether the sale engine is paused (1) or not (0).",
			}),
			halted: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "sale",
				Name:      "halted",
				Help:      "Indicates whether the sale engine halted on a fatal fault (1) or not (0).",
			}),
		}
		prometheus.MustRegister(
			saleRegistry.purchases,
			saleRegistry.settlements,
			saleRegistry.units,
			saleRegistry.volume,
			saleRegistry.settlementLatency,
			saleRegistry.faults,
			saleRegistry.transferFailures,
			saleRegistry.inFlight,
			saleRegistry.pauseEngaged,
			saleRegistry.halted,
		)
	})
	return saleRegistry
}

// RecordPurchase counts a purchase attempt.
func (m *SaleMetrics) RecordPurchase(stage, outcome string) {
	if m == nil {
		return
	}
	m.purchases.WithLabelValues(labelOr(stage, "UNKNOWN"), labelOr(outcome, "unspecified")).Inc()
}

// RecordSettlement counts a reconciled purchase and its units.
func (m *SaleMetrics) RecordSettlement(result string, requested, issued uint32, latency time.Duration) {
	if m == nil {
		return
	}
	m.settlements.WithLabelValues(labelOr(result, "unspecified")).Inc()
	m.units.WithLabelValues("requested").Add(float64(requested))
	m.units.WithLabelValues("issued").Add(float64(issued))
	if latency > 0 {
		m.settlementLatency.Observe(latency.Seconds())
	}
}

// AddVolume records currency moved to a destination class (treasury,
// service, refund).
func (m *SaleMetrics) AddVolume(destination string, amount *uint256.Int) {
	if m == nil || amount == nil || amount.IsZero() {
		return
	}
	m.volume.WithLabelValues(labelOr(destination, "unknown")).Add(uint256ToFloat(amount))
}

// RecordFault counts a fatal settlement fault.
func (m *SaleMetrics) RecordFault(reason string) {
	if m == nil {
		return
	}
	m.faults.WithLabelValues(labelOr(reason, "unspecified")).Inc()
}

// RecordTransferFailure counts a refused settlement transfer.
func (m *SaleMetrics) RecordTransferFailure(destination string) {
	if m == nil {
		return
	}
	m.transferFailures.WithLabelValues(labelOr(destination, "unknown")).Inc()
}

// SetInFlight updates the in-flight gauge.
func (m *SaleMetrics) SetInFlight(n int) {
	if m == nil {
		return
	}
	m.inFlight.Set(float64(n))
}

// SetPause toggles the pause_engaged gauge.
func (m *SaleMetrics) SetPause(engaged bool) {
	if m == nil {
		return
	}
	m.pauseEngaged.Set(boolGauge(engaged))
}

// SetHalted toggles the halted gauge.
func (m *SaleMetrics) SetHalted(halted bool) {
	if m == nil {
		return
	}
	m.halted.Set(boolGauge(halted))
}

// MintdMetrics bundles collectors for the reference token service.
type MintdMetrics struct {
	requests  *prometheus.CounterVec
	issued    prometheus.Counter
	remaining prometheus.Gauge
}

// Mintd returns the metrics registry for mintd.
func Mintd() *MintdMetrics {
	mintMetricsOnce.Do(func() {
		mintRegistry = &MintdMetrics{
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "mintd",
				Name:      "requests_total",
				Help:      "Mint requests segmented by outcome.",
			}, []string{"outcome"}),
			issued: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "mintd",
				Name:      "issued_total",
				Help:      "Units issued by the token service.",
			}),
			remaining: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "mintd",
				Name:      "supply_remaining",
				Help:      "Units left before the collection sells out.",
			}),
		}
		prometheus.MustRegister(mintRegistry.requests, mintRegistry.issued, mintRegistry.remaining)
	})
	return mintRegistry
}

// RecordMint counts a mint request and updates the remaining supply.
func (m *MintdMetrics) RecordMint(outcome string, issued int, remaining uint64) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(labelOr(outcome, "unspecified")).Inc()
	if issued > 0 {
		m.issued.Add(float64(issued))
	}
	m.remaining.Set(float64(remaining))
}

func labelOr(value, fallback string) string {
	if trimmed := strings.TrimSpace(value); trimmed != "" {
		return trimmed
	}
	return fallback
}

func boolGauge(v bool) float64 {
	if v {
		return 1
	}
	return 0
}

func uint256ToFloat(value *uint256.Int) float64 {
	if value == nil {
		return 0
	}
	floatVal, acc := new(big.Float).SetInt(value.ToBig()).Float64()
	if acc != big.Exact {
		// Guard against NaN/Inf when conversion fails.
		if math.IsNaN(floatVal) || math.IsInf(floatVal, 0) {
			return 0
		}
	}
	return floatVal
}
