package observability

import (
	"fmt"
	"math"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type moduleMetrics struct {
	requests  *prometheus.CounterVec
	errors    *prometheus.CounterVec
	latency   *prometheus.HistogramVec
	throttles *prometheus.CounterVec
}

var (
	moduleMetricsOnce sync.Once
	moduleRegistry    *moduleMetrics

	rewardsMetricsOnce sync.Once
	rewardsRegistry    *RewardsMetrics
)

// ModuleMetrics returns the lazily-initialised registry used to record HTTP
// handler activity per route group.
func ModuleMetrics() *moduleMetrics {
	moduleMetricsOnce.Do(func() {
		moduleRegistry = &moduleMetrics{
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "incentives",
				Subsystem: "api",
				Name:      "requests_total",
				Help:      "Total API requests segmented by module and route.",
			}, []string{"module", "method", "outcome"}),
			errors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "incentives",
				Subsystem: "api",
				Name:      "errors_total",
				Help:      "Total API errors segmented by module, route, and status code.",
			}, []string{"module", "method", "status"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "incentives",
				Subsystem: "api",
				Name:      "request_duration_seconds",
				Help:      "Latency distribution for API handlers.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"module", "method"}),
			throttles: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "incentives",
				Subsystem: "api",
				Name:      "throttles_total",
				Help:      "Count of requests rejected due to throttling policies.",
			}, []string{"module", "reason"}),
		}
		prometheus.MustRegister(
			moduleRegistry.requests,
			moduleRegistry.errors,
			moduleRegistry.latency,
			moduleRegistry.throttles,
		)
	})
	return moduleRegistry
}

// Observe records the outcome of a request. The status code should be the HTTP
// status that was ultimately written to the response writer.
func (m *moduleMetrics) Observe(module, method string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	if module == "" {
		module = "unknown"
	}
	if method == "" {
		method = "unknown"
	}
	outcome := "success"
	if status >= 400 {
		outcome = "error"
	}
	m.requests.WithLabelValues(module, method, outcome).Inc()
	if status >= 400 {
		m.errors.WithLabelValues(module, method, fmt.Sprintf("%d", status)).Inc()
	}
	m.latency.WithLabelValues(module, method).Observe(duration.Seconds())
}

// RecordThrottle increments the throttle counter for the supplied module and
// reason. Reasons should be stable strings such as "rate_limit".
func (m *moduleMetrics) RecordThrottle(module, reason string) {
	if m == nil {
		return
	}
	if module == "" {
		module = "unknown"
	}
	if reason == "" {
		reason = "unspecified"
	}
	m.throttles.WithLabelValues(module, reason).Inc()
}

// RewardsMetrics wraps collectors tracking contribution processing.
type RewardsMetrics struct {
	contributions *prometheus.CounterVec
	issued        *prometheus.CounterVec
	creditLatency prometheus.Histogram
	errors        *prometheus.CounterVec
	unresolved    prometheus.Gauge
}

// Rewards exposes the metrics registry for the reward orchestrator.
func Rewards() *RewardsMetrics {
	rewardsMetricsOnce.Do(func() {
		rewardsRegistry = &RewardsMetrics{
			contributions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "incentives",
				Subsystem: "rewards",
				Name:      "contributions_total",
				Help:      "Count of processed contributions segmented by outcome.",
			}, []string{"outcome"}),
			issued: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "incentives",
				Subsystem: "rewards",
				Name:      "issued_amount_total",
				Help:      "Sum of credited rewards segmented by component and zone.",
			}, []string{"component", "zone"}),
			creditLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
				Namespace: "incentives",
				Subsystem: "rewards",
				Name:      "credit_latency_seconds",
				Help:      "Latency distribution for balance credit calls.",
				Buckets:   prometheus.DefBuckets,
			}),
			errors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "incentives",
				Subsystem: "rewards",
				Name:      "errors_total",
				Help:      "Count of contribution failures segmented by reason.",
			}, []string{"reason"}),
			unresolved: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "incentives",
				Subsystem: "rewards",
				Name:      "unresolved_contributions",
				Help:      "Contributions whose credit outcome awaits operator resolution.",
			}),
		}
		prometheus.MustRegister(
			rewardsRegistry.contributions,
			rewardsRegistry.issued,
			rewardsRegistry.creditLatency,
			rewardsRegistry.errors,
			rewardsRegistry.unresolved,
		)
	})
	return rewardsRegistry
}

// RecordOutcome increments the contribution counter.
func (m *RewardsMetrics) RecordOutcome(outcome string) {
	if m == nil {
		return
	}
	m.contributions.WithLabelValues(labelValue(outcome)).Inc()
}

// RecordIssued adds a credited component amount.
func (m *RewardsMetrics) RecordIssued(component, zone string, amount *big.Int) {
	if m == nil || amount == nil || amount.Sign() <= 0 {
		return
	}
	m.issued.WithLabelValues(labelValue(component), labelValue(zone)).Add(bigToFloat(amount))
}

// ObserveCredit records the latency of one credit call.
func (m *RewardsMetrics) ObserveCredit(d time.Duration) {
	if m == nil {
		return
	}
	m.creditLatency.Observe(d.Seconds())
}

// RecordError increments the error counter for the supplied reason.
func (m *RewardsMetrics) RecordError(reason string) {
	if m == nil {
		return
	}
	m.errors.WithLabelValues(labelValue(reason)).Inc()
}

// SetUnresolved reports the number of contributions awaiting resolution.
func (m *RewardsMetrics) SetUnresolved(count int) {
	if m == nil {
		return
	}
	m.unresolved.Set(float64(count))
}

func labelValue(value string) string {
	trimmed := strings.ToLower(strings.TrimSpace(value))
	if trimmed == "" {
		return "unknown"
	}
	return trimmed
}

func bigToFloat(value *big.Int) float64 {
	if value == nil {
		return 0
	}
	floatVal, acc := new(big.Float).SetInt(value).Float64()
	if acc != big.Exact {
		// Guard against NaN/Inf when conversion fails.
		if math.IsNaN(floatVal) || math.IsInf(floatVal, 0) {
			return 0
		}
	}
	return floatVal
}
