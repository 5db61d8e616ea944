package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// CurveMetrics tracks curve engine outcomes and the HTTP surface in front of it.
type CurveMetrics struct {
	transforms      *prometheus.CounterVec
	transformErrors *prometheus.CounterVec
	referencePrice  *prometheus.GaugeVec
	auditFailures   prometheus.Counter
	requests        *prometheus.CounterVec
	durations       *prometheus.HistogramVec
}

var (
	curveOnce     sync.Once
	curveRegistry *CurveMetrics
)

// Curve returns the process-wide curve metrics registered on the default
// prometheus registry.
func Curve() *CurveMetrics {
	curveOnce.Do(func() {
		curveRegistry = newCurveMetrics()
		prometheus.MustRegister(curveRegistry.collectors()...)
	})
	return curveRegistry
}

// NewCurveMetrics builds an unregistered instance bound to reg. Tests use a
// private registry to avoid colliding with the process singleton.
func NewCurveMetrics(reg prometheus.Registerer) *CurveMetrics {
	m := newCurveMetrics()
	if reg != nil {
		reg.MustRegister(m.collectors()...)
	}
	return m
}

func newCurveMetrics() *CurveMetrics {
	return &CurveMetrics{
		transforms: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "curve_transform_total",
			Help: "Count of curve transformation calls by mode and outcome.",
		}, []string{"mode", "outcome"}),
		transformErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "curve_transform_errors_total",
			Help: "Count of failed curve transformation calls by mode and error kind.",
		}, []string{"mode", "kind"}),
		referencePrice: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "curve_reference_price",
			Help: "Last persisted reference price per position.",
		}, []string{"position"}),
		auditFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "curve_audit_write_failures_total",
			Help: "Number of transformation events the audit sink failed to record.",
		}),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "curved_requests_total",
			Help: "Total HTTP requests processed by curved.",
		}, []string{"route", "method", "status"}),
		durations: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "curved_request_duration_seconds",
			Help:    "Duration of curved HTTP requests in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"route", "method"}),
	}
}

func (m *CurveMetrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.transforms,
		m.transformErrors,
		m.referencePrice,
		m.auditFailures,
		m.requests,
		m.durations,
	}
}

// ObserveTransform records a successful call.
func (m *CurveMetrics) ObserveTransform(mode, outcome string) {
	if m == nil {
		return
	}
	if outcome == "" {
		outcome = "unknown"
	}
	m.transforms.WithLabelValues(mode, outcome).Inc()
}

// ObserveTransformError records a failed call.
func (m *CurveMetrics) ObserveTransformError(mode, kind string) {
	if m == nil {
		return
	}
	if kind == "" {
		kind = "unknown"
	}
	m.transformErrors.WithLabelValues(mode, kind).Inc()
}

// SetReferencePrice records the reference price a position was last computed at.
func (m *CurveMetrics) SetReferencePrice(position string, price float64) {
	if m == nil {
		return
	}
	m.referencePrice.WithLabelValues(position).Set(price)
}

// IncAuditFailure counts an audit record that could not be written.
func (m *CurveMetrics) IncAuditFailure() {
	if m == nil {
		return
	}
	m.auditFailures.Inc()
}

// ObserveRequest records a completed HTTP request.
func (m *CurveMetrics) ObserveRequest(route, method, status string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(route, method, status).Inc()
	m.durations.WithLabelValues(route, method).Observe(elapsed.Seconds())
}
