package monitoring

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "ctvoracle"

const (
	// ResultOK labels requests that were answered with a regular
	// response.
	ResultOK = "ok"

	// ResultError labels requests that were answered with an error.
	ResultError = "error"
)

// OracleMetrics holds the collectors updated by the signing oracle. A nil
// *OracleMetrics is valid and records nothing.
type OracleMetrics struct {
	requests    *prometheus.CounterVec
	duration    *prometheus.HistogramVec
	activeConns prometheus.Gauge
}

// NewOracleMetrics creates the oracle collectors and registers them with reg.
func NewOracleMetrics(reg prometheus.Registerer) (*OracleMetrics, error) {
	m := &OracleMetrics{
		requests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "requests_total",
				Help:      "Requests served, by type and result.",
			},
			[]string{"type", "result"},
		),
		duration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "request_duration_seconds",
				Help:      "Time spent serving a request.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"type"},
		),
		activeConns: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_connections",
				Help:      "Client connections currently open.",
			},
		),
	}

	collectors := []prometheus.Collector{
		m.requests, m.duration, m.activeConns,
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}

	return m, nil
}

// ObserveRequest records a served request of the given type that started at
// start and completed with err.
func (m *OracleMetrics) ObserveRequest(msgType string, start time.Time,
	err error) {

	if m == nil {
		return
	}

	result := ResultOK
	if err != nil {
		result = ResultError
	}

	m.requests.WithLabelValues(msgType, result).Inc()
	m.duration.WithLabelValues(msgType).Observe(
		time.Since(start).Seconds(),
	)
}

// ConnOpened records a newly accepted client connection.
func (m *OracleMetrics) ConnOpened() {
	if m == nil {
		return
	}
	m.activeConns.Inc()
}

// ConnClosed records a client connection being torn down.
func (m *OracleMetrics) ConnClosed() {
	if m == nil {
		return
	}
	m.activeConns.Dec()
}
