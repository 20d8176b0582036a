package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "vali"

// Metrics holds the collectors of one node on its own registry. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	// RequestsTotal counts peer calls by result: success/error
	RequestsTotal *prometheus.CounterVec
	// CallDuration measures peer call latency
	CallDuration prometheus.Histogram
	// VotesTotal counts vote attempts by outcome status
	VotesTotal *prometheus.CounterVec
	// PendingCalls tracks calls in flight per worker
	PendingCalls *prometheus.GaugeVec
	// Peers tracks the directory size
	Peers prometheus.Gauge
	// WorkerRestarts counts stalled workers restarted by the supervisor
	WorkerRestarts prometheus.Counter
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		RequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "requests_total",
				Help:      "Total number of peer evaluation calls",
			},
			[]string{"result"},
		),
		CallDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "call_latency_seconds",
				Help:      "Peer call latency in seconds",
				Buckets:   []float64{.005, .01, .05, .1, .5, 1, 2.5, 5, 10},
			},
		),
		VotesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "votes_total",
				Help:      "Total number of vote attempts",
			},
			[]string{"status"},
		),
		PendingCalls: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "pending_calls",
				Help:      "Peer calls currently in flight",
			},
			[]string{"worker"},
		),
		Peers: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "peers",
				Help:      "Number of peers in the directory",
			},
		),
		WorkerRestarts: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "worker_restarts_total",
				Help:      "Total number of stalled workers restarted",
			},
		),
	}
}

// Handler serves the registry in the prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) RecordCall(success bool, latency time.Duration) {
	if m == nil {
		return
	}
	result := "success"
	if !success {
		result = "error"
	}
	m.RequestsTotal.WithLabelValues(result).Inc()
	m.CallDuration.Observe(latency.Seconds())
}

func (m *Metrics) RecordVote(status string) {
	if m == nil {
		return
	}
	m.VotesTotal.WithLabelValues(status).Inc()
}

func (m *Metrics) SetPending(worker string, n int) {
	if m == nil {
		return
	}
	m.PendingCalls.WithLabelValues(worker).Set(float64(n))
}

func (m *Metrics) SetPeers(n int) {
	if m == nil {
		return
	}
	m.Peers.Set(float64(n))
}

func (m *Metrics) RecordRestart() {
	if m == nil {
		return
	}
	m.WorkerRestarts.Inc()
}
