// Package metrics holds the Prometheus collectors shared by the engine's
// components.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "optengine"

// Metrics groups every collector. Create one per process with New.
type Metrics struct {
	FeedReconnects    prometheus.Counter
	FeedState         *prometheus.GaugeVec
	TicksIngested     prometheus.Counter
	GatewaySessions   prometheus.Gauge
	GatewayFrames     *prometheus.CounterVec
	OrdersPlaced      prometheus.Counter
	OrdersRejected    *prometheus.CounterVec
	Settlements       *prometheus.CounterVec
	SchedulerLag      prometheus.Histogram
	TeardownFailures  prometheus.Counter
	ArchivedOrders    prometheus.Counter
	StaleGroupsPruned prometheus.Counter
	RecoveredJobs     prometheus.Counter

	gatherer prometheus.Gatherer
}

// New creates the collectors and registers them with reg. Pass
// prometheus.NewRegistry() in tests to keep them isolated.
func New(reg *prometheus.Registry) *Metrics {
	m := &Metrics{
		FeedReconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "feed", Name: "reconnects_total",
			Help: "Upstream feed reconnect attempts.",
		}),
		FeedState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "feed", Name: "state",
			Help: "1 for the ingestor's current connection state.",
		}, []string{"state"}),
		TicksIngested: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "feed", Name: "ticks_total",
			Help: "Ticks republished onto the distribution stream.",
		}),
		GatewaySessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "gateway", Name: "sessions",
			Help: "Open client connections.",
		}),
		GatewayFrames: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "gateway", Name: "frames_total",
			Help: "Inbound client frames by type.",
		}, []string{"type"}),
		OrdersPlaced: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "placement", Name: "orders_total",
			Help: "Contracts opened.",
		}),
		OrdersRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "placement", Name: "rejections_total",
			Help: "Placement rejections by error code.",
		}, []string{"code"}),
		Settlements: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "settlement", Name: "contracts_total",
			Help: "Settled contracts by outcome.",
		}, []string{"outcome"}),
		SchedulerLag: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "scheduler", Name: "lag_seconds",
			Help:    "Delay between contract expiry and evaluation.",
			Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		}),
		TeardownFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "scheduler", Name: "teardown_failures_total",
			Help: "Jobs whose acknowledgement was abandoned after retries.",
		}),
		ArchivedOrders: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "archive", Name: "orders_total",
			Help: "Evaluated orders exported to object storage.",
		}),
		StaleGroupsPruned: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "gateway", Name: "stale_groups_pruned_total",
			Help: "Abandoned consumer groups removed by the janitor.",
		}),
		RecoveredJobs: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "scheduler", Name: "recovered_jobs_total",
			Help: "Waiting contracts re-queued by the recovery sweep.",
		}),
		gatherer: reg,
	}

	reg.MustRegister(
		m.FeedReconnects, m.FeedState, m.TicksIngested,
		m.GatewaySessions, m.GatewayFrames,
		m.OrdersPlaced, m.OrdersRejected,
		m.Settlements, m.SchedulerLag, m.TeardownFailures,
		m.ArchivedOrders, m.StaleGroupsPruned, m.RecoveredJobs,
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)
	return m
}

// NewNop returns collectors registered on a throwaway registry.
func NewNop() *Metrics {
	return New(prometheus.NewRegistry())
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

// SetFeedState marks state as the only active feed state.
func (m *Metrics) SetFeedState(state string, all []string) {
	for _, s := range all {
		v := 0.0
		if s == state {
			v = 1
		}
		m.FeedState.WithLabelValues(s).Set(v)
	}
}
