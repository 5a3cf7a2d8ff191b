// Package metrics exposes Prometheus instrumentation for the supervisor,
// the worker controller, and the stores. Collectors are registered on the
// default registry at init so packages can record without wiring.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// StreamsConfigured tracks the number of stream records in the store.
	StreamsConfigured = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "rtspbridge_streams_configured",
		Help: "Number of stream records currently in the store.",
	})

	// StreamsRunning tracks streams whose worker probed alive on the last
	// reconcile pass.
	StreamsRunning = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "rtspbridge_streams_running",
		Help: "Number of streams with a live worker process.",
	})

	// WorkerStartsTotal counts worker process launches.
	WorkerStartsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rtspbridge_worker_starts_total",
		Help: "Total worker processes launched.",
	})

	// WorkerExitsTotal counts worker process exits, clean or not.
	WorkerExitsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rtspbridge_worker_exits_total",
		Help: "Total worker process exits.",
	})

	// WorkerRestartsTotal counts restarts attempted by the restart policy.
	WorkerRestartsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rtspbridge_worker_restarts_total",
		Help: "Total worker restarts attempted by the restart policy.",
	})

	// MutationsTotal counts supervisor mutations by operation and outcome.
	MutationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rtspbridge_mutations_total",
		Help: "Supervisor mutations by operation and outcome.",
	}, []string{"operation", "outcome"})

	// ReconcilePasses counts reconcile loop iterations.
	ReconcilePasses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rtspbridge_reconcile_passes_total",
		Help: "Total reconcile loop passes completed.",
	})

	// ReconcileDuration observes how long each reconcile pass takes.
	ReconcileDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "rtspbridge_reconcile_duration_seconds",
		Help:    "Duration of reconcile passes.",
		Buckets: prometheus.DefBuckets,
	})

	// EventsPublishedTotal counts lifecycle events handed to the publisher.
	EventsPublishedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rtspbridge_events_published_total",
		Help: "Lifecycle events published by type.",
	}, []string{"type"})
)

// ObserveMutation records one supervisor mutation outcome.
func ObserveMutation(operation string, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	MutationsTotal.WithLabelValues(operation, outcome).Inc()
}

// Handler serves the default registry in Prometheus exposition format.
func Handler() http.Handler {
	return promhttp.Handler()
}
