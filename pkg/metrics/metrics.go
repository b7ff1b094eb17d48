// Package metrics declares the Prometheus collectors shared by the artdb
// services. Collectors register with the default registry and are exposed
// through Handler.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	FetchRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "artdb",
		Subsystem: "fetch",
		Name:      "rejections_total",
		Help:      "Image URLs rejected by the URL safety validator, by reason.",
	}, []string{"reason"})

	IngestOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "artdb",
		Subsystem: "ingest",
		Name:      "outcomes_total",
		Help:      "Completed ingestions by outcome.",
	}, []string{"outcome"})

	IngestAttempts = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "artdb",
		Subsystem: "ingest",
		Name:      "attempts_total",
		Help:      "Individual upsert attempts made by the ingestion orchestrator.",
	})

	SearchLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "artdb",
		Subsystem: "search",
		Name:      "duration_seconds",
		Help:      "Search request latency by query kind.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"kind"})
)

// Handler returns the HTTP handler serving the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
