package relaysync

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	mutationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relaysync_mutations_total",
		Help: "Mutations processed by push, by outcome",
	}, []string{"outcome"})

	pushDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "relaysync_push_duration_seconds",
		Help:    "Duration of push requests",
		Buckets: prometheus.DefBuckets,
	})

	pullDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "relaysync_pull_duration_seconds",
		Help:    "Duration of pull requests",
		Buckets: prometheus.DefBuckets,
	})

	pullsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relaysync_pulls_total",
		Help: "Pull requests, by namespace resolution source",
	}, []string{"source"})

	legacyResolutionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relaysync_legacy_namespace_resolutions_total",
		Help: "Requests whose namespace came from legacy inference",
	}, []string{"namespace"})

	invalidationsPublished = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relaysync_invalidations_published_total",
		Help: "Invalidation events published to the broadcaster",
	})

	invalidationsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relaysync_invalidations_dropped_total",
		Help: "Invalidation deliveries skipped because a subscriber channel was full",
	})

	subscribersEvicted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relaysync_subscribers_evicted_total",
		Help: "Subscribers closed to stay under the per-user cap",
	})

	subscribersActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "relaysync_subscribers_active",
		Help: "Currently registered stream subscribers",
	})

	progressRowsPruned = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relaysync_progress_rows_pruned_total",
		Help: "Client progress rows removed by the retention janitor",
	})
)
