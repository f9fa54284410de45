package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	Cycles = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "threatsync_cycles_total",
			Help: "Sync cycles by trigger and result",
		},
		[]string{"trigger", "result"},
	)

	CycleDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "threatsync_cycle_duration_seconds",
			Help:    "Duration of a full sync cycle",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
		},
	)

	Items = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "threatsync_items_total",
			Help: "Feed items by source and pipeline outcome",
		},
		[]string{"source", "outcome"},
	)

	SourceSyncs = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "threatsync_source_syncs_total",
			Help: "Per-source sync attempts by result and error category",
		},
		[]string{"source", "result", "category"},
	)

	SourceAvailable = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "threatsync_source_available",
			Help: "1 when the source adapter is marked available",
		},
		[]string{"source"},
	)

	ClassifierFallbacks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "threatsync_classifier_fallbacks_total",
			Help: "Classifications produced by the fallback path, by cause",
		},
		[]string{"cause"},
	)

	ClassifierLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "threatsync_classifier_latency_seconds",
			Help:    "Oracle round trip latency",
			Buckets: prometheus.DefBuckets,
		},
	)
)

// Item outcomes.
const (
	OutcomeFetched    = "fetched"
	OutcomeIrrelevant = "irrelevant"
	OutcomeCapped     = "capped"
	OutcomeNew        = "new"
	OutcomeUpdated    = "updated"
	OutcomeDuplicate  = "duplicate"
	OutcomeGated      = "gated"
	OutcomeStored     = "stored"
	OutcomeFailed     = "failed"
)

// SetAvailable records an adapter availability flag.
func SetAvailable(source string, ok bool) {
	v := 0.0
	if ok {
		v = 1
	}
	SourceAvailable.WithLabelValues(source).Set(v)
}
