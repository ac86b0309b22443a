package replay

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	replayDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "rewind_replay_duration_seconds",
		Help:    "Time to reconstruct state at a target date",
		Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 30},
	}, []string{"outcome"})

	replayTailLength = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "rewind_replay_tail_deltas",
		Help:    "Deltas folded after the base snapshot per replay",
		Buckets: prometheus.ExponentialBuckets(1, 4, 10),
	})

	replayBase = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rewind_replay_base_total",
		Help: "Replays by base state source",
	}, []string{"base"})

	traceDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "rewind_trace_duration_seconds",
		Help:    "Time to trace one resource lifecycle",
		Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
	})
)
