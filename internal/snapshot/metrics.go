package snapshot

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	encodedBytes = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "rewind_snapshot_encoded_bytes",
		Help:    "Size of encoded snapshot state in bytes",
		Buckets: prometheus.ExponentialBuckets(256, 4, 10),
	}, []string{"compression", "form"})

	decodeDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "rewind_snapshot_decode_duration_seconds",
		Help:    "Time to verify and decode a snapshot",
		Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
	}, []string{"status"})

	integrityFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rewind_snapshot_integrity_failures_total",
		Help: "Snapshots that failed integrity verification, by stage",
	}, []string{"stage"})

	writesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rewind_snapshot_writes_total",
		Help: "Snapshot write attempts by status",
	}, []string{"status"})

	writeDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "rewind_snapshot_write_duration_seconds",
		Help:    "Time to read live state, encode and persist one snapshot",
		Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10},
	})
)
