package store

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Write outcomes: "ok", "partial" (some granularities failed), "error".
var (
	metricWritesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "trifle_stats",
			Subsystem: "store",
			Name:      "writes_total",
			Help:      "Fan-out write calls by operation and outcome.",
		},
		[]string{"op", "outcome"},
	)

	metricBucketWritesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "trifle_stats",
			Subsystem: "store",
			Name:      "bucket_writes_total",
			Help:      "Individual bucket rows written, by granularity.",
		},
		[]string{"granularity"},
	)

	metricReadsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "trifle_stats",
			Subsystem: "store",
			Name:      "reads_total",
			Help:      "Read calls by operation.",
		},
		[]string{"op"},
	)
)
