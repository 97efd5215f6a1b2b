package buffer

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Triggers: "size", "interval", "drain".
var (
	metricFlushesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "trifle_stats",
			Subsystem: "buffer",
			Name:      "flushes_total",
			Help:      "Buffer flushes by trigger and outcome.",
		},
		[]string{"trigger", "outcome"},
	)

	metricEntriesFlushed = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "trifle_stats",
			Subsystem: "buffer",
			Name:      "entries_flushed_total",
			Help:      "Buffered calls successfully written through.",
		},
	)

	metricBufferedEntries = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "trifle_stats",
			Subsystem: "buffer",
			Name:      "entries",
			Help:      "Currently buffered, unflushed calls.",
		},
	)
)
