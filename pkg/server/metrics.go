package server

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricWSClients = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "trifle_stats",
			Subsystem: "server",
			Name:      "websocket_clients",
			Help:      "Currently connected live feed clients.",
		},
	)

	metricRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "trifle_stats",
			Subsystem: "server",
			Name:      "requests_total",
			Help:      "API requests by endpoint and status class.",
		},
		[]string{"endpoint", "status"},
	)
)
