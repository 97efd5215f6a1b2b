package config

import "time"

// Server defaults
const (
	DefaultPort        = "8080"
	DefaultMaxMemoryMB = 48
)

// Buffer defaults
const (
	DefaultBufferMaxEntries = 1000
	DefaultBufferFlushEvery = 5 * time.Second
)

// Tracking defaults
const (
	DefaultTimezone  = "UTC"
	DefaultWeekStart = "monday"
)

// Request timeouts
const (
	WriteTimeout  = 5 * time.Second
	ValuesTimeout = 30 * time.Second
	ScanTimeout   = 5 * time.Second
	StatsTimeout  = 10 * time.Second
	PruneTimeout  = 60 * time.Second
)

// Values query limits
const (
	MaxValuesBuckets = 10000
)

// WebSocket configuration
const (
	WSReadBufferSize  = 1024
	WSWriteBufferSize = 1024
	WSBroadcastBuffer = 256
	WSChannelBuffer   = 10
	WSWriteDeadline   = 10 * time.Second
	WSReadDeadline    = 60 * time.Second
	WSPingInterval    = 30 * time.Second
)
