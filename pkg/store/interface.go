package store

import (
	"context"
	"time"

	"github.com/trifle-io/stats/pkg/bucket"
)

// Store is the interface for durable aggregation backends.
// Implementations: memory (testing), badger (production).
//
// Per-bucket merges must be atomic: concurrent IncrBucket calls for the
// same (key, granularity, start) may never lose updates.
type Store interface {
	// IncrBucket adds each delta to the stored value for its path,
	// treating absent paths as 0. Creates the bucket row lazily.
	IncrBucket(ctx context.Context, key string, g bucket.Granularity, start time.Time, deltas map[string]float64) error

	// SetBucket overwrites the stored value for each supplied path.
	// Paths not present in values are left untouched (point-wise upsert,
	// not a bucket replacement).
	SetBucket(ctx context.Context, key string, g bucket.Granularity, start time.Time, values map[string]float64) error

	// ReadBuckets fetches the documents for the requested bucket starts,
	// keyed by unix second. Starts with no recorded writes are absent
	// from the result; gap handling belongs to the caller.
	ReadBuckets(ctx context.Context, key string, g bucket.Granularity, starts []time.Time) (map[int64]map[string]float64, error)

	// PutSnapshot unconditionally replaces the latest-state row for
	// snap.Key. Full replacement, independent of the bucketed rows.
	PutSnapshot(ctx context.Context, snap Snapshot) error

	// GetSnapshot returns the most recent snapshot for key, or
	// ErrNotFound if the key was never beamed.
	GetSnapshot(ctx context.Context, key string) (Snapshot, error)

	// DeleteBefore removes bucket rows whose start precedes the cutoff.
	// Retention hook for external janitors; nothing in the core calls it.
	DeleteBefore(ctx context.Context, before time.Time) error

	// Stats returns storage statistics
	Stats(ctx context.Context) (*Stats, error)

	// Ping verifies the backend is reachable
	Ping(ctx context.Context) error

	// Close cleanly shuts down the backend
	Close() error
}

// Snapshot is the single latest-state row a Beam call writes for a key.
type Snapshot struct {
	Key  string
	At   time.Time
	Data map[string]float64
}

// Point is one bucket in a Values result: the bucket start plus its
// flattened path document. Empty buckets carry an empty (non-nil) map.
type Point struct {
	Start time.Time
	Data  map[string]float64
}

// Stats provides storage health and usage info
type Stats struct {
	// Total bucket rows stored across all granularities
	TotalBuckets uint64 `json:"total_buckets"`

	// Distinct metric keys with at least one bucket row
	TotalKeys uint64 `json:"total_keys"`

	// Storage size in bytes (0 where the backend cannot tell)
	SizeBytes uint64 `json:"size_bytes"`

	// Oldest bucket start
	OldestBucket time.Time `json:"oldest_bucket"`

	// Newest bucket start
	NewestBucket time.Time `json:"newest_bucket"`
}
