// Package memory implements store.Store in process memory.
// Data is lost on restart. Useful for testing and development.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/trifle-io/stats/pkg/bucket"
	"github.com/trifle-io/stats/pkg/store"
)

type rowKey struct {
	key   string
	g     bucket.Granularity
	start int64 // unix seconds
}

// Store keeps bucket rows and beam snapshots in maps under one RWMutex.
// The mutex is the per-bucket merge serialization: read-modify-write of a
// row document happens entirely inside the write lock.
type Store struct {
	mu        sync.RWMutex
	buckets   map[rowKey]map[string]float64
	snapshots map[string]store.Snapshot
	closed    bool
}

// New creates an in-memory storage backend
func New() *Store {
	return &Store{
		buckets:   make(map[rowKey]map[string]float64),
		snapshots: make(map[string]store.Snapshot),
	}
}

// IncrBucket adds deltas into the bucket document, creating it lazily.
func (s *Store) IncrBucket(ctx context.Context, key string, g bucket.Granularity, start time.Time, deltas map[string]float64) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return store.ErrUnavailable
	}

	rk := rowKey{key: key, g: g, start: start.Unix()}
	doc, ok := s.buckets[rk]
	if !ok {
		doc = make(map[string]float64, len(deltas))
		s.buckets[rk] = doc
	}
	for path, delta := range deltas {
		doc[path] += delta
	}
	return nil
}

// SetBucket overwrites the supplied paths, leaving the rest untouched.
func (s *Store) SetBucket(ctx context.Context, key string, g bucket.Granularity, start time.Time, values map[string]float64) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return store.ErrUnavailable
	}

	rk := rowKey{key: key, g: g, start: start.Unix()}
	doc, ok := s.buckets[rk]
	if !ok {
		doc = make(map[string]float64, len(values))
		s.buckets[rk] = doc
	}
	for path, v := range values {
		doc[path] = v
	}
	return nil
}

// ReadBuckets returns copies of the stored documents, keyed by unix second.
func (s *Store) ReadBuckets(ctx context.Context, key string, g bucket.Granularity, starts []time.Time) (map[int64]map[string]float64, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, store.ErrUnavailable
	}

	rows := make(map[int64]map[string]float64)
	for _, start := range starts {
		doc, ok := s.buckets[rowKey{key: key, g: g, start: start.Unix()}]
		if !ok {
			continue
		}
		// Copy so callers can't mutate stored state
		out := make(map[string]float64, len(doc))
		for p, v := range doc {
			out[p] = v
		}
		rows[start.Unix()] = out
	}
	return rows, nil
}

// PutSnapshot replaces the beam row for snap.Key.
func (s *Store) PutSnapshot(ctx context.Context, snap store.Snapshot) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return store.ErrUnavailable
	}

	data := make(map[string]float64, len(snap.Data))
	for p, v := range snap.Data {
		data[p] = v
	}
	s.snapshots[snap.Key] = store.Snapshot{Key: snap.Key, At: snap.At, Data: data}
	return nil
}

// GetSnapshot returns the beam row for key, or store.ErrNotFound.
func (s *Store) GetSnapshot(ctx context.Context, key string) (store.Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return store.Snapshot{}, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return store.Snapshot{}, store.ErrUnavailable
	}

	snap, ok := s.snapshots[key]
	if !ok {
		return store.Snapshot{}, store.ErrNotFound
	}

	data := make(map[string]float64, len(snap.Data))
	for p, v := range snap.Data {
		data[p] = v
	}
	return store.Snapshot{Key: snap.Key, At: snap.At, Data: data}, nil
}

// DeleteBefore removes bucket rows older than the cutoff.
func (s *Store) DeleteBefore(ctx context.Context, before time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return store.ErrUnavailable
	}

	cutoff := before.Unix()
	for rk := range s.buckets {
		if rk.start < cutoff {
			delete(s.buckets, rk)
		}
	}
	return nil
}

// Stats returns storage statistics
func (s *Store) Stats(ctx context.Context) (*store.Stats, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, store.ErrUnavailable
	}

	stats := &store.Stats{TotalBuckets: uint64(len(s.buckets))}
	if len(s.buckets) == 0 {
		return stats, nil
	}

	// Count distinct keys and find min/max bucket starts in a single pass
	keys := make(map[string]bool)
	var oldest, newest int64
	first := true
	var paths uint64

	for rk, doc := range s.buckets {
		keys[rk.key] = true
		paths += uint64(len(doc))

		if first || rk.start < oldest {
			oldest = rk.start
		}
		if first || rk.start > newest {
			newest = rk.start
		}
		first = false
	}

	stats.TotalKeys = uint64(len(keys))
	stats.OldestBucket = time.Unix(oldest, 0).UTC()
	stats.NewestBucket = time.Unix(newest, 0).UTC()

	// Rough size estimate (each stored path ~48 bytes)
	stats.SizeBytes = paths * 48

	return stats, nil
}

// Ping reports whether the store is usable.
func (s *Store) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return store.ErrUnavailable
	}
	return nil
}

// Close marks the store unusable. Subsequent calls fail with
// store.ErrUnavailable.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
