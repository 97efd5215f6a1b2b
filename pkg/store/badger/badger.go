// Package badger implements store.Store on BadgerDB (LSM tree).
package badger

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/options"

	"github.com/trifle-io/stats/pkg/bucket"
	"github.com/trifle-io/stats/pkg/store"
)

// Key layout:
//
//	bucket row: 'b' + xxhash64(metric key) + granularity id + big-endian unix seconds
//	snapshot:   's' + xxhash64(metric key)
//
// The metric key string itself lives in the row value, so the hash never
// needs inverting and row keys stay fixed-width and range-scannable.
const (
	prefixBucket   = 'b'
	prefixSnapshot = 's'

	bucketKeyLen = 1 + 8 + 1 + 8
)

// Storage implements store.Store using BadgerDB
type Storage struct {
	db *badger.DB
}

// Config holds BadgerDB configuration
type Config struct {
	// Path to store database files
	Path string

	// InMemory mode (for testing)
	InMemory bool

	// MaxMemoryMB limits BadgerDB memory usage in MB (0 = use defaults)
	// Recommended: 64-128 MB for local dev, 256-512 MB for production
	MaxMemoryMB int64
}

// New creates a BadgerDB storage backend
func New(cfg Config) (*Storage, error) {
	opts := badger.DefaultOptions(cfg.Path)

	if cfg.InMemory {
		opts = opts.WithInMemory(true)
	}

	// Conservative memory limits; BadgerDB defaults assume a server with
	// RAM to spare, aggregation rows are tiny.
	var memTableSize int64
	if cfg.MaxMemoryMB > 0 {
		memTableSize = cfg.MaxMemoryMB * 1024 * 1024 / 3 // ~33% for memtable
	} else {
		// 16 MB memtable is the floor for decent performance;
		// below that BadgerDB flushes to disk constantly
		memTableSize = 16 * 1024 * 1024
	}

	blockCacheSize := memTableSize / 2 // Block cache: 50% of memtable
	indexCacheSize := memTableSize / 4 // Index cache: 25% of memtable

	opts = opts.
		WithCompression(options.Snappy).
		WithNumVersionsToKeep(1).
		WithMemTableSize(memTableSize).
		WithNumMemtables(3).
		WithBlockCacheSize(blockCacheSize).
		WithIndexCacheSize(indexCacheSize).
		WithMaxLevels(4).
		WithNumLevelZeroTables(2).
		WithNumLevelZeroTablesStall(4).
		WithValueThreshold(1024).
		WithNumCompactors(1).
		WithValueLogMaxEntries(5000).
		WithValueLogFileSize(64 << 20)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger: %w", err)
	}

	return &Storage{db: db}, nil
}

// bucketRow is the durable value format for one bucket.
// Carries the identifying key string so the row is self-describing.
type bucketRow struct {
	Key         string             `json:"key"`
	Granularity string             `json:"granularity"`
	Start       int64              `json:"start"`
	Data        map[string]float64 `json:"data"`
}

// snapshotRow is the durable value format for a beam snapshot.
type snapshotRow struct {
	Key  string             `json:"key"`
	At   time.Time          `json:"at"`
	Data map[string]float64 `json:"data"`
}

// IncrBucket adds deltas into the stored document for one bucket.
// The read-modify-write runs inside a single transaction; Badger's
// optimistic concurrency turns racing merges into ErrConflict, which we
// retry until the context gives up. That retry loop is the per-bucket
// atomicity guarantee.
func (s *Storage) IncrBucket(ctx context.Context, key string, g bucket.Granularity, start time.Time, deltas map[string]float64) error {
	return s.mergeBucket(ctx, key, g, start, deltas, func(doc map[string]float64, path string, v float64) {
		doc[path] += v
	})
}

// SetBucket overwrites the supplied paths in the stored document.
func (s *Storage) SetBucket(ctx context.Context, key string, g bucket.Granularity, start time.Time, values map[string]float64) error {
	return s.mergeBucket(ctx, key, g, start, values, func(doc map[string]float64, path string, v float64) {
		doc[path] = v
	})
}

func (s *Storage) mergeBucket(ctx context.Context, key string, g bucket.Granularity, start time.Time, values map[string]float64, apply func(map[string]float64, string, float64)) error {
	rowKey := makeBucketKey(key, g, start)

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := s.db.Update(func(txn *badger.Txn) error {
			row := bucketRow{
				Key:         key,
				Granularity: g.String(),
				Start:       start.Unix(),
				Data:        make(map[string]float64, len(values)),
			}

			item, err := txn.Get(rowKey)
			switch {
			case err == nil:
				if err := item.Value(func(val []byte) error {
					return json.Unmarshal(val, &row)
				}); err != nil {
					return fmt.Errorf("failed to decode bucket row: %w", err)
				}
			case errors.Is(err, badger.ErrKeyNotFound):
				// Lazily created on first write
			default:
				return err
			}

			for path, v := range values {
				apply(row.Data, path, v)
			}

			encoded, err := json.Marshal(row)
			if err != nil {
				return fmt.Errorf("failed to encode bucket row: %w", err)
			}
			return txn.Set(rowKey, encoded)
		})

		if errors.Is(err, badger.ErrConflict) {
			continue
		}
		return mapErr(err)
	}
}

// ReadBuckets fetches the documents for the requested starts.
func (s *Storage) ReadBuckets(ctx context.Context, key string, g bucket.Granularity, starts []time.Time) (map[int64]map[string]float64, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	rows := make(map[int64]map[string]float64)
	err := s.db.View(func(txn *badger.Txn) error {
		for i, start := range starts {
			// Check context periodically on wide ranges
			if i%100 == 0 {
				if err := ctx.Err(); err != nil {
					return err
				}
			}

			item, err := txn.Get(makeBucketKey(key, g, start))
			if errors.Is(err, badger.ErrKeyNotFound) {
				continue
			}
			if err != nil {
				return err
			}

			var row bucketRow
			if err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &row)
			}); err != nil {
				return fmt.Errorf("failed to decode bucket row: %w", err)
			}
			rows[start.Unix()] = row.Data
		}
		return nil
	})
	if err != nil {
		return nil, mapErr(err)
	}
	return rows, nil
}

// PutSnapshot unconditionally replaces the beam row for snap.Key.
func (s *Storage) PutSnapshot(ctx context.Context, snap store.Snapshot) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	encoded, err := json.Marshal(snapshotRow{Key: snap.Key, At: snap.At, Data: snap.Data})
	if err != nil {
		return fmt.Errorf("failed to encode snapshot: %w", err)
	}

	return mapErr(s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(makeSnapshotKey(snap.Key), encoded)
	}))
}

// GetSnapshot returns the beam row for key, or store.ErrNotFound.
func (s *Storage) GetSnapshot(ctx context.Context, key string) (store.Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return store.Snapshot{}, err
	}

	var row snapshotRow
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(makeSnapshotKey(key))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &row)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return store.Snapshot{}, store.ErrNotFound
	}
	if err != nil {
		return store.Snapshot{}, mapErr(err)
	}
	return store.Snapshot{Key: row.Key, At: row.At, Data: row.Data}, nil
}

// DeleteBefore removes bucket rows older than the cutoff across all keys
// and granularities. Retention hook; never called by the core itself.
func (s *Storage) DeleteBefore(ctx context.Context, before time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	done := make(chan error, 1)
	go func() {
		done <- s.db.Update(func(txn *badger.Txn) error {
			iterOpts := badger.DefaultIteratorOptions
			iterOpts.PrefetchValues = false
			iterOpts.Prefix = []byte{prefixBucket}

			it := txn.NewIterator(iterOpts)
			defer it.Close()

			cutoff := before.Unix()
			var keysToDelete [][]byte
			var iterCount int

			for it.Rewind(); it.Valid(); it.Next() {
				iterCount++
				if iterCount%1000 == 0 {
					if err := ctx.Err(); err != nil {
						return err
					}
				}

				k := it.Item().Key()
				if _, _, epoch, ok := parseBucketKey(k); ok && epoch < cutoff {
					keysToDelete = append(keysToDelete, it.Item().KeyCopy(nil))
				}
			}

			for _, k := range keysToDelete {
				if err := txn.Delete(k); err != nil {
					return err
				}
			}
			return nil
		})
	}()

	select {
	case err := <-done:
		return mapErr(err)
	case <-ctx.Done():
		return fmt.Errorf("delete operation cancelled: %w", ctx.Err())
	}
}

// Stats returns storage statistics.
// Runs in a goroutine with a done channel so a cancelled context never
// leaves the caller blocked on a full iteration.
func (s *Storage) Stats(ctx context.Context) (*store.Stats, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	type statsResult struct {
		stats *store.Stats
		err   error
	}
	done := make(chan statsResult, 1)

	go func() {
		stats := &store.Stats{}

		err := s.db.View(func(txn *badger.Txn) error {
			iterOpts := badger.DefaultIteratorOptions
			iterOpts.PrefetchValues = false
			iterOpts.Prefix = []byte{prefixBucket}

			it := txn.NewIterator(iterOpts)
			defer it.Close()

			keyHashes := make(map[uint64]bool)
			var oldest, newest int64
			first := true
			var iterCount int

			for it.Rewind(); it.Valid(); it.Next() {
				iterCount++
				if iterCount%1000 == 0 {
					if err := ctx.Err(); err != nil {
						return err
					}
				}

				hash, _, epoch, ok := parseBucketKey(it.Item().Key())
				if !ok {
					continue
				}

				stats.TotalBuckets++
				keyHashes[hash] = true

				if first || epoch < oldest {
					oldest = epoch
				}
				if first || epoch > newest {
					newest = epoch
				}
				first = false
			}

			stats.TotalKeys = uint64(len(keyHashes))
			if !first {
				stats.OldestBucket = time.Unix(oldest, 0).UTC()
				stats.NewestBucket = time.Unix(newest, 0).UTC()
			}
			return nil
		})
		if err == nil {
			lsmSize, vlogSize := s.db.Size()
			stats.SizeBytes = uint64(lsmSize + vlogSize)
		}
		done <- statsResult{stats: stats, err: err}
	}()

	select {
	case res := <-done:
		if res.err != nil {
			return nil, mapErr(res.err)
		}
		return res.stats, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("stats operation cancelled: %w", ctx.Err())
	}
}

// Ping reports whether the database accepts operations.
func (s *Storage) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.db.IsClosed() {
		return store.ErrUnavailable
	}
	return nil
}

// Close shuts down BadgerDB cleanly
func (s *Storage) Close() error {
	return s.db.Close()
}

// RunGC runs BadgerDB's value log garbage collection.
// discardRatio: run GC if this fraction of a file can be discarded.
func (s *Storage) RunGC(discardRatio float64) error {
	return s.db.RunValueLogGC(discardRatio)
}

// mapErr converts backend closure errors to the portable sentinel.
func mapErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, badger.ErrDBClosed) || errors.Is(err, badger.ErrBlockedWrites) {
		return fmt.Errorf("%w: %v", store.ErrUnavailable, err)
	}
	return err
}

// granID returns the stable one-byte id for a granularity label.
func granID(g bucket.Granularity) byte {
	for i, known := range bucket.All() {
		if g == known {
			return byte(i)
		}
	}
	return 0xff
}

// makeBucketKey creates a fixed-width sortable bucket row key
func makeBucketKey(key string, g bucket.Granularity, start time.Time) []byte {
	k := make([]byte, bucketKeyLen)
	k[0] = prefixBucket
	binary.BigEndian.PutUint64(k[1:9], xxhash.Sum64String(key))
	k[9] = granID(g)
	binary.BigEndian.PutUint64(k[10:18], uint64(start.Unix()))
	return k
}

// parseBucketKey extracts key hash, granularity id and epoch from a row key
func parseBucketKey(k []byte) (hash uint64, gran byte, epoch int64, ok bool) {
	if len(k) != bucketKeyLen || k[0] != prefixBucket {
		return 0, 0, 0, false
	}
	hash = binary.BigEndian.Uint64(k[1:9])
	gran = k[9]
	epoch = int64(binary.BigEndian.Uint64(k[10:18]))
	return hash, gran, epoch, true
}

// makeSnapshotKey creates the beam row key for a metric key
func makeSnapshotKey(key string) []byte {
	k := make([]byte, 9)
	k[0] = prefixSnapshot
	binary.BigEndian.PutUint64(k[1:9], xxhash.Sum64String(key))
	return k
}
