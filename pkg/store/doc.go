/*
Package store provides the pluggable aggregation storage for trifle-stats.

# Store Interface

The core uses an interface-based design to support multiple backends:
  - memory: In-memory storage for testing and ephemeral workloads
  - badger: BadgerDB (LSM tree + Snappy compression) for persistent storage

All backends implement the Store interface. Every durable bucket row is
keyed by (metric key, granularity label, bucket start) and holds a
flattened path→number document plus the identifying key string, so the
layout is reproducible across backends. The "beam" snapshot lives in a
separate single-row-per-key space keyed by metric key alone.

# Tracker

Tracker is the facade callers use. It validates and flattens payloads,
resolves bucket starts, and fans each write out to every configured
granularity:

	res := bucket.NewResolver(time.UTC, time.Monday)
	tr, err := store.NewTracker(backend, store.Config{
	    Granularities: []bucket.Granularity{bucket.Hour, bucket.Day},
	    Resolver:      res,
	})

	// Increment-merge
	err = tr.Track(ctx, "orders::store::42", time.Now(), map[string]any{
	    "count": 1,
	    "revenue": map[string]any{"eur": 120.5},
	})

	// Point-wise replace-merge
	err = tr.Assert(ctx, "orders::store::42", time.Now(), map[string]any{"pending": 9})

	// Ordered, gap-filled bucket sequence
	points, err := tr.Values(ctx, "orders::store::42", from, to, bucket.Hour, false)

# Consistency

Backends serialize merges per bucket; concurrent Track calls to the same
bucket never lose increments. Fan-out across granularities is not atomic
as a whole: a mid-write failure surfaces as *PartialFanoutError naming the
succeeded and failed granularity subsets, and the caller may retry only
the failed ones. Assert calls are last-write-wins per path.

# Buffering

When a BufferedWriter (pkg/buffer) is attached, Track increments are
coalesced in memory and reach the backend on the buffer's flush schedule.
Assert and Beam always write through.
*/
package store
