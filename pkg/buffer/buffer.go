// Package buffer coalesces high-frequency increment writes in memory
// before committing them to the aggregation store, to amortize storage
// writes. Replace-merge (assert) and beam writes never pass through here.
package buffer

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/trifle-io/stats/pkg/bucket"
	"github.com/trifle-io/stats/pkg/store"
)

// Config holds configuration for the buffer
type Config struct {
	// MaxEntries triggers a flush once this many writes are buffered.
	MaxEntries int

	// FlushEvery is the age threshold for the oldest unflushed entry,
	// checked by the background flush loop.
	FlushEvery time.Duration

	// Aggregate coalesces same-bucket deltas into one store write per
	// flush. When false, the buffer replays one store write per original
	// call in arrival order: same eventual values, more write volume.
	Aggregate bool

	// Logger defaults to a no-op logger.
	Logger *zerolog.Logger
}

// FlushError reports a flush that failed to write through. Buffered
// deltas are retained for the next attempt, never discarded.
type FlushError struct {
	Entries int // entries still buffered after the failure
	Err     error
}

func (e *FlushError) Error() string {
	return fmt.Sprintf("buffer flush failed, %d entries retained: %v", e.Entries, e.Err)
}

func (e *FlushError) Unwrap() error { return e.Err }

// target identifies one buffered accumulation slot.
type target struct {
	key   string
	g     bucket.Granularity
	start int64 // unix seconds
}

// slot is one aggregate-mode accumulation cell: the coalesced document
// plus the number of original calls it absorbed. The call count keeps the
// size-trigger accounting exact when a failed flush re-queues the slot.
type slot struct {
	doc   map[string]float64
	calls int
}

// entry is one original call, kept in arrival order for replay mode.
type entry struct {
	t      target
	deltas map[string]float64
}

// Buffer accumulates increment deltas and flushes them through a Store.
// State machine per target: Empty -> Accumulating -> (flush) -> Empty.
type Buffer struct {
	config Config
	store  store.Store
	log    zerolog.Logger

	mu      sync.Mutex
	deltas  map[target]*slot // aggregate mode accumulator
	ordered []entry          // replay mode write log
	pending int              // buffered call count (flush size trigger)
	oldest  time.Time        // arrival of oldest unflushed entry

	consecutiveFailures int

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	// Prevents concurrent background flushes; explicit Flush/Drain still
	// serialize on mu during the swap.
	flushing atomic.Bool
}

// New creates a buffer that flushes through the given store.
func New(s store.Store, config Config) *Buffer {
	log := zerolog.Nop()
	if config.Logger != nil {
		log = *config.Logger
	}

	return &Buffer{
		config: config,
		store:  s,
		log:    log,
		deltas: make(map[target]*slot),
		done:   make(chan struct{}),
	}
}

// Start launches the background flush loop.
func (b *Buffer) Start(ctx context.Context) error {
	b.ctx, b.cancel = context.WithCancel(ctx)

	go b.flushLoop()
	return nil
}

// Add stages increment deltas for one bucket. Non-blocking apart from the
// accumulator critical section. Implements store.BufferedWriter.
func (b *Buffer) Add(key string, g bucket.Granularity, start time.Time, deltas map[string]float64) {
	t := target{key: key, g: g, start: start.Unix()}

	b.mu.Lock()
	if b.pending == 0 {
		b.oldest = time.Now()
	}
	b.pending++

	if b.config.Aggregate {
		s, ok := b.deltas[t]
		if !ok {
			s = &slot{doc: make(map[string]float64, len(deltas))}
			b.deltas[t] = s
		}
		for path, v := range deltas {
			s.doc[path] += v
		}
		s.calls++
	} else {
		// Copy: the caller reuses the same flattened map across the
		// granularity fan-out.
		copied := make(map[string]float64, len(deltas))
		for path, v := range deltas {
			copied[path] = v
		}
		b.ordered = append(b.ordered, entry{t: t, deltas: copied})
	}

	shouldFlush := b.pending >= b.config.MaxEntries
	metricBufferedEntries.Set(float64(b.pending))
	b.mu.Unlock()

	// Flush if the buffer is full AND no flush is already running.
	// CompareAndSwap ensures only one background flush goroutine at a time.
	if shouldFlush && b.flushing.CompareAndSwap(false, true) {
		go func() {
			b.flushAndReport("size")
			b.flushing.Store(false)
		}()
	}
}

// Flush drains all buffered entries through the store right now.
// On failure the entries stay buffered and a *FlushError is returned.
func (b *Buffer) Flush(ctx context.Context) error {
	return b.flush(ctx, "drain")
}

// Stop cancels the flush loop, waits for it, then runs a final drain so
// shutdown never silently drops buffered increments.
func (b *Buffer) Stop() error {
	if b.cancel != nil {
		b.cancel()
		// Wait for flush loop to finish
		<-b.done
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return b.flush(ctx, "drain")
}

// Len returns the number of buffered, unflushed calls.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.pending
}

// flushLoop flushes on an interval once the oldest entry is old enough.
func (b *Buffer) flushLoop() {
	defer close(b.done)

	interval := b.config.FlushEvery
	if interval <= 0 {
		interval = time.Second
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-b.ctx.Done():
			return
		case <-ticker.C:
			b.mu.Lock()
			due := b.pending > 0 && time.Since(b.oldest) >= b.config.FlushEvery
			b.mu.Unlock()

			if due && b.flushing.CompareAndSwap(false, true) {
				b.flushAndReport("interval")
				b.flushing.Store(false)
			}
		}
	}
}

// flushAndReport is the background-trigger wrapper: failures are logged
// and counted rather than returned, so they stay visible without a caller.
func (b *Buffer) flushAndReport(trigger string) {
	ctx := b.ctx
	if ctx == nil {
		ctx = context.Background()
	}
	flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	if err := b.flush(flushCtx, trigger); err != nil {
		b.log.Error().Err(err).Str("trigger", trigger).Msg("buffer flush failed")
	}
}

// flush swaps the accumulator for an empty one under the lock, then
// writes through to storage outside it. Failed deltas are merged back so
// a later attempt can retry; repeated failures grow the buffer and are
// surfaced via log + metrics instead of being dropped.
func (b *Buffer) flush(ctx context.Context, trigger string) error {
	b.mu.Lock()
	if b.pending == 0 {
		b.mu.Unlock()
		return nil
	}

	deltas := b.deltas
	ordered := b.ordered
	pending := b.pending
	b.deltas = make(map[target]*slot)
	b.ordered = nil
	b.pending = 0
	metricBufferedEntries.Set(0)
	b.mu.Unlock()

	var err error
	if b.config.Aggregate {
		err = b.flushAggregated(ctx, deltas)
	} else {
		err = b.flushOrdered(ctx, &ordered)
	}

	if err != nil {
		// Retain everything that did not reach storage. The flush helpers
		// strip what was written, so only failures are re-queued.
		b.mu.Lock()
		if b.config.Aggregate {
			for t, s := range deltas {
				dst, ok := b.deltas[t]
				if !ok {
					b.deltas[t] = s
					b.pending += s.calls
					continue
				}
				for path, v := range s.doc {
					dst.doc[path] += v
				}
				dst.calls += s.calls
				b.pending += s.calls
			}
		} else {
			b.ordered = append(ordered, b.ordered...)
			b.pending += len(ordered)
		}
		b.consecutiveFailures++
		failures := b.consecutiveFailures
		retained := b.pending
		metricBufferedEntries.Set(float64(b.pending))
		b.mu.Unlock()

		metricFlushesTotal.WithLabelValues(trigger, "error").Inc()
		if failures > 1 {
			b.log.Error().
				Int("consecutive_failures", failures).
				Int("retained_entries", retained).
				Msg("buffer retrying against unavailable storage; growth unbounded until it recovers")
		}
		return &FlushError{Entries: retained, Err: err}
	}

	b.mu.Lock()
	b.consecutiveFailures = 0
	b.mu.Unlock()

	metricFlushesTotal.WithLabelValues(trigger, "ok").Inc()
	metricEntriesFlushed.Add(float64(pending))
	return nil
}

// flushAggregated issues one coalesced increment per buffered target.
// Successfully written targets are removed from the map so a failure
// retains only what storage did not take.
func (b *Buffer) flushAggregated(ctx context.Context, deltas map[target]*slot) error {
	var firstErr error
	for t, s := range deltas {
		if err := b.store.IncrBucket(ctx, t.key, t.g, time.Unix(t.start, 0).UTC(), s.doc); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		delete(deltas, t)
	}
	return firstErr
}

// flushOrdered replays one store write per original call, in arrival
// order. On error the failed call and everything after it stay queued.
func (b *Buffer) flushOrdered(ctx context.Context, ordered *[]entry) error {
	writes := *ordered
	for i, e := range writes {
		if err := b.store.IncrBucket(ctx, e.t.key, e.t.g, time.Unix(e.t.start, 0).UTC(), e.deltas); err != nil {
			*ordered = writes[i:]
			return err
		}
	}
	*ordered = nil
	return nil
}
