package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/trifle-io/stats/pkg/bucket"
	"github.com/trifle-io/stats/pkg/payload"
)

// BufferedWriter stages increment deltas for later flush-through.
// Implemented by pkg/buffer; wired in at construction so the Tracker
// never depends on buffer internals.
type BufferedWriter interface {
	Add(key string, g bucket.Granularity, start time.Time, deltas map[string]float64)
}

// Config holds Tracker configuration. One immutable value per instance;
// multiple isolated trackers per process are fine (used heavily in tests).
type Config struct {
	// Granularities every Track/Assert call fans out to. Required.
	Granularities []bucket.Granularity

	// Resolver maps instants to bucket starts (timezone, week start).
	Resolver bucket.Resolver

	// Buffer, when set, coalesces Track increments before they reach the
	// store. Assert/Beam always write through regardless.
	Buffer BufferedWriter

	// Logger defaults to a no-op logger.
	Logger *zerolog.Logger
}

// Tracker is the write/read facade over a Store backend: payload
// validation, bucket resolution and cross-granularity fan-out.
type Tracker struct {
	store Store
	buf   BufferedWriter
	grans []bucket.Granularity
	res   bucket.Resolver
	log   zerolog.Logger
}

// NewTracker creates a tracker over the given backend.
func NewTracker(s Store, cfg Config) (*Tracker, error) {
	if len(cfg.Granularities) == 0 {
		return nil, errors.New("store: at least one granularity required")
	}

	log := zerolog.Nop()
	if cfg.Logger != nil {
		log = *cfg.Logger
	}

	return &Tracker{
		store: s,
		buf:   cfg.Buffer,
		grans: append([]bucket.Granularity(nil), cfg.Granularities...),
		res:   cfg.Resolver,
		log:   log,
	}, nil
}

// Granularities returns the configured fan-out set.
func (t *Tracker) Granularities() []bucket.Granularity {
	return append([]bucket.Granularity(nil), t.grans...)
}

// Resolver returns the tracker's bucket resolver.
func (t *Tracker) Resolver() bucket.Resolver { return t.res }

// Track applies an increment-merge of values to the bucket containing at,
// once per configured granularity. Buffered when a buffer is attached;
// a buffered call cannot fail past payload validation.
func (t *Tracker) Track(ctx context.Context, key string, at time.Time, values map[string]any) error {
	flat, err := payload.Flatten(values)
	if err != nil {
		metricWritesTotal.WithLabelValues("track", "error").Inc()
		return err
	}

	if t.buf != nil {
		for _, g := range t.grans {
			t.buf.Add(key, g, t.res.Start(at, g), flat)
		}
		metricWritesTotal.WithLabelValues("track", "ok").Inc()
		return nil
	}

	return t.fanout(ctx, "track", key, flat, at, t.store.IncrBucket)
}

// Assert applies a replace-merge: each supplied path overwrites the stored
// value, untouched paths survive. Never buffered; replace semantics are
// not safely coalescible with pending increments.
func (t *Tracker) Assert(ctx context.Context, key string, at time.Time, values map[string]any) error {
	flat, err := payload.Flatten(values)
	if err != nil {
		metricWritesTotal.WithLabelValues("assert", "error").Inc()
		return err
	}
	return t.fanout(ctx, "assert", key, flat, at, t.store.SetBucket)
}

type bucketWrite func(ctx context.Context, key string, g bucket.Granularity, start time.Time, doc map[string]float64) error

// fanout writes the flattened document into every configured granularity.
// Partial failures are reported per granularity so callers can retry the
// failed subset; no call succeeds silently with a skipped write.
func (t *Tracker) fanout(ctx context.Context, op, key string, flat map[string]float64, at time.Time, write bucketWrite) error {
	var succeeded, failed []bucket.Granularity
	var errs []error

	for _, g := range t.grans {
		start := t.res.Start(at, g)
		if err := write(ctx, key, g, start, flat); err != nil {
			failed = append(failed, g)
			errs = append(errs, fmt.Errorf("%s: %w", g, err))
			continue
		}
		succeeded = append(succeeded, g)
		metricBucketWritesTotal.WithLabelValues(g.String()).Inc()
	}

	switch {
	case len(failed) == 0:
		metricWritesTotal.WithLabelValues(op, "ok").Inc()
		return nil
	case len(succeeded) == 0:
		metricWritesTotal.WithLabelValues(op, "error").Inc()
		return fmt.Errorf("%s %q: %w", op, key, errors.Join(errs...))
	default:
		metricWritesTotal.WithLabelValues(op, "partial").Inc()
		t.log.Warn().
			Str("op", op).
			Str("key", key).
			Int("failed", len(failed)).
			Int("succeeded", len(succeeded)).
			Msg("partial fan-out write")
		return &PartialFanoutError{Op: op, Key: key, Succeeded: succeeded, Failed: failed, Errs: errs}
	}
}

// Values returns the ordered bucket sequence covering [from, to] at the
// given granularity. With skipBlanks false every expected slot is present,
// empty buckets carrying an empty document; with skipBlanks true empty
// buckets are omitted.
func (t *Tracker) Values(ctx context.Context, key string, from, to time.Time, g bucket.Granularity, skipBlanks bool) ([]Point, error) {
	metricReadsTotal.WithLabelValues("values").Inc()

	starts := t.res.Range(from, to, g)
	if len(starts) == 0 {
		return nil, nil
	}

	rows, err := t.store.ReadBuckets(ctx, key, g, starts)
	if err != nil {
		return nil, fmt.Errorf("values %q: %w", key, err)
	}

	points := make([]Point, 0, len(starts))
	for _, start := range starts {
		data, ok := rows[start.Unix()]
		if !ok {
			if skipBlanks {
				continue
			}
			data = map[string]float64{}
		}
		points = append(points, Point{Start: start, Data: data})
	}
	return points, nil
}

// Beam replaces the latest-state snapshot for key. Full replacement, not
// a merge, and independent of the bucketed rows.
func (t *Tracker) Beam(ctx context.Context, key string, at time.Time, values map[string]any) error {
	flat, err := payload.Flatten(values)
	if err != nil {
		metricWritesTotal.WithLabelValues("beam", "error").Inc()
		return err
	}

	if err := t.store.PutSnapshot(ctx, Snapshot{Key: key, At: at, Data: flat}); err != nil {
		metricWritesTotal.WithLabelValues("beam", "error").Inc()
		return fmt.Errorf("beam %q: %w", key, err)
	}
	metricWritesTotal.WithLabelValues("beam", "ok").Inc()
	return nil
}

// Scan returns the most recently beamed payload for key in nested form,
// with its timestamp. ErrNotFound if the key was never beamed.
func (t *Tracker) Scan(ctx context.Context, key string) (time.Time, map[string]any, error) {
	metricReadsTotal.WithLabelValues("scan").Inc()

	snap, err := t.store.GetSnapshot(ctx, key)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return time.Time{}, nil, err
		}
		return time.Time{}, nil, fmt.Errorf("scan %q: %w", key, err)
	}
	return snap.At, payload.Nest(snap.Data), nil
}
