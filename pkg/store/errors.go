package store

import (
	"errors"
	"fmt"
	"strings"

	"github.com/trifle-io/stats/pkg/bucket"
)

var (
	// ErrNotFound is returned by Scan/GetSnapshot for keys never beamed.
	ErrNotFound = errors.New("store: not found")

	// ErrUnavailable means the backend is unreachable or closed.
	// The core never retries internally; retry policy belongs to callers.
	ErrUnavailable = errors.New("store: unavailable")
)

// PartialFanoutError reports a Track/Assert call that durably wrote some
// but not all configured granularities. Callers may retry the Failed
// subset only.
type PartialFanoutError struct {
	Op        string
	Key       string
	Succeeded []bucket.Granularity
	Failed    []bucket.Granularity
	Errs      []error
}

func (e *PartialFanoutError) Error() string {
	failed := make([]string, len(e.Failed))
	for i, g := range e.Failed {
		failed[i] = g.String()
	}
	return fmt.Sprintf("%s %q: partial fanout, %d/%d granularities failed (%s): %v",
		e.Op, e.Key, len(e.Failed), len(e.Failed)+len(e.Succeeded),
		strings.Join(failed, ","), errors.Join(e.Errs...))
}

func (e *PartialFanoutError) Unwrap() []error { return e.Errs }
