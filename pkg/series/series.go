// Package series post-processes Values results: path-scoped aggregation
// over an ordered bucket sequence, in scalar (whole range) and timeline
// (per bucket) forms.
package series

import (
	"math"
	"sort"
	"strings"
	"time"

	"github.com/trifle-io/stats/pkg/payload"
	"github.com/trifle-io/stats/pkg/store"
)

// Op is a path aggregation operator.
type Op string

const (
	OpSum  Op = "sum"
	OpMean Op = "mean"
	OpMin  Op = "min"
	OpMax  Op = "max"
)

// ParseOp converts an operator label to its enum value.
func ParseOp(s string) (Op, bool) {
	switch Op(strings.ToLower(strings.TrimSpace(s))) {
	case OpSum:
		return OpSum, true
	case OpMean:
		return OpMean, true
	case OpMin:
		return OpMin, true
	case OpMax:
		return OpMax, true
	}
	return "", false
}

// Point is one timeline entry: a bucket start and its aggregated value.
type Point struct {
	Start time.Time `json:"start"`
	Value float64   `json:"value"`
}

// Series wraps an ordered Values result for aggregation.
type Series struct {
	Points []store.Point
}

// New wraps the points returned by Tracker.Values.
func New(points []store.Point) Series {
	return Series{Points: points}
}

// Aggregate applies op to one path across every bucket in the series and
// returns a single scalar. The path may name a leaf or a subtree; a
// subtree contributes every leaf under it.
//
// Buckets missing the path contribute 0 to sum and to the mean
// denominator. Min and max consider only buckets carrying the path; ok is
// false when no bucket does (and for mean over an empty series).
func (s Series) Aggregate(path string, op Op) (float64, bool) {
	var values []float64
	for _, p := range s.Points {
		values = append(values, valuesUnder(p.Data, path)...)
	}

	switch op {
	case OpSum:
		return sum(values), true
	case OpMean:
		if len(s.Points) == 0 {
			return 0, false
		}
		// Missing buckets count toward the denominator with value 0
		return sum(values) / float64(len(s.Points)), true
	case OpMin:
		return min(values)
	case OpMax:
		return max(values)
	}
	return 0, false
}

// Timeline applies op to one path within each bucket and returns the
// per-bucket sequence, ordered as the underlying series. Buckets missing
// the path yield 0 for sum and mean and are skipped for min and max.
func (s Series) Timeline(path string, op Op) []Point {
	points := make([]Point, 0, len(s.Points))
	for _, p := range s.Points {
		values := valuesUnder(p.Data, path)

		var v float64
		var ok bool
		switch op {
		case OpSum:
			v, ok = sum(values), true
		case OpMean:
			if len(values) > 0 {
				v, ok = sum(values)/float64(len(values)), true
			}
		case OpMin:
			v, ok = min(values)
		case OpMax:
			v, ok = max(values)
		}

		if !ok && (op == OpMin || op == OpMax) {
			continue
		}
		points = append(points, Point{Start: p.Start, Value: v})
	}
	return points
}

// StandardDeviation computes the population standard deviation across the
// whole series from a {count, sum, square} moments subtree at path:
//
//	sqrt(square/count - (sum/count)^2)
//
// ok is false when the accumulated count is zero; no NaN escapes.
func (s Series) StandardDeviation(path string) (float64, bool) {
	var count, total, square float64
	for _, p := range s.Points {
		c, t, q := moments(p.Data, path)
		count += c
		total += t
		square += q
	}
	return deviation(count, total, square)
}

// StandardDeviationTimeline computes the per-bucket standard deviation.
// Buckets with a zero count are omitted rather than reported as NaN.
func (s Series) StandardDeviationTimeline(path string) []Point {
	points := make([]Point, 0, len(s.Points))
	for _, p := range s.Points {
		c, t, q := moments(p.Data, path)
		if v, ok := deviation(c, t, q); ok {
			points = append(points, Point{Start: p.Start, Value: v})
		}
	}
	return points
}

// Distribution sums a categorical breakdown stored under path: every leaf
// under the subtree is a label whose counts are added across buckets.
func (s Series) Distribution(path string) map[string]float64 {
	prefix := path + payload.Separator
	dist := make(map[string]float64)
	for _, p := range s.Points {
		for fullPath, v := range p.Data {
			if strings.HasPrefix(fullPath, prefix) {
				dist[strings.TrimPrefix(fullPath, prefix)] += v
			}
		}
	}
	return dist
}

// moments pulls the {count, sum, square} leaves of the subtree at path.
func moments(doc map[string]float64, path string) (count, total, square float64) {
	return doc[path+payload.Separator+"count"],
		doc[path+payload.Separator+"sum"],
		doc[path+payload.Separator+"square"]
}

func deviation(count, total, square float64) (float64, bool) {
	if count == 0 {
		return 0, false
	}
	mean := total / count
	variance := square/count - mean*mean
	if variance < 0 {
		// Float rounding on near-constant data; clamp instead of NaN
		variance = 0
	}
	return math.Sqrt(variance), true
}

// valuesUnder returns the leaf values matching path: the exact leaf, or
// every leaf under it when path names a subtree. Sorted by path so the
// result order is deterministic.
func valuesUnder(doc map[string]float64, path string) []float64 {
	if v, ok := doc[path]; ok {
		return []float64{v}
	}

	prefix := path + payload.Separator
	var matched []string
	for fullPath := range doc {
		if strings.HasPrefix(fullPath, prefix) {
			matched = append(matched, fullPath)
		}
	}
	sort.Strings(matched)

	values := make([]float64, 0, len(matched))
	for _, m := range matched {
		values = append(values, doc[m])
	}
	return values
}

func sum(values []float64) float64 {
	total := 0.0
	for _, v := range values {
		total += v
	}
	return total
}

func min(values []float64) (float64, bool) {
	if len(values) == 0 {
		return 0, false
	}
	m := values[0]
	for _, v := range values[1:] {
		if v < m {
			m = v
		}
	}
	return m, true
}

func max(values []float64) (float64, bool) {
	if len(values) == 0 {
		return 0, false
	}
	m := values[0]
	for _, v := range values[1:] {
		if v > m {
			m = v
		}
	}
	return m, true
}
