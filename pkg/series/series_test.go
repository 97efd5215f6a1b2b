package series

import (
	"math"
	"testing"
	"time"

	"github.com/trifle-io/stats/pkg/store"
)

func testPoints() []store.Point {
	base := time.Date(2025, time.March, 14, 10, 0, 0, 0, time.UTC)
	return []store.Point{
		{Start: base, Data: map[string]float64{"count": 2, "duration.sum": 10, "duration.count": 1, "duration.square": 100}},
		{Start: base.Add(time.Hour), Data: map[string]float64{}},
		{Start: base.Add(2 * time.Hour), Data: map[string]float64{"count": 4, "duration.sum": 20, "duration.count": 2, "duration.square": 250}},
	}
}

func TestAggregate_Sum(t *testing.T) {
	s := New(testPoints())

	v, ok := s.Aggregate("count", OpSum)
	if !ok || v != 6 {
		t.Errorf("Expected sum 6, got %v ok=%v", v, ok)
	}
}

func TestAggregate_MeanCountsEmptyBuckets(t *testing.T) {
	s := New(testPoints())

	// 3 buckets in the series, the empty one contributes 0
	v, ok := s.Aggregate("count", OpMean)
	if !ok || v != 2 {
		t.Errorf("Expected mean 2, got %v ok=%v", v, ok)
	}

	if _, ok := New(nil).Aggregate("count", OpMean); ok {
		t.Error("Expected mean over empty series to report ok=false")
	}
}

func TestAggregate_MinMaxSkipMissing(t *testing.T) {
	s := New(testPoints())

	v, ok := s.Aggregate("count", OpMin)
	if !ok || v != 2 {
		t.Errorf("Expected min 2, got %v ok=%v", v, ok)
	}
	v, ok = s.Aggregate("count", OpMax)
	if !ok || v != 4 {
		t.Errorf("Expected max 4, got %v ok=%v", v, ok)
	}

	if _, ok := s.Aggregate("nope", OpMin); ok {
		t.Error("Expected min of absent path to report ok=false")
	}
}

func TestAggregate_SubtreeCollectsLeaves(t *testing.T) {
	base := time.Date(2025, time.March, 14, 0, 0, 0, 0, time.UTC)
	s := New([]store.Point{
		{Start: base, Data: map[string]float64{"revenue.eur": 10, "revenue.usd": 3, "count": 1}},
		{Start: base.Add(time.Hour), Data: map[string]float64{"revenue.eur": 5}},
	})

	v, ok := s.Aggregate("revenue", OpSum)
	if !ok || v != 18 {
		t.Errorf("Expected subtree sum 18, got %v ok=%v", v, ok)
	}
}

func TestTimeline(t *testing.T) {
	s := New(testPoints())

	points := s.Timeline("count", OpSum)
	if len(points) != 3 {
		t.Fatalf("Expected 3 timeline points, got %d", len(points))
	}
	for i, want := range []float64{2, 0, 4} {
		if points[i].Value != want {
			t.Errorf("Point %d: expected %v, got %v", i, want, points[i].Value)
		}
	}

	// Min skips buckets missing the path entirely
	points = s.Timeline("count", OpMin)
	if len(points) != 2 {
		t.Fatalf("Expected 2 min points, got %d", len(points))
	}
	if points[0].Value != 2 || points[1].Value != 4 {
		t.Errorf("Unexpected min timeline: %v", points)
	}
}

func TestStandardDeviation(t *testing.T) {
	base := time.Date(2025, time.March, 14, 0, 0, 0, 0, time.UTC)
	s := New([]store.Point{
		{Start: base, Data: map[string]float64{"duration.count": 1, "duration.sum": 10, "duration.square": 100}},
		{Start: base.Add(time.Hour), Data: map[string]float64{"duration.count": 2, "duration.sum": 20, "duration.square": 250}},
	})

	// count=3, sum=30, square=350: sqrt(350/3 - 100)
	v, ok := s.StandardDeviation("duration")
	if !ok {
		t.Fatal("Expected ok standard deviation")
	}
	want := math.Sqrt(350.0/3.0 - 100.0)
	if math.Abs(v-want) > 1e-9 {
		t.Errorf("Expected stddev %v, got %v", want, v)
	}

	if _, ok := s.StandardDeviation("nope"); ok {
		t.Error("Expected ok=false for zero accumulated count")
	}
}

func TestStandardDeviation_ConstantDataClampsToZero(t *testing.T) {
	base := time.Date(2025, time.March, 14, 0, 0, 0, 0, time.UTC)
	s := New([]store.Point{
		{Start: base, Data: map[string]float64{"v.count": 3, "v.sum": 0.3, "v.square": 0.03}},
	})

	v, ok := s.StandardDeviation("v")
	if !ok {
		t.Fatal("Expected ok standard deviation")
	}
	if math.IsNaN(v) || v < 0 {
		t.Errorf("Expected clamped non-negative value, got %v", v)
	}
}

func TestStandardDeviationTimeline(t *testing.T) {
	base := time.Date(2025, time.March, 14, 0, 0, 0, 0, time.UTC)
	s := New([]store.Point{
		{Start: base, Data: map[string]float64{"d.count": 2, "d.sum": 6, "d.square": 20}},
		{Start: base.Add(time.Hour), Data: map[string]float64{}},
		{Start: base.Add(2 * time.Hour), Data: map[string]float64{"d.count": 1, "d.sum": 5, "d.square": 25}},
	})

	points := s.StandardDeviationTimeline("d")
	if len(points) != 2 {
		t.Fatalf("Expected 2 points (zero-count bucket omitted), got %d", len(points))
	}
	// Bucket 1: sqrt(20/2 - 9) = 1
	if math.Abs(points[0].Value-1) > 1e-9 {
		t.Errorf("Expected stddev 1, got %v", points[0].Value)
	}
	// Single sample: zero spread
	if points[1].Value != 0 {
		t.Errorf("Expected stddev 0 for single sample, got %v", points[1].Value)
	}
}

func TestDistribution(t *testing.T) {
	base := time.Date(2025, time.March, 14, 0, 0, 0, 0, time.UTC)
	s := New([]store.Point{
		{Start: base, Data: map[string]float64{"status.ok": 10, "status.error": 1, "count": 11}},
		{Start: base.Add(time.Hour), Data: map[string]float64{"status.ok": 5, "status.timeout": 2}},
	})

	dist := s.Distribution("status")
	if len(dist) != 3 {
		t.Fatalf("Expected 3 labels, got %v", dist)
	}
	if dist["ok"] != 15 || dist["error"] != 1 || dist["timeout"] != 2 {
		t.Errorf("Unexpected distribution: %v", dist)
	}
}

func TestParseOp(t *testing.T) {
	for _, tc := range []struct {
		in   string
		want Op
		ok   bool
	}{
		{"sum", OpSum, true},
		{" Mean ", OpMean, true},
		{"MAX", OpMax, true},
		{"min", OpMin, true},
		{"median", "", false},
		{"", "", false},
	} {
		got, ok := ParseOp(tc.in)
		if ok != tc.ok || got != tc.want {
			t.Errorf("ParseOp(%q) = %v, %v; want %v, %v", tc.in, got, ok, tc.want, tc.ok)
		}
	}
}
