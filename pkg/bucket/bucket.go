// Package bucket maps instants to canonical time-bucket start instants.
//
// Sub-day granularities truncate to the nearest lower multiple of the unit
// in the configured timezone. Weekly buckets start at the configured
// week-start weekday at local midnight. Monthly, quarterly and yearly
// buckets start on the first local day of the enclosing period.
package bucket

import (
	"fmt"
	"strings"
	"time"
)

// Granularity identifies one bucket-width rule.
// The string form is the durable label used in storage row keys.
type Granularity string

const (
	Second      Granularity = "1s"
	TenSeconds  Granularity = "10s"
	Minute      Granularity = "1m"
	FiveMinutes Granularity = "5m"
	TenMinutes  Granularity = "10m"
	Hour        Granularity = "1h"
	SixHours    Granularity = "6h"
	Day         Granularity = "1d"
	Week        Granularity = "1w"
	Month       Granularity = "1mo"
	Quarter     Granularity = "1q"
	Year        Granularity = "1y"
)

// All lists every supported granularity, smallest to largest.
func All() []Granularity {
	return []Granularity{
		Second, TenSeconds, Minute, FiveMinutes, TenMinutes,
		Hour, SixHours, Day, Week, Month, Quarter, Year,
	}
}

// Parse converts a granularity label to its enum value.
func Parse(s string) (Granularity, error) {
	g := Granularity(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range All() {
		if g == known {
			return g, nil
		}
	}
	return "", fmt.Errorf("unknown granularity %q", s)
}

func (g Granularity) String() string { return string(g) }

// Calendar reports whether bucket widths depend on the calendar
// (weeks, months, quarters, years) rather than a fixed duration.
func (g Granularity) Calendar() bool {
	switch g {
	case Week, Month, Quarter, Year:
		return true
	}
	return false
}

// Resolver computes bucket boundaries for a fixed timezone and week start.
// The zero value resolves in UTC with weeks starting on Monday.
type Resolver struct {
	Location  *time.Location
	WeekStart time.Weekday
}

// NewResolver builds a resolver. A nil location means UTC.
func NewResolver(loc *time.Location, weekStart time.Weekday) Resolver {
	return Resolver{Location: loc, WeekStart: weekStart}
}

func (r Resolver) loc() *time.Location {
	if r.Location == nil {
		return time.UTC
	}
	return r.Location
}

// Start returns the canonical bucket-start instant containing t.
// Idempotent: Start(Start(t)) == Start(t).
// Monotonic: t1 <= t2 implies Start(t1) <= Start(t2).
func (r Resolver) Start(t time.Time, g Granularity) time.Time {
	lt := t.In(r.loc())

	switch g {
	case Second:
		return lt.Truncate(time.Second)
	case TenSeconds:
		return lt.Truncate(10 * time.Second)
	case Minute:
		return lt.Truncate(time.Minute)
	case FiveMinutes, TenMinutes, Hour, SixHours, Day:
		// Component-wise truncation: minute- and hour-level boundaries
		// must align with the local clock, not the UTC epoch
		// (half-hour and 45-minute UTC offsets exist).
		y, mo, d := lt.Date()
		h, m := lt.Hour(), lt.Minute()
		switch g {
		case FiveMinutes:
			return time.Date(y, mo, d, h, m-m%5, 0, 0, r.loc())
		case TenMinutes:
			return time.Date(y, mo, d, h, m-m%10, 0, 0, r.loc())
		case Hour:
			return time.Date(y, mo, d, h, 0, 0, 0, r.loc())
		case SixHours:
			return time.Date(y, mo, d, h-h%6, 0, 0, 0, r.loc())
		default: // Day
			return time.Date(y, mo, d, 0, 0, 0, 0, r.loc())
		}
	case Week:
		y, mo, d := lt.Date()
		midnight := time.Date(y, mo, d, 0, 0, 0, 0, r.loc())
		back := (int(lt.Weekday()) - int(r.WeekStart) + 7) % 7
		return midnight.AddDate(0, 0, -back)
	case Month:
		y, mo, _ := lt.Date()
		return time.Date(y, mo, 1, 0, 0, 0, 0, r.loc())
	case Quarter:
		y, mo, _ := lt.Date()
		qm := time.Month((int(mo)-1)/3*3 + 1)
		return time.Date(y, qm, 1, 0, 0, 0, 0, r.loc())
	case Year:
		return time.Date(lt.Year(), time.January, 1, 0, 0, 0, 0, r.loc())
	default:
		// Unknown granularities are rejected at parse time; fall back to
		// second truncation rather than panic in a hot write path.
		return lt.Truncate(time.Second)
	}
}

// Next returns the start of the bucket following the one containing t.
// Calendar granularities step with AddDate so DST transitions and
// variable month lengths stay aligned to local boundaries.
func (r Resolver) Next(t time.Time, g Granularity) time.Time {
	start := r.Start(t, g)

	switch g {
	case Second:
		return start.Add(time.Second)
	case TenSeconds:
		return start.Add(10 * time.Second)
	case Minute:
		return start.Add(time.Minute)
	case FiveMinutes:
		return start.Add(5 * time.Minute)
	case TenMinutes:
		return start.Add(10 * time.Minute)
	case Hour:
		return start.Add(time.Hour)
	case SixHours:
		return start.Add(6 * time.Hour)
	case Day:
		return r.Start(start.AddDate(0, 0, 1), g)
	case Week:
		return r.Start(start.AddDate(0, 0, 7), g)
	case Month:
		return r.Start(start.AddDate(0, 1, 0), g)
	case Quarter:
		return r.Start(start.AddDate(0, 3, 0), g)
	case Year:
		return r.Start(start.AddDate(1, 0, 0), g)
	default:
		return start.Add(time.Second)
	}
}

// Range returns every bucket start covering [from, to] inclusive,
// ascending. The first entry is the bucket containing from; the last is
// the bucket containing to.
func (r Resolver) Range(from, to time.Time, g Granularity) []time.Time {
	if to.Before(from) {
		return nil
	}

	var starts []time.Time
	end := r.Start(to, g)
	for t := r.Start(from, g); !t.After(end); t = r.Next(t, g) {
		starts = append(starts, t)
	}
	return starts
}

// Count returns how many bucket starts Range would produce, without
// materializing them. Fixed-width granularities are computed
// arithmetically so hostile wide ranges stay cheap to reject.
func (r Resolver) Count(from, to time.Time, g Granularity) int {
	if to.Before(from) {
		return 0
	}

	var width time.Duration
	switch g {
	case Second:
		width = time.Second
	case TenSeconds:
		width = 10 * time.Second
	case Minute:
		width = time.Minute
	case FiveMinutes:
		width = 5 * time.Minute
	case TenMinutes:
		width = 10 * time.Minute
	case Hour:
		width = time.Hour
	case SixHours:
		width = 6 * time.Hour
	default:
		// Calendar widths vary; iterate. At day granularity and above the
		// count stays small for any plausible range.
		n := 0
		end := r.Start(to, g)
		for t := r.Start(from, g); !t.After(end); t = r.Next(t, g) {
			n++
		}
		return n
	}
	return int(r.Start(to, g).Sub(r.Start(from, g))/width) + 1
}

// ParseWeekday converts a configured week-start name to a weekday.
func ParseWeekday(s string) (time.Weekday, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "sunday":
		return time.Sunday, nil
	case "monday":
		return time.Monday, nil
	case "tuesday":
		return time.Tuesday, nil
	case "wednesday":
		return time.Wednesday, nil
	case "thursday":
		return time.Thursday, nil
	case "friday":
		return time.Friday, nil
	case "saturday":
		return time.Saturday, nil
	}
	return time.Sunday, fmt.Errorf("unknown weekday %q", s)
}
