// Package cadence implements the cadence estimator (spec.md §4.E): a
// pure function from a feed's recent publication timestamps to its next
// polling instant. It performs no I/O and takes no locks, so it is
// exercised directly by package-level tests rather than any storage or
// transport fake.
package cadence

import (
	"sort"
	"time"
)

const (
	Min   = 5 * time.Minute
	Short = 2 * time.Hour
	Long  = 24 * time.Hour
	Max   = 4 * 24 * time.Hour
)

// Next computes the next check instant for a feed given its recent
// publication timestamps (newest ~20, or the stored set when no fresh
// entries were fetched) and the current time.
func Next(timestamps []time.Time, now time.Time) time.Time {
	if len(timestamps) == 0 {
		return now.Add(Long)
	}

	mostRecent := maxTime(timestamps)
	since := now.Sub(mostRecent)
	medianPeriod := medianBurstLength(timestamps)

	switch {
	case since > Max:
		return slowStrategy(mostRecent, now)
	case since < Short:
		return now.Add(clamp(medianPeriod, Min, Long))
	default:
		return now.Add(clamp(medianPeriod, Short, Long))
	}
}

func maxTime(ts []time.Time) time.Time {
	m := ts[0]
	for _, t := range ts[1:] {
		if t.After(m) {
			m = t
		}
	}
	return m
}

// medianBurstLength sorts timestamps ascending, walks them left to
// right accumulating "bursts" (a maximal run whose span from its first
// member is below Min), records for each closed burst the gap from its
// first member to the timestamp that closes it (always >= Min), and
// returns the median of those gaps. An input with no closed burst
// yields Short.
func medianBurstLength(timestamps []time.Time) time.Duration {
	sorted := make([]time.Time, len(timestamps))
	copy(sorted, timestamps)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Before(sorted[j]) })

	var bursts []time.Duration
	burstStart := sorted[0]
	for _, t := range sorted[1:] {
		if t.Sub(burstStart) >= Min {
			bursts = append(bursts, t.Sub(burstStart))
			burstStart = t
		}
	}

	if len(bursts) == 0 {
		return Short
	}
	return median(bursts)
}

func median(durations []time.Duration) time.Duration {
	sorted := make([]time.Duration, len(durations))
	copy(sorted, durations)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	n := len(sorted)
	if n%2 == 1 {
		return sorted[n/2]
	}
	return (sorted[n/2-1] + sorted[n/2]) / 2
}

func clamp(d, lo, hi time.Duration) time.Duration {
	if d < lo {
		return lo
	}
	if d > hi {
		return hi
	}
	return d
}

// slowStrategy snaps most_recent + Short onto today's date at that
// clock time, advancing to tomorrow if the result has already passed
// (spec.md §4.E step 4, "slow strategy").
func slowStrategy(mostRecent, now time.Time) time.Time {
	target := mostRecent.Add(Short)
	snapped := time.Date(now.Year(), now.Month(), now.Day(),
		target.Hour(), target.Minute(), target.Second(), target.Nanosecond(), target.Location())
	if snapped.Before(now) || snapped.Equal(now) {
		snapped = snapped.AddDate(0, 0, 1)
	}
	return snapped
}
