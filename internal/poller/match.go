package poller

import (
	"slices"
	"strings"
	"time"
)

// Filter keeps the records whose window starts in the same minute as at.
// Matching is minute-granularity equality on the instant, so the calendar
// date matches in every zone.
func Filter(records []Record, at time.Time) []Record {
	want := at.Truncate(time.Minute)
	var out []Record
	for _, r := range records {
		if r.WindowStart.IsZero() {
			continue
		}
		if r.WindowStart.Truncate(time.Minute).Equal(want) {
			out = append(out, r)
		}
	}
	return out
}

// Rank orders records by the index of the first priority keyword contained
// in their location (case-insensitive). Records matching no keyword go last.
// The sort is stable.
func Rank(records []Record, priority []string) []Record {
	out := slices.Clone(records)
	if len(priority) == 0 {
		return out
	}
	keys := make([]string, 0, len(priority))
	for _, p := range priority {
		keys = append(keys, strings.ToLower(strings.TrimSpace(p)))
	}
	rank := func(r Record) int {
		loc := strings.ToLower(r.Location)
		for i, k := range keys {
			if k != "" && strings.Contains(loc, k) {
				return i
			}
		}
		return len(keys)
	}
	slices.SortStableFunc(out, func(a, b Record) int { return rank(a) - rank(b) })
	return out
}
