// Package velocity counts events inside sliding time windows.
package velocity

import (
	"sort"
	"time"
)

// Limits bound a History.
type Limits struct {
	// Retention drops entries older than now-Retention. Zero keeps everything.
	Retention time.Duration
	// Max keeps only the newest Max entries. Zero means unbounded.
	Max int
}

// History is an ascending list of event times. Methods that change it return
// a new slice, so a History can be shared between a committed profile and a
// projected copy.
type History []time.Time

// Add returns h with t inserted in order and the limits applied against now.
func (h History) Add(t, now time.Time, lim Limits) History {
	i := sort.Search(len(h), func(i int) bool { return h[i].After(t) })
	out := make(History, 0, len(h)+1)
	out = append(out, h[:i]...)
	out = append(out, t)
	out = append(out, h[i:]...)
	return out.Prune(now, lim)
}

// Prune returns h without the entries the limits exclude.
func (h History) Prune(now time.Time, lim Limits) History {
	return prune(h, func(t time.Time) time.Time { return t }, now, lim)
}

// prune drops the leading entries of an ascending slice that fall outside lim.
func prune[T any](s []T, at func(T) time.Time, now time.Time, lim Limits) []T {
	start := 0
	if lim.Retention > 0 {
		cutoff := now.Add(-lim.Retention)
		start = sort.Search(len(s), func(i int) bool { return !at(s[i]).Before(cutoff) })
	}
	if lim.Max > 0 && len(s)-start > lim.Max {
		start = len(s) - lim.Max
	}
	if start == 0 {
		return s
	}
	out := make([]T, len(s)-start)
	copy(out, s[start:])
	return out
}

// Count returns how many entries fall within d before now. Entries after now
// are not counted.
func (h History) Count(now time.Time, d time.Duration) int {
	cutoff := now.Add(-d)
	i := sort.Search(len(h), func(i int) bool { return !h[i].Before(cutoff) })
	j := sort.Search(len(h), func(j int) bool { return h[j].After(now) })
	return max(j-i, 0)
}

// MeanGap returns the average spacing between consecutive entries. It reports
// false when there are fewer than two.
func (h History) MeanGap() (time.Duration, bool) {
	if len(h) < 2 {
		return 0, false
	}
	return h[len(h)-1].Sub(h[0]) / time.Duration(len(h)-1), true
}

// Latest returns the newest entry.
func (h History) Latest() (time.Time, bool) {
	if len(h) == 0 {
		return time.Time{}, false
	}
	return h[len(h)-1], true
}

// Mark is one remembered event id and the time it happened.
type Mark struct {
	ID string    `json:"id"`
	At time.Time `json:"at"`
}

// Marks remembers recent event ids in time order, bounded by the same Limits
// as a History. Like History, changes return a new slice.
type Marks []Mark

// Add returns m with id recorded at t and the limits applied against now.
func (m Marks) Add(id string, t, now time.Time, lim Limits) Marks {
	i := sort.Search(len(m), func(i int) bool { return m[i].At.After(t) })
	out := make(Marks, 0, len(m)+1)
	out = append(out, m[:i]...)
	out = append(out, Mark{ID: id, At: t})
	out = append(out, m[i:]...)
	return out.Prune(now, lim)
}

// Prune returns m without the entries the limits exclude.
func (m Marks) Prune(now time.Time, lim Limits) Marks {
	return prune(m, func(k Mark) time.Time { return k.At }, now, lim)
}

// Has reports whether id is remembered.
func (m Marks) Has(id string) bool {
	for _, k := range m {
		if k.ID == id {
			return true
		}
	}
	return false
}
