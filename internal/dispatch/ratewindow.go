package dispatch

import "time"

type windowEntry struct {
	at     time.Time
	weight int
}

// retention bounds how far back entries are kept. The longest tracked
// window is the daily request ceiling, so anything older can never be
// counted again.
const retention = 24 * time.Hour

// RateWindow is a sliding-time-window counter over timestamped weights.
// Entries are appended in time order; reads scan backwards from the
// newest entry, so one window can serve queries of different lengths.
// Expired entries are trimmed lazily against the retention horizon.
type RateWindow struct {
	entries []windowEntry
}

func NewRateWindow() *RateWindow { return &RateWindow{} }

// RecordRequest counts one request at the given instant.
func (w *RateWindow) RecordRequest(at time.Time) {
	w.entries = append(w.entries, windowEntry{at: at, weight: 1})
}

// RecordTokens counts a token amount at the given instant.
func (w *RateWindow) RecordTokens(at time.Time, tokens int) {
	if tokens <= 0 {
		return
	}
	w.entries = append(w.entries, windowEntry{at: at, weight: tokens})
}

// CountSince returns the number of entries recorded within the window
// ending at now.
func (w *RateWindow) CountSince(now time.Time, window time.Duration) int {
	w.cull(now.Add(-retention))
	cutoff := now.Add(-window)
	n := 0
	for i := len(w.entries) - 1; i >= 0 && !w.entries[i].at.Before(cutoff); i-- {
		n++
	}
	return n
}

// SumSince returns the summed weight of entries within the window
// ending at now.
func (w *RateWindow) SumSince(now time.Time, window time.Duration) int {
	w.cull(now.Add(-retention))
	cutoff := now.Add(-window)
	total := 0
	for i := len(w.entries) - 1; i >= 0 && !w.entries[i].at.Before(cutoff); i-- {
		total += w.entries[i].weight
	}
	return total
}

func (w *RateWindow) cull(cutoff time.Time) {
	i := 0
	for i < len(w.entries) && w.entries[i].at.Before(cutoff) {
		i++
	}
	if i > 0 {
		w.entries = append(w.entries[:0], w.entries[i:]...)
	}
}
