package engine

import (
	"time"

	"github.com/rewired-gh/noisegate/internal/clock"
)

// QuietHours reports whether a moment falls in the local [start, end) window.
// A window that wraps midnight (start > end) covers both evenings and mornings.
// start == end is an empty window; Config.Validate rejects it.
type QuietHours struct {
	Start    TimeOfDay
	End      TimeOfDay
	Location *time.Location
}

// IsQuiet evaluates t in the configured zone.
func (q QuietHours) IsQuiet(t time.Time) bool {
	m := clock.MinuteOfDay(t, q.Location)
	start, end := q.Start.minutes(), q.End.minutes()
	if start <= end {
		return m >= start && m < end
	}
	return m >= start || m < end
}
