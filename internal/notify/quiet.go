package notify

import (
	"fmt"
	"time"
)

// QuietHours is a daily window during which non-bypassing notifications are
// suppressed (but logged). The window may wrap past midnight, e.g. 22:00 to
// 07:00.
type QuietHours struct {
	enabled  bool
	startMin int // minutes since midnight
	endMin   int
}

// ParseQuietHours builds a QuietHours from "HH:MM" bounds. Both empty means
// quiet hours are disabled.
func ParseQuietHours(start, end string) (QuietHours, error) {
	if start == "" && end == "" {
		return QuietHours{}, nil
	}

	startMin, err := parseClock(start)
	if err != nil {
		return QuietHours{}, fmt.Errorf("notify: quiet_start: %w", err)
	}
	endMin, err := parseClock(end)
	if err != nil {
		return QuietHours{}, fmt.Errorf("notify: quiet_end: %w", err)
	}
	return QuietHours{enabled: true, startMin: startMin, endMin: endMin}, nil
}

// Contains reports whether t falls inside the quiet window.
func (q QuietHours) Contains(t time.Time) bool {
	if !q.enabled {
		return false
	}

	min := t.Hour()*60 + t.Minute()
	if q.startMin <= q.endMin {
		return min >= q.startMin && min < q.endMin
	}
	// Overnight wraparound: quiet if after start or before end.
	return min >= q.startMin || min < q.endMin
}

func parseClock(s string) (int, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, fmt.Errorf("invalid clock time %q (want HH:MM)", s)
	}
	return t.Hour()*60 + t.Minute(), nil
}
