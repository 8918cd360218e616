package scan

import (
	"sort"
	"time"
)

// matchWindow picks the schedule window a scan should attach to: same weekday,
// time-of-day inside [start-earlyGrace, end+lateGrace]. When several windows
// match, the earliest start wins; two windows sharing the earliest start is an
// ambiguity we refuse to guess about.
func matchWindow(windows []ScheduleWindow, at time.Time, earlyGrace, lateGrace time.Duration) (*ScheduleWindow, error) {
	var matched []ScheduleWindow
	for _, w := range windows {
		if w.Contains(at, earlyGrace, lateGrace) {
			matched = append(matched, w)
		}
	}
	if len(matched) == 0 {
		return nil, ErrNoActiveSchedule
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].Start < matched[j].Start })
	if len(matched) > 1 && matched[0].Start == matched[1].Start {
		return nil, ErrAmbiguousSchedule
	}
	win := matched[0]
	return &win, nil
}

// statusFor classifies a check-in against the window start. A scan-without-
// window check-in has nothing to be late against and counts as present.
func statusFor(win *ScheduleWindow, at time.Time, lateThreshold time.Duration) Status {
	if win == nil {
		return StatusPresent
	}
	if timeOfDay(at) > win.Start+lateThreshold {
		return StatusLate
	}
	return StatusPresent
}
