package intervalclock

// MinuteWindow is a time-of-day window in minutes since civil midnight.
// StartMinute >= EndMinute means the window wraps past midnight.
type MinuteWindow struct {
	StartMinute int
	EndMinute   int
}

// Wraps reports whether the window spans midnight
func (w MinuteWindow) Wraps() bool {
	return w.StartMinute >= w.EndMinute
}

// Contains reports whether minuteOfDay falls inside the window, start inclusive
// and end exclusive.
func (w MinuteWindow) Contains(minuteOfDay int) bool {
	if w.Wraps() {
		return minuteOfDay >= w.StartMinute || minuteOfDay < w.EndMinute
	}
	return minuteOfDay >= w.StartMinute && minuteOfDay < w.EndMinute
}

// ClassifyOffPeak reports whether minuteOfDay falls in any off-peak window.
// No windows means the whole day is on-peak.
func ClassifyOffPeak(minuteOfDay int, windows []MinuteWindow) bool {
	for _, w := range windows {
		if w.Contains(minuteOfDay) {
			return true
		}
	}
	return false
}
