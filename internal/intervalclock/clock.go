// Package intervalclock holds the pure date/time helpers of the metering
// pipeline. All civil dates and times of day are expressed in Europe/Paris.
package intervalclock

import (
	"fmt"
	"strconv"
	"strings"
	"time"
	_ "time/tzdata"
)

const (
	// DateLayout is the civil date format used by the partner APIs and storage
	DateLayout = "2006-01-02"
	// TimeOfDayLayout is the stored civil time-of-day format
	TimeOfDayLayout = "15:04"
	// ReadingLayout is the strict format of a partner interval end
	ReadingLayout = "2006-01-02 15:04:05"

	// MaxWindowDays is the partner limit for a single interval request
	MaxWindowDays = 7
	// DefaultIntervalMinutes applies when a reading carries no usable duration
	DefaultIntervalMinutes = 30
)

// Paris is the canonical civil timezone
var Paris = func() *time.Location {
	loc, err := time.LoadLocation("Europe/Paris")
	if err != nil {
		panic(fmt.Errorf("failed to load Europe/Paris location: %w", err))
	}
	return loc
}()

// Window is a half-open civil date range [Start, End)
type Window struct {
	Start time.Time
	End   time.Time
}

// StartDate returns the inclusive start as YYYY-MM-DD
func (w Window) StartDate() string {
	return w.Start.Format(DateLayout)
}

// EndDate returns the exclusive end as YYYY-MM-DD
func (w Window) EndDate() string {
	return w.End.Format(DateLayout)
}

// Days returns the number of civil days covered by the window
func (w Window) Days() int {
	days := 0
	for d := w.Start; d.Before(w.End); d = d.AddDate(0, 0, 1) {
		days++
	}
	return days
}

// Interval is one reading's [Start, End) in the canonical timezone
type Interval struct {
	Start time.Time
	End   time.Time
}

// ParseDate parses a YYYY-MM-DD civil date at midnight Europe/Paris
func ParseDate(value string) (time.Time, error) {
	t, err := time.ParseInLocation(DateLayout, strings.TrimSpace(value), Paris)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date '%s': %w", value, err)
	}
	return t, nil
}

// SegmentRange splits the inclusive civil range [start, endInclusive] into
// consecutive half-open windows of at most MaxWindowDays days. The last
// window ends on the day after endInclusive. A reversed range yields no window.
func SegmentRange(start, endInclusive string) ([]Window, error) {
	from, err := ParseDate(start)
	if err != nil {
		return nil, err
	}
	to, err := ParseDate(endInclusive)
	if err != nil {
		return nil, err
	}

	endExclusive := to.AddDate(0, 0, 1)
	var windows []Window
	for cur := from; cur.Before(endExclusive); {
		next := cur.AddDate(0, 0, MaxWindowDays)
		if next.After(endExclusive) {
			next = endExclusive
		}
		windows = append(windows, Window{Start: cur, End: next})
		cur = next
	}
	return windows, nil
}

// ClampToSevenDays returns the start and exclusive end of a single request
// window, truncated so that the end is at most MaxWindowDays after start.
func ClampToSevenDays(start, endInclusive string) (string, string, error) {
	from, err := ParseDate(start)
	if err != nil {
		return "", "", err
	}
	to, err := ParseDate(endInclusive)
	if err != nil {
		return "", "", err
	}

	endExclusive := to.AddDate(0, 0, 1)
	limit := from.AddDate(0, 0, MaxWindowDays)
	if endExclusive.After(limit) {
		endExclusive = limit
	}
	return from.Format(DateLayout), endExclusive.Format(DateLayout), nil
}

// ParseReadingEnd parses a partner end-of-interval string. The strict
// "YYYY-MM-DD HH:MM:SS" civil layout is tried first, then generic ISO layouts.
// A civil time repeated by the autumn change resolves to its first
// occurrence, in summer time.
func ParseReadingEnd(value string) (time.Time, error) {
	value = strings.TrimSpace(value)

	civilFormats := []string{
		ReadingLayout,
		"2006-01-02T15:04:05",
		"2006-01-02 15:04",
		"2006-01-02T15:04",
	}
	var lastErr error
	for _, format := range civilFormats {
		t, err := time.ParseInLocation(format, value, Paris)
		if err == nil {
			return firstOccurrence(t), nil
		}
		lastErr = err
	}

	// Offsets carried by the value win over the civil zone
	for _, format := range []string{time.RFC3339Nano, time.RFC3339} {
		t, err := time.Parse(format, value)
		if err == nil {
			return t.In(Paris), nil
		}
		lastErr = err
	}

	return time.Time{}, fmt.Errorf("failed to parse reading end '%s': %w", value, lastErr)
}

// firstOccurrence moves a civil time from the repeated autumn hour back to
// its summer time reading
func firstOccurrence(t time.Time) time.Time {
	if earlier := t.Add(-time.Hour); earlier.Format(ReadingLayout) == t.Format(ReadingLayout) {
		return earlier
	}
	return t
}

// LaterOccurrence returns the winter time reading of a civil time that the
// autumn change repeats. ok is false for every other time.
func LaterOccurrence(t time.Time) (time.Time, bool) {
	t = t.In(Paris)
	later := t.Add(time.Hour)
	if later.Format(ReadingLayout) != t.Format(ReadingLayout) {
		return time.Time{}, false
	}
	return later, true
}

// ReconstructStart turns a reported interval end plus its duration into the
// interval's start and end. Non-positive durations fall back to 30 minutes.
func ReconstructStart(reportedEnd string, durationMinutes int) (Interval, error) {
	end, err := ParseReadingEnd(reportedEnd)
	if err != nil {
		return Interval{}, err
	}
	if durationMinutes <= 0 {
		durationMinutes = DefaultIntervalMinutes
	}
	start := end.Add(-time.Duration(durationMinutes) * time.Minute)
	return Interval{Start: start.In(Paris), End: end}, nil
}

// ParseIntervalLength converts an ISO-8601 duration such as "PT30M", "PT1H"
// or "PT10M" to minutes. It returns 0 when the value cannot be interpreted.
func ParseIntervalLength(value string) int {
	value = strings.ToUpper(strings.TrimSpace(value))
	if !strings.HasPrefix(value, "PT") {
		if n, err := strconv.Atoi(value); err == nil && n > 0 {
			return n
		}
		return 0
	}
	d, err := time.ParseDuration(strings.ToLower(strings.TrimPrefix(value, "PT")))
	if err != nil || d <= 0 {
		return 0
	}
	return int(d / time.Minute)
}

// MinuteOfDay returns the civil minute of day of t in the canonical timezone
func MinuteOfDay(t time.Time) int {
	local := t.In(Paris)
	return local.Hour()*60 + local.Minute()
}

// ISOWeekday returns 1 for Monday through 7 for Sunday
func ISOWeekday(t time.Time) int {
	wd := int(t.Weekday())
	if wd == 0 {
		return 7
	}
	return wd
}

// SlotLabel returns the half-hour slot "HH:MM" containing the given minute of day
func SlotLabel(minuteOfDay int) string {
	slot := (minuteOfDay / 30) * 30
	return fmt.Sprintf("%02d:%02d", slot/60, slot%60)
}

// HalfHourSlots returns the 48 slot labels of a civil day in order
func HalfHourSlots() []string {
	slots := make([]string, 0, 48)
	for m := 0; m < 24*60; m += 30 {
		slots = append(slots, SlotLabel(m))
	}
	return slots
}

// ParseTimeOfDay parses "HH:MM" or "HH:MM:SS" into a minute of day
func ParseTimeOfDay(value string) (int, error) {
	value = strings.TrimSpace(value)
	for _, layout := range []string{TimeOfDayLayout, "15:04:05"} {
		if t, err := time.Parse(layout, value); err == nil {
			return t.Hour()*60 + t.Minute(), nil
		}
	}
	return 0, fmt.Errorf("invalid time of day '%s'", value)
}

// FoldTracker reconstructs the intervals of one partner batch. The autumn
// change prints the same civil end twice: the first reading keeps summer
// time and a repeat moves to winter time.
type FoldTracker struct {
	seen map[int64]struct{}
}

// NewFoldTracker creates a tracker for a single batch of readings
func NewFoldTracker() *FoldTracker {
	return &FoldTracker{seen: make(map[int64]struct{})}
}

// Reconstruct behaves like ReconstructStart. fresh is false when the
// interval ends at an instant the batch already produced and no later
// occurrence is left for it; callers keep the first reading.
func (f *FoldTracker) Reconstruct(reportedEnd string, durationMinutes int) (iv Interval, fresh bool, err error) {
	iv, err = ReconstructStart(reportedEnd, durationMinutes)
	if err != nil {
		return Interval{}, false, err
	}
	if f.claim(iv.End) {
		return iv, true, nil
	}
	if later, ok := LaterOccurrence(iv.End); ok && f.claim(later) {
		return Interval{Start: iv.Start.Add(time.Hour).In(Paris), End: later}, true, nil
	}
	return iv, false, nil
}

func (f *FoldTracker) claim(end time.Time) bool {
	key := end.Unix()
	if _, ok := f.seen[key]; ok {
		return false
	}
	f.seen[key] = struct{}{}
	return true
}
