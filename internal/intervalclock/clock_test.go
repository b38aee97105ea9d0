package intervalclock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSegmentRange_CoversRangeWithoutGaps(t *testing.T) {
	ranges := []struct {
		start string
		end   string
	}{
		{"2024-01-01", "2024-01-01"},
		{"2024-01-01", "2024-01-07"},
		{"2024-01-01", "2024-01-08"},
		{"2024-01-01", "2024-03-31"},
		{"2024-03-25", "2024-04-02"}, // spring DST change
		{"2024-10-20", "2024-11-05"}, // autumn DST change
		{"2023-12-28", "2024-01-10"},
	}

	for _, r := range ranges {
		t.Run(r.start+"_"+r.end, func(t *testing.T) {
			windows, err := SegmentRange(r.start, r.end)
			require.NoError(t, err)
			require.NotEmpty(t, windows)

			assert.Equal(t, r.start, windows[0].StartDate())

			end, err := ParseDate(r.end)
			require.NoError(t, err)
			assert.Equal(t, end.AddDate(0, 0, 1).Format(DateLayout), windows[len(windows)-1].EndDate())

			covered := map[string]int{}
			for i, w := range windows {
				assert.LessOrEqual(t, w.Days(), MaxWindowDays)
				assert.Greater(t, w.Days(), 0)
				if i > 0 {
					assert.Equal(t, windows[i-1].EndDate(), w.StartDate(), "windows must be contiguous")
				}
				for d := w.Start; d.Before(w.End); d = d.AddDate(0, 0, 1) {
					covered[d.Format(DateLayout)]++
				}
			}

			start, _ := ParseDate(r.start)
			expected := 0
			for d := start; !d.After(end); d = d.AddDate(0, 0, 1) {
				expected++
				assert.Equal(t, 1, covered[d.Format(DateLayout)], "day %s", d.Format(DateLayout))
			}
			assert.Len(t, covered, expected)
		})
	}
}

func TestSegmentRange_ChunkBoundaries(t *testing.T) {
	windows, err := SegmentRange("2024-01-01", "2024-01-15")
	require.NoError(t, err)
	require.Len(t, windows, 3)

	assert.Equal(t, "2024-01-01", windows[0].StartDate())
	assert.Equal(t, "2024-01-08", windows[0].EndDate())
	assert.Equal(t, "2024-01-15", windows[1].EndDate())
	assert.Equal(t, "2024-01-15", windows[2].StartDate())
	assert.Equal(t, "2024-01-16", windows[2].EndDate())
}

func TestSegmentRange_Reversed(t *testing.T) {
	windows, err := SegmentRange("2024-01-10", "2024-01-01")
	require.NoError(t, err)
	assert.Empty(t, windows)
}

func TestSegmentRange_Malformed(t *testing.T) {
	_, err := SegmentRange("2024-13-01", "2024-01-01")
	assert.Error(t, err)

	_, err = SegmentRange("2024-01-01", "yesterday")
	assert.Error(t, err)
}

func TestClampToSevenDays(t *testing.T) {
	start, end, err := ClampToSevenDays("2024-01-01", "2024-01-31")
	require.NoError(t, err)
	assert.Equal(t, "2024-01-01", start)
	assert.Equal(t, "2024-01-08", end)

	start, end, err = ClampToSevenDays("2024-01-01", "2024-01-03")
	require.NoError(t, err)
	assert.Equal(t, "2024-01-01", start)
	assert.Equal(t, "2024-01-04", end)

	_, _, err = ClampToSevenDays("01/01/2024", "2024-01-03")
	assert.Error(t, err)
}

func TestReconstructStart_Strict(t *testing.T) {
	iv, err := ReconstructStart("2024-01-15 08:30:00", 30)
	require.NoError(t, err)

	assert.Equal(t, "2024-01-15 08:00", iv.Start.Format("2006-01-02 15:04"))
	assert.Equal(t, time.Date(2024, 1, 15, 7, 0, 0, 0, time.UTC), iv.Start.UTC())
	assert.True(t, iv.Start.Add(30*time.Minute).Equal(iv.End))
}

func TestReconstructStart_DefaultDuration(t *testing.T) {
	for _, d := range []int{0, -5} {
		iv, err := ReconstructStart("2024-01-15 08:30:00", d)
		require.NoError(t, err)
		assert.Equal(t, 30*time.Minute, iv.End.Sub(iv.Start))
	}
}

func TestReconstructStart_ISOFallback(t *testing.T) {
	iv, err := ReconstructStart("2024-01-15T08:30:00+01:00", 10)
	require.NoError(t, err)
	assert.Equal(t, "08:20", iv.Start.Format(TimeOfDayLayout))
	assert.Equal(t, Paris, iv.Start.Location())

	iv, err = ReconstructStart("2024-01-15T07:30:00Z", 30)
	require.NoError(t, err)
	assert.Equal(t, "08:00", iv.Start.Format(TimeOfDayLayout))
}

func TestReconstructStart_AcrossSpringDST(t *testing.T) {
	// 2024-03-31: 02:00 CET jumps to 03:00 CEST
	iv, err := ReconstructStart("2024-03-31 03:00:00", 30)
	require.NoError(t, err)

	assert.True(t, iv.Start.Add(30*time.Minute).Equal(iv.End))
	assert.Equal(t, time.Date(2024, 3, 31, 0, 30, 0, 0, time.UTC), iv.Start.UTC())
	assert.Equal(t, "01:30", iv.Start.Format(TimeOfDayLayout))
}

func TestReconstructStart_AcrossAutumnDST(t *testing.T) {
	// 2024-10-27: 03:00 CEST falls back to 02:00 CET
	iv, err := ReconstructStart("2024-10-27 04:00:00", 60)
	require.NoError(t, err)

	assert.True(t, iv.Start.Add(time.Hour).Equal(iv.End))
	assert.Equal(t, time.Date(2024, 10, 27, 2, 0, 0, 0, time.UTC), iv.Start.UTC())
	assert.Equal(t, "03:00", iv.Start.Format(TimeOfDayLayout))
}

func TestParseReadingEnd_RepeatedAutumnHourIsSummerTime(t *testing.T) {
	end, err := ParseReadingEnd("2024-10-27 02:30:00")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 10, 27, 0, 30, 0, 0, time.UTC), end.UTC())

	later, ok := LaterOccurrence(end)
	require.True(t, ok)
	assert.Equal(t, time.Date(2024, 10, 27, 1, 30, 0, 0, time.UTC), later.UTC())
	assert.Equal(t, "2024-10-27 02:30:00", later.Format(ReadingLayout))

	end, err = ParseReadingEnd("2024-10-27 03:30:00")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 10, 27, 2, 30, 0, 0, time.UTC), end.UTC())
	_, ok = LaterOccurrence(end)
	assert.False(t, ok)
}

func TestFoldTracker_AutumnRepeatKeepsBothHalfHours(t *testing.T) {
	folds := NewFoldTracker()
	ends := []string{
		"2024-10-27 02:00:00",
		"2024-10-27 02:30:00",
		"2024-10-27 02:00:00",
		"2024-10-27 02:30:00",
		"2024-10-27 03:00:00",
	}

	var starts []time.Time
	for _, end := range ends {
		iv, fresh, err := folds.Reconstruct(end, 30)
		require.NoError(t, err)
		require.True(t, fresh, end)
		starts = append(starts, iv.Start.UTC())
	}

	first := time.Date(2024, 10, 26, 23, 30, 0, 0, time.UTC)
	for i, start := range starts {
		assert.Equal(t, first.Add(time.Duration(i)*30*time.Minute), start)
	}

	iv, fresh, err := folds.Reconstruct("2024-10-27 02:30:00", 30)
	require.NoError(t, err)
	assert.False(t, fresh)
	assert.Equal(t, time.Date(2024, 10, 27, 0, 0, 0, 0, time.UTC), iv.Start.UTC())
}

func TestFoldTracker_DuplicateOutsideTheChange(t *testing.T) {
	folds := NewFoldTracker()
	_, fresh, err := folds.Reconstruct("2024-01-15 08:30:00", 30)
	require.NoError(t, err)
	assert.True(t, fresh)

	_, fresh, err = folds.Reconstruct("2024-01-15 08:30:00", 30)
	require.NoError(t, err)
	assert.False(t, fresh)
}

func TestReconstructStart_Invalid(t *testing.T) {
	_, err := ReconstructStart("not-a-date", 30)
	assert.Error(t, err)
}

func TestParseIntervalLength(t *testing.T) {
	assert.Equal(t, 30, ParseIntervalLength("PT30M"))
	assert.Equal(t, 10, ParseIntervalLength("pt10m"))
	assert.Equal(t, 60, ParseIntervalLength("PT1H"))
	assert.Equal(t, 15, ParseIntervalLength("15"))
	assert.Equal(t, 0, ParseIntervalLength(""))
	assert.Equal(t, 0, ParseIntervalLength("P1D"))
}

func TestSlotHelpers(t *testing.T) {
	slots := HalfHourSlots()
	require.Len(t, slots, 48)
	assert.Equal(t, "00:00", slots[0])
	assert.Equal(t, "08:00", slots[16])
	assert.Equal(t, "23:30", slots[47])

	assert.Equal(t, "08:00", SlotLabel(8*60+29))
	assert.Equal(t, "08:30", SlotLabel(8*60+30))

	monday := time.Date(2024, 1, 15, 8, 0, 0, 0, Paris)
	assert.Equal(t, 1, ISOWeekday(monday))
	assert.Equal(t, 7, ISOWeekday(monday.AddDate(0, 0, 6)))

	m, err := ParseTimeOfDay("22:30")
	require.NoError(t, err)
	assert.Equal(t, 22*60+30, m)
	m, err = ParseTimeOfDay("06:00:00")
	require.NoError(t, err)
	assert.Equal(t, 360, m)
	_, err = ParseTimeOfDay("25h")
	assert.Error(t, err)
}

func TestClassifyOffPeak_WrappingWindow(t *testing.T) {
	windows := []MinuteWindow{{StartMinute: 22 * 60, EndMinute: 6 * 60}}

	assert.True(t, ClassifyOffPeak(23*60, windows))
	assert.True(t, ClassifyOffPeak(22*60, windows))
	assert.True(t, ClassifyOffPeak(0, windows))
	assert.False(t, ClassifyOffPeak(12*60, windows))
	assert.False(t, ClassifyOffPeak(6*60, windows), "end is exclusive")
}

func TestClassifyOffPeak_NormalWindows(t *testing.T) {
	windows := []MinuteWindow{
		{StartMinute: 2 * 60, EndMinute: 7 * 60},
		{StartMinute: 12*60 + 30, EndMinute: 15*60 + 30},
	}

	assert.True(t, ClassifyOffPeak(2*60, windows))
	assert.False(t, ClassifyOffPeak(7*60, windows))
	assert.True(t, ClassifyOffPeak(13*60, windows))
	assert.False(t, ClassifyOffPeak(16*60, windows))
}

func TestClassifyOffPeak_NoWindows(t *testing.T) {
	for m := 0; m < 24*60; m += 30 {
		assert.False(t, ClassifyOffPeak(m, nil))
	}
}
