package weeklyplot

import (
	"math"
	"testing"

	"github.com/septivank/energy-metering-gateway/internal/db"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func avg(v float64) *float64 { return &v }

func sampleGrid() []db.WeeklyAverageSlot {
	return []db.WeeklyAverageSlot{
		{MeterID: "12345678901234", Weekday: 1, Slot: "00:00", SampleCount: 2, Average: avg(0.5)},
		{MeterID: "12345678901234", Weekday: 1, Slot: "12:30", SampleCount: 2, Average: avg(1.5)},
		{MeterID: "12345678901234", Weekday: 1, Slot: "23:30", SampleCount: 1, Average: avg(0.8)},
		{MeterID: "12345678901234", Weekday: 3, Slot: "08:00", SampleCount: 0},
	}
}

func TestDaySeries(t *testing.T) {
	series := DaySeries(sampleGrid(), 1)

	require.Len(t, series, 48)
	assert.Equal(t, 0.5, series[0])
	assert.Equal(t, 1.5, series[25])
	assert.Equal(t, 0.8, series[47])
	assert.True(t, math.IsNaN(series[1]))

	for _, v := range DaySeries(sampleGrid(), 3) {
		assert.True(t, math.IsNaN(v))
	}
}

func TestRender(t *testing.T) {
	out, err := Render("12345678901234", sampleGrid(), Options{Width: 60, Height: 8})

	require.NoError(t, err)
	assert.Contains(t, out, "prm 12345678901234")
	assert.Contains(t, out, "Mon")
	assert.NotContains(t, out, "Wed")
}

func TestRender_EmptyGrid(t *testing.T) {
	out, err := Render("12345678901234", nil, Options{})

	require.NoError(t, err)
	assert.Equal(t, "No data available", out)
}

func TestRender_InvalidWeekday(t *testing.T) {
	_, err := Render("12345678901234", sampleGrid(), Options{Weekday: 8})
	assert.Error(t, err)
}
