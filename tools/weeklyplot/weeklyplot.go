package weeklyplot

import (
	"fmt"
	"math"
	"strings"

	"github.com/guptarohit/asciigraph"
	"github.com/septivank/energy-metering-gateway/internal/db"
	"github.com/septivank/energy-metering-gateway/internal/intervalclock"
)

var weekdayNames = []string{"Mon", "Tue", "Wed", "Thu", "Fri", "Sat", "Sun"}

var weekdayColors = []asciigraph.AnsiColor{
	asciigraph.Red,
	asciigraph.Blue,
	asciigraph.Green,
	asciigraph.Yellow,
	asciigraph.Cyan,
	asciigraph.Magenta,
	asciigraph.White,
}

// Options controls chart rendering. Weekday 0 plots the whole week.
type Options struct {
	Weekday int
	Width   int
	Height  int
	Color   bool
}

// DaySeries returns the 48 half-hour averages of a weekday in slot order.
// Missing or empty cells are NaN and leave a gap in the chart.
func DaySeries(grid []db.WeeklyAverageSlot, weekday int) []float64 {
	index := make(map[string]int, 48)
	for i, slot := range intervalclock.HalfHourSlots() {
		index[slot] = i
	}

	series := make([]float64, 48)
	for i := range series {
		series[i] = math.NaN()
	}
	for _, cell := range grid {
		if cell.Weekday != weekday || cell.Average == nil {
			continue
		}
		if i, ok := index[cell.Slot]; ok {
			series[i] = *cell.Average
		}
	}
	return series
}

func hasData(series []float64) bool {
	for _, v := range series {
		if !math.IsNaN(v) {
			return true
		}
	}
	return false
}

// Render draws the weekly profile of a meter as an ASCII line chart
func Render(meterID string, grid []db.WeeklyAverageSlot, opts Options) (string, error) {
	if opts.Weekday < 0 || opts.Weekday > 7 {
		return "", fmt.Errorf("weekday must be between 1 and 7, got %d", opts.Weekday)
	}
	if opts.Width < 20 {
		opts.Width = 20
	}
	if opts.Height < 3 {
		opts.Height = 3
	}

	days := []int{opts.Weekday}
	if opts.Weekday == 0 {
		days = []int{1, 2, 3, 4, 5, 6, 7}
	}

	var (
		data   [][]float64
		colors []asciigraph.AnsiColor
		names  []string
	)
	for _, day := range days {
		series := DaySeries(grid, day)
		if !hasData(series) {
			continue
		}
		data = append(data, series)
		colors = append(colors, weekdayColors[day-1])
		names = append(names, weekdayNames[day-1])
	}
	if len(data) == 0 {
		return "No data available", nil
	}

	caption := fmt.Sprintf("prm %s  average kW per half hour  %s", meterID, strings.Join(names, " "))
	plotOpts := []asciigraph.Option{
		asciigraph.Height(opts.Height),
		asciigraph.Width(opts.Width),
		asciigraph.Caption(caption),
	}
	if opts.Color {
		plotOpts = append(plotOpts, asciigraph.SeriesColors(colors...))
	}

	return asciigraph.PlotMany(data, plotOpts...), nil
}
