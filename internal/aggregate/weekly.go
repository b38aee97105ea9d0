// Package aggregate maintains the per-meter weekly load profile: the mean
// consumption of every (weekday, half-hour) cell of a week.
package aggregate

import (
	"context"
	"fmt"

	"github.com/septivank/energy-metering-gateway/internal/anomaly"
	"github.com/septivank/energy-metering-gateway/internal/apperr"
	"github.com/septivank/energy-metering-gateway/internal/db"
	"github.com/septivank/energy-metering-gateway/internal/intervalclock"
	"github.com/septivank/energy-metering-gateway/internal/logging"
	"go.uber.org/zap"
)

// GridSize is the number of cells of a weekly profile
const GridSize = 7 * 48

// Spike screening defaults: a sample above 5x the average of the previous
// day of half hours is flagged
const (
	DefaultSpikeThreshold = 5.0
	DefaultSpikeWindow    = 48
	maxLoggedFindings     = 5
)

// Store reads interval samples and writes the weekly grid
type Store interface {
	IntervalSamples(ctx context.Context, stream db.Stream, meterID, from, toExclusive string) ([]db.IntervalSample, error)
	ReplaceWeeklyAverage(ctx context.Context, meterID string, slots []db.WeeklyAverageSlot) error
}

// Summary describes one recompute
type Summary struct {
	MeterID string `json:"prm"`
	Start   string `json:"start"`
	End     string `json:"end"`
	Inputs  int    `json:"inputs"`
	Filled  int    `json:"filled"`
	Empty   int    `json:"empty"`
	Skipped int    `json:"skipped"`
	Flagged int    `json:"flagged"`
}

// Aggregator recomputes weekly grids from stored consumption load curves
type Aggregator struct {
	store    Store
	detector *anomaly.Detector
	logger   *zap.Logger
}

// Option customizes an Aggregator
type Option func(*Aggregator)

// WithDetector replaces the default spike detector
func WithDetector(d *anomaly.Detector) Option {
	return func(a *Aggregator) { a.detector = d }
}

// NewAggregator creates a new aggregator
func NewAggregator(store Store, logger *zap.Logger, opts ...Option) *Aggregator {
	a := &Aggregator{
		store:    store,
		detector: anomaly.NewDetector(DefaultSpikeThreshold, DefaultSpikeWindow),
		logger:   logger,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// RecomputeWeeklyAverage rebuilds the full grid of a meter from the samples
// stored for the inclusive civil range [start, end]. The grid always has
// GridSize cells, empty ones with a nil average.
func (a *Aggregator) RecomputeWeeklyAverage(ctx context.Context, meterID, start, end string) (*Summary, error) {
	from, err := intervalclock.ParseDate(start)
	if err != nil {
		return nil, &apperr.ValidationError{Field: "startDate", Value: start, Message: err.Error()}
	}
	to, err := intervalclock.ParseDate(end)
	if err != nil {
		return nil, &apperr.ValidationError{Field: "endDate", Value: end, Message: err.Error()}
	}
	if from.After(to) {
		return nil, &apperr.ValidationError{Field: "startDate", Value: start, Message: "must not be after endDate"}
	}

	logger := logging.WithMeter(a.logger, meterID)

	samples, err := a.store.IntervalSamples(ctx, db.StreamConsumptionLoadCurve, meterID,
		from.Format(intervalclock.DateLayout), to.AddDate(0, 0, 1).Format(intervalclock.DateLayout))
	if err != nil {
		return nil, fmt.Errorf("failed to load interval samples: %w", err)
	}

	grid, skipped := BuildGrid(meterID, samples)
	for _, s := range skipped {
		logger.Warn("ignoring sample with unreadable date or time",
			zap.String("date", s.Date),
			zap.String("time", s.Time),
		)
	}

	findings := a.detector.Scan(samples)
	for i, f := range findings {
		if i == maxLoggedFindings {
			logger.Warn("more suspicious samples not logged", zap.Int("total", len(findings)))
			break
		}
		logger.Warn("suspicious load curve sample",
			zap.String("date", f.Sample.Date),
			zap.String("time", f.Sample.Time),
			zap.Float64("value", f.Sample.Value),
			zap.String("reason", f.Reason),
		)
	}

	if err := a.store.ReplaceWeeklyAverage(ctx, meterID, grid); err != nil {
		return nil, err
	}

	summary := &Summary{
		MeterID: meterID,
		Start:   start,
		End:     end,
		Inputs:  len(samples) - len(skipped),
		Skipped: len(skipped),
		Flagged: len(findings),
	}
	for _, cell := range grid {
		if cell.Average != nil {
			summary.Filled++
		} else {
			summary.Empty++
		}
	}

	logger.Info("weekly average recomputed",
		zap.Int("inputs", summary.Inputs),
		zap.Int("filled", summary.Filled),
		zap.Int("empty", summary.Empty),
	)
	return summary, nil
}

type cellKey struct {
	weekday int
	slot    string
}

type accumulator struct {
	sum   float64
	count int
}

// BuildGrid accumulates samples by the weekday and half-hour slot of their
// civil date and time and emits every cell of the week in order. Samples
// whose date or time cannot be read are returned separately.
func BuildGrid(meterID string, samples []db.IntervalSample) ([]db.WeeklyAverageSlot, []db.IntervalSample) {
	cells := make(map[cellKey]*accumulator, GridSize)
	var skipped []db.IntervalSample

	for _, s := range samples {
		day, err := intervalclock.ParseDate(s.Date)
		if err != nil {
			skipped = append(skipped, s)
			continue
		}
		minute, err := intervalclock.ParseTimeOfDay(s.Time)
		if err != nil {
			skipped = append(skipped, s)
			continue
		}
		key := cellKey{weekday: intervalclock.ISOWeekday(day), slot: intervalclock.SlotLabel(minute)}
		acc, ok := cells[key]
		if !ok {
			acc = &accumulator{}
			cells[key] = acc
		}
		acc.sum += s.Value
		acc.count++
	}

	grid := make([]db.WeeklyAverageSlot, 0, GridSize)
	for weekday := 1; weekday <= 7; weekday++ {
		for _, slot := range intervalclock.HalfHourSlots() {
			cell := db.WeeklyAverageSlot{MeterID: meterID, Weekday: weekday, Slot: slot}
			if acc, ok := cells[cellKey{weekday, slot}]; ok && acc.count > 0 {
				avg := acc.sum / float64(acc.count)
				cell.SampleCount = acc.count
				cell.Average = &avg
			}
			grid = append(grid, cell)
		}
	}
	return grid, skipped
}
