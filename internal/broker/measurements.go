package broker

import (
	"encoding/json"
	"strings"

	"github.com/septivank/energy-metering-gateway/internal/db"
	"github.com/septivank/energy-metering-gateway/internal/enedis"
	"github.com/septivank/energy-metering-gateway/internal/intervalclock"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Measurement is one series of a request dataset. The partner puts the
// series code in either PhysicalQuantity or BusinessLabel.
type Measurement struct {
	PhysicalQuantity string    `json:"physical_quantity"`
	BusinessLabel    string    `json:"business_label"`
	Unit             string    `json:"unit"`
	IntervalLength   string    `json:"interval_length"`
	Readings         []Reading `json:"readings"`
}

// Reading is a raw dataset point; Date is the end of the interval
type Reading struct {
	Date  string      `json:"date"`
	Value json.Number `json:"value"`
}

type dataset struct {
	Measurements []Measurement `json:"measurements"`
}

type matcher struct {
	name  string
	match func(code string) bool
}

func codeIs(want string) func(string) bool {
	return func(code string) bool { return strings.EqualFold(strings.TrimSpace(code), want) }
}

func codeHasPrefix(want string) func(string) bool {
	return func(code string) bool {
		return strings.HasPrefix(strings.ToLower(strings.TrimSpace(code)), want)
	}
}

// Active power first, then active energy; first match wins
var seriesMatchers = []matcher{
	{name: "PA", match: codeIs("PA")},
	{name: "active_power", match: codeHasPrefix("active_power")},
	{name: "EA", match: codeIs("EA")},
	{name: "active_energy", match: codeHasPrefix("active_energy")},
}

// FindActiveSeries returns the active power or energy series of a dataset,
// or nil when none matches.
func FindActiveSeries(measurements []Measurement) (*Measurement, string) {
	for _, m := range seriesMatchers {
		for i := range measurements {
			ms := &measurements[i]
			if m.match(ms.PhysicalQuantity) || m.match(ms.BusinessLabel) {
				return ms, m.name
			}
		}
	}
	return nil, ""
}

var thousand = decimal.NewFromInt(1000)

// unitScale returns the divisor that brings a unit to its kilo form
func unitScale(unit string) decimal.Decimal {
	switch strings.ToLower(strings.TrimSpace(unit)) {
	case "kw", "kwh", "kva":
		return decimal.NewFromInt(1)
	default:
		return thousand
	}
}

// toSamples normalizes a measurement into interval samples. Unreadable
// points are skipped.
func toSamples(meterID string, m *Measurement, logger *zap.Logger) []db.IntervalSample {
	duration := intervalclock.ParseIntervalLength(m.IntervalLength)
	scale := unitScale(m.Unit)

	folds := intervalclock.NewFoldTracker()
	samples := make([]db.IntervalSample, 0, len(m.Readings))
	for _, r := range m.Readings {
		value, err := decimal.NewFromString(r.Value.String())
		if err != nil {
			logger.Warn("skipping unreadable dataset value", zap.String("date", r.Date), zap.Error(err))
			continue
		}
		interval, fresh, err := folds.Reconstruct(r.Date, duration)
		if err != nil {
			logger.Warn("skipping dataset reading with invalid date", zap.String("date", r.Date), zap.Error(err))
			continue
		}
		if !fresh {
			logger.Warn("duplicate dataset reading, keeping the first",
				zap.String("date", r.Date),
				zap.Time("instant", interval.Start.UTC()),
			)
			continue
		}
		samples = append(samples, db.IntervalSample{
			MeterID: meterID,
			Date:    interval.Start.Format(intervalclock.DateLayout),
			Time:    interval.Start.Format(intervalclock.TimeOfDayLayout),
			Instant: interval.Start.UTC(),
			Value:   value.Div(scale).InexactFloat64(),
		})
	}
	return samples
}

// tagOffPeak flags every sample against the meter's windows
func tagOffPeak(samples []db.IntervalSample, windows []intervalclock.MinuteWindow) {
	for i := range samples {
		enedis.TagOffPeak(&samples[i], windows)
	}
}
