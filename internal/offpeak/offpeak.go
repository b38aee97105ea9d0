// Package offpeak resolves the off-peak (HC) windows of a metering point.
package offpeak

import (
	"context"
	"fmt"
	"regexp"
	"strconv"

	"github.com/septivank/energy-metering-gateway/internal/db"
	"github.com/septivank/energy-metering-gateway/internal/intervalclock"
	"github.com/septivank/energy-metering-gateway/internal/logging"
	"go.uber.org/zap"
)

// Source names where a window set came from
type Source string

const (
	SourceStore    Source = "offpeak_windows"
	SourceContract Source = "contract"
	SourceNone     Source = "none"
)

// Store is the persistence the resolver reads from
type Store interface {
	OffpeakWindows(ctx context.Context, meterID string) ([]db.OffpeakWindow, error)
	CustomerSnapshot(ctx context.Context, meterID string, kind db.SnapshotKind) (*db.CustomerSnapshot, error)
}

// Matches "22H30-6H30", "12h-14h" or "22:30 - 06:30"
var rangePattern = regexp.MustCompile(`(\d{1,2})\s*[Hh:]\s*(\d{2})?\s*-\s*(\d{1,2})\s*[Hh:]\s*(\d{2})?`)

// ParseHours extracts the windows of a contract text such as
// "HC (22H30-6H30;12H00-14H00)". Text without any range yields no window.
func ParseHours(text string) ([]intervalclock.MinuteWindow, error) {
	matches := rangePattern.FindAllStringSubmatch(text, -1)
	windows := make([]intervalclock.MinuteWindow, 0, len(matches))
	for _, m := range matches {
		start, err := minuteOf(m[1], m[2])
		if err != nil {
			return nil, fmt.Errorf("invalid off-peak range '%s': %w", m[0], err)
		}
		end, err := minuteOf(m[3], m[4])
		if err != nil {
			return nil, fmt.Errorf("invalid off-peak range '%s': %w", m[0], err)
		}
		if start == 24*60 {
			start = 0
		}
		windows = append(windows, intervalclock.MinuteWindow{StartMinute: start, EndMinute: end})
	}
	return windows, nil
}

func minuteOf(hours, minutes string) (int, error) {
	h, err := strconv.Atoi(hours)
	if err != nil {
		return 0, err
	}
	m := 0
	if minutes != "" {
		if m, err = strconv.Atoi(minutes); err != nil {
			return 0, err
		}
	}
	if h > 24 || m > 59 || (h == 24 && m != 0) {
		return 0, fmt.Errorf("time %02d:%02d out of range", h, m)
	}
	return h*60 + m, nil
}

// ToRows converts parsed windows into storable rows for a meter
func ToRows(meterID string, windows []intervalclock.MinuteWindow) []db.OffpeakWindow {
	rows := make([]db.OffpeakWindow, 0, len(windows))
	for _, w := range windows {
		rows = append(rows, db.OffpeakWindow{MeterID: meterID, StartMinute: w.StartMinute, EndMinute: w.EndMinute})
	}
	return rows
}

// Resolver looks up windows in the dedicated table first, then in the
// stored contract text. Lookup failures degrade to the next source.
type Resolver struct {
	store  Store
	logger *zap.Logger
}

// NewResolver creates a new resolver
func NewResolver(store Store, logger *zap.Logger) *Resolver {
	return &Resolver{store: store, logger: logger}
}

// Windows returns the off-peak windows of a meter and where they came from.
// An empty result means every interval is on-peak.
func (r *Resolver) Windows(ctx context.Context, meterID string) ([]intervalclock.MinuteWindow, Source) {
	logger := logging.WithMeter(r.logger, meterID)

	stored, err := r.store.OffpeakWindows(ctx, meterID)
	if err != nil {
		logger.Warn("failed to load stored off-peak windows", zap.Error(err))
	} else if len(stored) > 0 {
		windows := make([]intervalclock.MinuteWindow, 0, len(stored))
		for _, w := range stored {
			windows = append(windows, intervalclock.MinuteWindow{StartMinute: w.StartMinute, EndMinute: w.EndMinute})
		}
		return windows, SourceStore
	}

	contract, err := r.store.CustomerSnapshot(ctx, meterID, db.SnapshotContract)
	if err != nil {
		logger.Warn("failed to load contract snapshot", zap.Error(err))
		return nil, SourceNone
	}
	if contract == nil || contract.OffpeakHours == "" {
		return nil, SourceNone
	}

	windows, err := ParseHours(contract.OffpeakHours)
	if err != nil {
		logger.Warn("unparseable contract off-peak hours",
			zap.String("offpeak_hours", contract.OffpeakHours),
			zap.Error(err),
		)
		return nil, SourceNone
	}
	if len(windows) == 0 {
		return nil, SourceNone
	}
	return windows, SourceContract
}
