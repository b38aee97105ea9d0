// Package enedis retrieves metering series and customer documents from the
// grid operator data API.
package enedis

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/septivank/energy-metering-gateway/internal/apperr"
	"github.com/septivank/energy-metering-gateway/internal/config"
	"github.com/septivank/energy-metering-gateway/internal/db"
	"github.com/septivank/energy-metering-gateway/internal/intervalclock"
	"github.com/septivank/energy-metering-gateway/internal/logging"
	"github.com/septivank/energy-metering-gateway/internal/metrics"
	"github.com/septivank/energy-metering-gateway/internal/mq"
	"github.com/septivank/energy-metering-gateway/internal/offpeak"
	"github.com/septivank/energy-metering-gateway/internal/partner"
	"github.com/septivank/energy-metering-gateway/internal/retry"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Kind is a metering series exposed by the partner
type Kind string

const (
	KindDailyConsumption    Kind = "daily_consumption"
	KindDailyProduction     Kind = "daily_production"
	KindDailyMaxPower       Kind = "daily_max_power"
	KindLoadCurve           Kind = "load_curve"
	KindProductionLoadCurve Kind = "production_load_curve"
)

type kindDef struct {
	path     string
	stream   db.Stream
	interval bool
	offpeak  bool
}

var kinds = map[Kind]kindDef{
	KindDailyConsumption:    {path: "/metering_data_dc/v5/daily_consumption", stream: db.StreamDailyConsumption},
	KindDailyProduction:     {path: "/metering_data_dp/v5/daily_production", stream: db.StreamDailyProduction},
	KindDailyMaxPower:       {path: "/metering_data_dcmp/v5/daily_consumption_max_power", stream: db.StreamDailyMaxPower},
	KindLoadCurve:           {path: "/metering_data_clc/v5/consumption_load_curve", stream: db.StreamConsumptionLoadCurve, interval: true, offpeak: true},
	KindProductionLoadCurve: {path: "/metering_data_plc/v5/production_load_curve", stream: db.StreamProductionLoadCurve, interval: true},
}

// ParseKind validates a series name
func ParseKind(value string) (Kind, error) {
	k := Kind(strings.TrimSpace(value))
	if _, ok := kinds[k]; !ok {
		return "", &apperr.ValidationError{Field: "action", Value: value, Message: "unknown metering series"}
	}
	return k, nil
}

// IsInterval reports whether the kind is a 30-minute series
func (k Kind) IsInterval() bool {
	return kinds[k].interval
}

// SampleStore persists normalized samples
type SampleStore interface {
	UpsertDailySamples(ctx context.Context, stream db.Stream, samples []db.DailySample) error
	UpsertIntervalSamples(ctx context.Context, stream db.Stream, samples []db.IntervalSample) error
}

// SnapshotStore persists customer documents and the windows parsed from them
type SnapshotStore interface {
	UpsertCustomerSnapshot(ctx context.Context, snap *db.CustomerSnapshot) error
	ReplaceOffpeakWindows(ctx context.Context, meterID string, windows []db.OffpeakWindow) error
}

// Store is everything the fetcher writes to
type Store interface {
	SampleStore
	SnapshotStore
}

// WindowResolver returns the off-peak windows of a meter
type WindowResolver interface {
	Windows(ctx context.Context, meterID string) ([]intervalclock.MinuteWindow, offpeak.Source)
}

// SyncNotifier announces freshly stored load curves
type SyncNotifier interface {
	PublishLoadCurveSynced(ctx context.Context, event mq.SyncedEvent) error
}

// Options tunes a single FetchSeries call
type Options struct {
	// Segmented fetches the whole range in 7-day windows instead of
	// clamping it to the first window
	Segmented bool
	RequestID string
}

// Series is the normalized result of a fetch
type Series struct {
	Kind            Kind                `json:"kind"`
	MeterID         string              `json:"prm"`
	Start           string              `json:"start"`
	End             string              `json:"end"`
	Daily           []db.DailySample    `json:"daily,omitempty"`
	Intervals       []db.IntervalSample `json:"intervals,omitempty"`
	Segments        int                 `json:"segments"`
	SkippedSegments int                 `json:"skipped_segments"`
	PersistErrors   int                 `json:"persist_errors"`
	OffpeakSource   offpeak.Source      `json:"offpeak_source,omitempty"`
}

// Len returns the number of samples in the series
func (s *Series) Len() int {
	return len(s.Daily) + len(s.Intervals)
}

type meterReadingResponse struct {
	MeterReading struct {
		UsagePointID    string `json:"usage_point_id"`
		Start           string `json:"start"`
		End             string `json:"end"`
		IntervalReading []struct {
			Value          string `json:"value"`
			Date           string `json:"date"`
			IntervalLength string `json:"interval_length"`
		} `json:"interval_reading"`
	} `json:"meter_reading"`
}

// Fetcher retrieves and normalizes partner metering series
type Fetcher struct {
	client       *partner.Client
	store        Store
	resolver     WindowResolver
	notifier     SyncNotifier
	sleep        retry.Sleeper
	segmentPause time.Duration
	metrics      *metrics.Metrics
	logger       *zap.Logger
	now          func() time.Time
}

// NewFetcher creates a fetcher authenticated by tokens
func NewFetcher(
	cfg config.EnedisConfig,
	tokens partner.TokenSource,
	store Store,
	resolver WindowResolver,
	notifier SyncNotifier,
	httpClient *http.Client,
	sleeper retry.Sleeper,
	m *metrics.Metrics,
	logger *zap.Logger,
) *Fetcher {
	policy := retry.New(cfg.MaxAttempts, cfg.RetryBaseDelay, cfg.RetryMaxDelay, logger)
	if sleeper == nil {
		sleeper = retry.SleepContext
	}
	policy.Sleep = sleeper

	return &Fetcher{
		client: partner.New(partner.Options{
			Name:       "enedis",
			BaseURL:    cfg.BaseURL,
			HTTPClient: httpClient,
			Auth:       tokens,
			AuthScheme: "Bearer",
			Timeout:    cfg.RequestTimeout,
			Retry:      policy,
			Metrics:    m,
			Logger:     logger,
		}),
		store:        store,
		resolver:     resolver,
		notifier:     notifier,
		sleep:        sleeper,
		segmentPause: cfg.SegmentPause,
		metrics:      m,
		logger:       logger,
		now:          time.Now,
	}
}

// FetchSeries retrieves kind for the inclusive civil range [start, end].
// A partner 404 is an empty series. Every parsed batch is upserted; storage
// failures are logged and counted but never fail the fetch.
func (f *Fetcher) FetchSeries(ctx context.Context, meterID string, kind Kind, start, end string, opts Options) (*Series, error) {
	def, ok := kinds[kind]
	if !ok {
		return nil, &apperr.ValidationError{Field: "action", Value: string(kind), Message: "unknown metering series"}
	}

	logger := logging.WithMeter(f.logger, meterID).With(zap.String("kind", string(kind)))
	if opts.RequestID != "" {
		logger = logging.WithRequestID(logger, opts.RequestID)
	}

	series := &Series{Kind: kind, MeterID: meterID, Start: start, End: end}
	if !def.interval {
		if err := f.fetchDaily(ctx, logger, def, series); err != nil {
			return nil, err
		}
		return series, nil
	}

	var windows []intervalclock.MinuteWindow
	if def.offpeak {
		windows, series.OffpeakSource = f.resolver.Windows(ctx, meterID)
	}

	if !opts.Segmented {
		from, to, err := intervalclock.ClampToSevenDays(start, end)
		if err != nil {
			return nil, &apperr.ValidationError{Field: "startDate/endDate", Value: start + ".." + end, Message: err.Error()}
		}
		series.Segments = 1
		if err := f.fetchIntervals(ctx, logger, def, series, from, to, windows); err != nil {
			return nil, err
		}
	} else {
		segments, err := intervalclock.SegmentRange(start, end)
		if err != nil {
			return nil, &apperr.ValidationError{Field: "startDate/endDate", Value: start + ".." + end, Message: err.Error()}
		}
		series.Segments = len(segments)
		for i, w := range segments {
			if i > 0 && f.segmentPause > 0 {
				if err := f.sleep(ctx, f.segmentPause); err != nil {
					return nil, err
				}
			}
			err := f.fetchIntervals(ctx, logger, def, series, w.StartDate(), w.EndDate(), windows)
			if err == nil {
				continue
			}
			if ctx.Err() != nil {
				return nil, err
			}
			// Every later segment would fail the same way.
			var credential *apperr.CredentialError
			if errors.As(err, &credential) {
				return nil, err
			}
			series.SkippedSegments++
			f.metrics.SegmentSkipped(string(kind))
			logger.Warn("segment fetch failed, skipping",
				zap.String("segment_start", w.StartDate()),
				zap.String("segment_end", w.EndDate()),
				zap.Error(err),
			)
		}
	}

	logger.Info("interval series fetched",
		zap.Int("samples", len(series.Intervals)),
		zap.Int("segments", series.Segments),
		zap.Int("skipped_segments", series.SkippedSegments),
	)

	if kind == KindLoadCurve && len(series.Intervals) > 0 {
		f.announce(ctx, logger, series, opts.RequestID)
	}
	return series, nil
}

func (f *Fetcher) fetchDaily(ctx context.Context, logger *zap.Logger, def kindDef, series *Series) error {
	from, err := intervalclock.ParseDate(series.Start)
	if err != nil {
		return &apperr.ValidationError{Field: "startDate", Value: series.Start, Message: err.Error()}
	}
	to, err := intervalclock.ParseDate(series.End)
	if err != nil {
		return &apperr.ValidationError{Field: "endDate", Value: series.End, Message: err.Error()}
	}

	resp, err := f.get(ctx, def, series, from.Format(intervalclock.DateLayout), to.AddDate(0, 0, 1).Format(intervalclock.DateLayout))
	if errors.Is(err, apperr.ErrNotFoundAsEmpty) {
		logger.Info("no daily data for the requested period")
		return nil
	}
	if err != nil {
		return err
	}

	samples := make([]db.DailySample, 0, len(resp.MeterReading.IntervalReading))
	for _, r := range resp.MeterReading.IntervalReading {
		value, err := ParseMilli(r.Value)
		if err != nil {
			logger.Warn("skipping unreadable daily value", zap.String("date", r.Date), zap.Error(err))
			continue
		}
		date, err := readingDate(r.Date)
		if err != nil {
			logger.Warn("skipping reading with invalid date", zap.String("date", r.Date), zap.Error(err))
			continue
		}
		samples = append(samples, db.DailySample{MeterID: series.MeterID, Date: date, Value: value})
	}
	series.Daily = samples

	f.persistDaily(ctx, logger, def.stream, series)
	return nil
}

func (f *Fetcher) fetchIntervals(ctx context.Context, logger *zap.Logger, def kindDef, series *Series, from, to string, windows []intervalclock.MinuteWindow) error {
	resp, err := f.get(ctx, def, series, from, to)
	if errors.Is(err, apperr.ErrNotFoundAsEmpty) {
		logger.Info("no interval data for window", zap.String("start", from), zap.String("end", to))
		return nil
	}
	if err != nil {
		return err
	}

	folds := intervalclock.NewFoldTracker()
	samples := make([]db.IntervalSample, 0, len(resp.MeterReading.IntervalReading))
	for _, r := range resp.MeterReading.IntervalReading {
		interval, fresh, err := folds.Reconstruct(r.Date, intervalclock.ParseIntervalLength(r.IntervalLength))
		if err != nil {
			logger.Warn("skipping unreadable interval reading", zap.String("date", r.Date), zap.Error(err))
			continue
		}
		if !fresh {
			logger.Warn("duplicate interval reading, keeping the first",
				zap.String("date", r.Date),
				zap.Time("instant", interval.Start.UTC()),
			)
			continue
		}
		sample, err := sampleAt(series.MeterID, interval, r.Value)
		if err != nil {
			logger.Warn("skipping unreadable interval reading", zap.String("date", r.Date), zap.Error(err))
			continue
		}
		if def.offpeak {
			TagOffPeak(&sample, windows)
		}
		samples = append(samples, sample)
	}

	series.Intervals = append(series.Intervals, samples...)
	if err := f.store.UpsertIntervalSamples(ctx, def.stream, samples); err != nil {
		series.PersistErrors++
		f.persistenceFailed(logger, string(def.stream), len(samples), err)
		return nil
	}
	f.metrics.Persisted(string(def.stream), len(samples))
	return nil
}

func (f *Fetcher) get(ctx context.Context, def kindDef, series *Series, from, to string) (*meterReadingResponse, error) {
	query := url.Values{}
	query.Set("usage_point_id", series.MeterID)
	query.Set("start", from)
	query.Set("end", to)

	var resp meterReadingResponse
	if err := f.client.GetJSON(ctx, string(series.Kind), def.path, query, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (f *Fetcher) persistDaily(ctx context.Context, logger *zap.Logger, stream db.Stream, series *Series) {
	if err := f.store.UpsertDailySamples(ctx, stream, series.Daily); err != nil {
		series.PersistErrors++
		f.persistenceFailed(logger, string(stream), len(series.Daily), err)
		return
	}
	f.metrics.Persisted(string(stream), len(series.Daily))
}

func (f *Fetcher) persistenceFailed(logger *zap.Logger, table string, rows int, err error) {
	f.metrics.PersistenceFailed(table, err)
	LogPersistenceError(logger, table, rows, err)
}

func (f *Fetcher) announce(ctx context.Context, logger *zap.Logger, series *Series, requestID string) {
	if f.notifier == nil {
		return
	}
	if requestID == "" {
		requestID = uuid.NewString()
	}
	event := mq.SyncedEvent{
		RequestID: requestID,
		MeterID:   series.MeterID,
		Stream:    string(db.StreamConsumptionLoadCurve),
		Start:     series.Start,
		End:       series.End,
		Samples:   len(series.Intervals),
		Source:    "enedis",
		SyncedAt:  f.now().UTC(),
	}
	if err := f.notifier.PublishLoadCurveSynced(ctx, event); err != nil {
		logger.Warn("failed to publish load curve synced event", zap.Error(err))
	}
}

// NormalizeReading turns one partner interval reading into a sample whose
// Date and Time are the civil start of the interval. Values are milli-units.
func NormalizeReading(meterID, reportedEnd, rawValue string, durationMinutes int) (db.IntervalSample, error) {
	interval, err := intervalclock.ReconstructStart(reportedEnd, durationMinutes)
	if err != nil {
		return db.IntervalSample{}, err
	}
	return sampleAt(meterID, interval, rawValue)
}

func sampleAt(meterID string, interval intervalclock.Interval, rawValue string) (db.IntervalSample, error) {
	value, err := ParseMilli(rawValue)
	if err != nil {
		return db.IntervalSample{}, err
	}
	return db.IntervalSample{
		MeterID: meterID,
		Date:    interval.Start.Format(intervalclock.DateLayout),
		Time:    interval.Start.Format(intervalclock.TimeOfDayLayout),
		Instant: interval.Start.UTC(),
		Value:   value,
	}, nil
}

// TagOffPeak sets the off-peak flag of a consumption sample
func TagOffPeak(sample *db.IntervalSample, windows []intervalclock.MinuteWindow) {
	offPeak := intervalclock.ClassifyOffPeak(intervalclock.MinuteOfDay(sample.Instant), windows)
	sample.OffPeak = &offPeak
}

var thousand = decimal.NewFromInt(1000)

// ParseMilli converts a partner milli-unit value (Wh, W, VA) to its kilo form
func ParseMilli(raw string) (float64, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, fmt.Errorf("empty value")
	}
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid value '%s': %w", raw, err)
	}
	return d.Div(thousand).InexactFloat64(), nil
}

// readingDate extracts the civil date of a daily reading. Max power
// readings carry the time of the peak after the date.
func readingDate(value string) (string, error) {
	value = strings.TrimSpace(value)
	if len(value) > len(intervalclock.DateLayout) {
		value = value[:len(intervalclock.DateLayout)]
	}
	d, err := intervalclock.ParseDate(value)
	if err != nil {
		return "", err
	}
	return d.Format(intervalclock.DateLayout), nil
}

// LogPersistenceError logs a failed upsert with the database diagnostics
func LogPersistenceError(logger *zap.Logger, table string, rows int, err error) {
	fields := []zap.Field{
		zap.String("table", table),
		zap.Int("rows", rows),
		zap.Error(err),
	}
	var pErr *apperr.PersistenceError
	if errors.As(err, &pErr) {
		fields = append(fields,
			zap.String("pg_code", pErr.Code),
			zap.String("pg_detail", pErr.Detail),
			zap.String("pg_hint", pErr.Hint),
		)
		if pErr.Err != nil {
			fields = append(fields, zap.String("pg_message", pErr.Err.Error()))
		}
	}
	logger.Error("failed to persist samples", fields...)
}
