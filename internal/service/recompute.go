package service

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/septivank/energy-metering-gateway/internal/aggregate"
	"github.com/septivank/energy-metering-gateway/internal/db"
	"github.com/septivank/energy-metering-gateway/internal/logging"
	"github.com/septivank/energy-metering-gateway/internal/metrics"
	"github.com/septivank/energy-metering-gateway/internal/mq"
	"go.uber.org/zap"
)

// TriggerEvent labels recomputes started by a synced event
const TriggerEvent = "event"

// Recomputer rebuilds a meter's weekly grid
type Recomputer interface {
	RecomputeWeeklyAverage(ctx context.Context, meterID, start, end string) (*aggregate.Summary, error)
}

// RecomputeService turns load curve synced events into weekly average
// recomputes. Returned errors dead-letter the message.
type RecomputeService struct {
	aggregator Recomputer
	metrics    *metrics.Metrics
	logger     *zap.Logger
}

// NewRecomputeService creates a new recompute service
func NewRecomputeService(aggregator Recomputer, m *metrics.Metrics, logger *zap.Logger) *RecomputeService {
	return &RecomputeService{
		aggregator: aggregator,
		metrics:    m,
		logger:     logger,
	}
}

// ProcessMessage handles one synced event
func (s *RecomputeService) ProcessMessage(ctx context.Context, body []byte) error {
	var event mq.SyncedEvent
	if err := json.Unmarshal(body, &event); err != nil {
		return fmt.Errorf("failed to unmarshal message: %w", err)
	}

	reqLogger := logging.WithMeter(logging.WithRequestID(s.logger, event.RequestID), event.MeterID)

	if event.MeterID == "" || event.Start == "" || event.End == "" {
		reqLogger.Warn("synced event is missing prm or range",
			zap.String("start", event.Start),
			zap.String("end", event.End),
		)
		return fmt.Errorf("incomplete synced event")
	}
	if event.Stream != "" && event.Stream != string(db.StreamConsumptionLoadCurve) {
		reqLogger.Debug("ignoring event for another stream", zap.String("stream", event.Stream))
		return nil
	}

	reqLogger.Info("processing synced event",
		zap.String("source", event.Source),
		zap.Int("samples", event.Samples),
	)

	summary, err := s.aggregator.RecomputeWeeklyAverage(ctx, event.MeterID, event.Start, event.End)
	s.metrics.Recomputed(TriggerEvent, err)
	if err != nil {
		reqLogger.Error("weekly average recompute failed", zap.Error(err))
		return fmt.Errorf("failed to recompute weekly average: %w", err)
	}

	reqLogger.Info("message processed successfully",
		zap.Int("filled", summary.Filled),
		zap.Int("empty", summary.Empty),
	)
	return nil
}
