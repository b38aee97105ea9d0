package logging

import (
	"go.uber.org/zap"
)

// NewLogger creates a new structured logger
func NewLogger(serviceName string) (*zap.Logger, error) {
	config := zap.NewProductionConfig()
	config.InitialFields = map[string]interface{}{
		"service": serviceName,
	}

	logger, err := config.Build()
	if err != nil {
		return nil, err
	}

	return logger, nil
}

// WithRequestID returns a logger with request_id field
func WithRequestID(logger *zap.Logger, requestID string) *zap.Logger {
	return logger.With(zap.String("request_id", requestID))
}

// WithMeter returns a logger scoped to a metering point. Only the last four
// digits of the PRM are kept.
func WithMeter(logger *zap.Logger, meterID string) *zap.Logger {
	return logger.With(zap.String("prm", MaskMeterID(meterID)))
}

// MaskMeterID hides all but the last four characters of a meter identifier
func MaskMeterID(meterID string) string {
	if len(meterID) <= 4 {
		return meterID
	}
	masked := make([]byte, len(meterID))
	for i := range masked {
		masked[i] = '*'
	}
	copy(masked[len(meterID)-4:], meterID[len(meterID)-4:])
	return string(masked)
}
