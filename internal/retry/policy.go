// Package retry implements the backoff policy shared by the partner clients.
package retry

import (
	"context"
	"math"
	"math/rand"
	"time"

	"github.com/septivank/energy-metering-gateway/internal/apperr"
	"go.uber.org/zap"
)

// Sleeper waits for d or until ctx is done
type Sleeper func(ctx context.Context, d time.Duration) error

// Policy retries transient failures with exponential backoff and jitter.
// Errors that apperr does not classify as retryable (404-as-empty, other 4xx,
// cancellation) are returned immediately.
type Policy struct {
	Attempts  int
	BaseDelay time.Duration
	MaxDelay  time.Duration
	// Jitter is the maximum extra delay as a fraction of the computed backoff
	Jitter  float64
	Sleep   Sleeper
	Logger  *zap.Logger
	OnRetry func(operation string, attempt int, delay time.Duration, err error)
}

// New returns a policy with a 10% jitter and a context-aware sleeper
func New(attempts int, base, max time.Duration, logger *zap.Logger) Policy {
	return Policy{
		Attempts:  attempts,
		BaseDelay: base,
		MaxDelay:  max,
		Jitter:    0.1,
		Sleep:     SleepContext,
		Logger:    logger,
	}
}

// SleepContext is the default Sleeper
func SleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Backoff returns the delay after the given zero-based failed attempt
func (p Policy) Backoff(attempt int) time.Duration {
	base := float64(p.BaseDelay)
	backoff := base * math.Pow(2, float64(attempt))
	if p.Jitter > 0 {
		backoff += rand.Float64() * p.Jitter * backoff
	}
	if p.MaxDelay > 0 && backoff > float64(p.MaxDelay) {
		backoff = float64(p.MaxDelay)
	}
	return time.Duration(backoff)
}

// Do runs fn until it succeeds, fails permanently or the attempt budget is
// spent. fn receives the one-based attempt number.
func (p Policy) Do(ctx context.Context, operation string, fn func(ctx context.Context, attempt int) error) error {
	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}
	sleep := p.Sleep
	if sleep == nil {
		sleep = SleepContext
	}
	logger := p.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		err = fn(ctx, attempt)
		if err == nil {
			return nil
		}
		if !apperr.IsRetryable(err) {
			return err
		}
		if attempt == attempts {
			break
		}

		delay := p.Backoff(attempt - 1)
		logger.Warn("request failed, retrying",
			zap.String("operation", operation),
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", attempts),
			zap.Int64("backoff_ms", delay.Milliseconds()),
			zap.Error(err),
		)
		if p.OnRetry != nil {
			p.OnRetry(operation, attempt, delay, err)
		}
		if sleepErr := sleep(ctx, delay); sleepErr != nil {
			return sleepErr
		}
	}

	logger.Error("request failed after all attempts",
		zap.String("operation", operation),
		zap.Int("attempts", attempts),
		zap.Error(err),
	)
	return err
}
