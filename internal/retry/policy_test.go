package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/septivank/energy-metering-gateway/internal/apperr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingSleeper struct {
	delays []time.Duration
}

func (r *recordingSleeper) Sleep(_ context.Context, d time.Duration) error {
	r.delays = append(r.delays, d)
	return nil
}

func transient() error {
	return &apperr.TransientFetchError{StatusCode: 503, Endpoint: "/x", Err: errors.New("unavailable")}
}

func newTestPolicy(s *recordingSleeper) Policy {
	p := New(3, time.Second, 10*time.Second, nil)
	p.Jitter = 0
	p.Sleep = s.Sleep
	return p
}

func TestDo_SucceedsAfterTransientFailures(t *testing.T) {
	s := &recordingSleeper{}
	calls := 0

	err := newTestPolicy(s).Do(context.Background(), "test", func(ctx context.Context, attempt int) error {
		calls++
		assert.Equal(t, calls, attempt)
		if attempt < 3 {
			return transient()
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, s.delays)
}

func TestDo_ExhaustsBudget(t *testing.T) {
	s := &recordingSleeper{}
	calls := 0

	err := newTestPolicy(s).Do(context.Background(), "test", func(ctx context.Context, attempt int) error {
		calls++
		return transient()
	})

	var tf *apperr.TransientFetchError
	require.ErrorAs(t, err, &tf)
	assert.Equal(t, 3, calls)
	assert.Len(t, s.delays, 2)
}

func TestDo_PermanentErrorsAreNotRetried(t *testing.T) {
	for _, perm := range []error{
		apperr.ErrNotFoundAsEmpty,
		&apperr.UpstreamError{StatusCode: 400},
		errors.New("decode failure"),
	} {
		s := &recordingSleeper{}
		calls := 0
		err := newTestPolicy(s).Do(context.Background(), "test", func(ctx context.Context, attempt int) error {
			calls++
			return perm
		})
		assert.ErrorIs(t, err, perm)
		assert.Equal(t, 1, calls)
		assert.Empty(t, s.delays)
	}
}

func TestDo_OnRetryHook(t *testing.T) {
	s := &recordingSleeper{}
	p := newTestPolicy(s)
	var hooked []int
	p.OnRetry = func(operation string, attempt int, delay time.Duration, err error) {
		assert.Equal(t, "hooked", operation)
		hooked = append(hooked, attempt)
	}

	_ = p.Do(context.Background(), "hooked", func(ctx context.Context, attempt int) error {
		return transient()
	})
	assert.Equal(t, []int{1, 2}, hooked)
}

func TestDo_StopsWhenContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := New(5, time.Hour, time.Hour, nil)
	calls := 0

	err := p.Do(ctx, "test", func(ctx context.Context, attempt int) error {
		calls++
		cancel()
		return transient()
	})

	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}

func TestBackoff(t *testing.T) {
	p := Policy{BaseDelay: time.Second, MaxDelay: 10 * time.Second}
	assert.Equal(t, time.Second, p.Backoff(0))
	assert.Equal(t, 2*time.Second, p.Backoff(1))
	assert.Equal(t, 4*time.Second, p.Backoff(2))
	assert.Equal(t, 10*time.Second, p.Backoff(5))

	p.Jitter = 0.1
	for i := 0; i < 50; i++ {
		d := p.Backoff(1)
		assert.GreaterOrEqual(t, d, 2*time.Second)
		assert.LessOrEqual(t, d, 2200*time.Millisecond)
	}
}
