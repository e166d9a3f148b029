package resilience

import (
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errTransient = errors.New("transient")

func fastRetry() RetryConfig {
	return RetryConfig{
		InitialInterval: time.Millisecond,
		MaxInterval:     5 * time.Millisecond,
		MaxElapsedTime:  time.Second,
	}
}

func TestRetry_SucceedsAfterTransientFailures(t *testing.T) {
	calls := 0
	notified := 0
	v, err := Retry(context.Background(), fastRetry(), nil, func() (string, error) {
		calls++
		if calls < 3 {
			return "", errTransient
		}
		return "c_0000000001", nil
	}, func(error, time.Duration) { notified++ })

	require.NoError(t, err)
	assert.Equal(t, "c_0000000001", v)
	assert.Equal(t, 3, calls)
	assert.Equal(t, 2, notified)
}

func TestRetry_StopsOnNonRetryableError(t *testing.T) {
	permanent := errors.New("stale")
	calls := 0
	_, err := Retry(context.Background(), fastRetry(), func(err error) bool {
		return !errors.Is(err, permanent)
	}, func() (int, error) {
		calls++
		return 0, errors.Wrap(permanent, "resolve")
	}, nil)

	require.Error(t, err)
	assert.True(t, errors.Is(err, permanent))
	assert.Equal(t, 1, calls)
}

func TestRetry_HonoursMaxTries(t *testing.T) {
	cfg := fastRetry()
	cfg.MaxTries = 4
	calls := 0
	_, err := Retry(context.Background(), cfg, nil, func() (int, error) {
		calls++
		return 0, errTransient
	}, nil)

	assert.True(t, errors.Is(err, errTransient))
	assert.Equal(t, 4, calls)
}

func TestRetry_StopsWhenContextDone(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Retry(ctx, fastRetry(), nil, func() (int, error) {
		return 0, errTransient
	}, nil)
	assert.Error(t, err)
}
