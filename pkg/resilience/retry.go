package resilience

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// RetryConfig bounds an exponential backoff retry loop.
type RetryConfig struct {
	// InitialInterval is the delay before the first retry
	InitialInterval time.Duration
	// MaxInterval caps the delay between two attempts
	MaxInterval time.Duration
	// MaxElapsedTime stops retrying once exceeded (0 uses the library default)
	MaxElapsedTime time.Duration
	// MaxTries stops retrying after this many attempts (0 means unlimited)
	MaxTries uint
}

// DefaultRetryConfig returns sensible defaults
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		InitialInterval: 100 * time.Millisecond,
		MaxInterval:     5 * time.Second,
		MaxElapsedTime:  30 * time.Second,
	}
}

// NewBackOff returns a fresh exponential backoff following the config.
func (c RetryConfig) NewBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	if c.InitialInterval > 0 {
		b.InitialInterval = c.InitialInterval
	}
	if c.MaxInterval > 0 {
		b.MaxInterval = c.MaxInterval
	}
	b.Reset()
	return b
}

// Retry runs op until it succeeds, fails with an error retryable rejects,
// the policy is exhausted or ctx is done. A nil retryable retries every error.
// notify, when set, is called before each wait.
func Retry[T any](ctx context.Context, cfg RetryConfig, retryable func(error) bool, op func() (T, error), notify func(error, time.Duration)) (T, error) {
	opts := []backoff.RetryOption{backoff.WithBackOff(cfg.NewBackOff())}
	if cfg.MaxElapsedTime > 0 {
		opts = append(opts, backoff.WithMaxElapsedTime(cfg.MaxElapsedTime))
	}
	if cfg.MaxTries > 0 {
		opts = append(opts, backoff.WithMaxTries(cfg.MaxTries))
	}
	if notify != nil {
		opts = append(opts, backoff.WithNotify(notify))
	}

	return backoff.Retry(ctx, func() (T, error) {
		v, err := op()
		if err != nil && retryable != nil && !retryable(err) {
			return v, backoff.Permanent(err)
		}
		return v, err
	}, opts...)
}
