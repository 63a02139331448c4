package service

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"

	"waterWise/internal/domain/model"
)

// BackoffConfig is the exponential backoff policy for reconnects and store
// retries.
type BackoffConfig struct {
	Base   time.Duration
	Max    time.Duration
	Jitter float64 // randomization factor, 0.2 means ±20%
}

func DefaultBackoff() BackoffConfig {
	return BackoffConfig{Base: time.Second, Max: time.Minute, Jitter: 0.2}
}

// New returns a fresh policy that never gives up on its own.
func (c BackoffConfig) New() backoff.BackOff {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = c.Base
	eb.MaxInterval = c.Max
	eb.RandomizationFactor = c.Jitter
	eb.Multiplier = 2
	eb.MaxElapsedTime = 0
	eb.Reset()
	return eb
}

// retryStore runs op until it succeeds, fails with anything other than
// model.ErrStoreUnavailable, or ctx ends.
func retryStore(ctx context.Context, cfg BackoffConfig, op func() error) error {
	return backoff.Retry(func() error {
		err := op()
		if err == nil {
			return nil
		}
		if errors.Is(err, model.ErrStoreUnavailable) {
			return err
		}
		return backoff.Permanent(err)
	}, backoff.WithContext(cfg.New(), ctx))
}
