// Package retry implements the attempt policy for task execution. Only
// transient failures of idempotent tasks loop; everything else propagates on
// the first attempt.
package retry

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Policy is the retry envelope: attempt budget plus backoff shape.
type Policy struct {
	Attempts int
	MinDelay time.Duration
	MaxDelay time.Duration
	Jitter   float64
}

// DefaultPolicy mirrors the documented defaults.
func DefaultPolicy() Policy {
	return Policy{Attempts: 3, MinDelay: 500 * time.Millisecond, MaxDelay: 60 * time.Second, Jitter: 0.15}
}

type transienter interface {
	IsTransient() bool
}

// IsTransient reports whether err (anywhere in its chain) declares itself
// retryable. Transience is the handler's call, never inferred here.
func IsTransient(err error) bool {
	var t transienter
	return errors.As(err, &t) && t.IsTransient()
}

// Do invokes fn under the policy. The effective budget is
// min(maxAttempts, p.Attempts); each delay doubles from MinDelay toward
// MaxDelay with ±Jitter randomisation. The context cancels waiting between
// attempts, not a running fn.
func (p Policy) Do(ctx context.Context, maxAttempts int, idempotent bool, fn func(ctx context.Context, attempt int) error) error {
	budget := p.Attempts
	if maxAttempts > 0 && maxAttempts < budget {
		budget = maxAttempts
	}
	if budget < 1 {
		budget = 1
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = p.MinDelay
	bo.MaxInterval = p.MaxDelay
	bo.Multiplier = 2
	bo.RandomizationFactor = p.Jitter
	bo.MaxElapsedTime = 0
	bo.Reset()

	var err error
	for attempt := 1; ; attempt++ {
		err = fn(ctx, attempt)
		if err == nil {
			return nil
		}
		if !idempotent || !IsTransient(err) || attempt >= budget {
			return err
		}
		select {
		case <-time.After(bo.NextBackOff()):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
