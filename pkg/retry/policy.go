// Package retry holds the single retry policy of the engine. Whether a failure
// is retried depends only on its classified category.
package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog/log"

	"txflow/pkg/classify"
	"txflow/pkg/metrics"
)

// Policy retries temporary failures with bounded exponential backoff and
// unknown failures exactly once. User-action and blocked failures are never
// retried automatically.
type Policy struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	MaxElapsed      time.Duration
	// MaxAttempts bounds the total attempts for temporary failures
	MaxAttempts int

	sleep func(ctx context.Context, d time.Duration) error
}

// Default returns the production policy
func Default() Policy {
	return Policy{
		InitialInterval: 500 * time.Millisecond,
		MaxInterval:     5 * time.Second,
		MaxElapsed:      30 * time.Second,
		MaxAttempts:     4,
	}
}

// None returns a policy that never retries
func None() Policy {
	return Policy{MaxAttempts: 1}
}

// ShouldRetry reports whether a failure seen after attempt attempts deserves another one
func (p Policy) ShouldRetry(ce *classify.ClassifiedError, attempt int) bool {
	if ce == nil || ce.Recovered() || ce.MaybeSubmitted || !ce.CanRetry {
		return false
	}
	switch ce.Category {
	case classify.CategoryTemporary:
		return attempt < p.maxAttempts()
	case classify.CategoryUnknown:
		return attempt < 2 && p.maxAttempts() > 1
	}
	return false
}

func (p Policy) maxAttempts() int {
	if p.MaxAttempts <= 0 {
		return 1
	}
	return p.MaxAttempts
}

func (p Policy) newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	if p.InitialInterval > 0 {
		b.InitialInterval = p.InitialInterval
	}
	if p.MaxInterval > 0 {
		b.MaxInterval = p.MaxInterval
	}
	b.MaxElapsedTime = p.MaxElapsed
	b.Reset()
	return b
}

// Do runs op until it succeeds or the policy gives up. Failures are returned
// as *classify.ClassifiedError; callers check Recovered() for hashes found
// in a failure.
func (p Policy) Do(ctx context.Context, op func(ctx context.Context) error) error {
	_, err := DoValue(ctx, p, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, op(ctx)
	})
	return err
}

// DoValue is Do for operations that return a value
func DoValue[T any](ctx context.Context, p Policy, op func(ctx context.Context) (T, error)) (T, error) {
	b := p.newBackOff()
	sleep := p.sleep
	if sleep == nil {
		sleep = sleepContext
	}

	for attempt := 1; ; attempt++ {
		v, err := op(ctx)
		if err == nil {
			return v, nil
		}

		ce := classify.Classify(err)
		if !p.ShouldRetry(ce, attempt) {
			return v, ce
		}

		wait := b.NextBackOff()
		if wait == backoff.Stop {
			return v, ce
		}
		if ce.RetryAfter > wait {
			wait = ce.RetryAfter
		}

		metrics.RecordRetry(string(ce.Category))
		log.Info().
			Str("component", "retry").
			Str("category", string(ce.Category)).
			Int("attempt", attempt).
			Dur("wait", wait).
			Str("reason", ce.Message).
			Msg("retrying after failure")

		if err := sleep(ctx, wait); err != nil {
			return v, ce
		}
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
