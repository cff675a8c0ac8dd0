// Package retry provides retry logic with exponential backoff.
package retry

import (
	"context"
	"math"
	"math/rand"
	"time"

	"github.com/TheMichaelB/filebridge/internal/config"
	"github.com/TheMichaelB/filebridge/internal/events"
	"github.com/TheMichaelB/filebridge/internal/metrics"
	"github.com/TheMichaelB/filebridge/internal/models"
)

// Policy holds retry configuration.
type Policy struct {
	MaxAttempts  int           // Total attempts including the first
	InitialDelay time.Duration // Delay before the second attempt
	MaxDelay     time.Duration // Cap on any single delay
	Factor       float64       // Backoff multiplier
	Jitter       float64       // Jitter factor (0-1), applied as +/-
}

// PolicyFrom converts an application retry policy.
func PolicyFrom(p config.RetryPolicy) Policy {
	return Policy{
		MaxAttempts:  p.MaxAttempts,
		InitialDelay: p.InitialDelay,
		MaxDelay:     p.MaxDelay,
		Factor:       p.Factor,
		Jitter:       p.Jitter,
	}
}

// Delay returns the backoff before attempt+1, where attempt counts from 0,
// before jitter.
func (p Policy) Delay(attempt int) time.Duration {
	factor := p.Factor
	if factor < 1 {
		factor = 1
	}
	d := float64(p.InitialDelay) * math.Pow(factor, float64(attempt))
	if p.MaxDelay > 0 && d > float64(p.MaxDelay) {
		d = float64(p.MaxDelay)
	}
	return time.Duration(d)
}

// Sleeper waits for d or until ctx is done.
type Sleeper func(ctx context.Context, d time.Duration) error

// Sleep is the default Sleeper.
func Sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Executor runs functions under a retry policy.
type Executor struct {
	policy Policy
	sleep  Sleeper
	rand   func() float64
	logger *events.Logger
}

// Option configures an Executor.
type Option func(*Executor)

// WithSleeper replaces the sleep function.
func WithSleeper(s Sleeper) Option {
	return func(e *Executor) { e.sleep = s }
}

// WithRand replaces the jitter source. It must return values in [0,1).
func WithRand(r func() float64) Option {
	return func(e *Executor) { e.rand = r }
}

// New creates an executor.
func New(policy Policy, logger *events.Logger, opts ...Option) *Executor {
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = 1
	}
	e := &Executor{
		policy: policy,
		sleep:  Sleep,
		rand:   rand.Float64,
		logger: logger.WithField("component", "retry"),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Policy returns the executor's policy.
func (e *Executor) Policy() Policy {
	return e.policy
}

// Do executes fn until it succeeds, fails with a non-retryable error or the
// policy is exhausted. After exhaustion the last error is returned wrapped
// in *models.RetryExhaustedError.
func (e *Executor) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	_, err := DoWithResult(ctx, e, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// DoWithResult is Do for functions returning a value.
func DoWithResult[T any](ctx context.Context, e *Executor, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	var delays []time.Duration
	logger := e.logger.Scoped(ctx)

	for attempt := 0; ; attempt++ {
		v, err := fn(ctx)
		if err == nil {
			return v, nil
		}

		if !models.IsRetryable(err) {
			return zero, err
		}
		if attempt+1 >= e.policy.MaxAttempts {
			if e.policy.MaxAttempts == 1 {
				return zero, err
			}
			logger.WithError(err).WithFields(map[string]interface{}{
				"attempts": attempt + 1,
				"delays":   delays,
			}).Warn("Retries exhausted")
			return zero, &models.RetryExhaustedError{Attempts: attempt + 1, Err: err}
		}

		delay := e.delay(attempt, err)
		delays = append(delays, delay)
		metrics.RecordRetry(models.KindOf(err).String())

		logger.WithError(err).WithFields(map[string]interface{}{
			"attempt": attempt + 1,
			"delay":   delay.String(),
			"kind":    models.KindOf(err).String(),
		}).Debug("Retrying after failure")

		if err := e.sleep(ctx, delay); err != nil {
			return zero, err
		}
	}
}

// delay computes the wait after a failed attempt. A retry-after hint from
// the backend wins over the computed backoff and is not capped. Jittered
// backoff never exceeds MaxDelay.
func (e *Executor) delay(attempt int, err error) time.Duration {
	if hint := models.RetryAfterOf(err); hint > 0 {
		return hint
	}
	d := e.policy.Delay(attempt)
	if e.policy.Jitter > 0 {
		d += time.Duration(float64(d) * e.policy.Jitter * (e.rand()*2 - 1))
	}
	if e.policy.MaxDelay > 0 && d > e.policy.MaxDelay {
		d = e.policy.MaxDelay
	}
	if d < 0 {
		d = 0
	}
	return d
}
