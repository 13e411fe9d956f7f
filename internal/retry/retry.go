// Package retry runs calls to external backends under a bounded retry policy
// with exponential backoff. There is no unbounded retry path: once the policy
// is exhausted the last error is returned wrapped in UnavailableError.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

const (
	DefaultMaxAttempts = 3
	DefaultMinDelay    = time.Second
	DefaultMaxDelay    = 10 * time.Second
)

// ErrBackendUnavailable matches every UnavailableError via errors.Is.
var ErrBackendUnavailable = errors.New("backend unavailable")

// Policy bounds how a call is retried.
type Policy struct {
	MaxAttempts int
	MinDelay    time.Duration
	MaxDelay    time.Duration
	// AttemptTimeout bounds each attempt. Zero leaves attempts unbounded.
	AttemptTimeout time.Duration
}

// DefaultPolicy returns 3 attempts with 1s..10s backoff.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: DefaultMaxAttempts,
		MinDelay:    DefaultMinDelay,
		MaxDelay:    DefaultMaxDelay,
	}
}

func (p Policy) normalized() Policy {
	if p.MaxAttempts < 1 {
		p.MaxAttempts = 1
	}
	if p.MinDelay < 0 {
		p.MinDelay = 0
	}
	if p.MaxDelay < p.MinDelay {
		p.MaxDelay = p.MinDelay
	}
	return p
}

// Delay returns the wait after the given failed attempt (1-based):
// MinDelay doubled per prior attempt, capped at MaxDelay.
func (p Policy) Delay(attempt int) time.Duration {
	p = p.normalized()
	delay := p.MinDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= p.MaxDelay || delay <= 0 {
			return p.MaxDelay
		}
	}
	return delay
}

// UnavailableError is returned when a call failed on every permitted attempt,
// or failed permanently.
type UnavailableError struct {
	Op       string
	Attempts int
	Err      error
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("%s failed after %d attempt(s): %v", e.Op, e.Attempts, e.Err)
}

func (e *UnavailableError) Unwrap() error { return e.Err }

func (e *UnavailableError) Is(target error) bool {
	return target == ErrBackendUnavailable
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying, e.g. an authentication failure.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

type settings struct {
	logger *zap.Logger
	sleep  func(ctx context.Context, d time.Duration) error
}

type Option func(*settings)

func WithLogger(logger *zap.Logger) Option {
	return func(s *settings) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithSleep replaces the backoff wait. Intended for tests.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(s *settings) { s.sleep = sleep }
}

func sleepCtx(ctx context.Context, d time.Duration) error {
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

// Do calls fn until it succeeds, returns a Permanent error, ctx is done, or
// policy.MaxAttempts is reached. op names the call in errors and logs.
func Do[T any](ctx context.Context, policy Policy, op string, fn func(ctx context.Context) (T, error), opts ...Option) (T, error) {
	s := settings{logger: zap.NewNop(), sleep: sleepCtx}
	for _, opt := range opts {
		opt(&s)
	}
	policy = policy.normalized()

	var (
		zero    T
		lastErr error
	)
	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		result, err := runAttempt(ctx, policy.AttemptTimeout, fn)
		if err == nil {
			if attempt > 1 {
				s.logger.Info("Backend call recovered",
					zap.String("op", op),
					zap.Int("attempt", attempt))
			}
			return result, nil
		}
		lastErr = err

		if IsPermanent(err) {
			s.logger.Error("Backend call failed permanently",
				zap.String("op", op),
				zap.Int("attempt", attempt),
				zap.Error(err))
			return zero, &UnavailableError{Op: op, Attempts: attempt, Err: err}
		}
		if attempt == policy.MaxAttempts {
			break
		}

		delay := policy.Delay(attempt)
		s.logger.Warn("Backend call failed, retrying",
			zap.String("op", op),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", delay),
			zap.Error(err))

		if err := s.sleep(ctx, delay); err != nil {
			return zero, &UnavailableError{Op: op, Attempts: attempt, Err: fmt.Errorf("%w (last error: %v)", err, lastErr)}
		}
	}

	s.logger.Error("Backend call exhausted retries",
		zap.String("op", op),
		zap.Int("attempts", policy.MaxAttempts),
		zap.Error(lastErr))
	return zero, &UnavailableError{Op: op, Attempts: policy.MaxAttempts, Err: lastErr}
}

func runAttempt[T any](ctx context.Context, timeout time.Duration, fn func(ctx context.Context) (T, error)) (T, error) {
	if timeout <= 0 {
		return fn(ctx)
	}
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return fn(attemptCtx)
}
