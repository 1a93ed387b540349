package toolexecutor

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
)

// BackoffStrategy selects the inter-attempt delay schedule.
type BackoffStrategy string

const (
	BackoffFixed       BackoffStrategy = "fixed"
	BackoffExponential BackoffStrategy = "exponential"
	BackoffLinear      BackoffStrategy = "linear"
)

// BackoffConfig parameterizes a backoff schedule. Fixed uses DelayMS;
// Exponential uses InitialMS, Multiplier and MaxMS; Linear uses InitialMS
// and IncrementMS (capped by MaxMS when set).
type BackoffConfig struct {
	Strategy    BackoffStrategy `json:"strategy"`
	DelayMS     int             `json:"delay_ms,omitempty"`
	InitialMS   int             `json:"initial_ms,omitempty"`
	Multiplier  float64         `json:"multiplier,omitempty"`
	MaxMS       int             `json:"max_ms,omitempty"`
	IncrementMS int             `json:"increment_ms,omitempty"`
}

// RetryConfig is a retry policy. Only error kinds in RetryableErrors are
// retried; deterministic kinds never are.
type RetryConfig struct {
	MaxAttempts     int           `json:"max_attempts"`
	Backoff         BackoffConfig `json:"backoff"`
	RetryableErrors []ErrorKind   `json:"retryable_errors,omitempty"`
}

// DefaultRetryableErrors are retried when a policy lists none.
var DefaultRetryableErrors = []ErrorKind{KindNetworkError, KindTimeout}

// FixedRetry builds a policy with attempts total attempts spaced by delay.
func FixedRetry(attempts int, delay time.Duration, retryable ...ErrorKind) *RetryConfig {
	return &RetryConfig{
		MaxAttempts:     attempts,
		Backoff:         BackoffConfig{Strategy: BackoffFixed, DelayMS: int(delay.Milliseconds())},
		RetryableErrors: retryable,
	}
}

func (r *RetryConfig) attempts() int {
	if r == nil || r.MaxAttempts < 1 {
		return 1
	}
	return r.MaxAttempts
}

func (r *RetryConfig) retryable(kind ErrorKind) bool {
	if r == nil || kind.Deterministic() {
		return false
	}
	list := r.RetryableErrors
	if len(list) == 0 {
		list = DefaultRetryableErrors
	}
	for _, k := range list {
		if k == kind {
			return true
		}
	}
	return false
}

// NewBackOff builds the schedule for cfg. The returned BackOff never gives
// up on its own; attempt counting is done by the retry loop.
func NewBackOff(cfg BackoffConfig) backoff.BackOff {
	ms := func(v int) time.Duration { return time.Duration(v) * time.Millisecond }

	switch cfg.Strategy {
	case BackoffExponential:
		b := backoff.NewExponentialBackOff()
		b.InitialInterval = ms(cfg.InitialMS)
		if b.InitialInterval <= 0 {
			b.InitialInterval = 100 * time.Millisecond
		}
		b.Multiplier = cfg.Multiplier
		if b.Multiplier < 1 {
			b.Multiplier = 2
		}
		b.MaxInterval = ms(cfg.MaxMS)
		if b.MaxInterval <= 0 {
			b.MaxInterval = 30 * time.Second
		}
		b.RandomizationFactor = 0
		b.MaxElapsedTime = 0
		b.Reset()
		return b
	case BackoffLinear:
		return &linearBackOff{initial: ms(cfg.InitialMS), increment: ms(cfg.IncrementMS), max: ms(cfg.MaxMS)}
	default:
		return backoff.NewConstantBackOff(ms(cfg.DelayMS))
	}
}

// linearBackOff waits initial, initial+increment, initial+2*increment, ...
type linearBackOff struct {
	initial   time.Duration
	increment time.Duration
	max       time.Duration
	step      int
}

func (l *linearBackOff) NextBackOff() time.Duration {
	d := l.initial + time.Duration(l.step)*l.increment
	l.step++
	if l.max > 0 && d > l.max {
		return l.max
	}
	return d
}

func (l *linearBackOff) Reset() {
	l.step = 0
}

// attemptFunc performs one attempt; attempt starts at 1.
type attemptFunc func(ctx context.Context, attempt int) (*ExecutionOutput, error)

// runWithRetry decorates fn with policy. It returns the number of attempts
// made. Once a retryable error has been retried to exhaustion it is
// reported as execution_failed wrapping the last cause. ctx is checked
// before every attempt and while sleeping.
func runWithRetry(ctx context.Context, policy *RetryConfig, logger zerolog.Logger, fn attemptFunc) (*ExecutionOutput, int, error) {
	maxAttempts := policy.attempts()
	var schedule backoff.BackOff
	if policy != nil {
		schedule = NewBackOff(policy.Backoff)
	}

	var lastErr error
	made := 0
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, made, err
		}

		made = attempt
		out, err := fn(ctx, attempt)
		if err == nil {
			return out, attempt, nil
		}
		lastErr = err

		if ctx.Err() != nil {
			return out, attempt, err
		}
		kind := KindOf(err)
		if !policy.retryable(kind) {
			return out, attempt, err
		}
		if attempt == maxAttempts {
			break
		}

		delay := schedule.NextBackOff()
		if delay == backoff.Stop {
			break
		}
		logger.Debug().
			Int("attempt", attempt).
			Dur("delay", delay).
			Str("kind", string(kind)).
			Err(err).
			Msg("Retrying tool call")

		if delay > 0 {
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil, attempt, ctx.Err()
			case <-timer.C:
			}
		}
	}

	if made > 1 {
		return nil, made, WrapError(KindExecutionFailed, lastErr, "retries exhausted after %d attempts", made)
	}
	return nil, made, lastErr
}
