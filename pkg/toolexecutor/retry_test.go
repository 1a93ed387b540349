package toolexecutor

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewBackOff_Schedules(t *testing.T) {
	fixed := NewBackOff(BackoffConfig{Strategy: BackoffFixed, DelayMS: 50})
	assert.Equal(t, 50*time.Millisecond, fixed.NextBackOff())
	assert.Equal(t, 50*time.Millisecond, fixed.NextBackOff())

	exp := NewBackOff(BackoffConfig{Strategy: BackoffExponential, InitialMS: 10, Multiplier: 2, MaxMS: 35})
	for _, want := range []time.Duration{10 * time.Millisecond, 20 * time.Millisecond, 35 * time.Millisecond} {
		assert.InDelta(t, float64(want), float64(exp.NextBackOff()), float64(time.Millisecond))
	}

	lin := NewBackOff(BackoffConfig{Strategy: BackoffLinear, InitialMS: 10, IncrementMS: 5, MaxMS: 18})
	assert.Equal(t, 10*time.Millisecond, lin.NextBackOff())
	assert.Equal(t, 15*time.Millisecond, lin.NextBackOff())
	assert.Equal(t, 18*time.Millisecond, lin.NextBackOff())
	lin.Reset()
	assert.Equal(t, 10*time.Millisecond, lin.NextBackOff())
}

func TestRunWithRetry_SucceedsAfterTransientFailures(t *testing.T) {
	calls := 0
	out, attempts, err := runWithRetry(context.Background(), FixedRetry(3, 0), zerolog.Nop(),
		func(ctx context.Context, attempt int) (*ExecutionOutput, error) {
			calls++
			if attempt < 3 {
				return nil, NewError(KindNetworkError, "flaky")
			}
			return TextOutput("ok"), nil
		})

	require.NoError(t, err)
	assert.Equal(t, "ok", out.Text)
	assert.Equal(t, 3, attempts)
	assert.Equal(t, 3, calls)
}

func TestRunWithRetry_ExhaustionWrapsLastError(t *testing.T) {
	_, attempts, err := runWithRetry(context.Background(), FixedRetry(4, 0), zerolog.Nop(),
		func(ctx context.Context, attempt int) (*ExecutionOutput, error) {
			return nil, &net.OpError{Op: "dial", Net: "tcp", Err: errors.New("connection refused")}
		})

	assert.Equal(t, 4, attempts)
	assert.True(t, errors.Is(err, ErrExecutionFailed))
	var opErr *net.OpError
	assert.True(t, errors.As(err, &opErr), "cause must stay reachable")
}

func TestRunWithRetry_DeterministicNeverRetried(t *testing.T) {
	policy := FixedRetry(5, 0, KindValidationError, KindPermissionDenied, KindNetworkError)

	for _, kind := range []ErrorKind{KindValidationError, KindPermissionDenied, KindSandboxViolation} {
		t.Run(string(kind), func(t *testing.T) {
			calls := 0
			_, attempts, err := runWithRetry(context.Background(), policy, zerolog.Nop(),
				func(ctx context.Context, attempt int) (*ExecutionOutput, error) {
					calls++
					return nil, NewError(kind, "nope")
				})
			assert.Equal(t, 1, calls)
			assert.Equal(t, 1, attempts)
			assert.Equal(t, kind, KindOf(err))
		})
	}
}

func TestRunWithRetry_NonListedKindNotRetried(t *testing.T) {
	calls := 0
	_, _, err := runWithRetry(context.Background(), FixedRetry(3, 0, KindTimeout), zerolog.Nop(),
		func(ctx context.Context, attempt int) (*ExecutionOutput, error) {
			calls++
			return nil, NewError(KindNetworkError, "down")
		})
	assert.Equal(t, 1, calls)
	assert.True(t, errors.Is(err, ErrNetwork))
}

func TestRunWithRetry_StopsWhenCancelledDuringBackoff(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, attempts, err := runWithRetry(ctx, FixedRetry(5, time.Second), zerolog.Nop(),
		func(ctx context.Context, attempt int) (*ExecutionOutput, error) {
			calls++
			return nil, NewError(KindNetworkError, "down")
		})

	assert.Equal(t, 1, calls)
	assert.Equal(t, 1, attempts)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestKindOf(t *testing.T) {
	assert.Equal(t, ErrorKind(""), KindOf(nil))
	assert.Equal(t, KindTimeout, KindOf(context.DeadlineExceeded))
	assert.Equal(t, KindNetworkError, KindOf(errors.New("read tcp: connection reset by peer")))
	assert.Equal(t, KindOther, KindOf(errors.New("something else")))
	assert.Equal(t, KindSandboxViolation, KindOf(WrapError(KindSandboxViolation, errors.New("x"), "escape")))
}

func TestExecutorError_OutputAndIs(t *testing.T) {
	err := ResourceLimitError(ResourceOutput, 10, 20)
	assert.True(t, errors.Is(err, ErrResourceLimitExceeded))
	assert.False(t, errors.Is(err, ErrTimeout))

	out := err.Output()
	assert.Equal(t, OutputError, out.Kind)
	assert.Equal(t, string(KindResourceLimitExceeded), out.Error.Code)
	assert.Equal(t, ResourceOutput, out.Error.Details["resource"])
}
