package config

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/harun/toolengine/pkg/toolexecutor"
)

func TestValidateJanitorSchedule(t *testing.T) {
	v := NewValidator()

	tests := []struct {
		name    string
		spec    string
		wantErr bool
	}{
		{"empty uses default", "", false},
		{"descriptor", "@every 30s", false},
		{"five fields", "*/5 * * * *", false},
		{"garbage", "every now and then", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := v.ValidateJanitorSchedule(tt.spec)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestValidateRetry(t *testing.T) {
	v := NewValidator()

	t.Run("nil policy", func(t *testing.T) {
		assert.NoError(t, v.ValidateRetry(nil))
	})

	t.Run("fixed", func(t *testing.T) {
		assert.NoError(t, v.ValidateRetry(toolexecutor.FixedRetry(3, 0)))
	})

	t.Run("zero attempts", func(t *testing.T) {
		err := v.ValidateRetry(&toolexecutor.RetryConfig{
			Backoff: toolexecutor.BackoffConfig{Strategy: toolexecutor.BackoffFixed},
		})
		assert.Error(t, err)
	})

	t.Run("exponential multiplier below one", func(t *testing.T) {
		err := v.ValidateRetry(&toolexecutor.RetryConfig{
			MaxAttempts: 2,
			Backoff: toolexecutor.BackoffConfig{
				Strategy:   toolexecutor.BackoffExponential,
				InitialMS:  10,
				Multiplier: 0.5,
			},
		})
		assert.Error(t, err)
	})

	t.Run("unknown strategy", func(t *testing.T) {
		err := v.ValidateRetry(&toolexecutor.RetryConfig{
			MaxAttempts: 2,
			Backoff:     toolexecutor.BackoffConfig{Strategy: "random"},
		})
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "random")
	})
}

func TestValidateConfigCollectsAllErrors(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Gateway.Port = -1
	cfg.Executor.JanitorSchedule = "bogus"
	cfg.Executor.Retry = &toolexecutor.RetryConfig{MaxAttempts: 0}

	errs := NewValidator().ValidateConfig(cfg)

	// port, missing secret, schedule, retry
	assert.Len(t, errs, 4)
}
