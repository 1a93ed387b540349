package gateway

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClientRateLimiter_CheckRequestAllowed(t *testing.T) {
	t.Run("should allow requests under limit", func(t *testing.T) {
		limiter := NewClientRateLimiterWithLimits(10, 5)

		for i := 0; i < 5; i++ {
			allowed, reason := limiter.CheckRequestAllowed()
			assert.True(t, allowed)
			assert.Empty(t, reason)
			limiter.RecordRequestStart()
		}
	})

	t.Run("should reject when concurrent limit exceeded", func(t *testing.T) {
		limiter := NewClientRateLimiterWithLimits(100, 3)

		for i := 0; i < 3; i++ {
			limiter.RecordRequestStart()
		}

		allowed, reason := limiter.CheckRequestAllowed()
		assert.False(t, allowed)
		assert.Equal(t, "too many concurrent requests", reason)
	})

	t.Run("should reject when rate limit exceeded", func(t *testing.T) {
		limiter := NewClientRateLimiterWithLimits(5, 10)

		for i := 0; i < 5; i++ {
			allowed, _ := limiter.CheckRequestAllowed()
			assert.True(t, allowed)
			limiter.RecordRequestStart()
			limiter.RecordRequestEnd()
		}

		allowed, reason := limiter.CheckRequestAllowed()
		assert.False(t, allowed)
		assert.Equal(t, "rate limit exceeded", reason)
	})

	t.Run("zero rate means unlimited", func(t *testing.T) {
		limiter := NewClientRateLimiterWithLimits(0, 0)
		for i := 0; i < 1000; i++ {
			allowed, _ := limiter.CheckRequestAllowed()
			assert.True(t, allowed)
		}
	})
}

func TestClientRateLimiter_RecordRequestStartEnd(t *testing.T) {
	t.Run("should track concurrent requests", func(t *testing.T) {
		limiter := NewClientRateLimiterWithLimits(100, 10)

		limiter.RecordRequestStart()
		limiter.RecordRequestStart()

		_, concurrent := limiter.GetStats()
		assert.Equal(t, 2, concurrent)

		limiter.RecordRequestEnd()
		_, concurrent = limiter.GetStats()
		assert.Equal(t, 1, concurrent)

		limiter.RecordRequestEnd()
		_, concurrent = limiter.GetStats()
		assert.Equal(t, 0, concurrent)
	})

	t.Run("should not go negative on concurrent count", func(t *testing.T) {
		limiter := NewClientRateLimiterWithLimits(100, 10)

		limiter.RecordRequestEnd()
		limiter.RecordRequestEnd()

		_, concurrent := limiter.GetStats()
		assert.Equal(t, 0, concurrent)
	})
}

func TestClientRateLimiter_UpdateLimits(t *testing.T) {
	limiter := NewClientRateLimiterWithLimits(10, 5)

	for i := 0; i < 3; i++ {
		limiter.RecordRequestStart()
	}

	limiter.UpdateLimits(20, 10)

	for i := 0; i < 7; i++ {
		allowed, _ := limiter.CheckRequestAllowed()
		assert.True(t, allowed)
		limiter.RecordRequestStart()
	}

	allowed, reason := limiter.CheckRequestAllowed()
	assert.False(t, allowed)
	assert.Equal(t, "too many concurrent requests", reason)
}

func TestClientRateLimiter_GetStats(t *testing.T) {
	limiter := NewClientRateLimiterWithLimits(100, 10)

	for i := 0; i < 3; i++ {
		allowed, _ := limiter.CheckRequestAllowed()
		assert.True(t, allowed)
		limiter.RecordRequestStart()
	}

	remaining, concurrent := limiter.GetStats()
	assert.InDelta(t, 97, remaining, 1)
	assert.Equal(t, 3, concurrent)

	limiter.RecordRequestEnd()
	_, concurrent = limiter.GetStats()
	assert.Equal(t, 2, concurrent)
}
