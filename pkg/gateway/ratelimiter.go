package gateway

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	DefaultRequestsPerMinute = 120
	DefaultMaxConcurrent     = 10
)

// ClientRateLimiter bounds the request rate and the in-flight requests of
// one client. The rate is a token bucket refilled evenly over a minute.
type ClientRateLimiter struct {
	mu                 sync.Mutex
	limiter            *rate.Limiter
	requestsPerMinute  int
	maxConcurrent      int
	concurrentRequests int
}

// NewClientRateLimiterWithLimits creates a rate limiter with custom limits
func NewClientRateLimiterWithLimits(requestsPerMinute, maxConcurrent int) *ClientRateLimiter {
	return &ClientRateLimiter{
		limiter:           newMinuteLimiter(requestsPerMinute),
		requestsPerMinute: requestsPerMinute,
		maxConcurrent:     maxConcurrent,
	}
}

func newMinuteLimiter(perMinute int) *rate.Limiter {
	if perMinute <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	return rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMinute)), perMinute)
}

// CheckRequestAllowed reports whether a new request may start. An allowed
// request consumes one token.
func (r *ClientRateLimiter) CheckRequestAllowed() (bool, string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.maxConcurrent > 0 && r.concurrentRequests >= r.maxConcurrent {
		return false, "too many concurrent requests"
	}
	if !r.limiter.Allow() {
		return false, "rate limit exceeded"
	}
	return true, ""
}

// RecordRequestStart records the start of a request
func (r *ClientRateLimiter) RecordRequestStart() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.concurrentRequests++
}

// RecordRequestEnd records the end of a request
func (r *ClientRateLimiter) RecordRequestEnd() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.concurrentRequests > 0 {
		r.concurrentRequests--
	}
}

// UpdateLimits replaces both limits. The token bucket starts full.
func (r *ClientRateLimiter) UpdateLimits(requestsPerMinute, maxConcurrent int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.requestsPerMinute = requestsPerMinute
	r.maxConcurrent = maxConcurrent
	r.limiter = newMinuteLimiter(requestsPerMinute)
}

// GetStats returns the tokens left in the bucket and the in-flight count.
func (r *ClientRateLimiter) GetStats() (remaining, concurrentCount int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.requestsPerMinute <= 0 {
		return -1, r.concurrentRequests
	}
	return int(r.limiter.Tokens()), r.concurrentRequests
}
