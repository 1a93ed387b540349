package toolexecutor

import (
	"container/heap"
	"context"
	"errors"
	"sync"
	"time"

	"github.com/harun/toolengine/internal/observability"
	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"
)

// waiter is a request queued for a lane slot.
type waiter struct {
	executionID string
	priority    int
	seq         uint64
	ready       chan struct{}
	granted     bool
	index       int
}

// waitQueue orders waiters by priority, then arrival.
type waitQueue []*waiter

func (q waitQueue) Len() int { return len(q) }
func (q waitQueue) Less(i, j int) bool {
	if q[i].priority != q[j].priority {
		return q[i].priority > q[j].priority
	}
	return q[i].seq < q[j].seq
}
func (q waitQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}
func (q *waitQueue) Push(x interface{}) {
	w := x.(*waiter)
	w.index = len(*q)
	*q = append(*q, w)
}
func (q *waitQueue) Pop() interface{} {
	old := *q
	n := len(old)
	w := old[n-1]
	old[n-1] = nil
	w.index = -1
	*q = old[:n-1]
	return w
}

// laneState caps concurrent executions of one tool.
type laneState struct {
	tool          string
	maxConcurrent int
	queueSize     int
	running       int
	seq           uint64
	waiting       waitQueue
	activeIDs     map[string]struct{}
	mu            sync.Mutex
}

func newLane(tool string) *laneState {
	return &laneState{tool: tool, activeIDs: make(map[string]struct{})}
}

// acquire takes a slot, waiting in priority order when the lane is busy.
// It fails fast with concurrency_limit_reached once the queue is full.
func (l *laneState) acquire(ctx context.Context, executionID string, priority Priority, maxConcurrent, queueSize int) (func(), error) {
	l.mu.Lock()
	l.maxConcurrent = maxConcurrent
	l.queueSize = queueSize

	if l.maxConcurrent <= 0 || (l.running < l.maxConcurrent && l.waiting.Len() == 0) {
		l.running++
		l.activeIDs[executionID] = struct{}{}
		l.reportLocked()
		l.mu.Unlock()
		return l.releaseFunc(executionID), nil
	}

	if l.waiting.Len() >= l.queueSize {
		running, waiting := l.running, l.waiting.Len()
		l.mu.Unlock()
		observability.RecordAdmissionRejected(l.tool, string(KindConcurrencyLimitReached))
		err := NewError(KindConcurrencyLimitReached, "tool %s has %d running and %d queued executions", l.tool, running, waiting)
		err.Details = map[string]interface{}{"max_concurrent": maxConcurrent, "queue_size": queueSize}
		return nil, err
	}

	l.seq++
	w := &waiter{executionID: executionID, priority: priority.rank(), seq: l.seq, ready: make(chan struct{})}
	heap.Push(&l.waiting, w)
	l.reportLocked()
	l.mu.Unlock()

	log.Debug().Str("tool", l.tool).Str("execution_id", executionID).Msg("Execution queued")

	select {
	case <-w.ready:
		return l.releaseFunc(executionID), nil
	case <-ctx.Done():
		l.mu.Lock()
		if w.granted {
			l.mu.Unlock()
			l.releaseFunc(executionID)()
			return nil, ctx.Err()
		}
		heap.Remove(&l.waiting, w.index)
		l.reportLocked()
		l.mu.Unlock()
		return nil, ctx.Err()
	}
}

func (l *laneState) releaseFunc(executionID string) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			defer l.mu.Unlock()

			delete(l.activeIDs, executionID)
			if l.waiting.Len() > 0 && (l.maxConcurrent <= 0 || l.running <= l.maxConcurrent) {
				next := heap.Pop(&l.waiting).(*waiter)
				next.granted = true
				l.activeIDs[next.executionID] = struct{}{}
				close(next.ready)
			} else {
				l.running--
			}
			l.reportLocked()
		})
	}
}

func (l *laneState) reportLocked() {
	observability.SetToolLane(l.tool, l.running, l.waiting.Len())
}

// BreakerSettings tune the per-backend circuit breaker. A zero
// FailureThreshold disables breaking.
type BreakerSettings struct {
	FailureThreshold uint32
	OpenTimeout      time.Duration
}

// admission holds the per-tool lanes and rate limiters and the per-backend
// circuit breakers.
type admission struct {
	mu       sync.Mutex
	lanes    map[string]*laneState
	limiters map[string]*rateEntry
	breakers map[string]*gobreaker.CircuitBreaker
	settings BreakerSettings
}

type rateEntry struct {
	perMinute int
	limiter   *rate.Limiter
}

func newAdmission(settings BreakerSettings) *admission {
	return &admission{
		lanes:    make(map[string]*laneState),
		limiters: make(map[string]*rateEntry),
		breakers: make(map[string]*gobreaker.CircuitBreaker),
		settings: settings,
	}
}

func (a *admission) lane(toolID string) *laneState {
	a.mu.Lock()
	defer a.mu.Unlock()

	l, ok := a.lanes[toolID]
	if !ok {
		l = newLane(toolID)
		a.lanes[toolID] = l
	}
	return l
}

// allow applies the tool's per-minute rate limit.
func (a *admission) allow(tool *Tool) error {
	perMinute := tool.Execution.RateLimitPerMinute
	if perMinute <= 0 {
		return nil
	}

	a.mu.Lock()
	entry, ok := a.limiters[tool.ID]
	if !ok || entry.perMinute != perMinute {
		entry = &rateEntry{
			perMinute: perMinute,
			limiter:   rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMinute)), perMinute),
		}
		a.limiters[tool.ID] = entry
	}
	a.mu.Unlock()

	if !entry.limiter.Allow() {
		observability.RecordAdmissionRejected(tool.ID, string(KindRateLimitExceeded))
		return NewError(KindRateLimitExceeded, "tool %s allows %d executions per minute", tool.ID, perMinute)
	}
	return nil
}

// breaker returns the circuit breaker of a backend, or nil when disabled.
func (a *admission) breaker(backendName string) *gobreaker.CircuitBreaker {
	if a.settings.FailureThreshold == 0 {
		return nil
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	cb, ok := a.breakers[backendName]
	if ok {
		return cb
	}
	threshold := a.settings.FailureThreshold
	cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        backendName,
		MaxRequests: 1,
		Timeout:     a.settings.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		IsSuccessful: func(err error) bool {
			switch KindOf(err) {
			case KindNetworkError, KindTimeout, KindToolUnavailable:
				return false
			default:
				return true
			}
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().Str("backend", name).Str("from", from.String()).Str("to", to.String()).Msg("Backend circuit breaker state changed")
			observability.SetBreakerState(name, int(to))
		},
	})
	a.breakers[backendName] = cb
	return cb
}

// checkBreaker fails fast with tool_unavailable while the breaker is open.
func (a *admission) checkBreaker(backendName string) error {
	cb := a.breaker(backendName)
	if cb == nil || cb.State() != gobreaker.StateOpen {
		return nil
	}
	observability.RecordAdmissionRejected(backendName, string(KindToolUnavailable))
	return NewError(KindToolUnavailable, "backend %s is unavailable after repeated failures", backendName)
}

// guard runs fn through the backend's circuit breaker.
func (a *admission) guard(backendName string, fn func() (*ExecutionOutput, error)) (*ExecutionOutput, error) {
	cb := a.breaker(backendName)
	if cb == nil {
		return fn()
	}
	res, err := cb.Execute(func() (interface{}, error) {
		return fn()
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, WrapError(KindToolUnavailable, err, "backend %s", backendName)
	}
	out, _ := res.(*ExecutionOutput)
	return out, err
}
