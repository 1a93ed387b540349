package toolexecutor

import (
	"context"
	"errors"
	"sync"
	"time"
)

// errCancelRequested is the cancellation cause set by CancelExecution.
var errCancelRequested = errors.New("execution cancelled by request")

// executionRecord tracks one execution from Pending to a terminal status.
type executionRecord struct {
	mu        sync.Mutex
	id        string
	toolID    string
	status    ExecutionStatus
	startedAt time.Time
	endedAt   time.Time
	result    *ToolResult
	request   *ExecutionRequest
	cancel    context.CancelCauseFunc
	done      chan struct{}
}

func (r *executionRecord) Status() ExecutionStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

// transition moves to next when legal.
func (r *executionRecord) transition(next ExecutionStatus) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.status.CanTransition(next) {
		return false
	}
	r.status = next
	return true
}

// bindCancel installs the cancel function of the running context. It
// reports false when the record is already terminal.
func (r *executionRecord) bindCancel(cancel context.CancelCauseFunc) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.status.IsTerminal() {
		return false
	}
	r.cancel = cancel
	return true
}

// finish stores the terminal result. Only the first call wins; later
// callers get the stored result back.
func (r *executionRecord) finish(result *ToolResult) (*ToolResult, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.finishLocked(result)
}

func (r *executionRecord) finishLocked(result *ToolResult) (*ToolResult, bool) {
	if r.status.IsTerminal() {
		return r.result, false
	}
	r.status = result.Status
	r.result = result
	r.endedAt = time.Now()
	close(r.done)
	return result, true
}

// finishIfPending terminalizes the record with a cancelled result when it
// has not started running. The check and the finish share one lock hold.
func (r *executionRecord) finishIfPending() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.status != StatusPending {
		return false
	}
	now := time.Now()
	_, won := r.finishLocked(&ToolResult{
		ExecutionID: r.id,
		ToolID:      r.toolID,
		Status:      StatusCancelled,
		Output:      &ExecutionOutput{Kind: OutputNone},
		Metrics:     ExecutionMetrics{DurationMS: now.Sub(r.startedAt).Milliseconds()},
		Diagnostics: []Diagnostic{{
			Level: LevelInfo, Code: "cancelled", Message: "cancelled before execution started", Timestamp: now,
		}},
		StartedAt:   r.startedAt,
		CompletedAt: &now,
	})
	return won
}

// requestCancel terminalizes a pending record immediately and signals a
// running one. It reports whether the record was still pending.
func (r *executionRecord) requestCancel() bool {
	if r.Status().IsTerminal() {
		return false
	}
	won := r.finishIfPending()

	// Read after finish: a cancel bound before the record turned terminal
	// must still fire.
	r.mu.Lock()
	cancel := r.cancel
	r.mu.Unlock()
	if cancel != nil {
		cancel(errCancelRequested)
	}
	return won
}

// snapshot returns the terminal result or an in-flight view of the record.
func (r *executionRecord) snapshot() *ToolResult {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.result != nil {
		return r.result
	}
	return &ToolResult{ExecutionID: r.id, ToolID: r.toolID, Status: r.status, StartedAt: r.startedAt}
}

// tracker indexes execution records by id.
type tracker struct {
	mu      sync.RWMutex
	records map[string]*executionRecord
}

func newTracker() *tracker {
	return &tracker{records: make(map[string]*executionRecord)}
}

// begin registers a Pending record. An id may only be reused once its
// previous execution is terminal.
func (t *tracker) begin(req *ExecutionRequest) (*executionRecord, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if prev, ok := t.records[req.ExecutionID]; ok && !prev.Status().IsTerminal() {
		return nil, ErrExecutionActive
	}
	rec := &executionRecord{
		id:        req.ExecutionID,
		toolID:    req.ToolID,
		status:    StatusPending,
		startedAt: time.Now(),
		request:   req,
		done:      make(chan struct{}),
	}
	t.records[rec.id] = rec
	return rec, nil
}

func (t *tracker) get(id string) (*executionRecord, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	rec, ok := t.records[id]
	return rec, ok
}

// prune drops terminal records that ended before cutoff.
func (t *tracker) prune(cutoff time.Time) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	removed := 0
	for id, rec := range t.records {
		rec.mu.Lock()
		stale := rec.status.IsTerminal() && rec.endedAt.Before(cutoff)
		rec.mu.Unlock()
		if stale {
			delete(t.records, id)
			removed++
		}
	}
	return removed
}
