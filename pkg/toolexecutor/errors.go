package toolexecutor

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
)

// ErrorKind classifies executor failures.
type ErrorKind string

const (
	KindToolNotFound            ErrorKind = "tool_not_found"
	KindInvalidParameters       ErrorKind = "invalid_parameters"
	KindMissingParameter        ErrorKind = "missing_parameter"
	KindValidationError         ErrorKind = "validation_error"
	KindPermissionDenied        ErrorKind = "permission_denied"
	KindTimeout                 ErrorKind = "timeout"
	KindResourceLimitExceeded   ErrorKind = "resource_limit_exceeded"
	KindExecutionFailed         ErrorKind = "execution_failed"
	KindSandboxViolation        ErrorKind = "sandbox_violation"
	KindRateLimitExceeded       ErrorKind = "rate_limit_exceeded"
	KindConcurrencyLimitReached ErrorKind = "concurrency_limit_reached"
	KindToolUnavailable         ErrorKind = "tool_unavailable"
	KindNetworkError            ErrorKind = "network_error"
	KindOther                   ErrorKind = "other"
)

// Deterministic reports whether repeating the call cannot change the outcome.
// Such kinds are never retried regardless of policy.
func (k ErrorKind) Deterministic() bool {
	switch k {
	case KindToolNotFound, KindInvalidParameters, KindMissingParameter, KindValidationError,
		KindPermissionDenied, KindResourceLimitExceeded, KindSandboxViolation,
		KindRateLimitExceeded, KindConcurrencyLimitReached:
		return true
	default:
		return false
	}
}

// ExecutorError is the error type returned at the engine boundary.
type ExecutorError struct {
	Kind     ErrorKind
	Message  string
	Resource string // set for resource_limit_exceeded
	Details  map[string]interface{}
	Cause    error
}

func (e *ExecutorError) Error() string {
	msg := string(e.Kind)
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *ExecutorError) Unwrap() error {
	return e.Cause
}

// Is matches any ExecutorError of the same kind, so errors.Is(err, ErrTimeout)
// works for every timeout regardless of message.
func (e *ExecutorError) Is(target error) bool {
	t, ok := target.(*ExecutorError)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// Output converts the error to the structured error payload.
func (e *ExecutorError) Output() *ExecutionOutput {
	details := make(map[string]interface{}, len(e.Details)+2)
	for k, v := range e.Details {
		details[k] = v
	}
	if e.Resource != "" {
		details["resource"] = e.Resource
	}
	if e.Cause != nil {
		details["cause"] = e.Cause.Error()
	}
	if len(details) == 0 {
		details = nil
	}
	msg := e.Message
	if msg == "" {
		msg = e.Error()
	}
	return &ExecutionOutput{
		Kind:  OutputError,
		Error: &ErrorOutput{Code: string(e.Kind), Message: msg, Details: details},
	}
}

// Kind sentinels for errors.Is.
var (
	ErrToolNotFound            = &ExecutorError{Kind: KindToolNotFound}
	ErrInvalidParameters       = &ExecutorError{Kind: KindInvalidParameters}
	ErrMissingParameter        = &ExecutorError{Kind: KindMissingParameter}
	ErrValidation              = &ExecutorError{Kind: KindValidationError}
	ErrPermissionDenied        = &ExecutorError{Kind: KindPermissionDenied}
	ErrTimeout                 = &ExecutorError{Kind: KindTimeout}
	ErrResourceLimitExceeded   = &ExecutorError{Kind: KindResourceLimitExceeded}
	ErrExecutionFailed         = &ExecutorError{Kind: KindExecutionFailed}
	ErrSandboxViolation        = &ExecutorError{Kind: KindSandboxViolation}
	ErrRateLimitExceeded       = &ExecutorError{Kind: KindRateLimitExceeded}
	ErrConcurrencyLimitReached = &ExecutorError{Kind: KindConcurrencyLimitReached}
	ErrToolUnavailable         = &ExecutorError{Kind: KindToolUnavailable}
	ErrNetwork                 = &ExecutorError{Kind: KindNetworkError}
)

var (
	ErrExecutionNotFound = errors.New("execution not found")
	ErrExecutionActive   = errors.New("execution id already in use")
)

// NewError creates an ExecutorError of the given kind.
func NewError(kind ErrorKind, format string, args ...interface{}) *ExecutorError {
	return &ExecutorError{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// WrapError creates an ExecutorError of the given kind around cause.
func WrapError(kind ErrorKind, cause error, format string, args ...interface{}) *ExecutorError {
	return &ExecutorError{Kind: kind, Message: fmt.Sprintf(format, args...), Cause: cause}
}

// ResourceLimitError reports a breach of the named resource.
func ResourceLimitError(resource string, limit, actual int64) *ExecutorError {
	return &ExecutorError{
		Kind:     KindResourceLimitExceeded,
		Message:  fmt.Sprintf("%s limit of %d exceeded (%d)", resource, limit, actual),
		Resource: resource,
		Details:  map[string]interface{}{"limit": limit, "actual": actual},
	}
}

// KindOf classifies any error. Network failures from the standard library
// are reported as network_error.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var execErr *ExecutorError
	if errors.As(err, &execErr) {
		return execErr.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return KindTimeout
		}
		return KindNetworkError
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return KindNetworkError
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range []string{"connection refused", "connection reset", "broken pipe", "no route to host", "eof"} {
		if strings.Contains(msg, marker) {
			return KindNetworkError
		}
	}
	return KindOther
}

// AsExecutorError returns err as an ExecutorError, classifying it when needed.
func AsExecutorError(err error) *ExecutorError {
	if err == nil {
		return nil
	}
	var execErr *ExecutorError
	if errors.As(err, &execErr) {
		return execErr
	}
	return &ExecutorError{Kind: KindOf(err), Cause: err}
}
