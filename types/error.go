package types

import (
	"errors"
	"fmt"
)

// ErrorCode represents a unified error code across the orchestration layer.
type ErrorCode string

// Orchestration error codes
const (
	ErrCodeAgentNotFound    ErrorCode = "AGENT_NOT_FOUND"
	ErrCodeNoAgentAvailable ErrorCode = "NO_AGENT_AVAILABLE"
	ErrCodeCircuitOpen      ErrorCode = "CIRCUIT_OPEN"
	ErrCodeTimeout          ErrorCode = "TIMEOUT"
	ErrCodeQualityBelow     ErrorCode = "QUALITY_BELOW_THRESHOLD"
	ErrCodeRetryExhausted   ErrorCode = "RETRY_EXHAUSTED"
	ErrCodeLockContention   ErrorCode = "LOCK_CONTENTION"
	ErrCodeMalformedMessage ErrorCode = "MALFORMED_MESSAGE"
	ErrCodeInvalidWorkflow  ErrorCode = "INVALID_WORKFLOW"
	ErrCodeInternal         ErrorCode = "INTERNAL_ERROR"
)

// Sentinel errors used with errors.Is for error classification.
// Transient classes (circuit open, timeout, quality below threshold) are
// retried by the orchestrator; everything else is surfaced immediately.
var (
	// ErrAgentNotFound 指定 Agent 不存在
	ErrAgentNotFound = errors.New("agent not found")

	// ErrNoAgentAvailable 没有可用 Agent 提供所需能力
	ErrNoAgentAvailable = errors.New("no agent available for capability")

	// ErrCircuitOpen 熔断器处于打开状态，请求被快速失败
	ErrCircuitOpen = errors.New("circuit breaker open")

	// ErrTimeout 在截止时间内未收到响应
	ErrTimeout = errors.New("request timed out")

	// ErrQualityBelowThreshold 响应通过传输但未通过质量校验
	ErrQualityBelowThreshold = errors.New("response quality below threshold")

	// ErrLockContention 另一个持有者持有有效租约
	ErrLockContention = errors.New("execution lock held by another owner")

	// ErrMalformedMessage 总线消息解析失败
	ErrMalformedMessage = errors.New("malformed bus message")

	// ErrExecutionNotFound 执行记录不存在
	ErrExecutionNotFound = errors.New("execution not found")

	// ErrInvalidTransition 非法的执行状态转换
	ErrInvalidTransition = errors.New("invalid execution state transition")
)

// RetryExhaustedError wraps the last underlying error after the retry
// policy's MaxAttempts have been spent. It is terminal: the orchestrator
// persists it as the execution error and surfaces it to gateway subscribers.
type RetryExhaustedError struct {
	StepID   string
	Attempts int
	Err      error
}

// Error implements the error interface.
func (e *RetryExhaustedError) Error() string {
	return fmt.Sprintf("step %s failed after %d attempts: %v", e.StepID, e.Attempts, e.Err)
}

// Unwrap returns the last underlying error.
func (e *RetryExhaustedError) Unwrap() error {
	return e.Err
}

// Error represents a structured error with code, message, and metadata.
// It mirrors the wire error shape the gateway surfaces to clients.
type Error struct {
	Code      ErrorCode `json:"code"`
	Message   string    `json:"message"`
	Retryable bool      `json:"retryable"`
	Cause     error     `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// NewError creates a new Error with the given code and message.
func NewError(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message}
}

// WithCause adds a cause to the error.
func (e *Error) WithCause(cause error) *Error {
	e.Cause = cause
	return e
}

// WithRetryable marks the error as retryable.
func (e *Error) WithRetryable(retryable bool) *Error {
	e.Retryable = retryable
	return e
}

// IsTransient reports whether err belongs to a class the orchestrator
// retries locally: circuit open, timeout, or quality below threshold.
func IsTransient(err error) bool {
	return errors.Is(err, ErrCircuitOpen) ||
		errors.Is(err, ErrTimeout) ||
		errors.Is(err, ErrQualityBelowThreshold)
}

// CodeOf extracts the error code from an error, classifying sentinel
// errors when no structured Error is present.
func CodeOf(err error) ErrorCode {
	var structured *Error
	if errors.As(err, &structured) {
		return structured.Code
	}
	var exhausted *RetryExhaustedError
	if errors.As(err, &exhausted) {
		return ErrCodeRetryExhausted
	}
	switch {
	case errors.Is(err, ErrAgentNotFound):
		return ErrCodeAgentNotFound
	case errors.Is(err, ErrNoAgentAvailable):
		return ErrCodeNoAgentAvailable
	case errors.Is(err, ErrCircuitOpen):
		return ErrCodeCircuitOpen
	case errors.Is(err, ErrTimeout):
		return ErrCodeTimeout
	case errors.Is(err, ErrQualityBelowThreshold):
		return ErrCodeQualityBelow
	case errors.Is(err, ErrLockContention):
		return ErrCodeLockContention
	case errors.Is(err, ErrMalformedMessage):
		return ErrCodeMalformedMessage
	default:
		return ErrCodeInternal
	}
}
