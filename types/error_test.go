package types

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsTransient(t *testing.T) {
	t.Parallel()
	assert.True(t, IsTransient(ErrCircuitOpen))
	assert.True(t, IsTransient(ErrTimeout))
	assert.True(t, IsTransient(ErrQualityBelowThreshold))
	assert.True(t, IsTransient(fmt.Errorf("wrapped: %w", ErrTimeout)))

	assert.False(t, IsTransient(ErrNoAgentAvailable))
	assert.False(t, IsTransient(ErrAgentNotFound))
	assert.False(t, IsTransient(ErrLockContention))
	assert.False(t, IsTransient(errors.New("something else")))
}

func TestRetryExhaustedError_Unwrap(t *testing.T) {
	t.Parallel()
	err := &RetryExhaustedError{
		StepID:   "transform",
		Attempts: 3,
		Err:      fmt.Errorf("last attempt: %w", ErrQualityBelowThreshold),
	}

	assert.Contains(t, err.Error(), "transform")
	assert.Contains(t, err.Error(), "3 attempts")
	assert.ErrorIs(t, err, ErrQualityBelowThreshold)

	var exhausted *RetryExhaustedError
	require.ErrorAs(t, fmt.Errorf("drive: %w", err), &exhausted)
	assert.Equal(t, 3, exhausted.Attempts)
}

func TestCodeOf(t *testing.T) {
	t.Parallel()
	cases := []struct {
		err  error
		want ErrorCode
	}{
		{ErrAgentNotFound, ErrCodeAgentNotFound},
		{ErrNoAgentAvailable, ErrCodeNoAgentAvailable},
		{ErrCircuitOpen, ErrCodeCircuitOpen},
		{ErrTimeout, ErrCodeTimeout},
		{ErrQualityBelowThreshold, ErrCodeQualityBelow},
		{ErrLockContention, ErrCodeLockContention},
		{ErrMalformedMessage, ErrCodeMalformedMessage},
		{fmt.Errorf("wrapped: %w", ErrCircuitOpen), ErrCodeCircuitOpen},
		{&RetryExhaustedError{StepID: "s", Attempts: 2, Err: ErrTimeout}, ErrCodeRetryExhausted},
		{NewError(ErrCodeInvalidWorkflow, "bad"), ErrCodeInvalidWorkflow},
		{errors.New("anything"), ErrCodeInternal},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, CodeOf(tc.err), "err=%v", tc.err)
	}
}

func TestStructuredError(t *testing.T) {
	t.Parallel()
	cause := errors.New("connection refused")
	err := NewError(ErrCodeInternal, "dial failed").WithCause(cause).WithRetryable(true)

	assert.Contains(t, err.Error(), "INTERNAL_ERROR")
	assert.Contains(t, err.Error(), "connection refused")
	assert.True(t, err.Retryable)
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, ErrCodeInternal, CodeOf(fmt.Errorf("outer: %w", err)))
}
