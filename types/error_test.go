package types

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorTaxonomy(t *testing.T) {
	tests := []struct {
		name      string
		err       *Error
		code      ErrorCode
		retryable bool
	}{
		{"authentication", NewAuthenticationError("bad key"), ErrAuthentication, false},
		{"rate limit", NewRateLimitError("slow down", time.Second), ErrRateLimit, true},
		{"timeout", NewTimeoutError("deadline"), ErrTimeout, true},
		{"validation", NewValidationError("bad schema"), ErrValidation, false},
		{"provider 500", NewProviderError("boom", 500), ErrProvider, true},
		{"provider 400", NewProviderError("nope", 400), ErrProvider, false},
		{"configuration", NewConfigurationError("no key"), ErrConfiguration, false},
		{"execution", NewExecutionError("loop exceeded"), ErrExecution, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.code, tt.err.Code)
			assert.Equal(t, tt.retryable, IsRetryable(tt.err))
			assert.Equal(t, tt.code, GetErrorCode(tt.err))
		})
	}
}

func TestErrorUnwrap(t *testing.T) {
	cause := errors.New("underlying")
	err := NewProviderError("wrapped", 502).WithCause(cause)

	require.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "PROVIDER_ERROR")
	assert.Contains(t, err.Error(), "underlying")
}

func TestErrorThroughWrapping(t *testing.T) {
	inner := NewRateLimitError("throttled", 2*time.Second)
	wrapped := fmt.Errorf("calling vendor: %w", inner)

	assert.True(t, IsRetryable(wrapped))
	assert.Equal(t, ErrRateLimit, GetErrorCode(wrapped))

	after, ok := RetryAfterOf(wrapped)
	require.True(t, ok)
	assert.Equal(t, 2*time.Second, after)
}

func TestRetryAfterAbsent(t *testing.T) {
	_, ok := RetryAfterOf(NewTimeoutError("slow"))
	assert.False(t, ok)

	_, ok = RetryAfterOf(errors.New("plain"))
	assert.False(t, ok)
}
