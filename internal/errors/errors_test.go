package errors

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUserError_Error(t *testing.T) {
	t.Parallel()

	err := UserError{
		Message:    "Stored tokens unreadable",
		Details:    "tag mismatch",
		Suggestion: "verify key configuration",
	}

	msg := err.Error()
	assert.Contains(t, msg, "Stored tokens unreadable")
	assert.Contains(t, msg, "Details: tag mismatch")
	assert.Contains(t, msg, "Try: verify key configuration")
}

func TestUserError_Unwrap(t *testing.T) {
	t.Parallel()

	inner := errors.New("inner")
	err := UserError{Message: "outer", Err: inner}
	assert.ErrorIs(t, err, inner)
}

func TestConfigError_Error(t *testing.T) {
	t.Parallel()

	err := ConfigError{
		Field:      "GDRIVE_TOKEN_ENCRYPTION_KEY",
		Message:    "key must decode to 32 bytes",
		Suggestion: "generate one with: openssl rand -base64 32",
	}

	msg := err.Error()
	assert.Contains(t, msg, "GDRIVE_TOKEN_ENCRYPTION_KEY")
	assert.Contains(t, msg, "32 bytes")
	assert.Contains(t, msg, "openssl rand")
}

func TestMigrationError(t *testing.T) {
	t.Parallel()

	inner := errors.New("disk full")
	err := MigrationError{Step: "backup", Err: inner}

	assert.Contains(t, err.Error(), "backup")
	assert.Contains(t, err.Error(), "untouched")
	assert.ErrorIs(t, err, inner)
}

func TestIsPermanentGrant(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"sentinel", ErrInvalidGrant, true},
		{"wrapped sentinel", fmt.Errorf("refresh: %w", ErrInvalidGrant), true},
		{"oauth invalid_grant body", errors.New(`oauth2: "invalid_grant" "Token has been expired or revoked."`), true},
		{"revoked message", errors.New("Token has been revoked"), true},
		{"timeout", errors.New("context deadline exceeded: timeout"), false},
		{"generic", errors.New("boom"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, IsPermanentGrant(tt.err))
		})
	}
}

func TestIsRetryable(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"timeout", errors.New("request timeout"), true},
		{"connection reset", errors.New("read: connection reset by peer"), true},
		{"too many requests", errors.New("429 Too Many Requests"), true},
		{"rate limit typed", RateLimitError{RetryAfter: time.Second}, true},
		{"service unavailable", errors.New("503 Service Unavailable"), true},
		{"permanent grant never retryable", ErrInvalidGrant, false},
		{"invalid_grant never retryable even with retry words", errors.New("invalid_grant: rate limit"), false},
		{"tag mismatch", ErrDecryptionFailed, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, IsRetryable(tt.err))
		})
	}
}

func TestRetryDelay(t *testing.T) {
	t.Parallel()

	fallback := 2 * time.Second

	// Server-provided delay wins
	err := RateLimitError{RetryAfter: 7 * time.Second}
	assert.Equal(t, 7*time.Second, RetryDelay(err, fallback))

	// Wrapped rate-limit error still found
	wrapped := fmt.Errorf("refresh attempt 1: %w", RateLimitError{RetryAfter: 3 * time.Second})
	assert.Equal(t, 3*time.Second, RetryDelay(wrapped, fallback))

	// Anything else uses the fallback
	assert.Equal(t, fallback, RetryDelay(errors.New("timeout"), fallback))
}

func TestSimplifyError(t *testing.T) {
	t.Parallel()

	t.Run("nil passthrough", func(t *testing.T) {
		t.Parallel()
		assert.NoError(t, SimplifyError(nil))
	})

	t.Run("migration required gets a suggestion", func(t *testing.T) {
		t.Parallel()
		err := SimplifyError(fmt.Errorf("load: %w", ErrMigrationRequired))

		var userErr UserError
		require.ErrorAs(t, err, &userErr)
		assert.Contains(t, userErr.Suggestion, "migrate")
		assert.ErrorIs(t, err, ErrMigrationRequired)
	})

	t.Run("unknown key version names the env variable", func(t *testing.T) {
		t.Parallel()
		err := SimplifyError(ErrKeyVersionNotFound)

		var userErr UserError
		require.ErrorAs(t, err, &userErr)
		assert.Contains(t, userErr.Suggestion, "GDRIVE_TOKEN_ENCRYPTION_KEY")
	})

	t.Run("crypto failures stay opaque", func(t *testing.T) {
		t.Parallel()
		err := SimplifyError(ErrDecryptionFailed)
		assert.Equal(t, ErrDecryptionFailed, err)
	})
}
