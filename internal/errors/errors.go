// Package errors defines the error taxonomy for the credential vault.
//
// Errors fall into five families with different propagation rules:
// cryptographic and configuration errors are fatal and bubble up unchanged;
// transient errors are retried with bounded backoff before surfacing;
// permanent grant failures are never retried; migration errors always leave
// prior on-disk state intact.
package errors

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Sentinel errors for the cryptographic family. All of them fail closed:
// no caller ever receives partial or best-guess plaintext alongside one.
var (
	// ErrKeyVersionNotFound is returned when a ciphertext names a key
	// version that is not present in the registry. Callers must treat the
	// ciphertext as undecryptable, never substitute the current key.
	ErrKeyVersionNotFound = errors.New("key version not found in registry")

	// ErrDecryptionFailed covers authentication tag mismatches and
	// wrong-key conditions.
	ErrDecryptionFailed = errors.New("decryption failed: ciphertext rejected")

	// ErrMalformedEnvelope is returned when stored data matches neither
	// the versioned envelope schema nor the legacy format.
	ErrMalformedEnvelope = errors.New("malformed token envelope")

	// ErrMigrationRequired is returned by the token store when it finds
	// legacy-format data. The store never attempts ad-hoc decryption of
	// legacy data because it carries no algorithm or iteration metadata.
	ErrMigrationRequired = errors.New("legacy token format detected: run migrate")

	// ErrInvalidGrant indicates the refresh credential itself has been
	// revoked or expired. Retrying cannot succeed.
	ErrInvalidGrant = errors.New("refresh grant permanently invalid: re-authentication required")

	// ErrNoTokens is returned when no token file exists on disk.
	ErrNoTokens = errors.New("no stored tokens")

	// ErrVersionExists is returned when registering a key under a version
	// label already present in the registry.
	ErrVersionExists = errors.New("key version already registered")
)

// UserError represents an error that should be shown to the operator with
// helpful context.
type UserError struct {
	Message    string
	Suggestion string
	Details    string
	Err        error
}

func (e UserError) Error() string {
	var parts []string

	if e.Message != "" {
		parts = append(parts, e.Message)
	} else if e.Err != nil {
		parts = append(parts, e.Err.Error())
	}

	if e.Details != "" {
		parts = append(parts, "\n  Details: "+e.Details)
	}

	if e.Suggestion != "" {
		parts = append(parts, "\n  💡 Try: "+e.Suggestion)
	}

	return strings.Join(parts, "")
}

func (e UserError) Unwrap() error {
	return e.Err
}

// ConfigError represents a configuration error. Configuration errors are
// fatal at startup: the process must not begin serving with unusable
// cryptographic material.
type ConfigError struct {
	Field      string
	Value      interface{}
	Message    string
	Suggestion string
}

func (e ConfigError) Error() string {
	msg := "Configuration error"
	if e.Field != "" {
		msg += fmt.Sprintf(" in field '%s'", e.Field)
	}
	if e.Value != nil {
		msg += fmt.Sprintf(" (value: %v)", e.Value)
	}
	msg += ": " + e.Message

	if e.Suggestion != "" {
		msg += "\n  💡 " + e.Suggestion
	}

	return msg
}

// MigrationError reports which step of a migration or rotation workflow
// failed. Any step before the atomic swap leaves prior state authoritative.
type MigrationError struct {
	Step string
	Err  error
}

func (e MigrationError) Error() string {
	return fmt.Sprintf("migration step '%s' failed: %v (original token file untouched)", e.Step, e.Err)
}

func (e MigrationError) Unwrap() error {
	return e.Err
}

// RateLimitError carries the server-provided retry delay from a 429
// response. The retry loop honors this delay instead of its own schedule.
type RateLimitError struct {
	RetryAfter time.Duration
	Err        error
}

func (e RateLimitError) Error() string {
	return fmt.Sprintf("rate limited: retry after %s", e.RetryAfter)
}

func (e RateLimitError) Unwrap() error {
	return e.Err
}

// IsPermanentGrant reports whether err indicates the refresh grant itself is
// unusable. OAuth servers signal this with invalid_grant; retrying cannot
// succeed and would loop indefinitely.
func IsPermanentGrant(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrInvalidGrant) {
		return true
	}

	errStr := strings.ToLower(err.Error())
	for _, pattern := range []string{
		"invalid_grant",
		"token has been expired or revoked",
		"token has been revoked",
	} {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}
	return false
}

// IsRetryable checks if an error is worth retrying. Permanent grant
// failures are never retryable regardless of message content.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if IsPermanentGrant(err) {
		return false
	}

	var rl RateLimitError
	if errors.As(err, &rl) {
		return true
	}

	errStr := strings.ToLower(err.Error())
	retryablePatterns := []string{
		"timeout",
		"temporary failure",
		"connection reset",
		"broken pipe",
		"rate limit",
		"too many requests",
		"internal server error",
		"service unavailable",
		"connection refused",
	}

	for _, pattern := range retryablePatterns {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}

	return false
}

// RetryDelay returns the server-provided delay if err is a rate-limit error,
// otherwise the supplied fallback.
func RetryDelay(err error, fallback time.Duration) time.Duration {
	var rl RateLimitError
	if errors.As(err, &rl) && rl.RetryAfter > 0 {
		return rl.RetryAfter
	}
	return fallback
}

// SimplifyError wraps low-level failures in operator-friendly errors where a
// clear next step exists. Cryptographic failures are returned as-is: they
// are deliberately opaque.
func SimplifyError(err error) error {
	if err == nil {
		return nil
	}

	switch {
	case errors.Is(err, ErrMigrationRequired):
		return UserError{
			Message:    "Stored tokens use the legacy encryption format",
			Suggestion: "Run 'gdrive-vault migrate' to convert to versioned storage",
			Err:        err,
		}
	case errors.Is(err, ErrKeyVersionNotFound):
		return UserError{
			Message:    "Stored tokens were encrypted under a key version that is not configured",
			Suggestion: "Restore the matching GDRIVE_TOKEN_ENCRYPTION_KEY_V* variable, then retry",
			Err:        err,
		}
	case errors.Is(err, ErrInvalidGrant):
		return UserError{
			Message:    "The stored refresh grant has been revoked or expired",
			Suggestion: "Run 'gdrive-vault auth' to complete a new consent flow",
			Err:        err,
		}
	case errors.Is(err, ErrNoTokens):
		return UserError{
			Message:    "No stored credentials were found",
			Suggestion: "Run 'gdrive-vault auth' to authenticate",
			Err:        err,
		}
	}

	errStr := err.Error()
	if strings.Contains(errStr, "permission denied") {
		return UserError{
			Message:    "Permission denied",
			Suggestion: "Check file permissions on the token and audit files",
			Err:        err,
		}
	}

	return err
}
