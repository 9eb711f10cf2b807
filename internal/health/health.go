// Package health evaluates whether the vault can keep the service
// authenticated, and exposes Prometheus metrics for the credential
// lifecycle.
package health

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/oauth2"
	"google.golang.org/api/drive/v3"
	"google.golang.org/api/option"

	"github.com/AojdevStudio/gdrive-sub003/internal/tokenstore"
)

// Status is the overall vault health.
type Status string

const (
	// StatusHealthy means a valid access token and a usable refresh
	// grant are both present.
	StatusHealthy Status = "healthy"

	// StatusDegraded means the access token is expired or about to
	// expire, but a refresh grant exists so recovery needs no operator.
	StatusDegraded Status = "degraded"

	// StatusUnhealthy means re-authentication is required.
	StatusUnhealthy Status = "unhealthy"
)

// Report is the result of a health evaluation.
type Report struct {
	Status         Status        `json:"status"`
	TokensPresent  bool          `json:"tokens_present"`
	RefreshCapable bool          `json:"refresh_capable"`
	ExpiresAt      time.Time     `json:"expires_at,omitempty"`
	TimeToExpiry   time.Duration `json:"time_to_expiry,omitempty"`
	CurrentVersion string        `json:"current_key_version,omitempty"`
	KeyVersions    []string      `json:"key_versions,omitempty"`
	Detail         string        `json:"detail,omitempty"`
}

// Evaluate classifies the stored credential set. A nil tokens argument
// means nothing is stored.
func Evaluate(tokens *tokenstore.TokenData, currentVersion string, keyVersions []string, expiryBuffer time.Duration) *Report {
	report := &Report{
		CurrentVersion: currentVersion,
		KeyVersions:    keyVersions,
	}

	if tokens == nil {
		report.Status = StatusUnhealthy
		report.Detail = "no stored credentials"
		return report
	}

	report.TokensPresent = true
	report.RefreshCapable = tokens.RefreshToken != ""
	report.ExpiresAt = tokens.ExpiresAt()
	report.TimeToExpiry = tokens.TimeToExpiry()

	switch {
	case !tokens.Expired() && tokens.TimeToExpiry() > expiryBuffer:
		report.Status = StatusHealthy
	case report.RefreshCapable:
		report.Status = StatusDegraded
		if tokens.Expired() {
			report.Detail = "access token expired; refresh pending"
		} else {
			report.Detail = "access token inside expiry buffer"
		}
	default:
		report.Status = StatusUnhealthy
		report.Detail = "access token expiring and no refresh grant stored"
	}

	return report
}

// ProbeDrive performs a live round trip against the Drive API with the
// stored access token. A probe failure downgrades an otherwise healthy
// report to degraded; it does not prove the refresh grant is dead.
func ProbeDrive(ctx context.Context, accessToken string) error {
	src := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: accessToken, TokenType: "Bearer"})

	svc, err := drive.NewService(ctx, option.WithTokenSource(src))
	if err != nil {
		return fmt.Errorf("drive client init: %w", err)
	}

	if _, err := svc.About.Get().Fields("user").Context(ctx).Do(); err != nil {
		return fmt.Errorf("drive about probe: %w", err)
	}
	return nil
}

// ExitCode maps a status to the CLI exit code contract: zero only when no
// operator attention is needed.
func (s Status) ExitCode() int {
	switch s {
	case StatusHealthy:
		return 0
	case StatusDegraded:
		return 1
	default:
		return 2
	}
}
