package auth

import (
	"context"
	stderrors "errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"

	"github.com/AojdevStudio/gdrive-sub003/internal/errors"
	"github.com/AojdevStudio/gdrive-sub003/internal/tokenstore"
)

// TokenEndpoint abstracts the OAuth token endpoint so the refresh state
// machine can be exercised without network access.
type TokenEndpoint interface {
	// Refresh exchanges a refresh token for a new credential set.
	Refresh(ctx context.Context, refreshToken string) (*tokenstore.TokenData, error)
}

// GoogleEndpoint implements TokenEndpoint against Google's OAuth servers
// through golang.org/x/oauth2.
type GoogleEndpoint struct {
	cfg *oauth2.Config
}

// NewGoogleEndpoint builds the production token endpoint.
func NewGoogleEndpoint(clientID, clientSecret string, scopes []string) *GoogleEndpoint {
	return &GoogleEndpoint{
		cfg: &oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			Endpoint:     google.Endpoint,
			Scopes:       scopes,
		},
	}
}

// OAuthConfig exposes the underlying config for the interactive consent
// flow (AuthCodeURL / Exchange).
func (g *GoogleEndpoint) OAuthConfig() *oauth2.Config {
	return g.cfg
}

// Refresh implements TokenEndpoint.
func (g *GoogleEndpoint) Refresh(ctx context.Context, refreshToken string) (*tokenstore.TokenData, error) {
	src := g.cfg.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken})

	tok, err := src.Token()
	if err != nil {
		return nil, classifyOAuthError(err)
	}
	return fromOAuth2Token(tok), nil
}

// fromOAuth2Token converts the library token into the persisted shape.
func fromOAuth2Token(tok *oauth2.Token) *tokenstore.TokenData {
	scope, _ := tok.Extra("scope").(string)
	return &tokenstore.TokenData{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		ExpiryDate:   tok.Expiry.UnixMilli(),
		TokenType:    tok.TokenType,
		Scope:        scope,
	}
}

// classifyOAuthError maps token endpoint failures onto the vault's error
// taxonomy: invalid_grant is permanent, 429 carries the server delay,
// everything else keeps its retryability judged by message.
func classifyOAuthError(err error) error {
	var retrieveErr *oauth2.RetrieveError
	if !stderrors.As(err, &retrieveErr) {
		return err
	}

	if retrieveErr.ErrorCode == "invalid_grant" {
		return fmt.Errorf("%s: %w", retrieveErr.ErrorDescription, errors.ErrInvalidGrant)
	}

	if retrieveErr.Response != nil && retrieveErr.Response.StatusCode == 429 {
		return errors.RateLimitError{
			RetryAfter: parseRetryAfter(retrieveErr.Response.Header.Get("Retry-After")),
			Err:        err,
		}
	}

	if strings.Contains(strings.ToLower(string(retrieveErr.Body)), "invalid_grant") {
		return fmt.Errorf("token endpoint: %w", errors.ErrInvalidGrant)
	}

	return err
}

// parseRetryAfter handles the delta-seconds form of the Retry-After header.
// The HTTP-date form is rare on token endpoints and falls back to zero,
// which lets the retry loop use its own schedule.
func parseRetryAfter(header string) time.Duration {
	if header == "" {
		return 0
	}
	if secs, err := strconv.Atoi(header); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	return 0
}
