// Package auth owns the refresh state machine that keeps the service
// authenticated: loading persisted tokens at startup, refreshing them
// before expiry, and handling permanent grant failures by deleting the
// stored credentials.
package auth

import (
	"context"
	stderrors "errors"
	"fmt"
	"sync"
	"time"

	"github.com/AojdevStudio/gdrive-sub003/internal/errors"
	"github.com/AojdevStudio/gdrive-sub003/internal/health"
	"github.com/AojdevStudio/gdrive-sub003/internal/logging"
	"github.com/AojdevStudio/gdrive-sub003/internal/tokenstore"
)

// Config holds the refresh and monitoring policy.
type Config struct {
	// MaxRetries bounds refresh attempts per cycle. Default 3.
	MaxRetries int

	// BaseRetryDelay seeds the exponential backoff (1s, 2s, 4s, ...).
	// Rate-limit responses override it with the server-provided delay.
	BaseRetryDelay time.Duration

	// MonitorInterval is the proactive check period. Default 30 minutes.
	MonitorInterval time.Duration

	// ExpiryBuffer is how long before expiry a refresh is initiated.
	// Default 10 minutes.
	ExpiryBuffer time.Duration
}

// DefaultConfig returns the default refresh policy.
func DefaultConfig() Config {
	return Config{
		MaxRetries:      3,
		BaseRetryDelay:  time.Second,
		MonitorInterval: 30 * time.Minute,
		ExpiryBuffer:    10 * time.Minute,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxRetries <= 0 {
		c.MaxRetries = d.MaxRetries
	}
	if c.BaseRetryDelay <= 0 {
		c.BaseRetryDelay = d.BaseRetryDelay
	}
	if c.MonitorInterval <= 0 {
		c.MonitorInterval = d.MonitorInterval
	}
	if c.ExpiryBuffer <= 0 {
		c.ExpiryBuffer = d.ExpiryBuffer
	}
	return c
}

// refreshResult is the shared outcome of one in-flight refresh attempt.
type refreshResult struct {
	done  chan struct{}
	state State
	err   error
}

// Manager is the refresh state machine. One instance per process,
// constructed at startup and injected into callers.
type Manager struct {
	store    *tokenstore.Manager
	endpoint TokenEndpoint
	logger   *logging.Logger
	metrics  *health.Metrics
	cfg      Config

	// mu guards state and tokens
	mu     sync.RWMutex
	state  State
	tokens *tokenstore.TokenData

	// refreshMu guards inflight; the single in-flight refresh is shared
	// by all concurrent callers
	refreshMu sync.Mutex
	inflight  *refreshResult

	stopMonitor chan struct{}
	monitorDone chan struct{}
}

// NewManager creates an auth manager. metrics may be nil for one-shot CLI
// invocations.
func NewManager(store *tokenstore.Manager, endpoint TokenEndpoint, cfg Config, logger *logging.Logger, metrics *health.Metrics) *Manager {
	return &Manager{
		store:    store,
		endpoint: endpoint,
		logger:   logger,
		metrics:  metrics,
		cfg:      cfg.withDefaults(),
		state:    StateUnauthenticated,
	}
}

// Initialize loads persisted tokens. Valid tokens move the state to
// authenticated; an expired token with a refresh grant is left for the
// first refresh cycle; missing tokens leave the state unauthenticated.
// Legacy-format storage propagates ErrMigrationRequired unchanged.
func (m *Manager) Initialize(ctx context.Context) error {
	tokens, err := m.store.LoadTokens()
	if err != nil {
		if stderrors.Is(err, errors.ErrNoTokens) {
			m.logger.Debug("no persisted tokens; awaiting consent flow")
			return nil
		}
		return err
	}

	m.mu.Lock()
	m.tokens = tokens
	if tokens.Expired() {
		m.state = StateTokenExpired
	} else {
		m.state = StateAuthenticated
	}
	m.mu.Unlock()

	m.metrics.SetTokenExpiry(tokens.TimeToExpiry().Seconds())
	m.logger.Info("loaded persisted credentials (state: %s, expires %s)", m.State(), tokens.ExpiresAt().UTC().Format(time.RFC3339))
	return nil
}

// State returns the current lifecycle state.
func (m *Manager) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// Tokens returns a copy of the current credential set, or nil when
// unauthenticated.
func (m *Manager) Tokens() *tokenstore.TokenData {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.tokens == nil {
		return nil
	}
	cp := *m.tokens
	return &cp
}

// AcceptTokens installs a credential set obtained from an initial consent
// flow: persist first, then swap in-memory state.
func (m *Manager) AcceptTokens(tokens *tokenstore.TokenData) error {
	return m.installTokens(tokens, tokenstore.EventAcquired)
}

// handleTokenUpdate merges a refresh response with the stored refresh token
// and persists the merge before the in-memory swap. Refresh responses do
// not always echo the refresh token back; dropping it would orphan the
// grant. Persistence precedes the swap so a crash between the two cannot
// leave an inconsistency past one cycle.
func (m *Manager) handleTokenUpdate(tokens *tokenstore.TokenData) error {
	if tokens.RefreshToken == "" {
		if prev := m.Tokens(); prev != nil {
			tokens.RefreshToken = prev.RefreshToken
		}
	}
	return m.installTokens(tokens, tokenstore.EventRefreshed)
}

func (m *Manager) installTokens(tokens *tokenstore.TokenData, event tokenstore.EventKind) error {
	if err := m.store.SaveTokens(tokens, event); err != nil {
		return err
	}

	m.mu.Lock()
	m.tokens = tokens
	m.state = StateAuthenticated
	m.mu.Unlock()

	m.metrics.SetTokenExpiry(tokens.TimeToExpiry().Seconds())
	return nil
}

// RefreshToken refreshes the access token. It is the sole mutator of
// refresh state: concurrent callers share the single in-flight attempt and
// all observe the identical resulting state.
func (m *Manager) RefreshToken(ctx context.Context) (State, error) {
	m.refreshMu.Lock()
	if m.inflight != nil {
		res := m.inflight
		m.refreshMu.Unlock()
		select {
		case <-res.done:
			return res.state, res.err
		case <-ctx.Done():
			return m.State(), ctx.Err()
		}
	}

	res := &refreshResult{done: make(chan struct{})}
	m.inflight = res
	m.refreshMu.Unlock()

	res.state, res.err = m.doRefresh(ctx)
	close(res.done)

	m.refreshMu.Lock()
	m.inflight = nil
	m.refreshMu.Unlock()

	return res.state, res.err
}

// doRefresh runs the bounded retry loop. A permanent grant failure deletes
// the stored tokens immediately: retrying a dead grant cannot succeed and
// would loop indefinitely.
func (m *Manager) doRefresh(ctx context.Context) (State, error) {
	refreshToken := ""
	if t := m.Tokens(); t != nil {
		refreshToken = t.RefreshToken
	}
	if refreshToken == "" {
		return m.State(), fmt.Errorf("refresh: %w", errors.ErrNoTokens)
	}

	var lastErr error
	for attempt := 0; attempt < m.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := errors.RetryDelay(lastErr, m.cfg.BaseRetryDelay<<(attempt-1))
			m.logger.Debug("refresh attempt %d failed, retrying in %s", attempt, delay)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return m.State(), ctx.Err()
			}
		}

		tokens, err := m.endpoint.Refresh(ctx, refreshToken)
		if err == nil {
			if err := m.handleTokenUpdate(tokens); err != nil {
				return m.State(), err
			}
			m.metrics.RecordRefresh("success")
			m.logger.Info("access token refreshed (expires %s)", tokens.ExpiresAt().UTC().Format(time.RFC3339))
			return StateAuthenticated, nil
		}
		lastErr = err

		if errors.IsPermanentGrant(err) {
			m.metrics.RecordRefresh("invalid_grant")
			m.store.Audit().Record(tokenstore.EventRefreshFailed, tokenstore.Digest(refreshToken), false, map[string]string{"reason": "invalid_grant"})

			if delErr := m.store.DeleteTokensOnInvalidGrant(); delErr != nil {
				m.logger.Error("token deletion after invalid grant failed: %v", delErr)
			}

			m.mu.Lock()
			m.tokens = nil
			m.state = StateTokensRevoked
			m.mu.Unlock()

			return StateTokensRevoked, fmt.Errorf("refresh: %w", errors.ErrInvalidGrant)
		}

		if !errors.IsRetryable(err) {
			break
		}
	}

	m.metrics.RecordRefresh("failed")
	m.store.Audit().Record(tokenstore.EventRefreshFailed, tokenstore.Digest(refreshToken), false, map[string]string{"error": lastErr.Error()})

	m.mu.Lock()
	m.state = StateRefreshFailed
	m.mu.Unlock()

	return StateRefreshFailed, fmt.Errorf("refresh exhausted %d attempts: %w", m.cfg.MaxRetries, lastErr)
}

// StartMonitor launches the proactive expiry monitor. Each tick compares
// time-to-expiry with the configured buffer and refreshes before any caller
// can observe an expired token. Stop it with StopMonitor at shutdown.
func (m *Manager) StartMonitor(ctx context.Context) {
	m.stopMonitor = make(chan struct{})
	m.monitorDone = make(chan struct{})

	go func() {
		defer close(m.monitorDone)
		ticker := time.NewTicker(m.cfg.MonitorInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				m.checkExpiry(ctx)
			case <-m.stopMonitor:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// StopMonitor stops the proactive monitor. An in-flight refresh is allowed
// to complete or fail naturally.
func (m *Manager) StopMonitor() {
	if m.stopMonitor == nil {
		return
	}
	close(m.stopMonitor)
	<-m.monitorDone
	m.stopMonitor = nil
}

// checkExpiry is one monitor tick.
func (m *Manager) checkExpiry(ctx context.Context) {
	tokens := m.Tokens()
	if tokens == nil || tokens.RefreshToken == "" {
		return
	}

	remaining := tokens.TimeToExpiry()
	m.metrics.SetTokenExpiry(remaining.Seconds())

	if remaining > m.cfg.ExpiryBuffer {
		return
	}

	m.logger.Debug("token expires in %s (buffer %s); refreshing proactively", remaining, m.cfg.ExpiryBuffer)
	if _, err := m.RefreshToken(ctx); err != nil {
		m.logger.Warn("proactive refresh failed: %v", err)
	}
}
