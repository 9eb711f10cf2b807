package auth

import (
	"context"
	stderrors "errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AojdevStudio/gdrive-sub003/internal/errors"
	"github.com/AojdevStudio/gdrive-sub003/internal/keyderive"
	"github.com/AojdevStudio/gdrive-sub003/internal/keyring"
	"github.com/AojdevStudio/gdrive-sub003/internal/logging"
	"github.com/AojdevStudio/gdrive-sub003/internal/tokenstore"
)

// fakeEndpoint scripts token endpoint responses and counts network calls.
type fakeEndpoint struct {
	mu      sync.Mutex
	calls   int
	delay   time.Duration
	results []func() (*tokenstore.TokenData, error)
}

func (f *fakeEndpoint) Refresh(ctx context.Context, refreshToken string) (*tokenstore.TokenData, error) {
	f.mu.Lock()
	idx := f.calls
	f.calls++
	f.mu.Unlock()

	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	if len(f.results) == 0 {
		return nil, stderrors.New("no scripted response")
	}
	if idx < len(f.results) {
		return f.results[idx]()
	}
	return f.results[len(f.results)-1]()
}

func (f *fakeEndpoint) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func freshTokens() *tokenstore.TokenData {
	return &tokenstore.TokenData{
		AccessToken:  "access-1",
		RefreshToken: "refresh-1",
		ExpiryDate:   time.Now().Add(time.Hour).UnixMilli(),
		TokenType:    "Bearer",
	}
}

func refreshedTokens() func() (*tokenstore.TokenData, error) {
	return func() (*tokenstore.TokenData, error) {
		return &tokenstore.TokenData{
			AccessToken: "access-2",
			ExpiryDate:  time.Now().Add(time.Hour).UnixMilli(),
			TokenType:   "Bearer",
		}, nil
	}
}

func newTestManager(t *testing.T, endpoint TokenEndpoint, cfg Config) (*Manager, *tokenstore.Manager) {
	t.Helper()

	keys, err := keyring.New([]keyring.KeySpec{{Version: "v1", Secret: []byte("primary-master-secret-32-bytes!!")}}, keyderive.MinIterations)
	require.NoError(t, err)

	dir := t.TempDir()
	logger := logging.New(false, true)
	audit := tokenstore.NewAuditLog(filepath.Join(dir, "audit.log"), "tester@example.com", logger)
	store := tokenstore.NewManager(filepath.Join(dir, "tokens.enc"), keys, audit, logger)

	return NewManager(store, endpoint, cfg, logger, nil), store
}

func fastConfig() Config {
	return Config{
		MaxRetries:      3,
		BaseRetryDelay:  time.Millisecond,
		MonitorInterval: 10 * time.Millisecond,
		ExpiryBuffer:    10 * time.Minute,
	}
}

func TestInitialize_NoTokens(t *testing.T) {
	t.Parallel()

	m, _ := newTestManager(t, &fakeEndpoint{}, fastConfig())
	require.NoError(t, m.Initialize(context.Background()))
	assert.Equal(t, StateUnauthenticated, m.State())
	assert.Nil(t, m.Tokens())
}

func TestInitialize_ValidTokens(t *testing.T) {
	t.Parallel()

	m, store := newTestManager(t, &fakeEndpoint{}, fastConfig())
	require.NoError(t, store.SaveTokens(freshTokens(), tokenstore.EventAcquired))

	require.NoError(t, m.Initialize(context.Background()))
	assert.Equal(t, StateAuthenticated, m.State())
	require.NotNil(t, m.Tokens())
	assert.Equal(t, "access-1", m.Tokens().AccessToken)
}

func TestInitialize_ExpiredTokens(t *testing.T) {
	t.Parallel()

	m, store := newTestManager(t, &fakeEndpoint{}, fastConfig())
	expired := freshTokens()
	expired.ExpiryDate = time.Now().Add(-time.Minute).UnixMilli()
	require.NoError(t, store.SaveTokens(expired, tokenstore.EventAcquired))

	require.NoError(t, m.Initialize(context.Background()))
	assert.Equal(t, StateTokenExpired, m.State())
}

func TestAcceptTokens_PersistsBeforeSwap(t *testing.T) {
	t.Parallel()

	m, store := newTestManager(t, &fakeEndpoint{}, fastConfig())

	require.NoError(t, m.AcceptTokens(freshTokens()))
	assert.Equal(t, StateAuthenticated, m.State())

	// The credential set is durably on disk, not just in memory
	loaded, err := store.LoadTokens()
	require.NoError(t, err)
	assert.Equal(t, "access-1", loaded.AccessToken)
}

func TestRefreshToken_MergesStoredRefreshToken(t *testing.T) {
	t.Parallel()

	// Refresh responses do not always include a new refresh token
	endpoint := &fakeEndpoint{results: []func() (*tokenstore.TokenData, error){refreshedTokens()}}
	m, store := newTestManager(t, endpoint, fastConfig())
	require.NoError(t, m.AcceptTokens(freshTokens()))

	state, err := m.RefreshToken(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StateAuthenticated, state)

	// In-memory and persisted copies both carry the merged grant
	assert.Equal(t, "refresh-1", m.Tokens().RefreshToken)
	loaded, err := store.LoadTokens()
	require.NoError(t, err)
	assert.Equal(t, "access-2", loaded.AccessToken)
	assert.Equal(t, "refresh-1", loaded.RefreshToken)
}

func TestRefreshToken_ConcurrentCallersShareOneAttempt(t *testing.T) {
	t.Parallel()

	endpoint := &fakeEndpoint{
		delay:   50 * time.Millisecond,
		results: []func() (*tokenstore.TokenData, error){refreshedTokens()},
	}
	m, _ := newTestManager(t, endpoint, fastConfig())
	require.NoError(t, m.AcceptTokens(freshTokens()))

	const callers = 8
	states := make([]State, callers)
	errs := make([]error, callers)

	var start, done sync.WaitGroup
	start.Add(1)
	done.Add(callers)
	for i := 0; i < callers; i++ {
		go func(i int) {
			defer done.Done()
			start.Wait()
			states[i], errs[i] = m.RefreshToken(context.Background())
		}(i)
	}
	start.Done()
	done.Wait()

	assert.Equal(t, 1, endpoint.callCount(), "exactly one network refresh")
	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, StateAuthenticated, states[i])
	}
}

func TestRefreshToken_PermanentGrantFailure(t *testing.T) {
	t.Parallel()

	endpoint := &fakeEndpoint{results: []func() (*tokenstore.TokenData, error){
		func() (*tokenstore.TokenData, error) { return nil, errors.ErrInvalidGrant },
	}}
	m, store := newTestManager(t, endpoint, fastConfig())
	require.NoError(t, m.AcceptTokens(freshTokens()))

	state, err := m.RefreshToken(context.Background())
	assert.ErrorIs(t, err, errors.ErrInvalidGrant)
	assert.Equal(t, StateTokensRevoked, state)
	assert.Equal(t, StateTokensRevoked, m.State())

	// Never retried
	assert.Equal(t, 1, endpoint.callCount())

	// Token file gone, exactly one deletion audit entry
	assert.False(t, store.Exists())
	entries, err := store.Audit().History(0)
	require.NoError(t, err)
	var deletions int
	for _, e := range entries {
		if e.Event == tokenstore.EventDeletedInvalidGrant {
			deletions++
		}
	}
	assert.Equal(t, 1, deletions)
	assert.Nil(t, m.Tokens())
}

func TestRefreshToken_TransientThenSuccess(t *testing.T) {
	t.Parallel()

	endpoint := &fakeEndpoint{results: []func() (*tokenstore.TokenData, error){
		func() (*tokenstore.TokenData, error) { return nil, stderrors.New("request timeout") },
		func() (*tokenstore.TokenData, error) { return nil, stderrors.New("503 Service Unavailable") },
		refreshedTokens(),
	}}
	m, _ := newTestManager(t, endpoint, fastConfig())
	require.NoError(t, m.AcceptTokens(freshTokens()))

	state, err := m.RefreshToken(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StateAuthenticated, state)
	assert.Equal(t, 3, endpoint.callCount())
}

func TestRefreshToken_RateLimitHonorsServerDelay(t *testing.T) {
	t.Parallel()

	serverDelay := 80 * time.Millisecond
	endpoint := &fakeEndpoint{results: []func() (*tokenstore.TokenData, error){
		func() (*tokenstore.TokenData, error) {
			return nil, errors.RateLimitError{RetryAfter: serverDelay}
		},
		refreshedTokens(),
	}}
	m, _ := newTestManager(t, endpoint, fastConfig())
	require.NoError(t, m.AcceptTokens(freshTokens()))

	started := time.Now()
	state, err := m.RefreshToken(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StateAuthenticated, state)
	assert.GreaterOrEqual(t, time.Since(started), serverDelay, "server-provided delay respected")
}

func TestRefreshToken_ExhaustedRetries(t *testing.T) {
	t.Parallel()

	endpoint := &fakeEndpoint{results: []func() (*tokenstore.TokenData, error){
		func() (*tokenstore.TokenData, error) { return nil, stderrors.New("request timeout") },
	}}
	m, store := newTestManager(t, endpoint, fastConfig())
	require.NoError(t, m.AcceptTokens(freshTokens()))

	state, err := m.RefreshToken(context.Background())
	require.Error(t, err)
	assert.Equal(t, StateRefreshFailed, state)
	assert.Equal(t, 3, endpoint.callCount())

	// Tokens remain on disk: a transient outage is not a revocation
	assert.True(t, store.Exists())

	entries, err := store.Audit().History(0)
	require.NoError(t, err)
	var failures int
	for _, e := range entries {
		if e.Event == tokenstore.EventRefreshFailed {
			failures++
		}
	}
	assert.Equal(t, 1, failures)
}

func TestRefreshToken_NoRefreshGrant(t *testing.T) {
	t.Parallel()

	m, _ := newTestManager(t, &fakeEndpoint{}, fastConfig())

	_, err := m.RefreshToken(context.Background())
	assert.ErrorIs(t, err, errors.ErrNoTokens)
}

func TestMonitor_ProactiveRefresh(t *testing.T) {
	t.Parallel()

	endpoint := &fakeEndpoint{results: []func() (*tokenstore.TokenData, error){refreshedTokens()}}
	cfg := fastConfig()
	cfg.MonitorInterval = 10 * time.Millisecond
	cfg.ExpiryBuffer = 10 * time.Minute

	m, _ := newTestManager(t, endpoint, cfg)

	// Token expires inside the buffer; the monitor should refresh it
	soon := freshTokens()
	soon.ExpiryDate = time.Now().Add(time.Minute).UnixMilli()
	require.NoError(t, m.AcceptTokens(soon))

	m.StartMonitor(context.Background())
	defer m.StopMonitor()

	require.Eventually(t, func() bool {
		return endpoint.callCount() >= 1 && m.Tokens().AccessToken == "access-2"
	}, 2*time.Second, 5*time.Millisecond)
}

func TestMonitor_LeavesHealthyTokenAlone(t *testing.T) {
	t.Parallel()

	endpoint := &fakeEndpoint{results: []func() (*tokenstore.TokenData, error){refreshedTokens()}}
	cfg := fastConfig()
	cfg.MonitorInterval = 5 * time.Millisecond

	m, _ := newTestManager(t, endpoint, cfg)
	require.NoError(t, m.AcceptTokens(freshTokens())) // expires in an hour

	m.StartMonitor(context.Background())
	time.Sleep(50 * time.Millisecond)
	m.StopMonitor()

	assert.Zero(t, endpoint.callCount())
}

func TestStopMonitor_Idempotent(t *testing.T) {
	t.Parallel()

	m, _ := newTestManager(t, &fakeEndpoint{}, fastConfig())
	m.StartMonitor(context.Background())
	m.StopMonitor()
	m.StopMonitor() // must not panic
}
