package auth

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestState_CanTransitionTo(t *testing.T) {
	t.Parallel()

	tests := []struct {
		from, to State
		want     bool
	}{
		{StateUnauthenticated, StateAuthenticated, true},
		{StateUnauthenticated, StateTokenExpired, false},
		{StateAuthenticated, StateTokenExpired, true},
		{StateAuthenticated, StateRefreshFailed, true},
		{StateAuthenticated, StateTokensRevoked, true},
		{StateTokenExpired, StateAuthenticated, true},
		{StateRefreshFailed, StateAuthenticated, true},
		{StateTokensRevoked, StateAuthenticated, true},
		{StateTokensRevoked, StateRefreshFailed, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, tt.from.CanTransitionTo(tt.to))
		})
	}
}

func TestState_NeedsConsent(t *testing.T) {
	t.Parallel()

	assert.True(t, StateUnauthenticated.NeedsConsent())
	assert.True(t, StateTokensRevoked.NeedsConsent())
	assert.False(t, StateAuthenticated.NeedsConsent())
	assert.False(t, StateRefreshFailed.NeedsConsent())
}
