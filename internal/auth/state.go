package auth

// State represents the authentication lifecycle state.
type State string

const (
	// StateUnauthenticated is the initial state: no usable credentials.
	StateUnauthenticated State = "unauthenticated"

	// StateAuthenticated means a valid access token is held.
	StateAuthenticated State = "authenticated"

	// StateTokenExpired means the access token passed its expiry before a
	// refresh landed.
	StateTokenExpired State = "token_expired"

	// StateRefreshFailed means refresh attempts exhausted their retries.
	StateRefreshFailed State = "refresh_failed"

	// StateTokensRevoked means the refresh grant itself is dead and the
	// stored tokens have been deleted. Only a new consent flow leaves
	// this state.
	StateTokensRevoked State = "tokens_revoked"
)

// String returns the string representation of the state.
func (s State) String() string {
	return string(s)
}

// NeedsConsent reports whether the state can only be left through a new
// interactive consent flow.
func (s State) NeedsConsent() bool {
	return s == StateUnauthenticated || s == StateTokensRevoked
}

// validTransitions defines the allowed state machine edges.
var validTransitions = map[State][]State{
	StateUnauthenticated: {StateAuthenticated},
	StateAuthenticated:   {StateAuthenticated, StateTokenExpired, StateRefreshFailed, StateTokensRevoked},
	StateTokenExpired:    {StateAuthenticated, StateRefreshFailed, StateTokensRevoked},
	StateRefreshFailed:   {StateAuthenticated, StateTokenExpired, StateTokensRevoked},
	StateTokensRevoked:   {StateAuthenticated},
}

// CanTransitionTo checks whether moving to next is a legal edge.
func (s State) CanTransitionTo(next State) bool {
	for _, valid := range validTransitions[s] {
		if valid == next {
			return true
		}
	}
	return false
}
