// Package keyderive implements the key-derivation primitives for the token
// vault: PBKDF2-HMAC-SHA256 derivation, salt generation, constant-time
// comparison, and key-strength validation. All functions are pure aside
// from OS entropy consumption.
package keyderive

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"fmt"

	"golang.org/x/crypto/pbkdf2"
)

const (
	// KeyLength is the fixed output size for derived keys (AES-256).
	KeyLength = 32

	// SaltLength is the size of generated salts.
	SaltLength = 32

	// MinIterations is the lowest PBKDF2 iteration count accepted at key
	// registration. Lower values are rejected outright.
	MinIterations = 100_000

	// DefaultIterations is used when no override is configured.
	DefaultIterations = 100_000
)

// DerivedKey is the result of a PBKDF2 derivation. The Key slice is owned by
// the caller, which is responsible for wiping it.
type DerivedKey struct {
	Key        []byte
	Salt       []byte
	Iterations int
}

// Derive stretches secret into a 32-byte key with PBKDF2-HMAC-SHA256.
// Iteration counts below MinIterations are rejected.
func Derive(secret, salt []byte, iterations int) (*DerivedKey, error) {
	if len(secret) == 0 {
		return nil, fmt.Errorf("derive: empty secret")
	}
	if len(salt) == 0 {
		return nil, fmt.Errorf("derive: empty salt")
	}
	if iterations < MinIterations {
		return nil, fmt.Errorf("derive: iteration count %d below minimum %d", iterations, MinIterations)
	}

	key := pbkdf2.Key(secret, salt, iterations, KeyLength, sha256.New)

	return &DerivedKey{
		Key:        key,
		Salt:       salt,
		Iterations: iterations,
	}, nil
}

// GenerateSalt returns SaltLength bytes from the OS CSPRNG.
func GenerateSalt() ([]byte, error) {
	salt := make([]byte, SaltLength)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("generate salt: %w", err)
	}
	return salt, nil
}

// ConstantTimeCompare reports whether a and b are equal in time independent
// of the position of the first differing byte. Used for version-label and
// tag comparisons to resist timing side channels.
func ConstantTimeCompare(a, b []byte) bool {
	return subtle.ConstantTimeCompare(a, b) == 1
}

// ValidateKeyStrength rejects keys that are too short or show pathological
// repetition: a single repeated byte, or a short pattern tiling the whole
// key.
func ValidateKeyStrength(key []byte) bool {
	if len(key) < KeyLength {
		return false
	}

	if isRepeated(key) {
		return false
	}

	return true
}

// isRepeated reports whether key is a whole number of copies of a pattern
// of at most 4 bytes.
func isRepeated(key []byte) bool {
	for patternLen := 1; patternLen <= 4; patternLen++ {
		if len(key)%patternLen != 0 {
			continue
		}
		tiled := true
		for i := patternLen; i < len(key); i++ {
			if key[i] != key[i%patternLen] {
				tiled = false
				break
			}
		}
		if tiled {
			return true
		}
	}
	return false
}
