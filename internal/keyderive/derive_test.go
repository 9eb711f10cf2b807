package keyderive

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDerive(t *testing.T) {
	t.Parallel()

	secret := []byte("configured-master-secret")
	salt := bytes.Repeat([]byte{0x5a}, SaltLength)

	derived, err := Derive(secret, salt, MinIterations)
	require.NoError(t, err)

	assert.Len(t, derived.Key, KeyLength)
	assert.Equal(t, salt, derived.Salt)
	assert.Equal(t, MinIterations, derived.Iterations)
}

func TestDerive_Deterministic(t *testing.T) {
	t.Parallel()

	secret := []byte("same-secret")
	salt := bytes.Repeat([]byte{0x01}, SaltLength)

	a, err := Derive(secret, salt, MinIterations)
	require.NoError(t, err)
	b, err := Derive(secret, salt, MinIterations)
	require.NoError(t, err)

	assert.Equal(t, a.Key, b.Key)
}

func TestDerive_SaltChangesKey(t *testing.T) {
	t.Parallel()

	secret := []byte("same-secret")

	a, err := Derive(secret, bytes.Repeat([]byte{0x01}, SaltLength), MinIterations)
	require.NoError(t, err)
	b, err := Derive(secret, bytes.Repeat([]byte{0x02}, SaltLength), MinIterations)
	require.NoError(t, err)

	assert.NotEqual(t, a.Key, b.Key)
}

func TestDerive_RejectsWeakIterations(t *testing.T) {
	t.Parallel()

	salt := bytes.Repeat([]byte{0x01}, SaltLength)

	_, err := Derive([]byte("secret"), salt, MinIterations-1)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "below minimum")

	_, err = Derive([]byte("secret"), salt, 1000)
	require.Error(t, err)
}

func TestDerive_RejectsEmptyInputs(t *testing.T) {
	t.Parallel()

	salt := bytes.Repeat([]byte{0x01}, SaltLength)

	_, err := Derive(nil, salt, MinIterations)
	assert.Error(t, err)

	_, err = Derive([]byte("secret"), nil, MinIterations)
	assert.Error(t, err)
}

func TestGenerateSalt(t *testing.T) {
	t.Parallel()

	a, err := GenerateSalt()
	require.NoError(t, err)
	require.Len(t, a, SaltLength)

	b, err := GenerateSalt()
	require.NoError(t, err)

	assert.NotEqual(t, a, b)
}

func TestConstantTimeCompare(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		a, b []byte
		want bool
	}{
		{"equal", []byte("v1"), []byte("v1"), true},
		{"different", []byte("v1"), []byte("v2"), false},
		{"different lengths", []byte("v1"), []byte("v10"), false},
		{"both empty", []byte{}, []byte{}, true},
		{"first byte differs", []byte("a-version"), []byte("b-version"), false},
		{"last byte differs", []byte("version-a"), []byte("version-b"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, ConstantTimeCompare(tt.a, tt.b))
		})
	}
}

func TestValidateKeyStrength(t *testing.T) {
	t.Parallel()

	strong := make([]byte, KeyLength)
	for i := range strong {
		strong[i] = byte(i*7 + 13)
	}

	tests := []struct {
		name string
		key  []byte
		want bool
	}{
		{"strong key", strong, true},
		{"too short", make([]byte, 16), false},
		{"empty", nil, false},
		{"all zeros", make([]byte, KeyLength), false},
		{"single repeated byte", bytes.Repeat([]byte{0xab}, KeyLength), false},
		{"two byte pattern", bytes.Repeat([]byte{0xde, 0xad}, KeyLength/2), false},
		{"four byte pattern", bytes.Repeat([]byte{1, 2, 3, 4}, KeyLength/4), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, ValidateKeyStrength(tt.key))
		})
	}
}
