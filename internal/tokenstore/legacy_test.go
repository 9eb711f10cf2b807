package tokenstore

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/AojdevStudio/gdrive-sub003/internal/envelope"
)

// encryptLegacyForTest produces a payload in the pre-versioned storage
// format: raw key, AES-GCM, no derivation metadata.
func encryptLegacyForTest(t *testing.T, key, plaintext []byte) *envelope.Legacy {
	t.Helper()

	block, err := aes.NewCipher(key)
	require.NoError(t, err)
	gcm, err := cipher.NewGCM(block)
	require.NoError(t, err)

	iv := make([]byte, gcm.NonceSize())
	_, err = rand.Read(iv)
	require.NoError(t, err)

	sealed := gcm.Seal(nil, iv, plaintext, nil)
	ct, tag := sealed[:len(sealed)-16], sealed[len(sealed)-16:]

	return &envelope.Legacy{IV: iv, AuthTag: tag, Ciphertext: ct}
}

// legacyWireFormat renders a Legacy payload as the flat on-disk string.
func legacyWireFormat(leg *envelope.Legacy) string {
	return hex.EncodeToString(leg.IV) + ":" + hex.EncodeToString(leg.AuthTag) + ":" + hex.EncodeToString(leg.Ciphertext)
}
