package envelope

import (
	"encoding/base64"
	"encoding/hex"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validEnvelope() *Envelope {
	b64 := base64.StdEncoding.EncodeToString
	return &Envelope{
		Version:   "v1",
		Algorithm: Algorithm,
		KeyDerivation: KeyDerivation{
			Method:     KDMethod,
			Iterations: 100_000,
			Salt:       b64([]byte("salt-salt-salt-salt-salt-salt-32")),
		},
		Data: CipherData{
			IV:         b64([]byte("twelve-bytes")),
			AuthTag:    b64([]byte("sixteen-byte-tag")),
			Ciphertext: b64([]byte("opaque")),
		},
		CreatedAt: time.Now().UTC().Truncate(time.Second),
		KeyID:     "9f86d081",
	}
}

func TestEnvelope_RoundTrip(t *testing.T) {
	t.Parallel()

	env := validEnvelope()

	data, err := env.Marshal()
	require.NoError(t, err)

	parsed, err := Parse(data)
	require.NoError(t, err)
	assert.Equal(t, env.Version, parsed.Version)
	assert.Equal(t, env.KeyDerivation, parsed.KeyDerivation)
	assert.Equal(t, env.Data, parsed.Data)
	assert.Equal(t, env.KeyID, parsed.KeyID)
}

func TestDetect_Versioned(t *testing.T) {
	t.Parallel()

	data, err := validEnvelope().Marshal()
	require.NoError(t, err)

	assert.Equal(t, FormatVersioned, Detect(data))
}

func TestDetect_Legacy(t *testing.T) {
	t.Parallel()

	legacy := hex.EncodeToString([]byte("iv-bytes-12!")) + ":" +
		hex.EncodeToString([]byte("sixteen-byte-tag")) + ":" +
		hex.EncodeToString([]byte("ciphertext"))

	assert.Equal(t, FormatLegacy, Detect([]byte(legacy)))
}

func TestDetect_StrictSchema(t *testing.T) {
	t.Parallel()

	// Payloads that parse as JSON but do not match the envelope schema
	// must never be classified as versioned.
	tests := []struct {
		name string
		data string
	}{
		{"empty object", `{}`},
		{"foreign token file", `{"access_token":"a","refresh_token":"b"}`},
		{"missing key_id", `{
			"version":"v1","algorithm":"aes-256-gcm",
			"key_derivation":{"method":"pbkdf2-sha256","iterations":100000,"salt":"cw=="},
			"data":{"iv":"aQ==","auth_tag":"dA==","ciphertext":"Yw=="},
			"created_at":"2024-01-01T00:00:00Z"}`},
		{"unknown extra field", `{
			"version":"v1","algorithm":"aes-256-gcm",
			"key_derivation":{"method":"pbkdf2-sha256","iterations":100000,"salt":"cw=="},
			"data":{"iv":"aQ==","auth_tag":"dA==","ciphertext":"Yw=="},
			"created_at":"2024-01-01T00:00:00Z","key_id":"k","extra":true}`},
		{"wrong algorithm", `{
			"version":"v1","algorithm":"aes-128-cbc",
			"key_derivation":{"method":"pbkdf2-sha256","iterations":100000,"salt":"cw=="},
			"data":{"iv":"aQ==","auth_tag":"dA==","ciphertext":"Yw=="},
			"created_at":"2024-01-01T00:00:00Z","key_id":"k"}`},
		{"iterations below minimum", `{
			"version":"v1","algorithm":"aes-256-gcm",
			"key_derivation":{"method":"pbkdf2-sha256","iterations":1000,"salt":"cw=="},
			"data":{"iv":"aQ==","auth_tag":"dA==","ciphertext":"Yw=="},
			"created_at":"2024-01-01T00:00:00Z","key_id":"k"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.NotEqual(t, FormatVersioned, Detect([]byte(tt.data)))
		})
	}
}

func TestDetect_Unknown(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		data string
	}{
		{"empty", ""},
		{"garbage", "not a token file"},
		{"two segments", "abcd:ef01"},
		{"four segments", "ab:cd:ef:01"},
		{"non-hex segments", "xx:yy:zz"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, FormatUnknown, Detect([]byte(tt.data)))
		})
	}
}

func TestParseLegacy(t *testing.T) {
	t.Parallel()

	iv := []byte("iv-bytes-12!")
	tag := []byte("sixteen-byte-tag")
	ct := []byte("the-ciphertext")

	raw := hex.EncodeToString(iv) + ":" + hex.EncodeToString(tag) + ":" + hex.EncodeToString(ct)

	legacy, err := ParseLegacy([]byte(raw))
	require.NoError(t, err)
	assert.Equal(t, iv, legacy.IV)
	assert.Equal(t, tag, legacy.AuthTag)
	assert.Equal(t, ct, legacy.Ciphertext)
}

func TestParse_RejectsNonVersioned(t *testing.T) {
	t.Parallel()

	_, err := Parse([]byte(`{"anything": true}`))
	assert.Error(t, err)
}
