// Package envelope defines the on-disk token storage formats.
//
// Two formats exist. The versioned envelope is a JSON document carrying the
// key version, algorithm, and key-derivation metadata needed to decrypt it.
// The legacy format is a flat colon-delimited string of hex-encoded IV,
// authentication tag, and ciphertext with no metadata at all, which is why
// legacy data can only be handled by the migration workflow.
//
// Format detection is a strict JSON-schema check, not a parse-success check:
// a payload that happens to parse as JSON but does not match the versioned
// schema is never treated as versioned.
package envelope

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/xeipuuv/gojsonschema"

	"github.com/AojdevStudio/gdrive-sub003/internal/errors"
)

// Algorithm is the only authenticated-encryption scheme the vault writes.
const Algorithm = "aes-256-gcm"

// KDMethod is the recorded key-derivation method.
const KDMethod = "pbkdf2-sha256"

// KeyDerivation records how to re-derive the decryption key from the
// registered secret for this envelope's version.
type KeyDerivation struct {
	Method     string `json:"method"`
	Iterations int    `json:"iterations"`
	Salt       string `json:"salt"` // base64
}

// CipherData is the ciphertext blob.
type CipherData struct {
	IV         string `json:"iv"`         // base64
	AuthTag    string `json:"auth_tag"`   // base64
	Ciphertext string `json:"ciphertext"` // base64
}

// Envelope is the versioned on-disk structure wrapping ciphertext with the
// metadata needed to decrypt it. Its version must resolve to a registered
// key: an unresolvable version is a hard failure, never a fallback.
type Envelope struct {
	Version       string        `json:"version"`
	Algorithm     string        `json:"algorithm"`
	KeyDerivation KeyDerivation `json:"key_derivation"`
	Data          CipherData    `json:"data"`
	CreatedAt     time.Time     `json:"created_at"`
	KeyID         string        `json:"key_id"`
}

// versionedSchema is the strict schema for the versioned envelope. Every
// field is required and unknown top-level fields are rejected, so a foreign
// JSON payload can never be mistaken for an envelope.
const versionedSchema = `{
  "type": "object",
  "required": ["version", "algorithm", "key_derivation", "data", "created_at", "key_id"],
  "additionalProperties": false,
  "properties": {
    "version":    {"type": "string", "minLength": 1},
    "algorithm":  {"type": "string", "enum": ["aes-256-gcm"]},
    "key_derivation": {
      "type": "object",
      "required": ["method", "iterations", "salt"],
      "additionalProperties": false,
      "properties": {
        "method":     {"type": "string", "enum": ["pbkdf2-sha256"]},
        "iterations": {"type": "integer", "minimum": 100000},
        "salt":       {"type": "string", "minLength": 1}
      }
    },
    "data": {
      "type": "object",
      "required": ["iv", "auth_tag", "ciphertext"],
      "additionalProperties": false,
      "properties": {
        "iv":         {"type": "string", "minLength": 1},
        "auth_tag":   {"type": "string", "minLength": 1},
        "ciphertext": {"type": "string", "minLength": 1}
      }
    },
    "created_at": {"type": "string"},
    "key_id":     {"type": "string", "minLength": 1}
  }
}`

var compiledSchema = gojsonschema.NewStringLoader(versionedSchema)

// Format identifies which storage format a payload uses.
type Format int

const (
	// FormatUnknown means the payload matches neither format.
	FormatUnknown Format = iota

	// FormatVersioned is the structured envelope.
	FormatVersioned

	// FormatLegacy is the flat iv:tag:ciphertext string.
	FormatLegacy
)

// Detect classifies raw token-file contents.
func Detect(data []byte) Format {
	if isVersioned(data) {
		return FormatVersioned
	}
	if _, err := ParseLegacy(data); err == nil {
		return FormatLegacy
	}
	return FormatUnknown
}

func isVersioned(data []byte) bool {
	result, err := gojsonschema.Validate(compiledSchema, gojsonschema.NewBytesLoader(data))
	if err != nil {
		return false
	}
	return result.Valid()
}

// Parse validates data against the versioned schema and unmarshals it.
func Parse(data []byte) (*Envelope, error) {
	if !isVersioned(data) {
		return nil, fmt.Errorf("envelope schema validation: %w", errors.ErrMalformedEnvelope)
	}

	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("envelope unmarshal: %w", errors.ErrMalformedEnvelope)
	}
	return &env, nil
}

// Marshal serializes the envelope with stable indentation for operator
// inspection. The contents are ciphertext; readability costs nothing.
func (e *Envelope) Marshal() ([]byte, error) {
	data, err := json.MarshalIndent(e, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("envelope marshal: %w", err)
	}
	return data, nil
}

// Legacy is a decoded legacy-format payload. It carries no key-derivation
// metadata; only the migration workflow may consume it.
type Legacy struct {
	IV         []byte
	AuthTag    []byte
	Ciphertext []byte
}

// ParseLegacy decodes the flat iv:tag:ciphertext hex string.
func ParseLegacy(data []byte) (*Legacy, error) {
	parts := strings.Split(strings.TrimSpace(string(data)), ":")
	if len(parts) != 3 {
		return nil, fmt.Errorf("legacy format: expected 3 segments, got %d: %w", len(parts), errors.ErrMalformedEnvelope)
	}

	iv, err := hex.DecodeString(parts[0])
	if err != nil || len(iv) == 0 {
		return nil, fmt.Errorf("legacy format: bad iv: %w", errors.ErrMalformedEnvelope)
	}
	tag, err := hex.DecodeString(parts[1])
	if err != nil || len(tag) == 0 {
		return nil, fmt.Errorf("legacy format: bad auth tag: %w", errors.ErrMalformedEnvelope)
	}
	ct, err := hex.DecodeString(parts[2])
	if err != nil || len(ct) == 0 {
		return nil, fmt.Errorf("legacy format: bad ciphertext: %w", errors.ErrMalformedEnvelope)
	}

	return &Legacy{IV: iv, AuthTag: tag, Ciphertext: ct}, nil
}
