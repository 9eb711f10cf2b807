// Package tokenstore owns the encrypted token file and its audit log.
//
// All writes go through a write-temp-then-rename swap so a crash mid-write
// never corrupts existing state, and both files are created with owner-only
// permissions before any sensitive byte reaches disk.
package tokenstore

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/AojdevStudio/gdrive-sub003/internal/envelope"
	"github.com/AojdevStudio/gdrive-sub003/internal/errors"
	"github.com/AojdevStudio/gdrive-sub003/internal/keyderive"
	"github.com/AojdevStudio/gdrive-sub003/internal/keyring"
	"github.com/AojdevStudio/gdrive-sub003/internal/logging"
	"github.com/AojdevStudio/gdrive-sub003/internal/secure"
)

const (
	nonceSize = 12 // standard GCM nonce
	tagSize   = 16
)

// TokenData is the OAuth credential set persisted by the vault. Expiry is
// epoch milliseconds, matching what the token endpoint reports.
type TokenData struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
	ExpiryDate   int64  `json:"expiry_date"`
	TokenType    string `json:"token_type,omitempty"`
	Scope        string `json:"scope,omitempty"`
}

// ExpiresAt returns the expiry as a time.
func (t *TokenData) ExpiresAt() time.Time {
	return time.UnixMilli(t.ExpiryDate)
}

// Expired reports whether the access token has passed its expiry.
func (t *TokenData) Expired() bool {
	return !time.Now().Before(t.ExpiresAt())
}

// TimeToExpiry returns the remaining lifetime, negative once expired.
func (t *TokenData) TimeToExpiry() time.Duration {
	return time.Until(t.ExpiresAt())
}

// Manager owns the on-disk encrypted token envelope. Keys are resolved
// through the injected keyring; the manager itself never holds key material
// beyond the scope of one call.
type Manager struct {
	path   string
	keys   *keyring.Manager
	audit  *AuditLog
	logger *logging.Logger
}

// NewManager creates a token manager for the given file path.
func NewManager(path string, keys *keyring.Manager, audit *AuditLog, logger *logging.Logger) *Manager {
	return &Manager{
		path:   path,
		keys:   keys,
		audit:  audit,
		logger: logger,
	}
}

// Path returns the token file location.
func (m *Manager) Path() string {
	return m.path
}

// Audit exposes the audit log for callers that record their own events.
func (m *Manager) Audit() *AuditLog {
	return m.audit
}

// Exists reports whether a token file is present on disk.
func (m *Manager) Exists() bool {
	_, err := os.Stat(m.path)
	return err == nil
}

// Encrypt seals plaintext under the current key version. Every call draws a
// fresh random IV; IV reuse under one key would void the GCM security
// guarantees entirely.
func (m *Manager) Encrypt(plaintext []byte) (*envelope.Envelope, error) {
	kv, err := m.keys.Current()
	if err != nil {
		return nil, err
	}
	return m.encryptWith(kv, plaintext)
}

// EncryptWithVersion seals plaintext under a specific registered version.
// Used by the rotation workflow to re-encrypt under the incoming key before
// the current pointer moves.
func (m *Manager) EncryptWithVersion(version string, plaintext []byte) (*envelope.Envelope, error) {
	kv, err := m.keys.Get(version)
	if err != nil {
		return nil, err
	}
	return m.encryptWith(kv, plaintext)
}

func (m *Manager) encryptWith(kv *keyring.KeyVersion, plaintext []byte) (*envelope.Envelope, error) {
	key, err := kv.EncryptionKey()
	if err != nil {
		return nil, err
	}
	defer secure.Wipe(key)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("cipher init: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("gcm init: %w", err)
	}

	iv := make([]byte, nonceSize)
	if _, err := rand.Read(iv); err != nil {
		return nil, fmt.Errorf("generate iv: %w", err)
	}

	sealed := gcm.Seal(nil, iv, plaintext, nil)
	ct, tag := sealed[:len(sealed)-tagSize], sealed[len(sealed)-tagSize:]

	b64 := base64.StdEncoding.EncodeToString
	env := &envelope.Envelope{
		Version:   kv.Version,
		Algorithm: envelope.Algorithm,
		KeyDerivation: envelope.KeyDerivation{
			Method:     envelope.KDMethod,
			Iterations: kv.Iterations,
			Salt:       b64(kv.Salt),
		},
		Data: envelope.CipherData{
			IV:         b64(iv),
			AuthTag:    b64(tag),
			Ciphertext: b64(ct),
		},
		CreatedAt: time.Now().UTC(),
		KeyID:     keyFingerprint(key),
	}

	m.audit.Record(EventEncrypted, "", true, map[string]string{"key_version": kv.Version})
	return env, nil
}

// Decrypt opens an envelope using the exact key version it names. An
// unresolvable version, a fingerprint mismatch, or a failed tag check all
// fail closed: no partial or best-guess plaintext is ever returned.
func (m *Manager) Decrypt(env *envelope.Envelope) ([]byte, error) {
	if env.Algorithm != envelope.Algorithm {
		return nil, fmt.Errorf("algorithm %q: %w", env.Algorithm, errors.ErrMalformedEnvelope)
	}

	kv, err := m.keys.Get(env.Version)
	if err != nil {
		m.audit.Record(EventDecrypted, "", false, map[string]string{"key_version": env.Version, "reason": "version_not_found"})
		return nil, err
	}

	salt, err := base64.StdEncoding.DecodeString(env.KeyDerivation.Salt)
	if err != nil {
		return nil, fmt.Errorf("salt decode: %w", errors.ErrMalformedEnvelope)
	}

	key, err := kv.DecryptionKey(salt, env.KeyDerivation.Iterations)
	if err != nil {
		return nil, err
	}
	defer secure.Wipe(key)

	if env.KeyID != "" && !keyderive.ConstantTimeCompare([]byte(keyFingerprint(key)), []byte(env.KeyID)) {
		m.audit.Record(EventDecrypted, "", false, map[string]string{"key_version": env.Version, "reason": "key_mismatch"})
		return nil, fmt.Errorf("key fingerprint mismatch for %s: %w", env.Version, errors.ErrDecryptionFailed)
	}

	iv, err := base64.StdEncoding.DecodeString(env.Data.IV)
	if err != nil {
		return nil, fmt.Errorf("iv decode: %w", errors.ErrMalformedEnvelope)
	}
	tag, err := base64.StdEncoding.DecodeString(env.Data.AuthTag)
	if err != nil {
		return nil, fmt.Errorf("tag decode: %w", errors.ErrMalformedEnvelope)
	}
	ct, err := base64.StdEncoding.DecodeString(env.Data.Ciphertext)
	if err != nil {
		return nil, fmt.Errorf("ciphertext decode: %w", errors.ErrMalformedEnvelope)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("cipher init: %w", err)
	}
	gcm, err := cipher.NewGCMWithNonceSize(block, len(iv))
	if err != nil {
		return nil, fmt.Errorf("gcm init: %w", errors.ErrMalformedEnvelope)
	}

	plaintext, err := gcm.Open(nil, iv, append(ct, tag...), nil)
	if err != nil {
		m.audit.Record(EventDecrypted, "", false, map[string]string{"key_version": env.Version, "reason": "tag_mismatch"})
		return nil, fmt.Errorf("open envelope %s: %w", env.Version, errors.ErrDecryptionFailed)
	}

	m.audit.Record(EventDecrypted, "", true, map[string]string{"key_version": env.Version})
	return plaintext, nil
}

// SaveTokens encrypts and persists tokens, then emits the given audit event.
// The write is atomic: a crash between the temp write and the rename leaves
// any previous file fully valid.
func (m *Manager) SaveTokens(tokens *TokenData, event EventKind) error {
	plaintext, err := json.Marshal(tokens)
	if err != nil {
		return fmt.Errorf("marshal tokens: %w", err)
	}
	defer secure.Wipe(plaintext)

	env, err := m.Encrypt(plaintext)
	if err != nil {
		m.audit.Record(event, Digest(tokens.AccessToken), false, map[string]string{"error": "encrypt"})
		return err
	}

	data, err := env.Marshal()
	if err != nil {
		return err
	}

	if err := atomicWrite(m.path, data); err != nil {
		m.audit.Record(event, Digest(tokens.AccessToken), false, map[string]string{"error": "write"})
		return err
	}

	m.audit.Record(event, Digest(tokens.AccessToken), true, map[string]string{
		"key_version": env.Version,
		"expires_at":  tokens.ExpiresAt().UTC().Format(time.RFC3339),
	})
	return nil
}

// LoadTokens reads and decrypts the stored credential set. Legacy-format
// data raises ErrMigrationRequired rather than attempting ad-hoc
// decryption: the legacy format records no algorithm or iteration metadata
// to decrypt with.
func (m *Manager) LoadTokens() (*TokenData, error) {
	data, err := os.ReadFile(m.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.ErrNoTokens
		}
		return nil, fmt.Errorf("read token file: %w", err)
	}

	switch envelope.Detect(data) {
	case envelope.FormatLegacy:
		return nil, errors.ErrMigrationRequired
	case envelope.FormatUnknown:
		return nil, fmt.Errorf("token file: %w", errors.ErrMalformedEnvelope)
	}

	env, err := envelope.Parse(data)
	if err != nil {
		return nil, err
	}

	plaintext, err := m.Decrypt(env)
	if err != nil {
		return nil, err
	}
	defer secure.Wipe(plaintext)

	var tokens TokenData
	if err := json.Unmarshal(plaintext, &tokens); err != nil {
		return nil, fmt.Errorf("unmarshal tokens: %w", errors.ErrMalformedEnvelope)
	}
	return &tokens, nil
}

// DeleteTokensOnInvalidGrant removes the token file after a permanent grant
// failure. The file is overwritten before removal so the ciphertext does not
// linger in unallocated blocks. Idempotent when no file exists.
func (m *Manager) DeleteTokensOnInvalidGrant() error {
	return m.deleteTokens(EventDeletedInvalidGrant)
}

// DeleteTokensOnRevoke removes the token file after an explicit user
// revocation.
func (m *Manager) DeleteTokensOnRevoke() error {
	return m.deleteTokens(EventRevoked)
}

func (m *Manager) deleteTokens(event EventKind) error {
	info, err := os.Stat(m.path)
	if err != nil {
		if os.IsNotExist(err) {
			m.audit.Record(event, "", true, map[string]string{"note": "no file present"})
			return nil
		}
		return fmt.Errorf("stat token file: %w", err)
	}

	// Best-effort scrub before unlink
	if f, err := os.OpenFile(m.path, os.O_WRONLY, 0600); err == nil {
		junk := make([]byte, info.Size())
		_, _ = rand.Read(junk)
		_, _ = f.Write(junk)
		_ = f.Sync()
		_ = f.Close()
	}

	if err := os.Remove(m.path); err != nil {
		m.audit.Record(event, "", false, map[string]string{"error": err.Error()})
		return fmt.Errorf("remove token file: %w", err)
	}

	m.audit.Record(event, "", true, nil)
	m.logger.Info("stored tokens deleted")
	return nil
}

// MigrateToKey re-encrypts the stored tokens from oldVersion to newVersion.
// The live file is overwritten only after both the decrypt and the
// re-encrypt succeed; any failure leaves the original file untouched.
func (m *Manager) MigrateToKey(oldVersion, newVersion string) error {
	data, err := os.ReadFile(m.path)
	if err != nil {
		if os.IsNotExist(err) {
			return errors.ErrNoTokens
		}
		return fmt.Errorf("read token file: %w", err)
	}

	env, err := envelope.Parse(data)
	if err != nil {
		return err
	}
	if env.Version != oldVersion {
		return fmt.Errorf("stored envelope is under %q, not %q", env.Version, oldVersion)
	}

	plaintext, err := m.Decrypt(env)
	if err != nil {
		return errors.MigrationError{Step: "decrypt", Err: err}
	}
	defer secure.Wipe(plaintext)

	newEnv, err := m.EncryptWithVersion(newVersion, plaintext)
	if err != nil {
		return errors.MigrationError{Step: "re-encrypt", Err: err}
	}

	newData, err := newEnv.Marshal()
	if err != nil {
		return errors.MigrationError{Step: "marshal", Err: err}
	}

	if err := atomicWrite(m.path, newData); err != nil {
		return errors.MigrationError{Step: "swap", Err: err}
	}

	m.audit.Record(EventRotated, "", true, map[string]string{
		"old_version": oldVersion,
		"new_version": newVersion,
	})
	return nil
}

// DecryptLegacy opens a legacy-format payload with a raw 32-byte key. Only
// the migration workflow calls this; the serving path refuses legacy data.
func DecryptLegacy(key []byte, leg *envelope.Legacy) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("cipher init: %w", err)
	}
	gcm, err := cipher.NewGCMWithNonceSize(block, len(leg.IV))
	if err != nil {
		return nil, fmt.Errorf("gcm init: %w", errors.ErrMalformedEnvelope)
	}

	plaintext, err := gcm.Open(nil, leg.IV, append(append([]byte(nil), leg.Ciphertext...), leg.AuthTag...), nil)
	if err != nil {
		return nil, fmt.Errorf("open legacy payload: %w", errors.ErrDecryptionFailed)
	}
	return plaintext, nil
}

// keyFingerprint identifies a concrete key without revealing it.
func keyFingerprint(key []byte) string {
	sum := sha256.Sum256(key)
	return hex.EncodeToString(sum[:4])
}

// atomicWrite writes data to a temp file with 0600 permissions and renames
// it over path. Readers observe either the old contents or the new, never a
// partial write.
func atomicWrite(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("create token dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".tokens-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()

	cleanup := func() {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
	}

	// Permissions go down before any ciphertext byte is written
	if err := tmp.Chmod(0600); err != nil {
		cleanup()
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		cleanup()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		cleanup()
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("close temp file: %w", err)
	}

	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("swap token file: %w", err)
	}
	return nil
}
