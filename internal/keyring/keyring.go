// Package keyring holds the versioned registry of token-encryption keys and
// the pointer to the version used for new encryptions.
//
// Each registered version keeps the configured secret inside a memguard
// enclave together with a key derived for that version's registration salt.
// New encryptions use the cached derived key; decryptions re-derive from the
// secret using the salt and iteration count recorded in the envelope, so
// data written before a restart stays readable.
//
// The registry is single-writer/many-reader: mutations swap a copy-on-write
// snapshot under a mutex while readers load the snapshot without locking.
package keyring

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/AojdevStudio/gdrive-sub003/internal/errors"
	"github.com/AojdevStudio/gdrive-sub003/internal/keyderive"
	"github.com/AojdevStudio/gdrive-sub003/internal/secure"
)

// KeySpec is one configured {version, secret} pair. The process-boundary
// configuration layer builds these from numbered environment variables; the
// registry itself never scans the environment.
type KeySpec struct {
	Version string
	Secret  []byte
}

// KeyVersion is a labeled, independently rotatable symmetric key. Raw key
// material lives in memguard enclaves and is never serialized to disk.
type KeyVersion struct {
	Version    string
	Iterations int
	Salt       []byte
	CreatedAt  time.Time

	secret  *secure.Buffer
	derived *secure.Buffer
}

// EncryptionKey returns the derived key bytes for new encryptions. The
// returned slice is plaintext key material; the caller must wipe it when
// done.
func (kv *KeyVersion) EncryptionKey() ([]byte, error) {
	locked, err := kv.derived.Open()
	if err != nil {
		return nil, fmt.Errorf("open derived key %s: %w", kv.Version, err)
	}
	defer locked.Destroy()

	out := append([]byte(nil), locked.Bytes()...)
	return out, nil
}

// DecryptionKey derives the key for a ciphertext written under this version
// with the given envelope metadata. When the metadata matches the
// registration parameters the cached derived key is reused. The caller must
// wipe the returned slice.
func (kv *KeyVersion) DecryptionKey(salt []byte, iterations int) ([]byte, error) {
	if iterations == kv.Iterations && keyderive.ConstantTimeCompare(salt, kv.Salt) {
		return kv.EncryptionKey()
	}

	locked, err := kv.secret.Open()
	if err != nil {
		return nil, fmt.Errorf("open secret %s: %w", kv.Version, err)
	}
	defer locked.Destroy()

	dk, err := keyderive.Derive(locked.Bytes(), salt, iterations)
	if err != nil {
		return nil, fmt.Errorf("derive key %s: %w", kv.Version, err)
	}
	return dk.Key, nil
}

// snapshot is the immutable state readers observe.
type snapshot struct {
	keys    map[string]*KeyVersion
	current string
}

// Manager is the key rotation manager. One instance exists per process,
// constructed at startup and injected into the token store.
type Manager struct {
	mu    sync.Mutex // guards mutations; readers go through snap
	snap  atomic.Pointer[snapshot]
	iters int
}

// New builds a registry from explicit key specs. The first spec is the
// primary; current points at it unless SetCurrent is called later.
// Secrets in specs are wiped as they are moved into enclaves.
func New(specs []KeySpec, iterations int) (*Manager, error) {
	if iterations <= 0 {
		iterations = keyderive.DefaultIterations
	}
	if len(specs) == 0 {
		return nil, errors.ConfigError{
			Field:   "keys",
			Message: "at least one encryption key is required",
		}
	}

	m := &Manager{iters: iterations}
	m.snap.Store(&snapshot{keys: map[string]*KeyVersion{}})

	for _, spec := range specs {
		if err := m.Register(spec.Version, spec.Secret); err != nil {
			return nil, err
		}
	}
	if err := m.SetCurrent(specs[0].Version); err != nil {
		return nil, err
	}
	return m, nil
}

// Register adds a new key version derived from secret. It fails if the
// version label is already in use: rotation must pick an unused label so a
// half-finished rotation can never silently shadow an existing key.
// The secret slice is wiped on return.
func (m *Manager) Register(version string, secret []byte) error {
	if version == "" {
		return fmt.Errorf("register key: empty version label")
	}
	if len(secret) == 0 {
		return fmt.Errorf("register key %s: empty secret", version)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	cur := m.snap.Load()
	if _, exists := cur.keys[version]; exists {
		return fmt.Errorf("register key %s: %w", version, errors.ErrVersionExists)
	}

	salt, err := keyderive.GenerateSalt()
	if err != nil {
		return fmt.Errorf("register key %s: %w", version, err)
	}

	dk, err := keyderive.Derive(secret, salt, m.iters)
	if err != nil {
		return fmt.Errorf("register key %s: %w", version, err)
	}

	secretCopy := append([]byte(nil), secret...)
	secure.Wipe(secret)

	kv := &KeyVersion{
		Version:    version,
		Iterations: dk.Iterations,
		Salt:       salt,
		CreatedAt:  time.Now().UTC(),
		secret:     secure.NewBuffer(secretCopy), // wipes secretCopy
		derived:    secure.NewBuffer(dk.Key),     // wipes dk.Key
	}

	next := cur.clone()
	next.keys[version] = kv
	m.snap.Store(next)
	return nil
}

// Get resolves a version label. Resolution failure is fatal for that
// ciphertext, not for the process: callers must surface the error, never
// fall back to the current key.
func (m *Manager) Get(version string) (*KeyVersion, error) {
	snap := m.snap.Load()
	kv, ok := snap.keys[version]
	if !ok {
		return nil, fmt.Errorf("version %q: %w", version, errors.ErrKeyVersionNotFound)
	}
	return kv, nil
}

// Current returns the key version used for new encryptions.
func (m *Manager) Current() (*KeyVersion, error) {
	snap := m.snap.Load()
	if snap.current == "" {
		return nil, fmt.Errorf("current version: %w", errors.ErrKeyVersionNotFound)
	}
	return m.Get(snap.current)
}

// CurrentVersion returns the current version label.
func (m *Manager) CurrentVersion() string {
	return m.snap.Load().current
}

// Versions lists registered version labels.
func (m *Manager) Versions() []string {
	snap := m.snap.Load()
	versions := make([]string, 0, len(snap.keys))
	for v := range snap.keys {
		versions = append(versions, v)
	}
	return versions
}

// SetCurrent advances the current pointer. The target must already be
// registered; rotation advances this only after the re-encrypted store has
// been verified.
func (m *Manager) SetCurrent(version string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur := m.snap.Load()
	if _, ok := cur.keys[version]; !ok {
		return fmt.Errorf("set current %q: %w", version, errors.ErrKeyVersionNotFound)
	}

	next := cur.clone()
	next.current = version
	m.snap.Store(next)
	return nil
}

// Delete removes a key version and destroys its enclaves, which zeroes the
// raw bytes before release. Deleting the current version is refused.
func (m *Manager) Delete(version string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur := m.snap.Load()
	kv, ok := cur.keys[version]
	if !ok {
		return fmt.Errorf("delete %q: %w", version, errors.ErrKeyVersionNotFound)
	}
	if cur.current == version {
		return fmt.Errorf("delete %q: version is current; rotate first", version)
	}

	next := cur.clone()
	delete(next.keys, version)
	m.snap.Store(next)

	kv.secret.Destroy()
	kv.derived.Destroy()
	return nil
}

func (s *snapshot) clone() *snapshot {
	keys := make(map[string]*KeyVersion, len(s.keys))
	for v, kv := range s.keys {
		keys[v] = kv
	}
	return &snapshot{keys: keys, current: s.current}
}
