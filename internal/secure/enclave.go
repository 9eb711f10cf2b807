// Package secure provides memory-safe handling of derived key material.
//
// It wraps the memguard library so that symmetric keys held by the key
// registry are encrypted at rest in memory (XSalsa20Poly1305), protected
// from swapping via mlock, and wiped with zeros when a key version is
// deleted. If mlock is unavailable the library degrades to standard memory.
//
// For complete cleanup of all memguard data at process exit, call
// memguard.Purge() in a defer in main().
package secure

import (
	"sync"

	"github.com/awnumar/memguard"
)

// Buffer holds one key version's raw bytes in a protected enclave.
type Buffer struct {
	enclave *memguard.Enclave
	mu      sync.RWMutex
	// destroyed allows idempotent Destroy() and prevents use after destroy
	destroyed bool
}

// NewBuffer moves data into a protected memory region. memguard wipes the
// source slice as part of sealing, so the caller's copy is zeroed on return.
func NewBuffer(data []byte) *Buffer {
	return &Buffer{
		enclave: memguard.NewEnclave(data),
	}
}

// Open decrypts the enclave and returns a locked buffer holding the
// plaintext key. The caller MUST call Destroy() on the returned buffer when
// done so the plaintext is wiped.
func (b *Buffer) Open() (*memguard.LockedBuffer, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.destroyed {
		return memguard.NewBufferFromBytes([]byte{}), nil
	}

	return b.enclave.Open()
}

// Destroy marks the buffer destroyed and releases the enclave. Safe to call
// more than once.
func (b *Buffer) Destroy() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.destroyed {
		return
	}

	b.enclave = nil
	b.destroyed = true
}

// Wipe overwrites a byte slice with zeros. Used on caller-held key copies
// after they have been moved into a Buffer, and on plaintext token bytes
// after encryption.
func Wipe(data []byte) {
	memguard.WipeBytes(data)
}
