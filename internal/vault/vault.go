// Package vault seals and opens credential blobs with authenticated
// encryption. Blobs are self-describing: a version byte, the ID of the key
// that sealed them, a random nonce, then the ciphertext. Key rotation
// appends a new key and leaves old blobs openable until they are lazily
// re-sealed.
package vault

import (
	"crypto/rand"
	"errors"
	"sync"

	"golang.org/x/crypto/chacha20poly1305"
)

const (
	// KeySize is the required length of a vault key in bytes.
	KeySize = chacha20poly1305.KeySize

	blobVersion1 = 1
	headerSize   = 2 // version byte + key ID byte
	maxKeys      = 255
)

var (
	// ErrDecryptFailed is returned by Open for any blob that fails
	// authentication, regardless of where the corruption sits.
	ErrDecryptFailed = errors.New("credential blob decryption failed")
	// ErrLocked is returned by all operations after Revoke.
	ErrLocked = errors.New("vault locked")
	// ErrKeySize is returned when a key is not exactly KeySize bytes.
	ErrKeySize = errors.New("vault key must be 32 bytes")
	// ErrKeyHistoryFull is returned by Rotate after 255 rotations.
	ErrKeyHistoryFull = errors.New("vault key history full")
)

// Vault holds the key history. The zero value is unusable; construct with
// New. Safe for concurrent use; Rotate and Revoke take the write lock, so
// in-flight Seal/Open calls drain before key material changes.
type Vault struct {
	mu   sync.RWMutex
	keys [][]byte // index is the key ID embedded in blobs
	lock bool
}

// New creates a Vault with rootKey as key ID 0.
func New(rootKey []byte) (*Vault, error) {
	if len(rootKey) != KeySize {
		return nil, ErrKeySize
	}
	k := make([]byte, KeySize)
	copy(k, rootKey)
	return &Vault{keys: [][]byte{k}}, nil
}

// Seal encrypts plaintext under the newest key. The nonce is drawn from
// crypto/rand inside this call; callers cannot supply one, so a 192-bit
// nonce is never reused across blobs.
func (v *Vault) Seal(plaintext []byte) ([]byte, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if v.lock {
		return nil, ErrLocked
	}

	keyID := len(v.keys) - 1
	aead, err := chacha20poly1305.NewX(v.keys[keyID])
	if err != nil {
		return nil, err
	}

	blob := make([]byte, headerSize+aead.NonceSize(), headerSize+aead.NonceSize()+len(plaintext)+aead.Overhead())
	blob[0] = blobVersion1
	blob[1] = byte(keyID)
	if _, err := rand.Read(blob[headerSize : headerSize+aead.NonceSize()]); err != nil {
		return nil, err
	}

	// The header is bound as additional data so a blob cannot be replayed
	// under a different key ID.
	return aead.Seal(blob, blob[headerSize:headerSize+aead.NonceSize()], plaintext, blob[:headerSize]), nil
}

// Open decrypts a blob produced by Seal. Any corruption, truncation, or
// tampering yields ErrDecryptFailed; partial plaintext is never returned.
func (v *Vault) Open(blob []byte) ([]byte, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if v.lock {
		return nil, ErrLocked
	}

	if len(blob) < headerSize+chacha20poly1305.NonceSizeX || blob[0] != blobVersion1 {
		return nil, ErrDecryptFailed
	}
	keyID := int(blob[1])
	if keyID >= len(v.keys) {
		return nil, ErrDecryptFailed
	}

	aead, err := chacha20poly1305.NewX(v.keys[keyID])
	if err != nil {
		return nil, err
	}

	nonce := blob[headerSize : headerSize+aead.NonceSize()]
	plaintext, err := aead.Open(nil, nonce, blob[headerSize+aead.NonceSize():], blob[:headerSize])
	if err != nil {
		return nil, ErrDecryptFailed
	}
	return plaintext, nil
}

// NeedsReseal reports whether the blob was sealed under an older key and
// should be re-sealed at the next write.
func (v *Vault) NeedsReseal(blob []byte) bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if v.lock || len(blob) < headerSize {
		return false
	}
	return int(blob[1]) != len(v.keys)-1
}

// Rotate appends newKey as the active sealing key. Blobs sealed under
// earlier keys stay openable.
func (v *Vault) Rotate(newKey []byte) error {
	if len(newKey) != KeySize {
		return ErrKeySize
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.lock {
		return ErrLocked
	}
	if len(v.keys) >= maxKeys {
		return ErrKeyHistoryFull
	}
	k := make([]byte, KeySize)
	copy(k, newKey)
	v.keys = append(v.keys, k)
	return nil
}

// Revoke zeroes all key material. Every later call fails with ErrLocked.
func (v *Vault) Revoke() {
	v.mu.Lock()
	defer v.mu.Unlock()
	for _, k := range v.keys {
		Zero(k)
	}
	v.keys = nil
	v.lock = true
}

// Zero overwrites b in place. Callers use it to scrub transient plaintext
// once a credential blob has been consumed.
func Zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
