package vault

import (
	"bytes"
	"crypto/rand"
	"errors"
	"testing"
)

func newTestVault(t *testing.T) (*Vault, []byte) {
	t.Helper()
	key := make([]byte, KeySize)
	if _, err := rand.Read(key); err != nil {
		t.Fatalf("generating key: %v", err)
	}
	v, err := New(key)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return v, key
}

func TestSealOpenRoundTrip(t *testing.T) {
	v, _ := newTestVault(t)

	plaintext := []byte(`{"access":"tok","refresh":"ref"}`)
	blob, err := v.Seal(plaintext)
	if err != nil {
		t.Fatalf("Seal failed: %v", err)
	}
	if bytes.Contains(blob, []byte("tok")) {
		t.Fatal("ciphertext leaks plaintext")
	}

	got, err := v.Open(blob)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if !bytes.Equal(got, plaintext) {
		t.Fatalf("round trip mismatch: got %q", got)
	}
}

func TestSealProducesDistinctBlobs(t *testing.T) {
	v, _ := newTestVault(t)

	a, err := v.Seal([]byte("same"))
	if err != nil {
		t.Fatalf("Seal failed: %v", err)
	}
	b, err := v.Seal([]byte("same"))
	if err != nil {
		t.Fatalf("Seal failed: %v", err)
	}
	if bytes.Equal(a, b) {
		t.Fatal("expected distinct nonces to produce distinct blobs")
	}
}

func TestOpenRejectsCorruption(t *testing.T) {
	v, _ := newTestVault(t)

	blob, err := v.Seal([]byte("secret material"))
	if err != nil {
		t.Fatalf("Seal failed: %v", err)
	}

	// Flipping any single byte must fail authentication, header included.
	for i := range blob {
		corrupted := make([]byte, len(blob))
		copy(corrupted, blob)
		corrupted[i] ^= 0x01

		if _, err := v.Open(corrupted); !errors.Is(err, ErrDecryptFailed) {
			t.Fatalf("byte %d: expected ErrDecryptFailed, got %v", i, err)
		}
	}

	if _, err := v.Open(blob[:len(blob)-1]); !errors.Is(err, ErrDecryptFailed) {
		t.Fatalf("truncation: expected ErrDecryptFailed, got %v", err)
	}
	if _, err := v.Open(nil); !errors.Is(err, ErrDecryptFailed) {
		t.Fatalf("empty blob: expected ErrDecryptFailed, got %v", err)
	}
}

func TestOpenRejectsWrongKey(t *testing.T) {
	v1, _ := newTestVault(t)
	v2, _ := newTestVault(t)

	blob, err := v1.Seal([]byte("secret"))
	if err != nil {
		t.Fatalf("Seal failed: %v", err)
	}
	if _, err := v2.Open(blob); !errors.Is(err, ErrDecryptFailed) {
		t.Fatalf("expected ErrDecryptFailed under wrong key, got %v", err)
	}
}

func TestRotateKeepsOldBlobsOpenable(t *testing.T) {
	v, _ := newTestVault(t)

	oldBlob, err := v.Seal([]byte("sealed before rotation"))
	if err != nil {
		t.Fatalf("Seal failed: %v", err)
	}

	newKey := make([]byte, KeySize)
	if _, err := rand.Read(newKey); err != nil {
		t.Fatalf("generating key: %v", err)
	}
	if err := v.Rotate(newKey); err != nil {
		t.Fatalf("Rotate failed: %v", err)
	}

	got, err := v.Open(oldBlob)
	if err != nil {
		t.Fatalf("Open after rotation failed: %v", err)
	}
	if string(got) != "sealed before rotation" {
		t.Fatalf("unexpected plaintext %q", got)
	}
	if !v.NeedsReseal(oldBlob) {
		t.Fatal("expected old blob to need re-sealing")
	}

	newBlob, err := v.Seal([]byte("sealed after rotation"))
	if err != nil {
		t.Fatalf("Seal failed: %v", err)
	}
	if v.NeedsReseal(newBlob) {
		t.Fatal("fresh blob should not need re-sealing")
	}
}

func TestRotateRejectsBadKey(t *testing.T) {
	v, _ := newTestVault(t)
	if err := v.Rotate([]byte("short")); !errors.Is(err, ErrKeySize) {
		t.Fatalf("expected ErrKeySize, got %v", err)
	}
}

func TestRevokeLocksVault(t *testing.T) {
	v, _ := newTestVault(t)

	blob, err := v.Seal([]byte("secret"))
	if err != nil {
		t.Fatalf("Seal failed: %v", err)
	}

	v.Revoke()

	if _, err := v.Seal([]byte("more")); !errors.Is(err, ErrLocked) {
		t.Fatalf("Seal after revoke: expected ErrLocked, got %v", err)
	}
	if _, err := v.Open(blob); !errors.Is(err, ErrLocked) {
		t.Fatalf("Open after revoke: expected ErrLocked, got %v", err)
	}
	if err := v.Rotate(make([]byte, KeySize)); !errors.Is(err, ErrLocked) {
		t.Fatalf("Rotate after revoke: expected ErrLocked, got %v", err)
	}
}

func TestNewRejectsBadKeySize(t *testing.T) {
	if _, err := New([]byte("too short")); !errors.Is(err, ErrKeySize) {
		t.Fatalf("expected ErrKeySize, got %v", err)
	}
}

func TestZero(t *testing.T) {
	b := []byte("sensitive")
	Zero(b)
	for i, c := range b {
		if c != 0 {
			t.Fatalf("byte %d not zeroed", i)
		}
	}
}
