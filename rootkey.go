package mailwatch

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io/fs"
	"os"

	"golang.org/x/crypto/argon2"

	"github.com/mailwatch/mailwatch/internal/vault"
)

const localKeyFileSize = 32

// localKeyProvider is the fallback used when no OS secret store is
// available. It keeps a random seed in a 0600 file next to the database
// and stretches it with argon2id. Credentials stay encrypted at rest, but
// their secrecy reduces to file permissions. Prefer keychain.Provider
// where an OS secret store exists.
type localKeyProvider struct {
	path string
}

func (p localKeyProvider) GetOrCreateRootKey(scope string) ([]byte, error) {
	seed, err := os.ReadFile(p.path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		seed = make([]byte, localKeyFileSize)
		if _, err := rand.Read(seed); err != nil {
			return nil, fmt.Errorf("generating local key seed: %w", err)
		}
		if err := os.WriteFile(p.path, seed, 0o600); err != nil {
			return nil, fmt.Errorf("writing local key seed: %w", err)
		}
	case err != nil:
		return nil, fmt.Errorf("reading local key seed: %w", err)
	case len(seed) != localKeyFileSize:
		return nil, fmt.Errorf("local key seed %s has unexpected size %d", p.path, len(seed))
	}

	key := argon2.IDKey([]byte(scope), seed, 1, 64*1024, 4, vault.KeySize)
	vault.Zero(seed)
	return key, nil
}
