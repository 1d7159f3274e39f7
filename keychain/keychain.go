// Package keychain stores the vault root key in the operating system's
// native credential store. It is the recommended RootKeyProvider for
// desktop deployments; the engine falls back to a local key file when no
// system store is reachable.
package keychain

import (
	"crypto/rand"
	"errors"
	"fmt"

	"github.com/99designs/keyring"

	"github.com/mailwatch/mailwatch/internal/vault"
)

// Provider resolves root keys through the system keyring. The zero value
// is not usable; construct with New.
type Provider struct {
	service string
	fileDir string
}

// Option adjusts a Provider.
type Option func(*Provider)

// WithFileDir sets the directory used by the encrypted-file fallback
// backend on platforms without a native store.
func WithFileDir(dir string) Option {
	return func(p *Provider) { p.fileDir = dir }
}

// New creates a Provider registering keys under the given service name.
func New(service string, opts ...Option) (*Provider, error) {
	if service == "" {
		return nil, errors.New("keychain: service name required")
	}
	p := &Provider{service: service}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

func (p *Provider) open() (keyring.Keyring, error) {
	ring, err := keyring.Open(keyring.Config{
		ServiceName: p.service,
		AllowedBackends: []keyring.BackendType{
			keyring.KeychainBackend,
			keyring.SecretServiceBackend,
			keyring.WinCredBackend,
			keyring.PassBackend,
			keyring.FileBackend,
		},
		FileDir:                  p.fileDir,
		FilePasswordFunc:         keyring.FixedStringPrompt(p.service + "-file-key"),
		KeychainTrustApplication: true,
	})
	if err != nil {
		return nil, fmt.Errorf("opening keyring: %w", err)
	}
	return ring, nil
}

// GetOrCreateRootKey returns the root key stored under scope, generating
// and persisting a fresh one on first use.
func (p *Provider) GetOrCreateRootKey(scope string) ([]byte, error) {
	ring, err := p.open()
	if err != nil {
		return nil, err
	}

	item, err := ring.Get(scope)
	if err == nil {
		if len(item.Data) != vault.KeySize {
			return nil, fmt.Errorf("keychain: stored key for %q has wrong size %d", scope, len(item.Data))
		}
		return item.Data, nil
	}
	if !errors.Is(err, keyring.ErrKeyNotFound) {
		return nil, fmt.Errorf("reading key %q: %w", scope, err)
	}

	key := make([]byte, vault.KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("generating root key: %w", err)
	}
	if err := ring.Set(keyring.Item{
		Key:         scope,
		Data:        key,
		Label:       p.service + " vault key",
		Description: "root key for encrypted account credentials",
	}); err != nil {
		return nil, fmt.Errorf("storing key %q: %w", scope, err)
	}
	return key, nil
}

// DeleteRootKey removes the stored key for scope. Blobs sealed under it
// become unrecoverable.
func (p *Provider) DeleteRootKey(scope string) error {
	ring, err := p.open()
	if err != nil {
		return err
	}
	if err := ring.Remove(scope); err != nil && !errors.Is(err, keyring.ErrKeyNotFound) {
		return fmt.Errorf("removing key %q: %w", scope, err)
	}
	return nil
}
