package mailwatch

import (
	"errors"

	"github.com/mailwatch/mailwatch/client"
	"github.com/mailwatch/mailwatch/internal/registry"
	"github.com/mailwatch/mailwatch/internal/session"
	"github.com/mailwatch/mailwatch/internal/vault"
)

var (
	// ErrAccountNotFound means no account has the given ID.
	ErrAccountNotFound = registry.ErrNotFound
	// ErrAccountExists means the email/endpoint pair is already registered.
	ErrAccountExists = registry.ErrExists

	// ErrDecryptFailed means a credential blob failed authentication.
	// Vault failures are fatal to the operation and never retried.
	ErrDecryptFailed = vault.ErrDecryptFailed
	// ErrVaultLocked means the vault key material has been revoked.
	ErrVaultLocked = vault.ErrLocked

	// ErrInvalidCredentials is the remote service rejecting the password.
	ErrInvalidCredentials = client.ErrInvalidCredentials
	// ErrSecondFactorRequired means login needs SubmitSecondFactor to finish.
	ErrSecondFactorRequired = session.ErrSecondFactorRequired
	// ErrSecondFactorRejected is a wrong second-factor code.
	ErrSecondFactorRejected = client.ErrSecondFactorRejected
	// ErrSecondFactorAttempts means the retry budget for a ticket ran out
	// and the session dropped back to logged out.
	ErrSecondFactorAttempts = session.ErrSecondFactorAttempts
	// ErrSessionExpired means the stored session was rejected and cannot
	// be refreshed; the account stays registered.
	ErrSessionExpired = client.ErrTokenExpired

	// ErrBusy rejects a logout that overlaps another transition.
	ErrBusy = session.ErrBusy
	// ErrNoSession means the account holds no session material.
	ErrNoSession = session.ErrNoSession

	// ErrEngineClosed is returned by all Engine methods after Close.
	ErrEngineClosed = errors.New("engine closed")
)

// IsNetworkError reports whether err stems from a transport failure that
// the engine retries with back-off.
func IsNetworkError(err error) bool {
	return client.IsNetworkError(err)
}
