package mailwatch

import (
	"errors"
	"log/slog"
	"time"
)

// Config collects all engine tuning. Construct with DefaultConfig and
// override what you need; Build validates the result.
type Config struct {
	Storage  StorageConfig
	Vault    VaultConfig
	Session  SessionConfig
	Poll     PollConfig
	Dispatch DispatchConfig

	// Logger receives structured engine logs. Defaults to slog.Default().
	Logger *slog.Logger
}

/*
====================================
STORAGE CONFIG
====================================
*/

// StorageConfig locates the embedded account database.
type StorageConfig struct {
	// Path of the SQLite database file. ":memory:" is accepted for
	// tests.
	Path string
}

/*
====================================
VAULT CONFIG
====================================
*/

// VaultConfig controls credential encryption.
type VaultConfig struct {
	// KeyScope namespaces the root key in the OS secret store so several
	// installations can coexist.
	KeyScope string
	// LocalKeyPath is where the fallback key salt lives when no
	// RootKeyProvider is configured. Defaults to the database path with a
	// ".key" suffix.
	LocalKeyPath string
}

/*
====================================
SESSION CONFIG
====================================
*/

// SessionConfig controls the session state machine.
type SessionConfig struct {
	// RefreshSkew refreshes the access token when it expires within this
	// window, so polls never run with a token about to lapse.
	RefreshSkew time.Duration
	// SecondFactorAttempts bounds wrong-code retries per login.
	SecondFactorAttempts int
}

/*
====================================
POLL CONFIG
====================================
*/

// PollConfig controls per-account polling and back-off.
type PollConfig struct {
	// BaseInterval between successful checks, unless an account overrides
	// it.
	BaseInterval time.Duration
	// MaxInterval caps the backed-off interval.
	MaxInterval time.Duration
	// CapMultiplier bounds the back-off factor: min(2^failures, cap).
	CapMultiplier int
	// JitterFraction spreads timers by ±this fraction so accounts never
	// retry in lockstep.
	JitterFraction float64
	// FailureVisibilityThreshold is how many consecutive network failures
	// stay silent before an error event is published.
	FailureVisibilityThreshold int
	// CheckTimeout bounds one network round trip.
	CheckTimeout time.Duration
	// MaxConcurrentChecks caps simultaneous network operations across all
	// accounts.
	MaxConcurrentChecks int64
}

/*
====================================
DISPATCH CONFIG
====================================
*/

// DispatchConfig controls event delivery.
type DispatchConfig struct {
	// BufferSize is the per-subscriber event buffer. Publishers block
	// while a buffer is full.
	BufferSize int
}

// DefaultConfig returns the configuration the engine ships with.
func DefaultConfig() Config {
	return Config{
		Storage: StorageConfig{
			Path: "mailwatch.db",
		},
		Vault: VaultConfig{
			KeyScope: "mailwatch",
		},
		Session: SessionConfig{
			RefreshSkew:          time.Minute,
			SecondFactorAttempts: 3,
		},
		Poll: PollConfig{
			BaseInterval:               5 * time.Minute,
			MaxInterval:                time.Hour,
			CapMultiplier:              32,
			JitterFraction:             0.1,
			FailureVisibilityThreshold: 3,
			CheckTimeout:               30 * time.Second,
			MaxConcurrentChecks:        4,
		},
		Dispatch: DispatchConfig{
			BufferSize: 64,
		},
	}
}

// Validate rejects configurations the engine cannot run with.
func (c Config) Validate() error {
	if c.Storage.Path == "" {
		return errors.New("config: storage path required")
	}
	if c.Vault.KeyScope == "" {
		return errors.New("config: vault key scope required")
	}
	if c.Session.RefreshSkew < 0 {
		return errors.New("config: refresh skew must not be negative")
	}
	if c.Session.SecondFactorAttempts < 1 {
		return errors.New("config: second factor attempts must be at least 1")
	}
	if c.Poll.BaseInterval <= 0 {
		return errors.New("config: base poll interval must be positive")
	}
	if c.Poll.MaxInterval < c.Poll.BaseInterval {
		return errors.New("config: max poll interval must be at least the base interval")
	}
	if c.Poll.CapMultiplier < 1 {
		return errors.New("config: back-off cap multiplier must be at least 1")
	}
	if c.Poll.JitterFraction < 0 || c.Poll.JitterFraction >= 1 {
		return errors.New("config: jitter fraction must be in [0, 1)")
	}
	if c.Poll.MaxConcurrentChecks < 1 {
		return errors.New("config: max concurrent checks must be at least 1")
	}
	if c.Dispatch.BufferSize < 1 {
		return errors.New("config: dispatch buffer size must be at least 1")
	}
	return nil
}
