package mailwatch

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/mailwatch/mailwatch/client"
	"github.com/mailwatch/mailwatch/internal/dispatch"
	"github.com/mailwatch/mailwatch/internal/registry"
	"github.com/mailwatch/mailwatch/internal/scheduler"
	"github.com/mailwatch/mailwatch/internal/session"
	"github.com/mailwatch/mailwatch/internal/vault"
)

// Builder assembles an Engine. Construction is allocation-only until
// Build, which opens the database, obtains the root key, and starts the
// reactive loops.
type Builder struct {
	config  Config
	client  client.Client
	rootKey RootKeyProvider

	built bool
}

// New returns a Builder preloaded with DefaultConfig.
func New() *Builder {
	return &Builder{config: DefaultConfig()}
}

// WithConfig replaces the entire configuration.
func (b *Builder) WithConfig(cfg Config) *Builder {
	b.config = cfg
	return b
}

// WithClient sets the remote-service client. Required.
func (b *Builder) WithClient(c client.Client) *Builder {
	b.client = c
	return b
}

// WithRootKeyProvider sets the source of the vault root key, typically
// keychain.Provider. Without one the engine derives a key locally.
func (b *Builder) WithRootKeyProvider(p RootKeyProvider) *Builder {
	b.rootKey = p
	return b
}

// WithLogger sets the structured logger.
func (b *Builder) WithLogger(l *slog.Logger) *Builder {
	b.config.Logger = l
	return b
}

// Build validates the configuration, opens all resources, and returns a
// running Engine. A Builder can build at most once.
func (b *Builder) Build() (*Engine, error) {
	if b.built {
		return nil, errors.New("builder already used")
	}
	if b.client == nil {
		return nil, errors.New("client required")
	}

	cfg := b.config
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	keyProvider := b.rootKey
	if keyProvider == nil {
		keyPath := cfg.Vault.LocalKeyPath
		if keyPath == "" {
			keyPath = cfg.Storage.Path + ".key"
		}
		logger.Info("no root key provider configured, deriving local key", "path", keyPath)
		keyProvider = localKeyProvider{path: keyPath}
	}

	rootKey, err := keyProvider.GetOrCreateRootKey(cfg.Vault.KeyScope)
	if err != nil {
		return nil, fmt.Errorf("obtaining root key: %w", err)
	}
	v, err := vault.New(rootKey)
	vault.Zero(rootKey)
	if err != nil {
		return nil, err
	}

	reg, err := registry.Open(cfg.Storage.Path)
	if err != nil {
		return nil, err
	}

	events := dispatch.New(cfg.Dispatch.BufferSize)
	sessions := session.NewManager(reg, v, b.client, events, session.Config{
		RefreshSkew:          cfg.Session.RefreshSkew,
		SecondFactorAttempts: cfg.Session.SecondFactorAttempts,
	}, logger)
	sched := scheduler.New(sessions, b.client, events, scheduler.Config{
		BaseInterval:               cfg.Poll.BaseInterval,
		MaxInterval:                cfg.Poll.MaxInterval,
		CapMultiplier:              cfg.Poll.CapMultiplier,
		JitterFraction:             cfg.Poll.JitterFraction,
		FailureVisibilityThreshold: cfg.Poll.FailureVisibilityThreshold,
		CheckTimeout:               cfg.Poll.CheckTimeout,
		MaxConcurrentChecks:        cfg.Poll.MaxConcurrentChecks,
	}, logger)

	e := &Engine{
		config:    cfg,
		logger:    logger,
		vault:     v,
		registry:  reg,
		sessions:  sessions,
		scheduler: sched,
		events:    events,
	}

	if err := e.start(); err != nil {
		sched.Close()
		events.Close()
		reg.Close()
		return nil, err
	}

	b.built = true
	return e, nil
}
