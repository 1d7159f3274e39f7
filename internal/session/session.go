// Package session drives the per-account login/refresh/logout protocol
// and owns all plaintext credential handling. Exactly one machine exists
// per account, and at most one transition runs at a time on it; callers
// that hit a machine mid-transition queue on its mutex, except logout,
// which refuses to wait.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mailwatch/mailwatch/client"
	"github.com/mailwatch/mailwatch/internal/dispatch"
	"github.com/mailwatch/mailwatch/internal/registry"
	"github.com/mailwatch/mailwatch/internal/vault"
)

var (
	// ErrBusy is returned by Logout when another transition is in flight
	// for the same account.
	ErrBusy = errors.New("session transition in flight")
	// ErrNoSession is returned by Token when the account holds no usable
	// session material.
	ErrNoSession = errors.New("no session for account")
	// ErrSecondFactorRequired is returned by Login when the service asked
	// for a second factor; complete it with SubmitSecondFactor.
	ErrSecondFactorRequired = errors.New("second factor required")
	// ErrSecondFactorAttempts is returned once the bounded retry budget
	// for a second-factor ticket is exhausted.
	ErrSecondFactorAttempts = errors.New("second factor attempts exceeded")
	// ErrNotAwaitingSecondFactor is returned by SubmitSecondFactor when no
	// ticket is pending.
	ErrNotAwaitingSecondFactor = errors.New("no second factor pending")
)

// State is a session machine state.
type State int

const (
	LoggedOut State = iota
	Authenticating
	AwaitingSecondFactor
	Authenticated
	Refreshing
	Expired
)

func (s State) String() string {
	switch s {
	case LoggedOut:
		return "logged_out"
	case Authenticating:
		return "authenticating"
	case AwaitingSecondFactor:
		return "awaiting_second_factor"
	case Authenticated:
		return "authenticated"
	case Refreshing:
		return "refreshing"
	case Expired:
		return "expired"
	}
	return "unknown"
}

// Config tunes the session layer.
type Config struct {
	// RefreshSkew triggers a refresh when the access token expires within
	// this window.
	RefreshSkew time.Duration
	// SecondFactorAttempts bounds wrong-code retries per ticket.
	SecondFactorAttempts int
}

// credentialBlob is the plaintext layout sealed into the vault. It exists
// only transiently in memory and is zeroed after use.
type credentialBlob struct {
	Email     string    `json:"email"`
	Access    string    `json:"access"`
	Refresh   string    `json:"refresh"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Manager owns one state machine per account.
type Manager struct {
	reg    *registry.Registry
	vault  *vault.Vault
	client client.Client
	events *dispatch.Dispatcher
	cfg    Config
	logger *slog.Logger

	mu       sync.Mutex
	machines map[string]*machine
}

// NewManager wires the session layer to its collaborators.
func NewManager(reg *registry.Registry, v *vault.Vault, c client.Client, events *dispatch.Dispatcher, cfg Config, logger *slog.Logger) *Manager {
	if cfg.SecondFactorAttempts < 1 {
		cfg.SecondFactorAttempts = 3
	}
	if cfg.RefreshSkew <= 0 {
		cfg.RefreshSkew = time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		reg:      reg,
		vault:    v,
		client:   c,
		events:   events,
		cfg:      cfg,
		logger:   logger,
		machines: make(map[string]*machine),
	}
}

type machine struct {
	mu sync.Mutex // serializes transitions; waiters queue here

	account registry.Account // guarded by mu; refresh via adopt
	token   client.Token

	// stateMu lets State read without queueing behind a transition that
	// holds mu across a network call. state is written with both held.
	stateMu sync.Mutex
	state   State

	ticket          string
	ticketExpiresAt time.Time
	attemptsLeft    int
}

// adopt refreshes the machine's account snapshot. Runs with mu held.
func (mc *machine) adopt(account registry.Account) {
	mc.account = account
}

// setStateLocked runs with mu held.
func (mc *machine) setStateLocked(next State) {
	mc.stateMu.Lock()
	mc.state = next
	mc.stateMu.Unlock()
}

// machineFor returns the machine for an account, creating it from the
// persisted state tag on first use. The caller refreshes the account
// snapshot under the machine lock; taking it here would stall every
// Manager call behind an in-flight transition.
func (m *Manager) machineFor(account registry.Account) *machine {
	m.mu.Lock()
	defer m.mu.Unlock()
	if mc, ok := m.machines[account.ID]; ok {
		return mc
	}

	mc := &machine{account: account, state: LoggedOut}
	if account.LoggedIn {
		// Token material is loaded lazily from the sealed blob.
		mc.state = Authenticated
	}
	m.machines[account.ID] = mc
	return mc
}

// State reports the current machine state for an account, LoggedOut when
// the account has no machine yet.
func (m *Manager) State(accountID string) State {
	m.mu.Lock()
	mc, ok := m.machines[accountID]
	m.mu.Unlock()
	if !ok {
		return LoggedOut
	}
	mc.stateMu.Lock()
	defer mc.stateMu.Unlock()
	return mc.state
}

// Login runs the authentication protocol for one account. On success the
// token is sealed and persisted. A NeedSecondFactor outcome parks the
// machine in AwaitingSecondFactor and returns ErrSecondFactorRequired.
func (m *Manager) Login(ctx context.Context, account registry.Account, password string) error {
	mc := m.machineFor(account)
	mc.mu.Lock()
	defer mc.mu.Unlock()
	mc.adopt(account)

	if mc.state == Authenticated && mc.token.Valid(time.Now()) {
		// A queued duplicate login; the first one already won.
		return nil
	}

	m.setState(ctx, mc, Authenticating)

	result, err := m.client.Login(ctx, account.Endpoint, account.Email, password)
	if err != nil {
		m.setState(ctx, mc, LoggedOut)
		if errors.Is(err, client.ErrInvalidCredentials) {
			m.emit(ctx, mc, dispatch.KindError, "invalid credentials", 0)
		}
		return fmt.Errorf("login for %s: %w", account.Email, err)
	}

	if result.SecondFactor {
		mc.ticket = result.Ticket
		mc.ticketExpiresAt = result.TicketExpiresAt
		mc.attemptsLeft = m.cfg.SecondFactorAttempts
		m.setState(ctx, mc, AwaitingSecondFactor)
		if err := m.reg.SetStateTag(ctx, mc.account.ID, registry.TagAwaitingSecondFactor); err != nil {
			m.logger.Warn("persisting state tag failed", "account", mc.account.Email, "error", err)
		}
		m.emit(ctx, mc, dispatch.KindAuthRequired, "second factor required", 0)
		return ErrSecondFactorRequired
	}

	return m.completeLogin(ctx, mc, result.Token)
}

// SubmitSecondFactor completes a pending second-factor challenge. Wrong
// codes consume one attempt each; exhausting the budget or letting the
// ticket lapse drops the machine back to LoggedOut.
func (m *Manager) SubmitSecondFactor(ctx context.Context, accountID, code string) error {
	mc := m.lookup(accountID)
	if mc == nil {
		return ErrNotAwaitingSecondFactor
	}
	mc.mu.Lock()
	defer mc.mu.Unlock()

	if mc.state != AwaitingSecondFactor {
		return ErrNotAwaitingSecondFactor
	}
	if !mc.ticketExpiresAt.IsZero() && time.Now().After(mc.ticketExpiresAt) {
		m.abandonSecondFactor(ctx, mc, "second factor ticket expired")
		return client.ErrTicketExpired
	}

	result, err := m.client.SubmitSecondFactor(ctx, mc.account.Endpoint, mc.ticket, code)
	switch {
	case err == nil:
		return m.completeLogin(ctx, mc, result.Token)

	case errors.Is(err, client.ErrSecondFactorRejected):
		mc.attemptsLeft--
		if mc.attemptsLeft > 0 {
			return fmt.Errorf("second factor for %s: %w", mc.account.Email, err)
		}
		m.abandonSecondFactor(ctx, mc, "second factor attempts exceeded")
		return ErrSecondFactorAttempts

	case errors.Is(err, client.ErrTicketExpired):
		m.abandonSecondFactor(ctx, mc, "second factor ticket expired")
		return fmt.Errorf("second factor for %s: %w", mc.account.Email, err)

	default:
		// Transient failure; the attempt is not consumed.
		return fmt.Errorf("second factor for %s: %w", mc.account.Email, err)
	}
}

// completeLogin runs with the machine lock held.
func (m *Manager) completeLogin(ctx context.Context, mc *machine, token client.Token) error {
	fillExpiry(&token)
	if err := m.persistToken(ctx, mc, token); err != nil {
		m.setState(ctx, mc, LoggedOut)
		return err
	}
	mc.token = token
	mc.ticket = ""
	mc.attemptsLeft = 0
	m.setState(ctx, mc, Authenticated)
	return nil
}

// Token returns a valid access token for the account, refreshing first
// when the current one is stale. It is the scheduler's entry point before
// every check.
func (m *Manager) Token(ctx context.Context, account registry.Account) (client.Token, error) {
	mc := m.machineFor(account)
	mc.mu.Lock()
	defer mc.mu.Unlock()
	mc.adopt(account)

	switch mc.state {
	case Authenticated:
	case Expired, LoggedOut, AwaitingSecondFactor:
		return client.Token{}, ErrNoSession
	default:
		return client.Token{}, ErrBusy
	}

	if mc.token.Access == "" {
		token, err := m.loadToken(ctx, mc)
		if err != nil {
			return client.Token{}, err
		}
		mc.token = token
	}

	now := time.Now()
	if mc.token.Valid(now.Add(m.cfg.RefreshSkew)) {
		return mc.token, nil
	}
	return m.refresh(ctx, mc)
}

// refresh runs with the machine lock held.
func (m *Manager) refresh(ctx context.Context, mc *machine) (client.Token, error) {
	m.setState(ctx, mc, Refreshing)

	token, err := m.client.Refresh(ctx, mc.account.Endpoint, mc.token)
	if err != nil {
		if errors.Is(err, client.ErrTokenExpired) {
			// Terminal for the session, not the account: refresh material
			// is cleared, the account row stays.
			mc.token = client.Token{}
			m.setState(ctx, mc, Expired)
			if serr := m.reg.ClearCredentials(ctx, mc.account.ID, registry.TagExpired); serr != nil {
				m.logger.Error("clearing expired session failed", "account", mc.account.Email, "error", serr)
			}
			m.emit(ctx, mc, dispatch.KindSessionExpired, "session refresh rejected", 0)
			m.emit(ctx, mc, dispatch.KindAuthRequired, "re-authentication required", 0)
			return client.Token{}, fmt.Errorf("refresh for %s: %w", mc.account.Email, err)
		}

		// Transient: keep the stale token and stay authenticated so the
		// next tick retries.
		m.setState(ctx, mc, Authenticated)
		return client.Token{}, fmt.Errorf("refresh for %s: %w", mc.account.Email, err)
	}

	fillExpiry(&token)
	if err := m.persistToken(ctx, mc, token); err != nil {
		m.setState(ctx, mc, Authenticated)
		return client.Token{}, err
	}
	mc.token = token
	m.setState(ctx, mc, Authenticated)
	return token, nil
}

// Logout revokes the session remotely (best effort) and always clears
// local material, including sealed refresh material persisted by an
// earlier process. Overlapping transitions are rejected with ErrBusy
// rather than queued.
func (m *Manager) Logout(ctx context.Context, account registry.Account) error {
	mc := m.machineFor(account)
	if !mc.mu.TryLock() {
		return ErrBusy
	}
	defer mc.mu.Unlock()
	mc.adopt(account)

	if mc.state == LoggedOut || mc.state == Expired {
		return ErrNoSession
	}

	token := mc.token
	if token.Access == "" && mc.state == Authenticated {
		if loaded, err := m.loadToken(ctx, mc); err == nil {
			token = loaded
		}
	}

	if token.Access != "" {
		// Local security wins over remote cleanliness: revocation failure
		// is logged and cleanup continues.
		if err := m.client.Logout(ctx, mc.account.Endpoint, token); err != nil {
			m.logger.Warn("remote logout failed", "account", mc.account.Email, "error", err)
		}
	}

	if err := m.reg.ClearCredentials(ctx, mc.account.ID, registry.TagLoggedOut); err != nil {
		return fmt.Errorf("clearing credentials for %s: %w", mc.account.Email, err)
	}
	mc.token = client.Token{}
	mc.ticket = ""
	m.setState(ctx, mc, LoggedOut)
	m.emit(ctx, mc, dispatch.KindAccountLoggedOut, "", 0)
	return nil
}

// Drop waits for any in-flight transition and discards the machine. Used
// during account removal; no events are emitted for the account after it
// returns.
func (m *Manager) Drop(accountID string) {
	m.mu.Lock()
	mc, ok := m.machines[accountID]
	if ok {
		delete(m.machines, accountID)
	}
	m.mu.Unlock()
	if !ok {
		return
	}

	mc.mu.Lock()
	mc.token = client.Token{}
	mc.ticket = ""
	mc.setStateLocked(LoggedOut)
	mc.mu.Unlock()
}

// Shutdown discards every machine, clearing in-memory token material.
// Persisted state is untouched; sessions rebuild from the registry on
// the next start.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	machines := m.machines
	m.machines = make(map[string]*machine)
	m.mu.Unlock()

	for _, mc := range machines {
		mc.mu.Lock()
		mc.token = client.Token{}
		mc.ticket = ""
		mc.setStateLocked(LoggedOut)
		mc.mu.Unlock()
	}
}

func (m *Manager) lookup(accountID string) *machine {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.machines[accountID]
}

// loadToken opens the sealed blob for the machine's account. Plaintext is
// zeroed before returning.
func (m *Manager) loadToken(ctx context.Context, mc *machine) (client.Token, error) {
	blob, err := m.reg.Credentials(ctx, mc.account.ID)
	if err != nil {
		return client.Token{}, err
	}
	if blob == nil {
		return client.Token{}, ErrNoSession
	}

	plaintext, err := m.vault.Open(blob)
	if err != nil {
		return client.Token{}, fmt.Errorf("opening credentials for %s: %w", mc.account.Email, err)
	}
	defer vault.Zero(plaintext)

	var cb credentialBlob
	if err := json.Unmarshal(plaintext, &cb); err != nil {
		return client.Token{}, fmt.Errorf("decoding credentials for %s: %w", mc.account.Email, vault.ErrDecryptFailed)
	}

	token := client.Token{Access: cb.Access, Refresh: cb.Refresh, ExpiresAt: cb.ExpiresAt}

	// Lazy re-seal after a key rotation.
	if m.vault.NeedsReseal(blob) {
		if err := m.persistToken(ctx, mc, token); err != nil {
			m.logger.Warn("re-sealing credentials failed", "account", mc.account.Email, "error", err)
		}
	}
	return token, nil
}

// persistToken seals the token and writes blob + state tag in one
// transaction.
func (m *Manager) persistToken(ctx context.Context, mc *machine, token client.Token) error {
	plaintext, err := json.Marshal(credentialBlob{
		Email:     mc.account.Email,
		Access:    token.Access,
		Refresh:   token.Refresh,
		ExpiresAt: token.ExpiresAt,
	})
	if err != nil {
		return fmt.Errorf("encoding credentials for %s: %w", mc.account.Email, err)
	}
	defer vault.Zero(plaintext)

	blob, err := m.vault.Seal(plaintext)
	if err != nil {
		return fmt.Errorf("sealing credentials for %s: %w", mc.account.Email, err)
	}
	if err := m.reg.SetCredentials(ctx, mc.account.ID, blob, registry.TagAuthenticated); err != nil {
		return fmt.Errorf("storing credentials for %s: %w", mc.account.Email, err)
	}
	return nil
}

// setState runs with the machine lock held and emits one event per
// transition.
func (m *Manager) setState(ctx context.Context, mc *machine, next State) {
	if mc.state == next {
		return
	}
	mc.setStateLocked(next)
	m.emit(ctx, mc, dispatch.KindAccountUpdated, next.String(), 0)
}

func (m *Manager) emit(ctx context.Context, mc *machine, kind dispatch.Kind, detail string, count int) {
	m.events.Publish(ctx, dispatch.Event{
		AccountID: mc.account.ID,
		Email:     mc.account.Email,
		Kind:      kind,
		Count:     count,
		Detail:    detail,
		Time:      time.Now().UTC(),
	})
}

func (m *Manager) abandonSecondFactor(ctx context.Context, mc *machine, detail string) {
	mc.ticket = ""
	mc.attemptsLeft = 0
	m.setState(ctx, mc, LoggedOut)
	if err := m.reg.SetStateTag(ctx, mc.account.ID, registry.TagLoggedOut); err != nil {
		m.logger.Warn("persisting state tag failed", "account", mc.account.Email, "error", err)
	}
	m.emit(ctx, mc, dispatch.KindError, detail, 0)
}
