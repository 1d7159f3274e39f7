package mailwatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/mailwatch/mailwatch/internal/dispatch"
	"github.com/mailwatch/mailwatch/internal/registry"
	"github.com/mailwatch/mailwatch/internal/scheduler"
	"github.com/mailwatch/mailwatch/internal/session"
	"github.com/mailwatch/mailwatch/internal/vault"
)

// Engine is the explicit handle owning every component: vault, registry,
// session machines, poll scheduler, and the event dispatcher. Construct
// one through [Builder.Build], share it by reference, and release it with
// Close. All methods are safe for concurrent use.
type Engine struct {
	config    Config
	logger    *slog.Logger
	vault     *vault.Vault
	registry  *registry.Registry
	sessions  *session.Manager
	scheduler *scheduler.Scheduler
	events    *dispatch.Dispatcher

	watcher     *registry.Watcher
	watchCtx    context.Context
	watchCancel context.CancelFunc
	wg          sync.WaitGroup

	// removing holds accounts mid-removal so the watch loop does not
	// restart their poll loop off the registry writes removal performs.
	removingMu sync.Mutex
	removing   map[string]struct{}

	closed    atomic.Bool
	closeOnce sync.Once
}

// start activates polling for persisted accounts and begins reacting to
// registry changes. Called once from Build.
func (e *Engine) start() error {
	ctx := context.Background()
	e.removing = make(map[string]struct{})

	if stored, err := e.registry.DefaultPollInterval(ctx); err == nil && stored > 0 {
		e.scheduler.SetBaseInterval(stored)
	}

	accounts, err := e.registry.List(ctx)
	if err != nil {
		return fmt.Errorf("loading accounts: %w", err)
	}

	e.watcher = e.registry.Watch(16)
	e.watchCtx, e.watchCancel = context.WithCancel(context.Background())
	e.wg.Add(1)
	go e.watchLoop()

	for _, a := range accounts {
		if a.Enabled {
			e.scheduler.Start(a)
		}
	}
	return nil
}

// watchLoop turns committed registry changes into scheduler activity and
// lifecycle events. It is the single place where account add/remove is
// announced, so subscribers see exactly one event per mutation.
func (e *Engine) watchLoop() {
	defer e.wg.Done()
	// Cancelled during Close so a publish blocked on a full subscriber
	// cannot stall shutdown.
	ctx := e.watchCtx

	for change := range e.watcher.C() {
		a := change.Account
		switch change.Op {
		case registry.OpAdded:
			if a.Enabled {
				e.scheduler.Start(a)
			}
			e.publish(ctx, a, EventAccountAdded, "", 0)

		case registry.OpUpdated:
			if e.isRemoving(a.ID) {
				continue
			}
			if a.Enabled {
				e.scheduler.Start(a)
				e.scheduler.Update(a)
			} else {
				e.scheduler.Stop(a.ID)
			}

		case registry.OpRemoved:
			// RemoveAccount tore the loop and session down already; the
			// Stop here only catches a loop revived by an update change
			// that was queued before removal began.
			e.setRemoving(a.ID, false)
			e.scheduler.Stop(a.ID)
			e.sessions.Drop(a.ID)
			e.publish(ctx, a, EventAccountRemoved, "", 0)
		}
	}
}

// Close shuts the engine down: scheduler loops drain, the dispatcher
// closes every subscription, and the database is released. Safe to call
// more than once.
func (e *Engine) Close() error {
	var err error
	e.closeOnce.Do(func() {
		e.closed.Store(true)
		e.watcher.Close()
		e.watchCancel()
		e.wg.Wait()
		e.scheduler.Close()
		e.sessions.Shutdown()
		e.events.Close()
		err = e.registry.Close()
	})
	return err
}

// AddAccount registers a new account and, when enabled, activates its
// polling loop. The returned Account carries the generated ID.
func (e *Engine) AddAccount(ctx context.Context, req AddAccountRequest) (Account, error) {
	if e.closed.Load() {
		return Account{}, ErrEngineClosed
	}
	if req.Email == "" {
		return Account{}, errors.New("account email required")
	}
	if req.Endpoint == "" {
		return Account{}, errors.New("account endpoint required")
	}

	a := registry.Account{
		ID:           uuid.NewString(),
		Email:        req.Email,
		Endpoint:     req.Endpoint,
		DisplayName:  req.DisplayName,
		Enabled:      true,
		PollInterval: req.PollInterval,
	}
	if err := e.registry.Insert(ctx, &a); err != nil {
		return Account{}, err
	}
	return a, nil
}

// RemoveAccount logs the account out (best effort), tears down its
// polling loop and session synchronously, and deletes the row. When the
// call returns no further events are emitted for the account except the
// final removal announcement.
func (e *Engine) RemoveAccount(ctx context.Context, id string) error {
	if e.closed.Load() {
		return ErrEngineClosed
	}
	a, err := e.registry.Get(ctx, id)
	if err != nil {
		return err
	}

	e.setRemoving(id, true)
	e.scheduler.Stop(id)

	// Remote revocation is best effort, mirroring logout-before-delete;
	// a busy machine means a transition is mid-flight, which the
	// subsequent Drop waits out.
	if err := e.sessions.Logout(ctx, a); err != nil &&
		!errors.Is(err, ErrNoSession) && !errors.Is(err, ErrBusy) {
		e.logger.Warn("logout before removal failed", "account", id, "error", err)
	}
	e.sessions.Drop(id)

	if err := e.registry.Delete(ctx, id); err != nil {
		e.setRemoving(id, false)
		return err
	}
	return nil
}

func (e *Engine) setRemoving(id string, on bool) {
	e.removingMu.Lock()
	defer e.removingMu.Unlock()
	if on {
		e.removing[id] = struct{}{}
	} else {
		delete(e.removing, id)
	}
}

func (e *Engine) isRemoving(id string) bool {
	e.removingMu.Lock()
	defer e.removingMu.Unlock()
	_, ok := e.removing[id]
	return ok
}

// Login authenticates an account. ErrSecondFactorRequired means the
// protocol paused in AwaitingSecondFactor; finish with
// SubmitSecondFactor. On success the account's polling resumes
// immediately.
func (e *Engine) Login(ctx context.Context, id, password string) error {
	if e.closed.Load() {
		return ErrEngineClosed
	}
	a, err := e.registry.Get(ctx, id)
	if err != nil {
		return err
	}

	if err := e.sessions.Login(ctx, a, password); err != nil {
		return err
	}
	e.resumePolling(id)
	return nil
}

// SubmitSecondFactor completes a login waiting on a second factor.
func (e *Engine) SubmitSecondFactor(ctx context.Context, id, code string) error {
	if e.closed.Load() {
		return ErrEngineClosed
	}
	if err := e.sessions.SubmitSecondFactor(ctx, id, code); err != nil {
		return err
	}
	e.resumePolling(id)
	return nil
}

// Logout revokes the account's session remotely (best effort) and always
// clears local material. A logout overlapping another transition returns
// ErrBusy.
func (e *Engine) Logout(ctx context.Context, id string) error {
	if e.closed.Load() {
		return ErrEngineClosed
	}
	a, err := e.registry.Get(ctx, id)
	if err != nil {
		return err
	}
	return e.sessions.Logout(ctx, a)
}

// SetPollInterval overrides one account's poll interval. Zero restores
// the engine default.
func (e *Engine) SetPollInterval(ctx context.Context, id string, interval time.Duration) error {
	if e.closed.Load() {
		return ErrEngineClosed
	}
	if interval < 0 {
		return errors.New("poll interval must not be negative")
	}
	return e.registry.SetPollInterval(ctx, id, interval)
}

// SetDefaultPollInterval changes the engine-wide base interval and
// persists it for future runs.
func (e *Engine) SetDefaultPollInterval(ctx context.Context, interval time.Duration) error {
	if e.closed.Load() {
		return ErrEngineClosed
	}
	if interval <= 0 {
		return errors.New("poll interval must be positive")
	}
	if err := e.registry.SetDefaultPollInterval(ctx, interval); err != nil {
		return err
	}
	e.scheduler.SetBaseInterval(interval)
	return nil
}

// SetEnabled starts or stops polling for one account without touching
// its stored session.
func (e *Engine) SetEnabled(ctx context.Context, id string, enabled bool) error {
	if e.closed.Load() {
		return ErrEngineClosed
	}
	return e.registry.SetEnabled(ctx, id, enabled)
}

// PollNow checks one account immediately, outside its timer.
func (e *Engine) PollNow(ctx context.Context, id string) error {
	if e.closed.Load() {
		return ErrEngineClosed
	}
	err := e.scheduler.PollNow(ctx, id)
	if errors.Is(err, scheduler.ErrNotScheduled) {
		return fmt.Errorf("account %s: polling not active", id)
	}
	return err
}

// Accounts lists all registered accounts, without secrets.
func (e *Engine) Accounts(ctx context.Context) ([]Account, error) {
	if e.closed.Load() {
		return nil, ErrEngineClosed
	}
	return e.registry.List(ctx)
}

// Account fetches one account by ID.
func (e *Engine) Account(ctx context.Context, id string) (Account, error) {
	if e.closed.Load() {
		return Account{}, ErrEngineClosed
	}
	return e.registry.Get(ctx, id)
}

// SessionState reports the live session state for one account.
func (e *Engine) SessionState(id string) SessionState {
	return e.sessions.State(id)
}

// SubscribeEvents returns a subscription that receives every event
// published after this call, in publication order.
func (e *Engine) SubscribeEvents() *Subscription {
	return e.events.Subscribe()
}

// RotateVaultKey makes newKey the active sealing key. Existing blobs stay
// openable under the key history and are re-sealed lazily on next use.
func (e *Engine) RotateVaultKey(newKey []byte) error {
	if e.closed.Load() {
		return ErrEngineClosed
	}
	return e.vault.Rotate(newKey)
}

// RevokeVaultKeys destroys all vault key material. Every credential
// operation afterwards fails with ErrVaultLocked; this is deliberate and
// irreversible for the process lifetime.
func (e *Engine) RevokeVaultKeys() {
	e.vault.Revoke()
}

func (e *Engine) resumePolling(id string) {
	if err := e.scheduler.Resume(id); err != nil {
		// Account disabled or not yet scheduled; nothing to resume.
		e.logger.Debug("resume skipped", "account", id, "error", err)
	}
}

func (e *Engine) publish(ctx context.Context, a registry.Account, kind EventKind, detail string, count int) {
	e.events.Publish(ctx, dispatch.Event{
		AccountID: a.ID,
		Email:     a.Email,
		Kind:      kind,
		Count:     count,
		Detail:    detail,
		Time:      time.Now().UTC(),
	})
}
