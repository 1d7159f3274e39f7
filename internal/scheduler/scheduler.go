// Package scheduler runs one polling loop per enabled account. Every loop
// keeps its own back-off state and can be cancelled, resumed, or poked
// for an immediate check without touching any other account. A shared
// weighted semaphore caps how many network operations run at once.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/mailwatch/mailwatch/client"
	"github.com/mailwatch/mailwatch/internal/dispatch"
	"github.com/mailwatch/mailwatch/internal/registry"
	"github.com/mailwatch/mailwatch/internal/session"
	"github.com/mailwatch/mailwatch/internal/vault"
)

// ErrNotScheduled is returned by PollNow and Resume when no loop exists
// for the account.
var ErrNotScheduled = errors.New("account not scheduled")

// Config tunes polling behavior. Zero values fall back to the defaults
// applied in New.
type Config struct {
	BaseInterval time.Duration
	MaxInterval  time.Duration
	// CapMultiplier bounds the back-off factor: the interval scales by
	// min(2^failures, CapMultiplier).
	CapMultiplier int
	// JitterFraction spreads timers by ±this fraction of the interval.
	JitterFraction float64
	// FailureVisibilityThreshold is how many consecutive network failures
	// pass silently before an error event is published.
	FailureVisibilityThreshold int
	CheckTimeout               time.Duration
	MaxConcurrentChecks        int64
}

// Scheduler owns all per-account polling loops.
type Scheduler struct {
	sessions *session.Manager
	client   client.Client
	events   *dispatch.Dispatcher
	cfg      Config
	logger   *slog.Logger
	sem      *semaphore.Weighted

	// base is the engine-wide default interval, read by every loop
	// goroutine and adjustable at runtime.
	base atomic.Int64

	mu     sync.Mutex
	loops  map[string]*loop
	closed bool
	wg     sync.WaitGroup
}

// New creates a Scheduler. Loops start individually via Start.
func New(sessions *session.Manager, c client.Client, events *dispatch.Dispatcher, cfg Config, logger *slog.Logger) *Scheduler {
	if cfg.BaseInterval <= 0 {
		cfg.BaseInterval = 5 * time.Minute
	}
	if cfg.MaxInterval <= 0 {
		cfg.MaxInterval = time.Hour
	}
	if cfg.CapMultiplier <= 0 {
		cfg.CapMultiplier = 32
	}
	if cfg.JitterFraction <= 0 {
		cfg.JitterFraction = 0.1
	}
	if cfg.FailureVisibilityThreshold <= 0 {
		cfg.FailureVisibilityThreshold = 3
	}
	if cfg.CheckTimeout <= 0 {
		cfg.CheckTimeout = 30 * time.Second
	}
	if cfg.MaxConcurrentChecks <= 0 {
		cfg.MaxConcurrentChecks = 4
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &Scheduler{
		sessions: sessions,
		client:   c,
		events:   events,
		cfg:      cfg,
		logger:   logger,
		sem:      semaphore.NewWeighted(cfg.MaxConcurrentChecks),
		loops:    make(map[string]*loop),
	}
	s.base.Store(int64(cfg.BaseInterval))
	return s
}

// SetBaseInterval changes the default interval for accounts without an
// override. Running loops pick it up on their next reschedule.
func (s *Scheduler) SetBaseInterval(d time.Duration) {
	if d > 0 {
		s.base.Store(int64(d))
	}
}

// loop is the control surface of one account's goroutine. pollState lives
// inside run and is rebuilt on every activation, never persisted.
type loop struct {
	cancel  context.CancelFunc
	done    chan struct{}
	updates chan registry.Account
	resume  chan struct{}
	poke    chan chan error
}

type pollState struct {
	failures   int
	lastMarker string
	suspended  bool
	offline    bool
}

// Start activates polling for an account. Starting an already-scheduled
// account is a no-op.
func (s *Scheduler) Start(account registry.Account) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if _, ok := s.loops[account.ID]; ok {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	lp := &loop{
		cancel:  cancel,
		done:    make(chan struct{}),
		updates: make(chan registry.Account, 1),
		resume:  make(chan struct{}, 1),
		poke:    make(chan chan error),
	}
	s.loops[account.ID] = lp
	s.wg.Add(1)
	go s.run(ctx, lp, account)
}

// Stop cancels an account's loop and waits for any in-flight check to
// finish. The call returns only once the loop emits nothing further.
func (s *Scheduler) Stop(accountID string) {
	s.mu.Lock()
	lp, ok := s.loops[accountID]
	if ok {
		delete(s.loops, accountID)
	}
	s.mu.Unlock()
	if !ok {
		return
	}
	lp.cancel()
	<-lp.done
}

// Update hands a fresh account snapshot (changed interval, display data)
// to a running loop.
func (s *Scheduler) Update(account registry.Account) {
	s.mu.Lock()
	lp, ok := s.loops[account.ID]
	s.mu.Unlock()
	if !ok {
		return
	}
	select {
	case lp.updates <- account:
	case <-lp.done:
	default:
		// A pending snapshot is still queued; replace it.
		select {
		case <-lp.updates:
		default:
		}
		select {
		case lp.updates <- account:
		case <-lp.done:
		default:
		}
	}
}

// Resume lifts an auth suspension, typically after a successful login,
// and triggers an immediate check.
func (s *Scheduler) Resume(accountID string) error {
	s.mu.Lock()
	lp, ok := s.loops[accountID]
	s.mu.Unlock()
	if !ok {
		return ErrNotScheduled
	}
	select {
	case lp.resume <- struct{}{}:
	case <-lp.done:
	default:
	}
	return nil
}

// PollNow runs one check immediately and returns its outcome. The check
// happens on the account's own loop goroutine, so it cannot race a timer
// fire.
func (s *Scheduler) PollNow(ctx context.Context, accountID string) error {
	s.mu.Lock()
	lp, ok := s.loops[accountID]
	s.mu.Unlock()
	if !ok {
		return ErrNotScheduled
	}

	reply := make(chan error, 1)
	select {
	case lp.poke <- reply:
	case <-lp.done:
		return ErrNotScheduled
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops every loop and waits for them all.
func (s *Scheduler) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	loops := make([]*loop, 0, len(s.loops))
	for id, lp := range s.loops {
		loops = append(loops, lp)
		delete(s.loops, id)
	}
	s.mu.Unlock()

	for _, lp := range loops {
		lp.cancel()
	}
	s.wg.Wait()
}

func (s *Scheduler) run(ctx context.Context, lp *loop, account registry.Account) {
	defer s.wg.Done()
	defer close(lp.done)

	st := &pollState{}

	// First check fires immediately on activation.
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case next := <-lp.updates:
			// Re-arm only on an interval change; rearming on every
			// snapshot would cancel an immediate check a concurrent
			// Resume just scheduled.
			changed := next.PollInterval != account.PollInterval
			account = next
			if changed && !st.suspended {
				resetTimer(timer, s.next(account, st))
			}

		case <-lp.resume:
			st.failures = 0
			st.suspended = false
			resetTimer(timer, 0)

		case reply := <-lp.poke:
			err := s.check(ctx, account, st)
			reply <- err
			if ctx.Err() != nil {
				return
			}
			if !st.suspended {
				resetTimer(timer, s.next(account, st))
			}

		case <-timer.C:
			if st.suspended {
				continue
			}
			if err := s.check(ctx, account, st); err != nil {
				s.logger.Debug("poll check failed", "account", account.Email, "error", err)
			}
			// Cancellation lets the in-flight call finish but suppresses
			// the reschedule.
			if ctx.Err() != nil {
				return
			}
			if !st.suspended {
				resetTimer(timer, s.next(account, st))
			}
		}
	}
}

// next computes the delay until the following check from the account's
// effective base interval and the current failure count.
func (s *Scheduler) next(account registry.Account, st *pollState) time.Duration {
	base := account.PollInterval
	if base <= 0 {
		base = time.Duration(s.base.Load())
	}
	return backoff(base, st.failures, s.cfg.CapMultiplier, s.cfg.MaxInterval, s.cfg.JitterFraction)
}

// check performs one poll: valid session, new-mail call, state update.
func (s *Scheduler) check(ctx context.Context, account registry.Account, st *pollState) error {
	if err := s.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer s.sem.Release(1)

	cctx, cancel := context.WithTimeout(ctx, s.cfg.CheckTimeout)
	defer cancel()

	token, err := s.sessions.Token(cctx, account)
	if err != nil {
		return s.handleCheckError(ctx, account, st, err, true)
	}

	result, err := s.client.CheckNewMail(cctx, account.Endpoint, token)
	if err != nil {
		return s.handleCheckError(ctx, account, st, err, false)
	}

	st.failures = 0
	if st.offline {
		st.offline = false
		s.emit(ctx, account, dispatch.KindAccountOnline, "", 0)
	}
	if result.Marker != st.lastMarker {
		st.lastMarker = result.Marker
		if result.Count > 0 {
			s.emit(ctx, account, dispatch.KindNewMail, "", result.Count)
		}
	}
	return nil
}

// handleCheckError classifies a failed check. Auth problems suspend the
// loop until a fresh login resumes it; network problems follow back-off;
// vault failures suspend and are surfaced immediately, never retried.
func (s *Scheduler) handleCheckError(ctx context.Context, account registry.Account, st *pollState, err error, fromSession bool) error {
	switch {
	case errors.Is(err, vault.ErrDecryptFailed), errors.Is(err, vault.ErrLocked):
		st.suspended = true
		s.emit(ctx, account, dispatch.KindError, err.Error(), 0)

	case errors.Is(err, session.ErrNoSession):
		st.suspended = true
		s.emit(ctx, account, dispatch.KindAuthRequired, "login required", 0)

	case client.IsAuthError(err):
		st.suspended = true
		if !fromSession {
			// The session layer already announced refresh failures; a
			// rejection straight from the check call has not been
			// surfaced yet.
			s.emit(ctx, account, dispatch.KindAuthRequired, "session rejected by server", 0)
		}

	case errors.Is(err, session.ErrBusy):
		// A user-driven transition owns the machine right now; try again
		// next tick without counting a failure.

	default:
		st.failures++
		if st.failures >= s.cfg.FailureVisibilityThreshold {
			if !st.offline {
				st.offline = true
				s.emit(ctx, account, dispatch.KindAccountOffline, err.Error(), 0)
			}
			s.emit(ctx, account, dispatch.KindError,
				fmt.Sprintf("check failed %d times: %v", st.failures, err), 0)
		}
	}
	return err
}

func (s *Scheduler) emit(ctx context.Context, account registry.Account, kind dispatch.Kind, detail string, count int) {
	s.events.Publish(ctx, dispatch.Event{
		AccountID: account.ID,
		Email:     account.Email,
		Kind:      kind,
		Count:     count,
		Detail:    detail,
		Time:      time.Now().UTC(),
	})
}

// resetTimer drains a fired-but-unread timer before rearming, per the
// time.Timer contract.
func resetTimer(t *time.Timer, d time.Duration) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	t.Reset(d)
}
