// Package registry persists account records and their sealed credential
// blobs in an embedded SQLite database, and notifies watchers about every
// committed mutation.
package registry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"
)

var (
	// ErrNotFound is returned when no account has the requested ID.
	ErrNotFound = errors.New("account not found")
	// ErrExists is returned by Insert when the email/endpoint pair is
	// already registered.
	ErrExists = errors.New("account already exists")
)

// State tags persisted on the account row. They record the last known
// session state so the engine can rebuild behavior after a restart; the
// live state machine owns the authoritative value.
const (
	TagLoggedOut            = "logged_out"
	TagAuthenticated        = "authenticated"
	TagAwaitingSecondFactor = "awaiting_second_factor"
	TagExpired              = "expired"
)

// Account is the persisted account record. Credential blobs are never
// part of it; only Credentials returns them, so listings cannot leak
// secrets.
type Account struct {
	ID           string
	Email        string
	Endpoint     string
	DisplayName  string
	Enabled      bool
	PollInterval time.Duration // 0 means the engine default applies
	StateTag     string
	LoggedIn     bool // credential blob present
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Registry wraps the database plus the watcher list. All mutations run in
// one transaction and produce exactly one change notification per
// affected account after commit.
type Registry struct {
	db       *sqlx.DB
	watchers *watcherSet
}

// Open opens (or creates) the database at path, enables WAL mode, and
// runs pending migrations. Use ":memory:" for tests.
func Open(path string) (*Registry, error) {
	db, err := sqlx.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite db: %w", err)
	}

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("applying %s: %w", pragma, err)
		}
	}

	r := &Registry{db: db, watchers: newWatcherSet()}
	if err := r.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return r, nil
}

// Close stops all watchers and closes the database.
func (r *Registry) Close() error {
	r.watchers.closeAll()
	return r.db.Close()
}

func (r *Registry) runMigrations() error {
	currentVersion := 0

	var tableCount int
	err := r.db.Get(
		&tableCount,
		"SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='schema_version'",
	)
	if err != nil {
		return fmt.Errorf("checking schema_version table: %w", err)
	}

	if tableCount > 0 {
		err = r.db.Get(&currentVersion, "SELECT COALESCE(MAX(version), 0) FROM schema_version")
		if err != nil {
			return fmt.Errorf("reading schema version: %w", err)
		}
	}

	for _, m := range migrations {
		if m.version <= currentVersion {
			continue
		}
		if _, err := r.db.Exec(m.sql); err != nil {
			return fmt.Errorf("applying migration v%d: %w", m.version, err)
		}
	}
	return nil
}

// Insert stores a new account. ID, CreatedAt, and UpdatedAt are filled in
// on the passed record.
func (r *Registry) Insert(ctx context.Context, a *Account) error {
	now := time.Now().UTC()
	a.CreatedAt = now
	a.UpdatedAt = now
	if a.StateTag == "" {
		a.StateTag = TagLoggedOut
	}

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	var count int
	err = tx.GetContext(ctx, &count,
		"SELECT COUNT(*) FROM accounts WHERE email = ? AND endpoint = ?", a.Email, a.Endpoint)
	if err != nil {
		return fmt.Errorf("checking for duplicate account: %w", err)
	}
	if count > 0 {
		return ErrExists
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO accounts (
			id, email, endpoint, display_name, enabled,
			poll_interval_sec, state_tag, credentials, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, NULL, ?, ?)`,
		a.ID, a.Email, a.Endpoint, a.DisplayName, boolToInt(a.Enabled),
		int64(a.PollInterval/time.Second), a.StateTag, a.CreatedAt, a.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting account %s: %w", a.Email, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing account insert: %w", err)
	}

	r.watchers.notify(Change{Op: OpAdded, Account: *a})
	return nil
}

// Get retrieves a single account by ID.
func (r *Registry) Get(ctx context.Context, id string) (Account, error) {
	row := r.db.QueryRowxContext(ctx, selectAccount+" WHERE id = ?", id)
	a, err := scanAccount(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Account{}, ErrNotFound
	}
	if err != nil {
		return Account{}, fmt.Errorf("getting account %s: %w", id, err)
	}
	return a, nil
}

// List returns all accounts ordered by email. Credential blobs are not
// included.
func (r *Registry) List(ctx context.Context) ([]Account, error) {
	rows, err := r.db.QueryxContext(ctx, selectAccount+" ORDER BY email")
	if err != nil {
		return nil, fmt.Errorf("listing accounts: %w", err)
	}
	defer rows.Close()

	var accounts []Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, a)
	}
	return accounts, rows.Err()
}

// Delete removes an account row together with its credential blob.
func (r *Registry) Delete(ctx context.Context, id string) error {
	a, err := r.Get(ctx, id)
	if err != nil {
		return err
	}

	res, err := r.db.ExecContext(ctx, "DELETE FROM accounts WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("deleting account %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}

	r.watchers.notify(Change{Op: OpRemoved, Account: a})
	return nil
}

// SetEnabled flips the enabled flag.
func (r *Registry) SetEnabled(ctx context.Context, id string, enabled bool) error {
	return r.updateAccount(ctx, id,
		"UPDATE accounts SET enabled = ?, updated_at = ? WHERE id = ?",
		boolToInt(enabled), time.Now().UTC(), id)
}

// SetPollInterval stores a per-account poll interval override. Zero
// clears the override.
func (r *Registry) SetPollInterval(ctx context.Context, id string, interval time.Duration) error {
	return r.updateAccount(ctx, id,
		"UPDATE accounts SET poll_interval_sec = ?, updated_at = ? WHERE id = ?",
		int64(interval/time.Second), time.Now().UTC(), id)
}

// SetCredentials stores a sealed credential blob and the new state tag in
// one transaction, so a crash can never leave the tag and the blob out of
// step.
func (r *Registry) SetCredentials(ctx context.Context, id string, blob []byte, stateTag string) error {
	return r.updateAccount(ctx, id,
		"UPDATE accounts SET credentials = ?, state_tag = ?, updated_at = ? WHERE id = ?",
		blob, stateTag, time.Now().UTC(), id)
}

// ClearCredentials erases the blob and records the new state tag.
func (r *Registry) ClearCredentials(ctx context.Context, id string, stateTag string) error {
	return r.updateAccount(ctx, id,
		"UPDATE accounts SET credentials = NULL, state_tag = ?, updated_at = ? WHERE id = ?",
		stateTag, time.Now().UTC(), id)
}

// SetStateTag records the last known session state.
func (r *Registry) SetStateTag(ctx context.Context, id string, stateTag string) error {
	return r.updateAccount(ctx, id,
		"UPDATE accounts SET state_tag = ?, updated_at = ? WHERE id = ?",
		stateTag, time.Now().UTC(), id)
}

// Credentials returns the sealed blob for one account, or nil when the
// account is logged out. Only the session layer calls this.
func (r *Registry) Credentials(ctx context.Context, id string) ([]byte, error) {
	var blob []byte
	err := r.db.GetContext(ctx, &blob, "SELECT credentials FROM accounts WHERE id = ?", id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("reading credentials for %s: %w", id, err)
	}
	return blob, nil
}

// DefaultPollInterval reads the engine-wide default.
func (r *Registry) DefaultPollInterval(ctx context.Context) (time.Duration, error) {
	var secs int64
	err := r.db.GetContext(ctx, &secs, "SELECT poll_interval_sec FROM settings WHERE id = 1")
	if err != nil {
		return 0, fmt.Errorf("reading default poll interval: %w", err)
	}
	return time.Duration(secs) * time.Second, nil
}

// SetDefaultPollInterval stores the engine-wide default.
func (r *Registry) SetDefaultPollInterval(ctx context.Context, interval time.Duration) error {
	_, err := r.db.ExecContext(ctx,
		"UPDATE settings SET poll_interval_sec = ? WHERE id = 1",
		int64(interval/time.Second))
	if err != nil {
		return fmt.Errorf("storing default poll interval: %w", err)
	}
	return nil
}

// updateAccount runs a single-row UPDATE, re-reads the record, and
// notifies watchers with the post-write snapshot.
func (r *Registry) updateAccount(ctx context.Context, id, query string, args ...any) error {
	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("updating account %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}

	a, err := r.Get(ctx, id)
	if err != nil {
		return err
	}
	r.watchers.notify(Change{Op: OpUpdated, Account: a})
	return nil
}

const selectAccount = `
	SELECT id, email, endpoint, display_name, enabled, poll_interval_sec,
	       state_tag, credentials IS NOT NULL AS logged_in, created_at, updated_at
	FROM accounts`

// scanner is satisfied by both *sqlx.Row and *sqlx.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanAccount(s scanner) (Account, error) {
	var (
		a            Account
		enabled      int
		loggedIn     int
		intervalSecs int64
	)
	err := s.Scan(
		&a.ID, &a.Email, &a.Endpoint, &a.DisplayName, &enabled, &intervalSecs,
		&a.StateTag, &loggedIn, &a.CreatedAt, &a.UpdatedAt,
	)
	if err != nil {
		return Account{}, err
	}
	a.Enabled = enabled != 0
	a.LoggedIn = loggedIn != 0
	a.PollInterval = time.Duration(intervalSecs) * time.Second
	return a, nil
}

// boolToInt converts a boolean to 0 or 1 for SQLite storage.
func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
