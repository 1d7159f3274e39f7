package registry

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	r, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { r.Close() })
	return r
}

func testAccount(id, email string) Account {
	return Account{
		ID:       id,
		Email:    email,
		Endpoint: "https://mail.example.com",
		Enabled:  true,
	}
}

func TestInsertAndGet(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	a := testAccount("a1", "alice@example.com")
	a.DisplayName = "Alice"
	a.PollInterval = 2 * time.Minute
	if err := r.Insert(ctx, &a); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}
	if a.CreatedAt.IsZero() || a.UpdatedAt.IsZero() {
		t.Fatal("expected timestamps to be filled in")
	}

	got, err := r.Get(ctx, "a1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Email != "alice@example.com" || got.DisplayName != "Alice" {
		t.Fatalf("unexpected account %+v", got)
	}
	if got.PollInterval != 2*time.Minute {
		t.Fatalf("expected interval 2m, got %s", got.PollInterval)
	}
	if got.StateTag != TagLoggedOut {
		t.Fatalf("expected state tag %q, got %q", TagLoggedOut, got.StateTag)
	}
	if got.LoggedIn {
		t.Fatal("fresh account must not be logged in")
	}
}

func TestInsertDuplicateRejected(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	a := testAccount("a1", "alice@example.com")
	if err := r.Insert(ctx, &a); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}

	dup := testAccount("a2", "alice@example.com")
	if err := r.Insert(ctx, &dup); !errors.Is(err, ErrExists) {
		t.Fatalf("expected ErrExists, got %v", err)
	}

	// Same email at a different endpoint is a different account.
	other := testAccount("a3", "alice@example.com")
	other.Endpoint = "https://other.example.com"
	if err := r.Insert(ctx, &other); err != nil {
		t.Fatalf("Insert at second endpoint failed: %v", err)
	}
}

func TestGetMissingAccount(t *testing.T) {
	r := newTestRegistry(t)
	if _, err := r.Get(context.Background(), "nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestListOrdersByEmailWithoutSecrets(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	for _, a := range []Account{
		testAccount("b1", "bob@example.com"),
		testAccount("a1", "alice@example.com"),
	} {
		a := a
		if err := r.Insert(ctx, &a); err != nil {
			t.Fatalf("Insert failed: %v", err)
		}
	}
	if err := r.SetCredentials(ctx, "a1", []byte("sealed-blob"), TagAuthenticated); err != nil {
		t.Fatalf("SetCredentials failed: %v", err)
	}

	accounts, err := r.List(ctx)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(accounts) != 2 {
		t.Fatalf("expected 2 accounts, got %d", len(accounts))
	}
	if accounts[0].Email != "alice@example.com" || accounts[1].Email != "bob@example.com" {
		t.Fatalf("expected email ordering, got %s then %s", accounts[0].Email, accounts[1].Email)
	}
	if !accounts[0].LoggedIn || accounts[1].LoggedIn {
		t.Fatal("LoggedIn flags do not match stored blobs")
	}
}

func TestCredentialsLifecycle(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	a := testAccount("a1", "alice@example.com")
	if err := r.Insert(ctx, &a); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}

	blob, err := r.Credentials(ctx, "a1")
	if err != nil {
		t.Fatalf("Credentials failed: %v", err)
	}
	if blob != nil {
		t.Fatal("expected nil blob before login")
	}

	if err := r.SetCredentials(ctx, "a1", []byte{1, 2, 3}, TagAuthenticated); err != nil {
		t.Fatalf("SetCredentials failed: %v", err)
	}
	blob, err = r.Credentials(ctx, "a1")
	if err != nil {
		t.Fatalf("Credentials failed: %v", err)
	}
	if len(blob) != 3 {
		t.Fatalf("expected stored blob, got %v", blob)
	}
	got, _ := r.Get(ctx, "a1")
	if !got.LoggedIn || got.StateTag != TagAuthenticated {
		t.Fatalf("blob and tag out of step: %+v", got)
	}

	if err := r.ClearCredentials(ctx, "a1", TagExpired); err != nil {
		t.Fatalf("ClearCredentials failed: %v", err)
	}
	blob, _ = r.Credentials(ctx, "a1")
	if blob != nil {
		t.Fatal("expected blob cleared")
	}
	got, _ = r.Get(ctx, "a1")
	if got.LoggedIn || got.StateTag != TagExpired {
		t.Fatalf("expected logged out with expired tag, got %+v", got)
	}
}

func TestDelete(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	a := testAccount("a1", "alice@example.com")
	if err := r.Insert(ctx, &a); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}
	if err := r.Delete(ctx, "a1"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, err := r.Get(ctx, "a1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
	if err := r.Delete(ctx, "a1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound on second delete, got %v", err)
	}
}

func TestDefaultPollInterval(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	d, err := r.DefaultPollInterval(ctx)
	if err != nil {
		t.Fatalf("DefaultPollInterval failed: %v", err)
	}
	if d != 5*time.Minute {
		t.Fatalf("expected 5m default, got %s", d)
	}

	if err := r.SetDefaultPollInterval(ctx, 90*time.Second); err != nil {
		t.Fatalf("SetDefaultPollInterval failed: %v", err)
	}
	d, _ = r.DefaultPollInterval(ctx)
	if d != 90*time.Second {
		t.Fatalf("expected 90s, got %s", d)
	}
}

func receiveChange(t *testing.T, w *Watcher) Change {
	t.Helper()
	select {
	case c := <-w.C():
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for change")
		return Change{}
	}
}

func TestWatchSeesCommittedMutations(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	w := r.Watch(8)
	defer w.Close()

	a := testAccount("a1", "alice@example.com")
	if err := r.Insert(ctx, &a); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}
	c := receiveChange(t, w)
	if c.Op != OpAdded || c.Account.ID != "a1" {
		t.Fatalf("expected add for a1, got %s %s", c.Op, c.Account.ID)
	}

	if err := r.SetEnabled(ctx, "a1", false); err != nil {
		t.Fatalf("SetEnabled failed: %v", err)
	}
	c = receiveChange(t, w)
	if c.Op != OpUpdated || c.Account.Enabled {
		t.Fatalf("expected disabled update, got %s %+v", c.Op, c.Account)
	}

	if err := r.Delete(ctx, "a1"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	c = receiveChange(t, w)
	if c.Op != OpRemoved || c.Account.ID != "a1" {
		t.Fatalf("expected remove for a1, got %s %s", c.Op, c.Account.ID)
	}
}

func TestWatchSlowConsumerDoesNotBlockWrites(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	// An undrained watcher with a minimal channel buffer; writes must
	// complete without waiting for it. A write issued from code the
	// consumer is waiting on would otherwise deadlock the process.
	w := r.Watch(1)
	defer w.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 8; i++ {
			a := testAccount(fmt.Sprintf("a%d", i), fmt.Sprintf("u%d@example.com", i))
			if err := r.Insert(ctx, &a); err != nil {
				t.Errorf("Insert %d failed: %v", i, err)
				return
			}
		}
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("writes blocked behind an undrained watcher")
	}

	// Draining afterwards still yields every change in commit order.
	for i := 0; i < 8; i++ {
		c := receiveChange(t, w)
		if c.Op != OpAdded || c.Account.ID != fmt.Sprintf("a%d", i) {
			t.Fatalf("change %d: got %s %s", i, c.Op, c.Account.ID)
		}
	}
}

func TestWatchCloseTerminates(t *testing.T) {
	r := newTestRegistry(t)

	w := r.Watch(1)
	w.Close()

	if _, ok := <-w.C(); ok {
		t.Fatal("expected closed channel after watcher close")
	}

	// A closed watcher no longer blocks mutations.
	a := testAccount("a1", "alice@example.com")
	if err := r.Insert(context.Background(), &a); err != nil {
		t.Fatalf("Insert after watcher close failed: %v", err)
	}
}

func TestMigrationsAreIdempotent(t *testing.T) {
	r := newTestRegistry(t)
	if err := r.runMigrations(); err != nil {
		t.Fatalf("re-running migrations failed: %v", err)
	}
}
