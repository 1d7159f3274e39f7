package dispatch

import "time"

// Kind tags an Event with what happened.
type Kind string

const (
	// KindNewMail reports new messages; Count carries how many.
	KindNewMail Kind = "new_mail"
	// KindAuthRequired means an account needs user interaction to get a
	// working session again.
	KindAuthRequired Kind = "auth_required"
	// KindSessionExpired means a session refresh was rejected and the
	// stored session is gone.
	KindSessionExpired Kind = "session_expired"
	// KindError carries an account-scoped failure past the visibility
	// threshold; Detail holds the description.
	KindError Kind = "error"
	// KindAccountAdded / KindAccountRemoved / KindAccountUpdated track
	// registry mutations.
	KindAccountAdded   Kind = "account_added"
	KindAccountRemoved Kind = "account_removed"
	KindAccountUpdated Kind = "account_updated"
	// KindAccountLoggedOut means local session material was cleared.
	KindAccountLoggedOut Kind = "account_logged_out"
	// KindAccountOffline fires once when consecutive check failures reach
	// the visibility threshold; KindAccountOnline on the first successful
	// check after that.
	KindAccountOffline Kind = "account_offline"
	KindAccountOnline  Kind = "account_online"
)

// Event is an immutable notification about one account. Values are copied
// into every subscriber's buffer; subscribers must not retain references
// into shared state.
type Event struct {
	AccountID string
	Email     string
	Kind      Kind
	Count     int
	Detail    string
	Time      time.Time
}
