package mailwatch

import (
	"time"

	"github.com/mailwatch/mailwatch/internal/dispatch"
	"github.com/mailwatch/mailwatch/internal/registry"
	"github.com/mailwatch/mailwatch/internal/session"
)

// Account is a registered mail account. Listings never contain decrypted
// secrets; LoggedIn only reports whether sealed session material exists.
type Account = registry.Account

// SessionState is the live state of an account's session machine.
type SessionState = session.State

const (
	SessionLoggedOut            = session.LoggedOut
	SessionAuthenticating       = session.Authenticating
	SessionAwaitingSecondFactor = session.AwaitingSecondFactor
	SessionAuthenticated        = session.Authenticated
	SessionRefreshing           = session.Refreshing
	SessionExpired              = session.Expired
)

// Event is an immutable notification delivered to every subscriber in
// publication order.
type Event = dispatch.Event

// EventKind tags what an Event reports.
type EventKind = dispatch.Kind

const (
	EventNewMail          = dispatch.KindNewMail
	EventAuthRequired     = dispatch.KindAuthRequired
	EventSessionExpired   = dispatch.KindSessionExpired
	EventError            = dispatch.KindError
	EventAccountAdded     = dispatch.KindAccountAdded
	EventAccountRemoved   = dispatch.KindAccountRemoved
	EventAccountUpdated   = dispatch.KindAccountUpdated
	EventAccountLoggedOut = dispatch.KindAccountLoggedOut
	EventAccountOffline   = dispatch.KindAccountOffline
	EventAccountOnline    = dispatch.KindAccountOnline
)

// Subscription is one subscriber's bounded, ordered view of the event
// stream. Close it when done; the engine's Close also ends it.
type Subscription = dispatch.Subscription

// AddAccountRequest describes a new account. Email and Endpoint are
// required; PollInterval zero means the engine default applies.
type AddAccountRequest struct {
	Email        string
	Endpoint     string
	DisplayName  string
	PollInterval time.Duration
}

// RootKeyProvider supplies the vault root key, usually from the OS secret
// store. See the keychain package for the standard implementation. When
// no provider is configured the engine derives a key locally, which
// protects credentials at rest but ties their secrecy to file permissions
// rather than the OS keychain.
type RootKeyProvider interface {
	GetOrCreateRootKey(scope string) ([]byte, error)
}
