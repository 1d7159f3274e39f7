package client

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrInvalidCredentials is returned by Login when the remote service
	// rejects the username/password pair.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrSecondFactorRejected is returned by SubmitSecondFactor when the
	// code is wrong for the given ticket.
	ErrSecondFactorRejected = errors.New("second factor rejected")
	// ErrTicketExpired is returned by SubmitSecondFactor when the server
	// ticket issued by Login is no longer valid.
	ErrTicketExpired = errors.New("second factor ticket expired")
	// ErrTokenExpired is returned by Refresh and CheckNewMail when the
	// session token is no longer accepted and cannot be refreshed.
	ErrTokenExpired = errors.New("session token expired")
)

// Token is the session material issued by the remote service after a
// successful authentication. Access is the short-lived token sent with
// every call; Refresh is the long-lived material used to obtain a new
// access token.
type Token struct {
	Access    string
	Refresh   string
	ExpiresAt time.Time
}

// Valid reports whether the access token is usable at the given instant.
func (t Token) Valid(now time.Time) bool {
	return t.Access != "" && (t.ExpiresAt.IsZero() || now.Before(t.ExpiresAt))
}

// LoginResult is the outcome of Login or SubmitSecondFactor. Exactly one
// of the two shapes is populated: a usable Token, or a second-factor
// ticket the caller must complete within TicketExpiresAt.
type LoginResult struct {
	Token Token

	SecondFactor    bool
	Ticket          string
	TicketExpiresAt time.Time
}

// CheckResult is the outcome of a new-mail check. Marker is an opaque
// server-side cursor; it advances whenever the mailbox changed. Count is
// the number of unread messages the server reported for this check.
type CheckResult struct {
	Marker string
	Count  int
}

// Client is the collaborator that performs all network operations against
// one remote mail service. The endpoint argument comes from the account
// record and selects the server a call is addressed to.
type Client interface {
	// Login performs the full password + SRP exchange. It returns a
	// LoginResult carrying either a Token or a second-factor ticket,
	// ErrInvalidCredentials, or a *NetworkError.
	Login(ctx context.Context, endpoint, email, password string) (LoginResult, error)

	// SubmitSecondFactor completes a login that required a second factor.
	// It returns ErrSecondFactorRejected for a wrong code and
	// ErrTicketExpired once the server ticket lapsed.
	SubmitSecondFactor(ctx context.Context, endpoint, ticket, code string) (LoginResult, error)

	// Refresh exchanges the token's refresh material for a new access
	// token. ErrTokenExpired means the session is gone for good.
	Refresh(ctx context.Context, endpoint string, token Token) (Token, error)

	// CheckNewMail queries the mailbox for its current marker and unread
	// count.
	CheckNewMail(ctx context.Context, endpoint string, token Token) (CheckResult, error)

	// Logout revokes the token remotely. Callers treat failure as
	// best-effort and proceed with local cleanup.
	Logout(ctx context.Context, endpoint string, token Token) error
}

// NetworkError wraps a transport-level failure. The engine retries these
// with back-off; every other error from a Client is treated as terminal
// for the operation that produced it.
type NetworkError struct {
	Op  string
	Err error
}

func (e *NetworkError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("network error during %s", e.Op)
	}
	return fmt.Sprintf("network error during %s: %v", e.Op, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// IsNetworkError reports whether err is (or wraps) a *NetworkError.
func IsNetworkError(err error) bool {
	var ne *NetworkError
	return errors.As(err, &ne)
}

// IsAuthError reports whether err is one of the authentication failures a
// Client can return. Auth errors end the session instead of being retried.
func IsAuthError(err error) bool {
	return errors.Is(err, ErrInvalidCredentials) ||
		errors.Is(err, ErrSecondFactorRejected) ||
		errors.Is(err, ErrTicketExpired) ||
		errors.Is(err, ErrTokenExpired)
}
