package session

import (
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/mailwatch/mailwatch/client"
)

// fillExpiry backfills a missing token expiry. Some services return the
// expiry out of band; others encode it only in a JWT access token. When
// neither is present the token is treated as valid until the server
// rejects it.
func fillExpiry(token *client.Token) {
	if !token.ExpiresAt.IsZero() || token.Access == "" {
		return
	}
	if exp, ok := jwtExpiry(token.Access); ok {
		token.ExpiresAt = exp
	}
}

// jwtExpiry extracts the exp claim without verifying the signature. The
// token was just handed to us by the service over an authenticated
// channel; we only want the timestamp, not a trust decision.
func jwtExpiry(access string) (time.Time, bool) {
	parser := jwt.NewParser()
	claims := jwt.MapClaims{}
	if _, _, err := parser.ParseUnverified(access, claims); err != nil {
		return time.Time{}, false
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}, false
	}
	return exp.Time, true
}
