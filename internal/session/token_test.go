package session

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/mailwatch/mailwatch/client"
)

func signedJWT(t *testing.T, exp time.Time) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		ExpiresAt: jwt.NewNumericDate(exp),
	})
	s, err := token.SignedString([]byte("test-key"))
	if err != nil {
		t.Fatalf("signing token: %v", err)
	}
	return s
}

func TestFillExpiryReadsJWTClaim(t *testing.T) {
	exp := time.Now().Add(30 * time.Minute).Truncate(time.Second)
	tok := client.Token{Access: signedJWT(t, exp)}

	fillExpiry(&tok)
	if !tok.ExpiresAt.Equal(exp) {
		t.Fatalf("expected expiry %s, got %s", exp, tok.ExpiresAt)
	}
}

func TestFillExpiryKeepsExplicitExpiry(t *testing.T) {
	explicit := time.Now().Add(time.Hour)
	tok := client.Token{Access: signedJWT(t, time.Now().Add(time.Minute)), ExpiresAt: explicit}

	fillExpiry(&tok)
	if !tok.ExpiresAt.Equal(explicit) {
		t.Fatal("out-of-band expiry must win over the JWT claim")
	}
}

func TestFillExpiryOpaqueToken(t *testing.T) {
	tok := client.Token{Access: "not-a-jwt"}
	fillExpiry(&tok)
	if !tok.ExpiresAt.IsZero() {
		t.Fatalf("opaque tokens carry no expiry, got %s", tok.ExpiresAt)
	}

	noExp := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{})
	s, err := noExp.SignedString([]byte("test-key"))
	if err != nil {
		t.Fatalf("signing token: %v", err)
	}
	tok = client.Token{Access: s}
	fillExpiry(&tok)
	if !tok.ExpiresAt.IsZero() {
		t.Fatal("JWT without exp claim must leave expiry unset")
	}
}
