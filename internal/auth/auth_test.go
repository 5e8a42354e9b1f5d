package auth

import (
	"errors"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func TestSignAndVerify(t *testing.T) {
	t.Parallel()

	tok, err := Sign("s3cret", "ci", time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	claims, err := Verify(tok, "s3cret")
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if claims.Subject != "ci" || claims.Issuer != "dockstate" {
		t.Errorf("claims = %+v", claims)
	}
}

func TestVerifyRejects(t *testing.T) {
	t.Parallel()

	good, _ := Sign("s3cret", "ci", time.Hour)
	key, _ := signingKey("s3cret")
	past := time.Now().Add(-2 * time.Hour)
	expired, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{jwt.RegisteredClaims{
		Issuer:    "dockstate",
		IssuedAt:  jwt.NewNumericDate(past),
		ExpiresAt: jwt.NewNumericDate(past.Add(time.Hour)),
	}}).SignedString(key)
	noExp, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{jwt.RegisteredClaims{
		Issuer: "dockstate",
	}}).SignedString(key)
	otherIssuer, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{jwt.RegisteredClaims{
		Issuer:    "someone-else",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}}).SignedString(key)

	tests := []struct {
		name   string
		token  string
		secret string
	}{
		{"wrong secret", good, "other"},
		{"garbage", "not.a.jwt", "s3cret"},
		{"empty", "", "s3cret"},
		{"tampered", good + "x", "s3cret"},
		{"expired", expired, "s3cret"},
		{"no expiry", noExp, "s3cret"},
		{"foreign issuer", otherIssuer, "s3cret"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if _, err := Verify(tt.token, tt.secret); !errors.Is(err, ErrInvalidToken) {
				t.Errorf("expected ErrInvalidToken, got %v", err)
			}
		})
	}
}

func TestEmptySecret(t *testing.T) {
	t.Parallel()
	if _, err := Sign("", "ci", time.Hour); err == nil {
		t.Error("Sign with empty secret should fail")
	}
	if _, err := Verify("x", ""); err == nil {
		t.Error("Verify with empty secret should fail")
	}
}

func TestTokenFromRequest(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		header string
		url    string
		want   string
	}{
		{"bearer header", "Bearer abc", "/", "abc"},
		{"case insensitive scheme", "bearer abc", "/", "abc"},
		{"basic scheme ignored", "Basic abc", "/?token=q", ""},
		{"query fallback", "", "/ws?token=q", "q"},
		{"none", "", "/", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			r := httptest.NewRequest("GET", tt.url, nil)
			if tt.header != "" {
				r.Header.Set("Authorization", tt.header)
			}
			if got := TokenFromRequest(r); got != tt.want {
				t.Errorf("TokenFromRequest = %q, want %q", got, tt.want)
			}
		})
	}
}
