package auth

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func newTestKey(t *testing.T) (*ecdsa.PrivateKey, string) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("failed to generate key: %v", err)
	}
	x := make([]byte, 32)
	y := make([]byte, 32)
	key.PublicKey.X.FillBytes(x)
	key.PublicKey.Y.FillBytes(y)
	jwk := fmt.Sprintf(`{"kty":"EC","crv":"P-256","x":%q,"y":%q}`,
		base64.RawURLEncoding.EncodeToString(x), base64.RawURLEncoding.EncodeToString(y))
	return key, jwk
}

func mintAssertion(t *testing.T, key *ecdsa.PrivateKey, claims jwt.MapClaims) string {
	t.Helper()
	signed, err := jwt.NewWithClaims(jwt.SigningMethodES256, claims).SignedString(key)
	if err != nil {
		t.Fatalf("failed to sign assertion: %v", err)
	}
	return signed
}

func defaultClaims() jwt.MapClaims {
	now := time.Now().Unix()
	return jwt.MapClaims{
		"id":    "user-1",
		"name":  "Jane Roe",
		"email": "jane@example.org",
		"iat":   now,
		"exp":   now + 3600,
	}
}

func TestVerify(t *testing.T) {
	key, jwk := newTestKey(t)
	verifier, err := NewVerifier(jwk, nil, nil)
	if err != nil {
		t.Fatalf("NewVerifier() error = %v", err)
	}

	user, err := verifier.Verify(mintAssertion(t, key, defaultClaims()))
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if user.ID != "user-1" || user.Name != "Jane Roe" || user.Email != "jane@example.org" {
		t.Errorf("Verify() user = %+v", user)
	}
}

func TestVerifyPrependsTitle(t *testing.T) {
	key, jwk := newTestKey(t)
	verifier, err := NewVerifier(jwk, nil, nil)
	if err != nil {
		t.Fatalf("NewVerifier() error = %v", err)
	}

	claims := defaultClaims()
	claims["title"] = "Dr."
	user, err := verifier.Verify(mintAssertion(t, key, claims))
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if user.Name != "Dr. Jane Roe" {
		t.Errorf("Verify() name = %q, want %q", user.Name, "Dr. Jane Roe")
	}
}

func TestVerifyRejectsMissingClaims(t *testing.T) {
	key, jwk := newTestKey(t)
	verifier, err := NewVerifier(jwk, nil, nil)
	if err != nil {
		t.Fatalf("NewVerifier() error = %v", err)
	}

	for _, claim := range []string{"id", "name", "email", "iat"} {
		claims := defaultClaims()
		delete(claims, claim)
		if _, err := verifier.Verify(mintAssertion(t, key, claims)); !errors.Is(err, ErrNotAuthenticated) {
			t.Errorf("Verify() without %q claim = %v, want ErrNotAuthenticated", claim, err)
		}
	}
}

func TestVerifyRejectsExpired(t *testing.T) {
	key, jwk := newTestKey(t)
	verifier, err := NewVerifier(jwk, nil, nil)
	if err != nil {
		t.Fatalf("NewVerifier() error = %v", err)
	}

	claims := defaultClaims()
	claims["exp"] = time.Now().Add(-time.Minute).Unix()
	if _, err := verifier.Verify(mintAssertion(t, key, claims)); !errors.Is(err, ErrNotAuthenticated) {
		t.Errorf("Verify() with expired assertion = %v, want ErrNotAuthenticated", err)
	}
}

func TestVerifyRejectsWrongKey(t *testing.T) {
	_, jwk := newTestKey(t)
	otherKey, _ := newTestKey(t)

	verifier, err := NewVerifier(jwk, nil, nil)
	if err != nil {
		t.Fatalf("NewVerifier() error = %v", err)
	}
	if _, err := verifier.Verify(mintAssertion(t, otherKey, defaultClaims())); !errors.Is(err, ErrNotAuthenticated) {
		t.Errorf("Verify() with wrong key = %v, want ErrNotAuthenticated", err)
	}
}

func TestVerifyRejectsGarbage(t *testing.T) {
	_, jwk := newTestKey(t)
	verifier, err := NewVerifier(jwk, nil, nil)
	if err != nil {
		t.Fatalf("NewVerifier() error = %v", err)
	}
	if _, err := verifier.Verify("not.a.token"); !errors.Is(err, ErrNotAuthenticated) {
		t.Errorf("Verify() with garbage = %v, want ErrNotAuthenticated", err)
	}
}
