// internal/auth/verifier.go
// Package auth validates the internal bearer assertions that accompany calls
// requiring the caller's identity, and extracts the user context from them.
// The assertions are minted by the upstream auth adapter; this service only
// verifies them against the configured public key.
package auth

import (
	"crypto/ecdsa"
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"

	"github.com/fedgenomics/work-package-service/internal/model"
	"github.com/fedgenomics/work-package-service/internal/token"
)

// ErrNotAuthenticated is returned for any assertion that cannot be verified.
// Callers translate it into a uniform 403 response.
var ErrNotAuthenticated = errors.New("not authenticated")

// DefaultAlgorithms is the default set of accepted signing algorithms.
var DefaultAlgorithms = []string{"ES256"}

// DefaultRequiredClaims are the claims that every assertion must carry.
var DefaultRequiredClaims = []string{"id", "name", "email", "iat", "exp"}

// Verifier checks internal authentication assertions.
// It is safe for concurrent use.
type Verifier struct {
	key            *ecdsa.PublicKey
	algorithms     []string
	requiredClaims []string
}

// NewVerifier creates a verifier for the configured auth key, given as an EC
// P-256 JWK JSON document. Empty algorithm or claim lists select the defaults.
func NewVerifier(authKeyJWK string, algorithms, requiredClaims []string) (*Verifier, error) {
	key, err := token.PublicKeyFromJWK(authKeyJWK)
	if err != nil {
		return nil, fmt.Errorf("invalid auth key: %w", err)
	}
	if len(algorithms) == 0 {
		algorithms = DefaultAlgorithms
	}
	if len(requiredClaims) == 0 {
		requiredClaims = DefaultRequiredClaims
	}
	return &Verifier{key: key, algorithms: algorithms, requiredClaims: requiredClaims}, nil
}

// Verify validates the given bearer assertion and extracts the user context.
// Any failure is reported as ErrNotAuthenticated without further detail.
func (v *Verifier) Verify(assertion string) (*model.UserContext, error) {
	parsed, err := jwt.Parse(assertion,
		func(t *jwt.Token) (interface{}, error) { return v.key, nil },
		jwt.WithValidMethods(v.algorithms),
		jwt.WithExpirationRequired(),
	)
	if err != nil || !parsed.Valid {
		return nil, fmt.Errorf("%w: invalid assertion", ErrNotAuthenticated)
	}

	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return nil, fmt.Errorf("%w: invalid claims", ErrNotAuthenticated)
	}
	for _, name := range v.requiredClaims {
		if _, present := claims[name]; !present {
			return nil, fmt.Errorf("%w: missing claim %q", ErrNotAuthenticated, name)
		}
	}

	id, _ := claims["id"].(string)
	name, _ := claims["name"].(string)
	email, _ := claims["email"].(string)
	if id == "" || name == "" || email == "" {
		return nil, fmt.Errorf("%w: incomplete user context", ErrNotAuthenticated)
	}

	// the full name includes the academic title when one is asserted
	if title, _ := claims["title"].(string); title != "" {
		name = title + " " + name
	}

	return &model.UserContext{ID: id, Name: name, Email: email}, nil
}
