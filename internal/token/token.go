// internal/token/token.go
// Package token implements the token codec of the work package service:
// ES256 signing of work order tokens, generation of work package IDs and
// access token secrets, and verifier fingerprints.
package token

import (
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/fedgenomics/work-package-service/internal/model"
)

const (
	// workPackageIDBytes is the number of random bytes in a work package ID.
	workPackageIDBytes = 20
	// accessSecretBytes is the number of random bytes in an access token secret.
	accessSecretBytes = 24
	// WorkOrderTokenValidSeconds is how long a signed work order token stays valid.
	WorkOrderTokenValidSeconds = 30
)

// ErrMalformedAccessToken is returned when a presented access token does not
// have the expected "<work_package_id>:<secret>" shape.
var ErrMalformedAccessToken = errors.New("malformed access token")

// Codec signs work order tokens with the configured service key.
// It is stateless apart from the key and safe for concurrent use.
type Codec struct {
	signingKey *ecdsa.PrivateKey
}

// NewCodec creates a token codec from the configured signing key, given as an
// EC P-256 JWK JSON document with a private part.
func NewCodec(signingKeyJWK string) (*Codec, error) {
	key, err := PrivateKeyFromJWK(signingKeyJWK)
	if err != nil {
		return nil, fmt.Errorf("invalid work package signing key: %w", err)
	}
	return &Codec{signingKey: key}, nil
}

// SignWorkOrderToken produces a compact ES256-signed token over the work order
// claims. The token carries iat and exp and is valid for
// WorkOrderTokenValidSeconds from now.
func (c *Codec) SignWorkOrderToken(wot model.WorkOrderToken) (string, error) {
	now := time.Now().UTC()
	claims := jwt.MapClaims{
		"type":                     string(wot.Type),
		"file_id":                  wot.FileID,
		"user_id":                  wot.UserID,
		"user_public_crypt4gh_key": wot.UserPublicCrypt4GHKey,
		"full_user_name":           wot.FullUserName,
		"email":                    wot.Email,
		"iat":                      now.Unix(),
		"exp":                      now.Add(WorkOrderTokenValidSeconds * time.Second).Unix(),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodES256, claims).SignedString(c.signingKey)
	if err != nil {
		return "", fmt.Errorf("failed to sign work order token: %w", err)
	}
	return signed, nil
}

// PublicKey returns the public half of the signing key, as needed by
// downstream services verifying work order tokens.
func (c *Codec) PublicKey() *ecdsa.PublicKey {
	return &c.signingKey.PublicKey
}

// NewWorkPackageID generates a 20-byte URL-safe random work package ID.
func NewWorkPackageID() string {
	return randomBase64URL(workPackageIDBytes)
}

// NewAccessSecret generates a 24-byte URL-safe random access token secret.
func NewAccessSecret() string {
	return randomBase64URL(accessSecretBytes)
}

// randomBase64URL returns n crypto-strong random bytes in unpadded base64url.
func randomBase64URL(n int) string {
	raw := make([]byte, n)
	if _, err := rand.Read(raw); err != nil {
		// rand.Read only fails when the platform entropy source is broken
		panic(fmt.Sprintf("failed to read random bytes: %v", err))
	}
	return base64.RawURLEncoding.EncodeToString(raw)
}

// Fingerprint returns the SHA-256 hash of the given secret as lowercase hex.
// This is the only form in which access token secrets are persisted.
func Fingerprint(secret string) string {
	digest := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(digest[:])
}

// FormatAccessToken combines a work package ID and a secret into the opaque
// access token string handed to users.
func FormatAccessToken(workPackageID, secret string) string {
	return workPackageID + ":" + secret
}

// ParseAccessToken splits a presented access token into its work package ID
// and secret parts.
func ParseAccessToken(accessToken string) (workPackageID, secret string, err error) {
	workPackageID, secret, found := strings.Cut(accessToken, ":")
	if !found || workPackageID == "" || secret == "" {
		return "", "", ErrMalformedAccessToken
	}
	return workPackageID, secret, nil
}
