// internal/token/jwk.go
// JWK parsing for the configured signing and verification keys.
package token

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math/big"
)

// JWK represents a JSON Web Key as configured for the service.
// Only EC keys on the P-256 curve are supported (algorithm ES256).
type JWK struct {
	Kty string `json:"kty"` // Key type
	Kid string `json:"kid"` // Key ID
	Use string `json:"use"` // Public key use
	Alg string `json:"alg"` // Algorithm
	Crv string `json:"crv"` // Curve
	X   string `json:"x"`   // X coordinate
	Y   string `json:"y"`   // Y coordinate
	D   string `json:"d"`   // Private scalar (private keys only)
}

// parseJWK parses a JWK JSON document and checks the key type.
func parseJWK(jwkJSON string) (*JWK, error) {
	var jwk JWK
	if err := json.Unmarshal([]byte(jwkJSON), &jwk); err != nil {
		return nil, fmt.Errorf("failed to parse JWK: %w", err)
	}
	if jwk.Kty != "EC" || jwk.Crv != "P-256" {
		return nil, fmt.Errorf("unsupported key type or curve: %s/%s", jwk.Kty, jwk.Crv)
	}
	return &jwk, nil
}

// decodeCoordinate decodes a base64url encoded JWK coordinate.
func decodeCoordinate(name, value string) (*big.Int, error) {
	if value == "" {
		return nil, fmt.Errorf("missing %q coordinate in JWK", name)
	}
	raw, err := base64.RawURLEncoding.DecodeString(value)
	if err != nil {
		return nil, fmt.Errorf("failed to decode %q coordinate: %w", name, err)
	}
	return new(big.Int).SetBytes(raw), nil
}

// PublicKeyFromJWK parses an EC P-256 public key from a JWK JSON document.
func PublicKeyFromJWK(jwkJSON string) (*ecdsa.PublicKey, error) {
	jwk, err := parseJWK(jwkJSON)
	if err != nil {
		return nil, err
	}
	x, err := decodeCoordinate("x", jwk.X)
	if err != nil {
		return nil, err
	}
	y, err := decodeCoordinate("y", jwk.Y)
	if err != nil {
		return nil, err
	}
	return &ecdsa.PublicKey{Curve: elliptic.P256(), X: x, Y: y}, nil
}

// PrivateKeyFromJWK parses an EC P-256 private key from a JWK JSON document.
// The JWK must contain the private scalar "d".
func PrivateKeyFromJWK(jwkJSON string) (*ecdsa.PrivateKey, error) {
	jwk, err := parseJWK(jwkJSON)
	if err != nil {
		return nil, err
	}
	if jwk.D == "" {
		return nil, fmt.Errorf("no private signing key found in JWK")
	}
	pub, err := PublicKeyFromJWK(jwkJSON)
	if err != nil {
		return nil, err
	}
	d, err := decodeCoordinate("d", jwk.D)
	if err != nil {
		return nil, err
	}
	return &ecdsa.PrivateKey{PublicKey: *pub, D: d}, nil
}
