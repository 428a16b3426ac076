// Package conformance provides a test harness for verifying that a work
// package service deployment complies with the published API contract.
// The checks run against a live base URL and only use the public API.
package conformance

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/fedgenomics/work-package-service/internal/auth"
	"github.com/fedgenomics/work-package-service/internal/crypt4gh"
	"github.com/fedgenomics/work-package-service/internal/model"
	"github.com/fedgenomics/work-package-service/internal/server"
	"github.com/fedgenomics/work-package-service/internal/storage"
	"github.com/fedgenomics/work-package-service/internal/token"
	"github.com/fedgenomics/work-package-service/internal/work"
)

// Harness runs conformance checks against a work package service instance.
type Harness struct {
	server  *httptest.Server
	store   storage.Store
	authKey *ecdsa.PrivateKey
	userKey *crypt4gh.KeyPair
}

// allowDownloads is an access oracle stub granting every download request.
type allowDownloads struct{}

func (allowDownloads) Check(ctx context.Context, userID, datasetID string, workType model.WorkType) (bool, error) {
	return workType == model.WorkTypeDownload, nil
}

func (allowDownloads) ListDatasets(ctx context.Context, userID string) ([]string, error) {
	return []string{"DS001"}, nil
}

func (allowDownloads) RegisterGrant(ctx context.Context, userID, fileID string, validUntil time.Time) error {
	return nil
}

// NewHarness creates a self-contained service instance backed by in-memory
// storage, a permissive download oracle and fresh keys, and starts it on a
// test server.
func NewHarness() (*Harness, error) {
	authKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate auth key: %w", err)
	}
	signingKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate signing key: %w", err)
	}
	userKey, err := crypt4gh.GenerateKeyPair()
	if err != nil {
		return nil, fmt.Errorf("failed to generate user key: %w", err)
	}

	verifier, err := auth.NewVerifier(jwkJSON(authKey, false), nil, nil)
	if err != nil {
		return nil, err
	}
	codec, err := token.NewCodec(jwkJSON(signingKey, true))
	if err != nil {
		return nil, err
	}

	store := storage.NewMemory()
	if err := store.UpsertDataset(context.Background(), model.Dataset{
		ID:    "DS001",
		Stage: model.WorkTypeDownload,
		Title: "Conformance dataset",
		Files: []model.DatasetFile{
			{ID: "FILE001", Extension: ".fastq.gz"},
			{ID: "FILE002", Extension: ".vcf"},
		},
	}); err != nil {
		return nil, err
	}

	manager := work.NewManager(store, allowDownloads{}, codec, 30)
	mux := server.NewMux(manager, store, verifier, nil)

	return &Harness{
		server:  httptest.NewServer(mux),
		store:   store,
		authKey: authKey,
		userKey: userKey,
	}, nil
}

// jwkJSON serializes an ECDSA key as a JWK JSON document.
func jwkJSON(key *ecdsa.PrivateKey, includePrivate bool) string {
	enc := base64.RawURLEncoding.EncodeToString
	x := make([]byte, 32)
	y := make([]byte, 32)
	key.PublicKey.X.FillBytes(x)
	key.PublicKey.Y.FillBytes(y)
	if includePrivate {
		d := make([]byte, 32)
		key.D.FillBytes(d)
		return fmt.Sprintf(`{"kty":"EC","crv":"P-256","x":%q,"y":%q,"d":%q}`, enc(x), enc(y), enc(d))
	}
	return fmt.Sprintf(`{"kty":"EC","crv":"P-256","x":%q,"y":%q}`, enc(x), enc(y))
}

// URL returns the base URL of the test server.
func (h *Harness) URL() string {
	return h.server.URL
}

// Close shuts down the test server.
func (h *Harness) Close() {
	h.server.Close()
}

// assertion mints an internal auth assertion for the given user.
func (h *Harness) assertion(userID string) (string, error) {
	now := time.Now().Unix()
	return jwt.NewWithClaims(jwt.SigningMethodES256, jwt.MapClaims{
		"id":    userID,
		"name":  "Conformance User",
		"email": "conformance@example.org",
		"iat":   now,
		"exp":   now + 3600,
	}).SignedString(h.authKey)
}

// RunConformanceTests runs all conformance checks against the instance.
func (h *Harness) RunConformanceTests(t *testing.T) {
	t.Run("HealthEndpoints", h.testHealthEndpoints)
	t.Run("TokenFlow", h.testTokenFlow)
	t.Run("UniformDenial", h.testUniformDenial)
	t.Run("ErrorEnvelope", h.testErrorEnvelope)
}

// testHealthEndpoints checks the health and readiness endpoints.
func (h *Harness) testHealthEndpoints(t *testing.T) {
	resp, err := http.Get(h.URL() + "/health")
	if err != nil {
		t.Fatalf("failed to GET /health: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected status 200 for /health, got %d", resp.StatusCode)
	}
	var health map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil || health["status"] != "OK" {
		t.Errorf("unexpected /health body: %v (%v)", health, err)
	}

	resp, err = http.Get(h.URL() + "/readyz")
	if err != nil {
		t.Fatalf("failed to GET /readyz: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected status 200 for /readyz, got %d", resp.StatusCode)
	}
}

// testTokenFlow exercises the full work package life cycle through the API:
// create, read details, mint a work order token.
func (h *Harness) testTokenFlow(t *testing.T) {
	assertion, err := h.assertion("conformance-user")
	if err != nil {
		t.Fatalf("failed to mint assertion: %v", err)
	}

	body, _ := json.Marshal(model.WorkPackageCreationData{
		DatasetID:             "DS001",
		Type:                  model.WorkTypeDownload,
		UserPublicCrypt4GHKey: h.userKey.PublicKeyBase64(),
	})
	req, _ := http.NewRequest(http.MethodPost, h.URL()+"/work-packages", bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+assertion)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("failed to POST /work-packages: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected status 201 for creation, got %d", resp.StatusCode)
	}

	var created model.WorkPackageCreationResponse
	if err := json.NewDecoder(resp.Body).Decode(&created); err != nil {
		t.Fatalf("failed to decode creation response: %v", err)
	}
	accessToken, err := crypt4gh.DecryptBase64(created.Token, h.userKey.Private)
	if err != nil {
		t.Fatalf("access token does not decrypt with the user key: %v", err)
	}

	req, _ = http.NewRequest(http.MethodGet, h.URL()+"/work-packages/"+created.ID, nil)
	req.Header.Set("Authorization", "Bearer "+string(accessToken))
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("failed to GET details: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected status 200 for details, got %d", resp.StatusCode)
	}

	wotURL := fmt.Sprintf("%s/work-packages/%s/files/FILE001/work-order-tokens", h.URL(), created.ID)
	req, _ = http.NewRequest(http.MethodPost, wotURL, nil)
	req.Header.Set("Authorization", "Bearer "+string(accessToken))
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("failed to POST work order token: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Errorf("expected status 201 for work order token, got %d", resp.StatusCode)
	}
}

// testUniformDenial checks that invalid credentials, unknown work packages and
// foreign user IDs all yield the same 403 answer.
func (h *Harness) testUniformDenial(t *testing.T) {
	assertion, err := h.assertion("conformance-user")
	if err != nil {
		t.Fatalf("failed to mint assertion: %v", err)
	}

	cases := []struct {
		name   string
		method string
		path   string
		bearer string
	}{
		{name: "missing assertion", method: http.MethodPost, path: "/work-packages", bearer: ""},
		{name: "unknown work package", method: http.MethodGet, path: "/work-packages/unknown", bearer: "unknown:secret"},
		{name: "malformed access token", method: http.MethodGet, path: "/work-packages/unknown", bearer: "garbage"},
		{name: "foreign user listing", method: http.MethodGet, path: "/users/somebody-else/datasets", bearer: assertion},
	}
	for _, tc := range cases {
		req, _ := http.NewRequest(tc.method, h.URL()+tc.path, bytes.NewReader([]byte("{}")))
		if tc.bearer != "" {
			req.Header.Set("Authorization", "Bearer "+tc.bearer)
		}
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("%s: request failed: %v", tc.name, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusForbidden {
			t.Errorf("%s: expected status 403, got %d", tc.name, resp.StatusCode)
		}
	}
}

// testErrorEnvelope checks the error response structure.
func (h *Harness) testErrorEnvelope(t *testing.T) {
	resp, err := http.Get(h.URL() + "/work-packages/unknown")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()

	var envelope struct {
		Error struct {
			Code          string `json:"code"`
			Message       string `json:"message"`
			CorrelationID string `json:"correlationId"`
		} `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		t.Fatalf("error response is not a JSON envelope: %v", err)
	}
	if envelope.Error.Code == "" || envelope.Error.Message == "" {
		t.Errorf("error envelope is missing code or message: %+v", envelope.Error)
	}
	if resp.Header.Get("X-Correlation-Id") == "" {
		t.Errorf("error response is missing the X-Correlation-Id header")
	}
}
