package work

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/fedgenomics/work-package-service/internal/crypt4gh"
	"github.com/fedgenomics/work-package-service/internal/model"
	"github.com/fedgenomics/work-package-service/internal/storage"
	"github.com/fedgenomics/work-package-service/internal/token"
)

// fakeOracle is a scriptable AccessOracle for manager tests.
type fakeOracle struct {
	allowed  map[string]bool // "<user>/<dataset>/<type>" to decision
	checkErr error
	datasets []string
	listErr  error
	grants   []string // "<user>/<file>" in registration order
	grantErr error
}

func (f *fakeOracle) Check(ctx context.Context, userID, datasetID string, workType model.WorkType) (bool, error) {
	if f.checkErr != nil {
		return false, f.checkErr
	}
	return f.allowed[fmt.Sprintf("%s/%s/%s", userID, datasetID, workType)], nil
}

func (f *fakeOracle) ListDatasets(ctx context.Context, userID string) ([]string, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	return f.datasets, nil
}

func (f *fakeOracle) RegisterGrant(ctx context.Context, userID, fileID string, validUntil time.Time) error {
	if f.grantErr != nil {
		return f.grantErr
	}
	f.grants = append(f.grants, userID+"/"+fileID)
	return nil
}

func testSigningJWK(t *testing.T) string {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("failed to generate key: %v", err)
	}
	x := make([]byte, 32)
	y := make([]byte, 32)
	d := make([]byte, 32)
	key.PublicKey.X.FillBytes(x)
	key.PublicKey.Y.FillBytes(y)
	key.D.FillBytes(d)
	enc := base64.RawURLEncoding.EncodeToString
	return fmt.Sprintf(`{"kty":"EC","crv":"P-256","x":%q,"y":%q,"d":%q}`, enc(x), enc(y), enc(d))
}

type fixture struct {
	manager *Manager
	store   storage.Store
	oracle  *fakeOracle
	userKey *crypt4gh.KeyPair
	user    *model.UserContext
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	codec, err := token.NewCodec(testSigningJWK(t))
	if err != nil {
		t.Fatalf("NewCodec() error = %v", err)
	}
	userKey, err := crypt4gh.GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair() error = %v", err)
	}

	store := storage.NewMemory()
	oracle := &fakeOracle{allowed: map[string]bool{
		"user-1/DS001/download": true,
	}}

	if err := store.UpsertDataset(context.Background(), model.Dataset{
		ID:    "DS001",
		Stage: model.WorkTypeDownload,
		Title: "Test dataset",
		Files: []model.DatasetFile{
			{ID: "FILE001", Extension: ".fastq.gz"},
			{ID: "FILE002", Extension: ".vcf"},
			{ID: "FILE003", Extension: ".bam"},
		},
	}); err != nil {
		t.Fatalf("UpsertDataset() error = %v", err)
	}

	return &fixture{
		manager: NewManager(store, oracle, codec, 30),
		store:   store,
		oracle:  oracle,
		userKey: userKey,
		user:    &model.UserContext{ID: "user-1", Name: "Dr. Jane Roe", Email: "jane@example.org"},
	}
}

func (f *fixture) creationData(fileIDs []string) model.WorkPackageCreationData {
	return model.WorkPackageCreationData{
		DatasetID:             "DS001",
		Type:                  model.WorkTypeDownload,
		FileIDs:               fileIDs,
		UserPublicCrypt4GHKey: f.userKey.PublicKeyBase64(),
	}
}

// create creates a work package and returns its ID and decrypted access token.
func (f *fixture) create(t *testing.T, fileIDs []string) (string, string) {
	t.Helper()
	response, err := f.manager.Create(context.Background(), f.creationData(fileIDs), f.user)
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	accessToken, err := crypt4gh.DecryptBase64(response.Token, f.userKey.Private)
	if err != nil {
		t.Fatalf("failed to decrypt access token: %v", err)
	}
	return response.ID, string(accessToken)
}

func TestCreateHappyPath(t *testing.T) {
	f := newFixture(t)

	workPackageID, accessToken := f.create(t, nil)

	// the token embeds the work package ID
	tokenID, secret, err := token.ParseAccessToken(accessToken)
	if err != nil {
		t.Fatalf("ParseAccessToken() error = %v", err)
	}
	if tokenID != workPackageID {
		t.Errorf("token ID = %q, want %q", tokenID, workPackageID)
	}

	// only the fingerprint is persisted
	stored, err := f.store.GetWorkPackage(context.Background(), workPackageID)
	if err != nil {
		t.Fatalf("GetWorkPackage() error = %v", err)
	}
	if stored.TokenHash != token.Fingerprint(secret) {
		t.Errorf("stored token hash does not match secret fingerprint")
	}
	if stored.UserID != "user-1" || stored.FullUserName != "Dr. Jane Roe" {
		t.Errorf("stored work package user = %q/%q", stored.UserID, stored.FullUserName)
	}

	// nil selection targets all dataset files in dataset order
	want := []string{"FILE001", "FILE002", "FILE003"}
	if len(stored.FileIDs) != len(want) {
		t.Fatalf("stored file IDs = %v, want %v", stored.FileIDs, want)
	}
	for i, id := range want {
		if stored.FileIDs[i] != id {
			t.Errorf("stored file IDs = %v, want %v", stored.FileIDs, want)
			break
		}
	}

	// 30 day validity window
	if lifetime := stored.Expires.Sub(stored.Created); lifetime != 30*24*time.Hour {
		t.Errorf("work package lifetime = %v, want 720h", lifetime)
	}
}

func TestCreateFileSelection(t *testing.T) {
	f := newFixture(t)

	// caller order is preserved, duplicates and unknown IDs are dropped
	workPackageID, _ := f.create(t, []string{"FILE003", "FILE001", "FILE003", "UNKNOWN"})

	stored, err := f.store.GetWorkPackage(context.Background(), workPackageID)
	if err != nil {
		t.Fatalf("GetWorkPackage() error = %v", err)
	}
	if len(stored.FileIDs) != 2 || stored.FileIDs[0] != "FILE003" || stored.FileIDs[1] != "FILE001" {
		t.Errorf("stored file IDs = %v, want [FILE003 FILE001]", stored.FileIDs)
	}
}

func TestCreateNoExistingFiles(t *testing.T) {
	f := newFixture(t)

	_, err := f.manager.Create(context.Background(), f.creationData([]string{"UNKNOWN"}), f.user)
	if !errors.Is(err, ErrAccessDenied) {
		t.Errorf("Create() with only unknown files = %v, want ErrAccessDenied", err)
	}

	_, err = f.manager.Create(context.Background(), f.creationData([]string{}), f.user)
	if !errors.Is(err, ErrAccessDenied) {
		t.Errorf("Create() with empty selection = %v, want ErrAccessDenied", err)
	}
}

func TestCreateUnauthorized(t *testing.T) {
	f := newFixture(t)
	f.oracle.allowed = nil

	_, err := f.manager.Create(context.Background(), f.creationData(nil), f.user)
	if !errors.Is(err, ErrAccessDenied) {
		t.Errorf("Create() without permission = %v, want ErrAccessDenied", err)
	}
}

func TestCreateUnknownDataset(t *testing.T) {
	f := newFixture(t)

	creationData := f.creationData(nil)
	creationData.DatasetID = "DS404"
	_, err := f.manager.Create(context.Background(), creationData, f.user)
	if !errors.Is(err, ErrAccessDenied) {
		t.Errorf("Create() for unknown dataset = %v, want ErrAccessDenied", err)
	}
}

func TestCreateInvalidUserKey(t *testing.T) {
	f := newFixture(t)

	creationData := f.creationData(nil)
	creationData.UserPublicCrypt4GHKey = "not a key"
	_, err := f.manager.Create(context.Background(), creationData, f.user)
	if !errors.Is(err, crypt4gh.ErrInvalidKey) {
		t.Errorf("Create() with bad key = %v, want ErrInvalidKey", err)
	}
}

func TestCreateOracleFailure(t *testing.T) {
	f := newFixture(t)
	f.oracle.checkErr = errors.New("oracle down")

	_, err := f.manager.Create(context.Background(), f.creationData(nil), f.user)
	if err == nil || errors.Is(err, ErrAccessDenied) {
		t.Errorf("Create() with oracle failure = %v, want an internal error", err)
	}
}

func TestGetDetails(t *testing.T) {
	f := newFixture(t)
	workPackageID, accessToken := f.create(t, []string{"FILE001", "FILE002"})

	details, err := f.manager.GetDetails(context.Background(), workPackageID, accessToken)
	if err != nil {
		t.Fatalf("GetDetails() error = %v", err)
	}
	if details.Type != model.WorkTypeDownload {
		t.Errorf("GetDetails() type = %q", details.Type)
	}
	if len(details.Files) != 2 ||
		details.Files["FILE001"] != ".fastq.gz" || details.Files["FILE002"] != ".vcf" {
		t.Errorf("GetDetails() files = %v", details.Files)
	}
}

func TestGetDetailsAuthFailures(t *testing.T) {
	f := newFixture(t)
	workPackageID, accessToken := f.create(t, nil)
	_, otherToken := f.create(t, nil)

	tests := []struct {
		name          string
		workPackageID string
		accessToken   string
	}{
		{name: "malformed token", workPackageID: workPackageID, accessToken: "garbage"},
		{name: "ID mismatch", workPackageID: workPackageID, accessToken: otherToken},
		{name: "unknown work package", workPackageID: "missing", accessToken: "missing:secret"},
		{name: "wrong secret", workPackageID: workPackageID, accessToken: workPackageID + ":wrong"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.manager.GetDetails(context.Background(), tt.workPackageID, tt.accessToken)
			if !errors.Is(err, ErrAccessDenied) {
				t.Errorf("GetDetails() = %v, want ErrAccessDenied", err)
			}
		})
	}

	if _, err := f.manager.GetDetails(context.Background(), workPackageID, accessToken); err != nil {
		t.Errorf("GetDetails() with valid token = %v", err)
	}
}

func TestGetDetailsExpired(t *testing.T) {
	f := newFixture(t)
	workPackageID, accessToken := f.create(t, nil)

	// jump past the expiry
	f.manager.now = func() time.Time { return time.Now().UTC().Add(31 * 24 * time.Hour) }

	_, err := f.manager.GetDetails(context.Background(), workPackageID, accessToken)
	if !errors.Is(err, ErrAccessDenied) {
		t.Errorf("GetDetails() on expired work package = %v, want ErrAccessDenied", err)
	}
}

func TestGetDetailsAfterDatasetDeletion(t *testing.T) {
	f := newFixture(t)
	workPackageID, accessToken := f.create(t, []string{"FILE001"})

	if err := f.store.DeleteDataset(context.Background(), "DS001"); err != nil {
		t.Fatalf("DeleteDataset() error = %v", err)
	}

	details, err := f.manager.GetDetails(context.Background(), workPackageID, accessToken)
	if err != nil {
		t.Fatalf("GetDetails() error = %v", err)
	}
	// file IDs survive, extensions degrade to empty
	if ext, ok := details.Files["FILE001"]; !ok || ext != "" {
		t.Errorf("GetDetails() files = %v, want FILE001 with empty extension", details.Files)
	}
}

func TestCreateWorkOrderToken(t *testing.T) {
	f := newFixture(t)
	workPackageID, accessToken := f.create(t, []string{"FILE001"})

	encrypted, err := f.manager.CreateWorkOrderToken(context.Background(), workPackageID, "FILE001", accessToken)
	if err != nil {
		t.Fatalf("CreateWorkOrderToken() error = %v", err)
	}

	// the token decrypts with the user key to a verifiable JWT
	signed, err := crypt4gh.DecryptBase64(encrypted, f.userKey.Private)
	if err != nil {
		t.Fatalf("failed to decrypt work order token: %v", err)
	}
	parsed, err := jwt.Parse(string(signed),
		func(tok *jwt.Token) (interface{}, error) {
			return f.manager.codec.PublicKey(), nil
		},
		jwt.WithValidMethods([]string{"ES256"}),
	)
	if err != nil || !parsed.Valid {
		t.Fatalf("work order token failed verification: %v", err)
	}
	claims := parsed.Claims.(jwt.MapClaims)
	if claims["file_id"] != "FILE001" || claims["user_id"] != "user-1" || claims["type"] != "download" {
		t.Errorf("work order claims = %v", claims)
	}

	// the grant was registered with the oracle
	if len(f.oracle.grants) != 1 || f.oracle.grants[0] != "user-1/FILE001" {
		t.Errorf("registered grants = %v, want [user-1/FILE001]", f.oracle.grants)
	}
}

func TestCreateWorkOrderTokenFileNotInPackage(t *testing.T) {
	f := newFixture(t)
	workPackageID, accessToken := f.create(t, []string{"FILE001"})

	_, err := f.manager.CreateWorkOrderToken(context.Background(), workPackageID, "FILE002", accessToken)
	if !errors.Is(err, ErrAccessDenied) {
		t.Errorf("CreateWorkOrderToken() for excluded file = %v, want ErrAccessDenied", err)
	}
}

func TestCreateWorkOrderTokenGrantFailureIsBestEffort(t *testing.T) {
	f := newFixture(t)
	workPackageID, accessToken := f.create(t, []string{"FILE001"})
	f.oracle.grantErr = errors.New("grant endpoint down")

	if _, err := f.manager.CreateWorkOrderToken(context.Background(), workPackageID, "FILE001", accessToken); err != nil {
		t.Errorf("CreateWorkOrderToken() failed on grant error = %v, want success", err)
	}
}

func TestListUserDatasets(t *testing.T) {
	f := newFixture(t)
	f.oracle.datasets = []string{"DS002", "DS001", "DS404"}

	// a second dataset, listed first by the oracle
	if err := f.store.UpsertDataset(context.Background(), model.Dataset{
		ID: "DS002", Stage: model.WorkTypeDownload, Title: "Second dataset",
	}); err != nil {
		t.Fatalf("UpsertDataset() error = %v", err)
	}

	datasets, err := f.manager.ListUserDatasets(context.Background(), "user-1", f.user)
	if err != nil {
		t.Fatalf("ListUserDatasets() error = %v", err)
	}
	// oracle order preserved, unknown DS404 skipped
	if len(datasets) != 2 || datasets[0].ID != "DS002" || datasets[1].ID != "DS001" {
		t.Errorf("ListUserDatasets() = %v", datasets)
	}
}

func TestListUserDatasetsUserMismatch(t *testing.T) {
	f := newFixture(t)

	_, err := f.manager.ListUserDatasets(context.Background(), "someone-else", f.user)
	if !errors.Is(err, ErrAccessDenied) {
		t.Errorf("ListUserDatasets() for other user = %v, want ErrAccessDenied", err)
	}
}

func TestDatasetProjectionHandlers(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if err := f.manager.RegisterDataset(ctx, model.Dataset{ID: "DS009", Stage: model.WorkTypeUpload}); err != nil {
		t.Fatalf("RegisterDataset() error = %v", err)
	}
	if _, err := f.store.GetDataset(ctx, "DS009"); err != nil {
		t.Errorf("registered dataset not found: %v", err)
	}

	if err := f.manager.DeleteDataset(ctx, "DS009"); err != nil {
		t.Fatalf("DeleteDataset() error = %v", err)
	}
	if _, err := f.store.GetDataset(ctx, "DS009"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("deleted dataset still present")
	}
}
