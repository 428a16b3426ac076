// internal/work/manager.go
// Package work implements the work package manager, the state machine at the
// center of the service. It orchestrates the token codec, the stores and the
// access oracle to create work packages, answer detail queries, mint work
// order tokens and list a user's accessible datasets.
package work

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/fedgenomics/work-package-service/internal/crypt4gh"
	"github.com/fedgenomics/work-package-service/internal/metrics"
	"github.com/fedgenomics/work-package-service/internal/model"
	"github.com/fedgenomics/work-package-service/internal/storage"
	"github.com/fedgenomics/work-package-service/internal/token"
)

// ErrAccessDenied covers every reason a caller may not act on a work package:
// refused authorization, unknown dataset, empty file selection, invalid or
// expired access token, user mismatch. The reasons are kept in the wrapped
// message for logging but are never surfaced to callers.
var ErrAccessDenied = errors.New("access denied")

// AccessOracle is the narrow view of the external access-decision service
// required by the manager.
type AccessOracle interface {
	Check(ctx context.Context, userID, datasetID string, workType model.WorkType) (bool, error)
	ListDatasets(ctx context.Context, userID string) ([]string, error)
	RegisterGrant(ctx context.Context, userID, fileID string, validUntil time.Time) error
}

// Manager creates and serves work packages.
// All its state is remote handles wired at startup; it is safe for concurrent use.
type Manager struct {
	store    storage.Store
	oracle   AccessOracle
	codec    *token.Codec
	validity time.Duration // how long a work package stays valid
	metrics  *metrics.Metrics
	now      func() time.Time // injectable clock for expiry tests
}

// NewManager wires a manager from its collaborators.
// validDays is the validity window of new work packages in days.
func NewManager(store storage.Store, oracle AccessOracle, codec *token.Codec, validDays int) *Manager {
	return &Manager{
		store:    store,
		oracle:   oracle,
		codec:    codec,
		validity: time.Duration(validDays) * 24 * time.Hour,
		metrics:  metrics.NewMetrics(),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Create creates a work package for the authenticated user and returns its ID
// together with the access token encrypted to the user's public Crypt4GH key.
//
// ErrAccessDenied is returned when the dataset is unknown, the oracle refuses
// the (user, dataset, type) tuple, or the file selection reduces to nothing.
// crypt4gh.ErrInvalidKey is returned for a malformed user key.
func (m *Manager) Create(ctx context.Context, creationData model.WorkPackageCreationData, user *model.UserContext) (*model.WorkPackageCreationResponse, error) {
	if !creationData.Type.IsValid() {
		return nil, fmt.Errorf("%w: unsupported work type", ErrAccessDenied)
	}
	userKey, err := crypt4gh.ValidatePublicKey(creationData.UserPublicCrypt4GHKey)
	if err != nil {
		return nil, err
	}

	logAttrs := []any{
		"user_id", user.ID,
		"dataset_id", creationData.DatasetID,
		"work_type", creationData.Type,
	}

	// the dataset must be known; its absence is reported as a denial so that
	// callers cannot probe for dataset existence
	dataset, err := m.store.GetDataset(ctx, creationData.DatasetID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			slog.Warn("work package for unknown dataset requested", logAttrs...)
			return nil, fmt.Errorf("%w: cannot determine dataset files", ErrAccessDenied)
		}
		return nil, fmt.Errorf("failed to read dataset: %w", err)
	}

	allowed, err := m.oracle.Check(ctx, user.ID, creationData.DatasetID, creationData.Type)
	if err != nil {
		return nil, fmt.Errorf("failed to check dataset access: %w", err)
	}
	if !allowed {
		slog.Warn("missing dataset access permission", logAttrs...)
		return nil, fmt.Errorf("%w: missing dataset access permission", ErrAccessDenied)
	}

	fileIDs := resolveFileIDs(dataset, creationData.FileIDs)
	if len(fileIDs) == 0 {
		slog.Warn("no existing files have been specified", logAttrs...)
		return nil, fmt.Errorf("%w: no existing files have been specified", ErrAccessDenied)
	}

	workPackageID := token.NewWorkPackageID()
	secret := token.NewAccessSecret()
	created := m.now()

	workPackage := model.WorkPackage{
		ID:                    workPackageID,
		DatasetID:             dataset.ID,
		Type:                  creationData.Type,
		FileIDs:               fileIDs,
		UserID:                user.ID,
		FullUserName:          user.Name,
		Email:                 user.Email,
		UserPublicCrypt4GHKey: userKey,
		TokenHash:             token.Fingerprint(secret),
		Created:               created,
		Expires:               created.Add(m.validity),
	}
	if err := m.store.InsertWorkPackage(ctx, workPackage); err != nil {
		return nil, fmt.Errorf("failed to store work package: %w", err)
	}

	accessToken := token.FormatAccessToken(workPackageID, secret)
	encryptedToken, err := crypt4gh.EncryptBase64([]byte(accessToken), userKey)
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt access token: %w", err)
	}

	m.metrics.TokensIssuedTotal.WithLabelValues("access").Inc()
	slog.Info("work package created", append(logAttrs, "work_package_id", workPackageID)...)

	return &model.WorkPackageCreationResponse{ID: workPackageID, Token: encryptedToken}, nil
}

// resolveFileIDs resolves the requested file selection against the dataset.
// A nil selection means all dataset files in dataset order. Otherwise the
// caller's order is preserved, unknown IDs are dropped and duplicates removed.
func resolveFileIDs(dataset *model.Dataset, requested []string) []string {
	if requested == nil {
		return dataset.FileIDs()
	}
	known := make(map[string]bool, len(dataset.Files))
	for _, file := range dataset.Files {
		known[file.ID] = true
	}
	chosen := make([]string, 0, len(requested))
	seen := make(map[string]bool, len(requested))
	for _, id := range requested {
		if known[id] && !seen[id] {
			chosen = append(chosen, id)
			seen[id] = true
		}
	}
	return chosen
}

// authenticate validates a presented access token against the work package
// with the given ID and returns the package. All failure modes (malformed
// token, ID mismatch, unknown package, wrong secret, expired) collapse into
// ErrAccessDenied and are indistinguishable to the caller.
func (m *Manager) authenticate(ctx context.Context, workPackageID, accessToken string) (*model.WorkPackage, error) {
	tokenID, secret, err := token.ParseAccessToken(accessToken)
	if err != nil || tokenID != workPackageID {
		return nil, fmt.Errorf("%w: invalid access token", ErrAccessDenied)
	}

	workPackage, err := m.store.GetWorkPackage(ctx, workPackageID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("%w: work package not found", ErrAccessDenied)
		}
		return nil, fmt.Errorf("failed to read work package: %w", err)
	}

	fingerprint := token.Fingerprint(secret)
	if subtle.ConstantTimeCompare([]byte(fingerprint), []byte(workPackage.TokenHash)) != 1 {
		return nil, fmt.Errorf("%w: invalid access token", ErrAccessDenied)
	}
	if m.now().After(workPackage.Expires) {
		return nil, fmt.Errorf("%w: work package has expired", ErrAccessDenied)
	}
	return workPackage, nil
}

// GetDetails returns the details of a work package to a holder of its access
// token. File extensions are looked up against the current dataset projection;
// when the dataset has been deleted since creation, the known file IDs are
// still returned with empty extensions.
func (m *Manager) GetDetails(ctx context.Context, workPackageID, accessToken string) (*model.WorkPackageDetails, error) {
	workPackage, err := m.authenticate(ctx, workPackageID, accessToken)
	if err != nil {
		return nil, err
	}

	extensions := make(map[string]string)
	dataset, err := m.store.GetDataset(ctx, workPackage.DatasetID)
	if err == nil {
		for _, file := range dataset.Files {
			extensions[file.ID] = file.Extension
		}
	} else if !errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("failed to read dataset: %w", err)
	}

	files := make(map[string]string, len(workPackage.FileIDs))
	for _, fileID := range workPackage.FileIDs {
		files[fileID] = extensions[fileID]
	}

	return &model.WorkPackageDetails{
		Type:    workPackage.Type,
		Files:   files,
		Created: workPackage.Created,
		Expires: workPackage.Expires,
	}, nil
}

// CreateWorkOrderToken mints a work order token for one file of a work
// package: the claims are signed with the service key and encrypted to the
// public Crypt4GH key of the user the work package was issued to.
func (m *Manager) CreateWorkOrderToken(ctx context.Context, workPackageID, fileID, accessToken string) (string, error) {
	workPackage, err := m.authenticate(ctx, workPackageID, accessToken)
	if err != nil {
		return "", err
	}

	contained := false
	for _, id := range workPackage.FileIDs {
		if id == fileID {
			contained = true
			break
		}
	}
	if !contained {
		return "", fmt.Errorf("%w: file is not contained in work package", ErrAccessDenied)
	}

	signed, err := m.codec.SignWorkOrderToken(model.WorkOrderToken{
		Type:                  workPackage.Type,
		FileID:                fileID,
		UserID:                workPackage.UserID,
		UserPublicCrypt4GHKey: workPackage.UserPublicCrypt4GHKey,
		FullUserName:          workPackage.FullUserName,
		Email:                 workPackage.Email,
	})
	if err != nil {
		return "", fmt.Errorf("failed to sign work order token: %w", err)
	}

	encrypted, err := crypt4gh.EncryptBase64([]byte(signed), workPackage.UserPublicCrypt4GHKey)
	if err != nil {
		return "", fmt.Errorf("failed to encrypt work order token: %w", err)
	}

	// grant registration is best-effort telemetry for the data plane
	if err := m.oracle.RegisterGrant(ctx, workPackage.UserID, fileID, workPackage.Expires); err != nil {
		slog.Warn("failed to register work order grant",
			"user_id", workPackage.UserID, "file_id", fileID, "error", err)
	}

	m.metrics.TokensIssuedTotal.WithLabelValues("work_order").Inc()
	slog.Info("work order token created",
		"work_package_id", workPackageID, "file_id", fileID, "user_id", workPackage.UserID)

	return encrypted, nil
}

// ListUserDatasets returns the datasets the given user may download, in the
// order reported by the access oracle. Datasets missing from the local
// projection are skipped. The authenticated user must be the requested user.
func (m *Manager) ListUserDatasets(ctx context.Context, userID string, user *model.UserContext) ([]model.Dataset, error) {
	if user.ID != userID {
		return nil, fmt.Errorf("%w: not authorized to get datasets", ErrAccessDenied)
	}

	datasetIDs, err := m.oracle.ListDatasets(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list accessible datasets: %w", err)
	}

	datasets := make([]model.Dataset, 0, len(datasetIDs))
	for _, datasetID := range datasetIDs {
		dataset, err := m.store.GetDataset(ctx, datasetID)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				slog.Debug("accessible dataset not found in projection", "dataset_id", datasetID)
				continue
			}
			return nil, fmt.Errorf("failed to read dataset: %w", err)
		}
		datasets = append(datasets, *dataset)
	}
	return datasets, nil
}

// RegisterDataset applies a dataset upsert from the event stream to the
// projection. Replays of the same event are idempotent.
func (m *Manager) RegisterDataset(ctx context.Context, dataset model.Dataset) error {
	return m.store.UpsertDataset(ctx, dataset)
}

// DeleteDataset applies a dataset deletion from the event stream to the
// projection. Deleting an unknown dataset is not an error.
func (m *Manager) DeleteDataset(ctx context.Context, datasetID string) error {
	return m.store.DeleteDataset(ctx, datasetID)
}
