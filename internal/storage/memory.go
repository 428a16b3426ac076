// internal/storage/memory.go
// Package storage provides implementations of the Store interface
// for both in-memory and PostgreSQL storage backends.
package storage

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/fedgenomics/work-package-service/internal/model"
)

// Standard errors returned by the storage layer
var (
	ErrNotFound = errors.New("not found") // Returned when a document is not found
	ErrConflict = errors.New("conflict")  // Returned when a document already exists
)

// Store defines the persistence operations required by the work package service.
// Datasets form the projection fed from the event bus: upsert is an
// unconditional whole-document replace and delete is idempotent. Work packages
// are written once at creation and read-only thereafter.
type Store interface {
	// Dataset projection operations
	UpsertDataset(ctx context.Context, dataset model.Dataset) error
	DeleteDataset(ctx context.Context, datasetID string) error
	GetDataset(ctx context.Context, datasetID string) (*model.Dataset, error)

	// Work package operations
	InsertWorkPackage(ctx context.Context, workPackage model.WorkPackage) error
	GetWorkPackage(ctx context.Context, workPackageID string) (*model.WorkPackage, error)

	// DeleteExpiredWorkPackages removes work packages whose expiry lies before
	// the given instant and reports how many were removed.
	DeleteExpiredWorkPackages(ctx context.Context, before time.Time) (int64, error)

	// Ping checks connectivity to the backing store.
	Ping(ctx context.Context) error
}

// memory implements the Store interface using in-memory maps.
// It's intended for development and testing purposes.
type memory struct {
	mu           sync.RWMutex
	datasets     map[string]*model.Dataset
	workPackages map[string]*model.WorkPackage
}

// NewMemory creates a new in-memory storage implementation.
func NewMemory() Store {
	return &memory{
		datasets:     make(map[string]*model.Dataset),
		workPackages: make(map[string]*model.WorkPackage),
	}
}

func (m *memory) UpsertDataset(ctx context.Context, dataset model.Dataset) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	datasetCopy := dataset
	datasetCopy.Files = append([]model.DatasetFile(nil), dataset.Files...)
	m.datasets[dataset.ID] = &datasetCopy
	return nil
}

func (m *memory) DeleteDataset(ctx context.Context, datasetID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	// deleting a missing dataset is not an error
	delete(m.datasets, datasetID)
	return nil
}

func (m *memory) GetDataset(ctx context.Context, datasetID string) (*model.Dataset, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	dataset, exists := m.datasets[datasetID]
	if !exists {
		return nil, ErrNotFound
	}
	datasetCopy := *dataset
	datasetCopy.Files = append([]model.DatasetFile(nil), dataset.Files...)
	return &datasetCopy, nil
}

func (m *memory) InsertWorkPackage(ctx context.Context, workPackage model.WorkPackage) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.workPackages[workPackage.ID]; exists {
		return ErrConflict
	}
	workPackageCopy := workPackage
	workPackageCopy.FileIDs = append([]string(nil), workPackage.FileIDs...)
	m.workPackages[workPackage.ID] = &workPackageCopy
	return nil
}

func (m *memory) GetWorkPackage(ctx context.Context, workPackageID string) (*model.WorkPackage, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	workPackage, exists := m.workPackages[workPackageID]
	if !exists {
		return nil, ErrNotFound
	}
	workPackageCopy := *workPackage
	workPackageCopy.FileIDs = append([]string(nil), workPackage.FileIDs...)
	return &workPackageCopy, nil
}

func (m *memory) DeleteExpiredWorkPackages(ctx context.Context, before time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var deleted int64
	for id, workPackage := range m.workPackages {
		if workPackage.Expires.Before(before) {
			delete(m.workPackages, id)
			deleted++
		}
	}
	return deleted, nil
}

func (m *memory) Ping(ctx context.Context) error {
	return nil
}
