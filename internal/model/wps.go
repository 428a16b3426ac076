// internal/model/wps.go
// Package model defines the data structures used throughout the work package service.
// These structures represent the core domain objects for datasets, work packages,
// and the tokens that are issued for them.
package model

import (
	"time"
)

// WorkType is the type of work that a work package describes.
type WorkType string

const (
	// WorkTypeDownload marks a work package for downloading dataset files.
	WorkTypeDownload WorkType = "download"
	// WorkTypeUpload marks a work package for uploading dataset files.
	WorkTypeUpload WorkType = "upload"
)

// IsValid reports whether the work type is one of the known values.
func (t WorkType) IsValid() bool {
	return t == WorkTypeDownload || t == WorkTypeUpload
}

// DatasetFile is a file that is part of a dataset.
type DatasetFile struct {
	ID        string `json:"id"`        // File accession ID (unique within the dataset)
	Extension string `json:"extension"` // File extension including the leading dot
}

// Dataset is the local projection of a dataset announced on the event bus.
// It corresponds to a document in the datasets collection.
type Dataset struct {
	ID          string        `json:"id"`          // Dataset accession ID (unique)
	Stage       WorkType      `json:"stage"`       // Current stage of the dataset
	Title       string        `json:"title"`       // Title of the dataset
	Description string        `json:"description"` // Free-text description
	Files       []DatasetFile `json:"files"`       // Files contained in the dataset, order preserved
}

// FileIDs returns the IDs of all files of the dataset in dataset order.
func (d *Dataset) FileIDs() []string {
	ids := make([]string, len(d.Files))
	for i, file := range d.Files {
		ids[i] = file.ID
	}
	return ids
}

// WorkPackage is the persisted authorization envelope binding a user, a dataset,
// a work type and a file subset for a validity window.
// It corresponds to a document in the work packages collection.
// The access token itself is never stored, only its hash.
type WorkPackage struct {
	ID                    string    `json:"id"`                    // Opaque work package ID (20-byte URL-safe random)
	DatasetID             string    `json:"datasetId"`             // Referenced dataset
	Type                  WorkType  `json:"type"`                  // Work type (download or upload)
	FileIDs               []string  `json:"fileIds"`               // Selected file IDs, subset of the dataset at creation time
	UserID                string    `json:"userId"`                // Internal user ID
	FullUserName          string    `json:"fullUserName"`          // Full name including academic title
	Email                 string    `json:"email"`                 // E-mail address of the user
	UserPublicCrypt4GHKey string    `json:"userPublicCrypt4ghKey"` // User's public Crypt4GH key, base64
	TokenHash             string    `json:"tokenHash"`             // Hex SHA-256 of the access token secret
	Created               time.Time `json:"created"`               // Creation instant (UTC)
	Expires               time.Time `json:"expires"`               // Expiration instant (UTC)
}

// WorkPackageCreationData is the request body for creating a work package.
type WorkPackageCreationData struct {
	DatasetID string   `json:"dataset_id"` // Dataset the work package refers to
	Type      WorkType `json:"type"`       // Work type (download or upload)
	// FileIDs restricts the work package to a subset of the dataset files.
	// If nil, all files of the dataset are assumed as target.
	FileIDs               []string `json:"file_ids"`
	UserPublicCrypt4GHKey string   `json:"user_public_crypt4gh_key"` // User's public Crypt4GH key, base64
}

// WorkPackageCreationResponse is returned when a work package has been created.
// The token is encrypted with the user's public Crypt4GH key.
type WorkPackageCreationResponse struct {
	ID    string `json:"id"`
	Token string `json:"token"`
}

// WorkPackageDetails are the details about a work package that holders of the
// access token may request.
type WorkPackageDetails struct {
	Type WorkType `json:"type"`
	// Files maps the IDs of all included files to their file extensions.
	// Extensions may be empty when the dataset projection no longer holds them.
	Files   map[string]string `json:"files"`
	Created time.Time         `json:"created"`
	Expires time.Time         `json:"expires"`
}

// WorkOrderToken is the claim set of a work order token. It is signed with the
// service key and then encrypted to the user's public Crypt4GH key, so that it
// can only be used by the user that the originating work package was issued to.
type WorkOrderToken struct {
	Type                  WorkType `json:"type"`
	FileID                string   `json:"file_id"`
	UserID                string   `json:"user_id"`
	UserPublicCrypt4GHKey string   `json:"user_public_crypt4gh_key"`
	FullUserName          string   `json:"full_user_name"`
	Email                 string   `json:"email"`
}

// UserContext is the user identity extracted from a verified internal
// authentication assertion.
type UserContext struct {
	ID    string // Internal user ID
	Name  string // Full name, including academic title if asserted
	Email string // E-mail address
}
