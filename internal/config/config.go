// Package config provides configuration loading and management for the work
// package service. Settings come from an optional YAML file overlaid by
// environment variables; the environment always wins.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// init loads environment variables from .env files during package initialization.
// In development, it loads .env and .env.local files if they exist.
// In production, it relies solely on system environment variables.
// The loading order ensures that system environment variables take precedence over .env files.
func init() {
	// godotenv.Load() does not override already-set environment variables,
	// preserving OS env > .env precedence

	if _, err := os.Stat(".env"); err == nil {
		if err := godotenv.Load(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: failed to load .env file: %v\n", err)
		}
	}

	if _, err := os.Stat(".env.local"); err == nil {
		if err := godotenv.Load(".env.local"); err != nil {
			fmt.Fprintf(os.Stderr, "warning: failed to load .env.local file: %v\n", err)
		}
	}
}

// Config captures the settings needed to run the work package service.
type Config struct {
	Env               string `yaml:"env"`                 // Deployment environment (dev, staging, prod)
	ServiceInstanceID string `yaml:"service_instance_id"` // Instance identifier for logs and traces
	Port              string `yaml:"port"`                // HTTP server port
	DatabaseDSN       string `yaml:"db_dsn"`              // Database connection string (PostgreSQL)
	NATSURL           string `yaml:"nats_url"`            // NATS server URL, empty disables event consumption

	// Event bus topology
	DatasetChangeTopic  string `yaml:"dataset_change_topic"`  // Subject carrying dataset change events
	DatasetUpsertType   string `yaml:"dataset_upsert_type"`   // Event type for dataset upserts
	DatasetDeletionType string `yaml:"dataset_deletion_type"` // Event type for dataset deletions

	// Access oracle base URLs, one per work type
	DownloadAccessURL string `yaml:"download_access_url"`
	UploadAccessURL   string `yaml:"upload_access_url"`

	// Keys: the auth key is the public JWK of the internal auth adapter, the
	// signing key is the private JWK used to sign work order tokens.
	AuthKey               string   `yaml:"auth_key"`
	AuthAlgorithms        []string `yaml:"auth_algorithms"`
	WorkPackageSigningKey string   `yaml:"work_package_signing_key"`

	// Work package lifecycle
	ValidDays       int `yaml:"valid_days"`       // Validity window of new work packages in days
	CleanupInterval int `yaml:"cleanup_interval"` // Expiry sweep interval in seconds, 0 disables

	// Storage collection names
	DatasetsCollection     string `yaml:"datasets_collection"`
	WorkPackagesCollection string `yaml:"work_packages_collection"`

	// CORS configuration
	CORSAllowedOrigins []string `yaml:"cors_allowed_origins"` // Allowed origins for CORS (empty means deny all)
}

// Default configuration values used when neither the environment nor the
// config file set them
const (
	defaultEnv                 = "dev"
	defaultPort                = "8080"
	defaultDatasetChangeTopic  = "metadata.dataset_events"
	defaultDatasetUpsertType   = "dataset_created"
	defaultDatasetDeletionType = "dataset_deleted"
	defaultValidDays           = 30
	defaultDatasetsCollection  = "datasets"
	defaultWorkPackagesColl    = "work_packages"
)

// Load reads the optional YAML config file named by WPS_CONFIG_FILE, overlays
// environment variables and produces a Config suitable for wiring the service.
// Returns an error if required parameters are missing or invalid.
func Load() (Config, error) {
	cfg := Config{
		Env:                    defaultEnv,
		Port:                   defaultPort,
		DatasetChangeTopic:     defaultDatasetChangeTopic,
		DatasetUpsertType:      defaultDatasetUpsertType,
		DatasetDeletionType:    defaultDatasetDeletionType,
		AuthAlgorithms:         []string{"ES256"},
		ValidDays:              defaultValidDays,
		DatasetsCollection:     defaultDatasetsCollection,
		WorkPackagesCollection: defaultWorkPackagesColl,
	}

	if file, exists := os.LookupEnv("WPS_CONFIG_FILE"); exists && file != "" {
		data, err := os.ReadFile(file)
		if err != nil {
			return cfg, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyString := func(key string, target *string) {
		if v, exists := os.LookupEnv(key); exists {
			*target = v
		}
	}
	applyList := func(key string, target *[]string) {
		if v, exists := os.LookupEnv(key); exists {
			parts := strings.Split(v, ",")
			for i, part := range parts {
				parts[i] = strings.TrimSpace(part)
			}
			*target = parts
		}
	}

	applyString("WPS_ENV", &cfg.Env)
	applyString("WPS_SERVICE_INSTANCE_ID", &cfg.ServiceInstanceID)
	applyString("WPS_PORT", &cfg.Port)
	applyString("WPS_DB_DSN", &cfg.DatabaseDSN)
	applyString("WPS_NATS_URL", &cfg.NATSURL)
	applyString("WPS_DATASET_CHANGE_TOPIC", &cfg.DatasetChangeTopic)
	applyString("WPS_DATASET_UPSERTION_TYPE", &cfg.DatasetUpsertType)
	applyString("WPS_DATASET_DELETION_TYPE", &cfg.DatasetDeletionType)
	applyString("WPS_DOWNLOAD_ACCESS_URL", &cfg.DownloadAccessURL)
	applyString("WPS_UPLOAD_ACCESS_URL", &cfg.UploadAccessURL)
	applyString("WPS_AUTH_KEY", &cfg.AuthKey)
	applyList("WPS_AUTH_ALGS", &cfg.AuthAlgorithms)
	applyString("WPS_WORK_PACKAGE_SIGNING_KEY", &cfg.WorkPackageSigningKey)
	applyString("WPS_DATASETS_COLLECTION", &cfg.DatasetsCollection)
	applyString("WPS_WORK_PACKAGES_COLLECTION", &cfg.WorkPackagesCollection)
	applyList("WPS_CORS_ALLOWED_ORIGINS", &cfg.CORSAllowedOrigins)

	if v, exists := os.LookupEnv("WPS_VALID_DAYS"); exists {
		days, err := strconv.Atoi(v)
		if err != nil {
			return cfg, fmt.Errorf("invalid WPS_VALID_DAYS: %w", err)
		}
		cfg.ValidDays = days
	}
	if v, exists := os.LookupEnv("WPS_CLEANUP_INTERVAL"); exists {
		interval, err := strconv.Atoi(v)
		if err != nil {
			return cfg, fmt.Errorf("invalid WPS_CLEANUP_INTERVAL: %w", err)
		}
		cfg.CleanupInterval = interval
	}

	// Validate required parameters
	if cfg.AuthKey == "" {
		return cfg, fmt.Errorf("WPS_AUTH_KEY is required")
	}
	if cfg.WorkPackageSigningKey == "" {
		return cfg, fmt.Errorf("WPS_WORK_PACKAGE_SIGNING_KEY is required")
	}
	if cfg.DownloadAccessURL == "" {
		return cfg, fmt.Errorf("WPS_DOWNLOAD_ACCESS_URL is required")
	}
	if cfg.UploadAccessURL == "" {
		return cfg, fmt.Errorf("WPS_UPLOAD_ACCESS_URL is required")
	}
	if cfg.ValidDays <= 0 {
		return cfg, fmt.Errorf("WPS_VALID_DAYS must be positive")
	}

	return cfg, nil
}
