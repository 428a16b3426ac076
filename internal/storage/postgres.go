// internal/storage/postgres.go
// PostgreSQL implementation of the Store interface. Datasets and work packages
// are kept as whole JSONB documents in per-collection tables, which preserves
// the document semantics of the projection (upsert replaces the full document).
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/fedgenomics/work-package-service/internal/model"
)

// collection names come from configuration and end up in SQL identifiers
var validCollectionName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// postgres provides persistent storage for datasets and work packages.
type postgres struct {
	db           *pgxpool.Pool
	datasets     string // datasets table name
	workPackages string // work packages table name
}

// NewPostgres creates a new PostgreSQL storage implementation.
// It establishes a connection pool to the database and initializes the schema.
// Parameters:
//   - dsn: Database connection string in PostgreSQL format
//   - datasetsCollection: table name for the dataset projection
//   - workPackagesCollection: table name for work package documents
func NewPostgres(dsn, datasetsCollection, workPackagesCollection string) (Store, error) {
	for _, name := range []string{datasetsCollection, workPackagesCollection} {
		if !validCollectionName.MatchString(name) {
			return nil, fmt.Errorf("invalid collection name: %q", name)
		}
	}

	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("invalid database DSN: %w", err)
	}

	// Configure connection pool settings
	config.MaxConns = 20
	config.MinConns = 5
	config.MaxConnLifetime = time.Hour
	config.MaxConnIdleTime = time.Minute * 30
	config.HealthCheckPeriod = time.Minute

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	p := &postgres{db: pool, datasets: datasetsCollection, workPackages: workPackagesCollection}
	if err := p.initSchema(ctx); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return p, nil
}

// initSchema creates the collection tables and indexes if they don't exist.
func (p *postgres) initSchema(ctx context.Context) error {
	schema := fmt.Sprintf(`
		-- Dataset projection, one JSONB document per dataset
		CREATE TABLE IF NOT EXISTS %[1]s (
		    id TEXT PRIMARY KEY,       -- Dataset accession ID
		    document JSONB NOT NULL,   -- Full dataset document
		    updated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
		);

		-- Work package documents, written once at creation
		CREATE TABLE IF NOT EXISTS %[2]s (
		    id TEXT PRIMARY KEY,       -- Work package ID
		    document JSONB NOT NULL,   -- Full work package document (token hash, never the token)
		    expires TIMESTAMP WITH TIME ZONE NOT NULL,
		    created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
		);

		-- Index to make the expiry sweep cheap
		CREATE INDEX IF NOT EXISTS idx_%[2]s_expires ON %[2]s(expires);
	`, p.datasets, p.workPackages)

	_, err := p.db.Exec(ctx, schema)
	return err
}

// Close closes the database connection pool
func (p *postgres) Close() {
	p.db.Close()
}

func (p *postgres) UpsertDataset(ctx context.Context, dataset model.Dataset) error {
	document, err := json.Marshal(dataset)
	if err != nil {
		return fmt.Errorf("failed to marshal dataset: %w", err)
	}

	query := fmt.Sprintf(`INSERT INTO %s (id, document, updated_at) VALUES ($1, $2, $3)
	          ON CONFLICT (id) DO UPDATE SET document = $2, updated_at = $3`, p.datasets)
	if _, err := p.db.Exec(ctx, query, dataset.ID, document, time.Now().UTC()); err != nil {
		return fmt.Errorf("failed to upsert dataset: %w", err)
	}
	return nil
}

func (p *postgres) DeleteDataset(ctx context.Context, datasetID string) error {
	query := fmt.Sprintf(`DELETE FROM %s WHERE id = $1`, p.datasets)
	// deleting a missing dataset is not an error
	if _, err := p.db.Exec(ctx, query, datasetID); err != nil {
		return fmt.Errorf("failed to delete dataset: %w", err)
	}
	return nil
}

func (p *postgres) GetDataset(ctx context.Context, datasetID string) (*model.Dataset, error) {
	query := fmt.Sprintf(`SELECT document FROM %s WHERE id = $1`, p.datasets)

	var document []byte
	err := p.db.QueryRow(ctx, query, datasetID).Scan(&document)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get dataset: %w", err)
	}

	var dataset model.Dataset
	if err := json.Unmarshal(document, &dataset); err != nil {
		return nil, fmt.Errorf("failed to unmarshal dataset: %w", err)
	}
	return &dataset, nil
}

func (p *postgres) InsertWorkPackage(ctx context.Context, workPackage model.WorkPackage) error {
	document, err := json.Marshal(workPackage)
	if err != nil {
		return fmt.Errorf("failed to marshal work package: %w", err)
	}

	query := fmt.Sprintf(`INSERT INTO %s (id, document, expires, created_at) VALUES ($1, $2, $3, $4)`,
		p.workPackages)
	_, err = p.db.Exec(ctx, query, workPackage.ID, document, workPackage.Expires, workPackage.Created)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrConflict
		}
		return fmt.Errorf("failed to insert work package: %w", err)
	}
	return nil
}

func (p *postgres) GetWorkPackage(ctx context.Context, workPackageID string) (*model.WorkPackage, error) {
	query := fmt.Sprintf(`SELECT document FROM %s WHERE id = $1`, p.workPackages)

	var document []byte
	err := p.db.QueryRow(ctx, query, workPackageID).Scan(&document)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get work package: %w", err)
	}

	var workPackage model.WorkPackage
	if err := json.Unmarshal(document, &workPackage); err != nil {
		return nil, fmt.Errorf("failed to unmarshal work package: %w", err)
	}
	return &workPackage, nil
}

func (p *postgres) DeleteExpiredWorkPackages(ctx context.Context, before time.Time) (int64, error) {
	query := fmt.Sprintf(`DELETE FROM %s WHERE expires < $1`, p.workPackages)

	result, err := p.db.Exec(ctx, query, before)
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired work packages: %w", err)
	}
	return result.RowsAffected(), nil
}

func (p *postgres) Ping(ctx context.Context) error {
	return p.db.Ping(ctx)
}
