// Package postgres provides PostgreSQL persistence for graphs, runs,
// checkpoints and delta logs.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	// PostgreSQL driver registration.
	_ "github.com/lib/pq"

	"github.com/duetflow/duetflow/pkg/persistence"
)

// Persistence implements the persistence layer for PostgreSQL. Entities are
// stored as JSONB documents; the delta log gets its own table keyed by
// (run_id, version) so Range is a single indexed scan.
type Persistence struct {
	db          *sql.DB
	logger      *slog.Logger
	graphs      *GraphRepository
	runs        *RunRepository
	checkpoints *CheckpointRepository
	deltas      *DeltaLogRepository
}

// NewPersistence connects, migrates the schema and returns the store.
func NewPersistence(ctx context.Context, logger *slog.Logger, databaseURL string) (*Persistence, error) {
	database, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to PostgreSQL database: %w", err)
	}

	if err := database.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	p := &Persistence{
		db:          database,
		logger:      logger,
		graphs:      &GraphRepository{db: database},
		runs:        &RunRepository{db: database},
		checkpoints: &CheckpointRepository{db: database},
		deltas:      &DeltaLogRepository{db: database},
	}

	if err := p.migrate(ctx); err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return p, nil
}

func (p *Persistence) migrate(ctx context.Context) error {
	p.logger.InfoContext(ctx, "Running database migrations")

	statements := []string{
		`CREATE TABLE IF NOT EXISTS graphs (
			id         TEXT PRIMARY KEY,
			data       JSONB NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE TABLE IF NOT EXISTS runs (
			run_id     TEXT PRIMARY KEY,
			version    BIGINT NOT NULL,
			data       JSONB NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE TABLE IF NOT EXISTS checkpoints (
			run_id        TEXT NOT NULL,
			checkpoint_id TEXT NOT NULL,
			data          JSONB NOT NULL,
			created_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
			PRIMARY KEY (run_id, checkpoint_id)
		)`,
		`CREATE TABLE IF NOT EXISTS deltas (
			run_id  TEXT NOT NULL,
			version BIGINT NOT NULL,
			data    JSONB NOT NULL,
			PRIMARY KEY (run_id, version)
		)`,
	}

	for _, stmt := range statements {
		if _, err := p.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}

	return nil
}

func (p *Persistence) Graphs() persistence.GraphRepository {
	return p.graphs
}

func (p *Persistence) Runs() persistence.RunRepository {
	return p.runs
}

func (p *Persistence) Checkpoints() persistence.CheckpointRepository {
	return p.checkpoints
}

func (p *Persistence) Deltas() persistence.DeltaLogRepository {
	return p.deltas
}

// HealthCheck verifies the database connection is healthy.
func (p *Persistence) HealthCheck(ctx context.Context) error {
	if err := p.db.PingContext(ctx); err != nil {
		return fmt.Errorf("failed to ping database: %w", err)
	}

	return nil
}

// Close closes the database connection.
func (p *Persistence) Close(_ context.Context) error {
	if p.db != nil {
		if err := p.db.Close(); err != nil {
			return fmt.Errorf("failed to close database connection: %w", err)
		}
	}

	return nil
}
