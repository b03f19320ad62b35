package catalog

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/preisradar/preisradar/internal/config"
)

// DB wraps the PostgreSQL connection pool.
type DB struct {
	*sql.DB
}

// Open creates the connection pool and verifies connectivity.
func Open(cfg config.DatabaseConfig) (*DB, error) {
	db, err := sql.Open("postgres", cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(30 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &DB{DB: db}, nil
}

// Health checks database connectivity.
func (db *DB) Health(ctx context.Context) error {
	return db.PingContext(ctx)
}

// WithTx executes fn within a transaction.
func (db *DB) WithTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("tx error: %v, rollback error: %v", err, rbErr)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	return nil
}

// Migrate creates the catalog tables when they do not exist yet.
// migrations is applied in order by Migrate.
var migrations = []string{
	`CREATE TABLE IF NOT EXISTS sources (
		id         BIGSERIAL PRIMARY KEY,
		name       TEXT NOT NULL UNIQUE,
		base_url   TEXT NOT NULL DEFAULT '',
		enabled    BOOLEAN NOT NULL DEFAULT TRUE,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS items (
		id           UUID PRIMARY KEY,
		source_id    BIGINT NOT NULL REFERENCES sources(id),
		name         VARCHAR(255) NOT NULL,
		price_cents  BIGINT NOT NULL,
		unit         VARCHAR(100),
		category     VARCHAR(100),
		brand        VARCHAR(100),
		description  VARCHAR(500),
		image_url    TEXT,
		detail_url   TEXT,
		available    BOOLEAN NOT NULL DEFAULT TRUE,
		availability VARCHAR(255),
		valid_until  TIMESTAMPTZ,
		postal_code  VARCHAR(50),
		crawl_job_id TEXT NOT NULL DEFAULT '',
		harvested_at TIMESTAMPTZ NOT NULL,
		is_active    BOOLEAN NOT NULL DEFAULT TRUE,
		deleted_at   TIMESTAMPTZ
	)`,
	`CREATE INDEX IF NOT EXISTS idx_items_source_active
		ON items (source_id, is_active)`,
	`CREATE INDEX IF NOT EXISTS idx_items_harvested_at
		ON items (harvested_at)`,
	`CREATE INDEX IF NOT EXISTS idx_items_deleted_at
		ON items (deleted_at) WHERE deleted_at IS NOT NULL`,
}

func (db *DB) Migrate(ctx context.Context) error {
	for _, stmt := range migrations {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}
