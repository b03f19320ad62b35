package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/preisradar/preisradar/pkg/logger"
)

// ErrSourceNotFound is returned when a source name resolves to no row.
var ErrSourceNotFound = errors.New("source not found")

// ErrDuplicateSource is returned when creating a source whose name already
// exists. Two crawls provisioning the same source concurrently reach this
// through the unique constraint.
var ErrDuplicateSource = errors.New("source already exists")

const uniqueViolation = "23505"

// Store is the catalog persistence surface the coordinator runs against.
type Store interface {
	FindSourceByName(ctx context.Context, name string) (*Source, error)
	CreateSource(ctx context.Context, name, baseURL string) (*Source, error)
	ListSources(ctx context.Context) ([]Source, error)
	SetSourceEnabled(ctx context.Context, name string, enabled bool) error

	// ReplaceItems ages out stale active rows of the source and inserts
	// the new batch tagged with the crawl job, atomically.
	ReplaceItems(ctx context.Context, sourceID int64, items []Item, jobTag string, staleBefore time.Time) error
	ActiveItemCount(ctx context.Context, sourceID int64) (int, error)
	ActiveItems(ctx context.Context, sourceID int64, limit int) ([]Item, error)
}

// PostgresStore implements Store on the shared pool.
type PostgresStore struct {
	db  *DB
	log *logger.Logger
}

// NewPostgresStore creates the catalog store.
func NewPostgresStore(db *DB, log *logger.Logger) *PostgresStore {
	if log == nil {
		log = logger.Default()
	}
	return &PostgresStore{db: db, log: log.WithComponent("catalog")}
}

func (s *PostgresStore) FindSourceByName(ctx context.Context, name string) (*Source, error) {
	var src Source
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, base_url, enabled, created_at, updated_at FROM sources WHERE name = $1`,
		name,
	).Scan(&src.ID, &src.Name, &src.BaseURL, &src.Enabled, &src.CreatedAt, &src.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSourceNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find source %q: %w", name, err)
	}
	return &src, nil
}

func (s *PostgresStore) CreateSource(ctx context.Context, name, baseURL string) (*Source, error) {
	var src Source
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO sources (name, base_url) VALUES ($1, $2)
		 RETURNING id, name, base_url, enabled, created_at, updated_at`,
		name, baseURL,
	).Scan(&src.ID, &src.Name, &src.BaseURL, &src.Enabled, &src.CreatedAt, &src.UpdatedAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
			return nil, ErrDuplicateSource
		}
		return nil, fmt.Errorf("create source %q: %w", name, err)
	}
	s.log.Info("source created", "name", name, "id", src.ID)
	return &src, nil
}

// SetSourceEnabled toggles whether a source may be crawled.
func (s *PostgresStore) SetSourceEnabled(ctx context.Context, name string, enabled bool) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE sources SET enabled = $2, updated_at = now() WHERE name = $1`,
		name, enabled,
	)
	if err != nil {
		return fmt.Errorf("set source %q enabled=%t: %w", name, enabled, err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return ErrSourceNotFound
	}
	s.log.Info("source toggled", "name", name, "enabled", enabled)
	return nil
}

func (s *PostgresStore) ListSources(ctx context.Context) ([]Source, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, base_url, enabled, created_at, updated_at FROM sources ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list sources: %w", err)
	}
	defer rows.Close()

	var sources []Source
	for rows.Next() {
		var src Source
		if err := rows.Scan(&src.ID, &src.Name, &src.BaseURL, &src.Enabled, &src.CreatedAt, &src.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan source: %w", err)
		}
		sources = append(sources, src)
	}
	return sources, rows.Err()
}

// ageOutStmt soft-deletes stale active rows. The deleted_at stamp is what a
// later purge hard-deletes by.
const ageOutStmt = `UPDATE items SET is_active = FALSE, deleted_at = now()
	 WHERE source_id = $1 AND is_active AND harvested_at < $2`

// ReplaceItems runs the refresh in one transaction so readers never observe a
// half-replaced catalog: active rows of the source harvested before
// staleBefore are deactivated, then the new batch is bulk-inserted.
func (s *PostgresStore) ReplaceItems(ctx context.Context, sourceID int64, items []Item, jobTag string, staleBefore time.Time) error {
	return s.db.WithTx(ctx, func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx, ageOutStmt, sourceID, staleBefore)
		if err != nil {
			return fmt.Errorf("age out items: %w", err)
		}
		aged, _ := result.RowsAffected()

		if len(items) > 0 {
			if err := bulkInsertItems(ctx, tx, sourceID, items, jobTag); err != nil {
				return err
			}
		}

		s.log.Info("catalog refreshed",
			"source_id", sourceID, "job_id", jobTag,
			"inserted", len(items), "aged_out", aged)
		return nil
	})
}

func bulkInsertItems(ctx context.Context, tx *sql.Tx, sourceID int64, items []Item, jobTag string) error {
	stmt, err := tx.PrepareContext(ctx, pq.CopyIn("items",
		"id", "source_id", "name", "price_cents", "unit", "category", "brand",
		"description", "image_url", "detail_url", "available", "availability",
		"valid_until", "postal_code", "crawl_job_id", "harvested_at", "is_active",
	))
	if err != nil {
		return fmt.Errorf("prepare bulk insert: %w", err)
	}

	for _, item := range items {
		id := item.ID
		if id == uuid.Nil {
			id = uuid.New()
		}
		_, err = stmt.ExecContext(ctx,
			id, sourceID, item.Name, item.Price, item.Unit, item.Category,
			item.Brand, item.Description, item.ImageURL, item.DetailURL,
			item.Available, item.Availability, item.ValidUntil,
			item.PostalCode, jobTag, item.HarvestedAt, true,
		)
		if err != nil {
			stmt.Close()
			return fmt.Errorf("bulk insert item %q: %w", item.Name, err)
		}
	}

	// Flush the COPY buffer.
	if _, err := stmt.ExecContext(ctx); err != nil {
		stmt.Close()
		return fmt.Errorf("flush bulk insert: %w", err)
	}
	return stmt.Close()
}

func (s *PostgresStore) ActiveItemCount(ctx context.Context, sourceID int64) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT count(*) FROM items WHERE source_id = $1 AND is_active`,
		sourceID,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count active items: %w", err)
	}
	return count, nil
}

func (s *PostgresStore) ActiveItems(ctx context.Context, sourceID int64, limit int) ([]Item, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, source_id, name, price_cents, unit, category, brand,
		        description, image_url, detail_url, available, availability,
		        valid_until, postal_code, crawl_job_id, harvested_at, is_active,
		        deleted_at
		 FROM items
		 WHERE source_id = $1 AND is_active
		 ORDER BY name
		 LIMIT $2`,
		sourceID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list active items: %w", err)
	}
	defer rows.Close()

	var items []Item
	for rows.Next() {
		var it Item
		err := rows.Scan(
			&it.ID, &it.SourceID, &it.Name, &it.Price, &it.Unit, &it.Category,
			&it.Brand, &it.Description, &it.ImageURL, &it.DetailURL,
			&it.Available, &it.Availability, &it.ValidUntil, &it.PostalCode,
			&it.CrawlJobID, &it.HarvestedAt, &it.IsActive, &it.DeletedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan item: %w", err)
		}
		items = append(items, it)
	}
	return items, rows.Err()
}
