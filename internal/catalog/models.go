// Package catalog persists harvested sources and items in PostgreSQL and
// reconciles raw harvest output into catalog rows.
package catalog

import (
	"database/sql"
	"time"

	"github.com/google/uuid"

	"github.com/preisradar/preisradar/internal/normalize"
)

// Source is a retailer the engine harvests.
type Source struct {
	ID        int64     `json:"id" db:"id"`
	Name      string    `json:"name" db:"name"`
	BaseURL   string    `json:"base_url" db:"base_url"`
	Enabled   bool      `json:"enabled" db:"enabled"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// Item is one catalog row: a product listing at a source, valid for the
// current harvest window. Rows are soft-deleted by aging rather than
// removed: deactivation stamps DeletedAt, and a later purge hard-deletes by
// that timestamp's age.
type Item struct {
	ID           uuid.UUID       `json:"id" db:"id"`
	SourceID     int64           `json:"source_id" db:"source_id"`
	Name         string          `json:"name" db:"name"`
	Price        normalize.Price `json:"price" db:"price_cents"`
	Unit         sql.NullString  `json:"unit" db:"unit"`
	Category     sql.NullString  `json:"category" db:"category"`
	Brand        sql.NullString  `json:"brand" db:"brand"`
	Description  sql.NullString  `json:"description" db:"description"`
	ImageURL     sql.NullString  `json:"image_url" db:"image_url"`
	DetailURL    sql.NullString  `json:"detail_url" db:"detail_url"`
	Available    bool            `json:"available" db:"available"`
	Availability sql.NullString  `json:"availability" db:"availability"`
	ValidUntil   sql.NullTime    `json:"valid_until" db:"valid_until"`
	PostalCode   sql.NullString  `json:"postal_code" db:"postal_code"`
	CrawlJobID   string          `json:"crawl_job_id" db:"crawl_job_id"`
	HarvestedAt  time.Time       `json:"harvested_at" db:"harvested_at"`
	IsActive     bool            `json:"is_active" db:"is_active"`
	DeletedAt    sql.NullTime    `json:"deleted_at" db:"deleted_at"`
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
