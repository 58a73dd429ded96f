// Package postgres persists source records in a Postgres table so several collector processes
// can share change-detection state.
package postgres

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/source-collector/internal/collector"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

const defaultTable = "source_records"

// Config controls the Postgres connection pool used for source records.
type Config struct {
	DSN             string
	Table           string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type pool interface {
	Begin(context.Context) (pgx.Tx, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Close()
}

// Backend is a metadata.Backend over Postgres.
type Backend struct {
	pool  pool
	table string
}

// New connects a pool and makes sure the records table exists.
func New(ctx context.Context, cfg Config) (*Backend, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("metadata.postgres.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	b, err := NewWithPool(p, cfg.Table)
	if err != nil {
		p.Close()
		return nil, err
	}
	if err := b.EnsureSchema(ctx); err != nil {
		p.Close()
		return nil, err
	}
	return b, nil
}

// NewWithPool constructs a backend from an existing pool.
func NewWithPool(p pool, table string) (*Backend, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if table == "" {
		table = defaultTable
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	return &Backend{pool: p, table: table}, nil
}

// EnsureSchema creates the records table if it is missing.
func (b *Backend) EnsureSchema(ctx context.Context) error {
	query := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	url           TEXT PRIMARY KEY,
	last_modified TIMESTAMPTZ,
	etag          TEXT NOT NULL DEFAULT '',
	content_hash  TEXT NOT NULL DEFAULT '',
	document_id   TEXT NOT NULL DEFAULT '',
	updated_at    TIMESTAMPTZ NOT NULL DEFAULT now()
)`, b.table)
	if _, err := b.pool.Exec(ctx, query); err != nil {
		return fmt.Errorf("create %s: %w", b.table, err)
	}
	return nil
}

// Close releases the pool.
func (b *Backend) Close() error {
	if b == nil || b.pool == nil {
		return nil
	}
	b.pool.Close()
	return nil
}

// Load returns every stored record keyed by URL.
func (b *Backend) Load(ctx context.Context) (map[string]collector.SourceRecord, error) {
	query := fmt.Sprintf(`SELECT url, last_modified, etag, content_hash, document_id FROM %s`, b.table)
	rows, err := b.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query records: %w", err)
	}
	defer rows.Close()

	out := make(map[string]collector.SourceRecord)
	for rows.Next() {
		var rec collector.SourceRecord
		var lastModified *time.Time
		if err := rows.Scan(&rec.URL, &lastModified, &rec.ETag, &rec.ContentHash, &rec.DocumentID); err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		if lastModified != nil {
			rec.LastModified = lastModified.UTC()
		}
		out[rec.URL] = rec
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate records: %w", err)
	}
	return out, nil
}

// Commit applies upserts and deletes in one transaction.
func (b *Backend) Commit(ctx context.Context, upserts []collector.SourceRecord, deletes []string) error {
	tx, err := b.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}

	upsert := fmt.Sprintf(`
INSERT INTO %s (url, last_modified, etag, content_hash, document_id, updated_at)
VALUES ($1, $2, $3, $4, $5, now())
ON CONFLICT (url) DO UPDATE SET
	last_modified = EXCLUDED.last_modified,
	etag          = EXCLUDED.etag,
	content_hash  = EXCLUDED.content_hash,
	document_id   = EXCLUDED.document_id,
	updated_at    = now()`, b.table)
	for _, rec := range upserts {
		if _, err := tx.Exec(ctx, upsert,
			rec.URL, nullableTime(rec.LastModified), rec.ETag, rec.ContentHash, rec.DocumentID); err != nil {
			_ = tx.Rollback(ctx)
			return fmt.Errorf("upsert %s: %w", rec.URL, err)
		}
	}

	del := fmt.Sprintf(`DELETE FROM %s WHERE url = $1`, b.table)
	for _, url := range deletes {
		if _, err := tx.Exec(ctx, del, url); err != nil {
			_ = tx.Rollback(ctx)
			return fmt.Errorf("delete %s: %w", url, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	u := t.UTC()
	return &u
}
