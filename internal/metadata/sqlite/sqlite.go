// Package sqlite persists source records in a single-file SQLite database using the pure-Go
// modernc driver.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // SQLite driver

	"github.com/JakeFAU/source-collector/internal/collector"
)

const schema = `
CREATE TABLE IF NOT EXISTS source_records (
	url           TEXT PRIMARY KEY,
	last_modified TEXT NOT NULL DEFAULT '',
	etag          TEXT NOT NULL DEFAULT '',
	content_hash  TEXT NOT NULL DEFAULT '',
	document_id   TEXT NOT NULL DEFAULT '',
	updated_at    TEXT NOT NULL
)`

const upsertSQL = `
INSERT INTO source_records (url, last_modified, etag, content_hash, document_id, updated_at)
VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT(url) DO UPDATE SET
	last_modified = excluded.last_modified,
	etag          = excluded.etag,
	content_hash  = excluded.content_hash,
	document_id   = excluded.document_id,
	updated_at    = excluded.updated_at`

// Backend is a metadata.Backend over SQLite.
type Backend struct {
	db   *sql.DB
	path string
	now  func() time.Time
}

// Open creates or opens the database at path.
func Open(path string) (*Backend, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("creating metadata directory: %w", err)
	}

	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	// A single writer avoids SQLITE_BUSY between pooled connections.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}
	return &Backend{db: db, path: path, now: func() time.Time { return time.Now().UTC() }}, nil
}

// Path returns the database file path.
func (b *Backend) Path() string { return b.path }

// Close closes the database connection.
func (b *Backend) Close() error {
	return b.db.Close()
}

// Load returns every stored record keyed by URL.
func (b *Backend) Load(ctx context.Context) (map[string]collector.SourceRecord, error) {
	rows, err := b.db.QueryContext(ctx,
		`SELECT url, last_modified, etag, content_hash, document_id FROM source_records`)
	if err != nil {
		return nil, fmt.Errorf("querying records: %w", err)
	}
	defer rows.Close()

	out := make(map[string]collector.SourceRecord)
	for rows.Next() {
		var rec collector.SourceRecord
		var lastModified string
		if err := rows.Scan(&rec.URL, &lastModified, &rec.ETag, &rec.ContentHash, &rec.DocumentID); err != nil {
			return nil, fmt.Errorf("scanning record: %w", err)
		}
		if rec.LastModified, err = parseTime(lastModified); err != nil {
			return nil, fmt.Errorf("record %s: %w", rec.URL, err)
		}
		out[rec.URL] = rec
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating records: %w", err)
	}
	return out, nil
}

// Commit applies upserts and deletes atomically.
func (b *Backend) Commit(ctx context.Context, upserts []collector.SourceRecord, deletes []string) error {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	updated := formatTime(b.now())
	for _, rec := range upserts {
		if _, err := tx.ExecContext(ctx, upsertSQL,
			rec.URL, formatTime(rec.LastModified), rec.ETag, rec.ContentHash, rec.DocumentID, updated); err != nil {
			return fmt.Errorf("upserting %s: %w", rec.URL, err)
		}
	}
	for _, url := range deletes {
		if _, err := tx.ExecContext(ctx, `DELETE FROM source_records WHERE url = ?`, url); err != nil {
			return fmt.Errorf("deleting %s: %w", url, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing timestamp %q: %w", s, err)
	}
	return t, nil
}
