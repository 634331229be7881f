// Package postgres implements archiver.ArchiveWriter over
// github.com/lib/pq, storing whole compressed batch objects as bytea rows
// keyed by path. A supplemental third archive destination beyond the
// filesystem/object-store pair spec.md names, grounded on
// satya-sudo-go-pub-sub's Postgres storage backend.
package postgres

import (
	"context"
	"database/sql"

	_ "github.com/lib/pq"
)

// Writer stores archive objects in a single table, upserting on path so a
// retried write after a partial failure is safe.
type Writer struct {
	db    *sql.DB
	table string
}

// New opens connStr and ensures the backing table exists.
func New(connStr, table string) (*Writer, error) {
	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		return nil, err
	}
	w := &Writer{db: db, table: table}
	if err := w.ensureSchema(); err != nil {
		return nil, err
	}
	return w, nil
}

func (w *Writer) ensureSchema() error {
	_, err := w.db.Exec(`CREATE TABLE IF NOT EXISTS ` + w.table + ` (
		path TEXT PRIMARY KEY,
		body BYTEA NOT NULL,
		written_at TIMESTAMPTZ NOT NULL DEFAULT now()
	);`)
	return err
}

func (w *Writer) Write(ctx context.Context, path string, data []byte) error {
	_, err := w.db.ExecContext(ctx, `
		INSERT INTO `+w.table+` (path, body, written_at)
		VALUES ($1, $2, now())
		ON CONFLICT (path) DO UPDATE SET body = EXCLUDED.body, written_at = EXCLUDED.written_at
	`, path, data)
	return err
}

func (w *Writer) Close() error {
	return w.db.Close()
}
