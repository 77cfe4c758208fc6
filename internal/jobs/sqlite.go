package jobs

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS jobs (
	id         TEXT PRIMARY KEY,
	seq        INTEGER NOT NULL,
	status     TEXT NOT NULL,
	data       TEXT NOT NULL,
	updated_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS jobs_seq ON jobs(seq);`

var sqlitePragmas = []string{
	"PRAGMA journal_mode = WAL",
	"PRAGMA busy_timeout = 10000",
	"PRAGMA synchronous = NORMAL",
	"PRAGMA foreign_keys = ON",
}

// SQLitePersister stores jobs as JSON rows in a single table.
type SQLitePersister struct {
	db *sql.DB
}

// OpenSQLite opens or creates the database at path, applies the WAL pragmas
// and the schema. Parent directories are created as needed.
func OpenSQLite(path string) (*SQLitePersister, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("sqlite: mkdir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open: %w", err)
	}
	// one writer keeps pragmas and busy handling predictable
	db.SetMaxOpenConns(1)
	for _, p := range sqlitePragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("sqlite: %s: %w", p, err)
		}
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: schema: %w", err)
	}
	return &SQLitePersister{db: db}, nil
}

func (p *SQLitePersister) Save(ctx context.Context, j Job) error {
	data, err := json.Marshal(j)
	if err != nil {
		return fmt.Errorf("sqlite: marshal job %s: %w", j.ID, err)
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO jobs (id, seq, status, data, updated_at)
		VALUES (?, ?, ?, ?, strftime('%s','now'))
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			data = excluded.data,
			updated_at = excluded.updated_at`,
		j.ID, int64(j.Seq), string(j.Status), string(data))
	if err != nil {
		return fmt.Errorf("sqlite: save job %s: %w", j.ID, err)
	}
	return nil
}

func (p *SQLitePersister) Delete(ctx context.Context, id string) error {
	if _, err := p.db.ExecContext(ctx, `DELETE FROM jobs WHERE id = ?`, id); err != nil {
		return fmt.Errorf("sqlite: delete job %s: %w", id, err)
	}
	return nil
}

func (p *SQLitePersister) LoadAll(ctx context.Context) ([]Job, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT id, data FROM jobs ORDER BY seq`)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list jobs: %w", err)
	}
	defer rows.Close()
	var out []Job
	for rows.Next() {
		var id, data string
		if err := rows.Scan(&id, &data); err != nil {
			return nil, err
		}
		var j Job
		if err := json.Unmarshal([]byte(data), &j); err != nil {
			return nil, fmt.Errorf("sqlite: decode job %s: %w", id, err)
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

func (p *SQLitePersister) Close() error { return p.db.Close() }
