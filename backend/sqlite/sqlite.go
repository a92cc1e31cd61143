// Package sqlite stores results in a SQLite database, addressed with the
// SQLAlchemy style URLs Celery uses: "db+sqlite:///relative.db" or
// "db+sqlite:////absolute/path.db".
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/clp-project/querycelery/backend"
	_ "modernc.org/sqlite"
)

const schema = `CREATE TABLE IF NOT EXISTS celery_taskmeta (
	task_id    TEXT PRIMARY KEY,
	meta       BLOB NOT NULL,
	date_done  INTEGER NOT NULL,
	expires_at INTEGER NOT NULL DEFAULT 0
)`

func init() {
	backend.Register("db+sqlite", Open)
	backend.Register("sqlite", Open)
}

// Backend is a SQLite result backend.
type Backend struct {
	sqlDB *sql.DB
}

// Path extracts the database path from a result backend URL.
func Path(uri string) (string, error) {
	i := strings.Index(uri, "://")
	if i < 0 {
		return "", fmt.Errorf("invalid sqlite url %q", uri)
	}
	rest := uri[i+3:]
	if rest == "" || rest == "/" {
		return "", fmt.Errorf("sqlite url %q has no database path", uri)
	}
	if !strings.HasPrefix(rest, "/") {
		return "", fmt.Errorf("sqlite url %q must not name a host", uri)
	}
	return filepath.Clean(rest[1:]), nil
}

// Open opens the database and creates the result table.
func Open(ctx context.Context, uri string) (backend.Backend, error) {
	path, err := Path(uri)
	if err != nil {
		return nil, err
	}
	sqlDB, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if _, err := sqlDB.ExecContext(ctx, schema); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("create result table: %w", err)
	}
	return &Backend{sqlDB: sqlDB}, nil
}

func (b *Backend) Store(ctx context.Context, taskID string, payload []byte, expires time.Duration) error {
	now := time.Now().UTC()
	var expiresAt int64
	if expires > 0 {
		expiresAt = now.Add(expires).UnixMilli()
	}
	_, err := b.sqlDB.ExecContext(ctx, `INSERT INTO celery_taskmeta (task_id, meta, date_done, expires_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(task_id) DO UPDATE SET meta = excluded.meta, date_done = excluded.date_done, expires_at = excluded.expires_at`,
		taskID, payload, now.UnixMilli(), expiresAt)
	return err
}

func (b *Backend) Get(ctx context.Context, taskID string) ([]byte, error) {
	var (
		payload   []byte
		expiresAt int64
	)
	err := b.sqlDB.QueryRowContext(ctx,
		`SELECT meta, expires_at FROM celery_taskmeta WHERE task_id = ?`, taskID).Scan(&payload, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, backend.ErrResultNotFound
	}
	if err != nil {
		return nil, err
	}
	if expiresAt > 0 && time.Now().UTC().UnixMilli() > expiresAt {
		return nil, backend.ErrResultNotFound
	}
	return payload, nil
}

func (b *Backend) Close() error {
	if b == nil || b.sqlDB == nil {
		return nil
	}
	return b.sqlDB.Close()
}
