// Package journal keeps the history of requests applied by a target.
package journal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/openmined/syftmirror/internal/db"
	"github.com/openmined/syftmirror/internal/replication"
	"github.com/openmined/syftmirror/internal/utils"
)

var ErrNotFound = errors.New("journal entry not found")

const schema = `
CREATE TABLE IF NOT EXISTS applied_ops (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    path TEXT NOT NULL,
    event TEXT NOT NULL,
    is_dir INTEGER NOT NULL DEFAULT 0,
    size INTEGER NOT NULL DEFAULT 0,
    etag TEXT NOT NULL DEFAULT '',
    status TEXT NOT NULL,
    error TEXT NOT NULL DEFAULT '',
    skipped INTEGER NOT NULL DEFAULT 0,
    applied_at TEXT NOT NULL -- RFC3339Nano
);

CREATE INDEX IF NOT EXISTS idx_applied_ops_path ON applied_ops(path);
`

// Entry is one applied request.
type Entry struct {
	ID        int64
	Path      string
	Event     string
	IsDir     bool
	Size      int64
	ETag      string
	Status    string
	Error     string
	Skipped   bool
	AppliedAt time.Time
}

type dbEntry struct {
	ID        int64  `db:"id"`
	Path      string `db:"path"`
	Event     string `db:"event"`
	IsDir     bool   `db:"is_dir"`
	Size      int64  `db:"size"`
	ETag      string `db:"etag"`
	Status    string `db:"status"`
	Error     string `db:"error"`
	Skipped   bool   `db:"skipped"`
	AppliedAt string `db:"applied_at"`
}

func (e *dbEntry) toEntry() (*Entry, error) {
	at, err := time.Parse(time.RFC3339Nano, e.AppliedAt)
	if err != nil {
		return nil, fmt.Errorf("parse applied_at %q: %w", e.AppliedAt, err)
	}
	return &Entry{
		ID:        e.ID,
		Path:      e.Path,
		Event:     e.Event,
		IsDir:     e.IsDir,
		Size:      e.Size,
		ETag:      e.ETag,
		Status:    e.Status,
		Error:     e.Error,
		Skipped:   e.Skipped,
		AppliedAt: at,
	}, nil
}

// Journal is a replication.Recorder backed by sqlite.
type Journal struct {
	db *sqlx.DB
}

var _ replication.Recorder = (*Journal)(nil)

// Open creates or opens the journal at path. ":memory:" keeps it in memory.
func Open(path string) (*Journal, error) {
	database, err := db.NewSqliteDB(
		db.WithPath(path),
		db.WithMaxOpenConns(1),
		db.WithSchema(schema),
	)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	return &Journal{db: database}, nil
}

func (j *Journal) Close() error {
	return j.db.Close()
}

func (j *Journal) Record(ctx context.Context, op replication.AppliedOp) error {
	req := op.Request
	row := dbEntry{
		Path:      string(req.Path),
		Event:     req.Type.String(),
		IsDir:     req.Dir(),
		Status:    string(replication.StatusSuccess),
		Skipped:   op.Skipped,
		AppliedAt: op.AppliedAt.UTC().Format(time.RFC3339Nano),
	}
	if op.Response != nil {
		row.Status = string(op.Response.Status)
		row.Error = op.Response.Error
	}
	if req.Type == replication.EventModified || (req.Type == replication.EventAdded && !req.Dir()) {
		row.Size = int64(len(req.Content))
		row.ETag = utils.ContentETag(req.Content)
	}

	_, err := j.db.NamedExecContext(ctx, `
		INSERT INTO applied_ops (path, event, is_dir, size, etag, status, error, skipped, applied_at)
		VALUES (:path, :event, :is_dir, :size, :etag, :status, :error, :skipped, :applied_at)`, &row)
	if err != nil {
		return fmt.Errorf("record %s: %w", req.Path, err)
	}
	return nil
}

// Recent returns up to limit entries, newest first.
func (j *Journal) Recent(ctx context.Context, limit int) ([]*Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	var rows []dbEntry
	if err := j.db.SelectContext(ctx, &rows, `SELECT * FROM applied_ops ORDER BY id DESC LIMIT ?`, limit); err != nil {
		return nil, fmt.Errorf("list journal: %w", err)
	}

	entries := make([]*Entry, 0, len(rows))
	for i := range rows {
		e, err := rows[i].toEntry()
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// Last returns the newest entry for path.
func (j *Journal) Last(ctx context.Context, path string) (*Entry, error) {
	var row dbEntry
	err := j.db.GetContext(ctx, &row, `SELECT * FROM applied_ops WHERE path = ? ORDER BY id DESC LIMIT 1`, path)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	} else if err != nil {
		return nil, fmt.Errorf("get journal entry: %w", err)
	}
	return row.toEntry()
}

func (j *Journal) Count(ctx context.Context) (int, error) {
	var n int
	if err := j.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM applied_ops`); err != nil {
		return 0, fmt.Errorf("count journal: %w", err)
	}
	return n, nil
}
