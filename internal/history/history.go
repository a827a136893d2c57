// Package history keeps a local ledger of finished cart builds.
package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"

	"github.com/pyrometheous/Kazeta-Game-Cart-Setup-Tool/pkg/cart"
)

// Entry is one ledger row. Result holds the full JSON result for drill-down.
type Entry struct {
	ID         string          `json:"id"`
	Device     string          `json:"device"`
	Label      string          `json:"label"`
	Name       string          `json:"name"`
	Slug       string          `json:"slug"`
	Runtime    string          `json:"runtime"`
	State      string          `json:"state"`
	Exec       string          `json:"exec"`
	Error      string          `json:"error,omitempty"`
	Warnings   int             `json:"warnings"`
	StartedAt  time.Time       `json:"startedAt"`
	FinishedAt time.Time       `json:"finishedAt"`
	Result     json.RawMessage `json:"result,omitempty"`
}

type Store struct {
	db     *sql.DB
	logger zerolog.Logger
}

func Open(path string, logger zerolog.Logger) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create history directory: %w", err)
	}
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA synchronous = NORMAL",
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to set pragma: %w", err)
		}
	}
	s := &Store{db: db, logger: logger.With().Str("component", "history").Logger()}
	if err := s.createTables(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) createTables() error {
	schemas := []string{
		`CREATE TABLE IF NOT EXISTS builds (
			id TEXT PRIMARY KEY,
			device TEXT NOT NULL,
			label TEXT NOT NULL,
			name TEXT NOT NULL,
			slug TEXT NOT NULL,
			runtime TEXT NOT NULL,
			state TEXT NOT NULL,
			exec TEXT NOT NULL DEFAULT '',
			error TEXT NOT NULL DEFAULT '',
			warnings INTEGER NOT NULL DEFAULT 0,
			started_at INTEGER NOT NULL,
			finished_at INTEGER NOT NULL,
			result TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_builds_started ON builds (started_at DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_builds_device ON builds (device, started_at DESC)`,
	}
	for _, q := range schemas {
		if _, err := s.db.Exec(q); err != nil {
			return fmt.Errorf("failed to create table: %w", err)
		}
	}
	return nil
}

func (s *Store) Close() error { return s.db.Close() }

// Record upserts a finished build; a result without an id is ignored.
func (s *Store) Record(ctx context.Context, res *cart.Result) error {
	if res == nil || res.ID == "" {
		return nil
	}
	blob, err := json.Marshal(res)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO builds
		(id, device, label, name, slug, runtime, state, exec, error, warnings, started_at, finished_at, result)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET state = excluded.state, exec = excluded.exec, error = excluded.error,
			warnings = excluded.warnings, finished_at = excluded.finished_at, result = excluded.result`,
		res.ID, res.Request.Device, res.Request.Label, res.Request.Name, res.Request.ID, string(res.Request.Runtime),
		string(res.State), res.Exec, res.Error, len(res.Warnings),
		res.StartedAt.UnixMilli(), res.FinishedAt.UnixMilli(), string(blob))
	if err != nil {
		return fmt.Errorf("record build %s: %w", res.ID, err)
	}
	return nil
}

// Finished has the shape of a cart.Manager OnFinish hook. Errors are logged.
func (s *Store) Finished(_ *cart.Handle, res *cart.Result, _ error) {
	if err := s.Record(context.Background(), res); err != nil {
		s.logger.Warn().Err(err).Msg("history record failed")
	}
}

// List returns up to limit builds, newest first, optionally for one device.
func (s *Store) List(ctx context.Context, device string, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 20
	}
	q := `SELECT id, device, label, name, slug, runtime, state, exec, error, warnings, started_at, finished_at
		FROM builds`
	args := []any{}
	if device != "" {
		q += ` WHERE device = ?`
		args = append(args, device)
	}
	q += ` ORDER BY started_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []Entry{}
	for rows.Next() {
		var e Entry
		var started, finished int64
		if err := rows.Scan(&e.ID, &e.Device, &e.Label, &e.Name, &e.Slug, &e.Runtime, &e.State, &e.Exec, &e.Error, &e.Warnings, &started, &finished); err != nil {
			return nil, err
		}
		e.StartedAt = time.UnixMilli(started).UTC()
		e.FinishedAt = time.UnixMilli(finished).UTC()
		out = append(out, e)
	}
	return out, rows.Err()
}

// Get returns one build including its full result JSON.
func (s *Store) Get(ctx context.Context, id string) (Entry, error) {
	var e Entry
	var started, finished int64
	var blob sql.NullString
	err := s.db.QueryRowContext(ctx, `SELECT id, device, label, name, slug, runtime, state, exec, error, warnings, started_at, finished_at, result
		FROM builds WHERE id = ?`, id).
		Scan(&e.ID, &e.Device, &e.Label, &e.Name, &e.Slug, &e.Runtime, &e.State, &e.Exec, &e.Error, &e.Warnings, &started, &finished, &blob)
	if err == sql.ErrNoRows {
		return Entry{}, cart.ErrNotFound
	}
	if err != nil {
		return Entry{}, err
	}
	e.StartedAt = time.UnixMilli(started).UTC()
	e.FinishedAt = time.UnixMilli(finished).UTC()
	if blob.Valid {
		e.Result = json.RawMessage(blob.String)
	}
	return e, nil
}
