// Package db persists the coordination journal: role transitions, peasant
// registrations, routing decisions and window activations. The journal is a
// telemetry sink, never an input to routing, so every write is best-effort
// from the caller's point of view.
package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/windowcourt/court/internal/model"
)

var ErrNotFound = errors.New("not found")

type Store struct {
	db *sql.DB
}

func Open(ctx context.Context, path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		db.Close() //nolint:errcheck
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) DB() *sql.DB {
	return s.db
}

// InsertEvent records one journal event. A missing event id is generated.
func (s *Store) InsertEvent(ctx context.Context, ev model.JournalEvent) error {
	if ev.EventID == "" {
		ev.EventID = uuid.NewString()
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}
	var peasantID any
	if ev.PeasantID != nil {
		peasantID = int64(*ev.PeasantID)
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO events(event_id, event_type, reign_id, pid, peasant_id, window_name, detail, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)
`, ev.EventID, ev.EventType, ev.ReignID, ev.PID, peasantID, ev.WindowName, ev.Detail, ts(ev.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

// InsertActivation records a window activation with its commandline.
func (s *Store) InsertActivation(ctx context.Context, id model.PeasantID, args model.CommandlineArgs) error {
	argsJSON, err := json.Marshal(args.Args)
	if err != nil {
		return fmt.Errorf("marshal activation args: %w", err)
	}
	activatedAt := args.ActivatedAt
	if activatedAt.IsZero() {
		activatedAt = time.Now().UTC()
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO activations(activation_id, peasant_id, window_name, cwd, args_json, activated_at)
VALUES (?, ?, ?, ?, ?, ?)
`, uuid.NewString(), int64(id), args.TargetWindow, args.Cwd, string(argsJSON), ts(activatedAt))
	if err != nil {
		return fmt.Errorf("insert activation: %w", err)
	}
	return nil
}

// ListEvents returns the most recent events, newest first.
func (s *Store) ListEvents(ctx context.Context, limit int) ([]model.JournalEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT event_id, event_type, reign_id, pid, peasant_id, window_name, detail, created_at
FROM events
ORDER BY created_at DESC, event_id DESC
LIMIT ?
`, limit)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close() //nolint:errcheck

	var out []model.JournalEvent
	for rows.Next() {
		var ev model.JournalEvent
		var peasantID sql.NullInt64
		var createdAt string
		if err := rows.Scan(&ev.EventID, &ev.EventType, &ev.ReignID, &ev.PID, &peasantID, &ev.WindowName, &ev.Detail, &createdAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		if peasantID.Valid {
			id := model.PeasantID(peasantID.Int64)
			ev.PeasantID = &id
		}
		ev.CreatedAt, err = parseTS(createdAt)
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// PurgeBefore drops journal rows older than the cutoff.
func (s *Store) PurgeBefore(ctx context.Context, cutoff time.Time) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM events WHERE created_at < ?`, ts(cutoff)); err != nil {
		return fmt.Errorf("purge events: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM activations WHERE activated_at < ?`, ts(cutoff)); err != nil {
		return fmt.Errorf("purge activations: %w", err)
	}
	return nil
}

func ts(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTS(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse timestamp %q: %w", s, err)
	}
	return t.UTC(), nil
}
