package history

import (
	"context"
	"database/sql"
	_ "embed"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
	_ "modernc.org/sqlite"

	"github.com/kolkov/cronsv/internal/process"
)

//go:embed schema.sql
var schema string

var ErrDisabled = errors.New("history store disabled")

// Store keeps process lifecycle events in a sqlite database.
// A nil *Store is valid and reports ErrDisabled.
type Store struct {
	db *sql.DB
}

func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("history path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, errors.Wrap(err, "create history dir")
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrapf(err, "open %s", path)
	}
	// sqlite prefers a single writer
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	_, _ = db.Exec("PRAGMA busy_timeout = 5000")
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "migrate history")
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) Append(ctx context.Context, ev process.Event) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO events(at, app, kind, pid, exit_code, reason) VALUES(?,?,?,?,?,?)`,
		ev.At.UTC().Format(time.RFC3339Nano), ev.App, string(ev.Kind), ev.PID, ev.ExitCode, nullStr(ev.Reason),
	)
	return errors.Wrap(err, "append event")
}

// List returns the newest events first. An empty app lists every app;
// limit <= 0 means 50.
func (s *Store) List(ctx context.Context, app string, limit int) ([]process.Event, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	if limit <= 0 {
		limit = 50
	}

	q := `SELECT at, app, kind, pid, exit_code, reason FROM events`
	args := []any{}
	if app != "" {
		q += ` WHERE app = ?`
		args = append(args, app)
	}
	q += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, errors.Wrap(err, "list events")
	}
	defer rows.Close()

	var out []process.Event
	for rows.Next() {
		var (
			at     string
			kind   string
			reason sql.NullString
			ev     process.Event
		)
		if err := rows.Scan(&at, &ev.App, &kind, &ev.PID, &ev.ExitCode, &reason); err != nil {
			return nil, errors.Wrap(err, "scan event")
		}
		ev.Kind = process.EventKind(kind)
		ev.Reason = reason.String
		if t, err := time.Parse(time.RFC3339Nano, at); err == nil {
			ev.At = t
		}
		out = append(out, ev)
	}
	return out, errors.Wrap(rows.Err(), "list events")
}

// Sink adapts the store to a process.EventSink. Write errors go to onErr.
func (s *Store) Sink(onErr func(error)) process.EventSink {
	return func(ev process.Event) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.Append(ctx, ev); err != nil && onErr != nil {
			onErr(err)
		}
	}
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}
