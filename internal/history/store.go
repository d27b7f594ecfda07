// Package history keeps a SQLite record of finished test runs.
package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/webtestrunner/devserver/internal/session"
)

// Entry is one finished test run.
type Entry struct {
	SessionID   string          `json:"sessionId"`
	TestFile    string          `json:"testFile"`
	Browser     string          `json:"browser,omitempty"`
	TestRun     int             `json:"testRun"`
	Passed      *bool           `json:"passed,omitempty"`
	ErrorCount  int             `json:"errorCount"`
	Request404s []string        `json:"request404s"`
	Result      json.RawMessage `json:"result"`
	FinishedAt  time.Time       `json:"finishedAt"`
}

type Store struct {
	db     *sql.DB
	keep   int
	logger *zap.Logger
}

// Open opens or creates the database at path and migrates it. keep bounds
// the number of retained runs; zero keeps everything.
func Open(ctx context.Context, path string, keep int, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create history dir: %w", err)
	}
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	if err := applyMigrations(ctx, db); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db, keep: keep, logger: logger}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Record stores the finished run of s. Reporting the same test run twice
// replaces the earlier entry.
func (s *Store) Record(ctx context.Context, st *session.Session, finishedAt time.Time) error {
	var passed any
	if p, ok := st.Passed(); ok {
		passed = p
	}
	missing := st.Request404s
	if missing == nil {
		missing = []string{}
	}
	missingJSON, err := json.Marshal(missing)
	if err != nil {
		return fmt.Errorf("encode request404s: %w", err)
	}
	result := st.Result
	if result == nil {
		result = map[string]json.RawMessage{}
	}
	resultJSON, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("encode result: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
INSERT INTO runs(session_id, test_file, browser, test_run, passed, error_count, request_404s, result, finished_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(session_id, test_run) DO UPDATE SET
	test_file=excluded.test_file,
	browser=excluded.browser,
	passed=excluded.passed,
	error_count=excluded.error_count,
	request_404s=excluded.request_404s,
	result=excluded.result,
	finished_at=excluded.finished_at`,
		st.ID, st.TestFile, st.Browser, st.TestRun, passed, len(st.Errors()),
		string(missingJSON), string(resultJSON), ts(finishedAt))
	if err != nil {
		return fmt.Errorf("record run %s/%d: %w", st.ID, st.TestRun, err)
	}
	return s.prune(ctx)
}

func (s *Store) prune(ctx context.Context) error {
	if s.keep <= 0 {
		return nil
	}
	_, err := s.db.ExecContext(ctx, `
DELETE FROM runs WHERE id NOT IN (
	SELECT id FROM runs ORDER BY finished_at DESC, id DESC LIMIT ?
)`, s.keep)
	if err != nil {
		return fmt.Errorf("prune history: %w", err)
	}
	return nil
}

// Query filters List.
type Query struct {
	SessionID string
	Limit     int
}

// List returns runs newest first.
func (s *Store) List(ctx context.Context, q Query) ([]Entry, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = -1
	}
	query := `SELECT session_id, test_file, browser, test_run, passed, error_count, request_404s, result, finished_at FROM runs`
	args := []any{}
	if q.SessionID != "" {
		query += ` WHERE session_id = ?`
		args = append(args, q.SessionID)
	}
	query += ` ORDER BY finished_at DESC, id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	entries := []Entry{}
	for rows.Next() {
		var (
			e           Entry
			passed      sql.NullBool
			missingJSON string
			resultJSON  string
			finishedAt  string
		)
		if err := rows.Scan(&e.SessionID, &e.TestFile, &e.Browser, &e.TestRun, &passed, &e.ErrorCount, &missingJSON, &resultJSON, &finishedAt); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		if passed.Valid {
			p := passed.Bool
			e.Passed = &p
		}
		if err := json.Unmarshal([]byte(missingJSON), &e.Request404s); err != nil {
			return nil, fmt.Errorf("decode request404s: %w", err)
		}
		e.Result = json.RawMessage(resultJSON)
		if e.FinishedAt, err = parseTS(finishedAt); err != nil {
			return nil, fmt.Errorf("parse finished_at: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Follow records every transition to Finished read from events until ctx
// is cancelled or events is closed. Write failures are logged.
func (s *Store) Follow(ctx context.Context, events <-chan session.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if ev.Type != session.EventStatus || ev.Session.Status != session.Finished {
				continue
			}
			if err := s.Record(ctx, ev.Session, time.Now()); err != nil {
				s.logger.Warn("record history", zap.String("session", ev.Session.ID), zap.Error(err))
			}
		}
	}
}

// tsLayout is fixed width so that finished_at sorts chronologically as text.
const tsLayout = "2006-01-02T15:04:05.000000000Z"

func ts(t time.Time) string {
	return t.UTC().Format(tsLayout)
}

func parseTS(s string) (time.Time, error) {
	return time.Parse(tsLayout, s)
}
