// Package journal persists sealed sessions in SQLite so that finished
// refinement loops can be audited and replayed.
//
// A Journal satisfies sandbox.Journal: pass it as Config.Journal and every
// session the engine seals is recorded.
package journal

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite" // register the pure-Go "sqlite" driver

	"github.com/Simon-McIntosh/nucleai-sandbox/session"
)

// DriverName is the database/sql driver used by Open.
const DriverName = "sqlite"

// ErrNotFound is returned by Get for an unknown session id.
var ErrNotFound = errors.New("journal: session not found")

const schema = `CREATE TABLE IF NOT EXISTS sessions (
	id           TEXT PRIMARY KEY,
	state        TEXT NOT NULL,
	attempts     INTEGER NOT NULL,
	final_status TEXT NOT NULL DEFAULT '',
	started      TEXT NOT NULL,
	ended        TEXT NOT NULL DEFAULT '',
	summary      TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS sessions_started ON sessions (started);`

const (
	upsertQuery = `INSERT INTO sessions (id, state, attempts, final_status, started, ended, summary)
VALUES (?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (id) DO UPDATE SET
	state = excluded.state,
	attempts = excluded.attempts,
	final_status = excluded.final_status,
	ended = excluded.ended,
	summary = excluded.summary`
	getQuery  = `SELECT summary FROM sessions WHERE id = ?`
	listQuery = `SELECT id, state, attempts, final_status, started, ended FROM sessions`
)

// Entry is one row of List.
type Entry struct {
	ID          string
	State       string
	Attempts    int
	FinalStatus string
	Started     time.Time
	Ended       time.Time
}

// Filter narrows List. Zero fields match everything.
type Filter struct {
	// State keeps sessions in this final state, e.g. "Succeeded".
	State string
	// Since keeps sessions started at or after this time.
	Since time.Time
	// Limit bounds the number of entries. 0 means 100.
	Limit int
}

// Journal records session summaries. It is safe for concurrent use.
type Journal struct {
	db *sql.DB
}

// Open opens, creating if needed, the journal database at path.
func Open(ctx context.Context, path string) (*Journal, error) {
	if path == "" {
		return nil, errors.New("journal: empty path")
	}
	dsn := "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	db, err := sql.Open(DriverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("journal: open %s: %w", path, err)
	}
	// SQLite serializes writers.
	db.SetMaxOpenConns(1)
	j, err := New(ctx, db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return j, nil
}

// New wraps an open database and creates the schema.
func New(ctx context.Context, db *sql.DB) (*Journal, error) {
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return nil, fmt.Errorf("journal: create schema: %w", err)
	}
	return &Journal{db: db}, nil
}

// Record stores s, replacing an earlier record of the same session.
func (j *Journal) Record(ctx context.Context, s session.Summary) error {
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("journal: encode %s: %w", s.ID, err)
	}
	var finalStatus string
	if s.Final != nil {
		finalStatus = string(s.Final.Status)
	}
	_, err = j.db.ExecContext(ctx, upsertQuery,
		s.ID, s.State, len(s.Attempts), finalStatus,
		formatTime(s.Started), formatTime(s.Ended), string(data))
	if err != nil {
		return fmt.Errorf("journal: record %s: %w", s.ID, err)
	}
	return nil
}

// Get returns the recorded summary of session id.
func (j *Journal) Get(ctx context.Context, id string) (session.Summary, error) {
	var data string
	err := j.db.QueryRowContext(ctx, getQuery, id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return session.Summary{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return session.Summary{}, fmt.Errorf("journal: get %s: %w", id, err)
	}
	var s session.Summary
	if err := json.Unmarshal([]byte(data), &s); err != nil {
		return session.Summary{}, fmt.Errorf("journal: decode %s: %w", id, err)
	}
	return s, nil
}

// List returns the sessions matching f, most recently started first.
func (j *Journal) List(ctx context.Context, f Filter) ([]Entry, error) {
	var (
		where []string
		args  []any
	)
	if f.State != "" {
		where = append(where, "state = ?")
		args = append(args, f.State)
	}
	if !f.Since.IsZero() {
		where = append(where, "started >= ?")
		args = append(args, formatTime(f.Since))
	}
	q := listQuery
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	q += " ORDER BY started DESC LIMIT ?"
	args = append(args, limit)

	rows, err := j.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("journal: list: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var (
			e              Entry
			started, ended string
		)
		if err := rows.Scan(&e.ID, &e.State, &e.Attempts, &e.FinalStatus, &started, &ended); err != nil {
			return nil, fmt.Errorf("journal: list: %w", err)
		}
		e.Started = parseTime(started)
		e.Ended = parseTime(ended)
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("journal: list: %w", err)
	}
	return out, nil
}

// Close closes the database.
func (j *Journal) Close() error {
	return j.db.Close()
}

// Times are stored as fixed-width UTC text so they sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
