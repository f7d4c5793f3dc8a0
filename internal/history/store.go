// Package history is an optional sqlite log of completed validations. It is
// written after a request finishes and never read by the pipeline; failures
// to record are logged and swallowed.
package history

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// Record is one completed validation.
type Record struct {
	SessionID  string
	Part       string
	Verdict    string
	TokensUsed int
	Success    bool
	Duration   time.Duration
	CreatedAt  time.Time
}

// Store persists validation records.
type Store struct {
	db *sql.DB
}

// New opens (or creates) the sqlite database at dbPath.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL; PRAGMA synchronous=NORMAL;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

func (s *Store) initSchema() error {
	_, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS validations (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT NOT NULL,
		part TEXT NOT NULL,
		verdict TEXT NOT NULL,
		tokens_used INTEGER NOT NULL DEFAULT 0,
		success INTEGER NOT NULL,
		duration_ns INTEGER NOT NULL,
		created_at TIMESTAMP NOT NULL
	)`)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`CREATE INDEX IF NOT EXISTS idx_validations_session ON validations(session_id)`)
	return err
}

// Append writes one record.
func (s *Store) Append(ctx context.Context, rec Record) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO validations (session_id, part, verdict, tokens_used, success, duration_ns, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.SessionID, rec.Part, rec.Verdict, rec.TokensUsed, boolToInt(rec.Success), rec.Duration.Nanoseconds(), rec.CreatedAt,
	)
	return err
}

// BySession returns the records for one session, oldest first.
func (s *Store) BySession(ctx context.Context, sessionID string) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT session_id, part, verdict, tokens_used, success, duration_ns, created_at
		 FROM validations WHERE session_id = ? ORDER BY id`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var rec Record
		var success int
		var durationNS int64
		if err := rows.Scan(&rec.SessionID, &rec.Part, &rec.Verdict, &rec.TokensUsed, &success, &durationNS, &rec.CreatedAt); err != nil {
			return nil, err
		}
		rec.Success = success != 0
		rec.Duration = time.Duration(durationNS)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
