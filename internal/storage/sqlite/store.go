package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/tjfontaine/agent-relay/internal/storage"
)

// Store is a SQLite run journal.
type Store struct {
	db *sql.DB
}

var _ storage.RunStore = (*Store)(nil)

// New opens (or creates) the journal at dbPath. Plain file paths get their
// parent directory created; "file:" URIs and ":memory:" are passed through.
func New(dbPath string) (*Store, error) {
	if dbPath != ":memory:" && !strings.HasPrefix(dbPath, "file:") {
		if dir := filepath.Dir(dbPath); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("failed to create database directory: %w", err)
			}
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL; PRAGMA synchronous=NORMAL;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	store := &Store{db: db}

	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return store, nil
}

func (s *Store) initSchema() error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS runs (
			id TEXT PRIMARY KEY,
			request_id TEXT,
			thread_id TEXT,
			run_id TEXT,
			mode TEXT NOT NULL,
			status TEXT NOT NULL,
			flow_detected INTEGER NOT NULL DEFAULT 0,
			poll_attempts INTEGER NOT NULL DEFAULT 0,
			output_tokens INTEGER NOT NULL DEFAULT 0,
			error_type TEXT,
			error_message TEXT,
			started_at INTEGER NOT NULL,
			duration_ns INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_thread ON runs(thread_id)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_request ON runs(request_id)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_started ON runs(started_at)`,
	}

	for _, stmt := range statements {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to execute schema statement: %w", err)
		}
	}

	return nil
}

// SaveRun inserts or replaces a run record
func (s *Store) SaveRun(ctx context.Context, rec *storage.RunRecord) error {
	if rec == nil || rec.ID == "" {
		return fmt.Errorf("run record requires an id")
	}

	query := `INSERT OR REPLACE INTO runs (
		id, request_id, thread_id, run_id, mode, status, flow_detected, poll_attempts, output_tokens,
		error_type, error_message, started_at, duration_ns
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := s.db.ExecContext(ctx, query,
		rec.ID, nullString(rec.RequestID), nullString(rec.ThreadID), nullString(rec.RunID),
		string(rec.Mode), string(rec.Status), boolToInt(rec.FlowDetected),
		rec.PollAttempts, rec.OutputTokens,
		nullString(rec.ErrorType), nullString(rec.ErrorMessage),
		rec.StartedAt.UnixNano(), int64(rec.Duration),
	)
	if err != nil {
		return fmt.Errorf("failed to save run: %w", err)
	}
	return nil
}

const selectColumns = `SELECT id, request_id, thread_id, run_id, mode, status, flow_detected, poll_attempts,
	output_tokens, error_type, error_message, started_at, duration_ns FROM runs`

// GetRun retrieves a run record by ID
func (s *Store) GetRun(ctx context.Context, id string) (*storage.RunRecord, error) {
	rec, err := scanRun(s.db.QueryRowContext(ctx, selectColumns+` WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("run %s: %w", id, storage.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	return rec, nil
}

// ListRuns lists run records newest first
func (s *Store) ListRuns(ctx context.Context, opts storage.ListOptions) ([]*storage.RunRecord, error) {
	query := selectColumns + ` WHERE 1=1`
	var args []interface{}

	if opts.ThreadID != "" {
		query += " AND thread_id = ?"
		args = append(args, opts.ThreadID)
	}

	query += " ORDER BY started_at DESC, id DESC LIMIT ?"
	args = append(args, opts.EffectiveLimit())

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	defer rows.Close()

	var runs []*storage.RunRecord
	for rows.Next() {
		rec, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, rec)
	}
	return runs, rows.Err()
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanRun(row scanner) (*storage.RunRecord, error) {
	var rec storage.RunRecord
	var requestID, threadID, runID, errorType, errorMessage sql.NullString
	var mode, status string
	var flowDetected int
	var startedAt, durationNs int64

	err := row.Scan(
		&rec.ID, &requestID, &threadID, &runID, &mode, &status, &flowDetected, &rec.PollAttempts,
		&rec.OutputTokens, &errorType, &errorMessage, &startedAt, &durationNs,
	)
	if err != nil {
		return nil, err
	}

	rec.RequestID = requestID.String
	rec.ThreadID = threadID.String
	rec.RunID = runID.String
	rec.Mode = storage.RunMode(mode)
	rec.Status = storage.RunStatus(status)
	rec.FlowDetected = flowDetected != 0
	rec.ErrorType = errorType.String
	rec.ErrorMessage = errorMessage.String
	rec.StartedAt = time.Unix(0, startedAt).UTC()
	rec.Duration = time.Duration(durationNs)
	return &rec, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
