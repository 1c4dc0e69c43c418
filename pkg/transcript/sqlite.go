package transcript

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/harun/otaku/internal/observability"
	"github.com/harun/otaku/internal/tracing"
	"github.com/harun/otaku/pkg/session"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
)

const backendSQLite = "sqlite"

// ErrRunNotFound is returned when a run ID is unknown
var ErrRunNotFound = errors.New("run not found")

// Config holds transcript store configuration
type Config struct {
	DBPath string
	Logger zerolog.Logger
}

// SQLiteStore persists transcripts in a SQLite database
type SQLiteStore struct {
	db     *sql.DB
	logger zerolog.Logger
}

var (
	_ Recorder = (*SQLiteStore)(nil)
	_ Reader   = (*SQLiteStore)(nil)
)

// NewSQLiteStore opens (creating if needed) the transcript database
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	observability.EnsureRegistered()

	if cfg.DBPath == "" {
		return nil, errors.New("database path is required")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create transcript directory: %w", err)
	}

	db, err := sql.Open("sqlite3", cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Enable WAL mode for better concurrency
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	s := &SQLiteStore{db: db, logger: cfg.Logger}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	s.logger.Debug().Str("path", cfg.DBPath).Msg("Transcript store initialized")
	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS runs (
			id TEXT PRIMARY KEY,
			query TEXT NOT NULL,
			status TEXT NOT NULL,
			answer TEXT NOT NULL DEFAULT '',
			error TEXT NOT NULL DEFAULT '',
			steps INTEGER NOT NULL DEFAULT 0,
			started_at INTEGER NOT NULL,
			finished_at INTEGER
		);
		CREATE INDEX IF NOT EXISTS idx_runs_started ON runs(started_at);

		CREATE TABLE IF NOT EXISTS entries (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id TEXT NOT NULL,
			step INTEGER NOT NULL,
			node TEXT NOT NULL,
			scope TEXT NOT NULL,
			expert TEXT NOT NULL DEFAULT '',
			dispatch INTEGER NOT NULL DEFAULT 0,
			message TEXT NOT NULL,
			FOREIGN KEY (run_id) REFERENCES runs(id) ON DELETE CASCADE
		);
		CREATE INDEX IF NOT EXISTS idx_entries_run ON entries(run_id);
	`
	_, err := s.db.Exec(schema)
	return err
}

// StartRun inserts a run in the running state
func (s *SQLiteStore) StartRun(ctx context.Context, run Run) error {
	if run.Status == "" {
		run.Status = StatusRunning
	}
	if run.StartedAt.IsZero() {
		run.StartedAt = time.Now()
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (id, query, status, started_at) VALUES (?, ?, ?, ?)`,
		run.ID, run.Query, string(run.Status), run.StartedAt.UnixMilli(),
	)
	observability.RecordTranscriptWrite(backendSQLite, err == nil)
	if err != nil {
		return fmt.Errorf("failed to insert run %s: %w", run.ID, err)
	}
	return nil
}

// Record appends an entry
func (s *SQLiteStore) Record(ctx context.Context, entry Entry) error {
	data, err := json.Marshal(entry.Message)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO entries (run_id, step, node, scope, expert, dispatch, message) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		entry.RunID, entry.Step, entry.Node, string(entry.Scope), entry.Expert, entry.Dispatch, string(data),
	)
	observability.RecordTranscriptWrite(backendSQLite, err == nil)
	if err != nil {
		return fmt.Errorf("failed to insert entry for run %s: %w", entry.RunID, err)
	}
	return nil
}

// FinishRun stores the terminal state of a run
func (s *SQLiteStore) FinishRun(ctx context.Context, run Run) error {
	finished := time.Now()
	if run.FinishedAt != nil {
		finished = *run.FinishedAt
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, answer = ?, error = ?, steps = ?, finished_at = ? WHERE id = ?`,
		string(run.Status), run.Answer, run.Error, run.Steps, finished.UnixMilli(), run.ID,
	)
	observability.RecordTranscriptWrite(backendSQLite, err == nil)
	if err != nil {
		return fmt.Errorf("failed to update run %s: %w", run.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrRunNotFound, run.ID)
	}
	return nil
}

// GetRun loads a run by ID
func (s *SQLiteStore) GetRun(ctx context.Context, runID string) (*Run, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, query, status, answer, error, steps, started_at, finished_at FROM runs WHERE id = ?`,
		runID,
	)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load run %s: %w", runID, err)
	}
	return run, nil
}

// ListRuns returns the most recent runs first
func (s *SQLiteStore) ListRuns(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 20
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, query, status, answer, error, steps, started_at, finished_at FROM runs ORDER BY started_at DESC LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	runs := []Run{}
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, *run)
	}
	return runs, rows.Err()
}

// Entries returns every entry of a run in append order
func (s *SQLiteStore) Entries(ctx context.Context, runID string) ([]Entry, error) {
	ctx, span := tracing.StartSpan(ctx, "otaku.transcript", "transcript.entries",
		attribute.String("run_id", runID),
	)
	defer span.End()

	if _, err := s.GetRun(ctx, runID); err != nil {
		tracing.Fail(span, err)
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT run_id, step, node, scope, expert, dispatch, message FROM entries WHERE run_id = ? ORDER BY id`,
		runID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query entries: %w", err)
	}
	defer rows.Close()

	entries := []Entry{}
	for rows.Next() {
		var (
			e     Entry
			scope string
			data  string
		)
		if err := rows.Scan(&e.RunID, &e.Step, &e.Node, &scope, &e.Expert, &e.Dispatch, &data); err != nil {
			return nil, fmt.Errorf("failed to scan entry: %w", err)
		}
		e.Scope = session.Scope(scope)
		if err := json.Unmarshal([]byte(data), &e.Message); err != nil {
			return nil, fmt.Errorf("failed to decode message: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Close closes the database
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanRun(row scanner) (*Run, error) {
	var (
		run      Run
		status   string
		started  int64
		finished sql.NullInt64
	)
	if err := row.Scan(&run.ID, &run.Query, &status, &run.Answer, &run.Error, &run.Steps, &started, &finished); err != nil {
		return nil, err
	}
	run.Status = Status(status)
	run.StartedAt = time.UnixMilli(started)
	if finished.Valid {
		t := time.UnixMilli(finished.Int64)
		run.FinishedAt = &t
	}
	return &run, nil
}
