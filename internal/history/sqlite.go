package history

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
	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store on a local SQLite database.
type SQLiteStore struct {
	db     *sql.DB
	logger zerolog.Logger
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore opens (creating if needed) the database at dbPath.
func NewSQLiteStore(dbPath string, logger zerolog.Logger) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0700); err != nil {
		return nil, fmt.Errorf("create history directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	store := &SQLiteStore{
		db:     db,
		logger: logger.With().Str("component", "history_store").Logger(),
	}

	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}

	store.logger.Debug().Str("path", dbPath).Msg("history database initialized")
	return store, nil
}

func (s *SQLiteStore) migrate() error {
	schema := `
		CREATE TABLE IF NOT EXISTS backup_runs (
			id TEXT PRIMARY KEY,
			flow TEXT NOT NULL,
			started_at TEXT NOT NULL,
			finished_at TEXT NOT NULL,
			status TEXT NOT NULL,
			files_copied INTEGER NOT NULL DEFAULT 0,
			bytes_copied INTEGER NOT NULL DEFAULT 0,
			members INTEGER NOT NULL DEFAULT 0,
			archive_bytes INTEGER NOT NULL DEFAULT 0,
			uploaded INTEGER NOT NULL DEFAULT 0,
			failures INTEGER NOT NULL DEFAULT 0,
			next_run TEXT,
			error TEXT,
			details TEXT
		);

		CREATE INDEX IF NOT EXISTS idx_backup_runs_started_at ON backup_runs(started_at);
		CREATE INDEX IF NOT EXISTS idx_backup_runs_status ON backup_runs(status);
	`

	_, err := s.db.Exec(schema)
	return err
}

// timeLayout is fixed width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

const runColumns = `id, flow, started_at, finished_at, status, files_copied, bytes_copied,
	members, archive_bytes, uploaded, failures, next_run, error, details`

// RecordRun stores run, replacing any run with the same ID. A zero ID is
// assigned a new one.
func (s *SQLiteStore) RecordRun(ctx context.Context, run *Run) error {
	if run.ID == uuid.Nil {
		run.ID = uuid.New()
	}

	var details sql.NullString
	if run.Details != nil {
		data, err := json.Marshal(run.Details)
		if err != nil {
			return fmt.Errorf("marshal run details: %w", err)
		}
		details = sql.NullString{String: string(data), Valid: true}
	}

	var nextRun sql.NullString
	if run.NextRun != nil {
		nextRun = sql.NullString{String: run.NextRun.UTC().Format(timeLayout), Valid: true}
	}

	query := `INSERT OR REPLACE INTO backup_runs (` + runColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := s.db.ExecContext(ctx, query,
		run.ID.String(),
		run.Flow,
		run.StartedAt.UTC().Format(timeLayout),
		run.FinishedAt.UTC().Format(timeLayout),
		string(run.Status),
		run.FilesCopied,
		run.BytesCopied,
		run.Members,
		run.ArchiveBytes,
		run.Uploaded,
		run.Failures,
		nextRun,
		nullString(run.Error),
		details,
	)
	if err != nil {
		return fmt.Errorf("insert backup run: %w", err)
	}
	return nil
}

// GetRun returns the run with the given ID.
func (s *SQLiteStore) GetRun(ctx context.Context, id uuid.UUID) (*Run, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM backup_runs WHERE id = ?`, id.String())
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRunNotFound
	}
	return run, err
}

// ListRuns returns up to limit runs, newest first. limit <= 0 returns all.
func (s *SQLiteStore) ListRuns(ctx context.Context, limit int) ([]*Run, error) {
	query := `SELECT ` + runColumns + ` FROM backup_runs ORDER BY started_at DESC`
	var args []any
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query backup runs: %w", err)
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan backup run: %w", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate backup runs: %w", err)
	}
	return runs, nil
}

// Summary returns counts by status and the last successful run.
func (s *SQLiteStore) Summary(ctx context.Context) (*Summary, error) {
	summary := &Summary{}

	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM backup_runs GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("query status counts: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			status string
			count  int
		)
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("scan status count: %w", err)
		}
		switch Status(status) {
		case StatusSucceeded:
			summary.Succeeded += count
		case StatusFailed:
			summary.Failed += count
		case StatusSkipped:
			summary.Skipped += count
		}
		summary.Total += count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate status counts: %w", err)
	}

	var finished, flow string
	err = s.db.QueryRowContext(ctx, `
		SELECT finished_at, flow FROM backup_runs
		WHERE status = ?
		ORDER BY finished_at DESC
		LIMIT 1
	`, string(StatusSucceeded)).Scan(&finished, &flow)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return nil, fmt.Errorf("query last success: %w", err)
	default:
		if t, err := time.Parse(timeLayout, finished); err == nil {
			summary.LastSuccessAt = &t
			summary.LastSuccessFlow = flow
		}
	}

	return summary, nil
}

// Prune removes runs that started more than olderThan ago.
func (s *SQLiteStore) Prune(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := time.Now().Add(-olderThan).UTC().Format(timeLayout)

	result, err := s.db.ExecContext(ctx, `DELETE FROM backup_runs WHERE started_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune backup runs: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("get rows affected: %w", err)
	}
	return int(affected), nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (*Run, error) {
	var (
		idStr, startedStr, finishedStr, status string
		run                                    Run
		nextRun, errStr, details               sql.NullString
	)

	err := row.Scan(&idStr, &run.Flow, &startedStr, &finishedStr, &status,
		&run.FilesCopied, &run.BytesCopied, &run.Members, &run.ArchiveBytes,
		&run.Uploaded, &run.Failures, &nextRun, &errStr, &details)
	if err != nil {
		return nil, err
	}

	if run.ID, err = uuid.Parse(idStr); err != nil {
		return nil, fmt.Errorf("parse id: %w", err)
	}
	if run.StartedAt, err = time.Parse(timeLayout, startedStr); err != nil {
		return nil, fmt.Errorf("parse started_at: %w", err)
	}
	if run.FinishedAt, err = time.Parse(timeLayout, finishedStr); err != nil {
		return nil, fmt.Errorf("parse finished_at: %w", err)
	}
	run.Status = Status(status)

	if nextRun.Valid {
		if t, err := time.Parse(timeLayout, nextRun.String); err == nil {
			run.NextRun = &t
		}
	}
	if errStr.Valid {
		run.Error = errStr.String
	}
	if details.Valid {
		var d Details
		if err := json.Unmarshal([]byte(details.String), &d); err == nil {
			run.Details = &d
		}
	}

	return &run, nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
