package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/gateway-fm/faultinjector/pkg/types"
)

// unmarshalJSON unmarshals JSON and logs any errors without failing.
// This is used for non-critical JSON fields where we want to gracefully
// handle corruption without failing the entire query.
func unmarshalJSON(data sql.NullString, v any, field string, runID string) {
	if !data.Valid || data.String == "" {
		return
	}
	if err := json.Unmarshal([]byte(data.String), v); err != nil {
		slog.Warn("failed to unmarshal JSON field",
			"field", field,
			"runID", runID,
			"error", err.Error(),
			"dataLen", len(data.String))
	}
}

// SQLiteStorage implements Storage using SQLite.
type SQLiteStorage struct {
	db *sql.DB
}

var _ Storage = (*SQLiteStorage)(nil)

// NewSQLiteStorage creates a new SQLite storage instance.
func NewSQLiteStorage(dbPath string) (*SQLiteStorage, error) {
	// Ensure directory exists
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	dsn := fmt.Sprintf("%s?_journal=WAL&_sync=NORMAL&_foreign_keys=ON", dbPath)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Test connection
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	s := &SQLiteStorage{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return s, nil
}

// migrate creates the schema.
func (s *SQLiteStorage) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS scenario_runs (
		id TEXT PRIMARY KEY,
		scenario TEXT NOT NULL,
		status TEXT NOT NULL,
		passed INTEGER NOT NULL DEFAULT 0,
		started_at DATETIME NOT NULL,
		finished_at DATETIME,
		duration_ms INTEGER DEFAULT 0,
		selection TEXT,
		step_passed TEXT,
		heights TEXT,
		error_message TEXT,
		error_kind TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_scenario_runs_started ON scenario_runs(started_at DESC);

	CREATE TABLE IF NOT EXISTS scenario_steps (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id TEXT NOT NULL,
		seq INTEGER NOT NULL,
		step TEXT NOT NULL,
		success INTEGER NOT NULL,
		payload TEXT,
		error_message TEXT,
		at DATETIME NOT NULL,
		duration_ms INTEGER DEFAULT 0,
		FOREIGN KEY (run_id) REFERENCES scenario_runs(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_scenario_steps_run ON scenario_steps(run_id, seq);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection.
func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}

// SaveRun upserts the run row and rewrites its steps in one transaction.
func (s *SQLiteStorage) SaveRun(ctx context.Context, r *types.Report) error {
	selectionJSON, err := json.Marshal(r.Selection)
	if err != nil {
		return fmt.Errorf("failed to marshal selection: %w", err)
	}
	stepPassedJSON, err := json.Marshal(r.StepPassed)
	if err != nil {
		return fmt.Errorf("failed to marshal step verdicts: %w", err)
	}
	heightsJSON, err := json.Marshal(r.Heights)
	if err != nil {
		return fmt.Errorf("failed to marshal heights: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO scenario_runs (id, scenario, status, passed, started_at, finished_at, duration_ms,
			selection, step_passed, heights, error_message, error_kind)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			passed = excluded.passed,
			finished_at = excluded.finished_at,
			duration_ms = excluded.duration_ms,
			selection = excluded.selection,
			step_passed = excluded.step_passed,
			heights = excluded.heights,
			error_message = excluded.error_message,
			error_kind = excluded.error_kind
	`, r.ID, r.Scenario, r.Status, r.Passed, r.StartedAt, nullTime(r.FinishedAt), r.Duration().Milliseconds(),
		string(selectionJSON), string(stepPassedJSON), string(heightsJSON),
		nullString(r.Error), nullString(r.ErrorKind))
	if err != nil {
		return fmt.Errorf("failed to save run: %w", err)
	}

	if _, err := tx.ExecContext(ctx, "DELETE FROM scenario_steps WHERE run_id = ?", r.ID); err != nil {
		return err
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO scenario_steps (run_id, seq, step, success, payload, error_message, at, duration_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for i, st := range r.Steps {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		_, err := stmt.ExecContext(ctx, r.ID, i, st.Step, st.Success, nullString(string(st.Payload)),
			nullString(st.Error), st.At, st.DurationMs)
		if err != nil {
			return fmt.Errorf("failed to save step %d: %w", i, err)
		}
	}

	return tx.Commit()
}

// GetRun retrieves a single run by ID with its steps.
func (s *SQLiteStorage) GetRun(ctx context.Context, id string) (*types.Report, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, scenario, status, passed, started_at, finished_at,
			selection, step_passed, heights, error_message, error_kind
		FROM scenario_runs WHERE id = ?
	`, id)

	var r types.Report
	var finishedAt sql.NullTime
	var selectionJSON, stepPassedJSON, heightsJSON, errorMsg, errorKind sql.NullString
	err := row.Scan(&r.ID, &r.Scenario, &r.Status, &r.Passed, &r.StartedAt, &finishedAt,
		&selectionJSON, &stepPassedJSON, &heightsJSON, &errorMsg, &errorKind)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	if finishedAt.Valid {
		r.FinishedAt = &finishedAt.Time
	}
	r.Error = errorMsg.String
	r.ErrorKind = errorKind.String
	unmarshalJSON(selectionJSON, &r.Selection, "selection", r.ID)
	unmarshalJSON(stepPassedJSON, &r.StepPassed, "step_passed", r.ID)
	unmarshalJSON(heightsJSON, &r.Heights, "heights", r.ID)

	steps, err := s.getSteps(ctx, r.ID)
	if err != nil {
		return nil, err
	}
	r.Steps = steps
	return &r, nil
}

func (s *SQLiteStorage) getSteps(ctx context.Context, runID string) ([]types.StepRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT step, success, payload, error_message, at, duration_ms
		FROM scenario_steps WHERE run_id = ? ORDER BY seq
	`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	steps := []types.StepRecord{}
	for rows.Next() {
		var st types.StepRecord
		var payload, errorMsg sql.NullString
		if err := rows.Scan(&st.Step, &st.Success, &payload, &errorMsg, &st.At, &st.DurationMs); err != nil {
			return nil, err
		}
		if payload.Valid {
			st.Payload = json.RawMessage(payload.String)
		}
		st.Error = errorMsg.String
		steps = append(steps, st)
	}
	return steps, rows.Err()
}

// ListRuns returns a paginated list of runs, newest first.
func (s *SQLiteStorage) ListRuns(ctx context.Context, limit, offset int) (*types.PaginatedRuns, error) {
	var total int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM scenario_runs").Scan(&total); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT r.id, r.scenario, r.status, r.passed, r.started_at, r.finished_at,
			COALESCE(r.duration_ms, 0), COALESCE(r.error_kind, ''),
			(SELECT COUNT(*) FROM scenario_steps st WHERE st.run_id = r.id)
		FROM scenario_runs r
		ORDER BY r.started_at DESC
		LIMIT ? OFFSET ?
	`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	runs := []types.RunSummary{}
	for rows.Next() {
		var sum types.RunSummary
		var finishedAt sql.NullTime
		if err := rows.Scan(&sum.ID, &sum.Scenario, &sum.Status, &sum.Passed, &sum.StartedAt, &finishedAt,
			&sum.DurationMs, &sum.ErrorKind, &sum.StepCount); err != nil {
			return nil, err
		}
		if finishedAt.Valid {
			sum.FinishedAt = &finishedAt.Time
		}
		runs = append(runs, sum)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return &types.PaginatedRuns{
		Runs:   runs,
		Total:  total,
		Limit:  limit,
		Offset: offset,
	}, nil
}

// DeleteRun deletes a run and its steps.
func (s *SQLiteStorage) DeleteRun(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, "DELETE FROM scenario_runs WHERE id = ?", id)
	if err != nil {
		return err
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rowsAffected == 0 {
		return fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}
	return nil
}

func nullString(v string) sql.NullString {
	if v == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: v, Valid: true}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
