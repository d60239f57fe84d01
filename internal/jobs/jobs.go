// Package jobs records the progress of extraction and batch runs in the
// extract_jobs table so an interrupted run can be inspected afterwards.
package jobs

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const (
	StatusRunning = "running"
	StatusSuccess = "success"
	StatusError   = "error"
)

// Status is one row of extract_jobs.
type Status struct {
	Name        string         `json:"name"`
	RunID       string         `json:"run_id"`
	Status      string         `json:"status"`
	Phase       string         `json:"phase"`
	Cursor      *string        `json:"cursor,omitempty"`
	StartedAt   *int64         `json:"started_at,omitempty"`
	UpdatedAt   int64          `json:"updated_at"`
	LastError   *string        `json:"last_error,omitempty"`
	Progress    map[string]any `json:"progress,omitempty"`
	ProgressRaw *string        `json:"-"`
}

// Tracker writes job state for a single named job. A nil Tracker is a no-op
// so orchestrators can run without persistence in tests.
type Tracker struct {
	db    *sql.DB
	name  string
	runID string
}

// Start marks name as running under a fresh run id and clears any cursor left
// by a previous run.
func Start(ctx context.Context, db *sql.DB, name string) (*Tracker, error) {
	now := time.Now().Unix()
	runID := uuid.New().String()
	_, err := db.ExecContext(ctx, `
		INSERT INTO extract_jobs (name, run_id, status, phase, cursor, started_at, updated_at, last_error, progress_json)
		VALUES (?, ?, 'running', 'start', NULL, ?, ?, NULL, NULL)
		ON CONFLICT(name) DO UPDATE SET
			run_id = excluded.run_id,
			status = 'running',
			phase = 'start',
			cursor = NULL,
			started_at = excluded.started_at,
			updated_at = excluded.updated_at,
			last_error = NULL,
			progress_json = NULL
	`, name, runID, now, now)
	if err != nil {
		return nil, fmt.Errorf("failed to start job %s: %w", name, err)
	}
	return &Tracker{db: db, name: name, runID: runID}, nil
}

// RunID returns the id of the current run.
func (t *Tracker) RunID() string {
	if t == nil {
		return ""
	}
	return t.runID
}

// Update records the phase, cursor and progress of a running job.
func (t *Tracker) Update(ctx context.Context, phase, cursor string, progress any) error {
	return t.write(ctx, StatusRunning, phase, cursor, "", progress)
}

// Success marks the job finished.
func (t *Tracker) Success(ctx context.Context, phase string, progress any) error {
	return t.write(ctx, StatusSuccess, phase, "", "", progress)
}

// Fail marks the job failed, keeping the last cursor.
func (t *Tracker) Fail(ctx context.Context, phase, cursor string, cause error, progress any) error {
	msg := "unknown error"
	if cause != nil {
		msg = cause.Error()
	}
	return t.write(ctx, StatusError, phase, cursor, msg, progress)
}

func (t *Tracker) write(ctx context.Context, status, phase, cursor, errMsg string, progress any) error {
	if t == nil {
		return nil
	}
	var progressJSON *string
	if progress != nil {
		b, err := json.Marshal(progress)
		if err != nil {
			return fmt.Errorf("failed to marshal progress json: %w", err)
		}
		s := string(b)
		progressJSON = &s
	}
	var cursorVal, errVal any
	if cursor != "" {
		cursorVal = cursor
	}
	if errMsg != "" {
		errVal = errMsg
	}
	_, err := t.db.ExecContext(ctx, `
		UPDATE extract_jobs SET
			status = ?,
			phase = ?,
			cursor = ?,
			updated_at = ?,
			last_error = ?,
			progress_json = ?
		WHERE name = ? AND run_id = ?
	`, status, phase, cursorVal, time.Now().Unix(), errVal, progressJSON, t.name, t.runID)
	if err != nil {
		return fmt.Errorf("failed to update job %s: %w", t.name, err)
	}
	return nil
}

// List returns every job, most recently updated first.
func List(ctx context.Context, db *sql.DB) ([]Status, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT name, run_id, status, phase, cursor, started_at, updated_at, last_error, progress_json
		FROM extract_jobs
		ORDER BY updated_at DESC, name
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query jobs: %w", err)
	}
	defer rows.Close()

	var out []Status
	for rows.Next() {
		var (
			js           Status
			cursor       sql.NullString
			startedAt    sql.NullInt64
			lastErr      sql.NullString
			progressJSON sql.NullString
		)
		if err := rows.Scan(&js.Name, &js.RunID, &js.Status, &js.Phase, &cursor, &startedAt, &js.UpdatedAt, &lastErr, &progressJSON); err != nil {
			return nil, fmt.Errorf("failed to scan job row: %w", err)
		}
		if cursor.Valid {
			js.Cursor = &cursor.String
		}
		if startedAt.Valid {
			v := startedAt.Int64
			js.StartedAt = &v
		}
		if lastErr.Valid {
			js.LastError = &lastErr.String
		}
		if progressJSON.Valid && progressJSON.String != "" {
			raw := progressJSON.String
			js.ProgressRaw = &raw
			var m map[string]any
			if err := json.Unmarshal([]byte(raw), &m); err == nil {
				js.Progress = m
			}
		}
		out = append(out, js)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed iterating job rows: %w", err)
	}
	return out, nil
}
