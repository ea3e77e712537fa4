// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package sqlite provides a durable, crash-safe SQLite backend for
// single-node deployments of the engine.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	engineerrors "github.com/tombee/flowctl/pkg/errors"
	"github.com/tombee/flowctl/internal/store"
	_ "modernc.org/sqlite"
)

var _ store.Store = (*Backend)(nil)

// Backend is a SQLite storage backend.
type Backend struct {
	db *sql.DB
}

// Config contains SQLite connection configuration.
type Config struct {
	// Path is the database file path. Use ":memory:" for an ephemeral,
	// in-process database.
	Path string

	// WAL enables Write-Ahead Logging mode for concurrent reads.
	WAL bool
}

// New opens (creating if necessary) a SQLite-backed Store.
func New(cfg Config) (*Backend, error) {
	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// SQLite serializes writes, so only 1 connection for writes.
	db.SetMaxOpenConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("connect to database: %w", err)
	}

	b := &Backend{db: db}
	if err := b.configurePragmas(ctx, cfg.WAL); err != nil {
		db.Close()
		return nil, fmt.Errorf("configure pragmas: %w", err)
	}
	if err := b.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return b, nil
}

func (b *Backend) Close() error { return b.db.Close() }

func (b *Backend) configurePragmas(ctx context.Context, enableWAL bool) error {
	pragmas := []string{
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
		"PRAGMA auto_vacuum=INCREMENTAL",
		"PRAGMA synchronous=NORMAL",
	}
	if enableWAL {
		pragmas = append(pragmas, "PRAGMA journal_mode=WAL")
	}
	for _, p := range pragmas {
		if _, err := b.db.ExecContext(ctx, p); err != nil {
			return fmt.Errorf("execute %s: %w", p, err)
		}
	}
	return nil
}

func (b *Backend) migrate(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS workflows (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			description TEXT,
			version TEXT,
			concurrency INTEGER DEFAULT 0,
			definition TEXT NOT NULL,
			checksum TEXT NOT NULL,
			created_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS runs (
			id TEXT PRIMARY KEY,
			workflow_id TEXT NOT NULL,
			status TEXT NOT NULL,
			payload TEXT,
			steps_output TEXT,
			last_step_name TEXT,
			paused_token TEXT,
			error TEXT,
			started_at TEXT,
			completed_at TEXT,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_workflow ON runs(workflow_id)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status)`,
		`CREATE TABLE IF NOT EXISTS step_records (
			run_id TEXT NOT NULL,
			step_name TEXT NOT NULL,
			attempt INTEGER NOT NULL,
			status TEXT NOT NULL,
			retry_delays TEXT,
			output TEXT,
			error TEXT,
			duration_ms INTEGER NOT NULL,
			started_at TEXT NOT NULL,
			completed_at TEXT NOT NULL,
			PRIMARY KEY (run_id, step_name, attempt),
			FOREIGN KEY (run_id) REFERENCES runs(id) ON DELETE CASCADE
		)`,
		`CREATE INDEX IF NOT EXISTS idx_step_records_run ON step_records(run_id)`,
		`CREATE TABLE IF NOT EXISTS pauses (
			token TEXT PRIMARY KEY,
			run_id TEXT NOT NULL,
			workflow_id TEXT NOT NULL,
			step_name TEXT,
			description TEXT,
			created_at TEXT NOT NULL,
			expires_at TEXT,
			status TEXT NOT NULL,
			resume_payload TEXT,
			last_step_output TEXT,
			FOREIGN KEY (run_id) REFERENCES runs(id) ON DELETE CASCADE
		)`,
		`CREATE TABLE IF NOT EXISTS schedules (
			workflow_id TEXT PRIMARY KEY,
			cron_expression TEXT NOT NULL,
			last_fired TEXT,
			next_fire TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS kv (
			namespace TEXT NOT NULL,
			key TEXT NOT NULL,
			value TEXT NOT NULL,
			expires_at TEXT,
			PRIMARY KEY (namespace, key)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_kv_expires ON kv(expires_at)`,
	}
	for _, m := range migrations {
		if _, err := b.db.ExecContext(ctx, m); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

func (b *Backend) RegisterWorkflow(ctx context.Context, w *store.Workflow) error {
	if w.ID == "" {
		return &engineerrors.ConfigurationError{Field: "id", Reason: "workflow id must not be empty"}
	}

	existing, err := b.GetWorkflow(ctx, w.ID)
	if err == nil {
		if existing.Checksum != w.Checksum {
			return &engineerrors.ConfigurationError{
				Field:  "id",
				Reason: "workflow " + w.ID + " already registered with a different definition",
			}
		}
		return nil
	}
	if err != store.ErrNotFound {
		return &engineerrors.StoreError{Op: "register_workflow", Transient: true, Cause: err}
	}

	now := time.Now().UTC()
	_, err = b.db.ExecContext(ctx,
		`INSERT INTO workflows (id, name, description, version, concurrency, definition, checksum, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		w.ID, w.Name, w.Description, w.Version, w.Concurrency, string(w.Definition), w.Checksum,
		now.Format(time.RFC3339Nano),
	)
	if err != nil {
		return &engineerrors.StoreError{Op: "register_workflow", Transient: isTransient(err), Cause: err}
	}
	return nil
}

func (b *Backend) GetWorkflow(ctx context.Context, id string) (*store.Workflow, error) {
	var w store.Workflow
	var createdAt string
	err := b.db.QueryRowContext(ctx,
		`SELECT id, name, description, version, concurrency, definition, checksum, created_at
		 FROM workflows WHERE id = ?`, id,
	).Scan(&w.ID, &w.Name, &w.Description, &w.Version, &w.Concurrency, &w.Definition, &w.Checksum, &createdAt)
	if err == sql.ErrNoRows {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, &engineerrors.StoreError{Op: "get_workflow", Transient: isTransient(err), Cause: err}
	}
	w.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	return &w, nil
}

func (b *Backend) ListWorkflows(ctx context.Context) ([]*store.Workflow, error) {
	rows, err := b.db.QueryContext(ctx,
		`SELECT id, name, description, version, concurrency, definition, checksum, created_at
		 FROM workflows ORDER BY id`)
	if err != nil {
		return nil, &engineerrors.StoreError{Op: "list_workflows", Transient: isTransient(err), Cause: err}
	}
	defer rows.Close()

	var out []*store.Workflow
	for rows.Next() {
		var w store.Workflow
		var createdAt string
		if err := rows.Scan(&w.ID, &w.Name, &w.Description, &w.Version, &w.Concurrency, &w.Definition, &w.Checksum, &createdAt); err != nil {
			return nil, &engineerrors.StoreError{Op: "list_workflows", Transient: isTransient(err), Cause: err}
		}
		w.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		out = append(out, &w)
	}
	return out, rows.Err()
}

func (b *Backend) CreateRun(ctx context.Context, run *store.Run) error {
	if run.ID == "" {
		return &engineerrors.ConfigurationError{Field: "run.id", Reason: "run id must not be empty"}
	}
	payloadJSON, err := json.Marshal(run.Payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	stepsJSON, err := json.Marshal(run.StepsOutput)
	if err != nil {
		return fmt.Errorf("marshal steps_output: %w", err)
	}

	now := time.Now().UTC()
	status := run.Status
	if status == "" {
		status = store.RunPending
	}
	_, err = b.db.ExecContext(ctx,
		`INSERT INTO runs (id, workflow_id, status, payload, steps_output, last_step_name, paused_token,
			error, started_at, completed_at, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.WorkflowID, string(status), string(payloadJSON), string(stepsJSON),
		nullString(run.LastStepName), nullString(run.PausedToken), nullString(run.Error),
		formatTime(nonZero(run.StartedAt)), formatTime(run.CompletedAt),
		now.Format(time.RFC3339Nano), now.Format(time.RFC3339Nano),
	)
	if err != nil {
		return &engineerrors.StoreError{Op: "create_run", Transient: isTransient(err), Cause: err}
	}
	run.CreatedAt = now
	run.UpdatedAt = now
	return nil
}

func (b *Backend) GetRun(ctx context.Context, id string) (*store.Run, error) {
	var run store.Run
	var status string
	var payloadJSON, stepsJSON sql.NullString
	var lastStepName, pausedToken, errStr sql.NullString
	var startedAt, completedAt, createdAt, updatedAt sql.NullString

	err := b.db.QueryRowContext(ctx,
		`SELECT id, workflow_id, status, payload, steps_output, last_step_name, paused_token, error,
			started_at, completed_at, created_at, updated_at
		 FROM runs WHERE id = ?`, id,
	).Scan(&run.ID, &run.WorkflowID, &status, &payloadJSON, &stepsJSON, &lastStepName, &pausedToken, &errStr,
		&startedAt, &completedAt, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, &engineerrors.StoreError{Op: "get_run", Transient: isTransient(err), Cause: err}
	}

	run.Status = store.RunStatus(status)
	run.LastStepName = lastStepName.String
	run.PausedToken = pausedToken.String
	run.Error = errStr.String

	if payloadJSON.Valid && payloadJSON.String != "" {
		_ = json.Unmarshal([]byte(payloadJSON.String), &run.Payload)
	}
	if stepsJSON.Valid && stepsJSON.String != "" {
		_ = json.Unmarshal([]byte(stepsJSON.String), &run.StepsOutput)
	}
	if startedAt.Valid {
		t, _ := time.Parse(time.RFC3339Nano, startedAt.String)
		run.StartedAt = t
	}
	if completedAt.Valid {
		t, _ := time.Parse(time.RFC3339Nano, completedAt.String)
		run.CompletedAt = &t
	}
	if createdAt.Valid {
		run.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt.String)
	}
	if updatedAt.Valid {
		run.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt.String)
	}
	return &run, nil
}

func (b *Backend) UpdateRun(ctx context.Context, runID string, diff store.RunDiff) error {
	current, err := b.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if current.Status.Terminal() {
		return &engineerrors.StoreError{Op: "update_run", Transient: false, Cause: errTerminalRun}
	}
	if diff.Status != nil {
		if !store.ValidTransition(current.Status, *diff.Status) {
			return &engineerrors.StoreError{Op: "update_run", Transient: false, Cause: errIllegalTransition}
		}
		current.Status = *diff.Status
	}
	if diff.StepsOutput != nil {
		if current.StepsOutput == nil {
			current.StepsOutput = make(map[string]any, len(diff.StepsOutput))
		}
		for k, v := range diff.StepsOutput {
			current.StepsOutput[k] = v
		}
	}
	if diff.LastStepName != nil {
		current.LastStepName = *diff.LastStepName
	}
	if diff.PausedToken != nil {
		current.PausedToken = *diff.PausedToken
	}
	if diff.Error != nil {
		current.Error = *diff.Error
	}
	if diff.CompletedAt != nil {
		current.CompletedAt = diff.CompletedAt
	}

	payloadJSON, _ := json.Marshal(current.Payload)
	stepsJSON, _ := json.Marshal(current.StepsOutput)
	now := time.Now().UTC()

	result, err := b.db.ExecContext(ctx,
		`UPDATE runs SET status=?, payload=?, steps_output=?, last_step_name=?, paused_token=?,
			error=?, completed_at=?, updated_at=? WHERE id=?`,
		string(current.Status), string(payloadJSON), string(stepsJSON),
		nullString(current.LastStepName), nullString(current.PausedToken), nullString(current.Error),
		formatTime(current.CompletedAt), now.Format(time.RFC3339Nano), runID,
	)
	if err != nil {
		return &engineerrors.StoreError{Op: "update_run", Transient: isTransient(err), Cause: err}
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (b *Backend) ListRuns(ctx context.Context, workflowID string, status store.RunStatus) ([]*store.Run, error) {
	query := `SELECT id FROM runs WHERE 1=1`
	var args []any
	if workflowID != "" {
		query += ` AND workflow_id = ?`
		args = append(args, workflowID)
	}
	if status != "" {
		query += ` AND status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY created_at`

	rows, err := b.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, &engineerrors.StoreError{Op: "list_runs", Transient: isTransient(err), Cause: err}
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	rows.Close()

	out := make([]*store.Run, 0, len(ids))
	for _, id := range ids {
		r, err := b.GetRun(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}

func (b *Backend) AppendStepRecord(ctx context.Context, rec *store.StepRecord) error {
	run, err := b.GetRun(ctx, rec.RunID)
	if err != nil {
		return err
	}
	if run.Status.Terminal() {
		return &engineerrors.StoreError{Op: "append_step_record", Transient: false, Cause: errTerminalRun}
	}

	delays := make([]int64, len(rec.RetryDelays))
	for i, d := range rec.RetryDelays {
		delays[i] = d.Milliseconds()
	}
	delaysJSON, _ := json.Marshal(delays)
	outputJSON, _ := json.Marshal(rec.Output)

	_, err = b.db.ExecContext(ctx,
		`INSERT INTO step_records (run_id, step_name, attempt, status, retry_delays, output, error,
			duration_ms, started_at, completed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.RunID, rec.StepName, rec.Attempt, rec.Status, string(delaysJSON), string(outputJSON),
		nullString(rec.Error), rec.DurationMS,
		rec.StartedAt.Format(time.RFC3339Nano), rec.CompletedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return &engineerrors.StoreError{Op: "append_step_record", Transient: isTransient(err), Cause: err}
	}
	return nil
}

func (b *Backend) ListStepRecords(ctx context.Context, runID string) ([]*store.StepRecord, error) {
	rows, err := b.db.QueryContext(ctx,
		`SELECT run_id, step_name, attempt, status, retry_delays, output, error, duration_ms,
			started_at, completed_at
		 FROM step_records WHERE run_id = ? ORDER BY started_at`, runID)
	if err != nil {
		return nil, &engineerrors.StoreError{Op: "list_step_records", Transient: isTransient(err), Cause: err}
	}
	defer rows.Close()

	var out []*store.StepRecord
	for rows.Next() {
		var rec store.StepRecord
		var delaysJSON, outputJSON, errStr sql.NullString
		var startedAt, completedAt string
		if err := rows.Scan(&rec.RunID, &rec.StepName, &rec.Attempt, &rec.Status, &delaysJSON,
			&outputJSON, &errStr, &rec.DurationMS, &startedAt, &completedAt); err != nil {
			return nil, err
		}
		rec.Error = errStr.String
		if delaysJSON.Valid && delaysJSON.String != "" {
			var ms []int64
			_ = json.Unmarshal([]byte(delaysJSON.String), &ms)
			for _, m := range ms {
				rec.RetryDelays = append(rec.RetryDelays, time.Duration(m)*time.Millisecond)
			}
		}
		if outputJSON.Valid && outputJSON.String != "" {
			_ = json.Unmarshal([]byte(outputJSON.String), &rec.Output)
		}
		rec.StartedAt, _ = time.Parse(time.RFC3339Nano, startedAt)
		rec.CompletedAt, _ = time.Parse(time.RFC3339Nano, completedAt)
		out = append(out, &rec)
	}
	return out, rows.Err()
}

func (b *Backend) StorePause(ctx context.Context, info *store.PauseInfo) error {
	payloadJSON, _ := json.Marshal(info.ResumePayload)
	lastOutputJSON, _ := json.Marshal(info.LastStepOutput)
	_, err := b.db.ExecContext(ctx,
		`INSERT INTO pauses (token, run_id, workflow_id, step_name, description, created_at, expires_at,
			status, resume_payload, last_step_output)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(token) DO UPDATE SET status=excluded.status, resume_payload=excluded.resume_payload,
			last_step_output=excluded.last_step_output`,
		info.Token, info.RunID, info.WorkflowID, info.StepName, info.Description,
		info.CreatedAt.Format(time.RFC3339Nano), formatTime(info.ExpiresAt), string(info.Status),
		string(payloadJSON), string(lastOutputJSON),
	)
	if err != nil {
		return &engineerrors.StoreError{Op: "store_pause", Transient: isTransient(err), Cause: err}
	}
	return nil
}

func (b *Backend) LoadPause(ctx context.Context, token string) (*store.PauseInfo, error) {
	var info store.PauseInfo
	var stepName, description sql.NullString
	var createdAt string
	var expiresAt sql.NullString
	var status string
	var resumePayload, lastOutput sql.NullString

	err := b.db.QueryRowContext(ctx,
		`SELECT token, run_id, workflow_id, step_name, description, created_at, expires_at, status,
			resume_payload, last_step_output
		 FROM pauses WHERE token = ?`, token,
	).Scan(&info.Token, &info.RunID, &info.WorkflowID, &stepName, &description, &createdAt, &expiresAt,
		&status, &resumePayload, &lastOutput)
	if err == sql.ErrNoRows {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, &engineerrors.StoreError{Op: "load_pause", Transient: isTransient(err), Cause: err}
	}

	info.StepName = stepName.String
	info.Description = description.String
	info.Status = store.PauseStatus(status)
	info.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	if expiresAt.Valid {
		t, _ := time.Parse(time.RFC3339Nano, expiresAt.String)
		info.ExpiresAt = &t
	}
	if resumePayload.Valid && resumePayload.String != "" {
		_ = json.Unmarshal([]byte(resumePayload.String), &info.ResumePayload)
	}
	if lastOutput.Valid && lastOutput.String != "" {
		_ = json.Unmarshal([]byte(lastOutput.String), &info.LastStepOutput)
	}
	return &info, nil
}

func (b *Backend) DeletePause(ctx context.Context, token string) error {
	_, err := b.db.ExecContext(ctx, `DELETE FROM pauses WHERE token = ?`, token)
	if err != nil {
		return &engineerrors.StoreError{Op: "delete_pause", Transient: isTransient(err), Cause: err}
	}
	return nil
}

func (b *Backend) ListPauses(ctx context.Context) ([]*store.PauseInfo, error) {
	rows, err := b.db.QueryContext(ctx, `SELECT token FROM pauses ORDER BY created_at`)
	if err != nil {
		return nil, &engineerrors.StoreError{Op: "list_pauses", Transient: isTransient(err), Cause: err}
	}
	var tokens []string
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			rows.Close()
			return nil, err
		}
		tokens = append(tokens, t)
	}
	rows.Close()

	out := make([]*store.PauseInfo, 0, len(tokens))
	for _, t := range tokens {
		p, err := b.LoadPause(ctx, t)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

func (b *Backend) SaveSchedule(ctx context.Context, entry *store.ScheduleEntry) error {
	_, err := b.db.ExecContext(ctx,
		`INSERT INTO schedules (workflow_id, cron_expression, last_fired, next_fire)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(workflow_id) DO UPDATE SET cron_expression=excluded.cron_expression,
			last_fired=excluded.last_fired, next_fire=excluded.next_fire`,
		entry.WorkflowID, entry.CronExpression, formatTime(entry.LastFired),
		entry.NextFire.Format(time.RFC3339Nano),
	)
	if err != nil {
		return &engineerrors.StoreError{Op: "save_schedule", Transient: isTransient(err), Cause: err}
	}
	return nil
}

func (b *Backend) ListDueSchedules(ctx context.Context, now time.Time) ([]*store.ScheduleEntry, error) {
	rows, err := b.db.QueryContext(ctx,
		`SELECT workflow_id, cron_expression, last_fired, next_fire FROM schedules
		 WHERE next_fire <= ? ORDER BY workflow_id`, now.Format(time.RFC3339Nano))
	if err != nil {
		return nil, &engineerrors.StoreError{Op: "list_due_schedules", Transient: isTransient(err), Cause: err}
	}
	defer rows.Close()

	var out []*store.ScheduleEntry
	for rows.Next() {
		var e store.ScheduleEntry
		var lastFired sql.NullString
		var nextFire string
		if err := rows.Scan(&e.WorkflowID, &e.CronExpression, &lastFired, &nextFire); err != nil {
			return nil, err
		}
		if lastFired.Valid {
			t, _ := time.Parse(time.RFC3339Nano, lastFired.String)
			e.LastFired = &t
		}
		e.NextFire, _ = time.Parse(time.RFC3339Nano, nextFire)
		out = append(out, &e)
	}
	return out, rows.Err()
}

func (b *Backend) AdvanceSchedule(ctx context.Context, workflowID string, next time.Time, firedAt time.Time) error {
	result, err := b.db.ExecContext(ctx,
		`UPDATE schedules SET next_fire = ?, last_fired = ? WHERE workflow_id = ?`,
		next.Format(time.RFC3339Nano), firedAt.Format(time.RFC3339Nano), workflowID,
	)
	if err != nil {
		return &engineerrors.StoreError{Op: "advance_schedule", Transient: isTransient(err), Cause: err}
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (b *Backend) KVGet(ctx context.Context, namespace, key string) (any, bool, error) {
	var valueJSON string
	var expiresAt sql.NullString
	err := b.db.QueryRowContext(ctx,
		`SELECT value, expires_at FROM kv WHERE namespace = ? AND key = ?`, namespace, key,
	).Scan(&valueJSON, &expiresAt)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, &engineerrors.StoreError{Op: "kv_get", Transient: isTransient(err), Cause: err}
	}
	if expiresAt.Valid {
		t, _ := time.Parse(time.RFC3339Nano, expiresAt.String)
		if !t.After(time.Now()) {
			_, _ = b.db.ExecContext(ctx, `DELETE FROM kv WHERE namespace = ? AND key = ?`, namespace, key)
			return nil, false, nil
		}
	}
	var value any
	if err := json.Unmarshal([]byte(valueJSON), &value); err != nil {
		return nil, false, err
	}
	return value, true, nil
}

func (b *Backend) KVSet(ctx context.Context, namespace, key string, value any, ttl time.Duration) error {
	valueJSON, err := json.Marshal(value)
	if err != nil {
		return err
	}
	var expires any
	if ttl > 0 {
		expires = time.Now().Add(ttl).Format(time.RFC3339Nano)
	}
	_, err = b.db.ExecContext(ctx,
		`INSERT INTO kv (namespace, key, value, expires_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(namespace, key) DO UPDATE SET value=excluded.value, expires_at=excluded.expires_at`,
		namespace, key, string(valueJSON), expires,
	)
	if err != nil {
		return &engineerrors.StoreError{Op: "kv_set", Transient: isTransient(err), Cause: err}
	}
	return nil
}

func (b *Backend) KVIncr(ctx context.Context, namespace, key string, delta int64) (int64, error) {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, &engineerrors.StoreError{Op: "kv_incr", Transient: true, Cause: err}
	}
	defer tx.Rollback()

	var current int64
	var valueJSON string
	err = tx.QueryRowContext(ctx, `SELECT value FROM kv WHERE namespace = ? AND key = ?`, namespace, key).Scan(&valueJSON)
	if err == nil {
		_ = json.Unmarshal([]byte(valueJSON), &current)
	} else if err != sql.ErrNoRows {
		return 0, &engineerrors.StoreError{Op: "kv_incr", Transient: isTransient(err), Cause: err}
	}

	current += delta
	newJSON, _ := json.Marshal(current)
	_, err = tx.ExecContext(ctx,
		`INSERT INTO kv (namespace, key, value, expires_at) VALUES (?, ?, ?, NULL)
		 ON CONFLICT(namespace, key) DO UPDATE SET value=excluded.value`,
		namespace, key, string(newJSON),
	)
	if err != nil {
		return 0, &engineerrors.StoreError{Op: "kv_incr", Transient: isTransient(err), Cause: err}
	}
	if err := tx.Commit(); err != nil {
		return 0, &engineerrors.StoreError{Op: "kv_incr", Transient: true, Cause: err}
	}
	return current, nil
}

func (b *Backend) KVDelete(ctx context.Context, namespace, key string) error {
	_, err := b.db.ExecContext(ctx, `DELETE FROM kv WHERE namespace = ? AND key = ?`, namespace, key)
	if err != nil {
		return &engineerrors.StoreError{Op: "kv_delete", Transient: isTransient(err), Cause: err}
	}
	return nil
}

func (b *Backend) KVCleanupExpired(ctx context.Context, now time.Time) (int, error) {
	result, err := b.db.ExecContext(ctx,
		`DELETE FROM kv WHERE expires_at IS NOT NULL AND expires_at <= ?`, now.Format(time.RFC3339Nano))
	if err != nil {
		return 0, &engineerrors.StoreError{Op: "kv_cleanup_expired", Transient: isTransient(err), Cause: err}
	}
	n, _ := result.RowsAffected()
	return int(n), nil
}

func formatTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.Format(time.RFC3339Nano)
}

func nonZero(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

// nullString returns nil if s is empty, otherwise s — so empty strings
// are stored as SQL NULL rather than an empty string, matching the
// teacher's own convention.
func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func isTransient(err error) bool {
	// modernc.org/sqlite surfaces lock contention as a generic error after
	// busy_timeout expires; treat those as transient, everything else
	// (constraint violations, schema errors) as permanent.
	if err == nil {
		return false
	}
	msg := err.Error()
	return contains(msg, "locked") || contains(msg, "busy")
}

func contains(s, substr string) bool {
	for i := 0; i+len(substr) <= len(s); i++ {
		if s[i:i+len(substr)] == substr {
			return true
		}
	}
	return false
}

var (
	errTerminalRun       = sentinel("run is in a terminal state")
	errIllegalTransition = sentinel("illegal run status transition")
)

type sentinel string

func (s sentinel) Error() string { return string(s) }
