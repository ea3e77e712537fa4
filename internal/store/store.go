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

// Package store provides durable, crash-safe persistence for workflow
// registrations, runs, step records, pause tokens, schedule entries, and
// the namespaced state KV.
//
// # Interface Hierarchy
//
// Following the segregated-interface shape used across the engine: a
// minimal WorkflowStore/RunStore pair is required, everything else is
// additive. Both shipped backends (memory, sqlite) implement the full
// Store.
package store

import (
	"context"
	"errors"
	"io"
	"time"
)

// ErrNotFound is returned by Get-style operations when the requested
// record does not exist.
var ErrNotFound = errors.New("store: not found")

// RunStatus enumerates a run's lifecycle states.
type RunStatus string

const (
	RunPending   RunStatus = "Pending"
	RunRunning   RunStatus = "Running"
	RunPaused    RunStatus = "Paused"
	RunCompleted RunStatus = "Completed"
	RunFailed    RunStatus = "Failed"
	RunCancelled RunStatus = "Cancelled"
)

// Terminal reports whether the status is one a run cannot leave.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunCompleted, RunFailed, RunCancelled:
		return true
	default:
		return false
	}
}

// Workflow is the persisted, immutable-after-registration workflow shape.
// The richer authoring model lives in internal/workflowdef; the Store only
// needs to know identity and a serialized definition blob.
type Workflow struct {
	ID          string
	Name        string
	Description string
	Version     string
	Concurrency int // 0 = unlimited
	Definition  []byte
	Checksum    string // used to detect non-identical re-registration
	CreatedAt   time.Time
}

// Run is one execution instance of a workflow over a specific payload.
type Run struct {
	ID            string
	WorkflowID    string
	Status        RunStatus
	Payload       map[string]any
	StepsOutput   map[string]any
	LastStepName  string
	PausedToken   string
	Error         string
	StartedAt     time.Time
	CompletedAt   *time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// RunDiff carries a partial update to a Run. Nil fields are left
// unchanged; a non-nil Status is checked against the legal transition
// table before it is applied.
type RunDiff struct {
	Status       *RunStatus
	StepsOutput  map[string]any
	LastStepName *string
	PausedToken  *string
	Error        *string
	CompletedAt  *time.Time
}

// JobState enumerates a job's lifecycle states in the dispatcher.
type JobState string

const (
	JobPending   JobState = "Pending"
	JobRunning   JobState = "Running"
	JobCompleted JobState = "Completed"
	JobFailed    JobState = "Failed"
	JobTimedOut  JobState = "TimedOut"
	JobCancelled JobState = "Cancelled"
)

// StepRecord is the append-only, per-attempt persistence record for a
// step. The final attempt for a given (run_id, step_name) is authoritative.
type StepRecord struct {
	RunID       string
	StepName    string
	Status      string
	Attempt     int
	RetryDelays []time.Duration
	Output      map[string]any
	Error       string
	DurationMS  int64
	StartedAt   time.Time
	CompletedAt time.Time
}

// PauseStatus enumerates a pause token's lifecycle.
type PauseStatus string

const (
	PauseWaiting  PauseStatus = "Waiting"
	PauseResumed  PauseStatus = "Resumed"
	PauseTimedOut PauseStatus = "TimedOut"
)

// PauseInfo maps an opaque token to a suspended run.
type PauseInfo struct {
	Token           string
	RunID           string
	WorkflowID      string
	StepName        string
	Description     string
	CreatedAt       time.Time
	ExpiresAt       *time.Time
	Status          PauseStatus
	ResumePayload   map[string]any
	LastStepOutput  map[string]any
}

// ScheduleEntry is one cron/interval registration for a workflow.
type ScheduleEntry struct {
	WorkflowID     string
	CronExpression string
	LastFired      *time.Time
	NextFire       time.Time
}

// WorkflowStore persists workflow registrations.
type WorkflowStore interface {
	// RegisterWorkflow is idempotent by ID: registering the same ID with
	// an identical checksum succeeds silently; a different checksum is a
	// ConfigurationError.
	RegisterWorkflow(ctx context.Context, w *Workflow) error
	GetWorkflow(ctx context.Context, id string) (*Workflow, error)
	ListWorkflows(ctx context.Context) ([]*Workflow, error)
}

// RunStore is the core interface for run storage.
type RunStore interface {
	CreateRun(ctx context.Context, run *Run) error
	GetRun(ctx context.Context, id string) (*Run, error)
	// UpdateRun performs a compare-and-set on the Run's status transition;
	// illegal transitions (see RunStatus invariants) are rejected.
	UpdateRun(ctx context.Context, runID string, diff RunDiff) error
}

// RunLister is an optional capability for listing runs by workflow.
type RunLister interface {
	ListRuns(ctx context.Context, workflowID string, status RunStatus) ([]*Run, error)
}

// StepRecordStore appends and reads per-step execution history.
type StepRecordStore interface {
	AppendStepRecord(ctx context.Context, rec *StepRecord) error
	ListStepRecords(ctx context.Context, runID string) ([]*StepRecord, error)
}

// PauseStore persists pause tokens.
type PauseStore interface {
	StorePause(ctx context.Context, info *PauseInfo) error
	LoadPause(ctx context.Context, token string) (*PauseInfo, error)
	DeletePause(ctx context.Context, token string) error
	ListPauses(ctx context.Context) ([]*PauseInfo, error)
}

// ScheduleStore persists cron/interval schedule entries.
type ScheduleStore interface {
	SaveSchedule(ctx context.Context, entry *ScheduleEntry) error
	ListDueSchedules(ctx context.Context, now time.Time) ([]*ScheduleEntry, error)
	AdvanceSchedule(ctx context.Context, workflowID string, next time.Time, firedAt time.Time) error
}

// KVStore is the namespaced, TTL-aware state key-value store.
type KVStore interface {
	KVGet(ctx context.Context, namespace, key string) (any, bool, error)
	KVSet(ctx context.Context, namespace, key string, value any, ttl time.Duration) error
	KVIncr(ctx context.Context, namespace, key string, delta int64) (int64, error)
	KVDelete(ctx context.Context, namespace, key string) error
	KVCleanupExpired(ctx context.Context, now time.Time) (int, error)
}

// Store composes every storage capability the Run Coordinator needs.
type Store interface {
	WorkflowStore
	RunStore
	RunLister
	StepRecordStore
	PauseStore
	ScheduleStore
	KVStore
	io.Closer
}

// ValidTransition reports whether moving a run from `from` to `to` is
// legal under the monotonicity invariant: Pending -> Running ->
// (Paused <-> Running)* -> {Completed|Failed|Cancelled}, terminal once
// reached.
func ValidTransition(from, to RunStatus) bool {
	if from.Terminal() {
		return false
	}
	switch from {
	case RunPending:
		return to == RunRunning || to == RunCancelled
	case RunRunning:
		return to == RunPaused || to == RunCompleted || to == RunFailed || to == RunCancelled
	case RunPaused:
		return to == RunRunning || to == RunCompleted || to == RunFailed || to == RunCancelled
	default:
		return false
	}
}
