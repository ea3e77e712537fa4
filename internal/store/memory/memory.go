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

// Package memory provides an in-process, non-durable Store implementation
// for tests and single-process ephemeral use.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	engineerrors "github.com/tombee/flowctl/pkg/errors"
	"github.com/tombee/flowctl/internal/store"
)

// Backend is an in-memory store. All writes are serialized by a single
// mutex — this mirrors the sqlite backend's single-writer-connection
// behaviour closely enough that callers see equivalent ordering.
type Backend struct {
	mu sync.Mutex

	workflows map[string]*store.Workflow
	runs      map[string]*store.Run
	steps     map[string][]*store.StepRecord // keyed by run id
	pauses    map[string]*store.PauseInfo
	schedules map[string]*store.ScheduleEntry
	kv        map[string]map[string]kvEntry // namespace -> key -> entry
}

type kvEntry struct {
	value   any
	expires *time.Time
}

// New returns an empty in-memory backend.
func New() *Backend {
	return &Backend{
		workflows: make(map[string]*store.Workflow),
		runs:      make(map[string]*store.Run),
		steps:     make(map[string][]*store.StepRecord),
		pauses:    make(map[string]*store.PauseInfo),
		schedules: make(map[string]*store.ScheduleEntry),
		kv:        make(map[string]map[string]kvEntry),
	}
}

func (b *Backend) Close() error { return nil }

func (b *Backend) RegisterWorkflow(_ context.Context, w *store.Workflow) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if w.ID == "" {
		return &engineerrors.ConfigurationError{Field: "id", Reason: "workflow id must not be empty"}
	}
	if existing, ok := b.workflows[w.ID]; ok {
		if existing.Checksum != w.Checksum {
			return &engineerrors.ConfigurationError{
				Field:  "id",
				Reason: "workflow " + w.ID + " already registered with a different definition",
			}
		}
		return nil
	}
	cp := *w
	b.workflows[w.ID] = &cp
	return nil
}

func (b *Backend) GetWorkflow(_ context.Context, id string) (*store.Workflow, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	w, ok := b.workflows[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *w
	return &cp, nil
}

func (b *Backend) ListWorkflows(_ context.Context) ([]*store.Workflow, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]*store.Workflow, 0, len(b.workflows))
	for _, w := range b.workflows {
		cp := *w
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (b *Backend) CreateRun(_ context.Context, run *store.Run) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if run.ID == "" {
		return &engineerrors.ConfigurationError{Field: "run.id", Reason: "run id must not be empty"}
	}
	if _, ok := b.runs[run.ID]; ok {
		return &engineerrors.StoreError{Op: "create_run", Transient: false, Cause: errDuplicateRun}
	}
	cp := *run
	if cp.Status == "" {
		cp.Status = store.RunPending
	}
	b.runs[run.ID] = &cp
	return nil
}

func (b *Backend) GetRun(_ context.Context, id string) (*store.Run, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	r, ok := b.runs[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return cloneRun(r), nil
}

func (b *Backend) UpdateRun(_ context.Context, runID string, diff store.RunDiff) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	r, ok := b.runs[runID]
	if !ok {
		return store.ErrNotFound
	}
	if r.Status.Terminal() {
		return &engineerrors.StoreError{Op: "update_run", Transient: false, Cause: errTerminalRun}
	}
	if diff.Status != nil {
		if !store.ValidTransition(r.Status, *diff.Status) {
			return &engineerrors.StoreError{Op: "update_run", Transient: false, Cause: errIllegalTransition}
		}
		r.Status = *diff.Status
	}
	if diff.StepsOutput != nil {
		if r.StepsOutput == nil {
			r.StepsOutput = make(map[string]any, len(diff.StepsOutput))
		}
		for k, v := range diff.StepsOutput {
			r.StepsOutput[k] = v
		}
	}
	if diff.LastStepName != nil {
		r.LastStepName = *diff.LastStepName
	}
	if diff.PausedToken != nil {
		r.PausedToken = *diff.PausedToken
	}
	if diff.Error != nil {
		r.Error = *diff.Error
	}
	if diff.CompletedAt != nil {
		r.CompletedAt = diff.CompletedAt
	}
	r.UpdatedAt = time.Now().UTC()
	return nil
}

func (b *Backend) ListRuns(_ context.Context, workflowID string, status store.RunStatus) ([]*store.Run, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []*store.Run
	for _, r := range b.runs {
		if workflowID != "" && r.WorkflowID != workflowID {
			continue
		}
		if status != "" && r.Status != status {
			continue
		}
		out = append(out, cloneRun(r))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (b *Backend) AppendStepRecord(_ context.Context, rec *store.StepRecord) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if r, ok := b.runs[rec.RunID]; ok && r.Status.Terminal() {
		return &engineerrors.StoreError{Op: "append_step_record", Transient: false, Cause: errTerminalRun}
	}
	cp := *rec
	b.steps[rec.RunID] = append(b.steps[rec.RunID], &cp)
	return nil
}

func (b *Backend) ListStepRecords(_ context.Context, runID string) ([]*store.StepRecord, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	recs := b.steps[runID]
	out := make([]*store.StepRecord, len(recs))
	for i, r := range recs {
		cp := *r
		out[i] = &cp
	}
	return out, nil
}

func (b *Backend) StorePause(_ context.Context, info *store.PauseInfo) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	cp := *info
	b.pauses[info.Token] = &cp
	return nil
}

func (b *Backend) LoadPause(_ context.Context, token string) (*store.PauseInfo, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.pauses[token]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (b *Backend) DeletePause(_ context.Context, token string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.pauses, token)
	return nil
}

func (b *Backend) ListPauses(_ context.Context) ([]*store.PauseInfo, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]*store.PauseInfo, 0, len(b.pauses))
	for _, p := range b.pauses {
		cp := *p
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (b *Backend) SaveSchedule(_ context.Context, entry *store.ScheduleEntry) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	cp := *entry
	b.schedules[entry.WorkflowID] = &cp
	return nil
}

func (b *Backend) ListDueSchedules(_ context.Context, now time.Time) ([]*store.ScheduleEntry, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []*store.ScheduleEntry
	for _, s := range b.schedules {
		if !s.NextFire.After(now) {
			cp := *s
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].WorkflowID < out[j].WorkflowID })
	return out, nil
}

func (b *Backend) AdvanceSchedule(_ context.Context, workflowID string, next time.Time, firedAt time.Time) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.schedules[workflowID]
	if !ok {
		return store.ErrNotFound
	}
	s.NextFire = next
	fired := firedAt
	s.LastFired = &fired
	return nil
}

func (b *Backend) KVGet(_ context.Context, namespace, key string) (any, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ns, ok := b.kv[namespace]
	if !ok {
		return nil, false, nil
	}
	e, ok := ns[key]
	if !ok {
		return nil, false, nil
	}
	if e.expires != nil && !e.expires.After(time.Now()) {
		delete(ns, key)
		return nil, false, nil
	}
	return e.value, true, nil
}

func (b *Backend) KVSet(_ context.Context, namespace, key string, value any, ttl time.Duration) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	ns, ok := b.kv[namespace]
	if !ok {
		ns = make(map[string]kvEntry)
		b.kv[namespace] = ns
	}
	var expires *time.Time
	if ttl > 0 {
		t := time.Now().Add(ttl)
		expires = &t
	}
	ns[key] = kvEntry{value: value, expires: expires}
	return nil
}

func (b *Backend) KVIncr(_ context.Context, namespace, key string, delta int64) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ns, ok := b.kv[namespace]
	if !ok {
		ns = make(map[string]kvEntry)
		b.kv[namespace] = ns
	}
	e, ok := ns[key]
	var current int64
	if ok {
		if n, ok := e.value.(int64); ok {
			current = n
		}
	}
	current += delta
	ns[key] = kvEntry{value: current, expires: e.expires}
	return current, nil
}

func (b *Backend) KVDelete(_ context.Context, namespace, key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if ns, ok := b.kv[namespace]; ok {
		delete(ns, key)
	}
	return nil
}

func (b *Backend) KVCleanupExpired(_ context.Context, now time.Time) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, ns := range b.kv {
		for k, e := range ns {
			if e.expires != nil && !e.expires.After(now) {
				delete(ns, k)
				n++
			}
		}
	}
	return n, nil
}

func cloneRun(r *store.Run) *store.Run {
	cp := *r
	if r.Payload != nil {
		cp.Payload = make(map[string]any, len(r.Payload))
		for k, v := range r.Payload {
			cp.Payload[k] = v
		}
	}
	if r.StepsOutput != nil {
		cp.StepsOutput = make(map[string]any, len(r.StepsOutput))
		for k, v := range r.StepsOutput {
			cp.StepsOutput[k] = v
		}
	}
	return &cp
}

var (
	errDuplicateRun      = storeSentinel("run already exists")
	errTerminalRun       = storeSentinel("run is in a terminal state")
	errIllegalTransition = storeSentinel("illegal run status transition")
)

type storeSentinel string

func (s storeSentinel) Error() string { return string(s) }
