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

// Package coordinator implements the Run Coordinator: it admits triggers
// against a per-workflow concurrency cap (queuing excess triggers FIFO),
// creates and advances the Run record in the Store, drives the Control-Flow
// Interpreter to completion, and fires lifecycle hooks without letting a
// hook failure affect the run's recorded outcome.
package coordinator

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/tombee/flowctl/internal/clock"
	"github.com/tombee/flowctl/internal/dispatcher"
	"github.com/tombee/flowctl/internal/envelope"
	"github.com/tombee/flowctl/internal/interpreter"
	enginelog "github.com/tombee/flowctl/internal/log"
	"github.com/tombee/flowctl/internal/store"
	engineerrors "github.com/tombee/flowctl/pkg/errors"
)

// Hooks are the workflow-level lifecycle callbacks. Panics and errors
// inside either hook are logged, never propagated: a hook cannot flip a
// run's recorded outcome.
type Hooks struct {
	OnSuccess func(runID string, rc *interpreter.RunContext)
	OnFailure func(runID string, rc *interpreter.RunContext, runErr error)
}

// WorkflowSpec is everything the coordinator needs to execute one trigger.
// The richer YAML authoring model lives in internal/workflowdef; by the
// time a trigger reaches the coordinator it has already been compiled down
// to this shape.
type WorkflowSpec struct {
	ID          string
	Concurrency int // 0 = unlimited
	Steps       []interpreter.Step
	Timeout     time.Duration // 0 = no overall run timeout
	Hooks       Hooks
}

// Config holds coordinator-wide defaults applied to every run.
type Config struct {
	// DefaultEnvelope is applied to every dispatched step job whose own
	// envelope sets none of Retry, CircuitBreaker or OnError; a step that
	// sets any of them uses its own envelope instead. A non-zero
	// JobSpec.Timeout overrides the Timeout field either way.
	DefaultEnvelope envelope.Options
}

// Coordinator is the Run Coordinator described above.
type Coordinator struct {
	store      store.Store
	dispatcher *dispatcher.Dispatcher
	envelope   *envelope.Envelope
	clock      clock.Clock
	tracer     trace.Tracer
	events     interpreter.EventWaiter
	pauses     interpreter.Pauser
	cfg        Config

	mu            sync.Mutex
	limiters      map[string]*concurrencyLimiter
	cancelFns     map[string]context.CancelFunc
	cancelledRuns map[string]bool
}

// Option configures optional Coordinator behavior.
type Option func(*Coordinator)

// WithTracer attaches an OpenTelemetry tracer; every run gets its own span.
func WithTracer(tracer trace.Tracer) Option {
	return func(c *Coordinator) { c.tracer = tracer }
}

// WithEventWaiter wires the Event Bus's WaitForEvent support.
func WithEventWaiter(w interpreter.EventWaiter) Option {
	return func(c *Coordinator) { c.events = w }
}

// WithPauser wires the Pause Registry's Pause/HumanInTheLoop support.
func WithPauser(p interpreter.Pauser) Option {
	return func(c *Coordinator) { c.pauses = p }
}

// WithClock overrides the coordinator's time source, for deterministic
// run-timeout tests.
func WithClock(c2 clock.Clock) Option {
	return func(c *Coordinator) { c.clock = c2 }
}

// New builds a Coordinator wired to st, disp, and env.
func New(st store.Store, disp *dispatcher.Dispatcher, env *envelope.Envelope, cfg Config, opts ...Option) *Coordinator {
	c := &Coordinator{
		store:         st,
		dispatcher:    disp,
		envelope:      env,
		cfg:           cfg,
		limiters:      make(map[string]*concurrencyLimiter),
		cancelFns:     make(map[string]context.CancelFunc),
		cancelledRuns: make(map[string]bool),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Trigger admits a new run of spec against payload. It always creates the
// Run record before returning (so the returned run_id is durable even if
// the run is still waiting on a concurrency slot), and executes the
// interpreter asynchronously.
func (c *Coordinator) Trigger(ctx context.Context, spec WorkflowSpec, payload map[string]any, headers map[string]string) (string, error) {
	if spec.ID == "" {
		return "", &engineerrors.ConfigurationError{Field: "workflow.id", Reason: "missing workflow id"}
	}

	runID := uuid.NewString()
	now := time.Now().UTC()
	run := &store.Run{
		ID:          runID,
		WorkflowID:  spec.ID,
		Status:      store.RunPending,
		Payload:     payload,
		StepsOutput: make(map[string]any),
		StartedAt:   now,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := c.store.CreateRun(ctx, run); err != nil {
		return "", err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	c.mu.Lock()
	c.cancelFns[runID] = cancel
	c.mu.Unlock()

	go c.execute(runCtx, spec, runID, payload, headers)

	return runID, nil
}

// Cancel requests cancellation of an in-flight run: it unblocks a run still
// waiting on its concurrency slot, marks it so the interpreter's
// Recorder.Cancelled check trips on its next step boundary, cancels its
// context, and asks the dispatcher to cancel any in-flight or queued jobs.
func (c *Coordinator) Cancel(runID string) {
	c.mu.Lock()
	c.cancelledRuns[runID] = true
	cancel, ok := c.cancelFns[runID]
	c.mu.Unlock()

	if ok {
		cancel()
	}
	c.dispatcher.CancelRun(runID)
}

func (c *Coordinator) execute(ctx context.Context, spec WorkflowSpec, runID string, payload map[string]any, headers map[string]string) {
	defer func() {
		c.mu.Lock()
		delete(c.cancelFns, runID)
		delete(c.cancelledRuns, runID)
		c.mu.Unlock()
	}()

	limiter := c.limiterFor(spec.ID, spec.Concurrency)
	if err := limiter.acquire(ctx); err != nil {
		c.finishRun(ctx, spec, runID, nil, &engineerrors.CancelledError{Reason: "cancelled while queued for a concurrency slot"})
		return
	}
	defer limiter.release()

	if c.tracer != nil {
		var span trace.Span
		ctx, span = c.tracer.Start(ctx, "coordinator.run", trace.WithAttributes(
			attribute.String("run.id", runID),
			attribute.String("workflow.id", spec.ID),
		))
		defer span.End()
	}

	running := store.RunRunning
	if err := c.store.UpdateRun(ctx, runID, store.RunDiff{Status: &running}); err != nil {
		slog.Error("coordinator: failed to mark run running", enginelog.RunIDKey, runID, "error", err)
	}

	rc := &interpreter.RunContext{
		RunID:          runID,
		WorkflowID:     spec.ID,
		Payload:        payload,
		StepsOutput:    make(map[string]any),
		TriggerHeaders: headers,
	}

	ip := &interpreter.Interpreter{
		Jobs:     &jobRunner{dispatcher: c.dispatcher, store: c.store, envelope: c.cfg.DefaultEnvelope},
		Events:   c.events,
		Pauses:   c.pauses,
		Recorder: &runRecorder{coordinator: c},
	}

	runErr := c.runInterpreter(ctx, ip, spec.Steps, rc, spec.Timeout)
	c.finishRun(ctx, spec, runID, rc, runErr)
}

// runInterpreter races ip.Run against an overall run timeout, mirroring the
// Execution Envelope's clock-aware invokeOnce so run-level timeouts are
// just as deterministically testable as a single step's.
func (c *Coordinator) runInterpreter(ctx context.Context, ip *interpreter.Interpreter, steps []interpreter.Step, rc *interpreter.RunContext, timeout time.Duration) error {
	if timeout <= 0 {
		return ip.Run(ctx, steps, rc)
	}

	done := make(chan error, 1)
	go func() { done <- ip.Run(ctx, steps, rc) }()

	select {
	case err := <-done:
		return err
	case <-c.clockOrReal().After(timeout):
		return &engineerrors.TimeoutError{StepName: "run", Timeout: timeout}
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Coordinator) finishRun(ctx context.Context, spec WorkflowSpec, runID string, rc *interpreter.RunContext, runErr error) {
	completedAt := time.Now().UTC()

	var stepsOutput map[string]any
	var lastStep string
	if rc != nil {
		stepsOutput = rc.StepsOutput
		lastStep = rc.StepName
	}

	if runErr != nil {
		status := store.RunFailed
		var cancelled *engineerrors.CancelledError
		if errors.As(runErr, &cancelled) {
			status = store.RunCancelled
		}
		errMsg := runErr.Error()
		diff := store.RunDiff{Status: &status, StepsOutput: stepsOutput, Error: &errMsg, CompletedAt: &completedAt}
		if lastStep != "" {
			diff.LastStepName = &lastStep
		}
		if err := c.store.UpdateRun(ctx, runID, diff); err != nil {
			slog.Error("coordinator: failed to persist run failure", enginelog.RunIDKey, runID, "error", err)
		}
		c.fireHook(runID, spec.ID, func() {
			if spec.Hooks.OnFailure != nil {
				spec.Hooks.OnFailure(runID, rc, runErr)
			}
		})
		return
	}

	completed := store.RunCompleted
	diff := store.RunDiff{Status: &completed, StepsOutput: stepsOutput, CompletedAt: &completedAt}
	if lastStep != "" {
		diff.LastStepName = &lastStep
	}
	if err := c.store.UpdateRun(ctx, runID, diff); err != nil {
		slog.Error("coordinator: failed to persist run completion", enginelog.RunIDKey, runID, "error", err)
	}
	c.fireHook(runID, spec.ID, func() {
		if spec.Hooks.OnSuccess != nil {
			spec.Hooks.OnSuccess(runID, rc)
		}
	})
}

// fireHook runs fn, converting a panic into a log line so a broken
// lifecycle hook can never take down the coordinator or alter a run's
// already-persisted outcome.
func (c *Coordinator) fireHook(runID, workflowID string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("coordinator: lifecycle hook panicked",
				enginelog.RunIDKey, runID, enginelog.WorkflowKey, workflowID, "panic", r)
		}
	}()
	fn()
}

func (c *Coordinator) limiterFor(workflowID string, max int) *concurrencyLimiter {
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.limiters[workflowID]
	if !ok {
		l = newConcurrencyLimiter(max)
		c.limiters[workflowID] = l
	}
	return l
}

func (c *Coordinator) clockOrReal() clock.Clock {
	if c.clock != nil {
		return c.clock
	}
	return clock.New()
}

// runRecorder adapts the Coordinator into an interpreter.Recorder. Step
// persistence itself happens in jobRunner (it alone has the attempt/retry
// metadata a StepRecord needs); this adapter only needs to answer whether
// the surrounding run has been cancelled.
type runRecorder struct {
	coordinator *Coordinator
}

func (r *runRecorder) RecordStep(rc *interpreter.RunContext, stepName string, output any, stepErr error) {
}

func (r *runRecorder) Cancelled(runID string) bool {
	r.coordinator.mu.Lock()
	defer r.coordinator.mu.Unlock()
	return r.coordinator.cancelledRuns[runID]
}
