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

// Package engine is the embeddable public surface of the workflow
// orchestration engine: it wires the Store, Job Dispatcher, Execution
// Envelope, Run Coordinator, Scheduler, Event Bus, Pause Registry, State
// KV, and Trigger Ingest into one object and exposes the operations an
// embedding program needs — Define, Trigger, Inspect, Cancel, Resume,
// Publish, and the KV accessors — without requiring the caller to know
// any of those packages exist.
package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/tombee/flowctl/internal/breaker"
	"github.com/tombee/flowctl/internal/clock"
	"github.com/tombee/flowctl/internal/coordinator"
	"github.com/tombee/flowctl/internal/dispatcher"
	"github.com/tombee/flowctl/internal/envelope"
	"github.com/tombee/flowctl/internal/eventbus"
	"github.com/tombee/flowctl/internal/interpreter"
	"github.com/tombee/flowctl/internal/kv"
	"github.com/tombee/flowctl/internal/pause"
	"github.com/tombee/flowctl/internal/scheduler"
	"github.com/tombee/flowctl/internal/store"
	"github.com/tombee/flowctl/internal/trigger"
	"github.com/tombee/flowctl/internal/workflowdef"
	engineerrors "github.com/tombee/flowctl/pkg/errors"
)

// Config sizes and configures every subsystem New wires together. Zero
// values fall back to each subsystem's own defaults.
type Config struct {
	Dispatcher        dispatcher.Config
	Breaker           breaker.Config
	DefaultEnvelope   envelope.Options
	KVSweepInterval   time.Duration
	ResumeTokenSecret []byte

	// SchedulerTickInterval overrides the scheduler's default 1s poll
	// interval for due cron schedules. Zero keeps the default.
	SchedulerTickInterval time.Duration
	// EventHistoryCap overrides the event bus's default 1000-event
	// bounded history. Zero keeps the default.
	EventHistoryCap int
}

// Engine is the embeddable workflow engine described above.
type Engine struct {
	store       store.Store
	clock       clock.Clock
	breakers    *breaker.Registry
	envelope    *envelope.Envelope
	dispatcher  *dispatcher.Dispatcher
	coordinator *coordinator.Coordinator
	scheduler   *scheduler.Scheduler
	events      *eventbus.Bus
	pauses      *pause.Registry
	kv          *kv.Store
	trigger     *trigger.Ingest
	handlers    *workflowdef.Registry
	compiler    *workflowdef.Compiler

	mu           sync.RWMutex
	compiled     map[string]*workflowdef.Compiled // workflow ID -> compiled program
	unsubscribes map[string][]func()              // workflow ID -> event-trigger unsubscribe funcs
}

// Option configures optional Engine behavior at construction time.
type Option func(*Engine)

// WithClock overrides the engine's time source, for deterministic tests.
func WithClock(c clock.Clock) Option {
	return func(e *Engine) { e.clock = c }
}

// New builds an Engine over st, resolving step handlers against
// handlers. The engine does not start its background loops (the
// scheduler tick and the KV expiry sweep) until Start is called.
func New(st store.Store, handlers *workflowdef.Registry, cfg Config, opts ...Option) *Engine {
	e := &Engine{
		store:        st,
		clock:        clock.New(),
		handlers:     handlers,
		compiled:     make(map[string]*workflowdef.Compiled),
		unsubscribes: make(map[string][]func()),
	}
	for _, opt := range opts {
		opt(e)
	}

	e.breakers = breaker.NewRegistry(e.clock, cfg.Breaker)
	e.envelope = envelope.New(e.breakers, e.clock)
	e.dispatcher = dispatcher.New(cfg.Dispatcher, e.envelope, coordinator.DispatchHandler)
	e.events = eventbus.New(e.clock, eventOptions(cfg.EventHistoryCap)...)
	e.pauses = pause.New(st, e.clock, cfg.ResumeTokenSecret)
	e.kv = kv.New(st, e.clock, kvOptions(cfg.KVSweepInterval)...)
	e.coordinator = coordinator.New(st, e.dispatcher, e.envelope, coordinator.Config{DefaultEnvelope: cfg.DefaultEnvelope}, coordinator.WithClock(e.clock), coordinator.WithEventWaiter(e.events), coordinator.WithPauser(e.pauses))
	e.trigger = trigger.New(func(ctx context.Context, workflowID string, payload map[string]any) (string, error) {
		return e.Trigger(ctx, workflowID, payload, nil)
	})
	e.scheduler = scheduler.New(st, e.clock, func(ctx context.Context, workflowID string, payload map[string]any) error {
		_, err := e.Trigger(ctx, workflowID, payload, nil)
		return err
	}, schedulerOptions(cfg.SchedulerTickInterval)...)
	e.compiler = workflowdef.NewCompiler(handlers)

	return e
}

func eventOptions(historyCap int) []eventbus.Option {
	if historyCap <= 0 {
		return nil
	}
	return []eventbus.Option{eventbus.WithHistoryCap(historyCap)}
}

func schedulerOptions(tick time.Duration) []scheduler.Option {
	if tick <= 0 {
		return nil
	}
	return []scheduler.Option{scheduler.WithTickInterval(tick)}
}

func kvOptions(sweep time.Duration) []kv.Option {
	if sweep <= 0 {
		return nil
	}
	return []kv.Option{kv.WithSweepInterval(sweep)}
}

// RegisterHandler binds name to fn so a workflow definition's
// `handler: name` can resolve it at Define time.
func (e *Engine) RegisterHandler(name string, fn interpreter.HandlerFunc) {
	e.handlers.Register(name, fn)
}

// Start begins the scheduler's tick loop and the KV's background expiry
// sweep. Call once, after every workflow the embedder wants scheduled at
// start-up has been Defined.
func (e *Engine) Start(ctx context.Context) {
	e.scheduler.Start(ctx)
	e.kv.Start(ctx)
}

// Stop halts the scheduler and KV background loops and drains the
// dispatcher's worker pool, waiting up to ctx's deadline for in-flight
// jobs to finish.
func (e *Engine) Stop(ctx context.Context) error {
	e.scheduler.Stop()
	e.kv.Stop()
	return e.dispatcher.Stop(ctx)
}

// Stats returns a point-in-time snapshot of the dispatcher's worker pool
// and queue counters.
func (e *Engine) Stats() dispatcher.Stats {
	return e.dispatcher.Stats()
}

// BreakerStats returns a point-in-time snapshot of every named circuit
// breaker a workflow definition has referenced.
func (e *Engine) BreakerStats() []breaker.Stats {
	return e.breakers.Stats()
}

// compiledFor returns the compiled program for workflowID, or a
// ConfigurationError if it has never been Defined.
func (e *Engine) compiledFor(workflowID string) (*workflowdef.Compiled, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	c, ok := e.compiled[workflowID]
	if !ok {
		return nil, &engineerrors.ConfigurationError{Field: "workflow_id", Reason: fmt.Sprintf("unknown workflow %q", workflowID)}
	}
	return c, nil
}
