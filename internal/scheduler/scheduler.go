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

// Package scheduler turns registered cron/interval schedules into
// workflow triggers. It ticks on its own clock, lists due schedules from
// the Store, advances each one's next-fire time, and fires the configured
// TriggerFunc for every schedule that came due.
package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/tombee/flowctl/internal/clock"
	enginelog "github.com/tombee/flowctl/internal/log"
	"github.com/tombee/flowctl/internal/store"
	engineerrors "github.com/tombee/flowctl/pkg/errors"
)

// TriggerFunc fires workflowID with payload; it is the Run Coordinator's
// Trigger, adapted to drop the returned run_id the scheduler has no use for.
type TriggerFunc func(ctx context.Context, workflowID string, payload map[string]any) error

// Scheduler is the ticking cron/interval engine described above.
type Scheduler struct {
	store   store.ScheduleStore
	clock   clock.Clock
	trigger TriggerFunc
	logger  *slog.Logger

	tickInterval time.Duration

	sf singleflight.Group

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// Option configures optional Scheduler behavior.
type Option func(*Scheduler)

// WithTickInterval overrides the default 1-second tick, mainly for tests
// driving a clock.Fake.
func WithTickInterval(d time.Duration) Option {
	return func(s *Scheduler) { s.tickInterval = d }
}

// New builds a Scheduler backed by st, ticking on clk, firing trigger for
// every schedule that comes due.
func New(st store.ScheduleStore, clk clock.Clock, trigger TriggerFunc, opts ...Option) *Scheduler {
	s := &Scheduler{
		store:        st,
		clock:        clk,
		trigger:      trigger,
		logger:       slog.Default().With(slog.String("component", "scheduler")),
		tickInterval: time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// RegisterSchedule parses cronExpr (standard 5-field cron, an `@hourly`-
// style shortcut, `@every <duration>`, or a bare `5m`/`2h`/`1d` shorthand)
// and persists it with its first computed fire time.
func (s *Scheduler) RegisterSchedule(ctx context.Context, workflowID, cronExpr string) error {
	expr, err := ParseCron(cronExpr)
	if err != nil {
		return &engineerrors.ConfigurationError{Field: "schedule.cron", Reason: err.Error()}
	}
	next := expr.Next(s.clock.Now())
	return s.store.SaveSchedule(ctx, &store.ScheduleEntry{
		WorkflowID:     workflowID,
		CronExpression: cronExpr,
		NextFire:       next,
	})
}

// Start runs the tick loop in the background until ctx is done or Stop is
// called.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})
	s.mu.Unlock()

	go s.run(ctx)
}

// Stop halts the tick loop and waits for it to exit.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stopCh)
	s.mu.Unlock()

	<-s.doneCh
}

func (s *Scheduler) run(ctx context.Context) {
	defer close(s.doneCh)

	for {
		timer := s.clock.NewTimer(s.tickInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-s.stopCh:
			timer.Stop()
			return
		case now := <-timer.C():
			s.Tick(ctx, now)
		}
	}
}

// Tick lists due schedules as of now and fires each one. It is exported so
// a caller (or a test) can drive a single tick deterministically without
// waiting on the ticker. Concurrent calls for the same instant collapse
// into a single ListDueSchedules + dispatch pass via singleflight, so a
// manual Tick racing the background loop's own tick never double-fires a
// schedule.
func (s *Scheduler) Tick(ctx context.Context, now time.Time) {
	key := now.String()
	_, _, _ = s.sf.Do(key, func() (interface{}, error) {
		s.fireDue(ctx, now)
		return nil, nil
	})
}

func (s *Scheduler) fireDue(ctx context.Context, now time.Time) {
	due, err := s.store.ListDueSchedules(ctx, now)
	if err != nil {
		s.logger.Error("failed to list due schedules", "error", err)
		return
	}

	for _, entry := range due {
		expr, err := ParseCron(entry.CronExpression)
		if err != nil {
			s.logger.Error("invalid stored cron expression", enginelog.WorkflowKey, entry.WorkflowID, "error", err)
			continue
		}
		next := expr.Next(now)
		if err := s.store.AdvanceSchedule(ctx, entry.WorkflowID, next, now); err != nil {
			s.logger.Error("failed to advance schedule", enginelog.WorkflowKey, entry.WorkflowID, "error", err)
			continue
		}
		go s.fire(ctx, entry.WorkflowID, now)
	}
}

func (s *Scheduler) fire(ctx context.Context, workflowID string, firedAt time.Time) {
	payload := map[string]any{"_scheduled": true, "_fired_at": firedAt}
	if err := s.trigger(ctx, workflowID, payload); err != nil {
		s.logger.Error("failed to trigger scheduled workflow", enginelog.WorkflowKey, workflowID, "error", err)
		return
	}
	s.logger.Info("triggered scheduled workflow", enginelog.WorkflowKey, workflowID)
}
