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

// Package eventbus implements the Event Bus: in-process pub/sub with a
// bounded history, concurrent delivery to subscribed workflow listeners,
// and one-shot waiters for the interpreter's WaitForEvent step.
package eventbus

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/tombee/flowctl/internal/clock"
)

const defaultHistoryCap = 1000

// Event is one published occurrence.
type Event struct {
	Name      string
	Payload   map[string]any
	Timestamp time.Time
}

// ListenerFunc is invoked for every published event a workflow has
// subscribed to. Its error is logged but never blocks sibling listeners.
type ListenerFunc func(ctx context.Context, event Event) error

// Bus is the Event Bus described above.
type Bus struct {
	clock      clock.Clock
	historyCap int
	logger     *slog.Logger

	mu        sync.RWMutex
	history   []Event
	listeners map[string][]ListenerFunc
	waiters   map[string]map[string]chan Event // event name -> run_id -> one-shot waiter
}

// Option configures optional Bus behavior.
type Option func(*Bus)

// WithHistoryCap overrides the default 1000-event bounded history.
func WithHistoryCap(n int) Option {
	return func(b *Bus) { b.historyCap = n }
}

// New builds a Bus ticking on clk (used to stamp published events and to
// time out Wait calls).
func New(clk clock.Clock, opts ...Option) *Bus {
	b := &Bus{
		clock:      clk,
		historyCap: defaultHistoryCap,
		logger:     slog.Default().With(slog.String("component", "eventbus")),
		listeners:  make(map[string][]ListenerFunc),
		waiters:    make(map[string]map[string]chan Event),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Subscribe registers fn to run for every event named name. The returned
// func removes it.
func (b *Bus) Subscribe(name string, fn ListenerFunc) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.listeners[name] = append(b.listeners[name], fn)
	idx := len(b.listeners[name]) - 1

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		fns := b.listeners[name]
		if idx < len(fns) {
			fns[idx] = nil
		}
	}
}

// Publish appends event to the bounded history, resolves every waiter
// registered for name, and concurrently invokes every subscribed listener.
func (b *Bus) Publish(ctx context.Context, name string, payload map[string]any) {
	event := Event{Name: name, Payload: payload, Timestamp: b.clock.Now()}

	b.mu.Lock()
	b.history = append(b.history, event)
	if len(b.history) > b.historyCap {
		b.history = b.history[len(b.history)-b.historyCap:]
	}
	listeners := make([]ListenerFunc, 0, len(b.listeners[name]))
	for _, fn := range b.listeners[name] {
		if fn != nil {
			listeners = append(listeners, fn)
		}
	}
	waiters := b.waiters[name]
	delete(b.waiters, name)
	b.mu.Unlock()

	for _, ch := range waiters {
		ch <- event
	}

	var wg sync.WaitGroup
	for _, fn := range listeners {
		wg.Add(1)
		go func(fn ListenerFunc) {
			defer wg.Done()
			if err := fn(ctx, event); err != nil {
				b.logger.Error("listener failed", slog.String("event", name), "error", err)
			}
		}(fn)
	}
	wg.Wait()
}

// History returns up to limit most recent events named name (all events if
// name is empty), oldest first. limit <= 0 means no limit.
func (b *Bus) History(name string, limit int) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var out []Event
	for _, e := range b.history {
		if name != "" && e.Name != name {
			continue
		}
		out = append(out, e)
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out
}

// Wait implements interpreter.EventWaiter: it registers a one-shot waiter
// for (runID, name) and blocks until the next matching Publish, ctx
// cancellation, or timeout.
func (b *Bus) Wait(ctx context.Context, runID, name string, timeout time.Duration) (any, bool, error) {
	ch := make(chan Event, 1)

	b.mu.Lock()
	if b.waiters[name] == nil {
		b.waiters[name] = make(map[string]chan Event)
	}
	b.waiters[name][runID] = ch
	b.mu.Unlock()

	cleanup := func() {
		b.mu.Lock()
		delete(b.waiters[name], runID)
		b.mu.Unlock()
	}

	var timeoutCh <-chan time.Time
	if timeout > 0 {
		timeoutCh = b.clock.After(timeout)
	}

	select {
	case event := <-ch:
		return eventPayload(event), false, nil
	case <-timeoutCh:
		cleanup()
		return nil, true, nil
	case <-ctx.Done():
		cleanup()
		return nil, false, ctx.Err()
	}
}

func eventPayload(event Event) map[string]any {
	out := make(map[string]any, len(event.Payload)+1)
	for k, v := range event.Payload {
		out[k] = v
	}
	out["event"] = map[string]any{
		"name":      event.Name,
		"payload":   event.Payload,
		"timestamp": event.Timestamp,
	}
	return out
}
