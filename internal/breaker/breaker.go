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

// Package breaker implements the named Circuit-Breaker Registry: each
// breaker carries Closed/Open/HalfOpen state and gates calls routed
// through it by name, auto-creating on first use.
package breaker

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/tombee/flowctl/internal/clock"
	engineerrors "github.com/tombee/flowctl/pkg/errors"
)

// State is one of Closed, Open, HalfOpen.
type State string

const (
	Closed   State = "Closed"
	Open     State = "Open"
	HalfOpen State = "HalfOpen"
)

// Config configures one named breaker.
type Config struct {
	FailureThreshold int
	RecoveryTimeout  time.Duration
	// ExpectedErrors, if non-empty, restricts which errors count toward
	// opening the breaker; any error not matched is counted neither as a
	// failure nor as a success (but is still returned to the caller).
	ExpectedErrors func(err error) bool
	OnStateChange  func(name string, from, to State)
}

// Stats is a point-in-time snapshot of one breaker's counters.
type Stats struct {
	Name         string
	State        State
	FailureCount int
	SuccessCount int
	OpenedAt     time.Time
}

type breakerState struct {
	mu sync.Mutex

	name string
	cfg  Config

	state        State
	failureCount int
	successCount int
	openedAt     time.Time

	// probeLimiter admits exactly one in-flight probe while HalfOpen —
	// concurrent calls during the probe are rejected rather than piling
	// onto the single probe (resolves spec's open question on concurrent
	// HalfOpen admission).
	probeLimiter *rate.Limiter
}

// Registry is the process-wide named breaker map.
type Registry struct {
	mu       sync.Mutex
	breakers map[string]*breakerState
	clock    clock.Clock
	defaults Config
}

// NewRegistry returns an empty breaker registry. defaults are used for any
// breaker created without an explicit Configure call.
func NewRegistry(clk clock.Clock, defaults Config) *Registry {
	if defaults.FailureThreshold <= 0 {
		defaults.FailureThreshold = 5
	}
	if defaults.RecoveryTimeout <= 0 {
		defaults.RecoveryTimeout = 30 * time.Second
	}
	return &Registry{
		breakers: make(map[string]*breakerState),
		clock:    clk,
		defaults: defaults,
	}
}

// Configure sets (or overwrites) the configuration for a named breaker.
// Must be called before the breaker's first use to take effect on
// threshold/timeout; if the breaker already exists its live state is
// preserved and only the config is swapped in.
func (r *Registry) Configure(name string, cfg Config) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b := r.getOrCreateLocked(name, cfg)
	b.mu.Lock()
	b.cfg = cfg
	b.mu.Unlock()
}

func (r *Registry) getOrCreateLocked(name string, cfg Config) *breakerState {
	b, ok := r.breakers[name]
	if ok {
		return b
	}
	if cfg.FailureThreshold <= 0 {
		cfg = r.defaults
	}
	b = &breakerState{
		name:         name,
		cfg:          cfg,
		state:        Closed,
		probeLimiter: rate.NewLimiter(rate.Every(cfg.RecoveryTimeout), 1),
	}
	r.breakers[name] = b
	return b
}

// Execute routes fn through the named breaker. If the breaker rejects the
// call (Open, or HalfOpen with a probe already in flight), it returns
// CircuitOpenError without invoking fn.
func (r *Registry) Execute(ctx context.Context, name string, fn func(context.Context) error) error {
	r.mu.Lock()
	b := r.getOrCreateLocked(name, r.defaults)
	r.mu.Unlock()

	admitted, isProbe := b.admit(r.clock.Now())
	if !admitted {
		return &engineerrors.CircuitOpenError{Breaker: name}
	}

	err := fn(ctx)

	b.record(r.clock.Now(), err, isProbe)
	return err
}

// Stats returns a snapshot of every registered breaker.
func (r *Registry) Stats() []Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Stats, 0, len(r.breakers))
	for name, b := range r.breakers {
		b.mu.Lock()
		out = append(out, Stats{
			Name:         name,
			State:        b.state,
			FailureCount: b.failureCount,
			SuccessCount: b.successCount,
			OpenedAt:     b.openedAt,
		})
		b.mu.Unlock()
	}
	return out
}

func (b *breakerState) admit(now time.Time) (admitted bool, isProbe bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Closed:
		return true, false
	case Open:
		if now.Sub(b.openedAt) >= b.cfg.RecoveryTimeout {
			b.transition(HalfOpen)
			return b.admitHalfOpenLocked(now)
		}
		return false, false
	case HalfOpen:
		return b.admitHalfOpenLocked(now)
	default:
		return false, false
	}
}

// admitHalfOpenLocked must be called with b.mu held; it enforces the
// single-probe guard via a rate.Limiter sized to allow exactly one token
// per recovery window.
func (b *breakerState) admitHalfOpenLocked(now time.Time) (bool, bool) {
	if !b.probeLimiter.AllowN(now, 1) {
		return false, false
	}
	return true, true
}

func (b *breakerState) record(now time.Time, err error, wasProbe bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	counts := b.cfg.ExpectedErrors == nil || b.cfg.ExpectedErrors(err)

	if wasProbe {
		if err == nil {
			b.transition(Closed)
			b.failureCount = 0
			b.successCount = 0
		} else {
			b.transition(Open)
			b.openedAt = now
		}
		return
	}

	if err == nil {
		b.successCount++
		b.failureCount = 0
		return
	}
	if !counts {
		return
	}
	b.failureCount++
	if b.failureCount >= b.cfg.FailureThreshold {
		b.transition(Open)
		b.openedAt = now
	}
}

func (b *breakerState) transition(to State) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	if b.cfg.OnStateChange != nil {
		b.cfg.OnStateChange(b.name, from, to)
	}
}
