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

// Package kv implements the State KV: namespaced key/value storage with
// TTL, backed by the Store's KVStore capability. Expired entries are
// purged lazily on access (the Store does this itself) and periodically
// by a background sweep this package drives.
package kv

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/tombee/flowctl/internal/clock"
	"github.com/tombee/flowctl/internal/store"
)

// Global is the namespace shared across every workflow and run.
const Global = "global"

// WorkflowNamespace scopes a key to every run of one workflow.
func WorkflowNamespace(workflowID string) string { return "workflow:" + workflowID }

// RunNamespace scopes a key to a single run.
func RunNamespace(runID string) string { return "run:" + runID }

const defaultSweepInterval = 30 * time.Second

// Store is the State KV described above.
type Store struct {
	backend store.KVStore
	clock   clock.Clock
	logger  *slog.Logger

	sweepInterval time.Duration

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// Option configures optional Store behavior.
type Option func(*Store)

// WithSweepInterval overrides the default 30-second background
// expired-entry sweep.
func WithSweepInterval(d time.Duration) Option {
	return func(s *Store) { s.sweepInterval = d }
}

// New builds a Store over backend, ticking its background sweep on clk.
func New(backend store.KVStore, clk clock.Clock, opts ...Option) *Store {
	s := &Store{
		backend:       backend,
		clock:         clk,
		logger:        slog.Default().With(slog.String("component", "kv")),
		sweepInterval: defaultSweepInterval,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Get returns the value stored at (ns, key), or def if absent or
// expired.
func (s *Store) Get(ctx context.Context, ns, key string, def any) (any, error) {
	v, ok, err := s.backend.KVGet(ctx, ns, key)
	if err != nil {
		return nil, err
	}
	if !ok {
		return def, nil
	}
	return v, nil
}

// Set stores value at (ns, key). ttl <= 0 means no expiry.
func (s *Store) Set(ctx context.Context, ns, key string, value any, ttl time.Duration) error {
	return s.backend.KVSet(ctx, ns, key, value, ttl)
}

// Incr adds delta to the int64 stored at (ns, key), treating an absent
// or non-integer value as 0, and returns the new value. The Store
// backend is responsible for making this linearizable per key.
func (s *Store) Incr(ctx context.Context, ns, key string, delta int64) (int64, error) {
	return s.backend.KVIncr(ctx, ns, key, delta)
}

// Delete removes the value at (ns, key), if any.
func (s *Store) Delete(ctx context.Context, ns, key string) error {
	return s.backend.KVDelete(ctx, ns, key)
}

// Start runs the periodic expired-entry sweep in the background until
// ctx is done or Stop is called.
func (s *Store) Start(ctx context.Context) {
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

// Stop halts the background sweep and waits for it to exit.
func (s *Store) Stop() {
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

func (s *Store) run(ctx context.Context) {
	defer close(s.doneCh)

	for {
		timer := s.clock.NewTimer(s.sweepInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-s.stopCh:
			timer.Stop()
			return
		case now := <-timer.C():
			n, err := s.backend.KVCleanupExpired(ctx, now)
			if err != nil {
				s.logger.Error("expired kv sweep failed", "error", err)
				continue
			}
			if n > 0 {
				s.logger.Debug("purged expired kv entries", "count", n)
			}
		}
	}
}
