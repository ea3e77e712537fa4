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

package eventbus_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/flowctl/internal/clock"
	"github.com/tombee/flowctl/internal/eventbus"
)

func TestBus_WaitResolvesOnMatchingPublish(t *testing.T) {
	fc := clock.NewFake(time.Unix(0, 0))
	bus := eventbus.New(fc)

	type result struct {
		payload any
		timeout bool
		err     error
	}
	results := make(chan result, 1)
	go func() {
		payload, timedOut, err := bus.Wait(context.Background(), "run-1", "order.shipped", time.Minute)
		results <- result{payload, timedOut, err}
	}()

	// Give the waiter a moment to register before publishing.
	time.Sleep(10 * time.Millisecond)
	bus.Publish(context.Background(), "order.shipped", map[string]any{"orderID": "o-1"})

	r := <-results
	require.NoError(t, r.err)
	assert.False(t, r.timeout)
	payload, ok := r.payload.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "o-1", payload["orderID"])
	evt, ok := payload["event"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "order.shipped", evt["name"])
}

func TestBus_WaitTimesOutWithoutPublish(t *testing.T) {
	fc := clock.NewFake(time.Unix(0, 0))
	bus := eventbus.New(fc)

	type result struct {
		timedOut bool
		err      error
	}
	results := make(chan result, 1)
	go func() {
		_, timedOut, err := bus.Wait(context.Background(), "run-1", "never", 50*time.Millisecond)
		results <- result{timedOut, err}
	}()

	time.Sleep(10 * time.Millisecond)
	fc.Advance(50 * time.Millisecond)

	r := <-results
	require.NoError(t, r.err)
	assert.True(t, r.timedOut)
}

func TestBus_SubscribeDeliversToListenersConcurrently(t *testing.T) {
	fc := clock.NewFake(time.Unix(0, 0))
	bus := eventbus.New(fc)

	var mu sync.Mutex
	var seen []string
	unsubscribe := bus.Subscribe("deploy.finished", func(ctx context.Context, e eventbus.Event) error {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, e.Payload["service"].(string))
		return nil
	})

	bus.Publish(context.Background(), "deploy.finished", map[string]any{"service": "api"})

	mu.Lock()
	assert.Equal(t, []string{"api"}, seen)
	mu.Unlock()

	unsubscribe()
	bus.Publish(context.Background(), "deploy.finished", map[string]any{"service": "worker"})

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"api"}, seen, "unsubscribed listener must not receive further events")
}

func TestBus_ListenerErrorDoesNotAbortSiblingListeners(t *testing.T) {
	fc := clock.NewFake(time.Unix(0, 0))
	bus := eventbus.New(fc)

	var called int32Counter
	bus.Subscribe("x", func(ctx context.Context, e eventbus.Event) error {
		return errors.New("boom")
	})
	bus.Subscribe("x", func(ctx context.Context, e eventbus.Event) error {
		called.inc()
		return nil
	})

	bus.Publish(context.Background(), "x", nil)
	assert.Equal(t, int32(1), called.get())
}

func TestBus_HistoryIsBoundedAndOrdered(t *testing.T) {
	fc := clock.NewFake(time.Unix(0, 0))
	bus := eventbus.New(fc, eventbus.WithHistoryCap(3))

	for i := 0; i < 5; i++ {
		bus.Publish(context.Background(), "tick", map[string]any{"n": i})
	}

	hist := bus.History("tick", 0)
	require.Len(t, hist, 3)
	assert.Equal(t, 2, hist[0].Payload["n"])
	assert.Equal(t, 4, hist[2].Payload["n"])
}

type int32Counter struct {
	mu sync.Mutex
	n  int32
}

func (c *int32Counter) inc() {
	c.mu.Lock()
	c.n++
	c.mu.Unlock()
}

func (c *int32Counter) get() int32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.n
}
