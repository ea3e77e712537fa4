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

package dispatcher_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/flowctl/internal/clock"
	"github.com/tombee/flowctl/internal/dispatcher"
	"github.com/tombee/flowctl/internal/envelope"
	engineerrors "github.com/tombee/flowctl/pkg/errors"
)

func newTestDispatcher(t *testing.T, handler dispatcher.Handler) *dispatcher.Dispatcher {
	t.Helper()
	env := envelope.New(nil, clock.New())
	return dispatcher.New(dispatcher.Config{MinWorkers: 2, MaxWorkers: 2, Capacity: 10}, env, handler)
}

func TestDispatcher_SubmitAndWaitFor(t *testing.T) {
	d := newTestDispatcher(t, func(ctx context.Context, job *dispatcher.Job) (any, error) {
		return "ok", nil
	})

	job := &dispatcher.Job{ID: "j1", RunID: "r1", Priority: dispatcher.Normal}
	require.NoError(t, d.Submit(job))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	done, err := d.WaitFor(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, dispatcher.Completed, done.State)
	assert.Equal(t, "ok", done.Output)
}

func TestDispatcher_DependencyGating(t *testing.T) {
	var order []string
	var mu orderLock

	d := newTestDispatcher(t, func(ctx context.Context, job *dispatcher.Job) (any, error) {
		mu.append(&order, job.ID)
		return nil, nil
	})

	require.NoError(t, d.Submit(&dispatcher.Job{ID: "child", RunID: "r1", Dependencies: []string{"parent"}}))
	require.NoError(t, d.Submit(&dispatcher.Job{ID: "parent", RunID: "r1"}))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := d.WaitFor(ctx, "child")
	require.NoError(t, err)

	got := mu.snapshot(&order)
	require.Len(t, got, 2)
	assert.Equal(t, "parent", got[0], "dependency must run before its dependent")
	assert.Equal(t, "child", got[1])
}

func TestDispatcher_QueueFullRejectsSubmit(t *testing.T) {
	block := make(chan struct{})
	d := dispatcher.New(dispatcher.Config{MinWorkers: 1, MaxWorkers: 1, Capacity: 1},
		envelope.New(nil, clock.New()),
		func(ctx context.Context, job *dispatcher.Job) (any, error) {
			<-block
			return nil, nil
		})
	defer close(block)

	require.NoError(t, d.Submit(&dispatcher.Job{ID: "busy", RunID: "r1"}))
	time.Sleep(20 * time.Millisecond) // let the single worker pick it up
	require.NoError(t, d.Submit(&dispatcher.Job{ID: "queued", RunID: "r1"}))

	err := d.Submit(&dispatcher.Job{ID: "overflow", RunID: "r1"})
	require.Error(t, err)
	var qf *engineerrors.QueueFullError
	assert.ErrorAs(t, err, &qf)
}

func TestDispatcher_FailedJobReportsError(t *testing.T) {
	d := newTestDispatcher(t, func(ctx context.Context, job *dispatcher.Job) (any, error) {
		return nil, errors.New("boom")
	})

	require.NoError(t, d.Submit(&dispatcher.Job{ID: "j1", RunID: "r1"}))
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	done, err := d.WaitFor(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, dispatcher.Failed, done.State)
	assert.Contains(t, done.LastError, "boom")
}

// orderLock serializes appends to a shared slice from the dispatcher's
// worker goroutines.
type orderLock struct {
	mu sync.Mutex
}

func (o *orderLock) append(s *[]string, v string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	*s = append(*s, v)
}

func (o *orderLock) snapshot(s *[]string) []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]string, len(*s))
	copy(out, *s)
	return out
}
