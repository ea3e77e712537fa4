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

package memory_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/flowctl/internal/store"
	"github.com/tombee/flowctl/internal/store/memory"
)

func TestRunLifecycle(t *testing.T) {
	ctx := context.Background()
	b := memory.New()
	defer b.Close()

	run := &store.Run{ID: "run-1", WorkflowID: "wf-1", Status: store.RunPending, CreatedAt: time.Now()}
	require.NoError(t, b.CreateRun(ctx, run))

	got, err := b.GetRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, store.RunPending, got.Status)

	running := store.RunRunning
	require.NoError(t, b.UpdateRun(ctx, "run-1", store.RunDiff{Status: &running}))

	got, err = b.GetRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, store.RunRunning, got.Status)
}

func TestUpdateRun_RejectsIllegalTransition(t *testing.T) {
	ctx := context.Background()
	b := memory.New()
	defer b.Close()

	require.NoError(t, b.CreateRun(ctx, &store.Run{ID: "run-1", WorkflowID: "wf-1", Status: store.RunPending}))

	completed := store.RunCompleted
	err := b.UpdateRun(ctx, "run-1", store.RunDiff{Status: &completed})
	assert.Error(t, err, "Pending cannot transition directly to Completed")
}

func TestUpdateRun_RejectsMutationAfterTerminal(t *testing.T) {
	ctx := context.Background()
	b := memory.New()
	defer b.Close()

	require.NoError(t, b.CreateRun(ctx, &store.Run{ID: "run-1", WorkflowID: "wf-1", Status: store.RunPending}))
	running := store.RunRunning
	require.NoError(t, b.UpdateRun(ctx, "run-1", store.RunDiff{Status: &running}))
	completed := store.RunCompleted
	require.NoError(t, b.UpdateRun(ctx, "run-1", store.RunDiff{Status: &completed}))

	failed := store.RunFailed
	err := b.UpdateRun(ctx, "run-1", store.RunDiff{Status: &failed})
	assert.Error(t, err)

	err = b.AppendStepRecord(ctx, &store.StepRecord{RunID: "run-1", StepName: "final"})
	assert.Error(t, err, "no StepRecord should be appended once a run is terminal")
}

func TestRegisterWorkflow_IdempotentBySameChecksum(t *testing.T) {
	ctx := context.Background()
	b := memory.New()
	defer b.Close()

	w := &store.Workflow{ID: "wf-1", Checksum: "abc"}
	require.NoError(t, b.RegisterWorkflow(ctx, w))
	require.NoError(t, b.RegisterWorkflow(ctx, w))

	w2 := &store.Workflow{ID: "wf-1", Checksum: "different"}
	assert.Error(t, b.RegisterWorkflow(ctx, w2))
}

func TestKV_TTLExpiry(t *testing.T) {
	ctx := context.Background()
	b := memory.New()
	defer b.Close()

	require.NoError(t, b.KVSet(ctx, "global", "k", "v", 10*time.Millisecond))
	_, ok, err := b.KVGet(ctx, "global", "k")
	require.NoError(t, err)
	assert.True(t, ok)

	time.Sleep(20 * time.Millisecond)
	_, ok, err = b.KVGet(ctx, "global", "k")
	require.NoError(t, err)
	assert.False(t, ok, "expired key should behave as absent")
}

func TestKV_IncrIsLinearizablePerKey(t *testing.T) {
	ctx := context.Background()
	b := memory.New()
	defer b.Close()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = b.KVIncr(ctx, "global", "counter", 1)
		}()
	}
	wg.Wait()

	v, ok, err := b.KVGet(ctx, "global", "counter")
	require.NoError(t, err)
	require.True(t, ok)
	assert.EqualValues(t, 50, v)
}
