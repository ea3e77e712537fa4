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

package pause_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/flowctl/internal/clock"
	"github.com/tombee/flowctl/internal/interpreter"
	"github.com/tombee/flowctl/internal/pause"
	"github.com/tombee/flowctl/internal/store"
	"github.com/tombee/flowctl/internal/store/memory"
)

func newRun(t *testing.T, st store.Store, id string) {
	t.Helper()
	require.NoError(t, st.CreateRun(context.Background(), &store.Run{
		ID:         id,
		WorkflowID: "wf-1",
		Status:     store.RunRunning,
		CreatedAt:  time.Unix(0, 0),
		UpdatedAt:  time.Unix(0, 0),
		StartedAt:  time.Unix(0, 0),
	}))
}

func TestRegistry_ResumeDeliversPayloadAndReturnsRunToRunning(t *testing.T) {
	st := memory.New()
	fc := clock.NewFake(time.Unix(0, 0))
	reg := pause.New(st, fc, []byte("test-secret"))

	newRun(t, st, "run-1")
	rc := &interpreter.RunContext{RunID: "run-1", WorkflowID: "wf-1"}

	type result struct {
		payload  map[string]any
		timedOut bool
		err      error
	}
	results := make(chan result, 1)
	go func() {
		payload, timedOut, err := reg.Pause(context.Background(), rc, "approval", "needs approval", time.Hour, nil)
		results <- result{payload, timedOut, err}
	}()

	var token string
	require.Eventually(t, func() bool {
		run, err := st.GetRun(context.Background(), "run-1")
		require.NoError(t, err)
		if run.Status != store.RunPaused || run.PausedToken == "" {
			return false
		}
		token = run.PausedToken
		return true
	}, time.Second, time.Millisecond)

	require.NoError(t, reg.Resume(context.Background(), token, map[string]any{"approved": true}))

	r := <-results
	require.NoError(t, r.err)
	assert.False(t, r.timedOut)
	assert.Equal(t, true, r.payload["approved"])

	run, err := st.GetRun(context.Background(), "run-1")
	require.NoError(t, err)
	assert.Equal(t, store.RunRunning, run.Status)
}

func TestRegistry_TimeoutAutoResumesWithSyntheticPayload(t *testing.T) {
	st := memory.New()
	fc := clock.NewFake(time.Unix(0, 0))
	reg := pause.New(st, fc, []byte("test-secret"))

	newRun(t, st, "run-2")
	rc := &interpreter.RunContext{RunID: "run-2", WorkflowID: "wf-1"}

	type result struct {
		payload  map[string]any
		timedOut bool
		err      error
	}
	results := make(chan result, 1)
	go func() {
		payload, timedOut, err := reg.Pause(context.Background(), rc, "approval", "needs approval", 50*time.Millisecond, nil)
		results <- result{payload, timedOut, err}
	}()

	time.Sleep(10 * time.Millisecond)
	fc.Advance(50 * time.Millisecond)

	r := <-results
	require.NoError(t, r.err)
	assert.True(t, r.timedOut)
	assert.Equal(t, false, r.payload["approved"])
	assert.Equal(t, "Timeout", r.payload["reason"])
}

func TestRegistry_ResumeRejectsUnknownToken(t *testing.T) {
	st := memory.New()
	fc := clock.NewFake(time.Unix(0, 0))
	reg := pause.New(st, fc, []byte("test-secret"))

	err := reg.Resume(context.Background(), "not-a-real-token", map[string]any{})
	require.Error(t, err)
}

func TestRegistry_ResumeRejectsAlreadyConsumedToken(t *testing.T) {
	st := memory.New()
	fc := clock.NewFake(time.Unix(0, 0))
	reg := pause.New(st, fc, []byte("test-secret"))

	newRun(t, st, "run-3")
	rc := &interpreter.RunContext{RunID: "run-3", WorkflowID: "wf-1"}

	results := make(chan string, 1)
	go func() {
		reg.Pause(context.Background(), rc, "approval", "needs approval", time.Hour, nil)
		results <- "done"
	}()

	var token string
	require.Eventually(t, func() bool {
		run, err := st.GetRun(context.Background(), "run-3")
		require.NoError(t, err)
		token = run.PausedToken
		return token != ""
	}, time.Second, time.Millisecond)

	require.NoError(t, reg.Resume(context.Background(), token, map[string]any{}))
	<-results

	err := reg.Resume(context.Background(), token, map[string]any{})
	require.Error(t, err)
}

func TestRegistry_VerifyTokenRoundTrips(t *testing.T) {
	st := memory.New()
	fc := clock.NewFake(time.Unix(0, 0))
	reg := pause.New(st, fc, []byte("test-secret"))

	newRun(t, st, "run-4")
	rc := &interpreter.RunContext{RunID: "run-4", WorkflowID: "wf-1"}

	go reg.Pause(context.Background(), rc, "approval", "needs approval", time.Hour, nil)

	var token string
	require.Eventually(t, func() bool {
		run, err := st.GetRun(context.Background(), "run-4")
		require.NoError(t, err)
		token = run.PausedToken
		return token != ""
	}, time.Second, time.Millisecond)

	claims, err := reg.VerifyToken(token)
	require.NoError(t, err)
	assert.Equal(t, "run-4", claims.RunID)
	assert.Equal(t, "approval", claims.StepName)

	otherReg := pause.New(st, fc, []byte("different-secret"))
	_, err = otherReg.VerifyToken(token)
	require.Error(t, err)
}
