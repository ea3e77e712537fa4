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

package interpreter_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/flowctl/internal/interpreter"
)

// inlineRunner executes handlers synchronously, bypassing the dispatcher —
// sufficient for exercising the interpreter's control flow in isolation.
type inlineRunner struct{}

func (inlineRunner) Run(ctx context.Context, spec interpreter.JobSpec, handler func(context.Context) (any, error)) (any, error) {
	return handler(ctx)
}

type recordingRecorder struct {
	mu    sync.Mutex
	names []string
}

func (r *recordingRecorder) RecordStep(rc *interpreter.RunContext, stepName string, output any, stepErr error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.names = append(r.names, stepName)
}

func (r *recordingRecorder) Cancelled(runID string) bool { return false }

func newRunContext(amount float64) *interpreter.RunContext {
	return &interpreter.RunContext{
		RunID:       "run-1",
		WorkflowID:  "wf-1",
		Payload:     map[string]any{"amount": amount},
		StepsOutput: make(map[string]any),
	}
}

func amountHandler(key string) interpreter.HandlerFunc {
	return func(ctx context.Context, rc *interpreter.RunContext) (any, error) {
		return map[string]any{"amount": rc.Payload["amount"]}, nil
	}
}

func highValueProgram() []interpreter.Step {
	return []interpreter.Step{
		{ID: "check-amount", Name: "check-amount", Kind: interpreter.KindStep, Handler: amountHandler("check")},
		{
			ID: "if_is-high-value", Name: "if_is-high-value", Kind: interpreter.KindIf,
			Predicate: func(rc *interpreter.RunContext) (bool, error) {
				amt, _ := rc.Payload["amount"].(float64)
				return amt > 120, nil
			},
		},
		{ID: "process-high", Name: "process-high", Kind: interpreter.KindStep, Handler: amountHandler("process")},
		{ID: "endif", Name: "endif", Kind: interpreter.KindEndIf},
		{ID: "final", Name: "final", Kind: interpreter.KindStep, Handler: amountHandler("final")},
	}
}

func TestInterpreter_HighValueBranchTaken(t *testing.T) {
	rec := &recordingRecorder{}
	ip := &interpreter.Interpreter{Jobs: inlineRunner{}, Recorder: rec}
	rc := newRunContext(500)

	err := ip.Run(context.Background(), highValueProgram(), rc)
	require.NoError(t, err)

	finalOut, ok := rc.StepsOutput["final"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, 500.0, finalOut["amount"])
	assert.Contains(t, rec.names, "process-high")
}

func TestInterpreter_LowValueSkipsBranch(t *testing.T) {
	rec := &recordingRecorder{}
	ip := &interpreter.Interpreter{Jobs: inlineRunner{}, Recorder: rec}
	rc := newRunContext(50)

	err := ip.Run(context.Background(), highValueProgram(), rc)
	require.NoError(t, err)

	_, processRan := rc.StepsOutput["process-high"]
	assert.False(t, processRan, "process-high must not execute when the branch condition is false")
	assert.NotContains(t, rec.names, "process-high")
}

func TestInterpreter_ParallelAggregatesOrderedOutputs(t *testing.T) {
	ip := &interpreter.Interpreter{Jobs: inlineRunner{}}
	rc := newRunContext(0)

	sleepAndReturn := func(d time.Duration, v string) interpreter.HandlerFunc {
		return func(ctx context.Context, rc *interpreter.RunContext) (any, error) {
			time.Sleep(d)
			return v, nil
		}
	}

	program := []interpreter.Step{
		{
			ID: "fan-out", Name: "fan-out", Kind: interpreter.KindParallel,
			Handlers: []interpreter.HandlerFunc{
				sleepAndReturn(50*time.Millisecond, "a"),
				sleepAndReturn(30*time.Millisecond, "b"),
				sleepAndReturn(40*time.Millisecond, "c"),
			},
		},
	}

	start := time.Now()
	err := ip.Run(context.Background(), program, rc)
	elapsed := time.Since(start)
	require.NoError(t, err)

	assert.Equal(t, []any{"a", "b", "c"}, rc.StepsOutput["fan-out"])
	assert.GreaterOrEqual(t, elapsed, 50*time.Millisecond)
	assert.Less(t, elapsed, 120*time.Millisecond, "handlers should run concurrently, not sum their sleeps")
}

func TestInterpreter_ParallelFailurePropagates(t *testing.T) {
	ip := &interpreter.Interpreter{Jobs: inlineRunner{}}
	rc := newRunContext(0)

	program := []interpreter.Step{
		{
			ID: "fan-out", Name: "fan-out", Kind: interpreter.KindParallel,
			Handlers: []interpreter.HandlerFunc{
				func(ctx context.Context, rc *interpreter.RunContext) (any, error) { return "ok", nil },
				func(ctx context.Context, rc *interpreter.RunContext) (any, error) { return nil, errors.New("boom") },
			},
		},
	}

	err := ip.Run(context.Background(), program, rc)
	assert.Error(t, err)
}

func TestInterpreter_WhileOverflowsAtIterationCap(t *testing.T) {
	ip := &interpreter.Interpreter{Jobs: inlineRunner{}}
	rc := newRunContext(0)

	program := []interpreter.Step{
		{
			ID: "loop", Name: "loop", Kind: interpreter.KindWhile,
			Predicate: func(rc *interpreter.RunContext) (bool, error) { return true, nil },
			Body:      []interpreter.Step{},
		},
	}

	err := ip.Run(context.Background(), program, rc)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "1000")
}
