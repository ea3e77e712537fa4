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

package engine_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tombee/flowctl/internal/interpreter"
	"github.com/tombee/flowctl/internal/store"
	"github.com/tombee/flowctl/internal/store/memory"
	"github.com/tombee/flowctl/internal/trigger"
	"github.com/tombee/flowctl/internal/workflowdef"
	"github.com/tombee/flowctl/pkg/engine"
)

func waitForTerminal(t *testing.T, eng *engine.Engine, runID string) *engine.RunView {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		view, err := eng.Inspect(context.Background(), runID)
		require.NoError(t, err)
		switch view.Run.Status {
		case store.RunCompleted, store.RunFailed, store.RunCancelled:
			return view
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("run %s did not reach a terminal state in time", runID)
	return nil
}

func TestEngine_DefineTriggerInspect(t *testing.T) {
	backend := memory.New()
	handlers := workflowdef.NewRegistry()
	handlers.Register("double", func(ctx context.Context, rc *interpreter.RunContext) (any, error) {
		n, _ := rc.Payload["n"].(int)
		return map[string]any{"doubled": n * 2}, nil
	})

	eng := engine.New(backend, handlers, engine.Config{})
	eng.Start(context.Background())
	defer eng.Stop(context.Background())

	def := &workflowdef.Definition{
		ID:   "double-it",
		Name: "Double It",
		Steps: []workflowdef.StepDefinition{
			{ID: "double-step", Type: workflowdef.StepTypeStep, Handler: "double"},
		},
		Outputs: []workflowdef.OutputDefinition{
			{Name: "result", Query: `.steps["double-step"].doubled`},
		},
	}
	require.NoError(t, eng.Define(context.Background(), def, []byte("id: double-it\n")))

	runID, err := eng.Trigger(context.Background(), "double-it", map[string]any{"n": 21}, nil)
	require.NoError(t, err)
	require.NotEmpty(t, runID)

	view := waitForTerminal(t, eng, runID)
	require.Equal(t, store.RunCompleted, view.Run.Status)
	require.Equal(t, 42, view.Outputs["result"])
}

func TestEngine_UnknownWorkflowIsConfigurationError(t *testing.T) {
	backend := memory.New()
	eng := engine.New(backend, workflowdef.NewRegistry(), engine.Config{})

	_, err := eng.Trigger(context.Background(), "nope", nil, nil)
	require.Error(t, err)
}

func TestEngine_KVRoundTrip(t *testing.T) {
	backend := memory.New()
	eng := engine.New(backend, workflowdef.NewRegistry(), engine.Config{})

	require.NoError(t, eng.KVSet(context.Background(), "ns", "count", 1, 0))
	v, err := eng.KVGet(context.Background(), "ns", "count", 0)
	require.NoError(t, err)
	require.Equal(t, 1, v)

	total, err := eng.KVIncr(context.Background(), "ns", "count", 4)
	require.NoError(t, err)
	require.Equal(t, int64(5), total)

	require.NoError(t, eng.KVDelete(context.Background(), "ns", "count"))
}

func TestEngine_HandleWebhookTriggersWorkflow(t *testing.T) {
	backend := memory.New()
	handlers := workflowdef.NewRegistry()
	handlers.Register("noop", func(ctx context.Context, rc *interpreter.RunContext) (any, error) { return nil, nil })

	eng := engine.New(backend, handlers, engine.Config{})
	def := &workflowdef.Definition{
		ID:    "hook-wf",
		Steps: []workflowdef.StepDefinition{{ID: "s", Type: workflowdef.StepTypeStep, Handler: "noop"}},
		Trigger: &workflowdef.TriggerDefinition{
			Webhook: &workflowdef.WebhookTriggerDefinition{Path: "/hooks/hook-wf"},
		},
	}
	require.NoError(t, eng.Define(context.Background(), def, []byte("id: hook-wf\n")))

	runID, err := eng.HandleWebhook(context.Background(), "/hooks/hook-wf", trigger.WebhookRequest{
		Method: "POST",
		Body:   []byte(`{"hello":"world"}`),
	})
	require.NoError(t, err)
	require.NotEmpty(t, runID)

	waitForTerminal(t, eng, runID)
}
