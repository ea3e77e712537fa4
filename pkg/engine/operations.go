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

package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/tombee/flowctl/internal/coordinator"
	"github.com/tombee/flowctl/internal/interpreter"
	"github.com/tombee/flowctl/internal/store"
	"github.com/tombee/flowctl/internal/trigger"
	"github.com/tombee/flowctl/internal/workflowdef"
)

// Define compiles def, registers its triggers (webhook/schedule/event),
// persists it to the Store under def.ID, and caches the compiled
// program so a later Trigger call can run it. Re-defining the same ID
// with identical raw bytes is a no-op at the Store layer; a changed
// definition recompiles and replaces the cached program and its
// trigger registrations.
func (e *Engine) Define(ctx context.Context, def *workflowdef.Definition, raw []byte) error {
	compiled, err := e.compiler.Compile(def)
	if err != nil {
		return err
	}

	if err := e.store.RegisterWorkflow(ctx, &store.Workflow{
		ID:          def.ID,
		Name:        def.Name,
		Description: def.Description,
		Version:     def.Version,
		Concurrency: def.Concurrency,
		Definition:  raw,
		Checksum:    workflowdef.Checksum(raw),
	}); err != nil {
		return err
	}

	e.mu.Lock()
	for _, unsub := range e.unsubscribes[def.ID] {
		unsub()
	}
	delete(e.unsubscribes, def.ID)
	e.compiled[def.ID] = compiled
	e.mu.Unlock()

	if def.Trigger != nil {
		if w := def.Trigger.Webhook; w != nil {
			var bearerHash string
			if w.BearerToken != "" {
				var err error
				bearerHash, err = trigger.HashBearerToken(w.BearerToken)
				if err != nil {
					return fmt.Errorf("engine: hash bearer token for %q: %w", def.ID, err)
				}
			}
			if err := e.trigger.RegisterWebhook(&trigger.WebhookRoute{
				Path:            w.Path,
				WorkflowID:      def.ID,
				RequiredHeaders: w.RequiredHeaders,
				HMACSecret:      w.Secret,
				BearerHash:      bearerHash,
			}); err != nil {
				return err
			}
		}
		if sch := def.Trigger.Schedule; sch != nil {
			if err := e.scheduler.RegisterSchedule(ctx, def.ID, sch.Cron); err != nil {
				return err
			}
		}
		if ev := def.Trigger.Event; ev != nil {
			unsub := e.trigger.RegisterEventTrigger(e.events, ev.Name, def.ID)
			e.mu.Lock()
			e.unsubscribes[def.ID] = append(e.unsubscribes[def.ID], unsub)
			e.mu.Unlock()
		}
	}

	return nil
}

// Trigger runs workflowID's compiled program against payload/headers
// and returns the new run's ID immediately; the run itself executes
// asynchronously.
func (e *Engine) Trigger(ctx context.Context, workflowID string, payload map[string]any, headers map[string]string) (string, error) {
	compiled, err := e.compiledFor(workflowID)
	if err != nil {
		return "", err
	}
	spec := coordinator.WorkflowSpec{
		ID:          workflowID,
		Concurrency: compiled.Concurrency,
		Steps:       compiled.Steps,
		Timeout:     compiled.Timeout,
	}
	return e.coordinator.Trigger(ctx, spec, payload, headers)
}

// Cancel requests that runID stop at its next step boundary. Cancel
// does not block for the run to actually stop.
func (e *Engine) Cancel(runID string) {
	e.coordinator.Cancel(runID)
}

// Resume delivers payload to the run paused under token, unblocking
// its Pause or HumanInTheLoop step.
func (e *Engine) Resume(ctx context.Context, token string, payload map[string]any) error {
	return e.pauses.Resume(ctx, token, payload)
}

// Publish broadcasts name/payload to every run waiting on a
// WaitForEvent step or workflow registered with an event trigger.
func (e *Engine) Publish(ctx context.Context, name string, payload map[string]any) {
	e.events.Publish(ctx, name, payload)
}

// HandleWebhook routes req to the webhook registered for path and, if
// it passes every check, triggers the associated workflow.
func (e *Engine) HandleWebhook(ctx context.Context, path string, req trigger.WebhookRequest) (string, error) {
	return e.trigger.HandleWebhook(ctx, path, req)
}

// RunView is a read-only snapshot of one run, with its declared
// outputs evaluated if the run has finished.
type RunView struct {
	Run     *store.Run
	Outputs map[string]any
}

// Inspect fetches runID's current state. If the run has reached
// store.RunCompleted and its workflow is still cached, Inspect also
// evaluates every declared output against the run's persisted payload
// and step outputs.
func (e *Engine) Inspect(ctx context.Context, runID string) (*RunView, error) {
	run, err := e.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	view := &RunView{Run: run}
	if run.Status != store.RunCompleted {
		return view, nil
	}

	compiled, err := e.compiledFor(run.WorkflowID)
	if err != nil || len(compiled.Outputs) == 0 {
		return view, nil
	}

	rc := &interpreter.RunContext{
		RunID:       run.ID,
		WorkflowID:  run.WorkflowID,
		StepName:    run.LastStepName,
		Payload:     run.Payload,
		StepsOutput: run.StepsOutput,
	}
	outputs := make(map[string]any, len(compiled.Outputs))
	for _, out := range compiled.Outputs {
		v, err := out.Eval(rc)
		if err != nil {
			return nil, fmt.Errorf("engine: evaluate output %q: %w", out.Name, err)
		}
		outputs[out.Name] = v
	}
	view.Outputs = outputs
	return view, nil
}

// KVGet reads key from namespace ns, returning def if unset or expired.
func (e *Engine) KVGet(ctx context.Context, ns, key string, def any) (any, error) {
	return e.kv.Get(ctx, ns, key, def)
}

// KVSet writes key in namespace ns with an optional ttl (0 = no expiry).
func (e *Engine) KVSet(ctx context.Context, ns, key string, value any, ttl time.Duration) error {
	return e.kv.Set(ctx, ns, key, value, ttl)
}

// KVIncr atomically adds delta to the integer stored at key, creating
// it at delta if unset.
func (e *Engine) KVIncr(ctx context.Context, ns, key string, delta int64) (int64, error) {
	return e.kv.Incr(ctx, ns, key, delta)
}

// KVDelete removes key from namespace ns.
func (e *Engine) KVDelete(ctx context.Context, ns, key string) error {
	return e.kv.Delete(ctx, ns, key)
}
