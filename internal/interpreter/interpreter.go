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

// Package interpreter walks a workflow's linear step program with a
// program counter and a branch-frame stack, dispatching each step through
// a JobRunner and advancing a run-local RunContext until the run
// terminates.
package interpreter

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/tombee/flowctl/internal/envelope"
	engineerrors "github.com/tombee/flowctl/pkg/errors"
)

// Kind discriminates a Step's behavior in the interpreter's step switch.
type Kind string

const (
	KindStep            Kind = "step"
	KindAction          Kind = "action"
	KindIf              Kind = "if"
	KindElseIf          Kind = "elseIf"
	KindElse            Kind = "else"
	KindEndIf           Kind = "endIf"
	KindParallel        Kind = "parallel"
	KindRace            Kind = "race"
	KindWhile           Kind = "while"
	KindForEach         Kind = "forEach"
	KindBatch           Kind = "batch"
	KindPause           Kind = "pause"
	KindWaitForEvent    Kind = "waitForEvent"
	KindHumanInTheLoop  Kind = "humanInTheLoop"
)

const (
	maxWhileIterations = 1000
	defaultBatchSize   = 1
)

// Priority mirrors the dispatcher's job priority without importing it,
// keeping the interpreter decoupled from dispatcher internals.
type Priority int

const (
	Low Priority = iota
	Normal
	High
)

// Predicate evaluates a branch/loop condition against the current context.
type Predicate func(ctx *RunContext) (bool, error)

// HandlerFunc is the opaque per-step user handler.
type HandlerFunc func(ctx context.Context, rc *RunContext) (any, error)

// ItemsFunc materializes the iterable for ForEach/Batch.
type ItemsFunc func(rc *RunContext) ([]any, error)

// HumanInTheLoopSpec configures a specialized pause awaiting operator
// approval. ResumePayload is expected to carry {approved, reason?, approvedBy?}.
type HumanInTheLoopSpec struct {
	Token       string
	Description string
	Timeout     time.Duration
	Metadata    map[string]any
}

// Step is one node of the interpreter's mini-bytecode.
type Step struct {
	ID    string
	Name  string
	Kind  Kind
	Title string

	Predicate Predicate // If, ElseIf, While

	Handler  HandlerFunc   // Step, Action
	Handlers []HandlerFunc // Parallel, Race children

	Body []Step // While, ForEach, Batch nested program

	Items     ItemsFunc
	BatchSize int

	PauseDescription string
	PauseTimeout     time.Duration
	PauseMetadata    map[string]any

	EventName    string
	EventTimeout time.Duration

	HITL *HumanInTheLoopSpec

	Background bool
	Priority   Priority
	JobTimeout time.Duration

	// Envelope, if non-zero, overrides the JobRunner's default retry/
	// circuit-breaker/timeout policy for this step alone. A zero value
	// means "use the runner's default."
	Envelope envelope.Options

	// OnStepHook, if set, is invoked after this step's outcome is known
	// (including for background actions, asynchronously on completion).
	OnStepHook func(rc *RunContext, output any, err error)
}

// RunContext mirrors what the Store holds for one run, plus run-local
// scratch state the interpreter threads through step handlers.
type RunContext struct {
	RunID      string
	WorkflowID string
	StepName   string

	Payload     map[string]any
	StepsOutput map[string]any
	LastOutput  any

	Services       map[string]any
	TriggerHeaders map[string]string
}

// Clone returns a deep-enough copy for ForEach/Batch iterations: a private
// StepsOutput map so sibling iterations don't observe each other's writes,
// sharing Payload/Services/TriggerHeaders (read-only by convention).
func (rc *RunContext) Clone() *RunContext {
	cp := *rc
	cp.StepsOutput = make(map[string]any, len(rc.StepsOutput))
	for k, v := range rc.StepsOutput {
		cp.StepsOutput[k] = v
	}
	return &cp
}

// JobRunner dispatches a single handler invocation and blocks for its
// result. Implementations wrap the Job Dispatcher + Execution Envelope.
type JobRunner interface {
	Run(ctx context.Context, spec JobSpec, handler func(ctx context.Context) (any, error)) (any, error)
}

// JobSpec carries per-step dispatch metadata independent of the dispatcher
// package's Job representation.
type JobSpec struct {
	RunID      string
	WorkflowID string
	StepName   string
	Priority   Priority
	Timeout    time.Duration

	// Envelope, if non-zero, overrides the JobRunner's default envelope
	// policy for this one dispatch.
	Envelope envelope.Options
}

// EventWaiter blocks the calling run until eventName fires for runID or
// timeout elapses.
type EventWaiter interface {
	Wait(ctx context.Context, runID, eventName string, timeout time.Duration) (payload any, timedOut bool, err error)
}

// Pauser suspends the run until resumed (by token) or until timeout
// elapses, at which point it returns a synthetic timeout resume payload.
type Pauser interface {
	Pause(ctx context.Context, rc *RunContext, token, description string, timeout time.Duration, metadata map[string]any) (resumePayload map[string]any, timedOut bool, err error)
}

// Recorder is told the outcome of each step the interpreter runs and
// reports whether the surrounding run was externally cancelled.
type Recorder interface {
	RecordStep(rc *RunContext, stepName string, output any, stepErr error)
	Cancelled(runID string) bool
}

// Interpreter walks one workflow program.
type Interpreter struct {
	Jobs     JobRunner
	Events   EventWaiter
	Pauses   Pauser
	Recorder Recorder

	// ParallelLimit bounds fan-out concurrency for Parallel and ForEach;
	// 0 means unbounded (errgroup.SetLimit is not called). Race and the
	// waves of a Batch start all of their handlers or items at once.
	ParallelLimit int
}

type branchFrame struct {
	name           string
	conditionMet   bool
	skipUntilEndIf bool
}

// Run executes steps against rc until termination or a step failure, and
// returns the terminal error (nil on success).
func (ip *Interpreter) Run(ctx context.Context, steps []Step, rc *RunContext) error {
	var stack []*branchFrame

	for pc := 0; pc < len(steps); pc++ {
		step := steps[pc]

		if ip.Recorder != nil && ip.Recorder.Cancelled(rc.RunID) {
			return &engineerrors.CancelledError{Reason: "run cancelled"}
		}

		skipping := len(stack) > 0 && stack[len(stack)-1].skipUntilEndIf

		switch step.Kind {
		case KindIf:
			met, err := step.Predicate(rc)
			if err != nil {
				return ip.fail(rc, step, err)
			}
			stack = append(stack, &branchFrame{name: step.Name, conditionMet: met, skipUntilEndIf: !met})
			ip.record(rc, step, met, nil)
			continue

		case KindElseIf:
			frame := ip.topFrame(stack)
			if frame == nil {
				return ip.fail(rc, step, fmt.Errorf("elseIf %q without matching if", step.Name))
			}
			if !frame.conditionMet {
				met, err := step.Predicate(rc)
				if err != nil {
					return ip.fail(rc, step, err)
				}
				frame.conditionMet = met
				frame.skipUntilEndIf = !met
			} else {
				frame.skipUntilEndIf = true
			}
			ip.record(rc, step, !frame.skipUntilEndIf, nil)
			continue

		case KindElse:
			frame := ip.topFrame(stack)
			if frame == nil {
				return ip.fail(rc, step, fmt.Errorf("else %q without matching if", step.Name))
			}
			if !frame.conditionMet {
				frame.conditionMet = true
				frame.skipUntilEndIf = false
			} else {
				frame.skipUntilEndIf = true
			}
			ip.record(rc, step, !frame.skipUntilEndIf, nil)
			continue

		case KindEndIf:
			if len(stack) == 0 {
				return ip.fail(rc, step, fmt.Errorf("endIf %q without matching if", step.Name))
			}
			stack = stack[:len(stack)-1]
			ip.record(rc, step, true, nil)
			continue
		}

		if skipping {
			continue
		}

		var output any
		var err error

		switch step.Kind {
		case KindStep:
			output, err = ip.dispatch(ctx, rc, step)
		case KindAction:
			if step.Background {
				ip.dispatchBackground(ctx, rc, step)
				continue
			}
			output, err = ip.dispatch(ctx, rc, step)
		case KindParallel:
			output, err = ip.runParallel(ctx, rc, step)
		case KindRace:
			output, err = ip.runRace(ctx, rc, step)
		case KindWhile:
			err = ip.runWhile(ctx, rc, step)
		case KindForEach:
			output, err = ip.runForEach(ctx, rc, step, false)
		case KindBatch:
			output, err = ip.runForEach(ctx, rc, step, true)
		case KindPause:
			output, err = ip.runPause(ctx, rc, step)
		case KindWaitForEvent:
			output, err = ip.runWaitForEvent(ctx, rc, step)
		case KindHumanInTheLoop:
			output, err = ip.runHumanInTheLoop(ctx, rc, step)
		default:
			err = fmt.Errorf("unknown step kind %q", step.Kind)
		}

		if err != nil {
			return ip.fail(rc, step, err)
		}

		rc.LastOutput = output
		rc.StepsOutput[step.Name] = output
		rc.StepName = step.Name
		ip.record(rc, step, output, nil)
		if step.OnStepHook != nil {
			step.OnStepHook(rc, output, nil)
		}
	}

	if len(stack) != 0 {
		return fmt.Errorf("unterminated if block(s): %d still open", len(stack))
	}
	return nil
}

func (ip *Interpreter) topFrame(stack []*branchFrame) *branchFrame {
	if len(stack) == 0 {
		return nil
	}
	return stack[len(stack)-1]
}

func (ip *Interpreter) fail(rc *RunContext, step Step, err error) error {
	ip.record(rc, step, nil, err)
	if step.OnStepHook != nil {
		step.OnStepHook(rc, nil, err)
	}
	return err
}

func (ip *Interpreter) record(rc *RunContext, step Step, output any, err error) {
	if ip.Recorder != nil {
		ip.Recorder.RecordStep(rc, step.Name, output, err)
	}
}

func (ip *Interpreter) dispatch(ctx context.Context, rc *RunContext, step Step) (any, error) {
	spec := JobSpec{RunID: rc.RunID, WorkflowID: rc.WorkflowID, StepName: step.Name, Priority: step.Priority, Timeout: step.JobTimeout, Envelope: step.Envelope}
	return ip.Jobs.Run(ctx, spec, func(ctx context.Context) (any, error) {
		return step.Handler(ctx, rc)
	})
}

func (ip *Interpreter) dispatchBackground(ctx context.Context, rc *RunContext, step Step) {
	snapshot := rc.Clone()
	go func() {
		output, err := ip.dispatch(ctx, snapshot, step)
		if step.OnStepHook != nil {
			step.OnStepHook(snapshot, output, err)
		}
	}()
}

// runParallel fans out step.Handlers, collecting ordered outputs. Any
// handler failure fails the whole step (and cancels the rest via the
// errgroup-derived context).
func (ip *Interpreter) runParallel(ctx context.Context, rc *RunContext, step Step) (any, error) {
	g, gctx := errgroup.WithContext(ctx)
	if ip.ParallelLimit > 0 {
		g.SetLimit(ip.ParallelLimit)
	}
	outputs := make([]any, len(step.Handlers))
	for i, h := range step.Handlers {
		i, h := i, h
		g.Go(func() error {
			out, err := h(gctx, rc)
			if err != nil {
				return err
			}
			outputs[i] = out
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return outputs, nil
}

// runRace fans out step.Handlers and returns the first success; the
// remaining handlers are cancelled. If all fail, the step fails with the
// last observed error.
func (ip *Interpreter) runRace(ctx context.Context, rc *RunContext, step Step) (any, error) {
	raceCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	type result struct {
		output any
		err    error
	}
	results := make(chan result, len(step.Handlers))
	for _, h := range step.Handlers {
		h := h
		go func() {
			out, err := h(raceCtx, rc)
			results <- result{out, err}
		}()
	}

	var lastErr error
	for i := 0; i < len(step.Handlers); i++ {
		r := <-results
		if r.err == nil {
			cancel()
			return r.output, nil
		}
		lastErr = r.err
	}
	return nil, lastErr
}

func (ip *Interpreter) runWhile(ctx context.Context, rc *RunContext, step Step) error {
	iterations := 0
	for {
		met, err := step.Predicate(rc)
		if err != nil {
			return err
		}
		if !met {
			return nil
		}
		if iterations >= maxWhileIterations {
			return &engineerrors.LoopOverflowError{StepName: step.Name, Limit: maxWhileIterations}
		}
		if err := ip.Run(ctx, step.Body, rc); err != nil {
			return err
		}
		iterations++
	}
}

// runForEach materializes step.Items and runs step.Body once per item over
// a cloned context. batch groups items into step.BatchSize sequential
// waves; forEach (batch=false) runs every item concurrently.
func (ip *Interpreter) runForEach(ctx context.Context, rc *RunContext, step Step, batch bool) ([]any, error) {
	items, err := step.Items(rc)
	if err != nil {
		return nil, err
	}

	outputs := make([]any, len(items))
	runOne := func(ctx context.Context, idx int) error {
		child := rc.Clone()
		child.Payload = mergeItem(rc.Payload, items[idx])
		if err := ip.Run(ctx, step.Body, child); err != nil {
			return err
		}
		outputs[idx] = child.LastOutput
		return nil
	}

	if !batch {
		g, gctx := errgroup.WithContext(ctx)
		if ip.ParallelLimit > 0 {
			g.SetLimit(ip.ParallelLimit)
		}
		for i := range items {
			i := i
			g.Go(func() error { return runOne(gctx, i) })
		}
		if err := g.Wait(); err != nil {
			return nil, err
		}
		return outputs, nil
	}

	size := step.BatchSize
	if size <= 0 {
		size = defaultBatchSize
	}
	for start := 0; start < len(items); start += size {
		end := start + size
		if end > len(items) {
			end = len(items)
		}
		g, gctx := errgroup.WithContext(ctx)
		for i := start; i < end; i++ {
			i := i
			g.Go(func() error { return runOne(gctx, i) })
		}
		if err := g.Wait(); err != nil {
			return nil, err
		}
	}
	return outputs, nil
}

func mergeItem(payload map[string]any, item any) map[string]any {
	out := make(map[string]any, len(payload)+1)
	for k, v := range payload {
		out[k] = v
	}
	out["item"] = item
	return out
}

func (ip *Interpreter) runPause(ctx context.Context, rc *RunContext, step Step) (any, error) {
	resume, timedOut, err := ip.Pauses.Pause(ctx, rc, step.ID, step.PauseDescription, step.PauseTimeout, step.PauseMetadata)
	if err != nil {
		return nil, err
	}
	if timedOut {
		return map[string]any{"timedOut": true, "reason": "Timeout"}, nil
	}
	return resume, nil
}

func (ip *Interpreter) runWaitForEvent(ctx context.Context, rc *RunContext, step Step) (any, error) {
	payload, timedOut, err := ip.Events.Wait(ctx, rc.RunID, step.EventName, step.EventTimeout)
	if err != nil {
		return nil, err
	}
	if timedOut {
		return map[string]any{"timedOut": true, "reason": "Timeout"}, nil
	}
	return payload, nil
}

func (ip *Interpreter) runHumanInTheLoop(ctx context.Context, rc *RunContext, step Step) (any, error) {
	resume, timedOut, err := ip.Pauses.Pause(ctx, rc, step.HITL.Token, step.HITL.Description, step.HITL.Timeout, step.HITL.Metadata)
	if err != nil {
		return nil, err
	}
	if timedOut {
		return map[string]any{"approved": false, "timedOut": true, "reason": "Timeout", "status": "timeout"}, nil
	}
	if resume == nil {
		resume = map[string]any{}
	}
	resume["timedOut"] = false
	return resume, nil
}
