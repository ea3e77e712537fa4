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

package coordinator

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/tombee/flowctl/internal/dispatcher"
	"github.com/tombee/flowctl/internal/envelope"
	"github.com/tombee/flowctl/internal/interpreter"
	"github.com/tombee/flowctl/internal/store"
	engineerrors "github.com/tombee/flowctl/pkg/errors"
)

// DispatchHandler invokes the job's Payload, which jobRunner always stuffs
// with a func(context.Context) (any, error) closure. It is installed once
// as the dispatcher's sole Handler; every step's actual logic travels
// through the closure, not through this function.
func DispatchHandler(ctx context.Context, job *dispatcher.Job) (any, error) {
	fn := job.Payload.(func(context.Context) (any, error))
	return fn(ctx)
}

// jobRunner adapts a dispatcher.Dispatcher into an interpreter.JobRunner,
// and persists one StepRecord per completed job so the append-only step
// history reflects dispatcher-level retry/attempt accounting that the
// interpreter itself never sees.
type jobRunner struct {
	dispatcher *dispatcher.Dispatcher
	store      store.Store
	envelope   envelope.Options // defaults for steps without their own envelope; Timeout overridden per JobSpec
}

func (r *jobRunner) Run(ctx context.Context, spec interpreter.JobSpec, handler func(ctx context.Context) (any, error)) (any, error) {
	opts := r.envelope
	if spec.Envelope.Retry != nil || spec.Envelope.CircuitBreaker != nil || spec.Envelope.OnError != nil {
		opts = spec.Envelope
	}
	if spec.Timeout > 0 {
		opts.Timeout = spec.Timeout
	}

	job := &dispatcher.Job{
		ID:         uuid.NewString(),
		RunID:      spec.RunID,
		WorkflowID: spec.WorkflowID,
		StepName:   spec.StepName,
		Priority:   dispatcher.Priority(spec.Priority),
		Timeout:    spec.Timeout,
		Envelope:   opts,
		Payload:    handler,
	}

	started := time.Now().UTC()
	if err := r.dispatcher.Submit(job); err != nil {
		return nil, err
	}
	done, err := r.dispatcher.WaitFor(ctx, job.ID)
	if err != nil {
		return nil, err
	}

	r.persistStepRecord(ctx, done, started)

	if done.State != dispatcher.Completed {
		return done.Output, stepError(done)
	}
	return done.Output, nil
}

func (r *jobRunner) persistStepRecord(ctx context.Context, job *dispatcher.Job, started time.Time) {
	output, _ := job.Output.(map[string]any)
	rec := &store.StepRecord{
		RunID:       job.RunID,
		StepName:    job.StepName,
		Status:      string(job.State),
		Attempt:     job.AttemptCount,
		Output:      output,
		Error:       job.LastError,
		DurationMS:  job.CompletedAt.Sub(started).Milliseconds(),
		StartedAt:   started,
		CompletedAt: job.CompletedAt,
	}
	// Step history is best-effort: a store failure here must not abort an
	// otherwise-successful run.
	_ = r.store.AppendStepRecord(ctx, rec)
}

func stepError(job *dispatcher.Job) error {
	switch job.State {
	case dispatcher.TimedOut:
		return &engineerrors.TimeoutError{StepName: job.StepName, Timeout: job.Timeout}
	case dispatcher.Cancelled:
		return &engineerrors.CancelledError{Reason: "run cancelled"}
	default:
		cause := errors.New(job.LastError)
		if job.LastError == "" {
			cause = errors.New("step failed")
		}
		return &engineerrors.HandlerError{StepName: job.StepName, Cause: cause}
	}
}
