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

// Package dispatcher implements the Job Dispatcher: a priority queue of
// jobs drained by a bounded worker pool, gated on each job's declared
// dependencies and backed by the Execution Envelope.
package dispatcher

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/tombee/flowctl/internal/envelope"
	engineerrors "github.com/tombee/flowctl/pkg/errors"
)

// Priority orders jobs within the queue; higher values are dequeued first.
type Priority int

const (
	Low Priority = iota
	Normal
	High
)

// JobState is one of Pending, Running, Completed, Failed, TimedOut, Cancelled.
type JobState string

const (
	Pending   JobState = "Pending"
	Running   JobState = "Running"
	Completed JobState = "Completed"
	Failed    JobState = "Failed"
	TimedOut  JobState = "TimedOut"
	Cancelled JobState = "Cancelled"
)

// Job is a single unit of dispatcher work.
type Job struct {
	ID           string
	RunID        string
	WorkflowID   string
	StepName     string
	State        JobState
	Priority     Priority
	Payload      any
	Dependencies []string
	Timeout      time.Duration
	Envelope     envelope.Options
	AttemptCount int
	LastError    string
	Output       any
	CreatedAt    time.Time
	StartedAt    time.Time
	CompletedAt  time.Time

	seq int64 // FIFO tiebreak among equal priority, assigned at enqueue
}

// Handler invokes the user-supplied step logic for a job.
type Handler func(ctx context.Context, job *Job) (any, error)

// Config sizes the dispatcher's worker pool and bounded queue.
type Config struct {
	MinWorkers int
	MaxWorkers int
	Capacity   int
}

// Stats is a point-in-time snapshot of dispatcher counters.
type Stats struct {
	Submitted    int64
	Completed    int64
	Failed       int64
	TimedOut     int64
	QueueDepth   int
	WorkersBusy  int
	WorkersTotal int
}

// Dispatcher is the priority queue + worker pool described above.
type Dispatcher struct {
	cfg     Config
	handler Handler
	env     *envelope.Envelope
	tracer  trace.Tracer

	mu       sync.Mutex
	cond     *sync.Cond
	queue    []*Job
	inFlight map[string]inFlightEntry
	done     map[string]*Job // terminal jobs, retained for wait_for
	waiters  map[string][]chan struct{}
	nextSeq  int64
	draining bool

	submitted atomic.Int64
	completed atomic.Int64
	failedCtr atomic.Int64
	timedOut  atomic.Int64
	busy      atomic.Int64

	queueDepth prometheus.Gauge
	jobsTotal  *prometheus.CounterVec

	wg sync.WaitGroup
}

type inFlightEntry struct {
	cancel context.CancelFunc
	runID  string
}

// Option configures optional Dispatcher behavior.
type Option func(*Dispatcher)

// WithTracer attaches an OpenTelemetry tracer; every dispatched job is
// wrapped in its own span.
func WithTracer(tracer trace.Tracer) Option {
	return func(d *Dispatcher) { d.tracer = tracer }
}

// New starts cfg.MaxWorkers workers (clamped to sane defaults) invoking
// handler through env for every dispatched job. The pool runs statically
// at MaxWorkers rather than scaling between MinWorkers and MaxWorkers;
// MinWorkers is retained on Config for forward compatibility with an
// elastic pool but is not yet load-sensitive.
func New(cfg Config, env *envelope.Envelope, handler Handler, opts ...Option) *Dispatcher {
	if cfg.MinWorkers <= 0 {
		cfg.MinWorkers = 2
	}
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = 10
	}
	if cfg.MaxWorkers < cfg.MinWorkers {
		cfg.MaxWorkers = cfg.MinWorkers
	}
	if cfg.Capacity <= 0 {
		cfg.Capacity = 1000
	}

	d := &Dispatcher{
		cfg:      cfg,
		handler:  handler,
		env:      env,
		inFlight: make(map[string]inFlightEntry),
		done:     make(map[string]*Job),
		waiters:  make(map[string][]chan struct{}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "flowctl_dispatcher_queue_depth",
			Help: "Number of jobs currently queued (Pending, not yet dispatched).",
		}),
		jobsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "flowctl_dispatcher_jobs_total",
			Help: "Total jobs processed by terminal state.",
		}, []string{"state"}),
	}
	d.cond = sync.NewCond(&d.mu)
	for _, opt := range opts {
		opt(d)
	}

	for i := 0; i < cfg.MaxWorkers; i++ {
		d.wg.Add(1)
		go d.worker()
	}
	return d
}

// Collectors returns the dispatcher's prometheus collectors for registration.
func (d *Dispatcher) Collectors() []prometheus.Collector {
	return []prometheus.Collector{d.queueDepth, d.jobsTotal}
}

// Submit enqueues job and returns once it is durably queued. Returns
// QueueFullError if the bounded queue is saturated.
func (d *Dispatcher) Submit(job *Job) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if len(d.queue) >= d.cfg.Capacity {
		return &engineerrors.QueueFullError{Capacity: d.cfg.Capacity}
	}

	job.State = Pending
	job.CreatedAt = time.Now().UTC()
	job.seq = d.nextSeq
	d.nextSeq++
	d.queue = append(d.queue, job)
	d.submitted.Add(1)
	d.queueDepth.Set(float64(len(d.queue)))
	d.cond.Broadcast()
	return nil
}

// WaitFor blocks until job reaches a terminal state, or ctx is done.
func (d *Dispatcher) WaitFor(ctx context.Context, jobID string) (*Job, error) {
	d.mu.Lock()
	if j, ok := d.done[jobID]; ok {
		d.mu.Unlock()
		return j, nil
	}
	ch := make(chan struct{})
	d.waiters[jobID] = append(d.waiters[jobID], ch)
	d.mu.Unlock()

	select {
	case <-ch:
		d.mu.Lock()
		j := d.done[jobID]
		d.mu.Unlock()
		return j, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// CancelRun removes runID's not-yet-running jobs from the queue and
// requests cooperative cancellation of its running jobs.
func (d *Dispatcher) CancelRun(runID string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	kept := d.queue[:0]
	for _, j := range d.queue {
		if j.RunID == runID {
			j.State = Cancelled
			j.CompletedAt = time.Now().UTC()
			d.finishLocked(j)
			continue
		}
		kept = append(kept, j)
	}
	d.queue = kept
	d.queueDepth.Set(float64(len(d.queue)))

	for _, entry := range d.inFlight {
		if entry.runID == runID {
			entry.cancel()
		}
	}
}

// Stats returns a snapshot of dispatcher counters.
func (d *Dispatcher) Stats() Stats {
	d.mu.Lock()
	depth := len(d.queue)
	d.mu.Unlock()
	return Stats{
		Submitted:    d.submitted.Load(),
		Completed:    d.completed.Load(),
		Failed:       d.failedCtr.Load(),
		TimedOut:     d.timedOut.Load(),
		QueueDepth:   depth,
		WorkersBusy:  int(d.busy.Load()),
		WorkersTotal: d.cfg.MaxWorkers,
	}
}

// Stop puts the dispatcher into draining mode and waits for in-flight
// workers to exit once their current job (if any) completes.
func (d *Dispatcher) Stop(ctx context.Context) error {
	d.mu.Lock()
	d.draining = true
	d.cond.Broadcast()
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *Dispatcher) worker() {
	defer d.wg.Done()
	for {
		d.mu.Lock()
		for {
			if d.draining {
				d.mu.Unlock()
				return
			}
			job := d.dequeueLocked()
			if job != nil {
				d.mu.Unlock()
				d.run(job)
				d.mu.Lock()
				continue
			}
			d.cond.Wait()
		}
	}
}

// dequeueLocked must be called with d.mu held. It returns the
// highest-priority job whose dependencies are all Completed, or nil.
func (d *Dispatcher) dequeueLocked() *Job {
	best := -1
	for i, j := range d.queue {
		if !d.dependenciesMetLocked(j) {
			continue
		}
		if best == -1 {
			best = i
			continue
		}
		cand := d.queue[i]
		cur := d.queue[best]
		if cand.Priority > cur.Priority || (cand.Priority == cur.Priority && cand.seq < cur.seq) {
			best = i
		}
	}
	if best == -1 {
		return nil
	}
	job := d.queue[best]
	d.queue = append(d.queue[:best], d.queue[best+1:]...)
	d.queueDepth.Set(float64(len(d.queue)))
	job.State = Running
	job.StartedAt = time.Now().UTC()
	return job
}

func (d *Dispatcher) dependenciesMetLocked(j *Job) bool {
	for _, depID := range j.Dependencies {
		dep, ok := d.done[depID]
		if !ok || dep.State != Completed {
			return false
		}
	}
	return true
}

func (d *Dispatcher) run(job *Job) {
	d.busy.Add(1)
	defer d.busy.Add(-1)

	ctx, cancel := context.WithCancel(context.Background())
	if d.tracer != nil {
		var span trace.Span
		ctx, span = d.tracer.Start(ctx, "dispatcher.job",
			trace.WithAttributes(
				attribute.String("job.id", job.ID),
				attribute.String("run.id", job.RunID),
				attribute.String("step.name", job.StepName),
			))
		defer span.End()
	}
	d.mu.Lock()
	d.inFlight[job.ID] = inFlightEntry{cancel: cancel, runID: job.RunID}
	d.mu.Unlock()
	defer func() {
		d.mu.Lock()
		delete(d.inFlight, job.ID)
		d.mu.Unlock()
		cancel()
	}()

	opts := job.Envelope
	if opts.Timeout <= 0 {
		opts.Timeout = job.Timeout
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}

	result := d.env.Execute(ctx, func(ctx context.Context) (any, error) {
		return d.handler(ctx, job)
	}, opts)

	job.AttemptCount = result.Attempts
	job.Output = result.Output
	job.CompletedAt = time.Now().UTC()

	switch {
	case result.Success:
		job.State = Completed
	case isTimeout(result.Err):
		job.State = TimedOut
	case isCancelled(ctx, result.Err):
		job.State = Cancelled
	default:
		job.State = Failed
	}
	if result.Err != nil {
		job.LastError = result.Err.Error()
	}

	d.mu.Lock()
	d.finishLocked(job)
	d.mu.Unlock()
}

// finishLocked must be called with d.mu held. It records job's terminal
// state, wakes wait_for callers, updates counters, and nudges parked
// workers in case job's completion unblocked a dependent.
func (d *Dispatcher) finishLocked(job *Job) {
	d.done[job.ID] = job
	for _, ch := range d.waiters[job.ID] {
		close(ch)
	}
	delete(d.waiters, job.ID)

	switch job.State {
	case Completed:
		d.completed.Add(1)
		d.jobsTotal.WithLabelValues("completed").Inc()
	case Failed:
		d.failedCtr.Add(1)
		d.jobsTotal.WithLabelValues("failed").Inc()
	case TimedOut:
		d.timedOut.Add(1)
		d.jobsTotal.WithLabelValues("timed_out").Inc()
	case Cancelled:
		d.jobsTotal.WithLabelValues("cancelled").Inc()
	}
	d.cond.Broadcast()
}

func isTimeout(err error) bool {
	if err == nil {
		return false
	}
	var te *engineerrors.TimeoutError
	return asError(err, &te)
}

func isCancelled(ctx context.Context, err error) bool {
	return err == context.Canceled || ctx.Err() == context.Canceled
}

func asError(err error, target **engineerrors.TimeoutError) bool {
	if te, ok := err.(*engineerrors.TimeoutError); ok {
		*target = te
		return true
	}
	return false
}
