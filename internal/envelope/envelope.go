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

// Package envelope implements the Execution Envelope: it wraps a single
// handler invocation with circuit-breaker routing, a timeout, retry
// backoff, and an on_error fallback.
package envelope

import (
	"context"
	"math"
	"math/rand"
	"strings"
	"time"

	"github.com/tombee/flowctl/internal/breaker"
	"github.com/tombee/flowctl/internal/clock"
	engineerrors "github.com/tombee/flowctl/pkg/errors"
)

// Handler is a single step invocation. output may be non-nil even when err
// is non-nil (partial output is preserved for observability).
type Handler func(ctx context.Context) (output any, err error)

// BackoffStrategy selects how the retry delay grows between attempts.
type BackoffStrategy string

const (
	BackoffFixed       BackoffStrategy = "fixed"
	BackoffLinear      BackoffStrategy = "linear"
	BackoffExponential BackoffStrategy = "exponential"
)

// Backoff configures the delay between retry attempts.
type Backoff struct {
	Strategy   BackoffStrategy
	Delay      time.Duration
	MaxDelay   time.Duration // defaults to 10x Delay
	Multiplier float64       // defaults to 2 for exponential, 1 for linear
	NoJitter   bool          // jitter defaults on
}

// RetryOn narrows which errors are retried. Predicate, if set, takes
// precedence; then ErrorPatterns; then StatusCodes; else the envelope's
// built-in transient-network heuristic applies.
type RetryOn struct {
	Predicate     func(err error) bool
	ErrorPatterns []string
	StatusCodes   []int
}

// Retry bounds the number of attempts and how failures are classified.
type Retry struct {
	Attempts int
	Backoff  Backoff
	On       RetryOn
	OnRetry  func(attempt int, delay time.Duration, err error)
}

// CircuitBreaker routes the envelope's call through a named breaker.
type CircuitBreaker struct {
	Name string
}

// Options configures one envelope invocation.
type Options struct {
	Timeout        time.Duration
	Retry          *Retry
	CircuitBreaker *CircuitBreaker
	// OnError, if set, is invoked with the terminal error once retries are
	// exhausted; its return value becomes the envelope's successful output.
	OnError func(ctx context.Context, err error) (any, error)
}

// Result is the aggregate outcome of one envelope invocation.
type Result struct {
	Success       bool
	Output        any
	Err           error
	Attempts      int
	TotalDuration time.Duration
	RetryDelays   []time.Duration
}

// StatusCoder is implemented by errors that carry an upstream HTTP-like
// status code, used to match retry_on.status_codes.
type StatusCoder interface {
	StatusCode() int
}

// statusCodeOf extracts a status code from err by unwrapping, or 0.
func statusCodeOf(err error) int {
	var sc StatusCoder
	for e := err; e != nil; e = unwrap(e) {
		if s, ok := e.(StatusCoder); ok {
			sc = s
			break
		}
	}
	if sc == nil {
		return 0
	}
	return sc.StatusCode()
}

func unwrap(err error) error {
	type unwrapper interface{ Unwrap() error }
	if u, ok := err.(unwrapper); ok {
		return u.Unwrap()
	}
	return nil
}

// defaultTransientPatterns is the envelope's fallback retryability
// heuristic when retry_on supplies neither a predicate nor patterns nor
// status codes.
var defaultTransientPatterns = []string{
	"econnreset", "econnrefused", "enotfound", "etimedout", "enetunreach", "epipe",
	"timeout", "network", "connection", "server error", "service unavailable",
	"internal server error",
}

// Envelope executes handlers under a shared circuit-breaker registry and
// clock. The zero value is usable with a real clock and no breaker.
type Envelope struct {
	Breaker *breaker.Registry
	Clock   clock.Clock
	// Rand produces jitter factors in [0, 1); overridable for deterministic
	// tests. New sets it to rand.Float64; when nil, no jitter is applied.
	Rand func() float64
}

// New returns an Envelope wired to reg (may be nil to disable circuit
// breaking) and clk.
func New(reg *breaker.Registry, clk clock.Clock) *Envelope {
	return &Envelope{Breaker: reg, Clock: clk, Rand: rand.Float64}
}

// Execute runs handler under opts and returns the aggregate Result.
func (e *Envelope) Execute(ctx context.Context, handler Handler, opts Options) Result {
	if opts.CircuitBreaker != nil && e.Breaker != nil {
		var res Result
		err := e.Breaker.Execute(ctx, opts.CircuitBreaker.Name, func(ctx context.Context) error {
			res = e.runRetryLoop(ctx, handler, opts)
			return res.Err
		})
		if res.Attempts == 0 {
			// Breaker rejected before invoking the handler at all.
			return Result{Success: false, Err: err}
		}
		return res
	}
	return e.runRetryLoop(ctx, handler, opts)
}

func (e *Envelope) runRetryLoop(ctx context.Context, handler Handler, opts Options) Result {
	start := e.now()
	attempts := 0
	maxAttempts := 1
	if opts.Retry != nil && opts.Retry.Attempts > 0 {
		maxAttempts = opts.Retry.Attempts
	}

	var lastOutput any
	var lastErr error
	var delays []time.Duration

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		attempts = attempt
		output, err := e.invokeOnce(ctx, handler, opts.Timeout)
		if err == nil {
			return Result{
				Success:       true,
				Output:        output,
				Attempts:      attempts,
				TotalDuration: e.since(start),
				RetryDelays:   delays,
			}
		}
		lastOutput, lastErr = output, err

		if attempt == maxAttempts || opts.Retry == nil {
			break
		}
		if !e.isRetryable(err, opts.Retry.On) {
			break
		}

		delay := computeDelay(opts.Retry.Backoff, attempt, e.Rand)
		delays = append(delays, delay)
		if opts.Retry.OnRetry != nil {
			opts.Retry.OnRetry(attempt, delay, err)
		}
		if !e.sleep(ctx, delay) {
			lastErr = &engineerrors.CancelledError{Reason: "context cancelled during retry backoff"}
			break
		}
	}

	if opts.OnError != nil {
		output, err := opts.OnError(ctx, lastErr)
		if err == nil {
			return Result{
				Success:       true,
				Output:        output,
				Attempts:      attempts,
				TotalDuration: e.since(start),
				RetryDelays:   delays,
			}
		}
		lastErr = err
	}

	return Result{
		Success:       false,
		Output:        lastOutput,
		Err:           lastErr,
		Attempts:      attempts,
		TotalDuration: e.since(start),
		RetryDelays:   delays,
	}
}

func (e *Envelope) invokeOnce(ctx context.Context, handler Handler, timeout time.Duration) (any, error) {
	if timeout <= 0 {
		return handler(ctx)
	}

	callCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	type callResult struct {
		output any
		err    error
	}
	done := make(chan callResult, 1)
	go func() {
		output, err := handler(callCtx)
		done <- callResult{output, err}
	}()

	clk := e.clockOrReal()
	select {
	case r := <-done:
		return r.output, r.err
	case <-clk.After(timeout):
		cancel()
		return nil, &engineerrors.TimeoutError{Timeout: timeout}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (e *Envelope) isRetryable(err error, on RetryOn) bool {
	if on.Predicate != nil {
		return on.Predicate(err)
	}
	if len(on.ErrorPatterns) > 0 {
		msg := strings.ToLower(err.Error())
		for _, p := range on.ErrorPatterns {
			if strings.Contains(msg, strings.ToLower(p)) {
				return true
			}
		}
		return false
	}
	if len(on.StatusCodes) > 0 {
		code := statusCodeOf(err)
		for _, c := range on.StatusCodes {
			if c == code {
				return true
			}
		}
		return false
	}

	var classifier engineerrors.ErrorClassifier
	if ok := asClassifier(err, &classifier); ok && !classifier.IsRetryable() {
		return false
	}

	msg := strings.ToLower(err.Error())
	for _, p := range defaultTransientPatterns {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return false
}

func asClassifier(err error, target *engineerrors.ErrorClassifier) bool {
	if c, ok := err.(engineerrors.ErrorClassifier); ok {
		*target = c
		return true
	}
	return false
}

// computeDelay implements the fixed/linear/exponential backoff formulas
// with maxDelay clamping and optional jitter in [0.5, 1.5).
func computeDelay(b Backoff, attempt int, randFn func() float64) time.Duration {
	delay := b.Delay
	if delay <= 0 {
		delay = 0
	}
	multiplier := b.Multiplier

	var d time.Duration
	switch b.Strategy {
	case BackoffLinear:
		if multiplier <= 0 {
			multiplier = 1
		}
		d = time.Duration(float64(delay) * (1 + float64(attempt-1)*multiplier))
	case BackoffExponential:
		if multiplier <= 0 {
			multiplier = 2
		}
		d = time.Duration(float64(delay) * math.Pow(multiplier, float64(attempt-1)))
	default:
		d = delay
	}

	maxDelay := b.MaxDelay
	if maxDelay <= 0 {
		maxDelay = delay * 10
	}
	if maxDelay > 0 && d > maxDelay {
		d = maxDelay
	}

	if !b.NoJitter && randFn != nil {
		factor := 0.5 + randFn()
		d = time.Duration(float64(d) * factor)
	}
	if d < 0 {
		d = 0
	}
	return d
}

func (e *Envelope) clockOrReal() clock.Clock {
	if e.Clock != nil {
		return e.Clock
	}
	return clock.New()
}

func (e *Envelope) now() time.Time { return e.clockOrReal().Now() }

func (e *Envelope) since(start time.Time) time.Duration { return e.now().Sub(start) }

// sleep blocks for d or until ctx is cancelled, returning false on
// cancellation.
func (e *Envelope) sleep(ctx context.Context, d time.Duration) bool {
	clk := e.clockOrReal()
	select {
	case <-clk.After(d):
		return true
	case <-ctx.Done():
		return false
	}
}
