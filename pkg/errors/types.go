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

package errors

import (
	"fmt"
	"time"
)

// ConfigurationError represents an invalid workflow or engine configuration,
// surfaced at registration time rather than at run time.
type ConfigurationError struct {
	// Field identifies what was invalid (e.g. "steps[2].options.timeout").
	Field string

	// Reason explains what's wrong.
	Reason string
}

func (e *ConfigurationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("configuration error at %s: %s", e.Field, e.Reason)
	}
	return fmt.Sprintf("configuration error: %s", e.Reason)
}

func (e *ConfigurationError) ErrorType() string { return "configuration" }
func (e *ConfigurationError) IsRetryable() bool  { return false }

// ValidationError represents a trigger payload that failed schema,
// header, or predicate validation. No run is created for this trigger.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("validation failed on %s: %s", e.Field, e.Message)
	}
	return fmt.Sprintf("validation failed: %s", e.Message)
}

func (e *ValidationError) ErrorType() string { return "validation" }
func (e *ValidationError) IsRetryable() bool  { return false }

// HandlerError wraps an error returned by a user-provided step handler.
type HandlerError struct {
	StepName string
	Cause    error
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("handler error in step %q: %s", e.StepName, e.Cause)
}
func (e *HandlerError) Unwrap() error     { return e.Cause }
func (e *HandlerError) ErrorType() string { return "handler" }
func (e *HandlerError) IsRetryable() bool { return true }

// TimeoutError represents a step that exceeded its configured timeout.
type TimeoutError struct {
	StepName string
	Timeout  time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("step %q timed out after %s", e.StepName, e.Timeout)
}
func (e *TimeoutError) ErrorType() string { return "timeout" }
func (e *TimeoutError) IsRetryable() bool { return true }

// CircuitOpenError is returned when a circuit breaker rejects a call.
// It is never retried by the execution envelope.
type CircuitOpenError struct {
	Breaker string
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("circuit %q is open", e.Breaker)
}
func (e *CircuitOpenError) ErrorType() string { return "circuit_open" }
func (e *CircuitOpenError) IsRetryable() bool { return false }

// DependencyError is assigned to a job that was cancelled because one of
// its declared dependencies failed.
type DependencyError struct {
	JobID     string
	DependsOn string
	Cause     string
}

func (e *DependencyError) Error() string {
	return fmt.Sprintf("job %q cancelled: dependency %q failed: %s", e.JobID, e.DependsOn, e.Cause)
}
func (e *DependencyError) ErrorType() string { return "dependency" }
func (e *DependencyError) IsRetryable() bool { return false }

// StoreError represents a persistence failure. Transient marks a failure
// that may succeed if repeated, and IsRetryable reports it. The Run
// Coordinator does not retry failed store calls.
type StoreError struct {
	Op        string
	Transient bool
	Cause     error
}

func (e *StoreError) Error() string {
	kind := "permanent"
	if e.Transient {
		kind = "transient"
	}
	return fmt.Sprintf("store error (%s) during %s: %s", kind, e.Op, e.Cause)
}
func (e *StoreError) Unwrap() error     { return e.Cause }
func (e *StoreError) ErrorType() string { return "store" }
func (e *StoreError) IsRetryable() bool { return e.Transient }

// CancelledError indicates a run or job was cancelled, either by the user
// or by an upstream cancellation (e.g. a parent run being cancelled).
type CancelledError struct {
	Reason string
}

func (e *CancelledError) Error() string {
	if e.Reason == "" {
		return "cancelled"
	}
	return fmt.Sprintf("cancelled: %s", e.Reason)
}
func (e *CancelledError) ErrorType() string { return "cancelled" }
func (e *CancelledError) IsRetryable() bool { return false }

// LoopOverflowError indicates a `while` step exceeded its hard iteration cap.
type LoopOverflowError struct {
	StepName string
	Limit    int
}

func (e *LoopOverflowError) Error() string {
	return fmt.Sprintf("step %q exceeded the %d iteration cap", e.StepName, e.Limit)
}
func (e *LoopOverflowError) ErrorType() string { return "loop_overflow" }
func (e *LoopOverflowError) IsRetryable() bool { return false }

// TokenError represents a failed resume: the pause token was never issued,
// was already consumed, or has expired.
type TokenError struct {
	Token   string
	Expired bool
}

func (e *TokenError) Error() string {
	if e.Expired {
		return fmt.Sprintf("token %q has expired", e.Token)
	}
	return fmt.Sprintf("token %q is invalid", e.Token)
}
func (e *TokenError) ErrorType() string { return "token" }
func (e *TokenError) IsRetryable() bool { return false }

// QueueFullError is returned by the dispatcher when its bounded queue is
// saturated. The Run Coordinator submits a run's step jobs after Trigger
// has returned the run ID, so a full queue fails the step being
// submitted, not the Trigger call.
type QueueFullError struct {
	Capacity int
}

func (e *QueueFullError) Error() string {
	return fmt.Sprintf("job queue full (capacity %d)", e.Capacity)
}
func (e *QueueFullError) ErrorType() string { return "queue_full" }
func (e *QueueFullError) IsRetryable() bool { return true }
