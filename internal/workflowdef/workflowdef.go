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

// Package workflowdef is the YAML authoring surface for a Workflow: it
// parses a Definition, validates it, and compiles it down to the
// []interpreter.Step program the Run Coordinator actually executes.
// Handler logic itself stays a named Go closure registered ahead of time
// in a Registry — this package only ever compiles structural control flow
// (step sequencing, branch/loop predicates, retry and circuit-breaker
// options, foreach item expressions) into the interpreter's existing
// closure types, never a scripting language for handler bodies.
package workflowdef

import (
	"time"

	"github.com/tombee/flowctl/internal/envelope"
)

// StepType names one node of a Definition's step tree. Each maps onto
// one interpreter.Kind during compilation, except StepTypeIf, which
// expands into an If/Else/EndIf sequence.
type StepType string

const (
	StepTypeStep         StepType = "step"
	StepTypeIf           StepType = "if"
	StepTypeParallel     StepType = "parallel"
	StepTypeRace         StepType = "race"
	StepTypeWhile        StepType = "while"
	StepTypeForEach      StepType = "forEach"
	StepTypeBatch        StepType = "batch"
	StepTypePause        StepType = "pause"
	StepTypeWaitForEvent StepType = "waitForEvent"
	StepTypeHITL         StepType = "humanInTheLoop"
)

// Definition is the top-level shape of one workflow's YAML source.
type Definition struct {
	ID          string             `yaml:"id"`
	Name        string             `yaml:"name"`
	Description string             `yaml:"description,omitempty"`
	Version     string             `yaml:"version,omitempty"`
	Concurrency int                `yaml:"concurrency,omitempty"`
	Timeout     string             `yaml:"timeout,omitempty"`
	Trigger     *TriggerDefinition `yaml:"trigger,omitempty"`
	Steps       []StepDefinition   `yaml:"steps"`
	Outputs     []OutputDefinition `yaml:"outputs,omitempty"`
}

// TriggerDefinition describes how a workflow is started. Only the
// workflow-author-facing shape lives here; the runtime registration
// against internal/scheduler, internal/trigger, and internal/eventbus
// happens in pkg/engine.
type TriggerDefinition struct {
	Webhook  *WebhookTriggerDefinition  `yaml:"webhook,omitempty"`
	Schedule *ScheduleTriggerDefinition `yaml:"schedule,omitempty"`
	Event    *EventTriggerDefinition    `yaml:"event,omitempty"`
}

// WebhookTriggerDefinition configures an internal/trigger.WebhookRoute.
type WebhookTriggerDefinition struct {
	Path            string   `yaml:"path"`
	RequiredHeaders []string `yaml:"required_headers,omitempty"`
	// Secret, if set, is an HMAC-SHA256 body-signature secret kept in
	// the clear (verification must recompute the signature from it).
	Secret string `yaml:"secret,omitempty"`
	// BearerToken, if set, is hashed once at registration time via
	// trigger.HashBearerToken and never persisted in the clear.
	BearerToken string `yaml:"bearer_token,omitempty"`
}

// ScheduleTriggerDefinition configures an internal/scheduler.ScheduleEntry.
type ScheduleTriggerDefinition struct {
	Cron string `yaml:"cron"`
}

// EventTriggerDefinition configures an internal/trigger event subscription.
type EventTriggerDefinition struct {
	Name string `yaml:"name"`
}

// RetryDefinition maps onto envelope.Retry.
type RetryDefinition struct {
	MaxAttempts      int      `yaml:"max_attempts"`
	Strategy         string   `yaml:"strategy,omitempty"` // fixed, linear, exponential
	Delay            string   `yaml:"delay,omitempty"`
	MaxDelay         string   `yaml:"max_delay,omitempty"`
	Multiplier       float64  `yaml:"multiplier,omitempty"`
	NoJitter         bool     `yaml:"no_jitter,omitempty"`
	RetryOnPredicate string   `yaml:"retry_on_predicate,omitempty"` // expr-lang/expr, env: {error}
	RetryOnPatterns  []string `yaml:"retry_on_patterns,omitempty"`
	RetryOnStatus    []int    `yaml:"retry_on_status,omitempty"`
}

// CircuitBreakerDefinition maps onto envelope.CircuitBreaker. The Compiler
// records only the name; the named breaker's threshold/recovery
// configuration comes from the breaker.Registry the envelope runs on
// (its defaults, or a Registry.Configure call for that name).
type CircuitBreakerDefinition struct {
	Name string `yaml:"name"`
}

// HITLDefinition maps onto interpreter.HumanInTheLoopSpec.
type HITLDefinition struct {
	Token       string         `yaml:"token"`
	Description string         `yaml:"description,omitempty"`
	Timeout     string         `yaml:"timeout,omitempty"`
	Metadata    map[string]any `yaml:"metadata,omitempty"`
}

// StepDefinition is one node of a Definition's step tree.
type StepDefinition struct {
	ID   string   `yaml:"id"`
	Name string   `yaml:"name,omitempty"`
	Type StepType `yaml:"type"`

	// Handler names a closure registered in the Registry. Used by
	// StepTypeStep.
	Handler string `yaml:"handler,omitempty"`
	// Handlers names the closures run concurrently by Parallel/Race.
	Handlers []string `yaml:"handlers,omitempty"`

	// If is an expr-lang/expr boolean expression gating this step
	// (StepTypeIf) or continuing a loop (StepTypeWhile).
	If string `yaml:"if,omitempty"`
	// Then/Else are the nested programs for StepTypeIf.
	Then []StepDefinition `yaml:"then,omitempty"`
	Else []StepDefinition `yaml:"else,omitempty"`
	// Body is the nested program for StepTypeWhile/ForEach/Batch.
	Body []StepDefinition `yaml:"body,omitempty"`

	// Foreach is a gojq query producing the iterable for
	// StepTypeForEach/StepTypeBatch, evaluated against {payload, steps,
	// last, headers}.
	Foreach   string `yaml:"foreach,omitempty"`
	BatchSize int    `yaml:"batch_size,omitempty"`

	Timeout        string                    `yaml:"timeout,omitempty"`
	Retry          *RetryDefinition          `yaml:"retry,omitempty"`
	CircuitBreaker *CircuitBreakerDefinition `yaml:"circuit_breaker,omitempty"`

	Background bool   `yaml:"background,omitempty"`
	Priority   string `yaml:"priority,omitempty"` // low, normal, high

	PauseDescription string         `yaml:"pause_description,omitempty"`
	PauseTimeout     string         `yaml:"pause_timeout,omitempty"`
	PauseMetadata    map[string]any `yaml:"pause_metadata,omitempty"`

	EventName    string `yaml:"event_name,omitempty"`
	EventTimeout string `yaml:"event_timeout,omitempty"`

	HITL *HITLDefinition `yaml:"hitl,omitempty"`
}

// OutputDefinition extracts one named value from the finished run via a
// gojq query evaluated against {payload, steps, last, headers}.
type OutputDefinition struct {
	Name  string `yaml:"name"`
	Query string `yaml:"query"`
}

// parseDuration treats an empty string as "unset" (returns 0, nil) so
// optional YAML duration fields don't need a sentinel.
func parseDuration(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	return time.ParseDuration(s)
}

// envelopeOptionsZero reports whether opts carries no step-level
// override, so the compiler can leave interpreter.Step.Envelope at its
// zero value and let the run-wide default apply.
func envelopeOptionsZero(opts envelope.Options) bool {
	return opts.Retry == nil && opts.CircuitBreaker == nil && opts.OnError == nil && opts.Timeout == 0
}
