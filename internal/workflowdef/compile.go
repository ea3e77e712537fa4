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

package workflowdef

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"github.com/itchyny/gojq"

	"github.com/tombee/flowctl/internal/envelope"
	"github.com/tombee/flowctl/internal/interpreter"
	"github.com/tombee/flowctl/internal/jq"
	engineerrors "github.com/tombee/flowctl/pkg/errors"
)

// CompiledOutput pairs an OutputDefinition's name with its compiled gojq
// extraction, ready to run against a finished run's context.
type CompiledOutput struct {
	Name string
	Eval func(rc *interpreter.RunContext) (any, error)
}

// Compiled is the result of compiling a Definition: the interpreter
// program the coordinator runs, plus the output extractions applied
// once the run finishes.
type Compiled struct {
	ID          string
	Concurrency int
	Timeout     time.Duration
	Steps       []interpreter.Step
	Outputs     []CompiledOutput
}

// Compiler turns a validated Definition into a Compiled program,
// resolving step handlers against a Registry and caching every
// expr-lang/expr and gojq program it compiles so a hot-reloaded or
// repeatedly-triggered definition doesn't recompile its expressions on
// every run.
type Compiler struct {
	handlers *Registry
	jqExec   *jq.Executor

	mu        sync.Mutex
	exprCache map[string]*vm.Program
	jqCache   map[string]*gojq.Code
}

// NewCompiler returns a Compiler resolving step handlers against
// handlers. Every foreach and output query it compiles runs under
// jq.Executor's default timeout and input-size guards, so a runaway or
// oversized query fails a step instead of stalling the worker pool.
func NewCompiler(handlers *Registry) *Compiler {
	return &Compiler{
		handlers:  handlers,
		jqExec:    jq.NewExecutor(jq.DefaultTimeout, jq.DefaultMaxInputSize),
		exprCache: make(map[string]*vm.Program),
		jqCache:   make(map[string]*gojq.Code),
	}
}

// Compile validates def and compiles it into a Compiled program.
func (c *Compiler) Compile(def *Definition) (*Compiled, error) {
	if err := Validate(def); err != nil {
		return nil, err
	}

	timeout, err := parseDuration(def.Timeout)
	if err != nil {
		return nil, &engineerrors.ConfigurationError{Field: "timeout", Reason: err.Error()}
	}

	steps, err := c.compileSteps(def.Steps)
	if err != nil {
		return nil, err
	}

	outputs, err := c.compileOutputs(def.Outputs)
	if err != nil {
		return nil, err
	}

	return &Compiled{
		ID:          def.ID,
		Concurrency: def.Concurrency,
		Timeout:     timeout,
		Steps:       steps,
		Outputs:     outputs,
	}, nil
}

func (c *Compiler) compileSteps(defs []StepDefinition) ([]interpreter.Step, error) {
	steps := make([]interpreter.Step, 0, len(defs))
	for i := range defs {
		step, err := c.compileStep(&defs[i])
		if err != nil {
			return nil, err
		}
		steps = append(steps, step...)
	}
	return steps, nil
}

// compileStep returns one or more interpreter.Step values: most
// StepDefinitions compile 1:1, but StepTypeIf expands into the
// interpreter's If/Else/EndIf bracket sequence the way the interpreter's
// branch-frame stack expects.
func (c *Compiler) compileStep(d *StepDefinition) ([]interpreter.Step, error) {
	envelopeOpts, err := c.compileEnvelope(d)
	if err != nil {
		return nil, err
	}
	jobTimeout, err := parseDuration(d.Timeout)
	if err != nil {
		return nil, fieldErr(d, "timeout", err)
	}
	priority, err := parsePriority(d.Priority)
	if err != nil {
		return nil, fieldErr(d, "priority", err)
	}

	base := interpreter.Step{
		ID:         d.ID,
		Name:       firstNonEmpty(d.Name, d.ID),
		Background: d.Background,
		Priority:   priority,
		JobTimeout: jobTimeout,
	}
	if !envelopeOptionsZero(envelopeOpts) {
		base.Envelope = envelopeOpts
	}

	switch d.Type {
	case "", StepTypeStep:
		fn, err := c.handlers.mustLookup(d.Handler)
		if err != nil {
			return nil, fieldErr(d, "handler", err)
		}
		base.Kind = interpreter.KindStep
		base.Handler = fn
		return []interpreter.Step{base}, nil

	case StepTypeIf:
		pred, err := c.compilePredicate(d.If)
		if err != nil {
			return nil, fieldErr(d, "if", err)
		}
		thenSteps, err := c.compileSteps(d.Then)
		if err != nil {
			return nil, err
		}
		elseSteps, err := c.compileSteps(d.Else)
		if err != nil {
			return nil, err
		}
		out := []interpreter.Step{{ID: d.ID, Kind: interpreter.KindIf, Predicate: pred}}
		out = append(out, thenSteps...)
		if len(elseSteps) > 0 {
			out = append(out, interpreter.Step{ID: d.ID + ".else", Kind: interpreter.KindElse})
			out = append(out, elseSteps...)
		}
		out = append(out, interpreter.Step{ID: d.ID + ".endIf", Kind: interpreter.KindEndIf})
		return out, nil

	case StepTypeParallel, StepTypeRace:
		handlers := make([]interpreter.HandlerFunc, 0, len(d.Handlers))
		for _, name := range d.Handlers {
			fn, err := c.handlers.mustLookup(name)
			if err != nil {
				return nil, fieldErr(d, "handlers", err)
			}
			handlers = append(handlers, fn)
		}
		base.Kind = interpreter.KindParallel
		if d.Type == StepTypeRace {
			base.Kind = interpreter.KindRace
		}
		base.Handlers = handlers
		return []interpreter.Step{base}, nil

	case StepTypeWhile:
		pred, err := c.compilePredicate(d.If)
		if err != nil {
			return nil, fieldErr(d, "if", err)
		}
		body, err := c.compileSteps(d.Body)
		if err != nil {
			return nil, err
		}
		base.Kind = interpreter.KindWhile
		base.Predicate = pred
		base.Body = body
		return []interpreter.Step{base}, nil

	case StepTypeForEach, StepTypeBatch:
		items, err := c.compileItems(d.Foreach)
		if err != nil {
			return nil, fieldErr(d, "foreach", err)
		}
		body, err := c.compileSteps(d.Body)
		if err != nil {
			return nil, err
		}
		base.Kind = interpreter.KindForEach
		if d.Type == StepTypeBatch {
			base.Kind = interpreter.KindBatch
			base.BatchSize = d.BatchSize
		}
		base.Items = items
		base.Body = body
		return []interpreter.Step{base}, nil

	case StepTypePause:
		pauseTimeout, err := parseDuration(d.PauseTimeout)
		if err != nil {
			return nil, fieldErr(d, "pause_timeout", err)
		}
		base.Kind = interpreter.KindPause
		base.PauseDescription = d.PauseDescription
		base.PauseTimeout = pauseTimeout
		base.PauseMetadata = d.PauseMetadata
		return []interpreter.Step{base}, nil

	case StepTypeWaitForEvent:
		eventTimeout, err := parseDuration(d.EventTimeout)
		if err != nil {
			return nil, fieldErr(d, "event_timeout", err)
		}
		base.Kind = interpreter.KindWaitForEvent
		base.EventName = d.EventName
		base.EventTimeout = eventTimeout
		return []interpreter.Step{base}, nil

	case StepTypeHITL:
		if d.HITL == nil {
			return nil, fieldErr(d, "hitl", fmt.Errorf("humanInTheLoop step requires an hitl block"))
		}
		hitlTimeout, err := parseDuration(d.HITL.Timeout)
		if err != nil {
			return nil, fieldErr(d, "hitl.timeout", err)
		}
		base.Kind = interpreter.KindHumanInTheLoop
		base.HITL = &interpreter.HumanInTheLoopSpec{
			Token:       firstNonEmpty(d.HITL.Token, d.ID),
			Description: d.HITL.Description,
			Timeout:     hitlTimeout,
			Metadata:    d.HITL.Metadata,
		}
		return []interpreter.Step{base}, nil

	default:
		return nil, fieldErr(d, "type", fmt.Errorf("unknown step type %q", d.Type))
	}
}

func (c *Compiler) compileEnvelope(d *StepDefinition) (envelope.Options, error) {
	var opts envelope.Options

	timeout, err := parseDuration(d.Timeout)
	if err != nil {
		return opts, fieldErr(d, "timeout", err)
	}
	opts.Timeout = timeout

	if d.Retry != nil {
		retry, err := c.compileRetry(d.Retry)
		if err != nil {
			return opts, fieldErr(d, "retry", err)
		}
		opts.Retry = retry
	}
	if d.CircuitBreaker != nil {
		if d.CircuitBreaker.Name == "" {
			return opts, fieldErr(d, "circuit_breaker.name", fmt.Errorf("breaker name must not be empty"))
		}
		opts.CircuitBreaker = &envelope.CircuitBreaker{Name: d.CircuitBreaker.Name}
	}
	return opts, nil
}

func (c *Compiler) compileRetry(d *RetryDefinition) (*envelope.Retry, error) {
	delay, err := parseDuration(d.Delay)
	if err != nil {
		return nil, fmt.Errorf("delay: %w", err)
	}
	maxDelay, err := parseDuration(d.MaxDelay)
	if err != nil {
		return nil, fmt.Errorf("max_delay: %w", err)
	}

	retry := &envelope.Retry{
		Attempts: d.MaxAttempts,
		Backoff: envelope.Backoff{
			Strategy:   envelope.BackoffStrategy(firstNonEmptyStr(string(d.Strategy), string(envelope.BackoffFixed))),
			Delay:      delay,
			MaxDelay:   maxDelay,
			Multiplier: d.Multiplier,
			NoJitter:   d.NoJitter,
		},
		On: envelope.RetryOn{
			ErrorPatterns: d.RetryOnPatterns,
			StatusCodes:   d.RetryOnStatus,
		},
	}

	if d.RetryOnPredicate != "" {
		pred, err := c.compileErrorPredicate(d.RetryOnPredicate)
		if err != nil {
			return nil, fmt.Errorf("retry_on_predicate: %w", err)
		}
		retry.On.Predicate = pred
	}
	return retry, nil
}

// compilePredicate compiles an expr-lang/expr boolean expression into
// an interpreter.Predicate, evaluated against {payload, steps, last,
// headers} plus the has/includes/length helper functions.
func (c *Compiler) compilePredicate(source string) (interpreter.Predicate, error) {
	if source == "" {
		return nil, nil
	}
	program, err := c.compileExpr(source)
	if err != nil {
		return nil, err
	}
	return func(rc *interpreter.RunContext) (bool, error) {
		env := exprEnv(rc)
		env["has"], env["includes"], env["length"] = containsFunc, containsFunc, lenFunc
		result, err := expr.Run(program, env)
		if err != nil {
			return false, &engineerrors.ValidationError{Field: "expression", Message: err.Error()}
		}
		b, ok := result.(bool)
		if !ok {
			return false, &engineerrors.ValidationError{Field: "expression", Message: fmt.Sprintf("expression must return bool, got %T", result)}
		}
		return b, nil
	}, nil
}

// compileErrorPredicate compiles an expr-lang/expr boolean expression
// evaluated against {error: <message string>} for envelope.RetryOn.
func (c *Compiler) compileErrorPredicate(source string) (func(err error) bool, error) {
	program, err := c.compileExpr(source)
	if err != nil {
		return nil, err
	}
	return func(stepErr error) bool {
		env := map[string]any{"error": stepErr.Error(), "has": containsFunc, "includes": containsFunc, "length": lenFunc}
		result, err := expr.Run(program, env)
		if err != nil {
			return false
		}
		b, _ := result.(bool)
		return b
	}, nil
}

func (c *Compiler) compileExpr(source string) (*vm.Program, error) {
	c.mu.Lock()
	if prog, ok := c.exprCache[source]; ok {
		c.mu.Unlock()
		return prog, nil
	}
	c.mu.Unlock()

	env := map[string]any{"has": containsFunc, "includes": containsFunc, "length": lenFunc}
	program, err := expr.Compile(source, expr.Env(env), expr.AllowUndefinedVariables(), expr.AsBool())
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.exprCache[source] = program
	c.mu.Unlock()
	return program, nil
}

// compileItems compiles a gojq query into an interpreter.ItemsFunc,
// evaluated against {payload, steps, last, headers}. The query must
// produce an array.
func (c *Compiler) compileItems(query string) (interpreter.ItemsFunc, error) {
	if query == "" {
		return nil, fmt.Errorf("foreach query must not be empty")
	}
	code, err := c.compileJQ(query)
	if err != nil {
		return nil, err
	}
	return func(rc *interpreter.RunContext) ([]any, error) {
		result, err := c.runJQOne(code, exprEnv(rc))
		if err != nil {
			return nil, err
		}
		items, ok := result.([]any)
		if !ok {
			return nil, fmt.Errorf("foreach query must produce an array, got %T", result)
		}
		return items, nil
	}, nil
}

func (c *Compiler) compileOutputs(defs []OutputDefinition) ([]CompiledOutput, error) {
	outputs := make([]CompiledOutput, 0, len(defs))
	for _, d := range defs {
		if d.Name == "" {
			return nil, &engineerrors.ConfigurationError{Field: "outputs", Reason: "output name must not be empty"}
		}
		code, err := c.compileJQ(d.Query)
		if err != nil {
			return nil, &engineerrors.ConfigurationError{Field: "outputs." + d.Name + ".query", Reason: err.Error()}
		}
		outputs = append(outputs, CompiledOutput{
			Name: d.Name,
			Eval: func(rc *interpreter.RunContext) (any, error) {
				return c.runJQOne(code, exprEnv(rc))
			},
		})
	}
	return outputs, nil
}

func (c *Compiler) compileJQ(query string) (*gojq.Code, error) {
	c.mu.Lock()
	if code, ok := c.jqCache[query]; ok {
		c.mu.Unlock()
		return code, nil
	}
	c.mu.Unlock()

	parsed, err := gojq.Parse(query)
	if err != nil {
		return nil, fmt.Errorf("parse error: %w", err)
	}
	code, err := gojq.Compile(parsed)
	if err != nil {
		return nil, fmt.Errorf("compile error: %w", err)
	}

	c.mu.Lock()
	c.jqCache[query] = code
	c.mu.Unlock()
	return code, nil
}

// runJQOne runs code against input under the compiler's jq.Executor
// timeout and input-size guards and returns its first result (nil if
// the query produced none), matching what every caller here expects:
// a single scalar or structured value, not a stream.
func (c *Compiler) runJQOne(code *gojq.Code, input any) (any, error) {
	return c.jqExec.RunCode(context.Background(), code, input)
}

func exprEnv(rc *interpreter.RunContext) map[string]any {
	headers := make(map[string]any, len(rc.TriggerHeaders))
	for k, v := range rc.TriggerHeaders {
		headers[k] = v
	}
	return map[string]any{
		"payload": rc.Payload,
		"steps":   rc.StepsOutput,
		"last":    rc.LastOutput,
		"headers": headers,
	}
}

func parsePriority(s string) (interpreter.Priority, error) {
	switch s {
	case "", "normal":
		return interpreter.Normal, nil
	case "low":
		return interpreter.Low, nil
	case "high":
		return interpreter.High, nil
	default:
		return interpreter.Normal, fmt.Errorf("unknown priority %q", s)
	}
}

func firstNonEmpty(a, b string) string {
	if a != "" {
		return a
	}
	return b
}

func firstNonEmptyStr(a, b string) string {
	return firstNonEmpty(a, b)
}

func fieldErr(d *StepDefinition, field string, err error) error {
	return &engineerrors.ConfigurationError{Field: "steps." + d.ID + "." + field, Reason: err.Error()}
}
