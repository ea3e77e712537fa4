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

package workflowdef_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/flowctl/internal/interpreter"
	"github.com/tombee/flowctl/internal/workflowdef"
	engineerrors "github.com/tombee/flowctl/pkg/errors"
)

func newRegistry(t *testing.T, handlers map[string]interpreter.HandlerFunc) *workflowdef.Registry {
	t.Helper()
	reg := workflowdef.NewRegistry()
	for name, fn := range handlers {
		reg.Register(name, fn)
	}
	return reg
}

func TestCompile_SimpleStepResolvesHandler(t *testing.T) {
	var ran bool
	reg := newRegistry(t, map[string]interpreter.HandlerFunc{
		"greet": func(ctx context.Context, rc *interpreter.RunContext) (any, error) {
			ran = true
			return "hi", nil
		},
	})
	def := &workflowdef.Definition{
		ID: "wf-1",
		Steps: []workflowdef.StepDefinition{
			{ID: "s1", Type: workflowdef.StepTypeStep, Handler: "greet"},
		},
	}

	compiled, err := workflowdef.NewCompiler(reg).Compile(def)
	require.NoError(t, err)
	require.Len(t, compiled.Steps, 1)
	assert.Equal(t, interpreter.KindStep, compiled.Steps[0].Kind)

	_, err = compiled.Steps[0].Handler(context.Background(), &interpreter.RunContext{})
	require.NoError(t, err)
	assert.True(t, ran)
}

func TestCompile_UnknownHandlerIsConfigurationError(t *testing.T) {
	reg := newRegistry(t, nil)
	def := &workflowdef.Definition{
		ID:    "wf-1",
		Steps: []workflowdef.StepDefinition{{ID: "s1", Type: workflowdef.StepTypeStep, Handler: "missing"}},
	}

	_, err := workflowdef.NewCompiler(reg).Compile(def)
	var cfgErr *engineerrors.ConfigurationError
	require.ErrorAs(t, err, &cfgErr)
}

func TestCompile_IfExpandsToBracketSequence(t *testing.T) {
	reg := newRegistry(t, map[string]interpreter.HandlerFunc{
		"a": noop, "b": noop,
	})
	def := &workflowdef.Definition{
		ID: "wf-1",
		Steps: []workflowdef.StepDefinition{
			{
				ID:   "branch",
				Type: workflowdef.StepTypeIf,
				If:   `payload.go == true`,
				Then: []workflowdef.StepDefinition{{ID: "then1", Type: workflowdef.StepTypeStep, Handler: "a"}},
				Else: []workflowdef.StepDefinition{{ID: "else1", Type: workflowdef.StepTypeStep, Handler: "b"}},
			},
		},
	}

	compiled, err := workflowdef.NewCompiler(reg).Compile(def)
	require.NoError(t, err)
	kinds := make([]interpreter.Kind, len(compiled.Steps))
	for i, s := range compiled.Steps {
		kinds[i] = s.Kind
	}
	assert.Equal(t, []interpreter.Kind{
		interpreter.KindIf, interpreter.KindStep, interpreter.KindElse, interpreter.KindStep, interpreter.KindEndIf,
	}, kinds)

	rc := &interpreter.RunContext{Payload: map[string]any{"go": true}}
	met, err := compiled.Steps[0].Predicate(rc)
	require.NoError(t, err)
	assert.True(t, met)
}

func TestCompile_ForeachCompilesGojqQuery(t *testing.T) {
	reg := newRegistry(t, map[string]interpreter.HandlerFunc{"work": noop})
	def := &workflowdef.Definition{
		ID: "wf-1",
		Steps: []workflowdef.StepDefinition{
			{
				ID:      "loop",
				Type:    workflowdef.StepTypeForEach,
				Foreach: ".payload.items",
				Body:    []workflowdef.StepDefinition{{ID: "body1", Type: workflowdef.StepTypeStep, Handler: "work"}},
			},
		},
	}

	compiled, err := workflowdef.NewCompiler(reg).Compile(def)
	require.NoError(t, err)
	rc := &interpreter.RunContext{Payload: map[string]any{"items": []any{"a", "b", "c"}}}
	items, err := compiled.Steps[0].Items(rc)
	require.NoError(t, err)
	assert.Equal(t, []any{"a", "b", "c"}, items)
}

func TestCompile_ForeachRejectsNestedForeach(t *testing.T) {
	reg := newRegistry(t, map[string]interpreter.HandlerFunc{"work": noop})
	def := &workflowdef.Definition{
		ID: "wf-1",
		Steps: []workflowdef.StepDefinition{
			{
				ID:      "outer",
				Type:    workflowdef.StepTypeForEach,
				Foreach: ".payload.items",
				Body: []workflowdef.StepDefinition{
					{ID: "inner", Type: workflowdef.StepTypeForEach, Foreach: ".payload.more", Body: []workflowdef.StepDefinition{
						{ID: "innerbody", Type: workflowdef.StepTypeStep, Handler: "work"},
					}},
				},
			},
		},
	}

	_, err := workflowdef.NewCompiler(reg).Compile(def)
	var cfgErr *engineerrors.ConfigurationError
	require.ErrorAs(t, err, &cfgErr)
	assert.Contains(t, cfgErr.Reason, "nested foreach")
}

func TestCompile_RejectsTemplateMarkerInExpression(t *testing.T) {
	reg := newRegistry(t, nil)
	def := &workflowdef.Definition{
		ID: "wf-1",
		Steps: []workflowdef.StepDefinition{
			{ID: "branch", Type: workflowdef.StepTypeIf, If: `{{ payload.go }}`},
		},
	}

	_, err := workflowdef.NewCompiler(reg).Compile(def)
	var cfgErr *engineerrors.ConfigurationError
	require.ErrorAs(t, err, &cfgErr)
}

func TestCompile_RetryAndCircuitBreakerOptions(t *testing.T) {
	reg := newRegistry(t, map[string]interpreter.HandlerFunc{"call": noop})
	def := &workflowdef.Definition{
		ID: "wf-1",
		Steps: []workflowdef.StepDefinition{
			{
				ID: "call-upstream", Type: workflowdef.StepTypeStep, Handler: "call",
				Retry: &workflowdef.RetryDefinition{
					MaxAttempts:      3,
					Strategy:         "exponential",
					Delay:            "100ms",
					RetryOnPredicate: `error == "retry me"`,
				},
				CircuitBreaker: &workflowdef.CircuitBreakerDefinition{Name: "upstream"},
			},
		},
	}

	compiled, err := workflowdef.NewCompiler(reg).Compile(def)
	require.NoError(t, err)
	step := compiled.Steps[0]
	require.NotNil(t, step.Envelope.Retry)
	assert.Equal(t, 3, step.Envelope.Retry.Attempts)
	require.NotNil(t, step.Envelope.Retry.On.Predicate)
	assert.True(t, step.Envelope.Retry.On.Predicate(assertErr{"retry me"}))
	assert.False(t, step.Envelope.Retry.On.Predicate(assertErr{"something else"}))
	require.NotNil(t, step.Envelope.CircuitBreaker)
	assert.Equal(t, "upstream", step.Envelope.CircuitBreaker.Name)
}

func TestCompile_HITLStepDefaultsTokenToStepID(t *testing.T) {
	reg := newRegistry(t, nil)
	def := &workflowdef.Definition{
		ID: "wf-1",
		Steps: []workflowdef.StepDefinition{
			{ID: "approve", Type: workflowdef.StepTypeHITL, HITL: &workflowdef.HITLDefinition{Description: "needs sign-off"}},
		},
	}

	compiled, err := workflowdef.NewCompiler(reg).Compile(def)
	require.NoError(t, err)
	require.NotNil(t, compiled.Steps[0].HITL)
	assert.Equal(t, "approve", compiled.Steps[0].HITL.Token)
}

func TestCompile_OutputExtractionRunsAgainstFinishedContext(t *testing.T) {
	reg := newRegistry(t, nil)
	def := &workflowdef.Definition{
		ID:    "wf-1",
		Steps: []workflowdef.StepDefinition{{ID: "noop-step", Type: workflowdef.StepTypeStep, Handler: "noop"}},
		Outputs: []workflowdef.OutputDefinition{
			{Name: "total", Query: ".steps.sum.count"},
		},
	}
	reg.Register("noop", noop)

	compiled, err := workflowdef.NewCompiler(reg).Compile(def)
	require.NoError(t, err)
	require.Len(t, compiled.Outputs, 1)

	rc := &interpreter.RunContext{StepsOutput: map[string]any{"sum": map[string]any{"count": 42}}}
	v, err := compiled.Outputs[0].Eval(rc)
	require.NoError(t, err)
	assert.Equal(t, 42, v)
}

func TestValidate_DuplicateStepIDRejected(t *testing.T) {
	def := &workflowdef.Definition{
		ID: "wf-1",
		Steps: []workflowdef.StepDefinition{
			{ID: "dup", Type: workflowdef.StepTypeStep, Handler: "a"},
			{ID: "dup", Type: workflowdef.StepTypeStep, Handler: "b"},
		},
	}
	err := workflowdef.Validate(def)
	var cfgErr *engineerrors.ConfigurationError
	require.ErrorAs(t, err, &cfgErr)
}

func TestLoadFile_ParsesYAMLAndComputesChecksum(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "deploy.yaml")
	raw := []byte("id: deploy\nname: Deploy\nsteps:\n  - id: build\n    type: step\n    handler: build\n")
	require.NoError(t, os.WriteFile(path, raw, 0o644))

	def, loaded, err := workflowdef.LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "deploy", def.ID)
	assert.Len(t, def.Steps, 1)
	assert.Equal(t, workflowdef.Checksum(raw), workflowdef.Checksum(loaded))
}

func TestLoadDir_LoadsEveryYAMLFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.yaml"), []byte("id: a\nsteps:\n  - id: s\n    type: step\n    handler: h\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b.yml"), []byte("id: b\nsteps:\n  - id: s\n    type: step\n    handler: h\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "readme.txt"), []byte("ignore me"), 0o644))

	defs, err := workflowdef.LoadDir(dir)
	require.NoError(t, err)
	assert.Len(t, defs, 2)
}

func noop(ctx context.Context, rc *interpreter.RunContext) (any, error) { return nil, nil }

type assertErr struct{ msg string }

func (e assertErr) Error() string { return e.msg }
