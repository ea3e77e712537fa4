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
	"fmt"
	"strings"

	engineerrors "github.com/tombee/flowctl/pkg/errors"
)

// Validate runs the structural checks that don't require a Registry:
// unique step IDs, no template-expression injection into an
// expression field, and no nested foreach. Compile runs these
// automatically; callers that only want to lint a Definition (e.g. a
// CLI "validate" subcommand) can call this directly.
func Validate(def *Definition) error {
	if def.ID == "" {
		return &engineerrors.ConfigurationError{Field: "id", Reason: "workflow id must not be empty"}
	}
	if len(def.Steps) == 0 {
		return &engineerrors.ConfigurationError{Field: "steps", Reason: "workflow must declare at least one step"}
	}

	seen := make(map[string]bool)
	return validateSteps(def.Steps, seen, false)
}

func validateSteps(steps []StepDefinition, seen map[string]bool, inForeach bool) error {
	for i := range steps {
		step := &steps[i]
		if step.ID == "" {
			return &engineerrors.ConfigurationError{Field: fmt.Sprintf("steps[%d].id", i), Reason: "step id must not be empty"}
		}
		if seen[step.ID] {
			return &engineerrors.ConfigurationError{Field: "steps." + step.ID, Reason: "duplicate step id"}
		}
		seen[step.ID] = true

		if err := validateExpressionInjection(step); err != nil {
			return err
		}

		stepForeach := inForeach
		if step.Foreach != "" {
			if inForeach {
				return &engineerrors.ConfigurationError{
					Field:  "steps." + step.ID + ".foreach",
					Reason: "nested foreach is not supported; flatten the iteration or split into a separate workflow",
				}
			}
			stepForeach = true
		}

		for _, nested := range [][]StepDefinition{step.Then, step.Else, step.Body} {
			if err := validateSteps(nested, seen, stepForeach); err != nil {
				return err
			}
		}
	}
	return nil
}

// validateExpressionInjection rejects a template-expression marker
// ("{{"..."}}") inside an If or Foreach field. Those fields are compiled
// directly into expr-lang/expr or gojq programs; a template marker
// surviving into one is almost always a sign the value was meant to be
// substituted before reaching the definition, not evaluated as code.
func validateExpressionInjection(step *StepDefinition) error {
	for field, value := range map[string]string{"if": step.If, "foreach": step.Foreach} {
		if strings.Contains(value, "{{") && strings.Contains(value, "}}") {
			return &engineerrors.ConfigurationError{
				Field:  "steps." + step.ID + "." + field,
				Reason: "expression must not contain template markers (\"{{\"/\"}}\"); pass dynamic values through the step payload instead",
			}
		}
	}
	return nil
}
