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
	"sync"

	"github.com/tombee/flowctl/internal/interpreter"
)

// Registry is an in-memory name -> callable table of step handlers,
// rebuilt at process start-up. The Store never persists a handler
// itself, only the name a StepDefinition references.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]interpreter.HandlerFunc
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]interpreter.HandlerFunc)}
}

// Register binds name to fn, replacing any existing binding.
func (r *Registry) Register(name string, fn interpreter.HandlerFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[name] = fn
}

// Lookup returns the handler bound to name, if any.
func (r *Registry) Lookup(name string) (interpreter.HandlerFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.handlers[name]
	return fn, ok
}

func (r *Registry) mustLookup(name string) (interpreter.HandlerFunc, error) {
	fn, ok := r.Lookup(name)
	if !ok {
		return nil, fmt.Errorf("workflowdef: no handler registered for %q", name)
	}
	return fn, nil
}
