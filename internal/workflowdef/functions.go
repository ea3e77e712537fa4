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
	"reflect"
	"strings"
)

// containsFunc backs the has/includes helpers exposed to every compiled
// expr-lang/expr predicate: has(collection, target). It accepts a
// slice/array (deep-equality membership), a map (key membership), or a
// string (substring match), and reports false for anything else rather
// than erroring, since an author's `if` guard shouldn't fail a step just
// because a field turned out to be the wrong shape at runtime.
func containsFunc(args ...any) (any, error) {
	if len(args) != 2 {
		return nil, fmt.Errorf("has/includes requires exactly 2 arguments, got %d", len(args))
	}
	collection, target := args[0], args[1]
	if collection == nil {
		return false, nil
	}

	v := reflect.ValueOf(collection)
	switch v.Kind() {
	case reflect.Slice, reflect.Array:
		for i := 0; i < v.Len(); i++ {
			if reflect.DeepEqual(v.Index(i).Interface(), target) {
				return true, nil
			}
		}
		return false, nil
	case reflect.Map:
		return v.MapIndex(reflect.ValueOf(target)).IsValid(), nil
	case reflect.String:
		str, sOK := collection.(string)
		substr, tOK := target.(string)
		return sOK && tOK && strings.Contains(str, substr), nil
	default:
		return false, nil
	}
}

// lenFunc backs the length(collection) helper exposed to every compiled
// predicate.
func lenFunc(args ...any) (any, error) {
	if len(args) != 1 {
		return nil, fmt.Errorf("length requires exactly 1 argument, got %d", len(args))
	}
	if args[0] == nil {
		return 0, nil
	}
	v := reflect.ValueOf(args[0])
	switch v.Kind() {
	case reflect.Slice, reflect.Array, reflect.Map, reflect.String:
		return v.Len(), nil
	default:
		return nil, fmt.Errorf("length: unsupported type %T", args[0])
	}
}
