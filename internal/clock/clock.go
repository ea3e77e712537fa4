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

// Package clock provides an injectable time source so retry backoff,
// breaker recovery windows, schedule ticks, and KV TTLs can be tested
// deterministically.
package clock

import "time"

// Clock abstracts wall-clock time and the primitives built on it.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
	NewTimer(d time.Duration) Timer
	Sleep(d time.Duration)
}

// Timer mirrors the subset of time.Timer used by callers, so a Fake clock
// can hand out a controllable substitute.
type Timer interface {
	C() <-chan time.Time
	Stop() bool
}

// Real is the production Clock, backed directly by the time package.
type Real struct{}

// New returns the production clock.
func New() Clock { return Real{} }

func (Real) Now() time.Time                       { return time.Now() }
func (Real) After(d time.Duration) <-chan time.Time { return time.After(d) }
func (Real) Sleep(d time.Duration)                { time.Sleep(d) }

func (Real) NewTimer(d time.Duration) Timer {
	return &realTimer{t: time.NewTimer(d)}
}

type realTimer struct{ t *time.Timer }

func (r *realTimer) C() <-chan time.Time { return r.t.C }
func (r *realTimer) Stop() bool          { return r.t.Stop() }
