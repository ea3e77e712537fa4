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

package breaker_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/flowctl/internal/breaker"
	"github.com/tombee/flowctl/internal/clock"
	engineerrors "github.com/tombee/flowctl/pkg/errors"
)

func TestBreaker_OpensAfterThresholdThenRecovers(t *testing.T) {
	fc := clock.NewFake(time.Unix(0, 0))
	reg := breaker.NewRegistry(fc, breaker.Config{})
	reg.Configure("svc", breaker.Config{FailureThreshold: 3, RecoveryTimeout: time.Second})

	fail := func(context.Context) error { return errors.New("boom") }

	for i := 0; i < 3; i++ {
		err := reg.Execute(context.Background(), "svc", fail)
		assert.Error(t, err)
	}

	// Fourth call within the recovery window is rejected without invoking fn.
	invoked := false
	err := reg.Execute(context.Background(), "svc", func(context.Context) error {
		invoked = true
		return nil
	})
	require.Error(t, err)
	var openErr *engineerrors.CircuitOpenError
	assert.ErrorAs(t, err, &openErr)
	assert.False(t, invoked)

	fc.Advance(time.Second)

	succeeded := false
	err = reg.Execute(context.Background(), "svc", func(context.Context) error {
		succeeded = true
		return nil
	})
	require.NoError(t, err)
	assert.True(t, succeeded)

	// Breaker is Closed again and admits normally.
	err = reg.Execute(context.Background(), "svc", func(context.Context) error { return nil })
	assert.NoError(t, err)
}

func TestBreaker_HalfOpenRejectsConcurrentProbe(t *testing.T) {
	fc := clock.NewFake(time.Unix(0, 0))
	reg := breaker.NewRegistry(fc, breaker.Config{})
	reg.Configure("svc", breaker.Config{FailureThreshold: 1, RecoveryTimeout: time.Second})

	_ = reg.Execute(context.Background(), "svc", func(context.Context) error { return errors.New("boom") })
	fc.Advance(time.Second)

	// Only one probe should be admitted; a second call made while the probe
	// is still in flight must be rejected.
	var concurrent error
	first := reg.Execute(context.Background(), "svc", func(context.Context) error {
		concurrent = reg.Execute(context.Background(), "svc", func(context.Context) error { return nil })
		return nil
	})
	require.NoError(t, first)
	var openErr *engineerrors.CircuitOpenError
	assert.ErrorAs(t, concurrent, &openErr)

	// After a successful probe the breaker is Closed, so a subsequent call
	// is admitted again (not rejected) — verifying no stuck rejection.
	second := reg.Execute(context.Background(), "svc", func(context.Context) error { return nil })
	assert.NoError(t, second)
}
