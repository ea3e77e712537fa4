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

package envelope_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/flowctl/internal/breaker"
	"github.com/tombee/flowctl/internal/clock"
	"github.com/tombee/flowctl/internal/envelope"
	engineerrors "github.com/tombee/flowctl/pkg/errors"
)

func runAndAdvance(t *testing.T, fc *clock.Fake, env *envelope.Envelope, handler envelope.Handler, opts envelope.Options) envelope.Result {
	t.Helper()
	resultCh := make(chan envelope.Result, 1)
	go func() {
		resultCh <- env.Execute(context.Background(), handler, opts)
	}()

	// Nudge the fake clock forward repeatedly so any pending sleep/timeout
	// waiter eventually fires, without knowing exact scheduling in advance.
	deadline := time.Now().Add(2 * time.Second)
	for {
		select {
		case r := <-resultCh:
			return r
		case <-time.After(time.Millisecond):
			fc.Advance(5 * time.Millisecond)
			if time.Now().After(deadline) {
				t.Fatal("envelope did not complete in time")
			}
		}
	}
}

func TestEnvelope_RetryThenSucceed(t *testing.T) {
	fc := clock.NewFake(time.Unix(0, 0))
	env := &envelope.Envelope{Clock: fc, Rand: func() float64 { return 0.5 }} // no jitter scaling (factor 1.0)

	calls := 0
	handler := func(ctx context.Context) (any, error) {
		calls++
		if calls < 3 {
			return nil, errors.New("timeout")
		}
		return map[string]any{"ok": true}, nil
	}

	result := runAndAdvance(t, fc, env, handler, envelope.Options{
		Retry: &envelope.Retry{
			Attempts: 3,
			Backoff:  envelope.Backoff{Strategy: envelope.BackoffExponential, Delay: 10 * time.Millisecond},
		},
	})

	require.True(t, result.Success)
	assert.Equal(t, 3, result.Attempts)
	require.Len(t, result.RetryDelays, 2)
	assert.Equal(t, 10*time.Millisecond, result.RetryDelays[0])
	assert.Equal(t, 20*time.Millisecond, result.RetryDelays[1])
	assert.Equal(t, map[string]any{"ok": true}, result.Output)
}

func TestEnvelope_NonRetryableErrorFailsFast(t *testing.T) {
	env := &envelope.Envelope{Clock: clock.New()}
	calls := 0
	handler := func(ctx context.Context) (any, error) {
		calls++
		return nil, errors.New("invalid payload")
	}

	result := env.Execute(context.Background(), handler, envelope.Options{
		Retry: &envelope.Retry{Attempts: 5, Backoff: envelope.Backoff{Strategy: envelope.BackoffFixed, Delay: time.Millisecond}},
	})

	assert.False(t, result.Success)
	assert.Equal(t, 1, calls)
}

func TestEnvelope_FallbackOnExhaustedRetries(t *testing.T) {
	env := &envelope.Envelope{Clock: clock.New()}
	handler := func(ctx context.Context) (any, error) {
		return nil, errors.New("network unreachable")
	}

	result := env.Execute(context.Background(), handler, envelope.Options{
		Retry: &envelope.Retry{Attempts: 1},
		OnError: func(ctx context.Context, err error) (any, error) {
			return "fallback-value", nil
		},
	})

	require.True(t, result.Success)
	assert.Equal(t, "fallback-value", result.Output)
}

func TestEnvelope_CircuitOpenRejectsWithoutInvokingHandler(t *testing.T) {
	fc := clock.NewFake(time.Unix(0, 0))
	reg := breaker.NewRegistry(fc, breaker.Config{})
	reg.Configure("svc", breaker.Config{FailureThreshold: 1, RecoveryTimeout: time.Second})
	env := &envelope.Envelope{Breaker: reg, Clock: fc}

	fail := func(ctx context.Context) (any, error) { return nil, errors.New("boom") }
	_ = env.Execute(context.Background(), fail, envelope.Options{
		CircuitBreaker: &envelope.CircuitBreaker{Name: "svc"},
	})

	invoked := false
	result := env.Execute(context.Background(), func(ctx context.Context) (any, error) {
		invoked = true
		return nil, nil
	}, envelope.Options{CircuitBreaker: &envelope.CircuitBreaker{Name: "svc"}})

	assert.False(t, invoked)
	assert.False(t, result.Success)
	var openErr *engineerrors.CircuitOpenError
	assert.ErrorAs(t, result.Err, &openErr)
}
