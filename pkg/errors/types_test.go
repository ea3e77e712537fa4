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

package errors_test

import (
	stderrors "errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	engineerrors "github.com/tombee/flowctl/pkg/errors"
)

func TestValidationError_Error(t *testing.T) {
	tests := []struct {
		name    string
		err     *engineerrors.ValidationError
		wantMsg string
	}{
		{
			name:    "with field",
			err:     &engineerrors.ValidationError{Field: "amount", Message: "must be positive"},
			wantMsg: "validation failed on amount: must be positive",
		},
		{
			name:    "without field",
			err:     &engineerrors.ValidationError{Message: "missing body"},
			wantMsg: "validation failed: missing body",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.wantMsg, tt.err.Error())
			assert.False(t, tt.err.IsRetryable())
		})
	}
}

func TestTimeoutError(t *testing.T) {
	err := &engineerrors.TimeoutError{StepName: "fetch", Timeout: 30 * time.Second}
	assert.Contains(t, err.Error(), "fetch")
	assert.Contains(t, err.Error(), "30s")
	assert.True(t, err.IsRetryable())
}

func TestCircuitOpenError(t *testing.T) {
	err := &engineerrors.CircuitOpenError{Breaker: "payments"}
	assert.Equal(t, `circuit "payments" is open`, err.Error())
	assert.False(t, err.IsRetryable())
}

func TestStoreError_RetryableMatchesTransient(t *testing.T) {
	cause := stderrors.New("disk full")
	transient := &engineerrors.StoreError{Op: "append_step_record", Transient: true, Cause: cause}
	permanent := &engineerrors.StoreError{Op: "create_run", Transient: false, Cause: cause}

	assert.True(t, transient.IsRetryable())
	assert.False(t, permanent.IsRetryable())
	assert.Equal(t, cause, transient.Unwrap())
}

func TestLoopOverflowError(t *testing.T) {
	err := &engineerrors.LoopOverflowError{StepName: "poll", Limit: 1000}
	assert.Contains(t, err.Error(), "poll")
	assert.Contains(t, err.Error(), "1000")
}

func TestTokenError(t *testing.T) {
	expired := &engineerrors.TokenError{Token: "tok_1", Expired: true}
	invalid := &engineerrors.TokenError{Token: "tok_2"}
	assert.Contains(t, expired.Error(), "expired")
	assert.Contains(t, invalid.Error(), "invalid")
}

func TestErrorWrapping_PreservesCause(t *testing.T) {
	rootCause := stderrors.New("connection reset")
	handlerErr := &engineerrors.HandlerError{StepName: "charge-card", Cause: rootCause}
	wrapped := fmt.Errorf("executing step: %w", handlerErr)

	var target *engineerrors.HandlerError
	require.True(t, stderrors.As(wrapped, &target))
	assert.Equal(t, "charge-card", target.StepName)
	assert.Equal(t, rootCause, target.Unwrap())
}

func TestErrorsIs_FindsWrappedError(t *testing.T) {
	original := &engineerrors.DependencyError{JobID: "job-2", DependsOn: "job-1"}
	wrapped := fmt.Errorf("dispatcher: %w", original)
	assert.True(t, stderrors.Is(wrapped, original))
}

func TestQueueFullError(t *testing.T) {
	err := &engineerrors.QueueFullError{Capacity: 1000}
	assert.Contains(t, err.Error(), "1000")
	assert.True(t, err.IsRetryable())
}
