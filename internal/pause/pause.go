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

// Package pause implements the Pause Registry: it suspends a run at a
// Pause or HumanInTheLoop step, issues a signed one-shot resume token,
// and blocks the calling goroutine until Resume is called with that
// token, the pause's timeout elapses, or the run's context is cancelled.
package pause

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/tombee/flowctl/internal/clock"
	"github.com/tombee/flowctl/internal/interpreter"
	"github.com/tombee/flowctl/internal/store"
	engineerrors "github.com/tombee/flowctl/pkg/errors"
)

// ResumeClaims are the claims embedded in a resume token. The token's
// raw compact form is also its store key, so the claims exist to make a
// presented token self-describing and tamper-evident, not to carry the
// lookup itself.
type ResumeClaims struct {
	jwt.RegisteredClaims
	RunID    string `json:"run_id"`
	StepName string `json:"step_name"`
}

// Registry is the Pause Registry described above.
type Registry struct {
	store  store.Store
	clock  clock.Clock
	secret []byte
	logger *slog.Logger

	mu      sync.Mutex
	waiting map[string]chan map[string]any
}

// New builds a Registry backed by st, signing resume tokens with secret.
func New(st store.Store, clk clock.Clock, secret []byte) *Registry {
	return &Registry{
		store:   st,
		clock:   clk,
		secret:  secret,
		logger:  slog.Default().With(slog.String("component", "pause")),
		waiting: make(map[string]chan map[string]any),
	}
}

var _ interpreter.Pauser = (*Registry)(nil)

// Pause implements interpreter.Pauser. stepToken identifies the pausing
// step within its workflow definition (the interpreter passes the
// step's own ID); Pause mints a distinct, signed resume token from it,
// persists a PauseInfo under that token, marks the run Paused with its
// PausedToken set so external callers can discover it via the run's
// state, and blocks until Resume is called, the timeout elapses, or ctx
// is cancelled.
func (r *Registry) Pause(ctx context.Context, rc *interpreter.RunContext, stepToken, description string, timeout time.Duration, metadata map[string]any) (map[string]any, bool, error) {
	token, err := r.issueToken(rc.RunID, stepToken, timeout)
	if err != nil {
		return nil, false, err
	}

	now := r.clock.Now()
	var expiresAt *time.Time
	if timeout > 0 {
		t := now.Add(timeout)
		expiresAt = &t
	}

	info := &store.PauseInfo{
		Token:       token,
		RunID:       rc.RunID,
		WorkflowID:  rc.WorkflowID,
		StepName:    stepToken,
		Description: description,
		CreatedAt:   now,
		ExpiresAt:   expiresAt,
		Status:      store.PauseWaiting,
	}
	if err := r.store.StorePause(ctx, info); err != nil {
		return nil, false, err
	}

	ch := make(chan map[string]any, 1)
	r.mu.Lock()
	r.waiting[token] = ch
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		delete(r.waiting, token)
		r.mu.Unlock()
	}()

	paused := store.RunPaused
	if err := r.store.UpdateRun(ctx, rc.RunID, store.RunDiff{Status: &paused, PausedToken: &token}); err != nil {
		r.logger.Error("failed to mark run paused", "run_id", rc.RunID, "error", err)
	}

	var timeoutCh <-chan time.Time
	if timeout > 0 {
		timeoutCh = r.clock.After(timeout)
	}

	select {
	case payload := <-ch:
		r.markRunning(ctx, rc.RunID)
		return payload, false, nil
	case <-timeoutCh:
		info.Status = store.PauseTimedOut
		if err := r.store.StorePause(ctx, info); err != nil {
			r.logger.Error("failed to persist pause timeout", "token", token, "error", err)
		}
		r.markRunning(ctx, rc.RunID)
		return map[string]any{"timedOut": true, "approved": false, "reason": "Timeout"}, true, nil
	case <-ctx.Done():
		if err := r.store.DeletePause(ctx, token); err != nil {
			r.logger.Error("failed to delete pause on cancellation", "token", token, "error", err)
		}
		return nil, false, ctx.Err()
	}
}

// Resume delivers payload to the run waiting on token. It fails with a
// *pkg/errors.TokenError if token was never issued, has already been
// consumed, or has expired.
func (r *Registry) Resume(ctx context.Context, token string, payload map[string]any) error {
	info, err := r.store.LoadPause(ctx, token)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return &engineerrors.TokenError{Token: token}
		}
		return err
	}
	if info.Status != store.PauseWaiting {
		return &engineerrors.TokenError{Token: token, Expired: info.Status == store.PauseTimedOut}
	}
	if info.ExpiresAt != nil && !r.clock.Now().Before(*info.ExpiresAt) {
		info.Status = store.PauseTimedOut
		if err := r.store.StorePause(ctx, info); err != nil {
			r.logger.Error("failed to persist pause expiry", "token", token, "error", err)
		}
		return &engineerrors.TokenError{Token: token, Expired: true}
	}

	r.mu.Lock()
	ch, ok := r.waiting[token]
	r.mu.Unlock()
	if !ok {
		return &engineerrors.TokenError{Token: token}
	}

	info.Status = store.PauseResumed
	info.ResumePayload = payload
	if err := r.store.StorePause(ctx, info); err != nil {
		return err
	}

	ch <- payload
	return nil
}

func (r *Registry) markRunning(ctx context.Context, runID string) {
	running := store.RunRunning
	if err := r.store.UpdateRun(ctx, runID, store.RunDiff{Status: &running}); err != nil {
		r.logger.Error("failed to resume run to Running", "run_id", runID, "error", err)
	}
}

func (r *Registry) issueToken(runID, stepName string, timeout time.Duration) (string, error) {
	claims := ResumeClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:       uuid.NewString(),
			IssuedAt: jwt.NewNumericDate(time.Now()),
		},
		RunID:    runID,
		StepName: stepName,
	}
	if timeout > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(time.Now().Add(timeout))
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(r.secret)
}

// VerifyToken parses and validates a resume token's signature and
// expiry, returning the run and step it was issued for. It does not
// consult the Store: a token can verify successfully yet still fail
// Resume if it has already been consumed.
func (r *Registry) VerifyToken(tokenString string) (*ResumeClaims, error) {
	claims := &ResumeClaims{}
	parsed, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return r.secret, nil
	})
	if err != nil || !parsed.Valid {
		return nil, &engineerrors.TokenError{Token: tokenString}
	}
	return claims, nil
}
