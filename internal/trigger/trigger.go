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

// Package trigger implements Trigger Ingest: it normalizes manual,
// webhook, and event inputs into a single call into the Run
// Coordinator. Schedule triggers normalize themselves inside
// internal/scheduler, which already holds the cron timing context this
// package would otherwise have to duplicate.
package trigger

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/bmatcuk/doublestar/v4"
	"golang.org/x/crypto/bcrypt"

	"github.com/tombee/flowctl/internal/eventbus"
	engineerrors "github.com/tombee/flowctl/pkg/errors"
)

// CoordinatorTrigger is the Run Coordinator's Trigger, narrowed to what
// Ingest needs.
type CoordinatorTrigger func(ctx context.Context, workflowID string, payload map[string]any) (string, error)

// ErrWebhookNotFound is returned by HandleWebhook for a path with no
// registered route. Callers map this to an HTTP 404; a route that
// exists but rejects the request maps to *pkg/errors.ValidationError.
var ErrWebhookNotFound = errors.New("trigger: no webhook registered for path")

// WebhookRequest is the raw inbound request Ingest normalizes.
type WebhookRequest struct {
	Headers map[string][]string
	Body    []byte
	Method  string
	URL     string
}

// Predicate inspects a normalized webhook payload and reports whether
// the trigger should proceed. Compiled predicates (e.g. from an
// expr-lang/expr rule authored in a workflow definition) satisfy this
// signature directly.
type Predicate func(payload map[string]any) bool

// WebhookRoute describes one registered webhook trigger.
type WebhookRoute struct {
	Path       string
	WorkflowID string

	// RequiredHeaders must all be present (any value) for the request to
	// proceed.
	RequiredHeaders []string

	// HMACSecret, if set, requires an X-Webhook-Signature header of the
	// form "sha256=<hex hmac-sha256 of body>" computed with this secret.
	HMACSecret string

	// BearerHash, if set, requires an "Authorization: Bearer <token>"
	// header whose token bcrypt-verifies against this hash. Unlike
	// HMACSecret (which must stay recoverable to compute a signature),
	// a bearer token never needs to be recovered, so it is stored
	// hashed rather than in the clear.
	BearerHash string

	// Predicate is an optional additional check run against the
	// normalized payload after header/signature checks pass.
	Predicate Predicate
}

// Ingest is the Trigger Ingest described above.
type Ingest struct {
	mu       sync.RWMutex
	webhooks map[string]*WebhookRoute
	trigger  CoordinatorTrigger
}

// New builds an Ingest that calls trigger for every normalized input.
func New(trigger CoordinatorTrigger) *Ingest {
	return &Ingest{
		webhooks: make(map[string]*WebhookRoute),
		trigger:  trigger,
	}
}

// Manual triggers workflowID directly with payload, with no
// normalization beyond what the Coordinator itself does.
func (in *Ingest) Manual(ctx context.Context, workflowID string, payload map[string]any) (string, error) {
	return in.trigger(ctx, workflowID, payload)
}

// RegisterWebhook adds or replaces the route for route.Path. Path may
// be a literal path or a doublestar glob (e.g. "/hooks/github/**").
func (in *Ingest) RegisterWebhook(route *WebhookRoute) error {
	if route.Path == "" {
		return &engineerrors.ConfigurationError{Field: "webhook.path", Reason: "path must not be empty"}
	}
	if route.WorkflowID == "" {
		return &engineerrors.ConfigurationError{Field: "webhook.workflow_id", Reason: "workflow_id must not be empty"}
	}
	in.mu.Lock()
	defer in.mu.Unlock()
	in.webhooks[route.Path] = route
	return nil
}

// UnregisterWebhook removes the route at path, if any.
func (in *Ingest) UnregisterWebhook(path string) {
	in.mu.Lock()
	defer in.mu.Unlock()
	delete(in.webhooks, path)
}

// matchRoute looks up path by exact match first, then against every
// registered route whose Path is a doublestar glob (e.g. "/hooks/**")
// covering it. Exact match wins so a literal route never loses to a
// broader pattern registered alongside it.
func (in *Ingest) matchRoute(path string) (*WebhookRoute, bool) {
	in.mu.RLock()
	defer in.mu.RUnlock()

	if route, ok := in.webhooks[path]; ok {
		return route, true
	}
	for pattern, route := range in.webhooks {
		if matched, err := doublestar.Match(pattern, path); err == nil && matched {
			return route, true
		}
	}
	return nil, false
}

// HandleWebhook normalizes req against the route registered for path,
// enforcing required headers, signature/bearer auth, and any custom
// predicate before triggering the workflow. A failure here never
// creates a run.
func (in *Ingest) HandleWebhook(ctx context.Context, path string, req WebhookRequest) (string, error) {
	route, ok := in.matchRoute(path)
	if !ok {
		return "", ErrWebhookNotFound
	}

	for _, h := range route.RequiredHeaders {
		if len(req.Headers[h]) == 0 {
			return "", &engineerrors.ValidationError{Field: "headers." + h, Message: "required header missing"}
		}
	}

	if route.HMACSecret != "" {
		if err := verifyHMAC(req, route.HMACSecret); err != nil {
			return "", &engineerrors.ValidationError{Field: "signature", Message: err.Error()}
		}
	}

	if route.BearerHash != "" {
		if err := verifyBearer(req, route.BearerHash); err != nil {
			return "", &engineerrors.ValidationError{Field: "authorization", Message: err.Error()}
		}
	}

	payload := normalize(req)

	if route.Predicate != nil && !route.Predicate(payload) {
		return "", &engineerrors.ValidationError{Field: "predicate", Message: "webhook predicate rejected request"}
	}

	return in.trigger(ctx, route.WorkflowID, payload)
}

// RegisterEventTrigger starts workflowID whenever eventName is
// published on bus, merging the event into the payload shape
// {event:{name,payload,timestamp}, ...payload}. The returned func
// unsubscribes.
func (in *Ingest) RegisterEventTrigger(bus *eventbus.Bus, eventName, workflowID string) func() {
	return bus.Subscribe(eventName, func(ctx context.Context, e eventbus.Event) error {
		_, err := in.trigger(ctx, workflowID, mergeEventPayload(e))
		return err
	})
}

func normalize(req WebhookRequest) map[string]any {
	var body any = string(req.Body)
	var parsed map[string]any
	if json.Unmarshal(req.Body, &parsed) == nil {
		body = parsed
	}
	return map[string]any{
		"headers": req.Headers,
		"body":    body,
		"method":  req.Method,
		"url":     req.URL,
	}
}

func mergeEventPayload(e eventbus.Event) map[string]any {
	out := make(map[string]any, len(e.Payload)+1)
	for k, v := range e.Payload {
		out[k] = v
	}
	out["event"] = map[string]any{
		"name":      e.Name,
		"payload":   e.Payload,
		"timestamp": e.Timestamp,
	}
	return out
}

func verifyHMAC(req WebhookRequest, secret string) error {
	sig := firstHeader(req.Headers, "X-Webhook-Signature")
	if sig == "" {
		return errors.New("missing X-Webhook-Signature header")
	}
	sig = strings.TrimPrefix(sig, "sha256=")

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(req.Body)
	expected := hex.EncodeToString(mac.Sum(nil))

	if !hmac.Equal([]byte(sig), []byte(expected)) {
		return errors.New("signature mismatch")
	}
	return nil
}

func verifyBearer(req WebhookRequest, hash string) error {
	auth := firstHeader(req.Headers, "Authorization")
	token, ok := strings.CutPrefix(auth, "Bearer ")
	if !ok || token == "" {
		return errors.New("missing bearer token")
	}
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(token)); err != nil {
		return fmt.Errorf("bearer token rejected: %w", err)
	}
	return nil
}

func firstHeader(headers map[string][]string, key string) string {
	for k, v := range headers {
		if strings.EqualFold(k, key) && len(v) > 0 {
			return v[0]
		}
	}
	return ""
}

// HashBearerToken bcrypt-hashes token for storage in a WebhookRoute's
// BearerHash field.
func HashBearerToken(token string) (string, error) {
	h, err := bcrypt.GenerateFromPassword([]byte(token), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(h), nil
}
