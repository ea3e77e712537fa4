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

package trigger_test

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/flowctl/internal/clock"
	"github.com/tombee/flowctl/internal/eventbus"
	"github.com/tombee/flowctl/internal/trigger"
	engineerrors "github.com/tombee/flowctl/pkg/errors"
)

type capturedTrigger struct {
	workflowID string
	payload    map[string]any
}

func recordingTrigger(dst *capturedTrigger) trigger.CoordinatorTrigger {
	return func(ctx context.Context, workflowID string, payload map[string]any) (string, error) {
		dst.workflowID = workflowID
		dst.payload = payload
		return "run-1", nil
	}
}

func TestIngest_ManualPassesPayloadThrough(t *testing.T) {
	var captured capturedTrigger
	in := trigger.New(recordingTrigger(&captured))

	runID, err := in.Manual(context.Background(), "wf-1", map[string]any{"x": 1})
	require.NoError(t, err)
	assert.Equal(t, "run-1", runID)
	assert.Equal(t, "wf-1", captured.workflowID)
	assert.Equal(t, 1, captured.payload["x"])
}

func TestIngest_HandleWebhookUnknownPath(t *testing.T) {
	in := trigger.New(recordingTrigger(&capturedTrigger{}))
	_, err := in.HandleWebhook(context.Background(), "/missing", trigger.WebhookRequest{})
	assert.ErrorIs(t, err, trigger.ErrWebhookNotFound)
}

func TestIngest_HandleWebhookRequiresHeader(t *testing.T) {
	var captured capturedTrigger
	in := trigger.New(recordingTrigger(&captured))
	require.NoError(t, in.RegisterWebhook(&trigger.WebhookRoute{
		Path:            "/hooks/deploy",
		WorkflowID:      "wf-deploy",
		RequiredHeaders: []string{"X-Source"},
	}))

	_, err := in.HandleWebhook(context.Background(), "/hooks/deploy", trigger.WebhookRequest{})
	var verr *engineerrors.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "headers.X-Source", verr.Field)
}

func TestIngest_HandleWebhookVerifiesHMACSignature(t *testing.T) {
	var captured capturedTrigger
	in := trigger.New(recordingTrigger(&captured))
	require.NoError(t, in.RegisterWebhook(&trigger.WebhookRoute{
		Path:       "/hooks/deploy",
		WorkflowID: "wf-deploy",
		HMACSecret: "s3cr3t",
	}))

	body := []byte(`{"service":"api"}`)

	_, err := in.HandleWebhook(context.Background(), "/hooks/deploy", trigger.WebhookRequest{Body: body})
	assert.Error(t, err, "missing signature header must be rejected")

	mac := hmac.New(sha256.New, []byte("s3cr3t"))
	mac.Write(body)
	sig := "sha256=" + hex.EncodeToString(mac.Sum(nil))

	runID, err := in.HandleWebhook(context.Background(), "/hooks/deploy", trigger.WebhookRequest{
		Body:    body,
		Headers: map[string][]string{"X-Webhook-Signature": {sig}},
	})
	require.NoError(t, err)
	assert.Equal(t, "run-1", runID)
	assert.Equal(t, "wf-deploy", captured.workflowID)

	body2 := map[string]any(captured.payload["body"].(map[string]any))
	assert.Equal(t, "api", body2["service"])
}

func TestIngest_HandleWebhookVerifiesBearerHash(t *testing.T) {
	var captured capturedTrigger
	in := trigger.New(recordingTrigger(&captured))
	hash, err := trigger.HashBearerToken("super-secret-token")
	require.NoError(t, err)
	require.NoError(t, in.RegisterWebhook(&trigger.WebhookRoute{
		Path:       "/hooks/notify",
		WorkflowID: "wf-notify",
		BearerHash: hash,
	}))

	_, err = in.HandleWebhook(context.Background(), "/hooks/notify", trigger.WebhookRequest{
		Headers: map[string][]string{"Authorization": {"Bearer wrong-token"}},
	})
	assert.Error(t, err)

	_, err = in.HandleWebhook(context.Background(), "/hooks/notify", trigger.WebhookRequest{
		Headers: map[string][]string{"Authorization": {"Bearer super-secret-token"}},
	})
	require.NoError(t, err)
}

func TestIngest_HandleWebhookPredicateRejects(t *testing.T) {
	in := trigger.New(recordingTrigger(&capturedTrigger{}))
	require.NoError(t, in.RegisterWebhook(&trigger.WebhookRoute{
		Path:       "/hooks/filtered",
		WorkflowID: "wf-filtered",
		Predicate: func(payload map[string]any) bool {
			body, _ := payload["body"].(map[string]any)
			return body["action"] == "opened"
		},
	}))

	_, err := in.HandleWebhook(context.Background(), "/hooks/filtered", trigger.WebhookRequest{
		Body: []byte(`{"action":"closed"}`),
	})
	var verr *engineerrors.ValidationError
	require.ErrorAs(t, err, &verr)
}

func TestIngest_HandleWebhookMatchesGlobRoute(t *testing.T) {
	var captured capturedTrigger
	in := trigger.New(recordingTrigger(&captured))
	require.NoError(t, in.RegisterWebhook(&trigger.WebhookRoute{
		Path:       "/hooks/github/**",
		WorkflowID: "wf-github",
	}))

	runID, err := in.HandleWebhook(context.Background(), "/hooks/github/repo/push", trigger.WebhookRequest{})
	require.NoError(t, err)
	assert.Equal(t, "run-1", runID)
	assert.Equal(t, "wf-github", captured.workflowID)
}

func TestIngest_RegisterEventTriggerFiresOnPublish(t *testing.T) {
	var captured capturedTrigger
	in := trigger.New(recordingTrigger(&captured))
	bus := eventbus.New(clock.NewFake(time.Unix(0, 0)))

	unsubscribe := in.RegisterEventTrigger(bus, "order.shipped", "wf-on-ship")
	defer unsubscribe()

	bus.Publish(context.Background(), "order.shipped", map[string]any{"orderID": "o-1"})

	assert.Equal(t, "wf-on-ship", captured.workflowID)
	assert.Equal(t, "o-1", captured.payload["orderID"])
	evt, ok := captured.payload["event"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "order.shipped", evt["name"])
}
