package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/text/language"

	"github.com/dativo-io/warden/internal/audit"
	"github.com/dativo-io/warden/internal/delivery"
	"github.com/dativo-io/warden/internal/egress"
	"github.com/dativo-io/warden/internal/event"
	"github.com/dativo-io/warden/internal/injection"
	"github.com/dativo-io/warden/internal/intent"
	"github.com/dativo-io/warden/internal/translate"
)

const (
	testAPIKey     = "test-key"
	testSigningKey = "integration-test-signing-key-0123456789abcdef"
)

type fixture struct {
	api        *httptest.Server
	ingestFail *atomic.Bool
	ingestHits *atomic.Int32
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	var ingestFail atomic.Bool
	var ingestHits atomic.Int32
	ingest := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		ingestHits.Add(1)
		if ingestFail.Load() {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(ingest.Close)

	dir := t.TempDir()
	store, err := audit.NewStore(filepath.Join(dir, "audit.db"), testSigningKey)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	dlq, err := delivery.OpenDLQ(filepath.Join(dir, "dlq.db"))
	require.NoError(t, err)
	t.Cleanup(func() { dlq.Close() })

	registry := intent.NewRegistry()
	require.NoError(t, registry.Bind("get_status",
		func(context.Context, map[string]interface{}) (interface{}, error) {
			return map[string]interface{}{"status": "ok"}, nil
		}))
	validator := intent.NewValidator(injection.NewDetector(), registry, store)
	engine := intent.NewEngine(validator, registry, store)

	egressEngine, err := egress.NewEngine(context.Background(), egress.WithAuditSink(store))
	require.NoError(t, err)

	translator := translate.NewTranslator(nil, language.English)
	deliverer := delivery.NewManager(ingest.URL, dlq,
		delivery.WithMaxAttempts(1),
		delivery.WithBackoff(time.Millisecond, 5*time.Millisecond))

	srv := NewServer(engine, egressEngine, translator, deliverer,
		map[string]string{testAPIKey: "tenant-a"},
		WithDLQ(dlq), WithAuditStore(store))

	api := httptest.NewServer(srv.Routes())
	t.Cleanup(api.Close)

	return &fixture{
		api:        api,
		ingestFail: &ingestFail,
		ingestHits: &ingestHits,
	}
}

func (f *fixture) do(t *testing.T, method, path string, body interface{}) *http.Response {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequest(method, f.api.URL+path, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+testAPIKey)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, out interface{}) {
	t.Helper()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
}

func apiIntent(action string) map[string]interface{} {
	return map[string]interface{}{
		"intent_id":       "int-api-1",
		"idempotency_key": strings.Repeat("0f", 32),
		"action":          action,
		"identity": map[string]interface{}{
			"tenant_id":  "tenant-a",
			"user_id":    "user-1",
			"session_id": "sess-1",
			"locale":     "en-US",
		},
		"confidence": 0.95,
	}
}

func apiEvent(id string) map[string]interface{} {
	return map[string]interface{}{
		"eventId":        id,
		"correlationId":  "corr-1",
		"tenantId":       "tenant-a",
		"userId":         "user-1",
		"eventType":      "COMMENT",
		"classification": "INTERNAL",
		"timestamp":      time.Now().UTC().Add(-time.Minute).Format(time.RFC3339),
		"payload": map[string]interface{}{
			"text":   "hello world",
			"author": "user-1",
			"target": "post-7",
		},
	}
}

func registerProfile(t *testing.T, f *fixture, appID string) {
	t.Helper()
	resp := f.do(t, http.MethodPost, "/api/v1/egress/profiles", map[string]interface{}{
		"appId":             appID,
		"allowedEventTypes": []string{"COMMENT"},
		"piiHandling":       "allow",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestHealthIsUnauthenticated(t *testing.T) {
	f := newFixture(t)

	resp, err := http.Get(f.api.URL + "/health?detail=true")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var body map[string]interface{}
	decodeBody(t, resp, &body)
	assert.Equal(t, "ok", body["status"])
	assert.Contains(t, body, "components")
}

func TestAuthRequired(t *testing.T) {
	f := newFixture(t)

	for _, header := range []string{"", "Bearer wrong-key"} {
		req, err := http.NewRequest(http.MethodGet, f.api.URL+"/api/v1/dlq", nil)
		require.NoError(t, err)
		if header != "" {
			req.Header.Set("Authorization", header)
		}
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	}
}

func TestIntentValidateEndpoint(t *testing.T) {
	f := newFixture(t)

	resp := f.do(t, http.MethodPost, "/api/v1/intents/validate", apiIntent("get_status"))
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var res intent.ValidationResult
	decodeBody(t, resp, &res)
	assert.True(t, res.Valid)
}

func TestIntentExecuteEndpoint(t *testing.T) {
	f := newFixture(t)

	t.Run("success", func(t *testing.T) {
		resp := f.do(t, http.MethodPost, "/api/v1/intents/execute", apiIntent("get_status"))
		require.Equal(t, http.StatusOK, resp.StatusCode)
		var res intent.ExecutionResult
		decodeBody(t, resp, &res)
		assert.True(t, res.Success)
	})

	t.Run("blocked action returns 403", func(t *testing.T) {
		resp := f.do(t, http.MethodPost, "/api/v1/intents/execute", apiIntent("send_funds"))
		assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	})
}

func TestIntentBatchDuplicateReturns409(t *testing.T) {
	f := newFixture(t)

	resp := f.do(t, http.MethodPost, "/api/v1/intents/batch", map[string]interface{}{
		"intents": []interface{}{apiIntent("get_status"), apiIntent("get_status")},
	})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	var res intent.BatchResult
	decodeBody(t, resp, &res)
	assert.True(t, res.Aborted)
}

func TestApprovalEndpointDeniesByDefault(t *testing.T) {
	f := newFixture(t)

	resp := f.do(t, http.MethodPost, "/api/v1/intents/approvals", map[string]interface{}{
		"intent_id": "int-1",
		"action":    "send_funds",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var decision intent.ApprovalDecision
	decodeBody(t, resp, &decision)
	assert.False(t, decision.Approved)
}

func TestProfileRoundTrip(t *testing.T) {
	f := newFixture(t)
	registerProfile(t, f, "app-a")

	resp := f.do(t, http.MethodGet, "/api/v1/egress/profiles/app-a", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var p egress.AppFilterProfile
	decodeBody(t, resp, &p)
	assert.Equal(t, "app-a", p.AppID)

	resp = f.do(t, http.MethodGet, "/api/v1/egress/profiles/ghost", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestEgressFilterEndpoint(t *testing.T) {
	f := newFixture(t)
	registerProfile(t, f, "app-a")

	message := apiEvent("ev-2")
	message["eventType"] = "MESSAGE"

	resp := f.do(t, http.MethodPost, "/api/v1/egress/filter", map[string]interface{}{
		"appId":         "app-a",
		"correlationId": "corr-1",
		"events":        []interface{}{apiEvent("ev-1"), message},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Events  []event.CanonicalEvent `json:"events"`
		Dropped int                    `json:"dropped"`
	}
	decodeBody(t, resp, &body)
	require.Len(t, body.Events, 1)
	assert.Equal(t, "ev-1", body.Events[0].EventID)
	assert.Equal(t, 1, body.Dropped)
}

func TestEgressValidateEndpoint(t *testing.T) {
	f := newFixture(t)
	registerProfile(t, f, "app-a")

	ev := apiEvent("ev-1")
	ev["classification"] = "SENSITIVE"

	resp := f.do(t, http.MethodPost, "/api/v1/egress/validate", map[string]interface{}{
		"appId": "app-a",
		"event": ev,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var res egress.EventValidation
	decodeBody(t, resp, &res)
	assert.False(t, res.Valid)
	assert.Contains(t, strings.Join(res.Reasons, " "), "consent")
}

func TestDeliverPipeline(t *testing.T) {
	f := newFixture(t)
	registerProfile(t, f, "app-a")

	resp := f.do(t, http.MethodPost, "/api/v1/deliver", map[string]interface{}{
		"appId":  "app-a",
		"events": []interface{}{apiEvent("ev-1")},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		CorrelationID string          `json:"correlationId"`
		Delivery      delivery.Result `json:"delivery"`
	}
	decodeBody(t, resp, &body)
	assert.NotEmpty(t, body.CorrelationID)
	assert.True(t, body.Delivery.Success)
	assert.Equal(t, int32(1), f.ingestHits.Load())
}

func TestDLQListAndRequeue(t *testing.T) {
	f := newFixture(t)
	registerProfile(t, f, "app-a")

	f.ingestFail.Store(true)
	resp := f.do(t, http.MethodPost, "/api/v1/deliver", map[string]interface{}{
		"appId":  "app-a",
		"events": []interface{}{apiEvent("ev-1")},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = f.do(t, http.MethodGet, "/api/v1/dlq?status=pending", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var listing struct {
		DeadLetters []delivery.DeadLetter `json:"deadLetters"`
		Count       int                   `json:"count"`
	}
	decodeBody(t, resp, &listing)
	require.Equal(t, 1, listing.Count)

	f.ingestFail.Store(false)
	id := listing.DeadLetters[0].ID
	resp = f.do(t, http.MethodPost, fmt.Sprintf("/api/v1/dlq/%d/requeue", id), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var requeued struct {
		Delivery delivery.Result `json:"delivery"`
	}
	decodeBody(t, resp, &requeued)
	assert.True(t, requeued.Delivery.Success)

	// Replaying the same letter again conflicts.
	resp = f.do(t, http.MethodPost, fmt.Sprintf("/api/v1/dlq/%d/requeue", id), nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestAuditEndpoints(t *testing.T) {
	f := newFixture(t)

	// A blocked action produces one signed risk event.
	resp := f.do(t, http.MethodPost, "/api/v1/intents/execute", apiIntent("send_funds"))
	require.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp = f.do(t, http.MethodGet, "/api/v1/audit/events?tenant_id=tenant-a", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var listing struct {
		Events []audit.RiskEvent `json:"events"`
	}
	decodeBody(t, resp, &listing)
	require.NotEmpty(t, listing.Events)
	assert.Equal(t, "send_funds", listing.Events[0].BlockedAction)

	id := listing.Events[0].EventID
	resp = f.do(t, http.MethodGet, "/api/v1/audit/events/"+id, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = f.do(t, http.MethodGet, "/api/v1/audit/events/"+id+"/verify", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var verdict struct {
		SignatureValid bool `json:"signatureValid"`
	}
	decodeBody(t, resp, &verdict)
	assert.True(t, verdict.SignatureValid)
}
