package egress

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dativo-io/warden/internal/event"
)

func TestValidateEventAccepts(t *testing.T) {
	e := newTestEngine(t)
	require.NoError(t, e.SetProfile(commentProfile("app-a")))

	res := e.ValidateEvent(context.Background(), commentEvent("ev-1", "hello"), "app-a")

	assert.True(t, res.Valid)
	assert.Empty(t, res.Reasons)
}

func TestValidateEventSensitiveNeedsConsent(t *testing.T) {
	e := newTestEngine(t)
	require.NoError(t, e.SetProfile(commentProfile("app-a")))

	ev := commentEvent("ev-1", "hello")
	ev.Classification = event.ClassificationSensitive
	ev.ConsentFlags = map[string]bool{}

	res := e.ValidateEvent(context.Background(), ev, "app-a")

	assert.False(t, res.Valid)
	assert.Contains(t, strings.Join(res.Reasons, " "), "consent")

	ev.ConsentFlags = map[string]bool{"marketing": true}
	res = e.ValidateEvent(context.Background(), ev, "app-a")
	assert.True(t, res.Valid)
}

func TestValidateEventTimestamps(t *testing.T) {
	e := newTestEngine(t)
	p := commentProfile("app-a")
	p.AllowedEventTypes = append(p.AllowedEventTypes, "HISTORICAL_IMPORT")
	require.NoError(t, e.SetProfile(p))

	t.Run("future rejected", func(t *testing.T) {
		ev := commentEvent("ev-1", "hello")
		ev.Timestamp = time.Now().UTC().Add(time.Hour)
		res := e.ValidateEvent(context.Background(), ev, "app-a")
		assert.False(t, res.Valid)
		assert.Contains(t, strings.Join(res.Reasons, " "), "future")
	})

	t.Run("stale rejected", func(t *testing.T) {
		ev := commentEvent("ev-1", "hello")
		ev.Timestamp = time.Now().UTC().Add(-25 * time.Hour)
		res := e.ValidateEvent(context.Background(), ev, "app-a")
		assert.False(t, res.Valid)
		assert.Contains(t, strings.Join(res.Reasons, " "), "older than")
	})

	t.Run("stale historical import accepted", func(t *testing.T) {
		ev := commentEvent("ev-1", "hello")
		ev.EventType = "HISTORICAL_IMPORT"
		ev.Timestamp = time.Now().UTC().Add(-30 * 24 * time.Hour)
		res := e.ValidateEvent(context.Background(), ev, "app-a")
		assert.True(t, res.Valid)
	})

	t.Run("zero timestamp rejected", func(t *testing.T) {
		ev := commentEvent("ev-1", "hello")
		ev.Timestamp = time.Time{}
		res := e.ValidateEvent(context.Background(), ev, "app-a")
		assert.False(t, res.Valid)
	})
}

func TestValidateEventPayloadSchema(t *testing.T) {
	e := newTestEngine(t)
	p := commentProfile("app-a")
	p.AllowedEventTypes = []string{"COMMENT", "MESSAGE"}
	require.NoError(t, e.SetProfile(p))

	t.Run("comment missing author", func(t *testing.T) {
		ev := commentEvent("ev-1", "hello")
		delete(ev.Payload, "author")
		res := e.ValidateEvent(context.Background(), ev, "app-a")
		assert.False(t, res.Valid)
		assert.Contains(t, strings.Join(res.Reasons, " "), `"author"`)
	})

	t.Run("comment empty text", func(t *testing.T) {
		ev := commentEvent("ev-1", "")
		res := e.ValidateEvent(context.Background(), ev, "app-a")
		assert.False(t, res.Valid)
	})

	t.Run("message requires content and sender", func(t *testing.T) {
		ev := commentEvent("ev-1", "hello")
		ev.EventType = "MESSAGE"
		ev.Payload = map[string]interface{}{"content": "hi"}
		res := e.ValidateEvent(context.Background(), ev, "app-a")
		assert.False(t, res.Valid)
		assert.Contains(t, strings.Join(res.Reasons, " "), `"sender"`)
	})
}

func TestValidateEventAllowlistAndProfile(t *testing.T) {
	e := newTestEngine(t)
	require.NoError(t, e.SetProfile(commentProfile("app-a")))

	t.Run("unknown app", func(t *testing.T) {
		res := e.ValidateEvent(context.Background(), commentEvent("ev-1", "hello"), "ghost-app")
		assert.False(t, res.Valid)
		assert.Contains(t, strings.Join(res.Reasons, " "), "no egress profile")
	})

	t.Run("type outside allowlist", func(t *testing.T) {
		ev := commentEvent("ev-1", "hello")
		ev.EventType = "LIKE"
		res := e.ValidateEvent(context.Background(), ev, "app-a")
		assert.False(t, res.Valid)
		assert.Contains(t, strings.Join(res.Reasons, " "), "not allowed")
	})
}

func TestValidateEventCollectsEveryReason(t *testing.T) {
	e := newTestEngine(t)
	require.NoError(t, e.SetProfile(commentProfile("app-a")))

	ev := commentEvent("ev-1", "")
	ev.Classification = event.ClassificationSensitive
	ev.Timestamp = time.Now().UTC().Add(time.Hour)

	res := e.ValidateEvent(context.Background(), ev, "app-a")

	assert.False(t, res.Valid)
	assert.GreaterOrEqual(t, len(res.Reasons), 3)
}
