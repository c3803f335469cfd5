// Package event defines the canonical event model: the platform's common
// internal representation of an ingested third-party event, prior to
// consumer-specific filtering, translation, and delivery.
package event

import (
	"time"

	"github.com/dativo-io/warden/internal/risk"
)

// Classification labels the data sensitivity of an event.
type Classification string

const (
	ClassificationPublic    Classification = "PUBLIC"
	ClassificationInternal  Classification = "INTERNAL"
	ClassificationSensitive Classification = "SENSITIVE"
)

// TranslationStatus tracks the locale translation lifecycle of an event's
// payload.
type TranslationStatus string

const (
	TranslationPending   TranslationStatus = "PENDING"
	TranslationCompleted TranslationStatus = "COMPLETED"
	TranslationFailed    TranslationStatus = "FAILED"
)

// CanonicalEvent is the normalized event shape shared by the egress policy
// engine, the translator, and the delivery manager. JSON field names match
// the platform's wire format.
type CanonicalEvent struct {
	EventID           string                 `json:"eventId"`
	CorrelationID     string                 `json:"correlationId"`
	TenantID          string                 `json:"tenantId"`
	UserID            string                 `json:"userId"`
	Source            string                 `json:"source"`
	Provider          string                 `json:"provider"`
	ExternalID        string                 `json:"externalId"`
	EventType         string                 `json:"eventType"`
	Classification    Classification        `json:"classification"`
	Timestamp         time.Time              `json:"timestamp"`
	ConsentFlags      map[string]bool        `json:"consentFlags,omitempty"`
	Metadata          map[string]interface{} `json:"metadata,omitempty"`
	Payload           map[string]interface{} `json:"payload,omitempty"`
	TranslationStatus TranslationStatus      `json:"translationStatus,omitempty"`
	RiskLane          risk.Lane              `json:"riskLane,omitempty"`
}

// HasConsent reports whether any consent flag is explicitly set. Events
// classified SENSITIVE are invalid without one.
func (e *CanonicalEvent) HasConsent() bool {
	for _, granted := range e.ConsentFlags {
		if granted {
			return true
		}
	}
	return false
}

// Clone returns a deep copy. Filtering and translation mutate payloads;
// callers that fan one event out to several consumers must not share maps.
func (e *CanonicalEvent) Clone() *CanonicalEvent {
	c := *e
	c.ConsentFlags = cloneBoolMap(e.ConsentFlags)
	c.Metadata = cloneValueMap(e.Metadata)
	c.Payload = cloneValueMap(e.Payload)
	return &c
}

func cloneBoolMap(m map[string]bool) map[string]bool {
	if m == nil {
		return nil
	}
	out := make(map[string]bool, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func cloneValueMap(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return nil
	}
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		if nested, ok := v.(map[string]interface{}); ok {
			out[k] = cloneValueMap(nested)
			continue
		}
		out[k] = v
	}
	return out
}
