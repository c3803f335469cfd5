package server

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/dativo-io/warden/internal/delivery"
	"github.com/dativo-io/warden/internal/egress"
	"github.com/dativo-io/warden/internal/event"
	"github.com/dativo-io/warden/internal/intent"
	"github.com/dativo-io/warden/internal/requestctx"
)

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := map[string]interface{}{
		"status": "ok",
		"uptime": time.Since(s.startTime).String(),
	}
	if r.URL.Query().Get("detail") == "true" {
		components := map[string]string{
			"intent_engine": "ok",
			"egress_engine": "ok",
		}
		if s.dlq == nil {
			components["dlq"] = "disabled"
		} else {
			components["dlq"] = "ok"
		}
		if s.auditStore == nil {
			components["audit_store"] = "disabled"
		} else {
			components["audit_store"] = "ok"
		}
		resp["components"] = components
	}
	writeJSON(w, http.StatusOK, resp)
}

// decodeIntent reads an intent from the body and fills the tenant from the
// authenticated context when the caller left it empty.
func decodeIntent(r *http.Request) (*intent.Intent, error) {
	var in intent.Intent
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		return nil, err
	}
	if in.Identity.TenantID == "" {
		in.Identity.TenantID = requestctx.TenantID(r.Context())
	}
	return &in, nil
}

func (s *Server) handleIntentValidate(w http.ResponseWriter, r *http.Request) {
	in, err := decodeIntent(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid JSON: "+err.Error())
		return
	}
	writeJSON(w, http.StatusOK, s.engine.Validator().ValidateIntent(r.Context(), in))
}

func (s *Server) handleIntentExecute(w http.ResponseWriter, r *http.Request) {
	in, err := decodeIntent(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid JSON: "+err.Error())
		return
	}

	res := s.engine.ExecuteIntent(r.Context(), in)
	switch {
	case res.Blocked:
		writeJSON(w, http.StatusForbidden, res)
	case res.ConfirmationRequired:
		writeJSON(w, http.StatusConflict, res)
	default:
		writeJSON(w, http.StatusOK, res)
	}
}

type batchRequest struct {
	Intents []*intent.Intent `json:"intents"`
}

func (s *Server) handleIntentBatch(w http.ResponseWriter, r *http.Request) {
	var req batchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid JSON: "+err.Error())
		return
	}
	tenantID := requestctx.TenantID(r.Context())
	for _, in := range req.Intents {
		if in.Identity.TenantID == "" {
			in.Identity.TenantID = tenantID
		}
	}

	res := s.engine.ExecuteBatch(r.Context(), req.Intents)
	if res.Aborted {
		writeJSON(w, http.StatusConflict, res)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleApprovalRequest(w http.ResponseWriter, r *http.Request) {
	var req intent.ApprovalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid JSON: "+err.Error())
		return
	}
	if req.TenantID == "" {
		req.TenantID = requestctx.TenantID(r.Context())
	}

	decision, err := s.engine.RequestMANMode(r.Context(), &req)
	if err != nil {
		writeError(w, http.StatusBadGateway, "approval_channel_failed", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, decision)
}

func (s *Server) handleProfileSet(w http.ResponseWriter, r *http.Request) {
	var p egress.AppFilterProfile
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid JSON: "+err.Error())
		return
	}
	if err := s.egressEngine.SetProfile(&p); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_profile", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"appId": p.AppID, "status": "registered"})
}

func (s *Server) handleProfileGet(w http.ResponseWriter, r *http.Request) {
	appID := chi.URLParam(r, "appId")
	p := s.egressEngine.Profile(appID)
	if p == nil {
		writeError(w, http.StatusNotFound, "not_found", "no profile registered for app "+appID)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

type egressRequest struct {
	AppID         string                  `json:"appId"`
	CorrelationID string                  `json:"correlationId"`
	Kind          delivery.Kind           `json:"kind,omitempty"`
	Events        []*event.CanonicalEvent `json:"events"`
	Event         *event.CanonicalEvent   `json:"event,omitempty"`
}

func (req *egressRequest) normalize() {
	if req.CorrelationID == "" {
		req.CorrelationID = uuid.NewString()
	}
	if req.Kind == "" {
		req.Kind = delivery.KindEvents
	}
}

func (s *Server) handleEgressFilter(w http.ResponseWriter, r *http.Request) {
	var req egressRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid JSON: "+err.Error())
		return
	}
	req.normalize()

	filtered, err := s.egressEngine.Filter(r.Context(), req.Events, req.AppID, req.CorrelationID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"correlationId": req.CorrelationID,
		"events":        filtered,
		"dropped":       len(req.Events) - len(filtered),
	})
}

func (s *Server) handleEgressValidate(w http.ResponseWriter, r *http.Request) {
	var req egressRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid JSON: "+err.Error())
		return
	}
	if req.Event == nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "event is required")
		return
	}
	writeJSON(w, http.StatusOK, s.egressEngine.ValidateEvent(r.Context(), req.Event, req.AppID))
}

// handleDeliver runs the full egress pipeline: profile filter, locale
// translation with integrity check, then delivery with retry and DLQ
// fallback. Events failing translation are withheld.
func (s *Server) handleDeliver(w http.ResponseWriter, r *http.Request) {
	var req egressRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid JSON: "+err.Error())
		return
	}
	req.normalize()
	ctx := requestctx.SetCorrelationID(r.Context(), req.CorrelationID)

	filtered, err := s.egressEngine.Filter(ctx, req.Events, req.AppID, req.CorrelationID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}

	translated := s.translator.Translate(ctx, filtered, req.AppID, req.CorrelationID)
	deliverable := make([]*event.CanonicalEvent, 0, len(translated))
	withheld := 0
	for _, ev := range translated {
		if ev.TranslationStatus == event.TranslationFailed {
			withheld++
			continue
		}
		deliverable = append(deliverable, ev)
	}

	res, err := s.deliverer.Deliver(ctx, req.Kind, deliverable, req.AppID, req.CorrelationID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"correlationId": req.CorrelationID,
		"filteredOut":   len(req.Events) - len(filtered),
		"withheld":      withheld,
		"delivery":      res,
	})
}

func (s *Server) handleDLQList(w http.ResponseWriter, r *http.Request) {
	if s.dlq == nil {
		writeError(w, http.StatusNotFound, "not_found", "dead-letter store is not configured")
		return
	}

	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	letters, err := s.dlq.List(r.Context(), r.URL.Query().Get("status"), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"deadLetters": letters, "count": len(letters)})
}

// handleDLQRequeue flips one pending dead letter to requeued and
// immediately redelivers its event. A failed redelivery dead-letters again,
// so the letter is never lost between the two states.
func (s *Server) handleDLQRequeue(w http.ResponseWriter, r *http.Request) {
	if s.dlq == nil {
		writeError(w, http.StatusNotFound, "not_found", "dead-letter store is not configured")
		return
	}
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid dead letter id")
		return
	}

	dl, err := s.dlq.Requeue(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusConflict, "requeue_failed", err.Error())
		return
	}

	var ev event.CanonicalEvent
	if err := json.Unmarshal([]byte(dl.RawInput), &ev); err != nil {
		log.Error().Err(err).Int64("dead_letter_id", id).Msg("dead_letter_unparseable")
		writeError(w, http.StatusInternalServerError, "internal", "dead letter payload is unparseable")
		return
	}

	res, err := s.deliverer.Deliver(r.Context(), delivery.Kind(dl.SourceType),
		[]*event.CanonicalEvent{&ev}, "", dl.CorrelationID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"deadLetter": dl, "delivery": res})
}

func (s *Server) handleAuditList(w http.ResponseWriter, r *http.Request) {
	if s.auditStore == nil {
		writeError(w, http.StatusNotFound, "not_found", "audit store is not configured")
		return
	}

	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	var from, to time.Time
	if v := q.Get("from"); v != "" {
		from, _ = time.Parse(time.RFC3339, v)
	}
	if v := q.Get("to"); v != "" {
		to, _ = time.Parse(time.RFC3339, v)
	}

	events, err := s.auditStore.List(r.Context(), q.Get("tenant_id"), q.Get("event_type"), from, to, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"events": events, "count": len(events)})
}

func (s *Server) handleAuditGet(w http.ResponseWriter, r *http.Request) {
	if s.auditStore == nil {
		writeError(w, http.StatusNotFound, "not_found", "audit store is not configured")
		return
	}
	ev, err := s.auditStore.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusNotFound, "not_found", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, ev)
}

func (s *Server) handleAuditVerify(w http.ResponseWriter, r *http.Request) {
	if s.auditStore == nil {
		writeError(w, http.StatusNotFound, "not_found", "audit store is not configured")
		return
	}
	id := chi.URLParam(r, "id")
	ok, err := s.auditStore.Verify(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusNotFound, "not_found", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"eventId": id, "signatureValid": ok})
}
