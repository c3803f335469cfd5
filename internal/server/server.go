package server

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/dativo-io/warden/internal/audit"
	"github.com/dativo-io/warden/internal/delivery"
	"github.com/dativo-io/warden/internal/egress"
	"github.com/dativo-io/warden/internal/intent"
	"github.com/dativo-io/warden/internal/otel"
	"github.com/dativo-io/warden/internal/translate"
)

const defaultTimeout = 60 * time.Second

// Server holds all dependencies for the HTTP API.
type Server struct {
	router       *chi.Mux
	engine       *intent.Engine
	egressEngine *egress.Engine
	translator   *translate.Translator
	deliverer    *delivery.Manager
	dlq          *delivery.DLQ
	auditStore   *audit.Store
	apiKeys      map[string]string
	corsOrigins  []string
	startTime    time.Time
}

// Option configures the Server.
type Option func(*Server)

// WithCORSOrigins sets allowed CORS origins (e.g. ["*"]).
func WithCORSOrigins(origins []string) Option {
	return func(s *Server) { s.corsOrigins = origins }
}

// WithDLQ sets the dead-letter store backing the reconciliation endpoints.
func WithDLQ(dlq *delivery.DLQ) Option {
	return func(s *Server) { s.dlq = dlq }
}

// WithAuditStore sets the risk-event store backing the audit endpoints.
func WithAuditStore(store *audit.Store) Option {
	return func(s *Server) { s.auditStore = store }
}

// NewServer builds a Server. apiKeys maps API key -> tenant_id.
func NewServer(
	engine *intent.Engine,
	egressEngine *egress.Engine,
	translator *translate.Translator,
	deliverer *delivery.Manager,
	apiKeys map[string]string,
	opts ...Option,
) *Server {
	s := &Server{
		router:       chi.NewRouter(),
		engine:       engine,
		egressEngine: egressEngine,
		translator:   translator,
		deliverer:    deliverer,
		apiKeys:      apiKeys,
		corsOrigins:  []string{"*"},
		startTime:    time.Now(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.apiKeys == nil {
		s.apiKeys = make(map[string]string)
	}
	return s
}

// Routes returns the configured http.Handler.
func (s *Server) Routes() http.Handler {
	r := s.router
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(otel.Middleware())
	r.Use(CORSMiddleware(s.corsOrigins))

	// Unauthenticated
	r.Get("/health", s.handleHealth)
	r.Get("/api/v1/health", s.handleHealth)

	// Authenticated API group
	r.Group(func(r chi.Router) {
		r.Use(AuthMiddleware(s.apiKeys))
		r.Use(middleware.Timeout(defaultTimeout))

		r.Post("/api/v1/intents/validate", s.handleIntentValidate)
		r.Post("/api/v1/intents/execute", s.handleIntentExecute)
		r.Post("/api/v1/intents/batch", s.handleIntentBatch)
		r.Post("/api/v1/intents/approvals", s.handleApprovalRequest)

		r.Post("/api/v1/egress/profiles", s.handleProfileSet)
		r.Get("/api/v1/egress/profiles/{appId}", s.handleProfileGet)
		r.Post("/api/v1/egress/filter", s.handleEgressFilter)
		r.Post("/api/v1/egress/validate", s.handleEgressValidate)

		r.Post("/api/v1/deliver", s.handleDeliver)

		r.Get("/api/v1/dlq", s.handleDLQList)
		r.Post("/api/v1/dlq/{id}/requeue", s.handleDLQRequeue)

		r.Get("/api/v1/audit/events", s.handleAuditList)
		r.Get("/api/v1/audit/events/{id}", s.handleAuditGet)
		r.Get("/api/v1/audit/events/{id}/verify", s.handleAuditVerify)
	})

	return r
}
