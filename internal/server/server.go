package server

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/dativo-io/mentor/internal/evidence"
	"github.com/dativo-io/mentor/internal/orchestrator"
	"github.com/dativo-io/mentor/internal/otel"
	"github.com/dativo-io/mentor/internal/policy"
	"github.com/dativo-io/mentor/internal/risk"
)

const defaultTimeout = 60 * time.Second

// RiskAnalyzer runs a synchronous risk pass for one session.
type RiskAnalyzer interface {
	AnalyzeSession(ctx context.Context, sessionID string) (*risk.Analysis, error)
}

// Server holds all dependencies for the HTTP API.
type Server struct {
	router       *chi.Mux
	orchestrator *orchestrator.Orchestrator
	recorder     *evidence.Recorder
	store        *evidence.Store
	analyzer     RiskAnalyzer
	policy       *policy.Policy
	limiter      *RateLimiter
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

// WithRateLimiter enables token-bucket rate limiting on authenticated routes.
func WithRateLimiter(l *RateLimiter) Option {
	return func(s *Server) { s.limiter = l }
}

// WithAPIKeys requires one of the given keys on every /v1 route. keys maps
// key -> client name. An empty map leaves the API open.
func WithAPIKeys(keys map[string]string) Option {
	return func(s *Server) { s.apiKeys = keys }
}

// NewServer builds a Server with the required dependencies and optional Option(s).
func NewServer(
	orch *orchestrator.Orchestrator,
	recorder *evidence.Recorder,
	analyzer RiskAnalyzer,
	pol *policy.Policy,
	opts ...Option,
) *Server {
	s := &Server{
		router:       chi.NewRouter(),
		orchestrator: orch,
		recorder:     recorder,
		analyzer:     analyzer,
		policy:       pol,
		corsOrigins:  []string{"*"},
		startTime:    time.Now(),
	}
	if recorder != nil {
		s.store = recorder.Store()
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Routes returns the configured http.Handler (chi router with all middleware and routes).
// Interactions are registered without the default request timeout: the
// pipeline finishes and records an interaction even if the caller goes away.
func (s *Server) Routes() http.Handler {
	r := s.router
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(otel.Middleware())
	r.Use(CORSMiddleware(s.corsOrigins))

	// Unauthenticated
	r.Get("/health", s.handleHealth)
	r.Get("/v1/health", s.handleHealth)

	r.Group(func(r chi.Router) {
		if len(s.apiKeys) > 0 {
			r.Use(AuthMiddleware(s.apiKeys))
		}
		r.Use(GlobalRateLimitMiddleware(s.limiter))

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(defaultTimeout))
			r.Post("/v1/sessions", s.handleSessionCreate)
			r.Get("/v1/sessions", s.handleSessionList)

			r.Get("/v1/traces/{id}", s.handleTraceGet)
			r.Get("/v1/traces/{id}/verify", s.handleTraceVerify)
			r.Get("/v1/sequences/{id}", s.handleSequenceGet)
			r.Post("/v1/sequences/{id}/reconcile", s.handleSequenceReconcile)
			r.Post("/v1/risks/{id}/resolve", s.handleRiskResolve)

			r.Get("/v1/policy", s.handlePolicyShow)
		})

		r.Route("/v1/sessions/{id}", func(r chi.Router) {
			r.Use(SessionRateLimitMiddleware(s.limiter))

			r.Post("/interactions", s.handleInteraction)

			r.Group(func(r chi.Router) {
				r.Use(middleware.Timeout(defaultTimeout))
				r.Get("/", s.handleSessionGet)
				r.Post("/status", s.handleSessionStatus)
				r.Post("/unlock", s.handleSessionUnlock)
				r.Post("/events", s.handleEvent)
				r.Get("/traces", s.handleTraceList)
				r.Get("/sequences", s.handleSequenceList)
				r.Get("/risks", s.handleRiskList)
				r.Post("/risks/analyze", s.handleRiskAnalyze)
			})
		})
	})

	return r
}
