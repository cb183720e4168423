// Package agentserver implements the node agent's HTTP surface: the
// dispatcher-facing /v1/events endpoint, a liveness /v1/health endpoint,
// and a Prometheus /metrics endpoint. Grounded on
// original_source/src/tracegate/agent/main.py.
package agentserver

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tracegate/tracegate/internal/db"
	"github.com/tracegate/tracegate/internal/httpserver"
)

// Server is the node agent's HTTP server: event ingestion, health, and
// metrics, with no dependency on the control plane's database or Redis.
type Server struct {
	Router *chi.Mux

	deps    *Deps
	ledger  *Ledger
	logger  *slog.Logger
	metrics *prometheus.Registry
}

// NewServer wires the agent's routes. metricsReg should already have the
// process/runtime and agent-specific collectors registered.
func NewServer(deps *Deps, ledger *Ledger, logger *slog.Logger, metricsReg *prometheus.Registry) *Server {
	s := &Server{
		Router:  chi.NewRouter(),
		deps:    deps,
		ledger:  ledger,
		logger:  logger,
		metrics: metricsReg,
	}

	s.Router.Use(httpserver.RequestID)
	s.Router.Use(httpserver.Logger(logger))
	s.Router.Use(middleware.Recoverer)

	s.Router.Get("/v1/health", s.handleHealth)

	s.Router.Group(func(r chi.Router) {
		r.Use(s.requireAgentToken)
		r.Post("/v1/events", s.handleEvent)
		r.Get("/metrics", promhttp.HandlerFor(metricsReg, promhttp.HandlerOpts{}).ServeHTTP)
	})

	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.Router.ServeHTTP(w, r)
}

// requireAgentToken authenticates the dispatcher via the X-Agent-Token
// header, mirroring security.py's require_agent_token (no-op when no
// token is configured, matching the prototype's dev-mode behavior).
func (s *Server) requireAgentToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		expected := s.deps.Config.AuthToken
		if expected == "" {
			next.ServeHTTP(w, r)
			return
		}
		got := r.Header.Get("X-Agent-Token")
		if got == "" {
			got = r.Header.Get("x-agent-token")
		}
		if subtle.ConstantTimeCompare([]byte(got), []byte(expected)) != 1 {
			httpserver.RespondError(w, http.StatusUnauthorized, "unauthorized", "invalid agent token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

type eventEnvelope struct {
	EventID        string             `json:"event_id"`
	IdempotencyKey string             `json:"idempotency_key"`
	EventType      db.OutboxEventType `json:"event_type"`
	Payload        map[string]any     `json:"payload"`
}

type eventResponse struct {
	Accepted  bool   `json:"accepted"`
	Duplicate bool   `json:"duplicate"`
	Message   string `json:"message"`
}

func (s *Server) handleEvent(w http.ResponseWriter, r *http.Request) {
	var envelope eventEnvelope
	if err := json.NewDecoder(r.Body).Decode(&envelope); err != nil {
		eventsProcessedTotal("bad_request")
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", "invalid event envelope")
		return
	}
	if envelope.EventID == "" {
		eventsProcessedTotal("bad_request")
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", "event_id is required")
		return
	}

	seen, err := s.ledger.Seen(envelope.EventID)
	if err != nil {
		s.logger.Error("checking event ledger", "error", err, "event_id", envelope.EventID)
		eventsProcessedTotal("error")
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to check event ledger")
		return
	}
	if seen {
		eventsProcessedTotal("duplicate")
		httpserver.Respond(w, http.StatusOK, eventResponse{Accepted: true, Duplicate: true, Message: "event already processed"})
		return
	}

	message, err := dispatchEvent(r.Context(), s.deps, envelope.EventType, envelope.Payload)
	if err != nil {
		if _, ok := err.(*HandlerError); ok {
			eventsProcessedTotal("rejected")
			httpserver.RespondError(w, http.StatusBadRequest, "bad_request", err.Error())
			return
		}
		s.logger.Error("applying event", "error", err, "event_id", envelope.EventID, "event_type", envelope.EventType)
		eventsProcessedTotal("error")
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}

	if err := s.ledger.Mark(envelope.EventID, envelope.IdempotencyKey); err != nil {
		s.logger.Error("marking event processed", "error", err, "event_id", envelope.EventID)
	}

	eventsProcessedTotal("applied")
	httpserver.Respond(w, http.StatusOK, eventResponse{Accepted: true, Duplicate: false, Message: message})
}

type healthResponse struct {
	Role      string              `json:"role"`
	Checks    []HealthCheckResult `json:"checks"`
	OverallOK bool                `json:"overall_ok"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	cfg := s.deps.Config
	checks := GatherHealthChecks(ctx, cfg.StatsURL, cfg.StatsSecret, cfg.WGInterface, cfg.WGExpectedPort, cfg.Role)
	httpserver.Respond(w, http.StatusOK, healthResponse{
		Role:      cfg.Role,
		Checks:    checks,
		OverallOK: overallOK(checks),
	})
}
