// Package server hosts the demo HTTP surface over the pipeline: triage
// submission, policy pack and safety rulebook inspection, health and
// metrics. It is intentionally thin; the pipeline owns all semantics.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"clinicaflow/internal/pipeline"
	"clinicaflow/internal/policy"
	"clinicaflow/internal/safety"
	"clinicaflow/internal/types"
)

// 499 mirrors the nginx convention for client-closed requests.
const statusClientClosedRequest = 499

// Options configures the HTTP server.
type Options struct {
	Orchestrator *pipeline.Orchestrator
	PolicyLoader *policy.Loader
	Registry     *prometheus.Registry
	Logger       *zap.Logger

	// APIKey, when non-empty, is required in the X-API-Key header on /v1
	// routes.
	APIKey          string
	CORSAllowOrigin string
	MaxRequestBytes int64
	RequestDeadline time.Duration
}

// Server is the demo HTTP front end.
type Server struct {
	opts   Options
	router chi.Router
	logger *zap.Logger
}

// New builds the router.
func New(opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.MaxRequestBytes <= 0 {
		opts.MaxRequestBytes = 256 * 1024
	}
	if opts.RequestDeadline <= 0 {
		opts.RequestDeadline = 5 * time.Second
	}
	s := &Server{opts: opts, logger: opts.Logger}

	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(s.cors)

	r.Get("/healthz", s.handleHealth)
	if opts.Registry != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(opts.Registry, promhttp.HandlerOpts{}))
	}

	r.Route("/v1", func(r chi.Router) {
		r.Use(s.auth)
		r.Post("/triage", s.handleTriage)
		r.Get("/policy", s.handlePolicy)
		r.Get("/rules", s.handleRules)
	})

	s.router = r
	return s
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "pipeline_version": pipeline.Version})
}

func (s *Server) handleTriage(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.opts.MaxRequestBytes)

	var in types.Intake
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&in); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "intake_invalid", "request body too large")
			return
		}
		writeError(w, http.StatusBadRequest, "intake_invalid", err.Error())
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.opts.RequestDeadline)
	defer cancel()

	result, err := s.opts.Orchestrator.Run(ctx, in, r.Header.Get("X-Request-ID"))
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, result)
	case errors.Is(err, pipeline.ErrIntakeInvalid):
		writeError(w, http.StatusBadRequest, "intake_invalid", err.Error())
	case errors.Is(err, pipeline.ErrCancelled):
		writeError(w, statusClientClosedRequest, "cancelled", "request cancelled before structuring completed")
	default:
		s.logger.Error("triage failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal", "internal error")
	}
}

func (s *Server) handlePolicy(w http.ResponseWriter, r *http.Request) {
	snap := s.opts.PolicyLoader.Snapshot()
	writeJSON(w, http.StatusOK, map[string]any{
		"version": snap.Pack.Version,
		"source":  snap.Source,
		"sha256":  snap.SHA256,
		"pack":    snap.Pack,
	})
}

func (s *Server) handleRules(w http.ResponseWriter, r *http.Request) {
	canonical, sha, err := safety.RulebookJSON()
	if err != nil {
		s.logger.Error("rulebook export failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal", "internal error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"safety_rules_version": safety.RulesVersion,
		"sha256":               sha,
		"rulebook":             json.RawMessage(canonical),
	})
}

func (s *Server) auth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.opts.APIKey != "" && r.Header.Get("X-API-Key") != s.opts.APIKey {
			writeError(w, http.StatusUnauthorized, "unauthorized", "missing or invalid API key")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := s.opts.CORSAllowOrigin
		if origin == "" {
			origin = "*"
		}
		w.Header().Set("Access-Control-Allow-Origin", origin)
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-API-Key, X-Request-ID")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, detail string) {
	writeJSON(w, status, map[string]string{"error": code, "detail": detail})
}
