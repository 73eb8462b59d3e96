// Package server implements the HTTP transport layer for the courier service.
package server

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/courierq/courier/internal/engine"
	"github.com/courierq/courier/internal/ratelimit"
	"github.com/courierq/courier/internal/telemetry"
)

// ReadyChecker reports whether the system is ready to serve traffic.
type ReadyChecker func(ctx context.Context) error

// Deps holds all dependencies for the HTTP server.
type Deps struct {
	Service        *engine.Service
	AuthToken      string              // empty = auth disabled
	ReadyCheck     ReadyChecker        // nil = always ready (for tests)
	Metrics        *telemetry.Metrics  // nil = no request metrics
	MetricsHandler http.Handler        // nil = no /metrics endpoint
	RateLimiter    *ratelimit.Registry // nil = no submission rate limiting
}

// New creates an http.Handler with all routes and middleware wired.
func New(deps Deps) http.Handler {
	s := &server{deps: deps}

	r := chi.NewRouter()

	// Global middleware
	r.Use(s.recovery)
	r.Use(s.requestID)
	r.Use(s.logging)
	if deps.Metrics != nil {
		r.Use(metricsMiddleware(deps.Metrics))
	}

	// System endpoints (no auth)
	r.Get("/healthz", s.handleHealthz)
	r.Get("/readyz", s.handleReadyz)
	if deps.MetricsHandler != nil {
		r.Handle("/metrics", deps.MetricsHandler)
	}

	// Command API (auth required when a token is configured)
	r.Group(func(r chi.Router) {
		r.Use(s.authenticate)
		r.Post("/v1/commands", s.handleSubmit)
		r.Get("/v1/commands", s.handleList)
		r.Get("/v1/commands/{id}", s.handleGet)
		r.Post("/v1/commands/{id}/cancel", s.handleCancel)
	})

	return r
}

type server struct {
	deps Deps
}
