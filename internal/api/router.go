package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/good-yellow-bee/kycstream/internal/api/alerts"
	"github.com/good-yellow-bee/kycstream/internal/api/middleware"
	"github.com/good-yellow-bee/kycstream/internal/models"
)

// setupRouter creates and configures the chi router with all routes.
func (s *Server) setupRouter() *chi.Mux {
	r := chi.NewRouter()

	// Global middleware
	r.Use(middleware.RequestLogger(s.config.Verbose))
	r.Use(middleware.PrometheusMiddleware)
	r.Use(middleware.SecurityHeaders)
	r.Use(middleware.Recoverer)

	// Health checks (public, no rate limit)
	r.Get("/health", s.healthHandler.Health)
	r.Get("/health/live", s.healthHandler.Live)
	r.Get("/health/ready", s.healthHandler.Ready)

	// Stream handshakes authenticate inside the handler, before upgrade.
	r.Group(func(r chi.Router) {
		r.Use(middleware.RateLimitByIP(s.ipLimiter, s.config.TrustProxy))
		r.Get("/ws", s.stream.ServeHTTP)
		r.Get("/ws/{subject}", s.stream.ServeHTTP)
	})

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.JWTAuth(s.gate.Tokens()))
		r.Use(middleware.RateLimitByUser(s.userLimiter))

		alertHandler := alerts.NewHandler(s.broker, s.gate)

		r.With(middleware.RequirePublisher).Post("/alerts", alertHandler.Publish)
		r.With(middleware.RequireWatcher).Get("/subjects/{subject}/alerts", alertHandler.Snapshot)
		r.With(middleware.RequireRole(models.RoleAdmin, models.RoleOperator)).Get("/stats", s.handleStats)
	})

	return r
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	OK(w, s.broker.Stats())
}
