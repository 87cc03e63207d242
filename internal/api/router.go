package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
)

// healthCheckTimeout bounds each backing-service probe made by /health.
const healthCheckTimeout = 2 * time.Second

// buildRouter creates the HTTP router with all routes and middleware.
func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(s.requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoveryMiddleware)
	r.Use(s.corsMiddleware)
	r.Use(s.bodySizeLimitMiddleware)

	// Prometheus exposition
	if s.metrics != nil {
		r.Handle("/metrics", s.metrics.Handler())
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Get("/metrics", s.handleMetrics)

		r.Route("/devices", func(r chi.Router) {
			r.Get("/", s.handleListDevices)
			r.Post("/register", s.handleRegisterDevice)
			r.Get("/stats", s.handleDeviceStats)

			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.handleGetDevice)
				r.Delete("/", s.handleDeleteDevice)
				r.Get("/channels", s.handleGetChannels)
				r.Put("/channels", s.handleSetChannel)
				r.Post("/commands", s.handleSendCommand)
				r.Get("/ws", s.handleDeviceSession)
			})
		})

		r.Get("/ws", s.handleWebSocket)
	})

	if s.cfg.LegacyRoutes {
		r.Post("/api/register", s.handleLegacyRegister)
		r.Get("/api/get-all-devices", s.handleLegacyListDevices)
		r.Delete("/api/delete-device/{id}", s.handleLegacyDelete)
		r.Post("/update-relay", s.handleLegacyUpdateRelay)
		r.Get("/get-relays/{id}", s.handleLegacyGetRelays)
		r.Post("/api/send-command", s.handleLegacySendCommand)
	}

	return r
}

// handleHealth returns the server health status. Any failing backing
// service turns the status to degraded and the code to 503.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	components := make(map[string]string, len(s.checks))
	healthy := true
	for name, check := range s.checks {
		ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
		err := check.HealthCheck(ctx)
		cancel()
		if err != nil {
			components[name] = err.Error()
			healthy = false
			continue
		}
		components[name] = "ok"
	}

	status, code := "ok", http.StatusOK
	if !healthy {
		status, code = "degraded", http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]any{
		"status":     status,
		"version":    s.version,
		"components": components,
	})
}
