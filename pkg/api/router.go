// Package api provides the HTTP surface of the server: health probes, the
// large-file download endpoint, the metrics endpoint, and the WebSocket
// upgrade path.
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/marmos91/sharethings/internal/logger"
	"github.com/marmos91/sharethings/pkg/api/handlers"
	"github.com/marmos91/sharethings/pkg/content"
	"github.com/marmos91/sharethings/pkg/metrics"
	"github.com/marmos91/sharethings/pkg/session"
)

// NewRouter creates and configures the chi router with all middleware and
// routes.
//
// Routes:
//   - GET /health - Liveness probe
//   - GET /health/ready - Readiness probe
//   - GET /api/content/{contentID}/download - Token-authorized chunk stream
//   - GET /metrics - Prometheus metrics (when enabled)
//   - GET /ws - WebSocket upgrade (when a hub is provided)
//
// The WebSocket and download routes sit outside the request timeout: both
// are long-lived by design.
func NewRouter(registry *session.Registry, store *content.Store, hub http.Handler, metricsEnabled bool) http.Handler {
	r := chi.NewRouter()

	// Middleware stack - order matters
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)

	healthHandler := handlers.NewHealthHandler(registry, store)
	downloadHandler := handlers.NewDownloadHandler(registry, store)

	r.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(30 * time.Second))

		r.Route("/health", func(r chi.Router) {
			r.Get("/", healthHandler.Liveness)
			r.Get("/ready", healthHandler.Readiness)
		})
	})

	r.Get("/api/content/{contentID}/download", downloadHandler.Download)

	if metricsEnabled {
		r.Handle("/metrics", metrics.Handler())
	}
	if hub != nil {
		r.Handle("/ws", hub)
	}

	return r
}

// requestLogger is a custom middleware that logs requests using the
// internal logger.
//
// It logs:
//   - Request start (DEBUG level): method, path, remote addr
//   - Request completion (INFO level): method, path, status, duration
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		requestID := middleware.GetReqID(r.Context())

		logger.Debug("API request started",
			"request_id", requestID,
			"method", r.Method,
			"path", r.URL.Path,
			"remote_addr", r.RemoteAddr,
		)

		// Wrap response writer to capture status code
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		duration := time.Since(start)

		logger.Info("API request completed",
			"request_id", requestID,
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration", duration.String(),
		)
	})
}
