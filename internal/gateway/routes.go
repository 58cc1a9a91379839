package gateway

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Handler returns the HTTP handler serving the WebSocket endpoint, health
// and metrics.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(requestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(s.log))
	r.Use(middleware.Recoverer)
	r.Use(corsHandler(s.cfg.Gateway.AllowedOrigins))

	r.Get("/health", s.handleHealth)
	r.Get("/ws", s.handleWebSocket)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())
	r.NotFound(handleNotFound)
	return r
}
