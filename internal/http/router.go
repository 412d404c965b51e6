package httpx

import (
	"log/slog"
	"net/http"

	"proximity-relay/internal/app"
	"proximity-relay/internal/ws"
	"proximity-relay/pkg/metrics"
)

// NewRouter wires up all HTTP routes, middleware, and handlers
func NewRouter(cfg app.Config, logger *slog.Logger, hub *ws.Hub) http.Handler {
	mw := NewMiddleware(cfg)
	mux := http.NewServeMux()

	// Health / readiness / metrics
	mux.Handle("/healthz", http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) }))
	mux.Handle("/readyz", http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) }))
	mux.Handle("/metrics", metrics.Handler())

	// WebSocket endpoint
	mux.Handle("/ws", mw.LimitHandshakes(http.HandlerFunc(hub.ServeWS)))

	logger.Debug("http.routes", "origins", cfg.AllowedOrigins)
	return mw.Wrap(mux)
}
