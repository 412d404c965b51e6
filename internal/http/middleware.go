package httpx

import (
	"net/http"
	"time"

	"github.com/rs/cors"

	"proximity-relay/internal/app"
	"proximity-relay/pkg/ratelimit"
)

type Middleware struct {
	cors       *cors.Cors
	handshakes *ratelimit.Limiter
}

// NewMiddleware builds the shared middleware stack from config
func NewMiddleware(cfg app.Config) *Middleware {
	return &Middleware{
		cors: cors.New(cors.Options{
			AllowedOrigins: cfg.AllowedOrigins,
			AllowedMethods: []string{http.MethodGet, http.MethodOptions},
			AllowedHeaders: []string{"*"},
		}),
		handshakes: ratelimit.New(cfg.HandshakeRate, time.Minute),
	}
}

// Wrap applies CORS to every route
func (m *Middleware) Wrap(h http.Handler) http.Handler {
	return m.cors.Handler(h)
}

// LimitHandshakes caps websocket upgrades per client IP
func (m *Middleware) LimitHandshakes(h http.Handler) http.Handler {
	return m.handshakes.Middleware(h)
}
