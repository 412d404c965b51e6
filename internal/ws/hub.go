package ws

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"proximity-relay/internal/app"
	"proximity-relay/internal/relay"
	"proximity-relay/pkg/ratelimit"
)

type Hub struct {
	log   *slog.Logger
	relay *relay.Relay

	origins      []string
	writeTimeout time.Duration
	readLimit    int64
	frames       *ratelimit.Limiter // inbound frames per connection
}

// NewHub sets up the hub around a relay with transport settings from config
func NewHub(logger *slog.Logger, rl *relay.Relay, cfg app.Config) *Hub {
	return &Hub{
		log:          logger.With("component", "ws"),
		relay:        rl,
		origins:      OriginPatterns(cfg.AllowedOrigins),
		writeTimeout: cfg.WriteTimeout,
		readLimit:    cfg.MaxMessageBytes,
		frames:       ratelimit.New(cfg.MessageRate, cfg.MessageWindow),
	}
}

// Run sweeps idle connections until ctx is cancelled, then drops every
// connection so their sockets close with a going-away status
func (h *Hub) Run(ctx context.Context) {
	h.relay.Run(ctx)
	h.relay.Shutdown()
	h.log.Info("ws.hub.stopped")
}

// ServeWS handles a new /ws connection
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := Accept(w, r, h.origins)
	if err != nil {
		// Accept already wrote the HTTP error
		h.log.Warn("ws.accept", "err", err, "origin", r.Header.Get("Origin"))
		return
	}

	rc := h.relay.Register()
	c := NewConn(conn, rc, h.writeTimeout, h.readLimit)
	log := h.log.With("conn", rc.ID())
	log.Info("ws.connected", "remote", r.RemoteAddr)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// Outbound writer
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		c.WriteLoop(ctx, func() string { return h.relay.DisconnectReason(rc) })
	}()

	// Inbound reader, one frame at a time so a sender's updates stay ordered
	for {
		payload, ok := c.Read(ctx)
		if !ok {
			break
		}
		if !h.frames.Allow(rc.ID()) {
			h.relay.Reject(rc.ID(), "", fmt.Errorf("%w: rate limited", relay.ErrValidation))
			continue
		}
		if err := h.relay.Dispatch(rc.ID(), payload); err != nil {
			log.Debug("ws.frame_rejected", "err", err)
		}
	}

	h.relay.Unregister(rc.ID())
	h.frames.Forget(rc.ID())
	<-writerDone
	log.Info("ws.disconnected", "reason", h.relay.DisconnectReason(rc))
}
