package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	app "proximity-relay/internal/app"
	httpx "proximity-relay/internal/http"
	relay "proximity-relay/internal/relay"
	ws "proximity-relay/internal/ws"
)

func main() {
	// Load local .env (dev only)
	_ = godotenv.Load()

	cfg, err := app.LoadConfig()
	if err != nil {
		log.Fatal(err)
	}
	logger := app.NewLogger(cfg, os.Stdout)
	logger.Info("config.loaded",
		"env", cfg.Env,
		"addr", cfg.HTTPAddr,
		"idle_timeout", cfg.IdleTimeout,
		"origins", cfg.AllowedOrigins,
		"share_receipts", cfg.ShareReceipts,
		"notify_rejections", cfg.NotifyRejections,
	)

	// Cancel on SIGINT/SIGTERM
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Presence relay: registry, rooms, idle sweeper
	rl := relay.New(logger, relay.Options{
		IdleTimeout:      cfg.IdleTimeout,
		SweepInterval:    cfg.SweepInterval,
		SendBuffer:       cfg.SendBuffer,
		NotifyRejections: cfg.NotifyRejections,
		ShareReceipts:    cfg.ShareReceipts,
	})

	// WebSocket hub
	hub := ws.NewHub(logger, rl, cfg)
	hubDone := make(chan struct{})
	go func() {
		defer close(hubDone)
		hub.Run(ctx)
	}()

	// HTTP + WS router
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           httpx.NewRouter(cfg, logger, hub),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Start server
	go func() {
		logger.Info("server.listening", "addr", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server.crash", "err", err)
			cancel()
		}
	}()

	// Wait for shutdown signal
	<-ctx.Done()
	logger.Info("server.shutdown.start")

	// shutdown: stop new handshakes, then close every websocket
	shutdownCtx, stop := context.WithTimeout(context.Background(), 10*time.Second)
	defer stop()
	_ = srv.Shutdown(shutdownCtx)
	select {
	case <-hubDone:
	case <-shutdownCtx.Done():
	}

	logger.Info("server.shutdown.complete")
	_ = os.Stdout.Sync()
}
