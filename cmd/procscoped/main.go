// procscoped is the host security monitor daemon: it scans the process
// table on an adaptive cadence, classifies suspicion, and serves the REST
// and WebSocket push API.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/procscope/backend/internal/api"
	"github.com/procscope/backend/internal/config"
	"github.com/procscope/backend/internal/engine"
)

func main() {
	// Optional .env for local development; absence is not an error.
	_ = godotenv.Load()

	log := newLogger(os.Getenv("LOG_LEVEL"))
	slog.SetDefault(log)

	cfg, err := config.Load(os.Getenv("PROCSCOPE_CONFIG"))
	if err != nil {
		log.Error("config load failed", "error", err)
		os.Exit(1)
	}

	eng := engine.New(cfg, nil, log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	scanDone := eng.Start(ctx)

	srv := api.NewServer(eng.Store, eng.Hub, eng.Facts, cfg.Server, nil, log)
	server := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      srv.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Info("http server listening", "addr", cfg.Server.Addr())
		serverErr <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		log.Info("shutdown signal received")
	case <-scanDone:
		log.Error("scan loop exited, shutting down")
	case err := <-serverErr:
		log.Error("http server failed", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn("http shutdown error", "error", err)
	}

	eng.Stop()
	log.Info("procscoped stopped")
}

// newLogger builds the process-wide JSON logger at the requested level.
func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}
