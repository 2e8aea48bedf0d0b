package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/ent0n29/naturalstream/internal/app"
	"github.com/ent0n29/naturalstream/internal/config"
	"github.com/ent0n29/naturalstream/internal/logx"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logx.Fatal().Err(err).Msg("config error")
	}
	logx.Init(logx.Options{Environment: cfg.Environment, Level: cfg.LogLevel})

	runCtx, runCancel := context.WithCancel(context.Background())
	defer runCancel()

	built, err := app.Build(runCtx, cfg)
	if err != nil {
		logx.Fatal().Err(err).Msg("build failed")
	}
	defer func() {
		if err := built.Cleanup(); err != nil {
			logx.Warn().Err(err).Msg("cleanup failed")
		}
	}()

	logx.Info().
		Str("delivery_mode", cfg.DeliveryMode).
		Str("reasoning_mode", cfg.ReasoningMode).
		Str("fallback", cfg.FallbackBehavior).
		Int("max_concurrent_turns", cfg.MaxConcurrent).
		Msg("fusion service configured")

	httpServer := &http.Server{
		Addr:    cfg.BindAddr,
		Handler: built.API.Router(),
	}

	serveErr := make(chan error, 1)
	go func() {
		logx.Info().Str("addr", cfg.BindAddr).Msg("server listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sigCh:
		logx.Info().Msg("shutdown signal received")
	case err := <-serveErr:
		logx.Error().Err(err).Msg("listen error")
	}

	runCancel()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logx.Warn().Err(err).Msg("graceful shutdown failed")
		_ = httpServer.Close()
	}

	logx.Info().Msg("shutdown complete")
}
