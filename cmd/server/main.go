package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"sessionhub/internal/config"
	"sessionhub/internal/hub"
	"sessionhub/internal/realtime"
	"sessionhub/internal/runtime"
	"sessionhub/internal/store"
)

func main() {
	if err := run(); err != nil {
		slog.Error("server exited", "error", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "", "path to YAML config file")
	debug := flag.Bool("debug", false, "enable debug logging")
	flag.Parse()

	level := slog.LevelInfo
	if *debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	st, err := store.Open(store.Config{
		Path:   cfg.DBPath,
		Logger: logger,
	})
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}

	launcher := &runtime.CLILauncher{
		Command: cfg.Agent.Command,
		Args:    cfg.Agent.Args,
		Logger:  logger,
	}

	var rtServer *realtime.Server
	h := hub.New(hub.Options{
		Store:            st,
		Launcher:         launcher,
		Logger:           logger,
		MaxSessions:      cfg.MaxSessions,
		EventLogCapacity: cfg.EventLogCapacity,
		InboxCapacity:    cfg.InboxCapacity,
		SubscriberBuffer: cfg.SubscriberBuffer,
		GracePeriod:      cfg.GracePeriod,
		OnListChanged: func() {
			if rtServer != nil {
				rtServer.BroadcastList()
			}
		},
	})
	rtServer = realtime.New(h, cfg.StaticDir, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := h.Restore(ctx); err != nil {
		return fmt.Errorf("restore sessions: %w", err)
	}

	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: rtServer.Handler(),
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server listening", "port", cfg.Port)
		if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", "error", err)
	}
	if err := h.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("hub shutdown: %w", err)
	}
	return nil
}
