package saled

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"halloffame/observability/logging"
	telemetry "halloffame/observability/otel"
)

// Main initialises and runs the sale daemon.
func Main() error {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "services/saled/config.yaml", "path to saled configuration")
	flag.Parse()

	cfg, err := LoadConfig(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger, logCloser := logging.SetupWithOptions("saled", cfg.Environment, logging.Options{
		Level: cfg.Logging.Level,
		File:  cfg.Logging.File,
	})
	defer logCloser.Close()

	shutdownTelemetry, err := telemetry.Init(context.Background(), cfg.Telemetry)
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() { _ = shutdownTelemetry(context.Background()) }()

	app, err := Build(cfg, logger)
	if err != nil {
		return fmt.Errorf("build: %w", err)
	}
	defer func() {
		if err := app.Close(); err != nil {
			logger.Error("close", "error", err)
		}
	}()

	httpServer := &http.Server{
		Addr:         cfg.ListenAddress,
		Handler:      app.Server.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: cfg.WaitTimeout.Duration + 15*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	stopCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errs := make(chan error, 1)
	go func() {
		logger.Info("saled listening", "addr", cfg.ListenAddress)
		errs <- httpServer.ListenAndServe()
	}()

	select {
	case <-stopCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			_ = httpServer.Close()
			return err
		}
		return nil
	case err := <-errs:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}
