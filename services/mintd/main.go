package mintd

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"halloffame/native/mint"
	"halloffame/observability/logging"
	telemetry "halloffame/observability/otel"
	"halloffame/storage"
)

// Main initialises and runs the mint daemon.
func Main() error {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "services/mintd/config.yaml", "path to mintd configuration")
	flag.Parse()

	cfg, err := LoadConfig(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger, logCloser := logging.SetupWithOptions("mintd", cfg.Environment, logging.Options{Level: cfg.LogLevel, File: cfg.LogFile})
	defer logCloser.Close()

	shutdownTelemetry, err := telemetry.Init(context.Background(), cfg.Telemetry)
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() { _ = shutdownTelemetry(context.Background()) }()

	var db storage.Database
	if cfg.DataPath == "" {
		db = storage.NewMemDB()
	} else {
		ldb, err := storage.NewLevelDB(cfg.DataPath)
		if err != nil {
			return fmt.Errorf("open registry store: %w", err)
		}
		db = ldb
	}
	defer db.Close()

	registry, err := mint.NewRegistry(db, mint.Options{
		Owner:     cfg.Owner,
		Operators: cfg.Operators,
		MaxSupply: cfg.MaxSupply,
		Partial:   cfg.Partial,
	})
	if err != nil {
		return fmt.Errorf("open registry: %w", err)
	}

	server := NewServer(registry, cfg.Caller, cfg.APIToken, logger)
	httpServer := &http.Server{
		Addr:         cfg.ListenAddress,
		Handler:      server.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	stopCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errs := make(chan error, 1)
	go func() {
		logger.Info("mintd listening", "addr", cfg.ListenAddress, "max_supply", cfg.MaxSupply, "issued", registry.Issued())
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
