package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"orderdesk/internal/config"
	httpapi "orderdesk/internal/http"
	"orderdesk/internal/repository"
	"orderdesk/internal/service"

	_ "orderdesk/docs"
)

// @title Order Desk API
// @version 1.0
// @description Order items with row-locked stock accounting.
// @host localhost:9091
// @BasePath /api
func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	logger := cfg.NewLogger()
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx := context.Background()

	store, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	if cfg.SeedDemoData {
		demo, err := service.NewCatalogService(store).SeedDemo(ctx)
		if err != nil {
			return fmt.Errorf("seed demo data: %w", err)
		}
		if demo != nil {
			logger.Info("demo data seeded", "order_id", demo.Order.ID, "product_id", demo.Product.ID)
		}
	}

	srv := httpapi.NewServer(store, logger)
	httpServer := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: srv.Engine(),
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("HTTP server listening", "addr", httpServer.Addr, "driver", cfg.DatabaseDriver)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "error", err)
	}
	return nil
}

func openStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (repository.Store, error) {
	opts := repository.SQLOptions{LockTimeout: cfg.LockTimeout, Echo: cfg.DBEcho, Logger: logger}
	switch cfg.DatabaseDriver {
	case config.DriverMemory:
		return repository.NewMemoryStore(repository.WithMemoryLockTimeout(cfg.LockTimeout)), nil
	case config.DriverPostgres:
		return repository.OpenPostgres(ctx, cfg.DatabaseURL, opts)
	default:
		logger.Info("sqlite", "path", cfg.DatabaseURL, "build", repository.SQLiteBuildMode)
		return repository.OpenSQLite(ctx, cfg.DatabaseURL, opts)
	}
}
