// Package main is the entry point for the service gateway. It loads
// configuration, builds the service registry and forwarder, starts the HTTP
// server, and handles graceful shutdown on SIGINT/SIGTERM.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/dskow/service-gateway/internal/config"
	"github.com/dskow/service-gateway/internal/logging"
	"github.com/dskow/service-gateway/internal/server"
)

func main() {
	configPath := flag.String("config", "configs/gateway.yaml", "path to configuration file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintln(os.Stderr, "gateway:", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return err
	}
	defer logger.Close()

	for _, w := range cfg.Warnings {
		logger.Warn("config warning", "message", w)
	}

	logger.Info("configuration loaded",
		"port", cfg.Server.Port,
		"services", len(cfg.Services),
		"log_level", cfg.Logging.Level,
		"metrics_enabled", cfg.Metrics.IsEnabled(),
		"metrics_path", cfg.Metrics.Path,
		"admin_enabled", cfg.Admin.Enabled,
		"max_body_bytes", cfg.Server.MaxBodyBytes,
		"forwarded_headers", cfg.Server.ForwardedHeaders,
	)

	reloader := config.NewReloader(configPath, cfg, logger.Logger)

	gw, err := server.New(cfg, reloader, logger.Logger)
	if err != nil {
		return err
	}
	gw.LogRoutes()

	// Only the log level is applied live; service changes need a restart.
	reloader.OnReload(func(newCfg *config.Config) {
		logger.SetLevel(newCfg.Logging.Level)
	})
	if err := reloader.Start(); err != nil {
		logger.Warn("config hot reload disabled", "error", err)
	}
	defer reloader.Stop()

	srv := gw.HTTPServer()
	errCh := make(chan error, 1)
	go func() {
		logger.Info("gateway listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case sig := <-quit:
		logger.Info("shutdown signal received", "signal", sig.String())
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	logger.Info("draining in-flight requests", "timeout", cfg.Server.ShutdownTimeout)
	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("forced shutdown: %w", err)
	}

	logger.Info("gateway stopped gracefully")
	return nil
}
