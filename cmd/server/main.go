// cmd/server/main.go
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/valpere/crawlguard/internal/config"
	"github.com/valpere/crawlguard/internal/scraper"
	"github.com/valpere/crawlguard/internal/utils"
	"github.com/valpere/crawlguard/pkg/api"
)

var version = "dev"

var logger = utils.NewComponentLogger("server")

// configPath picks the configuration file from the first argument or
// CRAWLGUARD_CONFIG. Empty means built-in defaults.
func configPath(args []string) string {
	if len(args) > 0 {
		return args[0]
	}
	return os.Getenv("CRAWLGUARD_CONFIG")
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.Default(), nil
	}
	return config.LoadFromFile(path)
}

// newHTTPServer builds the API server from configuration.
func newHTTPServer(cfg *config.Config, rt *scraper.Runtime) *http.Server {
	handler := api.NewServer(rt, api.Options{
		RequestsPerSecond: cfg.Server.RequestsPerSecond,
		Burst:             cfg.Server.Burst,
	})
	return &http.Server{
		Addr:              cfg.Server.Address,
		Handler:           handler,
		ReadTimeout:       cfg.Server.ReadTimeout,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      cfg.Server.WriteTimeout,
	}
}

func run(ctx context.Context, path string) error {
	cfg, err := loadConfig(path)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if err := utils.ConfigureLogging(cfg.Logging.Level, cfg.Logging.Format, os.Stderr); err != nil {
		return err
	}
	for _, w := range cfg.ValidateDetailed().Warnings {
		logger.Warn(w)
	}

	rt, err := scraper.Build(ctx, cfg, version)
	if err != nil {
		return fmt.Errorf("failed to build engine: %w", err)
	}
	defer rt.Close()

	if path != "" {
		if err := rt.Watch(path); err != nil {
			logger.Warnf("config reload disabled: %v", err)
		}
	}

	rt.Engine.Start()
	defer rt.Engine.Stop()

	// a separate metrics listener only when it differs from the API address
	if addr := cfg.Metrics.ListenAddress; addr != "" && addr != cfg.Server.Address {
		go func() {
			if err := rt.Metrics.StartMetricsServer(ctx); err != nil {
				logger.Errorf("metrics server: %v", err)
			}
		}()
	}

	srv := newHTTPServer(cfg, rt)
	errCh := make(chan error, 1)
	go func() {
		logger.Infof("API listening on %s", cfg.Server.Address)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("graceful shutdown failed: %w", err)
	}
	return nil
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, configPath(os.Args[1:])); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
