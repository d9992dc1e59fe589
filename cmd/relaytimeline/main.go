package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/agentworkforce/relaytimeline/internal/config"
	"github.com/agentworkforce/relaytimeline/internal/envelope"
	"github.com/agentworkforce/relaytimeline/internal/httpapi"
	"github.com/agentworkforce/relaytimeline/internal/telemetry"
	"github.com/agentworkforce/relaytimeline/internal/timeline"
)

const serviceName = "relaytimeline"

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	logger, err := telemetry.NewLogger(telemetry.LoggerConfig{
		Level:     cfg.LogLevel,
		Format:    cfg.LogFormat,
		Output:    os.Stderr,
		Component: serviceName,
	})
	if err != nil {
		log.Fatalf("failed to build logger: %v", err)
	}
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("relaytimeline stopped", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	shutdownTracing, err := telemetry.Setup(ctx, serviceName, cfg.OTelEndpoint)
	if err != nil {
		return fmt.Errorf("tracing: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := shutdownTracing(shutdownCtx); err != nil {
			logger.Warn("tracing shutdown failed", "error", err)
		}
	}()

	handler, backend, err := buildHandler(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer backend.Close()

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("relaytimeline listening", "addr", cfg.Addr, "backend", backend.Name())
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("server failed: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	logger.Info("relaytimeline shutting down")
	return srv.Shutdown(shutdownCtx)
}

// buildHandler wires storage, encryption, the stream hub and the HTTP API.
// The returned backend must be closed by the caller.
func buildHandler(ctx context.Context, cfg config.Config, logger *slog.Logger) (http.Handler, timeline.Backend, error) {
	dsn, err := cfg.ResolveBackendDSN()
	if err != nil {
		return nil, nil, err
	}
	backend, err := timeline.BuildBackendFromDSN(dsn)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize storage backend: %w", err)
	}

	if cfg.JWTSecret == "" {
		logger.Warn("no jwt secret configured; using the development secret for the in-memory backend")
	}
	sealer := envelope.NewService(buildKeySource(ctx, cfg, logger))
	hub := httpapi.NewStreamHub(cfg.StreamBuffer, logger)
	svc := timeline.NewService(backend, sealer, timeline.ServiceOptions{
		Logger:       logger,
		ReplyLockTTL: cfg.ReplyLockTTL,
		OnAppend:     hub.Publish,
	})
	server, err := httpapi.NewServer(svc, hub, httpapi.ServerConfig{
		JWTSecret:        cfg.JWTSecret,
		RateLimitMax:     cfg.RateLimitMax,
		RateLimitWindow:  cfg.RateLimitWindow,
		MaxBodyBytes:     cfg.MaxBodyBytes,
		StreamPingPeriod: cfg.StreamPingPeriod,
		Logger:           logger,
	})
	if err != nil {
		_ = backend.Close()
		return nil, nil, err
	}
	return server, backend, nil
}

// buildKeySource prefers a watched key file over the environment variable and
// adds configured retired keys so data sealed before a rotation stays
// readable. A missing key only fails the first seal or open, so the server
// still starts and reports config_error on affected requests.
func buildKeySource(ctx context.Context, cfg config.Config, logger *slog.Logger) envelope.KeySource {
	var current envelope.KeySource
	if cfg.KEKFile == "" {
		current = envelope.EnvKeySource(config.KEKEnvVar)
	} else {
		source := envelope.NewFileKeySource(cfg.KEKFile, logger)
		if _, err := source.WrappingKey(); err != nil {
			logger.Error("wrapping key unavailable", "path", cfg.KEKFile, "error", err)
		}
		go func() {
			if err := source.Watch(ctx); err != nil {
				logger.Error("wrapping key watcher stopped", "error", err)
			}
		}()
		current = source
	}
	retired := make([]envelope.KeySource, 0, len(cfg.RetiredKEKs))
	for _, encoded := range cfg.RetiredKEKs {
		if strings.TrimSpace(encoded) == "" {
			continue
		}
		retired = append(retired, envelope.StaticKeySource(encoded))
	}
	return envelope.NewKeyring(current, retired...)
}
