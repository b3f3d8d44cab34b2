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
	"time"

	"github.com/kueri/kueri/internal/api"
	"github.com/kueri/kueri/internal/auth"
	"github.com/kueri/kueri/internal/config"
	"github.com/kueri/kueri/internal/gateway"
	"github.com/kueri/kueri/internal/gateway/duckdb"
	"github.com/kueri/kueri/internal/gateway/postgres"
	"github.com/kueri/kueri/internal/observability"
	"github.com/kueri/kueri/internal/profile"
)

func main() {
	cfg, err := config.LoadFromEnv("kueri-gateway")
	if err != nil {
		slog.Error("failed to load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := observability.NewLogger(cfg, os.Stdout)

	profiles, err := profile.LoadFile(cfg.Profiles.Path)
	if err != nil {
		logger.Error("failed to load database profiles", slog.Any("error", err))
		os.Exit(1)
	}
	logger.Info("database profiles loaded", slog.Int("count", profiles.Len()))

	registry := gateway.NewRegistry(profiles, openExecutor(cfg), cfg.Databases.QueryTimeout)
	defer func() {
		if err := registry.Close(); err != nil {
			logger.Error("failed to close database connections", slog.Any("error", err))
		}
	}()

	deps := api.GatewayDependencies{
		Logger:            logger,
		Tools:             registry,
		Readiness:         registry.HealthCheck,
		DependencyTimeout: 5 * time.Second,
	}
	if cfg.Auth.Required {
		validator, err := auth.NewStaticAPIKeyValidator(cfg.Auth.StaticKeys)
		if err != nil {
			logger.Error("failed to parse static auth keys", slog.Any("error", err))
			os.Exit(1)
		}
		deps.AuthMiddleware = auth.Middleware(logger, validator)
	}

	handler := api.NewGatewayHandler(cfg, deps)
	server := &http.Server{
		Addr:         cfg.HTTP.Address,
		Handler:      handler,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		IdleTimeout:  cfg.HTTP.IdleTimeout,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		logger.Info("starting gateway server", slog.String("addr", cfg.HTTP.Address))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("gateway server failed", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	logger.Info("shutting down gateway server")
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", slog.Any("error", err))
		_ = server.Close()
		os.Exit(1)
	}
}

func openExecutor(cfg config.Config) gateway.OpenFunc {
	return func(ctx context.Context, p profile.DatabaseProfile) (gateway.Executor, error) {
		switch p.Driver {
		case profile.DriverPostgres:
			return postgres.Open(ctx, postgres.Config{
				DSN:             p.SecretRef,
				MaxOpenConns:    cfg.Databases.MaxOpenConns,
				MaxIdleConns:    cfg.Databases.MaxIdleConns,
				ConnMaxIdleTime: cfg.Databases.ConnMaxIdleTime,
				ConnMaxLifetime: cfg.Databases.ConnMaxLifetime,
			})
		case profile.DriverDuckDB:
			return duckdb.Open(ctx, p.SecretRef)
		default:
			return nil, fmt.Errorf("database %q: unsupported driver %q", p.Key, p.Driver)
		}
	}
}
