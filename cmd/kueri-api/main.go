package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kueri/kueri/internal/agent"
	"github.com/kueri/kueri/internal/api"
	"github.com/kueri/kueri/internal/auth"
	"github.com/kueri/kueri/internal/config"
	"github.com/kueri/kueri/internal/gateway"
	"github.com/kueri/kueri/internal/guard"
	"github.com/kueri/kueri/internal/llm"
	"github.com/kueri/kueri/internal/observability"
	"github.com/kueri/kueri/internal/profile"
	"github.com/kueri/kueri/internal/resolver"
	"github.com/kueri/kueri/internal/synth"
)

func main() {
	cfg, err := config.LoadFromEnv("kueri-api")
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

	gatewayClient, err := gateway.NewClient(gateway.ClientConfig{
		BaseURL:     cfg.Gateway.BaseURL,
		APIKey:      cfg.Gateway.APIKey,
		CallTimeout: cfg.Gateway.CallTimeout,
	})
	if err != nil {
		logger.Error("failed to build gateway client", slog.Any("error", err))
		os.Exit(1)
	}

	aiClient, err := llm.NewOpenAIClient(llm.OpenAIConfig{
		BaseURL:     cfg.AI.BaseURL,
		APIKey:      cfg.AI.APIKey,
		Model:       cfg.AI.Model,
		Temperature: cfg.AI.Temperature,
		Timeout:     cfg.AI.Timeout,
	})
	if err != nil {
		logger.Error("failed to build language model client", slog.Any("error", err))
		os.Exit(1)
	}

	manager := agent.NewManager(
		agent.Config{
			MaxAttempts:     cfg.Agent.MaxAttempts,
			MaxSchemaRounds: cfg.Agent.MaxSchemaRounds,
			TurnTimeout:     cfg.Agent.TurnTimeout,
			MaxRows:         cfg.Agent.MaxRows,
		},
		agent.Dependencies{
			Profiles: profiles,
			Resolver: resolver.New(profiles, resolver.Config{
				MinScore:        cfg.Resolver.MinScore,
				AmbiguityMargin: cfg.Resolver.AmbiguityMargin,
				StickyBonus:     cfg.Resolver.StickyBonus,
			}),
			Gateway:     gatewayClient,
			Synthesizer: synth.New(aiClient),
			Guard:       guard.New(gatewayClient, cfg.Agent.MaxRows),
			Answerer:    aiClient,
			Logger:      logger,
		},
	)

	deps := api.Dependencies{
		Logger:   logger,
		Sessions: manager,
		Profiles: profiles,
		Readiness: api.CombineReadinessChecks(
			api.CheckProfilesLoaded(profiles),
			api.CheckGatewayConfig(cfg),
		),
		DependencyTimeout: time.Second,
	}
	if cfg.Auth.Required {
		validator, err := auth.NewStaticAPIKeyValidator(cfg.Auth.StaticKeys)
		if err != nil {
			logger.Error("failed to parse static auth keys", slog.Any("error", err))
			os.Exit(1)
		}
		deps.AuthMiddleware = auth.Middleware(logger, validator)
	}

	handler := api.NewHandler(cfg, deps)
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
		logger.Info("starting api server", slog.String("addr", cfg.HTTP.Address))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("api server failed", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	logger.Info("shutting down api server")
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", slog.Any("error", err))
		_ = server.Close()
		os.Exit(1)
	}
}
