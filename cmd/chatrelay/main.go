package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	chatcore "github.com/tjfontaine/chatrelay/internal/chat"
	"github.com/tjfontaine/chatrelay/internal/config"
	"github.com/tjfontaine/chatrelay/internal/controlplane"
	chatfrontdoor "github.com/tjfontaine/chatrelay/internal/frontdoor/chat"
	anthropicprovider "github.com/tjfontaine/chatrelay/internal/provider/anthropic"
	"github.com/tjfontaine/chatrelay/internal/server"
	"github.com/tjfontaine/chatrelay/internal/storage"
	"github.com/tjfontaine/chatrelay/internal/storage/memory"
	"github.com/tjfontaine/chatrelay/internal/storage/sqlite"
	"github.com/tjfontaine/chatrelay/internal/telemetry"
	"github.com/tjfontaine/chatrelay/internal/tokens"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the config file")
	flag.Parse()

	// Load .env file if it exists
	_ = godotenv.Load()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	shutdownTracer, err := telemetry.InitTracer(telemetry.Options{
		ServiceName: "chatrelay",
		Enabled:     cfg.Telemetry.Enabled,
	}, logger)
	if err != nil {
		log.Fatalf("Failed to initialize tracer: %v", err)
	}
	defer func() {
		if err := shutdownTracer(context.Background()); err != nil {
			logger.Error("failed to shutdown tracer", slog.String("error", err.Error()))
		}
	}()

	store, err := openStore(cfg.Storage)
	if err != nil {
		log.Fatalf("Failed to open storage: %v", err)
	}
	if store != nil {
		defer store.Close()
	}

	if cfg.Anthropic.APIKey == "" && !cfg.Anthropic.AllowRequestKey {
		logger.Warn("ANTHROPIC_API_KEY is not configured; chat requests will fail")
	}

	newProvider := func(apiKey string) chatcore.Provider {
		opts := []anthropicprovider.ProviderOption{
			anthropicprovider.WithBetaFeatures(cfg.Anthropic.Beta),
			anthropicprovider.WithSystemPrompt(cfg.Chat.SystemPrompt),
		}
		if cfg.Anthropic.BaseURL != "" {
			opts = append(opts, anthropicprovider.WithBaseURL(cfg.Anthropic.BaseURL))
		}
		return anthropicprovider.New(apiKey, opts...)
	}

	handler := chatfrontdoor.NewHandler(newProvider,
		chatfrontdoor.WithAPIKey(cfg.Anthropic.APIKey),
		chatfrontdoor.WithStore(store),
		chatfrontdoor.WithLogger(logger),
		chatfrontdoor.WithModel(cfg.Anthropic.Model),
		chatfrontdoor.WithRunnerOptions(
			chatcore.WithMaxTokens(cfg.Anthropic.MaxTokens),
			chatcore.WithMaxSegments(cfg.Chat.MaxSegments),
			chatcore.WithTokenCounter(tokens.NewEstimator()),
		),
	)

	srv := server.New(server.Options{
		Port:            cfg.Server.Port,
		RequestTimeout:  cfg.Server.RequestTimeout,
		RateLimitRPS:    cfg.Server.RateLimit.RPS,
		RateLimitBurst:  cfg.Server.RateLimit.Burst,
		AllowRequestKey: cfg.Anthropic.AllowRequestKey,
	}, logger)
	handler.Mount(srv.Router)
	controlplane.NewServer(handler.Active).Mount(srv.Router)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	logger.Info("chatrelay started",
		slog.String("model", cfg.Anthropic.Model),
		slog.Int("max_tokens", cfg.Anthropic.MaxTokens),
		slog.Int("max_segments", cfg.Chat.MaxSegments),
		slog.String("storage", cfg.Storage.Type),
	)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if err != nil {
			logger.Error("server failed", slog.String("error", err.Error()))
			os.Exit(1)
		}
		return
	case <-sigChan:
	}

	logger.Info("Shutdown signal received, stopping server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", slog.String("error", err.Error()))
	}

	logger.Info("Server shutdown complete")
}

func openStore(cfg config.StorageConfig) (storage.ConversationStore, error) {
	switch cfg.Type {
	case "none":
		return nil, nil
	case "memory":
		return memory.New(memory.WithMaxConversations(cfg.Memory.MaxConversations)), nil
	case "sqlite":
		if err := os.MkdirAll(filepath.Dir(cfg.SQLite.Path), 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
		store, err := sqlite.New(cfg.SQLite.Path)
		if err != nil {
			return nil, err
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unknown storage type %q", cfg.Type)
	}
}
