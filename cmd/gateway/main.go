package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/ai-gateway/chat-gateway/internal/config"
	"github.com/ai-gateway/chat-gateway/internal/conversation"
	"github.com/ai-gateway/chat-gateway/internal/logger"
	"github.com/ai-gateway/chat-gateway/internal/metrics"
	"github.com/ai-gateway/chat-gateway/internal/observability"
	"github.com/ai-gateway/chat-gateway/internal/server"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	printConfig := flag.Bool("print-config", false, "print the effective configuration (secrets masked) and exit")
	flag.Parse()

	store, err := config.NewStore()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	cfg := store.Current()

	if *printConfig {
		out, err := cfg.YAML()
		if err != nil {
			log.Fatalf("failed to render config: %v", err)
		}
		fmt.Print(string(out))
		return
	}

	lg, err := logger.Init(cfg.Log.Dir, cfg.Log.Level)
	if err != nil {
		log.Fatalf("failed to init logger: %v", err)
	}
	defer lg.Sync()

	if err := run(store, lg); err != nil {
		lg.Fatal("gateway stopped", zap.Error(err))
	}
}

func run(store *config.Store, lg *logger.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg := store.Current()

	store.Watch(func(path string, err error) {
		if err != nil {
			lg.Warn("config reload failed, keeping previous", zap.String("file", path), zap.Error(err))
			return
		}
		lg.SetLevel(store.Current().Log.Level)
		lg.Info("config reloaded", zap.String("file", path))
	})

	shutdownTracing, err := observability.Setup(ctx, cfg.TelemetryURL, server.ServiceName, version)
	if err != nil {
		return fmt.Errorf("tracing: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(sctx); err != nil {
			lg.Warn("tracing shutdown", zap.Error(err))
		}
	}()

	var conversations *conversation.Store
	if cfg.DatabasePath != "" {
		conversations, err = conversation.Open(cfg.DatabasePath)
		if err != nil {
			return fmt.Errorf("conversation store: %w", err)
		}
		defer conversations.Close()
	}

	srv := server.New(server.Options{
		Config:        store,
		Logger:        lg.Logger,
		Metrics:       metrics.New(),
		Conversations: conversations,
		Version:       version,
	})

	lg.Info("starting chat gateway",
		zap.String("version", version),
		zap.String("address", cfg.Address),
		zap.String("config_file", store.ConfigFileUsed()),
		zap.String("default_model", cfg.DefaultModel))

	return srv.Start(ctx, 10*time.Second)
}
