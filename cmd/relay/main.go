package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/tjfontaine/agent-relay/internal/api/orchestrate"
	"github.com/tjfontaine/agent-relay/internal/config"
	"github.com/tjfontaine/agent-relay/internal/credential"
	"github.com/tjfontaine/agent-relay/internal/frontdoor/chat"
	"github.com/tjfontaine/agent-relay/internal/relay"
	"github.com/tjfontaine/agent-relay/internal/server"
	"github.com/tjfontaine/agent-relay/internal/storage"
	"github.com/tjfontaine/agent-relay/internal/storage/memory"
	"github.com/tjfontaine/agent-relay/internal/storage/sqlite"
	"github.com/tjfontaine/agent-relay/internal/telemetry"
	"github.com/tjfontaine/agent-relay/internal/tokens"
)

func main() {
	// Load .env file if it exists
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid config: %v", err)
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Log.Level)); err != nil {
		log.Fatalf("Invalid log level %q: %v", cfg.Log.Level, err)
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	if cfg.Telemetry.Enabled {
		shutdown, err := telemetry.InitTracer(telemetry.Options{ServiceName: cfg.Telemetry.ServiceName}, logger)
		if err != nil {
			log.Fatalf("Failed to initialize tracer: %v", err)
		}
		defer func() {
			if err := shutdown(context.Background()); err != nil {
				logger.Error("failed to shutdown tracer", slog.String("error", err.Error()))
			}
		}()
	}

	runs, err := openRunStore(cfg.Storage)
	if err != nil {
		log.Fatalf("Failed to open run journal: %v", err)
	}
	if runs != nil {
		defer runs.Close()
	}

	credentials := credential.NewManager(
		credential.NewIAMExchanger(cfg.IAM.APIKey,
			credential.WithIAMURL(cfg.IAM.URL),
			credential.WithHTTPClient(&http.Client{
				Transport: otelhttp.NewTransport(http.DefaultTransport),
				Timeout:   config.Seconds(cfg.IAM.Timeout),
			}),
		),
		credential.WithRefreshMargin(config.Seconds(cfg.IAM.RefreshMargin)),
		credential.WithExchangeTimeout(config.Seconds(cfg.IAM.Timeout)),
		credential.WithLogger(logger),
	)

	upstream := orchestrate.NewClient(cfg.Upstream.BaseURL, cfg.Upstream.AgentID,
		orchestrate.WithHTTPClient(orchestrate.NewHTTPClient(
			config.Seconds(cfg.Upstream.ConnectTimeout),
			config.Seconds(cfg.Upstream.StreamTimeout),
		)),
		orchestrate.WithPollTimeout(config.Seconds(cfg.Upstream.PollTimeout)),
	)

	detector := relay.NewPhraseDetector(relay.DefaultFlowIndicators...)
	if len(cfg.Flow.Indicators) > 0 {
		detector = relay.NewPhraseDetector(cfg.Flow.Indicators...)
	}

	opts := []relay.Option{
		relay.WithFlowDetector(detector),
		relay.WithPollerConfig(relay.PollerConfig{
			MaxWait:        config.Seconds(cfg.Flow.MaxWait),
			Interval:       config.Seconds(cfg.Flow.PollInterval),
			HeartbeatEvery: config.Seconds(cfg.Flow.HeartbeatEvery),
		}),
		relay.WithStreamIdleTimeout(config.Seconds(cfg.Upstream.StreamTimeout)),
		relay.WithTokenCounter(tokens.NewTiktokenCounter(logger)),
		relay.WithRequestID(server.GetRequestID),
		relay.WithLogger(logger),
	}
	if runs != nil {
		opts = append(opts, relay.WithRunStore(runs))
	}
	orchestrator := relay.New(credentials, upstream, opts...)

	handlerOpts := []chat.HandlerOption{chat.WithLogger(logger)}
	if runs != nil {
		handlerOpts = append(handlerOpts, chat.WithRunStore(runs))
	}

	srv := server.New(server.Options{
		Port:           cfg.Server.Port,
		RequestTimeout: config.Seconds(cfg.Server.RequestTimeout),
		Logger:         logger,
		ServiceName:    cfg.Telemetry.ServiceName,
		AllowedOrigins: cfg.Server.Origins(),
	})
	chat.NewHandler(orchestrator, handlerOpts...).Mount(srv.Router)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	logger.Info("relay started",
		slog.String("upstream", cfg.Upstream.BaseURL),
		slog.String("agent_id", cfg.Upstream.AgentID),
		slog.String("storage", cfg.Storage.Type),
		slog.Int("flow_max_wait_s", cfg.Flow.MaxWait),
	)

	// Wait for shutdown signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	select {
	case <-sigChan:
		logger.Info("shutdown signal received, stopping relay")
	case err := <-errCh:
		if err != nil {
			logger.Error("server failed", slog.String("error", err.Error()))
			os.Exit(1)
		}
	}

	// Graceful shutdown
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", slog.String("error", err.Error()))
	}
	logger.Info("relay shutdown complete")
}

// openRunStore returns nil when the journal is disabled.
func openRunStore(cfg config.StorageConfig) (storage.RunStore, error) {
	switch cfg.Type {
	case "memory":
		return memory.New(), nil
	case "sqlite":
		return sqlite.New(cfg.SQLite.Path)
	case "none":
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown storage type %q", cfg.Type)
	}
}
