// Package main is the relay CLI: a multi-tenant reverse proxy for an
// LLM messages API.
//
// Start the proxy:
//
//	relay serve --config relay.yaml
//
// Validate a configuration without starting:
//
//	relay check-config --config relay.yaml
//
// Print an OAuth authorization URL for onboarding a tenant:
//
//	relay auth-url
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/haasonsaas/relay/internal/config"
	"github.com/haasonsaas/relay/internal/conversation"
	"github.com/haasonsaas/relay/internal/credentials"
	"github.com/haasonsaas/relay/internal/dispatch"
	"github.com/haasonsaas/relay/internal/infra"
	"github.com/haasonsaas/relay/internal/observability"
	"github.com/haasonsaas/relay/internal/proxy"
	"github.com/haasonsaas/relay/internal/server"
	"github.com/haasonsaas/relay/internal/storage"
	"github.com/haasonsaas/relay/internal/upstream"
)

// Build information, populated by ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

var configPath string

func main() {
	root := &cobra.Command{
		Use:           "relay",
		Short:         "Multi-tenant reverse proxy for an LLM messages API",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", defaultConfigPath(), "path to configuration file")

	root.AddCommand(serveCmd(), versionCmd(), checkConfigCmd(), authURLCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func defaultConfigPath() string {
	if path := os.Getenv(config.EnvConfigPath); path != "" {
		return path
	}
	return "relay.yaml"
}

func loadConfig() (*config.Config, error) {
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return config.Default(), nil
	}
	return config.Load(configPath)
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the relay proxy",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			return runServe(ctx, cfg)
		},
	}
}

func runServe(ctx context.Context, cfg *config.Config) error {
	logger := observability.NewLogger(observability.LogConfig{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
	slog.SetDefault(logger)

	metrics := observability.NewMetrics(nil)

	tracer, shutdownTracer := observability.NewTracer(observability.TraceConfig{
		ServiceVersion: version,
		Environment:    cfg.Tracing.Environment,
		Endpoint:       cfg.Tracing.Endpoint,
		SamplingRate:   cfg.Tracing.SamplingRate,
		Insecure:       cfg.Tracing.Insecure,
	})
	defer func() {
		if err := shutdownTracer(context.Background()); err != nil {
			logger.Warn("tracer shutdown failed", "error", err)
		}
	}()

	store, err := storage.Open(cfg.Storage.Path, storage.Options{
		SlowQueryThreshold: cfg.Storage.SlowQueryThreshold,
		Debug:              cfg.Storage.Debug,
	}, logger)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer store.Close()

	refresher := credentials.NewRefresher(nil, "")
	creds := credentials.NewManager(
		credentials.NewStore(cfg.Credentials.Dir),
		refresher.Refresh,
		credentials.ManagerConfig{
			CacheTTL:      cfg.Credentials.CacheTTL,
			CacheMaxSize:  cfg.Credentials.CacheMaxSize,
			DefaultAPIKey: cfg.Credentials.DefaultAPIKey,
		},
		logger,
	)

	if cfg.Credentials.Watch {
		watcher := credentials.NewWatcher(creds, logger)
		if err := watcher.Start(ctx); err != nil {
			logger.Warn("credential watcher failed to start", "error", err)
		} else {
			defer watcher.Close()
		}
	}

	var telemetry *dispatch.Telemetry
	if cfg.Telemetry.Enabled && cfg.Telemetry.Endpoint != "" {
		telemetry = dispatch.NewTelemetry(cfg.Telemetry.Endpoint, logger)
	}

	tracker := dispatch.NewTokenTracker()
	dispatcher := dispatch.NewDispatcher(
		store,
		tracker,
		dispatch.NewNotifier(logger, metrics),
		telemetry,
		metrics,
		logger,
	)

	client := upstream.NewClient(upstream.Config{
		BaseURL:    cfg.Upstream.BaseURL,
		APIVersion: cfg.Upstream.APIVersion,
		Deadline:   cfg.Upstream.Deadline,
	}, logger)

	orch := proxy.NewOrchestrator(proxy.Options{
		Linker: conversation.NewLinker(store.Executors(), logger),
		Creds:  creds,
		Client: client,
		Breakers: infra.NewCircuitBreakerRegistry(infra.CircuitBreakerConfig{
			FailureThreshold:         cfg.Circuit.FailureThreshold,
			ErrorThresholdPercentage: cfg.Circuit.ErrorThresholdPercentage,
			VolumeThreshold:          cfg.Circuit.VolumeThreshold,
			Window:                   cfg.Circuit.Window,
			SuccessThreshold:         cfg.Circuit.SuccessThreshold,
			Timeout:                  cfg.Circuit.Timeout,
			IsFailure:                upstream.IsTripWorthy,
			OnStateChange: func(name, from, to string) {
				logger.Warn("circuit breaker state change", "upstream", name, "from", from, "to", to)
			},
		}),
		Retry: infra.RetryConfig{
			MaxAttempts:  cfg.Retry.MaxAttempts,
			InitialDelay: cfg.Retry.InitialDelay,
			MaxDelay:     cfg.Retry.MaxDelay,
			Factor:       cfg.Retry.Factor,
			Jitter:       true,
			Timeout:      cfg.Retry.Timeout,
			Retryable:    upstream.IsRetryable,
		},
		Dispatcher: dispatcher,
		Metrics:    metrics,
		Tracer:     tracer,
		Logger:     logger,
	})

	srv := server.New(server.Options{
		Config:  server.Config{Host: cfg.Server.Host, Port: cfg.Server.Port},
		Orch:    orch,
		Tracker: tracker,
		Metrics: metrics,
		Logger:  logger,
	})

	logger.Info("relay starting",
		"version", version,
		"upstream", cfg.Upstream.BaseURL,
		"credentials_dir", cfg.Credentials.Dir,
		"storage", cfg.Storage.Path,
	)
	return srv.Start(ctx)
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("relay %s (commit %s, built %s)\n", version, commit, date)
		},
	}
}

func checkConfigCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check-config",
		Short: "Validate the configuration and credentials directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			entries, err := os.ReadDir(cfg.Credentials.Dir)
			if err != nil {
				return fmt.Errorf("reading credentials dir: %w", err)
			}
			store := credentials.NewStore(cfg.Credentials.Dir)
			domains := 0
			for _, entry := range entries {
				domain, ok := credentials.DomainFromPath(entry.Name())
				if !ok {
					continue
				}
				if _, _, err := store.Load(domain); err != nil {
					return fmt.Errorf("credential file for %s: %w", domain, err)
				}
				domains++
			}

			fmt.Printf("config ok: upstream %s, %d tenant credential file(s)\n", cfg.Upstream.BaseURL, domains)
			return nil
		},
	}
}

func authURLCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "auth-url",
		Short: "Print an OAuth authorization URL for tenant onboarding",
		RunE: func(cmd *cobra.Command, args []string) error {
			url, verifier, err := credentials.GenerateAuthURL()
			if err != nil {
				return err
			}
			fmt.Println("Open the following URL to authorize:")
			fmt.Println(url)
			fmt.Println()
			fmt.Println("PKCE verifier (needed for the token exchange):")
			fmt.Println(verifier)
			return nil
		},
	}
}
