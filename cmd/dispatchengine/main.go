// Package main provides the dispatchengine binary entry point.
// Dispatchengine is an asynchronous request orchestration service:
// it accepts AI work requests over HTTP, queues them per provider
// under rate limits, grades the results, and fans lifecycle events
// out to webhook subscribers.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"
	"time"

	"github.com/c360studio/semstreams/component"
	ssconfig "github.com/c360studio/semstreams/config"
	"github.com/c360studio/semstreams/natsclient"
	"github.com/spf13/cobra"

	"github.com/c360studio/dispatchengine/config"
	"github.com/c360studio/dispatchengine/event"
	"github.com/c360studio/dispatchengine/processor/activity"
	"github.com/c360studio/dispatchengine/processor/delivery"
	"github.com/c360studio/dispatchengine/processor/dispatcher"
	"github.com/c360studio/dispatchengine/processor/intake"
	"github.com/c360studio/dispatchengine/processor/notifier"
	"github.com/c360studio/dispatchengine/request"
	"github.com/c360studio/dispatchengine/router"
)

const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "dispatchengine"
)

func main() {
	// Add panic recovery
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var (
		configPath string
		httpAddr   string
		logLevel   string
	)

	cmd := &cobra.Command{
		Use:   "dispatchengine",
		Short: "Asynchronous AI request orchestration service",
		Long: `Dispatchengine orchestrates asynchronous AI work requests.

It provides:
- HTTP intake with task classification and provider routing
- Per-provider priority queues under rate and concurrency limits
- Result grading with auto-approve, auto-reject, and manual review
- An append-only event log with an activity feed projection
- Signed webhook fan-out with bounded retry

All components communicate via NATS using the semstreams framework.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(configPath, httpAddr, logLevel)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Config file path (YAML)")
	cmd.Flags().StringVar(&httpAddr, "http-addr", ":8080", "HTTP listen address")
	cmd.Flags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")

	// Version command
	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("%s version %s (build: %s)\n", appName, Version, BuildTime)
		},
	})

	return cmd
}

func run(configPath, httpAddr, logLevel string) error {
	printBanner()

	// Configure logging
	level := slog.LevelInfo
	switch strings.ToLower(logLevel) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	// Load configuration
	cfg, err := loadConfig(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	// Connect to NATS
	ctx := context.Background()
	natsClient, err := connectToNATS(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer natsClient.Close(ctx)

	// Ensure JetStream streams exist
	if err := ensureStreams(ctx, natsClient, logger); err != nil {
		return err
	}

	// Register component factories for discovery
	componentRegistry := component.NewRegistry()
	if err := registerComponents(componentRegistry); err != nil {
		return err
	}
	factories := componentRegistry.ListFactories()
	slog.Info("Component factories registered", "count", len(factories))

	deps := component.Dependencies{
		NATSClient: natsClient,
		Logger:     logger,
	}

	// Create components. Activity comes first so the event tracker is
	// global before anything records, and dispatcher before intake so
	// submissions find a live engine.
	activityComp, err := newComponent(activity.NewComponent, map[string]any{}, deps)
	if err != nil {
		return fmt.Errorf("create activity: %w", err)
	}
	dispatcherComp, err := newComponent(dispatcher.NewComponent, map[string]any{
		"max_retries":        cfg.Router.MaxRetries,
		"tick_interval_ms":   int(cfg.Router.TickInterval / time.Millisecond),
		"adapter_timeout_ms": int(cfg.Router.AdapterTimeout / time.Millisecond),
		"providers":          cfg.Providers,
	}, deps)
	if err != nil {
		return fmt.Errorf("create dispatcher: %w", err)
	}
	intakeComp, err := newComponent(intake.NewComponent, map[string]any{}, deps)
	if err != nil {
		return fmt.Errorf("create intake: %w", err)
	}
	deliveryComp, err := newComponent(delivery.NewComponent, map[string]any{
		"approve_above": cfg.Quality.ApproveAbove,
		"reject_below":  cfg.Quality.RejectBelow,
	}, deps)
	if err != nil {
		return fmt.Errorf("create delivery: %w", err)
	}
	notifierComp, err := newComponent(notifier.NewComponent, map[string]any{
		"initial_delay_ms":   int(cfg.Webhooks.InitialDelay / time.Millisecond),
		"attempt_timeout_ms": int(cfg.Webhooks.AttemptTimeout / time.Millisecond),
		"notification_hosts": cfg.Webhooks.NotificationHosts,
	}, deps)
	if err != nil {
		return fmt.Errorf("create notifier: %w", err)
	}

	components := []component.Discoverable{
		activityComp, dispatcherComp, intakeComp, deliveryComp, notifierComp,
	}

	// Setup signal handling
	signalCtx, signalCancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer signalCancel()

	// Start components in order
	for _, comp := range components {
		name := comp.Meta().Name
		if err := comp.Initialize(); err != nil {
			return fmt.Errorf("initialize %s: %w", name, err)
		}
		if err := comp.Start(signalCtx); err != nil {
			return fmt.Errorf("start %s: %w", name, err)
		}
		slog.Info("Component started", "name", name)
	}

	// Mount HTTP surfaces
	mux := http.NewServeMux()
	intakeComp.(*intake.Component).RegisterHTTPHandlers("/dispatch/", mux)
	dispatcherComp.(*dispatcher.Component).RegisterHTTPHandlers("/router/", mux)
	deliveryComp.(*delivery.Component).RegisterHTTPHandlers("/delivery/", mux)
	activityComp.(*activity.Component).RegisterHTTPHandlers("/activity/", mux)

	server := &http.Server{
		Addr:              httpAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		slog.Info("HTTP server listening", "addr", httpAddr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("HTTP server failed", "error", err)
			signalCancel()
		}
	}()

	// Watch the config file for provider limit changes
	if configPath != "" {
		dc := dispatcherComp.(*dispatcher.Component)
		applyLimits := func(limits map[string]router.Limits) {
			dc.ApplyLimits(signalCtx, limits)
		}
		go func() {
			if err := config.WatchProviderLimits(signalCtx, configPath, logger, applyLimits); err != nil {
				slog.Warn("Config watcher stopped", "error", err)
			}
		}()
	}

	slog.Info("Dispatchengine ready",
		"version", Version,
		"providers", len(cfg.Providers))

	// Block until shutdown signal
	<-signalCtx.Done()
	slog.Info("Received shutdown signal")

	shutdownCtx, shutdownCancel := context.WithTimeout(ctx, 30*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("Error stopping HTTP server", "error", err)
	}

	// Stop components in reverse order
	for i := len(components) - 1; i >= 0; i-- {
		comp := components[i]
		if err := comp.Stop(10 * time.Second); err != nil {
			slog.Error("Error stopping component", "name", comp.Meta().Name, "error", err)
		}
	}

	slog.Info("Dispatchengine shutdown complete")
	return nil
}

func printBanner() {
	fmt.Println("╔═══════════════════════════════════════════════╗")
	fmt.Println("║          Dispatchengine v" + Version + "                ║")
	fmt.Println("║     Async AI Request Orchestration            ║")
	fmt.Println("╚═══════════════════════════════════════════════╝")
}

func loadConfig(configPath string) (*config.Config, error) {
	if configPath != "" {
		return config.LoadFromFile(configPath)
	}
	cfg := config.DefaultConfig()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// newComponent marshals a component config map and invokes its factory.
func newComponent(factory func(json.RawMessage, component.Dependencies) (component.Discoverable, error), conf map[string]any, deps component.Dependencies) (component.Discoverable, error) {
	raw, err := json.Marshal(conf)
	if err != nil {
		return nil, fmt.Errorf("marshal config: %w", err)
	}
	return factory(raw, deps)
}

// componentRegistry is the slice of the semstreams registry the
// processor Register functions need.
type componentRegistry interface {
	RegisterWithConfig(component.RegistrationConfig) error
}

func registerComponents(registry componentRegistry) error {
	if err := intake.Register(registry); err != nil {
		return fmt.Errorf("register intake: %w", err)
	}
	if err := dispatcher.Register(registry); err != nil {
		return fmt.Errorf("register dispatcher: %w", err)
	}
	if err := delivery.Register(registry); err != nil {
		return fmt.Errorf("register delivery: %w", err)
	}
	if err := activity.Register(registry); err != nil {
		return fmt.Errorf("register activity: %w", err)
	}
	if err := notifier.Register(registry); err != nil {
		return fmt.Errorf("register notifier: %w", err)
	}
	return nil
}

func connectToNATS(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*natsclient.Client, error) {
	natsURL := cfg.NATS.URL

	// Environment variable override takes precedence
	if envURL := os.Getenv("NATS_URL"); envURL != "" {
		natsURL = envURL
	} else if envURL := os.Getenv("DISPATCH_NATS_URL"); envURL != "" {
		natsURL = envURL
	}

	logger.Info("Connecting to NATS", "url", natsURL)

	client, err := natsclient.NewClient(natsURL,
		natsclient.WithName(appName),
		natsclient.WithMaxReconnects(-1),
		natsclient.WithReconnectWait(time.Second),
		natsclient.WithCircuitBreakerThreshold(20),
		natsclient.WithHealthInterval(30*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("create NATS client: %w", err)
	}

	if err := client.Connect(ctx); err != nil {
		return nil, wrapNATSError(err, natsURL)
	}

	connCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if err := client.WaitForConnection(connCtx); err != nil {
		return nil, wrapNATSError(err, natsURL)
	}

	logger.Info("Connected to NATS", "url", natsURL)
	return client, nil
}

// wrapNATSError provides helpful guidance when NATS connection fails.
func wrapNATSError(err error, url string) error {
	errStr := err.Error()

	if strings.Contains(errStr, "connection refused") ||
		strings.Contains(errStr, "no servers available") ||
		strings.Contains(errStr, "timeout") {
		return fmt.Errorf(`NATS connection failed: %w

NATS is not running at %s.

To start NATS:
  docker compose up -d nats

Or set NATS_URL environment variable to point to your NATS server.`, err, url)
	}

	return fmt.Errorf("NATS connection failed: %w", err)
}

func ensureStreams(ctx context.Context, natsClient *natsclient.Client, logger *slog.Logger) error {
	logger.Debug("Creating JetStream streams")

	streamCfg := &ssconfig.Config{
		Version: "1.0.0",
		Streams: ssconfig.StreamConfigs{
			request.StreamName: ssconfig.StreamConfig{
				Subjects: []string{"dispatch.notify.*"},
				MaxAge:   "24h",
				Storage:  "file",
				Replicas: 1,
			},
			event.StreamName: ssconfig.StreamConfig{
				Subjects: []string{event.RecordedSubjectPrefix + ".>"},
				MaxAge:   "168h",
				Storage:  "file",
				Replicas: 1,
			},
		},
	}

	streamsManager := ssconfig.NewStreamsManager(natsClient, logger)
	if err := streamsManager.EnsureStreams(ctx, streamCfg); err != nil {
		return fmt.Errorf("ensure streams: %w", err)
	}

	logger.Debug("JetStream streams ready")
	return nil
}
