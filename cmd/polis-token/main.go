// Package main is the entry point for the polis-token binary.
// It runs the token refresh sidecar and offers one-shot helpers for checking a
// configuration against a live form.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/polisai/polis-token/pkg/config"
	"github.com/polisai/polis-token/pkg/logging"
	"github.com/polisai/polis-token/pkg/sidecar"
	"github.com/polisai/polis-token/pkg/storage"
	"github.com/polisai/polis-token/pkg/telemetry"
)

const (
	telemetryShutdownTimeout = 5 * time.Second
	gracefulShutdownTimeout  = 10 * time.Second
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

// sidecarOptions are appended to every sidecar the commands build.
var sidecarOptions []sidecar.Option

func main() {
	// Load .env file if present
	_ = godotenv.Load()

	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// newRootCmd creates the root command for polis-token
func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "polis-token",
		Short: "Form token refresh for automated scanners",
		Long: `Rewrites anti-CSRF style form tokens in scanner requests.

Every in-scope request matching the insertion pattern triggers a fetch of the
configured form page; the token found by the extraction pattern replaces the
stale value before the request is sent.

Example:
  polis-token serve --config polis-token.yaml
  polis-token mutate --config polis-token.yaml request.txt`,
		Version:      version,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringP("config", "c", "", "Path to configuration file (YAML)")
	rootCmd.PersistentFlags().StringP("log-level", "l", "", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-format", "", "Log format (json, text)")

	rootCmd.AddCommand(newServeCmd(), newFetchCmd(), newMutateCmd(), newCACmd())
	return rootCmd
}

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the proxy, intercept API and admin endpoints",
		Args:  cobra.NoArgs,
		RunE:  runServe,
	}
	cmd.Flags().String("admin-listen", "", "Listen address for health and metrics")
	cmd.Flags().String("proxy-listen", "", "Listen address for the forward proxy")
	cmd.Flags().String("api-listen", "", "Listen address for the intercept API")
	cmd.Flags().String("otel-endpoint", "", "OTLP gRPC endpoint for traces")
	return cmd
}

// loadConfig reads the configuration named by --config and applies the
// logging flags.
func loadConfig(cmd *cobra.Command) (*config.Config, string, error) {
	path, err := cmd.Flags().GetString("config")
	if err != nil {
		return nil, "", fmt.Errorf("failed to get config flag: %w", err)
	}

	cfg, err := config.Load(path)
	if err != nil {
		return nil, "", err
	}
	if err := applyLoggingFlags(cmd, cfg); err != nil {
		return nil, "", err
	}
	return cfg, path, nil
}

func applyLoggingFlags(cmd *cobra.Command, cfg *config.Config) error {
	if level, _ := cmd.Flags().GetString("log-level"); level != "" {
		cfg.Logging.Level = level
	}
	if format, _ := cmd.Flags().GetString("log-format"); format != "" {
		cfg.Logging.Format = format
	}
	return cfg.Logging.Validate()
}

// newConfigLoader watches path and reapplies the command line overrides to
// every configuration it reads.
func newConfigLoader(cmd *cobra.Command, path string, logger *slog.Logger) (*config.Loader, error) {
	return config.NewLoader(path,
		config.WithLogger(logger),
		config.WithOverrides(func(cfg *config.Config) error {
			if err := applyLoggingFlags(cmd, cfg); err != nil {
				return err
			}
			return applyServeFlags(cmd, cfg)
		}),
	)
}

func setupLogger(cmd *cobra.Command, cfg *config.Config) *slog.Logger {
	return logging.SetupLogger(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: cmd.ErrOrStderr(),
	})
}

// applyServeFlags copies listener and telemetry overrides onto cfg.
func applyServeFlags(cmd *cobra.Command, cfg *config.Config) error {
	overrides := map[string]*string{
		"admin-listen":  &cfg.Server.AdminAddress,
		"proxy-listen":  &cfg.Server.ProxyAddress,
		"api-listen":    &cfg.Server.APIAddress,
		"otel-endpoint": &cfg.Telemetry.OTLPEndpoint,
	}
	for name, target := range overrides {
		if !cmd.Flags().Changed(name) {
			continue
		}
		value, err := cmd.Flags().GetString(name)
		if err != nil {
			return fmt.Errorf("failed to get %s flag: %w", name, err)
		}
		*target = value
	}
	return cfg.Server.Validate()
}

func telemetryConfig(cfg *config.Config) telemetry.Config {
	tc := telemetry.Config{
		Endpoint:   cfg.Telemetry.OTLPEndpoint,
		Insecure:   cfg.Telemetry.Insecure,
		Version:    version,
		ScopeTools: cfg.Scope.Tools,
		FormURL:    cfg.Token.FormURL,
	}
	if cfg.Proxy.Enabled {
		tc.ProxyTool = cfg.Proxy.Tool
	}
	return tc
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, path, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if err := applyServeFlags(cmd, cfg); err != nil {
		return err
	}
	logger := setupLogger(cmd, cfg)

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := telemetry.SetupProvider(ctx, telemetryConfig(cfg))
	if err != nil {
		logger.Warn("telemetry disabled", "error", err)
		shutdownTelemetry = func(context.Context) error { return nil }
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), telemetryShutdownTimeout)
		defer cancel()
		if err := shutdownTelemetry(shutdownCtx); err != nil {
			logger.Error("telemetry shutdown failed", "error", err)
		}
	}()

	opts := append([]sidecar.Option{sidecar.WithLogger(logger)}, sidecarOptions...)
	if path != "" {
		loader, err := newConfigLoader(cmd, path, logger)
		if err != nil {
			return err
		}
		loaded, err := loader.Load()
		if err != nil {
			return err
		}
		cfg = loaded
		opts = append(opts, sidecar.WithConfigLoader(loader))
	}

	s, err := sidecar.New(cfg, opts...)
	if err != nil {
		return err
	}
	if err := s.Initialize(ctx); err != nil {
		return err
	}

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
	defer cancel()
	if err := s.Teardown(shutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

// newOneShotSidecar builds a sidecar that never listens and keeps settings in
// memory, for the fetch and mutate commands.
func newOneShotSidecar(cmd *cobra.Command) (*sidecar.Sidecar, error) {
	cfg, _, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	logger := setupLogger(cmd, cfg)
	opts := []sidecar.Option{
		sidecar.WithLogger(logger),
		sidecar.WithSettingsStore(storage.NewMemorySettingsStore()),
	}
	return sidecar.New(cfg, append(opts, sidecarOptions...)...)
}
