// Command twapindexer indexes TWAP conditional orders created through
// ComposableCoW and serves their reconciled state. It loads configuration,
// validates it, wires dependencies, sets up signal handling, and starts the
// application in the configured mode.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/BurntSushi/toml"
	"github.com/spf13/cobra"

	"github.com/alanyoungcy/twapindexer/internal/app"
	"github.com/alanyoungcy/twapindexer/internal/config"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "twapindexer",
		Short:         "Index and reconcile ComposableCoW TWAP orders",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "config.toml", "path to configuration file")

	root.AddCommand(
		newRunCmd(&configPath),
		newMigrateCmd(&configPath),
		newConfigCmd(&configPath),
		newDeriveCmd(),
	)
	return root
}

func newRunCmd(configPath *string) *cobra.Command {
	var mode string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the indexer and/or status server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := loadConfig(*configPath, mode)
			if err != nil {
				return err
			}

			logger.Info("twap indexer starting",
				slog.String("mode", cfg.Mode),
				slog.String("config", *configPath),
			)

			application := app.New(cfg, logger)
			defer application.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			if err := application.Run(ctx); err != nil {
				// context.Canceled is expected on clean shutdown.
				if errors.Is(err, context.Canceled) {
					logger.Info("application shut down gracefully")
					return nil
				}
				logger.Error("application exited with error", slog.String("error", err.Error()))
				return err
			}

			logger.Info("twap indexer stopped")
			return nil
		},
	}
	cmd.Flags().StringVar(&mode, "mode", "", "override the configured mode (index, server, full)")
	return cmd
}

func newMigrateCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations and exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := loadConfig(*configPath, "")
			if err != nil {
				return err
			}
			if err := app.Migrate(cmd.Context(), cfg); err != nil {
				return err
			}
			logger.Info("migrations applied")
			return nil
		},
	}
}

func newConfigCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration with secrets redacted",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, _, err := loadConfig(*configPath, "")
			if err != nil {
				return err
			}
			return toml.NewEncoder(cmd.OutOrStdout()).Encode(config.RedactedConfig(cfg))
		},
	}
}

// loadConfig loads and validates the configuration and builds the process
// logger at the configured level.
func loadConfig(path, mode string) (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, nil, fmt.Errorf("load config %s: %w", path, err)
	}
	if mode != "" {
		cfg.Mode = mode
	}

	var level slog.Level
	switch cfg.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	if err := cfg.Validate(); err != nil {
		return nil, nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, logger, nil
}
