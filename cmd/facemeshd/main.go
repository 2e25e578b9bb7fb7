// Command facemeshd serves real-time 3D face meshes over WebSocket and
// ships the client tools that talk to it (status, sessions, replay).
package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/e7canasta/orion-care-sensor/modules/facemesh/internal/config"
	"github.com/e7canasta/orion-care-sensor/modules/facemesh/internal/core"
)

const defaultConfigPath = "config/facemesh.yaml"

// version is overridden at build time (-ldflags "-X main.version=...")
var version = "v0.1.0-dev"

type rootOptions struct {
	configPath string
	debug      bool
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	root := &cobra.Command{
		Use:           "facemeshd",
		Short:         "Real-time 3D face mesh server",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, _ []string) {
			setupLogger(opts.debug)
		},
	}
	root.PersistentFlags().StringVar(&opts.configPath, "config", defaultConfigPath, "Path to configuration file")
	root.PersistentFlags().BoolVar(&opts.debug, "debug", false, "Enable debug logging")

	root.AddCommand(newServeCmd(opts))
	root.AddCommand(newStatusCmd())
	root.AddCommand(newSessionsCmd(opts))
	root.AddCommand(newReplayCmd())
	root.AddCommand(newVersionCmd())
	return root
}

func setupLogger(debug bool) {
	logLevel := slog.LevelInfo
	if debug {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})))
}

// loadConfig reads the config file. A missing file at the default path
// falls back to built-in defaults; an explicit path must exist.
func loadConfig(path string, explicit bool) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err == nil {
		return cfg, nil
	}
	if !explicit && errors.Is(err, fs.ErrNotExist) {
		slog.Warn("config file not found, using defaults", "config", path)
		return config.Default(), nil
	}
	return nil, err
}

func newServeCmd(opts *rootOptions) *cobra.Command {
	var port int

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the face mesh server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(opts.configPath, cmd.Flags().Changed("config"))
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			if port > 0 {
				cfg.Server.Port = port
			}
			if cfg.Logging.Verbose && !opts.debug {
				setupLogger(true)
			}
			return runServe(cfg, opts)
		},
	}
	cmd.Flags().IntVar(&port, "port", 0, "Override server.port")
	return cmd
}

func runServe(cfg *config.Config, opts *rootOptions) error {
	slog.Info("starting facemesh service",
		"config", opts.configPath,
		"addr", cfg.Addr(),
		"backend", cfg.Model.Backend,
		"version", version,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	svc, err := core.New(ctx, cfg, core.Options{Debug: opts.debug})
	if err != nil {
		return fmt.Errorf("failed to create facemesh service: %w", err)
	}

	runErr := svc.Run(ctx)
	if runErr != nil {
		slog.Error("service error", "error", runErr)
	} else {
		slog.Info("received shutdown signal")
	}

	shutdownTimeout := svc.ShutdownTimeout()
	slog.Info("shutting down gracefully", "timeout", shutdownTimeout)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := svc.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown failed: %w", err)
	}

	slog.Info("facemesh service stopped successfully")
	return runErr
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), "facemeshd", version)
		},
	}
}
