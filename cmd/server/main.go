// Package main is the spin-api host process: an HTTP server that records
// listener activity, scores enrichment jobs against it and runs the
// background queue worker, plus the Postgres migration tool.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/phrazzld/spin-api/internal/config"
	"github.com/phrazzld/spin-api/internal/platform/logger"
	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "spin-api",
		Short:        "Activity-aware enrichment queue for the spin catalogue",
		SilenceUsage: true,
	}
	root.AddCommand(newServeCmd(), newMigrateCmd())
	return root
}

// loadAppConfig loads configuration and installs the configured logger as
// the slog default.
func loadAppConfig() (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	l, err := logger.Setup(cfg.Server)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to set up logger: %w", err)
	}

	l.Info("configuration loaded",
		"port", cfg.Server.Port,
		"log_level", cfg.Server.LogLevel,
		"database_driver", cfg.Database.Driver,
		"auth_enabled", cfg.Auth.JWTSecret != "")
	return cfg, l, nil
}

func newServeCmd() *cobra.Command {
	var port int
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP server, activity monitor and queue worker",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, l, err := loadAppConfig()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("port") {
				cfg.Server.Port = port
			}

			app, err := newApplication(cmd.Context(), cfg, l)
			if err != nil {
				return err
			}
			return app.Run(cmd.Context())
		},
	}
	cmd.Flags().IntVar(&port, "port", 0, "override server.port")
	return cmd
}
