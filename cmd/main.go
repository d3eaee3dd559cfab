package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/masjids-io/chatspot/internal/app"
	"github.com/masjids-io/chatspot/internal/config"
	"github.com/masjids-io/chatspot/internal/logging"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string
	root := &cobra.Command{
		Use:           "chatspot",
		Short:         "Chat message delivery and notification service",
		Version:       fmt.Sprintf("%s (commit: %s)", version, commit),
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.CompletionOptions.DisableDefaultCmd = true
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to a YAML config file")

	root.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, realtime hub and event consumers",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, log, err := setup(configPath)
			if err != nil {
				return err
			}
			defer log.Sync()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := app.New(ctx, cfg, log)
			if err != nil {
				log.Error("startup_failed", zap.Error(err))
				return err
			}
			return a.Run(ctx)
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "migrate",
		Short: "Apply the database schema and exit",
		RunE: func(*cobra.Command, []string) error {
			cfg, log, err := setup(configPath)
			if err != nil {
				return err
			}
			defer log.Sync()
			return app.Migrate(cfg, log)
		},
	})
	return root
}

func setup(configPath string) (config.Config, *zap.Logger, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return config.Config{}, nil, err
	}
	log, err := logging.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return config.Config{}, nil, err
	}
	return cfg, log.With(zap.String("service", "chatspot")), nil
}
