package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/quasarhq/quasar/internal/config"
	"github.com/quasarhq/quasar/internal/logging"
	"github.com/quasarhq/quasar/internal/metrics"
	"github.com/quasarhq/quasar/internal/observability"
	"github.com/quasarhq/quasar/internal/plugins"
	"github.com/quasarhq/quasar/internal/service"
)

func daemonCmd() *cobra.Command {
	var (
		logLevel   string
		listenAddr string
	)

	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Run the Quasar plugin server daemon",
		Long:  "Run Quasar as the analytics plugin server (event ingestion, plugin pipelines, scheduled plugin tasks)",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.DefaultConfig()
			if configFile != "" {
				var err error
				cfg, err = config.LoadFromFile(configFile)
				if err != nil {
					return fmt.Errorf("load config: %w", err)
				}
			}
			config.LoadFromEnv(cfg)

			if cmd.Flags().Changed("pg-dsn") {
				cfg.Postgres.DSN = pgDSN
			}
			if cmd.Flags().Changed("log-level") {
				cfg.LogLevel = logLevel
			}
			if cmd.Flags().Changed("listen") {
				cfg.HTTPAddr = listenAddr
			}

			logging.SetLevelFromString(cfg.LogLevel)
			logging.InitStructured(cfg.LogFormat, cfg.LogLevel)

			if err := observability.Init(context.Background(), observability.Config{
				Enabled:     os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT") != "",
				Endpoint:    os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
				ServiceName: "quasar",
				SampleRate:  1.0,
			}); err != nil {
				return fmt.Errorf("init tracing: %w", err)
			}
			defer observability.Shutdown(context.Background())

			metrics.Init("quasar", nil)

			srv := service.NewServer(cfg, plugins.NewRegistryCompiler())
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			if err := srv.Start(ctx); err != nil {
				return err
			}

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			select {
			case sig := <-sigCh:
				logging.Op().Info("shutdown signal received", "signal", sig.String())
			case err := <-srv.Fatal():
				logging.Op().Error("fatal server error", "error", err)
				srv.Stop()
				return err
			}

			srv.Stop()
			return nil
		},
	}

	cmd.Flags().StringVar(&logLevel, "log-level", "info", "Log level")
	cmd.Flags().StringVar(&listenAddr, "listen", ":8010", "HTTP listen address for /metrics and /_health")

	return cmd
}
