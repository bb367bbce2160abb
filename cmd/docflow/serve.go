package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/docflow/docflow/internal/api"
	"github.com/docflow/docflow/internal/config"
	"github.com/docflow/docflow/internal/input"
	"github.com/docflow/docflow/internal/orchestrator"
	"github.com/docflow/docflow/internal/relay"
	"github.com/docflow/docflow/internal/webhook"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the coordinator and the HTTP API",
	Long: `Start the job engine and serve the HTTP API until SIGINT or SIGTERM.

SIGHUP reloads the config file when hot_reload is enabled.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}
	logger := cfg.Logger(os.Stdout)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	opts := []orchestrator.Option{orchestrator.WithLogger(logger)}
	if cfg.S3.Enabled {
		client, err := input.NewS3Client(ctx, input.S3Options{
			Region:       cfg.S3.Region,
			Endpoint:     cfg.S3.Endpoint,
			UsePathStyle: cfg.S3.UsePathStyle,
		})
		if err != nil {
			return err
		}
		opts = append(opts, orchestrator.WithInputChecker(
			input.NewRouter().Handle("s3", input.NewS3Checker(client)),
		))
	}

	coord, err := orchestrator.New(cfg, nil, opts...)
	if err != nil {
		return err
	}
	if len(coord.JobTypes()) == 0 {
		logger.Warn("no processors configured; every job will be rejected")
	}

	notifier := webhook.New(webhook.WithLogger(logger))
	notifier.Attach(coord.Bus())

	if cfg.NATS.URL != "" {
		nc, err := relay.Connect(cfg.NATS.URL)
		if err != nil {
			return err
		}
		defer nc.Drain() //nolint:errcheck
		relay.NewNATS(nc, cfg.NATS.SubjectPrefix, logger).Attach(coord.Bus())
		logger.Info("forwarding events to NATS", "url", cfg.NATS.URL, "prefix", cfg.NATS.SubjectPrefix)
	}

	if err := coord.Start(ctx); err != nil {
		return err
	}

	srv := &http.Server{
		Addr:         cfg.API.ListenAddr,
		Handler:      api.NewRouter(coord, cfg.API, logger),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // SSE streams stay open
		IdleTimeout:  60 * time.Second,
	}

	go watchReload(ctx, coord, logger)

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("docflow listening", "addr", cfg.API.ListenAddr)
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err = <-serveErr:
		logger.Error("server error", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.DrainTimeout+10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown", "error", err)
	}
	if err := coord.Stop(shutdownCtx); err != nil {
		logger.Error("coordinator shutdown", "error", err)
	}
	if err := notifier.Close(shutdownCtx); err != nil {
		logger.Warn("pending callbacks dropped", "error", err)
	}
	return err
}

// watchReload re-reads the config file on SIGHUP.
func watchReload(ctx context.Context, coord *orchestrator.Coordinator, logger *slog.Logger) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			if err := reload(coord); err != nil {
				logger.Error("config reload failed", "error", err)
			}
		}
	}
}

func reload(coord *orchestrator.Coordinator) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("load: %w", err)
	}
	return coord.ReloadConfig(cfg)
}
