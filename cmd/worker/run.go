package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/example/carpool/internal/app"
	"github.com/example/carpool/internal/ingest"
)

// NewRunCommand starts the long-running loops and blocks until signalled.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	var noConsumer bool

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run sweeps, the event consumer and notification delivery",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig(cmd, rootOpts)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := app.Build(ctx, app.RoleWorker, cfg.Backends, cfg.Engine, logger)
			if err != nil {
				return err
			}
			defer func() {
				if err := a.Close(); err != nil {
					logger.Warn("close backends", "err", err)
				}
			}()

			var wg sync.WaitGroup
			start := func(fn func(context.Context)) {
				wg.Add(1)
				go func() {
					defer wg.Done()
					fn(ctx)
				}()
			}

			start(a.Dispatcher.Run)
			start(func(ctx context.Context) { a.Expiry.Run(ctx, cfg.ExpiryInterval) })
			start(func(ctx context.Context) { a.Cleanup.Run(ctx, cfg.CleanupInterval) })

			if len(cfg.KafkaBrokers) > 0 && !noConsumer {
				reader := ingest.NewKafkaReader(cfg.KafkaBrokers, cfg.KafkaTopic, cfg.KafkaGroup)
				defer reader.Close()
				c := &ingest.Consumer{Reader: reader, Matcher: a.Matcher, Logger: logger}
				logger.Info("consumer listening", "topic", cfg.KafkaTopic, "brokers", cfg.KafkaBrokers, "group", cfg.KafkaGroup)
				start(c.Run)
			}

			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusOK)
				_, _ = w.Write([]byte("ok"))
			})
			mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
				if err := a.Ready(r.Context()); err != nil {
					http.Error(w, "database not ready", http.StatusServiceUnavailable)
					return
				}
				_, _ = w.Write([]byte("ready"))
			})
			srv := &http.Server{Addr: cfg.MetricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
			go func() {
				logger.Info("metrics/health listening", "addr", cfg.MetricsAddr)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					logger.Error("metrics server stopped", "err", err)
				}
			}()

			<-ctx.Done()
			logger.Info("shutting down worker")

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
			wg.Wait()
			a.Dispatcher.Drain(shutdownCtx)
			return nil
		},
	}

	cmd.Flags().BoolVar(&noConsumer, "no-consumer", false, "skip the Kafka consumer even when brokers are configured")
	cmd.SilenceUsage = true

	return cmd
}
