package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/example/carpool/internal/app"
	"github.com/example/carpool/internal/config"
	httpapi "github.com/example/carpool/internal/http"
	"github.com/example/carpool/internal/logging"
)

func main() {
	if err := config.LoadDotEnv(); err != nil {
		log.Fatal(err)
	}
	cfg, err := config.LoadServerConfig()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	logger := logging.NewLogger(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.Build(ctx, app.RoleAPI, cfg.Backends, cfg.Engine, logger)
	if err != nil {
		logger.Error("startup failed", "err", err)
		os.Exit(1)
	}
	defer func() {
		if err := a.Close(); err != nil {
			logger.Warn("close backends", "err", err)
		}
	}()

	deps := httpapi.Deps{
		Store:     a.Store,
		Lifecycle: a.Lifecycle,
		Matcher:   a.Matcher,
		Expiry:    a.Expiry,
		Cleanup:   a.Cleanup,
		WSReg:     a.WSReg,
		Ready:     a.Ready,
	}
	if a.Producer != nil {
		deps.Events = a.Producer
	}

	go a.Dispatcher.Run(ctx)

	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      httpapi.NewServer(deps, logger),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("carpool api listening", "addr", cfg.HTTPAddr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server failed", "err", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("shutdown", "err", err)
	}
	if n := a.Dispatcher.Drain(shutdownCtx); n > 0 {
		logger.Info("delivered queued notifications", "count", n)
	}
}
