package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/tokligence/chatflow-gateway/internal/httpserver"
	"github.com/tokligence/chatflow-gateway/internal/version"
)

func runServe(cmd *cobra.Command, args []string) error {
	cfg, logs, err := loadRuntime(true)
	if err != nil {
		return err
	}
	defer logs.Close()

	a, err := newApp(cfg, logs)
	if err != nil {
		return err
	}
	logger := a.logger
	logger.Printf("chatflowd %s starting (env=%s db=%s user_cache=%s)", version.FullInfo(), cfg.Environment, cfg.DatabaseDriver, cfg.UserCacheDriver)

	httpSrv, err := httpserver.New(httpserver.Config{
		Chat:      a.service,
		Health:    a.health,
		Metrics:   a.metrics,
		Logger:    logs.Logger("chatflowd/http"),
		LogLevel:  cfg.LogLevel,
		AccessLog: true,
	})
	if err != nil {
		_ = a.drain(context.Background())
		return err
	}

	// Streams are bounded by the relay's idle timeout, so no WriteTimeout.
	srv := &http.Server{
		Addr:              cfg.HTTPAddress,
		Handler:           httpSrv.Router(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Printf("chatflow gateway listening on %s", cfg.HTTPAddress)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Printf("shutting down (timeout %s)", cfg.ShutdownTimeout)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		var errs []error
		if err := srv.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, err)
		}
		if pending := a.recorder.Pending(); pending > 0 {
			logger.Printf("waiting for %d queued turn(s)", pending)
		}
		errs = append(errs, a.drain(shutdownCtx))
		return errors.Join(errs...)
	})

	if err := g.Wait(); err != nil {
		logger.Printf("exit with error: %v", err)
		return err
	}
	logger.Printf("stopped")
	return nil
}
