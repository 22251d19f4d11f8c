// Package server runs the long-lived crawler process: the HTTP API, the worker
// pool and the cron scheduler, until a signal or context cancellation stops it.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/rebridge/jobcrawler/internal/app"
)

const defaultShutdownTimeout = 15 * time.Second

// Run serves a on the configured port. It blocks until ctx is canceled or the
// process receives SIGINT/SIGTERM, then drains in-flight work and closes a.
func Run(ctx context.Context, a *app.App) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", a.Config().Server.Port))
	if err != nil {
		a.Close()
		return fmt.Errorf("listen: %w", err)
	}
	return Serve(ctx, a, ln)
}

// Serve is Run on an existing listener.
func Serve(ctx context.Context, a *app.App, ln net.Listener) error {
	logger := a.Logger()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		logger.Info("dispatcher started", zap.Int("workers", a.Dispatcher().Workers()))
		a.Dispatcher().Run(ctx)
	}()

	if err := a.Scheduler().Start(ctx); err != nil {
		cancel()
		wg.Wait()
		a.Close()
		return fmt.Errorf("start scheduler: %w", err)
	}

	srv := &http.Server{
		Handler:           a.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		logger.Info("http server started", zap.String("addr", ln.Addr().String()))
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	var runErr error
	select {
	case <-ctx.Done():
	case err, ok := <-serveErr:
		if ok {
			logger.Error("http server error", zap.Error(err))
			runErr = fmt.Errorf("http server: %w", err)
		}
	}
	logger.Info("shutdown initiated")

	timeout := time.Duration(a.Config().Server.ShutdownTimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = defaultShutdownTimeout
	}
	shutdownCtx, release := context.WithTimeout(context.Background(), timeout)
	defer release()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http server shutdown failed", zap.Error(err))
	}
	a.Scheduler().Stop()
	cancel()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-shutdownCtx.Done():
		logger.Warn("workers did not stop before the shutdown deadline")
	}

	a.Close()
	_ = logger.Sync()
	logger.Info("shutdown complete")
	return runErr
}
