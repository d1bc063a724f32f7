package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/Wei-Shaw/codexmanager/internal/pkg/logger"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "codexmanager:", err)
		os.Exit(1)
	}
}

func run() error {
	app, err := initializeApplication()
	if err != nil {
		return err
	}

	logger.Init(logger.Options{
		Level:    app.Config.LogLevel,
		FilePath: app.Config.LogFile,
		Console:  true,
	})
	defer func() { _ = logger.L().Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := app.Runner.Start(ctx); err != nil {
		return err
	}

	errCh := make(chan error, 1)
	go func() {
		logger.L().Info("server.listening", zap.String("addr", app.Server.Addr))
		if err := app.Server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.L().Info("server.shutting_down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := app.Server.Shutdown(shutdownCtx); err != nil {
		logger.L().Warn("server.shutdown_error", zap.Error(err))
	}
	app.Runner.Stop()
	app.Poller.Stop()
	app.Recorder.Stop()
	if err := app.Store.Close(); err != nil {
		logger.L().Warn("server.db_close_error", zap.Error(err))
	}
	return nil
}
