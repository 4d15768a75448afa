// Command reaper periodically sweeps for crashed, timed-out, and lost jobs
// and fails them, reconciling worker-backend state with the Job table.
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

	"github.com/go-chi/chi/v5"

	"github.com/svmbench/platform/internal/adapter/backend"
	"github.com/svmbench/platform/internal/adapter/httpserver"
	"github.com/svmbench/platform/internal/adapter/observability"
	"github.com/svmbench/platform/internal/adapter/repo/postgres"
	"github.com/svmbench/platform/internal/config"
	"github.com/svmbench/platform/internal/usecase"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("error", err))
		os.Exit(1)
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)
	observability.InitMetrics()

	shutdownTracer, err := observability.SetupTracing(cfg)
	if err != nil {
		slog.Error("failed to setup tracing", slog.Any("error", err))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool, err := postgres.NewPool(ctx, cfg.DBURL)
	if err != nil {
		slog.Error("db connect failed", slog.Any("error", err))
		os.Exit(1)
	}
	jobRepo := postgres.NewJobRepo(pool)

	isolationBackend, err := backend.New(cfg)
	if err != nil {
		slog.Error("backend init failed", slog.Any("error", err))
		os.Exit(1)
	}

	reaper := &usecase.ReaperService{
		Jobs:               jobRepo,
		Backend:            isolationBackend,
		RunningGracePeriod: cfg.ReaperRunningGracePeriod,
		GapMaxAge:          cfg.ReaperGapMaxAge,
	}

	go func() {
		slog.Info("reaper loop starting", slog.Duration("interval", cfg.ReaperPollInterval))
		reaper.Run(ctx, cfg.ReaperPollInterval)
	}()

	r := chi.NewRouter()
	httpserver.MountObservability(r)
	srv := &http.Server{Addr: fmt.Sprintf(":%d", cfg.Port), Handler: r}
	srvErrCh := make(chan error, 1)
	go func() {
		srvErrCh <- srv.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		slog.Info("shutdown signal received", slog.String("signal", sig.String()))
	case err := <-srvErrCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("health server error", slog.Any("error", err))
		}
	}

	cancel()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), cfg.ServerShutdownTimeout)
	defer cancelShutdown()
	_ = srv.Shutdown(shutdownCtx)
}
