// Command instancer consumes job-start messages, claims capacity against
// the configured isolation backend, and starts one worker per job.
package main

import (
	"context"
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
	amqpadapter "github.com/svmbench/platform/internal/adapter/queue/amqp"
	"github.com/svmbench/platform/internal/adapter/repo/postgres"
	"github.com/svmbench/platform/internal/config"
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

	ctx := context.Background()
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

	topologyCfg := amqpadapter.TopologyConfig{
		QueueName: cfg.RabbitMQQueueName,
		QueueDLQ:  cfg.RabbitMQQueueDLQ,
		QueueTTL:  cfg.RabbitMQQueueTTL.Milliseconds(),
		HasCapCfg: cfg.InstancerMaxJobs > 0,
	}

	consumer, err := amqpadapter.NewConsumer(cfg.RabbitMQURL, topologyCfg, isolationBackend, jobRepo)
	if err != nil {
		slog.Error("amqp consumer connect failed", slog.Any("error", err))
		os.Exit(1)
	}
	consumer.CapacityPoll = cfg.InstancerCapacityPoll
	if cfg.InstancerMaxJobs > 0 {
		max := cfg.InstancerMaxJobs
		consumer.ConfiguredMaxConcurrency = &max
	}

	// A DLQ consumer only runs when the topology declared a DLQ, which
	// happens only in the absence of a concurrency cap.
	dlqConsumer, err := amqpadapter.NewDLQConsumer(cfg.RabbitMQURL, topologyCfg, jobRepo)
	if err != nil {
		slog.Error("amqp dlq consumer connect failed", slog.Any("error", err))
		os.Exit(1)
	}

	consumeCtx, cancelConsume := context.WithCancel(context.Background())
	defer cancelConsume()

	errCh := make(chan error, 2)
	go func() {
		slog.Info("instancer consumer starting", slog.String("queue", cfg.RabbitMQQueueName))
		errCh <- consumer.Start(consumeCtx)
	}()
	if dlqConsumer != nil {
		go func() {
			slog.Info("instancer dlq consumer starting", slog.String("queue", topologyCfg.JobDLQName()))
			errCh <- dlqConsumer.Start(consumeCtx)
		}()
	}

	r := chi.NewRouter()
	httpserver.MountObservability(r)
	healthSrv := &http.Server{Addr: fmt.Sprintf(":%d", cfg.Port), Handler: r}
	go func() {
		if err := healthSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("health server error", slog.Any("error", err))
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		slog.Info("shutdown signal received", slog.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil {
			slog.Error("consumer error", slog.Any("error", err))
		}
	}

	consumer.Stop()
	if dlqConsumer != nil {
		dlqConsumer.Stop()
	}
	cancelConsume()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ServerShutdownTimeout)
	defer cancel()
	_ = healthSrv.Shutdown(shutdownCtx)
}
