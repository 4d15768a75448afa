// Command admission runs the Admission API: validates uploads, mints job
// secrets, persists the Job row, and publishes the broker message.
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

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"

	"github.com/svmbench/platform/internal/adapter/archive"
	"github.com/svmbench/platform/internal/adapter/httpserver"
	"github.com/svmbench/platform/internal/adapter/observability"
	amqpadapter "github.com/svmbench/platform/internal/adapter/queue/amqp"
	"github.com/svmbench/platform/internal/adapter/repo/postgres"
	"github.com/svmbench/platform/internal/adapter/secretstore"
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

	ctx := context.Background()
	pool, err := postgres.NewPool(ctx, cfg.DBURL)
	if err != nil {
		slog.Error("db connect failed", slog.Any("error", err))
		os.Exit(1)
	}
	if err := postgres.Migrate(ctx, pool); err != nil {
		slog.Error("migration failed", slog.Any("error", err))
		os.Exit(1)
	}

	jobRepo := postgres.NewJobRepo(pool)

	secretsClient := secretstore.NewClient(
		fmt.Sprintf("http://%s:%d", cfg.InstancerSecretsvcHost, cfg.InstancerSecretsvcPort),
		cfg.SecretsToken,
	)

	producer, err := amqpadapter.NewProducer(cfg.RabbitMQURL, amqpadapter.TopologyConfig{
		QueueName: cfg.RabbitMQQueueName,
		QueueDLQ:  cfg.RabbitMQQueueDLQ,
		QueueTTL:  cfg.RabbitMQQueueTTL.Milliseconds(),
		HasCapCfg: cfg.InstancerMaxJobs > 0,
	})
	if err != nil {
		slog.Error("amqp producer connect failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() { _ = producer.Close() }()

	admissionSvc := &usecase.AdmissionService{
		Jobs:          jobRepo,
		Secrets:       secretsClient,
		Queue:         producer,
		AllowedModels: cfg.AllowedModelSet(),
		AuthEnabled:   cfg.AuthEnabled,
		ZipOptions: archive.ValidationOptions{
			MaxFiles:        cfg.ZipMaxFiles,
			MaxUncompressed: cfg.ZipMaxUncompressed,
			MaxRatio:        cfg.ZipMaxRatio,
			RequireSolidity: cfg.ZipRequireSolidity,
		},
		UseProxyStatic:   cfg.BackendUseProxyStatic,
		BackendKeyMode:   cfg.BackendOAIKeyMode,
		BackendStaticKey: cfg.BackendStaticOAIKey,
		ProxySharedKey:   cfg.OAIProxyAESKey,
		Provider:         "openai",
		LivenessCheckURL: cfg.OAIKeyLivenessCheckURL,
	}

	admissionHandler := &httpserver.AdmissionHandler{Service: admissionSvc, MaxUploadMB: cfg.MaxUploadMB}

	r := chi.NewRouter()
	r.Use(httpserver.Recoverer())
	r.Use(httpserver.RequestID())
	r.Use(httpserver.SecurityHeaders)
	r.Use(httpserver.AccessLog())
	r.Use(observability.HTTPMetricsMiddleware)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{cfg.CORSAllowOrigins},
		AllowedMethods: []string{"GET", "POST", "PATCH", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type", httpserver.UserIDHeader},
		MaxAge:         300,
	}))
	r.Use(httprate.LimitByIP(cfg.RateLimitPerMin, time.Minute))

	httpserver.MountObservability(r)
	admissionHandler.Routes(r)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           r,
		ReadTimeout:       cfg.HTTPReadTimeout,
		WriteTimeout:      cfg.HTTPWriteTimeout,
		IdleTimeout:       cfg.HTTPIdleTimeout,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("admission api starting", slog.Int("port", cfg.Port))
		errCh <- srv.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		slog.Info("shutdown signal received", slog.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", slog.Any("error", err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ServerShutdownTimeout)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
}
