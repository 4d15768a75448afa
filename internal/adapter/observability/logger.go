package observability

import (
	"log/slog"
	"os"

	"github.com/svmbench/platform/internal/config"
)

// SetupLogger builds the process-wide JSON logger. Every binary of the
// platform calls this once at startup and installs the result as the slog
// default; all further logging goes through package-level slog calls with
// structured fields (job_id, secret_ref, worker_id).
func SetupLogger(cfg config.Config) *slog.Logger {
	level := slog.LevelInfo
	if cfg.IsDev() {
		level = slog.LevelDebug
	}
	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	return slog.New(handler).With(
		slog.String("service", cfg.OTELServiceName),
		slog.String("env", cfg.AppEnv),
	)
}
