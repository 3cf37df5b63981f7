// Package app holds the start-up and shutdown sequence shared by the
// backfill, pricefill and rollup commands.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/emperorhan/volume-backfill/internal/alert"
	"github.com/emperorhan/volume-backfill/internal/config"
	"github.com/emperorhan/volume-backfill/internal/metrics"
	"github.com/emperorhan/volume-backfill/internal/store/postgres"
	"github.com/emperorhan/volume-backfill/internal/tracing"
	"github.com/prometheus/client_golang/prometheus"
	"gopkg.in/natefinch/lumberjack.v2"
)

const shutdownTimeout = 15 * time.Second

// Runtime is everything a command needs after start-up.
type Runtime struct {
	Job     string
	Config  *config.Config
	Logger  *slog.Logger
	DB      *postgres.DB
	Alerter alert.Alerter

	shutdownTracing func(context.Context) error
	logFile         io.Closer
}

// Start loads configuration, opens the pool, applies migrations when
// DB_MIGRATIONS_DIR is set and installs tracing. Logs go to out as JSON.
func Start(ctx context.Context, job string, out io.Writer) (*Runtime, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	out, logFile := logOutput(cfg.Log, out)
	logger := NewLogger(cfg.Log.Level, out).With("job", job)
	slog.SetDefault(logger)
	logger.Info("starting",
		"chain", cfg.Chain.Symbol,
		"chain_name", cfg.Chain.Name,
		"window", cfg.Window.String(),
		"db", maskCredentials(cfg.DB.URL),
		"explorer", cfg.Explorer.URL,
	)

	if cfg.Log.File != "" {
		logger.Info("logging to file", "path", cfg.Log.File)
	}

	db, err := postgres.New(postgres.Config{
		URL:                cfg.DB.URL,
		MaxOpenConns:       cfg.DB.MaxOpenConns,
		MaxIdleConns:       cfg.DB.MaxIdleConns,
		ConnMaxLifetime:    cfg.DB.ConnMaxLifetime,
		StatementTimeoutMS: cfg.DB.StatementTimeoutMS,
	})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if cfg.DB.MigrationsDir != "" {
		if err := db.RunMigrations(ctx, cfg.DB.MigrationsDir); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("run migrations: %w", err)
		}
	}

	tracingCfg := tracing.Config{ServiceName: "volume-" + job, Insecure: cfg.Tracing.Insecure, SampleRatio: cfg.Tracing.SampleRatio}
	if cfg.Tracing.Enabled {
		tracingCfg.Endpoint = cfg.Tracing.Endpoint
		logger.Info("tracing enabled", "endpoint", cfg.Tracing.Endpoint)
	}
	shutdownTracing, err := tracing.Init(ctx, tracingCfg)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init tracing: %w", err)
	}

	return &Runtime{
		Job:    job,
		Config: cfg,
		Logger: logger,
		DB:     db,
		Alerter: alert.New(alert.Config{
			SlackWebhookURL: cfg.Alert.SlackWebhookURL,
			WebhookURL:      cfg.Alert.WebhookURL,
			Cooldown:        cfg.Alert.Cooldown,
		}, logger),
		shutdownTracing: shutdownTracing,
		logFile:         logFile,
	}, nil
}

// Close records pool statistics, pushes metrics, flushes spans and closes
// the pool. Failures are logged only.
func (r *Runtime) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := metrics.CollectDBPoolStats(r.DB, r.Config.Chain.Symbol, metrics.DefaultDBPoolGauges()); err != nil {
		r.Logger.Warn("db pool stats not collected", "error", err)
	}
	if err := metrics.Push(ctx, r.Config.Metrics.PushURL, r.Job, r.Config.Chain.Symbol, prometheus.DefaultGatherer); err != nil {
		r.Logger.Warn("metrics push failed", "error", err)
	}
	if err := r.shutdownTracing(ctx); err != nil {
		r.Logger.Warn("tracing shutdown error", "error", err)
	}
	if err := r.DB.Close(); err != nil {
		r.Logger.Warn("db close error", "error", err)
	}
	if r.logFile != nil {
		_ = r.logFile.Close()
	}
}

// logOutput tees out into a size-rotated file when LOG_FILE is set.
func logOutput(cfg config.LogConfig, out io.Writer) (io.Writer, io.Closer) {
	if cfg.File == "" {
		return out, nil
	}
	file := &lumberjack.Logger{
		Filename: cfg.File,
		MaxSize:  cfg.MaxSizeMB,
		MaxAge:   cfg.MaxAgeDays,
		Compress: true,
	}
	return io.MultiWriter(out, file), file
}

// ExitCode maps a command result onto the process exit status.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, context.Canceled):
		return 130
	default:
		return 1
	}
}

// NewLogger returns a JSON logger at the named level; unknown names mean info.
func NewLogger(level string, out io.Writer) *slog.Logger {
	logLevel := slog.LevelInfo
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	}
	return slog.New(slog.NewJSONHandler(out, &slog.HandlerOptions{Level: logLevel}))
}

// maskCredentials hides the userinfo part of a connection URL.
func maskCredentials(raw string) string {
	scheme, rest, ok := strings.Cut(raw, "://")
	if !ok {
		return raw
	}
	at := strings.LastIndex(rest, "@")
	if at < 0 {
		return raw
	}
	if slash := strings.Index(rest, "/"); slash >= 0 && slash < at {
		return raw
	}
	return scheme + "://***" + rest[at:]
}
