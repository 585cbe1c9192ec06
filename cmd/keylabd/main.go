// keylabd - keystroke study backend
//
// keylabd serves the study's HTTP API: artifact uploads, completion
// records, survey code validation, the task catalog and the keystroke
// capture websocket.
//
//	keylabd -config keylab.toml
//	keylabd -listen :9090 -db /var/lib/keylab/keylab.db
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"keylab/internal/config"
	"keylab/internal/health"
	"keylab/internal/logging"
	"keylab/internal/metrics"
	"keylab/internal/security"
	"keylab/internal/server"
	"keylab/internal/store"
	"keylab/internal/tracing"
)

// Version is set at build time.
var Version = "dev"

const (
	shutdownTimeout = 15 * time.Second
	sweepInterval   = time.Minute
	minFreeDisk     = 100 * 1024 * 1024
)

type flags struct {
	config  string
	listen  string
	db      string
	verbose bool
	version bool
}

func main() {
	var f flags
	fs := flag.NewFlagSet("keylabd", flag.ExitOnError)
	fs.StringVar(&f.config, "config", "keylab.toml", "Configuration file (toml, json or yaml)")
	fs.StringVar(&f.listen, "listen", "", "Listen address (overrides config)")
	fs.StringVar(&f.db, "db", "", "SQLite database path (overrides config)")
	fs.BoolVar(&f.verbose, "v", false, "Debug logging")
	fs.BoolVar(&f.version, "version", false, "Print version and exit")
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: keylabd [options]\n\nOptions:\n")
		fs.PrintDefaults()
	}
	fs.Parse(os.Args[1:])

	if f.version {
		fmt.Printf("keylabd %s\n", Version)
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, f); err != nil {
		fmt.Fprintf(os.Stderr, "keylabd: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, f flags) error {
	loader := config.NewLoader(f.config, nil)
	cfg, err := loader.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if f.listen != "" {
		cfg.Server.Listen = f.listen
	}
	if f.db != "" {
		cfg.Storage.Path = f.db
	}

	logger, err := newLogger(cfg.Logging, f.verbose)
	if err != nil {
		return err
	}
	defer logger.Close()
	logging.SetDefault(logger)
	log := logger.Logger

	if cfg.Server.PIDFile != "" {
		pid, err := security.AcquirePIDFile(cfg.Server.PIDFile)
		if err != nil {
			return fmt.Errorf("acquire pid file: %w", err)
		}
		defer pid.Release()
	}

	crash := logging.NewCrashHandler(log, filepath.Join(filepath.Dir(cfg.Storage.Path), "crashes"), Version)

	var audit *logging.AuditLogger
	if cfg.Server.AuditLog != "" {
		audit, err = logging.OpenAuditLog(cfg.Server.AuditLog, cfg.Logging.MaxSizeMB, cfg.Logging.MaxBackups)
		if err != nil {
			return fmt.Errorf("open audit log: %w", err)
		}
		defer audit.Close()
	}

	db, err := store.OpenWithTimeout(cfg.Storage.Path, time.Duration(cfg.Storage.BusyTimeoutMs)*time.Millisecond)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer db.Close()

	checker := health.NewChecker()
	checker.RegisterFunc("disk", false, health.DiskSpaceCheck(filepath.Dir(cfg.Storage.Path), minFreeDisk))

	tracer, err := newTracer(cfg, log)
	if err != nil {
		return err
	}
	defer tracer.Close()

	registry := metrics.NewRegistry("keylab", "")
	srv, err := server.New(server.Options{
		Store:   db,
		Config:  cfg,
		Logger:  log,
		Metrics: metrics.NewKeylabMetrics(registry),
		Audit:   audit,
		Health:  checker,
		Crash:   crash,
		Tracer:  tracer,
		Version: Version,
	})
	if err != nil {
		return err
	}

	loader.OnChange(func(next *config.Config) {
		srv.Apply(next)
		if level, err := logging.ParseLevel(next.Logging.Level); err == nil && !f.verbose {
			logger.SetLevel(level)
		}
		log.Info("applied configuration",
			"allowed_origins", next.Server.AllowedOrigins,
			"rate_limit", next.RateLimit.MaxRequests,
			"rate_window_sec", next.RateLimit.WindowSec,
		)
	})
	if _, err := os.Stat(f.config); err == nil {
		if err := loader.Watch(); err != nil {
			log.Warn("config hot reload disabled", "error", err)
		}
	}
	defer loader.Close()

	sweepCtx, cancelSweep := context.WithCancel(ctx)
	defer cancelSweep()
	go srv.Limiter().Run(sweepCtx, sweepInterval)

	httpSrv := &http.Server{
		Addr:              cfg.Server.Listen,
		Handler:           srv.Handler(),
		ReadTimeout:       time.Duration(cfg.Server.ReadTimeoutSec) * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      time.Duration(cfg.Server.WriteTimeoutSec) * time.Second,
		IdleTimeout:       2 * time.Minute,
		ErrorLog:          slog.NewLogLogger(log.Handler(), slog.LevelWarn),
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- httpSrv.ListenAndServe()
	}()

	checker.SetReady(true)
	log.Info("keylabd started", "version", Version, "listen", cfg.Server.Listen, "db", cfg.Storage.Path)
	audit.Log(ctx, logging.AuditEvent{
		EventType: logging.AuditStartup,
		Result:    "ok",
		Details:   map[string]any{"version": Version, "listen": cfg.Server.Listen},
	})

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
	case <-ctx.Done():
		log.Info("shutting down")
	}

	checker.SetReady(false)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.Warn("graceful shutdown incomplete", "error", err)
	}

	audit.Log(shutdownCtx, logging.AuditEvent{EventType: logging.AuditShutdown, Result: "ok"})
	log.Info("keylabd stopped")
	return nil
}

func newLogger(c config.LoggingConfig, verbose bool) (*logging.Logger, error) {
	lc := logging.DefaultConfig()
	lc.Component = "keylabd"
	lc.Output = c.Output
	lc.FilePath = c.FilePath
	lc.MaxSize = c.MaxSizeMB
	lc.MaxBackups = c.MaxBackups

	level, err := logging.ParseLevel(c.Level)
	if err != nil {
		return nil, err
	}
	if verbose {
		level = logging.LevelDebug
	}
	lc.Level = level

	format, err := logging.ParseFormat(c.Format)
	if err != nil {
		return nil, err
	}
	lc.Format = format

	l, err := logging.New(lc)
	if err != nil {
		return nil, fmt.Errorf("create logger: %w", err)
	}
	return l, nil
}

// newTracer returns nil when tracing is disabled.
func newTracer(cfg *config.Config, log *slog.Logger) (*tracing.Tracer, error) {
	if !cfg.Tracing.Enabled {
		return nil, nil
	}
	var exp tracing.Exporter = tracing.LogExporter{Logger: log}
	if cfg.Tracing.File != "" {
		r, err := logging.NewFileRotator(&logging.Config{
			FilePath:   cfg.Tracing.File,
			MaxSize:    cfg.Logging.MaxSizeMB,
			MaxBackups: cfg.Logging.MaxBackups,
			Compress:   true,
		})
		if err != nil {
			return nil, fmt.Errorf("open span file: %w", err)
		}
		exp = tracing.NewJSONExporter(r)
	}
	return tracing.NewTracer("keylabd", exp, cfg.Tracing.SampleRatio), nil
}
