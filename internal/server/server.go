// Package server implements keylabd's HTTP backend: artifact uploads,
// completion records, survey code validation, the task catalog and the
// keystroke capture websocket.
package server

import (
	"errors"
	"log/slog"
	"net/http"
	"slices"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"keylab/internal/config"
	"keylab/internal/health"
	"keylab/internal/logging"
	"keylab/internal/metrics"
	"keylab/internal/security"
	"keylab/internal/store"
	"keylab/internal/task"
	"keylab/internal/tracing"
)

// Connection limits for the capture websocket.
const (
	MaxCaptureConns      = 1000
	MaxCaptureConnsPerIP = 8
)

// Options configures a Server. Store is required.
type Options struct {
	Store   *store.Store
	Config  *config.Config
	Logger  *slog.Logger
	Metrics *metrics.KeylabMetrics
	Audit   *logging.AuditLogger
	Health  *health.Checker
	Crash   *logging.CrashHandler
	Tracer  *tracing.Tracer
	Version string
}

// settings are the values that follow configuration reloads.
type settings struct {
	origins      []string
	policy       security.UploadPolicy
	studyVersion string
	publicURL    string
	capture      config.CaptureConfig
}

// Server is the keylab HTTP backend.
type Server struct {
	store   *store.Store
	logger  *slog.Logger
	metrics *metrics.KeylabMetrics
	audit   *logging.AuditLogger
	health  *health.Checker
	crash   *logging.CrashHandler
	tracer  *tracing.Tracer
	version string

	limiter *security.WindowLimiter
	conns   *security.ConnectionLimiter
	current atomic.Pointer[settings]
	tasks   []task.Task
	now     func() time.Time

	router chi.Router
}

// New creates a server and its routes.
func New(opts Options) (*Server, error) {
	if opts.Store == nil {
		return nil, errors.New("server: store is required")
	}
	cfg := opts.Config
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	m := opts.Metrics
	if m == nil {
		m = metrics.NewKeylabMetrics(metrics.NewRegistry("keylab", ""))
	}
	checker := opts.Health
	if checker == nil {
		checker = health.NewChecker()
		checker.SetReady(true)
	}
	checker.RegisterFunc("store", true, health.DatabaseCheck(opts.Store.Ping))

	s := &Server{
		store:   opts.Store,
		logger:  logger,
		metrics: m,
		audit:   opts.Audit,
		health:  checker,
		crash:   opts.Crash,
		tracer:  opts.Tracer,
		version: opts.Version,
		limiter: security.NewWindowLimiter(cfg.RateLimit.MaxRequests, cfg.RateLimit.Window()),
		conns:   security.NewConnectionLimiter(MaxCaptureConns, MaxCaptureConnsPerIP),
		tasks:   task.Catalog(),
		now:     time.Now,
	}
	s.Apply(cfg)
	s.router = s.routes()
	return s, nil
}

// Apply installs the reloadable parts of cfg: CORS origins, rate limits,
// upload size, study version and capture settings.
func (s *Server) Apply(cfg *config.Config) {
	cfg = cfg.Clone()
	s.current.Store(&settings{
		origins:      cfg.Server.AllowedOrigins,
		policy:       security.UploadPolicy{MaxSize: cfg.Storage.MaxFileSize},
		studyVersion: cfg.Study.Version,
		publicURL:    cfg.Server.PublicURL,
		capture:      cfg.Capture,
	})
	s.limiter.SetLimit(cfg.RateLimit.MaxRequests, cfg.RateLimit.Window())
}

func (s *Server) settings() *settings {
	return s.current.Load()
}

// Limiter returns the request rate limiter so the owner can sweep it.
func (s *Server) Limiter() *security.WindowLimiter {
	return s.limiter
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(s.requestID)
	r.Use(s.traceRequests)
	r.Use(s.logRequests)
	r.Use(s.recoverPanics)
	r.Use(s.cors)

	r.Get("/healthz", s.health.HealthHandler(s.version).ServeHTTP)
	r.Get("/livez", s.health.LivenessHandler().ServeHTTP)
	r.Get("/readyz", s.health.ReadinessHandler().ServeHTTP)
	r.Get("/metrics", s.handleMetrics)

	r.Route("/v1", func(r chi.Router) {
		r.Get("/tasks", s.handleTasks)
		r.Get("/capture", s.handleCapture)
		r.Get("/artifacts/{name}", s.handleGetArtifact)
		r.Get("/users/{userID}/artifacts", s.handleListArtifacts)
		r.Get("/users/{userID}/sessions", s.handleListSessions)

		r.Group(func(r chi.Router) {
			r.Use(s.rateLimit)
			r.Put("/artifacts/{name}", s.handlePutArtifact)
			r.Post("/completions", s.handleStoreCompletion)
			r.Post("/codes/validate", s.handleValidateCode)
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	})
	return r
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	s.metrics.UpdateUptime()
	s.metrics.Registry().HTTPHandler().ServeHTTP(w, r)
}

func (s *Server) originAllowed(origin string) bool {
	origins := s.settings().origins
	return origin == "" || len(origins) == 0 || slices.Contains(origins, "*") || slices.Contains(origins, origin)
}
