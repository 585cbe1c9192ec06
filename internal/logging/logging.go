// Package logging builds keylab's slog loggers: text or JSON output to
// stderr, stdout, a rotated file or both, a component attribute, request
// ids taken from the context, and redaction of credentials and of
// participant free text.
package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// Level is a slog level.
type Level = slog.Level

const (
	LevelDebug = slog.LevelDebug
	LevelInfo  = slog.LevelInfo
	LevelWarn  = slog.LevelWarn
	LevelError = slog.LevelError
)

var levelNames = map[string]Level{
	"debug":   LevelDebug,
	"info":    LevelInfo,
	"warn":    LevelWarn,
	"warning": LevelWarn,
	"error":   LevelError,
}

// ParseLevel maps a config level name to a Level.
func ParseLevel(s string) (Level, error) {
	if l, ok := levelNames[strings.ToLower(s)]; ok {
		return l, nil
	}
	return LevelInfo, fmt.Errorf("unknown log level: %q", s)
}

// LevelString is the inverse of ParseLevel.
func LevelString(l Level) string {
	switch {
	case l <= LevelDebug:
		return "debug"
	case l >= LevelError:
		return "error"
	case l >= LevelWarn:
		return "warn"
	}
	return "info"
}

// Format selects the slog handler.
type Format int

const (
	FormatText Format = iota
	FormatJSON
)

// ParseFormat accepts "text" (or empty) and "json".
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(s) {
	case "", "text":
		return FormatText, nil
	case "json":
		return FormatJSON, nil
	}
	return FormatText, fmt.Errorf("unknown log format: %q", s)
}

// Config describes where and how a Logger writes.
type Config struct {
	Level  Level
	Format Format

	// Output is "stdout", "stderr", "file" or "both" (stderr and file).
	Output   string
	FilePath string

	// MaxSize is the rotation threshold in megabytes.
	MaxSize    int64
	MaxBackups int
	Compress   bool

	AddSource bool
	Component string

	// Writer, when set, replaces Output.
	Writer io.Writer
}

// DefaultConfig logs text at info level to stderr.
func DefaultConfig() *Config {
	return &Config{
		Level:      LevelInfo,
		Output:     "stderr",
		FilePath:   filepath.Join("logs", "keylab.log"),
		MaxSize:    50,
		MaxBackups: 5,
		Compress:   true,
		Component:  "keylab",
	}
}

// Logger is a slog.Logger whose level can change at runtime and which
// owns its log file, if any.
type Logger struct {
	*slog.Logger
	level   *slog.LevelVar
	rotator *FileRotator
	closeMu sync.Mutex
}

// New builds a Logger from cfg, or from DefaultConfig when cfg is nil.
func New(cfg *Config) (*Logger, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	l := &Logger{level: new(slog.LevelVar)}
	l.level.Set(cfg.Level)

	w, err := l.open(cfg)
	if err != nil {
		return nil, fmt.Errorf("open log output: %w", err)
	}

	opts := &slog.HandlerOptions{
		Level:       l.level,
		AddSource:   cfg.AddSource,
		ReplaceAttr: redact,
	}
	var h slog.Handler = slog.NewTextHandler(w, opts)
	if cfg.Format == FormatJSON {
		h = slog.NewJSONHandler(w, opts)
	}
	if cfg.Component != "" {
		h = h.WithAttrs([]slog.Attr{slog.String("component", cfg.Component)})
	}
	l.Logger = slog.New(requestIDHandler{h})
	return l, nil
}

func (l *Logger) open(cfg *Config) (io.Writer, error) {
	if cfg.Writer != nil {
		return cfg.Writer, nil
	}
	out := strings.ToLower(cfg.Output)
	switch out {
	case "stdout":
		return os.Stdout, nil
	case "file", "both":
		r, err := NewFileRotator(cfg)
		if err != nil {
			return nil, err
		}
		l.rotator = r
		if out == "both" {
			return io.MultiWriter(os.Stderr, r), nil
		}
		return r, nil
	}
	return os.Stderr, nil
}

// SetLevel changes the minimum level of l and every logger derived from it.
func (l *Logger) SetLevel(level Level) {
	l.level.Set(level)
}

// Level returns the current minimum level.
func (l *Logger) Level() Level {
	return l.level.Level()
}

func (l *Logger) with(args ...any) *Logger {
	return &Logger{Logger: l.Logger.With(args...), level: l.level, rotator: l.rotator}
}

// WithComponent replaces the component attribute.
func (l *Logger) WithComponent(name string) *Logger {
	return l.with("component", name)
}

// WithRequestID tags every record with id.
func (l *Logger) WithRequestID(id string) *Logger {
	return l.with("request_id", id)
}

// WithContext tags every record with the request id carried by ctx.
// Records logged with a *Context method pick it up without this.
func (l *Logger) WithContext(ctx context.Context) *Logger {
	if id := RequestIDFromContext(ctx); id != "" {
		return l.WithRequestID(id)
	}
	return l
}

// Sync flushes the log file, if any.
func (l *Logger) Sync() error {
	if l.rotator == nil {
		return nil
	}
	return l.rotator.Sync()
}

// Close closes the log file, if any. Derived loggers share the file.
func (l *Logger) Close() error {
	l.closeMu.Lock()
	defer l.closeMu.Unlock()
	if l.rotator == nil {
		return nil
	}
	return l.rotator.Close()
}

var (
	defaultMu     sync.Mutex
	defaultLogger *Logger
)

// Default returns the process logger, creating a stderr logger on first
// use.
func Default() *Logger {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	if defaultLogger == nil {
		defaultLogger, _ = New(DefaultConfig())
	}
	return defaultLogger
}

// SetDefault makes l the process logger and the slog default.
func SetDefault(l *Logger) {
	defaultMu.Lock()
	defaultLogger = l
	defaultMu.Unlock()
	slog.SetDefault(l.Logger)
}

// Attribute keys containing any of these are written as [REDACTED].
// Composed text is research data and stays out of operational logs.
var sensitiveKeys = []string{
	"password", "secret", "token", "credential", "cookie",
	"authorization", "bearer", "text", "body",
}

func shouldRedact(key string) bool {
	k := strings.ToLower(key)
	for _, s := range sensitiveKeys {
		if strings.Contains(k, s) {
			return true
		}
	}
	return false
}

func redact(_ []string, a slog.Attr) slog.Attr {
	if shouldRedact(a.Key) {
		return slog.String(a.Key, "[REDACTED]")
	}
	return a
}

// requestIDHandler adds request_id from the record's context.
type requestIDHandler struct {
	slog.Handler
}

func (h requestIDHandler) Handle(ctx context.Context, r slog.Record) error {
	if id := RequestIDFromContext(ctx); id != "" {
		r.AddAttrs(slog.String("request_id", id))
	}
	return h.Handler.Handle(ctx, r)
}

func (h requestIDHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return requestIDHandler{h.Handler.WithAttrs(attrs)}
}

func (h requestIDHandler) WithGroup(name string) slog.Handler {
	return requestIDHandler{h.Handler.WithGroup(name)}
}

type requestIDKey struct{}

// NewRequestID returns a random request id.
func NewRequestID() string {
	return uuid.NewString()
}

// ContextWithRequestID attaches id to ctx.
func ContextWithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

// RequestIDFromContext returns the request id in ctx, or "".
func RequestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}
