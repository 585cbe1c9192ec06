package config

import (
	"fmt"
	"net/url"
	"strings"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Message)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	msgs := make([]string, 0, len(e))
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

// ValidateConfig performs comprehensive validation of the configuration.
func ValidateConfig(c *Config) error {
	var errs ValidationErrors
	add := func(field, format string, args ...any) {
		errs = append(errs, ValidationError{Field: field, Message: fmt.Sprintf(format, args...)})
	}

	if c.Version < 1 || c.Version > Version {
		add("version", "unsupported version %d (current: %d)", c.Version, Version)
	}

	if c.Server.Listen == "" {
		add("server.listen", "is required")
	}
	if c.Server.ReadTimeoutSec < 0 {
		add("server.read_timeout_sec", "must not be negative")
	}
	if c.Server.WriteTimeoutSec < 0 {
		add("server.write_timeout_sec", "must not be negative")
	}
	for _, origin := range c.Server.AllowedOrigins {
		if origin == "*" {
			continue
		}
		if u, err := url.Parse(origin); err != nil || u.Scheme == "" || u.Host == "" {
			add("server.allowed_origins", "invalid origin %q", origin)
		}
	}
	if c.Server.PublicURL != "" {
		if u, err := url.Parse(c.Server.PublicURL); err != nil || u.Scheme == "" {
			add("server.public_url", "invalid URL %q", c.Server.PublicURL)
		}
	}

	if c.Storage.Path == "" {
		add("storage.path", "is required")
	}
	if c.Storage.MaxFileSize <= 0 {
		add("storage.max_file_size", "must be positive")
	}
	if c.Storage.BusyTimeoutMs < 0 {
		add("storage.busy_timeout_ms", "must not be negative")
	}

	if c.Capture.Capacity < 2 {
		add("capture.capacity", "must be at least 2")
	}
	if c.Capture.NotifyInterval < 0 {
		add("capture.notify_interval", "must not be negative")
	}

	if c.RateLimit.WindowSec <= 0 {
		add("rate_limit.window_sec", "must be positive")
	}
	if c.RateLimit.MaxRequests <= 0 {
		add("rate_limit.max_requests", "must be positive")
	}

	if c.Study.Version == "" {
		add("study.version", "is required")
	}

	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		add("logging.level", "unknown level %q", c.Logging.Level)
	}
	switch strings.ToLower(c.Logging.Format) {
	case "", "text", "json":
	default:
		add("logging.format", "unknown format %q", c.Logging.Format)
	}
	switch strings.ToLower(c.Logging.Output) {
	case "stdout", "stderr":
	case "file", "both":
		if c.Logging.FilePath == "" {
			add("logging.file_path", "is required for output %q", c.Logging.Output)
		}
	default:
		add("logging.output", "unknown output %q", c.Logging.Output)
	}

	if c.Upload.Endpoint != "" {
		if u, err := url.Parse(c.Upload.Endpoint); err != nil || (u.Scheme != "http" && u.Scheme != "https") {
			add("upload.endpoint", "must be an http(s) URL")
		}
	}
	if c.Upload.TimeoutSec <= 0 {
		add("upload.timeout_sec", "must be positive")
	}

	if c.Tracing.SampleRatio < 0 || c.Tracing.SampleRatio > 1 {
		add("tracing.sample_ratio", "must be between 0 and 1")
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}
