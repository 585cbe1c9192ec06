// Package config handles configuration loading, validation, and hot reload
// for keylab.
package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Version is the current configuration schema version.
const Version = 1

// EnvPrefix prefixes every environment override.
const EnvPrefix = "KEYLAB_"

// Config holds the complete keylab configuration.
type Config struct {
	Version int `toml:"version" json:"version" yaml:"version"`

	Server    ServerConfig    `toml:"server" json:"server" yaml:"server"`
	Storage   StorageConfig   `toml:"storage" json:"storage" yaml:"storage"`
	Capture   CaptureConfig   `toml:"capture" json:"capture" yaml:"capture"`
	RateLimit RateLimitConfig `toml:"rate_limit" json:"rate_limit" yaml:"rate_limit"`
	Study     StudyConfig     `toml:"study" json:"study" yaml:"study"`
	Logging   LoggingConfig   `toml:"logging" json:"logging" yaml:"logging"`
	Upload    UploadConfig    `toml:"upload" json:"upload" yaml:"upload"`
	Tracing   TracingConfig   `toml:"tracing" json:"tracing" yaml:"tracing"`

	mu sync.RWMutex `toml:"-" json:"-" yaml:"-"`
}

// ServerConfig configures the HTTP backend.
type ServerConfig struct {
	// Listen is the TCP address for the HTTP server.
	Listen string `toml:"listen" json:"listen" yaml:"listen"`

	// AllowedOrigins lists CORS origins. Empty allows any origin.
	AllowedOrigins []string `toml:"allowed_origins" json:"allowed_origins" yaml:"allowed_origins"`

	ReadTimeoutSec  int `toml:"read_timeout_sec" json:"read_timeout_sec" yaml:"read_timeout_sec"`
	WriteTimeoutSec int `toml:"write_timeout_sec" json:"write_timeout_sec" yaml:"write_timeout_sec"`

	// PublicURL prefixes artifact URLs in upload replies.
	PublicURL string `toml:"public_url" json:"public_url" yaml:"public_url"`

	// PIDFile is locked for the lifetime of keylabd.
	PIDFile string `toml:"pid_file" json:"pid_file" yaml:"pid_file"`

	// AuditLog is the path of the JSON-lines audit trail. Empty disables it.
	AuditLog string `toml:"audit_log" json:"audit_log" yaml:"audit_log"`
}

// StorageConfig configures the SQLite artifact store.
type StorageConfig struct {
	Path          string `toml:"path" json:"path" yaml:"path"`
	MaxFileSize   int64  `toml:"max_file_size" json:"max_file_size" yaml:"max_file_size"`
	BusyTimeoutMs int    `toml:"busy_timeout_ms" json:"busy_timeout_ms" yaml:"busy_timeout_ms"`
}

// CaptureConfig configures keystroke capture sessions.
type CaptureConfig struct {
	// Capacity is the maximum number of events kept per session.
	Capacity int `toml:"capacity" json:"capacity" yaml:"capacity"`

	// NotifyInterval sends a progress frame every N recorded events.
	// Zero disables progress frames.
	NotifyInterval int `toml:"notify_interval" json:"notify_interval" yaml:"notify_interval"`

	// ServerTimestamps replaces client timestamps with the server's clock.
	ServerTimestamps bool `toml:"server_timestamps" json:"server_timestamps" yaml:"server_timestamps"`
}

// RateLimitConfig configures the per-client request limit.
type RateLimitConfig struct {
	WindowSec   int `toml:"window_sec" json:"window_sec" yaml:"window_sec"`
	MaxRequests int `toml:"max_requests" json:"max_requests" yaml:"max_requests"`
}

// StudyConfig describes the running study.
type StudyConfig struct {
	Version string `toml:"version" json:"version" yaml:"version"`
}

// LoggingConfig configures the process logger.
type LoggingConfig struct {
	Level      string `toml:"level" json:"level" yaml:"level"`
	Format     string `toml:"format" json:"format" yaml:"format"`
	Output     string `toml:"output" json:"output" yaml:"output"`
	FilePath   string `toml:"file_path" json:"file_path" yaml:"file_path"`
	MaxSizeMB  int64  `toml:"max_size_mb" json:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups int    `toml:"max_backups" json:"max_backups" yaml:"max_backups"`
}

// UploadConfig configures keylabctl's uploader.
type UploadConfig struct {
	Endpoint   string `toml:"endpoint" json:"endpoint" yaml:"endpoint"`
	TimeoutSec int    `toml:"timeout_sec" json:"timeout_sec" yaml:"timeout_sec"`
}

// TracingConfig configures request tracing in keylabd.
type TracingConfig struct {
	Enabled bool `toml:"enabled" json:"enabled" yaml:"enabled"`

	// SampleRatio is the fraction of new traces recorded. Requests
	// carrying a traceparent follow the caller's decision.
	SampleRatio float64 `toml:"sample_ratio" json:"sample_ratio" yaml:"sample_ratio"`

	// File receives finished spans as JSON lines. Empty logs spans at
	// debug level instead.
	File string `toml:"file" json:"file" yaml:"file"`
}

// Window returns the rate-limit window.
func (r RateLimitConfig) Window() time.Duration {
	return time.Duration(r.WindowSec) * time.Second
}

// Timeout returns the upload request timeout.
func (u UploadConfig) Timeout() time.Duration {
	return time.Duration(u.TimeoutSec) * time.Second
}

// Load reads configuration from path. A missing file yields defaults.
// The format follows the extension: .toml, .json, .yaml or .yml; anything
// else is tried as TOML, JSON, then YAML. Environment overrides are
// applied last.
func Load(path string) (*Config, error) {
	cfg, err := loadConfigFromFile(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.ApplyEnvOverrides(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadConfigFromFile(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		if _, err := toml.Decode(string(data), cfg); err != nil {
			return nil, fmt.Errorf("decode TOML: %w", err)
		}
	case ".json":
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("decode JSON: %w", err)
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("decode YAML: %w", err)
		}
	default:
		parsed, err := autoDetectAndParse(data)
		if err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
		cfg = parsed
	}
	return cfg, nil
}

func autoDetectAndParse(data []byte) (*Config, error) {
	if cfg := DefaultConfig(); tomlOK(data, cfg) {
		return cfg, nil
	}
	if cfg := DefaultConfig(); json.Unmarshal(data, cfg) == nil {
		return cfg, nil
	}
	if cfg := DefaultConfig(); yaml.Unmarshal(data, cfg) == nil {
		return cfg, nil
	}
	return nil, fmt.Errorf("unable to parse config file (tried TOML, JSON, YAML)")
}

func tomlOK(data []byte, cfg *Config) bool {
	_, err := toml.Decode(string(data), cfg)
	return err == nil
}

// Save writes cfg to path in the format named by its extension.
func Save(cfg *Config, path string) error {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	var data []byte
	var err error
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		data, err = json.MarshalIndent(cfg, "", "  ")
	case ".yaml", ".yml":
		data, err = yaml.Marshal(cfg)
	default:
		var buf bytes.Buffer
		err = toml.NewEncoder(&buf).Encode(cfg)
		data = buf.Bytes()
	}
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	return os.WriteFile(path, data, 0640)
}

// ApplyEnvOverrides applies KEYLAB_* environment variables.
func (c *Config) ApplyEnvOverrides() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var errs ValidationErrors
	str := func(name string, dst *string) {
		if v, ok := os.LookupEnv(EnvPrefix + name); ok && v != "" {
			*dst = v
		}
	}
	num := func(name string, dst *int) {
		if v, ok := os.LookupEnv(EnvPrefix + name); ok && v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, ValidationError{Field: EnvPrefix + name, Message: "must be an integer"})
				return
			}
			*dst = n
		}
	}

	str("LISTEN", &c.Server.Listen)
	str("PUBLIC_URL", &c.Server.PublicURL)
	if v := os.Getenv(EnvPrefix + "ALLOWED_ORIGINS"); v != "" {
		c.Server.AllowedOrigins = splitList(v)
	}
	str("STORAGE_PATH", &c.Storage.Path)
	if v := os.Getenv(EnvPrefix + "MAX_FILE_SIZE"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			errs = append(errs, ValidationError{Field: EnvPrefix + "MAX_FILE_SIZE", Message: "must be an integer"})
		} else {
			c.Storage.MaxFileSize = n
		}
	}
	num("CAPTURE_CAPACITY", &c.Capture.Capacity)
	num("RATE_LIMIT_MAX", &c.RateLimit.MaxRequests)
	num("RATE_LIMIT_WINDOW_SEC", &c.RateLimit.WindowSec)
	str("STUDY_VERSION", &c.Study.Version)
	str("LOG_LEVEL", &c.Logging.Level)
	str("LOG_FORMAT", &c.Logging.Format)
	str("LOG_PATH", &c.Logging.FilePath)
	str("UPLOAD_ENDPOINT", &c.Upload.Endpoint)
	if v := os.Getenv(EnvPrefix + "TRACING"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			errs = append(errs, ValidationError{Field: EnvPrefix + "TRACING", Message: "must be a boolean"})
		} else {
			c.Tracing.Enabled = b
		}
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return ValidateConfig(c)
}

// Clone returns a deep copy of the configuration.
func (c *Config) Clone() *Config {
	c.mu.RLock()
	defer c.mu.RUnlock()

	clone := &Config{
		Version:   c.Version,
		Server:    c.Server,
		Storage:   c.Storage,
		Capture:   c.Capture,
		RateLimit: c.RateLimit,
		Study:     c.Study,
		Logging:   c.Logging,
		Upload:    c.Upload,
		Tracing:   c.Tracing,
	}
	clone.Server.AllowedOrigins = append([]string(nil), c.Server.AllowedOrigins...)
	return clone
}
