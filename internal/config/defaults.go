package config

import "path/filepath"

// Defaults.
const (
	DefaultListen         = ":8080"
	DefaultMaxFileSize    = 10 * 1024 * 1024
	DefaultCaptureCap     = 50000
	DefaultNotifyInterval = 50
	DefaultRateWindowSec  = 60
	DefaultRateMax        = 10
	DefaultStudyVersion   = "1.0"
	DefaultUploadTimeout  = 30
)

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Version: Version,
		Server: ServerConfig{
			Listen:          DefaultListen,
			ReadTimeoutSec:  30,
			WriteTimeoutSec: 30,
			PIDFile:         filepath.Join("data", "keylabd.pid"),
		},
		Storage: StorageConfig{
			Path:          filepath.Join("data", "keylab.db"),
			MaxFileSize:   DefaultMaxFileSize,
			BusyTimeoutMs: 5000,
		},
		Capture: CaptureConfig{
			Capacity:       DefaultCaptureCap,
			NotifyInterval: DefaultNotifyInterval,
		},
		RateLimit: RateLimitConfig{
			WindowSec:   DefaultRateWindowSec,
			MaxRequests: DefaultRateMax,
		},
		Study: StudyConfig{Version: DefaultStudyVersion},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "text",
			Output:     "stderr",
			FilePath:   filepath.Join("logs", "keylab.log"),
			MaxSizeMB:  50,
			MaxBackups: 5,
		},
		Upload: UploadConfig{
			Endpoint:   "http://localhost:8080",
			TimeoutSec: DefaultUploadTimeout,
		},
		Tracing: TracingConfig{SampleRatio: 1},
	}
}
