// Package config loads orchestrator settings from an optional YAML file and
// the environment. Environment variables override the file.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type TransportKind string

const (
	TransportHTTP      TransportKind = "http"
	TransportWebSocket TransportKind = "websocket"
)

// EnvConfigFile names the YAML file read before the environment.
const EnvConfigFile = "DATACHAT_CONFIG"

type Config struct {
	BackendURL string        `yaml:"backend_url"`
	Transport  TransportKind `yaml:"transport"`
	DataDir    string        `yaml:"data_dir"`

	// Backend request policy.
	RequestTimeout     time.Duration `yaml:"request_timeout"`
	SummaryWarnLatency time.Duration `yaml:"summary_warn_latency"`

	// Stage stream.
	ChunkSize    int           `yaml:"chunk_size"`
	StallTimeout time.Duration `yaml:"stall_timeout"` // 0 disables the watchdog

	// Session guard.
	IdleTimeout   time.Duration `yaml:"idle_timeout"`
	TouchInterval time.Duration `yaml:"touch_interval"`
	CheckInterval time.Duration `yaml:"check_interval"`

	// Voice.
	AudioFormat     string `yaml:"audio_format"`
	PrebufferBytes  int    `yaml:"prebuffer_bytes"`
	MaxCaptureBytes int    `yaml:"max_capture_bytes"`

	LogFormat   string `yaml:"log_format"`
	LogLevel    string `yaml:"log_level"`
	MetricsAddr string `yaml:"metrics_addr"`
}

// Default returns the built-in settings.
func Default() Config {
	return Config{
		BackendURL:         "http://localhost:8000",
		Transport:          TransportHTTP,
		DataDir:            defaultDataDir(),
		RequestTimeout:     60 * time.Second,
		SummaryWarnLatency: 500 * time.Millisecond,
		ChunkSize:          4096,
		StallTimeout:       0,
		IdleTimeout:        5 * time.Minute,
		TouchInterval:      10 * time.Second,
		CheckInterval:      30 * time.Second,
		AudioFormat:        "wav",
		PrebufferBytes:     8 << 10,
		MaxCaptureBytes:    10 << 20,
		LogFormat:          "text",
		LogLevel:           "info",
	}
}

func defaultDataDir() string {
	dir, err := os.UserConfigDir()
	if err != nil || dir == "" {
		return ".datachat"
	}
	return dir + string(os.PathSeparator) + "datachat"
}

// Load reads the file named by DATACHAT_CONFIG, if set, then the environment.
func Load() (Config, error) {
	return LoadFile(strings.TrimSpace(os.Getenv(EnvConfigFile)))
}

// LoadFile reads path (skipped when empty) over the defaults, applies
// environment overrides and validates the result.
func LoadFile(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config file %q: %w", path, err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config file %q: %w", path, err)
		}
	}
	cfg = applyEnv(cfg)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadFromEnv applies environment variables over the defaults.
func LoadFromEnv() (Config, error) {
	return LoadFile("")
}

func applyEnv(cfg Config) Config {
	cfg.BackendURL = envOr("DATACHAT_BACKEND_URL", cfg.BackendURL)
	cfg.Transport = TransportKind(strings.ToLower(envOr("DATACHAT_TRANSPORT", string(cfg.Transport))))
	cfg.DataDir = envOr("DATACHAT_DATA_DIR", cfg.DataDir)
	cfg.RequestTimeout = envDurationOr("DATACHAT_REQUEST_TIMEOUT", cfg.RequestTimeout)
	cfg.SummaryWarnLatency = envDurationOr("DATACHAT_SUMMARY_WARN_LATENCY", cfg.SummaryWarnLatency)
	cfg.ChunkSize = envIntOr("DATACHAT_CHUNK_SIZE", cfg.ChunkSize)
	cfg.StallTimeout = envDurationOr("DATACHAT_STALL_TIMEOUT", cfg.StallTimeout)
	cfg.IdleTimeout = envDurationOr("DATACHAT_IDLE_TIMEOUT", cfg.IdleTimeout)
	cfg.TouchInterval = envDurationOr("DATACHAT_TOUCH_INTERVAL", cfg.TouchInterval)
	cfg.CheckInterval = envDurationOr("DATACHAT_CHECK_INTERVAL", cfg.CheckInterval)
	cfg.AudioFormat = envOr("DATACHAT_AUDIO_FORMAT", cfg.AudioFormat)
	cfg.PrebufferBytes = envIntOr("DATACHAT_PREBUFFER_BYTES", cfg.PrebufferBytes)
	cfg.MaxCaptureBytes = envIntOr("DATACHAT_MAX_CAPTURE_BYTES", cfg.MaxCaptureBytes)
	cfg.LogFormat = strings.ToLower(envOr("DATACHAT_LOG_FORMAT", cfg.LogFormat))
	cfg.LogLevel = strings.ToLower(envOr("DATACHAT_LOG_LEVEL", cfg.LogLevel))
	cfg.MetricsAddr = envOr("DATACHAT_METRICS_ADDR", cfg.MetricsAddr)
	return cfg
}

// Validate reports the first invalid setting.
func (c Config) Validate() error {
	u, err := url.Parse(strings.TrimSpace(c.BackendURL))
	if err != nil || u.Host == "" {
		return fmt.Errorf("DATACHAT_BACKEND_URL must be an absolute URL")
	}
	switch u.Scheme {
	case "http", "https":
	default:
		return fmt.Errorf("DATACHAT_BACKEND_URL must use http or https")
	}
	switch c.Transport {
	case TransportHTTP, TransportWebSocket:
	default:
		return fmt.Errorf("DATACHAT_TRANSPORT must be one of http|websocket")
	}
	if strings.TrimSpace(c.DataDir) == "" {
		return errors.New("DATACHAT_DATA_DIR must not be empty")
	}
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("DATACHAT_REQUEST_TIMEOUT must be > 0")
	}
	if c.SummaryWarnLatency <= 0 {
		return fmt.Errorf("DATACHAT_SUMMARY_WARN_LATENCY must be > 0")
	}
	if c.ChunkSize <= 0 {
		return fmt.Errorf("DATACHAT_CHUNK_SIZE must be > 0")
	}
	if c.StallTimeout < 0 {
		return fmt.Errorf("DATACHAT_STALL_TIMEOUT must be >= 0")
	}
	if c.IdleTimeout <= 0 {
		return fmt.Errorf("DATACHAT_IDLE_TIMEOUT must be > 0")
	}
	if c.TouchInterval <= 0 {
		return fmt.Errorf("DATACHAT_TOUCH_INTERVAL must be > 0")
	}
	if c.TouchInterval >= c.IdleTimeout {
		return fmt.Errorf("DATACHAT_TOUCH_INTERVAL must be < DATACHAT_IDLE_TIMEOUT")
	}
	if c.CheckInterval <= 0 {
		return fmt.Errorf("DATACHAT_CHECK_INTERVAL must be > 0")
	}
	if strings.TrimSpace(c.AudioFormat) == "" {
		return fmt.Errorf("DATACHAT_AUDIO_FORMAT must not be empty")
	}
	if c.PrebufferBytes < 0 {
		return fmt.Errorf("DATACHAT_PREBUFFER_BYTES must be >= 0")
	}
	if c.MaxCaptureBytes <= 0 {
		return fmt.Errorf("DATACHAT_MAX_CAPTURE_BYTES must be > 0")
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("DATACHAT_LOG_FORMAT must be one of text|json")
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("DATACHAT_LOG_LEVEL must be one of debug|info|warn|error")
	}
	return nil
}
