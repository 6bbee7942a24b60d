package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config holds all application configuration.
type Config struct {
	Server    ServerConfig
	Sandbox   SandboxConfig
	Source    SourceConfig
	Plugins   PluginsConfig
	Logging   LogConfig
	RateLimit RateLimitConfig
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port string `envconfig:"PORT" default:"8000"`
	Host string `envconfig:"HOST" default:"0.0.0.0"`

	CORSOrigins     []string      `envconfig:"CORS_ORIGINS" default:"*"`
	ShutdownTimeout time.Duration `envconfig:"SHUTDOWN_TIMEOUT" default:"10s"`
}

// SandboxConfig holds plugin realm limits.
type SandboxConfig struct {
	ExecTimeout          time.Duration `envconfig:"SANDBOX_EXEC_TIMEOUT" default:"5s"`
	LoadTimeout          time.Duration `envconfig:"SANDBOX_LOAD_TIMEOUT" default:"30s"`
	MaxCallStackSize     int           `envconfig:"SANDBOX_MAX_CALL_STACK" default:"1024"`
	EnableEval           bool          `envconfig:"SANDBOX_ENABLE_EVAL" default:"false"`
	ForwardResizeReports bool          `envconfig:"SANDBOX_FORWARD_RESIZE" default:"true"`
	SanitizeHTML         bool          `envconfig:"SANDBOX_SANITIZE_HTML" default:"false"`
	ConsoleLimit         int           `envconfig:"SANDBOX_CONSOLE_LIMIT" default:"200"`
}

// SourceConfig holds remote script fetching configuration.
type SourceConfig struct {
	Timeout   time.Duration `envconfig:"SOURCE_TIMEOUT" default:"15s"`
	Retries   int           `envconfig:"SOURCE_RETRIES" default:"3"`
	MaxBytes  int64         `envconfig:"SOURCE_MAX_BYTES" default:"5242880"`
	AllowFile bool          `envconfig:"SOURCE_ALLOW_FILE" default:"false"`
	UserAgent string        `envconfig:"SOURCE_USER_AGENT" default:"scenehost/1.0"`
	RateLimit float64       `envconfig:"SOURCE_RATE_LIMIT" default:"0"`
}

// PluginsConfig holds plugin discovery configuration.
type PluginsConfig struct {
	Dir   string `envconfig:"PLUGINS_DIR" default:""`
	Watch bool   `envconfig:"PLUGINS_WATCH" default:"false"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level       string `envconfig:"LOG_LEVEL" default:"info"`
	Development bool   `envconfig:"LOG_DEV" default:"false"`
}

// RateLimitConfig holds rate limiting configuration.
type RateLimitConfig struct {
	RequestsPerSecond int  `envconfig:"RATE_LIMIT_RPS" default:"100"`
	Burst             int  `envconfig:"RATE_LIMIT_BURST" default:"200"`
	Enabled           bool `envconfig:"RATE_LIMIT_ENABLED" default:"true"`
}

// Load loads configuration from environment variables.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return &cfg, nil
}

// LoadOrDefault loads configuration from environment or returns default.
func LoadOrDefault() *Config {
	cfg, err := Load()
	if err != nil {
		return Default()
	}
	return cfg
}

// Default returns default configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            "8000",
			Host:            "0.0.0.0",
			CORSOrigins:     []string{"*"},
			ShutdownTimeout: 10 * time.Second,
		},
		Sandbox: SandboxConfig{
			ExecTimeout:          5 * time.Second,
			LoadTimeout:          30 * time.Second,
			MaxCallStackSize:     1024,
			EnableEval:           false,
			ForwardResizeReports: true,
			SanitizeHTML:         false,
			ConsoleLimit:         200,
		},
		Source: SourceConfig{
			Timeout:   15 * time.Second,
			Retries:   3,
			MaxBytes:  5 << 20,
			AllowFile: false,
			UserAgent: "scenehost/1.0",
			RateLimit: 0,
		},
		Plugins: PluginsConfig{},
		Logging: LogConfig{
			Level:       "info",
			Development: false,
		},
		RateLimit: RateLimitConfig{
			RequestsPerSecond: 100,
			Burst:             200,
			Enabled:           true,
		},
	}
}

// Addr returns the listen address.
func (s ServerConfig) Addr() string {
	return s.Host + ":" + s.Port
}
