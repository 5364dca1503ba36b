package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

// Config holds all broker configuration.
// Tags:
//
//	env: Environment variable name
//	envDefault: Default value if not set
type Config struct {
	// Server basics
	Addr   string `env:"HUB_ADDR" envDefault:":8000"`
	DBPath string `env:"HUB_DB_PATH" envDefault:"topichub.db"`

	// Capacity
	MaxConnections int `env:"HUB_MAX_CONNECTIONS" envDefault:"1000"`

	// Per-connection inbound frame rate limiting.
	// Exceeding the limit yields an error envelope, never a disconnect.
	FrameRatePerSec float64 `env:"HUB_FRAME_RATE_PER_SEC" envDefault:"50"`
	FrameRateBurst  int     `env:"HUB_FRAME_RATE_BURST" envDefault:"100"`

	// WebSocket timing
	WriteWait      time.Duration `env:"HUB_WRITE_WAIT" envDefault:"10s"`
	PongWait       time.Duration `env:"HUB_PONG_WAIT" envDefault:"60s"`
	MaxMessageSize int64         `env:"HUB_MAX_MESSAGE_SIZE" envDefault:"65536"`

	// Outbound buffer per connection (frames)
	SendBufferSize int `env:"HUB_SEND_BUFFER_SIZE" envDefault:"256"`

	// HTTP server timing
	HTTPReadTimeout  time.Duration `env:"HUB_HTTP_READ_TIMEOUT" envDefault:"10s"`
	HTTPWriteTimeout time.Duration `env:"HUB_HTTP_WRITE_TIMEOUT" envDefault:"10s"`
	HTTPIdleTimeout  time.Duration `env:"HUB_HTTP_IDLE_TIMEOUT" envDefault:"120s"`

	// Monitoring
	MetricsInterval time.Duration `env:"METRICS_INTERVAL" envDefault:"15s"`

	// Logging
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`
}

// Load reads configuration from .env file and environment variables.
// Priority: ENV vars > .env file > defaults.
func Load(logger *zerolog.Logger) (*Config, error) {
	// .env is optional; in containers everything comes from the environment.
	if err := godotenv.Load(); err != nil {
		if logger != nil {
			logger.Info().Msg("No .env file found (using environment variables only)")
		}
	} else if logger != nil {
		logger.Info().Msg("Loaded configuration from .env file")
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// Validate checks configuration for errors.
func (c *Config) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("HUB_ADDR is required")
	}
	if c.DBPath == "" {
		return fmt.Errorf("HUB_DB_PATH is required")
	}
	if c.MaxConnections < 1 {
		return fmt.Errorf("HUB_MAX_CONNECTIONS must be > 0, got %d", c.MaxConnections)
	}
	if c.FrameRatePerSec <= 0 {
		return fmt.Errorf("HUB_FRAME_RATE_PER_SEC must be > 0, got %.1f", c.FrameRatePerSec)
	}
	if c.FrameRateBurst < 1 {
		return fmt.Errorf("HUB_FRAME_RATE_BURST must be > 0, got %d", c.FrameRateBurst)
	}
	if c.SendBufferSize < 1 {
		return fmt.Errorf("HUB_SEND_BUFFER_SIZE must be > 0, got %d", c.SendBufferSize)
	}
	if c.PongWait <= 0 {
		return fmt.Errorf("HUB_PONG_WAIT must be > 0, got %s", c.PongWait)
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("LOG_LEVEL must be one of: debug, info, warn, error (got: %s)", c.LogLevel)
	}

	validLogFormats := map[string]bool{"json": true, "pretty": true}
	if !validLogFormats[c.LogFormat] {
		return fmt.Errorf("LOG_FORMAT must be one of: json, pretty (got: %s)", c.LogFormat)
	}

	return nil
}

// LogConfig logs configuration using structured logging.
func (c *Config) LogConfig(logger zerolog.Logger) {
	logger.Info().
		Str("addr", c.Addr).
		Str("db_path", c.DBPath).
		Int("max_connections", c.MaxConnections).
		Float64("frame_rate_per_sec", c.FrameRatePerSec).
		Int("frame_rate_burst", c.FrameRateBurst).
		Int("send_buffer_size", c.SendBufferSize).
		Dur("write_wait", c.WriteWait).
		Dur("pong_wait", c.PongWait).
		Dur("metrics_interval", c.MetricsInterval).
		Str("log_level", c.LogLevel).
		Str("log_format", c.LogFormat).
		Msg("Broker configuration loaded")
}
