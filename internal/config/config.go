// Package config loads and validates gateway configuration from the environment.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

// Config holds all gateway configuration.
//
// Tags:
//
//	env: Environment variable name
//	envDefault: Default value if not set
type Config struct {
	// Server basics
	Addr        string `env:"GATEWAY_ADDR" envDefault:":8080"`
	Environment string `env:"ENVIRONMENT" envDefault:"development"`

	// Capacity (Pool Manager, §4.6)
	MaxConnectionsPerTable int           `env:"MAX_CONNECTIONS_PER_TABLE" envDefault:"10"`
	MaxTotalConnections    int           `env:"MAX_TOTAL_CONNECTIONS" envDefault:"20000"`
	ConnectionTimeout      time.Duration `env:"CONNECTION_TIMEOUT" envDefault:"60s"`
	IdleTimeout            time.Duration `env:"IDLE_TIMEOUT" envDefault:"10m"`
	GraceWindow            time.Duration `env:"GRACE_WINDOW" envDefault:"30s"`
	MaxReconnectAttempts   int           `env:"MAX_RECONNECT_ATTEMPTS" envDefault:"5"`
	ReconnectBackoffMin    time.Duration `env:"RECONNECT_BACKOFF_MIN" envDefault:"1s"`
	ReconnectBackoffMax    time.Duration `env:"RECONNECT_BACKOFF_MAX" envDefault:"30s"`

	// Lifecycle Supervisor (§4.7)
	HeartbeatInterval time.Duration `env:"HEARTBEAT_INTERVAL" envDefault:"30s"`

	// Delivery Pipeline (§4.5)
	BatchWindow            time.Duration `env:"BATCH_WINDOW" envDefault:"50ms"`
	MaxBatchSize            int          `env:"MAX_BATCH_SIZE" envDefault:"10"`
	EnableAdaptiveBatching  bool         `env:"ENABLE_ADAPTIVE_BATCHING" envDefault:"true"`
	EnableDeduplication     bool         `env:"ENABLE_DEDUPLICATION" envDefault:"true"`
	EnableBatchCompression  bool         `env:"ENABLE_BATCH_COMPRESSION" envDefault:"true"`
	CompressionThreshold    int          `env:"COMPRESSION_THRESHOLD" envDefault:"1024"`
	CompressionLevel        int          `env:"COMPRESSION_LEVEL" envDefault:"6"`

	// Resource guard (container-aware, shared shape with the admission checks)
	CPULimit           float64 `env:"GATEWAY_CPU_LIMIT" envDefault:"1.0"`
	MemoryLimit        int64   `env:"GATEWAY_MEMORY_LIMIT" envDefault:"536870912"`
	MaxGoroutines      int     `env:"MAX_GOROUTINES" envDefault:"20000"`
	CPURejectThreshold float64 `env:"CPU_REJECT_THRESHOLD" envDefault:"75.0"`
	CPUPauseThreshold  float64 `env:"CPU_PAUSE_THRESHOLD" envDefault:"85.0"`

	// Auth
	JWTSecret string `env:"JWT_SECRET,required"`

	// NATS adapters (§6)
	NATSURL            string        `env:"NATS_URL" envDefault:"nats://localhost:4222"`
	NATSRequestTimeout time.Duration `env:"NATS_REQUEST_TIMEOUT" envDefault:"2s"`
	NATSMaxReconnects  int           `env:"NATS_MAX_RECONNECTS" envDefault:"10"`
	NATSReconnectWait  time.Duration `env:"NATS_RECONNECT_WAIT" envDefault:"2s"`

	// Monitoring
	MetricsAddr     string        `env:"METRICS_ADDR" envDefault:":9090"`
	MetricsInterval time.Duration `env:"METRICS_INTERVAL" envDefault:"15s"`
	LogLevel        string        `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat       string        `env:"LOG_FORMAT" envDefault:"json"`
}

// Load reads configuration from the environment (and an optional .env file).
// Priority: real ENV vars > .env file > defaults.
func Load(logger *zerolog.Logger) (*Config, error) {
	if err := godotenv.Load(); err != nil {
		if logger != nil {
			logger.Info().Msg("no .env file found, using environment variables only")
		}
	} else if logger != nil {
		logger.Info().Msg("loaded configuration from .env file")
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

// Validate checks configuration for internal consistency.
func (c *Config) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("GATEWAY_ADDR is required")
	}
	if c.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET is required")
	}
	if c.MaxTotalConnections < 1 {
		return fmt.Errorf("MAX_TOTAL_CONNECTIONS must be > 0, got %d", c.MaxTotalConnections)
	}
	if c.MaxConnectionsPerTable < 1 {
		return fmt.Errorf("MAX_CONNECTIONS_PER_TABLE must be > 0, got %d", c.MaxConnectionsPerTable)
	}
	if c.MaxBatchSize < 1 {
		return fmt.Errorf("MAX_BATCH_SIZE must be > 0, got %d", c.MaxBatchSize)
	}
	if c.CPURejectThreshold < 0 || c.CPURejectThreshold > 100 {
		return fmt.Errorf("CPU_REJECT_THRESHOLD must be 0-100, got %.1f", c.CPURejectThreshold)
	}
	if c.CPUPauseThreshold < c.CPURejectThreshold {
		return fmt.Errorf("CPU_PAUSE_THRESHOLD (%.1f) must be >= CPU_REJECT_THRESHOLD (%.1f)",
			c.CPUPauseThreshold, c.CPURejectThreshold)
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

// Print writes a human-readable dump of the configuration to stdout.
func (c *Config) Print() {
	fmt.Println("=== Gateway Configuration ===")
	fmt.Printf("Environment:        %s\n", c.Environment)
	fmt.Printf("Address:            %s\n", c.Addr)
	fmt.Println("\n--- Pool ---")
	fmt.Printf("Max per table:      %d\n", c.MaxConnectionsPerTable)
	fmt.Printf("Max total:          %d\n", c.MaxTotalConnections)
	fmt.Printf("Connection timeout: %s\n", c.ConnectionTimeout)
	fmt.Printf("Idle timeout:       %s\n", c.IdleTimeout)
	fmt.Println("\n--- Delivery ---")
	fmt.Printf("Batch window:       %s\n", c.BatchWindow)
	fmt.Printf("Max batch size:     %d\n", c.MaxBatchSize)
	fmt.Printf("Adaptive batching:  %v\n", c.EnableAdaptiveBatching)
	fmt.Printf("Deduplication:      %v\n", c.EnableDeduplication)
	fmt.Printf("Compression:        %v (threshold %d bytes)\n", c.EnableBatchCompression, c.CompressionThreshold)
	fmt.Println("=============================")
}

// LogConfig emits configuration as a structured log line (Loki-compatible).
func (c *Config) LogConfig(logger zerolog.Logger) {
	logger.Info().
		Str("environment", c.Environment).
		Str("addr", c.Addr).
		Int("max_connections_per_table", c.MaxConnectionsPerTable).
		Int("max_total_connections", c.MaxTotalConnections).
		Dur("connection_timeout", c.ConnectionTimeout).
		Dur("idle_timeout", c.IdleTimeout).
		Dur("grace_window", c.GraceWindow).
		Dur("batch_window", c.BatchWindow).
		Int("max_batch_size", c.MaxBatchSize).
		Bool("adaptive_batching", c.EnableAdaptiveBatching).
		Bool("deduplication", c.EnableDeduplication).
		Bool("batch_compression", c.EnableBatchCompression).
		Float64("cpu_reject_threshold", c.CPURejectThreshold).
		Float64("cpu_pause_threshold", c.CPUPauseThreshold).
		Str("nats_url", c.NATSURL).
		Str("log_level", c.LogLevel).
		Str("log_format", c.LogFormat).
		Msg("gateway configuration loaded")
}
