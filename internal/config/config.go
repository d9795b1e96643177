// Package config provides configuration management for blockseal services.
// It handles loading configuration from environment variables with sensible defaults.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/bardlex/blockseal/internal/hashing"
	"github.com/bardlex/blockseal/internal/messaging"
)

// Config holds the global configuration for blockseal services
type Config struct {
	// Service identification
	ServiceName string
	Version     string
	Environment string

	// Network configuration
	ListenAddr  string
	ListenPort  int
	MetricsAddr string

	// Sealing
	HashAlgorithm     string
	DefaultDifficulty int
	MaxDifficulty     int
	MaxAttempts       uint64
	SearchTimeout     time.Duration
	SearchWorkers     int
	ProgressInterval  uint64

	// Kafka configuration, no brokers disables messaging
	KafkaBrokers  []string
	KafkaGroupID  string
	EventEncoding string

	// Redis nonce cache, an empty address disables it
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	CacheTTL      time.Duration

	// InfluxDB seal series, an empty URL disables it
	InfluxURL    string
	InfluxToken  string
	InfluxOrg    string
	InfluxBucket string

	// Performance tuning
	MaxConnections int
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	MaxMessageSize int
	WorkerPoolSize int
	RateLimitRPS   int

	// Logging
	LogLevel  string
	LogFormat string
}

// Load loads configuration from environment variables with sensible defaults
func Load() (*Config, error) {
	cfg := &Config{
		ServiceName: getEnv("SERVICE_NAME", "blockseal"),
		Version:     getEnv("VERSION", "dev"),
		Environment: getEnv("ENVIRONMENT", "development"),

		ListenAddr:  getEnv("LISTEN_ADDR", "0.0.0.0"),
		ListenPort:  getEnvInt("LISTEN_PORT", 4444),
		MetricsAddr: getEnv("METRICS_ADDR", ":9100"),

		HashAlgorithm:     getEnv("HASH_ALGORITHM", "md5"),
		DefaultDifficulty: getEnvInt("DEFAULT_DIFFICULTY", 4),
		MaxDifficulty:     getEnvInt("MAX_DIFFICULTY", 6),
		MaxAttempts:       getEnvUint("MAX_ATTEMPTS", 0),
		SearchTimeout:     getEnvDuration("SEARCH_TIMEOUT", 0),
		SearchWorkers:     getEnvInt("SEARCH_WORKERS", 1),
		ProgressInterval:  getEnvUint("PROGRESS_INTERVAL", 1<<20),

		KafkaBrokers:  getEnvSlice("KAFKA_BROKERS", nil),
		KafkaGroupID:  getEnv("KAFKA_GROUP_ID", "blockseal"),
		EventEncoding: getEnv("EVENT_ENCODING", messaging.EncodingJSON),

		RedisAddr:     getEnv("REDIS_ADDR", ""),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getEnvInt("REDIS_DB", 0),
		CacheTTL:      getEnvDuration("CACHE_TTL", 24*time.Hour),

		InfluxURL:    getEnv("INFLUX_URL", ""),
		InfluxToken:  getEnv("INFLUX_TOKEN", ""),
		InfluxOrg:    getEnv("INFLUX_ORG", "blockseal"),
		InfluxBucket: getEnv("INFLUX_BUCKET", "seals"),

		MaxConnections: getEnvInt("MAX_CONNECTIONS", 1000),
		ReadTimeout:    getEnvDuration("READ_TIMEOUT", 5*time.Minute),
		WriteTimeout:   getEnvDuration("WRITE_TIMEOUT", 30*time.Second),
		MaxMessageSize: getEnvInt("MAX_MESSAGE_SIZE", 64*1024),
		WorkerPoolSize: getEnvInt("WORKER_POOL_SIZE", 4),
		RateLimitRPS:   getEnvInt("RATE_LIMIT_RPS", 50),

		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogFormat: getEnv("LOG_FORMAT", "json"),
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// validate performs basic validation of configuration values
func (c *Config) validate() error {
	if c.ServiceName == "" {
		return fmt.Errorf("SERVICE_NAME cannot be empty")
	}

	if c.ListenPort <= 0 || c.ListenPort > 65535 {
		return fmt.Errorf("LISTEN_PORT must be between 1 and 65535")
	}

	oracle, err := hashing.New(c.HashAlgorithm)
	if err != nil {
		return fmt.Errorf("HASH_ALGORITHM: %w", err)
	}

	if c.MaxDifficulty < 0 || c.MaxDifficulty > oracle.Size() {
		return fmt.Errorf("MAX_DIFFICULTY must be between 0 and %d for %s", oracle.Size(), oracle.Name())
	}

	if c.DefaultDifficulty < 0 || c.DefaultDifficulty > c.MaxDifficulty {
		return fmt.Errorf("DEFAULT_DIFFICULTY must be between 0 and MAX_DIFFICULTY")
	}

	if c.SearchWorkers < 1 {
		return fmt.Errorf("SEARCH_WORKERS must be at least 1")
	}

	if c.WorkerPoolSize < 1 {
		return fmt.Errorf("WORKER_POOL_SIZE must be at least 1")
	}

	if c.MaxConnections < 1 {
		return fmt.Errorf("MAX_CONNECTIONS must be at least 1")
	}

	if c.EventEncoding != messaging.EncodingJSON && c.EventEncoding != messaging.EncodingProto {
		return fmt.Errorf("EVENT_ENCODING must be %q or %q", messaging.EncodingJSON, messaging.EncodingProto)
	}

	return nil
}

// KafkaEnabled reports whether any broker is configured
func (c *Config) KafkaEnabled() bool {
	return len(c.KafkaBrokers) > 0
}

// Helper functions for environment variable parsing

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvUint(key string, defaultValue uint64) uint64 {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseUint(value, 10, 64); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvSlice(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
