package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ulule/limiter/v3"
)

// Storage backends
const (
	BackendMemory   = "memory"
	BackendBadger   = "badger"
	BackendRedis    = "redis"
	BackendPostgres = "postgres"
)

// Config holds application configuration
type Config struct {
	ServerPort        string
	StorageBackend    string
	DatabaseURL       string
	BadgerPath        string
	RedisURL          string
	RabbitMQURL       string
	RabbitMQPrefetch  int
	DataModelPath     string
	EventCatalogPath  string
	TagLibraryPath    string
	AutoSaveDelay     time.Duration
	RequestTimeout    time.Duration
	MaxRequestSize    int64
	FrontendURL       string
	EnableHSTS        bool
	RateLimit         string
	WorkerConcurrency int
	ServerDebugMode   bool
	WorkerDebugMode   bool
	OTELEnabled       bool
	OTELEndpoint      string
	MetricsEnabled    bool
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	return load(os.Getenv)
}

func load(lookup func(string) string) (*Config, error) {
	env := envReader{lookup: lookup}
	cfg := &Config{
		ServerPort:        env.get("SERVER_PORT", "8080"),
		StorageBackend:    strings.ToLower(env.get("STORAGE_BACKEND", BackendMemory)),
		DatabaseURL:       env.get("DATABASE_URL", ""),
		BadgerPath:        env.get("BADGER_PATH", "./data/tags"),
		RedisURL:          env.get("REDIS_URL", ""),
		RabbitMQURL:       env.get("RABBITMQ_URL", ""),
		RabbitMQPrefetch:  env.getInt("RABBITMQ_PREFETCH", 1),
		DataModelPath:     env.get("DATA_MODEL_PATH", ""),
		EventCatalogPath:  env.get("EVENT_CATALOG_PATH", ""),
		TagLibraryPath:    env.get("TAG_LIBRARY_PATH", ""),
		AutoSaveDelay:     env.getDuration("AUTOSAVE_DELAY", 30*time.Second),
		RequestTimeout:    env.getDuration("REQUEST_TIMEOUT", 30*time.Second),
		MaxRequestSize:    int64(env.getInt("MAX_REQUEST_SIZE", 1<<20)),
		FrontendURL:       env.get("FRONTEND_URL", "http://localhost:3000"),
		EnableHSTS:        env.getBool("ENABLE_HSTS", false),
		RateLimit:         env.get("RATE_LIMIT", "100-M"),
		WorkerConcurrency: env.getInt("WORKER_CONCURRENCY", 4),
		ServerDebugMode:   env.getBool("SERVER_DEBUG_MODE", false),
		WorkerDebugMode:   env.getBool("WORKER_DEBUG_MODE", false),
		OTELEnabled:       env.getBool("OTEL_ENABLED", false),
		OTELEndpoint:      env.get("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4318"),
		MetricsEnabled:    env.getBool("METRICS_ENABLED", true),
	}
	if lookup("RATE_LIMIT") == "off" {
		cfg.RateLimit = ""
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that the configured values work together
func (c *Config) Validate() error {
	switch c.StorageBackend {
	case BackendMemory, BackendBadger:
	case BackendRedis:
		if c.RedisURL == "" {
			return fmt.Errorf("REDIS_URL is required when STORAGE_BACKEND is redis")
		}
	case BackendPostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required when STORAGE_BACKEND is postgres")
		}
	default:
		return fmt.Errorf("unknown STORAGE_BACKEND %q (want memory, badger, redis or postgres)", c.StorageBackend)
	}
	if c.StorageBackend == BackendBadger && c.BadgerPath == "" {
		return fmt.Errorf("BADGER_PATH is required when STORAGE_BACKEND is badger")
	}
	if c.AutoSaveDelay <= 0 {
		return fmt.Errorf("AUTOSAVE_DELAY must be positive, got %s", c.AutoSaveDelay)
	}
	if c.RateLimit != "" {
		if _, err := limiter.NewRateFromFormatted(c.RateLimit); err != nil {
			return fmt.Errorf("invalid RATE_LIMIT %q: %w", c.RateLimit, err)
		}
	}
	if c.WorkerConcurrency < 1 {
		return fmt.Errorf("WORKER_CONCURRENCY must be at least 1, got %d", c.WorkerConcurrency)
	}
	if c.OTELEnabled && c.OTELEndpoint == "" {
		return fmt.Errorf("OTEL_EXPORTER_OTLP_ENDPOINT is required when OTEL_ENABLED is set")
	}
	return nil
}

// QueueEnabled reports whether revalidation jobs can be enqueued
func (c *Config) QueueEnabled() bool {
	return c.RabbitMQURL != ""
}

type envReader struct {
	lookup func(string) string
}

func (e envReader) get(key, defaultValue string) string {
	if value := e.lookup(key); value != "" {
		return value
	}
	return defaultValue
}

func (e envReader) getBool(key string, defaultValue bool) bool {
	if value := e.lookup(key); value != "" {
		return value == "true" || value == "1" || value == "yes"
	}
	return defaultValue
}

func (e envReader) getInt(key string, defaultValue int) int {
	if value := e.lookup(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// getDuration accepts Go durations ("45s") or a bare number of seconds
func (e envReader) getDuration(key string, defaultValue time.Duration) time.Duration {
	value := e.lookup(key)
	if value == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(value); err == nil {
		return time.Duration(secs) * time.Second
	}
	return defaultValue
}
