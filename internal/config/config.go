package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	// Server
	APIPort            string
	WorkerEnabled      bool
	BackendAPIKey      string // API key for authenticating requests (empty = no auth, dev mode)
	CorsAllowedOrigins string // Comma-separated allowed origins (empty = *, dev mode)

	// Database
	DatabaseURL string

	// Redis
	RedisURL string

	// Generation service
	GeneratorBaseURL      string
	GeneratorAPIKey       string
	GeneratorPollAttempts int
	GeneratorPollInterval time.Duration
	AspectRatio           string

	// Storage
	StorageURL        string
	StorageServiceKey string
	StorageBucket     string

	// Queue policy
	JobAttempts       int
	JobBackoffBase    time.Duration
	RateLimitMax      int
	RateLimitWindow   time.Duration
	MaxConcurrentJobs int

	// Compiler
	TempDir string
}

func Load() (*Config, error) {
	// Load .env file if it exists (ignore error in production)
	_ = godotenv.Load()

	cfg := &Config{
		APIPort:            getEnv("API_PORT", "8080"),
		WorkerEnabled:      getEnvBool("WORKER_ENABLED", true),
		BackendAPIKey:      getEnv("BACKEND_API_KEY", ""),
		CorsAllowedOrigins: getEnv("CORS_ALLOWED_ORIGINS", ""),
		DatabaseURL:        getEnv("DATABASE_URL", ""),
		RedisURL:           getEnv("REDIS_URL", "redis://localhost:6379"),

		GeneratorBaseURL:      getEnv("GENERATOR_API_URL", ""),
		GeneratorAPIKey:       getEnv("GENERATOR_API_KEY", ""),
		GeneratorPollAttempts: getEnvInt("GENERATOR_POLL_ATTEMPTS", 60),
		GeneratorPollInterval: getEnvDuration("GENERATOR_POLL_INTERVAL", 5*time.Second),
		AspectRatio:           getEnv("VIDEO_ASPECT_RATIO", "16:9"),

		StorageURL:        getEnv("STORAGE_URL", ""),
		StorageServiceKey: getEnv("STORAGE_SERVICE_KEY", ""),
		StorageBucket:     getEnv("STORAGE_BUCKET", "lesson-videos"),

		JobAttempts:       getEnvInt("JOB_ATTEMPTS", 3),
		JobBackoffBase:    getEnvDuration("JOB_BACKOFF_BASE", 5*time.Second),
		RateLimitMax:      getEnvInt("JOB_RATE_LIMIT_MAX", 10),
		RateLimitWindow:   getEnvDuration("JOB_RATE_LIMIT_WINDOW", 60*time.Second),
		MaxConcurrentJobs: getEnvInt("MAX_CONCURRENT_JOBS", 2),

		TempDir: getEnv("TEMP_DIR", "/tmp/neurolearn"),
	}

	// Validate required fields
	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	if cfg.GeneratorBaseURL == "" || cfg.GeneratorAPIKey == "" {
		return nil, fmt.Errorf("GENERATOR_API_URL and GENERATOR_API_KEY are required")
	}

	if cfg.StorageURL == "" || cfg.StorageServiceKey == "" {
		return nil, fmt.Errorf("STORAGE_URL and STORAGE_SERVICE_KEY are required")
	}

	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		b, err := strconv.ParseBool(value)
		if err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		i, err := strconv.Atoi(value)
		if err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		d, err := time.ParseDuration(value)
		if err == nil {
			return d
		}
	}
	return defaultValue
}
