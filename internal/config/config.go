// Package config handles environment configuration loading.
package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds all configuration values for the application.
type Config struct {
	Port        string
	Environment string
	DBUrl       string

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// Monzo OAuth application credentials. Per-user overrides live on the
	// user row; these are the defaults used for new authorizations.
	MonzoClientID     string
	MonzoClientSecret string
	MonzoRedirectURI  string
	MonzoAPIBaseURL   string

	// SessionSecret signs the OAuth state parameter.
	SessionSecret string
	// TokenCryptKey is a 64-char hex string (32 bytes) used to encrypt
	// bank tokens at rest. Empty disables encryption (dev only).
	TokenCryptKey string

	SyncInterval       time.Duration
	AutomationInterval time.Duration
	QueueWorkers       int
	QueueCapacity      int

	LogLevel     string
	OTLPEndpoint string
}

// Load reads configuration from environment variables with sensible defaults.
func Load() *Config {
	return &Config{
		Port:        getEnv("PORT", "8080"),
		Environment: getEnv("ENV", "dev"),
		DBUrl:       getEnv("DB_URL", ""),

		RedisAddr:     getEnv("REDIS_ADDR", "redis:6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getEnvInt("REDIS_DB", 0),

		MonzoClientID:     getEnv("MONZO_CLIENT_ID", ""),
		MonzoClientSecret: getEnv("MONZO_CLIENT_SECRET", ""),
		MonzoRedirectURI:  getEnv("MONZO_REDIRECT_URI", ""),
		MonzoAPIBaseURL:   getEnv("MONZO_API_BASE_URL", "https://api.monzo.com"),

		SessionSecret: getEnv("SESSION_SECRET", ""),
		TokenCryptKey: getEnv("TOKEN_CRYPT_KEY", ""),

		SyncInterval:       getEnvDuration("SYNC_INTERVAL", 10*time.Minute),
		AutomationInterval: getEnvDuration("AUTOMATION_INTERVAL", 5*time.Minute),
		QueueWorkers:       getEnvInt("QUEUE_WORKERS", 3),
		QueueCapacity:      getEnvInt("QUEUE_CAPACITY", 100),

		LogLevel:     getEnv("LOG_LEVEL", "info"),
		OTLPEndpoint: getEnv("OTLP_ENDPOINT", "jaeger:14250"),
	}
}

// getEnv reads an environment variable or returns a default value.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt reads an integer environment variable or returns a default value.
func getEnvInt(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return defaultValue
	}
	return n
}

// getEnvDuration reads a duration environment variable or returns a default value.
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return defaultValue
	}
	return d
}

// GetAddr returns the full address string for the server.
func (c *Config) GetAddr() string {
	return ":" + c.Port
}
