/*
Package config loads application configuration from environment variables.
Every knob has a fallback default so the platform can start with zero
environment setup during local development.
*/
package config

import (
	"log/slog"
	"os"
	"strconv"
)

// Config holds all configuration for the control plane and the worker.
// Values are read once at startup and passed through the app via dependency
// injection; no package-level config variable exists.
type Config struct {
	// Port is the TCP port the HTTP control plane listens on.
	Port string

	// RedisURL is the connection URL for the Redis instance backing the
	// log bus, the job queue, rate limiting and sessions.
	RedisURL string

	// DatabaseType selects the store dialect: "postgres" or "sqlite".
	// Unknown values fall back to sqlite.
	DatabaseType string

	// DatabaseURL is the Postgres DSN, used only when DatabaseType is
	// "postgres".
	DatabaseURL string

	// DatabasePath is the SQLite file path, used for the sqlite dialect.
	DatabasePath string

	// DBPoolMin and DBPoolMax bound the Postgres connection pool.
	DBPoolMin int
	DBPoolMax int

	// CORSOrigins is the comma-separated list of allowed browser origins.
	CORSOrigins string

	// ContainerMemoryLimit caps each deployment container, e.g. "512m".
	ContainerMemoryLimit string

	// ContainerCPULimit caps each deployment container in CPU cores.
	ContainerCPULimit float64

	// PublicIP is the address advertised in direct container URLs.
	PublicIP string

	// EngineHost is the host the reverse proxy dials to reach published
	// container ports. Defaults to localhost; set it when the control
	// plane itself runs inside a container.
	EngineHost string

	// DeploymentsRoot is the directory where cloned and extracted project
	// sources are staged, one subdirectory per deployment.
	DeploymentsRoot string

	// UploadsRoot is the scratch directory for uploaded archives.
	UploadsRoot string

	// SessionSecret keys the session cookie names; rotating it invalidates
	// every stored GitHub session.
	SessionSecret string

	// CloudflareAPIToken and CloudflareZoneID configure the optional
	// custom-domain DNS integration. Empty disables it.
	CloudflareAPIToken string
	CloudflareZoneID   string

	// WorkerCount is the number of concurrent deployment workers started
	// in --worker mode.
	WorkerCount int

	// LogFormat controls slog output: "json" (default) or "text".
	LogFormat string
}

// Load reads configuration from environment variables and returns a
// populated Config. Missing variables fall back to local development
// defaults.
func Load() *Config {
	return &Config{
		Port:                 getEnv("PORT", "5000"),
		RedisURL:             getEnv("REDIS_URL", "redis://localhost:6379"),
		DatabaseType:         getEnv("DATABASE_TYPE", "sqlite"),
		DatabaseURL:          getEnv("DATABASE_URL", ""),
		DatabasePath:         getEnv("DATABASE_PATH", "./data/portside.db"),
		DBPoolMin:            getEnvInt("DB_POOL_MIN", 1),
		DBPoolMax:            getEnvInt("DB_POOL_MAX", 10),
		CORSOrigins:          getEnv("CORS_ORIGINS", "http://localhost:3000"),
		ContainerMemoryLimit: getEnv("CONTAINER_MEMORY_LIMIT", "512m"),
		ContainerCPULimit:    getEnvFloat("CONTAINER_CPU_LIMIT", 0.5),
		PublicIP:             getEnv("PUBLIC_IP", "localhost"),
		EngineHost:           getEnv("ENGINE_HOST", "localhost"),
		DeploymentsRoot:      getEnv("DEPLOYMENTS_ROOT", "./data/deployments"),
		UploadsRoot:          getEnv("UPLOADS_ROOT", "./data/uploads"),
		SessionSecret:        getEnv("SESSION_SECRET", "dev-secret"),
		CloudflareAPIToken:   getEnv("CLOUDFLARE_API_TOKEN", ""),
		CloudflareZoneID:     getEnv("CLOUDFLARE_ZONE_ID", ""),
		WorkerCount:          getEnvInt("WORKER_COUNT", 2),
		LogFormat:            getEnv("LOG_FORMAT", "json"),
	}
}

// getEnv retrieves an environment variable, returning fallback when the
// variable is unset or empty.
func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return n
}

func getEnvFloat(key string, fallback float64) float64 {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return fallback
	}
	return f
}

// NewLogger constructs a *slog.Logger from the LogFormat field. "text"
// produces human-readable output for local development; anything else
// produces structured JSON for production log shipping.
func (config *Config) NewLogger() *slog.Logger {
	opts := &slog.HandlerOptions{
		AddSource: true,
		Level:     slog.LevelDebug,
	}

	var handler slog.Handler
	if config.LogFormat == "text" {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}
