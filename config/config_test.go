package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLoadDefaults(t *testing.T) {
	cfg := Load()

	assert.Equal(t, "5000", cfg.Port)
	assert.Equal(t, "redis://localhost:6379", cfg.RedisURL)
	assert.Equal(t, "sqlite", cfg.DatabaseType)
	assert.Equal(t, "512m", cfg.ContainerMemoryLimit)
	assert.Equal(t, 0.5, cfg.ContainerCPULimit)
	assert.Equal(t, 2, cfg.WorkerCount)
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("PORT", "8080")
	t.Setenv("DATABASE_TYPE", "postgres")
	t.Setenv("DATABASE_URL", "postgres://paas:secret@db:5432/paas")
	t.Setenv("CONTAINER_CPU_LIMIT", "2.0")
	t.Setenv("WORKER_COUNT", "4")

	cfg := Load()
	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, "postgres", cfg.DatabaseType)
	assert.Equal(t, "postgres://paas:secret@db:5432/paas", cfg.DatabaseURL)
	assert.Equal(t, 2.0, cfg.ContainerCPULimit)
	assert.Equal(t, 4, cfg.WorkerCount)
}

func TestLoadIgnoresMalformedNumbers(t *testing.T) {
	t.Setenv("WORKER_COUNT", "many")
	t.Setenv("CONTAINER_CPU_LIMIT", "a lot")

	cfg := Load()
	assert.Equal(t, 2, cfg.WorkerCount)
	assert.Equal(t, 0.5, cfg.ContainerCPULimit)
}
