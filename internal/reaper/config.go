package reaper

import (
	"time"

	"mimiry/internal/config"
)

// Hardcoded cleanup defaults - these rarely need tuning.
const (
	defaultMaxRetries       = 3
	defaultTerminateTimeout = 30 * time.Second
	defaultBreakerThreshold = 5
	defaultBreakerCooldown  = 30 * time.Second
	defaultMaxRequeues      = 10
)

// Config holds configuration for the instance reaper.
type Config struct {
	BufferSize int // pending termination tasks buffer (default: 1000)
	Workers    int // concurrent termination goroutines (default: 4)
}

// LoadConfigFromEnv loads reaper configuration from environment variables.
func LoadConfigFromEnv() Config {
	cfg := Config{
		BufferSize: config.GetIntEnv("REAPER_BUFFER_SIZE", 1000),
		Workers:    config.GetIntEnv("REAPER_WORKERS", 4),
	}
	return cfg.withDefaults()
}

// withDefaults fills in zero values with defaults.
func (c Config) withDefaults() Config {
	if c.BufferSize <= 0 {
		c.BufferSize = 1000
	}
	if c.Workers <= 0 {
		c.Workers = 4
	}
	return c
}
