// Package config provides configuration loading from environment variables.
package config

import (
	"time"
)

// ServiceConfig holds configuration for the jobs service.
type ServiceConfig struct {
	Port              string
	MetricsPort       string
	APIKey            string
	ShutdownDrainWait time.Duration // Time to wait for load balancer to drain (0 to skip)
	CallbackBaseURL   string        // URL agents phone home to (embedded in boot config)
	JobStorePath      string        // SQLite database path; empty selects the in-memory store
	CatalogTTL        time.Duration // How long catalog reads may be served from cache
	DefaultProvider   string        // Provider assumed when a request names none
}

// LoadServiceConfig loads service configuration from environment variables.
func LoadServiceConfig() *ServiceConfig {
	return &ServiceConfig{
		Port:              GetEnv("PORT", "8080"),
		MetricsPort:       GetEnv("METRICS_PORT", "9090"),
		APIKey:            GetEnv("API_KEY", GetSecretFile(GetEnv("API_KEY_FILE", ""))),
		ShutdownDrainWait: GetDurationEnv("SHUTDOWN_DRAIN_WAIT", 5*time.Second),
		CallbackBaseURL:   GetEnv("CALLBACK_BASE_URL", "http://localhost:8080"),
		JobStorePath:      GetEnv("JOB_STORE_PATH", ""),
		CatalogTTL:        GetDurationEnv("CATALOG_TTL", time.Minute),
		DefaultProvider:   GetEnv("DEFAULT_PROVIDER", "local"),
	}
}
