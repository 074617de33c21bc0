package agent

import (
	"time"

	"mimiry/internal/config"
)

// Config holds the phone-home agent settings. Providers inject them
// into the instance boot environment; nothing is read from flags.
type Config struct {
	JobID            string
	CallbackURL      string
	CallbackToken    string
	StartupScript    string // path to a script, or inline script text
	HeartbeatSeconds int
	CallbackTimeout  time.Duration
	SendRetries      int
}

// LoadConfigFromEnv loads the agent configuration from the environment.
func LoadConfigFromEnv() *Config {
	return &Config{
		JobID:            config.GetEnv("MIMIRY_JOB_ID", ""),
		CallbackURL:      config.GetEnv("MIMIRY_CALLBACK_URL", ""),
		CallbackToken:    config.GetEnv("MIMIRY_CALLBACK_TOKEN", ""),
		StartupScript:    config.GetEnv("MIMIRY_STARTUP_SCRIPT", ""),
		HeartbeatSeconds: config.GetIntEnv("MIMIRY_HEARTBEAT_SECONDS", 60),
		CallbackTimeout:  config.GetDurationEnv("MIMIRY_CALLBACK_TIMEOUT", 30*time.Second),
		SendRetries:      config.GetIntEnv("MIMIRY_SEND_RETRIES", 5),
	}
}
