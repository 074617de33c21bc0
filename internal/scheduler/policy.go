package scheduler

import (
	"time"

	"mimiry/internal/config"
	"mimiry/internal/provider"
)

// Policy holds the tunable placement parameters. Capacity shortages are
// retried patiently; provider faults get a tighter budget because they
// usually mean something is broken rather than busy.
type Policy struct {
	SweepInterval     time.Duration // how often queues are swept (default: 15s)
	DeployTimeout     time.Duration // per-attempt deploy budget (default: 2m)
	MaxCapacityWait   time.Duration // total time a job may wait for capacity (default: 30m)
	MaxProviderFaults int           // transient provider errors before giving up (default: 5)
	RetryBackoffMax   time.Duration // ceiling for the per-entry retry backoff (default: 5m)
}

// LoadPolicyFromEnv loads the placement policy from environment variables.
func LoadPolicyFromEnv() Policy {
	return Policy{
		SweepInterval:     config.GetDurationEnv("SCHEDULER_SWEEP_INTERVAL", 15*time.Second),
		DeployTimeout:     config.GetDurationEnv("SCHEDULER_DEPLOY_TIMEOUT", provider.DefaultDeployTimeout),
		MaxCapacityWait:   config.GetDurationEnv("SCHEDULER_MAX_CAPACITY_WAIT", 30*time.Minute),
		MaxProviderFaults: config.GetIntEnv("SCHEDULER_MAX_PROVIDER_FAULTS", 5),
		RetryBackoffMax:   config.GetDurationEnv("SCHEDULER_RETRY_BACKOFF_MAX", 5*time.Minute),
	}.withDefaults()
}

func (p Policy) withDefaults() Policy {
	if p.SweepInterval <= 0 {
		p.SweepInterval = 15 * time.Second
	}
	if p.DeployTimeout <= 0 {
		p.DeployTimeout = provider.DefaultDeployTimeout
	}
	if p.MaxCapacityWait <= 0 {
		p.MaxCapacityWait = 30 * time.Minute
	}
	if p.MaxProviderFaults <= 0 {
		p.MaxProviderFaults = 5
	}
	if p.RetryBackoffMax <= 0 {
		p.RetryBackoffMax = 5 * time.Minute
	}
	return p
}
