// Package monitor watches provisioning and running jobs for dead
// agents. It is the liveness backstop: when an instance crashes or
// hangs, no agent event will ever arrive, so a periodic sweep compares
// heartbeat age and runtime against the job's limits and finalizes
// what is overdue.
package monitor

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"mimiry/internal/apperrors"
	"mimiry/internal/config"
	"mimiry/internal/job"
	"mimiry/internal/observability"
	"mimiry/internal/provider"
)

// The hard deadline gets 20% slack over max_runtime_seconds so a job
// that finishes on time is never killed by clock skew or a slow final
// upload.
const deadlineSlack = 1.2

const (
	reasonStale    = "stale"
	reasonDeadline = "deadline exceeded"
	reasonInstance = "instance terminated unexpectedly"
)

// Monitor periodically sweeps active jobs and fails the dead ones.
type Monitor struct {
	manager  *job.Manager
	registry *provider.Registry
	metrics  *observability.Metrics
	interval time.Duration
	logger   *slog.Logger
	now      func() time.Time

	shutdown chan struct{}
	wg       sync.WaitGroup
	started  atomic.Bool
	closed   atomic.Bool
}

// New creates a monitor. metrics may be nil in tests.
func New(manager *job.Manager, registry *provider.Registry, metrics *observability.Metrics, interval time.Duration) *Monitor {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Monitor{
		manager:  manager,
		registry: registry,
		metrics:  metrics,
		interval: interval,
		logger:   slog.With("component", "monitor"),
		now:      time.Now,
		shutdown: make(chan struct{}),
	}
}

// IntervalFromEnv reads the sweep interval configuration.
func IntervalFromEnv() time.Duration {
	return config.GetDurationEnv("MONITOR_SWEEP_INTERVAL", 30*time.Second)
}

// SetClock overrides the monitor's clock, for tests.
func (m *Monitor) SetClock(now func() time.Time) {
	m.now = now
}

// Start launches the periodic sweep loop.
func (m *Monitor) Start() {
	if m.started.Swap(true) {
		return
	}
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()

		m.logger.Info("Monitor started", "sweepInterval", m.interval)
		for {
			select {
			case <-m.shutdown:
				return
			case <-ticker.C:
				m.Sweep(context.Background())
			}
		}
	}()
}

// Stop halts the sweep loop.
func (m *Monitor) Stop() {
	if m.closed.Swap(true) {
		return
	}
	close(m.shutdown)
	m.wg.Wait()
	m.logger.Info("Monitor stopped")
}

// Sweep runs one pass over all active jobs.
func (m *Monitor) Sweep(ctx context.Context) {
	active, err := m.manager.Active(ctx)
	if err != nil {
		m.logger.Error("Sweep failed to list active jobs", "error", err)
		return
	}

	now := m.now()
	for _, j := range active {
		if reason, overdue := m.judge(ctx, j, now); overdue {
			m.fail(ctx, j, reason)
		}
	}
}

// judge decides whether a job is overdue and why. Deadline overrun
// takes precedence over staleness: a job past its hard deadline is
// failed even while heartbeats still arrive.
func (m *Monitor) judge(ctx context.Context, j *job.Job, now time.Time) (string, bool) {
	if j.MaxRuntimeSeconds > 0 && j.StartedAt != nil {
		limit := time.Duration(float64(j.MaxRuntimeSeconds)*deadlineSlack) * time.Second
		if now.Sub(*j.StartedAt) > limit {
			return reasonDeadline, true
		}
	}

	// Staleness baseline: last heartbeat, or provisioning start while
	// the agent has not yet spoken.
	baseline := j.ProvisionedAt
	if j.LastHeartbeatAt != nil {
		baseline = j.LastHeartbeatAt
	}
	if baseline == nil {
		return "", false
	}

	age := now.Sub(*baseline)
	timeout := time.Duration(j.HeartbeatTimeout) * time.Second
	if age > timeout {
		return reasonStale, true
	}

	// Secondary signal: once the heartbeat is late enough to worry,
	// ask the provider whether the instance still exists. A destroyed
	// instance means no event is coming.
	if age > timeout/2 && j.ProviderInstanceID != "" {
		if m.instanceGone(ctx, j) {
			return reasonInstance, true
		}
	}

	return "", false
}

// instanceGone checks the provider-reported instance state. Provider
// errors are ignored: a flaky control plane must not kill healthy jobs.
func (m *Monitor) instanceGone(ctx context.Context, j *job.Job) bool {
	adapter, err := m.registry.Lookup(j.Provider)
	if err != nil {
		return false
	}

	statusCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	state, err := adapter.InstanceStatus(statusCtx, j.ProviderInstanceID)
	if err != nil {
		if errors.Is(err, provider.ErrNotFound) {
			return true
		}
		return false
	}
	return state == provider.InstanceStopped || state == provider.InstanceTerminated
}

// fail finalizes an overdue job. Losing the race to an agent event or a
// cancel is fine; the winner's outcome stands.
func (m *Monitor) fail(ctx context.Context, j *job.Job, reason string) {
	err := m.manager.FailByMonitor(ctx, j.ID, reason)
	if err != nil {
		if errors.Is(err, apperrors.ErrConflict) {
			m.logger.Info("Job finalized concurrently, monitor verdict discarded", "jobId", j.ID, "reason", reason)
			return
		}
		m.logger.Error("Failed to finalize overdue job", "jobId", j.ID, "error", err)
		return
	}

	if m.metrics != nil {
		m.metrics.RecordTimeoutFailure(ctx, reason)
	}
	m.logger.Warn("Job failed by monitor", "jobId", j.ID, "reason", reason,
		"provider", j.Provider, "instanceId", j.ProviderInstanceID)
}
