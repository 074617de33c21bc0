// Package scheduler places queued jobs onto provider capacity. Jobs
// wait in FIFO order per (provider, instance type, location) key; a
// periodic sweep tries each queue head with at most one in-flight
// deploy per key, so a capacity shortage on one shape never starves
// another.
package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"mimiry/internal/job"
	"mimiry/internal/observability"
	"mimiry/internal/provider"
	"mimiry/pkg/backoff"
)

// entry is the queue bookkeeping for one waiting job. Job state itself
// stays in the store; the entry only tracks placement attempts.
type entry struct {
	jobID           string
	key             string
	enqueuedAt      time.Time
	capacityRetries int
	providerFaults  int
	nextAttempt     time.Time
}

// Scheduler sweeps queued jobs and drives placement attempts.
type Scheduler struct {
	manager     *job.Manager
	registry    *provider.Registry
	terminator  job.Terminator
	metrics     *observability.Metrics
	policy      Policy
	callbackURL string
	logger      *slog.Logger
	now         func() time.Time

	mu       sync.Mutex
	entries  map[string]*entry // jobID -> entry
	inflight map[string]bool   // queue key -> attempt running

	shutdown chan struct{}
	wg       sync.WaitGroup
	started  atomic.Bool
	closed   atomic.Bool
}

// New creates a scheduler. terminator cleans up instances whose deploy
// won a race against cancellation; metrics may be nil in tests.
func New(manager *job.Manager, registry *provider.Registry, terminator job.Terminator, metrics *observability.Metrics, policy Policy, callbackURL string) *Scheduler {
	return &Scheduler{
		manager:     manager,
		registry:    registry,
		terminator:  terminator,
		metrics:     metrics,
		policy:      policy.withDefaults(),
		callbackURL: callbackURL,
		logger:      slog.With("component", "scheduler"),
		now:         time.Now,
		entries:     make(map[string]*entry),
		inflight:    make(map[string]bool),
		shutdown:    make(chan struct{}),
	}
}

// SetClock overrides the scheduler's clock, for tests.
func (s *Scheduler) SetClock(now func() time.Time) {
	s.now = now
}

// Start launches the periodic sweep loop.
func (s *Scheduler) Start() {
	if s.started.Swap(true) {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.policy.SweepInterval)
		defer ticker.Stop()

		s.logger.Info("Scheduler started", "sweepInterval", s.policy.SweepInterval)
		for {
			select {
			case <-s.shutdown:
				return
			case <-ticker.C:
				s.Sweep(context.Background())
			}
		}
	}()
}

// Stop halts the sweep loop and waits for in-flight attempts to finish.
func (s *Scheduler) Stop() {
	if s.closed.Swap(true) {
		return
	}
	close(s.shutdown)
	s.wg.Wait()
	s.logger.Info("Scheduler stopped")
}

// Sweep runs one placement pass: refresh the queues from the store,
// then try every eligible queue head. It blocks until the attempts it
// launched finish, so sweeps never overlap on a key.
func (s *Scheduler) Sweep(ctx context.Context) {
	queued, err := s.manager.Queued(ctx)
	if err != nil {
		s.logger.Error("Sweep failed to list queued jobs", "error", err)
		return
	}

	heads := s.syncQueues(queued)

	if s.metrics != nil {
		s.metrics.RecordQueueDepth(ctx, int64(len(queued)))
	}

	var attempts sync.WaitGroup
	for _, e := range heads {
		attempts.Add(1)
		go func(e *entry) {
			defer attempts.Done()
			defer s.clearInflight(e.key)
			s.attempt(ctx, e)
		}(e)
	}
	attempts.Wait()
}

// syncQueues reconciles scheduler bookkeeping with the store's queued
// set and returns the head entry of every key eligible for an attempt.
// The store lists jobs oldest first with id tiebreak, so the first
// entry seen per key is the FIFO head.
func (s *Scheduler) syncQueues(queued []*job.Job) []*entry {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()

	alive := make(map[string]bool, len(queued))
	var heads []*entry
	seen := make(map[string]bool)

	for _, j := range queued {
		alive[j.ID] = true
		e, ok := s.entries[j.ID]
		if !ok {
			e = &entry{
				jobID:      j.ID,
				key:        queueKey(j),
				enqueuedAt: j.CreatedAt,
			}
			s.entries[j.ID] = e
		}

		// Strict FIFO per key: only the head may be attempted. A head
		// still in backoff blocks its key rather than letting a younger
		// job jump the queue.
		if seen[e.key] {
			continue
		}
		seen[e.key] = true

		if s.inflight[e.key] || now.Before(e.nextAttempt) {
			continue
		}
		s.inflight[e.key] = true
		heads = append(heads, e)
	}

	// Jobs that left the queued state no longer need bookkeeping.
	for id := range s.entries {
		if !alive[id] {
			delete(s.entries, id)
		}
	}

	return heads
}

func (s *Scheduler) clearInflight(key string) {
	s.mu.Lock()
	delete(s.inflight, key)
	s.mu.Unlock()
}

// attempt runs one placement try for a queue head.
func (s *Scheduler) attempt(ctx context.Context, e *entry) {
	j, callbackToken, release, err := s.manager.BeginPlacement(ctx, e.jobID)
	if err != nil {
		// The job was cancelled or otherwise left the queue.
		s.dropEntry(e.jobID)
		return
	}
	defer release()

	adapter, err := s.registry.Lookup(j.Provider)
	if err != nil {
		// Submission validates the provider, so this cannot happen short
		// of a registry misconfiguration.
		s.failPlacement(ctx, e, "unknown provider "+j.Provider)
		return
	}

	avail, err := adapter.CheckAvailability(ctx, j.InstanceType)
	if err != nil {
		s.providerFault(ctx, e, j, err)
		return
	}
	if !avail.IsAvailable {
		s.capacityUnavailable(ctx, e, j)
		return
	}

	deployCtx, cancel := context.WithTimeout(ctx, s.policy.DeployTimeout)
	defer cancel()

	instanceID, err := adapter.Deploy(deployCtx, provider.DeployConfig{
		JobID:            j.ID,
		JobName:          j.Name,
		InstanceType:     j.InstanceType,
		Image:            j.Image,
		Location:         j.Location,
		SSHKeyIDs:        j.SSHKeyIDs,
		StartupScript:    j.StartupScript,
		CallbackURL:      s.callbackURL,
		CallbackToken:    callbackToken,
		HeartbeatSeconds: agentHeartbeatSeconds(j.HeartbeatTimeout),
	})
	if err != nil {
		switch {
		case errors.Is(err, provider.ErrCapacityUnavailable):
			s.capacityUnavailable(ctx, e, j)
		case errors.Is(deployCtx.Err(), context.DeadlineExceeded),
			errors.Is(err, provider.ErrProviderUnavailable):
			// A deploy that timed out counts as a provider fault; the
			// instance may or may not exist, which the monitor's
			// secondary status check eventually resolves.
			s.providerFault(ctx, e, j, err)
		default:
			s.failPlacement(ctx, e, "deploy failed: "+err.Error())
		}
		return
	}

	if _, err := s.manager.CompletePlacement(ctx, j.ID, instanceID); err != nil {
		// Cancelled while the deploy was in flight. The instance exists
		// and nobody owns it, so it must be destroyed.
		s.logger.Warn("Job finalized during deploy, terminating orphan instance",
			"jobId", j.ID, "instanceId", instanceID)
		if s.terminator != nil {
			s.terminator.EnqueueTerminate(j.Provider, instanceID, j.ID)
		}
		s.dropEntry(e.jobID)
		return
	}

	if s.metrics != nil {
		s.metrics.RecordPlacementAttempt(ctx, j.Provider, "placed")
	}
	s.logger.Info("Job placed", "jobId", j.ID, "provider", j.Provider, "instanceId", instanceID,
		"waited", s.now().Sub(e.enqueuedAt).Round(time.Second))
	s.dropEntry(e.jobID)
}

// capacityUnavailable leaves the job queued with a growing backoff, or
// finalizes it once the capacity wait budget is spent.
func (s *Scheduler) capacityUnavailable(ctx context.Context, e *entry, j *job.Job) {
	if s.metrics != nil {
		s.metrics.RecordPlacementAttempt(ctx, j.Provider, "capacity_unavailable")
	}

	if s.now().Sub(e.enqueuedAt) > s.policy.MaxCapacityWait {
		s.failPlacement(ctx, e, "capacity timeout")
		return
	}

	s.mu.Lock()
	e.capacityRetries++
	e.nextAttempt = s.now().Add(backoff.Exponential(e.capacityRetries, &backoff.Config{
		Initial: s.policy.SweepInterval,
		Max:     s.policy.RetryBackoffMax,
		Jitter:  true,
	}))
	retries := e.capacityRetries
	s.mu.Unlock()

	s.logger.Info("Capacity unavailable, job stays queued",
		"jobId", e.jobID, "provider", j.Provider, "instanceType", j.InstanceType, "retries", retries)
}

// providerFault counts a transient provider error against the fault
// budget and retries with backoff until it is spent.
func (s *Scheduler) providerFault(ctx context.Context, e *entry, j *job.Job, cause error) {
	if s.metrics != nil {
		s.metrics.RecordPlacementAttempt(ctx, j.Provider, "provider_error")
	}

	s.mu.Lock()
	e.providerFaults++
	faults := e.providerFaults
	e.nextAttempt = s.now().Add(backoff.Exponential(faults, &backoff.Config{
		Initial: s.policy.SweepInterval,
		Max:     s.policy.RetryBackoffMax,
		Jitter:  true,
	}))
	s.mu.Unlock()

	if faults >= s.policy.MaxProviderFaults {
		s.failPlacement(ctx, e, "provider unavailable: "+cause.Error())
		return
	}
	s.logger.Warn("Placement attempt hit provider fault, will retry",
		"jobId", e.jobID, "provider", j.Provider, "faults", faults, "error", cause)
}

// failPlacement finalizes a job whose placement cannot succeed and
// drops its queue entry.
func (s *Scheduler) failPlacement(ctx context.Context, e *entry, reason string) {
	if err := s.manager.FailPlacement(ctx, e.jobID, reason); err != nil {
		s.logger.Error("Failed to finalize unplaceable job", "jobId", e.jobID, "error", err)
	}
	if s.metrics != nil {
		s.metrics.RecordPlacementAttempt(ctx, keyProvider(e.key), "failed")
	}
	s.logger.Info("Placement abandoned", "jobId", e.jobID, "reason", reason)
	s.dropEntry(e.jobID)
}

func (s *Scheduler) dropEntry(jobID string) {
	s.mu.Lock()
	delete(s.entries, jobID)
	s.mu.Unlock()
}

// agentHeartbeatSeconds derives the agent's send cadence from the
// job's staleness timeout. Sending at a third of the timeout leaves a
// healthy job room for delivery latency, a dropped send, and retry
// backoff before the monitor declares it stale.
func agentHeartbeatSeconds(timeoutSeconds int) int {
	interval := timeoutSeconds / 3
	if interval < 5 {
		interval = 5
	}
	if interval > timeoutSeconds {
		interval = timeoutSeconds
	}
	return interval
}

// queueKey groups jobs competing for the same capacity pool.
func queueKey(j *job.Job) string {
	return j.Provider + "/" + j.InstanceType + "/" + j.Location
}

// keyProvider extracts the provider slug back out of a queue key.
func keyProvider(key string) string {
	for i := 0; i < len(key); i++ {
		if key[i] == '/' {
			return key[:i]
		}
	}
	return key
}
