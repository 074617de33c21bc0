// Package reaper destroys provider instances asynchronously. Terminal
// job transitions enqueue cleanup here so they never block on provider
// I/O; a worker pool drains the queue with retries and per-provider
// circuit breakers.
package reaper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"mimiry/internal/provider"
	"mimiry/pkg/backoff"
	"mimiry/pkg/circuitbreaker"
)

// ErrBufferFull is returned when the reaper's buffer is full and the task is dropped.
var ErrBufferFull = errors.New("reaper buffer full, task dropped")

// task is one pending instance termination.
type task struct {
	Provider   string
	InstanceID string
	JobID      string
	Requeues   int // times requeued due to circuit open
}

// MetricsRecorder is an optional interface for recording reaper metrics.
type MetricsRecorder interface {
	RecordTerminationDelivered(ctx context.Context, durationSeconds float64)
	RecordTerminationFailed(ctx context.Context)
	RecordTerminationDropped(ctx context.Context)
	RecordTerminationRequeued(ctx context.Context)
	RecordTerminationQueueSize(ctx context.Context, size int64)
}

// Stats holds reaper statistics.
type Stats struct {
	QueueDepth    int   // current queue size
	Queued        int64 // total tasks queued
	Terminated    int64 // successful terminations
	Failed        int64 // failed after retries
	Dropped       int64 // dropped due to full buffer or max requeues
	Requeued      int64 // requeued due to open circuit
	RetriesTotal  int64 // total retry attempts
	BreakersTotal int   // total circuit breakers
	BreakersOpen  int   // currently open breakers
}

// Reaper is the async instance terminator. Tasks are queued in a
// bounded channel and drained by a worker pool. If the buffer is full,
// tasks are dropped (logged + metric incremented); a leaked instance is
// recoverable by the operator, a blocked finalization is not.
type Reaper struct {
	queue    chan *task
	registry *provider.Registry
	breakers *circuitbreaker.Registry
	config   Config
	logger   *slog.Logger
	metrics  MetricsRecorder

	queued       atomic.Int64
	terminated   atomic.Int64
	failed       atomic.Int64
	dropped      atomic.Int64
	requeued     atomic.Int64
	retriesTotal atomic.Int64

	wg       sync.WaitGroup
	shutdown chan struct{}
	closed   atomic.Bool
}

// New creates a reaper and starts its workers.
func New(cfg Config, registry *provider.Registry, metrics MetricsRecorder) *Reaper {
	cfg = cfg.withDefaults()

	r := &Reaper{
		queue:    make(chan *task, cfg.BufferSize),
		registry: registry,
		breakers: circuitbreaker.NewRegistry(circuitbreaker.Config{
			Threshold: defaultBreakerThreshold,
			Cooldown:  defaultBreakerCooldown,
		}),
		config:   cfg,
		logger:   slog.With("component", "reaper"),
		metrics:  metrics,
		shutdown: make(chan struct{}),
	}

	r.wg.Add(cfg.Workers)
	for i := 0; i < cfg.Workers; i++ {
		go r.worker()
	}

	if metrics != nil {
		go r.reportQueueSize()
	}

	r.logger.Info("Reaper started", "workers", cfg.Workers, "buffer", cfg.BufferSize)
	return r
}

// reportQueueSize periodically reports the queue size metric.
func (r *Reaper) reportQueueSize() {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-r.shutdown:
			return
		case <-ticker.C:
			r.metrics.RecordTerminationQueueSize(context.Background(), int64(len(r.queue)))
		}
	}
}

// EnqueueTerminate queues an instance for termination. Non-blocking.
func (r *Reaper) EnqueueTerminate(providerSlug, instanceID, jobID string) {
	if r.closed.Load() {
		r.logger.Warn("Terminate enqueued after shutdown, dropped",
			"provider", providerSlug, "instanceId", instanceID, "jobId", jobID)
		return
	}

	t := &task{Provider: providerSlug, InstanceID: instanceID, JobID: jobID}
	select {
	case r.queue <- t:
		r.queued.Add(1)
	default:
		r.dropped.Add(1)
		if r.metrics != nil {
			r.metrics.RecordTerminationDropped(context.Background())
		}
		r.logger.Warn("Termination dropped, buffer full",
			"provider", providerSlug, "instanceId", instanceID, "jobId", jobID)
	}
}

// Stats returns current reaper statistics.
func (r *Reaper) Stats() Stats {
	breakerStats := r.breakers.Stats()
	return Stats{
		QueueDepth:    len(r.queue),
		Queued:        r.queued.Load(),
		Terminated:    r.terminated.Load(),
		Failed:        r.failed.Load(),
		Dropped:       r.dropped.Load(),
		Requeued:      r.requeued.Load(),
		RetriesTotal:  r.retriesTotal.Load(),
		BreakersTotal: breakerStats.Total,
		BreakersOpen:  breakerStats.Open,
	}
}

// Close gracefully shuts down the reaper, attempting to drain queued
// terminations. The context deadline controls how long to wait.
func (r *Reaper) Close(ctx context.Context) error {
	if r.closed.Swap(true) {
		return nil // already closed
	}

	r.logger.Info("Reaper shutting down", "queued", len(r.queue))

	close(r.shutdown)

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		r.logger.Info("Reaper shutdown complete",
			"terminated", r.terminated.Load(),
			"failed", r.failed.Load(),
			"dropped", r.dropped.Load(),
		)
		return nil
	case <-ctx.Done():
		r.logger.Warn("Reaper shutdown timed out, instances may leak", "remaining", len(r.queue))
		return ctx.Err()
	}
}

// worker processes tasks from the queue.
func (r *Reaper) worker() {
	defer r.wg.Done()

	for {
		select {
		case <-r.shutdown:
			r.drainQueue()
			return
		case t := <-r.queue:
			r.terminate(t)
		}
	}
}

// drainQueue terminates remaining instances after the shutdown signal.
func (r *Reaper) drainQueue() {
	for {
		select {
		case t := <-r.queue:
			r.terminate(t)
		default:
			return // queue empty
		}
	}
}

// terminate attempts one task with retry and circuit breaker.
func (r *Reaper) terminate(t *task) {
	breaker := r.breakers.Get(t.Provider)

	if !breaker.Allow() {
		r.requeue(t)
		return
	}

	adapter, err := r.registry.Lookup(t.Provider)
	if err != nil {
		// Providers never disappear at runtime, so this is a bug, not a
		// transient condition worth retrying.
		r.failed.Add(1)
		r.logger.Error("Termination failed, provider missing from registry",
			"provider", t.Provider, "instanceId", t.InstanceID, "jobId", t.JobID)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), defaultTerminateTimeout)
	defer cancel()

	start := time.Now()
	if err := r.terminateWithRetry(ctx, adapter, t); err != nil {
		breaker.RecordFailure()
		r.failed.Add(1)
		if r.metrics != nil {
			r.metrics.RecordTerminationFailed(ctx)
		}
		r.logger.Warn("Termination failed, instance may leak",
			"provider", t.Provider, "instanceId", t.InstanceID, "jobId", t.JobID, "error", err)
		return
	}

	breaker.RecordSuccess()
	r.terminated.Add(1)
	if r.metrics != nil {
		r.metrics.RecordTerminationDelivered(ctx, time.Since(start).Seconds())
	}
	r.logger.Info("Instance terminated",
		"provider", t.Provider, "instanceId", t.InstanceID, "jobId", t.JobID)
}

// requeue puts a task back in the queue after a delay when the
// provider's circuit is open.
func (r *Reaper) requeue(t *task) {
	if t.Requeues >= defaultMaxRequeues {
		r.dropped.Add(1)
		if r.metrics != nil {
			r.metrics.RecordTerminationDropped(context.Background())
		}
		r.logger.Warn("Termination dropped, max requeues reached",
			"provider", t.Provider, "instanceId", t.InstanceID, "requeues", t.Requeues)
		return
	}

	t.Requeues++
	r.requeued.Add(1)
	if r.metrics != nil {
		r.metrics.RecordTerminationRequeued(context.Background())
	}

	// Requeue after the cooldown so the circuit has time to recover.
	go func() {
		select {
		case <-r.shutdown:
			return
		case <-time.After(defaultBreakerCooldown):
		}

		select {
		case r.queue <- t:
		case <-r.shutdown:
		default:
			// Buffer full, drop
			r.dropped.Add(1)
			if r.metrics != nil {
				r.metrics.RecordTerminationDropped(context.Background())
			}
			r.logger.Warn("Termination dropped on requeue, buffer full",
				"provider", t.Provider, "instanceId", t.InstanceID)
		}
	}()
}

func (r *Reaper) terminateWithRetry(ctx context.Context, adapter provider.Adapter, t *task) error {
	var lastErr error
	for attempt := range defaultMaxRetries + 1 {
		if attempt > 0 {
			r.retriesTotal.Add(1)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff.Exponential(attempt, &backoff.Config{Jitter: true})):
			}
		}

		lastErr = adapter.Terminate(ctx, t.InstanceID)
		if lastErr == nil {
			return nil
		}
		// An instance the provider no longer knows is already gone.
		if errors.Is(lastErr, provider.ErrNotFound) {
			return nil
		}
		// Credential problems do not heal on retry.
		if errors.Is(lastErr, provider.ErrAuthFailure) || errors.Is(lastErr, provider.ErrInvalidConfig) {
			return fmt.Errorf("permanent termination failure: %w", lastErr)
		}
	}
	return lastErr
}
