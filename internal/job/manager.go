package job

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"sync"
	"time"

	"github.com/google/uuid"

	"mimiry/internal/apperrors"
	"mimiry/internal/observability"
	"mimiry/internal/provider"
	"mimiry/internal/token"
)

// Validation limits
const (
	maxNameLength       = 128
	maxScriptBytes      = 64 * 1024
	maxSSHKeys          = 16
	maxHeartbeatTimeout = 86400 // 24 hours
	maxRuntimeLimit     = 7 * 86400
)

var namePattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9 ._-]*$`)

// Terminator asynchronously destroys provider instances. Terminal
// transitions must never block on provider I/O, so cleanup is enqueued.
type Terminator interface {
	EnqueueTerminate(providerSlug, instanceID, jobID string)
}

// Manager owns the job state machine. Every status mutation funnels
// through it and lands on the store's conditional Transition, which is
// what guarantees at-most-one terminal transition per job no matter how
// agent callbacks, the timeout monitor, and cancellation race.
type Manager struct {
	store      Store
	tokens     *token.Service
	registry   *provider.Registry
	terminator Terminator
	metrics    *observability.Metrics
	now        func() time.Time

	mu      sync.Mutex
	placing map[string]bool // jobs with an in-flight deploy attempt
}

// NewManager creates a job manager. terminator and metrics may be nil in
// tests.
func NewManager(store Store, tokens *token.Service, registry *provider.Registry, terminator Terminator, metrics *observability.Metrics) *Manager {
	return &Manager{
		store:      store,
		tokens:     tokens,
		registry:   registry,
		terminator: terminator,
		metrics:    metrics,
		now:        time.Now,
		placing:    make(map[string]bool),
	}
}

// SetClock overrides the manager's clock, for tests.
func (m *Manager) SetClock(now func() time.Time) {
	m.now = now
}

// Submit validates a request and creates the job in queued state.
// Validation failures reject synchronously; the job is never created.
func (m *Manager) Submit(ctx context.Context, req *SubmitRequest) (*Job, error) {
	applyDefaults(req)
	if err := m.validate(req); err != nil {
		return nil, err
	}

	j := &Job{
		ID:                uuid.NewString(),
		Name:              req.Name,
		Status:            StatusQueued,
		Provider:          req.Provider,
		InstanceType:      req.InstanceType,
		Image:             req.Image,
		Location:          req.Location,
		SSHKeyIDs:         req.SSHKeyIDs,
		StartupScript:     req.StartupScript,
		AutoShutdown:      req.AutoShutdown,
		HeartbeatTimeout:  req.HeartbeatTimeout,
		MaxRuntimeSeconds: req.MaxRuntime,
		CreatedAt:         m.now().UTC(),
	}

	if err := m.store.Create(ctx, j); err != nil {
		return nil, err
	}

	if m.metrics != nil {
		m.metrics.RecordJobSubmitted(ctx, j.Provider)
	}
	slog.Info("Job submitted", "jobId", j.ID, "provider", j.Provider, "instanceType", j.InstanceType)
	return j, nil
}

// Get returns a job by id.
func (m *Manager) Get(ctx context.Context, id string) (*Job, error) {
	return m.store.Get(ctx, id)
}

// List returns all jobs.
func (m *Manager) List(ctx context.Context) ([]*Job, error) {
	return m.store.List(ctx)
}

// Queued returns jobs awaiting placement, oldest first.
func (m *Manager) Queued(ctx context.Context) ([]*Job, error) {
	return m.store.ListByStatus(ctx, StatusQueued)
}

// Active returns jobs the timeout monitor must watch.
func (m *Manager) Active(ctx context.Context) ([]*Job, error) {
	return m.store.ListByStatus(ctx, StatusProvisioning, StatusRunning)
}

// Cancel finalizes a job as cancelled and always schedules instance
// termination. Cancelling an already-terminal job is an idempotent
// no-op: the current job is returned without error.
func (m *Manager) Cancel(ctx context.Context, id string) (*Job, error) {
	j, err := m.finalize(ctx, id, StatusCancelled, "", true)
	if err == nil {
		slog.Info("Job cancelled", "jobId", id)
		return j, nil
	}
	if errors.Is(err, apperrors.ErrConflict) {
		slog.Info("Cancel ignored, job already terminal", "jobId", id)
		return m.store.Get(ctx, id)
	}
	return nil, err
}

// BeginPlacement marks a job as having an in-flight deploy attempt and
// issues a fresh callback token for the instance's boot configuration.
// At most one placement attempt per job runs at a time; the returned
// release func must be called when the attempt ends.
func (m *Manager) BeginPlacement(ctx context.Context, id string) (j *Job, callbackToken string, release func(), err error) {
	m.mu.Lock()
	if m.placing[id] {
		m.mu.Unlock()
		return nil, "", nil, apperrors.Conflict("job", id, "placement already in flight")
	}
	m.placing[id] = true
	m.mu.Unlock()

	release = func() {
		m.mu.Lock()
		delete(m.placing, id)
		m.mu.Unlock()
	}

	j, err = m.store.Get(ctx, id)
	if err != nil {
		release()
		return nil, "", nil, err
	}
	if j.Status != StatusQueued {
		release()
		return nil, "", nil, apperrors.Conflict("job", id, "job is "+string(j.Status))
	}

	callbackToken, err = m.tokens.Issue(id)
	if err != nil {
		release()
		return nil, "", nil, apperrors.Internal("token.issue", err)
	}
	return j, callbackToken, release, nil
}

// CompletePlacement records the provider instance id and moves the job
// to provisioning. A conflict means the job was finalized (typically
// cancelled) while the deploy was in flight; the caller must terminate
// the freshly created instance.
func (m *Manager) CompletePlacement(ctx context.Context, id, instanceID string) (*Job, error) {
	now := m.now().UTC()
	j, err := m.store.Transition(ctx, id, []Status{StatusQueued}, func(j *Job) {
		j.Status = StatusProvisioning
		j.ProviderInstanceID = instanceID
		j.ProvisionedAt = &now
	})
	if err != nil {
		// The finalizer that won invalidated the token it knew about, but
		// the token issued for this deploy may be newer. Drop it too so a
		// stray agent on the orphan instance cannot authenticate.
		if errors.Is(err, apperrors.ErrConflict) {
			m.tokens.Invalidate(id)
		}
		return nil, err
	}
	slog.Info("Job provisioning", "jobId", id, "instanceId", instanceID)
	return j, nil
}

// FailPlacement finalizes a job whose placement failed permanently.
func (m *Manager) FailPlacement(ctx context.Context, id, message string) error {
	_, err := m.finalize(ctx, id, StatusFailed, message, false)
	if errors.Is(err, apperrors.ErrConflict) {
		return nil
	}
	return err
}

// MarkStarted handles the agent's started event. A duplicate started
// while already running is accepted as a no-op.
func (m *Manager) MarkStarted(ctx context.Context, id string) error {
	now := m.now().UTC()
	_, err := m.store.Transition(ctx, id, []Status{StatusProvisioning, StatusRunning}, func(j *Job) {
		if j.Status == StatusProvisioning {
			j.Status = StatusRunning
			j.StartedAt = &now
		}
		j.LastHeartbeatAt = &now
	})
	return err
}

// Heartbeat refreshes the job's liveness signal. A heartbeat that
// arrives before started also promotes the job out of provisioning: the
// agent preamble may be skipped on very fast scripts.
func (m *Manager) Heartbeat(ctx context.Context, id string) error {
	return m.MarkStarted(ctx, id)
}

// Complete finalizes a job as completed on the agent's word. The
// instance is terminated only when auto_shutdown is set.
func (m *Manager) Complete(ctx context.Context, id string) error {
	_, err := m.finalize(ctx, id, StatusCompleted, "", false)
	return err
}

// Fail finalizes a job as failed with the agent-reported error message.
func (m *Manager) Fail(ctx context.Context, id, message string) error {
	_, err := m.finalize(ctx, id, StatusFailed, message, false)
	return err
}

// FailByMonitor finalizes a job the timeout monitor judged dead. The
// instance is always terminated: the agent epilogue cannot be trusted
// to have run.
func (m *Manager) FailByMonitor(ctx context.Context, id, reason string) error {
	_, err := m.finalize(ctx, id, StatusFailed, reason, true)
	return err
}

// finalize is the single terminal-transition path. The store's
// conditional update decides the winner; the loser gets a conflict and
// nothing is overwritten. The callback token is invalidated
// synchronously with the transition so replays cannot re-finalize.
func (m *Manager) finalize(ctx context.Context, id string, to Status, message string, forceTerminate bool) (*Job, error) {
	if !to.Terminal() {
		return nil, apperrors.Internal("job.finalize", fmt.Errorf("%s is not a terminal status", to))
	}

	now := m.now().UTC()
	j, err := m.store.Transition(ctx, id, NonTerminal, func(j *Job) {
		j.Status = to
		j.CompletedAt = &now
		if message != "" {
			j.ErrorMessage = message
		}
		// A job that never reported started still gets a start mark for
		// duration accounting when it ran at all.
		if j.StartedAt == nil && j.ProvisionedAt != nil {
			j.StartedAt = j.ProvisionedAt
		}
	})
	if err != nil {
		if errors.Is(err, apperrors.ErrConflict) {
			slog.Info("Finalization lost the race, ignoring", "jobId", id, "attempted", to)
		}
		return nil, err
	}

	m.tokens.Invalidate(id)

	if j.ProviderInstanceID != "" && (to == StatusCancelled || forceTerminate || j.AutoShutdown) {
		if m.terminator != nil {
			m.terminator.EnqueueTerminate(j.Provider, j.ProviderInstanceID, j.ID)
		}
	}

	if m.metrics != nil {
		var duration float64
		if j.StartedAt != nil {
			duration = j.CompletedAt.Sub(*j.StartedAt).Seconds()
		}
		m.metrics.RecordJobFinalized(ctx, j.Provider, string(to), duration)
	}

	slog.Info("Job finalized", "jobId", id, "status", to, "error", message)
	return j, nil
}

// applyDefaults sets default values for unspecified request fields.
func applyDefaults(req *SubmitRequest) {
	if req.Name == "" {
		req.Name = "job-" + uuid.NewString()[:8]
	}
	if req.HeartbeatTimeout == 0 {
		req.HeartbeatTimeout = DefaultHeartbeatTimeout
	}
}

// validate validates a submit request. Does not modify the request.
func (m *Manager) validate(req *SubmitRequest) error {
	if len(req.Name) > maxNameLength {
		return apperrors.Validation("name", fmt.Sprintf("name exceeds maximum length of %d", maxNameLength))
	}
	if !namePattern.MatchString(req.Name) {
		return apperrors.Validation("name", "name must be alphanumeric (spaces, dots, hyphens and underscores allowed)")
	}

	if req.Provider == "" {
		return apperrors.Validation("provider", "provider is required")
	}
	if _, err := m.registry.Lookup(req.Provider); err != nil {
		return apperrors.Validation("provider", fmt.Sprintf("unknown provider %q", req.Provider))
	}

	if req.InstanceType == "" {
		return apperrors.Validation("instance_type", "instance_type is required")
	}
	if req.Image == "" {
		return apperrors.Validation("image", "image is required")
	}

	if req.HeartbeatTimeout < 1 {
		return apperrors.Validation("heartbeat_timeout_seconds", "heartbeat_timeout_seconds must be at least 1")
	}
	if req.HeartbeatTimeout > maxHeartbeatTimeout {
		return apperrors.Validation("heartbeat_timeout_seconds", fmt.Sprintf("heartbeat_timeout_seconds exceeds maximum of %d", maxHeartbeatTimeout))
	}

	// 0 means no hard deadline; anything else must be a usable limit.
	if req.MaxRuntime < 0 {
		return apperrors.Validation("max_runtime_seconds", "max_runtime_seconds must be at least 1")
	}
	if req.MaxRuntime > maxRuntimeLimit {
		return apperrors.Validation("max_runtime_seconds", fmt.Sprintf("max_runtime_seconds exceeds maximum of %d", maxRuntimeLimit))
	}

	if len(req.SSHKeyIDs) > maxSSHKeys {
		return apperrors.Validation("ssh_key_ids", fmt.Sprintf("ssh_key_ids exceed maximum of %d", maxSSHKeys))
	}
	if len(req.StartupScript) > maxScriptBytes {
		return apperrors.Validation("startup_script", fmt.Sprintf("startup_script exceeds maximum of %d bytes", maxScriptBytes))
	}

	return nil
}
