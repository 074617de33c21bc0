package job

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"mimiry/internal/apperrors"
	"mimiry/internal/provider"
	"mimiry/internal/provider/providertest"
	"mimiry/internal/token"
)

// fakeTerminator records enqueued terminations.
type fakeTerminator struct {
	mu    sync.Mutex
	calls []string // "provider/instanceID/jobID"
}

func (f *fakeTerminator) EnqueueTerminate(providerSlug, instanceID, jobID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, providerSlug+"/"+instanceID+"/"+jobID)
}

func (f *fakeTerminator) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func newTestManager(t *testing.T) (*Manager, *fakeTerminator, *token.Service) {
	t.Helper()
	registry := provider.NewRegistry()
	registry.Register("datacrunch", "DataCrunch", providertest.New("datacrunch"))
	tokens := token.NewService()
	term := &fakeTerminator{}
	m := NewManager(NewMemoryStore(), tokens, registry, term, nil)
	return m, term, tokens
}

func validRequest() *SubmitRequest {
	return &SubmitRequest{
		Provider:     "datacrunch",
		InstanceType: "1x-a100",
		Image:        "ubuntu-22.04-cuda",
	}
}

func TestSubmitDefaults(t *testing.T) {
	t.Parallel()
	m, _, _ := newTestManager(t)

	j, err := m.Submit(context.Background(), validRequest())
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if j.Status != StatusQueued {
		t.Errorf("status = %s, want queued", j.Status)
	}
	if j.HeartbeatTimeout != DefaultHeartbeatTimeout {
		t.Errorf("heartbeat timeout = %d, want %d", j.HeartbeatTimeout, DefaultHeartbeatTimeout)
	}
	if !strings.HasPrefix(j.Name, "job-") {
		t.Errorf("default name %q missing job- prefix", j.Name)
	}
	if j.ID == "" || j.CreatedAt.IsZero() {
		t.Errorf("missing id or created_at: %+v", j)
	}
}

func TestSubmitValidation(t *testing.T) {
	t.Parallel()
	m, _, _ := newTestManager(t)

	tests := []struct {
		name   string
		mutate func(*SubmitRequest)
	}{
		{"missing provider", func(r *SubmitRequest) { r.Provider = "" }},
		{"unknown provider", func(r *SubmitRequest) { r.Provider = "nimbus" }},
		{"missing instance type", func(r *SubmitRequest) { r.InstanceType = "" }},
		{"missing image", func(r *SubmitRequest) { r.Image = "" }},
		{"negative heartbeat", func(r *SubmitRequest) { r.HeartbeatTimeout = -1 }},
		{"heartbeat too large", func(r *SubmitRequest) { r.HeartbeatTimeout = 86401 }},
		{"negative runtime", func(r *SubmitRequest) { r.MaxRuntime = -1 }},
		{"runtime too large", func(r *SubmitRequest) { r.MaxRuntime = 8 * 86400 }},
		{"bad name", func(r *SubmitRequest) { r.Name = "-starts-with-dash" }},
		{"name too long", func(r *SubmitRequest) { r.Name = strings.Repeat("a", 129) }},
		{"too many ssh keys", func(r *SubmitRequest) { r.SSHKeyIDs = make([]string, 17) }},
		{"script too large", func(r *SubmitRequest) { r.StartupScript = strings.Repeat("x", 64*1024+1) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := validRequest()
			tt.mutate(req)
			_, err := m.Submit(context.Background(), req)
			if !errors.Is(err, apperrors.ErrValidation) {
				t.Errorf("expected validation error, got %v", err)
			}
		})
	}
}

func TestPlacementLifecycle(t *testing.T) {
	t.Parallel()
	m, _, tokens := newTestManager(t)
	ctx := context.Background()

	j, err := m.Submit(ctx, validRequest())
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	got, secret, release, err := m.BeginPlacement(ctx, j.ID)
	if err != nil {
		t.Fatalf("BeginPlacement failed: %v", err)
	}
	defer release()
	if got.ID != j.ID {
		t.Errorf("got job %s, want %s", got.ID, j.ID)
	}
	if jobID, err := tokens.Validate(secret); err != nil || jobID != j.ID {
		t.Errorf("issued token does not validate: %v", err)
	}

	// A second attempt while the first is in flight must be rejected.
	_, _, _, err = m.BeginPlacement(ctx, j.ID)
	if !errors.Is(err, apperrors.ErrConflict) {
		t.Errorf("expected conflict for concurrent placement, got %v", err)
	}

	placed, err := m.CompletePlacement(ctx, j.ID, "i-123")
	if err != nil {
		t.Fatalf("CompletePlacement failed: %v", err)
	}
	if placed.Status != StatusProvisioning || placed.ProviderInstanceID != "i-123" {
		t.Errorf("got %+v", placed)
	}
	if placed.ProvisionedAt == nil {
		t.Error("provisioned_at not set")
	}
}

func TestBeginPlacementRequiresQueued(t *testing.T) {
	t.Parallel()
	m, _, _ := newTestManager(t)
	ctx := context.Background()

	j, _ := m.Submit(ctx, validRequest())
	if _, err := m.Cancel(ctx, j.ID); err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}

	_, _, _, err := m.BeginPlacement(ctx, j.ID)
	if !errors.Is(err, apperrors.ErrConflict) {
		t.Errorf("expected conflict, got %v", err)
	}
}

func TestCompletePlacementAfterCancel(t *testing.T) {
	t.Parallel()
	m, _, tokens := newTestManager(t)
	ctx := context.Background()

	j, _ := m.Submit(ctx, validRequest())
	_, secret, release, err := m.BeginPlacement(ctx, j.ID)
	if err != nil {
		t.Fatalf("BeginPlacement failed: %v", err)
	}
	defer release()

	// Job is cancelled while the deploy is in flight.
	if _, err := m.Cancel(ctx, j.ID); err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}

	_, err = m.CompletePlacement(ctx, j.ID, "i-orphan")
	if !errors.Is(err, apperrors.ErrConflict) {
		t.Errorf("expected conflict, got %v", err)
	}

	// Even if cancellation's own invalidation raced the issue, the lost
	// placement must leave no token the orphan instance could use.
	if _, err := tokens.Validate(secret); err == nil {
		t.Error("deploy token still valid after lost placement")
	}
}

func TestLostPlacementRevokesFreshToken(t *testing.T) {
	t.Parallel()
	m, _, tokens := newTestManager(t)
	ctx := context.Background()

	j, _ := m.Submit(ctx, validRequest())
	if _, err := m.Cancel(ctx, j.ID); err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}

	// A token issued after cancellation's invalidation ran, as happens
	// when cancel lands between the queued check and the issue.
	secret, err := tokens.Issue(j.ID)
	if err != nil {
		t.Fatalf("Issue failed: %v", err)
	}
	if _, err := tokens.Validate(secret); err != nil {
		t.Fatalf("fresh token should validate before the conflict: %v", err)
	}

	if _, err := m.CompletePlacement(ctx, j.ID, "i-orphan"); !errors.Is(err, apperrors.ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	if _, err := tokens.Validate(secret); !errors.Is(err, token.ErrInvalid) {
		t.Errorf("token err = %v, want ErrInvalid after lost placement", err)
	}
}

func TestAgentEventProgression(t *testing.T) {
	t.Parallel()
	m, _, _ := newTestManager(t)
	ctx := context.Background()

	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := start
	m.SetClock(func() time.Time { return clock })

	j, _ := m.Submit(ctx, validRequest())
	if _, err := m.CompletePlacement(ctx, j.ID, "i-1"); err != nil {
		t.Fatalf("CompletePlacement failed: %v", err)
	}

	clock = clock.Add(30 * time.Second)
	if err := m.MarkStarted(ctx, j.ID); err != nil {
		t.Fatalf("MarkStarted failed: %v", err)
	}
	got, _ := m.Get(ctx, j.ID)
	if got.Status != StatusRunning {
		t.Fatalf("status = %s, want running", got.Status)
	}
	firstStart := *got.StartedAt

	// Duplicate started is a no-op on started_at but refreshes heartbeat.
	clock = clock.Add(time.Minute)
	if err := m.MarkStarted(ctx, j.ID); err != nil {
		t.Fatalf("duplicate MarkStarted failed: %v", err)
	}
	got, _ = m.Get(ctx, j.ID)
	if !got.StartedAt.Equal(firstStart) {
		t.Errorf("started_at moved on duplicate started: %v -> %v", firstStart, got.StartedAt)
	}
	if !got.LastHeartbeatAt.Equal(clock) {
		t.Errorf("last_heartbeat = %v, want %v", got.LastHeartbeatAt, clock)
	}

	clock = clock.Add(time.Minute)
	if err := m.Heartbeat(ctx, j.ID); err != nil {
		t.Fatalf("Heartbeat failed: %v", err)
	}

	clock = clock.Add(10 * time.Minute)
	if err := m.Complete(ctx, j.ID); err != nil {
		t.Fatalf("Complete failed: %v", err)
	}
	got, _ = m.Get(ctx, j.ID)
	if got.Status != StatusCompleted {
		t.Errorf("status = %s, want completed", got.Status)
	}
	if got.CompletedAt == nil || !got.CompletedAt.Equal(clock) {
		t.Errorf("completed_at = %v, want %v", got.CompletedAt, clock)
	}
}

func TestHeartbeatPromotesProvisioning(t *testing.T) {
	t.Parallel()
	m, _, _ := newTestManager(t)
	ctx := context.Background()

	j, _ := m.Submit(ctx, validRequest())
	if _, err := m.CompletePlacement(ctx, j.ID, "i-1"); err != nil {
		t.Fatalf("CompletePlacement failed: %v", err)
	}

	// Heartbeat before started: fast scripts may skip the preamble.
	if err := m.Heartbeat(ctx, j.ID); err != nil {
		t.Fatalf("Heartbeat failed: %v", err)
	}
	got, _ := m.Get(ctx, j.ID)
	if got.Status != StatusRunning {
		t.Errorf("status = %s, want running", got.Status)
	}
	if got.StartedAt == nil || got.LastHeartbeatAt == nil {
		t.Errorf("timestamps missing: %+v", got)
	}
}

func TestFinalizeExactlyOneWinner(t *testing.T) {
	t.Parallel()
	m, _, _ := newTestManager(t)
	ctx := context.Background()

	j, _ := m.Submit(ctx, validRequest())
	if _, err := m.CompletePlacement(ctx, j.ID, "i-1"); err != nil {
		t.Fatalf("CompletePlacement failed: %v", err)
	}
	if err := m.MarkStarted(ctx, j.ID); err != nil {
		t.Fatalf("MarkStarted failed: %v", err)
	}

	// Agent completion, monitor failure, and cancellation all race.
	var wg sync.WaitGroup
	results := make(chan error, 3)
	wg.Add(3)
	go func() { defer wg.Done(); results <- m.Complete(ctx, j.ID) }()
	go func() { defer wg.Done(); results <- m.FailByMonitor(ctx, j.ID, "heartbeat timeout") }()
	go func() {
		defer wg.Done()
		_, err := m.Cancel(ctx, j.ID)
		results <- err
	}()
	wg.Wait()
	close(results)

	// Cancel treats a lost race as success, so count conflicts from the
	// other two.
	var conflicts int
	for err := range results {
		if errors.Is(err, apperrors.ErrConflict) {
			conflicts++
		} else if err != nil {
			t.Errorf("unexpected error: %v", err)
		}
	}
	if conflicts > 2 {
		t.Errorf("got %d conflicts", conflicts)
	}

	got, _ := m.Get(ctx, j.ID)
	if !got.Status.Terminal() {
		t.Errorf("status = %s, want terminal", got.Status)
	}
	if got.CompletedAt == nil {
		t.Error("completed_at not set")
	}
}

func TestCancelIdempotent(t *testing.T) {
	t.Parallel()
	m, term, _ := newTestManager(t)
	ctx := context.Background()

	j, _ := m.Submit(ctx, validRequest())
	if _, err := m.CompletePlacement(ctx, j.ID, "i-1"); err != nil {
		t.Fatalf("CompletePlacement failed: %v", err)
	}

	first, err := m.Cancel(ctx, j.ID)
	if err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}
	if first.Status != StatusCancelled {
		t.Errorf("status = %s, want cancelled", first.Status)
	}

	second, err := m.Cancel(ctx, j.ID)
	if err != nil {
		t.Fatalf("second Cancel failed: %v", err)
	}
	if second.Status != StatusCancelled {
		t.Errorf("status = %s, want cancelled", second.Status)
	}
	if term.count() != 1 {
		t.Errorf("terminate enqueued %d times, want 1", term.count())
	}
}

func TestTerminationPolicy(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name          string
		autoShutdown  bool
		finalize      func(m *Manager, ctx context.Context, id string) error
		wantTerminate bool
	}{
		{
			name: "cancel always terminates",
			finalize: func(m *Manager, ctx context.Context, id string) error {
				_, err := m.Cancel(ctx, id)
				return err
			},
			wantTerminate: true,
		},
		{
			name: "monitor failure always terminates",
			finalize: func(m *Manager, ctx context.Context, id string) error {
				return m.FailByMonitor(ctx, id, "heartbeat timeout")
			},
			wantTerminate: true,
		},
		{
			name: "agent completion without auto_shutdown keeps instance",
			finalize: func(m *Manager, ctx context.Context, id string) error {
				return m.Complete(ctx, id)
			},
			wantTerminate: false,
		},
		{
			name:         "agent completion with auto_shutdown terminates",
			autoShutdown: true,
			finalize: func(m *Manager, ctx context.Context, id string) error {
				return m.Complete(ctx, id)
			},
			wantTerminate: true,
		},
		{
			name: "agent failure without auto_shutdown keeps instance for debugging",
			finalize: func(m *Manager, ctx context.Context, id string) error {
				return m.Fail(ctx, id, "exit status 1")
			},
			wantTerminate: false,
		},
		{
			name:         "agent failure with auto_shutdown terminates",
			autoShutdown: true,
			finalize: func(m *Manager, ctx context.Context, id string) error {
				return m.Fail(ctx, id, "exit status 1")
			},
			wantTerminate: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			m, term, _ := newTestManager(t)
			ctx := context.Background()

			req := validRequest()
			req.AutoShutdown = tt.autoShutdown
			j, err := m.Submit(ctx, req)
			if err != nil {
				t.Fatalf("Submit failed: %v", err)
			}
			if _, err := m.CompletePlacement(ctx, j.ID, "i-1"); err != nil {
				t.Fatalf("CompletePlacement failed: %v", err)
			}
			if err := m.MarkStarted(ctx, j.ID); err != nil {
				t.Fatalf("MarkStarted failed: %v", err)
			}

			if err := tt.finalize(m, ctx, j.ID); err != nil {
				t.Fatalf("finalize failed: %v", err)
			}

			got := term.count()
			if tt.wantTerminate && got != 1 {
				t.Errorf("terminate enqueued %d times, want 1", got)
			}
			if !tt.wantTerminate && got != 0 {
				t.Errorf("terminate enqueued %d times, want 0", got)
			}
		})
	}
}

func TestFinalizeWithoutInstanceSkipsTerminate(t *testing.T) {
	t.Parallel()
	m, term, _ := newTestManager(t)
	ctx := context.Background()

	// Cancel while still queued: nothing was provisioned.
	j, _ := m.Submit(ctx, validRequest())
	if _, err := m.Cancel(ctx, j.ID); err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}
	if term.count() != 0 {
		t.Errorf("terminate enqueued for instance-less job")
	}
}

func TestFinalizeInvalidatesToken(t *testing.T) {
	t.Parallel()
	m, _, tokens := newTestManager(t)
	ctx := context.Background()

	j, _ := m.Submit(ctx, validRequest())
	_, secret, release, err := m.BeginPlacement(ctx, j.ID)
	if err != nil {
		t.Fatalf("BeginPlacement failed: %v", err)
	}
	release()
	if _, err := m.CompletePlacement(ctx, j.ID, "i-1"); err != nil {
		t.Fatalf("CompletePlacement failed: %v", err)
	}

	if err := m.Complete(ctx, j.ID); err != nil {
		t.Fatalf("Complete failed: %v", err)
	}

	// A replayed event with the old token cannot touch the job again.
	if _, err := tokens.Validate(secret); !errors.Is(err, token.ErrInvalid) {
		t.Errorf("expected invalid token after finalization, got %v", err)
	}
}

func TestFailPlacementSwallowsLostRace(t *testing.T) {
	t.Parallel()
	m, _, _ := newTestManager(t)
	ctx := context.Background()

	j, _ := m.Submit(ctx, validRequest())
	if _, err := m.Cancel(ctx, j.ID); err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}

	// The scheduler reporting failure after cancellation is benign.
	if err := m.FailPlacement(ctx, j.ID, "capacity timeout"); err != nil {
		t.Errorf("FailPlacement on terminal job = %v, want nil", err)
	}
	got, _ := m.Get(ctx, j.ID)
	if got.Status != StatusCancelled {
		t.Errorf("status = %s, want cancelled preserved", got.Status)
	}
}

func TestFinalizeBackfillsStartedAt(t *testing.T) {
	t.Parallel()
	m, _, _ := newTestManager(t)
	ctx := context.Background()

	j, _ := m.Submit(ctx, validRequest())
	if _, err := m.CompletePlacement(ctx, j.ID, "i-1"); err != nil {
		t.Fatalf("CompletePlacement failed: %v", err)
	}

	// Monitor kills it before the agent ever reported started.
	if err := m.FailByMonitor(ctx, j.ID, "heartbeat timeout"); err != nil {
		t.Fatalf("FailByMonitor failed: %v", err)
	}
	got, _ := m.Get(ctx, j.ID)
	if got.StartedAt == nil {
		t.Fatal("started_at not backfilled from provisioned_at")
	}
	if !got.StartedAt.Equal(*got.ProvisionedAt) {
		t.Errorf("started_at = %v, want %v", got.StartedAt, got.ProvisionedAt)
	}
	if got.ErrorMessage != "heartbeat timeout" {
		t.Errorf("error_message = %q", got.ErrorMessage)
	}
}

func TestQueuedAndActiveListings(t *testing.T) {
	t.Parallel()
	m, _, _ := newTestManager(t)
	ctx := context.Background()

	a, _ := m.Submit(ctx, validRequest())
	b, _ := m.Submit(ctx, validRequest())
	if _, err := m.CompletePlacement(ctx, b.ID, "i-b"); err != nil {
		t.Fatalf("CompletePlacement failed: %v", err)
	}

	queued, err := m.Queued(ctx)
	if err != nil {
		t.Fatalf("Queued failed: %v", err)
	}
	if len(queued) != 1 || queued[0].ID != a.ID {
		t.Errorf("queued = %v", queued)
	}

	active, err := m.Active(ctx)
	if err != nil {
		t.Fatalf("Active failed: %v", err)
	}
	if len(active) != 1 || active[0].ID != b.ID {
		t.Errorf("active = %v", active)
	}
}
