package job

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"mimiry/internal/apperrors"
)

// storeImpls lists every Store implementation; each test below runs as
// a conformance suite against all of them.
var storeImpls = []struct {
	name string
	new  func(t *testing.T) Store
}{
	{
		name: "memory",
		new: func(t *testing.T) Store {
			return NewMemoryStore()
		},
	},
	{
		name: "sqlite",
		new: func(t *testing.T) Store {
			s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "jobs.db"))
			if err != nil {
				t.Fatalf("NewSQLiteStore: %v", err)
			}
			t.Cleanup(func() { s.Close() })
			return s
		},
	},
}

func forEachStore(t *testing.T, fn func(t *testing.T, s Store)) {
	t.Helper()
	for _, impl := range storeImpls {
		t.Run(impl.name, func(t *testing.T) {
			t.Parallel()
			fn(t, impl.new(t))
		})
	}
}

func newJob(id string, created time.Time) *Job {
	return &Job{
		ID:               id,
		Name:             "job-" + id,
		Status:           StatusQueued,
		Provider:         "datacrunch",
		InstanceType:     "1x-a100",
		Image:            "ubuntu-22.04-cuda",
		HeartbeatTimeout: DefaultHeartbeatTimeout,
		CreatedAt:        created,
	}
}

func TestStoreCreateAndGet(t *testing.T) {
	t.Parallel()
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()

		j := newJob("a", time.Now().UTC())
		if err := s.Create(ctx, j); err != nil {
			t.Fatalf("Create failed: %v", err)
		}

		got, err := s.Get(ctx, "a")
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if got.ID != "a" || got.Status != StatusQueued {
			t.Errorf("got %+v", got)
		}

		// Mutating the returned job must not affect the store.
		got.Status = StatusFailed
		again, _ := s.Get(ctx, "a")
		if again.Status != StatusQueued {
			t.Error("store state aliased by a read")
		}
	})
}

func TestStoreCreateDuplicate(t *testing.T) {
	t.Parallel()
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()

		j := newJob("a", time.Now().UTC())
		if err := s.Create(ctx, j); err != nil {
			t.Fatalf("Create failed: %v", err)
		}
		err := s.Create(ctx, j)
		if !errors.Is(err, apperrors.ErrConflict) {
			t.Errorf("expected conflict, got %v", err)
		}
	})
}

func TestStoreGetNotFound(t *testing.T) {
	t.Parallel()
	forEachStore(t, func(t *testing.T, s Store) {
		_, err := s.Get(context.Background(), "missing")
		if !errors.Is(err, apperrors.ErrNotFound) {
			t.Errorf("expected not found, got %v", err)
		}
	})
}

func TestStoreListOrdering(t *testing.T) {
	t.Parallel()
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()

		base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
		// Same timestamp: ties break by id.
		for _, id := range []string{"c", "a", "b"} {
			if err := s.Create(ctx, newJob(id, base)); err != nil {
				t.Fatalf("Create %s failed: %v", id, err)
			}
		}
		if err := s.Create(ctx, newJob("z", base.Add(-time.Hour))); err != nil {
			t.Fatalf("Create z failed: %v", err)
		}

		jobs, err := s.List(ctx)
		if err != nil {
			t.Fatalf("List failed: %v", err)
		}
		want := []string{"z", "a", "b", "c"}
		if len(jobs) != len(want) {
			t.Fatalf("got %d jobs, want %d", len(jobs), len(want))
		}
		for i, id := range want {
			if jobs[i].ID != id {
				t.Errorf("position %d: got %s, want %s", i, jobs[i].ID, id)
			}
		}
	})
}

func TestStoreListByStatus(t *testing.T) {
	t.Parallel()
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()

		now := time.Now().UTC()
		queued := newJob("q", now)
		running := newJob("r", now)
		running.Status = StatusRunning
		done := newJob("d", now)
		done.Status = StatusCompleted

		for _, j := range []*Job{queued, running, done} {
			if err := s.Create(ctx, j); err != nil {
				t.Fatalf("Create failed: %v", err)
			}
		}

		active, err := s.ListByStatus(ctx, StatusProvisioning, StatusRunning)
		if err != nil {
			t.Fatalf("ListByStatus failed: %v", err)
		}
		if len(active) != 1 || active[0].ID != "r" {
			t.Errorf("got %v", active)
		}
	})
}

func TestStoreTransitionGuard(t *testing.T) {
	t.Parallel()
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()

		if err := s.Create(ctx, newJob("a", time.Now().UTC())); err != nil {
			t.Fatalf("Create failed: %v", err)
		}

		j, err := s.Transition(ctx, "a", []Status{StatusQueued}, func(j *Job) {
			j.Status = StatusProvisioning
		})
		if err != nil {
			t.Fatalf("Transition failed: %v", err)
		}
		if j.Status != StatusProvisioning {
			t.Errorf("status = %s", j.Status)
		}

		// Guard no longer matches.
		_, err = s.Transition(ctx, "a", []Status{StatusQueued}, func(j *Job) {
			j.Status = StatusRunning
		})
		if !errors.Is(err, apperrors.ErrConflict) {
			t.Errorf("expected conflict, got %v", err)
		}

		_, err = s.Transition(ctx, "missing", NonTerminal, func(j *Job) {})
		if !errors.Is(err, apperrors.ErrNotFound) {
			t.Errorf("expected not found, got %v", err)
		}
	})
}

func TestStoreTransitionPersistsFields(t *testing.T) {
	t.Parallel()
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()

		j := newJob("a", time.Now().UTC())
		j.SSHKeyIDs = []string{"key-1", "key-2"}
		if err := s.Create(ctx, j); err != nil {
			t.Fatalf("Create failed: %v", err)
		}

		provisioned := time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)
		_, err := s.Transition(ctx, "a", []Status{StatusQueued}, func(j *Job) {
			j.Status = StatusProvisioning
			j.ProviderInstanceID = "i-123"
			j.ProvisionedAt = &provisioned
		})
		if err != nil {
			t.Fatalf("Transition failed: %v", err)
		}

		got, err := s.Get(ctx, "a")
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if got.ProviderInstanceID != "i-123" {
			t.Errorf("instance id = %q", got.ProviderInstanceID)
		}
		if got.ProvisionedAt == nil || !got.ProvisionedAt.Equal(provisioned) {
			t.Errorf("provisioned_at = %v, want %v", got.ProvisionedAt, provisioned)
		}
		if len(got.SSHKeyIDs) != 2 || got.SSHKeyIDs[0] != "key-1" {
			t.Errorf("ssh_key_ids = %v", got.SSHKeyIDs)
		}
	})
}

func TestStoreTransitionRaceOneWinner(t *testing.T) {
	t.Parallel()
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()

		j := newJob("a", time.Now().UTC())
		j.Status = StatusRunning
		if err := s.Create(ctx, j); err != nil {
			t.Fatalf("Create failed: %v", err)
		}

		const racers = 16
		var wg sync.WaitGroup
		wins := make(chan Status, racers)
		for i := 0; i < racers; i++ {
			to := StatusCompleted
			if i%2 == 1 {
				to = StatusFailed
			}
			wg.Add(1)
			go func(to Status) {
				defer wg.Done()
				_, err := s.Transition(ctx, "a", NonTerminal, func(j *Job) {
					j.Status = to
				})
				if err == nil {
					wins <- to
				} else if !errors.Is(err, apperrors.ErrConflict) {
					t.Errorf("unexpected error: %v", err)
				}
			}(to)
		}
		wg.Wait()
		close(wins)

		var winners []Status
		for w := range wins {
			winners = append(winners, w)
		}
		if len(winners) != 1 {
			t.Fatalf("got %d winners, want exactly 1", len(winners))
		}

		final, _ := s.Get(ctx, "a")
		if final.Status != winners[0] {
			t.Errorf("stored status %s does not match winner %s", final.Status, winners[0])
		}
	})
}
