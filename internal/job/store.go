package job

import (
	"context"
	"slices"
	"sort"
	"sync"

	"mimiry/internal/apperrors"
)

// Store persists jobs. Transition is the single mutation primitive: a
// conditional update that applies only while the job's current status is
// in the allowed set, which is what makes racing terminal writers safe.
type Store interface {
	Create(ctx context.Context, j *Job) error
	Get(ctx context.Context, id string) (*Job, error)
	List(ctx context.Context) ([]*Job, error)
	ListByStatus(ctx context.Context, statuses ...Status) ([]*Job, error)

	// Transition atomically mutates the job iff its current status is in
	// `from`. It returns apperrors.ErrConflict when the guard fails and
	// apperrors.ErrNotFound when the job does not exist.
	Transition(ctx context.Context, id string, from []Status, mutate func(*Job)) (*Job, error)

	Close() error
}

// MemoryStore is the in-process Store used in tests and single-node
// development runs.
type MemoryStore struct {
	mu   sync.RWMutex
	jobs map[string]*Job
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{jobs: make(map[string]*Job)}
}

func (s *MemoryStore) Create(ctx context.Context, j *Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[j.ID]; exists {
		return apperrors.Conflict("job", j.ID, "job already exists")
	}
	s.jobs[j.ID] = j.Clone()
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (*Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil, apperrors.NotFound("job", id)
	}
	return j.Clone(), nil
}

func (s *MemoryStore) List(ctx context.Context) ([]*Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, j.Clone())
	}
	sortByCreation(out)
	return out, nil
}

func (s *MemoryStore) ListByStatus(ctx context.Context, statuses ...Status) ([]*Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Job
	for _, j := range s.jobs {
		if slices.Contains(statuses, j.Status) {
			out = append(out, j.Clone())
		}
	}
	sortByCreation(out)
	return out, nil
}

func (s *MemoryStore) Transition(ctx context.Context, id string, from []Status, mutate func(*Job)) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[id]
	if !ok {
		return nil, apperrors.NotFound("job", id)
	}
	if !slices.Contains(from, j.Status) {
		return nil, apperrors.Conflict("job", id, "job is "+string(j.Status))
	}

	next := j.Clone()
	mutate(next)
	s.jobs[id] = next
	return next.Clone(), nil
}

func (s *MemoryStore) Close() error {
	return nil
}

// sortByCreation orders jobs by creation time, ties broken by id so
// listings are deterministic.
func sortByCreation(jobs []*Job) {
	sort.Slice(jobs, func(i, k int) bool {
		if jobs[i].CreatedAt.Equal(jobs[k].CreatedAt) {
			return jobs[i].ID < jobs[k].ID
		}
		return jobs[i].CreatedAt.Before(jobs[k].CreatedAt)
	})
}
