// Package providertest provides a scriptable in-memory Adapter for tests.
package providertest

import (
	"context"
	"fmt"
	"sync"

	"mimiry/internal/provider"
)

// Fake is a scriptable Adapter. Zero value is usable: every deploy
// succeeds, capacity is available, and the catalog is empty. Error
// fields, when set, are returned by the corresponding call until
// cleared.
type Fake struct {
	Slug string

	mu            sync.Mutex
	deployErr     error
	availErr      error
	listErr       error
	terminateErr  error
	unavailable   bool
	deploys       []provider.DeployConfig
	terminations  []string
	nextInstance  int
	instanceState map[string]provider.InstanceState

	Types     []provider.InstanceType
	Locations []provider.Location
	Images    []provider.Image

	// ListCalls counts catalog fetches, for cache tests.
	ListCalls int
}

var _ provider.Adapter = (*Fake)(nil)

// New creates a fake adapter with the given slug.
func New(slug string) *Fake {
	return &Fake{Slug: slug, instanceState: make(map[string]provider.InstanceState)}
}

// FailDeploys makes subsequent Deploy calls return err (nil to restore).
func (f *Fake) FailDeploys(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deployErr = err
}

// FailLists makes subsequent catalog calls return err (nil to restore).
func (f *Fake) FailLists(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listErr = err
}

// FailTerminates makes subsequent Terminate calls return err (nil to restore).
func (f *Fake) FailTerminates(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.terminateErr = err
}

// SetUnavailable controls the CheckAvailability answer.
func (f *Fake) SetUnavailable(unavailable bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unavailable = unavailable
}

// SetInstanceState overrides the reported state of an instance.
func (f *Fake) SetInstanceState(instanceID string, state provider.InstanceState) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.instanceState[instanceID] = state
}

// Deploys returns a copy of every DeployConfig received.
func (f *Fake) Deploys() []provider.DeployConfig {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]provider.DeployConfig, len(f.deploys))
	copy(out, f.deploys)
	return out
}

// Terminations returns the instance ids passed to Terminate, in order.
func (f *Fake) Terminations() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.terminations))
	copy(out, f.terminations)
	return out
}

func (f *Fake) Authenticate(ctx context.Context) error {
	return nil
}

func (f *Fake) ListInstanceTypes(ctx context.Context, currency string) ([]provider.InstanceType, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ListCalls++
	if f.listErr != nil {
		return nil, f.listErr
	}
	return f.Types, nil
}

func (f *Fake) ListLocations(ctx context.Context) ([]provider.Location, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ListCalls++
	if f.listErr != nil {
		return nil, f.listErr
	}
	return f.Locations, nil
}

func (f *Fake) ListImages(ctx context.Context, instanceType string) ([]provider.Image, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ListCalls++
	if f.listErr != nil {
		return nil, f.listErr
	}
	return f.Images, nil
}

func (f *Fake) CheckAvailability(ctx context.Context, instanceType string) (provider.Availability, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.availErr != nil {
		return provider.Availability{}, f.availErr
	}
	return provider.Availability{
		InstanceType: instanceType,
		IsAvailable:  !f.unavailable,
		Provider:     f.Slug,
	}, nil
}

func (f *Fake) Deploy(ctx context.Context, cfg provider.DeployConfig) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deploys = append(f.deploys, cfg)
	if f.deployErr != nil {
		return "", f.deployErr
	}
	f.nextInstance++
	id := fmt.Sprintf("%s-i-%d", f.Slug, f.nextInstance)
	if f.instanceState == nil {
		f.instanceState = make(map[string]provider.InstanceState)
	}
	f.instanceState[id] = provider.InstanceRunning
	return id, nil
}

func (f *Fake) InstanceStatus(ctx context.Context, instanceID string) (provider.InstanceState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	state, ok := f.instanceState[instanceID]
	if !ok {
		return provider.InstanceUnknown, provider.Errorf("fake.InstanceStatus", f.Slug, provider.ErrNotFound, nil)
	}
	return state, nil
}

func (f *Fake) Terminate(ctx context.Context, instanceID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.terminateErr != nil {
		return f.terminateErr
	}
	f.terminations = append(f.terminations, instanceID)
	f.instanceState[instanceID] = provider.InstanceTerminated
	return nil
}
