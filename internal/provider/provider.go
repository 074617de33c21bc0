// Package provider defines the capability contract every cloud backend
// implements, the process-wide adapter registry, and the read-mostly
// catalog cache. No orchestration logic lives here: the Job Manager,
// Scheduler, and Monitor depend only on the Adapter interface, so adding
// a provider never touches any other component.
package provider

import (
	"context"
	"time"
)

// Adapter is the capability set a cloud backend must satisfy.
//
// Deploy is the only call expected to block on meaningful network I/O;
// callers bound it with a context deadline and treat a deadline hit as
// ErrProviderUnavailable. Terminate must be idempotent: an instance that
// is already gone is a success, not an error.
type Adapter interface {
	// Authenticate verifies the stored provider credentials.
	// Fails with ErrAuthFailure if they are invalid.
	Authenticate(ctx context.Context) error

	// ListInstanceTypes returns the provider's instance catalog with
	// pricing in the requested currency.
	ListInstanceTypes(ctx context.Context, currency string) ([]InstanceType, error)

	// ListLocations returns the provider's datacenter locations.
	ListLocations(ctx context.Context) ([]Location, error)

	// ListImages returns OS images, optionally filtered to those
	// compatible with an instance type.
	ListImages(ctx context.Context, instanceType string) ([]Image, error)

	// CheckAvailability reports near-real-time capacity for an instance
	// type. Results must never be cached beyond a few seconds.
	CheckAvailability(ctx context.Context, instanceType string) (Availability, error)

	// Deploy provisions an instance and returns its provider-assigned id.
	// Fails with ErrCapacityUnavailable (recoverable, queue the job),
	// ErrInvalidConfig (permanent, bad type/image/location combination),
	// or ErrProviderUnavailable (recoverable, retry later).
	Deploy(ctx context.Context, cfg DeployConfig) (string, error)

	// InstanceStatus returns the health of a provisioned instance. The
	// Timeout Monitor uses it as a secondary signal when heartbeats stop.
	InstanceStatus(ctx context.Context, instanceID string) (InstanceState, error)

	// Terminate destroys an instance. ErrNotFound is treated as success.
	Terminate(ctx context.Context, instanceID string) error
}

// DeployConfig describes the instance to provision. The boot environment
// carries everything the injected agent needs to phone home; the callback
// token never reaches the user.
type DeployConfig struct {
	JobID            string
	JobName          string
	InstanceType     string
	Image            string
	Location         string
	SSHKeyIDs        []string // already resolved to provider-native ids
	StartupScript    string
	CallbackURL      string
	CallbackToken    string
	HeartbeatSeconds int
}

// InstanceState is a provider-reported instance lifecycle state.
type InstanceState string

const (
	InstancePending    InstanceState = "pending"
	InstanceRunning    InstanceState = "running"
	InstanceStopped    InstanceState = "stopped"
	InstanceTerminated InstanceState = "terminated"
	InstanceUnknown    InstanceState = "unknown"
)

// InstanceType describes a purchasable machine shape.
type InstanceType struct {
	InstanceType string  `json:"instance_type"`
	Description  string  `json:"description,omitempty"`
	GPUType      string  `json:"gpu_type,omitempty"`
	GPUCount     int     `json:"gpu_count"`
	GPUMemoryGB  float64 `json:"gpu_memory_gb,omitempty"`
	CPUCores     int     `json:"cpu_cores"`
	RAMGB        float64 `json:"ram_gb"`
	StorageGB    float64 `json:"storage_gb,omitempty"`
	PricePerHour float64 `json:"price_per_hour"`
	Currency     string  `json:"currency"`
	Provider     string  `json:"provider"`
}

// Location describes a datacenter.
type Location struct {
	Code     string `json:"code"`
	Name     string `json:"name"`
	Country  string `json:"country,omitempty"`
	Provider string `json:"provider"`
}

// Image describes a bootable OS image.
type Image struct {
	Code        string `json:"code"`
	Name        string `json:"name"`
	OS          string `json:"os,omitempty"`
	Version     string `json:"version,omitempty"`
	CUDAVersion string `json:"cuda_version,omitempty"`
	Provider    string `json:"provider"`
}

// Availability is the near-real-time capacity answer for one type.
type Availability struct {
	InstanceType string   `json:"instance_type"`
	IsAvailable  bool     `json:"is_available"`
	Locations    []string `json:"locations,omitempty"`
	Provider     string   `json:"provider"`
}

// Descriptor is the public identity of a registered provider.
type Descriptor struct {
	Slug     string `json:"slug"`
	Name     string `json:"name"`
	IsActive bool   `json:"is_active"`
}

// DefaultDeployTimeout bounds a single Deploy call when the caller has
// no tighter deadline.
const DefaultDeployTimeout = 2 * time.Minute
