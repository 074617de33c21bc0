// Package health provides liveness and readiness probes.
package health

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Pinger verifies a dependency is reachable. The job store implements
// it; providers are checked through their Authenticate call at startup,
// not per probe, because a provider outage must not pull the whole
// service out of rotation.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Status represents the health status of a component.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusUnhealthy Status = "unhealthy"
)

// CheckResult contains the result of one dependency check.
type CheckResult struct {
	Status  Status `json:"status"`
	Message string `json:"message,omitempty"`
}

// Response is the health check response.
type Response struct {
	Status Status                 `json:"status"`
	Checks map[string]CheckResult `json:"checks,omitempty"`
}

// IsHealthy returns true if the overall status is healthy.
func (r *Response) IsHealthy() bool {
	return r.Status == StatusHealthy
}

// Checker performs health checks on the service's dependencies.
type Checker struct {
	store     Pinger
	providers int // registered provider count at startup
	timeout   time.Duration

	mu           sync.RWMutex
	lastCheck    time.Time
	cachedReady  *Response
	shuttingDown bool
}

// NewChecker creates a health checker. store may be nil when the
// in-memory job store is selected.
func NewChecker(store Pinger, providerCount int) *Checker {
	return &Checker{
		store:     store,
		providers: providerCount,
		timeout:   5 * time.Second,
	}
}

// Liveness reports whether the process is alive. It never touches
// external dependencies; failing it should restart the container.
func (c *Checker) Liveness(ctx context.Context) *Response {
	return &Response{Status: StatusHealthy}
}

// Readiness reports whether the service should receive traffic.
// Results are cached briefly so probe storms don't hammer the store.
func (c *Checker) Readiness(ctx context.Context) *Response {
	c.mu.RLock()
	if c.shuttingDown {
		c.mu.RUnlock()
		return &Response{
			Status: StatusUnhealthy,
			Checks: map[string]CheckResult{
				"shutdown": {Status: StatusUnhealthy, Message: "service is shutting down"},
			},
		}
	}
	if c.cachedReady != nil && time.Since(c.lastCheck) < time.Second {
		cached := c.cachedReady
		c.mu.RUnlock()
		return cached
	}
	c.mu.RUnlock()

	checks := make(map[string]CheckResult)
	overall := StatusHealthy

	storeCheck := c.checkStore(ctx)
	checks["job_store"] = storeCheck
	if storeCheck.Status != StatusHealthy {
		overall = StatusUnhealthy
	}

	registryCheck := CheckResult{Status: StatusHealthy}
	if c.providers == 0 {
		registryCheck = CheckResult{Status: StatusUnhealthy, Message: "no providers registered"}
		overall = StatusUnhealthy
	} else {
		registryCheck.Message = fmt.Sprintf("%d providers registered", c.providers)
	}
	checks["provider_registry"] = registryCheck

	response := &Response{Status: overall, Checks: checks}

	c.mu.Lock()
	c.cachedReady = response
	c.lastCheck = time.Now()
	c.mu.Unlock()

	return response
}

func (c *Checker) checkStore(ctx context.Context) CheckResult {
	if c.store == nil {
		// In-memory store: nothing can be unreachable.
		return CheckResult{Status: StatusHealthy, Message: "in-memory store"}
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	if err := c.store.Ping(ctx); err != nil {
		return CheckResult{Status: StatusUnhealthy, Message: err.Error()}
	}
	return CheckResult{Status: StatusHealthy}
}

// SetShuttingDown marks the service as shutting down so readiness goes
// unhealthy and load balancers stop sending new traffic.
func (c *Checker) SetShuttingDown() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.shuttingDown = true
	c.cachedReady = nil
}
