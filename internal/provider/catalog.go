package provider

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Catalog serves instance-type, location, and image reads through a short
// TTL cache so catalog traffic never turns into per-request provider
// calls. On ErrProviderUnavailable a stale entry is served when one
// exists; availability checks are never cached.
type Catalog struct {
	registry *Registry
	ttl      time.Duration
	now      func() time.Time

	mu      sync.Mutex
	entries map[string]*catalogEntry
}

type catalogEntry struct {
	fetchedAt time.Time
	value     any
}

// NewCatalog creates a catalog cache over the registry. A non-positive
// ttl defaults to one minute.
func NewCatalog(registry *Registry, ttl time.Duration) *Catalog {
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &Catalog{
		registry: registry,
		ttl:      ttl,
		now:      time.Now,
		entries:  make(map[string]*catalogEntry),
	}
}

// InstanceTypes returns the cached instance catalog for a provider.
func (c *Catalog) InstanceTypes(ctx context.Context, slug, currency string) ([]InstanceType, error) {
	if currency == "" {
		currency = "usd"
	}
	v, err := c.cached(ctx, slug, "types:"+currency, func(ctx context.Context, a Adapter) (any, error) {
		return a.ListInstanceTypes(ctx, currency)
	})
	if err != nil {
		return nil, err
	}
	return v.([]InstanceType), nil
}

// Locations returns the cached datacenter list for a provider.
func (c *Catalog) Locations(ctx context.Context, slug string) ([]Location, error) {
	v, err := c.cached(ctx, slug, "locations", func(ctx context.Context, a Adapter) (any, error) {
		return a.ListLocations(ctx)
	})
	if err != nil {
		return nil, err
	}
	return v.([]Location), nil
}

// Images returns the cached image list for a provider, optionally
// filtered by instance type.
func (c *Catalog) Images(ctx context.Context, slug, instanceType string) ([]Image, error) {
	v, err := c.cached(ctx, slug, "images:"+instanceType, func(ctx context.Context, a Adapter) (any, error) {
		return a.ListImages(ctx, instanceType)
	})
	if err != nil {
		return nil, err
	}
	return v.([]Image), nil
}

// Availability passes straight through to the adapter. Capacity answers
// go stale in seconds, so caching them would mislead the scheduler.
func (c *Catalog) Availability(ctx context.Context, slug, instanceType string) (Availability, error) {
	a, err := c.registry.Lookup(slug)
	if err != nil {
		return Availability{}, err
	}
	return a.CheckAvailability(ctx, instanceType)
}

func (c *Catalog) cached(ctx context.Context, slug, key string, fetch func(context.Context, Adapter) (any, error)) (any, error) {
	adapter, err := c.registry.Lookup(slug)
	if err != nil {
		return nil, err
	}

	cacheKey := slug + "/" + key

	c.mu.Lock()
	entry, ok := c.entries[cacheKey]
	c.mu.Unlock()

	if ok && c.now().Sub(entry.fetchedAt) < c.ttl {
		return entry.value, nil
	}

	value, err := fetch(ctx, adapter)
	if err != nil {
		// Serve stale on upstream outage rather than failing the read.
		if ok && Recoverable(err) {
			slog.Warn("Serving stale catalog entry", "provider", slug, "key", key, "error", err)
			return entry.value, nil
		}
		return nil, err
	}

	c.mu.Lock()
	c.entries[cacheKey] = &catalogEntry{fetchedAt: c.now(), value: value}
	c.mu.Unlock()

	return value, nil
}
