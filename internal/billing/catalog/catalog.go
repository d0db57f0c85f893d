// Package catalog serves plan definitions to the reconciler and the
// entitlement engine through a read-through cache.
package catalog

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"

	"github.com/rcourtman/pulse-billing/internal/billing/bmetrics"
	"github.com/rcourtman/pulse-billing/internal/billing/registry"
)

const (
	defaultCacheSize = 256
	defaultCacheTTL  = 5 * time.Minute
)

// Source loads plans from the Entitlement Store.
type Source interface {
	GetPlan(ctx context.Context, id string) (*registry.Plan, error)
	GetPlanByPriceID(ctx context.Context, priceID string) (*registry.Plan, error)
}

// Config configures the plan cache.
type Config struct {
	// Size is the maximum number of cached plans.
	Size int
	// TTL bounds how stale a cached plan can be when an edit skipped Invalidate.
	TTL time.Duration
}

type cacheEntry struct {
	plan     *registry.Plan
	storedAt time.Time
}

// Catalog is a read-through cache of plans keyed by plan ID.
type Catalog struct {
	src   Source
	cache *lru.Cache[string, cacheEntry]
	ttl   time.Duration
	group singleflight.Group
	now   func() time.Time

	// generation is bumped on every invalidation; loads started before it
	// must not repopulate the cache.
	generation atomic.Uint64
}

// New creates a catalog in front of src. Zero config values fall back to defaults.
func New(src Source, cfg Config) (*Catalog, error) {
	if src == nil {
		return nil, fmt.Errorf("plan source is required")
	}
	if cfg.Size <= 0 {
		cfg.Size = defaultCacheSize
	}
	if cfg.TTL <= 0 {
		cfg.TTL = defaultCacheTTL
	}
	cache, err := lru.New[string, cacheEntry](cfg.Size)
	if err != nil {
		return nil, fmt.Errorf("create plan cache: %w", err)
	}
	return &Catalog{src: src, cache: cache, ttl: cfg.TTL, now: time.Now}, nil
}

// Get returns the plan with id, or nil when no such plan exists. Retired
// (inactive) plans still resolve so existing licenses keep their limits.
func (c *Catalog) Get(ctx context.Context, id string) (*registry.Plan, error) {
	if id == "" {
		return nil, nil
	}
	if entry, ok := c.cache.Get(id); ok && c.now().Sub(entry.storedAt) < c.ttl {
		bmetrics.PlanCacheTotal.WithLabelValues("hit").Inc()
		return entry.plan.Clone(), nil
	}
	bmetrics.PlanCacheTotal.WithLabelValues("miss").Inc()

	gen := c.generation.Load()
	v, err, _ := c.group.Do(id, func() (any, error) {
		plan, err := c.src.GetPlan(ctx, id)
		if err != nil {
			return nil, err
		}
		if plan != nil && c.generation.Load() == gen {
			c.cache.Add(id, cacheEntry{plan: plan, storedAt: c.now()})
		}
		return plan, nil
	})
	if err != nil {
		return nil, fmt.Errorf("load plan %q: %w", id, err)
	}
	plan, _ := v.(*registry.Plan)
	return plan.Clone(), nil
}

// ByPriceID resolves a provider price to a plan and caches the plan by its ID.
func (c *Catalog) ByPriceID(ctx context.Context, priceID string) (*registry.Plan, error) {
	if priceID == "" {
		return nil, nil
	}
	plan, err := c.src.GetPlanByPriceID(ctx, priceID)
	if err != nil {
		return nil, fmt.Errorf("load plan for price %q: %w", priceID, err)
	}
	if plan == nil {
		return nil, nil
	}
	c.cache.Add(plan.ID, cacheEntry{plan: plan, storedAt: c.now()})
	return plan.Clone(), nil
}

// Invalidate drops a single plan so the next Get reloads it.
func (c *Catalog) Invalidate(id string) {
	c.generation.Add(1)
	c.group.Forget(id)
	c.cache.Remove(id)
}

// InvalidateAll drops every cached plan.
func (c *Catalog) InvalidateAll() {
	c.generation.Add(1)
	c.cache.Purge()
}

// Len reports the number of cached plans.
func (c *Catalog) Len() int {
	return c.cache.Len()
}
