package cache

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/conduit-hub/conduit-core/internal/device"
	"github.com/conduit-hub/conduit-core/internal/infrastructure/config"
)

// Metrics defines the instrumentation hooks used by the cache.
type Metrics interface {
	RecordCacheHit(tier string)
	RecordCacheMiss(tier string)
}

type noopMetrics struct{}

func (noopMetrics) RecordCacheHit(string)  {}
func (noopMetrics) RecordCacheMiss(string) {}

// Tier names, used as metric labels and singleflight key prefixes.
const (
	TierStatus = "status"
	TierDetail = "detail"
	TierList   = "list"
)

type entry struct {
	value     any
	expiresAt time.Time
}

func (e entry) expired(now time.Time) bool {
	return now.After(e.expiresAt)
}

// Cache is the three-tier read cache over the device store: status
// (short TTL), full detail records (medium TTL), and filtered id lists
// (medium TTL). All tiers are derived, never authoritative; any device
// mutation must go through Invalidate.
//
// Concurrent misses for the same key collapse into a single loader call.
type Cache struct {
	cfg     config.CacheConfig
	metrics Metrics

	mu     sync.RWMutex
	gen    uint64
	status map[string]entry
	detail map[string]entry
	list   map[string]entry

	group singleflight.Group
}

// New creates an empty cache with the configured TTLs.
func New(cfg config.CacheConfig) *Cache {
	return &Cache{
		cfg:     cfg,
		metrics: noopMetrics{},
		status:  make(map[string]entry),
		detail:  make(map[string]entry),
		list:    make(map[string]entry),
	}
}

// SetMetrics sets the metrics sink for the cache.
func (c *Cache) SetMetrics(m Metrics) {
	c.metrics = m
}

// GetStatus returns the cached status for a device, invoking loader on a
// miss.
func (c *Cache) GetStatus(ctx context.Context, deviceID string, loader func(context.Context) (device.Status, error)) (device.Status, error) {
	v, err := c.getOrLoad(ctx, TierStatus, deviceID, c.status, c.cfg.StatusTTL, func(ctx context.Context) (any, error) {
		return loader(ctx)
	})
	if err != nil {
		return "", err
	}
	return v.(device.Status), nil
}

// GetDetail returns the cached full record for a device, invoking loader
// on a miss. The returned record is a deep copy; callers can safely
// modify it.
func (c *Cache) GetDetail(ctx context.Context, deviceID string, loader func(context.Context) (*device.Device, error)) (*device.Device, error) {
	v, err := c.getOrLoad(ctx, TierDetail, deviceID, c.detail, c.cfg.DetailTTL, func(ctx context.Context) (any, error) {
		d, err := loader(ctx)
		if err != nil {
			return nil, err
		}
		// Store an isolated copy so later mutations by the caller of
		// the original cannot reach the cache.
		return d.DeepCopy(), nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*device.Device).DeepCopy(), nil
}

// GetList returns the cached id list for a filter, invoking loader on a
// miss.
func (c *Cache) GetList(ctx context.Context, filter device.ListFilter, loader func(context.Context) ([]string, error)) ([]string, error) {
	key := listKey(filter)
	v, err := c.getOrLoad(ctx, TierList, key, c.list, c.cfg.ListTTL, func(ctx context.Context) (any, error) {
		return loader(ctx)
	})
	if err != nil {
		return nil, err
	}
	ids := v.([]string)
	return append([]string(nil), ids...), nil
}

// Invalidate evicts every tier for the device and clears the entire list
// tier. List membership cannot be cheaply recomputed for a mutation, so
// the whole tier goes.
func (c *Cache) Invalidate(deviceID string) {
	c.mu.Lock()
	c.gen++
	delete(c.status, deviceID)
	delete(c.detail, deviceID)
	// Clear in place: getOrLoad holds direct references to the tier maps.
	for key := range c.list {
		delete(c.list, key)
	}
	c.mu.Unlock()

	// Drop in-flight loads so no reader joins a pre-invalidation fetch.
	c.group.Forget(flightKey(TierStatus, deviceID))
	c.group.Forget(flightKey(TierDetail, deviceID))
}

// Purge empties every tier.
func (c *Cache) Purge() {
	c.mu.Lock()
	c.gen++
	for _, tier := range []map[string]entry{c.status, c.detail, c.list} {
		for key := range tier {
			delete(tier, key)
		}
	}
	c.mu.Unlock()
}

// Stats reports entry counts per tier.
type Stats struct {
	Status int `json:"status"`
	Detail int `json:"detail"`
	List   int `json:"list"`
}

// GetStats returns a snapshot of cache occupancy.
func (c *Cache) GetStats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return Stats{
		Status: len(c.status),
		Detail: len(c.detail),
		List:   len(c.list),
	}
}

// getOrLoad implements the tier-generic miss path: check under read
// lock, collapse concurrent misses through singleflight, store with the
// tier TTL.
func (c *Cache) getOrLoad(ctx context.Context, tier, key string, store map[string]entry, ttl time.Duration, loader func(context.Context) (any, error)) (any, error) {
	now := time.Now()

	c.mu.RLock()
	e, ok := store[key]
	c.mu.RUnlock()

	if ok && !e.expired(now) {
		c.metrics.RecordCacheHit(tier)
		return e.value, nil
	}
	c.metrics.RecordCacheMiss(tier)

	v, err, _ := c.group.Do(flightKey(tier, key), func() (any, error) {
		// A concurrent winner may have stored a fresh value while this
		// call waited on the flight group.
		c.mu.RLock()
		e, ok := store[key]
		gen := c.gen
		c.mu.RUnlock()
		if ok && !e.expired(time.Now()) {
			return e.value, nil
		}

		value, err := loader(ctx)
		if err != nil {
			return nil, err
		}

		// An invalidation that landed while the loader ran may have been
		// for the row being loaded; the value is returned to this caller
		// but must not outlive the write that evicted it.
		c.mu.Lock()
		if c.gen == gen {
			store[key] = entry{value: value, expiresAt: time.Now().Add(ttl)}
		}
		c.mu.Unlock()

		return value, nil
	})
	if err != nil {
		return nil, err
	}
	return v, nil
}

func flightKey(tier, key string) string {
	return tier + ":" + key
}

func listKey(filter device.ListFilter) string {
	return fmt.Sprintf("%s|%s", filter.Type, filter.Status)
}
