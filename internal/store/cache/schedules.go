// Package cache holds read-through caches in front of store repositories.
package cache

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"byhandle/backend/internal/domain"
	"byhandle/backend/internal/store"
)

const (
	DefaultScheduleCacheSize = 1024
	DefaultScheduleCacheTTL  = time.Minute
)

// ScheduleCache keeps the weekly operating hours of recently used businesses.
// Writes go through to the wrapped repository and evict the entry locally.
// Other replicas only see a replace once their entry expires, so the TTL
// bounds how stale a schedule can be across instances.
type ScheduleCache struct {
	next   store.ScheduleRepository
	logger *slog.Logger
	cache  *expirable.LRU[string, []domain.OperatingHour]

	// generations is bumped by Invalidate. A fill that started under an
	// older generation is dropped instead of cached.
	mu          sync.Mutex
	seq         uint64
	generations map[string]uint64
}

var _ store.ScheduleRepository = (*ScheduleCache)(nil)

// NewScheduleCache wraps next. A non-positive size or ttl falls back to the
// defaults.
func NewScheduleCache(next store.ScheduleRepository, size int, ttl time.Duration, logger *slog.Logger) *ScheduleCache {
	if size <= 0 {
		size = DefaultScheduleCacheSize
	}
	if ttl <= 0 {
		ttl = DefaultScheduleCacheTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ScheduleCache{
		next:        next,
		logger:      logger,
		cache:       expirable.NewLRU[string, []domain.OperatingHour](size, nil, ttl),
		generations: make(map[string]uint64),
	}
}

func (c *ScheduleCache) OperatingHours(ctx context.Context, businessID string) ([]domain.OperatingHour, error) {
	if hours, ok := c.cache.Get(businessID); ok {
		return cloneHours(hours), nil
	}

	gen := c.generation(businessID)
	c.logger.DebugContext(ctx, "schedule cache miss", "business_id", businessID)
	hours, err := c.next.OperatingHours(ctx, businessID)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	if c.generations[businessID] == gen {
		c.cache.Add(businessID, cloneHours(hours))
	} else {
		c.logger.DebugContext(ctx, "schedule replaced during load, not caching", "business_id", businessID)
	}
	c.mu.Unlock()
	return hours, nil
}

func (c *ScheduleCache) ReplaceOperatingHours(ctx context.Context, businessID string, hours []domain.OperatingHour) error {
	err := c.next.ReplaceOperatingHours(ctx, businessID, hours)

	// Evict even on failure: the write may have committed before the error.
	c.Invalidate(businessID)
	return err
}

func (c *ScheduleCache) Invalidate(businessID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seq++
	c.generations[businessID] = c.seq
	c.cache.Remove(businessID)
}

func (c *ScheduleCache) Len() int {
	return c.cache.Len()
}

func (c *ScheduleCache) generation(businessID string) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.generations[businessID]
}

func cloneHours(hours []domain.OperatingHour) []domain.OperatingHour {
	if hours == nil {
		return nil
	}
	out := make([]domain.OperatingHour, len(hours))
	copy(out, hours)
	return out
}
