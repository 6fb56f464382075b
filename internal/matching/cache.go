package matching

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/countercart/countercart-backend/pkg/db/models"
	"github.com/countercart/countercart-backend/pkg/redis"
)

// DefaultMappingTTL bounds how stale a cached mapping list may be.
const DefaultMappingTTL = 5 * time.Minute

// MappingCache holds the ordered list of active business mappings.
type MappingCache interface {
	Get(ctx context.Context) ([]models.BusinessMapping, bool, error)
	Set(ctx context.Context, mappings []models.BusinessMapping) error
	Invalidate(ctx context.Context) error
}

// MemoryMappingCache is a per-process TTL cache.
type MemoryMappingCache struct {
	ttl time.Duration
	now func() time.Time

	mu        sync.RWMutex
	mappings  []models.BusinessMapping
	expiresAt time.Time
}

func NewMemoryMappingCache(ttl time.Duration) *MemoryMappingCache {
	if ttl <= 0 {
		ttl = DefaultMappingTTL
	}
	return &MemoryMappingCache{ttl: ttl, now: time.Now}
}

func (c *MemoryMappingCache) Get(context.Context) ([]models.BusinessMapping, bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.mappings == nil || !c.now().Before(c.expiresAt) {
		return nil, false, nil
	}
	out := make([]models.BusinessMapping, len(c.mappings))
	copy(out, c.mappings)
	return out, true, nil
}

func (c *MemoryMappingCache) Set(_ context.Context, mappings []models.BusinessMapping) error {
	stored := make([]models.BusinessMapping, len(mappings))
	copy(stored, mappings)
	c.mu.Lock()
	c.mappings = stored
	c.expiresAt = c.now().Add(c.ttl)
	c.mu.Unlock()
	return nil
}

func (c *MemoryMappingCache) Invalidate(context.Context) error {
	c.mu.Lock()
	c.mappings = nil
	c.expiresAt = time.Time{}
	c.mu.Unlock()
	return nil
}

type cacheKeyer interface {
	CacheKey(name string) string
}

// RedisMappingCache shares the mapping list across API and cron processes.
type RedisMappingCache struct {
	kv  redis.KV
	key string
	ttl time.Duration
}

func NewRedisMappingCache(kv redis.KV, keys cacheKeyer, ttl time.Duration) (*RedisMappingCache, error) {
	if kv == nil {
		return nil, errors.New("redis client required")
	}
	if ttl <= 0 {
		ttl = DefaultMappingTTL
	}
	key := "business_mappings"
	if keys != nil {
		key = keys.CacheKey(key)
	}
	return &RedisMappingCache{kv: kv, key: key, ttl: ttl}, nil
}

func (c *RedisMappingCache) Get(ctx context.Context) ([]models.BusinessMapping, bool, error) {
	raw, err := c.kv.Get(ctx, c.key)
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, false, nil
		}
		return nil, false, err
	}
	var mappings []models.BusinessMapping
	if err := json.Unmarshal([]byte(raw), &mappings); err != nil {
		// a corrupt entry is treated as a miss and overwritten on the next Set
		return nil, false, nil
	}
	return mappings, true, nil
}

func (c *RedisMappingCache) Set(ctx context.Context, mappings []models.BusinessMapping) error {
	if mappings == nil {
		mappings = []models.BusinessMapping{}
	}
	payload, err := json.Marshal(mappings)
	if err != nil {
		return err
	}
	return c.kv.Set(ctx, c.key, payload, c.ttl)
}

func (c *RedisMappingCache) Invalidate(ctx context.Context) error {
	return c.kv.Del(ctx, c.key)
}
