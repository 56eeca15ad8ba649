// Package cache holds the read-through copy of WinnerRecords served by
// GetWinner. The store stays authoritative; a cache entry is only ever
// replaced by a record with a higher version.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/fixzit/marketplace/src/offer-ranking/internal/model"
)

var ErrMiss = errors.New("cache miss")

type WinnerCache interface {
	Get(ctx context.Context, catalogItemID string) (model.WinnerRecord, error)
	// Set stores rec unless a record with the same or higher version is
	// already cached. It reports whether rec was stored.
	Set(ctx context.Context, rec model.WinnerRecord) (bool, error)
	Delete(ctx context.Context, catalogItemID string) error
}

// setIfNewer keeps version and record in one hash so the comparison and
// the write happen atomically.
var setIfNewer = redis.NewScript(`
local cur = redis.call("HGET", KEYS[1], "version")
if cur and tonumber(cur) >= tonumber(ARGV[1]) then
	return 0
end
redis.call("HSET", KEYS[1], "version", ARGV[1], "record", ARGV[2])
redis.call("PEXPIRE", KEYS[1], ARGV[3])
return 1
`)

type RedisWinnerCache struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

func NewRedisWinnerCache(client redis.UniversalClient, prefix string, ttl time.Duration) *RedisWinnerCache {
	return &RedisWinnerCache{client: client, prefix: prefix, ttl: ttl}
}

func (c *RedisWinnerCache) key(id string) string { return c.prefix + id }

func (c *RedisWinnerCache) Get(ctx context.Context, catalogItemID string) (model.WinnerRecord, error) {
	raw, err := c.client.HGet(ctx, c.key(catalogItemID), "record").Bytes()
	if errors.Is(err, redis.Nil) {
		return model.WinnerRecord{}, ErrMiss
	}
	if err != nil {
		return model.WinnerRecord{}, fmt.Errorf("redis get winner: %w", err)
	}
	var rec model.WinnerRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return model.WinnerRecord{}, fmt.Errorf("decode cached winner: %w", err)
	}
	return rec, nil
}

func (c *RedisWinnerCache) Set(ctx context.Context, rec model.WinnerRecord) (bool, error) {
	raw, err := json.Marshal(rec)
	if err != nil {
		return false, fmt.Errorf("encode winner: %w", err)
	}
	n, err := setIfNewer.Run(ctx, c.client, []string{c.key(rec.CatalogItemID)}, rec.Version, raw, c.ttl.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("redis set winner: %w", err)
	}
	return n == 1, nil
}

func (c *RedisWinnerCache) Delete(ctx context.Context, catalogItemID string) error {
	return c.client.Del(ctx, c.key(catalogItemID)).Err()
}

// MemoryWinnerCache is the single-process cache used when Redis is not configured.
type MemoryWinnerCache struct {
	mu      sync.RWMutex
	records map[string]model.WinnerRecord
}

func NewMemoryWinnerCache() *MemoryWinnerCache {
	return &MemoryWinnerCache{records: make(map[string]model.WinnerRecord)}
}

func (c *MemoryWinnerCache) Get(ctx context.Context, catalogItemID string) (model.WinnerRecord, error) {
	_ = ctx
	c.mu.RLock()
	defer c.mu.RUnlock()
	rec, ok := c.records[catalogItemID]
	if !ok {
		return model.WinnerRecord{}, ErrMiss
	}
	return rec, nil
}

func (c *MemoryWinnerCache) Set(ctx context.Context, rec model.WinnerRecord) (bool, error) {
	_ = ctx
	c.mu.Lock()
	defer c.mu.Unlock()
	if cur, ok := c.records[rec.CatalogItemID]; ok && cur.Version >= rec.Version {
		return false, nil
	}
	c.records[rec.CatalogItemID] = rec
	return true, nil
}

func (c *MemoryWinnerCache) Delete(ctx context.Context, catalogItemID string) error {
	_ = ctx
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.records, catalogItemID)
	return nil
}
