package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// activeCatalogKey and activeRulesetKey are well-known, not keyed by id,
// because lookups are always for "whichever snapshot is currently active."
const (
	activeCatalogKey = "quotey:catalog:active"
	activeRulesetKey = "quotey:ruleset:active"
	cacheTTL         = 5 * time.Minute
)

// ActiveSnapshotLoader reads the active snapshots from durable storage on a
// cache miss. *Store satisfies this.
type ActiveSnapshotLoader interface {
	GetActiveCatalog(ctx context.Context) (CatalogSnapshot, error)
	GetActiveRuleset(ctx context.Context) (RulesetSnapshot, error)
}

// Cache is a Redis-backed read-through cache in front of the active catalog
// and ruleset snapshots: the two lookups on the hot evaluation path, so
// caching them avoids a Postgres round-trip per quote pricing operation.
// Activation (Store.ActivateCatalog/ActivateRuleset) must invalidate these
// keys; cache staleness beyond cacheTTL self-heals.
type Cache struct {
	rdb    *redis.Client
	loader ActiveSnapshotLoader
}

// NewCache builds a Cache. rdb may be nil, in which case every lookup
// simply delegates to loader (used when RedisConfig.Enabled is false).
func NewCache(rdb *redis.Client, loader ActiveSnapshotLoader) *Cache {
	return &Cache{rdb: rdb, loader: loader}
}

// GetActiveCatalog returns the cached active catalog snapshot, or loads and
// populates the cache on a miss.
func (c *Cache) GetActiveCatalog(ctx context.Context) (CatalogSnapshot, error) {
	if c.rdb == nil {
		return c.loader.GetActiveCatalog(ctx)
	}
	var cs CatalogSnapshot
	raw, err := c.rdb.Get(ctx, activeCatalogKey).Bytes()
	if err == nil {
		if jerr := json.Unmarshal(raw, &cs); jerr == nil {
			return cs, nil
		}
	}
	cs, err = c.loader.GetActiveCatalog(ctx)
	if err != nil {
		return CatalogSnapshot{}, err
	}
	c.set(ctx, activeCatalogKey, cs)
	return cs, nil
}

// GetActiveRuleset returns the cached active ruleset snapshot, or loads and
// populates the cache on a miss.
func (c *Cache) GetActiveRuleset(ctx context.Context) (RulesetSnapshot, error) {
	if c.rdb == nil {
		return c.loader.GetActiveRuleset(ctx)
	}
	var rs RulesetSnapshot
	raw, err := c.rdb.Get(ctx, activeRulesetKey).Bytes()
	if err == nil {
		if jerr := json.Unmarshal(raw, &rs); jerr == nil {
			return rs, nil
		}
	}
	rs, err = c.loader.GetActiveRuleset(ctx)
	if err != nil {
		return RulesetSnapshot{}, err
	}
	c.set(ctx, activeRulesetKey, rs)
	return rs, nil
}

// Invalidate evicts both cached active snapshots, called by Store after a
// successful ActivateCatalog or ActivateRuleset.
func (c *Cache) Invalidate(ctx context.Context) error {
	if c.rdb == nil {
		return nil
	}
	if err := c.rdb.Del(ctx, activeCatalogKey, activeRulesetKey).Err(); err != nil {
		return fmt.Errorf("catalog: cache invalidate: %w", err)
	}
	return nil
}

func (c *Cache) set(ctx context.Context, key string, v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	c.rdb.Set(ctx, key, data, cacheTTL)
}
