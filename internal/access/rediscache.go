package access

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"starline.org/internal/obs"
)

// RedisCache shares resolved permission sets across replicas so a mutation's
// invalidation is visible to every instance, not just the one that served it.
type RedisCache struct {
	rdb    *redis.Client
	prefix string
}

// NewRedisCache connects to Redis using a URL of the form redis://host:port/db.
func NewRedisCache(url string) (*RedisCache, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	return &RedisCache{rdb: redis.NewClient(opts), prefix: "perms:"}, nil
}

// Ping verifies connectivity.
func (c *RedisCache) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// Close releases the client.
func (c *RedisCache) Close() error { return c.rdb.Close() }

func (c *RedisCache) Get(ctx context.Context, userID string) (PermissionSet, bool) {
	raw, err := c.rdb.Get(ctx, c.prefix+userID).Bytes()
	if err != nil {
		if err != redis.Nil {
			obs.LogEvent(map[string]any{
				"level": "warn", "msg": "permission cache read failed", "error": err.Error(),
			})
		}
		return nil, false
	}
	var keys []string
	if err := json.Unmarshal(raw, &keys); err != nil {
		return nil, false
	}
	set := make(PermissionSet, len(keys))
	for _, k := range keys {
		set[k] = struct{}{}
	}
	return set, true
}

func (c *RedisCache) Set(ctx context.Context, userID string, set PermissionSet, ttl time.Duration) {
	raw, err := json.Marshal(set.Keys())
	if err != nil {
		return
	}
	if err := c.rdb.Set(ctx, c.prefix+userID, raw, ttl).Err(); err != nil {
		obs.LogEvent(map[string]any{
			"level": "warn", "msg": "permission cache write failed", "error": err.Error(),
		})
	}
}

func (c *RedisCache) Delete(ctx context.Context, userID string) {
	if err := c.rdb.Del(ctx, c.prefix+userID).Err(); err != nil {
		obs.LogEvent(map[string]any{
			"level": "warn", "msg": "permission cache invalidation failed", "error": err.Error(),
		})
	}
}
