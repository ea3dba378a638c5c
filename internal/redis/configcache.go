package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	// defaultsKey holds the merged notification type catalog as one JSON
	// blob. Every worker process shares it, so an admin edit followed by
	// Invalidate takes effect everywhere at once.
	defaultsKey = "notify:defaults"

	// defaultsTTL is a backstop only; normal invalidation is explicit.
	defaultsTTL = 12 * time.Hour
)

// ConfigCache stores the merged notification defaults in Redis. It
// implements prefs.DefaultsCache.
type ConfigCache struct {
	client *Client
	logger *zap.Logger
}

func NewConfigCache(client *Client, logger *zap.Logger) *ConfigCache {
	return &ConfigCache{client: client, logger: logger}
}

// GetJSON returns the cached catalog blob, with ok=false on a miss.
func (c *ConfigCache) GetJSON(ctx context.Context) ([]byte, bool, error) {
	val, err := c.client.rdb.Get(ctx, defaultsKey).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis get failed: %w", err)
	}
	return val, true, nil
}

// SetJSON stores the catalog blob.
func (c *ConfigCache) SetJSON(ctx context.Context, data []byte) error {
	if err := c.client.rdb.Set(ctx, defaultsKey, data, defaultsTTL).Err(); err != nil {
		return fmt.Errorf("redis set failed: %w", err)
	}
	return nil
}

// Invalidate deletes the cached catalog.
func (c *ConfigCache) Invalidate(ctx context.Context) error {
	if err := c.client.rdb.Del(ctx, defaultsKey).Err(); err != nil {
		return fmt.Errorf("redis del failed: %w", err)
	}
	c.logger.Debug("notification defaults cache cleared")
	return nil
}
