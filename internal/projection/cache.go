package projection

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

const cachePrefix = "projcache:"

// ResultCache stores completed projection results in Redis under a TTL.
// Entries are invalidated only by TTL expiry or an explicit clear.
type ResultCache struct {
	client *redis.Client
	ttl    time.Duration
	logger *slog.Logger
}

// NewResultCache builds the TTL cache used by the engine.
func NewResultCache(client *redis.Client, ttl time.Duration, logger *slog.Logger) *ResultCache {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &ResultCache{client: client, ttl: ttl, logger: logger}
}

// cacheKey derives a stable key from the projection identity and every
// range filter, so different replays never collide.
func cacheKey(req Request) string {
	raw := fmt.Sprintf("%s|%s|%s|%s|%d|%d|%d|%d",
		req.ProjectionType, req.ProjectionName,
		req.AggregateID, req.AggregateType,
		req.FromVersion, req.ToVersion,
		req.From.UnixNano(), req.To.UnixNano(),
	)
	sum := sha256.Sum256([]byte(raw))
	return cachePrefix + req.ProjectionType + ":" + req.ProjectionName + ":" + hex.EncodeToString(sum[:8])
}

func (c *ResultCache) get(ctx context.Context, req Request) (*Result, bool) {
	data, err := c.client.Get(ctx, cacheKey(req)).Bytes()
	if err != nil {
		if err != redis.Nil {
			c.logger.Error("projection cache read failed", "error", err)
		}
		return nil, false
	}

	var result Result
	if err := json.Unmarshal(data, &result); err != nil {
		c.logger.Error("projection cache entry corrupt", "error", err)
		return nil, false
	}
	return &result, true
}

func (c *ResultCache) set(ctx context.Context, req Request, result *Result) {
	data, err := json.Marshal(result)
	if err != nil {
		c.logger.Error("projection cache marshal failed", "error", err)
		return
	}
	if err := c.client.Set(ctx, cacheKey(req), data, c.ttl).Err(); err != nil {
		c.logger.Error("projection cache write failed", "error", err)
	}
}

func (c *ResultCache) clear(ctx context.Context) error {
	iter := c.client.Scan(ctx, 0, cachePrefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		if err := c.client.Del(ctx, iter.Val()).Err(); err != nil {
			return fmt.Errorf("clearing projection cache: %w", err)
		}
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("scanning projection cache: %w", err)
	}
	return nil
}
