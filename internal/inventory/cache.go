package inventory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"
)

const projectionKeyPrefix = "inventory:projection"

// ProjectionCache keeps projections in Redis under per-product versioned
// keys. Invalidate bumps the version, so a load that raced a write lands
// under a key nobody reads again.
type ProjectionCache struct {
	client *redis.Client
	ttl    time.Duration
	group  singleflight.Group
}

// NewProjectionCache instantiates the cache helper.
func NewProjectionCache(client *redis.Client, ttl time.Duration) *ProjectionCache {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &ProjectionCache{client: client, ttl: ttl}
}

func versionKey(id uuid.UUID) string {
	return fmt.Sprintf("%s:%s:version", projectionKeyPrefix, id)
}

func (c *ProjectionCache) dataKey(ctx context.Context, id uuid.UUID) (string, error) {
	ver, err := c.client.Get(ctx, versionKey(id)).Int64()
	if err != nil && !errors.Is(err, redis.Nil) {
		return "", err
	}
	return fmt.Sprintf("%s:%s:%d", projectionKeyPrefix, id, ver), nil
}

// Fetch returns the cached projection or populates it using loader.
// Concurrent misses for the same key share one load.
func (c *ProjectionCache) Fetch(ctx context.Context, id uuid.UUID, loader func(context.Context) (Projection, error)) (Projection, error) {
	if c == nil || c.client == nil {
		return loader(ctx)
	}
	key, err := c.dataKey(ctx, id)
	if err != nil {
		return loader(ctx)
	}
	payload, err := c.client.Get(ctx, key).Bytes()
	if err == nil {
		var proj Projection
		if err := json.Unmarshal(payload, &proj); err == nil {
			return proj, nil
		}
	} else if !errors.Is(err, redis.Nil) {
		return loader(ctx)
	}

	resultChan := c.group.DoChan(key, func() (interface{}, error) {
		proj, err := loader(ctx)
		if err != nil {
			return nil, err
		}
		raw, err := json.Marshal(proj)
		if err != nil {
			return nil, err
		}
		_ = c.client.Set(ctx, key, raw, c.ttl).Err()
		return proj, nil
	})
	select {
	case <-ctx.Done():
		return Projection{}, ctx.Err()
	case res := <-resultChan:
		if res.Err != nil {
			return Projection{}, res.Err
		}
		return res.Val.(Projection), nil
	}
}

// Invalidate bumps the version of each product.
func (c *ProjectionCache) Invalidate(ctx context.Context, ids ...uuid.UUID) error {
	if c == nil || c.client == nil || len(ids) == 0 {
		return nil
	}
	pipe := c.client.Pipeline()
	for _, id := range ids {
		pipe.Incr(ctx, versionKey(id))
	}
	_, err := pipe.Exec(ctx)
	return err
}
