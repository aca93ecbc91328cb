package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mhalden/replica-service/internal/config"
	"github.com/mhalden/replica-service/internal/model"
	registrycache "github.com/mhalden/replica-service/internal/registry/cache"
	goredis "github.com/redis/go-redis/v9"
)

const defaultTTL = 5 * time.Minute

func init() {
	registrycache.Register(registrycache.Plugin{
		Name:   "redis",
		Loader: load,
	})
}

func load(ctx context.Context) (registrycache.ReplicaListingCache, error) {
	cfg := config.FromContext(ctx)
	if cfg == nil || cfg.RedisURL == "" {
		return nil, fmt.Errorf("redis cache: REPLICA_SERVICE_REDIS_URL is required")
	}
	ttl := cfg.ListingCacheTTL
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return LoadFromURL(ctx, cfg.RedisURL, ttl)
}

// LoadFromURL creates a ReplicaListingCache from a Redis-compatible URL.
func LoadFromURL(ctx context.Context, redisURL string, ttl time.Duration) (registrycache.ReplicaListingCache, error) {
	opts, err := goredis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("redis cache: invalid URL: %w", err)
	}
	client := goredis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis cache: ping failed: %w", err)
	}
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &redisListingCache{client: client, ttl: ttl}, nil
}

type redisListingCache struct {
	client *goredis.Client
	ttl    time.Duration
}

func listingKey(namespace string) string {
	return "replica-listing:" + namespace
}

func (c *redisListingCache) Available() bool { return true }

func (c *redisListingCache) Get(ctx context.Context, namespace string) ([]model.RemoteReplica, bool, error) {
	data, err := c.client.Get(ctx, listingKey(namespace)).Bytes()
	if err == goredis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	var replicas []model.RemoteReplica
	if err := json.Unmarshal(data, &replicas); err != nil {
		return nil, false, err
	}
	return replicas, true, nil
}

func (c *redisListingCache) Set(ctx context.Context, namespace string, replicas []model.RemoteReplica, ttl time.Duration) error {
	data, err := json.Marshal(replicas)
	if err != nil {
		return err
	}
	if ttl <= 0 {
		ttl = c.ttl
	}
	return c.client.Set(ctx, listingKey(namespace), data, ttl).Err()
}

func (c *redisListingCache) Remove(ctx context.Context, namespace string) error {
	return c.client.Del(ctx, listingKey(namespace)).Err()
}

var _ registrycache.ReplicaListingCache = (*redisListingCache)(nil)
