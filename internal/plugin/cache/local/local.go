// Package local is an in-process replica listing cache backed by ristretto,
// for single-instance deployments where redis would be overkill.
package local

import (
	"context"
	"time"

	"github.com/dgraph-io/ristretto/v2"
	"github.com/mhalden/replica-service/internal/config"
	"github.com/mhalden/replica-service/internal/model"
	registrycache "github.com/mhalden/replica-service/internal/registry/cache"
)

const defaultTTL = 5 * time.Minute

func init() {
	registrycache.Register(registrycache.Plugin{
		Name:   "local",
		Loader: load,
	})
}

func load(ctx context.Context) (registrycache.ReplicaListingCache, error) {
	ttl := defaultTTL
	if cfg := config.FromContext(ctx); cfg != nil && cfg.ListingCacheTTL > 0 {
		ttl = cfg.ListingCacheTTL
	}
	return New(ttl)
}

// New creates a local cache with the given default TTL.
func New(ttl time.Duration) (registrycache.ReplicaListingCache, error) {
	inner, err := ristretto.NewCache(&ristretto.Config[string, []model.RemoteReplica]{
		NumCounters: 10_000,
		MaxCost:     1_000, // one cost unit per namespace listing
		BufferItems: 64,
	})
	if err != nil {
		return nil, err
	}
	return &localListingCache{inner: inner, ttl: ttl}, nil
}

type localListingCache struct {
	inner *ristretto.Cache[string, []model.RemoteReplica]
	ttl   time.Duration
}

func (c *localListingCache) Available() bool { return true }

func (c *localListingCache) Get(_ context.Context, namespace string) ([]model.RemoteReplica, bool, error) {
	replicas, ok := c.inner.Get(namespace)
	if !ok {
		return nil, false, nil
	}
	return replicas, true, nil
}

func (c *localListingCache) Set(_ context.Context, namespace string, replicas []model.RemoteReplica, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = c.ttl
	}
	c.inner.SetWithTTL(namespace, replicas, 1, ttl)
	c.inner.Wait()
	return nil
}

func (c *localListingCache) Remove(_ context.Context, namespace string) error {
	c.inner.Del(namespace)
	return nil
}

var _ registrycache.ReplicaListingCache = (*localListingCache)(nil)
