package noop

import (
	"context"
	"time"

	"github.com/mhalden/replica-service/internal/model"
	"github.com/mhalden/replica-service/internal/registry/cache"
)

func init() {
	cache.Register(cache.Plugin{
		Name: "none",
		Loader: func(ctx context.Context) (cache.ReplicaListingCache, error) {
			return &noopListingCache{}, nil
		},
	})
}

type noopListingCache struct{}

func (n *noopListingCache) Available() bool { return false }
func (n *noopListingCache) Get(_ context.Context, _ string) ([]model.RemoteReplica, bool, error) {
	return nil, false, nil
}
func (n *noopListingCache) Set(_ context.Context, _ string, _ []model.RemoteReplica, _ time.Duration) error {
	return nil
}
func (n *noopListingCache) Remove(_ context.Context, _ string) error { return nil }

var _ cache.ReplicaListingCache = (*noopListingCache)(nil)
