package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/mhalden/replica-service/internal/model"
)

// ReplicaListingCache caches the remote replica listing per namespace between
// reconciliations. Reconciliation always bypasses it; the listing route may
// serve from it.
type ReplicaListingCache interface {
	Available() bool
	Get(ctx context.Context, namespace string) ([]model.RemoteReplica, bool, error)
	Set(ctx context.Context, namespace string, replicas []model.RemoteReplica, ttl time.Duration) error
	Remove(ctx context.Context, namespace string) error
}

// Loader creates a cache from config.
type Loader func(ctx context.Context) (ReplicaListingCache, error)

// Plugin represents a cache plugin.
type Plugin struct {
	Name   string
	Loader Loader
}

var plugins []Plugin

// Register adds a cache plugin.
func Register(p Plugin) {
	plugins = append(plugins, p)
}

// Names returns all registered cache plugin names.
func Names() []string {
	names := make([]string, len(plugins))
	for i, p := range plugins {
		names[i] = p.Name
	}
	return names
}

// Select returns the loader for the named cache plugin.
func Select(name string) (Loader, error) {
	for _, p := range plugins {
		if p.Name == name {
			return p.Loader, nil
		}
	}
	return nil, fmt.Errorf("unknown cache %q; valid: %v", name, Names())
}
