// Package service hosts background workers and long-lived orchestration
// around the profile store.
package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/mhalden/replica-service/internal/model"
	"github.com/mhalden/replica-service/internal/rag"
	"github.com/mhalden/replica-service/internal/reconcile"
	registrycache "github.com/mhalden/replica-service/internal/registry/cache"
	registrystore "github.com/mhalden/replica-service/internal/registry/store"
	"github.com/mhalden/replica-service/internal/security"
)

// ReplicaLister is the slice of the RAG client the reconciler needs.
type ReplicaLister interface {
	ListReplicas(ctx context.Context, namespace string) rag.ListResult
}

// Reconciler aligns one user's locally cached replica inventory with the
// authoritative remote listing. Runs are serialized per user so a background
// sync and a user-triggered reconcile never interleave.
type Reconciler struct {
	store  registrystore.ProfileStore
	lister ReplicaLister
	cache  registrycache.ReplicaListingCache

	mu    sync.Mutex
	users map[string]*sync.Mutex
}

// NewReconciler creates a Reconciler. cache may be nil.
func NewReconciler(store registrystore.ProfileStore, lister ReplicaLister, cache registrycache.ReplicaListingCache) *Reconciler {
	return &Reconciler{
		store:  store,
		lister: lister,
		cache:  cache,
		users:  map[string]*sync.Mutex{},
	}
}

func (r *Reconciler) userLock(userID string) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	lock, ok := r.users[userID]
	if !ok {
		lock = &sync.Mutex{}
		r.users[userID] = lock
	}
	return lock
}

// ReconcileUser fetches the remote listing (never from cache), diffs it
// against the profile, applies the outcome, and persists it as one write.
// Any failure aborts the run as a unit; no partial application.
func (r *Reconciler) ReconcileUser(ctx context.Context, userID string) (*reconcile.Applied, error) {
	lock := r.userLock(userID)
	lock.Lock()
	defer lock.Unlock()

	profile, err := r.store.GetProfile(ctx, userID)
	if err != nil {
		return nil, err
	}

	listing := r.lister.ListReplicas(ctx, userID)
	if !listing.Success {
		return nil, fmt.Errorf("remote listing failed: %s", listing.Error)
	}

	diff := reconcile.Diff(profile.Replicas, listing.Replicas, profile.DeletedReplicas)
	applied := reconcile.Apply(profile, diff, time.Now())

	if err := r.store.ReplaceReplicaState(ctx, userID, profile.Replicas, profile.DeletedReplicas); err != nil {
		return nil, err
	}

	if r.cache != nil && r.cache.Available() {
		if err := r.cache.Set(ctx, userID, listing.Replicas, 0); err != nil {
			log.Warn("Failed to refresh listing cache", "userID", userID, "err", err)
		}
	}

	if len(applied.Added)+len(applied.Removed) > 0 {
		log.Info("Reconciled replica inventory",
			"userID", userID,
			"added", len(applied.Added),
			"removed", len(applied.Removed),
			"updated", len(applied.Updated),
		)
	}
	return &applied, nil
}

// ListingFresh reports whether the cached remote listing still matches the
// profile's local inventory, meaning a list request can skip reconciliation.
// Reconciliation itself never consults the cache.
func (r *Reconciler) ListingFresh(ctx context.Context, profile *model.Profile) bool {
	if r.cache == nil || !r.cache.Available() {
		return false
	}
	listing, ok, err := r.cache.Get(ctx, profile.UserID)
	if err != nil {
		log.Warn("Listing cache read failed", "userID", profile.UserID, "err", err)
		security.ObserveCacheMiss()
		return false
	}
	if !ok {
		security.ObserveCacheMiss()
		return false
	}
	security.ObserveCacheHit()

	suppressed := make(map[string]bool, len(profile.DeletedReplicas))
	for _, marker := range profile.DeletedReplicas {
		suppressed[marker.ReplicaID] = true
	}
	remote := make(map[string]bool, len(listing))
	for _, replica := range listing {
		if !suppressed[replica.ID] {
			remote[replica.ID] = true
		}
	}
	if len(remote) != len(profile.Replicas) {
		return false
	}
	for _, record := range profile.Replicas {
		if !remote[record.ID] {
			return false
		}
	}
	return true
}

// SyncService periodically reconciles every caretaker profile.
type SyncService struct {
	store      registrystore.ProfileStore
	reconciler *Reconciler
	interval   time.Duration
}

// NewSyncService creates a SyncService with the given interval.
func NewSyncService(store registrystore.ProfileStore, reconciler *Reconciler, interval time.Duration) *SyncService {
	if interval <= 0 {
		interval = time.Hour
	}
	return &SyncService{store: store, reconciler: reconciler, interval: interval}
}

// Start begins the periodic sync loop. Returns when ctx is cancelled.
func (s *SyncService) Start(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runSync(ctx)
		}
	}
}

func (s *SyncService) runSync(ctx context.Context) {
	ids, err := s.store.ListCaretakerIDs(ctx)
	if err != nil {
		log.Error("Sync: caretaker listing failed", "err", err)
		return
	}
	if len(ids) == 0 {
		return
	}

	log.Info("Sync: starting", "caretakers", len(ids))
	added, removed := 0, 0
	for _, id := range ids {
		if ctx.Err() != nil {
			return
		}
		applied, err := s.reconciler.ReconcileUser(ctx, id)
		if err != nil {
			log.Error("Sync: reconcile failed", "userID", id, "err", err)
			continue
		}
		added += len(applied.Added)
		removed += len(applied.Removed)
	}
	log.Info("Sync: completed", "caretakers", len(ids), "added", added, "removed", removed)
}
