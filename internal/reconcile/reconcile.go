// Package reconcile aligns a locally cached replica inventory with the
// authoritative remote listing.
package reconcile

import (
	"time"

	"github.com/mhalden/replica-service/internal/model"
)

// Result partitions replicas by where they are known. The three sets are
// pairwise disjoint by id and together cover local ∪ remote exactly once.
type Result struct {
	// MissingInLocal are remote replicas with no local counterpart whose id is
	// not deletion-tracked. Intentionally deleted replicas are never resurrected.
	MissingInLocal []model.RemoteReplica
	// MissingInRemote are local replicas the remote no longer reports.
	MissingInRemote []model.ReplicaRecord
	// InSync are local replicas the remote still reports.
	InSync []model.ReplicaRecord
}

// Diff compares the local replica set against the remote listing. Pure; the
// caller applies the result with Apply.
func Diff(local []model.ReplicaRecord, remote []model.RemoteReplica, deleted []model.DeletedReplicaMarker) Result {
	localByID := make(map[string]struct{}, len(local))
	for _, r := range local {
		localByID[r.ID] = struct{}{}
	}
	remoteByID := make(map[string]struct{}, len(remote))
	for _, r := range remote {
		remoteByID[r.ID] = struct{}{}
	}
	deletedByID := make(map[string]struct{}, len(deleted))
	for _, m := range deleted {
		deletedByID[m.ReplicaID] = struct{}{}
	}

	var result Result
	for _, r := range remote {
		if _, ok := localByID[r.ID]; ok {
			continue
		}
		if _, tracked := deletedByID[r.ID]; tracked {
			continue
		}
		result.MissingInLocal = append(result.MissingInLocal, r)
	}
	for _, r := range local {
		if _, ok := remoteByID[r.ID]; ok {
			result.InSync = append(result.InSync, r)
		} else {
			result.MissingInRemote = append(result.MissingInRemote, r)
		}
	}
	return result
}

// Applied summarizes the profile mutation performed by Apply.
type Applied struct {
	Added   []string `json:"added"`
	Removed []string `json:"removed"`
	Updated []string `json:"updated"`
}

// Apply mutates the profile in place according to a Diff result: new remote
// replicas are inserted as CREATED/COMPLETED records, replicas gone from the
// remote are removed and deletion-tracked, and in-sync records get their sync
// timestamp refreshed. The whole mutation is applied as one unit; callers
// persist the profile afterwards or not at all.
func Apply(profile *model.Profile, result Result, now time.Time) Applied {
	var applied Applied

	for _, remote := range result.MissingInLocal {
		profile.Replicas = append(profile.Replicas, model.ReplicaRecord{
			ID:              remote.ID,
			Name:            defaultName(remote.Name),
			Description:     remote.Description,
			APISource:       remote.APISource,
			Namespace:       remote.Namespace,
			MigrationStatus: model.MigrationCompleted,
			Status:          model.ReplicaCreated,
			CreatedAt:       now,
			LastSyncAt:      now,
		})
		applied.Added = append(applied.Added, remote.ID)
	}

	for _, gone := range result.MissingInRemote {
		kept := profile.Replicas[:0]
		for _, r := range profile.Replicas {
			if r.ID != gone.ID {
				kept = append(kept, r)
			}
		}
		profile.Replicas = kept
		if !markerExists(profile.DeletedReplicas, gone.ID) {
			profile.DeletedReplicas = append(profile.DeletedReplicas, model.DeletedReplicaMarker{
				ReplicaID: gone.ID,
				DeletedAt: now,
			})
		}
		applied.Removed = append(applied.Removed, gone.ID)
	}

	for _, synced := range result.InSync {
		if r := profile.Replica(synced.ID); r != nil {
			r.LastSyncAt = now
			r.MigrationStatus = model.MigrationCompleted
			applied.Updated = append(applied.Updated, synced.ID)
		}
	}

	return applied
}

func markerExists(markers []model.DeletedReplicaMarker, replicaID string) bool {
	for _, m := range markers {
		if m.ReplicaID == replicaID {
			return true
		}
	}
	return false
}

func defaultName(name string) string {
	if name == "" {
		return "Replica"
	}
	return name
}
