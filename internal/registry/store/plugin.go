package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/mhalden/replica-service/internal/model"
)

// ProfileStore is the primary data access interface for the replica service.
// Replica records and deletion markers live embedded in the user profile
// document; conversations live in their own collection.
type ProfileStore interface {
	// Profiles
	GetProfile(ctx context.Context, userID string) (*model.Profile, error)
	EnsureProfile(ctx context.Context, userID string, role model.Role) (*model.Profile, error)
	GetPatientLink(ctx context.Context, patientID string) (*model.PatientLink, error)
	SetPatientLink(ctx context.Context, link model.PatientLink) error
	// ListCaretakerIDs feeds the background sync loop.
	ListCaretakerIDs(ctx context.Context) ([]string, error)

	// Replicas
	ListReplicas(ctx context.Context, userID string) ([]model.ReplicaRecord, error)
	AddReplica(ctx context.Context, userID string, replica model.ReplicaRecord) error
	// RemoveReplica removes the record and inserts a deletion marker so the
	// next reconciliation does not resurrect the replica.
	RemoveReplica(ctx context.Context, userID string, replicaID string, deletedAt time.Time) error
	AppendChunkRefs(ctx context.Context, userID string, replicaID string, refs []model.ChunkRef) error
	ListDeletedMarkers(ctx context.Context, userID string) ([]model.DeletedReplicaMarker, error)
	ClearDeletedMarkers(ctx context.Context, userID string, replicaIDs []string) error
	// ReplaceReplicaState overwrites the profile's replica records and markers
	// in one write. Used to persist a reconciliation outcome atomically.
	ReplaceReplicaState(ctx context.Context, userID string, replicas []model.ReplicaRecord, markers []model.DeletedReplicaMarker) error

	// Conversations
	FindConversation(ctx context.Context, ownerUserID string, replicaID string) (*model.ConversationRecord, error)
	GetConversation(ctx context.Context, ownerUserID string, conversationID uuid.UUID) (*model.ConversationRecord, error)
	CreateConversation(ctx context.Context, conversation *model.ConversationRecord) error
	AppendMessages(ctx context.Context, conversationID uuid.UUID, messages []model.Message, at time.Time) error
	ListConversations(ctx context.Context, ownerUserID string) ([]model.ConversationRecord, error)

	// Ping reports backing-store reachability for readiness checks.
	Ping(ctx context.Context) error
	Close(ctx context.Context) error
}

// Loader creates a ProfileStore from config.
type Loader func(ctx context.Context) (ProfileStore, error)

// Plugin represents a store plugin.
type Plugin struct {
	Name   string
	Loader Loader
}

var plugins []Plugin

// Register adds a store plugin.
func Register(p Plugin) {
	plugins = append(plugins, p)
}

// Names returns all registered store plugin names.
func Names() []string {
	names := make([]string, len(plugins))
	for i, p := range plugins {
		names[i] = p.Name
	}
	return names
}

// Select returns the loader for the named store plugin.
func Select(name string) (Loader, error) {
	for _, p := range plugins {
		if p.Name == name {
			return p.Loader, nil
		}
	}
	return nil, fmt.Errorf("unknown store %q; valid: %v", name, Names())
}
