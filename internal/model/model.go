package model

import (
	"time"

	"github.com/google/uuid"
)

// APISource identifies which remote backend a replica was provisioned on.
type APISource string

const (
	APISourceRAG    APISource = "RAG"
	APISourceLegacy APISource = "LEGACY"
)

// MigrationStatus tracks whether a replica has been migrated to the current backend.
type MigrationStatus string

const (
	MigrationPending   MigrationStatus = "PENDING"
	MigrationCompleted MigrationStatus = "COMPLETED"
)

// ReplicaStatus is the lifecycle state of a replica record.
type ReplicaStatus string

const (
	ReplicaCreated   ReplicaStatus = "CREATED"
	ReplicaAvailable ReplicaStatus = "AVAILABLE"
)

// MessageSender identifies who produced a conversation message.
type MessageSender string

const (
	SenderUser MessageSender = "user"
	SenderBot  MessageSender = "bot"
)

// Role identifies the kind of account behind an identity.
type Role string

const (
	RoleCaretaker Role = "caretaker"
	RolePatient   Role = "patient"
)

// ReplicaRecord is a locally cached replica, embedded in the owning user's profile.
type ReplicaRecord struct {
	ID               string          `json:"id"               bson:"id"`
	Name             string          `json:"name"             bson:"name"`
	Description      string          `json:"description"      bson:"description"`
	Greeting         string          `json:"greeting"         bson:"greeting"`
	APISource        APISource       `json:"apiSource"        bson:"apiSource"`
	Namespace        string          `json:"namespace"        bson:"namespace"`
	MigrationStatus  MigrationStatus `json:"migrationStatus"  bson:"migrationStatus"`
	Status           ReplicaStatus   `json:"status"           bson:"status"`
	CreatedAt        time.Time       `json:"createdAt"        bson:"createdAt"`
	LastSyncAt       time.Time       `json:"lastSyncAt"       bson:"lastSyncAt"`
	SelectedSegments []string        `json:"selectedSegments" bson:"selectedSegments"`
	ChunkRefs        []ChunkRef      `json:"chunkRefs"        bson:"chunkRefs"`
}

// ChunkRef records a training chunk stored in the remote memory store.
type ChunkRef struct {
	ChunkID   string `json:"chunkId"   bson:"chunkId"`
	ReplicaID string `json:"replicaId" bson:"replicaId"`
	Ordinal   int    `json:"ordinal"   bson:"ordinal"`
}

// DeletedReplicaMarker suppresses re-adding a replica the user intentionally removed.
// Markers have no expiry; they are cleared only by the explicit clear-tracking operation.
type DeletedReplicaMarker struct {
	ReplicaID string    `json:"replicaId" bson:"replicaId"`
	DeletedAt time.Time `json:"deletedAt" bson:"deletedAt"`
}

// RemoteReplica is a replica as reported by the authoritative remote listing.
type RemoteReplica struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	APISource   APISource `json:"apiSource"`
	Namespace   string    `json:"namespace"`
}

// Profile is the replica-bearing slice of a user document.
type Profile struct {
	UserID          string                 `json:"userId"          bson:"_id"`
	Email           string                 `json:"email"           bson:"email"`
	Role            Role                   `json:"role"            bson:"role"`
	Replicas        []ReplicaRecord        `json:"replicas"        bson:"replicas"`
	DeletedReplicas []DeletedReplicaMarker `json:"deletedReplicas" bson:"deletedReplicas"`
}

// Replica returns the replica with the given id, or nil.
func (p *Profile) Replica(id string) *ReplicaRecord {
	for i := range p.Replicas {
		if p.Replicas[i].ID == id {
			return &p.Replicas[i]
		}
	}
	return nil
}

// PatientLink describes a patient account's connection to its caretaker.
type PatientLink struct {
	PatientID       string   `json:"patientId"       bson:"_id"`
	CaretakerID     string   `json:"caretakerId"     bson:"caretakerId"`
	AllowedReplicas []string `json:"allowedReplicas" bson:"allowedReplicas"`
}

// Message is a single turn persisted inside a ConversationRecord.
type Message struct {
	ID         string        `json:"id"                   bson:"id"`
	Text       string        `json:"text"                 bson:"text"`
	Sender     MessageSender `json:"sender"               bson:"sender"`
	SenderRole Role          `json:"senderRole,omitempty" bson:"senderRole,omitempty"`
	Timestamp  time.Time     `json:"timestamp"            bson:"timestamp"`
}

// ConversationRecord is a persisted conversation between one user and one replica.
// A patient and their caretaker never share a record even when chatting with the
// same replica: OwnerUserID is always the requester-linked identity.
type ConversationRecord struct {
	ID            uuid.UUID `json:"id"            bson:"_id"`
	OwnerUserID   string    `json:"ownerUserId"   bson:"ownerUserId"`
	ReplicaID     string    `json:"replicaId"     bson:"replicaId"`
	Title         string    `json:"title"         bson:"title"`
	Messages      []Message `json:"messages"      bson:"messages"`
	APISource     APISource `json:"apiSource"     bson:"apiSource"`
	Active        bool      `json:"active"        bson:"active"`
	CreatedAt     time.Time `json:"createdAt"     bson:"createdAt"`
	LastMessageAt time.Time `json:"lastMessageAt" bson:"lastMessageAt"`
}

// TitleFromMessage derives a conversation title from its first message,
// truncated to 50 characters with an ellipsis marker.
func TitleFromMessage(message string) string {
	const max = 50
	if len(message) > max {
		return message[:max] + "..."
	}
	return message
}
