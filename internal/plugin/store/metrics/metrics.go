// Package metrics wraps a ProfileStore so every operation records its latency.
package metrics

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/mhalden/replica-service/internal/model"
	"github.com/mhalden/replica-service/internal/registry/store"
	"github.com/mhalden/replica-service/internal/security"
)

// Wrap returns a ProfileStore that records StoreLatency for every operation.
func Wrap(inner store.ProfileStore) store.ProfileStore {
	return &metricsStore{inner: inner}
}

type metricsStore struct {
	inner store.ProfileStore
}

func observe(op string, start time.Time) {
	if security.StoreLatency == nil {
		return
	}
	security.StoreLatency.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

func (m *metricsStore) GetProfile(ctx context.Context, userID string) (*model.Profile, error) {
	defer observe("get_profile", time.Now())
	return m.inner.GetProfile(ctx, userID)
}

func (m *metricsStore) EnsureProfile(ctx context.Context, userID string, role model.Role) (*model.Profile, error) {
	defer observe("ensure_profile", time.Now())
	return m.inner.EnsureProfile(ctx, userID, role)
}

func (m *metricsStore) GetPatientLink(ctx context.Context, patientID string) (*model.PatientLink, error) {
	defer observe("get_patient_link", time.Now())
	return m.inner.GetPatientLink(ctx, patientID)
}

func (m *metricsStore) SetPatientLink(ctx context.Context, link model.PatientLink) error {
	defer observe("set_patient_link", time.Now())
	return m.inner.SetPatientLink(ctx, link)
}

func (m *metricsStore) ListCaretakerIDs(ctx context.Context) ([]string, error) {
	defer observe("list_caretaker_ids", time.Now())
	return m.inner.ListCaretakerIDs(ctx)
}

func (m *metricsStore) ListReplicas(ctx context.Context, userID string) ([]model.ReplicaRecord, error) {
	defer observe("list_replicas", time.Now())
	return m.inner.ListReplicas(ctx, userID)
}

func (m *metricsStore) AddReplica(ctx context.Context, userID string, replica model.ReplicaRecord) error {
	defer observe("add_replica", time.Now())
	return m.inner.AddReplica(ctx, userID, replica)
}

func (m *metricsStore) RemoveReplica(ctx context.Context, userID string, replicaID string, deletedAt time.Time) error {
	defer observe("remove_replica", time.Now())
	return m.inner.RemoveReplica(ctx, userID, replicaID, deletedAt)
}

func (m *metricsStore) AppendChunkRefs(ctx context.Context, userID string, replicaID string, refs []model.ChunkRef) error {
	defer observe("append_chunk_refs", time.Now())
	return m.inner.AppendChunkRefs(ctx, userID, replicaID, refs)
}

func (m *metricsStore) ListDeletedMarkers(ctx context.Context, userID string) ([]model.DeletedReplicaMarker, error) {
	defer observe("list_deleted_markers", time.Now())
	return m.inner.ListDeletedMarkers(ctx, userID)
}

func (m *metricsStore) ClearDeletedMarkers(ctx context.Context, userID string, replicaIDs []string) error {
	defer observe("clear_deleted_markers", time.Now())
	return m.inner.ClearDeletedMarkers(ctx, userID, replicaIDs)
}

func (m *metricsStore) ReplaceReplicaState(ctx context.Context, userID string, replicas []model.ReplicaRecord, markers []model.DeletedReplicaMarker) error {
	defer observe("replace_replica_state", time.Now())
	return m.inner.ReplaceReplicaState(ctx, userID, replicas, markers)
}

func (m *metricsStore) FindConversation(ctx context.Context, ownerUserID string, replicaID string) (*model.ConversationRecord, error) {
	defer observe("find_conversation", time.Now())
	return m.inner.FindConversation(ctx, ownerUserID, replicaID)
}

func (m *metricsStore) GetConversation(ctx context.Context, ownerUserID string, conversationID uuid.UUID) (*model.ConversationRecord, error) {
	defer observe("get_conversation", time.Now())
	return m.inner.GetConversation(ctx, ownerUserID, conversationID)
}

func (m *metricsStore) CreateConversation(ctx context.Context, conversation *model.ConversationRecord) error {
	defer observe("create_conversation", time.Now())
	return m.inner.CreateConversation(ctx, conversation)
}

func (m *metricsStore) AppendMessages(ctx context.Context, conversationID uuid.UUID, messages []model.Message, at time.Time) error {
	defer observe("append_messages", time.Now())
	return m.inner.AppendMessages(ctx, conversationID, messages, at)
}

func (m *metricsStore) ListConversations(ctx context.Context, ownerUserID string) ([]model.ConversationRecord, error) {
	defer observe("list_conversations", time.Now())
	return m.inner.ListConversations(ctx, ownerUserID)
}

func (m *metricsStore) Ping(ctx context.Context) error {
	defer observe("ping", time.Now())
	return m.inner.Ping(ctx)
}

func (m *metricsStore) Close(ctx context.Context) error {
	return m.inner.Close(ctx)
}
