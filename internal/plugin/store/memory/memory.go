// Package memory is the in-memory profile store plugin, used in testing mode
// and by unit tests that need a real ProfileStore without a database.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mhalden/replica-service/internal/model"
	registrystore "github.com/mhalden/replica-service/internal/registry/store"
)

func init() {
	registrystore.Register(registrystore.Plugin{
		Name: "memory",
		Loader: func(ctx context.Context) (registrystore.ProfileStore, error) {
			return New(), nil
		},
	})
}

// Store implements registrystore.ProfileStore with in-process maps.
// All returned records are copies; callers never share backing slices.
type Store struct {
	mu            sync.RWMutex
	profiles      map[string]*model.Profile
	links         map[string]model.PatientLink
	conversations map[uuid.UUID]*model.ConversationRecord
}

// New creates an empty Store.
func New() *Store {
	return &Store{
		profiles:      map[string]*model.Profile{},
		links:         map[string]model.PatientLink{},
		conversations: map[uuid.UUID]*model.ConversationRecord{},
	}
}

func copyProfile(p *model.Profile) *model.Profile {
	out := *p
	out.Replicas = append([]model.ReplicaRecord(nil), p.Replicas...)
	out.DeletedReplicas = append([]model.DeletedReplicaMarker(nil), p.DeletedReplicas...)
	return &out
}

func copyConversation(c *model.ConversationRecord) *model.ConversationRecord {
	out := *c
	out.Messages = append([]model.Message(nil), c.Messages...)
	return &out
}

func (s *Store) GetProfile(ctx context.Context, userID string) (*model.Profile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.profiles[userID]
	if !ok {
		return nil, &registrystore.NotFoundError{Resource: "profile", ID: userID}
	}
	return copyProfile(p), nil
}

func (s *Store) EnsureProfile(ctx context.Context, userID string, role model.Role) (*model.Profile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.profiles[userID]
	if !ok {
		p = &model.Profile{UserID: userID, Role: role}
		s.profiles[userID] = p
	}
	return copyProfile(p), nil
}

func (s *Store) GetPatientLink(ctx context.Context, patientID string) (*model.PatientLink, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	link, ok := s.links[patientID]
	if !ok {
		return nil, &registrystore.NotFoundError{Resource: "patient link", ID: patientID}
	}
	out := link
	out.AllowedReplicas = append([]string(nil), link.AllowedReplicas...)
	return &out, nil
}

func (s *Store) SetPatientLink(ctx context.Context, link model.PatientLink) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	link.AllowedReplicas = append([]string(nil), link.AllowedReplicas...)
	s.links[link.PatientID] = link
	return nil
}

func (s *Store) ListCaretakerIDs(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var ids []string
	for id, p := range s.profiles {
		if p.Role == model.RoleCaretaker {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *Store) ListReplicas(ctx context.Context, userID string) ([]model.ReplicaRecord, error) {
	p, err := s.GetProfile(ctx, userID)
	if err != nil {
		return nil, err
	}
	return p.Replicas, nil
}

func (s *Store) AddReplica(ctx context.Context, userID string, replica model.ReplicaRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.profiles[userID]
	if !ok {
		return &registrystore.NotFoundError{Resource: "profile", ID: userID}
	}
	if p.Replica(replica.ID) != nil {
		return &registrystore.ConflictError{Message: fmt.Sprintf("replica already exists: %s", replica.ID)}
	}
	p.Replicas = append(p.Replicas, replica)
	return nil
}

func (s *Store) RemoveReplica(ctx context.Context, userID string, replicaID string, deletedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.profiles[userID]
	if !ok {
		return &registrystore.NotFoundError{Resource: "profile", ID: userID}
	}
	found := false
	kept := p.Replicas[:0]
	for _, r := range p.Replicas {
		if r.ID == replicaID {
			found = true
			continue
		}
		kept = append(kept, r)
	}
	if !found {
		return &registrystore.NotFoundError{Resource: "replica", ID: replicaID}
	}
	p.Replicas = kept

	for _, m := range p.DeletedReplicas {
		if m.ReplicaID == replicaID {
			return nil
		}
	}
	p.DeletedReplicas = append(p.DeletedReplicas, model.DeletedReplicaMarker{ReplicaID: replicaID, DeletedAt: deletedAt})
	return nil
}

func (s *Store) AppendChunkRefs(ctx context.Context, userID string, replicaID string, refs []model.ChunkRef) error {
	if len(refs) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.profiles[userID]
	if !ok {
		return &registrystore.NotFoundError{Resource: "profile", ID: userID}
	}
	r := p.Replica(replicaID)
	if r == nil {
		return &registrystore.NotFoundError{Resource: "replica", ID: replicaID}
	}
	r.ChunkRefs = append(r.ChunkRefs, refs...)
	return nil
}

func (s *Store) ListDeletedMarkers(ctx context.Context, userID string) ([]model.DeletedReplicaMarker, error) {
	p, err := s.GetProfile(ctx, userID)
	if err != nil {
		return nil, err
	}
	return p.DeletedReplicas, nil
}

func (s *Store) ClearDeletedMarkers(ctx context.Context, userID string, replicaIDs []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.profiles[userID]
	if !ok {
		return &registrystore.NotFoundError{Resource: "profile", ID: userID}
	}
	if len(replicaIDs) == 0 {
		p.DeletedReplicas = nil
		return nil
	}
	drop := map[string]bool{}
	for _, id := range replicaIDs {
		drop[id] = true
	}
	kept := p.DeletedReplicas[:0]
	for _, m := range p.DeletedReplicas {
		if !drop[m.ReplicaID] {
			kept = append(kept, m)
		}
	}
	p.DeletedReplicas = kept
	return nil
}

func (s *Store) ReplaceReplicaState(ctx context.Context, userID string, replicas []model.ReplicaRecord, markers []model.DeletedReplicaMarker) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.profiles[userID]
	if !ok {
		return &registrystore.NotFoundError{Resource: "profile", ID: userID}
	}
	p.Replicas = append([]model.ReplicaRecord(nil), replicas...)
	p.DeletedReplicas = append([]model.DeletedReplicaMarker(nil), markers...)
	return nil
}

func (s *Store) FindConversation(ctx context.Context, ownerUserID string, replicaID string) (*model.ConversationRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, c := range s.conversations {
		if c.OwnerUserID == ownerUserID && c.ReplicaID == replicaID && c.Active {
			return copyConversation(c), nil
		}
	}
	return nil, nil
}

func (s *Store) GetConversation(ctx context.Context, ownerUserID string, conversationID uuid.UUID) (*model.ConversationRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.conversations[conversationID]
	if !ok || c.OwnerUserID != ownerUserID {
		return nil, &registrystore.NotFoundError{Resource: "conversation", ID: conversationID.String()}
	}
	return copyConversation(c), nil
}

func (s *Store) CreateConversation(ctx context.Context, conversation *model.ConversationRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.conversations[conversation.ID]; ok {
		return &registrystore.ConflictError{Message: fmt.Sprintf("conversation already exists: %s", conversation.ID)}
	}
	s.conversations[conversation.ID] = copyConversation(conversation)
	return nil
}

func (s *Store) AppendMessages(ctx context.Context, conversationID uuid.UUID, messages []model.Message, at time.Time) error {
	if len(messages) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conversations[conversationID]
	if !ok {
		return &registrystore.NotFoundError{Resource: "conversation", ID: conversationID.String()}
	}
	c.Messages = append(c.Messages, messages...)
	c.LastMessageAt = at
	return nil
}

func (s *Store) ListConversations(ctx context.Context, ownerUserID string) ([]model.ConversationRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var records []model.ConversationRecord
	for _, c := range s.conversations {
		if c.OwnerUserID == ownerUserID {
			records = append(records, *copyConversation(c))
		}
	}
	sort.Slice(records, func(i, j int) bool {
		return records[i].LastMessageAt.After(records[j].LastMessageAt)
	})
	return records, nil
}

func (s *Store) Ping(ctx context.Context) error { return nil }

func (s *Store) Close(ctx context.Context) error { return nil }
