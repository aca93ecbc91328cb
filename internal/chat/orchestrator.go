// Package chat orchestrates a single replica chat turn: identity and access
// resolution, history assembly, prompt construction, learning-mode buffering,
// remote dispatch, and conversation persistence.
package chat

import (
	"context"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/mhalden/replica-service/internal/llm"
	"github.com/mhalden/replica-service/internal/model"
	"github.com/mhalden/replica-service/internal/registry/store"
	"github.com/mhalden/replica-service/internal/security"
	"github.com/mhalden/replica-service/internal/session"
)

// Completer is the slice of the LLM client the orchestrator needs.
type Completer interface {
	ChatCompletion(ctx context.Context, userID string, messages []llm.ChatMessage, opts llm.CompletionOptions) llm.CompletionResult
}

// UpstreamError is a failure from the remote chat capability, surfaced to the
// caller with the remote message. Never retried at this layer.
type UpstreamError struct {
	Message string
}

func (e *UpstreamError) Error() string {
	if e.Message == "" {
		return "replica backend failed"
	}
	return "replica backend failed: " + e.Message
}

// Turn is one caller-supplied prior conversation turn.
type Turn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request is one chat message to a replica.
type Request struct {
	ReplicaID      string
	Message        string
	History        []Turn
	ConversationID *uuid.UUID
}

// Reply is the outcome of a successful chat turn.
type Reply struct {
	Text           string          `json:"text"`
	ConversationID uuid.UUID       `json:"conversationId"`
	APISource      model.APISource `json:"apiSource"`
}

// Orchestrator wires the profile store, the LLM, and the session buffer into
// the chat flow.
type Orchestrator struct {
	store     store.ProfileStore
	completer Completer
	sessions  *session.Buffer
	now       func() time.Time
}

// New creates an Orchestrator.
func New(profileStore store.ProfileStore, completer Completer, sessions *session.Buffer) *Orchestrator {
	return &Orchestrator{
		store:     profileStore,
		completer: completer,
		sessions:  sessions,
		now:       time.Now,
	}
}

// SendMessage runs one chat turn. Authorization failures and upstream
// dispatch failures are returned as errors; persistence failures after a
// successful reply are logged and the reply is still returned.
func (o *Orchestrator) SendMessage(ctx context.Context, ident security.Identity, req Request) (*Reply, error) {
	if req.ReplicaID == "" {
		return nil, &store.ValidationError{Field: "replicaId", Message: "must not be empty"}
	}
	if req.Message == "" {
		return nil, &store.ValidationError{Field: "message", Message: "must not be empty"}
	}

	// The owning caretaker's identity is the routing key for remote memory,
	// even when a patient is chatting. No fallback namespace.
	namespace := ident.Namespace()
	if namespace == "" {
		return nil, &store.ForbiddenError{}
	}
	if !ident.CanAccessReplica(req.ReplicaID) {
		return nil, &store.ForbiddenError{}
	}

	profile, err := o.store.GetProfile(ctx, namespace)
	if err != nil {
		return nil, err
	}
	replica := profile.Replica(req.ReplicaID)
	if replica == nil {
		// covers replicas removed from the caretaker's inventory after a
		// patient allow-list was granted
		return nil, &store.NotFoundError{Resource: "replica", ID: req.ReplicaID}
	}

	messages := make([]llm.ChatMessage, 0, len(req.History)+1)
	for _, turn := range req.History {
		role := turn.Role
		if role != "assistant" {
			role = "user"
		}
		messages = append(messages, llm.ChatMessage{Role: role, Content: turn.Content})
	}
	messages = append(messages, llm.ChatMessage{Role: "user", Content: req.Message})

	learning := o.sessions != nil && o.sessions.IsLearningModeActive(ident.UserID)
	if learning {
		o.sessions.BufferMessage(ident.UserID, session.RoleUser, req.Message)
	}

	completion := o.completer.ChatCompletion(ctx, namespace, messages, llm.CompletionOptions{
		SystemPrompt: SystemPrompt(replica),
		ReplicaID:    req.ReplicaID,
	})
	if !completion.Success {
		return nil, &UpstreamError{Message: completion.Error}
	}

	if learning {
		o.sessions.BufferMessage(ident.UserID, session.RoleAssistant, completion.Text)
	}

	conversationID := o.persist(ctx, ident, req, replica, completion.Text)

	return &Reply{
		Text:           completion.Text,
		ConversationID: conversationID,
		APISource:      replica.APISource,
	}, nil
}

// persist appends the turn to the owner's conversation, creating it first if
// needed. Reply delivery takes priority over transcript durability: every
// failure here is logged, never returned.
func (o *Orchestrator) persist(ctx context.Context, ident security.Identity, req Request, replica *model.ReplicaRecord, replyText string) uuid.UUID {
	now := o.now()
	owner := ident.UserID

	conversation, err := o.findOrCreate(ctx, owner, req, replica, now)
	if err != nil {
		log.Error("Failed to persist conversation", "userID", owner, "replicaID", req.ReplicaID, "err", err)
		return uuid.Nil
	}

	messages := []model.Message{
		{
			ID:         uuid.NewString(),
			Text:       req.Message,
			Sender:     model.SenderUser,
			SenderRole: ident.Role,
			Timestamp:  now,
		},
		{
			ID:        uuid.NewString(),
			Text:      replyText,
			Sender:    model.SenderBot,
			Timestamp: now,
		},
	}
	if err := o.store.AppendMessages(ctx, conversation.ID, messages, now); err != nil {
		log.Error("Failed to append chat messages", "conversationID", conversation.ID, "err", err)
	}
	return conversation.ID
}

func (o *Orchestrator) findOrCreate(ctx context.Context, owner string, req Request, replica *model.ReplicaRecord, now time.Time) (*model.ConversationRecord, error) {
	if req.ConversationID != nil {
		return o.store.GetConversation(ctx, owner, *req.ConversationID)
	}

	existing, err := o.store.FindConversation(ctx, owner, req.ReplicaID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}

	conversation := &model.ConversationRecord{
		ID:            uuid.New(),
		OwnerUserID:   owner,
		ReplicaID:     req.ReplicaID,
		Title:         model.TitleFromMessage(req.Message),
		APISource:     replica.APISource,
		Active:        true,
		CreatedAt:     now,
		LastMessageAt: now,
	}
	if err := o.store.CreateConversation(ctx, conversation); err != nil {
		return nil, err
	}
	return conversation, nil
}
