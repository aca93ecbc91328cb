// Package session holds per-user learning-mode transcript buffers.
//
// Buffers are process-local: when learning mode is active, conversation turns
// are collected here and submitted to the RAG engine for asynchronous memory
// extraction when the session ends. Submission is best-effort; a failed submit
// never restores the buffer.
package session

import (
	"context"
	"sync"

	"github.com/charmbracelet/log"
)

// MessageRole is the speaker of a buffered transcript line.
type MessageRole string

const (
	RoleUser      MessageRole = "user"
	RoleAssistant MessageRole = "assistant"
)

// TranscriptMessage is one buffered conversation turn.
type TranscriptMessage struct {
	Role    MessageRole `json:"role"`
	Content string      `json:"content"`
}

// Processor receives a completed session transcript for asynchronous processing.
type Processor interface {
	ProcessSession(ctx context.Context, userID string, messages []TranscriptMessage) (sessionID string, err error)
}

// EndResult reports the outcome of ending a learning session.
type EndResult struct {
	HadSession        bool
	SessionID         string
	MessagesProcessed int
	Submitted         bool
}

// Status reports the buffer state for one user.
type Status struct {
	Active       bool `json:"active"`
	MessageCount int  `json:"messageCount"`
}

type entry struct {
	active   bool
	messages []TranscriptMessage
}

// Buffer is an injectable per-user transcript buffer. Create one at process
// start with New and share it; the zero value is not usable.
type Buffer struct {
	mu        sync.RWMutex
	sessions  map[string]*entry
	processor Processor
}

// New creates a Buffer that submits ended sessions to the given processor.
// A nil processor disables submission (ended transcripts are dropped).
func New(processor Processor) *Buffer {
	return &Buffer{
		sessions:  make(map[string]*entry),
		processor: processor,
	}
}

// EnableLearningMode activates buffering for the user, preserving any
// messages already buffered by a previous enable/disable cycle.
func (b *Buffer) EnableLearningMode(userID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if s, ok := b.sessions[userID]; ok {
		s.active = true
		log.Info("Learning mode re-enabled", "userID", userID, "buffered", len(s.messages))
		return
	}
	b.sessions[userID] = &entry{active: true}
	log.Info("Learning mode enabled", "userID", userID)
}

// DisableLearningMode deactivates buffering but retains buffered messages.
func (b *Buffer) DisableLearningMode(userID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if s, ok := b.sessions[userID]; ok {
		s.active = false
		log.Info("Learning mode disabled", "userID", userID)
	}
}

// IsLearningModeActive reports whether messages are currently being buffered.
func (b *Buffer) IsLearningModeActive(userID string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	s, ok := b.sessions[userID]
	return ok && s.active
}

// BufferMessage appends a turn to the user's buffer. It is a no-op unless
// learning mode is active for the user.
func (b *Buffer) BufferMessage(userID string, role MessageRole, content string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.sessions[userID]
	if !ok || !s.active {
		return
	}
	s.messages = append(s.messages, TranscriptMessage{Role: role, Content: content})
	log.Debug("Buffered message", "userID", userID, "role", role, "total", len(s.messages))
}

// SessionStatus returns the buffer state for the user.
func (b *Buffer) SessionStatus(userID string) Status {
	b.mu.RLock()
	defer b.mu.RUnlock()
	s, ok := b.sessions[userID]
	if !ok {
		return Status{}
	}
	return Status{Active: s.active, MessageCount: len(s.messages)}
}

// EndSession removes the user's buffer and submits the snapshot for
// asynchronous processing. The buffer is gone regardless of whether
// submission succeeds; transcript loss on failure is accepted semantics.
// Ending a non-existent session is not an error.
func (b *Buffer) EndSession(ctx context.Context, userID string) (EndResult, []TranscriptMessage) {
	b.mu.Lock()
	s, ok := b.sessions[userID]
	if !ok {
		b.mu.Unlock()
		return EndResult{}, nil
	}
	messages := s.messages
	delete(b.sessions, userID)
	b.mu.Unlock()

	result := EndResult{HadSession: true, MessagesProcessed: len(messages)}
	if len(messages) == 0 || b.processor == nil {
		return result, messages
	}

	log.Info("Ending learning session", "userID", userID, "messages", len(messages))
	sessionID, err := b.processor.ProcessSession(ctx, userID, messages)
	if err != nil {
		log.Error("Failed to submit session transcript", "userID", userID, "err", err)
		return result, messages
	}
	result.SessionID = sessionID
	result.Submitted = true
	return result, messages
}
