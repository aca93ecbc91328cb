// Package rag is the HTTP client for the RAG engine, the remote memory and
// identity store backing every replica.
//
// Idempotent operations are retried with exponential backoff. Failures are
// never raised to callers as errors: every operation returns a result struct
// with Success=false and a message, so orchestration code branches instead of
// handling exceptions.
package rag

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/mhalden/replica-service/internal/config"
	"github.com/mhalden/replica-service/internal/model"
	"github.com/mhalden/replica-service/internal/security"
	"github.com/mhalden/replica-service/internal/session"
)

// MemorySource labels where a stored memory chunk came from.
type MemorySource string

const (
	SourceConversation MemorySource = "conversation"
	SourceFile         MemorySource = "file"
	SourceManual       MemorySource = "manual"
)

// Client wraps calls to the RAG engine with bounded retry.
type Client struct {
	baseURL    string
	httpClient *http.Client
	maxRetries int
	baseWait   time.Duration
}

// NewClient creates a Client from the application config.
func NewClient(cfg *config.Config) *Client {
	return &Client{
		baseURL:    strings.TrimRight(cfg.RAGEngineURL, "/"),
		httpClient: &http.Client{Timeout: cfg.RAGTimeout},
		maxRetries: cfg.RAGMaxRetries,
		baseWait:   cfg.RAGRetryBaseWait,
	}
}

// IdentityResult is the outcome of an identity lookup.
type IdentityResult struct {
	Success bool   `json:"success"`
	Key     string `json:"key,omitempty"`
	Value   string `json:"value,omitempty"`
	Found   bool   `json:"found"`
	Error   string `json:"error,omitempty"`
}

// MemoryChunk is one scored chunk returned from a memory search.
type MemoryChunk struct {
	ChunkID string  `json:"chunk_id"`
	Content string  `json:"content"`
	Score   float64 `json:"score"`
}

// SearchResult is the outcome of a memory search.
type SearchResult struct {
	Success bool          `json:"success"`
	Results []MemoryChunk `json:"results"`
	Error   string        `json:"error,omitempty"`
}

// StoreResult is the outcome of storing one memory chunk.
type StoreResult struct {
	Success bool   `json:"success"`
	ChunkID string `json:"chunk_id,omitempty"`
	Error   string `json:"error,omitempty"`
}

// ProcessResult is the outcome of submitting a session transcript.
type ProcessResult struct {
	Success   bool   `json:"success"`
	SessionID string `json:"session_id,omitempty"`
	Error     string `json:"error,omitempty"`
}

// HealthResult reports RAG engine reachability.
type HealthResult struct {
	Reachable bool   `json:"reachable"`
	Status    string `json:"status,omitempty"`
	Version   string `json:"version,omitempty"`
	Error     string `json:"error,omitempty"`
}

// ListResult is the outcome of listing replicas for a namespace.
type ListResult struct {
	Success  bool                  `json:"success"`
	Replicas []model.RemoteReplica `json:"replicas"`
	Error    string                `json:"error,omitempty"`
}

// ReplicaResult is the outcome of creating or deleting a remote replica.
type ReplicaResult struct {
	Success   bool   `json:"success"`
	ReplicaID string `json:"replica_id,omitempty"`
	Error     string `json:"error,omitempty"`
}

// GetIdentity fetches a structured identity fact for a user.
func (c *Client) GetIdentity(ctx context.Context, userID, key string) IdentityResult {
	var out IdentityResult
	err := c.postJSON(ctx, "/identity/get", map[string]any{
		"user_id": userID,
		"key":     key,
	}, &out, true)
	if err != nil {
		log.Error("RAG identity lookup failed", "userID", userID, "key", key, "err", err)
		return IdentityResult{Error: err.Error()}
	}
	return out
}

// SearchMemory finds the most relevant memory chunks for a query, scoped to a replica.
func (c *Client) SearchMemory(ctx context.Context, userID, replicaID, query string, topK int) SearchResult {
	if topK <= 0 {
		topK = 3
	}
	var out SearchResult
	err := c.postJSON(ctx, "/memory/search", map[string]any{
		"user_id":    userID,
		"replica_id": replicaID,
		"query":      query,
		"top_k":      topK,
	}, &out, true)
	if err != nil {
		log.Error("RAG memory search failed", "userID", userID, "err", err)
		return SearchResult{Error: err.Error()}
	}
	return out
}

// StoreMemory stores one memory chunk scoped to a replica.
func (c *Client) StoreMemory(ctx context.Context, userID, replicaID, content string, importance float64, source MemorySource, sessionID string) StoreResult {
	var out StoreResult
	err := c.postJSON(ctx, "/memory/store", map[string]any{
		"user_id":    userID,
		"replica_id": replicaID,
		"content":    content,
		"importance": importance,
		"source":     source,
		"session_id": sessionID,
	}, &out, true)
	if err != nil {
		log.Error("RAG memory store failed", "userID", userID, "err", err)
		return StoreResult{Error: err.Error()}
	}
	return out
}

// ProcessSession submits a learning-session transcript for asynchronous memory
// extraction. A permanently failing submission is logged and dropped by the
// caller; the transcript is enrichment, not critical state.
func (c *Client) ProcessSession(ctx context.Context, userID string, messages []session.TranscriptMessage) ProcessResult {
	var out ProcessResult
	err := c.postJSON(ctx, "/session/process", map[string]any{
		"user_id":  userID,
		"messages": messages,
	}, &out, true)
	if err != nil {
		log.Error("RAG session processing failed", "userID", userID, "err", err)
		return ProcessResult{Error: err.Error()}
	}
	return out
}

// ListReplicas returns the authoritative replica listing for a namespace.
func (c *Client) ListReplicas(ctx context.Context, namespace string) ListResult {
	var out ListResult
	err := c.postJSON(ctx, "/replicas/list", map[string]any{
		"namespace": namespace,
	}, &out, true)
	if err != nil {
		log.Error("RAG replica listing failed", "namespace", namespace, "err", err)
		return ListResult{Error: err.Error()}
	}
	return out
}

// CreateReplica provisions a replica identity in the remote store.
func (c *Client) CreateReplica(ctx context.Context, namespace, name, description string) ReplicaResult {
	var out ReplicaResult
	err := c.postJSON(ctx, "/replicas/create", map[string]any{
		"namespace":   namespace,
		"name":        name,
		"description": description,
	}, &out, true)
	if err != nil {
		log.Error("RAG replica creation failed", "namespace", namespace, "err", err)
		return ReplicaResult{Error: err.Error()}
	}
	return out
}

// DeleteReplica removes a replica and its memories from the remote store.
func (c *Client) DeleteReplica(ctx context.Context, namespace, replicaID string) ReplicaResult {
	var out ReplicaResult
	err := c.postJSON(ctx, "/replicas/delete", map[string]any{
		"namespace":  namespace,
		"replica_id": replicaID,
	}, &out, true)
	if err != nil {
		log.Error("RAG replica deletion failed", "namespace", namespace, "replicaID", replicaID, "err", err)
		return ReplicaResult{Error: err.Error()}
	}
	return out
}

// Health checks RAG engine reachability. Not retried.
func (c *Client) Health(ctx context.Context) HealthResult {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return HealthResult{Error: err.Error()}
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return HealthResult{Status: "unreachable", Error: err.Error()}
	}
	defer resp.Body.Close()

	var out HealthResult
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return HealthResult{Status: "unreachable", Error: err.Error()}
	}
	out.Reachable = resp.StatusCode == http.StatusOK
	return out
}

// retryableError marks a failure worth another attempt.
type retryableError struct{ err error }

func (e *retryableError) Error() string { return e.err.Error() }
func (e *retryableError) Unwrap() error { return e.err }

// postJSON posts the body and decodes the response into out. When retry is
// set, transient failures are retried up to maxRetries times with exponential
// backoff starting at baseWait. The sleep is context-aware so aborted requests
// abandon in-flight retries.
func (c *Client) postJSON(ctx context.Context, path string, body any, out any, retry bool) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}

	attempts := 1
	if retry {
		attempts = c.maxRetries + 1
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			wait := c.baseWait << (attempt - 1)
			log.Warn("RAG request failed, retrying",
				"path", path,
				"attempt", attempt,
				"maxAttempts", attempts,
				"wait", wait,
			)
			security.ObserveRAGRetry()
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(wait):
			}
		}

		lastErr = c.doOnce(ctx, path, payload, out)
		if lastErr == nil {
			return nil
		}
		var re *retryableError
		if !errors.As(lastErr, &re) {
			return lastErr
		}
	}
	return lastErr
}

func (c *Client) doOnce(ctx context.Context, path string, payload []byte, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &retryableError{err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return &retryableError{err}
	}

	if resp.StatusCode >= 500 {
		return &retryableError{fmt.Errorf("rag engine returned %d: %s", resp.StatusCode, truncate(data, 200))}
	}
	if resp.StatusCode >= 400 {
		// Permanent failure: surfaced immediately, never retried.
		return fmt.Errorf("rag engine returned %d: %s", resp.StatusCode, truncate(data, 200))
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("rag engine returned malformed response: %w", err)
	}
	return nil
}

func truncate(data []byte, max int) string {
	s := strings.TrimSpace(string(data))
	if len(s) > max {
		return s[:max] + "..."
	}
	return s
}

// BufferProcessor adapts Client to the session.Processor interface so the
// session buffer can hand ended transcripts to the RAG engine.
type BufferProcessor struct {
	Client *Client
}

func (p BufferProcessor) ProcessSession(ctx context.Context, userID string, messages []session.TranscriptMessage) (string, error) {
	result := p.Client.ProcessSession(ctx, userID, messages)
	if !result.Success {
		return "", fmt.Errorf("session processing rejected: %s", result.Error)
	}
	return result.SessionID, nil
}

var _ session.Processor = BufferProcessor{}
