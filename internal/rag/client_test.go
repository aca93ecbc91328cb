package rag

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mhalden/replica-service/internal/config"
	"github.com/mhalden/replica-service/internal/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	cfg := config.DefaultConfig()
	cfg.RAGEngineURL = server.URL
	cfg.RAGMaxRetries = 2
	cfg.RAGRetryBaseWait = time.Millisecond
	return NewClient(&cfg)
}

func TestSearchMemoryDefaultsTopK(t *testing.T) {
	var gotTopK atomic.Int64
	client := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		gotTopK.Store(int64(body["top_k"].(float64)))
		_ = json.NewEncoder(w).Encode(SearchResult{Success: true})
	}))

	result := client.SearchMemory(context.Background(), "u1", "r1", "favorite color", 0)
	require.True(t, result.Success)
	assert.Equal(t, int64(3), gotTopK.Load())
}

func TestRetriesTransientFailures(t *testing.T) {
	var calls atomic.Int64
	client := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_ = json.NewEncoder(w).Encode(StoreResult{Success: true, ChunkID: "c1"})
	}))

	result := client.StoreMemory(context.Background(), "u1", "r1", "likes tea", 0.5, SourceManual, "")
	require.True(t, result.Success)
	assert.Equal(t, "c1", result.ChunkID)
	assert.Equal(t, int64(3), calls.Load())
}

func TestExhaustedRetriesNormalizeToFailure(t *testing.T) {
	var calls atomic.Int64
	client := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))

	result := client.GetIdentity(context.Background(), "u1", "name")
	assert.False(t, result.Success)
	assert.NotEmpty(t, result.Error)
	// initial attempt plus two retries
	assert.Equal(t, int64(3), calls.Load())
}

func TestClientErrorsAreNotRetried(t *testing.T) {
	var calls atomic.Int64
	client := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))

	result := client.SearchMemory(context.Background(), "u1", "r1", "query", 5)
	assert.False(t, result.Success)
	assert.NotEmpty(t, result.Error)
	assert.Equal(t, int64(1), calls.Load())
}

func TestEngineRejectionPassesThrough(t *testing.T) {
	client := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(StoreResult{Success: false, Error: "embedding backend unavailable"})
	}))

	result := client.StoreMemory(context.Background(), "u1", "r1", "x", 0.5, SourceConversation, "s1")
	assert.False(t, result.Success)
	assert.Equal(t, "embedding backend unavailable", result.Error)
}

func TestCancelledContextAbandonsRetries(t *testing.T) {
	client := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	result := client.ListReplicas(ctx, "caretaker-1")
	assert.False(t, result.Success)
	assert.NotEmpty(t, result.Error)
}

func TestHealth(t *testing.T) {
	t.Run("reachable", func(t *testing.T) {
		client := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, http.MethodGet, r.Method)
			assert.Equal(t, "/health", r.URL.Path)
			_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok", "version": "1.2.0"})
		}))

		result := client.Health(context.Background())
		assert.True(t, result.Reachable)
		assert.Equal(t, "ok", result.Status)
		assert.Equal(t, "1.2.0", result.Version)
	})

	t.Run("down", func(t *testing.T) {
		cfg := config.DefaultConfig()
		cfg.RAGEngineURL = "http://127.0.0.1:1"
		cfg.RAGTimeout = 100 * time.Millisecond
		client := NewClient(&cfg)

		result := client.Health(context.Background())
		assert.False(t, result.Reachable)
		assert.Equal(t, "unreachable", result.Status)
	})
}

func TestBufferProcessor(t *testing.T) {
	client := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			UserID   string                      `json:"user_id"`
			Messages []session.TranscriptMessage `json:"messages"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		if len(body.Messages) == 0 {
			_ = json.NewEncoder(w).Encode(ProcessResult{Success: false, Error: "empty transcript"})
			return
		}
		_ = json.NewEncoder(w).Encode(ProcessResult{Success: true, SessionID: "sess-9"})
	}))

	processor := BufferProcessor{Client: client}
	sessionID, err := processor.ProcessSession(context.Background(), "u1", []session.TranscriptMessage{
		{Role: session.RoleUser, Content: "I grew up in Leiden"},
	})
	require.NoError(t, err)
	assert.Equal(t, "sess-9", sessionID)

	_, err = processor.ProcessSession(context.Background(), "u1", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "empty transcript")
}
