package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/mhalden/replica-service/internal/config"
	"github.com/mhalden/replica-service/internal/rag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeBackend struct {
	identityCalls []string
	searchQueries []string
	stored        []string
}

func (f *fakeBackend) GetIdentity(_ context.Context, _, key string) rag.IdentityResult {
	f.identityCalls = append(f.identityCalls, key)
	return rag.IdentityResult{Success: true, Key: key, Value: "two daughters", Found: true}
}

func (f *fakeBackend) SearchMemory(_ context.Context, _, _, query string, _ int) rag.SearchResult {
	f.searchQueries = append(f.searchQueries, query)
	return rag.SearchResult{Success: true, Results: []rag.MemoryChunk{{ChunkID: "c1", Content: "loves gardening", Score: 0.9}}}
}

func (f *fakeBackend) StoreMemory(_ context.Context, _, _, content string, _ float64, _ rag.MemorySource, _ string) rag.StoreResult {
	f.stored = append(f.stored, content)
	return rag.StoreResult{Success: true, ChunkID: "c2"}
}

func toolCallMessage(id, name, args string) ChatMessage {
	tc := ToolCall{ID: id, Type: "function"}
	tc.Function.Name = name
	tc.Function.Arguments = args
	return ChatMessage{Role: "assistant", ToolCalls: []ToolCall{tc}}
}

func newTestClient(t *testing.T, backend MemoryBackend, handler http.Handler) *Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	cfg := config.DefaultConfig()
	cfg.GroqAPIKey = "test-key"
	cfg.GroqBaseURL = server.URL
	return NewClient(&cfg, backend)
}

func respond(t *testing.T, w http.ResponseWriter, message ChatMessage) {
	t.Helper()
	require.NoError(t, json.NewEncoder(w).Encode(map[string]any{
		"choices": []map[string]any{{"message": message}},
	}))
}

func TestUnconfiguredReturnsStub(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.GroqAPIKey = ""
	client := NewClient(&cfg, &fakeBackend{})

	result := client.ChatCompletion(context.Background(), "u1", []ChatMessage{{Role: "user", Content: "hi"}}, CompletionOptions{})
	assert.False(t, result.Success)
	assert.False(t, result.Configured)
	assert.NotEmpty(t, result.Error)
}

func TestDirectTextResponse(t *testing.T) {
	backend := &fakeBackend{}
	client := newTestClient(t, backend, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		var req map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		messages := req["messages"].([]any)
		first := messages[0].(map[string]any)
		assert.Equal(t, "system", first["role"])
		respond(t, w, ChatMessage{Role: "assistant", Content: "Hello!"})
	}))

	result := client.ChatCompletion(context.Background(), "u1",
		[]ChatMessage{{Role: "user", Content: "hi"}},
		CompletionOptions{SystemPrompt: "You are Mom."})
	require.True(t, result.Success)
	assert.Equal(t, "Hello!", result.Text)
	assert.Equal(t, 1, result.Iterations)
	assert.Equal(t, 0, result.ToolCalls)
	assert.Empty(t, backend.identityCalls)
}

func TestToolLoopExecutesAndFeedsBack(t *testing.T) {
	backend := &fakeBackend{}
	var calls atomic.Int64
	client := newTestClient(t, backend, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Messages []ChatMessage `json:"messages"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))

		switch calls.Add(1) {
		case 1:
			respond(t, w, toolCallMessage("call-1", "get_identity", `{"key":"children"}`))
		case 2:
			// the tool result must have come back as a tool message
			last := req.Messages[len(req.Messages)-1]
			assert.Equal(t, "tool", last.Role)
			assert.Equal(t, "call-1", last.ToolCallID)
			assert.Contains(t, last.Content, "two daughters")
			respond(t, w, ChatMessage{Role: "assistant", Content: "You have two daughters."})
		default:
			t.Error("unexpected extra completion call")
		}
	}))

	result := client.ChatCompletion(context.Background(), "u1",
		[]ChatMessage{{Role: "user", Content: "how many kids do I have?"}},
		CompletionOptions{ReplicaID: "r1"})
	require.True(t, result.Success)
	assert.Equal(t, "You have two daughters.", result.Text)
	assert.Equal(t, 2, result.Iterations)
	assert.Equal(t, 1, result.ToolCalls)
	assert.Equal(t, []string{"children"}, backend.identityCalls)
}

func TestStoreMemoryDefaults(t *testing.T) {
	backend := &fakeBackend{}
	var calls atomic.Int64
	client := newTestClient(t, backend, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			respond(t, w, toolCallMessage("call-1", "store_memory", `{"content":"grandson is called Timo"}`))
			return
		}
		respond(t, w, ChatMessage{Role: "assistant", Content: "Noted."})
	}))

	result := client.ChatCompletion(context.Background(), "u1", []ChatMessage{{Role: "user", Content: "remember this"}}, CompletionOptions{})
	require.True(t, result.Success)
	assert.Equal(t, []string{"grandson is called Timo"}, backend.stored)
}

func TestIterationBound(t *testing.T) {
	backend := &fakeBackend{}
	var calls atomic.Int64
	client := newTestClient(t, backend, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		respond(t, w, toolCallMessage("call-x", "search_memory", `{"query":"anything"}`))
	}))

	result := client.ChatCompletion(context.Background(), "u1", []ChatMessage{{Role: "user", Content: "hi"}}, CompletionOptions{})
	assert.False(t, result.Success)
	assert.True(t, result.Configured)
	assert.Contains(t, result.Error, "iterations")
	assert.Equal(t, int64(5), calls.Load())
	assert.Equal(t, 5, result.ToolCalls)
}

func TestAPIErrorIsNormalized(t *testing.T) {
	client := newTestClient(t, &fakeBackend{}, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_ = json.NewEncoder(w).Encode(map[string]any{"error": map[string]any{"message": "rate limit exceeded"}})
	}))

	result := client.ChatCompletion(context.Background(), "u1", []ChatMessage{{Role: "user", Content: "hi"}}, CompletionOptions{})
	assert.False(t, result.Success)
	assert.True(t, result.Configured)
	assert.Contains(t, result.Error, "rate limit exceeded")
}

func TestUnknownToolReportedToModel(t *testing.T) {
	backend := &fakeBackend{}
	var sawError atomic.Bool
	var calls atomic.Int64
	client := newTestClient(t, backend, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Messages []ChatMessage `json:"messages"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		if calls.Add(1) == 1 {
			respond(t, w, toolCallMessage("call-1", "launch_rocket", `{}`))
			return
		}
		last := req.Messages[len(req.Messages)-1]
		if last.Role == "tool" && last.ToolCallID == "call-1" {
			sawError.Store(true)
			assert.Contains(t, last.Content, "unknown tool")
		}
		respond(t, w, ChatMessage{Role: "assistant", Content: "Sorry, I can't do that."})
	}))

	result := client.ChatCompletion(context.Background(), "u1", []ChatMessage{{Role: "user", Content: "hi"}}, CompletionOptions{})
	require.True(t, result.Success)
	assert.True(t, sawError.Load())
}
