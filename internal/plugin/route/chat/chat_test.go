package chat

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mhalden/replica-service/internal/chat"
	"github.com/mhalden/replica-service/internal/config"
	"github.com/mhalden/replica-service/internal/llm"
	"github.com/mhalden/replica-service/internal/model"
	"github.com/mhalden/replica-service/internal/plugin/store/memory"
	"github.com/mhalden/replica-service/internal/security"
	"github.com/mhalden/replica-service/internal/session"
)

type fakeCompleter struct {
	result llm.CompletionResult
}

func (f *fakeCompleter) ChatCompletion(ctx context.Context, userID string, messages []llm.ChatMessage, opts llm.CompletionOptions) llm.CompletionResult {
	return f.result
}

type fakeProcessor struct {
	sessions int
}

func (f *fakeProcessor) ProcessSession(ctx context.Context, userID string, messages []session.TranscriptMessage) (string, error) {
	f.sessions++
	return "sess-1", nil
}

type testEnv struct {
	router    *gin.Engine
	store     *memory.Store
	completer *fakeCompleter
	processor *fakeProcessor
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	cfg := config.DefaultConfig()
	cfg.Mode = config.ModeTesting

	st := memory.New()
	ctx := context.Background()
	_, err := st.EnsureProfile(ctx, "carla", model.RoleCaretaker)
	require.NoError(t, err)
	require.NoError(t, st.AddReplica(ctx, "carla", model.ReplicaRecord{
		ID:        "rep-1",
		Name:      "Grandma Rose",
		Namespace: "carla",
		APISource: model.APISourceRAG,
		Status:    model.ReplicaAvailable,
		CreatedAt: time.Now(),
	}))

	completer := &fakeCompleter{result: llm.CompletionResult{Success: true, Text: "Hello dear."}}
	processor := &fakeProcessor{}
	sessions := session.New(processor)

	router := gin.New()
	auth := security.AuthMiddleware(security.NewTokenResolver(&cfg, st))
	MountRoutes(router, auth, Deps{
		Store:        st,
		Orchestrator: chat.New(st, completer, sessions),
		Sessions:     sessions,
	})
	return &testEnv{router: router, store: st, completer: completer, processor: processor}
}

func (e *testEnv) do(t *testing.T, method, path, userID, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if userID != "" {
		req.Header.Set("X-User-ID", userID)
	}
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)

	var parsed map[string]any
	if rec.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &parsed))
	}
	return rec, parsed
}

func TestSendMessage(t *testing.T) {
	env := newTestEnv(t)

	rec, body := env.do(t, http.MethodPost, "/api/replicas/rep-1/chat", "carla",
		`{"message":"Hi Rose, how are you today?"}`)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, body["success"])
	assert.Equal(t, "Hello dear.", body["response"])
	assert.NotEmpty(t, body["conversationId"])
	assert.Equal(t, string(model.APISourceRAG), body["apiSource"])

	conversations, err := env.store.ListConversations(context.Background(), "carla")
	require.NoError(t, err)
	require.Len(t, conversations, 1)
	assert.Len(t, conversations[0].Messages, 2)
}

func TestSendMessage_UnknownReplica(t *testing.T) {
	env := newTestEnv(t)

	rec, body := env.do(t, http.MethodPost, "/api/replicas/rep-missing/chat", "carla",
		`{"message":"hello"}`)

	require.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "not_found", body["code"])
}

func TestSendMessage_EmptyMessage(t *testing.T) {
	env := newTestEnv(t)

	rec, body := env.do(t, http.MethodPost, "/api/replicas/rep-1/chat", "carla", `{"message":""}`)

	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "validation_error", body["code"])
}

func TestSendMessage_UpstreamFailure(t *testing.T) {
	env := newTestEnv(t)
	env.completer.result = llm.CompletionResult{Success: false, Error: "model overloaded"}

	rec, body := env.do(t, http.MethodPost, "/api/replicas/rep-1/chat", "carla",
		`{"message":"hello"}`)

	require.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Contains(t, body["error"], "model overloaded")

	conversations, err := env.store.ListConversations(context.Background(), "carla")
	require.NoError(t, err)
	assert.Empty(t, conversations)
}

func TestSendMessage_InvalidConversationID(t *testing.T) {
	env := newTestEnv(t)

	rec, _ := env.do(t, http.MethodPost, "/api/replicas/rep-1/chat", "carla",
		`{"message":"hello","conversationId":"not-a-uuid"}`)

	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSendMessage_ContinuesExistingConversation(t *testing.T) {
	env := newTestEnv(t)

	_, first := env.do(t, http.MethodPost, "/api/replicas/rep-1/chat", "carla",
		`{"message":"Hi Rose"}`)
	convID := first["conversationId"].(string)

	rec, second := env.do(t, http.MethodPost, "/api/replicas/rep-1/chat", "carla",
		`{"message":"Tell me about the garden.","conversationId":"`+convID+`"}`)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, convID, second["conversationId"])

	conversations, err := env.store.ListConversations(context.Background(), "carla")
	require.NoError(t, err)
	require.Len(t, conversations, 1)
	assert.Len(t, conversations[0].Messages, 4)
}

func TestListConversations_FiltersByReplica(t *testing.T) {
	env := newTestEnv(t)
	require.NoError(t, env.store.AddReplica(context.Background(), "carla", model.ReplicaRecord{
		ID:        "rep-2",
		Name:      "Uncle Joe",
		Namespace: "carla",
		APISource: model.APISourceRAG,
		Status:    model.ReplicaAvailable,
	}))

	env.do(t, http.MethodPost, "/api/replicas/rep-1/chat", "carla", `{"message":"Hi Rose"}`)
	env.do(t, http.MethodPost, "/api/replicas/rep-2/chat", "carla", `{"message":"Hi Joe"}`)

	rec, body := env.do(t, http.MethodGet, "/api/replicas/rep-1/conversations", "carla", "")

	require.Equal(t, http.StatusOK, rec.Code)
	conversations := body["conversations"].([]any)
	require.Len(t, conversations, 1)
	assert.Equal(t, "rep-1", conversations[0].(map[string]any)["replicaId"])
}

func TestLearningModeLifecycle(t *testing.T) {
	env := newTestEnv(t)

	rec, body := env.do(t, http.MethodPost, "/api/learning-mode/enable", "carla", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, body["learningMode"])

	env.do(t, http.MethodPost, "/api/replicas/rep-1/chat", "carla", `{"message":"Rose loved gardening."}`)

	rec, body = env.do(t, http.MethodGet, "/api/learning-mode/status", "carla", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, body["learningMode"])
	assert.Equal(t, 2.0, body["bufferedCount"]) // user turn + assistant reply

	rec, body = env.do(t, http.MethodPost, "/api/learning-mode/end-session", "carla", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, body["hadSession"])
	assert.Equal(t, 2.0, body["messagesProcessed"])
	assert.Equal(t, true, body["submitted"])
	assert.Equal(t, "sess-1", body["sessionId"])
	assert.Equal(t, 1, env.processor.sessions)

	rec, body = env.do(t, http.MethodGet, "/api/learning-mode/status", "carla", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, false, body["learningMode"])
}

func TestEndSession_WithoutSession(t *testing.T) {
	env := newTestEnv(t)

	rec, body := env.do(t, http.MethodPost, "/api/learning-mode/end-session", "carla", "")

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, false, body["hadSession"])
	assert.Equal(t, 0, env.processor.sessions)
}
