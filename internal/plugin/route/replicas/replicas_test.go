package replicas

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

	"github.com/mhalden/replica-service/internal/config"
	"github.com/mhalden/replica-service/internal/model"
	"github.com/mhalden/replica-service/internal/plugin/store/memory"
	"github.com/mhalden/replica-service/internal/rag"
	"github.com/mhalden/replica-service/internal/security"
	"github.com/mhalden/replica-service/internal/service"
	"github.com/mhalden/replica-service/internal/training"
)

// fakeEngine is a minimal RAG engine: it provisions replicas with predictable
// ids, accepts every memory store, and serves a configurable listing.
type fakeEngine struct {
	listing      []model.RemoteReplica
	storedChunks int
}

func (f *fakeEngine) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/replicas/create":
			json.NewEncoder(w).Encode(map[string]any{"success": true, "replica_id": "rep-1"})
		case "/replicas/delete":
			json.NewEncoder(w).Encode(map[string]any{"success": true})
		case "/replicas/list":
			json.NewEncoder(w).Encode(map[string]any{"success": true, "replicas": f.listing})
		case "/memory/store":
			f.storedChunks++
			json.NewEncoder(w).Encode(map[string]any{"success": true, "chunk_id": "chunk-1"})
		default:
			http.NotFound(w, r)
		}
	}
}

type testEnv struct {
	router *gin.Engine
	store  *memory.Store
	engine *fakeEngine
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	engine := &fakeEngine{}
	server := httptest.NewServer(engine.handler())
	t.Cleanup(server.Close)

	cfg := config.DefaultConfig()
	cfg.Mode = config.ModeTesting
	cfg.RAGEngineURL = server.URL
	cfg.RAGMaxRetries = 0

	st := memory.New()
	ctx := context.Background()
	_, err := st.EnsureProfile(ctx, "carla", model.RoleCaretaker)
	require.NoError(t, err)
	_, err = st.EnsureProfile(ctx, "pat", model.RolePatient)
	require.NoError(t, err)
	require.NoError(t, st.SetPatientLink(ctx, model.PatientLink{
		PatientID:       "pat",
		CaretakerID:     "carla",
		AllowedReplicas: []string{"rep-allowed"},
	}))

	ragClient := rag.NewClient(&cfg)
	router := gin.New()
	auth := security.AuthMiddleware(security.NewTokenResolver(&cfg, st))
	MountRoutes(router, auth, Deps{
		Store:      st,
		RAG:        ragClient,
		Reconciler: service.NewReconciler(st, ragClient, nil),
		Ingestor:   training.NewIngestor(ragClient),
	})
	return &testEnv{router: router, store: st, engine: engine}
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

func seedReplica(t *testing.T, env *testEnv, userID, replicaID, name string) {
	t.Helper()
	require.NoError(t, env.store.AddReplica(context.Background(), userID, model.ReplicaRecord{
		ID:        replicaID,
		Name:      name,
		Namespace: "carla",
		APISource: model.APISourceRAG,
		Status:    model.ReplicaAvailable,
		CreatedAt: time.Now(),
	}))
}

func TestCreateReplica(t *testing.T) {
	env := newTestEnv(t)

	rec, body := env.do(t, http.MethodPost, "/api/replicas", "carla",
		`{"name":"Grandma Rose","description":"gentle and curious","template":"mom","answers":[{"questionId":"rq1","text":"Rose"}]}`)

	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, true, body["success"])
	replica := body["replica"].(map[string]any)
	assert.Equal(t, "rep-1", replica["id"])
	assert.Equal(t, "Hello! I'm Grandma Rose.", replica["greeting"])
	assert.Greater(t, body["chunksStored"].(float64), 0.0)
	assert.Greater(t, env.engine.storedChunks, 0)

	replicas, err := env.store.ListReplicas(context.Background(), "carla")
	require.NoError(t, err)
	require.Len(t, replicas, 1)
	assert.Equal(t, "Grandma Rose", replicas[0].Name)
}

func TestCreateReplica_RequiresName(t *testing.T) {
	env := newTestEnv(t)

	rec, body := env.do(t, http.MethodPost, "/api/replicas", "carla", `{"description":"no name"}`)

	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "validation_error", body["code"])
	assert.Equal(t, "name", body["field"])
}

func TestCreateReplica_PatientForbidden(t *testing.T) {
	env := newTestEnv(t)

	rec, _ := env.do(t, http.MethodPost, "/api/replicas", "pat", `{"name":"Nope"}`)

	require.Equal(t, http.StatusForbidden, rec.Code)
}

func TestReplicas_Unauthenticated(t *testing.T) {
	env := newTestEnv(t)

	rec, _ := env.do(t, http.MethodGet, "/api/replicas", "", "")

	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestListReplicas_CaretakerReconcilesFirst(t *testing.T) {
	env := newTestEnv(t)
	env.engine.listing = []model.RemoteReplica{
		{ID: "rep-remote", Name: "Uncle Joe", Namespace: "carla", APISource: model.APISourceRAG},
	}

	rec, body := env.do(t, http.MethodGet, "/api/replicas", "carla", "")

	require.Equal(t, http.StatusOK, rec.Code)
	replicas := body["replicas"].([]any)
	require.Len(t, replicas, 1)
	assert.Equal(t, "rep-remote", replicas[0].(map[string]any)["id"])
}

func TestListReplicas_PatientSeesOnlyAllowed(t *testing.T) {
	env := newTestEnv(t)
	seedReplica(t, env, "carla", "rep-allowed", "Grandma Rose")
	seedReplica(t, env, "carla", "rep-hidden", "Private One")
	// keep the remote listing in line with the local set so the patient view
	// is not affected by caretaker-side reconciliation
	env.engine.listing = []model.RemoteReplica{
		{ID: "rep-allowed", Name: "Grandma Rose", Namespace: "carla", APISource: model.APISourceRAG},
		{ID: "rep-hidden", Name: "Private One", Namespace: "carla", APISource: model.APISourceRAG},
	}

	rec, body := env.do(t, http.MethodGet, "/api/replicas", "pat", "")

	require.Equal(t, http.StatusOK, rec.Code)
	replicas := body["replicas"].([]any)
	require.Len(t, replicas, 1)
	assert.Equal(t, "rep-allowed", replicas[0].(map[string]any)["id"])
}

func TestDeleteReplica_MarkerSuppressesResurrection(t *testing.T) {
	env := newTestEnv(t)
	seedReplica(t, env, "carla", "rep-1", "Grandma Rose")
	env.engine.listing = []model.RemoteReplica{
		{ID: "rep-1", Name: "Grandma Rose", Namespace: "carla", APISource: model.APISourceRAG},
	}

	rec, body := env.do(t, http.MethodDelete, "/api/replicas/rep-1", "carla", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "rep-1", body["deletedReplicaId"])

	// the remote listing still reports rep-1; reconciliation must not re-add it
	rec, body = env.do(t, http.MethodPost, "/api/replicas/reconcile", "carla", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, body["added"])

	replicas, err := env.store.ListReplicas(context.Background(), "carla")
	require.NoError(t, err)
	assert.Empty(t, replicas)
}

func TestDeleteReplica_UnknownIsNotFound(t *testing.T) {
	env := newTestEnv(t)

	rec, body := env.do(t, http.MethodDelete, "/api/replicas/rep-missing", "carla", "")

	require.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "not_found", body["code"])
}

func TestClearDeletedTracking_AllowsResurrection(t *testing.T) {
	env := newTestEnv(t)
	seedReplica(t, env, "carla", "rep-1", "Grandma Rose")
	env.engine.listing = []model.RemoteReplica{
		{ID: "rep-1", Name: "Grandma Rose", Namespace: "carla", APISource: model.APISourceRAG},
	}

	rec, _ := env.do(t, http.MethodDelete, "/api/replicas/rep-1", "carla", "")
	require.Equal(t, http.StatusOK, rec.Code)

	// no body clears every marker
	rec, _ = env.do(t, http.MethodPost, "/api/replicas/deleted-tracking/clear", "carla", "")
	require.Equal(t, http.StatusOK, rec.Code)

	rec, body := env.do(t, http.MethodPost, "/api/replicas/reconcile", "carla", "")
	require.Equal(t, http.StatusOK, rec.Code)
	added, ok := body["added"].([]any)
	require.True(t, ok)
	require.Len(t, added, 1)
	assert.Equal(t, "rep-1", added[0])
}

func TestAddTraining(t *testing.T) {
	env := newTestEnv(t)
	seedReplica(t, env, "carla", "rep-1", "Grandma Rose")

	rec, body := env.do(t, http.MethodPost, "/api/replicas/rep-1/training", "carla",
		`{"text":"Rose kept a rooftop garden for forty years."}`)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, body["success"])
	assert.Equal(t, 1.0, body["chunksStored"])

	profile, err := env.store.GetProfile(context.Background(), "carla")
	require.NoError(t, err)
	require.NotNil(t, profile.Replica("rep-1"))
	assert.Len(t, profile.Replica("rep-1").ChunkRefs, 1)
}

func TestAddTraining_UnknownReplica(t *testing.T) {
	env := newTestEnv(t)

	rec, _ := env.do(t, http.MethodPost, "/api/replicas/rep-missing/training", "carla", `{"text":"hello"}`)

	require.Equal(t, http.StatusNotFound, rec.Code)
}
