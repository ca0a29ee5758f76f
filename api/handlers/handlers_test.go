package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/vrijsinghani/seoclientmanager-sub000/crew"
	"github.com/vrijsinghani/seoclientmanager-sub000/crew/broadcast"
	"github.com/vrijsinghani/seoclientmanager-sub000/crew/catalog"
	"github.com/vrijsinghani/seoclientmanager-sub000/crew/engine"
	"github.com/vrijsinghani/seoclientmanager-sub000/crew/humaninput"
	"github.com/vrijsinghani/seoclientmanager-sub000/crew/store"
	"github.com/vrijsinghani/seoclientmanager-sub000/internal/cache"
	"github.com/vrijsinghani/seoclientmanager-sub000/internal/pool"
	"github.com/vrijsinghani/seoclientmanager-sub000/llm"
	"github.com/vrijsinghani/seoclientmanager-sub000/llm/factory"
	"github.com/vrijsinghani/seoclientmanager-sub000/testutil/mocks"
)

type testAPI struct {
	mux   *http.ServeMux
	store *store.MemoryStore
	hub   *broadcast.Hub
	gate  *humaninput.Gate
}

func newTestAPI(t *testing.T, provider *mocks.Provider, withGate bool) *testAPI {
	t.Helper()

	st := store.NewMemoryStore()
	t.Cleanup(func() { st.Close() })

	cat := catalog.New(zap.NewNop())
	def := &crew.Crew{
		ID:      "crew-1",
		Name:    "audit",
		Process: crew.ProcessSequential,
		Agents:  []crew.AgentConfig{{Role: "auditor", Goal: "audit", LLM: "mock/model"}},
		Tasks: []crew.TaskConfig{
			{ID: "t1", Description: "Audit {site}", AgentRole: "auditor", Order: 1},
		},
	}
	cat.Put(def)

	f := factory.New(nil, nil)
	f.Register("mock", provider)

	hub := broadcast.NewHub(nil)
	t.Cleanup(hub.Close)
	bc := broadcast.NewBroadcaster(st, hub, broadcast.Config{
		MaxPushRetries: 1,
		RetryBackoff:   time.Millisecond,
	}, nil, nil)

	api := &testAPI{mux: http.NewServeMux(), store: st, hub: hub}

	deps := engine.Deps{
		Store:       st,
		Crews:       cat,
		LLM:         f,
		Broadcaster: bc,
	}
	if withGate {
		mr := miniredis.RunT(t)
		kv, err := cache.NewManager(cache.Config{Addr: mr.Addr(), DefaultTTL: time.Hour}, nil)
		require.NoError(t, err)
		t.Cleanup(func() { kv.Close() })
		api.gate = humaninput.NewGate(kv, st, humaninput.Config{
			LongWaitTTL:  time.Second,
			LegacyTTL:    time.Second,
			PollInterval: 10 * time.Millisecond,
		}, nil, nil)
		deps.Input = api.gate
	}

	eng, err := engine.New(engine.Config{MediaRoot: t.TempDir()}, deps)
	require.NoError(t, err)

	workers := pool.New(pool.Config{MaxWorkers: 4, QueueSize: 8})
	t.Cleanup(func() { workers.Close() })
	scheduler := engine.NewScheduler(eng, st, workers, zap.NewNop())

	execH := NewExecutionHandler(st, scheduler, api.gate, zap.NewNop())
	streamH := NewStreamHandler(hub, zap.NewNop())

	api.mux.HandleFunc("POST /api/executions/{id}/submit", execH.HandleSubmit)
	api.mux.HandleFunc("POST /api/executions/{id}/cancel", execH.HandleCancel)
	api.mux.HandleFunc("POST /api/executions/{id}/human-input", execH.HandleHumanInput)
	api.mux.HandleFunc("GET /api/executions/{id}", execH.HandleGet)
	api.mux.HandleFunc("GET /ws/executions/{id}", streamH.HandleExecutionStream)
	api.mux.HandleFunc("GET /ws/crews/{id}/board", streamH.HandleBoardStream)

	return api
}

func (a *testAPI) newExecution(t *testing.T, status crew.ExecutionStatus) *crew.Execution {
	t.Helper()
	exec := &crew.Execution{
		ID:     fmt.Sprintf("exec-%d", time.Now().UnixNano()),
		CrewID: "crew-1",
		UserID: "user-1",
		Status: status,
		Inputs: crew.JSONMap{"site": "example.com"},
	}
	require.NoError(t, a.store.CreateExecution(context.Background(), exec))
	return exec
}

func (a *testAPI) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	a.mux.ServeHTTP(rec, req)
	return rec
}

func decodeEnvelope(t *testing.T, rec *httptest.ResponseRecorder) Response {
	t.Helper()
	var resp Response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp
}

func TestSubmitRunsExecution(t *testing.T) {
	provider := mocks.NewProvider(
		mocks.Turn{Content: "report", Usage: llm.ChatUsage{PromptTokens: 5, CompletionTokens: 3, TotalTokens: 8}},
	)
	api := newTestAPI(t, provider, false)
	exec := api.newExecution(t, crew.StatusPending)

	rec := api.do(t, http.MethodPost, "/api/executions/"+exec.ID+"/submit", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	resp := decodeEnvelope(t, rec)
	assert.True(t, resp.Success)
	data := resp.Data.(map[string]any)
	assert.Equal(t, exec.ID, data["execution_id"])
	assert.NotEmpty(t, data["job_id"])

	require.Eventually(t, func() bool {
		got, err := api.store.GetExecution(context.Background(), exec.ID)
		return err == nil && got.Status == crew.StatusCompleted
	}, 5*time.Second, 10*time.Millisecond)
}

func TestSubmitUnknownExecution(t *testing.T) {
	api := newTestAPI(t, mocks.NewProvider(), false)

	rec := api.do(t, http.MethodPost, "/api/executions/nope/submit", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	resp := decodeEnvelope(t, rec)
	require.NotNil(t, resp.Error)
	assert.Equal(t, CodeNotFound, resp.Error.Code)
}

func TestSubmitTerminalExecutionConflicts(t *testing.T) {
	api := newTestAPI(t, mocks.NewProvider(), false)
	exec := api.newExecution(t, crew.StatusCompleted)

	rec := api.do(t, http.MethodPost, "/api/executions/"+exec.ID+"/submit", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	resp := decodeEnvelope(t, rec)
	require.NotNil(t, resp.Error)
	assert.Equal(t, CodeConflict, resp.Error.Code)
}

func TestCancelPendingExecution(t *testing.T) {
	api := newTestAPI(t, mocks.NewProvider(), false)
	exec := api.newExecution(t, crew.StatusPending)

	rec := api.do(t, http.MethodPost, "/api/executions/"+exec.ID+"/cancel", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	got, err := api.store.GetExecution(context.Background(), exec.ID)
	require.NoError(t, err)
	assert.Equal(t, crew.StatusCancelled, got.Status)
}

func TestCancelTerminalExecutionConflicts(t *testing.T) {
	api := newTestAPI(t, mocks.NewProvider(), false)
	exec := api.newExecution(t, crew.StatusFailed)

	rec := api.do(t, http.MethodPost, "/api/executions/"+exec.ID+"/cancel", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestHumanInputAcceptedWithoutPendingRequest(t *testing.T) {
	api := newTestAPI(t, mocks.NewProvider(), true)
	exec := api.newExecution(t, crew.StatusRunning)

	rec := api.do(t, http.MethodPost, "/api/executions/"+exec.ID+"/human-input",
		humanInputRequest{Key: "", Text: "looks good"})
	require.Equal(t, http.StatusOK, rec.Code)

	resp := decodeEnvelope(t, rec)
	assert.True(t, resp.Success)
}

func TestHumanInputRequiresText(t *testing.T) {
	api := newTestAPI(t, mocks.NewProvider(), true)
	exec := api.newExecution(t, crew.StatusRunning)

	rec := api.do(t, http.MethodPost, "/api/executions/"+exec.ID+"/human-input",
		humanInputRequest{Text: "   "})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHumanInputRejectsMalformedBody(t *testing.T) {
	api := newTestAPI(t, mocks.NewProvider(), true)
	exec := api.newExecution(t, crew.StatusRunning)

	req := httptest.NewRequest(http.MethodPost,
		"/api/executions/"+exec.ID+"/human-input", strings.NewReader("{broken"))
	rec := httptest.NewRecorder()
	api.mux.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHumanInputUnavailableWithoutGate(t *testing.T) {
	api := newTestAPI(t, mocks.NewProvider(), false)
	exec := api.newExecution(t, crew.StatusRunning)

	rec := api.do(t, http.MethodPost, "/api/executions/"+exec.ID+"/human-input",
		humanInputRequest{Text: "hello"})
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestGetExecutionDetail(t *testing.T) {
	provider := mocks.NewProvider(
		mocks.Turn{Content: "report", Usage: llm.ChatUsage{PromptTokens: 5, CompletionTokens: 3, TotalTokens: 8}},
	)
	api := newTestAPI(t, provider, false)
	exec := api.newExecution(t, crew.StatusPending)

	rec := api.do(t, http.MethodPost, "/api/executions/"+exec.ID+"/submit", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Eventually(t, func() bool {
		got, err := api.store.GetExecution(context.Background(), exec.ID)
		return err == nil && got.Status == crew.StatusCompleted
	}, 5*time.Second, 10*time.Millisecond)

	rec = api.do(t, http.MethodGet, "/api/executions/"+exec.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Success bool            `json:"success"`
		Data    executionDetail `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.Success)
	assert.Equal(t, crew.StatusCompleted, resp.Data.Execution.Status)
	assert.NotEmpty(t, resp.Data.Stages)
	require.NotNil(t, resp.Data.Output)
	assert.Equal(t, "report", resp.Data.Output.Raw)
}

func TestGetUnknownExecution(t *testing.T) {
	api := newTestAPI(t, mocks.NewProvider(), false)

	rec := api.do(t, http.MethodGet, "/api/executions/nope", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestExecutionStreamDeliversFrames(t *testing.T) {
	api := newTestAPI(t, mocks.NewProvider(), false)
	srv := httptest.NewServer(api.mux)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	url := strings.Replace(srv.URL, "http", "ws", 1) + "/ws/executions/exec-9"
	conn, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "done")

	require.Eventually(t, func() bool {
		return api.hub.SubscriberCount(broadcast.ExecutionTopic("exec-9")) == 1
	}, time.Second, 10*time.Millisecond)

	api.hub.Publish(broadcast.ExecutionTopic("exec-9"), []byte(`{"type":"execution_update"}`))

	_, data, err := conn.Read(ctx)
	require.NoError(t, err)
	assert.Contains(t, string(data), "execution_update")
}

func TestHealthzReportsChecks(t *testing.T) {
	h := NewHealthHandler(zap.NewNop())
	h.RegisterCheck("store", func(ctx context.Context) error { return nil })

	rec := httptest.NewRecorder()
	h.HandleHealthz(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var status map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.Equal(t, "ok", status["status"])

	h.RegisterCheck("cache", func(ctx context.Context) error { return errors.New("connection refused") })
	rec = httptest.NewRecorder()
	h.HandleHealthz(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
