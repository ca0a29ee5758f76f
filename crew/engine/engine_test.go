package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vrijsinghani/seoclientmanager-sub000/crew"
	"github.com/vrijsinghani/seoclientmanager-sub000/crew/broadcast"
	"github.com/vrijsinghani/seoclientmanager-sub000/crew/humaninput"
	"github.com/vrijsinghani/seoclientmanager-sub000/crew/store"
	"github.com/vrijsinghani/seoclientmanager-sub000/crew/tools"
	"github.com/vrijsinghani/seoclientmanager-sub000/internal/cache"
	"github.com/vrijsinghani/seoclientmanager-sub000/llm"
	"github.com/vrijsinghani/seoclientmanager-sub000/llm/factory"
	"github.com/vrijsinghani/seoclientmanager-sub000/testutil/mocks"
)

type mapCrews map[string]*crew.Crew

func (m mapCrews) GetCrew(ctx context.Context, id string) (*crew.Crew, error) {
	c, ok := m[id]
	if !ok {
		return nil, fmt.Errorf("crew %s not found", id)
	}
	return c, nil
}

type harness struct {
	engine *Engine
	store  store.ExecutionStore
	gate   *humaninput.Gate
}

func newHarness(t *testing.T, crews mapCrews, provider *mocks.Provider, withGate bool) *harness {
	t.Helper()

	st := store.NewMemoryStore()
	f := factory.New(nil, nil)
	f.Register("mock", provider)

	bc := broadcast.NewBroadcaster(st, broadcast.NewHub(nil), broadcast.Config{
		MaxPushRetries: 1,
		RetryBackoff:   time.Millisecond,
	}, nil, nil)

	h := &harness{store: st}
	if withGate {
		mr := miniredis.RunT(t)
		kv, err := cache.NewManager(cache.Config{Addr: mr.Addr(), DefaultTTL: time.Hour}, nil)
		require.NoError(t, err)
		t.Cleanup(func() { kv.Close() })
		h.gate = humaninput.NewGate(kv, st, humaninput.Config{
			LongWaitTTL:  time.Second,
			LegacyTTL:    time.Second,
			PollInterval: 10 * time.Millisecond,
		}, nil, nil)
	}

	var input interface {
		Request(ctx context.Context, executionID, prompt, agentRole string) (string, error)
	}
	if h.gate != nil {
		input = h.gate
	}

	eng, err := New(Config{MediaRoot: t.TempDir()}, Deps{
		Store:       st,
		Crews:       crews,
		LLM:         f,
		Registry:    tools.NewRegistry(nil),
		Broadcaster: bc,
		Input:       input,
	})
	require.NoError(t, err)
	h.engine = eng
	return h
}

func (h *harness) newExecution(t *testing.T, crewID string, inputs crew.JSONMap) *crew.Execution {
	t.Helper()
	exec := &crew.Execution{CrewID: crewID, UserID: "user-1", Inputs: inputs}
	require.NoError(t, h.store.CreateExecution(context.Background(), exec))
	return exec
}

func (h *harness) status(t *testing.T, id string) crew.ExecutionStatus {
	t.Helper()
	exec, err := h.store.GetExecution(context.Background(), id)
	require.NoError(t, err)
	return exec.Status
}

func (h *harness) stagesOfType(t *testing.T, id string, st crew.StageType) []*crew.ExecutionStage {
	t.Helper()
	all, err := h.store.ListStages(context.Background(), id)
	require.NoError(t, err)
	var out []*crew.ExecutionStage
	for _, s := range all {
		if s.Type == st {
			out = append(out, s)
		}
	}
	return out
}

func mockAgent(role string) crew.AgentConfig {
	return crew.AgentConfig{Role: role, Goal: "help with SEO", LLM: "mock/test-model"}
}

func twoTaskCrew() *crew.Crew {
	return &crew.Crew{
		ID:      "crew-seq",
		Name:    "content pipeline",
		Process: crew.ProcessSequential,
		Agents:  []crew.AgentConfig{mockAgent("writer"), mockAgent("editor")},
		Tasks: []crew.TaskConfig{
			{ID: "t-write", Description: "Write an article about {topic}", AgentRole: "writer", Order: 1},
			{ID: "t-edit", Description: "Edit the article", AgentRole: "editor", Order: 2},
		},
	}
}

func TestRunSequentialCompletes(t *testing.T) {
	provider := mocks.NewProvider(
		mocks.Turn{Content: "draft article", Usage: llm.ChatUsage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15}},
		mocks.Turn{Content: "polished article", Usage: llm.ChatUsage{PromptTokens: 12, CompletionTokens: 6, TotalTokens: 18}},
	)
	h := newHarness(t, mapCrews{"crew-seq": twoTaskCrew()}, provider, false)
	exec := h.newExecution(t, "crew-seq", crew.JSONMap{"topic": "local seo"})

	require.NoError(t, h.engine.Run(context.Background(), exec.ID))

	assert.Equal(t, crew.StatusCompleted, h.status(t, exec.ID))

	out, err := h.store.GetCrewOutput(context.Background(), exec.ID)
	require.NoError(t, err)
	assert.Equal(t, "polished article", out.Raw)
	assert.Equal(t, 33, out.Usage.TotalTokens)

	completions := h.stagesOfType(t, exec.ID, crew.StageCompletion)
	require.Len(t, completions, 2)
	assert.False(t, completions[1].CreatedAt.Before(completions[0].CreatedAt))

	// Inputs interpolate into the first task; its output folds into the
	// second task's context.
	calls := provider.Calls()
	require.Len(t, calls, 2)
	assert.Contains(t, calls[0].Messages[1].Content, "local seo")
	assert.Contains(t, calls[1].Messages[1].Content, "draft article")
}

func TestRunHumanInputRoundTrip(t *testing.T) {
	c := &crew.Crew{
		ID:      "crew-hi",
		Process: crew.ProcessSequential,
		Agents:  []crew.AgentConfig{mockAgent("writer")},
		Tasks: []crew.TaskConfig{
			{ID: "t1", Description: "Draft the headline", AgentRole: "writer", HumanInput: true},
		},
	}
	provider := mocks.NewProvider(
		mocks.Turn{Content: "Headline: Rank Higher Today", Usage: llm.ChatUsage{TotalTokens: 5}},
		mocks.Turn{Content: "Headline approved and final", Usage: llm.ChatUsage{TotalTokens: 5}},
	)
	h := newHarness(t, mapCrews{"crew-hi": c}, provider, true)
	exec := h.newExecution(t, "crew-hi", nil)

	done := make(chan error, 1)
	go func() { done <- h.engine.Run(context.Background(), exec.ID) }()

	require.Eventually(t, func() bool {
		return h.status(t, exec.ID) == crew.StatusWaitingForHumanInput
	}, 3*time.Second, 10*time.Millisecond)

	require.NoError(t, h.gate.SubmitResponse(context.Background(), exec.ID, "", "yes"))

	require.NoError(t, <-done)
	assert.Equal(t, crew.StatusCompleted, h.status(t, exec.ID))

	// The feedback reached the revision turn.
	calls := provider.Calls()
	require.Len(t, calls, 2)
	last := calls[1].Messages[len(calls[1].Messages)-1]
	assert.Contains(t, last.Content, "yes")
}

func TestRunHumanInputTimeoutFallsBack(t *testing.T) {
	c := &crew.Crew{
		ID:      "crew-to",
		Process: crew.ProcessSequential,
		Agents:  []crew.AgentConfig{mockAgent("writer")},
		Tasks: []crew.TaskConfig{
			{ID: "t1", Description: "Draft something", AgentRole: "writer", HumanInput: true},
		},
	}
	provider := mocks.NewProvider(
		mocks.Turn{Content: "a draft", Usage: llm.ChatUsage{TotalTokens: 5}},
		mocks.Turn{Content: "done without feedback", Usage: llm.ChatUsage{TotalTokens: 5}},
	)
	h := newHarness(t, mapCrews{"crew-to": c}, provider, true)
	exec := h.newExecution(t, "crew-to", nil)

	// Nobody answers; the long-wait path falls back and the run finishes.
	require.NoError(t, h.engine.Run(context.Background(), exec.ID))
	assert.Equal(t, crew.StatusCompleted, h.status(t, exec.ID))

	calls := provider.Calls()
	require.Len(t, calls, 2)
	last := calls[1].Messages[len(calls[1].Messages)-1]
	assert.Contains(t, last.Content, humaninput.DefaultFallback)
}

func TestRunSkipsUnmatchedTasks(t *testing.T) {
	c := &crew.Crew{
		ID:      "crew-skip",
		Process: crew.ProcessSequential,
		Agents:  []crew.AgentConfig{mockAgent("writer"), mockAgent("editor")},
		Tasks: []crew.TaskConfig{
			{ID: "t1", Description: "write", AgentRole: "writer", Order: 1},
			{ID: "t2", Description: "review", AgentRole: "reviewer", Order: 2},
			{ID: "t3", Description: "edit", AgentRole: "editor", Order: 3},
		},
	}
	provider := mocks.NewProvider(
		mocks.Turn{Content: "written", Usage: llm.ChatUsage{TotalTokens: 1}},
		mocks.Turn{Content: "edited", Usage: llm.ChatUsage{TotalTokens: 1}},
	)
	h := newHarness(t, mapCrews{"crew-skip": c}, provider, false)
	exec := h.newExecution(t, "crew-skip", nil)

	require.NoError(t, h.engine.Run(context.Background(), exec.ID))
	assert.Equal(t, crew.StatusCompleted, h.status(t, exec.ID))
	assert.Len(t, h.stagesOfType(t, exec.ID, crew.StageCompletion), 2)
	assert.Equal(t, 2, provider.CallCount())

	// The skipped task is on the audit trail, not just in the logs.
	starts := h.stagesOfType(t, exec.ID, crew.StageTaskStart)
	require.Len(t, starts, 3)
	byTask := make(map[string]*crew.ExecutionStage, len(starts))
	for _, s := range starts {
		byTask[s.CorrelationTaskID] = s
	}
	require.NotNil(t, byTask["t2"])
	assert.Equal(t, "Task skipped", byTask["t2"].Title)
	assert.Equal(t, "Task started", byTask["t1"].Title)
	assert.Equal(t, crew.StageCompleted, byTask["t1"].Status)
}

func TestRunParallelForEach(t *testing.T) {
	c := &crew.Crew{
		ID:      "crew-fan",
		Process: crew.ProcessParallelForEach,
		Agents:  []crew.AgentConfig{mockAgent("auditor")},
		Tasks: []crew.TaskConfig{
			{ID: "t1", Description: "Audit {site}", AgentRole: "auditor"},
		},
	}
	provider := mocks.NewProvider(mocks.Turn{Content: "audited", Usage: llm.ChatUsage{TotalTokens: 2}})
	h := newHarness(t, mapCrews{"crew-fan": c}, provider, false)
	exec := h.newExecution(t, "crew-fan", crew.JSONMap{
		"inputs_array": []any{
			map[string]any{"site": "a.com"},
			map[string]any{"site": "b.com"},
			map[string]any{"site": "c.com"},
		},
	})

	require.NoError(t, h.engine.Run(context.Background(), exec.ID))
	assert.Equal(t, crew.StatusCompleted, h.status(t, exec.ID))

	out, err := h.store.GetCrewOutput(context.Background(), exec.ID)
	require.NoError(t, err)
	var collected []string
	require.NoError(t, json.Unmarshal([]byte(out.Raw), &collected))
	assert.Equal(t, []string{"audited", "audited", "audited"}, collected)
	assert.Equal(t, 6, out.Usage.TotalTokens)

	// Each element got its own interpolated dispatch, in any order.
	var seen []string
	for _, call := range provider.Calls() {
		seen = append(seen, call.Messages[1].Content)
	}
	assert.ElementsMatch(t, []string{"Audit a.com", "Audit b.com", "Audit c.com"}, seen)
}

func TestRunForEachWithoutInputsFails(t *testing.T) {
	c := &crew.Crew{
		ID:      "crew-empty",
		Process: crew.ProcessParallelForEach,
		Agents:  []crew.AgentConfig{mockAgent("a")},
		Tasks:   []crew.TaskConfig{{ID: "t1", Description: "d", AgentRole: "a"}},
	}
	h := newHarness(t, mapCrews{"crew-empty": c}, mocks.NewProvider(mocks.Turn{Content: "x"}), false)
	exec := h.newExecution(t, "crew-empty", nil)

	err := h.engine.Run(context.Background(), exec.ID)
	require.Error(t, err)
	assert.Equal(t, crew.StatusFailed, h.status(t, exec.ID))

	got, gerr := h.store.GetExecution(context.Background(), exec.ID)
	require.NoError(t, gerr)
	assert.Contains(t, got.ErrorMessage, "inputs_array")
	assert.Len(t, h.stagesOfType(t, exec.ID, crew.StageError), 1)
}

func TestRunFailureMarksExecution(t *testing.T) {
	provider := mocks.NewProvider(mocks.Turn{Err: fmt.Errorf("model offline")})
	c := &crew.Crew{
		ID:      "crew-bad",
		Process: crew.ProcessSequential,
		Agents:  []crew.AgentConfig{{Role: "w", Goal: "g", LLM: "mock/m", MaxRetryLimit: 1}},
		Tasks:   []crew.TaskConfig{{ID: "t1", Description: "d", AgentRole: "w"}},
	}
	h := newHarness(t, mapCrews{"crew-bad": c}, provider, false)
	exec := h.newExecution(t, "crew-bad", nil)

	err := h.engine.Run(context.Background(), exec.ID)
	require.Error(t, err)
	assert.Equal(t, crew.StatusFailed, h.status(t, exec.ID))

	got, gerr := h.store.GetExecution(context.Background(), exec.ID)
	require.NoError(t, gerr)
	assert.Contains(t, got.ErrorMessage, "model offline")

	_, oerr := h.store.GetCrewOutput(context.Background(), exec.ID)
	assert.Error(t, oerr)
}

func TestRunUnknownCrewFails(t *testing.T) {
	h := newHarness(t, mapCrews{}, mocks.NewProvider(), false)
	exec := h.newExecution(t, "nope", nil)

	require.Error(t, h.engine.Run(context.Background(), exec.ID))
	assert.Equal(t, crew.StatusFailed, h.status(t, exec.ID))
}

func TestRunHierarchicalRequiresManager(t *testing.T) {
	c := &crew.Crew{
		ID:      "crew-h",
		Process: crew.ProcessHierarchical,
		Agents:  []crew.AgentConfig{mockAgent("writer")},
		Tasks:   []crew.TaskConfig{{ID: "t1", Description: "d", AgentRole: "writer"}},
	}
	h := newHarness(t, mapCrews{"crew-h": c}, mocks.NewProvider(mocks.Turn{Content: "x"}), false)
	exec := h.newExecution(t, "crew-h", nil)

	require.Error(t, h.engine.Run(context.Background(), exec.ID))
	assert.Equal(t, crew.StatusFailed, h.status(t, exec.ID))
}

func TestRunHierarchicalManagerTakesRolelessTasks(t *testing.T) {
	manager := mockAgent("manager")
	c := &crew.Crew{
		ID:           "crew-m",
		Process:      crew.ProcessHierarchical,
		ManagerAgent: &manager,
		Agents:       []crew.AgentConfig{mockAgent("writer")},
		Tasks: []crew.TaskConfig{
			{ID: "t1", Description: "delegate and assemble", Order: 1},
			{ID: "t2", Description: "write", AgentRole: "writer", Order: 2},
		},
	}
	provider := mocks.NewProvider(
		mocks.Turn{Content: "plan", Usage: llm.ChatUsage{TotalTokens: 1}},
		mocks.Turn{Content: "article", Usage: llm.ChatUsage{TotalTokens: 1}},
	)
	h := newHarness(t, mapCrews{"crew-m": c}, provider, false)
	exec := h.newExecution(t, "crew-m", nil)

	require.NoError(t, h.engine.Run(context.Background(), exec.ID))

	stages := h.stagesOfType(t, exec.ID, crew.StageTaskStart)
	require.Len(t, stages, 2)
	assert.Equal(t, "manager", stages[0].AgentRole)
	assert.Equal(t, "writer", stages[1].AgentRole)
}

func TestRunWritesOutputFile(t *testing.T) {
	c := &crew.Crew{
		ID:      "crew-of",
		Process: crew.ProcessSequential,
		Agents:  []crew.AgentConfig{mockAgent("writer")},
		Tasks: []crew.TaskConfig{
			{ID: "t1", Description: "write", AgentRole: "writer",
				Output: crew.OutputDirectives{OutputFile: "report.md"}},
		},
	}
	provider := mocks.NewProvider(mocks.Turn{Content: "the report body", Usage: llm.ChatUsage{TotalTokens: 1}})
	h := newHarness(t, mapCrews{"crew-of": c}, provider, false)
	exec := h.newExecution(t, "crew-of", nil)

	require.NoError(t, h.engine.Run(context.Background(), exec.ID))

	userDir := filepath.Join(h.engine.config.MediaRoot, "user-1")
	entries, err := os.ReadDir(userDir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	body, err := os.ReadFile(filepath.Join(userDir, entries[0].Name()))
	require.NoError(t, err)
	assert.Equal(t, "the report body", string(body))
}

func TestRunAsyncTasksJoinBeforeSyncTask(t *testing.T) {
	c := &crew.Crew{
		ID:      "crew-async",
		Process: crew.ProcessSequential,
		Agents:  []crew.AgentConfig{mockAgent("worker")},
		Tasks: []crew.TaskConfig{
			{ID: "t1", Description: "first", AgentRole: "worker", Order: 1, Async: true},
			{ID: "t2", Description: "second", AgentRole: "worker", Order: 2, Async: true},
			{ID: "t3", Description: "fold", AgentRole: "worker", Order: 3,
				Context: []string{"t1", "t2"}},
		},
	}
	provider := mocks.NewProvider(mocks.Turn{Content: "part", Usage: llm.ChatUsage{TotalTokens: 1}})
	h := newHarness(t, mapCrews{"crew-async": c}, provider, false)
	exec := h.newExecution(t, "crew-async", nil)

	require.NoError(t, h.engine.Run(context.Background(), exec.ID))
	assert.Equal(t, crew.StatusCompleted, h.status(t, exec.ID))
	assert.Equal(t, 3, provider.CallCount())

	// The folding task saw both async outputs in its context.
	var foldCall *llm.ChatRequest
	for _, call := range provider.Calls() {
		if strings.HasPrefix(call.Messages[1].Content, "fold") {
			foldCall = call
		}
	}
	require.NotNil(t, foldCall)
	assert.Contains(t, foldCall.Messages[1].Content, "part\n\n----------\n\npart")
}

func TestRunWideAsyncFanOutFoldsEveryResult(t *testing.T) {
	const fanOut = 16

	var cfgs []crew.TaskConfig
	var turns []mocks.Turn
	for i := 0; i < fanOut; i++ {
		cfgs = append(cfgs, crew.TaskConfig{
			ID:          fmt.Sprintf("t%d", i+1),
			Description: fmt.Sprintf("chunk %d", i+1),
			AgentRole:   "worker",
			Order:       i + 1,
			Async:       true,
		})
		turns = append(turns, mocks.Turn{
			Content: fmt.Sprintf("out-%d", i+1),
			Usage:   llm.ChatUsage{TotalTokens: 1},
		})
	}
	cfgs = append(cfgs, crew.TaskConfig{
		ID: "t-fold", Description: "assemble", AgentRole: "worker", Order: fanOut + 1,
	})
	turns = append(turns, mocks.Turn{Content: "assembled", Usage: llm.ChatUsage{TotalTokens: 1}})

	c := &crew.Crew{
		ID:      "crew-wide",
		Process: crew.ProcessSequential,
		Agents:  []crew.AgentConfig{mockAgent("worker")},
		Tasks:   cfgs,
	}
	provider := mocks.NewProvider(turns...)
	h := newHarness(t, mapCrews{"crew-wide": c}, provider, false)
	exec := h.newExecution(t, "crew-wide", nil)

	require.NoError(t, h.engine.Run(context.Background(), exec.ID))
	assert.Equal(t, crew.StatusCompleted, h.status(t, exec.ID))
	assert.Equal(t, fanOut+1, provider.CallCount())

	// The fold task ran only after every concurrent task's output landed.
	var foldCall *llm.ChatRequest
	for _, call := range provider.Calls() {
		if strings.HasPrefix(call.Messages[1].Content, "assemble") {
			foldCall = call
		}
	}
	require.NotNil(t, foldCall)
	for i := 0; i < fanOut; i++ {
		assert.Contains(t, foldCall.Messages[1].Content, fmt.Sprintf("out-%d", i+1))
	}

	out, err := h.store.GetCrewOutput(context.Background(), exec.ID)
	require.NoError(t, err)
	assert.Equal(t, "assembled", out.Raw)
}

func TestSnippetKeepsValidUTF8(t *testing.T) {
	long := strings.Repeat("x", snippetLimit-1) + "Ümläute und 中文"
	out := snippet(long)
	assert.True(t, utf8.ValidString(out))
	assert.True(t, strings.HasSuffix(out, "…"))
}
