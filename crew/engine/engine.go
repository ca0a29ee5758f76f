// Package engine drives the execution state machine: it builds the agent
// and task graph for one run, executes the crew's process strategy, streams
// stage events through the broadcaster, and persists the terminal outcome.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
	"unicode/utf8"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/vrijsinghani/seoclientmanager-sub000/crew"
	"github.com/vrijsinghani/seoclientmanager-sub000/crew/agents"
	"github.com/vrijsinghani/seoclientmanager-sub000/crew/broadcast"
	"github.com/vrijsinghani/seoclientmanager-sub000/crew/store"
	"github.com/vrijsinghani/seoclientmanager-sub000/crew/tasks"
	"github.com/vrijsinghani/seoclientmanager-sub000/crew/tools"
	"github.com/vrijsinghani/seoclientmanager-sub000/internal/metrics"
	"github.com/vrijsinghani/seoclientmanager-sub000/llm/factory"
)

// CrewSource resolves crew definitions by id. The storage/API layer
// implements it; tests use a map.
type CrewSource interface {
	GetCrew(ctx context.Context, id string) (*crew.Crew, error)
}

// Config carries engine construction options.
type Config struct {
	// MediaRoot anchors task output files, per acting user underneath.
	MediaRoot string `json:"media_root" yaml:"media_root"`

	// ForEachConcurrency bounds parallel per-element runs. Zero means
	// unbounded.
	ForEachConcurrency int `json:"foreach_concurrency" yaml:"foreach_concurrency"`
}

// Engine owns execution lifecycles. All mutations of an Execution's status
// go through the store's transition validation; the engine never writes a
// status directly.
type Engine struct {
	config      Config
	store       store.ExecutionStore
	crews       CrewSource
	llm         *factory.Factory
	registry    *tools.Registry
	broadcaster *broadcast.Broadcaster
	input       agents.InputRequester
	metrics     *metrics.Collector
	logger      *zap.Logger
}

// Deps are the collaborators an engine is wired with. Store, Crews, and
// LLM are required; the rest degrade to no-ops when nil.
type Deps struct {
	Store       store.ExecutionStore
	Crews       CrewSource
	LLM         *factory.Factory
	Registry    *tools.Registry
	Broadcaster *broadcast.Broadcaster
	Input       agents.InputRequester
	Metrics     *metrics.Collector
	Logger      *zap.Logger
}

// New creates an engine.
func New(config Config, deps Deps) (*Engine, error) {
	if deps.Store == nil {
		return nil, fmt.Errorf("engine: store is required")
	}
	if deps.Crews == nil {
		return nil, fmt.Errorf("engine: crew source is required")
	}
	if deps.LLM == nil {
		return nil, fmt.Errorf("engine: llm factory is required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		config:      config,
		store:       deps.Store,
		crews:       deps.Crews,
		llm:         deps.LLM,
		registry:    deps.Registry,
		broadcaster: deps.Broadcaster,
		input:       deps.Input,
		metrics:     deps.Metrics,
		logger:      logger.With(zap.String("component", "execution_engine")),
	}, nil
}

// Run executes one crew run end to end. It transitions the execution to
// RUNNING, drives the process strategy, and leaves the execution in a
// terminal state. The returned error mirrors the persisted FAILED state so
// the scheduler's bookkeeping stays in sync with the domain record.
func (e *Engine) Run(ctx context.Context, executionID string) error {
	started := time.Now()
	logger := e.logger.With(zap.String("execution_id", executionID))

	ctx, span := tracer().Start(ctx, "engine.Run",
		trace.WithAttributes(attribute.String("execution.id", executionID)))
	defer span.End()

	exec, err := e.store.GetExecution(ctx, executionID)
	if err != nil {
		return fmt.Errorf("load execution: %w", err)
	}
	crewDef, err := e.crews.GetCrew(ctx, exec.CrewID)
	if err != nil {
		return e.fail(ctx, exec, fmt.Errorf("load crew %s: %w", exec.CrewID, err))
	}
	if err := crewDef.Validate(); err != nil {
		return e.fail(ctx, exec, err)
	}

	if exec, err = e.store.TransitionStatus(ctx, executionID, crew.StatusRunning, store.StatusUpdate{}); err != nil {
		return fmt.Errorf("start execution: %w", err)
	}
	if e.metrics != nil {
		e.metrics.ExecutionStarted()
	}
	logger.Info("execution started",
		zap.String("crew_id", crewDef.ID),
		zap.String("process", string(crewDef.Process)))

	result, usage, runErr := e.runProcess(ctx, crewDef, exec)
	if runErr != nil {
		if ctx.Err() != nil {
			// Cancelled runs are marked by the scheduler; only record a
			// failure if nothing terminal landed yet.
			e.failQuiet(exec, runErr)
			e.observeFinished(crewDef.Process, crew.StatusCancelled, started)
			return runErr
		}
		e.observeFinished(crewDef.Process, crew.StatusFailed, started)
		return e.fail(ctx, exec, runErr)
	}

	output := &crew.CrewOutput{
		ExecutionID: executionID,
		Raw:         result,
		Usage:       usage,
	}
	if json.Valid([]byte(result)) {
		output.JSON = json.RawMessage(result)
	}
	if err := e.store.SaveCrewOutput(ctx, output); err != nil {
		e.observeFinished(crewDef.Process, crew.StatusFailed, started)
		return e.fail(ctx, exec, fmt.Errorf("persist crew output: %w", err))
	}

	if _, err := e.store.TransitionStatus(ctx, executionID, crew.StatusCompleted, store.StatusUpdate{
		Result: &result,
	}); err != nil {
		e.observeFinished(crewDef.Process, crew.StatusFailed, started)
		return e.fail(ctx, exec, fmt.Errorf("complete execution: %w", err))
	}

	e.observeFinished(crewDef.Process, crew.StatusCompleted, started)
	logger.Info("execution completed",
		zap.Duration("elapsed", time.Since(started)),
		zap.Int("total_tokens", usage.TotalTokens))
	return nil
}

// runProcess builds the graph and dispatches the crew's strategy.
func (e *Engine) runProcess(ctx context.Context, crewDef *crew.Crew, exec *crew.Execution) (string, crew.TokenUsage, error) {
	agentConfigs := crewDef.Agents
	if crewDef.ManagerAgent != nil {
		// The manager leads: role-less tasks bind to it.
		agentConfigs = append([]crew.AgentConfig{*crewDef.ManagerAgent}, agentConfigs...)
	}

	built, err := agents.BuildAgents(ctx, agentConfigs, exec.ID, agents.Deps{
		LLM:      e.llm,
		Tools:    e.registry,
		Observer: e.stepObserver(crewDef.ID),
		Input:    e.input,
		Logger:   e.logger,
	})
	if err != nil {
		return "", crew.TokenUsage{}, err
	}

	builder := tasks.NewBuilder(e.registry, e.store, e.userMediaRoot(exec), e.logger)
	graph, err := builder.Build(ctx, crewDef.Tasks, built, exec)
	if err != nil {
		return "", crew.TokenUsage{}, err
	}
	for _, id := range graph.Unmatched {
		e.logger.Warn("task skipped, no agent for role",
			zap.String("execution_id", exec.ID), zap.String("task_id", id))
	}

	switch {
	case crewDef.Process.IsForEach():
		return e.runForEach(ctx, crewDef, exec, graph)
	default:
		// sequential, hierarchical, async: one linear pass. Async-ness is
		// the scheduler's concern; by the time Run executes we are already
		// on a worker.
		return e.runLinear(ctx, crewDef, exec, graph, exec.Inputs)
	}
}

// runLinear folds task outputs into the context of subsequent tasks in
// graph order. Tasks flagged async run concurrently with what follows and
// are joined before the next synchronous task.
func (e *Engine) runLinear(ctx context.Context, crewDef *crew.Crew, exec *crew.Execution, graph *tasks.Graph, inputs map[string]any) (string, crew.TokenUsage, error) {
	results := make(map[string]string)
	var usage crew.TokenUsage
	var ordered []string

	type asyncRun struct {
		node *tasks.Node
		res  *agents.TaskResult
		err  error
		done chan struct{}
	}
	var pending []*asyncRun

	join := func() error {
		// Wait for every pending run before touching results: a goroutine
		// launched later may still be reading the map in dispatch.
		for _, ar := range pending {
			<-ar.done
		}
		for _, ar := range pending {
			if ar.err != nil {
				pending = nil
				return ar.err
			}
			results[ar.node.CorrelationID] = ar.res.Raw
			ordered = append(ordered, ar.res.Raw)
			usage.Add(ar.res.Usage)
		}
		pending = nil
		return nil
	}

	for _, node := range graph.Nodes {
		if node.Config.Async {
			ar := &asyncRun{node: node, done: make(chan struct{})}
			pending = append(pending, ar)
			go func() {
				defer close(ar.done)
				ar.res, ar.err = e.dispatch(ctx, crewDef, exec, graph, ar.node, inputs, results)
			}()
			continue
		}

		if err := join(); err != nil {
			return "", usage, err
		}
		res, err := e.dispatch(ctx, crewDef, exec, graph, node, inputs, results)
		if err != nil {
			return "", usage, err
		}
		results[node.CorrelationID] = res.Raw
		ordered = append(ordered, res.Raw)
		usage.Add(res.Usage)
	}
	if err := join(); err != nil {
		return "", usage, err
	}

	if len(ordered) == 0 {
		return "", usage, crew.ErrNoRunnableTasks
	}
	return ordered[len(ordered)-1], usage, nil
}

// dispatch runs one node: task_start stage, context fold, agent execution,
// optional output file write.
func (e *Engine) dispatch(ctx context.Context, crewDef *crew.Crew, exec *crew.Execution, graph *tasks.Graph, node *tasks.Node, inputs map[string]any, results map[string]string) (*agents.TaskResult, error) {
	ctx, span := tracer().Start(ctx, "engine.dispatch",
		trace.WithAttributes(
			attribute.String("execution.id", exec.ID),
			attribute.String("task.id", node.CorrelationID),
			attribute.String("agent.role", node.Agent.Role()),
		))
	defer span.End()

	// The first dispatch of a node patches its queued audit row; repeated
	// runs (foreach elements) get fresh rows.
	e.emit(ctx, broadcast.Event{
		ExecutionID:       exec.ID,
		CrewID:            crewDef.ID,
		CorrelationTaskID: node.CorrelationID,
		StageID:           node.StartStageID(),
		Type:              crew.StageTaskStart,
		Status:            crew.StageCompleted,
		Title:             "Task started",
		Content:           snippet(tasks.Interpolate(node.Config.Description, inputs)),
		Agent:             node.Agent.Role(),
	})

	contextText := graph.ContextFor(node, results)
	if contextText == "" && len(node.Config.Context) == 0 {
		// Linear accumulation: without declared prerequisites the task sees
		// everything produced so far, in order.
		contextText = priorContext(graph, node, results)
	}

	res, err := node.Agent.Execute(ctx, node.TaskInput(exec.ID, inputs, contextText))
	if err != nil {
		return nil, fmt.Errorf("task %s: %w", node.CorrelationID, err)
	}

	if node.OutputPath != "" {
		if werr := writeOutputFile(node.OutputPath, res.Raw); werr != nil {
			e.logger.Warn("output file write failed",
				zap.String("path", node.OutputPath), zap.Error(werr))
		}
	}

	e.emit(ctx, broadcast.Event{
		ExecutionID:       exec.ID,
		CrewID:            crewDef.ID,
		CorrelationTaskID: node.CorrelationID,
		Type:              crew.StageCompletion,
		Status:            crew.StageCompleted,
		Title:             "Task completed",
		Content:           snippet(res.Raw),
		Agent:             node.Agent.Role(),
	})
	return res, nil
}

// runForEach instantiates the task graph once per inputs_array element.
// Element runs are independent; results collect as a JSON array ordered by
// element index regardless of completion order.
func (e *Engine) runForEach(ctx context.Context, crewDef *crew.Crew, exec *crew.Execution, graph *tasks.Graph) (string, crew.TokenUsage, error) {
	elements := exec.InputsArray()
	if len(elements) == 0 {
		return "", crew.TokenUsage{}, fmt.Errorf("process %s requires a non-empty inputs_array", crewDef.Process)
	}

	results := make([]string, len(elements))
	usages := make([]crew.TokenUsage, len(elements))

	g, gctx := errgroup.WithContext(ctx)
	if e.config.ForEachConcurrency > 0 {
		g.SetLimit(e.config.ForEachConcurrency)
	}
	for i, element := range elements {
		g.Go(func() error {
			inputs := mergeInputs(exec.Inputs, element)
			raw, u, err := e.runLinear(gctx, crewDef, exec, graph, inputs)
			if err != nil {
				return fmt.Errorf("element %d: %w", i, err)
			}
			results[i] = raw
			usages[i] = u
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return "", crew.TokenUsage{}, err
	}

	var usage crew.TokenUsage
	for _, u := range usages {
		usage.Add(u)
	}
	collected, err := json.Marshal(results)
	if err != nil {
		return "", usage, fmt.Errorf("collect foreach results: %w", err)
	}
	return string(collected), usage, nil
}

// fail marks the execution FAILED, persists the message, and emits an
// error stage. The original error is returned for scheduler bookkeeping.
func (e *Engine) fail(ctx context.Context, exec *crew.Execution, cause error) error {
	msg := cause.Error()
	// The record must be updated even when the run context is gone.
	bg := context.WithoutCancel(ctx)

	e.emit(bg, broadcast.Event{
		ExecutionID: exec.ID,
		CrewID:      exec.CrewID,
		Type:        crew.StageError,
		Status:      crew.StageFailed,
		Title:       "Execution failed",
		Content:     msg,
	})
	if _, err := e.store.TransitionStatus(bg, exec.ID, crew.StatusFailed, store.StatusUpdate{
		ErrorMessage: &msg,
	}); err != nil && !errors.Is(err, crew.ErrInvalidTransition) {
		e.logger.Error("failed to mark execution failed",
			zap.String("execution_id", exec.ID), zap.Error(err))
	}
	e.logger.Error("execution failed",
		zap.String("execution_id", exec.ID), zap.Error(cause))
	return cause
}

// failQuiet records a failure only when the execution is still non-terminal.
func (e *Engine) failQuiet(exec *crew.Execution, cause error) {
	msg := cause.Error()
	bg := context.Background()
	if _, err := e.store.TransitionStatus(bg, exec.ID, crew.StatusFailed, store.StatusUpdate{
		ErrorMessage: &msg,
	}); err != nil && !errors.Is(err, crew.ErrInvalidTransition) {
		e.logger.Warn("post-cancel status update failed",
			zap.String("execution_id", exec.ID), zap.Error(err))
	}
}

func (e *Engine) observeFinished(process crew.ProcessType, status crew.ExecutionStatus, started time.Time) {
	if e.metrics != nil {
		e.metrics.ExecutionFinished(string(process), string(status), time.Since(started))
	}
}

// stepObserver adapts the broadcaster to the agent step callback.
func (e *Engine) stepObserver(crewID string) agents.StepObserver {
	if e.broadcaster == nil {
		return nil
	}
	return &broadcastObserver{b: e.broadcaster, crewID: crewID, logger: e.logger}
}

type broadcastObserver struct {
	b      *broadcast.Broadcaster
	crewID string
	logger *zap.Logger
}

func (o *broadcastObserver) OnStep(ctx context.Context, ev agents.StepEvent) {
	err := o.b.Emit(ctx, broadcast.Event{
		ExecutionID:       ev.Step.ExecutionID,
		CrewID:            o.crewID,
		CorrelationTaskID: ev.Step.CorrelationTaskID,
		StageID:           ev.StageID,
		Type:              ev.Type,
		Status:            ev.Status,
		Title:             ev.Title,
		Content:           ev.Content,
		Agent:             ev.Step.AgentRole,
		Meta:              ev.Metadata,
	})
	if err != nil {
		o.logger.Warn("step event emit failed",
			zap.String("execution_id", ev.Step.ExecutionID), zap.Error(err))
	}
}

func (e *Engine) emit(ctx context.Context, ev broadcast.Event) {
	if e.broadcaster == nil {
		return
	}
	if err := e.broadcaster.Emit(ctx, ev); err != nil {
		e.logger.Warn("stage emit failed",
			zap.String("execution_id", ev.ExecutionID), zap.Error(err))
	}
}

func (e *Engine) userMediaRoot(exec *crew.Execution) string {
	if e.config.MediaRoot == "" {
		return ""
	}
	return filepath.Join(e.config.MediaRoot, exec.UserID)
}

// priorContext folds every already-produced output, oldest first.
func priorContext(graph *tasks.Graph, node *tasks.Node, results map[string]string) string {
	var parts []string
	for _, n := range graph.Nodes {
		if n.Index >= node.Index {
			break
		}
		if out, ok := results[n.CorrelationID]; ok && out != "" {
			parts = append(parts, out)
		}
	}
	if len(parts) == 0 {
		return ""
	}
	out := parts[0]
	for _, p := range parts[1:] {
		out += "\n\n----------\n\n" + p
	}
	return out
}

func mergeInputs(base map[string]any, element map[string]any) map[string]any {
	merged := make(map[string]any, len(base)+len(element))
	for k, v := range base {
		if k == "inputs_array" {
			continue
		}
		merged[k] = v
	}
	for k, v := range element {
		merged[k] = v
	}
	return merged
}

func writeOutputFile(path, content string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(content), 0o644)
}

func tracer() trace.Tracer {
	return otel.Tracer("crew/engine")
}

const snippetLimit = 2000

// snippet truncates at a rune boundary so frames never carry split UTF-8.
func snippet(s string) string {
	if len(s) <= snippetLimit {
		return s
	}
	cut := snippetLimit
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "…"
}
