// Package tasks builds the runnable task graph for one execution: persisted
// task configurations bound to built agents, with tool bindings resolved and
// output paths rewritten for the acting user.
package tasks

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/vrijsinghani/seoclientmanager-sub000/crew"
	"github.com/vrijsinghani/seoclientmanager-sub000/crew/agents"
	"github.com/vrijsinghani/seoclientmanager-sub000/crew/tools"
)

// Node is one task bound to the agent that will run it.
type Node struct {
	Config crew.TaskConfig
	Agent  *agents.RuntimeAgent

	// Tools override the agent's own set when the task declares bindings.
	Tools []tools.Invocable

	// CorrelationID keys the node's stage rows and result. It is the task's
	// persisted id when one exists.
	CorrelationID string
	Index         int

	// OutputPath is the rewritten output file location, empty when the task
	// declares none.
	OutputPath string

	// stageID is the queued audit row written at build time.
	stageID string
	started atomic.Bool
}

// StartStageID hands out the queued stage id exactly once, so the first
// dispatch of this node patches the build-time row and repeated runs
// (foreach elements) get fresh rows.
func (n *Node) StartStageID() string {
	if n.started.CompareAndSwap(false, true) {
		return n.stageID
	}
	return ""
}

// Step returns the stage correlation context for this node.
func (n *Node) Step(executionID string) crew.StepContext {
	return crew.StepContext{
		ExecutionID:       executionID,
		TaskIndex:         n.Index,
		CorrelationTaskID: n.CorrelationID,
		AgentRole:         n.Agent.Role(),
	}
}

// TaskInput assembles the agent input for this node. Inputs are
// interpolated into the description and expected output; contextText
// carries folded prerequisite results.
func (n *Node) TaskInput(executionID string, inputs map[string]any, contextText string) agents.TaskInput {
	return agents.TaskInput{
		Step:           n.Step(executionID),
		Description:    Interpolate(n.Config.Description, inputs),
		ExpectedOutput: Interpolate(n.Config.ExpectedOutput, inputs),
		Context:        contextText,
		Tools:          n.Tools,
		HumanInput:     n.Config.HumanInput,
		OutputFile:     n.OutputPath,
	}
}

// Graph is the ordered, agent-bound task list for one run.
type Graph struct {
	Nodes []*Node

	// Unmatched lists task ids whose agent role matched no built agent.
	// These tasks are skipped, not failed; callers surface the list.
	Unmatched []string

	byID map[string]*Node
}

// Node looks a node up by its correlation id.
func (g *Graph) Node(id string) (*Node, bool) {
	n, ok := g.byID[id]
	return n, ok
}

// ContextFor folds the declared prerequisite outputs of a node into one
// context string. Prerequisites without a result yet are skipped; a node
// without declared context yields "".
func (g *Graph) ContextFor(n *Node, results map[string]string) string {
	if len(n.Config.Context) == 0 {
		return ""
	}
	parts := make([]string, 0, len(n.Config.Context))
	for _, id := range n.Config.Context {
		if out, ok := results[id]; ok && out != "" {
			parts = append(parts, out)
		}
	}
	return strings.Join(parts, "\n\n----------\n\n")
}

// StagePersister is the slice of the execution store the builder needs to
// write audit rows.
type StagePersister interface {
	UpsertStage(ctx context.Context, stage *crew.ExecutionStage) error
}

// Builder resolves task configurations against a tool registry and the
// acting user's media root.
type Builder struct {
	registry  *tools.Registry
	stages    StagePersister
	mediaRoot string
	logger    *zap.Logger
}

// NewBuilder creates a graph builder. stages receives per-task audit rows
// at build time and may be nil. mediaRoot anchors rewritten output file
// paths; empty means output files keep only their rewritten basename.
func NewBuilder(registry *tools.Registry, stages StagePersister, mediaRoot string, logger *zap.Logger) *Builder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Builder{
		registry:  registry,
		stages:    stages,
		mediaRoot: mediaRoot,
		logger:    logger.With(zap.String("component", "task_graph")),
	}
}

// Build binds ordered task configs to agents by role. A task with an empty
// role binds to the first agent; a role that matches nothing lands in
// Unmatched. Zero bound tasks is crew.ErrNoRunnableTasks.
//
// Every task is recorded against the execution at build time: bound nodes
// get a pending task_start row, unmatched ones a skipped row, so the run's
// task list is findable by execution id even for tasks that never start.
func (b *Builder) Build(ctx context.Context, configs []crew.TaskConfig, agentSet []*agents.RuntimeAgent, exec *crew.Execution) (*Graph, error) {
	if len(agentSet) == 0 {
		return nil, crew.ErrNoAgentsAvailable
	}

	ordered := make([]crew.TaskConfig, len(configs))
	copy(ordered, configs)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].Order < ordered[j].Order })

	byRole := make(map[string]*agents.RuntimeAgent, len(agentSet))
	for _, a := range agentSet {
		if _, seen := byRole[a.Role()]; !seen {
			byRole[a.Role()] = a
		}
	}

	g := &Graph{byID: make(map[string]*Node)}
	for _, cfg := range ordered {
		agent := agentSet[0]
		if cfg.AgentRole != "" {
			bound, ok := byRole[cfg.AgentRole]
			if !ok {
				b.logger.Warn("task has no matching agent",
					zap.String("task_id", cfg.ID),
					zap.String("agent_role", cfg.AgentRole))
				g.Unmatched = append(g.Unmatched, cfg.ID)
				b.persistSkipped(ctx, exec, cfg)
				continue
			}
			agent = bound
		}

		corrID := cfg.ID
		if corrID == "" {
			corrID = uuid.New().String()
		}

		node := &Node{
			Config:        cfg,
			Agent:         agent,
			CorrelationID: corrID,
			Index:         len(g.Nodes),
			OutputPath:    b.rewriteOutputFile(cfg.Output.OutputFile, corrID),
			stageID:       uuid.New().String(),
		}
		if b.registry != nil && len(cfg.Tools) > 0 {
			node.Tools = b.registry.ResolveAll(ctx, cfg.Tools)
		}

		g.byID[corrID] = node
		g.Nodes = append(g.Nodes, node)
		b.persistQueued(ctx, exec, node)
	}

	if len(g.Nodes) == 0 {
		return nil, fmt.Errorf("%d tasks, %d unmatched: %w",
			len(configs), len(g.Unmatched), crew.ErrNoRunnableTasks)
	}
	return g, nil
}

// persistQueued writes the pending task_start audit row for a bound node.
func (b *Builder) persistQueued(ctx context.Context, exec *crew.Execution, node *Node) {
	if b.stages == nil || exec == nil {
		return
	}
	err := b.stages.UpsertStage(ctx, &crew.ExecutionStage{
		ID:                node.stageID,
		ExecutionID:       exec.ID,
		CorrelationTaskID: node.CorrelationID,
		Type:              crew.StageTaskStart,
		Status:            crew.StagePending,
		Title:             "Task queued",
		Content:           node.Config.Description,
		AgentRole:         node.Agent.Role(),
	})
	if err != nil {
		b.logger.Warn("failed to persist queued task",
			zap.String("execution_id", exec.ID),
			zap.String("task_id", node.CorrelationID),
			zap.Error(err))
	}
}

// persistSkipped records an unmatched task so the skip shows up in the
// execution's audit trail, not just the logs.
func (b *Builder) persistSkipped(ctx context.Context, exec *crew.Execution, cfg crew.TaskConfig) {
	if b.stages == nil || exec == nil {
		return
	}
	err := b.stages.UpsertStage(ctx, &crew.ExecutionStage{
		ID:                uuid.New().String(),
		ExecutionID:       exec.ID,
		CorrelationTaskID: cfg.ID,
		Type:              crew.StageTaskStart,
		Status:            crew.StageCompleted,
		Title:             "Task skipped",
		Content:           fmt.Sprintf("no agent for role %q", cfg.AgentRole),
	})
	if err != nil {
		b.logger.Warn("failed to persist skipped task",
			zap.String("execution_id", exec.ID),
			zap.String("task_id", cfg.ID),
			zap.Error(err))
	}
}

// rewriteOutputFile relocates a declared output file under the media root
// as {correlationID}_{timestamp}_{basename}. Directory components from the
// template are dropped so tasks cannot write outside the root.
func (b *Builder) rewriteOutputFile(template, corrID string) string {
	if template == "" {
		return ""
	}
	name := fmt.Sprintf("%s_%s_%s",
		corrID,
		time.Now().UTC().Format("20060102_150405"),
		filepath.Base(template))
	return filepath.Join(b.mediaRoot, name)
}

// Interpolate substitutes {key} placeholders with the string form of the
// matching input. Unknown placeholders stay as written.
func Interpolate(s string, inputs map[string]any) string {
	if len(inputs) == 0 || !strings.Contains(s, "{") {
		return s
	}
	for k, v := range inputs {
		s = strings.ReplaceAll(s, "{"+k+"}", fmt.Sprintf("%v", v))
	}
	return s
}
