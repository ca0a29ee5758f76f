// Package agents turns persisted agent configurations into runnable agents
// bound to one execution.
//
// Building is partial-capability: an agent whose LLM binding cannot be
// resolved is skipped with a warning, and so is any tool binding inside an
// agent. Only a build that yields zero agents is fatal
// (crew.ErrNoAgentsAvailable).
package agents

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/vrijsinghani/seoclientmanager-sub000/crew"
	"github.com/vrijsinghani/seoclientmanager-sub000/crew/tools"
	"github.com/vrijsinghani/seoclientmanager-sub000/llm"
	"github.com/vrijsinghani/seoclientmanager-sub000/llm/factory"
)

// Default tunables applied when the agent config leaves them zero.
const (
	defaultMaxIterations = 15
	defaultMaxRetries    = 2
	retryBackoff         = 500 * time.Millisecond
)

// StepEvent is one observable phase of an agent's work on a task.
type StepEvent struct {
	Step     crew.StepContext
	StageID  string
	Type     crew.StageType
	Status   crew.StageStatus
	Title    string
	Content  string
	Metadata crew.JSONMap
}

// StepObserver receives step events. Implementations must be safe for
// concurrent use; parallel strategies dispatch from multiple goroutines.
type StepObserver interface {
	OnStep(ctx context.Context, ev StepEvent)
}

// InputRequester blocks for an out-of-band human response.
// *humaninput.Gate satisfies it.
type InputRequester interface {
	Request(ctx context.Context, executionID, prompt, agentRole string) (string, error)
}

// Deps are the shared services agents are built against.
type Deps struct {
	LLM      *factory.Factory
	Tools    *tools.Registry
	Observer StepObserver
	Input    InputRequester
	Logger   *zap.Logger
}

// BuildAgents resolves configs into runtime agents bound to executionID.
func BuildAgents(ctx context.Context, configs []crew.AgentConfig, executionID string, deps Deps) ([]*RuntimeAgent, error) {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(
		zap.String("component", "agent_builder"),
		zap.String("execution_id", executionID),
	)

	built := make([]*RuntimeAgent, 0, len(configs))
	for _, cfg := range configs {
		agent, err := buildOne(ctx, cfg, executionID, deps, logger)
		if err != nil {
			logger.Warn("skipping agent",
				zap.String("role", cfg.Role), zap.Error(err))
			continue
		}
		built = append(built, agent)
	}

	if len(built) == 0 {
		return nil, fmt.Errorf("execution %s: %w", executionID, crew.ErrNoAgentsAvailable)
	}
	return built, nil
}

func buildOne(ctx context.Context, cfg crew.AgentConfig, executionID string, deps Deps, logger *zap.Logger) (*RuntimeAgent, error) {
	if cfg.Role == "" {
		return nil, fmt.Errorf("agent config has no role")
	}

	provider, model, err := deps.LLM.Resolve(cfg.LLM)
	if err != nil {
		return nil, fmt.Errorf("resolve llm %q: %w", cfg.LLM, err)
	}

	agent := &RuntimeAgent{
		config:      cfg,
		executionID: executionID,
		provider:    provider,
		model:       model,
		observer:    deps.Observer,
		input:       deps.Input,
		logger: logger.With(
			zap.String("component", "runtime_agent"),
			zap.String("role", cfg.Role),
		),
	}

	if cfg.FunctionCallingLLM != "" {
		fcProvider, fcModel, err := deps.LLM.Resolve(cfg.FunctionCallingLLM)
		if err != nil {
			// Degrade to the primary model rather than losing the agent.
			logger.Warn("function-calling llm unavailable, using primary",
				zap.String("role", cfg.Role), zap.Error(err))
		} else {
			agent.fcProvider = fcProvider
			agent.fcModel = fcModel
		}
	}

	if deps.Tools != nil && len(cfg.Tools) > 0 {
		agent.tools = deps.Tools.ResolveAll(ctx, cfg.Tools)
	}

	if cfg.MaxRPM > 0 {
		agent.limiter = rate.NewLimiter(rate.Limit(float64(cfg.MaxRPM)/60.0), 1)
	}

	return agent, nil
}

// toolSchemas collects the declared schemas of a tool set.
func toolSchemas(set []tools.Invocable) []llm.ToolSchema {
	if len(set) == 0 {
		return nil
	}
	out := make([]llm.ToolSchema, 0, len(set))
	for _, t := range set {
		out = append(out, t.Schema())
	}
	return out
}
