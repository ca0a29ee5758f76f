package agents

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/vrijsinghani/seoclientmanager-sub000/crew"
	"github.com/vrijsinghani/seoclientmanager-sub000/crew/tools"
	"github.com/vrijsinghani/seoclientmanager-sub000/llm"
)

// TaskInput is one unit of work handed to an agent by the engine.
type TaskInput struct {
	Step           crew.StepContext
	Description    string
	ExpectedOutput string

	// Context carries the folded outputs of prerequisite tasks.
	Context string

	// Tools, when non-empty, replaces the agent's own tool set for this
	// task (lazy task-level binding).
	Tools []tools.Invocable

	HumanInput bool
	OutputFile string
}

// TaskResult is what an agent produced for one TaskInput.
type TaskResult struct {
	Raw   string
	Usage crew.TokenUsage
}

// RuntimeAgent is one built agent bound to an execution.
type RuntimeAgent struct {
	config      crew.AgentConfig
	executionID string

	provider llm.Provider
	model    string

	// fcProvider, when set, handles turns that declare tools.
	fcProvider llm.Provider
	fcModel    string

	tools    []tools.Invocable
	limiter  *rate.Limiter
	observer StepObserver
	input    InputRequester
	logger   *zap.Logger
}

// Role returns the agent's configured role name.
func (a *RuntimeAgent) Role() string { return a.config.Role }

// Config returns the agent's source configuration.
func (a *RuntimeAgent) Config() crew.AgentConfig { return a.config }

// Execute runs the reasoning loop for one task.
func (a *RuntimeAgent) Execute(ctx context.Context, in TaskInput) (*TaskResult, error) {
	if a.config.MaxExecutionTime > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.config.MaxExecutionTime)
		defer cancel()
	}

	taskTools := a.tools
	if len(in.Tools) > 0 {
		taskTools = in.Tools
	}

	maxIter := a.config.MaxIterations
	if maxIter <= 0 {
		maxIter = defaultMaxIterations
	}

	messages := a.seedMessages(in)
	result := &TaskResult{}
	askedHuman := false

	for iter := 0; iter < maxIter; iter++ {
		resp, err := a.complete(ctx, messages, taskTools, in.Step)
		if err != nil {
			return nil, fmt.Errorf("agent %s: %w", a.config.Role, err)
		}
		a.accumulateUsage(result, resp, messages)

		if len(resp.Choices) == 0 {
			return nil, fmt.Errorf("agent %s: empty response from %s", a.config.Role, a.provider.Name())
		}
		msg := resp.Choices[0].Message
		messages = append(messages, msg)

		if len(msg.ToolCalls) > 0 {
			final, toolMsgs, err := a.runTools(ctx, msg.ToolCalls, taskTools, in.Step)
			if err != nil {
				return nil, err
			}
			if final != nil {
				result.Raw = final.Raw
				return result, nil
			}
			messages = append(messages, toolMsgs...)
			continue
		}

		answer := strings.TrimSpace(msg.Content)
		if answer == "" {
			continue
		}

		if in.HumanInput && !askedHuman && a.input != nil {
			askedHuman = true
			feedback, err := a.requestHumanInput(ctx, in, answer)
			if err != nil {
				return nil, err
			}
			messages = append(messages, llm.Message{
				Role:    llm.RoleUser,
				Content: "Human feedback on your draft:\n" + feedback + "\n\nRevise your answer accordingly and give the final version.",
			})
			continue
		}

		result.Raw = answer
		return result, nil
	}

	return nil, fmt.Errorf("agent %s: no final answer after %d iterations", a.config.Role, maxIter)
}

func (a *RuntimeAgent) seedMessages(in TaskInput) []llm.Message {
	var sys strings.Builder
	fmt.Fprintf(&sys, "You are %s.", a.config.Role)
	if a.config.Goal != "" {
		fmt.Fprintf(&sys, "\nYour goal: %s", a.config.Goal)
	}
	if a.config.Backstory != "" {
		fmt.Fprintf(&sys, "\nBackground: %s", a.config.Backstory)
	}
	if in.ExpectedOutput != "" {
		fmt.Fprintf(&sys, "\nExpected output: %s", in.ExpectedOutput)
	}

	var user strings.Builder
	user.WriteString(in.Description)
	if in.Context != "" {
		fmt.Fprintf(&user, "\n\nContext from previous tasks:\n%s", in.Context)
	}

	return []llm.Message{
		{Role: llm.RoleSystem, Content: sys.String()},
		{Role: llm.RoleUser, Content: user.String()},
	}
}

// complete issues one chat turn with rate limiting, retry budget, and a
// thinking stage around the call.
func (a *RuntimeAgent) complete(ctx context.Context, messages []llm.Message, taskTools []tools.Invocable, step crew.StepContext) (*llm.ChatResponse, error) {
	provider, model := a.provider, a.model
	schemas := toolSchemas(taskTools)
	if len(schemas) > 0 && a.fcProvider != nil {
		provider, model = a.fcProvider, a.fcModel
	}
	if len(schemas) > 0 && !provider.SupportsNativeFunctionCalling() {
		schemas = nil
	}

	stageID := a.observe(ctx, StepEvent{
		Step:   step,
		Type:   crew.StageThinking,
		Status: crew.StageInProgress,
		Title:  "Reasoning",
	})

	maxRetries := a.config.MaxRetryLimit
	if maxRetries <= 0 {
		maxRetries = defaultMaxRetries
	}

	var resp *llm.ChatResponse
	var err error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(retryBackoff * time.Duration(attempt)):
			}
		}
		if a.limiter != nil {
			if err := a.limiter.Wait(ctx); err != nil {
				return nil, err
			}
		}

		resp, err = provider.Completion(ctx, &llm.ChatRequest{
			Model:    model,
			Messages: messages,
			Tools:    schemas,
		})
		if err == nil {
			break
		}
		a.logger.Warn("llm call failed",
			zap.Int("attempt", attempt+1), zap.Error(err))
		if ctx.Err() != nil {
			break
		}
	}
	if err != nil {
		a.observe(ctx, StepEvent{
			Step: step, StageID: stageID,
			Type: crew.StageThinking, Status: crew.StageFailed,
			Title: "Reasoning", Content: err.Error(),
		})
		return nil, err
	}

	content := ""
	if len(resp.Choices) > 0 {
		content = snippet(resp.Choices[0].Message.Content)
	}
	a.observe(ctx, StepEvent{
		Step: step, StageID: stageID,
		Type: crew.StageThinking, Status: crew.StageCompleted,
		Title: "Reasoning", Content: content,
	})
	return resp, nil
}

// runTools dispatches every tool call of one turn. A Final result aborts
// the loop and becomes the task output.
func (a *RuntimeAgent) runTools(ctx context.Context, calls []llm.ToolCall, taskTools []tools.Invocable, step crew.StepContext) (*tools.Result, []llm.Message, error) {
	out := make([]llm.Message, 0, len(calls))
	for _, call := range calls {
		tool := findTool(taskTools, call.Name)

		stageID := a.observe(ctx, StepEvent{
			Step:   step,
			Type:   crew.StageToolUsage,
			Status: crew.StageInProgress,
			Title:  "Using " + call.Name,
		})

		if tool == nil {
			msg := fmt.Sprintf("tool %q is not available", call.Name)
			a.observe(ctx, StepEvent{
				Step: step, StageID: stageID,
				Type: crew.StageToolUsage, Status: crew.StageFailed,
				Title: "Using " + call.Name, Content: msg,
			})
			out = append(out, llm.Message{
				Role: llm.RoleTool, ToolCallID: call.ID, Name: call.Name, Content: msg,
			})
			continue
		}

		res, err := a.invoke(ctx, tool, call.Arguments)
		if err != nil {
			a.observe(ctx, StepEvent{
				Step: step, StageID: stageID,
				Type: crew.StageToolUsage, Status: crew.StageFailed,
				Title: "Using " + call.Name, Content: err.Error(),
			})
			// Tool errors go back to the model; it may recover or route
			// around the broken tool.
			out = append(out, llm.Message{
				Role: llm.RoleTool, ToolCallID: call.ID, Name: call.Name,
				Content: "tool error: " + err.Error(),
			})
			continue
		}

		a.observe(ctx, StepEvent{
			Step: step, StageID: stageID,
			Type: crew.StageToolUsage, Status: crew.StageCompleted,
			Title: "Using " + call.Name,
		})
		a.observe(ctx, StepEvent{
			Step:    step,
			Type:    crew.StageToolResult,
			Status:  crew.StageCompleted,
			Title:   call.Name + " result",
			Content: snippet(res.Raw),
		})

		if res.Final {
			return &res, nil, nil
		}
		out = append(out, llm.Message{
			Role: llm.RoleTool, ToolCallID: call.ID, Name: call.Name, Content: res.Raw,
		})
	}
	return nil, out, nil
}

func (a *RuntimeAgent) invoke(ctx context.Context, tool tools.Invocable, args json.RawMessage) (tools.Result, error) {
	if async, ok := tool.(tools.AsyncInvocable); ok {
		resCh, errCh := async.InvokeAsync(ctx, args)
		select {
		case <-ctx.Done():
			return tools.Result{}, ctx.Err()
		case err := <-errCh:
			return tools.Result{}, err
		case res := <-resCh:
			return res, nil
		}
	}
	return tool.Invoke(ctx, args)
}

func (a *RuntimeAgent) requestHumanInput(ctx context.Context, in TaskInput, draft string) (string, error) {
	prompt := fmt.Sprintf("Task: %s\n\nDraft answer:\n%s\n\nPlease review and reply with feedback or approval.",
		in.Description, draft)
	return a.input.Request(ctx, a.executionID, prompt, a.config.Role)
}

// accumulateUsage folds provider-reported token counts into the result,
// falling back to a tiktoken estimate when the provider reports nothing.
func (a *RuntimeAgent) accumulateUsage(result *TaskResult, resp *llm.ChatResponse, messages []llm.Message) {
	u := resp.Usage
	if u.TotalTokens == 0 && u.PromptTokens == 0 && u.CompletionTokens == 0 {
		tok := llm.NewTokenizer(a.model)
		if prompt, err := tok.CountMessages(messages); err == nil {
			u.PromptTokens = prompt
		}
		if len(resp.Choices) > 0 {
			if completion, err := tok.CountTokens(resp.Choices[0].Message.Content); err == nil {
				u.CompletionTokens = completion
			}
		}
		u.TotalTokens = u.PromptTokens + u.CompletionTokens
	}
	result.Usage.Add(crew.TokenUsage{
		PromptTokens:     u.PromptTokens,
		CompletionTokens: u.CompletionTokens,
		TotalTokens:      u.TotalTokens,
	})
}

// observe forwards a step event and returns its stage id for patching.
func (a *RuntimeAgent) observe(ctx context.Context, ev StepEvent) string {
	if ev.StageID == "" {
		ev.StageID = uuid.New().String()
	}
	if ev.Step.AgentRole == "" {
		ev.Step.AgentRole = a.config.Role
	}
	if a.observer != nil {
		a.observer.OnStep(ctx, ev)
	}
	return ev.StageID
}

func findTool(set []tools.Invocable, name string) tools.Invocable {
	for _, t := range set {
		if t.Name() == name {
			return t
		}
	}
	return nil
}

const snippetLimit = 2000

// snippet truncates at a rune boundary so stage content stays valid UTF-8.
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
