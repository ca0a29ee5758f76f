// Package mocks provides test doubles shared across package tests.
package mocks

import (
	"context"
	"sync"
	"time"

	"github.com/vrijsinghani/seoclientmanager-sub000/llm"
)

// Turn scripts one Completion result of the mock provider.
type Turn struct {
	Content   string
	ToolCalls []llm.ToolCall
	Usage     llm.ChatUsage
	Err       error
}

// Provider is a scripted llm.Provider. Each Completion call consumes the
// next Turn; when the script runs out the last turn repeats.
type Provider struct {
	mu    sync.Mutex
	turns []Turn
	calls []*llm.ChatRequest

	name            string
	functionCalling bool
	healthErr       error
}

var _ llm.Provider = (*Provider)(nil)

// NewProvider builds a mock with the given script.
func NewProvider(turns ...Turn) *Provider {
	return &Provider{
		turns:           turns,
		name:            "mock",
		functionCalling: true,
	}
}

// WithName overrides the provider name.
func (p *Provider) WithName(name string) *Provider {
	p.name = name
	return p
}

// WithFunctionCalling toggles native tool-call support.
func (p *Provider) WithFunctionCalling(enabled bool) *Provider {
	p.functionCalling = enabled
	return p
}

// WithHealthError makes HealthCheck report a failure.
func (p *Provider) WithHealthError(err error) *Provider {
	p.healthErr = err
	return p
}

// Append adds turns to the script.
func (p *Provider) Append(turns ...Turn) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.turns = append(p.turns, turns...)
}

// Calls returns every request seen so far.
func (p *Provider) Calls() []*llm.ChatRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*llm.ChatRequest, len(p.calls))
	copy(out, p.calls)
	return out
}

// CallCount returns how many Completion calls were made.
func (p *Provider) CallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.calls)
}

func (p *Provider) Completion(ctx context.Context, req *llm.ChatRequest) (*llm.ChatResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	p.mu.Lock()
	p.calls = append(p.calls, req)
	idx := len(p.calls) - 1
	if idx >= len(p.turns) {
		idx = len(p.turns) - 1
	}
	var turn Turn
	if idx >= 0 {
		turn = p.turns[idx]
	}
	p.mu.Unlock()

	if turn.Err != nil {
		return nil, turn.Err
	}

	finish := "stop"
	if len(turn.ToolCalls) > 0 {
		finish = "tool_calls"
	}
	return &llm.ChatResponse{
		Model:    req.Model,
		Provider: p.name,
		Choices: []llm.ChatChoice{{
			FinishReason: finish,
			Message: llm.Message{
				Role:      llm.RoleAssistant,
				Content:   turn.Content,
				ToolCalls: turn.ToolCalls,
			},
		}},
		Usage:     turn.Usage,
		CreatedAt: time.Now(),
	}, nil
}

func (p *Provider) HealthCheck(ctx context.Context) (*llm.HealthStatus, error) {
	if p.healthErr != nil {
		return &llm.HealthStatus{Healthy: false}, p.healthErr
	}
	return &llm.HealthStatus{Healthy: true}, nil
}

func (p *Provider) Name() string { return p.name }

func (p *Provider) SupportsNativeFunctionCalling() bool { return p.functionCalling }
