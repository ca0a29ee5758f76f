// Package tools resolves agent tool bindings into invocable implementations.
//
// The registry maps (class, subclass) keys to factories. Resolution is
// type-checked: a factory that returns something not satisfying Invocable
// yields a *crew.ToolLoadError, never a panic at call time. Tool failures
// are non-fatal to agent construction; callers skip the broken binding and
// keep the rest.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/vrijsinghani/seoclientmanager-sub000/crew"
	"github.com/vrijsinghani/seoclientmanager-sub000/llm"
)

// Result is the outcome of one tool invocation. Final short-circuits the
// agent's reasoning loop: the raw output becomes the task result as-is.
type Result struct {
	Raw      string         `json:"raw"`
	Final    bool           `json:"final,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Invocable is the contract every resolved tool satisfies.
type Invocable interface {
	Name() string
	Description() string
	Schema() llm.ToolSchema
	Invoke(ctx context.Context, args json.RawMessage) (Result, error)
}

// AsyncInvocable is optionally implemented by tools that prefer detached
// execution. When present, InvokeAsync is used instead of Invoke.
type AsyncInvocable interface {
	Invocable
	InvokeAsync(ctx context.Context, args json.RawMessage) (<-chan Result, <-chan error)
}

// Factory builds a tool instance for one agent binding.
type Factory func(ctx context.Context) (Invocable, error)

// Registry maps (class, subclass) keys to tool factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
	logger    *zap.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		factories: make(map[string]Factory),
		logger:    logger.With(zap.String("component", "tool_registry")),
	}
}

func key(class, subclass string) string {
	return class + "/" + subclass
}

// Register adds a factory for a (class, subclass) key. Re-registering the
// same key replaces the previous factory.
func (r *Registry) Register(class, subclass string, factory Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[key(class, subclass)] = factory
	r.logger.Debug("tool factory registered",
		zap.String("class", class), zap.String("subclass", subclass))
}

// Has reports whether a binding can be resolved.
func (r *Registry) Has(class, subclass string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.factories[key(class, subclass)]
	return ok
}

// Resolve builds the tool for one binding. Unknown keys and factory
// failures return *crew.ToolLoadError. Resolution is idempotent: the same
// binding resolves to an equivalent instance every time.
func (r *Registry) Resolve(ctx context.Context, binding crew.ToolBinding) (Invocable, error) {
	r.mu.RLock()
	factory, ok := r.factories[key(binding.Class, binding.Subclass)]
	r.mu.RUnlock()

	if !ok {
		return nil, &crew.ToolLoadError{
			Class:    binding.Class,
			Subclass: binding.Subclass,
			Err:      fmt.Errorf("no factory registered"),
		}
	}

	tool, err := factory(ctx)
	if err != nil {
		return nil, &crew.ToolLoadError{
			Class:    binding.Class,
			Subclass: binding.Subclass,
			Err:      err,
		}
	}
	if tool == nil {
		return nil, &crew.ToolLoadError{
			Class:    binding.Class,
			Subclass: binding.Subclass,
			Err:      fmt.Errorf("factory returned nil implementation"),
		}
	}

	if binding.ForceOutputAsResult {
		tool = &forcedOutput{Invocable: tool}
	}
	return tool, nil
}

// ResolveAll resolves a set of bindings with partial-capability semantics:
// broken bindings are logged and skipped, not fatal. The returned slice
// preserves binding order.
func (r *Registry) ResolveAll(ctx context.Context, bindings []crew.ToolBinding) []Invocable {
	out := make([]Invocable, 0, len(bindings))
	for _, b := range bindings {
		tool, err := r.Resolve(ctx, b)
		if err != nil {
			r.logger.Warn("skipping unresolvable tool",
				zap.String("class", b.Class),
				zap.String("subclass", b.Subclass),
				zap.Error(err))
			continue
		}
		out = append(out, tool)
	}
	return out
}

// Keys lists the registered (class, subclass) keys, mainly for diagnostics.
func (r *Registry) Keys() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	keys := make([]string, 0, len(r.factories))
	for k := range r.factories {
		keys = append(keys, k)
	}
	return keys
}

// forcedOutput marks every result Final so the reasoning loop stops at the
// first invocation of this tool.
type forcedOutput struct {
	Invocable
}

func (f *forcedOutput) Invoke(ctx context.Context, args json.RawMessage) (Result, error) {
	res, err := f.Invocable.Invoke(ctx, args)
	if err != nil {
		return res, err
	}
	res.Final = true
	return res, nil
}
