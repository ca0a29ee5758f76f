// Package factory maps persisted LLM binding strings to Provider
// constructors. Bindings look like "openai/gpt-4o" or "deepseek/deepseek-chat";
// the part before the first slash selects the backend, the remainder is the
// model passed on each request.
package factory

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/vrijsinghani/seoclientmanager-sub000/llm"
)

// BackendConfig is the per-backend configuration (keys, base URLs) the
// factory resolves bindings against.
type BackendConfig struct {
	APIKey  string        `json:"api_key" yaml:"api_key"`
	BaseURL string        `json:"base_url" yaml:"base_url"`
	Timeout time.Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`
}

// knownBaseURLs fills in the base URL for backends whose endpoint never
// changes, so config only has to carry an API key.
var knownBaseURLs = map[string]string{
	"openai":     "https://api.openai.com",
	"deepseek":   "https://api.deepseek.com",
	"openrouter": "https://openrouter.ai/api",
}

// Binding is a parsed LLM binding string.
type Binding struct {
	Backend string
	Model   string
}

// ParseBinding splits "backend/model" into its parts. A binding without a
// slash is treated as a bare model on the "openai" backend.
func ParseBinding(s string) (Binding, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Binding{}, fmt.Errorf("empty llm binding")
	}
	backend, model, found := strings.Cut(s, "/")
	if !found {
		return Binding{Backend: "openai", Model: s}, nil
	}
	if backend == "" || model == "" {
		return Binding{}, fmt.Errorf("malformed llm binding %q", s)
	}
	return Binding{Backend: backend, Model: model}, nil
}

// Factory resolves binding strings into Provider instances, caching one
// provider per backend.
type Factory struct {
	mu       sync.Mutex
	backends map[string]BackendConfig
	cache    map[string]llm.Provider
	logger   *zap.Logger
}

// New creates a factory over the configured backends.
func New(backends map[string]BackendConfig, logger *zap.Logger) *Factory {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Factory{
		backends: backends,
		cache:    make(map[string]llm.Provider),
		logger:   logger.With(zap.String("component", "llm_factory")),
	}
}

// Resolve returns the provider and model for a binding string.
func (f *Factory) Resolve(binding string) (llm.Provider, string, error) {
	b, err := ParseBinding(binding)
	if err != nil {
		return nil, "", err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if p, ok := f.cache[b.Backend]; ok {
		return p, b.Model, nil
	}

	cfg, ok := f.backends[b.Backend]
	if !ok {
		return nil, "", fmt.Errorf("unknown llm backend %q", b.Backend)
	}
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = knownBaseURLs[b.Backend]
	}
	if baseURL == "" {
		return nil, "", fmt.Errorf("llm backend %q has no base url", b.Backend)
	}

	p := llm.NewOpenAICompat(llm.OpenAICompatConfig{
		ProviderName: b.Backend,
		APIKey:       cfg.APIKey,
		BaseURL:      baseURL,
		DefaultModel: b.Model,
		Timeout:      cfg.Timeout,
	}, f.logger)
	f.cache[b.Backend] = p

	f.logger.Info("llm backend initialized", zap.String("backend", b.Backend))
	return p, b.Model, nil
}

// Register installs a pre-built provider under a backend name. Tests use
// this to inject mocks; production wiring can use it for custom gateways.
func (f *Factory) Register(backend string, p llm.Provider) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cache[backend] = p
}
