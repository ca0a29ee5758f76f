package config

import (
	"time"

	"github.com/vrijsinghani/seoclientmanager-sub000/crew/broadcast"
	"github.com/vrijsinghani/seoclientmanager-sub000/crew/engine"
	"github.com/vrijsinghani/seoclientmanager-sub000/crew/humaninput"
	"github.com/vrijsinghani/seoclientmanager-sub000/internal/cache"
	"github.com/vrijsinghani/seoclientmanager-sub000/internal/database"
	"github.com/vrijsinghani/seoclientmanager-sub000/internal/server"
	"github.com/vrijsinghani/seoclientmanager-sub000/internal/telemetry"
)

// DefaultConfig returns the development defaults: sqlite storage, local
// Redis, auth disabled. Deployments override through YAML or environment.
func DefaultConfig() *Config {
	return &Config{
		Server:     server.DefaultConfig(),
		Log:        DefaultLogConfig(),
		Database:   database.DefaultConfig(),
		Cache:      cache.DefaultConfig(),
		Telemetry:  telemetry.DefaultConfig(),
		Engine:     DefaultEngineConfig(),
		HumanInput: humaninput.DefaultConfig(),
		Broadcast:  broadcast.DefaultConfig(),
		Pool:       DefaultPoolConfig(),
		Auth: AuthConfig{
			Disabled: true,
		},
		API: APIConfig{
			RateLimitRPS:   50,
			RateLimitBurst: 100,
		},
		Metrics: MetricsConfig{
			Namespace: "seomanager",
		},
		CrewDir: "crews",
	}
}

// DefaultEngineConfig anchors task output files under ./media.
func DefaultEngineConfig() engine.Config {
	return engine.Config{
		MediaRoot:          "media",
		ForEachConcurrency: 8,
	}
}

// DefaultLogConfig returns structured JSON logging at info level.
func DefaultLogConfig() LogConfig {
	return LogConfig{
		Level:       "info",
		Format:      "json",
		OutputPaths: []string{"stdout"},
	}
}

// DefaultPoolConfig sizes the pool for long-blocked workers: most sit in
// LLM calls or human-input waits at any moment.
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		MaxWorkers:  64,
		QueueSize:   256,
		IdleTimeout: 60 * time.Second,
	}
}
