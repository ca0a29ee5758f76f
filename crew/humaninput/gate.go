// Package humaninput implements the rendezvous between a waiting execution
// and an out-of-band human response.
//
// The gate parks the run in WAITING_FOR_HUMAN_INPUT, writes the request to
// the shared KV store, and polls for the response slot. Two wait policies
// coexist:
//
//   - Request: 1h window. Expiry resumes the run with a canned fallback
//     answer so long jobs survive an absent operator.
//   - RequestLegacy: 5m window with a prompt-derived key. Expiry raises
//     crew.ErrHumanInputTimeout and the run fails.
//
// The split is deliberate; callers choose per task which contract they
// need.
package humaninput

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/vrijsinghani/seoclientmanager-sub000/crew"
	"github.com/vrijsinghani/seoclientmanager-sub000/crew/store"
	"github.com/vrijsinghani/seoclientmanager-sub000/internal/cache"
	"github.com/vrijsinghani/seoclientmanager-sub000/internal/metrics"
)

// DefaultFallback is returned by the long-wait path when the window expires
// with no response.
const DefaultFallback = "No human input was provided in time. Proceed with your best judgment."

// KV is the slice of the cache manager the gate needs.
type KV interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error
	SetJSON(ctx context.Context, key string, value any, ttl time.Duration) error
	GetJSON(ctx context.Context, key string, out any) error
}

var _ KV = (*cache.Manager)(nil)

// Config tunes the gate's wait windows.
type Config struct {
	LongWaitTTL  time.Duration `yaml:"long_wait_ttl" json:"long_wait_ttl"`
	LegacyTTL    time.Duration `yaml:"legacy_ttl" json:"legacy_ttl"`
	PollInterval time.Duration `yaml:"poll_interval" json:"poll_interval"`
	Fallback     string        `yaml:"fallback" json:"fallback"`
}

// DefaultConfig returns the production wait windows.
func DefaultConfig() Config {
	return Config{
		LongWaitTTL:  time.Hour,
		LegacyTTL:    5 * time.Minute,
		PollInterval: time.Second,
		Fallback:     DefaultFallback,
	}
}

// Gate coordinates human-input requests for executions.
type Gate struct {
	kv      KV
	store   store.ExecutionStore
	config  Config
	metrics *metrics.Collector
	logger  *zap.Logger
}

// NewGate builds a gate. metrics may be nil.
func NewGate(kv KV, st store.ExecutionStore, config Config, collector *metrics.Collector, logger *zap.Logger) *Gate {
	if config.LongWaitTTL <= 0 {
		config.LongWaitTTL = time.Hour
	}
	if config.LegacyTTL <= 0 {
		config.LegacyTTL = 5 * time.Minute
	}
	if config.PollInterval <= 0 {
		config.PollInterval = time.Second
	}
	if config.Fallback == "" {
		config.Fallback = DefaultFallback
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Gate{
		kv:      kv,
		store:   st,
		config:  config,
		metrics: collector,
		logger:  logger.With(zap.String("component", "human_input_gate")),
	}
}

func requestKey(executionID string) string {
	return "human_input_request:" + executionID
}

func legacyRequestKey(executionID, prompt string) string {
	sum := sha256.Sum256([]byte(prompt))
	return "human_input_request:" + executionID + ":" + hex.EncodeToString(sum[:8])
}

func responseKey(reqKey string) string {
	return reqKey + "_response"
}

func historyKey(executionID string) string {
	return "human_input_history:" + executionID
}

// Exchange records the outcome of one request/response round trip.
type Exchange struct {
	Key        string    `json:"key"`
	Prompt     string    `json:"prompt"`
	AgentRole  string    `json:"agent_role,omitempty"`
	Response   string    `json:"response"`
	Outcome    string    `json:"outcome"`
	AskedAt    time.Time `json:"asked_at"`
	AnsweredAt time.Time `json:"answered_at"`
}

// LastExchange returns the most recent exchange for the execution, or a
// key-miss error when none was recorded within the retention window.
func (g *Gate) LastExchange(ctx context.Context, executionID string) (*Exchange, error) {
	var ex Exchange
	if err := g.kv.GetJSON(ctx, historyKey(executionID), &ex); err != nil {
		return nil, err
	}
	return &ex, nil
}

func (g *Gate) recordExchange(ctx context.Context, executionID string, stage *crew.ExecutionStage, reqKey, response, outcome string, started time.Time) {
	ex := Exchange{
		Key:        reqKey,
		Prompt:     stage.Content,
		AgentRole:  stage.AgentRole,
		Response:   response,
		Outcome:    outcome,
		AskedAt:    started,
		AnsweredAt: time.Now(),
	}
	if err := g.kv.SetJSON(ctx, historyKey(executionID), ex, g.config.LongWaitTTL); err != nil {
		g.logger.Warn("failed to record input exchange",
			zap.String("execution_id", executionID), zap.Error(err))
	}
}

// Request parks the execution and waits up to the long TTL for a response.
// Expiry resumes the run with the configured fallback string and a nil
// error.
func (g *Gate) Request(ctx context.Context, executionID, prompt, agentRole string) (string, error) {
	return g.wait(ctx, executionID, prompt, agentRole, requestKey(executionID), g.config.LongWaitTTL, false)
}

// RequestLegacy uses the short window and the prompt-derived key. Expiry
// returns crew.ErrHumanInputTimeout.
func (g *Gate) RequestLegacy(ctx context.Context, executionID, prompt, agentRole string) (string, error) {
	return g.wait(ctx, executionID, prompt, agentRole, legacyRequestKey(executionID, prompt), g.config.LegacyTTL, true)
}

func (g *Gate) wait(ctx context.Context, executionID, prompt, agentRole, reqKey string, ttl time.Duration, raiseOnTimeout bool) (string, error) {
	started := time.Now()

	req := crew.HumanInputRequest{
		Key:       reqKey,
		Prompt:    prompt,
		AgentRole: agentRole,
		AskedAt:   started,
	}
	if _, err := g.store.TransitionStatus(ctx, executionID, crew.StatusWaitingForHumanInput, store.StatusUpdate{
		HumanInputRequest: &req,
	}); err != nil {
		return "", fmt.Errorf("park execution: %w", err)
	}

	stage := &crew.ExecutionStage{
		ID:          uuid.New().String(),
		ExecutionID: executionID,
		Type:        crew.StageHumanInput,
		Status:      crew.StageInProgress,
		Title:       "Waiting for human input",
		Content:     prompt,
		AgentRole:   agentRole,
	}
	if err := g.store.UpsertStage(ctx, stage); err != nil {
		g.logger.Warn("failed to persist human_input stage",
			zap.String("execution_id", executionID), zap.Error(err))
	}

	if err := g.kv.Set(ctx, reqKey, prompt, ttl); err != nil {
		return "", fmt.Errorf("publish input request: %w", err)
	}

	g.logger.Info("waiting for human input",
		zap.String("execution_id", executionID),
		zap.String("key", reqKey),
		zap.Duration("ttl", ttl))

	deadline := started.Add(ttl)
	ticker := time.NewTicker(g.config.PollInterval)
	defer ticker.Stop()

	respKey := responseKey(reqKey)
	for {
		select {
		case <-ctx.Done():
			g.kv.Delete(context.WithoutCancel(ctx), reqKey, respKey)
			return "", ctx.Err()
		case now := <-ticker.C:
			text, err := g.kv.Get(ctx, respKey)
			if err == nil {
				return g.consume(ctx, executionID, stage, reqKey, respKey, text, started)
			}
			if !cache.IsKeyMiss(err) {
				g.logger.Warn("poll failed", zap.String("key", respKey), zap.Error(err))
			}
			if now.After(deadline) {
				return g.timeout(ctx, executionID, stage, reqKey, raiseOnTimeout, started)
			}
		}
	}
}

func (g *Gate) consume(ctx context.Context, executionID string, stage *crew.ExecutionStage, reqKey, respKey, text string, started time.Time) (string, error) {
	if err := g.kv.Delete(ctx, reqKey, respKey); err != nil {
		g.logger.Warn("failed to clear input keys", zap.Error(err))
	}
	g.recordExchange(ctx, executionID, stage, reqKey, text, "answered", started)

	if _, err := g.store.TransitionStatus(ctx, executionID, crew.StatusRunning, store.StatusUpdate{
		HumanInputResponse:     &text,
		ClearHumanInputRequest: true,
	}); err != nil {
		return "", fmt.Errorf("resume execution: %w", err)
	}

	stage.Status = crew.StageCompleted
	stage.Content = text
	if err := g.store.UpsertStage(ctx, stage); err != nil {
		g.logger.Warn("failed to complete human_input stage", zap.Error(err))
	}

	if g.metrics != nil {
		g.metrics.HumanInputRequest("answered", time.Since(started))
	}
	g.logger.Info("human input received",
		zap.String("execution_id", executionID),
		zap.Duration("waited", time.Since(started)))
	return text, nil
}

func (g *Gate) timeout(ctx context.Context, executionID string, stage *crew.ExecutionStage, reqKey string, raise bool, started time.Time) (string, error) {
	g.kv.Delete(ctx, reqKey, responseKey(reqKey))

	if raise {
		stage.Status = crew.StageFailed
		stage.Content = "no response before deadline"
		if err := g.store.UpsertStage(ctx, stage); err != nil {
			g.logger.Warn("failed to fail human_input stage", zap.Error(err))
		}
		if g.metrics != nil {
			g.metrics.HumanInputRequest("timeout", time.Since(started))
		}
		return "", fmt.Errorf("execution %s: %w", executionID, crew.ErrHumanInputTimeout)
	}

	fallback := g.config.Fallback
	g.recordExchange(ctx, executionID, stage, reqKey, fallback, "fallback", started)
	if _, err := g.store.TransitionStatus(ctx, executionID, crew.StatusRunning, store.StatusUpdate{
		HumanInputResponse:     &fallback,
		ClearHumanInputRequest: true,
	}); err != nil {
		return "", fmt.Errorf("resume execution after timeout: %w", err)
	}

	stage.Status = crew.StageCompleted
	stage.Content = fallback
	if err := g.store.UpsertStage(ctx, stage); err != nil {
		g.logger.Warn("failed to complete human_input stage", zap.Error(err))
	}

	if g.metrics != nil {
		g.metrics.HumanInputRequest("fallback", time.Since(started))
	}
	g.logger.Warn("human input window expired, using fallback",
		zap.String("execution_id", executionID))
	return fallback, nil
}

// SubmitResponse writes the response slot for a pending request. With an
// empty key the pending request's own key is used. Submitting against an
// execution with no pending request is a logged no-op.
func (g *Gate) SubmitResponse(ctx context.Context, executionID, key, text string) error {
	exec, err := g.store.GetExecution(ctx, executionID)
	if err != nil {
		return err
	}
	if exec.HumanInputRequest == nil {
		g.logger.Warn("response submitted with no pending request",
			zap.String("execution_id", executionID))
		return nil
	}
	if key == "" {
		key = exec.HumanInputRequest.Key
	}
	if key != exec.HumanInputRequest.Key {
		g.logger.Warn("response submitted for stale request key",
			zap.String("execution_id", executionID),
			zap.String("key", key))
		return nil
	}

	// TTL bounds the orphan window if the waiter died between poll cycles.
	if err := g.kv.Set(ctx, responseKey(key), text, g.config.LongWaitTTL); err != nil {
		return fmt.Errorf("write input response: %w", err)
	}
	g.logger.Info("human input response submitted",
		zap.String("execution_id", executionID))
	return nil
}
