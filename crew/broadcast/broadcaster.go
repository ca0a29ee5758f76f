package broadcast

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/vrijsinghani/seoclientmanager-sub000/crew"
	"github.com/vrijsinghani/seoclientmanager-sub000/crew/store"
	"github.com/vrijsinghani/seoclientmanager-sub000/internal/metrics"
)

// Config tunes push retry behavior.
type Config struct {
	MaxPushRetries int           `yaml:"max_push_retries" json:"max_push_retries"`
	RetryBackoff   time.Duration `yaml:"retry_backoff" json:"retry_backoff"`
}

// DefaultConfig returns the production push policy.
func DefaultConfig() Config {
	return Config{
		MaxPushRetries: 3,
		RetryBackoff:   100 * time.Millisecond,
	}
}

// Broadcaster persists stage events and pushes them to hub subscribers.
// One broadcaster instance is shared; the engine guarantees a single
// writer per execution so the stage log stays ordered.
type Broadcaster struct {
	store   store.ExecutionStore
	hub     *Hub
	config  Config
	metrics *metrics.Collector
	logger  *zap.Logger
}

// NewBroadcaster wires the broadcaster. metrics may be nil.
func NewBroadcaster(st store.ExecutionStore, hub *Hub, config Config, collector *metrics.Collector, logger *zap.Logger) *Broadcaster {
	if config.MaxPushRetries <= 0 {
		config.MaxPushRetries = 3
	}
	if config.RetryBackoff <= 0 {
		config.RetryBackoff = 100 * time.Millisecond
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Broadcaster{
		store:   st,
		hub:     hub,
		config:  config,
		metrics: collector,
		logger:  logger.With(zap.String("component", "broadcaster")),
	}
}

// Hub exposes the underlying hub for subscriber wiring.
func (b *Broadcaster) Hub() *Hub { return b.hub }

// Emit persists the stage row and pushes the frame. The returned error
// reflects persistence only; push failures are retried then dropped.
// A stale status patch is treated as already-delivered and skipped.
func (b *Broadcaster) Emit(ctx context.Context, ev Event) error {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	if ev.StageID == "" {
		ev.StageID = uuid.New().String()
	}
	if ev.Status == "" {
		ev.Status = crew.StageInProgress
	}

	stage := ev.Stage()
	if err := b.store.UpsertStage(ctx, stage); err != nil {
		if errors.Is(err, store.ErrStaleStagePatch) {
			b.logger.Debug("skipping stale stage patch",
				zap.String("execution_id", ev.ExecutionID),
				zap.String("stage_id", ev.StageID))
			return nil
		}
		return err
	}

	if b.metrics != nil {
		b.metrics.StageEmitted(string(ev.Type))
	}

	// Push after persist; a dead hub must not lose the audit row.
	b.push(ctx, &ev)
	return nil
}

func (b *Broadcaster) push(ctx context.Context, ev *Event) {
	frame, err := encodeFrame(ev)
	if err != nil {
		b.logger.Error("failed to encode frame", zap.Error(err))
		return
	}

	topics := []string{ExecutionTopic(ev.ExecutionID)}
	if ev.CrewID != "" {
		topics = append(topics, BoardTopic(ev.CrewID))
	}

	for _, topic := range topics {
		b.pushTopic(ctx, topic, frame)
	}
}

// pushTopic retries delivery while the topic has subscribers that all
// dropped the frame, then gives up. No subscribers counts as success:
// live consumers are optional.
func (b *Broadcaster) pushTopic(ctx context.Context, topic string, frame []byte) {
	backoff := b.config.RetryBackoff
	for attempt := 0; attempt <= b.config.MaxPushRetries; attempt++ {
		if attempt > 0 {
			if b.metrics != nil {
				b.metrics.BroadcastRetry()
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff *= 2
		}

		subscribers := b.hub.SubscriberCount(topic)
		delivered := b.hub.Publish(topic, frame)
		if subscribers == 0 || delivered > 0 {
			if b.metrics != nil {
				b.metrics.BroadcastPush("ok")
			}
			return
		}
	}

	if b.metrics != nil {
		b.metrics.BroadcastPush("failed")
		b.metrics.BroadcastDrop()
	}
	b.logger.Warn("dropping frame after retries", zap.String("topic", topic))
}
