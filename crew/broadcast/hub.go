package broadcast

import (
	"sync"

	"go.uber.org/zap"
)

const defaultSubscriberBuffer = 64

// Hub routes published frames to in-process topic subscribers. Slow
// subscribers are skipped, not waited on: a full channel drops the frame
// for that subscriber only.
type Hub struct {
	mu     sync.RWMutex
	topics map[string]map[int]chan []byte
	nextID int
	closed bool
	buffer int
	logger *zap.Logger
}

// NewHub creates an empty hub.
func NewHub(logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		topics: make(map[string]map[int]chan []byte),
		buffer: defaultSubscriberBuffer,
		logger: logger.With(zap.String("component", "broadcast_hub")),
	}
}

// Subscribe registers a new consumer on topic. The returned cancel func is
// idempotent and closes the channel.
func (h *Hub) Subscribe(topic string) (<-chan []byte, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	ch := make(chan []byte, h.buffer)
	if h.closed {
		close(ch)
		return ch, func() {}
	}

	id := h.nextID
	h.nextID++
	if h.topics[topic] == nil {
		h.topics[topic] = make(map[int]chan []byte)
	}
	h.topics[topic][id] = ch

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			if subs, ok := h.topics[topic]; ok {
				if _, ok := subs[id]; ok {
					delete(subs, id)
					close(ch)
					if len(subs) == 0 {
						delete(h.topics, topic)
					}
				}
			}
		})
	}
	return ch, cancel
}

// Publish delivers payload to every subscriber of topic. Returns the number
// of subscribers that received it.
func (h *Hub) Publish(topic string, payload []byte) int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if h.closed {
		return 0
	}

	delivered := 0
	for _, ch := range h.topics[topic] {
		select {
		case ch <- payload:
			delivered++
		default:
			h.logger.Debug("dropping frame for slow subscriber",
				zap.String("topic", topic))
		}
	}
	return delivered
}

// SubscriberCount reports active subscribers on topic.
func (h *Hub) SubscriberCount(topic string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.topics[topic])
}

// Close shuts every subscriber channel.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for topic, subs := range h.topics {
		for id, ch := range subs {
			close(ch)
			delete(subs, id)
		}
		delete(h.topics, topic)
	}
}
