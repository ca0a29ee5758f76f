package broadcast

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"go.uber.org/zap"
)

const wsWriteTimeout = 10 * time.Second

// WSHandler serves hub topics over WebSocket.
type WSHandler struct {
	hub    *Hub
	logger *zap.Logger
}

// NewWSHandler builds the adapter.
func NewWSHandler(hub *Hub, logger *zap.Logger) *WSHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WSHandler{
		hub:    hub,
		logger: logger.With(zap.String("component", "broadcast_ws")),
	}
}

// ServeTopic upgrades the request and streams the topic until either side
// disconnects.
func (h *WSHandler) ServeTopic(w http.ResponseWriter, r *http.Request, topic string) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		h.logger.Debug("websocket accept failed", zap.Error(err))
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	frames, unsubscribe := h.hub.Subscribe(topic)
	defer unsubscribe()

	h.logger.Debug("subscriber connected", zap.String("topic", topic))

	// Read pump: inbound control frames. Terminates ctx on disconnect.
	go h.readLoop(ctx, cancel, conn)

	for {
		select {
		case <-ctx.Done():
			return
		case frame, ok := <-frames:
			if !ok {
				conn.Close(websocket.StatusGoingAway, "hub closed")
				return
			}
			if err := writeFrame(ctx, conn, frame); err != nil {
				h.logger.Debug("write failed, dropping subscriber",
					zap.String("topic", topic), zap.Error(err))
				return
			}
		}
	}
}

// readLoop handles inbound messages: ping gets a pong, malformed JSON gets
// an error frame back to this consumer only, anything else is ignored.
func (h *WSHandler) readLoop(ctx context.Context, cancel context.CancelFunc, conn *websocket.Conn) {
	defer cancel()
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}

		var in Frame
		if err := json.Unmarshal(data, &in); err != nil {
			out, _ := json.Marshal(Frame{Type: FrameTypeError, Error: "malformed frame"})
			if werr := writeFrame(ctx, conn, out); werr != nil {
				return
			}
			continue
		}

		switch in.Type {
		case FrameTypePing:
			out, _ := json.Marshal(Frame{Type: FrameTypePong})
			if werr := writeFrame(ctx, conn, out); werr != nil {
				return
			}
		default:
			// Unknown frame types are ignored.
		}
	}
}

func writeFrame(ctx context.Context, conn *websocket.Conn, frame []byte) error {
	wctx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	return conn.Write(wctx, websocket.MessageText, frame)
}
