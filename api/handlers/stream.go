package handlers

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/vrijsinghani/seoclientmanager-sub000/crew/broadcast"
)

// StreamHandler serves the live progress WebSocket endpoints. Each connection
// subscribes to exactly one topic: an execution's detail stream or a crew's
// aggregate board stream.
type StreamHandler struct {
	ws *broadcast.WSHandler
}

// NewStreamHandler wires the handler onto the hub.
func NewStreamHandler(hub *broadcast.Hub, logger *zap.Logger) *StreamHandler {
	return &StreamHandler{ws: broadcast.NewWSHandler(hub, logger)}
}

// HandleExecutionStream upgrades to WebSocket on topic execution:{id}.
// GET /ws/executions/{id}
func (h *StreamHandler) HandleExecutionStream(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		WriteError(w, http.StatusBadRequest, CodeInvalidRequest, "execution id is required")
		return
	}
	h.ws.ServeTopic(w, r, broadcast.ExecutionTopic(id))
}

// HandleBoardStream upgrades to WebSocket on topic crew:{id}:board.
// GET /ws/crews/{id}/board
func (h *StreamHandler) HandleBoardStream(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		WriteError(w, http.StatusBadRequest, CodeInvalidRequest, "crew id is required")
		return
	}
	h.ws.ServeTopic(w, r, broadcast.BoardTopic(id))
}
