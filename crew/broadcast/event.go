// Package broadcast persists execution stage events and fans them out to
// live subscribers.
//
// Emit is the single entry point: it upserts the stage row first, then
// pushes the normalized frame to the execution topic and the crew board
// topic. Pushes are retried a bounded number of times and then dropped;
// a run never fails because nobody is listening.
package broadcast

import (
	"encoding/json"
	"time"

	"github.com/vrijsinghani/seoclientmanager-sub000/crew"
)

// Event is one progress notification, normalized for both persistence and
// the wire.
type Event struct {
	ExecutionID       string `json:"execution_id"`
	CrewID            string `json:"crew_id,omitempty"`
	CorrelationTaskID string `json:"correlation_task_id,omitempty"`

	// StageID pins patches to an existing stage row; empty means append.
	StageID string `json:"stage_id,omitempty"`

	Type   crew.StageType   `json:"stage_type"`
	Status crew.StageStatus `json:"status"`

	Title   string       `json:"title"`
	Content string       `json:"content,omitempty"`
	Agent   string       `json:"agent,omitempty"`
	Meta    crew.JSONMap `json:"metadata,omitempty"`

	Timestamp time.Time `json:"timestamp"`
}

// Stage converts the event to its persisted form.
func (e *Event) Stage() *crew.ExecutionStage {
	return &crew.ExecutionStage{
		ID:                e.StageID,
		ExecutionID:       e.ExecutionID,
		CorrelationTaskID: e.CorrelationTaskID,
		Type:              e.Type,
		Status:            e.Status,
		Title:             e.Title,
		Content:           e.Content,
		AgentRole:         e.Agent,
		Metadata:          e.Meta,
	}
}

// Frame is the wire envelope subscribers receive.
type Frame struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   string          `json:"error,omitempty"`
}

const (
	FrameTypeStage = "execution_stage"
	FrameTypeError = "error"
	FrameTypePing  = "ping"
	FrameTypePong  = "pong"
)

// encodeFrame wraps an event in its wire envelope.
func encodeFrame(ev *Event) ([]byte, error) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Frame{Type: FrameTypeStage, Payload: payload})
}

// ExecutionTopic names the per-run subscription channel.
func ExecutionTopic(executionID string) string {
	return "execution:" + executionID
}

// BoardTopic names the per-crew kanban board channel.
func BoardTopic(crewID string) string {
	return "crew:" + crewID + ":board"
}
