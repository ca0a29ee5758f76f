package crew

import (
	"encoding/json"
	"time"
)

// ExecutionStatus is the top-level state of one crew run.
type ExecutionStatus string

const (
	StatusPending              ExecutionStatus = "PENDING"
	StatusRunning              ExecutionStatus = "RUNNING"
	StatusWaitingForHumanInput ExecutionStatus = "WAITING_FOR_HUMAN_INPUT"
	StatusCompleted            ExecutionStatus = "COMPLETED"
	StatusFailed               ExecutionStatus = "FAILED"
	StatusCancelled            ExecutionStatus = "CANCELLED"
)

// IsTerminal reports whether no further transitions are allowed.
func (s ExecutionStatus) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// CanTransitionTo enforces the execution state machine:
// PENDING → RUNNING → COMPLETED, with RUNNING ⇄ WAITING_FOR_HUMAN_INPUT as a
// re-entrant sub-cycle and any non-terminal state → FAILED/CANCELLED.
// WAITING_FOR_HUMAN_INPUT never jumps directly to COMPLETED.
func (s ExecutionStatus) CanTransitionTo(next ExecutionStatus) bool {
	if s.IsTerminal() {
		return false
	}
	switch next {
	case StatusRunning:
		return s == StatusPending || s == StatusWaitingForHumanInput
	case StatusWaitingForHumanInput:
		return s == StatusRunning
	case StatusCompleted:
		return s == StatusRunning
	case StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// HumanInputRequest is the structured prompt persisted while an execution
// waits for external input.
type HumanInputRequest struct {
	Key       string    `json:"key"`
	Prompt    string    `json:"prompt"`
	AgentRole string    `json:"agent_role,omitempty"`
	AskedAt   time.Time `json:"asked_at"`
}

// Execution is one run instance of a crew. Mutated exclusively by the
// engine and the human-input gate; never deleted automatically.
type Execution struct {
	ID       string `json:"id" gorm:"primaryKey;size:64"`
	CrewID   string `json:"crew_id" gorm:"index;size:64"`
	UserID   string `json:"user_id" gorm:"index;size:64"`
	ClientID string `json:"client_id,omitempty" gorm:"index;size:64"`

	Status ExecutionStatus `json:"status" gorm:"index;size:32"`

	// Inputs is the parameter bag the run was triggered with. For foreach
	// processes the "inputs_array" entry carries the per-element payloads.
	Inputs JSONMap `json:"inputs,omitempty" gorm:"type:text;serializer:json"`

	Result string `json:"result,omitempty"`

	HumanInputRequest  *HumanInputRequest `json:"human_input_request,omitempty" gorm:"type:text;serializer:json"`
	HumanInputResponse string             `json:"human_input_response,omitempty"`

	ErrorMessage string `json:"error_message,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// JSONMap is a free-form parameter bag stored as serialized JSON.
type JSONMap map[string]any

// InputsArray extracts the per-element payloads for foreach processes.
// Returns nil when the inputs carry no array.
func (e *Execution) InputsArray() []map[string]any {
	raw, ok := e.Inputs["inputs_array"]
	if !ok {
		return nil
	}
	items, ok := raw.([]any)
	if !ok {
		return nil
	}
	out := make([]map[string]any, 0, len(items))
	for _, it := range items {
		if m, ok := it.(map[string]any); ok {
			out = append(out, m)
		}
	}
	return out
}

// StageType classifies one logged phase of an execution.
type StageType string

const (
	StageTaskStart  StageType = "task_start"
	StageThinking   StageType = "thinking"
	StageToolUsage  StageType = "tool_usage"
	StageToolResult StageType = "tool_results"
	StageHumanInput StageType = "human_input"
	StageCompletion StageType = "completion"
	StageError      StageType = "error"
)

// StageStatus is the per-stage progress marker.
type StageStatus string

const (
	StagePending    StageStatus = "pending"
	StageInProgress StageStatus = "in_progress"
	StageCompleted  StageStatus = "completed"
	StageFailed     StageStatus = "failed"
)

// rank orders stage statuses for the monotonic-patch invariant.
func (s StageStatus) rank() int {
	switch s {
	case StagePending:
		return 0
	case StageInProgress:
		return 1
	case StageCompleted, StageFailed:
		return 2
	default:
		return -1
	}
}

// CanPatchTo reports whether a stage status may advance to next. Statuses
// only move forward; a completed stage never reverts to in_progress.
func (s StageStatus) CanPatchTo(next StageStatus) bool {
	return next.rank() >= s.rank() && s.rank() < 2
}

// ExecutionStage is one row of the append-only stage log. Rows are never
// mutated after creation except status/content patches by the same logical
// step (e.g. completing a tool_usage stage when its result arrives).
type ExecutionStage struct {
	ID          string `json:"id" gorm:"primaryKey;size:64"`
	ExecutionID string `json:"execution_id" gorm:"index;size:64"`

	// CorrelationTaskID routes the stage to the right board column in
	// external consumers.
	CorrelationTaskID string `json:"correlation_task_id,omitempty" gorm:"index;size:64"`

	Type    StageType   `json:"stage_type" gorm:"size:32"`
	Status  StageStatus `json:"status" gorm:"size:32"`
	Title   string      `json:"title"`
	Content string      `json:"content,omitempty"`

	AgentRole string  `json:"agent,omitempty" gorm:"size:128"`
	Metadata  JSONMap `json:"metadata,omitempty" gorm:"type:text;serializer:json"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TokenUsage aggregates token counters across all LLM calls of a run.
type TokenUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Add folds another usage sample into the counters.
func (u *TokenUsage) Add(other TokenUsage) {
	u.PromptTokens += other.PromptTokens
	u.CompletionTokens += other.CompletionTokens
	u.TotalTokens += other.TotalTokens
}

// CrewOutput is the terminal artifact of a completed execution, one-to-one
// with its Execution and created only on successful completion.
type CrewOutput struct {
	ID          string `json:"id" gorm:"primaryKey;size:64"`
	ExecutionID string `json:"execution_id" gorm:"uniqueIndex;size:64"`

	Raw  string          `json:"raw"`
	JSON json.RawMessage `json:"json,omitempty" gorm:"type:text"`

	Usage TokenUsage `json:"token_usage" gorm:"embedded;embeddedPrefix:usage_"`

	CreatedAt time.Time `json:"created_at"`
}

// TaskOutput is the result of one task inside a run, folded into the
// context of subsequent tasks for linear processes.
type TaskOutput struct {
	TaskID      string          `json:"task_id"`
	Description string          `json:"description"`
	AgentRole   string          `json:"agent_role"`
	Raw         string          `json:"raw"`
	JSON        json.RawMessage `json:"json,omitempty"`
	Usage       TokenUsage      `json:"usage"`
}

// StepContext identifies the originating dispatch of an agent step. It is
// threaded explicitly through each task dispatch instead of being mutated
// on shared callback state, so concurrent tasks cannot race on it.
type StepContext struct {
	ExecutionID       string
	TaskIndex         int
	CorrelationTaskID string
	AgentRole         string
}
