package crew

import (
	"errors"
	"fmt"
)

var (
	// ErrNoAgentsAvailable is fatal: building produced zero runtime agents.
	ErrNoAgentsAvailable = errors.New("no agents available for execution")

	// ErrNoRunnableTasks is fatal: the task graph resolved to nothing runnable.
	ErrNoRunnableTasks = errors.New("no runnable tasks in crew")

	// ErrHumanInputTimeout is raised by the legacy short-wait input path when
	// no response arrives before the deadline. The long-wait path returns a
	// canned fallback string instead; see crew/humaninput.
	ErrHumanInputTimeout = errors.New("human input timed out")

	// ErrExecutionNotFound reports an unknown execution id.
	ErrExecutionNotFound = errors.New("execution not found")

	// ErrCrewNotFound reports an unknown crew id.
	ErrCrewNotFound = errors.New("crew not found")

	// ErrInvalidTransition reports a status change the state machine forbids.
	ErrInvalidTransition = errors.New("invalid execution status transition")
)

// ToolLoadError reports a tool implementation that could not be resolved or
// does not satisfy the invocation contract. Non-fatal to agent construction:
// the tool is skipped and the rest keep loading.
type ToolLoadError struct {
	Class    string
	Subclass string
	Err      error
}

func (e *ToolLoadError) Error() string {
	return fmt.Sprintf("tool load failed: %s/%s: %v", e.Class, e.Subclass, e.Err)
}

func (e *ToolLoadError) Unwrap() error { return e.Err }

// ExecutionError wraps a task/tool/LLM failure surfaced during a run. It is
// caught at the engine's outermost boundary, persisted onto the execution,
// and re-raised to the scheduler.
type ExecutionError struct {
	ExecutionID string
	TaskID      string
	Err         error
}

func (e *ExecutionError) Error() string {
	if e.TaskID != "" {
		return fmt.Sprintf("execution %s: task %s: %v", e.ExecutionID, e.TaskID, e.Err)
	}
	return fmt.Sprintf("execution %s: %v", e.ExecutionID, e.Err)
}

func (e *ExecutionError) Unwrap() error { return e.Err }
