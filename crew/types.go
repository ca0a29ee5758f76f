package crew

import (
	"time"
)

// ProcessType defines how a crew's tasks are scheduled.
type ProcessType string

const (
	ProcessSequential      ProcessType = "sequential"
	ProcessHierarchical    ProcessType = "hierarchical"
	ProcessParallelForEach ProcessType = "parallel_foreach"
	ProcessAsync           ProcessType = "async"
	ProcessAsyncForEach    ProcessType = "async_foreach"
)

// IsForEach reports whether the process fans the task graph out over an
// input array, one independent run per element.
func (p ProcessType) IsForEach() bool {
	return p == ProcessParallelForEach || p == ProcessAsyncForEach
}

// RequiresManager reports whether the process delegates through a manager
// agent. A crew with such a process must carry a ManagerAgent.
func (p ProcessType) RequiresManager() bool {
	return p == ProcessHierarchical
}

// ToolBinding binds a named tool implementation to an agent. When
// ForceOutputAsResult is set, the tool's raw output becomes the task's
// final result and no further reasoning happens on it.
type ToolBinding struct {
	Class              string `json:"class"`
	Subclass           string `json:"subclass"`
	ForceOutputAsResult bool  `json:"force_output_as_result,omitempty"`
}

// AgentConfig is the persisted configuration an agent is built from.
type AgentConfig struct {
	ID        string `json:"id"`
	Role      string `json:"role"`
	Goal      string `json:"goal"`
	Backstory string `json:"backstory,omitempty"`

	// LLM is the primary model binding ("provider/model"). FunctionCallingLLM
	// optionally names a separate model for tool-call turns.
	LLM                string `json:"llm"`
	FunctionCallingLLM string `json:"function_calling_llm,omitempty"`

	Tools []ToolBinding `json:"tools,omitempty"`

	MaxIterations    int           `json:"max_iterations,omitempty"`
	MaxRPM           int           `json:"max_rpm,omitempty"`
	MaxExecutionTime time.Duration `json:"max_execution_time,omitempty"`
	MaxRetryLimit    int           `json:"max_retry_limit,omitempty"`

	AllowDelegation    bool `json:"allow_delegation,omitempty"`
	AllowCodeExecution bool `json:"allow_code_execution,omitempty"`
}

// OutputDirectives shape a task's final result.
type OutputDirectives struct {
	// JSONSchemaName names a registered JSON schema the output must satisfy.
	JSONSchemaName string `json:"json_schema_name,omitempty"`
	// TypedName names a registered typed output class.
	TypedName string `json:"typed_name,omitempty"`
	// OutputFile is a file path template; the graph builder rewrites it with
	// the acting user's media root, the task correlation id, and a timestamp.
	OutputFile string `json:"output_file,omitempty"`
}

// TaskConfig is the persisted configuration of one task in a crew.
type TaskConfig struct {
	ID             string           `json:"id"`
	Description    string           `json:"description"`
	ExpectedOutput string           `json:"expected_output"`

	// AgentRole binds the task to an agent by role name. Binding is resolved
	// late, at graph-build time, so an agent can be substituted per run.
	AgentRole string `json:"agent_role"`

	Tools      []ToolBinding    `json:"tools,omitempty"`
	Async      bool             `json:"async_execution,omitempty"`
	HumanInput bool             `json:"human_input,omitempty"`
	Output     OutputDirectives `json:"output,omitempty"`

	// Context lists ids of tasks whose outputs feed this one. The field is
	// DAG-capable even though sequential rendering is linear.
	Context []string `json:"context,omitempty"`

	// Order is the externally controlled position in the crew's task list.
	Order int `json:"order"`
}

// Crew is a named team: ordered agents, ordered tasks, and a process
// strategy. Task order comes from the ordering join (TaskConfig.Order), not
// insertion order.
type Crew struct {
	ID          string             `json:"id"`
	Name        string             `json:"name"`
	Description string             `json:"description,omitempty"`
	Agents      []AgentConfig      `json:"agents"`
	Tasks       []TaskConfig       `json:"tasks"`
	Process     ProcessType        `json:"process"`

	// ManagerAgent must be present iff Process.RequiresManager().
	ManagerAgent *AgentConfig `json:"manager_agent,omitempty"`

	// RuntimeConfig carries free-form flags passed through to the runtime
	// (memory, caching, embedder, rpm limit).
	RuntimeConfig map[string]any `json:"runtime_config,omitempty"`
}

// Validate checks the structural invariants of a crew definition.
func (c *Crew) Validate() error {
	if c.Process.RequiresManager() && c.ManagerAgent == nil {
		return &ValidationError{Field: "manager_agent", Reason: "required for process " + string(c.Process)}
	}
	if !c.Process.RequiresManager() && c.ManagerAgent != nil {
		return &ValidationError{Field: "manager_agent", Reason: "only valid for delegating processes"}
	}
	return nil
}

// OrderedTasks returns the crew's tasks sorted by their Order field. The
// original slice is not modified.
func (c *Crew) OrderedTasks() []TaskConfig {
	out := make([]TaskConfig, len(c.Tasks))
	copy(out, c.Tasks)
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j].Order < out[j-1].Order; j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out
}

// ValidationError reports a structurally invalid crew definition.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return "invalid crew: " + e.Field + ": " + e.Reason
}
