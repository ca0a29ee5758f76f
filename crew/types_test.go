package crew

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProcessTypePredicates(t *testing.T) {
	assert.True(t, ProcessParallelForEach.IsForEach())
	assert.True(t, ProcessAsyncForEach.IsForEach())
	assert.False(t, ProcessSequential.IsForEach())
	assert.False(t, ProcessHierarchical.IsForEach())

	assert.True(t, ProcessHierarchical.RequiresManager())
	assert.False(t, ProcessSequential.RequiresManager())
	assert.False(t, ProcessAsync.RequiresManager())
}

func TestCrewValidate(t *testing.T) {
	manager := &AgentConfig{Role: "manager", Goal: "coordinate", LLM: "mock/m"}

	c := &Crew{ID: "c1", Process: ProcessSequential}
	require.NoError(t, c.Validate())

	c = &Crew{ID: "c2", Process: ProcessHierarchical}
	var verr *ValidationError
	require.ErrorAs(t, c.Validate(), &verr)
	assert.Equal(t, "manager_agent", verr.Field)

	c = &Crew{ID: "c3", Process: ProcessHierarchical, ManagerAgent: manager}
	require.NoError(t, c.Validate())

	// A manager on a non-delegating process is a definition mistake.
	c = &Crew{ID: "c4", Process: ProcessSequential, ManagerAgent: manager}
	require.ErrorAs(t, c.Validate(), &verr)
}

func TestOrderedTasks(t *testing.T) {
	c := &Crew{Tasks: []TaskConfig{
		{ID: "c", Order: 3},
		{ID: "a", Order: 1},
		{ID: "b", Order: 2},
	}}

	got := c.OrderedTasks()
	require.Len(t, got, 3)
	assert.Equal(t, "a", got[0].ID)
	assert.Equal(t, "b", got[1].ID)
	assert.Equal(t, "c", got[2].ID)

	// Original slice stays untouched.
	assert.Equal(t, "c", c.Tasks[0].ID)
}

func TestOrderedTasksStable(t *testing.T) {
	c := &Crew{Tasks: []TaskConfig{
		{ID: "first", Order: 1},
		{ID: "second", Order: 1},
	}}
	got := c.OrderedTasks()
	assert.Equal(t, "first", got[0].ID)
	assert.Equal(t, "second", got[1].ID)
}
