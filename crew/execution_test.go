package crew

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStatusIsTerminal(t *testing.T) {
	terminal := []ExecutionStatus{StatusCompleted, StatusFailed, StatusCancelled}
	for _, s := range terminal {
		assert.True(t, s.IsTerminal(), s)
	}
	open := []ExecutionStatus{StatusPending, StatusRunning, StatusWaitingForHumanInput}
	for _, s := range open {
		assert.False(t, s.IsTerminal(), s)
	}
}

func TestStatusTransitions(t *testing.T) {
	allowed := []struct{ from, to ExecutionStatus }{
		{StatusPending, StatusRunning},
		{StatusRunning, StatusWaitingForHumanInput},
		{StatusWaitingForHumanInput, StatusRunning},
		{StatusRunning, StatusCompleted},
		{StatusPending, StatusFailed},
		{StatusPending, StatusCancelled},
		{StatusRunning, StatusFailed},
		{StatusRunning, StatusCancelled},
		{StatusWaitingForHumanInput, StatusFailed},
		{StatusWaitingForHumanInput, StatusCancelled},
	}
	for _, tc := range allowed {
		assert.True(t, tc.from.CanTransitionTo(tc.to), "%s -> %s", tc.from, tc.to)
	}

	forbidden := []struct{ from, to ExecutionStatus }{
		{StatusPending, StatusCompleted},
		{StatusPending, StatusWaitingForHumanInput},
		// A waiting execution resumes through RUNNING, never straight to
		// COMPLETED.
		{StatusWaitingForHumanInput, StatusCompleted},
		{StatusCompleted, StatusRunning},
		{StatusFailed, StatusRunning},
		{StatusCancelled, StatusRunning},
		{StatusCompleted, StatusFailed},
		{StatusRunning, StatusPending},
	}
	for _, tc := range forbidden {
		assert.False(t, tc.from.CanTransitionTo(tc.to), "%s -> %s", tc.from, tc.to)
	}
}

func TestStagePatchMonotonicity(t *testing.T) {
	assert.True(t, StagePending.CanPatchTo(StageInProgress))
	assert.True(t, StagePending.CanPatchTo(StageCompleted))
	assert.True(t, StageInProgress.CanPatchTo(StageCompleted))
	assert.True(t, StageInProgress.CanPatchTo(StageFailed))
	assert.True(t, StageInProgress.CanPatchTo(StageInProgress))

	assert.False(t, StageInProgress.CanPatchTo(StagePending))
	assert.False(t, StageCompleted.CanPatchTo(StageInProgress))
	assert.False(t, StageCompleted.CanPatchTo(StageCompleted))
	assert.False(t, StageFailed.CanPatchTo(StageCompleted))
}

func TestInputsArray(t *testing.T) {
	exec := &Execution{Inputs: JSONMap{
		"client":       "acme",
		"inputs_array": []any{map[string]any{"url": "a"}, map[string]any{"url": "b"}, "junk"},
	}}

	items := exec.InputsArray()
	assert.Len(t, items, 2)
	assert.Equal(t, "a", items[0]["url"])

	assert.Nil(t, (&Execution{Inputs: JSONMap{"client": "acme"}}).InputsArray())
	assert.Nil(t, (&Execution{Inputs: JSONMap{"inputs_array": "not a list"}}).InputsArray())
	assert.Nil(t, (&Execution{}).InputsArray())
}

func TestTokenUsageAdd(t *testing.T) {
	u := TokenUsage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15}
	u.Add(TokenUsage{PromptTokens: 3, CompletionTokens: 2, TotalTokens: 5})
	assert.Equal(t, TokenUsage{PromptTokens: 13, CompletionTokens: 7, TotalTokens: 20}, u)
}
