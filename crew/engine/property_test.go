package engine

import (
	"context"
	"errors"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"pgregory.net/rapid"

	"github.com/vrijsinghani/seoclientmanager-sub000/crew"
	"github.com/vrijsinghani/seoclientmanager-sub000/crew/store"
)

// The store is the single enforcement point for the execution state
// machine, so the properties run against it directly.

func TestStatusMonotonicityProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200

	statuses := []crew.ExecutionStatus{
		crew.StatusPending,
		crew.StatusRunning,
		crew.StatusWaitingForHumanInput,
		crew.StatusCompleted,
		crew.StatusFailed,
		crew.StatusCancelled,
	}

	properties := gopter.NewProperties(parameters)
	properties.Property("accepted transitions follow the state machine", prop.ForAll(
		func(targets []int) bool {
			ctx := context.Background()
			st := store.NewMemoryStore()
			exec := &crew.Execution{CrewID: "c", UserID: "u"}
			if err := st.CreateExecution(ctx, exec); err != nil {
				return false
			}

			current := crew.StatusPending
			observed := []crew.ExecutionStatus{current}
			for _, idx := range targets {
				next := statuses[idx%len(statuses)]
				_, err := st.TransitionStatus(ctx, exec.ID, next, store.StatusUpdate{})
				legal := current.CanTransitionTo(next)
				if legal != (err == nil) {
					return false
				}
				if err != nil && !errors.Is(err, crew.ErrInvalidTransition) {
					return false
				}
				if err == nil {
					current = next
					observed = append(observed, next)
				}
			}

			// The observed path itself must be valid step by step, terminal
			// states frozen, and WAITING never followed by COMPLETED.
			for i := 1; i < len(observed); i++ {
				if observed[i-1].IsTerminal() {
					return false
				}
				if !observed[i-1].CanTransitionTo(observed[i]) {
					return false
				}
				if observed[i-1] == crew.StatusWaitingForHumanInput && observed[i] == crew.StatusCompleted {
					return false
				}
			}

			got, err := st.GetExecution(ctx, exec.ID)
			return err == nil && got.Status == current
		},
		gen.SliceOf(gen.IntRange(0, len(statuses)-1)),
	))
	properties.TestingRun(t)
}

func TestStagePatchMonotonicityProperty(t *testing.T) {
	statuses := []crew.StageStatus{
		crew.StagePending,
		crew.StageInProgress,
		crew.StageCompleted,
		crew.StageFailed,
	}

	rapid.Check(t, func(t *rapid.T) {
		ctx := context.Background()
		st := store.NewMemoryStore()
		exec := &crew.Execution{CrewID: "c", UserID: "u"}
		if err := st.CreateExecution(ctx, exec); err != nil {
			t.Fatalf("create execution: %v", err)
		}

		first := rapid.SampledFrom(statuses).Draw(t, "first")
		stage := &crew.ExecutionStage{
			ID:          "stage-1",
			ExecutionID: exec.ID,
			Type:        crew.StageToolUsage,
			Status:      first,
			Title:       "tool",
		}
		if err := st.UpsertStage(ctx, stage); err != nil {
			t.Fatalf("initial upsert: %v", err)
		}
		current := first

		n := rapid.IntRange(0, 12).Draw(t, "patches")
		for i := 0; i < n; i++ {
			next := rapid.SampledFrom(statuses).Draw(t, "next")
			patch := &crew.ExecutionStage{
				ID:          "stage-1",
				ExecutionID: exec.ID,
				Type:        crew.StageToolUsage,
				Status:      next,
				Title:       "tool",
			}
			err := st.UpsertStage(ctx, patch)
			legal := current.CanPatchTo(next)
			if legal && err != nil {
				t.Fatalf("legal patch %s→%s rejected: %v", current, next, err)
			}
			if !legal {
				if !errors.Is(err, store.ErrStaleStagePatch) {
					t.Fatalf("illegal patch %s→%s: got %v, want stale patch error", current, next, err)
				}
			} else {
				current = next
			}

			stages, lerr := st.ListStages(ctx, exec.ID)
			if lerr != nil || len(stages) != 1 {
				t.Fatalf("stage log corrupted: %v (%d rows)", lerr, len(stages))
			}
			if stages[0].Status != current {
				t.Fatalf("stored status %s, model %s", stages[0].Status, current)
			}
		}
	})
}
