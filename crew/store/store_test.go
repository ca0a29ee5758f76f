package store

import (
	"context"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/vrijsinghani/seoclientmanager-sub000/crew"
)

// storeFactories builds every implementation so the conformance suite runs
// against all of them.
func storeFactories(t *testing.T) map[string]ExecutionStore {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)
	gs, err := NewGormStore(db, nil)
	require.NoError(t, err)
	require.NoError(t, gs.AutoMigrate())

	return map[string]ExecutionStore{
		"memory": NewMemoryStore(),
		"gorm":   gs,
	}
}

func TestCreateAndGetExecution(t *testing.T) {
	ctx := context.Background()
	for name, s := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			exec := &crew.Execution{
				CrewID: "crew-1",
				UserID: "user-1",
				Inputs: crew.JSONMap{"topic": "seo audit"},
			}
			require.NoError(t, s.CreateExecution(ctx, exec))
			assert.NotEmpty(t, exec.ID)
			assert.Equal(t, crew.StatusPending, exec.Status)

			got, err := s.GetExecution(ctx, exec.ID)
			require.NoError(t, err)
			assert.Equal(t, "crew-1", got.CrewID)
			assert.Equal(t, "seo audit", got.Inputs["topic"])
		})
	}
}

func TestGetExecutionNotFound(t *testing.T) {
	ctx := context.Background()
	for name, s := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			_, err := s.GetExecution(ctx, "missing")
			assert.ErrorIs(t, err, crew.ErrExecutionNotFound)
		})
	}
}

func TestTransitionStatusHappyPath(t *testing.T) {
	ctx := context.Background()
	for name, s := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			exec := &crew.Execution{CrewID: "c", UserID: "u"}
			require.NoError(t, s.CreateExecution(ctx, exec))

			got, err := s.TransitionStatus(ctx, exec.ID, crew.StatusRunning, StatusUpdate{})
			require.NoError(t, err)
			assert.Equal(t, crew.StatusRunning, got.Status)

			result := "done"
			got, err = s.TransitionStatus(ctx, exec.ID, crew.StatusCompleted, StatusUpdate{Result: &result})
			require.NoError(t, err)
			assert.Equal(t, crew.StatusCompleted, got.Status)
			assert.Equal(t, "done", got.Result)
		})
	}
}

func TestTransitionStatusRejectsIllegalMoves(t *testing.T) {
	ctx := context.Background()
	for name, s := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			exec := &crew.Execution{CrewID: "c", UserID: "u"}
			require.NoError(t, s.CreateExecution(ctx, exec))

			// PENDING cannot complete directly.
			_, err := s.TransitionStatus(ctx, exec.ID, crew.StatusCompleted, StatusUpdate{})
			assert.ErrorIs(t, err, crew.ErrInvalidTransition)

			// Terminal states are frozen.
			_, err = s.TransitionStatus(ctx, exec.ID, crew.StatusCancelled, StatusUpdate{})
			require.NoError(t, err)
			_, err = s.TransitionStatus(ctx, exec.ID, crew.StatusRunning, StatusUpdate{})
			assert.ErrorIs(t, err, crew.ErrInvalidTransition)

			// Stored status unchanged by the rejected write.
			got, err := s.GetExecution(ctx, exec.ID)
			require.NoError(t, err)
			assert.Equal(t, crew.StatusCancelled, got.Status)
		})
	}
}

func TestHumanInputRoundTrip(t *testing.T) {
	ctx := context.Background()
	for name, s := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			exec := &crew.Execution{CrewID: "c", UserID: "u"}
			require.NoError(t, s.CreateExecution(ctx, exec))
			_, err := s.TransitionStatus(ctx, exec.ID, crew.StatusRunning, StatusUpdate{})
			require.NoError(t, err)

			req := &crew.HumanInputRequest{
				Key:     "hik-1",
				Prompt:  "approve the meta descriptions?",
				AskedAt: time.Now(),
			}
			got, err := s.TransitionStatus(ctx, exec.ID, crew.StatusWaitingForHumanInput, StatusUpdate{HumanInputRequest: req})
			require.NoError(t, err)
			require.NotNil(t, got.HumanInputRequest)
			assert.Equal(t, "hik-1", got.HumanInputRequest.Key)

			resp := "approved"
			got, err = s.TransitionStatus(ctx, exec.ID, crew.StatusRunning, StatusUpdate{
				HumanInputResponse:     &resp,
				ClearHumanInputRequest: true,
			})
			require.NoError(t, err)
			assert.Nil(t, got.HumanInputRequest)
			assert.Equal(t, "approved", got.HumanInputResponse)
		})
	}
}

func TestUpsertStagePatchSemantics(t *testing.T) {
	ctx := context.Background()
	for name, s := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			exec := &crew.Execution{CrewID: "c", UserID: "u"}
			require.NoError(t, s.CreateExecution(ctx, exec))

			stage := &crew.ExecutionStage{
				ExecutionID:       exec.ID,
				CorrelationTaskID: "task-0",
				Type:              crew.StageToolUsage,
				Status:            crew.StageInProgress,
				Title:             "Using web_scraper",
			}
			require.NoError(t, s.UpsertStage(ctx, stage))
			require.NotEmpty(t, stage.ID)

			// Forward patch lands.
			patch := &crew.ExecutionStage{
				ID:          stage.ID,
				ExecutionID: exec.ID,
				Status:      crew.StageCompleted,
				Title:       "Scrape finished",
				Content:     "scraped 12 pages",
			}
			require.NoError(t, s.UpsertStage(ctx, patch))

			// Backward patch is rejected without modifying the row.
			back := &crew.ExecutionStage{
				ID:          stage.ID,
				ExecutionID: exec.ID,
				Status:      crew.StageInProgress,
			}
			err := s.UpsertStage(ctx, back)
			assert.ErrorIs(t, err, ErrStaleStagePatch)

			rows, err := s.ListStages(ctx, exec.ID)
			require.NoError(t, err)
			require.Len(t, rows, 1)
			assert.Equal(t, crew.StageCompleted, rows[0].Status)
			assert.Equal(t, "Scrape finished", rows[0].Title)
			assert.Equal(t, "scraped 12 pages", rows[0].Content)
		})
	}
}

func TestListStagesAppendOrder(t *testing.T) {
	ctx := context.Background()
	for name, s := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			exec := &crew.Execution{CrewID: "c", UserID: "u"}
			require.NoError(t, s.CreateExecution(ctx, exec))

			titles := []string{"first", "second", "third"}
			for _, title := range titles {
				st := &crew.ExecutionStage{
					ExecutionID: exec.ID,
					Type:        crew.StageThinking,
					Status:      crew.StageCompleted,
					Title:       title,
				}
				require.NoError(t, s.UpsertStage(ctx, st))
			}

			rows, err := s.ListStages(ctx, exec.ID)
			require.NoError(t, err)
			require.Len(t, rows, 3)
			got := []string{rows[0].Title, rows[1].Title, rows[2].Title}
			assert.ElementsMatch(t, titles, got)
		})
	}
}

func TestSaveCrewOutputReplaces(t *testing.T) {
	ctx := context.Background()
	for name, s := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			exec := &crew.Execution{CrewID: "c", UserID: "u"}
			require.NoError(t, s.CreateExecution(ctx, exec))

			require.NoError(t, s.SaveCrewOutput(ctx, &crew.CrewOutput{
				ExecutionID: exec.ID,
				Raw:         "draft",
			}))
			require.NoError(t, s.SaveCrewOutput(ctx, &crew.CrewOutput{
				ExecutionID: exec.ID,
				Raw:         "final",
				Usage:       crew.TokenUsage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15},
			}))

			out, err := s.GetCrewOutput(ctx, exec.ID)
			require.NoError(t, err)
			assert.Equal(t, "final", out.Raw)
			assert.Equal(t, 15, out.Usage.TotalTokens)
		})
	}
}

func TestMarkInterrupted(t *testing.T) {
	ctx := context.Background()
	for name, s := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			running := &crew.Execution{CrewID: "c", UserID: "u"}
			require.NoError(t, s.CreateExecution(ctx, running))
			_, err := s.TransitionStatus(ctx, running.ID, crew.StatusRunning, StatusUpdate{})
			require.NoError(t, err)

			waiting := &crew.Execution{CrewID: "c", UserID: "u"}
			require.NoError(t, s.CreateExecution(ctx, waiting))
			_, err = s.TransitionStatus(ctx, waiting.ID, crew.StatusRunning, StatusUpdate{})
			require.NoError(t, err)
			_, err = s.TransitionStatus(ctx, waiting.ID, crew.StatusWaitingForHumanInput, StatusUpdate{})
			require.NoError(t, err)

			pending := &crew.Execution{CrewID: "c", UserID: "u"}
			require.NoError(t, s.CreateExecution(ctx, pending))

			n, err := s.MarkInterrupted(ctx, "worker restart")
			require.NoError(t, err)
			assert.Equal(t, int64(2), n)

			got, err := s.GetExecution(ctx, running.ID)
			require.NoError(t, err)
			assert.Equal(t, crew.StatusFailed, got.Status)
			assert.Equal(t, "worker restart", got.ErrorMessage)

			// A run that died mid-wait must not stay parked forever.
			got, err = s.GetExecution(ctx, waiting.ID)
			require.NoError(t, err)
			assert.Equal(t, crew.StatusFailed, got.Status)

			got, err = s.GetExecution(ctx, pending.ID)
			require.NoError(t, err)
			assert.Equal(t, crew.StatusPending, got.Status)
		})
	}
}

func TestListExecutionsFilter(t *testing.T) {
	ctx := context.Background()
	for name, s := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			for i := 0; i < 3; i++ {
				require.NoError(t, s.CreateExecution(ctx, &crew.Execution{CrewID: "crew-a", UserID: "u1"}))
			}
			other := &crew.Execution{CrewID: "crew-b", UserID: "u2"}
			require.NoError(t, s.CreateExecution(ctx, other))
			_, err := s.TransitionStatus(ctx, other.ID, crew.StatusRunning, StatusUpdate{})
			require.NoError(t, err)

			byCrew, err := s.ListExecutions(ctx, ExecutionFilter{CrewID: "crew-a"})
			require.NoError(t, err)
			assert.Len(t, byCrew, 3)

			byStatus, err := s.ListExecutions(ctx, ExecutionFilter{Status: []crew.ExecutionStatus{crew.StatusRunning}})
			require.NoError(t, err)
			require.Len(t, byStatus, 1)
			assert.Equal(t, other.ID, byStatus[0].ID)

			limited, err := s.ListExecutions(ctx, ExecutionFilter{CrewID: "crew-a", Limit: 2})
			require.NoError(t, err)
			assert.Len(t, limited, 2)
		})
	}
}

func TestClosedStore(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	require.NoError(t, s.Close())

	assert.ErrorIs(t, s.CreateExecution(ctx, &crew.Execution{}), ErrStoreClosed)
	_, err := s.GetExecution(ctx, "x")
	assert.ErrorIs(t, err, ErrStoreClosed)
	assert.ErrorIs(t, s.Ping(ctx), ErrStoreClosed)
}
