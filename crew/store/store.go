// Package store persists executions, their stage logs, and crew outputs.
//
// Two implementations are provided:
//   - MemoryStore: for development and tests, data lost on restart
//   - GormStore: relational backend (PostgreSQL in production, SQLite in tests)
//
// All status writes go through TransitionStatus, which enforces the
// execution state machine, so no caller can move a run backwards or out of
// a terminal state.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/vrijsinghani/seoclientmanager-sub000/crew"
)

var (
	// ErrStoreClosed is returned by every operation after Close.
	ErrStoreClosed = errors.New("store is closed")

	// ErrInvalidInput is returned for nil or incomplete records.
	ErrInvalidInput = errors.New("invalid input")

	// ErrStaleStagePatch is returned when a stage update would move its
	// status backwards. Callers treat it as a skip, not a failure.
	ErrStaleStagePatch = errors.New("stale stage patch")
)

// StatusUpdate carries the optional field writes that accompany a status
// transition. Nil pointers leave the stored value untouched.
type StatusUpdate struct {
	Result             *string
	ErrorMessage       *string
	HumanInputResponse *string

	// HumanInputRequest set to a value persists the pending prompt;
	// ClearHumanInputRequest wipes it (on resume).
	HumanInputRequest      *crew.HumanInputRequest
	ClearHumanInputRequest bool
}

// ExecutionFilter narrows ListExecutions results.
type ExecutionFilter struct {
	CrewID   string
	UserID   string
	ClientID string
	Status   []crew.ExecutionStatus

	CreatedAfter  *time.Time
	CreatedBefore *time.Time

	Limit  int
	Offset int
}

// ExecutionStore is the persistence boundary of the execution engine.
type ExecutionStore interface {
	// CreateExecution persists a new run. A missing ID is generated;
	// a missing status defaults to PENDING.
	CreateExecution(ctx context.Context, exec *crew.Execution) error

	// GetExecution returns crew.ErrExecutionNotFound for unknown ids.
	GetExecution(ctx context.Context, id string) (*crew.Execution, error)

	// ListExecutions returns runs matching the filter, newest first.
	ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*crew.Execution, error)

	// TransitionStatus atomically validates and applies a state machine
	// transition plus the accompanying field writes. Illegal transitions
	// return crew.ErrInvalidTransition (wrapped).
	TransitionStatus(ctx context.Context, id string, next crew.ExecutionStatus, update StatusUpdate) (*crew.Execution, error)

	// UpsertStage appends a stage row, or patches status/content/metadata
	// of an existing row with the same ID. Patches that would move the
	// stage status backwards return ErrStaleStagePatch and write nothing.
	UpsertStage(ctx context.Context, stage *crew.ExecutionStage) error

	// ListStages returns the stage log of one run in append order.
	ListStages(ctx context.Context, executionID string) ([]*crew.ExecutionStage, error)

	// SaveCrewOutput persists the terminal artifact, replacing any prior
	// row for the same execution.
	SaveCrewOutput(ctx context.Context, out *crew.CrewOutput) error

	// GetCrewOutput returns crew.ErrExecutionNotFound when the run has no
	// output yet.
	GetCrewOutput(ctx context.Context, executionID string) (*crew.CrewOutput, error)

	// MarkInterrupted fails every execution left RUNNING or
	// WAITING_FOR_HUMAN_INPUT, recording msg. Used by the engine's startup
	// recovery pass. Returns the number of runs transitioned.
	MarkInterrupted(ctx context.Context, msg string) (int64, error)

	// Ping checks backend health.
	Ping(ctx context.Context) error

	// Close releases backend resources.
	Close() error
}
