package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/vrijsinghani/seoclientmanager-sub000/crew"
	"github.com/vrijsinghani/seoclientmanager-sub000/crew/store"
	"github.com/vrijsinghani/seoclientmanager-sub000/internal/pool"
)

// interruptedMessage lands on executions found RUNNING at startup.
const interruptedMessage = "execution interrupted by worker restart"

// Scheduler runs executions as independent background jobs on the worker
// pool. Each job gets its own cancellable context detached from the
// submitting request.
type Scheduler struct {
	engine *Engine
	store  store.ExecutionStore
	pool   *pool.WorkerPool
	logger *zap.Logger

	mu   sync.Mutex
	jobs map[string]*scheduledJob
}

type scheduledJob struct {
	jobID  string
	cancel context.CancelFunc
}

// NewScheduler creates a scheduler over the given pool.
func NewScheduler(engine *Engine, st store.ExecutionStore, workers *pool.WorkerPool, logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		engine: engine,
		store:  st,
		pool:   workers,
		logger: logger.With(zap.String("component", "scheduler")),
		jobs:   make(map[string]*scheduledJob),
	}
}

// Submit enqueues an execution and returns its job id. Submitting an
// execution that is already queued or running returns the existing job id,
// so re-submitting a PENDING run is safe.
//
// Terminal executions, COMPLETED included, are rejected with
// crew.ErrInvalidTransition: terminal states are frozen, and the stage log
// and crew output of a finished run are kept as its audit record. Re-running
// a crew means creating a new Execution, never mutating a finished one.
func (s *Scheduler) Submit(ctx context.Context, executionID string) (string, error) {
	exec, err := s.store.GetExecution(ctx, executionID)
	if err != nil {
		return "", err
	}
	if exec.Status.IsTerminal() {
		return "", fmt.Errorf("execution %s is %s: %w", executionID, exec.Status, crew.ErrInvalidTransition)
	}

	s.mu.Lock()
	if existing, ok := s.jobs[executionID]; ok {
		s.mu.Unlock()
		return existing.jobID, nil
	}
	runCtx, cancel := context.WithCancel(context.Background())
	job := &scheduledJob{jobID: uuid.New().String(), cancel: cancel}
	s.jobs[executionID] = job
	s.mu.Unlock()

	err = s.pool.Submit(ctx, func(context.Context) error {
		defer s.forget(executionID)
		return s.engine.Run(runCtx, executionID)
	})
	if err != nil {
		s.forget(executionID)
		return "", fmt.Errorf("enqueue execution %s: %w", executionID, err)
	}

	s.logger.Info("execution scheduled",
		zap.String("execution_id", executionID), zap.String("job_id", job.jobID))
	return job.jobID, nil
}

// Cancel revokes an execution's job and marks it CANCELLED. In-flight LLM
// or tool calls may still run to completion; cancellation is best-effort.
func (s *Scheduler) Cancel(ctx context.Context, executionID string) error {
	s.mu.Lock()
	job, ok := s.jobs[executionID]
	s.mu.Unlock()
	if ok {
		job.cancel()
	}

	_, err := s.store.TransitionStatus(ctx, executionID, crew.StatusCancelled, store.StatusUpdate{})
	if err != nil {
		if errors.Is(err, crew.ErrInvalidTransition) && !ok {
			// Already terminal and nothing in flight.
			return err
		}
		if errors.Is(err, crew.ErrInvalidTransition) {
			// The run finished between lookup and cancel; the job context
			// is revoked either way.
			return nil
		}
		return err
	}
	s.logger.Info("execution cancelled", zap.String("execution_id", executionID))
	return nil
}

// Running reports whether an execution currently holds a job slot.
func (s *Scheduler) Running(executionID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.jobs[executionID]
	return ok
}

// Recover fails every execution left RUNNING by a previous process. Call
// once at startup before accepting submissions.
func (s *Scheduler) Recover(ctx context.Context) (int64, error) {
	n, err := s.store.MarkInterrupted(ctx, interruptedMessage)
	if err != nil {
		return 0, fmt.Errorf("recovery pass: %w", err)
	}
	if n > 0 {
		s.logger.Warn("recovered interrupted executions", zap.Int64("count", n))
	}
	return n, nil
}

func (s *Scheduler) forget(executionID string) {
	s.mu.Lock()
	if job, ok := s.jobs[executionID]; ok {
		job.cancel()
		delete(s.jobs, executionID)
	}
	s.mu.Unlock()
}
