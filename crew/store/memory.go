package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vrijsinghani/seoclientmanager-sub000/crew"
)

// MemoryStore is an in-memory ExecutionStore. Suitable for development and
// testing. Data is lost on restart.
type MemoryStore struct {
	mu         sync.RWMutex
	executions map[string]*crew.Execution
	stages     map[string][]*crew.ExecutionStage // executionID → append order
	stageByID  map[string]*crew.ExecutionStage
	outputs    map[string]*crew.CrewOutput // executionID → output
	closed     bool
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		executions: make(map[string]*crew.Execution),
		stages:     make(map[string][]*crew.ExecutionStage),
		stageByID:  make(map[string]*crew.ExecutionStage),
		outputs:    make(map[string]*crew.CrewOutput),
	}
}

func (s *MemoryStore) CreateExecution(ctx context.Context, exec *crew.Execution) error {
	if exec == nil {
		return ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}

	if exec.ID == "" {
		exec.ID = uuid.New().String()
	}
	if exec.Status == "" {
		exec.Status = crew.StatusPending
	}
	now := time.Now()
	if exec.CreatedAt.IsZero() {
		exec.CreatedAt = now
	}
	exec.UpdatedAt = now

	cp := *exec
	s.executions[exec.ID] = &cp
	return nil
}

func (s *MemoryStore) GetExecution(ctx context.Context, id string) (*crew.Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}

	exec, ok := s.executions[id]
	if !ok {
		return nil, fmt.Errorf("execution %s: %w", id, crew.ErrExecutionNotFound)
	}
	cp := *exec
	return &cp, nil
}

func (s *MemoryStore) ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*crew.Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}

	var matched []*crew.Execution
	for _, exec := range s.executions {
		if matchesFilter(exec, filter) {
			cp := *exec
			matched = append(matched, &cp)
		}
	}

	sort.Slice(matched, func(i, j int) bool {
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})

	if filter.Offset > 0 {
		if filter.Offset >= len(matched) {
			return nil, nil
		}
		matched = matched[filter.Offset:]
	}
	if filter.Limit > 0 && filter.Limit < len(matched) {
		matched = matched[:filter.Limit]
	}
	return matched, nil
}

func matchesFilter(exec *crew.Execution, filter ExecutionFilter) bool {
	if filter.CrewID != "" && exec.CrewID != filter.CrewID {
		return false
	}
	if filter.UserID != "" && exec.UserID != filter.UserID {
		return false
	}
	if filter.ClientID != "" && exec.ClientID != filter.ClientID {
		return false
	}
	if len(filter.Status) > 0 {
		found := false
		for _, st := range filter.Status {
			if exec.Status == st {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if filter.CreatedAfter != nil && !exec.CreatedAt.After(*filter.CreatedAfter) {
		return false
	}
	if filter.CreatedBefore != nil && !exec.CreatedAt.Before(*filter.CreatedBefore) {
		return false
	}
	return true
}

func (s *MemoryStore) TransitionStatus(ctx context.Context, id string, next crew.ExecutionStatus, update StatusUpdate) (*crew.Execution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrStoreClosed
	}

	exec, ok := s.executions[id]
	if !ok {
		return nil, fmt.Errorf("execution %s: %w", id, crew.ErrExecutionNotFound)
	}
	if !exec.Status.CanTransitionTo(next) {
		return nil, fmt.Errorf("%s → %s: %w", exec.Status, next, crew.ErrInvalidTransition)
	}

	exec.Status = next
	applyUpdate(exec, update)
	exec.UpdatedAt = time.Now()

	cp := *exec
	return &cp, nil
}

func applyUpdate(exec *crew.Execution, update StatusUpdate) {
	if update.Result != nil {
		exec.Result = *update.Result
	}
	if update.ErrorMessage != nil {
		exec.ErrorMessage = *update.ErrorMessage
	}
	if update.HumanInputResponse != nil {
		exec.HumanInputResponse = *update.HumanInputResponse
	}
	if update.HumanInputRequest != nil {
		req := *update.HumanInputRequest
		exec.HumanInputRequest = &req
	} else if update.ClearHumanInputRequest {
		exec.HumanInputRequest = nil
	}
}

func (s *MemoryStore) UpsertStage(ctx context.Context, stage *crew.ExecutionStage) error {
	if stage == nil || stage.ExecutionID == "" {
		return ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}

	now := time.Now()
	if stage.ID == "" {
		stage.ID = uuid.New().String()
	}

	if existing, ok := s.stageByID[stage.ID]; ok {
		if !existing.Status.CanPatchTo(stage.Status) {
			return fmt.Errorf("stage %s %s → %s: %w", stage.ID, existing.Status, stage.Status, ErrStaleStagePatch)
		}
		existing.Status = stage.Status
		if stage.Title != "" {
			existing.Title = stage.Title
		}
		if stage.Content != "" {
			existing.Content = stage.Content
		}
		if stage.Metadata != nil {
			existing.Metadata = stage.Metadata
		}
		existing.UpdatedAt = now
		*stage = *existing
		return nil
	}

	if stage.CreatedAt.IsZero() {
		stage.CreatedAt = now
	}
	stage.UpdatedAt = now

	cp := *stage
	s.stageByID[stage.ID] = &cp
	s.stages[stage.ExecutionID] = append(s.stages[stage.ExecutionID], &cp)
	return nil
}

func (s *MemoryStore) ListStages(ctx context.Context, executionID string) ([]*crew.ExecutionStage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}

	rows := s.stages[executionID]
	out := make([]*crew.ExecutionStage, 0, len(rows))
	for _, st := range rows {
		cp := *st
		out = append(out, &cp)
	}
	return out, nil
}

func (s *MemoryStore) SaveCrewOutput(ctx context.Context, out *crew.CrewOutput) error {
	if out == nil || out.ExecutionID == "" {
		return ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}

	if out.ID == "" {
		out.ID = uuid.New().String()
	}
	if out.CreatedAt.IsZero() {
		out.CreatedAt = time.Now()
	}
	cp := *out
	s.outputs[out.ExecutionID] = &cp
	return nil
}

func (s *MemoryStore) GetCrewOutput(ctx context.Context, executionID string) (*crew.CrewOutput, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}

	out, ok := s.outputs[executionID]
	if !ok {
		return nil, fmt.Errorf("output for execution %s: %w", executionID, crew.ErrExecutionNotFound)
	}
	cp := *out
	return &cp, nil
}

func (s *MemoryStore) MarkInterrupted(ctx context.Context, msg string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrStoreClosed
	}

	var n int64
	now := time.Now()
	for _, exec := range s.executions {
		if exec.Status == crew.StatusRunning || exec.Status == crew.StatusWaitingForHumanInput {
			exec.Status = crew.StatusFailed
			exec.ErrorMessage = msg
			exec.UpdatedAt = now
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) Ping(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrStoreClosed
	}
	return nil
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
