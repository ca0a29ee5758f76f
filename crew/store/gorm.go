package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/vrijsinghani/seoclientmanager-sub000/crew"
)

// GormStore is the relational ExecutionStore. Production runs it on
// PostgreSQL; tests run it on in-memory SQLite.
type GormStore struct {
	db     *gorm.DB
	logger *zap.Logger
}

// NewGormStore wraps an open gorm handle.
func NewGormStore(db *gorm.DB, logger *zap.Logger) (*GormStore, error) {
	if db == nil {
		return nil, errors.New("gorm db is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &GormStore{
		db:     db,
		logger: logger.With(zap.String("component", "execution_store")),
	}, nil
}

// AutoMigrate creates the schema directly from the models. Tests use it in
// place of the SQL migrations.
func (s *GormStore) AutoMigrate() error {
	return s.db.AutoMigrate(&crew.Execution{}, &crew.ExecutionStage{}, &crew.CrewOutput{})
}

func (s *GormStore) CreateExecution(ctx context.Context, exec *crew.Execution) error {
	if exec == nil {
		return ErrInvalidInput
	}
	if exec.ID == "" {
		exec.ID = uuid.New().String()
	}
	if exec.Status == "" {
		exec.Status = crew.StatusPending
	}
	if err := s.db.WithContext(ctx).Create(exec).Error; err != nil {
		return fmt.Errorf("create execution: %w", err)
	}
	return nil
}

func (s *GormStore) GetExecution(ctx context.Context, id string) (*crew.Execution, error) {
	var exec crew.Execution
	err := s.db.WithContext(ctx).First(&exec, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("execution %s: %w", id, crew.ErrExecutionNotFound)
		}
		return nil, fmt.Errorf("get execution: %w", err)
	}
	return &exec, nil
}

func (s *GormStore) ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*crew.Execution, error) {
	q := s.db.WithContext(ctx).Model(&crew.Execution{})
	if filter.CrewID != "" {
		q = q.Where("crew_id = ?", filter.CrewID)
	}
	if filter.UserID != "" {
		q = q.Where("user_id = ?", filter.UserID)
	}
	if filter.ClientID != "" {
		q = q.Where("client_id = ?", filter.ClientID)
	}
	if len(filter.Status) > 0 {
		q = q.Where("status IN ?", filter.Status)
	}
	if filter.CreatedAfter != nil {
		q = q.Where("created_at > ?", *filter.CreatedAfter)
	}
	if filter.CreatedBefore != nil {
		q = q.Where("created_at < ?", *filter.CreatedBefore)
	}
	if filter.Limit > 0 {
		q = q.Limit(filter.Limit)
	}
	if filter.Offset > 0 {
		q = q.Offset(filter.Offset)
	}

	var out []*crew.Execution
	if err := q.Order("created_at DESC").Find(&out).Error; err != nil {
		return nil, fmt.Errorf("list executions: %w", err)
	}
	return out, nil
}

func (s *GormStore) TransitionStatus(ctx context.Context, id string, next crew.ExecutionStatus, update StatusUpdate) (*crew.Execution, error) {
	var result *crew.Execution
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		q := tx
		// SQLite serializes writers on its own and rejects FOR UPDATE.
		if tx.Dialector.Name() == "postgres" {
			q = tx.Clauses(clause.Locking{Strength: "UPDATE"})
		}
		var exec crew.Execution
		err := q.First(&exec, "id = ?", id).Error
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("execution %s: %w", id, crew.ErrExecutionNotFound)
			}
			return fmt.Errorf("load execution: %w", err)
		}
		if !exec.Status.CanTransitionTo(next) {
			return fmt.Errorf("%s → %s: %w", exec.Status, next, crew.ErrInvalidTransition)
		}

		exec.Status = next
		applyUpdate(&exec, update)
		exec.UpdatedAt = time.Now()

		// Save writes all fields so cleared pointers persist as NULL.
		if err := tx.Save(&exec).Error; err != nil {
			return fmt.Errorf("save execution: %w", err)
		}
		result = &exec
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (s *GormStore) UpsertStage(ctx context.Context, stage *crew.ExecutionStage) error {
	if stage == nil || stage.ExecutionID == "" {
		return ErrInvalidInput
	}
	if stage.ID == "" {
		stage.ID = uuid.New().String()
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing crew.ExecutionStage
		err := tx.First(&existing, "id = ?", stage.ID).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			if err := tx.Create(stage).Error; err != nil {
				return fmt.Errorf("create stage: %w", err)
			}
			return nil
		}
		if err != nil {
			return fmt.Errorf("load stage: %w", err)
		}

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
		existing.UpdatedAt = time.Now()
		if err := tx.Save(&existing).Error; err != nil {
			return fmt.Errorf("patch stage: %w", err)
		}
		*stage = existing
		return nil
	})
}

func (s *GormStore) ListStages(ctx context.Context, executionID string) ([]*crew.ExecutionStage, error) {
	var out []*crew.ExecutionStage
	err := s.db.WithContext(ctx).
		Where("execution_id = ?", executionID).
		Order("created_at ASC, id ASC").
		Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("list stages: %w", err)
	}
	return out, nil
}

func (s *GormStore) SaveCrewOutput(ctx context.Context, out *crew.CrewOutput) error {
	if out == nil || out.ExecutionID == "" {
		return ErrInvalidInput
	}
	if out.ID == "" {
		out.ID = uuid.New().String()
	}

	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "execution_id"}},
		UpdateAll: true,
	}).Create(out).Error
	if err != nil {
		return fmt.Errorf("save crew output: %w", err)
	}
	return nil
}

func (s *GormStore) GetCrewOutput(ctx context.Context, executionID string) (*crew.CrewOutput, error) {
	var out crew.CrewOutput
	err := s.db.WithContext(ctx).First(&out, "execution_id = ?", executionID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("output for execution %s: %w", executionID, crew.ErrExecutionNotFound)
		}
		return nil, fmt.Errorf("get crew output: %w", err)
	}
	return &out, nil
}

func (s *GormStore) MarkInterrupted(ctx context.Context, msg string) (int64, error) {
	// A run parked in WAITING_FOR_HUMAN_INPUT lost its poll loop with the
	// process; it is just as dead as a RUNNING one.
	res := s.db.WithContext(ctx).Model(&crew.Execution{}).
		Where("status IN ?", []crew.ExecutionStatus{crew.StatusRunning, crew.StatusWaitingForHumanInput}).
		Updates(map[string]any{
			"status":        crew.StatusFailed,
			"error_message": msg,
			"updated_at":    time.Now(),
		})
	if res.Error != nil {
		return 0, fmt.Errorf("mark interrupted: %w", res.Error)
	}
	if res.RowsAffected > 0 {
		s.logger.Warn("failed executions interrupted by restart",
			zap.Int64("count", res.RowsAffected))
	}
	return res.RowsAffected, nil
}

func (s *GormStore) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
