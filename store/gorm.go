package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/BaSui01/flowmesh/types"
)

// executionModel is the relational row for a workflow execution. Structured
// fields (accumulated data, handoffs) are serialized as JSON text so the
// schema stays driver-agnostic.
type executionModel struct {
	ID               string `gorm:"primaryKey;size:64"`
	WorkflowID       string `gorm:"index;size:64"`
	Status           string `gorm:"index;size:16"`
	CurrentStepIndex int
	AccumulatedData  string `gorm:"type:text"`
	Handoffs         string `gorm:"type:text"`
	Error            string `gorm:"type:text"`
	StartedAt        time.Time
	EndedAt          *time.Time
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

func (executionModel) TableName() string { return "workflow_executions" }

// lockModel is the relational lease lock row. The primary key gives the
// at-most-one-lock-per-execution invariant; expiry is checked on claim.
type lockModel struct {
	ExecutionID string `gorm:"primaryKey;size:64"`
	OwnerID     string `gorm:"size:64"`
	AcquiredAt  time.Time
	ExpiresAt   time.Time `gorm:"index"`
}

func (lockModel) TableName() string { return "execution_locks" }

// GormStore is an ExecutionStore backed by a relational database through
// GORM.
type GormStore struct {
	db     *gorm.DB
	logger *zap.Logger
}

// sqliteDialector builds the default dialector for the factory.
func sqliteDialector(path string) gorm.Dialector {
	return sqlite.Open(path)
}

// NewGormStore creates the store and migrates its tables.
func NewGormStore(db *gorm.DB, logger *zap.Logger) (*GormStore, error) {
	if db == nil {
		return nil, fmt.Errorf("db cannot be nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := db.AutoMigrate(&executionModel{}, &lockModel{}); err != nil {
		return nil, fmt.Errorf("migrate execution store schema: %w", err)
	}
	return &GormStore{
		db:     db,
		logger: logger.With(zap.String("component", "gorm_store")),
	}, nil
}

func toModel(exec *types.WorkflowExecution) (*executionModel, error) {
	data, err := json.Marshal(exec.AccumulatedData)
	if err != nil {
		return nil, fmt.Errorf("marshal accumulated data: %w", err)
	}
	handoffs, err := json.Marshal(exec.Handoffs)
	if err != nil {
		return nil, fmt.Errorf("marshal handoffs: %w", err)
	}
	return &executionModel{
		ID:               exec.ID,
		WorkflowID:       exec.WorkflowID,
		Status:           string(exec.Status),
		CurrentStepIndex: exec.CurrentStepIndex,
		AccumulatedData:  string(data),
		Handoffs:         string(handoffs),
		Error:            exec.Error,
		StartedAt:        exec.StartedAt,
		EndedAt:          exec.EndedAt,
		CreatedAt:        exec.CreatedAt,
		UpdatedAt:        exec.UpdatedAt,
	}, nil
}

func fromModel(m *executionModel) (*types.WorkflowExecution, error) {
	exec := &types.WorkflowExecution{
		ID:               m.ID,
		WorkflowID:       m.WorkflowID,
		Status:           types.ExecutionStatus(m.Status),
		CurrentStepIndex: m.CurrentStepIndex,
		Error:            m.Error,
		StartedAt:        m.StartedAt,
		EndedAt:          m.EndedAt,
		CreatedAt:        m.CreatedAt,
		UpdatedAt:        m.UpdatedAt,
	}
	if m.AccumulatedData != "" {
		if err := json.Unmarshal([]byte(m.AccumulatedData), &exec.AccumulatedData); err != nil {
			return nil, fmt.Errorf("unmarshal accumulated data for %s: %w", m.ID, err)
		}
	}
	if m.Handoffs != "" {
		if err := json.Unmarshal([]byte(m.Handoffs), &exec.Handoffs); err != nil {
			return nil, fmt.Errorf("unmarshal handoffs for %s: %w", m.ID, err)
		}
	}
	return exec, nil
}

// CreateExecution creates a pending execution.
func (s *GormStore) CreateExecution(ctx context.Context, def *types.WorkflowDefinition, initialData map[string]any) (*types.WorkflowExecution, error) {
	if def == nil {
		return nil, ErrInvalidInput
	}
	now := time.Now().UTC()
	exec := &types.WorkflowExecution{
		ID:         uuid.New().String(),
		WorkflowID: def.ID,
		Status:     types.ExecutionPending,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	exec.MergeData(initialData)
	if err := s.Save(ctx, exec); err != nil {
		return nil, err
	}
	return exec, nil
}

// Save persists the execution (idempotent upsert).
func (s *GormStore) Save(ctx context.Context, exec *types.WorkflowExecution) error {
	if exec == nil || exec.ID == "" {
		return ErrInvalidInput
	}
	exec.UpdatedAt = time.Now().UTC()
	model, err := toModel(exec)
	if err != nil {
		return err
	}
	err = s.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "id"}}, UpdateAll: true}).
		Create(model).Error
	if err != nil {
		return fmt.Errorf("persist execution %s: %w", exec.ID, err)
	}
	return nil
}

// Load retrieves an execution by ID.
func (s *GormStore) Load(ctx context.Context, executionID string) (*types.WorkflowExecution, error) {
	var model executionModel
	err := s.db.WithContext(ctx).First(&model, "id = ?", executionID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("execution %s: %w", executionID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("load execution %s: %w", executionID, err)
	}
	return fromModel(&model)
}

// ListActive returns IDs of non-terminal executions.
func (s *GormStore) ListActive(ctx context.Context) ([]string, error) {
	var ids []string
	err := s.db.WithContext(ctx).
		Model(&executionModel{}).
		Where("status IN ?", []string{
			string(types.ExecutionPending),
			string(types.ExecutionRunning),
			string(types.ExecutionPaused),
		}).
		Order("created_at").
		Pluck("id", &ids).Error
	if err != nil {
		return nil, fmt.Errorf("list active executions: %w", err)
	}
	return ids, nil
}

// TryAcquireLock claims the lease row inside one transaction: expired or
// own rows are cleared first, then a conditional insert decides the winner.
func (s *GormStore) TryAcquireLock(ctx context.Context, executionID, ownerID string, ttl time.Duration) (bool, error) {
	if executionID == "" || ownerID == "" || ttl <= 0 {
		return false, ErrInvalidInput
	}
	now := time.Now().UTC()
	acquired := false
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.
			Where("execution_id = ? AND (expires_at <= ? OR owner_id = ?)", executionID, now, ownerID).
			Delete(&lockModel{}).Error; err != nil {
			return err
		}
		res := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&lockModel{
			ExecutionID: executionID,
			OwnerID:     ownerID,
			AcquiredAt:  now,
			ExpiresAt:   now.Add(ttl),
		})
		if res.Error != nil {
			return res.Error
		}
		acquired = res.RowsAffected > 0
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("acquire lock for execution %s: %w", executionID, err)
	}
	return acquired, nil
}

// RenewLock extends a held lease.
func (s *GormStore) RenewLock(ctx context.Context, executionID, ownerID string, ttl time.Duration) error {
	now := time.Now().UTC()
	res := s.db.WithContext(ctx).
		Model(&lockModel{}).
		Where("execution_id = ? AND owner_id = ? AND expires_at > ?", executionID, ownerID, now).
		Update("expires_at", now.Add(ttl))
	if res.Error != nil {
		return fmt.Errorf("renew lock for execution %s: %w", executionID, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("renew lock for execution %s: %w", executionID, types.ErrLockContention)
	}
	return nil
}

// ReleaseLock releases the lease; owner mismatch is a no-op.
func (s *GormStore) ReleaseLock(ctx context.Context, executionID, ownerID string) error {
	err := s.db.WithContext(ctx).
		Where("execution_id = ? AND owner_id = ?", executionID, ownerID).
		Delete(&lockModel{}).Error
	if err != nil {
		return fmt.Errorf("release lock for execution %s: %w", executionID, err)
	}
	return nil
}

// Ping checks if the store is healthy.
func (s *GormStore) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Close closes the underlying database.
func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
