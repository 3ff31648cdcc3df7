package task

import (
	"context"
	"fmt"

	extErrors "github.com/pkg/errors"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Manager handles the database operations relating to the failed-task ledger
type Manager struct {
	db     *gorm.DB
	logger *zap.Logger
}

// NewManager returns a new Manager for the failed-task ledger
func NewManager(logger *zap.Logger, db *gorm.DB) (*Manager, error) {
	if logger == nil {
		return nil, fmt.Errorf("nil Logger is invalid")
	}
	if db == nil {
		return nil, fmt.Errorf("nil DB is invalid")
	}
	if err := db.AutoMigrate(&FailedTask{}); err != nil {
		return nil, extErrors.Wrap(err, "Cannot initialize task.Manager")
	}
	return &Manager{
		db:     db,
		logger: logger,
	}, nil
}

// RecordFailure will persist a permanently failed task
func (m *Manager) RecordFailure(ctx context.Context, failed *FailedTask) error {
	result := m.db.WithContext(ctx).Create(failed)
	if result.Error != nil {
		m.logger.Error("Unable to record permanently failed task",
			zap.String("TaskID", failed.ID),
			zap.Error(result.Error),
		)
		return extErrors.Wrap(result.Error, "Cannot record failed task")
	}
	return nil
}

// ListFailed returns permanently failed tasks, newest first
func (m *Manager) ListFailed(ctx context.Context, limit int) ([]FailedTask, error) {
	results := make([]FailedTask, 0, 1)
	baseQuery := m.db.WithContext(ctx).Order("created_at desc")
	if limit > 0 {
		baseQuery = baseQuery.Limit(limit)
	}
	result := baseQuery.Find(&results)
	if result.Error != nil {
		m.logger.Error("Database returned error",
			zap.Error(result.Error),
		)
		return nil, result.Error
	}
	return results, nil
}
