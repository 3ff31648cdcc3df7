package entitlement

import (
	"context"
	"fmt"

	extErrors "github.com/pkg/errors"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ManagerOptions provides initialization parameters for Manager
type ManagerOptions struct {
	DB     *gorm.DB
	Logger *zap.Logger
}

// Manager handles the database operations relating to Grants
type Manager struct {
	ManagerOptions
}

// NewManager returns a new Manager for entitlement grants
func NewManager(option ManagerOptions) (*Manager, error) {
	if option.DB == nil {
		return nil, fmt.Errorf("nil DB is invalid")
	}
	if option.Logger == nil {
		return nil, fmt.Errorf("nil Logger is invalid")
	}
	if err := option.DB.AutoMigrate(&Grant{}); err != nil {
		return nil, extErrors.Wrap(err, "Cannot initialize entitlement.Manager")
	}
	return &Manager{
		ManagerOptions: option,
	}, nil
}

// ListByCustomer returns the customer's currently held grants
func (m *Manager) ListByCustomer(ctx context.Context, customerID string) ([]Grant, error) {
	results := make([]Grant, 0, 1)
	result := m.DB.WithContext(ctx).
		Where("customer_id = ?", customerID).
		Find(&results)
	if result.Error != nil {
		m.Logger.Error("Database returned error",
			zap.Error(result.Error),
		)
		return nil, extErrors.Wrap(result.Error, "Cannot list grants")
	}
	return results, nil
}

// Record persists a grant, tolerating replays of the same grant
func (m *Manager) Record(ctx context.Context, g *Grant) error {
	result := m.DB.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(g)
	if result.Error != nil {
		return extErrors.Wrap(result.Error, "Cannot record grant")
	}
	return nil
}

// Remove deletes a grant by id
func (m *Manager) Remove(ctx context.Context, id uint) error {
	if result := m.DB.WithContext(ctx).Delete(&Grant{}, "id = ?", id); result.Error != nil {
		return extErrors.Wrap(result.Error, "Cannot remove grant")
	}
	return nil
}
