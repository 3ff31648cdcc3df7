package instance

import (
	"context"
	"database/sql"
	"errors"
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

// Manager handles seat allocation across instances. All seat mutations
// run in serializable transactions holding row locks on every instance
// of the product, so two concurrent allocations can never both take the
// last seat.
type Manager struct {
	ManagerOptions
}

// NewManager returns a new Manager for instances
func NewManager(option ManagerOptions) (*Manager, error) {
	if option.DB == nil {
		return nil, fmt.Errorf("nil DB is invalid")
	}
	if option.Logger == nil {
		return nil, fmt.Errorf("nil Logger is invalid")
	}
	if err := option.DB.AutoMigrate(&Instance{}, &Assignment{}); err != nil {
		return nil, extErrors.Wrap(err, "Cannot initialize instance.Manager")
	}
	return &Manager{
		ManagerOptions: option,
	}, nil
}

// pickLeastLoaded returns the available instance with the fewest
// allocated seats. Ties resolve to the lowest id, which the caller
// guarantees by passing instances in id order.
func pickLeastLoaded(instances []Instance) *Instance {
	var best *Instance
	for k, inst := range instances {
		if !inst.Available() {
			continue
		}
		if best == nil || inst.AllocatedSeats < best.AllocatedSeats {
			best = &instances[k]
		}
	}
	return best
}

// Allocate places the customer on the least-loaded available instance of
// the product and returns it. If the customer already holds a seat for
// the product the existing instance is returned unchanged, so retried
// tasks never double-allocate. Returns ErrCapacityExhausted when every
// instance is at its allocation cap.
func (m *Manager) Allocate(ctx context.Context, customerID, productID string) (*Instance, error) {
	var allocated Instance
	err := m.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing Assignment
		lookup := tx.Where("customer_id = ? AND product_id = ?", customerID, productID).First(&existing)
		if lookup.Error == nil {
			return tx.First(&allocated, "id = ?", existing.InstanceID).Error
		}
		if !errors.Is(lookup.Error, gorm.ErrRecordNotFound) {
			return lookup.Error
		}

		// lock every instance of the product, in a stable order to
		// avoid deadlocks between concurrent allocations
		var instances []Instance
		if result := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("product_id = ?", productID).
			Order("id").
			Find(&instances); result.Error != nil {
			return result.Error
		}

		chosen := pickLeastLoaded(instances)
		if chosen == nil {
			return ErrCapacityExhausted
		}
		if chosen.AllocatedSeats >= chosen.HardCap {
			return ErrCapacityExhausted
		}

		chosen.AllocatedSeats++
		if result := tx.Model(&Instance{}).
			Where("id = ?", chosen.ID).
			UpdateColumn("allocated_seats", chosen.AllocatedSeats); result.Error != nil {
			return result.Error
		}

		if chosen.AllocatedSeats >= chosen.SoftCap {
			m.Logger.Warn("Instance crossed its soft capacity",
				zap.Uint("InstanceID", chosen.ID),
				zap.String("InstanceName", chosen.Name),
				zap.Int64("AllocatedSeats", chosen.AllocatedSeats),
				zap.Int64("SoftCap", chosen.SoftCap),
			)
		}

		if result := tx.Create(&Assignment{
			CustomerID: customerID,
			ProductID:  productID,
			InstanceID: chosen.ID,
		}); result.Error != nil {
			return result.Error
		}

		allocated = *chosen
		return nil
	}, &sql.TxOptions{Isolation: sql.LevelSerializable})

	if err != nil {
		if errors.Is(err, ErrCapacityExhausted) {
			m.Logger.Error("Seat allocation exhausted capacity",
				zap.String("CustomerID", customerID),
				zap.String("ProductID", productID),
			)
			return nil, err
		}
		return nil, extErrors.Wrap(err, "Cannot allocate seat")
	}

	m.Logger.Info("Seat allocated",
		zap.String("CustomerID", customerID),
		zap.String("ProductID", productID),
		zap.Uint("InstanceID", allocated.ID),
	)
	return &allocated, nil
}

// Release frees the customer's seat for the product. The seat counter
// never goes below zero, and releasing a non-existent assignment is a
// no-op so retried revocations stay safe.
func (m *Manager) Release(ctx context.Context, customerID, productID string) error {
	err := m.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing Assignment
		lookup := tx.Where("customer_id = ? AND product_id = ?", customerID, productID).First(&existing)
		if errors.Is(lookup.Error, gorm.ErrRecordNotFound) {
			return nil
		}
		if lookup.Error != nil {
			return lookup.Error
		}

		if result := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			First(&Instance{}, "id = ?", existing.InstanceID); result.Error != nil {
			return result.Error
		}

		if result := tx.Model(&Instance{}).
			Where("id = ?", existing.InstanceID).
			UpdateColumn("allocated_seats", gorm.Expr("GREATEST(0, allocated_seats - 1)")); result.Error != nil {
			return result.Error
		}

		return tx.Delete(&Assignment{}, "id = ?", existing.ID).Error
	}, &sql.TxOptions{Isolation: sql.LevelSerializable})

	if err != nil {
		return extErrors.Wrap(err, "Cannot release seat")
	}

	m.Logger.Info("Seat released",
		zap.String("CustomerID", customerID),
		zap.String("ProductID", productID),
	)
	return nil
}

// AssignedInstance returns the instance holding the customer's seat for
// the product, or nil when the customer has no seat
func (m *Manager) AssignedInstance(ctx context.Context, customerID, productID string) (*Instance, error) {
	var existing Assignment
	lookup := m.DB.WithContext(ctx).
		Where("customer_id = ? AND product_id = ?", customerID, productID).
		First(&existing)
	if errors.Is(lookup.Error, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if lookup.Error != nil {
		return nil, extErrors.Wrap(lookup.Error, "Cannot look up assignment")
	}
	var inst Instance
	if result := m.DB.WithContext(ctx).First(&inst, "id = ?", existing.InstanceID); result.Error != nil {
		return nil, extErrors.Wrap(result.Error, "Cannot look up instance")
	}
	return &inst, nil
}

// ListAssignments returns all of the customer's seats
func (m *Manager) ListAssignments(ctx context.Context, customerID string) ([]Assignment, error) {
	results := make([]Assignment, 0, 1)
	result := m.DB.WithContext(ctx).
		Where("customer_id = ?", customerID).
		Find(&results)
	if result.Error != nil {
		m.Logger.Error("Database returned error",
			zap.Error(result.Error),
		)
		return nil, result.Error
	}
	return results, nil
}

// List returns all instances ordered by product and id, for the operator
// capacity report
func (m *Manager) List(ctx context.Context) ([]Instance, error) {
	results := make([]Instance, 0, 1)
	result := m.DB.WithContext(ctx).
		Order("product_id asc, id asc").
		Find(&results)
	if result.Error != nil {
		m.Logger.Error("Database returned error",
			zap.Error(result.Error),
		)
		return nil, result.Error
	}
	return results, nil
}
