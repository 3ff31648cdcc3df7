package product

import (
	"context"
	"fmt"
	"sync"

	extErrors "github.com/pkg/errors"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// ManagerOptions provides initialization parameters for Manager
type ManagerOptions struct {
	DB     *gorm.DB
	Logger *zap.Logger
}

// Manager handles the catalog and the price-to-product entitlement mapping.
// The mapping is loaded once at startup (and on Reload) and validated:
// every active price must reference an existing active product.
type Manager struct {
	ManagerOptions

	mu           sync.RWMutex
	priceIndex   map[string]Product // price id -> product
	productIndex map[string]Product // product id -> product
}

// NewManager returns a new Manager for the product catalog
func NewManager(option ManagerOptions) (*Manager, error) {
	if option.DB == nil {
		return nil, fmt.Errorf("nil DB is invalid")
	}
	if option.Logger == nil {
		return nil, fmt.Errorf("nil Logger is invalid")
	}
	if err := option.DB.AutoMigrate(&Product{}, &Price{}); err != nil {
		return nil, extErrors.Wrap(err, "Cannot initialize product.Manager")
	}
	m := &Manager{
		ManagerOptions: option,
	}
	if err := m.Reload(context.Background()); err != nil {
		return nil, err
	}
	return m, nil
}

// Reload will rebuild the price-to-product mapping from the database,
// rejecting prices that reference unknown products
func (m *Manager) Reload(ctx context.Context) error {
	var products []Product
	if result := m.DB.WithContext(ctx).Where("is_active = ?", true).Find(&products); result.Error != nil {
		return extErrors.Wrap(result.Error, "Cannot load products")
	}
	var prices []Price
	if result := m.DB.WithContext(ctx).Where("is_active = ?", true).Find(&prices); result.Error != nil {
		return extErrors.Wrap(result.Error, "Cannot load prices")
	}

	productIndex := make(map[string]Product, len(products))
	for _, p := range products {
		productIndex[p.ID] = p
	}
	priceIndex := make(map[string]Product, len(prices))
	for _, price := range prices {
		p, ok := productIndex[price.ProductID]
		if !ok {
			return fmt.Errorf("price %s references unknown product %s", price.ID, price.ProductID)
		}
		priceIndex[price.ID] = p
	}

	m.mu.Lock()
	m.priceIndex = priceIndex
	m.productIndex = productIndex
	m.mu.Unlock()

	m.Logger.Info("Entitlement mapping loaded",
		zap.Int("Products", len(products)),
		zap.Int("Prices", len(prices)),
	)
	return nil
}

// GetByID returns the active product with the given id
func (m *Manager) GetByID(id string) (Product, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.productIndex[id]
	return p, ok
}

// ProductsForPrices maps external price ids to the distinct set of
// products they entitle. Unknown price ids are logged and skipped.
func (m *Manager) ProductsForPrices(priceIDs []string) []Product {
	m.mu.RLock()
	defer m.mu.RUnlock()

	seen := make(map[string]bool, len(priceIDs))
	results := make([]Product, 0, len(priceIDs))
	for _, id := range priceIDs {
		p, ok := m.priceIndex[id]
		if !ok {
			m.Logger.Warn("No product found for billing price",
				zap.String("PriceID", id),
			)
			continue
		}
		if seen[p.ID] {
			continue
		}
		seen[p.ID] = true
		results = append(results, p)
	}
	return results
}

// ValidatePrices reports whether every given price id is known to the mapping
func (m *Manager) ValidatePrices(priceIDs []string) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, id := range priceIDs {
		if _, ok := m.priceIndex[id]; !ok {
			return fmt.Errorf("unknown price id %s", id)
		}
	}
	return nil
}

// List returns the active catalog ordered for display
func (m *Manager) List(ctx context.Context) ([]Product, error) {
	results := make([]Product, 0, 1)
	result := m.DB.WithContext(ctx).
		Where("is_active = ?", true).
		Order("display_order asc, name asc").
		Find(&results)
	if result.Error != nil {
		m.Logger.Error("Database returned error",
			zap.Error(result.Error),
		)
		return nil, result.Error
	}
	return results, nil
}
