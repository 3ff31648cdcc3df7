package product

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func seededDB(t *testing.T, products []Product, prices []Price) *gorm.DB {
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "test.db")), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&Product{}, &Price{}))
	for k := range products {
		require.NoError(t, db.Create(&products[k]).Error)
	}
	for k := range prices {
		require.NoError(t, db.Create(&prices[k]).Error)
	}
	return db
}

func TestManagerRejectsOrphanPrice(t *testing.T) {
	db := seededDB(t,
		[]Product{{ID: "prod_vpn", Slug: "vpn", Name: "VPN", IsActive: true}},
		[]Price{{ID: "price_orphan", ProductID: "prod_missing", BillingPeriod: PeriodMonthly, IsActive: true}},
	)
	_, err := NewManager(ManagerOptions{DB: db, Logger: zap.NewNop()})
	require.Error(t, err)
	require.Contains(t, err.Error(), "unknown product")
}

func TestProductsForPricesDeduplicates(t *testing.T) {
	db := seededDB(t,
		[]Product{{ID: "prod_vpn", Slug: "vpn", Name: "VPN", IsActive: true}},
		[]Price{
			{ID: "price_monthly", ProductID: "prod_vpn", BillingPeriod: PeriodMonthly, IsActive: true},
			{ID: "price_annual", ProductID: "prod_vpn", BillingPeriod: PeriodAnnual, IsActive: true},
		},
	)
	m, err := NewManager(ManagerOptions{DB: db, Logger: zap.NewNop()})
	require.NoError(t, err)

	// both billing periods of the same product entitle one product
	results := m.ProductsForPrices([]string{"price_monthly", "price_annual"})
	require.Len(t, results, 1)
	require.Equal(t, "prod_vpn", results[0].ID)

	// unknown prices are skipped, not fatal
	results = m.ProductsForPrices([]string{"price_monthly", "price_unknown"})
	require.Len(t, results, 1)
}

func TestValidatePrices(t *testing.T) {
	db := seededDB(t,
		[]Product{{ID: "prod_vpn", Slug: "vpn", Name: "VPN", IsActive: true}},
		[]Price{{ID: "price_monthly", ProductID: "prod_vpn", BillingPeriod: PeriodMonthly, IsActive: true}},
	)
	m, err := NewManager(ManagerOptions{DB: db, Logger: zap.NewNop()})
	require.NoError(t, err)

	require.NoError(t, m.ValidatePrices([]string{"price_monthly"}))
	require.Error(t, m.ValidatePrices([]string{"price_monthly", "price_unknown"}))
}

func TestInactiveEntriesAreExcluded(t *testing.T) {
	db := seededDB(t,
		[]Product{
			{ID: "prod_vpn", Slug: "vpn", Name: "VPN", IsActive: true},
			{ID: "prod_old", Slug: "old", Name: "Retired", IsActive: false},
		},
		[]Price{
			{ID: "price_monthly", ProductID: "prod_vpn", BillingPeriod: PeriodMonthly, IsActive: true},
			{ID: "price_retired", ProductID: "prod_vpn", BillingPeriod: PeriodMonthly, IsActive: false},
		},
	)
	m, err := NewManager(ManagerOptions{DB: db, Logger: zap.NewNop()})
	require.NoError(t, err)

	_, ok := m.GetByID("prod_old")
	require.False(t, ok)
	require.Error(t, m.ValidatePrices([]string{"price_retired"}))

	list, err := m.List(context.Background())
	require.NoError(t, err)
	require.Len(t, list, 1)
}
