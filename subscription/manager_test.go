package subscription

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v72/client"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func testSubscriptionManager(t *testing.T) *Manager {
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "test.db")), &gorm.Config{})
	require.NoError(t, err)
	sc := &client.API{}
	sc.Init("sk_test_unused", nil)
	m, err := NewManager(ManagerOptions{
		StripeClient: sc,
		DB:           db,
		Logger:       zap.NewNop(),
	})
	require.NoError(t, err)
	return m
}

func TestReplaceItemsIsFullReplacement(t *testing.T) {
	m := testSubscriptionManager(t)
	ctx := context.Background()

	require.NoError(t, m.DB.Create(&Subscription{
		ID:         "sub_1",
		CustomerID: "cus_1",
		Status:     StatusActive,
		Version:    100,
	}).Error)

	require.NoError(t, m.ReplaceItems(m.DB, "sub_1", []Item{
		{ID: "si_1", PriceID: "price_a", Quantity: 1},
		{ID: "si_2", PriceID: "price_b", Quantity: 1},
	}))

	sub, err := m.Get(ctx, "sub_1")
	require.NoError(t, err)
	require.NotNil(t, sub)
	require.Len(t, sub.Items, 2)

	require.NoError(t, m.ReplaceItems(m.DB, "sub_1", []Item{
		{ID: "si_3", PriceID: "price_c", Quantity: 1},
	}))

	sub, err = m.Get(ctx, "sub_1")
	require.NoError(t, err)
	require.Len(t, sub.Items, 1)
	require.Equal(t, "price_c", sub.Items[0].PriceID)

	require.NoError(t, m.ReplaceItems(m.DB, "sub_1", nil))
	sub, err = m.Get(ctx, "sub_1")
	require.NoError(t, err)
	require.Empty(t, sub.Items)
}

func TestEntitledPriceIDsGatedByStatus(t *testing.T) {
	m := testSubscriptionManager(t)
	ctx := context.Background()

	require.NoError(t, m.DB.Create(&Subscription{
		ID:         "sub_1",
		CustomerID: "cus_1",
		Status:     StatusActive,
		Version:    100,
	}).Error)
	require.NoError(t, m.ReplaceItems(m.DB, "sub_1", []Item{
		{ID: "si_1", PriceID: "price_a", Quantity: 1, PeriodStart: time.Now(), PeriodEnd: time.Now().Add(time.Hour)},
	}))

	ids, err := m.EntitledPriceIDs(ctx, "sub_1")
	require.NoError(t, err)
	require.Equal(t, []string{"price_a"}, ids)

	// past_due retains entitlements
	require.NoError(t, m.DB.Model(&Subscription{}).Where("id = ?", "sub_1").
		UpdateColumn("status", StatusPastDue).Error)
	ids, err = m.EntitledPriceIDs(ctx, "sub_1")
	require.NoError(t, err)
	require.Len(t, ids, 1)

	// canceled does not
	require.NoError(t, m.DB.Model(&Subscription{}).Where("id = ?", "sub_1").
		UpdateColumn("status", StatusCanceled).Error)
	ids, err = m.EntitledPriceIDs(ctx, "sub_1")
	require.NoError(t, err)
	require.Empty(t, ids)

	// unknown subscription is an empty set, not an error
	ids, err = m.EntitledPriceIDs(ctx, "sub_unknown")
	require.NoError(t, err)
	require.Empty(t, ids)
}

func TestEntitledStates(t *testing.T) {
	entitled := []Status{StatusActive, StatusTrialing, StatusPastDue}
	for _, status := range entitled {
		require.True(t, (&Subscription{Status: status}).Entitled(), string(status))
	}
	revoked := []Status{StatusCanceled, StatusDisabled, Status("incomplete")}
	for _, status := range revoked {
		require.False(t, (&Subscription{Status: status}).Entitled(), string(status))
	}
}
