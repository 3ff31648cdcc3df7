package entitlement

import (
	"testing"

	"github.com/skylantix/dash/product"

	"github.com/stretchr/testify/require"
)

func TestDiff(t *testing.T) {
	vpn := product.Product{ID: "prod_vpn", Slug: "vpn"}
	storage := product.Product{ID: "prod_storage", Slug: "storage"}
	games := product.Product{ID: "prod_games", Slug: "games"}

	t.Run("FreshCustomerGainsEverything", func(t *testing.T) {
		gained, lost := diff(nil, []product.Product{vpn, storage})
		require.Len(t, gained, 2)
		require.Empty(t, lost)
	})

	t.Run("CancellationLosesEverything", func(t *testing.T) {
		current := []Grant{
			{ID: 1, ProductID: vpn.ID, Slug: vpn.Slug},
			{ID: 2, ProductID: storage.ID, Slug: storage.Slug},
		}
		gained, lost := diff(current, nil)
		require.Empty(t, gained)
		require.Len(t, lost, 2)
	})

	t.Run("PlanChangeSwapsProducts", func(t *testing.T) {
		current := []Grant{
			{ID: 1, ProductID: vpn.ID, Slug: vpn.Slug},
			{ID: 2, ProductID: storage.ID, Slug: storage.Slug},
		}
		gained, lost := diff(current, []product.Product{storage, games})
		require.Len(t, gained, 1)
		require.Equal(t, games.ID, gained[0].ID)
		require.Len(t, lost, 1)
		require.Equal(t, vpn.ID, lost[0].ProductID)
	})

	t.Run("NoChangeIsEmptyBothWays", func(t *testing.T) {
		current := []Grant{
			{ID: 1, ProductID: vpn.ID, Slug: vpn.Slug},
		}
		gained, lost := diff(current, []product.Product{vpn})
		require.Empty(t, gained)
		require.Empty(t, lost)
	})
}
