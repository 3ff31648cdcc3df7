package entitlement

import (
	"time"

	"github.com/skylantix/dash/product"
)

// Grant records that a customer currently holds an entitlement to a
// product. The set is owned by the Synchronizer: desired grants are
// recomputed from the subscription on every sync and this table is
// converged to match, so a crashed sync heals on the next run.
type Grant struct {
	ID         uint      `json:"id" gorm:"primaryKey"`
	CustomerID string    `json:"customerId" gorm:"uniqueIndex:idx_grant_customer_product"`
	ProductID  string    `json:"productId" gorm:"uniqueIndex:idx_grant_customer_product"`
	Slug       string    `json:"slug"` // denormalized so revocation works after catalog changes
	CreatedAt  time.Time `json:"createdAt"`
}

// diff splits the desired product set against currently held grants.
// gained are desired products with no grant yet, lost are grants whose
// product is no longer desired.
func diff(current []Grant, desired []product.Product) (gained []product.Product, lost []Grant) {
	held := make(map[string]bool, len(current))
	for _, g := range current {
		held[g.ProductID] = true
	}
	wanted := make(map[string]bool, len(desired))
	for _, p := range desired {
		wanted[p.ID] = true
		if !held[p.ID] {
			gained = append(gained, p)
		}
	}
	for _, g := range current {
		if !wanted[g.ProductID] {
			lost = append(lost, g)
		}
	}
	return gained, lost
}
