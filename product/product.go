package product

import "time"

// Product is a catalog entry (e.g. a file-sync service, a password vault).
// Products can have sub-products (add-ons) via ParentID. Read-mostly
// reference data: the reconciliation core never mutates the catalog.
type Product struct {
	ID               string    `json:"id" gorm:"primaryKey"`
	Slug             string    `json:"slug" gorm:"uniqueIndex"` // used for entitlement flags (e.g. "nextcloud")
	Name             string    `json:"name"`
	Description      string    `json:"description"`
	Icon             string    `json:"icon"`
	ParentID         *string   `json:"parentId" gorm:"index"` // set for add-ons like extra storage
	IsAddon          bool      `json:"isAddon"`
	RequiresInstance bool      `json:"requiresInstance"` // false for standalone services
	StandaloneURL    string    `json:"standaloneUrl"`    // URL for products without instances
	IsActive         bool      `json:"isActive"`
	DisplayOrder     int       `json:"displayOrder"`
	CreatedAt        time.Time `json:"createdAt"`
}

// Price maps an external billing price id to a Product. This is the
// entitlement mapping table: it is loaded and validated at startup.
type Price struct {
	ID            string    `json:"id" gorm:"primaryKey"` // the billing provider's price id
	ProductID     string    `json:"productId" gorm:"index"`
	BillingPeriod string    `json:"billingPeriod"` // monthly or annual
	AmountCents   int64     `json:"amountCents"`   // for display purposes only
	Currency      string    `json:"currency"`
	IsActive      bool      `json:"isActive"`
	CreatedAt     time.Time `json:"createdAt"`
}

// Billing period constants
const (
	PeriodMonthly string = "monthly"
	PeriodAnnual         = "annual"
)
