package subscription

import "time"

// Status is the custom type to define the current lifecycle state of a subscription
type Status string

// Lifecycle states, mirroring the billing provider's vocabulary
const (
	StatusTrialing Status = "trialing"
	StatusActive   Status = "active"
	StatusPastDue  Status = "past_due"
	StatusCanceled Status = "canceled"
	StatusDisabled Status = "disabled"
)

// Subscription is the locally-owned mirror of a billing provider
// subscription. Mutated only by the Event Processor; never physically
// deleted, it transitions to canceled/disabled instead.
//
// Version is the provider-supplied sequence marker of the last applied
// event. Events carrying a version <= Version are stale and produce no
// state mutation.
type Subscription struct {
	ID         string    `json:"id" gorm:"primaryKey"`    // Corresponds to the billing provider's subscription id
	CustomerID string    `json:"customerId" gorm:"index"` // Corresponds to the billing provider's customer id
	Status     Status    `json:"status"`
	Version    int64     `json:"version"`
	Items      []Item    `json:"items"`
	CreatedAt  time.Time `json:"createdAt"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

// Item is a local cache of one billed line item. The set is fully
// replaced on each reconciling event, never incrementally patched.
type Item struct {
	ID             string    `json:"id" gorm:"primaryKey"`
	SubscriptionID string    `json:"subscriptionId" gorm:"index"`
	PriceID        string    `json:"priceId" gorm:"index"` // the billing provider's price id
	Quantity       int64     `json:"quantity"`
	PeriodStart    time.Time `json:"periodStart"`
	PeriodEnd      time.Time `json:"periodEnd"`
}

// Entitled reports whether the subscription's line items currently grant
// entitlements. past_due retains access at the entitlement layer; the
// identity-provider account is disabled separately until payment clears.
func (s *Subscription) Entitled() bool {
	switch s.Status {
	case StatusActive, StatusTrialing, StatusPastDue:
		return true
	default:
		return false
	}
}
