package customer

import (
	"time"

	"github.com/skylantix/dash/subscription"
)

// Customer is the local user profile linking the billing provider and the
// identity provider. SubscriptionStatus mirrors the Subscription record for
// fast authorization checks; the Event Processor is the only writer.
type Customer struct {
	ID                 string              `json:"id" gorm:"primaryKey"` // Corresponds to the billing provider's customer id
	Email              string              `json:"email" gorm:"uniqueIndex"`
	Username           string              `json:"username"`
	FirstName          string              `json:"firstName"`
	LastName           string              `json:"lastName"`
	KeycloakID         string              `json:"keycloakId" gorm:"index"` // identity provider user id
	SubscriptionID     string              `json:"subscriptionId" gorm:"index"`
	SubscriptionStatus subscription.Status `json:"subscriptionStatus"`
	CreatedAt          time.Time           `json:"createdAt"`
	UpdatedAt          time.Time           `json:"updatedAt"`
}

// HasActiveSubscription reports whether the cached status grants access
func (c *Customer) HasActiveSubscription() bool {
	return c.SubscriptionStatus == subscription.StatusActive ||
		c.SubscriptionStatus == subscription.StatusTrialing
}
