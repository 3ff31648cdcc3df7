package subscription

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/lithammer/shortuuid/v3"
	extErrors "github.com/pkg/errors"
	"github.com/stripe/stripe-go/v72"
	"github.com/stripe/stripe-go/v72/client"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// ManagerOptions provides initialization parameters for Manager
type ManagerOptions struct {
	StripeClient *client.API
	DB           *gorm.DB
	Logger       *zap.Logger
}

// Manager handles the database operations relating to Subscriptions,
// and the read-side of the billing provider boundary. Lifecycle status
// transitions are owned by the webhook Event Processor, not by Manager.
type Manager struct {
	ManagerOptions
}

// NewManager returns a new Manager for subscriptions
func NewManager(option ManagerOptions) (*Manager, error) {
	if option.StripeClient == nil {
		return nil, fmt.Errorf("nil StripeClient is invalid")
	}
	if option.DB == nil {
		return nil, fmt.Errorf("nil DB is invalid")
	}
	if option.Logger == nil {
		return nil, fmt.Errorf("nil Logger is invalid")
	}
	if err := option.DB.AutoMigrate(&Subscription{}, &Item{}); err != nil {
		return nil, extErrors.Wrap(err, "Cannot initialize subscription.Manager")
	}
	return &Manager{
		ManagerOptions: option,
	}, nil
}

// Get will try to return the subscription with its line items
func (m *Manager) Get(ctx context.Context, id string) (*Subscription, error) {
	var sub Subscription
	result := m.DB.WithContext(ctx).
		Preload("Items").
		Where("id = ?", id).
		First(&sub)

	if errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return nil, nil
	}

	if result.Error != nil {
		m.Logger.Error("Database returned error",
			zap.Error(result.Error),
		)
		return nil, extErrors.Wrap(result.Error, "Cannot get subscription by id")
	}

	return &sub, nil
}

// GetByCustomer will try to return the customer's subscription with its line items
func (m *Manager) GetByCustomer(ctx context.Context, customerID string) (*Subscription, error) {
	var sub Subscription
	result := m.DB.WithContext(ctx).
		Preload("Items").
		Where("customer_id = ?", customerID).
		Order("created_at desc").
		First(&sub)

	if errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return nil, nil
	}

	if result.Error != nil {
		m.Logger.Error("Database returned error",
			zap.Error(result.Error),
		)
		return nil, extErrors.Wrap(result.Error, "Cannot get subscription by customer id")
	}

	return &sub, nil
}

// ReplaceItems will atomically replace the line-item cache of a
// subscription. tx may be a transaction owned by the caller (the Event
// Processor replaces items inside the same transaction that applies the
// lifecycle transition).
func (m *Manager) ReplaceItems(tx *gorm.DB, subscriptionID string, items []Item) error {
	if result := tx.Where("subscription_id = ?", subscriptionID).Delete(&Item{}); result.Error != nil {
		return extErrors.Wrap(result.Error, "Cannot clear line items")
	}
	for k := range items {
		if len(items[k].ID) == 0 {
			items[k].ID = shortuuid.New()
		}
		items[k].SubscriptionID = subscriptionID
	}
	if len(items) == 0 {
		return nil
	}
	if result := tx.Create(&items); result.Error != nil {
		return extErrors.Wrap(result.Error, "Cannot create line items")
	}
	return nil
}

// EntitledPriceIDs returns the price ids of the subscription's line items
// if the subscription status currently grants entitlements, or an empty
// set otherwise. Recomputed fresh from the cache on each sync for
// correctness, never tracked incrementally.
func (m *Manager) EntitledPriceIDs(ctx context.Context, subscriptionID string) ([]string, error) {
	sub, err := m.Get(ctx, subscriptionID)
	if err != nil {
		return nil, err
	}
	if sub == nil || !sub.Entitled() {
		return []string{}, nil
	}
	priceIDs := make([]string, 0, len(sub.Items))
	for _, item := range sub.Items {
		priceIDs = append(priceIDs, item.PriceID)
	}
	return priceIDs, nil
}

// ItemsFromStripe converts billing provider line items into the local cache shape
func ItemsFromStripe(sub *stripe.Subscription) []Item {
	if sub == nil || sub.Items == nil {
		return []Item{}
	}
	items := make([]Item, 0, len(sub.Items.Data))
	for _, si := range sub.Items.Data {
		if si.Price == nil {
			continue
		}
		items = append(items, Item{
			ID:          si.ID,
			PriceID:     si.Price.ID,
			Quantity:    si.Quantity,
			PeriodStart: time.Unix(sub.CurrentPeriodStart, 0),
			PeriodEnd:   time.Unix(sub.CurrentPeriodEnd, 0),
		})
	}
	return items
}

// RefreshItemsFromStripe will fetch the subscription from the billing
// provider and replace the local line-item cache. Used by the provisioning
// task when the webhook payload did not carry expanded line items; normal
// operation relies on webhook-driven updates.
func (m *Manager) RefreshItemsFromStripe(ctx context.Context, subscriptionID string) error {
	params := &stripe.SubscriptionParams{
		Params: stripe.Params{
			Context: ctx,
		},
	}
	params.AddExpand("items.data.price")
	sub, err := m.StripeClient.Subscriptions.Get(subscriptionID, params)
	if err != nil {
		return extErrors.Wrap(err, "Unable to fetch subscription from Stripe")
	}
	return m.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return m.ReplaceItems(tx, subscriptionID, ItemsFromStripe(sub))
	})
}

// CheckoutOptions describes a hosted checkout session to be created
type CheckoutOptions struct {
	Email      string
	PriceIDs   []string
	Metadata   map[string]string
	SuccessURL string
	CancelURL  string
}

// CreateCheckoutSession will create a subscription-mode checkout session
// on the billing provider
func (m *Manager) CreateCheckoutSession(ctx context.Context, opt CheckoutOptions) (*stripe.CheckoutSession, error) {
	if len(opt.Email) == 0 {
		return nil, fmt.Errorf("CheckoutOptions.Email is required")
	}
	if len(opt.PriceIDs) == 0 {
		return nil, fmt.Errorf("CheckoutOptions.PriceIDs is required")
	}

	lineItems := make([]*stripe.CheckoutSessionLineItemParams, 0, len(opt.PriceIDs))
	for _, priceID := range opt.PriceIDs {
		lineItems = append(lineItems, &stripe.CheckoutSessionLineItemParams{
			Price:    stripe.String(priceID),
			Quantity: stripe.Int64(1),
		})
	}

	params := &stripe.CheckoutSessionParams{
		Params: stripe.Params{
			Context:  ctx,
			Metadata: opt.Metadata,
		},
		Mode:          stripe.String(string(stripe.CheckoutSessionModeSubscription)),
		CustomerEmail: stripe.String(opt.Email),
		LineItems:     lineItems,
		SuccessURL:    stripe.String(opt.SuccessURL),
		CancelURL:     stripe.String(opt.CancelURL),
	}

	session, err := m.StripeClient.CheckoutSessions.New(params)
	if err != nil {
		m.Logger.Error("Unable to create checkout session in Stripe",
			zap.Error(err),
		)
		return nil, extErrors.Wrap(err, "Cannot create checkout session")
	}
	return session, nil
}
