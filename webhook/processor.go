package webhook

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/skylantix/dash/customer"
	"github.com/skylantix/dash/subscription"
	"github.com/skylantix/dash/task"

	extErrors "github.com/pkg/errors"
	"github.com/stripe/stripe-go/v72"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ProcessorOptions provides initialization parameters for Processor
type ProcessorOptions struct {
	DB            *gorm.DB
	Subscriptions *subscription.Manager
	Dispatcher    *task.Dispatcher
	Logger        *zap.Logger
}

// Processor applies billing events to local state. All mutations for one
// event happen in a single serializable transaction together with the
// idempotency ledger insert; side effects that leave the database are
// enqueued as tasks only after the transaction commits.
type Processor struct {
	ProcessorOptions
}

// NewProcessor returns a new Processor for billing events
func NewProcessor(option ProcessorOptions) (*Processor, error) {
	if option.DB == nil {
		return nil, fmt.Errorf("nil DB is invalid")
	}
	if option.Subscriptions == nil {
		return nil, fmt.Errorf("nil Subscriptions is invalid")
	}
	if option.Dispatcher == nil {
		return nil, fmt.Errorf("nil Dispatcher is invalid")
	}
	if option.Logger == nil {
		return nil, fmt.Errorf("nil Logger is invalid")
	}
	if err := option.DB.AutoMigrate(&ProcessedEvent{}); err != nil {
		return nil, extErrors.Wrap(err, "Cannot initialize webhook.Processor")
	}
	return &Processor{
		ProcessorOptions: option,
	}, nil
}

type followup struct {
	name    string
	payload interface{}
}

func setOutcome(tx *gorm.DB, eventID, outcome string) error {
	return tx.Model(&ProcessedEvent{}).
		Where("id = ?", eventID).
		UpdateColumn("outcome", outcome).Error
}

func statusFromStripe(s stripe.SubscriptionStatus) subscription.Status {
	switch s {
	case stripe.SubscriptionStatusActive:
		return subscription.StatusActive
	case stripe.SubscriptionStatusTrialing:
		return subscription.StatusTrialing
	case stripe.SubscriptionStatusPastDue, stripe.SubscriptionStatusUnpaid:
		return subscription.StatusPastDue
	case stripe.SubscriptionStatusCanceled, stripe.SubscriptionStatusIncompleteExpired:
		return subscription.StatusCanceled
	default:
		return subscription.Status(string(s))
	}
}

// Process applies one event exactly once. A redelivered or out-of-order
// event is acknowledged without mutating state. Returning an error means
// nothing was committed and the sender should redeliver.
func (p *Processor) Process(ctx context.Context, event stripe.Event) error {
	logger := p.Logger.With(
		zap.String("EventID", event.ID),
		zap.String("EventType", event.Type),
	)

	var followups []followup
	err := p.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		ledger := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&ProcessedEvent{
			ID:      event.ID,
			Type:    event.Type,
			Outcome: OutcomeApplied,
		})
		if ledger.Error != nil {
			return ledger.Error
		}
		if ledger.RowsAffected == 0 {
			logger.Info("Duplicate event acknowledged")
			return nil
		}

		switch event.Type {
		case "checkout.session.completed":
			return p.handleCheckoutCompleted(tx, event, &followups, logger)
		case "customer.subscription.updated":
			return p.handleSubscriptionUpdated(tx, event, &followups, logger)
		case "customer.subscription.deleted":
			return p.handleSubscriptionDeleted(tx, event, &followups, logger)
		case "invoice.payment_failed":
			return p.handlePaymentFailed(tx, event, &followups, logger)
		default:
			logger.Info("Event type not handled")
			return setOutcome(tx, event.ID, OutcomeIgnored)
		}
	}, &sql.TxOptions{Isolation: sql.LevelSerializable})

	if err != nil {
		logger.Error("Unable to process event",
			zap.Error(err),
		)
		return extErrors.Wrap(err, "Cannot process event")
	}

	// enqueued strictly after commit so a worker can never observe
	// pre-transaction state
	for _, f := range followups {
		if err := p.Dispatcher.Submit(ctx, f.name, f.payload); err != nil {
			logger.Error("Unable to enqueue follow-up task",
				zap.String("TaskName", f.name),
				zap.Error(err),
			)
		}
	}
	return nil
}

// lockSubscription loads the subscription row FOR UPDATE, or nil when absent
func lockSubscription(tx *gorm.DB, id string) (*subscription.Subscription, error) {
	var sub subscription.Subscription
	result := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id = ?", id).
		First(&sub)
	if errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if result.Error != nil {
		return nil, result.Error
	}
	return &sub, nil
}

// mirrorStatus copies the subscription status onto the owning customer
// profile for fast authorization checks
func mirrorStatus(tx *gorm.DB, subscriptionID string, status subscription.Status) (*customer.Customer, error) {
	var cust customer.Customer
	result := tx.Where("subscription_id = ?", subscriptionID).First(&cust)
	if errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if result.Error != nil {
		return nil, result.Error
	}
	cust.SubscriptionStatus = status
	if result := tx.Save(&cust); result.Error != nil {
		return nil, result.Error
	}
	return &cust, nil
}

func (p *Processor) handleCheckoutCompleted(tx *gorm.DB, event stripe.Event, followups *[]followup, logger *zap.Logger) error {
	var sess stripe.CheckoutSession
	if err := json.Unmarshal(event.Data.Raw, &sess); err != nil {
		logger.Error("Malformed checkout session payload",
			zap.Error(err),
		)
		return setOutcome(tx, event.ID, OutcomeIgnored)
	}
	if sess.Mode != stripe.CheckoutSessionModeSubscription {
		logger.Info("Checkout session is not a subscription",
			zap.String("Mode", string(sess.Mode)),
		)
		return setOutcome(tx, event.ID, OutcomeIgnored)
	}
	if sess.Customer == nil || sess.Subscription == nil {
		logger.Warn("Checkout session missing customer or subscription")
		return setOutcome(tx, event.ID, OutcomeIgnored)
	}

	email := sess.CustomerEmail
	if sess.CustomerDetails != nil && len(sess.CustomerDetails.Email) > 0 {
		email = sess.CustomerDetails.Email
	}
	if len(email) == 0 {
		email = sess.Metadata["email"]
	}
	if len(email) == 0 {
		logger.Warn("Checkout session missing customer email")
		return setOutcome(tx, event.ID, OutcomeIgnored)
	}

	sub, err := lockSubscription(tx, sess.Subscription.ID)
	if err != nil {
		return err
	}
	switch {
	case sub == nil:
		sub = &subscription.Subscription{
			ID:         sess.Subscription.ID,
			CustomerID: sess.Customer.ID,
			Status:     subscription.StatusActive,
			Version:    event.Created,
		}
		if result := tx.Create(sub); result.Error != nil {
			return result.Error
		}
	case event.Created > sub.Version:
		sub.Status = subscription.StatusActive
		sub.Version = event.Created
		if result := tx.Save(sub); result.Error != nil {
			return result.Error
		}
	default:
		// a newer lifecycle event already applied; the profile below
		// mirrors its status, not this event's
		logger.Info("Checkout delivered after a newer lifecycle event",
			zap.Int64("EventVersion", event.Created),
			zap.Int64("AppliedVersion", sub.Version),
		)
	}

	var cust customer.Customer
	lookup := tx.Where("email = ?", email).First(&cust)
	switch {
	case errors.Is(lookup.Error, gorm.ErrRecordNotFound):
		cust = customer.Customer{
			ID:                 sess.Customer.ID,
			Email:              email,
			Username:           sess.Metadata["username"],
			FirstName:          sess.Metadata["first_name"],
			LastName:           sess.Metadata["last_name"],
			SubscriptionID:     sess.Subscription.ID,
			SubscriptionStatus: sub.Status,
		}
		if result := tx.Create(&cust); result.Error != nil {
			return result.Error
		}
	case lookup.Error != nil:
		return lookup.Error
	default:
		// a returning customer checks out under a fresh billing
		// identity, rebind the profile to it
		if result := tx.Model(&customer.Customer{}).
			Where("email = ?", email).
			Updates(map[string]interface{}{
				"id":                  sess.Customer.ID,
				"subscription_id":     sess.Subscription.ID,
				"subscription_status": sub.Status,
			}); result.Error != nil {
			return result.Error
		}
	}

	*followups = append(*followups, followup{
		name:    task.TaskProvisionAccount,
		payload: task.AccountPayload{CustomerID: sess.Customer.ID},
	})
	return nil
}

func (p *Processor) handleSubscriptionUpdated(tx *gorm.DB, event stripe.Event, followups *[]followup, logger *zap.Logger) error {
	var remote stripe.Subscription
	if err := json.Unmarshal(event.Data.Raw, &remote); err != nil {
		logger.Error("Malformed subscription payload",
			zap.Error(err),
		)
		return setOutcome(tx, event.ID, OutcomeIgnored)
	}

	sub, err := lockSubscription(tx, remote.ID)
	if err != nil {
		return err
	}
	status := statusFromStripe(remote.Status)
	if sub == nil {
		// delivered ahead of checkout completion, seed the record
		// from the payload
		if remote.Customer == nil {
			logger.Warn("Subscription payload missing customer")
			return setOutcome(tx, event.ID, OutcomeIgnored)
		}
		sub = &subscription.Subscription{
			ID:         remote.ID,
			CustomerID: remote.Customer.ID,
			Status:     status,
			Version:    event.Created,
		}
		if result := tx.Create(sub); result.Error != nil {
			return result.Error
		}
	} else {
		if event.Created <= sub.Version {
			logger.Info("Stale event acknowledged",
				zap.Int64("EventVersion", event.Created),
				zap.Int64("AppliedVersion", sub.Version),
			)
			return setOutcome(tx, event.ID, OutcomeStale)
		}
		sub.Status = status
		sub.Version = event.Created
		if result := tx.Save(sub); result.Error != nil {
			return result.Error
		}
	}

	if err := p.Subscriptions.ReplaceItems(tx, sub.ID, subscription.ItemsFromStripe(&remote)); err != nil {
		return err
	}

	cust, err := mirrorStatus(tx, sub.ID, status)
	if err != nil {
		return err
	}
	if cust != nil {
		*followups = append(*followups, followup{
			name:    task.TaskSyncEntitlements,
			payload: task.AccountPayload{CustomerID: cust.ID},
		})
		if status == subscription.StatusActive || status == subscription.StatusTrialing {
			*followups = append(*followups, followup{
				name:    task.TaskEnableAccount,
				payload: task.AccountPayload{CustomerID: cust.ID},
			})
		}
	}
	return nil
}

func (p *Processor) handleSubscriptionDeleted(tx *gorm.DB, event stripe.Event, followups *[]followup, logger *zap.Logger) error {
	var remote stripe.Subscription
	if err := json.Unmarshal(event.Data.Raw, &remote); err != nil {
		logger.Error("Malformed subscription payload",
			zap.Error(err),
		)
		return setOutcome(tx, event.ID, OutcomeIgnored)
	}

	sub, err := lockSubscription(tx, remote.ID)
	if err != nil {
		return err
	}
	if sub == nil {
		logger.Warn("Deletion for unknown subscription",
			zap.String("SubscriptionID", remote.ID),
		)
		return setOutcome(tx, event.ID, OutcomeIgnored)
	}
	if event.Created <= sub.Version {
		logger.Info("Stale event acknowledged",
			zap.Int64("EventVersion", event.Created),
			zap.Int64("AppliedVersion", sub.Version),
		)
		return setOutcome(tx, event.ID, OutcomeStale)
	}

	sub.Status = subscription.StatusCanceled
	sub.Version = event.Created
	if result := tx.Save(sub); result.Error != nil {
		return result.Error
	}
	// canceled subscriptions entitle nothing, drop the cached items
	if err := p.Subscriptions.ReplaceItems(tx, sub.ID, nil); err != nil {
		return err
	}

	cust, err := mirrorStatus(tx, sub.ID, subscription.StatusCanceled)
	if err != nil {
		return err
	}
	if cust != nil {
		*followups = append(*followups,
			followup{
				name:    task.TaskDisableAccount,
				payload: task.AccountPayload{CustomerID: cust.ID},
			},
			followup{
				name:    task.TaskSyncEntitlements,
				payload: task.AccountPayload{CustomerID: cust.ID},
			},
			followup{
				name: task.TaskNotifyEmail,
				payload: task.EmailPayload{
					Email:     cust.Email,
					FirstName: cust.FirstName,
					Template:  task.TemplateSubscriptionCanceled,
				},
			},
		)
	}
	return nil
}

func (p *Processor) handlePaymentFailed(tx *gorm.DB, event stripe.Event, followups *[]followup, logger *zap.Logger) error {
	var invoice stripe.Invoice
	if err := json.Unmarshal(event.Data.Raw, &invoice); err != nil {
		logger.Error("Malformed invoice payload",
			zap.Error(err),
		)
		return setOutcome(tx, event.ID, OutcomeIgnored)
	}
	if invoice.Subscription == nil {
		logger.Info("Invoice not tied to a subscription")
		return setOutcome(tx, event.ID, OutcomeIgnored)
	}

	sub, err := lockSubscription(tx, invoice.Subscription.ID)
	if err != nil {
		return err
	}
	if sub == nil {
		logger.Warn("Payment failure for unknown subscription",
			zap.String("SubscriptionID", invoice.Subscription.ID),
		)
		return setOutcome(tx, event.ID, OutcomeIgnored)
	}
	if event.Created <= sub.Version {
		logger.Info("Stale event acknowledged",
			zap.Int64("EventVersion", event.Created),
			zap.Int64("AppliedVersion", sub.Version),
		)
		return setOutcome(tx, event.ID, OutcomeStale)
	}

	// line items stay cached: past_due retains entitlements until the
	// subscription is resolved one way or the other
	sub.Status = subscription.StatusPastDue
	sub.Version = event.Created
	if result := tx.Save(sub); result.Error != nil {
		return result.Error
	}

	cust, err := mirrorStatus(tx, sub.ID, subscription.StatusPastDue)
	if err != nil {
		return err
	}
	if cust != nil {
		*followups = append(*followups,
			followup{
				name:    task.TaskDisableAccount,
				payload: task.AccountPayload{CustomerID: cust.ID},
			},
			followup{
				name: task.TaskNotifyEmail,
				payload: task.EmailPayload{
					Email:     cust.Email,
					FirstName: cust.FirstName,
					Template:  task.TemplatePaymentFailed,
				},
			},
		)
	}
	return nil
}
