package entitlement

import (
	"context"
	"errors"
	"fmt"

	"github.com/skylantix/dash/customer"
	"github.com/skylantix/dash/external"
	"github.com/skylantix/dash/instance"
	"github.com/skylantix/dash/product"
	"github.com/skylantix/dash/subscription"

	extErrors "github.com/pkg/errors"
	"go.uber.org/zap"
)

// SynchronizerOptions provides initialization parameters for Synchronizer
type SynchronizerOptions struct {
	Manager       *Manager
	Customers     *customer.Manager
	Subscriptions *subscription.Manager
	Products      *product.Manager
	Instances     *instance.Manager
	Keycloak      *external.Keycloak
	Logger        *zap.Logger
}

// Synchronizer converges the identity provider to the entitlements the
// customer's subscription grants. Every sync recomputes the desired set
// from scratch and applies it fully, so a crashed or duplicated run is
// repaired by the next one.
type Synchronizer struct {
	SynchronizerOptions
}

// NewSynchronizer returns a new Synchronizer
func NewSynchronizer(option SynchronizerOptions) (*Synchronizer, error) {
	if option.Manager == nil {
		return nil, fmt.Errorf("nil Manager is invalid")
	}
	if option.Customers == nil {
		return nil, fmt.Errorf("nil Customers is invalid")
	}
	if option.Subscriptions == nil {
		return nil, fmt.Errorf("nil Subscriptions is invalid")
	}
	if option.Products == nil {
		return nil, fmt.Errorf("nil Products is invalid")
	}
	if option.Instances == nil {
		return nil, fmt.Errorf("nil Instances is invalid")
	}
	if option.Keycloak == nil {
		return nil, fmt.Errorf("nil Keycloak is invalid")
	}
	if option.Logger == nil {
		return nil, fmt.Errorf("nil Logger is invalid")
	}
	return &Synchronizer{
		SynchronizerOptions: option,
	}, nil
}

func (s *Synchronizer) setGroupMembership(ctx context.Context, keycloakID, groupName string, member bool) error {
	group, err := s.Keycloak.GetGroupByName(ctx, groupName)
	if err != nil {
		return err
	}
	if group == nil {
		return fmt.Errorf("identity provider group %s does not exist", groupName)
	}
	if member {
		return s.Keycloak.AddUserToGroup(ctx, keycloakID, group.ID)
	}
	return s.Keycloak.RemoveUserFromGroup(ctx, keycloakID, group.ID)
}

// Sync reconciles the customer's identity provider account against the
// entitlements of their subscription. Returns ErrCapacityExhausted (after
// applying everything else) when an instance-backed product could not be
// placed, so the caller retries and the operator is alerted.
func (s *Synchronizer) Sync(ctx context.Context, customerID string) error {
	cust, err := s.Customers.GetByID(ctx, customerID)
	if err != nil {
		return err
	}
	if cust == nil {
		return fmt.Errorf("customer %s not found", customerID)
	}
	if len(cust.KeycloakID) == 0 {
		return fmt.Errorf("customer %s has no identity provider account", customerID)
	}

	priceIDs := []string{}
	if len(cust.SubscriptionID) > 0 {
		priceIDs, err = s.Subscriptions.EntitledPriceIDs(ctx, cust.SubscriptionID)
		if err != nil {
			return err
		}
	}
	desired := s.Products.ProductsForPrices(priceIDs)

	current, err := s.Manager.ListByCustomer(ctx, customerID)
	if err != nil {
		return err
	}
	gained, lost := diff(current, desired)

	attributes := make(map[string]string)
	var capacityErr error
	granted := make([]product.Product, 0, len(desired))

	// apply the full desired set, not just the delta: allocation, group
	// membership and attributes are all idempotent, and reapplying heals
	// partial failures from earlier runs
	for _, p := range desired {
		if p.RequiresInstance {
			inst, err := s.Instances.Allocate(ctx, cust.ID, p.ID)
			if errors.Is(err, instance.ErrCapacityExhausted) {
				capacityErr = extErrors.Wrapf(err, "cannot place customer %s on product %s", cust.ID, p.ID)
				continue
			}
			if err != nil {
				return err
			}
			attributes[p.Slug+"_instance"] = inst.BaseURL
			if len(inst.GroupName) > 0 {
				if err := s.setGroupMembership(ctx, cust.KeycloakID, inst.GroupName, true); err != nil {
					return err
				}
			}
		}
		attributes["has_"+p.Slug] = "true"
		granted = append(granted, p)
	}

	for _, g := range lost {
		inst, err := s.Instances.AssignedInstance(ctx, cust.ID, g.ProductID)
		if err != nil {
			return err
		}
		if inst != nil && len(inst.GroupName) > 0 {
			if err := s.setGroupMembership(ctx, cust.KeycloakID, inst.GroupName, false); err != nil {
				return err
			}
		}
		if err := s.Instances.Release(ctx, cust.ID, g.ProductID); err != nil {
			return err
		}
		attributes["has_"+g.Slug] = ""
		attributes[g.Slug+"_instance"] = ""
	}

	if len(attributes) > 0 {
		if err := s.Keycloak.UpdateUserAttributes(ctx, cust.KeycloakID, attributes); err != nil {
			return err
		}
	}

	// grants are persisted last: if anything above failed the rows stay
	// untouched and the next sync redoes the work
	for _, p := range granted {
		if err := s.Manager.Record(ctx, &Grant{
			CustomerID: cust.ID,
			ProductID:  p.ID,
			Slug:       p.Slug,
		}); err != nil {
			return err
		}
	}
	for _, g := range lost {
		if err := s.Manager.Remove(ctx, g.ID); err != nil {
			return err
		}
	}

	s.Logger.Info("Entitlements synchronized",
		zap.String("CustomerID", cust.ID),
		zap.Int("Desired", len(desired)),
		zap.Int("Gained", len(gained)),
		zap.Int("Lost", len(lost)),
	)

	return capacityErr
}
