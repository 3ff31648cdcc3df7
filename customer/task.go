package customer

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/skylantix/dash/external"
	"github.com/skylantix/dash/subscription"
	"github.com/skylantix/dash/task"

	"go.uber.org/zap"
)

// TaskOptions provides initialization parameters for Task
type TaskOptions struct {
	Manager       *Manager
	Subscriptions *subscription.Manager
	Keycloak      *external.Keycloak
	Dispatcher    *task.Dispatcher
	Logger        *zap.Logger
}

// Task contains the worker handlers for account lifecycle operations
// against the identity provider
type Task struct {
	TaskOptions
}

// NewTask returns customer related task handlers
func NewTask(option TaskOptions) (*Task, error) {
	if option.Manager == nil {
		return nil, fmt.Errorf("nil Manager is invalid")
	}
	if option.Subscriptions == nil {
		return nil, fmt.Errorf("nil Subscriptions is invalid")
	}
	if option.Keycloak == nil {
		return nil, fmt.Errorf("nil Keycloak is invalid")
	}
	if option.Dispatcher == nil {
		return nil, fmt.Errorf("nil Dispatcher is invalid")
	}
	if option.Logger == nil {
		return nil, fmt.Errorf("nil Logger is invalid")
	}
	return &Task{
		TaskOptions: option,
	}, nil
}

func (t *Task) lookup(ctx context.Context, payload json.RawMessage) (*Customer, error) {
	var p task.AccountPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, err
	}
	cust, err := t.Manager.GetByID(ctx, p.CustomerID)
	if err != nil {
		return nil, err
	}
	if cust == nil {
		return nil, fmt.Errorf("customer %s not found", p.CustomerID)
	}
	return cust, nil
}

// HandleProvisionAccount ensures the customer has an identity provider
// account, refreshes the line-item cache from the billing provider, and
// chains an entitlement sync. Safe to re-execute end to end.
func (t *Task) HandleProvisionAccount(ctx context.Context, payload json.RawMessage) error {
	cust, err := t.lookup(ctx, payload)
	if err != nil {
		return err
	}

	keycloakID, created, err := t.Keycloak.EnsureUser(ctx, external.CreateUserOptions{
		Email:     cust.Email,
		Username:  cust.Username,
		FirstName: cust.FirstName,
		LastName:  cust.LastName,
	})
	if err != nil {
		return err
	}
	if cust.KeycloakID != keycloakID {
		cust.KeycloakID = keycloakID
		if err := t.Manager.Save(ctx, cust); err != nil {
			return err
		}
	}

	if created {
		if err := t.Dispatcher.Submit(ctx, task.TaskSendPasswordReset, task.AccountPayload{CustomerID: cust.ID}); err != nil {
			return err
		}
		t.Logger.Info("Identity provider account created",
			zap.String("CustomerID", cust.ID),
			zap.String("KeycloakID", keycloakID),
		)
	}

	// checkout events carry no line items, pull them before syncing
	if len(cust.SubscriptionID) > 0 {
		if err := t.Subscriptions.RefreshItemsFromStripe(ctx, cust.SubscriptionID); err != nil {
			return err
		}
	}

	return t.Dispatcher.Submit(ctx, task.TaskSyncEntitlements, task.AccountPayload{CustomerID: cust.ID})
}

// HandleDisableAccount disables the identity provider account and
// terminates any live sessions
func (t *Task) HandleDisableAccount(ctx context.Context, payload json.RawMessage) error {
	cust, err := t.lookup(ctx, payload)
	if err != nil {
		return err
	}
	if len(cust.KeycloakID) == 0 {
		t.Logger.Warn("Customer has no identity provider account to disable",
			zap.String("CustomerID", cust.ID),
		)
		return nil
	}
	if err := t.Keycloak.SetUserEnabled(ctx, cust.KeycloakID, false); err != nil {
		return err
	}
	if err := t.Keycloak.LogoutSessions(ctx, cust.KeycloakID); err != nil {
		return err
	}
	t.Logger.Info("Identity provider account disabled",
		zap.String("CustomerID", cust.ID),
	)
	return nil
}

// HandleEnableAccount re-enables the identity provider account
func (t *Task) HandleEnableAccount(ctx context.Context, payload json.RawMessage) error {
	cust, err := t.lookup(ctx, payload)
	if err != nil {
		return err
	}
	if len(cust.KeycloakID) == 0 {
		t.Logger.Warn("Customer has no identity provider account to enable",
			zap.String("CustomerID", cust.ID),
		)
		return nil
	}
	if err := t.Keycloak.SetUserEnabled(ctx, cust.KeycloakID, true); err != nil {
		return err
	}
	t.Logger.Info("Identity provider account enabled",
		zap.String("CustomerID", cust.ID),
	)
	return nil
}

// HandleSendPasswordReset asks the identity provider to email the
// customer a set-password link
func (t *Task) HandleSendPasswordReset(ctx context.Context, payload json.RawMessage) error {
	cust, err := t.lookup(ctx, payload)
	if err != nil {
		return err
	}
	if len(cust.KeycloakID) == 0 {
		return fmt.Errorf("customer %s has no identity provider account", cust.ID)
	}
	return t.Keycloak.SendPasswordResetEmail(ctx, cust.KeycloakID)
}
