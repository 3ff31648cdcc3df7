package subscription

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/skylantix/dash/external"
	"github.com/skylantix/dash/task"

	"go.uber.org/zap"
)

// TaskOptions provides initialization parameters for Task
type TaskOptions struct {
	Mailer   external.Mailer
	SiteName string
	Logger   *zap.Logger
}

// Task contains the worker handlers for subscription notification emails
type Task struct {
	TaskOptions
}

// NewTask returns subscription related task handlers
func NewTask(option TaskOptions) (*Task, error) {
	if option.Mailer == nil {
		return nil, fmt.Errorf("nil Mailer is invalid")
	}
	if len(option.SiteName) == 0 {
		return nil, fmt.Errorf("empty SiteName is invalid")
	}
	if option.Logger == nil {
		return nil, fmt.Errorf("nil Logger is invalid")
	}
	return &Task{
		TaskOptions: option,
	}, nil
}

func (t *Task) composeMail(p task.EmailPayload) (external.Mail, error) {
	name := p.FirstName
	if len(name) == 0 {
		name = "there"
	}
	switch p.Template {
	case task.TemplateSubscriptionCanceled:
		return external.Mail{
			To:      p.Email,
			Subject: fmt.Sprintf("Your %s subscription has been canceled", t.SiteName),
			Text: fmt.Sprintf(
				"Hi %s,\n\nYour %s subscription has been canceled and your access has been revoked. "+
					"You can reactivate at any time by subscribing again.\n",
				name, t.SiteName),
		}, nil
	case task.TemplatePaymentFailed:
		return external.Mail{
			To:      p.Email,
			Subject: fmt.Sprintf("Payment failed for your %s subscription", t.SiteName),
			Text: fmt.Sprintf(
				"Hi %s,\n\nWe were unable to collect payment for your %s subscription. "+
					"Your account has been suspended until payment succeeds. "+
					"Please update your payment method to restore access.\n",
				name, t.SiteName),
		}, nil
	default:
		return external.Mail{}, fmt.Errorf("unknown email template %s", p.Template)
	}
}

// HandleNotifyEmail sends lifecycle notification emails. Delivery is
// at-least-once: a retried envelope may email the customer twice.
func (t *Task) HandleNotifyEmail(ctx context.Context, payload json.RawMessage) error {
	var p task.EmailPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return err
	}
	mail, err := t.composeMail(p)
	if err != nil {
		return err
	}
	if err := t.Mailer.Send(ctx, mail); err != nil {
		return err
	}
	t.Logger.Info("Notification email sent",
		zap.String("Email", p.Email),
		zap.String("Template", p.Template),
	)
	return nil
}
