package recovery

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

// Task contains the worker handler for recovery code delivery
type Task struct {
	TaskOptions
}

// NewTask returns recovery related task handlers
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

// HandleSendRecoveryCode emails the recovery code to the customer
func (t *Task) HandleSendRecoveryCode(ctx context.Context, payload json.RawMessage) error {
	var p task.RecoveryCodePayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return err
	}
	mail := external.Mail{
		To:      p.Email,
		Subject: fmt.Sprintf("Your %s account recovery code", t.SiteName),
		Text: fmt.Sprintf(
			"Your account recovery code is %s.\n\nIt is valid for %d minutes. "+
				"If you did not request this code you can safely ignore this email.\n",
			p.Code, int(CodeTTL.Minutes())),
	}
	if err := t.Mailer.Send(ctx, mail); err != nil {
		return err
	}
	t.Logger.Info("Recovery code email sent",
		zap.String("Email", p.Email),
	)
	return nil
}
