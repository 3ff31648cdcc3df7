package entitlement

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/skylantix/dash/task"

	"go.uber.org/zap"
)

// TaskOptions provides initialization parameters for Task
type TaskOptions struct {
	Synchronizer *Synchronizer
	Logger       *zap.Logger
}

// Task contains the worker handler for entitlement synchronization
type Task struct {
	TaskOptions
}

// NewTask returns entitlement related task handlers
func NewTask(option TaskOptions) (*Task, error) {
	if option.Synchronizer == nil {
		return nil, fmt.Errorf("nil Synchronizer is invalid")
	}
	if option.Logger == nil {
		return nil, fmt.Errorf("nil Logger is invalid")
	}
	return &Task{
		TaskOptions: option,
	}, nil
}

// HandleSyncEntitlements runs a full entitlement sync for one customer
func (t *Task) HandleSyncEntitlements(ctx context.Context, payload json.RawMessage) error {
	var p task.AccountPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return err
	}
	return t.Synchronizer.Sync(ctx, p.CustomerID)
}
