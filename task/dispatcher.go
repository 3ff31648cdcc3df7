package task

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/skylantix/dash/broker"

	"github.com/lithammer/shortuuid/v3"
	extErrors "github.com/pkg/errors"
	"go.uber.org/zap"
)

// DispatcherOptions provides initialization parameters for Dispatcher
type DispatcherOptions struct {
	Producer broker.Producer
	Logger   *zap.Logger
}

// Dispatcher accepts named tasks and publishes them for asynchronous
// execution, isolated from the caller's transaction. Callers must enqueue
// only after their local state has committed.
type Dispatcher struct {
	DispatcherOptions
}

// NewDispatcher returns a new Dispatcher for publishing tasks
func NewDispatcher(option DispatcherOptions) (*Dispatcher, error) {
	if option.Producer == nil {
		return nil, fmt.Errorf("nil Producer is invalid")
	}
	if option.Logger == nil {
		return nil, fmt.Errorf("nil Logger is invalid")
	}
	return &Dispatcher{
		DispatcherOptions: option,
	}, nil
}

// Submit will publish a named task with the given payload
func (d *Dispatcher) Submit(ctx context.Context, name string, payload interface{}) error {
	jsonBytes, err := json.Marshal(payload)
	if err != nil {
		return extErrors.Wrap(err, "Cannot encode task payload")
	}
	e := &broker.Envelope{
		TaskID:  shortuuid.New(),
		Name:    name,
		Payload: jsonBytes,
		Attempt: 0,
	}
	if err := d.Producer.Publish(ctx, e); err != nil {
		d.Logger.Error("Unable to publish task",
			zap.String("TaskName", name),
			zap.Error(err),
		)
		return extErrors.Wrap(err, "Cannot publish task")
	}
	d.Logger.Info("Task submitted",
		zap.String("TaskID", e.TaskID),
		zap.String("TaskName", name),
	)
	return nil
}
