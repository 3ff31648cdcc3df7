package task

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/skylantix/dash/broker"

	extErrors "github.com/pkg/errors"
	"go.uber.org/zap"
)

// HandlerFunc executes a single task attempt. Handlers run lock-free and
// must be safe to re-execute: a retry may follow a successful call whose
// acknowledgment was lost.
type HandlerFunc func(ctx context.Context, payload json.RawMessage) error

// WorkerOptions provides initialization parameters for Worker
type WorkerOptions struct {
	Consumer broker.Consumer
	Producer broker.Producer
	Manager  *Manager
	Logger   *zap.Logger

	// RetryDelay overrides the backoff schedule, used in tests
	RetryDelay func(retry int) time.Duration
}

// Worker drains the task queue, executing registered handlers with
// bounded retries
type Worker struct {
	WorkerOptions

	mu       sync.RWMutex
	handlers map[string]HandlerFunc
	inflight sync.WaitGroup
}

// NewWorker returns a new Worker draining the given consumer
func NewWorker(option WorkerOptions) (*Worker, error) {
	if option.Consumer == nil {
		return nil, fmt.Errorf("nil Consumer is invalid")
	}
	if option.Producer == nil {
		return nil, fmt.Errorf("nil Producer is invalid")
	}
	if option.Manager == nil {
		return nil, fmt.Errorf("nil Manager is invalid")
	}
	if option.Logger == nil {
		return nil, fmt.Errorf("nil Logger is invalid")
	}
	if option.RetryDelay == nil {
		option.RetryDelay = Backoff
	}
	return &Worker{
		WorkerOptions: option,
		handlers:      make(map[string]HandlerFunc),
	}, nil
}

// Register will install the handler for a named task
func (w *Worker) Register(name string, fn HandlerFunc) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.handlers[name] = fn
}

func (w *Worker) handler(name string) (HandlerFunc, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	fn, ok := w.handlers[name]
	return fn, ok
}

// Run will drain the queue until the context is cancelled
func (w *Worker) Run(ctx context.Context) error {
	eChan, err := w.Consumer.Receive(ctx)
	if err != nil {
		return extErrors.Wrap(err, "Cannot get envelope channel")
	}
	for {
		select {
		case <-ctx.Done():
			w.inflight.Wait()
			return nil
		case e := <-eChan:
			if e == nil {
				continue
			}
			w.inflight.Add(1)
			go func(e *broker.Envelope) {
				defer w.inflight.Done()
				w.execute(ctx, e)
			}(e)
		}
	}
}

func (w *Worker) execute(ctx context.Context, e *broker.Envelope) {
	// the delivery is acknowledged only once the envelope has been
	// disposed of: completed, requeued, or recorded as failed
	defer func() {
		if e.Ack != nil {
			e.Ack()
		}
	}()

	logger := w.Logger.With(
		zap.String("TaskID", e.TaskID),
		zap.String("TaskName", e.Name),
		zap.Int("Attempt", e.Attempt),
	)

	fn, ok := w.handler(e.Name)
	if !ok {
		// retrying cannot help an unknown task
		w.fail(ctx, e, fmt.Errorf("no handler registered for task %s", e.Name))
		return
	}

	err := fn(ctx, e.Payload)
	if err == nil {
		logger.Info("Task completed")
		return
	}

	if e.Attempt >= MaxRetries {
		w.fail(ctx, e, err)
		return
	}

	retry := e.Attempt + 1
	delay := w.RetryDelay(retry)
	logger.Warn("Task failed, scheduling retry",
		zap.Duration("Delay", delay),
		zap.Error(err),
	)

	select {
	case <-ctx.Done():
		// shutting down mid-backoff: the failure must reach the ledger
		// or the pending retry vanishes with the process
		w.fail(context.Background(), e, err)
		return
	case <-time.After(delay):
	}

	next := &broker.Envelope{
		TaskID:  e.TaskID,
		Name:    e.Name,
		Payload: e.Payload,
		Attempt: retry,
	}
	if pubErr := w.Producer.Publish(ctx, next); pubErr != nil {
		logger.Error("Unable to requeue task",
			zap.Error(pubErr),
		)
		w.fail(context.Background(), e, err)
	}
}

func (w *Worker) fail(ctx context.Context, e *broker.Envelope, cause error) {
	w.Manager.RecordFailure(ctx, &FailedTask{
		ID:        e.TaskID,
		Name:      e.Name,
		Payload:   string(e.Payload),
		Attempts:  e.Attempt + 1,
		LastError: cause.Error(),
	})
	// operator-visible: error level is forwarded to sentry
	w.Logger.Error("Task permanently failed",
		zap.String("TaskID", e.TaskID),
		zap.String("TaskName", e.Name),
		zap.Int("Attempts", e.Attempt+1),
		zap.Error(cause),
	)
}
