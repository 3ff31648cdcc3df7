package task

import (
	"context"
	"encoding/json"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/skylantix/dash/broker"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func testManager(t *testing.T) *Manager {
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "test.db")), &gorm.Config{})
	require.NoError(t, err)
	m, err := NewManager(zap.NewNop(), db)
	require.NoError(t, err)
	return m
}

func testWorker(t *testing.T) (*Worker, *broker.MemoryBroker, *Manager) {
	mb := broker.NewMemoryBroker()
	manager := testManager(t)
	w, err := NewWorker(WorkerOptions{
		Consumer: mb,
		Producer: mb,
		Manager:  manager,
		Logger:   zap.NewNop(),
		RetryDelay: func(retry int) time.Duration {
			return 0
		},
	})
	require.NoError(t, err)
	return w, mb, manager
}

func TestBackoffSchedule(t *testing.T) {
	require.Equal(t, 30*time.Second, Backoff(1))
	require.Equal(t, 60*time.Second, Backoff(2))
	require.Equal(t, 120*time.Second, Backoff(3))

	var total time.Duration
	for retry := 1; retry <= MaxRetries; retry++ {
		total += Backoff(retry)
	}
	require.Equal(t, 210*time.Second, total)

	// out of range is clamped, not zero
	require.Equal(t, 30*time.Second, Backoff(0))
}

func TestWorkerExecutesTask(t *testing.T) {
	w, mb, manager := testWorker(t)

	var executions int32
	w.Register("greet", func(ctx context.Context, payload json.RawMessage) error {
		atomic.AddInt32(&executions, 1)
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	require.NoError(t, mb.Publish(ctx, &broker.Envelope{
		TaskID:  "task-1",
		Name:    "greet",
		Payload: json.RawMessage(`{}`),
	}))

	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&executions) == 1
	}, time.Second*5, time.Millisecond*10)

	time.Sleep(time.Millisecond * 50)
	require.EqualValues(t, 1, atomic.LoadInt32(&executions))

	failed, err := manager.ListFailed(ctx, 10)
	require.NoError(t, err)
	require.Empty(t, failed)
}

func TestWorkerRetriesThenRecordsFailure(t *testing.T) {
	w, mb, manager := testWorker(t)

	var executions int32
	w.Register("flaky", func(ctx context.Context, payload json.RawMessage) error {
		atomic.AddInt32(&executions, 1)
		return errors.New("downstream unavailable")
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	require.NoError(t, mb.Publish(ctx, &broker.Envelope{
		TaskID:  "task-2",
		Name:    "flaky",
		Payload: json.RawMessage(`{"customerId":"cus_123"}`),
	}))

	require.Eventually(t, func() bool {
		failed, err := manager.ListFailed(ctx, 10)
		return err == nil && len(failed) == 1
	}, time.Second*5, time.Millisecond*10)

	// one initial execution plus MaxRetries retries, never more
	require.EqualValues(t, 1+MaxRetries, atomic.LoadInt32(&executions))

	failed, err := manager.ListFailed(ctx, 10)
	require.NoError(t, err)
	require.Equal(t, "task-2", failed[0].ID)
	require.Equal(t, "flaky", failed[0].Name)
	require.Equal(t, 1+MaxRetries, failed[0].Attempts)
	require.Contains(t, failed[0].LastError, "downstream unavailable")

	time.Sleep(time.Millisecond * 50)
	require.EqualValues(t, 1+MaxRetries, atomic.LoadInt32(&executions))
}

func TestWorkerShutdownDuringBackoffRecordsFailure(t *testing.T) {
	mb := broker.NewMemoryBroker()
	manager := testManager(t)
	w, err := NewWorker(WorkerOptions{
		Consumer: mb,
		Producer: mb,
		Manager:  manager,
		Logger:   zap.NewNop(),
		RetryDelay: func(retry int) time.Duration {
			return time.Hour
		},
	})
	require.NoError(t, err)

	var executions int32
	w.Register("stuck", func(ctx context.Context, payload json.RawMessage) error {
		atomic.AddInt32(&executions, 1)
		return errors.New("downstream unavailable")
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()

	require.NoError(t, mb.Publish(ctx, &broker.Envelope{
		TaskID:  "task-4",
		Name:    "stuck",
		Payload: json.RawMessage(`{}`),
	}))

	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&executions) == 1
	}, time.Second*5, time.Millisecond*10)

	// cancel while the retry sleeps out its backoff
	cancel()
	<-done

	failed, err := manager.ListFailed(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	require.Equal(t, "task-4", failed[0].ID)
	require.Equal(t, 1, failed[0].Attempts)
	require.Contains(t, failed[0].LastError, "downstream unavailable")
}

type stubConsumer struct {
	queue chan *broker.Envelope
}

func (s *stubConsumer) Receive(ctx context.Context) (<-chan *broker.Envelope, error) {
	return s.queue, nil
}

func (s *stubConsumer) Close() {
}

func TestWorkerAcksAfterDisposition(t *testing.T) {
	consumer := &stubConsumer{queue: make(chan *broker.Envelope, 2)}
	manager := testManager(t)
	w, err := NewWorker(WorkerOptions{
		Consumer: consumer,
		Producer: broker.NewMemoryBroker(),
		Manager:  manager,
		Logger:   zap.NewNop(),
		RetryDelay: func(retry int) time.Duration {
			return 0
		},
	})
	require.NoError(t, err)

	var handlerDone, ackedAfterHandler int32
	w.Register("tracked", func(ctx context.Context, payload json.RawMessage) error {
		atomic.StoreInt32(&handlerDone, 1)
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	consumer.queue <- &broker.Envelope{
		TaskID:  "task-5",
		Name:    "tracked",
		Payload: json.RawMessage(`{}`),
		Ack: func() {
			if atomic.LoadInt32(&handlerDone) == 1 {
				atomic.AddInt32(&ackedAfterHandler, 1)
			}
		},
	}

	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&ackedAfterHandler) == 1
	}, time.Second*5, time.Millisecond*10)

	// an unknown task is acked too, once its failure is in the ledger
	var unknownAcked int32
	consumer.queue <- &broker.Envelope{
		TaskID:  "task-6",
		Name:    "no_such_task",
		Payload: json.RawMessage(`{}`),
		Ack: func() {
			atomic.AddInt32(&unknownAcked, 1)
		},
	}

	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&unknownAcked) == 1
	}, time.Second*5, time.Millisecond*10)

	failed, err := manager.ListFailed(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	require.Equal(t, "task-6", failed[0].ID)
}

func TestWorkerFailsUnknownTaskImmediately(t *testing.T) {
	w, mb, manager := testWorker(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	require.NoError(t, mb.Publish(ctx, &broker.Envelope{
		TaskID:  "task-3",
		Name:    "no_such_task",
		Payload: json.RawMessage(`{}`),
	}))

	require.Eventually(t, func() bool {
		failed, err := manager.ListFailed(ctx, 10)
		return err == nil && len(failed) == 1
	}, time.Second*5, time.Millisecond*10)

	failed, err := manager.ListFailed(ctx, 10)
	require.NoError(t, err)
	require.Equal(t, 1, failed[0].Attempts)
}
