package broker

import (
	"context"
	"fmt"
)

var _ Producer = &MemoryBroker{}
var _ Consumer = &MemoryBroker{}

// MemoryBroker carries task envelopes over an in-process channel. Used in
// tests and single-process development runs; envelopes are not durable.
type MemoryBroker struct {
	queue chan *Envelope
}

// NewMemoryBroker returns an in-process task broker
func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{
		queue: make(chan *Envelope, 1024),
	}
}

// Publish will enqueue the envelope, failing if the queue is full
func (m *MemoryBroker) Publish(ctx context.Context, e *Envelope) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case m.queue <- e:
		return nil
	default:
		return fmt.Errorf("memory queue is full")
	}
}

// Receive will return the envelope channel
func (m *MemoryBroker) Receive(ctx context.Context) (<-chan *Envelope, error) {
	return m.queue, nil
}

// Close is a no-op for the in-process broker
func (m *MemoryBroker) Close() {
}
