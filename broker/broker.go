package broker

import (
	"context"
	"encoding/json"
)

// Envelope wraps a dispatched task on the wire
type Envelope struct {
	TaskID  string          `json:"taskId"`
	Name    string          `json:"name"`
	Payload json.RawMessage `json:"payload"`
	Attempt int             `json:"attempt"` // number of retries already performed

	// Ack acknowledges the delivery once the consumer has durably
	// disposed of the envelope (completed, requeued, or recorded as
	// failed). Nil for brokers without delivery acknowledgment.
	Ack func() `json:"-"`
}

// Producer defines the interface for publishing task envelopes via message broker
type Producer interface {
	Publish(ctx context.Context, e *Envelope) error
	Close()
}

// Consumer defines the interface for draining task envelopes from the queue
type Consumer interface {
	Receive(ctx context.Context) (<-chan *Envelope, error)
	Close()
}
