package broker

import (
	"context"
	"encoding/json"

	extErrors "github.com/pkg/errors"
	"github.com/streadway/amqp"
	"go.uber.org/zap"
)

var _ Producer = &AMQPBroker{}
var _ Consumer = &AMQPBroker{}

const (
	taskExchange   string = "task_dispatch"
	taskQueue             = "task_queue"
	taskRoutingKey        = "tasks"
)

// AMQPBroker carries task envelopes via RabbitMQ
type AMQPBroker struct {
	logger     *zap.Logger
	connection *amqp.Connection
	channel    *amqp.Channel
}

// NewAMQPBroker returns a task broker over RabbitMQ
func NewAMQPBroker(logger *zap.Logger, amqpURI string) (*AMQPBroker, error) {
	amqpConn, err := amqp.Dial(amqpURI)
	if err != nil {
		return nil, extErrors.Wrap(err, "Cannot connect to Message Broker")
	}
	amqpChan, err := amqpConn.Channel()
	if err != nil {
		return nil, extErrors.Wrap(err, "Cannot create broker channel")
	}
	broker := &AMQPBroker{
		logger:     logger,
		connection: amqpConn,
		channel:    amqpChan,
	}
	if err := broker.setupExchange(); err != nil {
		return nil, extErrors.Wrap(err, "Cannot declare exchange for task dispatch")
	}
	return broker, nil
}

func (a *AMQPBroker) setupExchange() error {
	return a.channel.ExchangeDeclare(
		taskExchange, // name
		"direct",     // type
		true,         // durable
		false,        // auto-deleted
		false,        // internal
		false,        // no-wait
		nil,          // arguments
	)
}

func (a *AMQPBroker) setupQueue() error {
	if _, err := a.channel.QueueDeclare(
		taskQueue,
		true,
		false,
		false,
		false,
		nil,
	); err != nil {
		return err
	}
	return a.channel.QueueBind(
		taskQueue,
		taskRoutingKey,
		taskExchange,
		false,
		nil,
	)
}

// Close will close the channel and connection to release resources
func (a *AMQPBroker) Close() {
	a.channel.Close()
	a.connection.Close()
}

// Publish will send a task envelope to the dispatch exchange
func (a *AMQPBroker) Publish(ctx context.Context, e *Envelope) error {
	jsonBytes, err := json.Marshal(e)
	if err != nil {
		return extErrors.Wrap(err, "Cannot encode envelope into bytes")
	}
	if err := a.channel.Publish(
		taskExchange,
		taskRoutingKey,
		false,
		false,
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Body:         jsonBytes,
		},
	); err != nil {
		return extErrors.Wrap(err, "Cannot publish task envelope")
	}
	return nil
}

// Receive will return a channel of task envelopes from the queue
func (a *AMQPBroker) Receive(ctx context.Context) (<-chan *Envelope, error) {
	if err := a.setupQueue(); err != nil {
		return nil, extErrors.Wrap(err, "Cannot setup queue")
	}
	msgChan, err := a.channel.Consume(
		taskQueue,
		"",
		false,
		false,
		false,
		false,
		nil,
	)
	if err != nil {
		return nil, extErrors.Wrap(err, "Cannot setup consumer")
	}
	eChan := make(chan *Envelope)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case d := <-msgChan:
				var e Envelope
				if err := json.Unmarshal(d.Body, &e); err != nil {
					a.logger.Error("Dropping undecodable task envelope",
						zap.Error(err),
					)
					d.Nack(false, false)
					continue
				}
				// acked by the consumer after disposition so a crash
				// mid-handler redelivers instead of losing the task
				delivery := d
				e.Ack = func() {
					delivery.Ack(false)
				}
				eChan <- &e
			}
		}
	}()
	return eChan, nil
}
