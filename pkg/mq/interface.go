package mq

import (
	"context"

	amqp "github.com/rabbitmq/amqp091-go"
)

// ClientInterface is the queue surface the heartbeat service publishes
// through. The mock package provides an in-memory implementation for specs.
type ClientInterface interface {
	// Push publishes one event and waits for broker confirmation.
	Push(ctx context.Context, data []byte) error

	// UnsafePush publishes without waiting for confirmation.
	UnsafePush(ctx context.Context, data []byte) error

	// Consume delivers queued events; every delivery must be Acked or Nacked.
	Consume() (<-chan amqp.Delivery, error)

	// Close cleanly shuts down the channel and connection.
	Close() error
}

var _ ClientInterface = (*Client)(nil)
