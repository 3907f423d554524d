package messaging

import (
	"context"

	"github.com/glimte/taskbus/contracts"
	"github.com/glimte/taskbus/internal/rabbitmq"
)

// ChannelSource mints broker channels. *rabbitmq.ConnectionManager is the
// production implementation.
type ChannelSource interface {
	Channel(ctx context.Context) (rabbitmq.Channel, error)
}

// EventPublisher publishes events to their exchanges
type EventPublisher interface {
	// Publish publishes an event to the exchange named after it
	Publish(ctx context.Context, event contracts.Event) error

	// PublishRaw publishes an already serialized payload
	PublishRaw(ctx context.Context, body []byte, messageType string) error
}

// RawHandler processes a delivery without decoding it. A returned error
// requeues the delivery whatever the verdict.
type RawHandler func(ctx context.Context, msg Message) (contracts.Verdict, error)

// Handler processes a decoded event. A returned error requeues the delivery
// whatever the verdict.
type Handler[E contracts.Event] func(ctx context.Context, event E, messageType string) (contracts.Verdict, error)

var _ ChannelSource = (*rabbitmq.ConnectionManager)(nil)
var _ EventPublisher = (*Publisher)(nil)
