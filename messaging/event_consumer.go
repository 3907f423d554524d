package messaging

import (
	"context"

	"github.com/glimte/taskbus/contracts"
	"github.com/glimte/taskbus/serialization"
)

// EventConsumer decodes deliveries into E before handing them to a Handler.
// A payload that does not decode as E is rejected and requeued without
// reaching the handler, and its *serialization.DecodeError is reported on
// Errors.
type EventConsumer[E contracts.Event] struct {
	consumer *Consumer
}

// NewEventConsumer creates a typed consumer. An empty Exchange defaults to the
// name of E.
func NewEventConsumer[E contracts.Event](source ChannelSource, config ConsumerConfig, options ...ConsumerOption) *EventConsumer[E] {
	var zero E
	if config.Exchange == "" {
		config.Exchange = zero.EventName()
	}

	return &EventConsumer[E]{consumer: NewConsumer(source, config, options...)}
}

// Consume subscribes and starts handing decoded events to handler
func (c *EventConsumer[E]) Consume(ctx context.Context, handler Handler[E]) error {
	return c.consumer.Consume(ctx, func(ctx context.Context, msg Message) (contracts.Verdict, error) {
		event, err := serialization.Unmarshal[E](msg.Body)
		if err != nil {
			return contracts.RejectAndRequeue, err
		}
		return handler(ctx, event, msg.MessageType)
	})
}

// State returns the current lifecycle state
func (c *EventConsumer[E]) State() State {
	return c.consumer.State()
}

// Errors reports handler and decode failures
func (c *EventConsumer[E]) Errors() <-chan error {
	return c.consumer.Errors()
}

// ConsumerTag returns the tag of the active subscription
func (c *EventConsumer[E]) ConsumerTag() string {
	return c.consumer.ConsumerTag()
}

// Close cancels the subscription and closes the channel
func (c *EventConsumer[E]) Close() error {
	return c.consumer.Close()
}
