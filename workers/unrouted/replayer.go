// Package unrouted republishes messages that reached the unrouted queue
// because no queue was bound to their exchange when they were published.
package unrouted

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/glimte/taskbus"
	"github.com/glimte/taskbus/contracts"
	"github.com/glimte/taskbus/internal/rabbitmq"
	"github.com/glimte/taskbus/messaging"
)

// DefaultDelay is how long a message waits before it is republished
const DefaultDelay = 10 * time.Second

// Replayer republishes unrouted messages after a delay
type Replayer struct {
	publisher messaging.EventPublisher
	delay     time.Duration
	logger    *slog.Logger
}

// Option configures the Replayer
type Option func(*Replayer)

// WithDelay sets the delay before a message is republished
func WithDelay(delay time.Duration) Option {
	return func(r *Replayer) {
		r.delay = delay
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(r *Replayer) {
		r.logger = logger
	}
}

// NewReplayer creates a replayer publishing through publisher
func NewReplayer(publisher messaging.EventPublisher, options ...Option) *Replayer {
	r := &Replayer{
		publisher: publisher,
		delay:     DefaultDelay,
		logger:    slog.Default(),
	}

	for _, opt := range options {
		opt(r)
	}

	return r
}

// Handle waits for the delay, then republishes the payload under its message
// type. The message is requeued when the wait is cut short or the publish
// fails.
func (r *Replayer) Handle(ctx context.Context, msg messaging.Message) (contracts.Verdict, error) {
	timer := time.NewTimer(r.delay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return contracts.RejectAndRequeue, ctx.Err()
	case <-timer.C:
	}

	if err := r.publisher.PublishRaw(ctx, msg.Body, msg.MessageType); err != nil {
		return contracts.RejectAndRequeue, fmt.Errorf("failed to republish %s: %w", msg.MessageType, err)
	}

	r.logger.Info("republished unrouted message",
		"messageType", msg.MessageType,
		"messageId", msg.MessageID,
		"redelivered", msg.Redelivered,
	)
	return contracts.Acknowledge, nil
}

// Start consumes the unrouted queue, which the exchange topology declares
func (r *Replayer) Start(ctx context.Context, client *taskbus.Client) (*messaging.Consumer, error) {
	consumer, err := client.Consumer(messaging.ConsumerConfig{
		Exchange: rabbitmq.UnroutedExchange,
		Queue:    rabbitmq.UnroutedQueue,
	})
	if err != nil {
		return nil, err
	}
	if err := consumer.Consume(ctx, r.Handle); err != nil {
		return nil, err
	}
	return consumer, nil
}
