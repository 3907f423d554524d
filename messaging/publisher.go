package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/glimte/taskbus/contracts"
	"github.com/glimte/taskbus/internal/rabbitmq"
	"github.com/glimte/taskbus/internal/reliability"
	"github.com/glimte/taskbus/serialization"
	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Publisher publishes events to fanout exchanges named after them. It owns a
// single channel whose use is serialised.
type Publisher struct {
	source          ChannelSource
	registry        *serialization.TypeRegistry
	retryPolicy     reliability.RetryPolicy
	defaultExchange string
	logger          *slog.Logger

	mu       sync.Mutex
	ch       rabbitmq.Channel
	declared map[string]bool
	closed   bool
}

// PublisherOption configures the Publisher
type PublisherOption func(*Publisher)

// WithPublisherLogger sets the logger
func WithPublisherLogger(logger *slog.Logger) PublisherOption {
	return func(p *Publisher) {
		p.logger = logger
	}
}

// WithPublisherRetryPolicy sets the policy guarding channel and topology setup
func WithPublisherRetryPolicy(policy reliability.RetryPolicy) PublisherOption {
	return func(p *Publisher) {
		p.retryPolicy = policy
	}
}

// WithTypeRegistry sets the registry used to resolve exchanges for raw payloads
func WithTypeRegistry(registry *serialization.TypeRegistry) PublisherOption {
	return func(p *Publisher) {
		p.registry = registry
	}
}

// WithDefaultExchange sets the exchange for raw payloads whose message type is
// not registered
func WithDefaultExchange(exchange string) PublisherOption {
	return func(p *Publisher) {
		p.defaultExchange = exchange
	}
}

// NewPublisher creates a publisher. No channel is opened until Connect.
func NewPublisher(source ChannelSource, options ...PublisherOption) *Publisher {
	p := &Publisher{
		source:      source,
		retryPolicy: reliability.DefaultConnectPolicy(),
		logger:      slog.Default(),
		declared:    make(map[string]bool),
	}

	for _, opt := range options {
		opt(p)
	}

	return p
}

// Connect opens the publisher's channel under the retry policy. It is a no-op
// while the channel is open, and reopens it after the broker closed it.
func (p *Publisher) Connect(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return rabbitmq.ErrChannelNotOpen
	}

	return reliability.Retry(ctx, p.retryPolicy, func(attempt int) error {
		err := p.openLocked(ctx)
		if err != nil {
			p.logger.Warn("publisher channel setup failed",
				"attempt", attempt+1,
				"maxAttempts", p.retryPolicy.MaxAttempts(),
				"error", err,
			)
		}
		return err
	})
}

func (p *Publisher) openLocked(ctx context.Context) error {
	if p.ch != nil && !p.ch.IsClosed() {
		return nil
	}

	ch, err := p.source.Channel(ctx)
	if err != nil {
		return err
	}
	p.ch = ch
	return nil
}

// Publish serializes the event and publishes it to the exchange named after
// it. The first publish to an exchange declares its topology.
func (p *Publisher) Publish(ctx context.Context, event contracts.Event) error {
	body, err := serialization.Marshal(event)
	if err != nil {
		return err
	}

	name := event.EventName()
	return p.publish(ctx, name, name, amqp.Publishing{
		MessageId: event.GetID().String(),
		Timestamp: event.GetCreationDate(),
		Body:      body,
	})
}

// PublishRaw publishes an already serialized payload with the given message
// type. The exchange is the message type when it is registered, the default
// exchange otherwise.
func (p *Publisher) PublishRaw(ctx context.Context, body []byte, messageType string) error {
	exchange, err := p.resolveExchange(messageType)
	if err != nil {
		return err
	}

	return p.publish(ctx, exchange, messageType, amqp.Publishing{
		MessageId: uuid.NewString(),
		Timestamp: time.Now().UTC(),
		Body:      body,
	})
}

func (p *Publisher) resolveExchange(messageType string) (string, error) {
	if p.registry != nil && p.registry.IsRegistered(messageType) {
		return messageType, nil
	}
	if p.defaultExchange != "" {
		return p.defaultExchange, nil
	}
	return "", &rabbitmq.PublishError{
		MessageType: messageType,
		Err:         rabbitmq.ErrNoExchange,
		Timestamp:   time.Now(),
	}
}

func (p *Publisher) publish(ctx context.Context, exchange, messageType string, msg amqp.Publishing) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed || p.ch == nil || p.ch.IsClosed() {
		return p.publishError(exchange, messageType, rabbitmq.ErrChannelNotOpen)
	}

	if !p.declared[exchange] {
		if err := p.declareLocked(ctx, exchange); err != nil {
			return p.publishError(exchange, messageType, err)
		}
		p.declared[exchange] = true
	}

	msg.Headers = amqp.Table{HeaderMessageType: messageType}
	msg.ContentType = serialization.ContentType
	msg.DeliveryMode = amqp.Persistent
	msg.Type = messageType

	if err := p.ch.PublishWithContext(ctx, exchange, "", false, false, msg); err != nil {
		return p.publishError(exchange, messageType, err)
	}

	p.logger.Debug("published message",
		"exchange", exchange,
		"messageType", messageType,
		"messageId", msg.MessageId,
	)
	return nil
}

// declareLocked declares the exchange topology under the retry policy. A
// failed declaration closes the channel on the broker side, so later attempts
// reopen it.
func (p *Publisher) declareLocked(ctx context.Context, exchange string) error {
	return reliability.Retry(ctx, p.retryPolicy, func(attempt int) error {
		if err := p.openLocked(ctx); err != nil {
			return err
		}
		err := rabbitmq.DeclareExchange(p.ch, exchange)
		if err != nil {
			p.logger.Warn("exchange declaration failed",
				"exchange", exchange,
				"attempt", attempt+1,
				"maxAttempts", p.retryPolicy.MaxAttempts(),
				"error", err,
			)
			return err
		}
		p.logger.Info("declared exchange", "exchange", exchange)
		return nil
	})
}

func (p *Publisher) publishError(exchange, messageType string, err error) *rabbitmq.PublishError {
	return &rabbitmq.PublishError{
		Exchange:    exchange,
		MessageType: messageType,
		Err:         err,
		Timestamp:   time.Now(),
	}
}

// Close closes the publisher's channel. Publishing afterwards fails.
func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil
	}
	p.closed = true

	if p.ch == nil {
		return nil
	}
	err := p.ch.Close()
	p.ch = nil
	if err != nil && err != amqp.ErrClosed {
		return fmt.Errorf("failed to close publisher channel: %w", err)
	}
	return nil
}
