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
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// State is the lifecycle state of a Consumer
type State int

const (
	StateUnconnected State = iota
	StateConnecting
	StateTopologyDeclared
	StateSubscribed
	StateFailed
	StateDisposed
)

func (s State) String() string {
	switch s {
	case StateUnconnected:
		return "unconnected"
	case StateConnecting:
		return "connecting"
	case StateTopologyDeclared:
		return "topology-declared"
	case StateSubscribed:
		return "subscribed"
	case StateFailed:
		return "failed"
	case StateDisposed:
		return "disposed"
	default:
		return "unknown"
	}
}

// ConsumerConfig configures the queue a Consumer reads from
type ConsumerConfig struct {
	// Exchange whose topology is ensured before subscribing
	Exchange string `validate:"required"`
	// Queue to consume
	Queue string `validate:"required"`
	// DeclareQueue declares the queue and binds it to Exchange. When false the
	// queue must already exist.
	DeclareQueue bool
	// SingleActiveConsumer lets only one of several competing consumers
	// receive deliveries. It is a queue argument and needs DeclareQueue.
	SingleActiveConsumer bool
}

var configValidator = validator.New()

// Validate checks the configuration
func (c ConsumerConfig) Validate() error {
	if err := configValidator.Struct(c); err != nil {
		return fmt.Errorf("%w: %v", rabbitmq.ErrInvalidConfiguration, err)
	}
	return nil
}

const (
	prefetchCount    = 1
	errorChannelSize = 16
)

// Consumer subscribes to one queue and hands its deliveries, one at a time, to
// a RawHandler. Every delivery is settled exactly once: acknowledged on an
// Acknowledge verdict, rejected and requeued otherwise.
type Consumer struct {
	source       ChannelSource
	config       ConsumerConfig
	retryPolicy reliability.RetryPolicy
	logger      *slog.Logger
	errors      chan error

	mu    sync.Mutex
	state State
	ch    rabbitmq.Channel
	tag   string
	done  chan struct{}
}

// ConsumerOption configures the Consumer
type ConsumerOption func(*Consumer)

// WithConsumerLogger sets the logger
func WithConsumerLogger(logger *slog.Logger) ConsumerOption {
	return func(c *Consumer) {
		c.logger = logger
	}
}

// WithConsumerRetryPolicy sets the policy guarding subscription setup
func WithConsumerRetryPolicy(policy reliability.RetryPolicy) ConsumerOption {
	return func(c *Consumer) {
		c.retryPolicy = policy
	}
}

// NewConsumer creates a consumer. Nothing happens on the broker until Consume.
func NewConsumer(source ChannelSource, config ConsumerConfig, options ...ConsumerOption) *Consumer {
	c := &Consumer{
		source:      source,
		config:      config,
		retryPolicy: reliability.DefaultConnectPolicy(),
		logger:      slog.Default(),
		errors:      make(chan error, errorChannelSize),
		state:       StateUnconnected,
	}

	for _, opt := range options {
		opt(c)
	}

	c.logger = c.logger.With("queue", config.Queue, "exchange", config.Exchange)
	return c
}

// State returns the current lifecycle state
func (c *Consumer) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Errors reports handler failures, decode failures and settlement failures.
// Sends never block: errors are dropped while the buffer is full. The channel
// is closed by Close.
func (c *Consumer) Errors() <-chan error {
	return c.errors
}

// ConsumerTag returns the tag of the active subscription
func (c *Consumer) ConsumerTag() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tag
}

// Consume sets up the subscription under the retry policy and starts handing
// deliveries to handler on a dedicated goroutine. It returns once the
// subscription is active, or with the last setup failure once the policy
// gives up. A consumer can only be started once. Cancelling ctx after the
// subscription is active closes the consumer as Close does.
func (c *Consumer) Consume(ctx context.Context, handler RawHandler) error {
	if handler == nil {
		return fmt.Errorf("%w: handler cannot be nil", rabbitmq.ErrInvalidConfiguration)
	}

	c.mu.Lock()
	switch c.state {
	case StateUnconnected:
	case StateDisposed:
		c.mu.Unlock()
		return c.consumerError("consume", rabbitmq.ErrConsumerClosed)
	default:
		c.mu.Unlock()
		return c.consumerError("consume", rabbitmq.ErrAlreadyConsuming)
	}
	if err := c.config.Validate(); err != nil {
		c.mu.Unlock()
		return err
	}
	c.state = StateConnecting
	c.mu.Unlock()

	if c.config.SingleActiveConsumer && !c.config.DeclareQueue {
		c.logger.Warn("single active consumer needs a declared queue, ignoring")
	}

	var sub subscription
	err := reliability.Retry(ctx, c.retryPolicy, func(attempt int) error {
		var err error
		sub, err = c.subscribe(ctx)
		if err != nil {
			c.logger.Warn("consumer setup failed",
				"attempt", attempt+1,
				"maxAttempts", c.retryPolicy.MaxAttempts(),
				"error", err,
			)
		}
		return err
	})

	c.mu.Lock()
	defer c.mu.Unlock()

	if err != nil {
		if c.state != StateDisposed {
			c.state = StateFailed
		}
		c.logger.Error("consumer setup gave up", "error", err)
		return err
	}

	if c.state == StateDisposed {
		// closed while subscribing
		_ = c.release(sub.ch, sub.tag, nil)
		return c.consumerError("consume", rabbitmq.ErrConsumerClosed)
	}

	c.ch = sub.ch
	c.tag = sub.tag
	c.state = StateSubscribed
	done := make(chan struct{})
	c.done = done
	go c.run(ctx, sub.deliveries, handler, done)
	go c.closeOnCancel(ctx, done)

	c.logger.Info("consumer subscribed", "consumerTag", sub.tag)
	return nil
}

// subscription is the outcome of a successful setup attempt
type subscription struct {
	ch         rabbitmq.Channel
	tag        string
	deliveries <-chan amqp.Delivery
}

// subscribe makes one setup attempt. A failed attempt closes the channel it
// opened.
func (c *Consumer) subscribe(ctx context.Context) (subscription, error) {
	ch, err := c.source.Channel(ctx)
	if err != nil {
		return subscription{}, err
	}

	fail := func(err error) (subscription, error) {
		_ = ch.Close()
		return subscription{}, err
	}

	if err := rabbitmq.DeclareExchange(ch, c.config.Exchange); err != nil {
		return fail(err)
	}
	if c.config.DeclareQueue {
		declaration := rabbitmq.QueueDeclaration{
			Name:                 c.config.Queue,
			SingleActiveConsumer: c.config.SingleActiveConsumer,
		}
		if _, err := rabbitmq.DeclareQueue(ch, declaration); err != nil {
			return fail(err)
		}
		if err := rabbitmq.BindQueue(ch, c.config.Queue, c.config.Exchange); err != nil {
			return fail(err)
		}
	}
	c.setState(StateTopologyDeclared)

	if err := ch.Qos(prefetchCount, 0, false); err != nil {
		return fail(c.consumerError("qos", err))
	}

	tag := fmt.Sprintf("%s-%s", c.config.Queue, uuid.NewString())
	deliveries, err := ch.Consume(
		c.config.Queue,
		tag,
		false, // manual acknowledgment
		false, // exclusive
		false, // no-local
		false, // no-wait
		nil,
	)
	if err != nil {
		return fail(c.consumerError("subscribe", err))
	}

	return subscription{ch: ch, tag: tag, deliveries: deliveries}, nil
}

func (c *Consumer) setState(state State) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateDisposed {
		c.state = state
	}
}

// run handles deliveries until the stream ends, which happens when the
// subscription is cancelled or the channel closes
func (c *Consumer) run(ctx context.Context, deliveries <-chan amqp.Delivery, handler RawHandler, done chan struct{}) {
	defer close(done)

	for d := range deliveries {
		c.handle(ctx, d, handler)
	}
	if c.State() != StateDisposed {
		c.logger.Warn("delivery stream closed by broker")
	}
}

func (c *Consumer) closeOnCancel(ctx context.Context, done <-chan struct{}) {
	select {
	case <-ctx.Done():
		c.logger.Info("context cancelled, closing consumer")
		if err := c.Close(); err != nil {
			c.logger.Warn("failed to close consumer", "error", err)
		}
	case <-done:
	}
}

// handle runs the handler and settles the delivery. A panicking handler gets
// its delivery requeued before the panic continues.
func (c *Consumer) handle(ctx context.Context, d amqp.Delivery, handler RawHandler) {
	msg := newMessage(d)
	logger := c.logger.With(
		"messageType", msg.MessageType,
		"messageId", msg.MessageID,
		"deliveryTag", d.DeliveryTag,
	)

	defer func() {
		if r := recover(); r != nil {
			logger.Error("handler panicked, requeueing message", "panic", r)
			c.settle(d, contracts.RejectAndRequeue, logger)
			panic(r)
		}
	}()

	verdict, err := handler(ctx, msg)
	if err != nil {
		logger.Warn("handler failed, requeueing message", "error", err)
		c.report(c.consumerError("handle", err))
		verdict = contracts.RejectAndRequeue
	}

	c.settle(d, verdict, logger)
}

func (c *Consumer) settle(d amqp.Delivery, verdict contracts.Verdict, logger *slog.Logger) {
	var err error
	switch verdict {
	case contracts.Acknowledge:
		err = d.Ack(false)
	default:
		err = d.Nack(false, true)
	}

	if err != nil {
		logger.Error("failed to settle message", "verdict", verdict.String(), "error", err)
		c.report(c.consumerError("settle", err))
		return
	}
	logger.Debug("settled message", "verdict", verdict.String(), "redelivered", d.Redelivered)
}

func (c *Consumer) report(err error) {
	select {
	case c.errors <- err:
	default:
		c.logger.Warn("error channel full, dropping error", "error", err)
	}
}

func (c *Consumer) consumerError(op string, err error) *rabbitmq.ConsumerError {
	return &rabbitmq.ConsumerError{
		Queue:       c.config.Queue,
		ConsumerTag: c.tag,
		Op:          op,
		Err:         err,
		Timestamp:   time.Now(),
	}
}

// Close cancels the subscription, waits for the delivery in progress to be
// settled and closes the channel. It is safe to call more than once.
func (c *Consumer) Close() error {
	c.mu.Lock()
	if c.state == StateDisposed {
		c.mu.Unlock()
		return nil
	}
	c.state = StateDisposed
	ch, tag, done := c.ch, c.tag, c.done
	c.ch = nil
	c.mu.Unlock()

	var err error
	if ch != nil {
		err = c.release(ch, tag, done)
		c.logger.Info("consumer closed", "consumerTag", tag)
	}
	close(c.errors)
	return err
}

// release cancels the subscription by its tag and closes the channel once the
// delivery goroutine has stopped
func (c *Consumer) release(ch rabbitmq.Channel, tag string, done <-chan struct{}) error {
	var cancelErr error
	if !ch.IsClosed() {
		cancelErr = ch.Cancel(tag, false)
		if cancelErr != nil {
			// closing the channel also ends the delivery stream
			_ = ch.Close()
		}
	}

	if done != nil {
		<-done
	}

	closeErr := ch.Close()
	if cancelErr != nil && cancelErr != amqp.ErrClosed {
		return c.consumerError("cancel", cancelErr)
	}
	if closeErr != nil && closeErr != amqp.ErrClosed {
		return c.consumerError("close", closeErr)
	}
	return nil
}
