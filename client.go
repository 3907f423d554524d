// Copyright 2024 Mmate Contributors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package taskbus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/glimte/taskbus/config"
	"github.com/glimte/taskbus/contracts"
	"github.com/glimte/taskbus/events"
	"github.com/glimte/taskbus/internal/rabbitmq"
	"github.com/glimte/taskbus/internal/reliability"
	"github.com/glimte/taskbus/messaging"
	"github.com/glimte/taskbus/serialization"
)

// Client provides the main entry point for taskbus. It owns the broker
// connection and closes every publisher and consumer it created.
type Client struct {
	conn        *rabbitmq.ConnectionManager
	registry    *serialization.TypeRegistry
	retryPolicy reliability.RetryPolicy
	logger      *slog.Logger
	serviceName string

	mu      sync.Mutex
	closers []closer
	closed  bool
}

type closer interface {
	Close() error
}

// NewClient creates a client for the broker at url. No connection is made
// until a publisher or consumer needs one.
func NewClient(url string, options ...ClientOption) *Client {
	cfg := &clientConfig{
		logger:      slog.Default(),
		serviceName: "taskbus",
		retryPolicy: reliability.DefaultConnectPolicy(),
	}

	for _, opt := range options {
		opt(cfg)
	}

	if cfg.registry == nil {
		cfg.registry = events.NewRegistry()
	}

	connOpts := []rabbitmq.ConnectionOption{rabbitmq.WithLogger(cfg.logger)}
	if cfg.dialer != nil {
		connOpts = append(connOpts, rabbitmq.WithDialer(cfg.dialer))
	}

	return &Client{
		conn:        rabbitmq.NewConnectionManager(url, connOpts...),
		registry:    cfg.registry,
		retryPolicy: cfg.retryPolicy,
		logger:      cfg.logger,
		serviceName: cfg.serviceName,
	}
}

// NewClientFromConfig creates a client from loaded configuration. Options
// given here override the configured ones.
func NewClientFromConfig(cfg config.Config, options ...ClientOption) *Client {
	options = append([]ClientOption{
		WithLogger(cfg.Logger()),
		WithRetryPolicy(cfg.RetryPolicy()),
		WithServiceName(cfg.ServiceName),
	}, options...)
	return NewClient(cfg.URL(), options...)
}

// Publisher returns a connected publisher. Raw payloads are routed with the
// client's type registry.
func (c *Client) Publisher(ctx context.Context, options ...messaging.PublisherOption) (*messaging.Publisher, error) {
	options = append([]messaging.PublisherOption{
		messaging.WithPublisherLogger(c.logger),
		messaging.WithPublisherRetryPolicy(c.retryPolicy),
		messaging.WithTypeRegistry(c.registry),
	}, options...)

	p := messaging.NewPublisher(c.conn, options...)
	if err := c.track(p); err != nil {
		return nil, err
	}
	if err := p.Connect(ctx); err != nil {
		return nil, fmt.Errorf("failed to connect publisher: %w", err)
	}
	return p, nil
}

// Consumer returns a raw consumer for the queue. Call Consume to subscribe.
func (c *Client) Consumer(config messaging.ConsumerConfig, options ...messaging.ConsumerOption) (*messaging.Consumer, error) {
	consumer := messaging.NewConsumer(c.conn, config, c.consumerOptions(options)...)
	if err := c.track(consumer); err != nil {
		return nil, err
	}
	return consumer, nil
}

// Subscribe creates a typed consumer for E and starts consuming
func Subscribe[E contracts.Event](ctx context.Context, c *Client, config messaging.ConsumerConfig, handler messaging.Handler[E], options ...messaging.ConsumerOption) (*messaging.EventConsumer[E], error) {
	consumer := messaging.NewEventConsumer[E](c.conn, config, c.consumerOptions(options)...)
	if err := c.track(consumer); err != nil {
		return nil, err
	}
	if err := consumer.Consume(ctx, handler); err != nil {
		return nil, err
	}
	return consumer, nil
}

func (c *Client) consumerOptions(options []messaging.ConsumerOption) []messaging.ConsumerOption {
	return append([]messaging.ConsumerOption{
		messaging.WithConsumerLogger(c.logger),
		messaging.WithConsumerRetryPolicy(c.retryPolicy),
	}, options...)
}

func (c *Client) track(cl closer) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return rabbitmq.ErrManagerClosed
	}
	c.closers = append(c.closers, cl)
	return nil
}

// Connection returns the connection manager, for health checks
func (c *Client) Connection() *rabbitmq.ConnectionManager {
	return c.conn
}

// Registry returns the event type registry
func (c *Client) Registry() *serialization.TypeRegistry {
	return c.registry
}

// ServiceName returns the name used to sign notifications and name queues
func (c *Client) ServiceName() string {
	return c.serviceName
}

// Queue returns the name of this service's queue for an event exchange
func (c *Client) Queue(exchange string) string {
	return fmt.Sprintf("%s.%s", c.serviceName, exchange)
}

// Close closes consumers and publishers in reverse creation order, then the
// connection
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	closers := c.closers
	c.closers = nil
	c.mu.Unlock()

	var errs []error
	for i := len(closers) - 1; i >= 0; i-- {
		if err := closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := c.conn.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// clientConfig holds client configuration
type clientConfig struct {
	logger      *slog.Logger
	serviceName string
	retryPolicy reliability.RetryPolicy
	registry    *serialization.TypeRegistry
	dialer      rabbitmq.Dialer
}

// ClientOption configures the client
type ClientOption func(*clientConfig)

// WithLogger sets the logger for all components
func WithLogger(logger *slog.Logger) ClientOption {
	return func(cfg *clientConfig) {
		cfg.logger = logger
	}
}

// WithServiceName sets the service name (used for queue naming)
func WithServiceName(name string) ClientOption {
	return func(cfg *clientConfig) {
		cfg.serviceName = name
	}
}

// WithRetryPolicy sets the policy guarding broker setup
func WithRetryPolicy(policy reliability.RetryPolicy) ClientOption {
	return func(cfg *clientConfig) {
		cfg.retryPolicy = policy
	}
}

// WithRegistry replaces the registry of task events
func WithRegistry(registry *serialization.TypeRegistry) ClientOption {
	return func(cfg *clientConfig) {
		cfg.registry = registry
	}
}

// WithDialer replaces the function used to open broker connections
func WithDialer(dialer rabbitmq.Dialer) ClientOption {
	return func(cfg *clientConfig) {
		cfg.dialer = dialer
	}
}
