package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Channel is the subset of *amqp.Channel used by publishers, consumers and the
// topology builder. A Channel is not safe for concurrent use by multiple callers.
type Channel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueDeclarePassive(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
	Qos(prefetchCount, prefetchSize int, global bool) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	Cancel(consumer string, noWait bool) error
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	IsClosed() bool
	Close() error
}

// Connection is a broker connection able to mint channels
type Connection interface {
	Channel() (Channel, error)
	IsClosed() bool
	Close() error
}

// Dialer opens a broker connection for the given URL
type Dialer func(url string) (Connection, error)

// DialAMQP dials a real broker with amqp091-go
func DialAMQP(url string) (Connection, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, err
	}
	return &amqpConnection{conn: conn}, nil
}

type amqpConnection struct {
	conn *amqp.Connection
}

func (c *amqpConnection) Channel() (Channel, error) {
	ch, err := c.conn.Channel()
	if err != nil {
		return nil, err
	}
	return ch, nil
}

func (c *amqpConnection) IsClosed() bool {
	return c.conn.IsClosed()
}

func (c *amqpConnection) Close() error {
	return c.conn.Close()
}

// ConnectionManager owns the single broker connection shared by publishers and
// consumers and mints channels on demand. It never retries on its own; callers
// wrap Channel in a retry policy.
type ConnectionManager struct {
	url         string
	dial        Dialer
	dialTimeout time.Duration
	logger      *slog.Logger

	mu     sync.Mutex
	conn   Connection
	dials  int
	closed bool
}

// ConnectionOption configures the ConnectionManager
type ConnectionOption func(*ConnectionManager)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.logger = logger
	}
}

// WithDialer replaces the function used to open connections
func WithDialer(dial Dialer) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.dial = dial
	}
}

// WithDialTimeout bounds a single dial attempt
func WithDialTimeout(timeout time.Duration) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.dialTimeout = timeout
	}
}

// NewConnectionManager creates a new connection manager. No connection is made
// until Connect or Channel is called.
func NewConnectionManager(url string, options ...ConnectionOption) *ConnectionManager {
	cm := &ConnectionManager{
		url:         url,
		dial:        DialAMQP,
		dialTimeout: 30 * time.Second,
		logger:      slog.Default(),
	}

	for _, opt := range options {
		opt(cm)
	}

	return cm
}

// Connect establishes the connection if there is no open one
func (cm *ConnectionManager) Connect(ctx context.Context) error {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	_, err := cm.connectLocked(ctx)
	return err
}

func (cm *ConnectionManager) connectLocked(ctx context.Context) (Connection, error) {
	if cm.closed {
		return nil, ErrManagerClosed
	}
	if cm.conn != nil && !cm.conn.IsClosed() {
		return cm.conn, nil
	}
	if cm.conn != nil {
		cm.logger.Warn("connection lost, redialing", "url", SanitizeURL(cm.url))
		cm.conn = nil
	}

	connCtx, cancel := context.WithTimeout(ctx, cm.dialTimeout)
	defer cancel()

	type dialResult struct {
		conn Connection
		err  error
	}
	resultChan := make(chan dialResult, 1)

	cm.dials++
	go func() {
		conn, err := cm.dial(cm.url)
		resultChan <- dialResult{conn: conn, err: err}
	}()

	select {
	case res := <-resultChan:
		if res.err != nil {
			return nil, &ConnectionError{
				Op:        "dial",
				URL:       SanitizeURL(cm.url),
				Err:       res.err,
				Timestamp: time.Now(),
			}
		}
		cm.conn = res.conn
		cm.logger.Info("connected to RabbitMQ", "url", SanitizeURL(cm.url))
		return cm.conn, nil

	case <-connCtx.Done():
		err := ErrConnectionTimeout
		if ctx.Err() != nil {
			err = ctx.Err()
		}
		go func() {
			// a late connection still has to be released
			if res := <-resultChan; res.conn != nil {
				_ = res.conn.Close()
			}
		}()
		return nil, &ConnectionError{
			Op:        "dial",
			URL:       SanitizeURL(cm.url),
			Err:       err,
			Timestamp: time.Now(),
		}
	}
}

// Channel returns a new channel on the shared connection, dialing first when
// needed. The caller owns the channel and must close it.
func (cm *ConnectionManager) Channel(ctx context.Context) (Channel, error) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	conn, err := cm.connectLocked(ctx)
	if err != nil {
		return nil, err
	}

	ch, err := conn.Channel()
	if err != nil {
		return nil, &ChannelError{
			Op:        "open channel",
			Err:       fmt.Errorf("%w: %v", ErrChannelCreationFailed, err),
			Timestamp: time.Now(),
		}
	}
	return ch, nil
}

// IsConnected reports whether an open connection exists
func (cm *ConnectionManager) IsConnected() bool {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	return cm.conn != nil && !cm.conn.IsClosed()
}

// Dials returns how many connection attempts have been made
func (cm *ConnectionManager) Dials() int {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	return cm.dials
}

// URL returns the sanitized broker URL
func (cm *ConnectionManager) URL() string {
	return SanitizeURL(cm.url)
}

// Close closes the connection. Channels minted from it are closed by the broker
// client as a consequence.
func (cm *ConnectionManager) Close() error {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if cm.closed {
		return nil
	}
	cm.closed = true

	if cm.conn == nil {
		return nil
	}
	err := cm.conn.Close()
	cm.conn = nil
	if err != nil && err != amqp.ErrClosed {
		return err
	}
	cm.logger.Info("connection manager closed")
	return nil
}
