package health

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/glimte/taskbus/internal/rabbitmq"
)

// DefaultBacklogThreshold is the queue depth above which a queue is degraded
const DefaultBacklogThreshold = 1000

// ChannelSource mints broker channels
type ChannelSource interface {
	Channel(ctx context.Context) (rabbitmq.Channel, error)
}

// probe collects the outcome of one check
type probe struct {
	start  time.Time
	result CheckResult
}

func newProbe(name string) *probe {
	start := time.Now()
	return &probe{
		start: start,
		result: CheckResult{
			Name:      name,
			Timestamp: start,
			Details:   make(map[string]interface{}),
		},
	}
}

func (p *probe) done(status Status, message string, err error) CheckResult {
	p.result.Status = status
	p.result.Message = message
	if err != nil {
		p.result.Error = err.Error()
	}
	p.result.Duration = time.Since(p.start)
	return p.result
}

// RabbitMQChecker checks that the broker accepts connections and channels
type RabbitMQChecker struct {
	source ChannelSource
	logger *slog.Logger
}

// NewRabbitMQChecker creates a checker opening a throwaway channel on source
func NewRabbitMQChecker(source ChannelSource, logger *slog.Logger) *RabbitMQChecker {
	if logger == nil {
		logger = slog.Default()
	}
	return &RabbitMQChecker{source: source, logger: logger}
}

func (c *RabbitMQChecker) Name() string {
	return "rabbitmq"
}

func (c *RabbitMQChecker) Check(ctx context.Context) CheckResult {
	p := newProbe(c.Name())

	ch, err := c.source.Channel(ctx)
	if err != nil {
		c.logger.Warn("health check could not open a channel", "error", err)
		return p.done(StatusUnhealthy, "Failed to open channel", err)
	}
	defer ch.Close()

	if ch.IsClosed() {
		return p.done(StatusUnhealthy, "Channel closed right after opening", nil)
	}

	result := p.done(StatusHealthy, "RabbitMQ connection is healthy", nil)
	result.Details["response_time_ms"] = result.Duration.Milliseconds()
	return result
}

// QueueChecker reports the backlog of an existing queue
type QueueChecker struct {
	queue     string
	threshold int
	source    ChannelSource
	logger    *slog.Logger
}

// NewQueueChecker creates a queue checker. A threshold of zero or less uses
// DefaultBacklogThreshold.
func NewQueueChecker(queue string, threshold int, source ChannelSource, logger *slog.Logger) *QueueChecker {
	if threshold <= 0 {
		threshold = DefaultBacklogThreshold
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &QueueChecker{queue: queue, threshold: threshold, source: source, logger: logger}
}

func (c *QueueChecker) Name() string {
	return "queue_" + c.queue
}

func (c *QueueChecker) Check(ctx context.Context) CheckResult {
	p := newProbe(c.Name())
	p.result.Details["threshold"] = c.threshold

	ch, err := c.source.Channel(ctx)
	if err != nil {
		return p.done(StatusUnhealthy, "Failed to open channel", err)
	}
	// a failed passive declare closes the channel on the broker side
	defer ch.Close()

	queue, err := rabbitmq.InspectQueue(ch, c.queue)
	if err != nil {
		c.logger.Warn("queue inspection failed", "queue", c.queue, "error", err)
		return p.done(StatusUnhealthy, fmt.Sprintf("Queue %s not accessible", c.queue), err)
	}

	p.result.Details["queue_name"] = queue.Name
	p.result.Details["message_count"] = queue.Messages
	p.result.Details["consumer_count"] = queue.Consumers

	if queue.Messages > c.threshold {
		return p.done(StatusDegraded, fmt.Sprintf("Queue %s has %d messages waiting", c.queue, queue.Messages), nil)
	}
	return p.done(StatusHealthy, fmt.Sprintf("Queue %s is accessible", c.queue), nil)
}

// ComponentChecker wraps a function as a Checker
type ComponentChecker struct {
	name  string
	check func(ctx context.Context) (Status, string, error)
}

// NewComponentChecker creates a checker running check
func NewComponentChecker(name string, check func(ctx context.Context) (Status, string, error)) *ComponentChecker {
	return &ComponentChecker{name: name, check: check}
}

func (c *ComponentChecker) Name() string {
	return c.name
}

func (c *ComponentChecker) Check(ctx context.Context) CheckResult {
	p := newProbe(c.Name())
	status, message, err := c.check(ctx)
	return p.done(status, message, err)
}
