// Package rabbitmqtest provides an in-memory AMQP broker implementing the
// rabbitmq.Connection and rabbitmq.Channel interfaces. It models durable fanout
// exchanges with alternate exchanges, queue bindings, per-channel prefetch,
// manual acknowledgment with requeue, single-active-consumer queues and
// failing dials, which is enough to drive publishers and consumers end to end
// in unit tests.
package rabbitmqtest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/glimte/taskbus/internal/rabbitmq"
	amqp "github.com/rabbitmq/amqp091-go"
)

// ErrDialRefused is returned by Dial while injected failures remain
var ErrDialRefused = errors.New("rabbitmqtest: connection refused")

const deliveryBuffer = 128

// Broker is an in-memory broker. The zero value is not usable; use NewBroker.
type Broker struct {
	mu        sync.Mutex
	exchanges map[string]*exchange
	queues    map[string]*queue

	failDials int
	dials     int
	acks      int
	requeues  int
	drops     int
}

type exchange struct {
	kind       string
	durable    bool
	autoDelete bool
	alternate  string
	bindings   []string
}

type queue struct {
	name      string
	durable   bool
	single    bool
	messages  []*message
	consumers []*consumer
	next      int
}

type message struct {
	exchange    string
	publishing  amqp.Publishing
	redelivered bool
}

type consumer struct {
	tag         string
	channel     *Channel
	queue       *queue
	deliveries  chan amqp.Delivery
	outstanding int
}

type pending struct {
	queue    *queue
	message  *message
	consumer *consumer
}

// NewBroker creates an empty broker
func NewBroker() *Broker {
	return &Broker{
		exchanges: make(map[string]*exchange),
		queues:    make(map[string]*queue),
	}
}

// FailDials makes the next n dials fail with ErrDialRefused
func (b *Broker) FailDials(n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failDials = n
}

// Dial implements rabbitmq.Dialer
func (b *Broker) Dial(string) (rabbitmq.Connection, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.dials++
	if b.failDials > 0 {
		b.failDials--
		return nil, ErrDialRefused
	}
	return &Connection{broker: b}, nil
}

// Dials returns the number of dial attempts, failed ones included
func (b *Broker) Dials() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dials
}

// Acks returns the number of acknowledged deliveries
func (b *Broker) Acks() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.acks
}

// Requeues returns the number of deliveries rejected with requeue
func (b *Broker) Requeues() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.requeues
}

// Drops returns the number of deliveries rejected without requeue
func (b *Broker) Drops() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.drops
}

// QueueLen returns the number of ready (not yet delivered) messages
func (b *Broker) QueueLen(name string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queues[name]
	if !ok {
		return 0
	}
	return len(q.messages)
}

// Messages returns copies of the ready messages of a queue
func (b *Broker) Messages(name string) []amqp.Publishing {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queues[name]
	if !ok {
		return nil
	}
	out := make([]amqp.Publishing, 0, len(q.messages))
	for _, m := range q.messages {
		out = append(out, m.publishing)
	}
	return out
}

// ConsumerCount returns the number of subscriptions on a queue
func (b *Broker) ConsumerCount(name string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queues[name]
	if !ok {
		return 0
	}
	return len(q.consumers)
}

// Prefetch returns the prefetch count of the channel consuming the queue
func (b *Broker) Prefetch(name string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queues[name]
	if !ok || len(q.consumers) == 0 {
		return 0
	}
	return q.consumers[0].channel.prefetch
}

// ExchangeInfo describes a declared exchange
type ExchangeInfo struct {
	Kind      string
	Durable   bool
	Alternate string
	Bindings  []string
}

// Exchange returns a declared exchange
func (b *Broker) Exchange(name string) (ExchangeInfo, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ex, ok := b.exchanges[name]
	if !ok {
		return ExchangeInfo{}, false
	}
	return ExchangeInfo{
		Kind:      ex.kind,
		Durable:   ex.durable,
		Alternate: ex.alternate,
		Bindings:  append([]string(nil), ex.bindings...),
	}, true
}

// HasQueue reports whether a queue has been declared
func (b *Broker) HasQueue(name string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.queues[name]
	return ok
}

// DeclareQueue declares a durable queue out of band, e.g. to simulate one
// owned by another service
func (b *Broker) DeclareQueue(name string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.queues[name]; !ok {
		b.queues[name] = &queue{name: name, durable: true}
	}
}

// Inject puts a message straight into a queue, bypassing exchanges
func (b *Broker) Inject(queueName string, body []byte, headers amqp.Table) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queues[queueName]
	if !ok {
		return fmt.Errorf("rabbitmqtest: queue %s not found", queueName)
	}
	q.messages = append(q.messages, &message{
		publishing: amqp.Publishing{Headers: headers, Body: body, Timestamp: time.Now()},
	})
	b.pumpLocked(q)
	return nil
}

// route delivers a message to every queue bound to the exchange, falling back
// to the alternate exchange when nothing is bound
func (b *Broker) routeLocked(exchangeName string, msg amqp.Publishing, depth int) {
	ex, ok := b.exchanges[exchangeName]
	if !ok || depth > 4 {
		return
	}
	if len(ex.bindings) == 0 {
		if ex.alternate != "" {
			b.routeLocked(ex.alternate, msg, depth+1)
		}
		return
	}
	for _, name := range ex.bindings {
		q := b.queues[name]
		q.messages = append(q.messages, &message{exchange: exchangeName, publishing: msg})
		b.pumpLocked(q)
	}
}

// pumpLocked pushes ready messages to consumers with spare prefetch capacity.
// Sends never block: outstanding deliveries per consumer stay below the
// delivery buffer size.
func (b *Broker) pumpLocked(q *queue) {
	for len(q.messages) > 0 {
		c := q.pick()
		if c == nil {
			return
		}
		m := q.messages[0]
		q.messages = q.messages[1:]

		ch := c.channel
		ch.nextTag++
		tag := ch.nextTag
		ch.unacked[tag] = &pending{queue: q, message: m, consumer: c}
		c.outstanding++

		c.deliveries <- amqp.Delivery{
			Acknowledger:    ch,
			Headers:         m.publishing.Headers,
			ContentType:     m.publishing.ContentType,
			ContentEncoding: m.publishing.ContentEncoding,
			DeliveryMode:    m.publishing.DeliveryMode,
			MessageId:       m.publishing.MessageId,
			Timestamp:       m.publishing.Timestamp,
			Type:            m.publishing.Type,
			ConsumerTag:     c.tag,
			DeliveryTag:     tag,
			Redelivered:     m.redelivered,
			Exchange:        m.exchange,
			Body:            m.publishing.Body,
		}
	}
}

func (q *queue) pick() *consumer {
	if len(q.consumers) == 0 {
		return nil
	}
	if q.single {
		c := q.consumers[0]
		if c.hasCapacity() {
			return c
		}
		return nil
	}
	for i := 0; i < len(q.consumers); i++ {
		c := q.consumers[(q.next+i)%len(q.consumers)]
		if c.hasCapacity() {
			q.next = (q.next + i + 1) % len(q.consumers)
			return c
		}
	}
	return nil
}

func (c *consumer) hasCapacity() bool {
	limit := deliveryBuffer
	if p := c.channel.prefetch; p > 0 && p < limit {
		limit = p
	}
	return c.outstanding < limit
}

func (q *queue) removeConsumer(c *consumer) {
	for i, existing := range q.consumers {
		if existing == c {
			q.consumers = append(q.consumers[:i], q.consumers[i+1:]...)
			break
		}
	}
	q.next = 0
}

// Connection is an in-memory broker connection
type Connection struct {
	broker   *Broker
	mu       sync.Mutex
	closed   bool
	channels []*Channel
}

// Channel implements rabbitmq.Connection
func (c *Connection) Channel() (rabbitmq.Channel, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, amqp.ErrClosed
	}
	ch := &Channel{
		broker:    c.broker,
		unacked:   make(map[uint64]*pending),
		consumers: make(map[string]*consumer),
	}
	c.channels = append(c.channels, ch)
	return ch, nil
}

// IsClosed implements rabbitmq.Connection
func (c *Connection) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Close implements rabbitmq.Connection and closes every channel
func (c *Connection) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return amqp.ErrClosed
	}
	c.closed = true
	channels := c.channels
	c.mu.Unlock()

	for _, ch := range channels {
		_ = ch.Close()
	}
	return nil
}

// Drop simulates the broker closing the connection
func (c *Connection) Drop() {
	_ = c.Close()
}

// Channel is an in-memory AMQP channel. It also acts as the acknowledger of
// the deliveries it hands out.
type Channel struct {
	broker    *Broker
	closed    bool
	prefetch  int
	nextTag   uint64
	unacked   map[uint64]*pending
	consumers map[string]*consumer
}

var _ rabbitmq.Channel = (*Channel)(nil)
var _ amqp.Acknowledger = (*Channel)(nil)

func preconditionFailed(format string, args ...interface{}) *amqp.Error {
	return &amqp.Error{
		Code:    amqp.PreconditionFailed,
		Reason:  "PRECONDITION_FAILED - " + fmt.Sprintf(format, args...),
		Server:  true,
		Recover: false,
	}
}

func notFound(format string, args ...interface{}) *amqp.Error {
	return &amqp.Error{
		Code:   amqp.NotFound,
		Reason: "NOT_FOUND - " + fmt.Sprintf(format, args...),
		Server: true,
	}
}

// ExchangeDeclare implements rabbitmq.Channel
func (ch *Channel) ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error {
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch.closed {
		return amqp.ErrClosed
	}

	alternate, _ := args["alternate-exchange"].(string)
	if existing, ok := b.exchanges[name]; ok {
		if existing.kind != kind || existing.durable != durable ||
			existing.autoDelete != autoDelete || existing.alternate != alternate {
			ch.closeLocked()
			return preconditionFailed("inequivalent arg for exchange '%s'", name)
		}
		return nil
	}

	b.exchanges[name] = &exchange{
		kind:       kind,
		durable:    durable,
		autoDelete: autoDelete,
		alternate:  alternate,
	}
	return nil
}

// QueueDeclare implements rabbitmq.Channel
func (ch *Channel) QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch.closed {
		return amqp.Queue{}, amqp.ErrClosed
	}

	single, _ := args["x-single-active-consumer"].(bool)
	if existing, ok := b.queues[name]; ok {
		if existing.durable != durable || existing.single != single {
			ch.closeLocked()
			return amqp.Queue{}, preconditionFailed("inequivalent arg for queue '%s'", name)
		}
		return amqp.Queue{Name: name, Messages: len(existing.messages), Consumers: len(existing.consumers)}, nil
	}

	b.queues[name] = &queue{name: name, durable: durable, single: single}
	return amqp.Queue{Name: name}, nil
}

// QueueDeclarePassive implements rabbitmq.Channel
func (ch *Channel) QueueDeclarePassive(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch.closed {
		return amqp.Queue{}, amqp.ErrClosed
	}

	q, ok := b.queues[name]
	if !ok {
		ch.closeLocked()
		return amqp.Queue{}, notFound("no queue '%s'", name)
	}
	return amqp.Queue{Name: name, Messages: len(q.messages), Consumers: len(q.consumers)}, nil
}

// QueueBind implements rabbitmq.Channel
func (ch *Channel) QueueBind(name, key, exchangeName string, noWait bool, args amqp.Table) error {
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch.closed {
		return amqp.ErrClosed
	}

	ex, ok := b.exchanges[exchangeName]
	if !ok {
		ch.closeLocked()
		return notFound("no exchange '%s'", exchangeName)
	}
	if _, ok := b.queues[name]; !ok {
		ch.closeLocked()
		return notFound("no queue '%s'", name)
	}
	for _, bound := range ex.bindings {
		if bound == name {
			return nil
		}
	}
	ex.bindings = append(ex.bindings, name)
	return nil
}

// Qos implements rabbitmq.Channel
func (ch *Channel) Qos(prefetchCount, prefetchSize int, global bool) error {
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch.closed {
		return amqp.ErrClosed
	}
	ch.prefetch = prefetchCount
	return nil
}

// Consume implements rabbitmq.Channel. Only manual acknowledgment is supported.
func (ch *Channel) Consume(queueName, tag string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error) {
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch.closed {
		return nil, amqp.ErrClosed
	}
	if autoAck {
		return nil, errors.New("rabbitmqtest: auto-ack is not supported")
	}

	q, ok := b.queues[queueName]
	if !ok {
		ch.closeLocked()
		return nil, notFound("no queue '%s'", queueName)
	}
	if tag == "" {
		tag = fmt.Sprintf("ctag-%d", len(ch.consumers)+1)
	}
	if _, exists := ch.consumers[tag]; exists {
		ch.closeLocked()
		return nil, &amqp.Error{Code: amqp.NotAllowed, Reason: "NOT_ALLOWED - attempt to reuse consumer tag"}
	}

	c := &consumer{
		tag:        tag,
		channel:    ch,
		queue:      q,
		deliveries: make(chan amqp.Delivery, deliveryBuffer),
	}
	ch.consumers[tag] = c
	q.consumers = append(q.consumers, c)
	b.pumpLocked(q)

	return c.deliveries, nil
}

// Cancel implements rabbitmq.Channel. Unacknowledged deliveries stay pending
// until acknowledged or the channel closes.
func (ch *Channel) Cancel(tag string, noWait bool) error {
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch.closed {
		return amqp.ErrClosed
	}

	c, ok := ch.consumers[tag]
	if !ok {
		return nil
	}
	ch.cancelLocked(c)
	b.pumpLocked(c.queue)
	return nil
}

func (ch *Channel) cancelLocked(c *consumer) {
	delete(ch.consumers, c.tag)
	c.queue.removeConsumer(c)
	close(c.deliveries)
}

// PublishWithContext implements rabbitmq.Channel
func (ch *Channel) PublishWithContext(ctx context.Context, exchangeName, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch.closed {
		return amqp.ErrClosed
	}

	if exchangeName == "" {
		if q, ok := b.queues[key]; ok {
			q.messages = append(q.messages, &message{publishing: msg})
			b.pumpLocked(q)
		}
		return nil
	}

	if _, ok := b.exchanges[exchangeName]; !ok {
		ch.closeLocked()
		return notFound("no exchange '%s'", exchangeName)
	}
	b.routeLocked(exchangeName, msg, 0)
	return nil
}

// IsClosed implements rabbitmq.Channel
func (ch *Channel) IsClosed() bool {
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	return ch.closed
}

// Close implements rabbitmq.Channel. Pending deliveries are requeued.
func (ch *Channel) Close() error {
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch.closed {
		return amqp.ErrClosed
	}
	ch.closeLocked()
	return nil
}

func (ch *Channel) closeLocked() {
	ch.closed = true
	for _, c := range ch.consumers {
		ch.cancelLocked(c)
	}

	touched := make(map[*queue]bool)
	for tag, p := range ch.unacked {
		p.message.redelivered = true
		p.queue.messages = append([]*message{p.message}, p.queue.messages...)
		touched[p.queue] = true
		delete(ch.unacked, tag)
	}
	for q := range touched {
		ch.broker.pumpLocked(q)
	}
}

// Ack implements amqp.Acknowledger
func (ch *Channel) Ack(tag uint64, multiple bool) error {
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	p, err := ch.settleLocked(tag)
	if err != nil {
		return err
	}
	b.acks++
	b.pumpLocked(p.queue)
	return nil
}

// Nack implements amqp.Acknowledger
func (ch *Channel) Nack(tag uint64, multiple bool, requeue bool) error {
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	p, err := ch.settleLocked(tag)
	if err != nil {
		return err
	}
	if requeue {
		b.requeues++
		p.message.redelivered = true
		p.queue.messages = append([]*message{p.message}, p.queue.messages...)
	} else {
		b.drops++
	}
	b.pumpLocked(p.queue)
	return nil
}

// Reject implements amqp.Acknowledger
func (ch *Channel) Reject(tag uint64, requeue bool) error {
	return ch.Nack(tag, false, requeue)
}

func (ch *Channel) settleLocked(tag uint64) (*pending, error) {
	if ch.closed {
		return nil, amqp.ErrClosed
	}
	p, ok := ch.unacked[tag]
	if !ok {
		ch.closeLocked()
		return nil, preconditionFailed("unknown delivery tag %d", tag)
	}
	delete(ch.unacked, tag)
	p.consumer.outstanding--
	return p, nil
}
