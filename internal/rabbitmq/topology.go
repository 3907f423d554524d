package rabbitmq

import (
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	// UnroutedExchange receives every message its primary exchange could not route
	UnroutedExchange = "unrouted"
	// UnroutedQueue holds the unroutable messages
	UnroutedQueue = "unrouted"

	// ExchangeKind is the only exchange type used: every bound queue gets a copy
	ExchangeKind = amqp.ExchangeFanout

	argAlternateExchange    = "alternate-exchange"
	argSingleActiveConsumer = "x-single-active-consumer"
)

// QueueDeclaration defines a queue to be declared
type QueueDeclaration struct {
	Name                 string
	SingleActiveConsumer bool
}

// Arguments returns the queue arguments sent to the broker
func (q QueueDeclaration) Arguments() amqp.Table {
	if !q.SingleActiveConsumer {
		return nil
	}
	return amqp.Table{argSingleActiveConsumer: true}
}

// DeclareExchange idempotently declares the unrouted fallback (exchange, queue
// and binding) and then the named durable fanout exchange with "unrouted" as its
// alternate exchange.
func DeclareExchange(ch Channel, name string) error {
	if err := declareUnrouted(ch); err != nil {
		return err
	}
	if name == UnroutedExchange {
		return nil
	}

	err := ch.ExchangeDeclare(
		name,
		ExchangeKind,
		true,  // durable
		false, // auto-delete
		false, // internal
		false, // no-wait
		amqp.Table{argAlternateExchange: UnroutedExchange},
	)
	if err != nil {
		return topologyError("exchange", name, "declare", err)
	}
	return nil
}

func declareUnrouted(ch Channel) error {
	err := ch.ExchangeDeclare(UnroutedExchange, ExchangeKind, true, false, false, false, nil)
	if err != nil {
		return topologyError("exchange", UnroutedExchange, "declare", err)
	}

	if _, err := DeclareQueue(ch, QueueDeclaration{Name: UnroutedQueue}); err != nil {
		return err
	}

	return BindQueue(ch, UnroutedQueue, UnroutedExchange)
}

// DeclareQueue declares a durable, non-exclusive queue
func DeclareQueue(ch Channel, queue QueueDeclaration) (amqp.Queue, error) {
	q, err := ch.QueueDeclare(
		queue.Name,
		true,  // durable
		false, // auto-delete
		false, // exclusive
		false, // no-wait
		queue.Arguments(),
	)
	if err != nil {
		return q, topologyError("queue", queue.Name, "declare", err)
	}
	return q, nil
}

// BindQueue binds a queue to a fanout exchange with an empty routing key
func BindQueue(ch Channel, queue, exchange string) error {
	if err := ch.QueueBind(queue, "", exchange, false, nil); err != nil {
		return topologyError("binding", queue+"->"+exchange, "declare", err)
	}
	return nil
}

// InspectQueue reads message and consumer counts of an existing queue without
// declaring it
func InspectQueue(ch Channel, name string) (amqp.Queue, error) {
	q, err := ch.QueueDeclarePassive(name, true, false, false, false, nil)
	if err != nil {
		return q, topologyError("queue", name, "inspect", err)
	}
	return q, nil
}

func topologyError(component, name, op string, err error) *TopologyError {
	return &TopologyError{
		Component: component,
		Name:      name,
		Op:        op,
		Err:       err,
		Timestamp: time.Now(),
	}
}
