package audit

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/glimte/taskbus"
	"github.com/glimte/taskbus/contracts"
	"github.com/glimte/taskbus/messaging"
	"github.com/glimte/taskbus/serialization"
)

// Recorder appends every delivered event to a Store
type Recorder struct {
	store    *Store
	registry *serialization.TypeRegistry
	log      *slog.Logger
}

// NewRecorder creates a recorder writing to store. Payloads are decoded with
// the event registered under their message type before they are recorded.
func NewRecorder(store *Store, registry *serialization.TypeRegistry, log *slog.Logger) *Recorder {
	return &Recorder{store: store, registry: registry, log: log}
}

// Handle records a delivery. A payload that does not decode as its message
// type, or a failed write, is requeued.
func (r *Recorder) Handle(ctx context.Context, msg messaging.Message) (contracts.Verdict, error) {
	event, err := serialization.UnmarshalNamed(r.registry, msg.MessageType, msg.Body)
	if err != nil {
		return contracts.RejectAndRequeue, err
	}

	entry := Entry{
		MessageType:  msg.MessageType,
		MessageID:    msg.MessageID,
		EventID:      event.GetID(),
		CreationDate: event.GetCreationDate(),
		Exchange:     msg.Exchange,
		Redelivered:  msg.Redelivered,
		Payload:      msg.Body,
	}
	if err := r.store.Append(entry); err != nil {
		return contracts.RejectAndRequeue, fmt.Errorf("failed to record %s: %w", msg.MessageType, err)
	}

	r.log.Debug("recorded message", "messageType", msg.MessageType, "eventId", entry.EventID)
	return contracts.Acknowledge, nil
}

// Start consumes each exchange through its own queue
func (r *Recorder) Start(ctx context.Context, client *taskbus.Client, exchanges ...string) error {
	for _, exchange := range exchanges {
		consumer, err := client.Consumer(messaging.ConsumerConfig{
			Exchange:     exchange,
			Queue:        client.Queue(exchange),
			DeclareQueue: true,
		})
		if err != nil {
			return err
		}
		if err := consumer.Consume(ctx, r.Handle); err != nil {
			return fmt.Errorf("failed to subscribe %s: %w", exchange, err)
		}
	}
	return nil
}
