// Package messaging publishes and consumes events over fanout exchanges.
//
// A Publisher owns one channel. Publish serializes an event to JSON and sends
// it to the exchange named after the event, with a MessageType header carrying
// the same name; the first publish to an exchange declares its topology,
// including the "unrouted" alternate exchange that collects messages no queue
// is bound for. PublishRaw sends an already serialized payload.
//
// A Consumer subscribes one queue with prefetch 1 and manual acknowledgment.
// Setup runs under a retry policy (10 attempts, 5 seconds apart by default).
// Deliveries are handled one at a time on a dedicated goroutine: an
// Acknowledge verdict acks, anything else (a RejectAndRequeue verdict, a
// returned error, a panic) rejects and requeues. EventConsumer adds decoding
// into a concrete event type; undecodable payloads are requeued without
// reaching the handler.
//
// Example usage:
//
//	cm := rabbitmq.NewConnectionManager(url)
//	defer cm.Close()
//
//	consumer := messaging.NewEventConsumer[events.TaskAdded](cm, messaging.ConsumerConfig{
//	    Queue:        "search.TaskAdded",
//	    DeclareQueue: true,
//	})
//	defer consumer.Close()
//
//	err := consumer.Consume(ctx, func(ctx context.Context, e events.TaskAdded, messageType string) (contracts.Verdict, error) {
//	    return contracts.Acknowledge, index(e)
//	})
package messaging
