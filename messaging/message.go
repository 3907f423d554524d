package messaging

import (
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	// HeaderMessageType carries the registered event name
	HeaderMessageType = "MessageType"

	// HeaderEventName is read when HeaderMessageType is absent
	HeaderEventName = "EventName"

	// UnknownMessageType is reported when neither header names the message
	UnknownMessageType = "None"
)

// Message is a delivery handed to a RawHandler
type Message struct {
	Body        []byte
	MessageType string
	MessageID   string
	Exchange    string
	Timestamp   time.Time
	Redelivered bool
}

func newMessage(d amqp.Delivery) Message {
	return Message{
		Body:        d.Body,
		MessageType: messageType(d.Headers),
		MessageID:   d.MessageId,
		Exchange:    d.Exchange,
		Timestamp:   d.Timestamp,
		Redelivered: d.Redelivered,
	}
}

func messageType(headers amqp.Table) string {
	for _, key := range []string{HeaderMessageType, HeaderEventName} {
		switch v := headers[key].(type) {
		case string:
			if v != "" {
				return v
			}
		case []byte:
			if len(v) > 0 {
				return string(v)
			}
		}
	}
	return UnknownMessageType
}
