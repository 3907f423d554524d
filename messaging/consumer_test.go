package messaging

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/glimte/taskbus/contracts"
	"github.com/glimte/taskbus/events"
	"github.com/glimte/taskbus/internal/rabbitmq"
	"github.com/glimte/taskbus/internal/rabbitmq/rabbitmqtest"
	"github.com/glimte/taskbus/internal/reliability"
	"github.com/glimte/taskbus/serialization"
	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

func testConsumerOptions(policy reliability.RetryPolicy) []ConsumerOption {
	return []ConsumerOption{
		WithConsumerLogger(discardLogger),
		WithConsumerRetryPolicy(policy),
	}
}

func newTaskAddedConsumer(t *testing.T, source ChannelSource, config ConsumerConfig) *EventConsumer[events.TaskAdded] {
	t.Helper()
	c := NewEventConsumer[events.TaskAdded](source, config, testConsumerOptions(reliability.NoWait(10))...)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func taskAddedQueue() ConsumerConfig {
	return ConsumerConfig{Queue: "search.TaskAdded", DeclareQueue: true}
}

func TestConsumerEndToEnd(t *testing.T) {
	t.Run("published event is handled and acknowledged once", func(t *testing.T) {
		broker := rabbitmqtest.NewBroker()
		cm := newTestManager(t, broker)
		consumer := newTaskAddedConsumer(t, cm, taskAddedQueue())

		received := make(chan events.TaskAdded, 1)
		types := make(chan string, 1)
		err := consumer.Consume(context.Background(), func(ctx context.Context, event events.TaskAdded, messageType string) (contracts.Verdict, error) {
			received <- event
			types <- messageType
			return contracts.Acknowledge, nil
		})
		require.NoError(t, err)
		assert.Equal(t, StateSubscribed, consumer.State())

		publisher := newTestPublisher(t, cm)
		require.NoError(t, publisher.Connect(context.Background()))
		event := events.NewTaskAdded(uuid.New(), "Buy milk")
		require.NoError(t, publisher.Publish(context.Background(), event))

		select {
		case got := <-received:
			assert.Equal(t, event.ID, got.ID)
			assert.Equal(t, "Buy milk", got.Title)
			assert.Equal(t, events.TaskAddedName, <-types)
		case <-time.After(waitFor):
			t.Fatal("event not delivered")
		}

		assert.Eventually(t, func() bool { return broker.Acks() == 1 }, waitFor, tick)
		assert.Equal(t, 0, broker.Requeues())
		assert.Equal(t, 0, broker.QueueLen("search.TaskAdded"))
	})

	t.Run("subscription becomes active after refused connection attempts", func(t *testing.T) {
		broker := rabbitmqtest.NewBroker()
		broker.FailDials(3)
		cm := newTestManager(t, broker)
		delay := 10 * time.Millisecond
		consumer := NewEventConsumer[events.TaskAdded](cm, taskAddedQueue(),
			testConsumerOptions(reliability.NewFixedDelay(delay, reliability.DefaultConnectAttempts))...)
		t.Cleanup(func() { _ = consumer.Close() })

		start := time.Now()
		err := consumer.Consume(context.Background(), func(context.Context, events.TaskAdded, string) (contracts.Verdict, error) {
			return contracts.Acknowledge, nil
		})

		require.NoError(t, err)
		assert.Equal(t, StateSubscribed, consumer.State())
		assert.Equal(t, 4, broker.Dials())
		assert.Equal(t, 4, cm.Dials())
		assert.GreaterOrEqual(t, time.Since(start), 3*delay)
	})

	t.Run("malformed payload is requeued without reaching the handler", func(t *testing.T) {
		broker := rabbitmqtest.NewBroker()
		consumer := newTaskAddedConsumer(t, newTestManager(t, broker), taskAddedQueue())

		var calls int32
		err := consumer.Consume(context.Background(), func(context.Context, events.TaskAdded, string) (contracts.Verdict, error) {
			atomic.AddInt32(&calls, 1)
			return contracts.Acknowledge, nil
		})
		require.NoError(t, err)

		require.NoError(t, broker.Inject("search.TaskAdded", []byte(`{"title": 42`),
			amqp.Table{HeaderMessageType: events.TaskAddedName}))

		assert.Eventually(t, func() bool { return broker.Requeues() >= 2 }, waitFor, tick)

		select {
		case err := <-consumer.Errors():
			var decodeErr *serialization.DecodeError
			assert.True(t, errors.As(err, &decodeErr))
			assert.ErrorIs(t, err, serialization.ErrDeserialization)
		case <-time.After(waitFor):
			t.Fatal("decode failure not reported")
		}

		require.NoError(t, consumer.Close())
		assert.Equal(t, int32(0), atomic.LoadInt32(&calls))
		assert.Equal(t, 0, broker.Acks())
		assert.Equal(t, 1, broker.QueueLen("search.TaskAdded"))
	})

	t.Run("payload of another event type is requeued", func(t *testing.T) {
		broker := rabbitmqtest.NewBroker()
		consumer := newTaskAddedConsumer(t, newTestManager(t, broker), taskAddedQueue())

		var calls int32
		require.NoError(t, consumer.Consume(context.Background(), func(context.Context, events.TaskAdded, string) (contracts.Verdict, error) {
			atomic.AddInt32(&calls, 1)
			return contracts.Acknowledge, nil
		}))

		body, err := serialization.Marshal(events.NewTaskDeleted(uuid.New()))
		require.NoError(t, err)
		require.NoError(t, broker.Inject("search.TaskAdded", body, nil))

		assert.Eventually(t, func() bool { return broker.Requeues() >= 1 }, waitFor, tick)
		require.NoError(t, consumer.Close())
		assert.Equal(t, int32(0), atomic.LoadInt32(&calls))
	})
}

func TestConsumerVerdicts(t *testing.T) {
	t.Run("reject and requeue redelivers the message", func(t *testing.T) {
		broker := rabbitmqtest.NewBroker()
		consumer := newTaskAddedConsumer(t, newTestManager(t, broker), taskAddedQueue())

		var mu sync.Mutex
		var redelivered []bool
		raw := consumer.consumer
		err := raw.Consume(context.Background(), func(ctx context.Context, msg Message) (contracts.Verdict, error) {
			mu.Lock()
			defer mu.Unlock()
			redelivered = append(redelivered, msg.Redelivered)
			if len(redelivered) == 1 {
				return contracts.RejectAndRequeue, nil
			}
			return contracts.Acknowledge, nil
		})
		require.NoError(t, err)

		require.NoError(t, broker.Inject("search.TaskAdded", []byte(`{}`), nil))

		assert.Eventually(t, func() bool { return broker.Acks() == 1 }, waitFor, tick)
		mu.Lock()
		assert.Equal(t, []bool{false, true}, redelivered)
		mu.Unlock()
		assert.Equal(t, 1, broker.Requeues())
	})

	t.Run("handler error requeues and is reported", func(t *testing.T) {
		broker := rabbitmqtest.NewBroker()
		consumer := newTaskAddedConsumer(t, newTestManager(t, broker), taskAddedQueue())

		failure := errors.New("index unavailable")
		var calls int32
		require.NoError(t, consumer.Consume(context.Background(), func(context.Context, events.TaskAdded, string) (contracts.Verdict, error) {
			if atomic.AddInt32(&calls, 1) == 1 {
				return contracts.Acknowledge, failure
			}
			return contracts.Acknowledge, nil
		}))

		body, err := serialization.Marshal(events.NewTaskAdded(uuid.New(), "title"))
		require.NoError(t, err)
		require.NoError(t, broker.Inject("search.TaskAdded", body, nil))

		select {
		case err := <-consumer.Errors():
			assert.ErrorIs(t, err, failure)
			var consumerErr *rabbitmq.ConsumerError
			require.True(t, errors.As(err, &consumerErr))
			assert.Equal(t, "handle", consumerErr.Op)
			assert.Equal(t, "search.TaskAdded", consumerErr.Queue)
		case <-time.After(waitFor):
			t.Fatal("handler failure not reported")
		}

		assert.Eventually(t, func() bool { return broker.Acks() == 1 }, waitFor, tick)
		assert.Equal(t, 1, broker.Requeues())
	})

	t.Run("a panicking handler requeues before the panic continues", func(t *testing.T) {
		c := NewConsumer(nil, taskAddedQueue(), testConsumerOptions(reliability.NoWait(1))...)
		ack := new(mockAcknowledger)
		ack.On("Nack", uint64(7), false, true).Return(nil)

		delivery := amqp.Delivery{Acknowledger: ack, DeliveryTag: 7}
		assert.PanicsWithValue(t, "boom", func() {
			c.handle(context.Background(), delivery, func(context.Context, Message) (contracts.Verdict, error) {
				panic("boom")
			})
		})

		ack.AssertExpectations(t)
		ack.AssertNotCalled(t, "Ack", mock.Anything, mock.Anything)
	})

	t.Run("settles each delivery exactly once", func(t *testing.T) {
		c := NewConsumer(nil, taskAddedQueue(), testConsumerOptions(reliability.NoWait(1))...)

		tests := []struct {
			name    string
			verdict contracts.Verdict
			err     error
			method  string
		}{
			{"acknowledge", contracts.Acknowledge, nil, "Ack"},
			{"reject", contracts.RejectAndRequeue, nil, "Nack"},
			{"error overrides acknowledge", contracts.Acknowledge, errors.New("failed"), "Nack"},
			{"zero verdict requeues", contracts.Verdict(0), nil, "Nack"},
			{"unknown verdict requeues", contracts.Verdict(42), nil, "Nack"},
		}

		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				ack := new(mockAcknowledger)
				ack.On("Ack", uint64(1), false).Return(nil).Maybe()
				ack.On("Nack", uint64(1), false, true).Return(nil).Maybe()

				c.handle(context.Background(), amqp.Delivery{Acknowledger: ack, DeliveryTag: 1},
					func(context.Context, Message) (contracts.Verdict, error) {
						return tt.verdict, tt.err
					})

				ack.AssertNumberOfCalls(t, tt.method, 1)
				ack.AssertNotCalled(t, "Reject", mock.Anything, mock.Anything)
				if tt.method == "Ack" {
					ack.AssertNotCalled(t, "Nack", mock.Anything, mock.Anything, mock.Anything)
				} else {
					ack.AssertNotCalled(t, "Ack", mock.Anything, mock.Anything)
				}
			})
		}
	})

	t.Run("settlement failures are reported", func(t *testing.T) {
		c := NewConsumer(nil, taskAddedQueue(), testConsumerOptions(reliability.NoWait(1))...)
		ack := new(mockAcknowledger)
		ack.On("Ack", uint64(3), false).Return(amqp.ErrClosed)

		c.handle(context.Background(), amqp.Delivery{Acknowledger: ack, DeliveryTag: 3},
			func(context.Context, Message) (contracts.Verdict, error) {
				return contracts.Acknowledge, nil
			})

		select {
		case err := <-c.Errors():
			assert.ErrorIs(t, err, amqp.ErrClosed)
		default:
			t.Fatal("settlement failure not reported")
		}
	})
}

func TestConsumerSetup(t *testing.T) {
	t.Run("declares topology, prefetch and a queue named tag", func(t *testing.T) {
		broker := rabbitmqtest.NewBroker()
		consumer := newTaskAddedConsumer(t, newTestManager(t, broker), taskAddedQueue())

		require.NoError(t, consumer.Consume(context.Background(), func(context.Context, events.TaskAdded, string) (contracts.Verdict, error) {
			return contracts.Acknowledge, nil
		}))

		exchange, ok := broker.Exchange(events.TaskAddedName)
		require.True(t, ok)
		assert.Equal(t, rabbitmq.UnroutedExchange, exchange.Alternate)
		assert.Equal(t, []string{"search.TaskAdded"}, exchange.Bindings)
		assert.True(t, broker.HasQueue(rabbitmq.UnroutedQueue))
		assert.Equal(t, 1, broker.Prefetch("search.TaskAdded"))
		assert.Equal(t, 1, broker.ConsumerCount("search.TaskAdded"))
		assert.True(t, strings.HasPrefix(consumer.ConsumerTag(), "search.TaskAdded-"))
	})

	t.Run("holds at most one unacknowledged delivery", func(t *testing.T) {
		broker := rabbitmqtest.NewBroker()
		consumer := newTaskAddedConsumer(t, newTestManager(t, broker), taskAddedQueue())

		started := make(chan struct{}, 2)
		release := make(chan struct{})
		require.NoError(t, consumer.Consume(context.Background(), func(context.Context, events.TaskAdded, string) (contracts.Verdict, error) {
			started <- struct{}{}
			<-release
			return contracts.Acknowledge, nil
		}))

		for i := 0; i < 2; i++ {
			body, err := serialization.Marshal(events.NewTaskAdded(uuid.New(), "title"))
			require.NoError(t, err)
			require.NoError(t, broker.Inject("search.TaskAdded", body, nil))
		}

		<-started
		assert.Equal(t, 1, broker.QueueLen("search.TaskAdded"))

		close(release)
		assert.Eventually(t, func() bool { return broker.Acks() == 2 }, waitFor, tick)
	})

	t.Run("single active consumer receives every delivery", func(t *testing.T) {
		broker := rabbitmqtest.NewBroker()
		cm := newTestManager(t, broker)
		config := ConsumerConfig{Queue: "audit.TaskAdded", DeclareQueue: true, SingleActiveConsumer: true}

		var first, second int32
		active := newTaskAddedConsumer(t, cm, config)
		require.NoError(t, active.Consume(context.Background(), func(context.Context, events.TaskAdded, string) (contracts.Verdict, error) {
			atomic.AddInt32(&first, 1)
			return contracts.Acknowledge, nil
		}))
		standby := newTaskAddedConsumer(t, cm, config)
		require.NoError(t, standby.Consume(context.Background(), func(context.Context, events.TaskAdded, string) (contracts.Verdict, error) {
			atomic.AddInt32(&second, 1)
			return contracts.Acknowledge, nil
		}))

		publisher := newTestPublisher(t, cm)
		require.NoError(t, publisher.Connect(context.Background()))
		for i := 0; i < 3; i++ {
			require.NoError(t, publisher.Publish(context.Background(), events.NewTaskAdded(uuid.New(), "title")))
		}

		assert.Eventually(t, func() bool { return broker.Acks() == 3 }, waitFor, tick)
		assert.Equal(t, int32(3), atomic.LoadInt32(&first))
		assert.Equal(t, int32(0), atomic.LoadInt32(&second))
	})

	t.Run("fails after the last attempt", func(t *testing.T) {
		broker := rabbitmqtest.NewBroker()
		broker.FailDials(100)
		consumer := newTaskAddedConsumer(t, newTestManager(t, broker), taskAddedQueue())

		err := consumer.Consume(context.Background(), func(context.Context, events.TaskAdded, string) (contracts.Verdict, error) {
			return contracts.Acknowledge, nil
		})

		require.Error(t, err)
		var retryErr *reliability.RetryError
		require.True(t, errors.As(err, &retryErr))
		assert.Equal(t, 10, retryErr.Attempts)
		assert.ErrorIs(t, err, rabbitmqtest.ErrDialRefused)
		assert.Equal(t, 10, broker.Dials())
		assert.Equal(t, StateFailed, consumer.State())
	})

	t.Run("each failed attempt opens a fresh channel", func(t *testing.T) {
		broker := rabbitmqtest.NewBroker()
		broker.DeclareQueue("search.TaskAdded")
		source := newCountingSource(newTestManager(t, broker))
		config := taskAddedQueue()
		config.SingleActiveConsumer = true
		consumer := NewEventConsumer[events.TaskAdded](source, config, testConsumerOptions(reliability.NoWait(2))...)
		t.Cleanup(func() { _ = consumer.Close() })

		err := consumer.Consume(context.Background(), func(context.Context, events.TaskAdded, string) (contracts.Verdict, error) {
			return contracts.Acknowledge, nil
		})

		var topologyErr *rabbitmq.TopologyError
		require.True(t, errors.As(err, &topologyErr))
		assert.Equal(t, "queue", topologyErr.Component)
		assert.Equal(t, 2, source.Opened())
		assert.Equal(t, StateFailed, consumer.State())
	})

	t.Run("uses a queue declared elsewhere", func(t *testing.T) {
		broker := rabbitmqtest.NewBroker()
		bindQueue(t, broker, events.TaskAddedName, "shared")
		consumer := newTaskAddedConsumer(t, newTestManager(t, broker), ConsumerConfig{Queue: "shared"})

		require.NoError(t, consumer.Consume(context.Background(), func(context.Context, events.TaskAdded, string) (contracts.Verdict, error) {
			return contracts.Acknowledge, nil
		}))
		assert.Equal(t, 1, broker.ConsumerCount("shared"))
	})

	t.Run("a missing queue fails when not declared", func(t *testing.T) {
		broker := rabbitmqtest.NewBroker()
		consumer := newTaskAddedConsumer(t, newTestManager(t, broker), ConsumerConfig{Queue: "missing"})
		consumer.consumer.retryPolicy = reliability.NoWait(1)

		err := consumer.Consume(context.Background(), func(context.Context, events.TaskAdded, string) (contracts.Verdict, error) {
			return contracts.Acknowledge, nil
		})

		var amqpErr *amqp.Error
		require.True(t, errors.As(err, &amqpErr))
		assert.Equal(t, amqp.NotFound, amqpErr.Code)
	})

	t.Run("rejects invalid configuration", func(t *testing.T) {
		c := NewConsumer(nil, ConsumerConfig{Exchange: "x"}, testConsumerOptions(reliability.NoWait(1))...)

		err := c.Consume(context.Background(), func(context.Context, Message) (contracts.Verdict, error) {
			return contracts.Acknowledge, nil
		})
		assert.ErrorIs(t, err, rabbitmq.ErrInvalidConfiguration)

		err = c.Consume(context.Background(), nil)
		assert.ErrorIs(t, err, rabbitmq.ErrInvalidConfiguration)
	})

	t.Run("can only consume once", func(t *testing.T) {
		broker := rabbitmqtest.NewBroker()
		consumer := newTaskAddedConsumer(t, newTestManager(t, broker), taskAddedQueue())
		handler := func(context.Context, events.TaskAdded, string) (contracts.Verdict, error) {
			return contracts.Acknowledge, nil
		}

		require.NoError(t, consumer.Consume(context.Background(), handler))
		assert.ErrorIs(t, consumer.Consume(context.Background(), handler), rabbitmq.ErrAlreadyConsuming)
	})
}

func TestConsumerMessageType(t *testing.T) {
	t.Run("raw consumers fall back to None", func(t *testing.T) {
		broker := rabbitmqtest.NewBroker()
		c := NewConsumer(newTestManager(t, broker), ConsumerConfig{Exchange: "raw", Queue: "raw", DeclareQueue: true},
			testConsumerOptions(reliability.NoWait(1))...)
		t.Cleanup(func() { _ = c.Close() })

		types := make(chan string, 2)
		require.NoError(t, c.Consume(context.Background(), func(ctx context.Context, msg Message) (contracts.Verdict, error) {
			types <- msg.MessageType
			return contracts.Acknowledge, nil
		}))

		require.NoError(t, broker.Inject("raw", []byte(`{}`), nil))
		require.NoError(t, broker.Inject("raw", []byte(`{}`), amqp.Table{HeaderMessageType: "Custom"}))

		assert.Equal(t, UnknownMessageType, <-types)
		assert.Equal(t, "Custom", <-types)
	})

	t.Run("reads the EventName header when MessageType is absent", func(t *testing.T) {
		broker := rabbitmqtest.NewBroker()
		c := NewConsumer(newTestManager(t, broker), ConsumerConfig{Exchange: "raw", Queue: "raw", DeclareQueue: true},
			testConsumerOptions(reliability.NoWait(1))...)
		t.Cleanup(func() { _ = c.Close() })

		types := make(chan string, 3)
		require.NoError(t, c.Consume(context.Background(), func(ctx context.Context, msg Message) (contracts.Verdict, error) {
			types <- msg.MessageType
			return contracts.Acknowledge, nil
		}))

		require.NoError(t, broker.Inject("raw", []byte(`{}`), amqp.Table{HeaderEventName: events.TaskAddedName}))
		require.NoError(t, broker.Inject("raw", []byte(`{}`), amqp.Table{HeaderEventName: []byte(events.TaskDeletedName)}))
		require.NoError(t, broker.Inject("raw", []byte(`{}`), amqp.Table{
			HeaderMessageType: "Custom",
			HeaderEventName:   events.TaskAddedName,
		}))

		assert.Equal(t, events.TaskAddedName, <-types)
		assert.Equal(t, events.TaskDeletedName, <-types)
		assert.Equal(t, "Custom", <-types)
	})

	t.Run("typed consumers fall back to None", func(t *testing.T) {
		broker := rabbitmqtest.NewBroker()
		consumer := newTaskAddedConsumer(t, newTestManager(t, broker), taskAddedQueue())

		types := make(chan string, 1)
		require.NoError(t, consumer.Consume(context.Background(), func(ctx context.Context, event events.TaskAdded, messageType string) (contracts.Verdict, error) {
			types <- messageType
			return contracts.Acknowledge, nil
		}))

		body, err := serialization.Marshal(events.NewTaskAdded(uuid.New(), "title"))
		require.NoError(t, err)
		require.NoError(t, broker.Inject("search.TaskAdded", body, nil))

		assert.Equal(t, UnknownMessageType, <-types)
	})
}

func TestConsumerClose(t *testing.T) {
	t.Run("cancels the subscription and stops deliveries", func(t *testing.T) {
		broker := rabbitmqtest.NewBroker()
		cm := newTestManager(t, broker)
		consumer := newTaskAddedConsumer(t, cm, taskAddedQueue())

		var calls int32
		require.NoError(t, consumer.Consume(context.Background(), func(context.Context, events.TaskAdded, string) (contracts.Verdict, error) {
			atomic.AddInt32(&calls, 1)
			return contracts.Acknowledge, nil
		}))

		require.NoError(t, consumer.Close())
		assert.Equal(t, StateDisposed, consumer.State())
		assert.Equal(t, 0, broker.ConsumerCount("search.TaskAdded"))

		_, open := <-consumer.Errors()
		assert.False(t, open)

		publisher := newTestPublisher(t, cm)
		require.NoError(t, publisher.Connect(context.Background()))
		require.NoError(t, publisher.Publish(context.Background(), events.NewTaskAdded(uuid.New(), "title")))

		time.Sleep(20 * time.Millisecond)
		assert.Equal(t, int32(0), atomic.LoadInt32(&calls))
		assert.Equal(t, 1, broker.QueueLen("search.TaskAdded"))
	})

	t.Run("waits for the delivery in progress", func(t *testing.T) {
		broker := rabbitmqtest.NewBroker()
		consumer := newTaskAddedConsumer(t, newTestManager(t, broker), taskAddedQueue())

		started := make(chan struct{})
		release := make(chan struct{})
		require.NoError(t, consumer.Consume(context.Background(), func(context.Context, events.TaskAdded, string) (contracts.Verdict, error) {
			close(started)
			<-release
			return contracts.Acknowledge, nil
		}))

		body, err := serialization.Marshal(events.NewTaskAdded(uuid.New(), "title"))
		require.NoError(t, err)
		require.NoError(t, broker.Inject("search.TaskAdded", body, nil))
		<-started

		closed := make(chan error, 1)
		go func() { closed <- consumer.Close() }()

		select {
		case <-closed:
			t.Fatal("close returned before the delivery was settled")
		case <-time.After(30 * time.Millisecond):
		}

		close(release)
		select {
		case err := <-closed:
			assert.NoError(t, err)
		case <-time.After(waitFor):
			t.Fatal("close did not return")
		}
		assert.Equal(t, 1, broker.Acks())
		assert.Equal(t, 0, broker.QueueLen("search.TaskAdded"))
	})

	t.Run("closed while subscribing releases the new channel", func(t *testing.T) {
		broker := rabbitmqtest.NewBroker()
		source := &hookSource{source: newTestManager(t, broker)}
		c := NewConsumer(source, ConsumerConfig{Exchange: "raw", Queue: "raw", DeclareQueue: true},
			testConsumerOptions(reliability.NoWait(1))...)
		source.onConsume = func() { require.NoError(t, c.Close()) }

		err := c.Consume(context.Background(), func(context.Context, Message) (contracts.Verdict, error) {
			return contracts.Acknowledge, nil
		})
		assert.ErrorIs(t, err, rabbitmq.ErrConsumerClosed)
		assert.Equal(t, StateDisposed, c.State())
		assert.Equal(t, 0, broker.ConsumerCount("raw"))
	})

	t.Run("cancelling the context closes the consumer", func(t *testing.T) {
		broker := rabbitmqtest.NewBroker()
		consumer := newTaskAddedConsumer(t, newTestManager(t, broker), taskAddedQueue())

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		started := make(chan struct{})
		release := make(chan struct{})
		require.NoError(t, consumer.Consume(ctx, func(ctx context.Context, event events.TaskAdded, messageType string) (contracts.Verdict, error) {
			close(started)
			<-release
			return contracts.RejectAndRequeue, nil
		}))

		body, err := serialization.Marshal(events.NewTaskAdded(uuid.New(), "title"))
		require.NoError(t, err)
		require.NoError(t, broker.Inject("search.TaskAdded", body, nil))
		<-started

		cancel()
		require.Eventually(t, func() bool { return broker.ConsumerCount("search.TaskAdded") == 0 }, waitFor, tick)
		assert.Equal(t, StateDisposed, consumer.State())
		close(release)

		_, open := <-consumer.Errors()
		assert.False(t, open)
		assert.Equal(t, 1, broker.Requeues())
		assert.Equal(t, 1, broker.QueueLen("search.TaskAdded"))
	})

	t.Run("is idempotent and works before consuming", func(t *testing.T) {
		c := NewConsumer(nil, taskAddedQueue(), testConsumerOptions(reliability.NoWait(1))...)

		assert.NoError(t, c.Close())
		assert.NoError(t, c.Close())
		assert.Equal(t, StateDisposed, c.State())

		err := c.Consume(context.Background(), func(context.Context, Message) (contracts.Verdict, error) {
			return contracts.Acknowledge, nil
		})
		assert.ErrorIs(t, err, rabbitmq.ErrConsumerClosed)
	})
}
