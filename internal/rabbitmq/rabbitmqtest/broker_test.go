package rabbitmqtest

import (
	"context"
	"testing"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBroker(t *testing.T) {
	setup := func(t *testing.T) (*Broker, *Channel) {
		broker := NewBroker()
		conn, err := broker.Dial("")
		require.NoError(t, err)
		raw, err := conn.Channel()
		require.NoError(t, err)
		ch := raw.(*Channel)

		require.NoError(t, ch.ExchangeDeclare("unrouted", amqp.ExchangeFanout, true, false, false, false, nil))
		require.NoError(t, ch.ExchangeDeclare("events", amqp.ExchangeFanout, true, false, false, false,
			amqp.Table{"alternate-exchange": "unrouted"}))
		_, err = ch.QueueDeclare("unrouted", true, false, false, false, nil)
		require.NoError(t, err)
		require.NoError(t, ch.QueueBind("unrouted", "", "unrouted", false, nil))
		return broker, ch
	}

	t.Run("routes to the alternate exchange when nothing is bound", func(t *testing.T) {
		broker, ch := setup(t)

		require.NoError(t, ch.PublishWithContext(context.Background(), "events", "", false, false, amqp.Publishing{Body: []byte("x")}))
		assert.Equal(t, 1, broker.QueueLen("unrouted"))
	})

	t.Run("fans out to every bound queue", func(t *testing.T) {
		broker, ch := setup(t)
		for _, name := range []string{"a", "b"} {
			_, err := ch.QueueDeclare(name, true, false, false, false, nil)
			require.NoError(t, err)
			require.NoError(t, ch.QueueBind(name, "", "events", false, nil))
		}

		require.NoError(t, ch.PublishWithContext(context.Background(), "events", "", false, false, amqp.Publishing{Body: []byte("x")}))
		assert.Equal(t, 1, broker.QueueLen("a"))
		assert.Equal(t, 1, broker.QueueLen("b"))
		assert.Equal(t, 0, broker.QueueLen("unrouted"))
	})

	t.Run("requeues unacknowledged deliveries when the channel closes", func(t *testing.T) {
		broker, ch := setup(t)
		require.NoError(t, ch.Qos(1, 0, false))
		deliveries, err := ch.Consume("unrouted", "c1", false, false, false, false, nil)
		require.NoError(t, err)
		require.NoError(t, broker.Inject("unrouted", []byte("x"), nil))

		d := <-deliveries
		assert.False(t, d.Redelivered)
		require.NoError(t, ch.Close())

		assert.Equal(t, 1, broker.QueueLen("unrouted"))
		assert.Error(t, d.Ack(false))
	})

	t.Run("acknowledging an unknown tag closes the channel", func(t *testing.T) {
		_, ch := setup(t)

		err := ch.Ack(99, false)
		assert.Error(t, err)
		assert.True(t, ch.IsClosed())
	})

	t.Run("publishing to a missing exchange closes the channel", func(t *testing.T) {
		_, ch := setup(t)

		err := ch.PublishWithContext(context.Background(), "missing", "", false, false, amqp.Publishing{})
		var amqpErr *amqp.Error
		require.ErrorAs(t, err, &amqpErr)
		assert.Equal(t, amqp.NotFound, amqpErr.Code)
		assert.True(t, ch.IsClosed())
	})

	t.Run("failed dials are counted", func(t *testing.T) {
		broker := NewBroker()
		broker.FailDials(2)

		_, err := broker.Dial("")
		assert.ErrorIs(t, err, ErrDialRefused)
		_, err = broker.Dial("")
		assert.ErrorIs(t, err, ErrDialRefused)
		_, err = broker.Dial("")
		assert.NoError(t, err)
		assert.Equal(t, 3, broker.Dials())
	})
}
