package messaging

import (
	"context"
	"testing"
	"time"

	"github.com/glimte/peril-go/internal/gamelogic"
	"github.com/glimte/peril-go/internal/rabbitmqtest"
	"github.com/glimte/peril-go/routing"
	"github.com/glimte/peril-go/serialization"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func bindProbe(t *testing.T, broker *rabbitmqtest.Broker, queue, key string) {
	t.Helper()
	ch, _, err := DeclareAndBind(broker, routing.ExchangePerilTopic, queue, key, Durable)
	require.NoError(t, err)
	require.NoError(t, ch.Close())
}

func TestConfirmedPublisher(t *testing.T) {
	ctx := context.Background()

	t.Run("publishes persistent messages with codec content type", func(t *testing.T) {
		broker := newTestBroker(t)
		bindProbe(t, broker, "probe", "#")
		publisher, _ := newTestPublisher(t, broker, WithAppID("alice"))

		require.NoError(t, publisher.PublishJSON(ctx, routing.ExchangePerilTopic, "move.alice", gamelogic.PlayingState{IsPaused: true}))
		require.NoError(t, publisher.PublishGob(ctx, routing.ExchangePerilTopic, "game_logs.alice", gamelogic.GameLog{Message: "hi", Username: "alice"}))

		msgs := broker.Messages("probe")
		require.Len(t, msgs, 2)
		assert.Equal(t, serialization.ContentTypeJSON, msgs[0].Publishing.ContentType)
		assert.Empty(t, msgs[1].Publishing.ContentType)
		for _, m := range msgs {
			assert.Equal(t, amqp.Persistent, m.Publishing.DeliveryMode)
			assert.NotEmpty(t, m.Publishing.MessageId)
			assert.Equal(t, "alice", m.Publishing.AppId)
			assert.False(t, m.Publishing.Timestamp.IsZero())
		}
		assert.NotEqual(t, msgs[0].Publishing.MessageId, msgs[1].Publishing.MessageId)

		var ps gamelogic.PlayingState
		require.NoError(t, serialization.JSONCodec{}.Decode(msgs[0].Publishing.Body, &ps))
		assert.True(t, ps.IsPaused)
	})

	t.Run("does not return before the broker confirms", func(t *testing.T) {
		broker := newTestBroker(t)
		broker.SetConfirmMode(rabbitmqtest.ConfirmManual)
		publisher, _ := newTestPublisher(t, broker)

		result := make(chan error, 1)
		go func() {
			result <- publisher.PublishJSON(ctx, routing.ExchangePerilTopic, routing.WarRoutingKey("carol"), gamelogic.RecognitionOfWar{})
		}()

		require.Eventually(t, func() bool { return broker.PendingConfirms() == 1 }, time.Second, 5*time.Millisecond)
		select {
		case err := <-result:
			t.Fatalf("publish returned before confirmation: %v", err)
		case <-time.After(50 * time.Millisecond):
		}

		assert.Equal(t, 1, broker.ReleaseConfirms(true))
		assert.NoError(t, receiveValue(t, result))
	})

	t.Run("negative confirm is a broker rejection", func(t *testing.T) {
		broker := newTestBroker(t)
		broker.SetConfirmMode(rabbitmqtest.ConfirmManual)
		publisher, _ := newTestPublisher(t, broker)

		result := make(chan error, 1)
		go func() {
			result <- publisher.PublishJSON(ctx, routing.ExchangePerilTopic, routing.WarRoutingKey("carol"), gamelogic.RecognitionOfWar{})
		}()

		require.Eventually(t, func() bool { return broker.PendingConfirms() == 1 }, time.Second, 5*time.Millisecond)
		broker.ReleaseConfirms(false)

		err := receiveValue(t, result)
		assert.ErrorIs(t, err, ErrNackedByBroker)
		var pubErr *PublishError
		require.ErrorAs(t, err, &pubErr)
		assert.Equal(t, routing.ExchangePerilTopic, pubErr.Exchange)
		assert.Equal(t, "war.carol", pubErr.RoutingKey)
	})

	t.Run("channel closing before the confirm fails the publish", func(t *testing.T) {
		broker := newTestBroker(t)
		broker.SetConfirmMode(rabbitmqtest.ConfirmManual)
		publisher, ch := newTestPublisher(t, broker)

		result := make(chan error, 1)
		go func() {
			result <- publisher.PublishJSON(ctx, routing.ExchangePerilTopic, routing.WarRoutingKey("carol"), gamelogic.RecognitionOfWar{})
		}()

		require.Eventually(t, func() bool { return broker.PendingConfirms() == 1 }, time.Second, 5*time.Millisecond)
		require.NoError(t, ch.Close())

		assert.ErrorIs(t, receiveValue(t, result), ErrChannelClosed)
		assert.ErrorIs(t, publisher.PublishJSON(ctx, routing.ExchangePerilTopic, "k", gamelogic.PlayingState{}), ErrChannelClosed)
	})

	t.Run("confirm timeout and stale confirms", func(t *testing.T) {
		broker := newTestBroker(t)
		broker.SetConfirmMode(rabbitmqtest.ConfirmManual)
		publisher, _ := newTestPublisher(t, broker, WithConfirmTimeout(20*time.Millisecond))

		err := publisher.PublishJSON(ctx, routing.ExchangePerilTopic, "k", gamelogic.PlayingState{})
		assert.ErrorIs(t, err, ErrPublishTimeout)

		broker.SetConfirmMode(rabbitmqtest.ConfirmAuto)
		broker.ReleaseConfirms(true)

		assert.NoError(t, publisher.PublishJSON(ctx, routing.ExchangePerilTopic, "k", gamelogic.PlayingState{}))
	})

	t.Run("abandoned confirms are drained without a later publish", func(t *testing.T) {
		broker := newTestBroker(t)
		broker.SetConfirmMode(rabbitmqtest.ConfirmManual)
		publisher, _ := newTestPublisher(t, broker, WithConfirmTimeout(20*time.Millisecond))

		for i := 0; i < 2; i++ {
			err := publisher.PublishJSON(ctx, routing.ExchangePerilTopic, "k", gamelogic.PlayingState{})
			assert.ErrorIs(t, err, ErrPublishTimeout)
		}

		received := make(chan gamelogic.PlayingState, 1)
		sub, err := SubscribeJSON(ctx, broker,
			routing.ExchangePerilDirect, routing.PauseQueue("alice"), routing.PauseRoutingKey("alice"), Transient,
			func(_ context.Context, ps gamelogic.PlayingState) AckType {
				received <- ps
				return Ack
			},
			WithSubscriberLogger(quietLogger))
		require.NoError(t, err)
		defer sub.Close()

		assert.Equal(t, 2, broker.ReleaseConfirms(true))
		require.Eventually(t, func() bool { return broker.ConfirmsTaken() == 2 }, time.Second, 5*time.Millisecond)

		require.NoError(t, broker.Publish(routing.ExchangePerilDirect, routing.PauseRoutingKey("alice"), amqp.Publishing{
			ContentType: serialization.ContentTypeJSON,
			Body:        []byte(`{"isPaused":true}`),
		}))
		assert.True(t, receiveValue(t, received).IsPaused)
	})

	t.Run("concurrent publishes each get their own confirm", func(t *testing.T) {
		broker := newTestBroker(t)
		broker.SetConfirmMode(rabbitmqtest.ConfirmManual)
		publisher, _ := newTestPublisher(t, broker)

		results := make(chan error, 3)
		for i := 0; i < 3; i++ {
			go func() {
				results <- publisher.PublishJSON(ctx, routing.ExchangePerilTopic, "k", gamelogic.PlayingState{})
			}()
		}

		require.Eventually(t, func() bool { return broker.PendingConfirms() == 3 }, time.Second, 5*time.Millisecond)
		assert.Equal(t, 3, broker.ReleaseConfirms(true))
		for i := 0; i < 3; i++ {
			assert.NoError(t, receiveValue(t, results))
		}
	})

	t.Run("context deadline bounds the wait", func(t *testing.T) {
		broker := newTestBroker(t)
		broker.SetConfirmMode(rabbitmqtest.ConfirmManual)
		publisher, _ := newTestPublisher(t, broker)

		waitCtx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
		defer cancel()

		err := publisher.PublishJSON(waitCtx, routing.ExchangePerilTopic, "k", gamelogic.PlayingState{})
		assert.ErrorIs(t, err, ErrPublishTimeout)
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	})

	t.Run("encode failures publish nothing", func(t *testing.T) {
		broker := newTestBroker(t)
		publisher, _ := newTestPublisher(t, broker)
		before := broker.Published()

		err := publisher.PublishJSON(ctx, routing.ExchangePerilTopic, "k", make(chan int))

		var pubErr *PublishError
		assert.ErrorAs(t, err, &pubErr)
		assert.Equal(t, before, broker.Published())
	})
}
