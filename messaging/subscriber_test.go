package messaging

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/glimte/peril-go/internal/gamelogic"
	"github.com/glimte/peril-go/internal/rabbitmq"
	"github.com/glimte/peril-go/internal/rabbitmqtest"
	"github.com/glimte/peril-go/routing"
	"github.com/glimte/peril-go/serialization"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestSubscribeEndToEnd(t *testing.T) {
	ctx := context.Background()

	t.Run("pause state reaches the handler on a transient direct queue", func(t *testing.T) {
		broker := newTestBroker(t)
		publisher, _ := newTestPublisher(t, broker)
		received := make(chan gamelogic.PlayingState, 1)

		sub, err := SubscribeJSON(ctx, broker,
			routing.ExchangePerilDirect,
			routing.PauseQueue("alice"),
			routing.PauseRoutingKey("alice"),
			Transient,
			func(_ context.Context, ps gamelogic.PlayingState) AckType {
				received <- ps
				return Ack
			},
			WithSubscriberLogger(quietLogger))
		require.NoError(t, err)
		defer sub.Close()

		require.NoError(t, publisher.PublishJSON(ctx, routing.ExchangePerilDirect,
			routing.PauseRoutingKey("alice"), gamelogic.PlayingState{IsPaused: true}))

		assert.Equal(t, gamelogic.PlayingState{IsPaused: true}, receiveValue(t, received))
		assert.Eventually(t, func() bool { return sub.Stats().Acked == 1 }, time.Second, 5*time.Millisecond)
		assert.Equal(t, "pause.alice", sub.Queue())
	})

	t.Run("topic subscriptions only receive their own pattern", func(t *testing.T) {
		broker := newTestBroker(t)
		publisher, _ := newTestPublisher(t, broker)
		moves := make(chan gamelogic.ArmyMove, 2)
		wars := make(chan gamelogic.RecognitionOfWar, 2)

		moveSub, err := SubscribeJSON(ctx, broker,
			routing.ExchangePerilTopic, routing.ArmyMovesQueue("alice"), routing.ArmyMovesBindingKey(), Transient,
			func(_ context.Context, m gamelogic.ArmyMove) AckType {
				moves <- m
				return Ack
			},
			WithSubscriberLogger(quietLogger))
		require.NoError(t, err)
		defer moveSub.Close()

		warSub, err := SubscribeJSON(ctx, broker,
			routing.ExchangePerilTopic, routing.WarQueue(), routing.WarBindingKey(), Durable,
			func(_ context.Context, rw gamelogic.RecognitionOfWar) AckType {
				wars <- rw
				return Ack
			},
			WithSubscriberLogger(quietLogger))
		require.NoError(t, err)
		defer warSub.Close()

		move := gamelogic.ArmyMove{
			Player:     gamelogic.Player{Username: "bob", Units: map[int]gamelogic.Unit{1: {ID: 1, Rank: gamelogic.RankInfantry, Location: "europe"}}},
			Units:      []gamelogic.Unit{{ID: 1, Rank: gamelogic.RankInfantry, Location: "europe"}},
			ToLocation: "europe",
		}
		war := gamelogic.RecognitionOfWar{
			Attacker: gamelogic.Player{Username: "bob"},
			Defender: gamelogic.Player{Username: "carol"},
		}
		require.NoError(t, publisher.PublishJSON(ctx, routing.ExchangePerilTopic, routing.ArmyMoveRoutingKey("bob"), move))
		require.NoError(t, publisher.PublishJSON(ctx, routing.ExchangePerilTopic, routing.WarRoutingKey("carol"), war))

		assert.Equal(t, move, receiveValue(t, moves))
		assert.Equal(t, war, receiveValue(t, wars))

		assert.Eventually(t, func() bool {
			return moveSub.Stats().Acked == 1 && warSub.Stats().Acked == 1
		}, time.Second, 5*time.Millisecond)
		assert.Len(t, moves, 0)
		assert.Len(t, wars, 0)
	})

	t.Run("prefetch bounds outstanding deliveries while the handler blocks", func(t *testing.T) {
		broker := newTestBroker(t)
		publisher, _ := newTestPublisher(t, broker)
		release := make(chan struct{})
		var handled atomic.Int32

		sub, err := SubscribeJSON(ctx, broker,
			routing.ExchangePerilTopic, "slow", "slow.*", Durable,
			func(_ context.Context, _ gamelogic.PlayingState) AckType {
				<-release
				handled.Add(1)
				return Ack
			},
			WithPrefetch(2),
			WithSubscriberLogger(quietLogger))
		require.NoError(t, err)
		defer sub.Close()

		for i := 0; i < 5; i++ {
			require.NoError(t, publisher.PublishJSON(ctx, routing.ExchangePerilTopic, "slow.x", gamelogic.PlayingState{}))
		}

		time.Sleep(50 * time.Millisecond)
		stats, _ := broker.Queue("slow")
		assert.Equal(t, 2, stats.Unacked)
		assert.Equal(t, 3, stats.Ready)

		for i := 0; i < 5; i++ {
			release <- struct{}{}
		}

		assert.Eventually(t, func() bool { return handled.Load() == 5 }, 2*time.Second, 5*time.Millisecond)
		assert.Eventually(t, func() bool {
			s, _ := broker.Queue("slow")
			return s.Acked == 5
		}, time.Second, 5*time.Millisecond)
		stats, _ = broker.Queue("slow")
		assert.LessOrEqual(t, stats.MaxUnacked, 2)
	})
}

func TestSubscribeSettlement(t *testing.T) {
	ctx := context.Background()

	t.Run("decode failure never reaches the handler and is dead-lettered", func(t *testing.T) {
		broker := newTestBroker(t)
		var calls atomic.Int32

		sub, err := SubscribeJSON(ctx, broker,
			routing.ExchangePerilTopic, routing.WarQueue(), routing.WarBindingKey(), Durable,
			func(_ context.Context, _ gamelogic.RecognitionOfWar) AckType {
				calls.Add(1)
				return Ack
			},
			WithSubscriberLogger(quietLogger))
		require.NoError(t, err)
		defer sub.Close()

		require.NoError(t, broker.Publish(routing.ExchangePerilTopic, routing.WarRoutingKey("carol"),
			amqp.Publishing{ContentType: serialization.ContentTypeJSON, Body: []byte("{not json")}))

		assert.Eventually(t, func() bool { return len(broker.Messages(routing.DeadLetterQueue)) == 1 }, time.Second, 5*time.Millisecond)
		assert.Equal(t, int32(0), calls.Load())
		assert.Equal(t, int64(1), sub.Stats().DecodeFailures)
		assert.Equal(t, int64(1), sub.Stats().Discarded)
	})

	t.Run("requeue offers the same message again", func(t *testing.T) {
		broker := newTestBroker(t)
		publisher, _ := newTestPublisher(t, broker)
		var calls atomic.Int32
		seen := make(chan gamelogic.PlayingState, 2)

		sub, err := SubscribeJSON(ctx, broker,
			routing.ExchangePerilDirect, routing.PauseQueue("bob"), routing.PauseRoutingKey("bob"), Transient,
			func(_ context.Context, ps gamelogic.PlayingState) AckType {
				seen <- ps
				if calls.Add(1) == 1 {
					return NackRequeue
				}
				return Ack
			},
			WithSubscriberLogger(quietLogger))
		require.NoError(t, err)
		defer sub.Close()

		require.NoError(t, publisher.PublishJSON(ctx, routing.ExchangePerilDirect, routing.PauseRoutingKey("bob"), gamelogic.PlayingState{IsPaused: true}))

		first := receiveValue(t, seen)
		second := receiveValue(t, seen)
		assert.Equal(t, first, second)

		assert.Eventually(t, func() bool {
			s, _ := broker.Queue("pause.bob")
			return s.Acked == 1 && s.Requeued == 1 && s.Delivered == 2
		}, time.Second, 5*time.Millisecond)
	})

	t.Run("ack removes the message for good", func(t *testing.T) {
		broker := newTestBroker(t)
		publisher, _ := newTestPublisher(t, broker)
		done := make(chan struct{}, 1)

		sub, err := SubscribeJSON(ctx, broker,
			routing.ExchangePerilTopic, routing.WarQueue(), routing.WarBindingKey(), Durable,
			func(_ context.Context, _ gamelogic.RecognitionOfWar) AckType {
				done <- struct{}{}
				return Ack
			},
			WithSubscriberLogger(quietLogger))
		require.NoError(t, err)

		require.NoError(t, publisher.PublishJSON(ctx, routing.ExchangePerilTopic, routing.WarRoutingKey("carol"), gamelogic.RecognitionOfWar{}))
		receiveValue(t, done)
		assert.Eventually(t, func() bool { return sub.Stats().Acked == 1 }, time.Second, 5*time.Millisecond)
		require.NoError(t, sub.Close())

		stats, _ := broker.Queue(routing.WarQueue())
		assert.Equal(t, 1, stats.Delivered)
		assert.Equal(t, 0, stats.Ready)
		assert.Equal(t, 0, stats.Unacked)
	})

	t.Run("discard dead-letters from a game queue but drops from the log queue", func(t *testing.T) {
		broker := newTestBroker(t)
		publisher, _ := newTestPublisher(t, broker)

		warSub, err := SubscribeJSON(ctx, broker,
			routing.ExchangePerilTopic, routing.WarQueue(), routing.WarBindingKey(), Durable,
			func(_ context.Context, _ gamelogic.RecognitionOfWar) AckType { return NackDiscard },
			WithSubscriberLogger(quietLogger))
		require.NoError(t, err)
		defer warSub.Close()

		logSub, err := SubscribeGob(ctx, broker,
			routing.ExchangePerilTopic, routing.GameLogQueue(), routing.GameLogBindingKey(), Durable,
			func(_ context.Context, _ gamelogic.GameLog) AckType { return NackDiscard },
			WithSubscriberLogger(quietLogger))
		require.NoError(t, err)
		defer logSub.Close()

		require.NoError(t, publisher.PublishJSON(ctx, routing.ExchangePerilTopic, routing.WarRoutingKey("carol"), gamelogic.RecognitionOfWar{}))
		require.NoError(t, publisher.PublishGob(ctx, routing.ExchangePerilTopic, routing.GameLogRoutingKey("bob"), gamelogic.GameLog{
			CurrentTime: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
			Message:     "bob won a war",
			Username:    "bob",
		}))

		assert.Eventually(t, func() bool {
			logs, _ := broker.Queue(routing.GameLogQueue())
			return logs.Dropped == 1
		}, time.Second, 5*time.Millisecond)
		assert.Eventually(t, func() bool { return len(broker.Messages(routing.DeadLetterQueue)) == 1 }, time.Second, 5*time.Millisecond)

		dead := broker.Messages(routing.DeadLetterQueue)
		assert.Equal(t, routing.WarQueue(), dead[0].Publishing.Headers["x-first-death-queue"])
	})

	t.Run("handler panic is discarded and the loop keeps going", func(t *testing.T) {
		broker := newTestBroker(t)
		publisher, _ := newTestPublisher(t, broker)
		var calls atomic.Int32
		ok := make(chan struct{}, 1)

		sub, err := SubscribeJSON(ctx, broker,
			routing.ExchangePerilDirect, routing.PauseQueue("carol"), routing.PauseRoutingKey("carol"), Transient,
			func(_ context.Context, _ gamelogic.PlayingState) AckType {
				if calls.Add(1) == 1 {
					panic("boom")
				}
				ok <- struct{}{}
				return Ack
			},
			WithSubscriberLogger(quietLogger))
		require.NoError(t, err)
		defer sub.Close()

		for i := 0; i < 2; i++ {
			require.NoError(t, publisher.PublishJSON(ctx, routing.ExchangePerilDirect, routing.PauseRoutingKey("carol"), gamelogic.PlayingState{}))
		}

		receiveValue(t, ok)
		assert.Eventually(t, func() bool {
			s := sub.Stats()
			return s.HandlerPanics == 1 && s.Discarded == 1 && s.Acked == 1
		}, time.Second, 5*time.Millisecond)
	})

	t.Run("unknown ack type is discarded", func(t *testing.T) {
		broker := newTestBroker(t)
		publisher, _ := newTestPublisher(t, broker)

		sub, err := SubscribeJSON(ctx, broker,
			routing.ExchangePerilDirect, routing.PauseQueue("dave"), routing.PauseRoutingKey("dave"), Transient,
			func(_ context.Context, _ gamelogic.PlayingState) AckType { return AckType(99) },
			WithSubscriberLogger(quietLogger))
		require.NoError(t, err)
		defer sub.Close()

		require.NoError(t, publisher.PublishJSON(ctx, routing.ExchangePerilDirect, routing.PauseRoutingKey("dave"), gamelogic.PlayingState{}))

		assert.Eventually(t, func() bool { return sub.Stats().Discarded == 1 }, time.Second, 5*time.Millisecond)
	})

	t.Run("every delivery is settled exactly once", func(t *testing.T) {
		broker := newTestBroker(t)
		publisher, _ := newTestPublisher(t, broker)
		var calls atomic.Int32
		outcomes := []AckType{Ack, NackRequeue, NackDiscard}

		sub, err := SubscribeJSON(ctx, broker,
			routing.ExchangePerilTopic, "mixed", "mixed.*", Durable,
			func(_ context.Context, _ gamelogic.PlayingState) AckType {
				return outcomes[int(calls.Add(1)-1)%len(outcomes)]
			},
			WithSubscriberLogger(quietLogger))
		require.NoError(t, err)

		for i := 0; i < 9; i++ {
			require.NoError(t, publisher.PublishJSON(ctx, routing.ExchangePerilTopic, "mixed.x", gamelogic.PlayingState{}))
		}

		assert.Eventually(t, func() bool {
			s, _ := broker.Queue("mixed")
			return s.Ready == 0 && s.Unacked == 0
		}, 2*time.Second, 5*time.Millisecond)
		require.NoError(t, sub.Close())

		stats, _ := broker.Queue("mixed")
		settlements := broker.Settlements()
		type delivery struct {
			channel int
			tag     uint64
		}
		seen := make(map[delivery]int)
		for _, s := range settlements {
			if s.Queue == "mixed" {
				seen[delivery{s.ChannelID, s.DeliveryTag}]++
			}
		}
		assert.Len(t, seen, stats.Delivered)
		for d, n := range seen {
			assert.Equal(t, 1, n, "delivery %v settled %d times", d, n)
		}
		assert.Equal(t, 0, broker.UnknownTagErrors())
	})
}

func TestSubscriptionLifecycle(t *testing.T) {
	ctx := context.Background()

	t.Run("setup errors are returned synchronously", func(t *testing.T) {
		broker := newTestBroker(t)

		_, err := SubscribeJSON(ctx, broker, "missing", "q", "k", Durable,
			func(_ context.Context, _ gamelogic.PlayingState) AckType { return Ack },
			WithSubscriberLogger(quietLogger))

		var topoErr *rabbitmq.TopologyError
		assert.ErrorAs(t, err, &topoErr)
	})

	t.Run("Close returns unsettled deliveries to the queue", func(t *testing.T) {
		broker := newTestBroker(t)
		publisher, _ := newTestPublisher(t, broker)
		entered := make(chan struct{}, 1)
		release := make(chan struct{})

		sub, err := SubscribeJSON(ctx, broker,
			routing.ExchangePerilTopic, routing.WarQueue(), routing.WarBindingKey(), Durable,
			func(_ context.Context, _ gamelogic.RecognitionOfWar) AckType {
				entered <- struct{}{}
				<-release
				return Ack
			},
			WithConsumerTag("war-consumer"),
			WithSubscriberLogger(quietLogger))
		require.NoError(t, err)
		assert.Equal(t, "war-consumer", sub.ConsumerTag())

		require.NoError(t, publisher.PublishJSON(ctx, routing.ExchangePerilTopic, routing.WarRoutingKey("a"), gamelogic.RecognitionOfWar{}))
		require.NoError(t, publisher.PublishJSON(ctx, routing.ExchangePerilTopic, routing.WarRoutingKey("b"), gamelogic.RecognitionOfWar{}))
		receiveValue(t, entered)

		closed := make(chan error, 1)
		go func() { closed <- sub.Close() }()
		close(release)

		require.NoError(t, receiveValue(t, closed))
		<-sub.Done()

		stats, _ := broker.Queue(routing.WarQueue())
		assert.Equal(t, 0, stats.Unacked)
		assert.Equal(t, 0, stats.Consumers)
		assert.Equal(t, 2, stats.Acked+stats.Ready)
	})

	t.Run("Close interrupts a handler waiting on a publish confirm", func(t *testing.T) {
		broker := newTestBroker(t)
		broker.SetConfirmMode(rabbitmqtest.ConfirmManual)
		publisher, _ := newTestPublisher(t, broker)
		published := make(chan error, 1)

		sub, err := SubscribeJSON(ctx, broker,
			routing.ExchangePerilTopic, routing.ArmyMovesQueue("alice"), routing.ArmyMovesBindingKey(), Transient,
			func(hctx context.Context, _ gamelogic.ArmyMove) AckType {
				err := publisher.PublishJSON(hctx, routing.ExchangePerilTopic, routing.WarRoutingKey("alice"), gamelogic.RecognitionOfWar{})
				published <- err
				if err != nil {
					return NackRequeue
				}
				return Ack
			},
			WithSubscriberLogger(quietLogger))
		require.NoError(t, err)

		require.NoError(t, broker.Publish(routing.ExchangePerilTopic, routing.ArmyMoveRoutingKey("bob"), amqp.Publishing{
			ContentType: serialization.ContentTypeJSON,
			Body:        []byte(`{"toLocation":"europe"}`),
		}))
		require.Eventually(t, func() bool { return broker.PendingConfirms() == 1 }, time.Second, 5*time.Millisecond)

		closed := make(chan error, 1)
		go func() { closed <- sub.Close() }()

		require.NoError(t, receiveValue(t, closed))
		err = receiveValue(t, published)
		assert.ErrorIs(t, err, ErrPublishTimeout)
		assert.ErrorIs(t, err, context.Canceled)
		assert.Equal(t, int64(1), sub.Stats().Requeued)
	})

	t.Run("cancelling the context stops the loop", func(t *testing.T) {
		broker := newTestBroker(t)
		subCtx, cancel := context.WithCancel(ctx)

		sub, err := SubscribeJSON(subCtx, broker,
			routing.ExchangePerilTopic, routing.WarQueue(), routing.WarBindingKey(), Durable,
			func(_ context.Context, _ gamelogic.RecognitionOfWar) AckType { return Ack },
			WithSubscriberLogger(quietLogger))
		require.NoError(t, err)

		cancel()
		receiveValue(t, sub.Done())
	})

	t.Run("broker cancelling the consumer ends the loop", func(t *testing.T) {
		broker := newTestBroker(t)

		sub, err := SubscribeJSON(ctx, broker,
			routing.ExchangePerilTopic, routing.WarQueue(), routing.WarBindingKey(), Durable,
			func(_ context.Context, _ gamelogic.RecognitionOfWar) AckType { return Ack },
			WithSubscriberLogger(quietLogger))
		require.NoError(t, err)

		broker.DeleteQueue(routing.WarQueue())
		receiveValue(t, sub.Done())
	})

	t.Run("one failing subscription does not affect another", func(t *testing.T) {
		broker := newTestBroker(t)
		publisher, _ := newTestPublisher(t, broker)
		good := make(chan gamelogic.PlayingState, 1)

		bad, err := SubscribeJSON(ctx, broker,
			routing.ExchangePerilDirect, routing.PauseQueue("x"), routing.PauseRoutingKey("x"), Transient,
			func(_ context.Context, _ gamelogic.PlayingState) AckType { panic("always") },
			WithSubscriberLogger(quietLogger))
		require.NoError(t, err)
		defer bad.Close()

		fine, err := SubscribeJSON(ctx, broker,
			routing.ExchangePerilDirect, routing.PauseQueue("y"), routing.PauseRoutingKey("y"), Transient,
			func(_ context.Context, ps gamelogic.PlayingState) AckType {
				good <- ps
				return Ack
			},
			WithSubscriberLogger(quietLogger))
		require.NoError(t, err)
		defer fine.Close()

		require.NoError(t, publisher.PublishJSON(ctx, routing.ExchangePerilDirect, routing.PauseRoutingKey("x"), gamelogic.PlayingState{}))
		require.NoError(t, publisher.PublishJSON(ctx, routing.ExchangePerilDirect, routing.PauseRoutingKey("y"), gamelogic.PlayingState{IsPaused: true}))

		assert.True(t, receiveValue(t, good).IsPaused)
		assert.Eventually(t, func() bool { return bad.Stats().HandlerPanics == 1 }, time.Second, 5*time.Millisecond)
	})
}

func TestSubscriptionsStopWithConnection(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	broker := rabbitmqtest.NewBroker()
	require.NoError(t, rabbitmq.NewTopologyManager(broker).DeclareTopology(context.Background(), rabbitmq.PerilTopology()))

	var wg sync.WaitGroup
	subs := make([]*Subscription, 0, 3)
	for _, user := range []string{"alice", "bob", "carol"} {
		sub, err := SubscribeJSON(context.Background(), broker,
			routing.ExchangePerilDirect, routing.PauseQueue(user), routing.PauseRoutingKey(user), Transient,
			func(_ context.Context, _ gamelogic.PlayingState) AckType { return Ack },
			WithSubscriberLogger(quietLogger))
		require.NoError(t, err)
		subs = append(subs, sub)
	}

	broker.Drop(nil)

	for _, sub := range subs {
		wg.Add(1)
		go func(s *Subscription) {
			defer wg.Done()
			<-s.Done()
		}(sub)
	}
	wg.Wait()
	assert.Equal(t, 0, broker.OpenChannels())
}

var _ rabbitmq.Connection = (*rabbitmqtest.Broker)(nil)
