package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/glimte/peril-go/internal/rabbitmq"
	"github.com/glimte/peril-go/routing"
	"github.com/glimte/peril-go/serialization"
	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// DefaultPrefetch bounds unacknowledged deliveries per subscription
const DefaultPrefetch = 10

// RawHandler handles an undecoded delivery. It must not settle it.
type RawHandler func(ctx context.Context, delivery amqp.Delivery) AckType

type subscriberConfig struct {
	prefetch           int
	logger             *slog.Logger
	consumerTag        string
	deadLetterExchange string
	noDeadLetter       bool
}

// SubscriberOption configures a subscription
type SubscriberOption func(*subscriberConfig)

// WithPrefetch sets how many deliveries may be outstanding at once
func WithPrefetch(count int) SubscriberOption {
	return func(c *subscriberConfig) {
		c.prefetch = count
	}
}

// WithSubscriberLogger sets the logger
func WithSubscriberLogger(logger *slog.Logger) SubscriberOption {
	return func(c *subscriberConfig) {
		c.logger = logger
	}
}

// WithConsumerTag sets the consumer tag. The default is
// peril-<queue>-<uuid>.
func WithConsumerTag(tag string) SubscriberOption {
	return func(c *subscriberConfig) {
		c.consumerTag = tag
	}
}

// WithDeadLetterExchange overrides the dead letter exchange
func WithDeadLetterExchange(exchange string) SubscriberOption {
	return func(c *subscriberConfig) {
		c.deadLetterExchange = exchange
		c.noDeadLetter = false
	}
}

// WithoutDeadLetter declares the queue without a dead letter exchange
func WithoutDeadLetter() SubscriberOption {
	return func(c *subscriberConfig) {
		c.noDeadLetter = true
	}
}

func newSubscriberConfig(options []SubscriberOption) *subscriberConfig {
	c := &subscriberConfig{
		prefetch:           DefaultPrefetch,
		logger:             slog.Default(),
		deadLetterExchange: routing.ExchangePerilDeadLetter,
	}
	for _, opt := range options {
		opt(c)
	}
	return c
}

// SubscriptionStats counts how deliveries were settled
type SubscriptionStats struct {
	Acked          int64
	Requeued       int64
	Discarded      int64
	DecodeFailures int64
	HandlerPanics  int64
}

// Subscription is one consume loop bound to one queue. Handlers run one at
// a time in delivery order.
type Subscription struct {
	exchange    string
	queue       string
	key         string
	consumerTag string
	ch          rabbitmq.Channel
	logger      *slog.Logger
	stop        chan struct{}
	stopOnce    sync.Once
	cancel      context.CancelFunc
	done        chan struct{}

	acked          atomic.Int64
	requeued       atomic.Int64
	discarded      atomic.Int64
	decodeFailures atomic.Int64
	handlerPanics  atomic.Int64
}

// process turns a delivery into a settlement. A non-nil error means the
// payload could not be decoded.
type process func(ctx context.Context, delivery amqp.Delivery) (AckType, error)

// Subscribe declares and binds queueName, then consumes it, decoding every
// delivery with decoder before passing it to handler. Setup errors are
// returned; the consume loop runs until the connection or channel closes,
// ctx is cancelled or Close is called.
func Subscribe[T any](
	ctx context.Context,
	conn rabbitmq.Connection,
	exchange, queueName, key string,
	durability QueueDurability,
	decoder serialization.Decoder,
	handler func(context.Context, T) AckType,
	options ...SubscriberOption,
) (*Subscription, error) {
	return subscribe(ctx, conn, exchange, queueName, key, durability,
		func(ctx context.Context, d amqp.Delivery) (AckType, error) {
			var v T
			if err := decoder.Decode(d.Body, &v); err != nil {
				return NackDiscard, err
			}
			return handler(ctx, v), nil
		}, options...)
}

// SubscribeJSON subscribes with the JSON codec
func SubscribeJSON[T any](
	ctx context.Context,
	conn rabbitmq.Connection,
	exchange, queueName, key string,
	durability QueueDurability,
	handler func(context.Context, T) AckType,
	options ...SubscriberOption,
) (*Subscription, error) {
	return Subscribe(ctx, conn, exchange, queueName, key, durability, serialization.JSONCodec{}, handler, options...)
}

// SubscribeGob subscribes with the gob codec
func SubscribeGob[T any](
	ctx context.Context,
	conn rabbitmq.Connection,
	exchange, queueName, key string,
	durability QueueDurability,
	handler func(context.Context, T) AckType,
	options ...SubscriberOption,
) (*Subscription, error) {
	return Subscribe(ctx, conn, exchange, queueName, key, durability, serialization.GobCodec{}, handler, options...)
}

// SubscribeRaw consumes undecoded deliveries
func SubscribeRaw(
	ctx context.Context,
	conn rabbitmq.Connection,
	exchange, queueName, key string,
	durability QueueDurability,
	handler RawHandler,
	options ...SubscriberOption,
) (*Subscription, error) {
	return subscribe(ctx, conn, exchange, queueName, key, durability,
		func(ctx context.Context, d amqp.Delivery) (AckType, error) {
			return handler(ctx, d), nil
		}, options...)
}

func subscribe(
	ctx context.Context,
	conn rabbitmq.Connection,
	exchange, queueName, key string,
	durability QueueDurability,
	fn process,
	options ...SubscriberOption,
) (*Subscription, error) {
	cfg := newSubscriberConfig(options)

	ch, q, err := DeclareAndBind(conn, exchange, queueName, key, durability, options...)
	if err != nil {
		return nil, err
	}

	if err := ch.Qos(cfg.prefetch, 0, false); err != nil {
		_ = ch.Close()
		return nil, &rabbitmq.ChannelError{
			Op:        "qos",
			ChannelID: q.Name,
			Err:       err,
			Timestamp: time.Now(),
		}
	}

	tag := cfg.consumerTag
	if tag == "" {
		tag = fmt.Sprintf("peril-%s-%s", q.Name, uuid.NewString())
	}

	cancels := ch.NotifyCancel(make(chan string, 1))

	deliveries, err := ch.Consume(
		q.Name,
		tag,
		false, // auto-ack
		false, // exclusive
		false, // no-local
		false, // no-wait
		nil,
	)
	if err != nil {
		_ = ch.Close()
		return nil, &rabbitmq.ConsumerError{
			Queue:       q.Name,
			ConsumerTag: tag,
			Op:          "consume",
			Err:         err,
			Timestamp:   time.Now(),
		}
	}

	s := &Subscription{
		exchange:    exchange,
		queue:       q.Name,
		key:         key,
		consumerTag: tag,
		ch:          ch,
		logger:      cfg.logger.With("exchange", exchange, "queue", q.Name, "key", key),
		stop:        make(chan struct{}),
		done:        make(chan struct{}),
	}

	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	go s.run(loopCtx, deliveries, cancels, fn)

	s.logger.Info("subscribed to queue",
		"consumerTag", tag,
		"prefetchCount", cfg.prefetch,
		"durability", durability.String(),
	)

	return s, nil
}

// Queue returns the name of the consumed queue
func (s *Subscription) Queue() string {
	return s.queue
}

// ConsumerTag returns the broker consumer tag
func (s *Subscription) ConsumerTag() string {
	return s.consumerTag
}

// Done is closed once the consume loop has exited
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

// Close cancels the consumer, closes the channel and waits for the loop to
// exit. The context of a running handler is cancelled, so a handler blocked
// on a publish confirm returns. Unsettled deliveries go back to the queue.
// It must not be called from inside the subscription's own handler.
func (s *Subscription) Close() error {
	s.stopOnce.Do(func() { close(s.stop) })
	s.cancel()
	<-s.done
	return nil
}

// Stats returns the settlement counters
func (s *Subscription) Stats() SubscriptionStats {
	return SubscriptionStats{
		Acked:          s.acked.Load(),
		Requeued:       s.requeued.Load(),
		Discarded:      s.discarded.Load(),
		DecodeFailures: s.decodeFailures.Load(),
		HandlerPanics:  s.handlerPanics.Load(),
	}
}

func (s *Subscription) run(ctx context.Context, deliveries <-chan amqp.Delivery, cancels <-chan string, fn process) {
	defer close(s.done)
	defer s.cancel()

	for {
		select {
		case <-s.stop:
			s.shutdown()
			return

		case <-ctx.Done():
			s.shutdown()
			return

		case tag, ok := <-cancels:
			if !ok {
				cancels = nil
				continue
			}
			s.logger.Warn("consumer cancelled by broker",
				"consumerTag", tag,
				"error", rabbitmq.ErrConsumerCancelled)

		case delivery, ok := <-deliveries:
			if !ok {
				s.logger.Info("delivery channel closed")
				_ = s.ch.Close()
				return
			}
			if ctx.Err() != nil {
				s.shutdown()
				return
			}
			s.handle(ctx, delivery, fn)
		}
	}
}

func (s *Subscription) shutdown() {
	if err := s.ch.Cancel(s.consumerTag, false); err != nil {
		s.logger.Debug("failed to cancel consumer", "error", err)
	}
	if err := s.ch.Close(); err != nil {
		s.logger.Debug("failed to close channel", "error", err)
	}
	s.logger.Info("subscription closed")
}

// handle settles exactly one outcome for the delivery
func (s *Subscription) handle(ctx context.Context, delivery amqp.Delivery, fn process) {
	ack, err := s.invoke(ctx, delivery, fn)
	if err != nil {
		s.decodeFailures.Add(1)
		s.logger.Error("failed to decode message",
			"messageId", delivery.MessageId,
			"contentType", delivery.ContentType,
			"deliveryTag", delivery.DeliveryTag,
			"error", err)
		ack = NackDiscard
	}

	s.settle(delivery, ack)
}

func (s *Subscription) invoke(ctx context.Context, delivery amqp.Delivery, fn process) (ack AckType, err error) {
	defer func() {
		if r := recover(); r != nil {
			s.handlerPanics.Add(1)
			s.logger.Error("handler panicked",
				"messageId", delivery.MessageId,
				"deliveryTag", delivery.DeliveryTag,
				"panic", r)
			ack, err = NackDiscard, nil
		}
	}()
	return fn(ctx, delivery)
}

func (s *Subscription) settle(delivery amqp.Delivery, ack AckType) {
	var err error
	switch ack {
	case Ack:
		s.acked.Add(1)
		err = delivery.Ack(false)
	case NackRequeue:
		s.requeued.Add(1)
		err = delivery.Nack(false, true)
	case NackDiscard:
		s.discarded.Add(1)
		err = delivery.Nack(false, false)
	default:
		s.logger.Warn("unknown ack type, discarding",
			"ackType", int(ack),
			"messageId", delivery.MessageId)
		s.discarded.Add(1)
		err = delivery.Nack(false, false)
	}

	if err != nil {
		s.logger.Error("failed to settle delivery",
			"ackType", ack.String(),
			"messageId", delivery.MessageId,
			"deliveryTag", delivery.DeliveryTag,
			"error", err)
		return
	}

	s.logger.Debug("delivery settled",
		"ackType", ack.String(),
		"messageId", delivery.MessageId,
		"deliveryTag", delivery.DeliveryTag)
}
