package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/glimte/peril-go/internal/rabbitmq"
	"github.com/glimte/peril-go/serialization"
	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// ConfirmedPublisher publishes on a channel in confirm mode. Publish returns
// only once the broker has confirmed or rejected the message. Sends are
// serialized to keep delivery tags in step with the channel; waits are not.
type ConfirmedPublisher struct {
	ch       rabbitmq.ConfirmChannel
	mu       sync.Mutex
	seq      uint64
	confirms chan amqp.Confirmation
	closes   chan *amqp.Error
	stopped  chan struct{}

	waitMu  sync.Mutex
	waiters map[uint64]chan amqp.Confirmation

	confirmTimeout time.Duration
	appID          string
	logger         *slog.Logger
}

// PublisherOption configures the publisher
type PublisherOption func(*ConfirmedPublisher)

// WithConfirmTimeout bounds how long Publish waits for a confirm. Zero, the
// default, waits until the context ends.
func WithConfirmTimeout(timeout time.Duration) PublisherOption {
	return func(p *ConfirmedPublisher) {
		p.confirmTimeout = timeout
	}
}

// WithPublisherLogger sets the logger
func WithPublisherLogger(logger *slog.Logger) PublisherOption {
	return func(p *ConfirmedPublisher) {
		p.logger = logger
	}
}

// WithAppID stamps every publishing with an application id
func WithAppID(appID string) PublisherOption {
	return func(p *ConfirmedPublisher) {
		p.appID = appID
	}
}

// NewConfirmedPublisher puts ch into confirm mode and starts reading its
// confirmations. The reader stops when ch closes.
func NewConfirmedPublisher(ch rabbitmq.ConfirmChannel, options ...PublisherOption) (*ConfirmedPublisher, error) {
	p := &ConfirmedPublisher{
		ch:      ch,
		stopped: make(chan struct{}),
		waiters: make(map[uint64]chan amqp.Confirmation),
		logger:  slog.Default(),
	}

	for _, opt := range options {
		opt(p)
	}

	if err := ch.Confirm(false); err != nil {
		return nil, &rabbitmq.ChannelError{
			Op:        "confirm",
			Err:       err,
			Timestamp: time.Now(),
		}
	}

	p.closes = ch.NotifyClose(make(chan *amqp.Error, 1))
	p.confirms = ch.NotifyPublish(make(chan amqp.Confirmation, 1))
	go p.dispatch()

	return p, nil
}

// dispatch hands each confirmation to the publish waiting on its delivery
// tag. The listener must never fall behind: amqp091 delivers confirms from
// the connection's reader goroutine.
func (p *ConfirmedPublisher) dispatch() {
	defer close(p.stopped)

	for confirm := range p.confirms {
		p.waitMu.Lock()
		waiter, ok := p.waiters[confirm.DeliveryTag]
		delete(p.waiters, confirm.DeliveryTag)
		p.waitMu.Unlock()

		if !ok {
			p.logger.Debug("dropping confirm for abandoned publish",
				"deliveryTag", confirm.DeliveryTag,
				"ack", confirm.Ack)
			continue
		}
		waiter <- confirm
	}
}

func (p *ConfirmedPublisher) await(seq uint64) chan amqp.Confirmation {
	waiter := make(chan amqp.Confirmation, 1)
	p.waitMu.Lock()
	p.waiters[seq] = waiter
	p.waitMu.Unlock()
	return waiter
}

func (p *ConfirmedPublisher) forget(seq uint64) {
	p.waitMu.Lock()
	delete(p.waiters, seq)
	p.waitMu.Unlock()
}

// PublishJSON publishes v as JSON
func (p *ConfirmedPublisher) PublishJSON(ctx context.Context, exchange, key string, v interface{}) error {
	return p.Publish(ctx, exchange, key, v, serialization.JSONCodec{})
}

// PublishGob publishes v as gob
func (p *ConfirmedPublisher) PublishGob(ctx context.Context, exchange, key string, v interface{}) error {
	return p.Publish(ctx, exchange, key, v, serialization.GobCodec{})
}

// Publish encodes v and publishes it persistently, then waits for the
// broker's confirm. A nack returns ErrNackedByBroker; a closed channel
// returns ErrChannelClosed; a context or confirm timeout returns
// ErrPublishTimeout. Nothing is retried.
func (p *ConfirmedPublisher) Publish(ctx context.Context, exchange, key string, v interface{}, encoder serialization.Encoder) error {
	messageID := uuid.NewString()
	fail := func(err error) error {
		return &rabbitmq.PublishError{
			Exchange:   exchange,
			RoutingKey: key,
			MessageID:  messageID,
			Err:        err,
			Timestamp:  time.Now(),
		}
	}

	body, err := encoder.Encode(v)
	if err != nil {
		return fail(err)
	}

	// the waiter exists before the send so an early confirm is not dropped
	p.mu.Lock()
	seq := p.seq + 1
	waiter := p.await(seq)
	err = p.ch.PublishWithContext(ctx, exchange, key,
		false, // mandatory
		false, // immediate
		amqp.Publishing{
			ContentType:  encoder.ContentType(),
			DeliveryMode: amqp.Persistent,
			MessageId:    messageID,
			Timestamp:    time.Now().UTC(),
			AppId:        p.appID,
			Body:         body,
		})
	if err != nil {
		p.forget(seq)
		p.mu.Unlock()
		if errors.Is(err, amqp.ErrClosed) {
			err = fmt.Errorf("%w: %w", ErrChannelClosed, err)
		}
		return fail(err)
	}
	p.seq = seq
	p.mu.Unlock()
	defer p.forget(seq)

	waitCtx := ctx
	if p.confirmTimeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, p.confirmTimeout)
		defer cancel()
	}

	confirmed := func(confirm amqp.Confirmation) error {
		if !confirm.Ack {
			p.logger.Warn("publish rejected by broker",
				"exchange", exchange,
				"key", key,
				"messageId", messageID)
			return fail(ErrNackedByBroker)
		}
		return nil
	}

	select {
	case confirm := <-waiter:
		return confirmed(confirm)

	case <-p.stopped:
		select {
		case confirm := <-waiter:
			return confirmed(confirm)
		default:
			return fail(p.closedError())
		}

	case <-waitCtx.Done():
		return fail(fmt.Errorf("%w: %w", ErrPublishTimeout, waitCtx.Err()))
	}
}

func (p *ConfirmedPublisher) closedError() error {
	select {
	case amqpErr, ok := <-p.closes:
		if ok && amqpErr != nil {
			return fmt.Errorf("%w: %w", ErrChannelClosed, amqpErr)
		}
	default:
	}
	return ErrChannelClosed
}
