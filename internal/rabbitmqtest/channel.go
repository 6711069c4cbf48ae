package rabbitmqtest

import (
	"context"
	"fmt"
	"sort"

	"github.com/glimte/peril-go/internal/rabbitmq"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Channel is a channel on the in-memory broker. Deliveries it hands out use
// it as their Acknowledger.
type Channel struct {
	broker          *Broker
	id              int
	closed          bool
	prefetch        int
	nextTag         uint64
	nextConsumer    int
	unacked         map[uint64]*inflight
	consumers       map[string]*consumer
	confirming      bool
	publishSeq      uint64
	confirms        []*outbox[amqp.Confirmation]
	closeListeners  []chan *amqp.Error
	cancelListeners []chan string
}

type inflight struct {
	queue    *queue
	consumer *consumer
	msg      *message
}

type consumer struct {
	tag      string
	ch       *Channel
	queue    *queue
	prefetch int
	autoAck  bool
	unacked  int
	outbox   *outbox[amqp.Delivery]
}

func (c *consumer) hasCapacity() bool {
	return c.autoAck || c.prefetch == 0 || c.unacked < c.prefetch
}

var (
	_ rabbitmq.Channel  = (*Channel)(nil)
	_ amqp.Acknowledger = (*Channel)(nil)
)

// ID returns the channel number
func (ch *Channel) ID() int {
	return ch.id
}

// ExchangeDeclare declares an exchange, failing on a kind or durability mismatch
func (ch *Channel) ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error {
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch.closed {
		return amqp.ErrClosed
	}

	if ex, ok := b.exchanges[name]; ok {
		if ex.kind != kind || ex.durable != durable {
			return ch.failLocked(amqp.PreconditionFailed,
				fmt.Sprintf("PRECONDITION_FAILED - inequivalent arg 'type' or 'durable' for exchange '%s'", name))
		}
		return nil
	}

	b.exchanges[name] = &exchange{name: name, kind: kind, durable: durable}
	return nil
}

// ExchangeDeclarePassive fails with NOT_FOUND when the exchange is missing
func (ch *Channel) ExchangeDeclarePassive(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error {
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch.closed {
		return amqp.ErrClosed
	}
	if _, ok := b.exchanges[name]; !ok {
		return ch.failLocked(amqp.NotFound, fmt.Sprintf("NOT_FOUND - no exchange '%s'", name))
	}
	return nil
}

// QueueDeclare declares a queue, failing when an existing queue differs
func (ch *Channel) QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch.closed {
		return amqp.Queue{}, amqp.ErrClosed
	}
	if name == "" {
		name = fmt.Sprintf("amq.gen-%d-%d", ch.id, len(b.queues)+1)
	}

	if q, ok := b.queues[name]; ok {
		if q.durable != durable || q.autoDelete != autoDelete || q.exclusive != exclusive || !argsEqual(q.args, args) {
			return amqp.Queue{}, ch.failLocked(amqp.PreconditionFailed,
				fmt.Sprintf("PRECONDITION_FAILED - inequivalent arg for queue '%s'", name))
		}
		return amqp.Queue{Name: name, Messages: len(q.ready), Consumers: len(q.consumers)}, nil
	}

	q := &queue{
		name:       name,
		durable:    durable,
		autoDelete: autoDelete,
		exclusive:  exclusive,
		args:       copyTable(args),
	}
	b.queues[name] = q
	return amqp.Queue{Name: name}, nil
}

// QueueBind binds a queue to an exchange
func (ch *Channel) QueueBind(name, key, exchangeName string, noWait bool, args amqp.Table) error {
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch.closed {
		return amqp.ErrClosed
	}
	if _, ok := b.queues[name]; !ok {
		return ch.failLocked(amqp.NotFound, fmt.Sprintf("NOT_FOUND - no queue '%s'", name))
	}
	ex, ok := b.exchanges[exchangeName]
	if !ok || exchangeName == "" {
		return ch.failLocked(amqp.NotFound, fmt.Sprintf("NOT_FOUND - no exchange '%s'", exchangeName))
	}

	for _, bd := range ex.bindings {
		if bd.queue == name && bd.key == key {
			return nil
		}
	}
	ex.bindings = append(ex.bindings, binding{queue: name, key: key})
	return nil
}

// Qos sets the prefetch applied to consumers started afterwards
func (ch *Channel) Qos(prefetchCount, prefetchSize int, global bool) error {
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch.closed {
		return amqp.ErrClosed
	}
	ch.prefetch = prefetchCount
	return nil
}

// Consume starts a consumer on a queue
func (ch *Channel) Consume(queueName, consumerTag string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error) {
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch.closed {
		return nil, amqp.ErrClosed
	}
	q, ok := b.queues[queueName]
	if !ok {
		return nil, ch.failLocked(amqp.NotFound, fmt.Sprintf("NOT_FOUND - no queue '%s'", queueName))
	}

	if consumerTag == "" {
		ch.nextConsumer++
		consumerTag = fmt.Sprintf("ctag-%d.%d", ch.id, ch.nextConsumer)
	}
	if _, dup := ch.consumers[consumerTag]; dup {
		return nil, &amqp.Error{Code: amqp.NotAllowed, Reason: fmt.Sprintf("NOT_ALLOWED - attempt to reuse consumer tag '%s'", consumerTag)}
	}

	deliveries := make(chan amqp.Delivery)
	c := &consumer{
		tag:      consumerTag,
		ch:       ch,
		queue:    q,
		prefetch: ch.prefetch,
		autoAck:  autoAck,
		outbox:   newOutbox(deliveries, nil),
	}
	ch.consumers[consumerTag] = c
	q.consumers = append(q.consumers, c)
	q.hadConsumer = true

	b.dispatchLocked(q)
	return deliveries, nil
}

// Cancel stops a consumer and closes its delivery channel
func (ch *Channel) Cancel(consumerTag string, noWait bool) error {
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch.closed {
		return amqp.ErrClosed
	}
	ch.cancelLocked(consumerTag, false)
	return nil
}

// NotifyCancel registers a listener for server initiated consumer cancels
func (ch *Channel) NotifyCancel(c chan string) chan string {
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch.closed {
		close(c)
		return c
	}
	ch.cancelListeners = append(ch.cancelListeners, c)
	return c
}

// NotifyClose registers a listener for the channel closing
func (ch *Channel) NotifyClose(c chan *amqp.Error) chan *amqp.Error {
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch.closed {
		close(c)
		return c
	}
	ch.closeListeners = append(ch.closeListeners, c)
	return c
}

// Confirm puts the channel into confirm mode
func (ch *Channel) Confirm(noWait bool) error {
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch.closed {
		return amqp.ErrClosed
	}
	ch.confirming = true
	return nil
}

// NotifyPublish registers a listener for publisher confirms
func (ch *Channel) NotifyPublish(confirm chan amqp.Confirmation) chan amqp.Confirmation {
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch.closed {
		close(confirm)
		return confirm
	}
	ch.confirms = append(ch.confirms, newOutbox(confirm, func() { b.confirmsTaken.Add(1) }))
	return confirm
}

// PublishWithContext routes a message and, in confirm mode, schedules its
// confirmation according to the broker's ConfirmMode
func (ch *Channel) PublishWithContext(ctx context.Context, exchangeName, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch.closed {
		return amqp.ErrClosed
	}
	if _, ok := b.exchanges[exchangeName]; !ok {
		return ch.failLocked(amqp.NotFound, fmt.Sprintf("NOT_FOUND - no exchange '%s'", exchangeName))
	}

	b.routeLocked(exchangeName, key, msg)

	if ch.confirming {
		ch.publishSeq++
		switch b.confirmMode {
		case ConfirmManual:
			b.pending = append(b.pending, pendingConfirm{ch: ch, tag: ch.publishSeq})
		case ConfirmNack:
			ch.confirmLocked(ch.publishSeq, false)
		default:
			ch.confirmLocked(ch.publishSeq, true)
		}
	}
	return nil
}

// IsClosed reports whether the channel is closed
func (ch *Channel) IsClosed() bool {
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	return ch.closed
}

// Close closes the channel, returning its unacknowledged deliveries to
// their queues
func (ch *Channel) Close() error {
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch.closed {
		return amqp.ErrClosed
	}
	ch.closeLocked(nil)
	return nil
}

// Ack implements amqp.Acknowledger
func (ch *Channel) Ack(tag uint64, multiple bool) error {
	return ch.settle(tag, multiple, OutcomeAck)
}

// Nack implements amqp.Acknowledger
func (ch *Channel) Nack(tag uint64, multiple bool, requeue bool) error {
	if requeue {
		return ch.settle(tag, multiple, OutcomeRequeue)
	}
	return ch.settle(tag, multiple, OutcomeDiscard)
}

// Reject implements amqp.Acknowledger
func (ch *Channel) Reject(tag uint64, requeue bool) error {
	return ch.Nack(tag, false, requeue)
}

func (ch *Channel) settle(tag uint64, multiple bool, outcome Outcome) error {
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch.closed {
		return amqp.ErrClosed
	}

	var tags []uint64
	if multiple {
		for t := range ch.unacked {
			if t <= tag {
				tags = append(tags, t)
			}
		}
	} else if _, ok := ch.unacked[tag]; ok {
		tags = []uint64{tag}
	}
	if len(tags) == 0 {
		b.unknownTags++
		return ch.failLocked(amqp.PreconditionFailed, fmt.Sprintf("PRECONDITION_FAILED - unknown delivery tag %d", tag))
	}

	// highest first so requeued messages keep their order at the head
	sort.Slice(tags, func(i, j int) bool { return tags[i] > tags[j] })

	touched := make(map[*queue]bool)
	for _, t := range tags {
		in := ch.unacked[t]
		delete(ch.unacked, t)
		in.consumer.unacked--
		q := in.queue
		q.stats.Unacked--

		b.settlements = append(b.settlements, Settlement{
			ChannelID:   ch.id,
			DeliveryTag: t,
			Queue:       q.name,
			MessageID:   in.msg.pub.MessageId,
			Outcome:     outcome,
		})

		switch outcome {
		case OutcomeAck:
			q.stats.Acked++
		case OutcomeRequeue:
			q.stats.Requeued++
			in.msg.redelivered = true
			q.ready = append([]*message{in.msg}, q.ready...)
		case OutcomeDiscard:
			b.deadLetterLocked(q, in.msg)
		}
		touched[q] = true
	}

	for q := range touched {
		if b.queues[q.name] == q {
			b.dispatchLocked(q)
		}
	}
	return nil
}

func (ch *Channel) deliverLocked(q *queue, c *consumer, m *message) {
	ch.nextTag++
	tag := ch.nextTag
	m.deliveries++
	q.stats.Delivered++

	pub := m.pub
	d := amqp.Delivery{
		Acknowledger:    ch,
		Headers:         pub.Headers,
		ContentType:     pub.ContentType,
		ContentEncoding: pub.ContentEncoding,
		DeliveryMode:    pub.DeliveryMode,
		Priority:        pub.Priority,
		CorrelationId:   pub.CorrelationId,
		ReplyTo:         pub.ReplyTo,
		Expiration:      pub.Expiration,
		MessageId:       pub.MessageId,
		Timestamp:       pub.Timestamp,
		Type:            pub.Type,
		UserId:          pub.UserId,
		AppId:           pub.AppId,
		ConsumerTag:     c.tag,
		DeliveryTag:     tag,
		Redelivered:     m.redelivered,
		Exchange:        m.exchange,
		RoutingKey:      m.key,
		Body:            pub.Body,
	}

	if c.autoAck {
		q.stats.Acked++
	} else {
		ch.unacked[tag] = &inflight{queue: q, consumer: c, msg: m}
		c.unacked++
		q.stats.Unacked++
		if q.stats.Unacked > q.stats.MaxUnacked {
			q.stats.MaxUnacked = q.stats.Unacked
		}
	}

	c.outbox.push(d)
}

func (ch *Channel) confirmLocked(tag uint64, ack bool) {
	for _, o := range ch.confirms {
		o.push(amqp.Confirmation{DeliveryTag: tag, Ack: ack})
	}
}

// cancelLocked removes a consumer. Its unacked deliveries stay with the
// channel until they are settled or the channel closes.
func (ch *Channel) cancelLocked(tag string, notify bool) {
	c, ok := ch.consumers[tag]
	if !ok {
		return
	}
	delete(ch.consumers, tag)
	c.outbox.close()

	q := c.queue
	for i, qc := range q.consumers {
		if qc == c {
			q.consumers = append(q.consumers[:i], q.consumers[i+1:]...)
			break
		}
	}

	if notify {
		for _, l := range ch.cancelListeners {
			select {
			case l <- tag:
			default:
			}
		}
	}

	b := ch.broker
	if q.autoDelete && q.hadConsumer && len(q.consumers) == 0 && b.queues[q.name] == q {
		b.deleteQueueLocked(q)
	}
}

// failLocked closes the channel with a server error, as the broker does on
// a channel-level exception
func (ch *Channel) failLocked(code int, reason string) *amqp.Error {
	err := &amqp.Error{Code: code, Reason: reason, Server: true}
	ch.closeLocked(err)
	return err
}

func (ch *Channel) closeLocked(err *amqp.Error) {
	if ch.closed {
		return
	}
	ch.closed = true
	b := ch.broker
	delete(b.channels, ch.id)

	tags := make([]string, 0, len(ch.consumers))
	for tag := range ch.consumers {
		tags = append(tags, tag)
	}
	sort.Strings(tags)
	for _, tag := range tags {
		ch.cancelLocked(tag, false)
	}

	unacked := make([]uint64, 0, len(ch.unacked))
	for t := range ch.unacked {
		unacked = append(unacked, t)
	}
	sort.Slice(unacked, func(i, j int) bool { return unacked[i] > unacked[j] })

	touched := make(map[*queue]bool)
	for _, t := range unacked {
		in := ch.unacked[t]
		delete(ch.unacked, t)
		q := in.queue
		q.stats.Unacked--
		in.msg.redelivered = true
		q.ready = append([]*message{in.msg}, q.ready...)
		touched[q] = true
	}
	for q := range touched {
		if b.queues[q.name] == q {
			b.dispatchLocked(q)
		}
	}

	for _, o := range ch.confirms {
		o.close()
	}
	for _, l := range ch.closeListeners {
		if err != nil {
			select {
			case l <- err:
			default:
			}
		}
		close(l)
	}
	for _, l := range ch.cancelListeners {
		close(l)
	}
	ch.closeListeners = nil
	ch.cancelListeners = nil
}

func copyTable(t amqp.Table) amqp.Table {
	if t == nil {
		return nil
	}
	out := amqp.Table{}
	for k, v := range t {
		out[k] = v
	}
	return out
}
