// Package rabbitmqtest provides an in-memory broker that speaks the channel
// interfaces of internal/rabbitmq. It implements enough AMQP 0-9-1 behavior
// for dispatch tests: direct, topic and fanout routing, per-consumer
// prefetch, ack/nack/requeue, dead-lettering with x-death headers and
// publisher confirms that can be held back and released by the test.
package rabbitmqtest

import (
	"fmt"
	"reflect"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/glimte/peril-go/internal/rabbitmq"
	amqp "github.com/rabbitmq/amqp091-go"
)

// ConfirmMode controls how the broker answers publishes on confirm channels
type ConfirmMode int

const (
	// ConfirmAuto acks every publish immediately
	ConfirmAuto ConfirmMode = iota
	// ConfirmManual holds confirmations until ReleaseConfirms
	ConfirmManual
	// ConfirmNack nacks every publish immediately
	ConfirmNack
)

// Outcome of a settled delivery
type Outcome string

const (
	OutcomeAck     Outcome = "ack"
	OutcomeRequeue Outcome = "requeue"
	OutcomeDiscard Outcome = "discard"
)

// Settlement records one ack or nack the broker accepted
type Settlement struct {
	ChannelID   int
	DeliveryTag uint64
	Queue       string
	MessageID   string
	Outcome     Outcome
}

// Message is a message sitting ready in a queue
type Message struct {
	Publishing  amqp.Publishing
	Exchange    string
	RoutingKey  string
	Redelivered bool
	Deliveries  int
}

// QueueStats is a snapshot of a queue
type QueueStats struct {
	Name         string
	Durable      bool
	AutoDelete   bool
	Exclusive    bool
	Arguments    amqp.Table
	Ready        int
	Unacked      int
	MaxUnacked   int
	Consumers    int
	Delivered    int
	Acked        int
	Requeued     int
	DeadLettered int
	Dropped      int
}

type exchange struct {
	name     string
	kind     string
	durable  bool
	bindings []binding
}

type binding struct {
	queue string
	key   string
}

type queue struct {
	name        string
	durable     bool
	autoDelete  bool
	exclusive   bool
	args        amqp.Table
	ready       []*message
	consumers   []*consumer
	rr          int
	hadConsumer bool
	stats       QueueStats
}

type message struct {
	pub         amqp.Publishing
	exchange    string
	key         string
	redelivered bool
	deliveries  int
}

// Broker is an in-memory AMQP broker. It also acts as the single connection
// to itself, so it satisfies rabbitmq.Connection.
type Broker struct {
	mu             sync.Mutex
	exchanges      map[string]*exchange
	queues         map[string]*queue
	channels       map[int]*Channel
	nextChannelID  int
	channelsOpened int
	closed         bool
	confirmMode    ConfirmMode
	pending        []pendingConfirm
	settlements    []Settlement
	unknownTags    int
	published      int
	confirmsTaken  atomic.Int64
}

type pendingConfirm struct {
	ch  *Channel
	tag uint64
}

var _ rabbitmq.Connection = (*Broker)(nil)

// NewBroker creates an empty broker with the default exchange
func NewBroker() *Broker {
	return &Broker{
		exchanges: map[string]*exchange{
			"": {name: "", kind: amqp.ExchangeDirect, durable: true},
		},
		queues:   make(map[string]*queue),
		channels: make(map[int]*Channel),
	}
}

// Channel opens a new channel
func (b *Broker) Channel() (rabbitmq.Channel, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, amqp.ErrClosed
	}

	b.nextChannelID++
	b.channelsOpened++
	ch := &Channel{
		broker:    b,
		id:        b.nextChannelID,
		unacked:   make(map[uint64]*inflight),
		consumers: make(map[string]*consumer),
	}
	b.channels[ch.id] = ch
	return ch, nil
}

// SetConfirmMode changes how future publishes are confirmed
func (b *Broker) SetConfirmMode(mode ConfirmMode) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.confirmMode = mode
}

// PendingConfirms returns the number of confirmations held back
func (b *Broker) PendingConfirms() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

// ReleaseConfirms sends every held confirmation as an ack or a nack
func (b *Broker) ReleaseConfirms(ack bool) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := 0
	for _, p := range b.pending {
		if p.ch.closed {
			continue
		}
		p.ch.confirmLocked(p.tag, ack)
		n++
	}
	b.pending = nil
	return n
}

// Publish routes a message as if it had been published on a channel without
// confirms. It lets tests inject raw payloads.
func (b *Broker) Publish(exchangeName, key string, msg amqp.Publishing) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return amqp.ErrClosed
	}
	if _, ok := b.exchanges[exchangeName]; !ok {
		return &amqp.Error{Code: amqp.NotFound, Reason: fmt.Sprintf("NOT_FOUND - no exchange '%s'", exchangeName)}
	}
	b.routeLocked(exchangeName, key, msg)
	return nil
}

// Queue returns a snapshot of the named queue
func (b *Broker) Queue(name string) (QueueStats, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	q, ok := b.queues[name]
	if !ok {
		return QueueStats{}, false
	}
	return q.snapshot(), true
}

// Messages returns copies of the ready messages in a queue
func (b *Broker) Messages(name string) []Message {
	b.mu.Lock()
	defer b.mu.Unlock()

	q, ok := b.queues[name]
	if !ok {
		return nil
	}
	msgs := make([]Message, 0, len(q.ready))
	for _, m := range q.ready {
		msgs = append(msgs, Message{
			Publishing:  m.pub,
			Exchange:    m.exchange,
			RoutingKey:  m.key,
			Redelivered: m.redelivered,
			Deliveries:  m.deliveries,
		})
	}
	return msgs
}

// QueueNames returns the declared queue names in sorted order
func (b *Broker) QueueNames() []string {
	b.mu.Lock()
	defer b.mu.Unlock()

	names := make([]string, 0, len(b.queues))
	for name := range b.queues {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ExchangeKind returns the kind of a declared exchange
func (b *Broker) ExchangeKind(name string) (string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ex, ok := b.exchanges[name]
	if !ok {
		return "", false
	}
	return ex.kind, true
}

// Settlements returns every settlement accepted so far
func (b *Broker) Settlements() []Settlement {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Settlement(nil), b.settlements...)
}

// UnknownTagErrors counts settlements for tags that were not outstanding,
// such as a second ack of the same delivery
func (b *Broker) UnknownTagErrors() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.unknownTags
}

// OpenChannels returns the number of channels currently open
func (b *Broker) OpenChannels() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.channels)
}

// ChannelsOpened returns the number of channels ever opened
func (b *Broker) ChannelsOpened() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.channelsOpened
}

// ConfirmsTaken returns how many confirmations were handed to NotifyPublish
// listener channels. One that does not fit an unread channel stays queued
// and is not counted.
func (b *Broker) ConfirmsTaken() int {
	return int(b.confirmsTaken.Load())
}

// Published returns the number of messages routed so far
func (b *Broker) Published() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.published
}

// DeleteQueue removes a queue and cancels its consumers, notifying their
// channels' NotifyCancel listeners
func (b *Broker) DeleteQueue(name string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	q, ok := b.queues[name]
	if !ok {
		return
	}
	for _, c := range append([]*consumer(nil), q.consumers...) {
		c.ch.cancelLocked(c.tag, true)
	}
	b.deleteQueueLocked(q)
}

// IsConnected reports whether the broker is still open
func (b *Broker) IsConnected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return !b.closed
}

// Close shuts the connection down gracefully
func (b *Broker) Close() error {
	return b.shutdown(nil)
}

// Drop simulates the broker closing the connection with an error
func (b *Broker) Drop(err *amqp.Error) {
	if err == nil {
		err = &amqp.Error{Code: amqp.ConnectionForced, Reason: "CONNECTION_FORCED - broker forced connection closure", Server: true}
	}
	_ = b.shutdown(err)
}

func (b *Broker) shutdown(err *amqp.Error) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return amqp.ErrClosed
	}
	b.closed = true

	ids := make([]int, 0, len(b.channels))
	for id := range b.channels {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	for _, id := range ids {
		b.channels[id].closeLocked(err)
	}

	for _, q := range b.queues {
		if q.exclusive {
			b.deleteQueueLocked(q)
		}
	}
	return nil
}

func (b *Broker) deleteQueueLocked(q *queue) {
	delete(b.queues, q.name)
	for _, ex := range b.exchanges {
		kept := ex.bindings[:0]
		for _, bd := range ex.bindings {
			if bd.queue != q.name {
				kept = append(kept, bd)
			}
		}
		ex.bindings = kept
	}
}

// routeLocked delivers a publishing to every matching queue
func (b *Broker) routeLocked(exchangeName, key string, pub amqp.Publishing) {
	b.published++

	targets := b.matchLocked(exchangeName, key)
	for _, name := range targets {
		q := b.queues[name]
		q.ready = append(q.ready, &message{
			pub:      clonePublishing(pub),
			exchange: exchangeName,
			key:      key,
		})
		b.dispatchLocked(q)
	}
}

func (b *Broker) matchLocked(exchangeName, key string) []string {
	if exchangeName == "" {
		if _, ok := b.queues[key]; ok {
			return []string{key}
		}
		return nil
	}

	ex := b.exchanges[exchangeName]
	seen := make(map[string]bool)
	var targets []string
	for _, bd := range ex.bindings {
		if seen[bd.queue] {
			continue
		}
		var match bool
		switch ex.kind {
		case amqp.ExchangeFanout:
			match = true
		case amqp.ExchangeTopic:
			match = topicMatch(bd.key, key)
		default:
			match = bd.key == key
		}
		if match {
			if _, ok := b.queues[bd.queue]; ok {
				seen[bd.queue] = true
				targets = append(targets, bd.queue)
			}
		}
	}
	return targets
}

// dispatchLocked hands ready messages to consumers with spare prefetch
func (b *Broker) dispatchLocked(q *queue) {
	for len(q.ready) > 0 && len(q.consumers) > 0 {
		var target *consumer
		for i := 0; i < len(q.consumers); i++ {
			idx := (q.rr + i) % len(q.consumers)
			if c := q.consumers[idx]; c.hasCapacity() {
				target = c
				q.rr = idx + 1
				break
			}
		}
		if target == nil {
			return
		}

		m := q.ready[0]
		q.ready = q.ready[1:]
		target.ch.deliverLocked(q, target, m)
	}
}

// deadLetterLocked routes a rejected message to the queue's dead letter
// exchange, or drops it when none is configured
func (b *Broker) deadLetterLocked(q *queue, m *message) {
	dlx, ok := q.args["x-dead-letter-exchange"].(string)
	if !ok {
		q.stats.Dropped++
		return
	}
	if _, exists := b.exchanges[dlx]; !exists {
		q.stats.Dropped++
		return
	}

	key := m.key
	if k, ok := q.args["x-dead-letter-routing-key"].(string); ok {
		key = k
	}

	pub := clonePublishing(m.pub)
	pub.Headers = withDeath(pub.Headers, q.name, m.exchange, m.key)
	q.stats.DeadLettered++
	b.routeLocked(dlx, key, pub)
}

func withDeath(headers amqp.Table, queueName, exchangeName, key string) amqp.Table {
	out := amqp.Table{}
	for k, v := range headers {
		out[k] = v
	}

	deaths, _ := out["x-death"].([]interface{})
	for _, d := range deaths {
		if death, ok := d.(amqp.Table); ok && death["queue"] == queueName && death["reason"] == "rejected" {
			count, _ := death["count"].(int64)
			death["count"] = count + 1
			return out
		}
	}

	entry := amqp.Table{
		"count":        int64(1),
		"reason":       "rejected",
		"queue":        queueName,
		"exchange":     exchangeName,
		"routing-keys": []interface{}{key},
		"time":         time.Now().UTC().Truncate(time.Second),
	}
	out["x-death"] = append([]interface{}{entry}, deaths...)

	if _, ok := out["x-first-death-queue"]; !ok {
		out["x-first-death-queue"] = queueName
		out["x-first-death-reason"] = "rejected"
		out["x-first-death-exchange"] = exchangeName
	}
	return out
}

func clonePublishing(pub amqp.Publishing) amqp.Publishing {
	out := pub
	out.Body = append([]byte(nil), pub.Body...)
	if pub.Headers != nil {
		out.Headers = amqp.Table{}
		for k, v := range pub.Headers {
			out.Headers[k] = v
		}
	}
	return out
}

func (q *queue) snapshot() QueueStats {
	s := q.stats
	s.Name = q.name
	s.Durable = q.durable
	s.AutoDelete = q.autoDelete
	s.Exclusive = q.exclusive
	s.Arguments = q.args
	s.Ready = len(q.ready)
	s.Consumers = len(q.consumers)
	return s
}

func argsEqual(a, b amqp.Table) bool {
	if len(a) == 0 && len(b) == 0 {
		return true
	}
	return reflect.DeepEqual(a, b)
}
