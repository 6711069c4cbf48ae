package messaging

import (
	"fmt"

	"github.com/glimte/peril-go/internal/rabbitmq"
	"github.com/glimte/peril-go/routing"
	amqp "github.com/rabbitmq/amqp091-go"
)

// QueueDurability selects between shared durable queues and per-session
// transient ones
type QueueDurability int

const (
	// Durable queues survive broker restarts
	Durable QueueDurability = iota
	// Transient queues are exclusive and deleted with their consumer
	Transient
)

func (d QueueDurability) String() string {
	switch d {
	case Durable:
		return "durable"
	case Transient:
		return "transient"
	default:
		return fmt.Sprintf("QueueDurability(%d)", int(d))
	}
}

// DeclareAndBind opens a channel, declares queueName with the given
// durability and binds it to exchange under key. The caller owns the
// returned channel. Redeclaring an identical queue succeeds; redeclaring it
// with different parameters returns an error for which
// rabbitmq.IsTopologyConflict is true.
func DeclareAndBind(
	conn rabbitmq.Connection,
	exchange, queueName, key string,
	durability QueueDurability,
	options ...SubscriberOption,
) (rabbitmq.Channel, amqp.Queue, error) {
	if durability != Durable && durability != Transient {
		return nil, amqp.Queue{}, fmt.Errorf("messaging: %v: %w", durability, ErrInvalidTopology)
	}

	cfg := newSubscriberConfig(options)

	ch, err := conn.Channel()
	if err != nil {
		return nil, amqp.Queue{}, err
	}

	q, err := rabbitmq.DeclareQueue(ch, rabbitmq.QueueDeclaration{
		Name:       queueName,
		Durable:    durability == Durable,
		AutoDelete: durability == Transient,
		Exclusive:  durability == Transient,
		Arguments:  cfg.queueArguments(queueName),
	})
	if err != nil {
		_ = ch.Close()
		return nil, amqp.Queue{}, err
	}

	err = rabbitmq.BindQueue(ch, rabbitmq.Binding{
		Queue:      q.Name,
		Exchange:   exchange,
		RoutingKey: key,
	})
	if err != nil {
		_ = ch.Close()
		return nil, amqp.Queue{}, err
	}

	return ch, q, nil
}

// queueArguments attaches the dead letter exchange unless the queue is
// terminal or the caller opted out
func (c *subscriberConfig) queueArguments(queueName string) amqp.Table {
	if c.noDeadLetter || c.deadLetterExchange == "" || !routing.HasDeadLetter(queueName) {
		return nil
	}
	return rabbitmq.DeadLetterArguments(c.deadLetterExchange)
}
