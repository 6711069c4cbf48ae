package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/glimte/peril-go/routing"
	amqp "github.com/rabbitmq/amqp091-go"
)

// TopologyManager manages RabbitMQ topology (exchanges, queues, bindings)
type TopologyManager struct {
	conn   Connection
	logger *slog.Logger
}

// TopologyOption configures the TopologyManager
type TopologyOption func(*TopologyManager)

// WithTopologyLogger sets the logger
func WithTopologyLogger(logger *slog.Logger) TopologyOption {
	return func(tm *TopologyManager) {
		tm.logger = logger
	}
}

// ExchangeDeclaration defines an exchange to be declared
type ExchangeDeclaration struct {
	Name       string
	Type       string
	Durable    bool
	AutoDelete bool
	Arguments  amqp.Table
}

// QueueDeclaration defines a queue to be declared
type QueueDeclaration struct {
	Name       string
	Durable    bool
	AutoDelete bool
	Exclusive  bool
	Arguments  amqp.Table
}

// Binding defines a queue-to-exchange binding
type Binding struct {
	Queue      string
	Exchange   string
	RoutingKey string
	Arguments  amqp.Table
}

// Topology represents the complete messaging topology
type Topology struct {
	Exchanges []ExchangeDeclaration
	Queues    []QueueDeclaration
	Bindings  []Binding
}

// NewTopologyManager creates a new topology manager
func NewTopologyManager(conn Connection, options ...TopologyOption) *TopologyManager {
	tm := &TopologyManager{
		conn:   conn,
		logger: slog.Default(),
	}

	for _, opt := range options {
		opt(tm)
	}

	return tm
}

// DeclareTopology declares the complete topology on a dedicated channel
func (tm *TopologyManager) DeclareTopology(ctx context.Context, topology Topology) error {
	ch, err := tm.conn.Channel()
	if err != nil {
		return err
	}
	defer ch.Close()

	for _, exchange := range topology.Exchanges {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := DeclareExchange(ch, exchange); err != nil {
			return err
		}
	}

	for _, queue := range topology.Queues {
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, err := DeclareQueue(ch, queue); err != nil {
			return err
		}
	}

	for _, binding := range topology.Bindings {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := BindQueue(ch, binding); err != nil {
			return err
		}
	}

	tm.logger.Debug("topology declared",
		"exchanges", len(topology.Exchanges),
		"queues", len(topology.Queues),
		"bindings", len(topology.Bindings))

	return nil
}

// CheckExchange passively declares an exchange to verify it exists. A
// failed passive declare closes the channel, so it gets its own.
func (tm *TopologyManager) CheckExchange(ctx context.Context, name, kind string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	ch, err := tm.conn.Channel()
	if err != nil {
		return err
	}
	defer ch.Close()

	if err := ch.ExchangeDeclarePassive(name, kind, true, false, false, false, nil); err != nil {
		return &TopologyError{
			Component: "exchange",
			Name:      name,
			Op:        "inspect",
			Err:       err,
			Timestamp: time.Now(),
		}
	}
	return nil
}

// DeclareExchange declares an exchange on the given channel
func DeclareExchange(ch Channel, exchange ExchangeDeclaration) error {
	err := ch.ExchangeDeclare(
		exchange.Name,
		exchange.Type,
		exchange.Durable,
		exchange.AutoDelete,
		false, // internal
		false, // no-wait
		exchange.Arguments,
	)
	if err != nil {
		return topologyError("exchange", exchange.Name, "declare", err)
	}
	return nil
}

// DeclareQueue declares a queue on the given channel
func DeclareQueue(ch Channel, queue QueueDeclaration) (amqp.Queue, error) {
	if queue.Name == "" {
		return amqp.Queue{}, topologyError("queue", queue.Name, "declare",
			fmt.Errorf("%w: queue name is required", ErrInvalidTopology))
	}

	q, err := ch.QueueDeclare(
		queue.Name,
		queue.Durable,
		queue.AutoDelete,
		queue.Exclusive,
		false, // no-wait
		queue.Arguments,
	)
	if err != nil {
		return amqp.Queue{}, topologyError("queue", queue.Name, "declare", err)
	}
	return q, nil
}

// BindQueue binds a queue to an exchange on the given channel
func BindQueue(ch Channel, binding Binding) error {
	err := ch.QueueBind(
		binding.Queue,
		binding.RoutingKey,
		binding.Exchange,
		false, // no-wait
		binding.Arguments,
	)
	if err != nil {
		return topologyError("binding", binding.Queue+"->"+binding.Exchange, "bind", err)
	}
	return nil
}

func topologyError(component, name, op string, err error) *TopologyError {
	var amqpErr *amqp.Error
	if errors.As(err, &amqpErr) && amqpErr.Code == amqp.PreconditionFailed {
		err = fmt.Errorf("%w: %w", ErrTopologyConflict, err)
	}
	return &TopologyError{
		Component: component,
		Name:      name,
		Op:        op,
		Err:       err,
		Timestamp: time.Now(),
	}
}

// DeadLetterArguments returns the queue arguments routing rejected
// messages to the given exchange
func DeadLetterArguments(exchange string) amqp.Table {
	return amqp.Table{
		"x-dead-letter-exchange": exchange,
	}
}

// PerilTopology returns the exchanges and dead letter queue both peril
// binaries expect to exist
func PerilTopology() Topology {
	return Topology{
		Exchanges: []ExchangeDeclaration{
			{
				Name:    routing.ExchangePerilDirect,
				Type:    amqp.ExchangeDirect,
				Durable: true,
			},
			{
				Name:    routing.ExchangePerilTopic,
				Type:    amqp.ExchangeTopic,
				Durable: true,
			},
			{
				Name:    routing.ExchangePerilDeadLetter,
				Type:    amqp.ExchangeFanout,
				Durable: true,
			},
		},
		Queues: []QueueDeclaration{
			{
				Name:    routing.DeadLetterQueue,
				Durable: true,
			},
		},
		Bindings: []Binding{
			{
				Queue:      routing.DeadLetterQueue,
				Exchange:   routing.ExchangePerilDeadLetter,
				RoutingKey: "",
			},
		},
	}
}
