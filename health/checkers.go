package health

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/glimte/peril-go/internal/rabbitmq"
	"github.com/glimte/peril-go/routing"
	amqp "github.com/rabbitmq/amqp091-go"
)

// BrokerConnection is what RabbitMQChecker needs from a connection
type BrokerConnection interface {
	rabbitmq.Connection
	IsConnected() bool
}

// RabbitMQChecker checks RabbitMQ connection health and that the game's
// topic exchange is declared
type RabbitMQChecker struct {
	conn     BrokerConnection
	topology *rabbitmq.TopologyManager
	exchange string
	logger   *slog.Logger
}

// NewRabbitMQChecker creates a new RabbitMQ health checker
func NewRabbitMQChecker(conn BrokerConnection, logger *slog.Logger) *RabbitMQChecker {
	if logger == nil {
		logger = slog.Default()
	}
	return &RabbitMQChecker{
		conn:     conn,
		topology: rabbitmq.NewTopologyManager(conn, rabbitmq.WithTopologyLogger(logger)),
		exchange: routing.ExchangePerilTopic,
		logger:   logger,
	}
}

func (c *RabbitMQChecker) Name() string {
	return "rabbitmq"
}

func (c *RabbitMQChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details:   make(map[string]interface{}),
	}

	if !c.conn.IsConnected() {
		result.Status = StatusUnhealthy
		result.Message = "Connection is closed"
		result.Duration = time.Since(start)
		return result
	}

	err := c.topology.CheckExchange(ctx, c.exchange, amqp.ExchangeTopic)
	var topoErr *rabbitmq.TopologyError
	switch {
	case err == nil:
		result.Status = StatusHealthy
		result.Message = "Connection is healthy"
	case errors.As(err, &topoErr):
		result.Status = StatusDegraded
		result.Message = "Exchange check failed"
		result.Error = err.Error()
	default:
		result.Status = StatusUnhealthy
		result.Message = "Failed to create channel"
		result.Error = err.Error()
	}
	if err != nil {
		c.logger.Warn("health check failed", "check", c.Name(), "exchange", c.exchange, "error", err)
	}

	result.Duration = time.Since(start)
	result.Details["exchange"] = c.exchange
	result.Details["response_time_ms"] = result.Duration.Milliseconds()

	return result
}

// ComponentChecker allows checking custom components
type ComponentChecker struct {
	name    string
	checker func(ctx context.Context) (Status, string, map[string]interface{}, error)
}

// NewComponentChecker creates a checker for custom components
func NewComponentChecker(name string, checker func(ctx context.Context) (Status, string, map[string]interface{}, error)) *ComponentChecker {
	return &ComponentChecker{
		name:    name,
		checker: checker,
	}
}

func (c *ComponentChecker) Name() string {
	return c.name
}

func (c *ComponentChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details:   make(map[string]interface{}),
	}

	status, message, details, err := c.checker(ctx)

	result.Status = status
	result.Message = message
	if details != nil {
		result.Details = details
	}
	if err != nil {
		result.Error = err.Error()
	}
	result.Duration = time.Since(start)

	return result
}
