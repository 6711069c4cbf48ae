package messaging

import "github.com/glimte/peril-go/internal/rabbitmq"

var (
	// ErrNackedByBroker is returned when the broker rejects a publish
	ErrNackedByBroker = rabbitmq.ErrNackedByBroker
	// ErrChannelClosed is returned when the channel closes before a confirm arrives
	ErrChannelClosed = rabbitmq.ErrChannelClosed
	// ErrPublishTimeout is returned when the confirm wait is cut short
	ErrPublishTimeout = rabbitmq.ErrPublishTimeout
	// ErrInvalidTopology is returned for unusable queue parameters
	ErrInvalidTopology = rabbitmq.ErrInvalidTopology
)

// PublishError describes a failed publish
type PublishError = rabbitmq.PublishError
