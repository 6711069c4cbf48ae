package reliability

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/glimte/peril-go/serialization"
	amqp "github.com/rabbitmq/amqp091-go"
)

// DeadLetter describes why and from where a delivery was dead-lettered
type DeadLetter struct {
	MessageID        string
	OriginalQueue    string
	OriginalExchange string
	RoutingKeys      []string
	Reason           string
	Count            int
	DiedAt           time.Time
	ContentType      string
	Codec            string
	Size             int
}

// DLQInspector reads dead-lettered deliveries and keeps per-queue counts
type DLQInspector struct {
	logger      *slog.Logger
	registry    *serialization.Registry
	queueCodecs map[string]string
	mu          sync.Mutex
	counts      map[string]int
}

// DLQOption configures the DLQ inspector
type DLQOption func(*DLQInspector)

// WithDLQLogger sets the logger
func WithDLQLogger(logger *slog.Logger) DLQOption {
	return func(i *DLQInspector) {
		i.logger = logger
	}
}

// WithQueueCodec names the codec of unlabeled payloads that died in queue
func WithQueueCodec(queue string, codec serialization.Codec) DLQOption {
	return func(i *DLQInspector) {
		i.queueCodecs[queue] = codec.Name()
	}
}

// NewDLQInspector creates a new DLQ inspector
func NewDLQInspector(options ...DLQOption) *DLQInspector {
	i := &DLQInspector{
		logger:      slog.Default(),
		registry:    serialization.Default(),
		queueCodecs: make(map[string]string),
		counts:      make(map[string]int),
	}

	for _, opt := range options {
		opt(i)
	}

	return i
}

// Inspect extracts dead letter metadata from a delivery without settling it
func (i *DLQInspector) Inspect(msg amqp.Delivery) DeadLetter {
	dl := DeadLetter{
		MessageID:        msg.MessageId,
		OriginalQueue:    getHeaderString(msg.Headers, "x-first-death-queue"),
		OriginalExchange: getHeaderString(msg.Headers, "x-first-death-exchange"),
		Reason:           getHeaderString(msg.Headers, "x-first-death-reason"),
		ContentType:      msg.ContentType,
		Size:             len(msg.Body),
	}

	if xDeath, ok := msg.Headers["x-death"].([]interface{}); ok && len(xDeath) > 0 {
		if death, ok := xDeath[0].(amqp.Table); ok {
			if queue := getHeaderString(death, "queue"); queue != "" {
				dl.OriginalQueue = queue
			}
			if exchange := getHeaderString(death, "exchange"); exchange != "" {
				dl.OriginalExchange = exchange
			}
			if reason := getHeaderString(death, "reason"); reason != "" {
				dl.Reason = reason
			}
			dl.Count = getHeaderInt(death, "count")
			if t, ok := death["time"].(time.Time); ok {
				dl.DiedAt = t
			}
			if keys, ok := death["routing-keys"].([]interface{}); ok {
				for _, k := range keys {
					if s, ok := k.(string); ok {
						dl.RoutingKeys = append(dl.RoutingKeys, s)
					}
				}
			}
		}
	}

	if codec, err := i.registry.ForContentType(msg.ContentType); err == nil {
		dl.Codec = codec.Name()
	} else if msg.ContentType == "" {
		dl.Codec = i.queueCodecs[dl.OriginalQueue]
	}

	return dl
}

// Record inspects a delivery, logs it and counts it against its origin queue
func (i *DLQInspector) Record(msg amqp.Delivery) DeadLetter {
	dl := i.Inspect(msg)

	origin := dl.OriginalQueue
	if origin == "" {
		origin = "unknown"
	}
	i.mu.Lock()
	i.counts[origin]++
	i.mu.Unlock()

	i.logger.Warn("dead letter received",
		"messageId", dl.MessageID,
		"originalQueue", dl.OriginalQueue,
		"originalExchange", dl.OriginalExchange,
		"routingKeys", dl.RoutingKeys,
		"reason", dl.Reason,
		"deathCount", dl.Count,
		"codec", dl.Codec,
		"size", dl.Size,
	)

	return dl
}

// Counts returns the number of dead letters seen per origin queue
func (i *DLQInspector) Counts() map[string]int {
	i.mu.Lock()
	defer i.mu.Unlock()

	counts := make(map[string]int, len(i.counts))
	for q, n := range i.counts {
		counts[q] = n
	}
	return counts
}

// Queues returns the origin queues seen so far in sorted order
func (i *DLQInspector) Queues() []string {
	counts := i.Counts()
	queues := make([]string, 0, len(counts))
	for q := range counts {
		queues = append(queues, q)
	}
	sort.Strings(queues)
	return queues
}

func getHeaderString(headers amqp.Table, key string) string {
	if headers == nil {
		return ""
	}
	if val, ok := headers[key].(string); ok {
		return val
	}
	return ""
}

func getHeaderInt(headers amqp.Table, key string) int {
	if headers == nil {
		return 0
	}
	switch val := headers[key].(type) {
	case int:
		return val
	case int32:
		return int(val)
	case int64:
		return int(val)
	case float64:
		return int(val)
	}
	return 0
}
