// Package routing holds the fixed naming scheme shared by every Peril
// publisher and subscriber: exchange names, routing key prefixes and the
// queue names derived from them.
package routing

import "strings"

// Routing key prefixes
const (
	PauseKey              = "pause"
	ArmyMovesPrefix       = "move"
	WarRecognitionsPrefix = "war"
	GameLogSlug           = "game_logs"
)

// Exchanges
const (
	ExchangePerilDirect     = "peril_direct"
	ExchangePerilTopic      = "peril_topic"
	ExchangePerilDeadLetter = "peril_dlx"
)

// DeadLetterQueue receives everything routed through ExchangePerilDeadLetter.
const DeadLetterQueue = "peril_dlq"

// Wildcard matches exactly one word of a topic routing key.
const Wildcard = "*"

// Key joins routing key segments with the AMQP word separator.
func Key(parts ...string) string {
	return strings.Join(parts, ".")
}

// PauseRoutingKey is the direct key for one player's pause control queue.
func PauseRoutingKey(username string) string {
	return Key(PauseKey, username)
}

// PauseQueue names the transient per-player pause queue.
func PauseQueue(username string) string {
	return PauseRoutingKey(username)
}

// ArmyMoveRoutingKey is the key a player publishes its own moves under.
func ArmyMoveRoutingKey(username string) string {
	return Key(ArmyMovesPrefix, username)
}

// ArmyMovesBindingKey matches every player's moves.
func ArmyMovesBindingKey() string {
	return Key(ArmyMovesPrefix, Wildcard)
}

// ArmyMovesQueue names the transient per-player move queue.
func ArmyMovesQueue(username string) string {
	return ArmyMoveRoutingKey(username)
}

// WarRoutingKey is the key a war recognition is published under. The
// defender's name is used so the durable queue can be inspected per victim.
func WarRoutingKey(defender string) string {
	return Key(WarRecognitionsPrefix, defender)
}

// WarBindingKey matches all war recognitions.
func WarBindingKey() string {
	return Key(WarRecognitionsPrefix, Wildcard)
}

// WarQueue is the durable queue shared by every client.
func WarQueue() string {
	return WarRecognitionsPrefix
}

// GameLogRoutingKey is the key a player's log entries are published under.
func GameLogRoutingKey(username string) string {
	return Key(GameLogSlug, username)
}

// GameLogBindingKey matches every player's log entries.
func GameLogBindingKey() string {
	return Key(GameLogSlug, Wildcard)
}

// GameLogQueue is the durable log aggregation queue consumed by the server.
func GameLogQueue() string {
	return GameLogSlug
}

// HasDeadLetter reports whether discarded deliveries from queueName should be
// redirected to ExchangePerilDeadLetter. The log aggregation queue and the
// dead letter queue itself are terminal.
func HasDeadLetter(queueName string) bool {
	return queueName != GameLogQueue() && queueName != DeadLetterQueue
}
