// Package rabbitmq provides the RabbitMQ plumbing shared by the peril
// binaries.
//
// This package includes:
//   - Channel, ConfirmChannel and Connection: narrow interfaces over amqp091-go
//     so the messaging layer can run against a real broker or an in-memory one
//   - ConnectionManager: dials the broker with bounded startup retry and reports
//     connection loss; it never reconnects
//   - TopologyManager: declares exchanges, queues and bindings, including the
//     peril dead letter exchange and queue
//   - Typed errors for connection, channel, publish, consumer and topology failures
package rabbitmq
