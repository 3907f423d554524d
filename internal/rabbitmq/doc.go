// Package rabbitmq wraps amqp091-go for the publishers and consumers in this
// module.
//
// This package includes:
//   - ConnectionManager: owns the broker connection and mints channels on demand
//   - Channel and Connection: the subset of amqp091-go used, so tests can run
//     against the in-memory broker in rabbitmqtest
//   - DeclareExchange, DeclareQueue, BindQueue: idempotent topology declaration
//     with the "unrouted" alternate exchange
//   - Typed errors carrying the failed operation and its cause
//
// Nothing here retries. Callers run setup inside reliability.Retry.
package rabbitmq
