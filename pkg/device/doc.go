// Package device defines the input/output device contracts that concrete
// transports (filesystem queues, Kafka, RabbitMQ, SQS, Pub/Sub, Service Bus,
// NATS, ...) implement.
//
// An InputDevice reads Messages under an optional transaction: the caller
// commits the transaction once the message is fully processed, or rolls it
// back to make it available again. An OutputDevice sends Messages. Managers
// construct devices by name and own their lifecycle; devices hold a
// non-owning reference back to their manager (see DESIGN.md for why the
// Python original's mutual ownership was flattened this way).
//
// Concrete adapters live in pkg/device/adapters/<driver>, each isolated in
// its own sub-package so callers only import the SDK they actually use.
package device
