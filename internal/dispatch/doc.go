// Package dispatch queues plan identifiers and runs them on a pool of
// workers. Queues are backed by an in-memory channel, a Redis list or a
// RabbitMQ queue.
package dispatch
