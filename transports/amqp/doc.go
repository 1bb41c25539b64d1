// Package amqp adapts the messaging.Transport interface onto a
// RabbitMQ broker. It exists for deployments where agent processes do
// not share a host with the router: same envelope shape, same task
// correlation layer, different wire.
package amqp
