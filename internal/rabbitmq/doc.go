// Package rabbitmq is the AMQP plumbing behind the RabbitMQ transport.
//
// Every bus topic maps to an exchange of the same name. Consumers of a topic read
// from a queue named after the topic and their consumer group, so instances of one
// service compete for messages while different services each receive a copy:
//
//	search:parsers            exchange (topic kind by default)
//	search:parsers.indexer.d  durable queue of group "indexer"
//	search:parsers.api.t      temporary queue of group "api"
//
// The package provides:
//   - ConnectionManager: owns the connection and reconnects with backoff
//   - ChannelPool: publisher channels in confirm mode
//   - Publisher: confirmed publishing with retries
//   - Consumer: one consuming channel per queue
//   - TopologyManager: exchange, queue and binding declarations
package rabbitmq
