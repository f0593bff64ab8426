// Package messaging implements request/response collection on top of a
// publish/subscribe broker.
//
// A Requester publishes a request on a namespace and collects what responders
// send back on its private response topic:
//   - Collector: per-request state machine that counts acks and responses,
//     renegotiates the remaining responses and timeout, and ends exactly once
//   - CollectorManager: routes responses of one response topic to collectors
//     by correlation id and releases the subscription after the last one
//   - TimeoutManager: response and ack timers on a timing wheel
//   - ChannelManager: producers and consumers per topic, shared by the bus
//   - ResponderServer: consumes requests and hands out a Responder for acks
//     and responses
//
// Example usage:
//
//	bus, _ := messaging.NewBus(transport, timeouts, pool,
//		messaging.WithServiceDetails(contracts.NewServiceDetails("search", "1.0.0", "")))
//
//	options, _ := messaging.NewRequestOptions(
//		messaging.WithWaitForResponses(1),
//		messaging.WithResponseTimeout(3*time.Second),
//	)
//	requester, _ := messaging.NewRequester[SearchResult](bus, "search:parsers", options)
//	result, err := requester.Request(ctx, SearchQuery{Text: "go"})
//
// Responses for a request may arrive from several responders. An ack can
// announce how many responses a responder still intends to send and how long
// it needs; the collector waits for the larger of the global count and the
// sum announced by responders, and only ever extends its timeout.
package messaging
