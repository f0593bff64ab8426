// Package contracts provides the wire-level data model of the message bus.
//
// Every message that travels between services is a Message:
//   - Topics: where the message goes to and where responses are expected
//   - MetaMessage: creation/publishing timestamps, TTL and sender details
//   - Acknowledge: optional control block sent by responders
//   - Payload: optional raw payload; a message without payload is a pure acknowledgement
//
// The types are serializable with both the JSON and the msgpack codecs from the
// serialization package.
package contracts
