// Package message implements the routing core: message ingestion with
// QoS and priority semantics, the concurrent priority queue, the dispatch
// workers, and the durable message log.
//
// Every message moves through an explicit state machine:
//
//	queued -> routing -> delivered
//	queued -> routing -> failed
//	queued -> expired
//
// Terminal states are final. Status transitions are persisted with a
// compare-and-swap guard so concurrent workers and sweeps can never move
// a message out of a terminal state or dispatch the same message twice.
package message
