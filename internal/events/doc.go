// Package events batches verification events and fans them out to sinks
// (structured logs, Pub/Sub, in-memory). Emit never blocks the request path:
// when the buffer is full the event is dropped and a rate-limited warning is
// logged.
package events
