// Package conn owns the device-facing transport: WebSocket sessions, the
// registration handshake, frame codec, and delivery with transport-level
// acknowledgments.
//
// Each session runs independent read/write pumps. The outbound queue is
// bounded; when it fills, sends are rejected as congested rather than
// growing without limit, and the router treats that as a transient
// failure. The manager knows nothing about message semantics beyond the
// frame envelope — QoS and routing policy live in the message package.
package conn
