// Package connection accepts and tracks the hub's WebSocket connections.
//
// # Lifecycle
//
// The Manager serves a WebSocket endpoint. When a TokenVerifier is
// configured the upgrade request must carry a valid bearer token; otherwise
// the handshake is refused with 401 before any frame is read. Each accepted
// connection gets a fresh UUID and joins the live set. OnOpen and OnClose
// hooks run exactly once per connection, and connection.opened and
// connection.closed events go to the observer.
//
// # Frames
//
// Every inbound text frame is handed to the Processor in its own goroutine.
// The frame context carries the connection's Info and, when authenticated,
// the auth.AuthContext. A non-nil return value is written back on the same
// connection. Frames beyond the per-connection rate limit get a -32000 error.
//
// # Liveness
//
// A ticker probes every connection. A connection that did not answer the
// previous ping is terminated; the rest are marked unacknowledged and pinged
// again. A silent link is therefore reclaimed within two intervals.
package connection
