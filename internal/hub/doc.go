// ABOUTME: Package hub wires the tool catalog, invocation router and connection manager
// ABOUTME: into a single JSON-RPC service reachable over WebSocket

// Package hub is the composition root of toolhub. It owns the
// agent-to-connection bindings, exposes the tools/*, agents/list and
// invocations/recent methods, and serves the health and metrics endpoints
// next to the WebSocket path.
package hub
