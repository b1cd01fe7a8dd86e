// Package protocol implements the hub's JSON-RPC 2.0 framing and dispatch.
//
// # Frames
//
// Every WebSocket text frame is one JSON object:
//
//	{"jsonrpc":"2.0","id":"1","method":"tools/list","params":{}}   request
//	{"jsonrpc":"2.0","method":"ping"}                              notification
//	{"jsonrpc":"2.0","id":"1","result":{...}}                      response
//	{"jsonrpc":"2.0","id":"1","error":{"code":-32603,...}}         error response
//
// # Dispatcher
//
// The Dispatcher is stateless with respect to connections. ProcessMessage
// parses one frame and returns the reply frame, or nil when no reply is due:
//
//   - requests run the registered handler and reply with its result
//   - notifications run the handler and never reply
//   - response-shaped frames (id, no method) go to the single response handler
//
// Per-connection identity travels in the context passed to ProcessMessage.
package protocol
