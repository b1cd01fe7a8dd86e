// Package invoke routes tool invocations to the agents that own them.
//
// Invoke resolves the tool in the catalog, validates its arguments, looks up
// the owning agent's connection through the binding table and sends a
// correlated "tools/invoke" request down that connection. The caller blocks
// until one of these happens:
//
//   - the agent's response arrives through HandleResponse
//   - the per-tool or router timeout elapses
//   - the caller's context ends
//   - ClearPending or FailConnection rejects the invocation
//
// Responses are matched strictly by correlation id. Ids whose invocation
// timed out or was abandoned are remembered for a while so a late response
// is recognized and discarded, and so the id cannot be reused.
//
// Every invocation runs in an OpenTelemetry span named "toolhub.invoke" and
// emits invocation.started followed by invocation.completed or
// invocation.failed.
package invoke
