// Package catalog holds the hub's in-memory tool registry.
//
// Each tool is owned by exactly one agent. The catalog keeps a name index
// and a per-agent index, rejects duplicate names, and validates invocation
// arguments against the tool's declared input shape:
//
//   - every name in "required" must be present
//   - with "additionalProperties": false, no name outside "properties" and "required" may appear
//
// That check is structural only. Value types are checked when an
// ArgumentValidator is configured; SchemaValidator compiles the full
// inputSchema with santhosh-tekuri/jsonschema.
//
// Registration and removal are reported to an events.Observer as
// tool.registered and tool.unregistered.
package catalog
