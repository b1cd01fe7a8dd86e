// Package events carries observational notifications out of the hub's
// core components.
//
// Components emit an Event through an Observer; observers log, count or
// persist them. Observers never influence routing: Notify recovers panics
// raised by an observer so a faulty subscriber cannot break the component
// that emitted the event.
//
// Event types are grouped by component:
//
//	connection.opened, connection.closed
//	tool.registered, tool.unregistered
//	invocation.started, invocation.completed, invocation.failed
package events
