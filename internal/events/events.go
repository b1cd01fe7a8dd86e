// ABOUTME: Event and Observer types shared by the connection, catalog and invoke packages
// ABOUTME: Notify delivers an event to an observer with panic isolation

package events

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Type identifies the kind of event.
type Type string

const (
	ConnectionOpened Type = "connection.opened"
	ConnectionClosed Type = "connection.closed"

	ToolRegistered   Type = "tool.registered"
	ToolUnregistered Type = "tool.unregistered"

	InvocationStarted   Type = "invocation.started"
	InvocationCompleted Type = "invocation.completed"
	InvocationFailed    Type = "invocation.failed"
)

// Event is a single observational notification.
type Event struct {
	Type   Type
	Time   time.Time
	Source string
	Data   map[string]any
}

// String returns the value stored under key, or "" if absent or not a string.
func (e Event) String(key string) string {
	s, _ := e.Data[key].(string)
	return s
}

// Duration returns the value stored under key as a time.Duration.
func (e Event) Duration(key string) time.Duration {
	d, _ := e.Data[key].(time.Duration)
	return d
}

// Observer receives events emitted by hub components.
type Observer interface {
	OnEvent(ctx context.Context, event Event)
}

// ObserverFunc adapts a function to the Observer interface.
type ObserverFunc func(ctx context.Context, event Event)

func (f ObserverFunc) OnEvent(ctx context.Context, event Event) { f(ctx, event) }

// New builds an event stamped with the current time.
func New(typ Type, source string, data map[string]any) Event {
	return Event{
		Type:   typ,
		Time:   time.Now(),
		Source: source,
		Data:   data,
	}
}

// Notify delivers event to obs. A nil observer is a no-op. A panic raised by
// the observer is recovered and logged.
func Notify(ctx context.Context, obs Observer, event Event) {
	if obs == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			slog.Default().Error("observer panicked",
				"event", string(event.Type),
				"panic", fmt.Sprint(r),
			)
		}
	}()
	obs.OnEvent(ctx, event)
}
