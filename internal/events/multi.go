// ABOUTME: Fan-out observer that forwards each event to every registered observer
// ABOUTME: Each delivery is isolated so one failing observer does not starve the rest

package events

import "context"

// Multi fans events out to several observers.
type Multi struct {
	observers []Observer
}

// NewMulti returns a Multi over the non-nil observers given.
func NewMulti(observers ...Observer) *Multi {
	filtered := make([]Observer, 0, len(observers))
	for _, obs := range observers {
		if obs != nil {
			filtered = append(filtered, obs)
		}
	}
	return &Multi{observers: filtered}
}

// Len returns the number of observers.
func (m *Multi) Len() int {
	return len(m.observers)
}

func (m *Multi) OnEvent(ctx context.Context, event Event) {
	for _, obs := range m.observers {
		Notify(ctx, obs, event)
	}
}
