// ABOUTME: Tests for event delivery, fan-out and panic isolation
// ABOUTME: Uses a buffer-backed slog logger to check SlogObserver output

package events

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) OnEvent(_ context.Context, e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recorder) types() []Type {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Type, len(r.events))
	for i, e := range r.events {
		out[i] = e.Type
	}
	return out
}

func TestNotify_NilObserver(t *testing.T) {
	assert.NotPanics(t, func() {
		Notify(context.Background(), nil, New(ToolRegistered, "test", nil))
	})
}

func TestNotify_RecoversPanic(t *testing.T) {
	panicky := ObserverFunc(func(context.Context, Event) { panic("boom") })
	assert.NotPanics(t, func() {
		Notify(context.Background(), panicky, New(ToolRegistered, "test", nil))
	})
}

func TestMulti_FansOutPastPanickingObserver(t *testing.T) {
	first := &recorder{}
	last := &recorder{}
	panicky := ObserverFunc(func(context.Context, Event) { panic("boom") })

	m := NewMulti(first, nil, panicky, last)
	require.Equal(t, 3, m.Len())

	m.OnEvent(context.Background(), New(InvocationStarted, "invoke", nil))
	m.OnEvent(context.Background(), New(InvocationCompleted, "invoke", nil))

	assert.Equal(t, []Type{InvocationStarted, InvocationCompleted}, first.types())
	assert.Equal(t, []Type{InvocationStarted, InvocationCompleted}, last.types())
}

func TestEvent_Accessors(t *testing.T) {
	e := New(InvocationFailed, "invoke", map[string]any{
		"tool":     "sum",
		"attempts": 3,
	})
	assert.Equal(t, "sum", e.String("tool"))
	assert.Equal(t, "", e.String("attempts"))
	assert.Equal(t, "", e.String("missing"))
	assert.False(t, e.Time.IsZero())
}

func TestSlogObserver_Levels(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelInfo}))
	obs := NewSlogObserver(logger)

	obs.OnEvent(context.Background(), New(InvocationStarted, "invoke", map[string]any{"tool": "sum"}))
	obs.OnEvent(context.Background(), New(InvocationFailed, "invoke", map[string]any{"tool": "sum", "reason": "timeout"}))

	out := buf.String()
	assert.NotContains(t, out, "invocation.started", "started events log at debug")
	require.Contains(t, out, "invocation.failed")
	assert.True(t, strings.Contains(out, "level=WARN"))
	assert.Contains(t, out, "reason=timeout")
	assert.Contains(t, out, "source=invoke")
}
