// ABOUTME: Observer that writes events to a slog.Logger
// ABOUTME: Failed invocations log at warn, everything else at debug or info

package events

import (
	"context"
	"log/slog"
	"sort"
)

// SlogObserver logs every event it receives.
type SlogObserver struct {
	logger *slog.Logger
}

// NewSlogObserver creates a SlogObserver writing to logger.
func NewSlogObserver(logger *slog.Logger) *SlogObserver {
	return &SlogObserver{logger: logger}
}

func (o *SlogObserver) OnEvent(ctx context.Context, event Event) {
	keys := make([]string, 0, len(event.Data))
	for k := range event.Data {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	attrs := make([]slog.Attr, 0, len(keys)+1)
	attrs = append(attrs, slog.String("source", event.Source))
	for _, k := range keys {
		attrs = append(attrs, slog.Any(k, event.Data[k]))
	}

	o.logger.LogAttrs(ctx, levelFor(event.Type), string(event.Type), attrs...)
}

func levelFor(t Type) slog.Level {
	switch t {
	case InvocationFailed:
		return slog.LevelWarn
	case InvocationStarted:
		return slog.LevelDebug
	default:
		return slog.LevelInfo
	}
}
