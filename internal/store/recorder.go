// ABOUTME: Observer that persists finished invocations to the history store
// ABOUTME: Writes happen on a background worker fed by a bounded queue

package store

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/2389/toolhub/internal/events"
)

// DefaultRecorderBuffer is the queue size used when NewRecorder gets size <= 0.
const DefaultRecorderBuffer = 1024

const recordTimeout = 5 * time.Second

// InvocationWriter is the subset of SQLiteStore the Recorder needs.
type InvocationWriter interface {
	RecordInvocation(ctx context.Context, rec *InvocationRecord) error
}

// Recorder turns invocation.completed and invocation.failed events into
// history records. It implements events.Observer.
type Recorder struct {
	writer InvocationWriter
	logger *slog.Logger

	mu     sync.RWMutex
	closed bool
	queue  chan *InvocationRecord
	done   chan struct{}

	dropped atomic.Int64
}

// NewRecorder starts a recorder writing to w.
func NewRecorder(w InvocationWriter, logger *slog.Logger, size int) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	if size <= 0 {
		size = DefaultRecorderBuffer
	}
	r := &Recorder{
		writer: w,
		logger: logger.With("component", "recorder"),
		queue:  make(chan *InvocationRecord, size),
		done:   make(chan struct{}),
	}
	go r.run()
	return r
}

func (r *Recorder) OnEvent(_ context.Context, event events.Event) {
	var status string
	switch event.Type {
	case events.InvocationCompleted:
		status = StatusCompleted
	case events.InvocationFailed:
		status = StatusFailed
	default:
		return
	}

	rec := recordFromEvent(event, status)

	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return
	}
	select {
	case r.queue <- rec:
	default:
		r.dropped.Add(1)
		r.logger.Warn("history queue full, dropping record",
			"tool_name", rec.ToolName,
			"correlation_id", rec.CorrelationID,
		)
	}
}

// Dropped returns how many records were discarded because the queue was full.
func (r *Recorder) Dropped() int64 {
	return r.dropped.Load()
}

// Close stops accepting events and waits for queued records to be written.
func (r *Recorder) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		<-r.done
		return
	}
	r.closed = true
	close(r.queue)
	r.mu.Unlock()
	<-r.done
}

func (r *Recorder) run() {
	defer close(r.done)
	for rec := range r.queue {
		ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
		if err := r.writer.RecordInvocation(ctx, rec); err != nil {
			r.logger.Error("failed to record invocation",
				"error", err,
				"tool_name", rec.ToolName,
				"correlation_id", rec.CorrelationID,
			)
		}
		cancel()
	}
}

func recordFromEvent(event events.Event, status string) *InvocationRecord {
	duration := event.Duration("duration")
	finished := event.Time
	if finished.IsZero() {
		finished = time.Now()
	}
	return &InvocationRecord{
		CorrelationID: event.String("correlation_id"),
		TraceID:       event.String("trace_id"),
		ToolName:      event.String("tool"),
		AgentID:       event.String("agent_id"),
		Status:        status,
		Reason:        event.String("reason"),
		Error:         event.String("error"),
		DurationMs:    duration.Milliseconds(),
		StartedAt:     finished.Add(-duration),
		FinishedAt:    finished,
	}
}
