// ABOUTME: Routes tool invocations to owning agents and correlates their responses.
// ABOUTME: Handles pending tracking, timeouts, late-response discard and cancellation.

package invoke

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/2389/toolhub/internal/catalog"
	"github.com/2389/toolhub/internal/connection"
	"github.com/2389/toolhub/internal/dedupe"
	"github.com/2389/toolhub/internal/events"
	"github.com/2389/toolhub/internal/protocol"
)

// DefaultTimeout is the default timeout for tool execution.
const DefaultTimeout = 30 * time.Second

// DefaultExpiredTTL is how long abandoned correlation ids are remembered.
const DefaultExpiredTTL = 10 * time.Minute

// MethodInvoke is the method name of the request sent to agents.
const MethodInvoke = "tools/invoke"

const tracerName = "github.com/2389/toolhub/internal/invoke"

// Catalog resolves tools and validates their arguments.
type Catalog interface {
	Get(name string) (catalog.ToolDefinition, bool)
	ValidateArguments(name string, args json.RawMessage) error
}

// Connections delivers frames to live connections.
type Connections interface {
	IsOpen(connID string) bool
	Send(connID string, text []byte) bool
}

// Bindings maps agent ids to their current connection id.
type Bindings interface {
	Lookup(agentID string) (connID string, ok bool)
}

// Request describes one invocation.
type Request struct {
	ToolName      string
	Arguments     json.RawMessage
	CorrelationID string
	TraceID       string
}

type outcome struct {
	result json.RawMessage
	err    error
}

type pendingInvocation struct {
	ch        chan outcome
	toolName  string
	agentID   string
	connID    string
	traceID   string
	createdAt time.Time
}

// RouterConfig contains configuration options for the Router.
type RouterConfig struct {
	Catalog        Catalog
	Connections    Connections
	Bindings       Bindings
	Timeout        time.Duration
	ExpiredTTL     time.Duration
	Logger         *slog.Logger
	Observer       events.Observer
	TracerProvider trace.TracerProvider
}

// Router routes invocations to agents and correlates responses.
type Router struct {
	catalog  Catalog
	conns    Connections
	bindings Bindings
	observer events.Observer
	tracer   trace.Tracer
	logger   *slog.Logger
	timeout  atomic.Int64

	mu      sync.Mutex
	pending map[string]*pendingInvocation
	expired *dedupe.Set
	closed  bool

	closeOnce sync.Once
}

// NewRouter creates a new Router with the given configuration.
func NewRouter(cfg RouterConfig) *Router {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ttl := cfg.ExpiredTTL
	if ttl <= 0 {
		ttl = DefaultExpiredTTL
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	tp := cfg.TracerProvider
	if tp == nil {
		tp = otel.GetTracerProvider()
	}

	r := &Router{
		catalog:  cfg.Catalog,
		conns:    cfg.Connections,
		bindings: cfg.Bindings,
		observer: cfg.Observer,
		tracer:   tp.Tracer(tracerName),
		logger:   logger.With("component", "invoke"),
		pending:  make(map[string]*pendingInvocation),
		expired:  dedupe.New(ttl, 0),
	}
	r.timeout.Store(int64(timeout))
	return r
}

// Invoke routes req to the owning agent and waits for its answer.
func (r *Router) Invoke(ctx context.Context, req Request) (json.RawMessage, error) {
	ctx, span := r.tracer.Start(ctx, "toolhub.invoke",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String("tool.name", req.ToolName)),
	)
	defer span.End()

	if req.CorrelationID == "" {
		req.CorrelationID = uuid.New().String()
	}
	if req.TraceID == "" {
		if sc := span.SpanContext(); sc.HasTraceID() {
			req.TraceID = sc.TraceID().String()
		} else {
			req.TraceID = uuid.New().String()
		}
	}
	span.SetAttributes(
		attribute.String("invocation.correlation_id", req.CorrelationID),
		attribute.String("invocation.trace_id", req.TraceID),
	)

	start := time.Now()
	r.emit(ctx, events.InvocationStarted, req, "", map[string]any{})

	result, agentID, err := r.invoke(ctx, req, span)
	duration := time.Since(start)

	data := map[string]any{"duration": duration}
	if err != nil {
		reason := Reason(err)
		data["reason"] = reason
		data["error"] = err.Error()
		span.RecordError(err)
		span.SetStatus(codes.Error, reason)
		span.SetAttributes(attribute.String("invocation.reason", reason))
		r.emit(ctx, events.InvocationFailed, req, agentID, data)
		return nil, err
	}

	span.SetStatus(codes.Ok, "")
	r.emit(ctx, events.InvocationCompleted, req, agentID, data)
	return result, nil
}

func (r *Router) invoke(ctx context.Context, req Request, span trace.Span) (json.RawMessage, string, error) {
	def, ok := r.catalog.Get(req.ToolName)
	if !ok {
		r.logger.Debug("tool not found in catalog", "tool_name", req.ToolName)
		return nil, "", fmt.Errorf("%w: %q", ErrToolNotFound, req.ToolName)
	}
	span.SetAttributes(attribute.String("agent.id", def.AgentID))

	if err := r.catalog.ValidateArguments(req.ToolName, req.Arguments); err != nil {
		if errors.Is(err, catalog.ErrToolNotFound) {
			return nil, def.AgentID, fmt.Errorf("%w: %q", ErrToolNotFound, req.ToolName)
		}
		return nil, def.AgentID, fmt.Errorf("%w: %w", ErrInvalidArguments, err)
	}

	connID, ok := r.bindings.Lookup(def.AgentID)
	if !ok || !r.conns.IsOpen(connID) {
		r.logger.Debug("agent not connected",
			"tool_name", req.ToolName,
			"agent_id", def.AgentID,
			"connection_id", connID,
		)
		return nil, def.AgentID, fmt.Errorf("%w: %q", ErrAgentNotConnected, def.AgentID)
	}

	frame, err := protocol.NewRequest(req.CorrelationID, MethodInvoke, invokeParams{
		Name:      req.ToolName,
		Arguments: normalizeArguments(req.Arguments),
	}, req.TraceID)
	if err != nil {
		return nil, def.AgentID, fmt.Errorf("encoding request: %w", err)
	}

	ch, err := r.createPending(req, def.AgentID, connID)
	if err != nil {
		return nil, def.AgentID, err
	}

	timeout := r.Timeout()
	if def.TimeoutMs > 0 {
		timeout = time.Duration(def.TimeoutMs) * time.Millisecond
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	if !r.conns.Send(connID, frame) {
		r.removePending(req.CorrelationID, false)
		r.logger.Warn("failed to send invocation to agent",
			"tool_name", req.ToolName,
			"agent_id", def.AgentID,
			"connection_id", connID,
		)
		return nil, def.AgentID, fmt.Errorf("%w: send to %q failed", ErrAgentNotConnected, def.AgentID)
	}

	r.logger.Info("  → routed to agent",
		"tool_name", req.ToolName,
		"agent_id", def.AgentID,
		"correlation_id", req.CorrelationID,
		"trace_id", req.TraceID,
	)

	select {
	case out := <-ch:
		return r.finish(req, def.AgentID, out)
	case <-timer.C:
		if r.removePending(req.CorrelationID, true) {
			r.logger.Warn("tool invocation timed out",
				"tool_name", req.ToolName,
				"agent_id", def.AgentID,
				"correlation_id", req.CorrelationID,
				"timeout", timeout,
			)
			return nil, def.AgentID, fmt.Errorf("%w after %s", ErrTimeout, timeout)
		}
		return r.finish(req, def.AgentID, <-ch)
	case <-ctx.Done():
		if r.removePending(req.CorrelationID, true) {
			r.logger.Info("tool invocation abandoned by caller",
				"tool_name", req.ToolName,
				"correlation_id", req.CorrelationID,
				"error", ctx.Err(),
			)
			return nil, def.AgentID, fmt.Errorf("%w: %w", ErrCancelled, ctx.Err())
		}
		return r.finish(req, def.AgentID, <-ch)
	}
}

func (r *Router) finish(req Request, agentID string, out outcome) (json.RawMessage, string, error) {
	if out.err != nil {
		return nil, agentID, out.err
	}
	r.logger.Info("  ← agent responded",
		"tool_name", req.ToolName,
		"agent_id", agentID,
		"correlation_id", req.CorrelationID,
	)
	return out.result, agentID, nil
}

// HandleResponse delivers an agent's response frame to the waiting invocation.
// Responses for unknown or expired ids are discarded.
func (r *Router) HandleResponse(ctx context.Context, id string, env *protocol.Envelope) {
	out := outcome{result: json.RawMessage("null")}
	if env.Error != nil {
		out = outcome{err: &ToolError{Code: env.Error.Code, Message: env.Error.Message, Data: env.Error.Data}}
	} else if len(bytes.TrimSpace(env.Result)) > 0 {
		out.result = append(json.RawMessage(nil), env.Result...)
	}

	// Hold the lock while sending so the entry cannot be rejected concurrently.
	r.mu.Lock()
	p, ok := r.pending[id]
	if !ok {
		r.mu.Unlock()
		if r.expired.Contains(id) {
			r.logger.Debug("discarding late response", "correlation_id", id)
		} else {
			r.logger.Warn("received response for unknown invocation", "correlation_id", id)
		}
		return
	}
	// Only the connection the request went down may answer it.
	if info, ok := connection.InfoFromContext(ctx); ok && info.ConnectionID != p.connID {
		r.mu.Unlock()
		r.logger.Warn("discarding response from wrong connection",
			"correlation_id", id,
			"connection_id", info.ConnectionID,
			"expected_connection_id", p.connID,
		)
		return
	}
	delete(r.pending, id)
	select {
	case p.ch <- out:
	default:
	}
	r.mu.Unlock()

	r.logger.Debug("response matched",
		"correlation_id", id,
		"tool_name", p.toolName,
		"agent_id", p.agentID,
		"trace_id", p.traceID,
		"elapsed", time.Since(p.createdAt),
	)
}

// SetTimeout changes the default invocation timeout.
func (r *Router) SetTimeout(d time.Duration) error {
	if d <= 0 {
		return ErrInvalidTimeout
	}
	r.timeout.Store(int64(d))
	return nil
}

// Timeout returns the default invocation timeout.
func (r *Router) Timeout() time.Duration {
	return time.Duration(r.timeout.Load())
}

// ClearPending rejects every pending invocation with ErrCancelled and
// returns how many were rejected.
func (r *Router) ClearPending() int {
	return r.failWhere(func(*pendingInvocation) bool { return true },
		fmt.Errorf("%w: router cleared pending invocations", ErrCancelled))
}

// FailConnection rejects every invocation sent down connID with
// ErrAgentNotConnected and returns how many were rejected.
func (r *Router) FailConnection(connID string) int {
	return r.failWhere(func(p *pendingInvocation) bool { return p.connID == connID },
		fmt.Errorf("%w: connection closed", ErrAgentNotConnected))
}

// PendingCount returns the number of invocations awaiting a response.
func (r *Router) PendingCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

// Close rejects pending invocations and stops the expired-id tracker.
// Invoke fails with ErrCancelled afterwards.
func (r *Router) Close() {
	r.closeOnce.Do(func() {
		r.mu.Lock()
		r.closed = true
		r.mu.Unlock()

		n := r.ClearPending()
		r.expired.Close()
		r.logger.Info("router closed", "pending_cancelled", n)
	})
}

func (r *Router) failWhere(match func(*pendingInvocation) bool, err error) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for id, p := range r.pending {
		if !match(p) {
			continue
		}
		delete(r.pending, id)
		r.expired.Remember(id)
		select {
		case p.ch <- outcome{err: err}:
		default:
		}
		n++
	}
	return n
}

// createPending registers a pending invocation and returns its result slot.
func (r *Router) createPending(req Request, agentID, connID string) (chan outcome, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, fmt.Errorf("%w: router closed", ErrCancelled)
	}
	if _, exists := r.pending[req.CorrelationID]; exists {
		return nil, fmt.Errorf("%w: %q is pending", ErrDuplicateCorrelationID, req.CorrelationID)
	}
	if r.expired.Contains(req.CorrelationID) {
		return nil, fmt.Errorf("%w: %q recently expired", ErrDuplicateCorrelationID, req.CorrelationID)
	}

	ch := make(chan outcome, 1)
	r.pending[req.CorrelationID] = &pendingInvocation{
		ch:        ch,
		toolName:  req.ToolName,
		agentID:   agentID,
		connID:    connID,
		traceID:   req.TraceID,
		createdAt: time.Now(),
	}
	return ch, nil
}

// removePending deletes the entry for id and reports whether it was still
// present. When remember is set the id is kept in the expired set.
func (r *Router) removePending(id string, remember bool) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.pending[id]; !ok {
		return false
	}
	delete(r.pending, id)
	if remember {
		r.expired.Remember(id)
	}
	return true
}

func (r *Router) emit(ctx context.Context, typ events.Type, req Request, agentID string, data map[string]any) {
	data["tool"] = req.ToolName
	data["correlation_id"] = req.CorrelationID
	data["trace_id"] = req.TraceID
	if agentID != "" {
		data["agent_id"] = agentID
	}
	events.Notify(ctx, r.observer, events.New(typ, "invoke", data))
}

type invokeParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

func normalizeArguments(args json.RawMessage) json.RawMessage {
	trimmed := bytes.TrimSpace(args)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return json.RawMessage("{}")
	}
	return trimmed
}
