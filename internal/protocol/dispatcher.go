// ABOUTME: Dispatcher parses inbound JSON-RPC frames and routes them to method handlers
// ABOUTME: Response-shaped frames are handed to a single registered response callback

package protocol

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// HandlerFunc handles one method. The returned value becomes the result of
// the reply; a returned error becomes an error reply.
type HandlerFunc func(ctx context.Context, params json.RawMessage) (any, error)

// ResponseHandler receives response-shaped frames keyed by their id.
type ResponseHandler func(ctx context.Context, id string, env *Envelope)

// Dispatcher routes frames to handlers. It is safe for concurrent use.
type Dispatcher struct {
	mu         sync.RWMutex
	handlers   map[string]HandlerFunc
	onResponse ResponseHandler
	logger     *slog.Logger
}

// NewDispatcher creates a dispatcher with no handlers.
func NewDispatcher(logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		handlers: make(map[string]HandlerFunc),
		logger:   logger.With("component", "protocol"),
	}
}

// RegisterHandler installs handler for method, replacing any earlier one.
func (d *Dispatcher) RegisterHandler(method string, handler HandlerFunc) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[method] = handler
}

// SetResponseHandler installs the response callback. Only one is active.
func (d *Dispatcher) SetResponseHandler(handler ResponseHandler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onResponse = handler
}

// Methods returns the registered method names.
func (d *Dispatcher) Methods() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]string, 0, len(d.handlers))
	for m := range d.handlers {
		out = append(out, m)
	}
	return out
}

// ProcessMessage handles one inbound frame and returns the reply to send,
// or nil when the frame warrants no reply.
func (d *Dispatcher) ProcessMessage(ctx context.Context, raw []byte) []byte {
	trimmed := bytes.TrimSpace(raw)
	if !json.Valid(trimmed) {
		return NewErrorResponse(nil, NewError(CodeParseError, "parse error", nil))
	}
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return NewErrorResponse(nil, NewError(CodeInvalidRequest, "invalid request: frame must be an object", nil))
	}

	var env Envelope
	if err := json.Unmarshal(trimmed, &env); err != nil {
		return NewErrorResponse(rawID(trimmed), NewError(CodeInvalidRequest, "invalid request: "+err.Error(), nil))
	}
	if env.JSONRPC != Version {
		return NewErrorResponse(env.ID, NewError(CodeInvalidRequest, `invalid request: jsonrpc must be "2.0"`, nil))
	}

	switch {
	case env.Method != "" && env.HasID():
		return d.handleRequest(ctx, &env)
	case env.Method != "":
		d.handleNotification(ctx, &env)
		return nil
	case env.HasID():
		d.handleResponse(ctx, &env)
		return nil
	default:
		return NewErrorResponse(env.ID, NewError(CodeInvalidRequest, "invalid request: missing method and id", nil))
	}
}

func (d *Dispatcher) lookup(method string) (HandlerFunc, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	h, ok := d.handlers[method]
	return h, ok
}

func (d *Dispatcher) handleRequest(ctx context.Context, env *Envelope) []byte {
	handler, ok := d.lookup(env.Method)
	if !ok {
		return NewErrorResponse(env.ID, NewError(CodeMethodNotFound, "method not found: "+env.Method, nil))
	}

	result, err := d.call(ctx, handler, env)
	if err != nil {
		return NewErrorResponse(env.ID, toRPCError(err))
	}

	out, err := NewResult(env.ID, result)
	if err != nil {
		d.logger.Error("failed to encode result", "method", env.Method, "error", err)
		return NewErrorResponse(env.ID, NewError(CodeInternalError, "failed to encode result", nil))
	}
	return out
}

func (d *Dispatcher) handleNotification(ctx context.Context, env *Envelope) {
	handler, ok := d.lookup(env.Method)
	if !ok {
		d.logger.Debug("notification for unknown method", "method", env.Method)
		return
	}
	if _, err := d.call(ctx, handler, env); err != nil {
		d.logger.Warn("notification handler failed", "method", env.Method, "error", err)
	}
}

func (d *Dispatcher) handleResponse(ctx context.Context, env *Envelope) {
	d.mu.RLock()
	cb := d.onResponse
	d.mu.RUnlock()

	id := IDKey(env.ID)
	if cb == nil {
		d.logger.Warn("dropping response frame, no response handler", "id", id)
		return
	}
	cb(ctx, id, env)
}

// call runs handler with panic recovery.
func (d *Dispatcher) call(ctx context.Context, handler HandlerFunc, env *Envelope) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("handler panicked", "method", env.Method, "panic", fmt.Sprint(r))
			result = nil
			err = NewError(CodeInternalError, "internal error", nil)
		}
	}()
	if env.TraceID != "" {
		ctx = WithTraceID(ctx, env.TraceID)
	}
	return handler(ctx, env.Params)
}

func toRPCError(err error) *Error {
	var rpcErr *Error
	if errors.As(err, &rpcErr) {
		return rpcErr
	}
	return NewError(CodeInternalError, err.Error(), nil)
}

// rawID pulls the id out of an object whose other fields failed to decode.
func rawID(obj []byte) json.RawMessage {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(obj, &fields); err != nil {
		return nil
	}
	return fields["id"]
}
