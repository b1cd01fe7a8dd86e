// ABOUTME: JSON-RPC 2.0 envelope, error object and standard error codes
// ABOUTME: Constructors for requests, notifications, results and errors

package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

// Version is the only JSON-RPC version the hub speaks.
const Version = "2.0"

// Standard JSON-RPC error codes plus the hub's server-defined codes.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
	CodeRateLimited    = -32000
)

// Envelope is the union of every frame shape on the wire.
type Envelope struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
	TraceID string          `json:"traceId,omitempty"`
}

// HasID reports whether the envelope carries a non-null id.
func (e *Envelope) HasID() bool {
	return len(e.ID) > 0 && !bytes.Equal(bytes.TrimSpace(e.ID), []byte("null"))
}

// IsResponse reports whether the envelope is response-shaped.
func (e *Envelope) IsResponse() bool {
	return e.Method == "" && e.HasID()
}

// Error is a JSON-RPC error object. It also satisfies the error interface so
// handlers can return one to control the code sent to the peer.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("jsonrpc error %d: %s", e.Code, e.Message)
}

// NewError builds an Error.
func NewError(code int, message string, data any) *Error {
	return &Error{Code: code, Message: message, Data: data}
}

// response is the outbound reply shape. Result stays present (as null) when
// there is no error so every success reply carries the key.
type response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  any             `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

var nullID = json.RawMessage("null")

// NewResult encodes a success reply for id.
func NewResult(id json.RawMessage, result any) ([]byte, error) {
	if result == nil {
		result = struct{}{}
	}
	return json.Marshal(response{JSONRPC: Version, ID: normalizeID(id), Result: result})
}

// NewErrorResponse encodes an error reply for id. A missing id is sent as null.
func NewErrorResponse(id json.RawMessage, rpcErr *Error) []byte {
	out, err := json.Marshal(response{JSONRPC: Version, ID: normalizeID(id), Error: rpcErr})
	if err != nil {
		// Data failed to encode; retry without it.
		out, _ = json.Marshal(response{
			JSONRPC: Version,
			ID:      normalizeID(id),
			Error:   &Error{Code: rpcErr.Code, Message: rpcErr.Message},
		})
	}
	return out
}

// NewRequest encodes a request frame. An empty traceID is omitted.
func NewRequest(id, method string, params any, traceID string) ([]byte, error) {
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("encoding params: %w", err)
	}
	idRaw, _ := json.Marshal(id)
	return json.Marshal(Envelope{
		JSONRPC: Version,
		ID:      idRaw,
		Method:  method,
		Params:  raw,
		TraceID: traceID,
	})
}

// NewNotification encodes a notification frame.
func NewNotification(method string, params any) ([]byte, error) {
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("encoding params: %w", err)
	}
	return json.Marshal(Envelope{JSONRPC: Version, Method: method, Params: raw})
}

// IDKey converts a raw id into the string used for correlation. String ids
// are unquoted; numeric ids keep their literal text.
func IDKey(id json.RawMessage) string {
	trimmed := bytes.TrimSpace(id)
	if len(trimmed) > 0 && trimmed[0] == '"' {
		if s, err := strconv.Unquote(string(trimmed)); err == nil {
			return s
		}
		var s string
		if err := json.Unmarshal(trimmed, &s); err == nil {
			return s
		}
	}
	return string(trimmed)
}

func normalizeID(id json.RawMessage) json.RawMessage {
	if len(bytes.TrimSpace(id)) == 0 {
		return nullID
	}
	return id
}
