// ABOUTME: Invocation outcome errors and the reason codes reported to callers
// ABOUTME: ToolError carries an error returned by the agent itself

package invoke

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrToolNotFound indicates the requested tool is not registered.
	ErrToolNotFound = errors.New("tool not found")

	// ErrInvalidArguments indicates the arguments do not fit the tool's input shape.
	ErrInvalidArguments = errors.New("invalid arguments")

	// ErrAgentNotConnected indicates the owning agent has no live connection.
	ErrAgentNotConnected = errors.New("agent not connected")

	// ErrTimeout indicates the agent did not answer within the timeout.
	ErrTimeout = errors.New("invocation timed out")

	// ErrCancelled indicates the invocation was abandoned before an answer arrived.
	ErrCancelled = errors.New("invocation cancelled")

	// ErrDuplicateCorrelationID indicates the correlation id is pending or recently expired.
	ErrDuplicateCorrelationID = errors.New("duplicate correlation id")

	// ErrToolFailed indicates the agent answered with an error.
	ErrToolFailed = errors.New("tool execution failed")

	// ErrInvalidTimeout indicates a non-positive timeout was supplied.
	ErrInvalidTimeout = errors.New("timeout must be positive")
)

// Reason codes reported in error data and metrics labels.
const (
	ReasonToolNotFound      = "tool_not_found"
	ReasonInvalidArguments  = "invalid_arguments"
	ReasonAgentNotConnected = "agent_not_connected"
	ReasonTimeout           = "timeout"
	ReasonCancelled         = "cancelled"
	ReasonToolError         = "tool_error"
	ReasonDuplicateID       = "duplicate_id"
	ReasonInternal          = "internal"
)

// ToolError is an error reported by the agent in its response frame.
type ToolError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func (e *ToolError) Error() string {
	return fmt.Sprintf("tool error %d: %s", e.Code, e.Message)
}

func (e *ToolError) Is(target error) bool {
	return target == ErrToolFailed
}

// Reason maps an Invoke error to its reason code. A nil error maps to "".
func Reason(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrToolNotFound):
		return ReasonToolNotFound
	case errors.Is(err, ErrInvalidArguments):
		return ReasonInvalidArguments
	case errors.Is(err, ErrAgentNotConnected):
		return ReasonAgentNotConnected
	case errors.Is(err, ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return ReasonTimeout
	case errors.Is(err, ErrCancelled), errors.Is(err, context.Canceled):
		return ReasonCancelled
	case errors.Is(err, ErrToolFailed):
		return ReasonToolError
	case errors.Is(err, ErrDuplicateCorrelationID):
		return ReasonDuplicateID
	default:
		return ReasonInternal
	}
}
