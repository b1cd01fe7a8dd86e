// ABOUTME: Sentinel and typed errors returned by the tool catalog
// ABOUTME: ArgumentError carries the missing and unexpected argument fields

package catalog

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrInvalidDefinition indicates a tool definition failed shape validation.
	ErrInvalidDefinition = errors.New("invalid tool definition")

	// ErrToolExists indicates a tool with the same name is already registered.
	ErrToolExists = errors.New("tool already registered")

	// ErrToolNotFound indicates the named tool is not registered.
	ErrToolNotFound = errors.New("tool not found")

	// ErrInvalidArguments indicates invocation arguments do not fit the tool's input shape.
	ErrInvalidArguments = errors.New("invalid arguments")
)

// ArgumentError describes why arguments were rejected. It matches
// ErrInvalidArguments under errors.Is.
type ArgumentError struct {
	Tool       string
	NotObject  bool
	Missing    []string
	Unexpected []string
	Detail     string
}

func (e *ArgumentError) Error() string {
	var parts []string
	if e.NotObject {
		parts = append(parts, "arguments must be an object")
	}
	if len(e.Missing) > 0 {
		parts = append(parts, "missing required: "+strings.Join(e.Missing, ", "))
	}
	if len(e.Unexpected) > 0 {
		parts = append(parts, "unexpected: "+strings.Join(e.Unexpected, ", "))
	}
	if e.Detail != "" {
		parts = append(parts, e.Detail)
	}
	return fmt.Sprintf("invalid arguments for tool %q: %s", e.Tool, strings.Join(parts, "; "))
}

func (e *ArgumentError) Is(target error) bool {
	return target == ErrInvalidArguments
}
