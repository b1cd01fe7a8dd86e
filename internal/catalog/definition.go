// ABOUTME: Tool definition type and shape validation for registration
// ABOUTME: Parses the input schema into the structural shape used for argument checks

package catalog

import (
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"
)

var toolNamePattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,128}$`)

// ToolDefinition describes one tool as registered by its agent.
type ToolDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	AgentID     string          `json:"agentId"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
	TimeoutMs   int64           `json:"timeoutMs,omitempty"`
}

// Clone returns a deep copy of d.
func (d ToolDefinition) Clone() ToolDefinition {
	if d.InputSchema != nil {
		d.InputSchema = append(json.RawMessage(nil), d.InputSchema...)
	}
	return d
}

// shape is the structural part of an input schema.
type shape struct {
	required   []string
	properties map[string]struct{}
	closed     bool // additionalProperties: false
}

// validate checks the definition's shape and returns the parsed input shape.
func (d ToolDefinition) validate() (shape, error) {
	if !toolNamePattern.MatchString(d.Name) {
		return shape{}, fmt.Errorf("%w: name %q must match %s", ErrInvalidDefinition, d.Name, toolNamePattern)
	}
	if strings.TrimSpace(d.Description) == "" {
		return shape{}, fmt.Errorf("%w: tool %q has no description", ErrInvalidDefinition, d.Name)
	}
	if strings.TrimSpace(d.AgentID) == "" {
		return shape{}, fmt.Errorf("%w: tool %q has no agentId", ErrInvalidDefinition, d.Name)
	}
	if d.TimeoutMs < 0 {
		return shape{}, fmt.Errorf("%w: tool %q has negative timeoutMs", ErrInvalidDefinition, d.Name)
	}
	s, err := parseShape(d.InputSchema)
	if err != nil {
		return shape{}, fmt.Errorf("%w: tool %q inputSchema: %v", ErrInvalidDefinition, d.Name, err)
	}
	return s, nil
}

func parseShape(raw json.RawMessage) (shape, error) {
	s := shape{properties: map[string]struct{}{}}
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return s, nil
	}

	var doc map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &doc); err != nil {
		return s, fmt.Errorf("must be an object")
	}

	if rawType, ok := doc["type"]; ok {
		var typ string
		if err := json.Unmarshal(rawType, &typ); err != nil || typ != "object" {
			return s, fmt.Errorf(`type must be "object"`)
		}
	}

	if rawReq, ok := doc["required"]; ok {
		if err := json.Unmarshal(rawReq, &s.required); err != nil {
			return s, fmt.Errorf("required must be an array of strings")
		}
		for _, name := range s.required {
			if name == "" {
				return s, fmt.Errorf("required contains an empty name")
			}
		}
	}

	if rawProps, ok := doc["properties"]; ok {
		var props map[string]json.RawMessage
		if err := json.Unmarshal(rawProps, &props); err != nil {
			return s, fmt.Errorf("properties must be an object")
		}
		for name := range props {
			s.properties[name] = struct{}{}
		}
	}
	// A required name is declared even when "properties" omits it.
	for _, name := range s.required {
		s.properties[name] = struct{}{}
	}

	if rawAdd, ok := doc["additionalProperties"]; ok {
		var allowed bool
		if err := json.Unmarshal(rawAdd, &allowed); err == nil {
			s.closed = !allowed
		} else {
			var sub map[string]json.RawMessage
			if err := json.Unmarshal(rawAdd, &sub); err != nil {
				return s, fmt.Errorf("additionalProperties must be a boolean or an object")
			}
		}
	}

	return s, nil
}

// check returns the missing required fields and, for a closed shape, the
// undeclared fields present in args. Both lists are sorted.
func (s shape) check(args map[string]json.RawMessage) (missing, unexpected []string) {
	for _, name := range s.required {
		if _, ok := args[name]; !ok {
			missing = append(missing, name)
		}
	}
	if s.closed {
		for name := range args {
			if _, ok := s.properties[name]; !ok {
				unexpected = append(unexpected, name)
			}
		}
	}
	sort.Strings(missing)
	sort.Strings(unexpected)
	return missing, unexpected
}
