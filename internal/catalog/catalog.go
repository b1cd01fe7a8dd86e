// ABOUTME: Thread-safe tool catalog keyed by tool name with a per-agent index
// ABOUTME: Handles registration, removal, lookup, keyword search and argument validation

package catalog

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/2389/toolhub/internal/events"
)

// ArgumentValidator performs checks beyond the structural shape check.
type ArgumentValidator interface {
	Validate(def ToolDefinition, args any) error
	Forget(toolName string)
}

// Config configures a Catalog.
type Config struct {
	Logger    *slog.Logger
	Observer  events.Observer
	Validator ArgumentValidator
}

type entry struct {
	def   ToolDefinition
	shape shape
}

// Catalog maintains the registry of tools and the agents that own them.
type Catalog struct {
	mu      sync.RWMutex
	tools   map[string]*entry
	byAgent map[string]map[string]struct{}

	observer  events.Observer
	validator ArgumentValidator
	logger    *slog.Logger
}

// New creates an empty catalog.
func New(cfg Config) *Catalog {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Catalog{
		tools:     make(map[string]*entry),
		byAgent:   make(map[string]map[string]struct{}),
		observer:  cfg.Observer,
		validator: cfg.Validator,
		logger:    logger.With("component", "catalog"),
	}
}

// Register validates and stores def.
// Returns ErrInvalidDefinition if the shape is wrong and ErrToolExists if
// the name is taken.
func (c *Catalog) Register(def ToolDefinition) error {
	s, err := def.validate()
	if err != nil {
		return err
	}
	def = def.Clone()

	c.mu.Lock()
	if existing, ok := c.tools[def.Name]; ok {
		c.mu.Unlock()
		return fmt.Errorf("%w: %q is owned by agent %q", ErrToolExists, def.Name, existing.def.AgentID)
	}
	c.insertLocked(def, s)
	total := len(c.tools)
	c.mu.Unlock()

	c.logger.Info("=== TOOL REGISTERED ===",
		"tool", def.Name,
		"agent_id", def.AgentID,
		"total_tools", total,
	)
	c.notify(events.ToolRegistered, def, nil)
	return nil
}

// Replace stores def over an existing definition owned by the same agent,
// or inserts it when the name is free. Returns ErrToolExists if another
// agent owns the name.
func (c *Catalog) Replace(def ToolDefinition) error {
	s, err := def.validate()
	if err != nil {
		return err
	}
	def = def.Clone()

	c.mu.Lock()
	existing, replaced := c.tools[def.Name]
	if replaced && existing.def.AgentID != def.AgentID {
		c.mu.Unlock()
		return fmt.Errorf("%w: %q is owned by agent %q", ErrToolExists, def.Name, existing.def.AgentID)
	}
	c.insertLocked(def, s)
	c.mu.Unlock()

	if replaced && c.validator != nil {
		c.validator.Forget(def.Name)
	}

	c.logger.Info("tool definition replaced", "tool", def.Name, "agent_id", def.AgentID, "existed", replaced)
	c.notify(events.ToolRegistered, def, map[string]any{"replaced": replaced})
	return nil
}

// Unregister removes the named tool. Returns ErrToolNotFound if unknown.
func (c *Catalog) Unregister(name string) error {
	c.mu.Lock()
	e, ok := c.tools[name]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("%w: %q", ErrToolNotFound, name)
	}
	c.removeLocked(e.def)
	total := len(c.tools)
	c.mu.Unlock()

	c.forget(name)
	c.logger.Info("=== TOOL UNREGISTERED ===",
		"tool", name,
		"agent_id", e.def.AgentID,
		"total_tools", total,
	)
	c.notify(events.ToolUnregistered, e.def, nil)
	return nil
}

// UnregisterAll removes every tool owned by agentID and returns the removed
// names in sorted order.
func (c *Catalog) UnregisterAll(agentID string) []string {
	c.mu.Lock()
	names := c.byAgent[agentID]
	removed := make([]ToolDefinition, 0, len(names))
	for name := range names {
		e := c.tools[name]
		if e == nil {
			continue
		}
		removed = append(removed, e.def)
		c.removeLocked(e.def)
	}
	delete(c.byAgent, agentID)
	c.mu.Unlock()

	sort.Slice(removed, func(i, j int) bool { return removed[i].Name < removed[j].Name })
	out := make([]string, len(removed))
	for i, def := range removed {
		out[i] = def.Name
		c.forget(def.Name)
		c.notify(events.ToolUnregistered, def, map[string]any{"bulk": true})
	}

	if len(out) > 0 {
		c.logger.Info("unregistered all tools for agent", "agent_id", agentID, "count", len(out))
	}
	return out
}

// Get returns a copy of the named definition.
func (c *Catalog) Get(name string) (ToolDefinition, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	e, ok := c.tools[name]
	if !ok {
		return ToolDefinition{}, false
	}
	return e.def.Clone(), true
}

// ListAll returns every definition sorted by name.
func (c *Catalog) ListAll() []ToolDefinition {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]ToolDefinition, 0, len(c.tools))
	for _, e := range c.tools {
		out = append(out, e.def.Clone())
	}
	sortByName(out)
	return out
}

// ListByAgent returns the agent's definitions sorted by name.
func (c *Catalog) ListByAgent(agentID string) []ToolDefinition {
	c.mu.RLock()
	defer c.mu.RUnlock()

	names := c.byAgent[agentID]
	out := make([]ToolDefinition, 0, len(names))
	for name := range names {
		if e, ok := c.tools[name]; ok {
			out = append(out, e.def.Clone())
		}
	}
	sortByName(out)
	return out
}

// Agents returns the ids of agents owning at least one tool, sorted.
func (c *Catalog) Agents() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]string, 0, len(c.byAgent))
	for id := range c.byAgent {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// SearchByKeyword returns tools whose name or description contains keyword,
// case-insensitively. An empty keyword matches everything.
func (c *Catalog) SearchByKeyword(keyword string) []ToolDefinition {
	needle := strings.ToLower(strings.TrimSpace(keyword))

	c.mu.RLock()
	defer c.mu.RUnlock()

	var out []ToolDefinition
	for _, e := range c.tools {
		if needle == "" ||
			strings.Contains(strings.ToLower(e.def.Name), needle) ||
			strings.Contains(strings.ToLower(e.def.Description), needle) {
			out = append(out, e.def.Clone())
		}
	}
	sortByName(out)
	return out
}

// Count returns the number of registered tools.
func (c *Catalog) Count() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.tools)
}

// ValidateArguments checks args against the named tool's input shape.
// Absent or null args are treated as an empty object.
func (c *Catalog) ValidateArguments(name string, args json.RawMessage) error {
	c.mu.RLock()
	e, ok := c.tools[name]
	var def ToolDefinition
	var s shape
	if ok {
		def, s = e.def, e.shape
	}
	c.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %q", ErrToolNotFound, name)
	}

	fields := map[string]json.RawMessage{}
	trimmed := bytes.TrimSpace(args)
	if len(trimmed) > 0 && !bytes.Equal(trimmed, []byte("null")) {
		if trimmed[0] != '{' {
			return &ArgumentError{Tool: name, NotObject: true}
		}
		if err := json.Unmarshal(trimmed, &fields); err != nil {
			return &ArgumentError{Tool: name, NotObject: true}
		}
	}

	missing, unexpected := s.check(fields)
	if len(missing) > 0 || len(unexpected) > 0 {
		return &ArgumentError{Tool: name, Missing: missing, Unexpected: unexpected}
	}

	if c.validator == nil {
		return nil
	}
	var value any = map[string]any{}
	if len(fields) > 0 {
		dec := json.NewDecoder(bytes.NewReader(trimmed))
		dec.UseNumber()
		if err := dec.Decode(&value); err != nil {
			return &ArgumentError{Tool: name, NotObject: true}
		}
	}
	if err := c.validator.Validate(def, value); err != nil {
		return &ArgumentError{Tool: name, Detail: err.Error()}
	}
	return nil
}

func (c *Catalog) insertLocked(def ToolDefinition, s shape) {
	if prev, ok := c.tools[def.Name]; ok && prev.def.AgentID != def.AgentID {
		c.dropFromAgentLocked(prev.def.AgentID, def.Name)
	}
	c.tools[def.Name] = &entry{def: def, shape: s}
	names, ok := c.byAgent[def.AgentID]
	if !ok {
		names = make(map[string]struct{})
		c.byAgent[def.AgentID] = names
	}
	names[def.Name] = struct{}{}
}

func (c *Catalog) removeLocked(def ToolDefinition) {
	delete(c.tools, def.Name)
	c.dropFromAgentLocked(def.AgentID, def.Name)
}

func (c *Catalog) dropFromAgentLocked(agentID, name string) {
	names := c.byAgent[agentID]
	delete(names, name)
	if len(names) == 0 {
		delete(c.byAgent, agentID)
	}
}

func (c *Catalog) forget(name string) {
	if c.validator != nil {
		c.validator.Forget(name)
	}
}

func (c *Catalog) notify(typ events.Type, def ToolDefinition, extra map[string]any) {
	data := map[string]any{
		"tool":     def.Name,
		"agent_id": def.AgentID,
	}
	for k, v := range extra {
		data[k] = v
	}
	events.Notify(context.Background(), c.observer, events.New(typ, "catalog", data))
}

func sortByName(defs []ToolDefinition) {
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
}
