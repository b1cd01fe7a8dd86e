// ABOUTME: JSON-RPC method handlers exposed by the hub
// ABOUTME: Delegates to the catalog, router, binding table and history store

package hub

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"

	"github.com/2389/toolhub/internal/auth"
	"github.com/2389/toolhub/internal/catalog"
	"github.com/2389/toolhub/internal/connection"
	"github.com/2389/toolhub/internal/invoke"
	"github.com/2389/toolhub/internal/protocol"
	"github.com/2389/toolhub/internal/store"
)

// Hub-exposed method names.
const (
	MethodRegister          = "tools/register"
	MethodUnregister        = "tools/unregister"
	MethodListTools         = "tools/list"
	MethodListAgents        = "agents/list"
	MethodInvoke            = invoke.MethodInvoke
	MethodRecentInvocations = "invocations/recent"
	MethodPing              = "ping"
)

func (h *Hub) registerHandlers() {
	h.dispatcher.RegisterHandler(MethodRegister, h.handleRegister)
	h.dispatcher.RegisterHandler(MethodUnregister, h.handleUnregister)
	h.dispatcher.RegisterHandler(MethodListTools, h.handleListTools)
	h.dispatcher.RegisterHandler(MethodListAgents, h.handleListAgents)
	h.dispatcher.RegisterHandler(MethodInvoke, h.handleInvoke)
	h.dispatcher.RegisterHandler(MethodPing, h.handlePing)
	if h.history != nil {
		h.dispatcher.RegisterHandler(MethodRecentInvocations, h.handleRecentInvocations)
	}
}

type registerParams struct {
	Tools []json.RawMessage `json:"tools"`
}

type rejectedTool struct {
	Name  string `json:"name,omitempty"`
	Error string `json:"error"`
}

type registerResult struct {
	Registered int            `json:"registered"`
	Rejected   []rejectedTool `json:"rejected"`
}

// handleRegister stores every well-formed definition and binds its agent to
// the sending connection. Malformed or conflicting entries are reported in
// Rejected and do not fail the call.
func (h *Hub) handleRegister(ctx context.Context, params json.RawMessage) (any, error) {
	info, ok := connection.InfoFromContext(ctx)
	if !ok {
		return nil, protocol.NewError(protocol.CodeInternalError, "connection context missing", nil)
	}

	var p registerParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if p.Tools == nil {
		return nil, protocol.NewError(protocol.CodeInvalidParams, "tools must be an array", nil)
	}

	principal := auth.PrincipalFromContext(ctx)
	result := registerResult{Rejected: []rejectedTool{}}
	reclaim := make(map[string]bool)

	for _, raw := range p.Tools {
		var def catalog.ToolDefinition
		if err := json.Unmarshal(raw, &def); err != nil {
			result.Rejected = append(result.Rejected, rejectedTool{Name: peekName(raw), Error: "malformed tool definition"})
			continue
		}

		if principal != "" {
			if def.AgentID == "" {
				def.AgentID = principal
			} else if def.AgentID != principal {
				result.Rejected = append(result.Rejected, rejectedTool{Name: def.Name, Error: "agentId does not match authenticated principal"})
				continue
			}
		}

		// Decided once per agent per call, before this call moves the binding.
		canReplace, seen := reclaim[def.AgentID]
		if !seen {
			canReplace = h.reclaimable(def.AgentID, info.ConnectionID)
			reclaim[def.AgentID] = canReplace
		}

		if err := h.storeDefinition(def, canReplace); err != nil {
			h.logger.Debug("tool registration rejected",
				"tool_name", def.Name,
				"agent_id", def.AgentID,
				"connection_id", info.ConnectionID,
				"error", err,
			)
			result.Rejected = append(result.Rejected, rejectedTool{Name: def.Name, Error: err.Error()})
			continue
		}

		h.bindings.Bind(def.AgentID, info.ConnectionID)
		result.Registered++
	}

	// The connection can close while this frame is in flight. Its close hook
	// may already have released the bindings, so release again to start the
	// grace period for anything bound above.
	if result.Registered > 0 && !h.conns.IsOpen(info.ConnectionID) {
		if released := h.bindings.Release(info.ConnectionID); len(released) > 0 {
			h.logger.Info("registration finished after connection closed",
				"connection_id", info.ConnectionID,
				"agents", released,
			)
		}
	}

	return result, nil
}

func (h *Hub) storeDefinition(def catalog.ToolDefinition, canReplace bool) error {
	err := h.catalog.Register(def)
	if !errors.Is(err, catalog.ErrToolExists) || !canReplace {
		return err
	}
	existing, ok := h.catalog.Get(def.Name)
	if !ok || existing.AgentID != def.AgentID {
		return err
	}
	return h.catalog.Replace(def)
}

// reclaimable reports whether a registration from connID may overwrite the
// agent's existing definitions: the agent is inside its reconnect grace
// period, or its binding points at a connection that is no longer open.
func (h *Hub) reclaimable(agentID, connID string) bool {
	if h.bindings.InGrace(agentID) {
		return true
	}
	bound, ok := h.bindings.Lookup(agentID)
	return ok && bound != connID && !h.conns.IsOpen(bound)
}

// peekName extracts a tool name from an entry that failed to decode.
func peekName(raw json.RawMessage) string {
	var probe struct {
		Name any `json:"name"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return ""
	}
	name, _ := probe.Name.(string)
	return name
}

type unregisterParams struct {
	Name string `json:"name"`
}

// handleUnregister removes a tool. Only the connection currently bound to
// the owning agent may do so.
func (h *Hub) handleUnregister(ctx context.Context, params json.RawMessage) (any, error) {
	info, ok := connection.InfoFromContext(ctx)
	if !ok {
		return nil, protocol.NewError(protocol.CodeInternalError, "connection context missing", nil)
	}

	var p unregisterParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if p.Name == "" {
		return nil, protocol.NewError(protocol.CodeInvalidParams, "name is required", nil)
	}

	def, ok := h.catalog.Get(p.Name)
	if !ok {
		return nil, protocol.NewError(protocol.CodeInvalidParams, "tool not found", map[string]any{"name": p.Name})
	}
	if bound, ok := h.bindings.Lookup(def.AgentID); !ok || bound != info.ConnectionID {
		return nil, protocol.NewError(protocol.CodeInvalidRequest, "tool is owned by another connection", map[string]any{"name": p.Name})
	}

	if err := h.catalog.Unregister(p.Name); err != nil {
		return nil, protocol.NewError(protocol.CodeInvalidParams, "tool not found", map[string]any{"name": p.Name})
	}
	if len(h.catalog.ListByAgent(def.AgentID)) == 0 {
		h.bindings.Forget(def.AgentID)
	}

	return map[string]any{"unregistered": true}, nil
}

type listToolsParams struct {
	AgentID string `json:"agentId"`
	Query   string `json:"query"`
}

type listToolsResult struct {
	Tools []catalog.ToolDefinition `json:"tools"`
}

func (h *Hub) handleListTools(_ context.Context, params json.RawMessage) (any, error) {
	var p listToolsParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}

	var tools []catalog.ToolDefinition
	switch {
	case p.Query != "":
		for _, def := range h.catalog.SearchByKeyword(p.Query) {
			if p.AgentID == "" || def.AgentID == p.AgentID {
				tools = append(tools, def)
			}
		}
	case p.AgentID != "":
		tools = h.catalog.ListByAgent(p.AgentID)
	default:
		tools = h.catalog.ListAll()
	}
	if tools == nil {
		tools = []catalog.ToolDefinition{}
	}
	return listToolsResult{Tools: tools}, nil
}

type agentSummary struct {
	ID        string                   `json:"id"`
	Connected bool                     `json:"connected"`
	Tools     []catalog.ToolDefinition `json:"tools"`
}

type listAgentsResult struct {
	Agents []agentSummary `json:"agents"`
}

func (h *Hub) handleListAgents(_ context.Context, _ json.RawMessage) (any, error) {
	ids := h.catalog.Agents()
	agents := make([]agentSummary, 0, len(ids))
	for _, id := range ids {
		connID, bound := h.bindings.Lookup(id)
		agents = append(agents, agentSummary{
			ID:        id,
			Connected: bound && h.conns.IsOpen(connID),
			Tools:     h.catalog.ListByAgent(id),
		})
	}
	return listAgentsResult{Agents: agents}, nil
}

type invokeParams struct {
	ToolName  string          `json:"toolName"`
	Arguments json.RawMessage `json:"arguments"`
	TraceID   string          `json:"traceId"`
	RequestID string          `json:"requestId"`
}

// handleInvoke routes a client's call to the owning agent and relays the
// agent's result. Failures become -32603 with the reason in data.
func (h *Hub) handleInvoke(ctx context.Context, params json.RawMessage) (any, error) {
	var p invokeParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if p.ToolName == "" {
		return nil, protocol.NewError(protocol.CodeInvalidParams, "toolName is required", nil)
	}

	traceID := p.TraceID
	if traceID == "" {
		traceID = protocol.TraceIDFromContext(ctx)
	}

	result, err := h.router.Invoke(ctx, invoke.Request{
		ToolName:      p.ToolName,
		Arguments:     p.Arguments,
		CorrelationID: p.RequestID,
		TraceID:       traceID,
	})
	if err != nil {
		return nil, invocationError(p.ToolName, err)
	}
	return result, nil
}

func invocationError(toolName string, err error) *protocol.Error {
	data := map[string]any{
		"reason":   invoke.Reason(err),
		"toolName": toolName,
	}
	var toolErr *invoke.ToolError
	if errors.As(err, &toolErr) {
		data["toolError"] = toolErr
	}
	var argErr *catalog.ArgumentError
	if errors.As(err, &argErr) {
		if len(argErr.Missing) > 0 {
			data["missing"] = argErr.Missing
		}
		if len(argErr.Unexpected) > 0 {
			data["unexpected"] = argErr.Unexpected
		}
	}
	return protocol.NewError(protocol.CodeInternalError, err.Error(), data)
}

type recentParams struct {
	Limit    int    `json:"limit"`
	ToolName string `json:"toolName"`
	AgentID  string `json:"agentId"`
	Status   string `json:"status"`
}

type recentResult struct {
	Invocations []*store.InvocationRecord `json:"invocations"`
}

func (h *Hub) handleRecentInvocations(ctx context.Context, params json.RawMessage) (any, error) {
	var p recentParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}

	records, err := h.history.ListInvocations(ctx, store.InvocationFilter{
		ToolName: p.ToolName,
		AgentID:  p.AgentID,
		Status:   p.Status,
		Limit:    p.Limit,
	})
	if err != nil {
		h.logger.Error("failed to list invocations", "error", err)
		return nil, protocol.NewError(protocol.CodeInternalError, "failed to read invocation history", nil)
	}
	if records == nil {
		records = []*store.InvocationRecord{}
	}
	return recentResult{Invocations: records}, nil
}

func (h *Hub) handlePing(context.Context, json.RawMessage) (any, error) {
	return struct{}{}, nil
}

// decodeParams unmarshals params into v. Absent or null params leave v untouched.
func decodeParams(params json.RawMessage, v any) error {
	trimmed := bytes.TrimSpace(params)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil
	}
	if err := json.Unmarshal(trimmed, v); err != nil {
		return protocol.NewError(protocol.CodeInvalidParams, "invalid params", err.Error())
	}
	return nil
}
