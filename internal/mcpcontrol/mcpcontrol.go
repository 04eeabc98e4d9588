// Package mcpcontrol services the conductor's reserved mcp/* control
// channel methods (spec §4.2): mcp/connect, mcp/message, mcp/disconnect.
// It implements router.ControlHandler, replacing internal/mcp/broker.go's
// websocket relay leg with an in-process lookup against
// internal/toolserver's registry.
package mcpcontrol

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/acpconductor/conductor/internal/frame"
	"github.com/acpconductor/conductor/internal/logx"
	"github.com/acpconductor/conductor/internal/toolserver"
)

const protocolVersion = "2024-11-05"

type connectionState struct {
	server    *toolserver.ToolServer
	sessionID string
}

// Handler is the conductor-wide mcp/* dispatcher. One Handler exists per
// conductor process, shared by every in-flight BridgeListener.
type Handler struct {
	registry *toolserver.Registry

	mu          sync.Mutex
	connections map[string]*connectionState
}

// New builds a Handler backed by registry.
func New(registry *toolserver.Registry) *Handler {
	return &Handler{
		registry:    registry,
		connections: make(map[string]*connectionState),
	}
}

type connectParams struct {
	ConnectionID string `json:"connectionId,omitempty"`
	ACPURL       string `json:"acp_url,omitempty"`
	URL          string `json:"url,omitempty"`
	SessionID    string `json:"sessionId,omitempty"`
}

type connectResult struct {
	ConnectionID string             `json:"connectionId"`
	ServerInfo   mcp.Implementation `json:"serverInfo"`
	Capabilities map[string]any     `json:"capabilities"`
	Tools        []mcp.Tool         `json:"tools"`
}

// Connect services mcp/connect: resolve acp_url|url to a registered
// ToolServer, mint or reuse a connectionId, and hand back serverInfo plus
// the server's tool list.
func (h *Handler) Connect(params json.RawMessage) (json.RawMessage, *frame.RPCError) {
	var p connectParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, &frame.RPCError{Code: -32602, Message: "invalid mcp/connect params"}
	}
	url := p.ACPURL
	if url == "" {
		url = p.URL
	}
	server, ok := h.registry.Lookup(url)
	if !ok {
		return nil, &frame.RPCError{Code: -32000, Message: "No MCP server registered for URL"}
	}

	connID := p.ConnectionID
	if connID == "" {
		connID = uuid.NewString()
	}
	h.mu.Lock()
	h.connections[connID] = &connectionState{server: server, sessionID: p.SessionID}
	h.mu.Unlock()

	res := connectResult{
		ConnectionID: connID,
		ServerInfo:   server.Implementation(),
		Capabilities: map[string]any{"tools": map[string]any{}},
		Tools:        server.ListTools(),
	}
	b, err := json.Marshal(res)
	if err != nil {
		return nil, &frame.RPCError{Code: -32603, Message: err.Error()}
	}
	return b, nil
}

type messageParams struct {
	ConnectionID string          `json:"connectionId"`
	Method       string          `json:"method"`
	Params       json.RawMessage `json:"params,omitempty"`
}

// Message services mcp/message: dispatch method against the connection's
// ToolServer and respond with the raw MCP result, unwrapped.
func (h *Handler) Message(params json.RawMessage) (json.RawMessage, *frame.RPCError) {
	var p messageParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, &frame.RPCError{Code: -32602, Message: "invalid mcp/message params"}
	}
	h.mu.Lock()
	conn, ok := h.connections[p.ConnectionID]
	h.mu.Unlock()
	if !ok {
		return nil, &frame.RPCError{Code: -32600, Message: "unknown connection"}
	}
	return h.handleMethod(conn, p.Method, p.Params)
}

// handleMethod is the ToolServer-facing MCP dispatch table (spec §4.2).
func (h *Handler) handleMethod(conn *connectionState, method string, params json.RawMessage) (json.RawMessage, *frame.RPCError) {
	switch method {
	case "initialize":
		res := map[string]any{
			"protocolVersion": protocolVersion,
			"capabilities":    map[string]any{"tools": map[string]any{}},
			"serverInfo":      conn.server.Implementation(),
		}
		b, _ := json.Marshal(res)
		return b, nil
	case "tools/list":
		b, _ := json.Marshal(map[string]any{"tools": conn.server.ListTools()})
		return b, nil
	case "tools/call":
		return h.callTool(conn, params)
	default:
		return nil, &frame.RPCError{Code: -32601, Message: "method not found: " + method}
	}
}

type callToolParams struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments,omitempty"`
}

func (h *Handler) callTool(conn *connectionState, params json.RawMessage) (json.RawMessage, *frame.RPCError) {
	var p callToolParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, &frame.RPCError{Code: -32602, Message: "invalid tools/call params"}
	}
	def, ok := conn.server.Tool(p.Name)
	if !ok {
		return nil, &frame.RPCError{Code: -32601, Message: "unknown tool: " + p.Name}
	}
	out, err := def.Invoke(context.Background(), p.Arguments)
	if err != nil {
		return nil, &frame.RPCError{Code: -32603, Message: err.Error()}
	}
	text, err := json.Marshal(out)
	if err != nil {
		return nil, &frame.RPCError{Code: -32603, Message: err.Error()}
	}
	result := mcp.NewToolResultText(string(text))
	b, err := json.Marshal(result)
	if err != nil {
		return nil, &frame.RPCError{Code: -32603, Message: err.Error()}
	}
	return b, nil
}

type disconnectParams struct {
	ConnectionID string `json:"connectionId"`
}

// Disconnect services mcp/disconnect: a notification, no response.
func (h *Handler) Disconnect(params json.RawMessage) {
	var p disconnectParams
	if err := json.Unmarshal(params, &p); err != nil {
		logx.Log.Warn().Err(err).Msg("malformed mcp/disconnect params")
		return
	}
	h.mu.Lock()
	delete(h.connections, p.ConnectionID)
	h.mu.Unlock()
}
