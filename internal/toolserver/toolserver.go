// Package toolserver holds the in-process tool servers the conductor's
// control handler (internal/mcpcontrol) can route mcp/connect and
// mcp/message calls to. A ToolServer is never reachable over the wire by
// itself; it exists purely as the record an acp:<uuid> URL resolves to
// (spec §3 "Tool server registry").
package toolserver

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"
)

// Param describes one string argument a tool accepts. Schema validation of
// forwarded payloads is out of scope (spec §1 Non-goals), so params stay
// string-typed and untyped validation is left to the tool's own Invoke.
type Param struct {
	Name        string
	Description string
	Required    bool
}

// ToolDef is one tool exposed by a ToolServer (spec §3 ToolDef).
type ToolDef struct {
	Name        string
	Description string
	Params      []Param
	// Invoke receives the tools/call arguments verbatim and returns the
	// value to encode as the tool's result (spec §4.2's "handleMethod"
	// tools/call dispatch). Context carries sessionId/connectionId via
	// mcpcontrol, not here; Invoke only needs request-scoped cancellation.
	Invoke func(ctx context.Context, args map[string]any) (any, error)
}

func (d ToolDef) asMCPTool() mcp.Tool {
	opts := []mcp.ToolOption{mcp.WithDescription(d.Description)}
	for _, p := range d.Params {
		propOpts := []mcp.PropertyOption{mcp.Description(p.Description)}
		if p.Required {
			propOpts = append(propOpts, mcp.Required())
		}
		opts = append(opts, mcp.WithString(p.Name, propOpts...))
	}
	return mcp.NewTool(d.Name, opts...)
}

// ToolServer is a named, versioned set of tools reachable by an acp:<uuid>
// URL (spec §3 ToolServer record).
type ToolServer struct {
	ACPURL       string
	Name         string
	Version      string
	Instructions string

	mu    sync.RWMutex
	tools map[string]ToolDef
	order []string
}

// New mints a fresh acp:<uuid> URL for a ToolServer exposing defs.
func New(name, version string, defs []ToolDef) *ToolServer {
	ts := &ToolServer{
		ACPURL:  "acp:" + uuid.NewString(),
		Name:    name,
		Version: version,
		tools:   make(map[string]ToolDef, len(defs)),
	}
	for _, d := range defs {
		ts.tools[d.Name] = d
		ts.order = append(ts.order, d.Name)
	}
	return ts
}

// Implementation renders this server's serverInfo for mcp/connect and
// initialize responses.
func (ts *ToolServer) Implementation() mcp.Implementation {
	return mcp.Implementation{Name: ts.Name, Version: ts.Version}
}

// ListTools renders the tools/list entries for this server, in
// registration order.
func (ts *ToolServer) ListTools() []mcp.Tool {
	ts.mu.RLock()
	defer ts.mu.RUnlock()
	out := make([]mcp.Tool, 0, len(ts.order))
	for _, name := range ts.order {
		out = append(out, ts.tools[name].asMCPTool())
	}
	return out
}

// Tool looks up a single tool definition by name for tools/call dispatch.
func (ts *ToolServer) Tool(name string) (ToolDef, bool) {
	ts.mu.RLock()
	defer ts.mu.RUnlock()
	d, ok := ts.tools[name]
	return d, ok
}

// Registry maps acp:<uuid> URLs to the ToolServer registered under them
// (spec §3 "Tool server registry"; §4.2 serversByUrl).
type Registry struct {
	mu    sync.RWMutex
	byURL map[string]*ToolServer
}

// NewRegistry builds a Registry, optionally pre-populated with servers.
// cmd/conductor starts with an empty registry; servers can be added later
// with Register.
func NewRegistry(servers ...*ToolServer) *Registry {
	r := &Registry{byURL: make(map[string]*ToolServer, len(servers))}
	for _, s := range servers {
		r.byURL[s.ACPURL] = s
	}
	return r
}

// Register adds or replaces ts under its ACPURL.
func (r *Registry) Register(ts *ToolServer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byURL[ts.ACPURL] = ts
}

// Unregister removes the server registered at acpURL, if any.
func (r *Registry) Unregister(acpURL string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.byURL, acpURL)
}

// Lookup returns the ToolServer registered at acpURL.
func (r *Registry) Lookup(acpURL string) (*ToolServer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.byURL[acpURL]
	return s, ok
}
