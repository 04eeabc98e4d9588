// Package router implements the conductor's core: the pipeline walk that
// forwards frames hop by hop between the client, zero or more proxies, and
// the agent, rewriting ids, applying the proxy successor-wrapping envelope,
// running the initialize handshake, and tearing the whole pipeline down on
// the first component fault.
package router

import (
	"encoding/json"

	"github.com/acpconductor/conductor/internal/connector"
	"github.com/acpconductor/conductor/internal/frame"
)

// Hop is one component attached to the pipeline. Hop 0 is always the
// client-facing side; the last hop is always the agent. Every hop in
// between is a proxy.
type Hop struct {
	Name string
	Conn connector.Connector
}

// Pipeline is the fixed, ordered list of components the router mediates
// between. It never changes after the conductor starts (spec §3).
type Pipeline []Hop

// AgentIndex returns the index of the terminal agent hop.
func (p Pipeline) AgentIndex() int { return len(p) - 1 }

// IsProxy reports whether hop i is an interior proxy (neither the client
// nor the agent).
func (p Pipeline) IsProxy(i int) bool { return i > 0 && i < p.AgentIndex() }

// IsTerminal reports whether hop i is the client or the agent — the two
// ends of the pipeline that always see raw, unwrapped methods.
func (p Pipeline) IsTerminal(i int) bool { return i == 0 || i == p.AgentIndex() }

// direction records which way a forwarded message is travelling:
// forward means client-to-agent, backward means agent-to-client.
type direction int

const (
	forward direction = iota
	backward
)

func (d direction) String() string {
	if d == forward {
		return "forward"
	}
	return "backward"
}

// opposite returns the direction a response travels in, relative to the
// request direction it answers.
func (d direction) opposite() direction {
	if d == forward {
		return backward
	}
	return forward
}

// PendingRequest is the one-hop correlation record the router keeps while
// a request it forwarded to a peer is awaiting a response. It is created
// when the router mints a fresh id for the outbound hop and destroyed the
// moment the matching response is routed back (spec §3).
type PendingRequest struct {
	OriginalID json.RawMessage
	OriginHop  int
	Dir        direction
	// OnResponse, if set, is invoked with the response's raw result and
	// error before the response is relayed backward — used to publish a session/new
	// response's sessionId to the bridge's session registry.
	OnResponse func(result json.RawMessage, rpcErr *frame.RPCError)
}
