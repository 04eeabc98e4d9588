package router

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/acpconductor/conductor/internal/frame"
	"github.com/acpconductor/conductor/internal/idalloc"
	"github.com/acpconductor/conductor/internal/logx"
	"github.com/acpconductor/conductor/internal/metrics"
	"github.com/acpconductor/conductor/internal/queue"
)

// ControlHandler services the reserved mcp/* control-channel methods
// locally instead of forwarding them down the pipeline (spec §4.2). The
// concrete implementation lives in internal/mcpcontrol; router depends
// only on this narrow contract to avoid an import cycle.
type ControlHandler interface {
	Connect(params json.RawMessage) (json.RawMessage, *frame.RPCError)
	Message(params json.RawMessage) (json.RawMessage, *frame.RPCError)
	Disconnect(params json.RawMessage)
}

// SessionInterceptor lets the router hand a forward session/new request
// to the MCP HTTP bridge before it reaches the agent, and later publish
// the sessionId the agent's response reveals. Implemented by
// internal/mcpbridge; kept as a narrow interface here to avoid a cycle.
type SessionInterceptor interface {
	// InterceptSessionNew inspects params.mcpServers for acp: URLs,
	// rewrites them to http://127.0.0.1:<port>, and returns the
	// rewritten params and a sessionKey to publish against later. ok is
	// false when there was nothing to rewrite (params forwarded as-is).
	InterceptSessionNew(params json.RawMessage) (rewritten json.RawMessage, sessionKey string, ok bool)
	// PublishSessionID is called once the agent's session/new response
	// has been observed, to unblock parked bridge HTTP connections.
	PublishSessionID(sessionKey, sessionID string)
	// CancelSession is called when the agent answers a session/new request
	// with an error, so no sessionId will ever be published for it.
	CancelSession(sessionKey string, err error)
	// CancelAll is called when the pipeline faults, to unblock every
	// bridge connection still parked across every in-flight session/new
	// request — none of them will ever see a response now.
	CancelAll(err error)
}

// FaultError is returned by Run when a component fault tears the pipeline
// down (spec §4.1, §7).
type FaultError struct {
	Hop string
	Err error
}

func (e *FaultError) Error() string {
	return fmt.Sprintf("component %q faulted: %v", e.Hop, e.Err)
}

func (e *FaultError) Unwrap() error { return e.Err }

// HandshakeError is returned when a proxy refuses the successor-wrapping
// handshake (spec §4.1, §8 scenario C).
type HandshakeError struct {
	Hop string
}

func (e *HandshakeError) Error() string {
	return fmt.Sprintf("proxy %q did not acknowledge the proxy handshake", e.Hop)
}

// Router is the conductor's central correlator. One Router exists per
// conductor process and owns the single message queue every forwarded
// frame passes through (spec §5).
type Router struct {
	pipeline Pipeline
	control  ControlHandler
	bridge   SessionInterceptor

	q *queue.Queue

	alloc []*idalloc.Allocator
	// pending[hop][id] is the correlation record for a request the
	// router sent to hop awaiting hop's response.
	pending []map[int64]PendingRequest
	// relayDir[hop] records which direction the last wrapped message
	// delivered to an interior hop was travelling, so that a proxy's own
	// follow-on request/notification (not itself a response) continues
	// in the same direction rather than bouncing back where it came from.
	relayDir []direction

	inbound []<-chan frame.Frame
	errc    []<-chan error

	faultOnce sync.Once
	faultErr  error
	done      chan struct{}
}

// New constructs a Router for pipeline. control and bridge may be nil in
// tests that don't exercise those subsystems.
func New(pipeline Pipeline, control ControlHandler, bridge SessionInterceptor) *Router {
	n := len(pipeline)
	r := &Router{
		pipeline: pipeline,
		control:  control,
		bridge:   bridge,
		q:        queue.New(256),
		alloc:    make([]*idalloc.Allocator, n),
		pending:  make([]map[int64]PendingRequest, n),
		relayDir: make([]direction, n),
		inbound:  make([]<-chan frame.Frame, n),
		errc:     make([]<-chan error, n),
		done:     make(chan struct{}),
	}
	for i := range pipeline {
		r.alloc[i] = idalloc.New()
		r.pending[i] = make(map[int64]PendingRequest)
	}
	return r
}

// Pending reports how many unresolved requests remain outstanding at hop
// i; zero at quiescence (spec §8 invariant 1).
func (r *Router) Pending(hop int) int { return r.alloc[hop].Pending() }

// Run connects every hop, performs the initialize handshake, then runs
// the generic forwarding loop until ctx is cancelled or a fault occurs.
// It returns nil on a clean shutdown (ctx cancellation) or a *FaultError /
// *HandshakeError on a pipeline-ending fault.
func (r *Router) Run(ctx context.Context) error {
	for i, h := range r.pipeline {
		in, errc, err := h.Conn.Connect(ctx)
		if err != nil {
			return &FaultError{Hop: h.Name, Err: err}
		}
		r.inbound[i] = in
		r.errc[i] = errc
	}

	first, err := r.readOne(ctx, 0)
	if err != nil {
		return &FaultError{Hop: r.pipeline[0].Name, Err: err}
	}
	if first.Kind != frame.KindRequest || first.Method != "initialize" {
		r.closeAll()
		return &FaultError{Hop: r.pipeline[0].Name, Err: fmt.Errorf("first client frame must be an initialize request")}
	}
	if err := r.handshake(ctx, first); err != nil {
		r.closeAll()
		return err
	}

	var wg sync.WaitGroup
	for i := range r.pipeline {
		wg.Add(1)
		go r.pump(ctx, i, &wg)
	}
	go r.q.Run(ctx)

	select {
	case <-ctx.Done():
		r.closeAll()
		wg.Wait()
		return nil
	case <-r.done:
		wg.Wait()
		return r.faultErr
	}
}

// readOne blocks for exactly one inbound frame from hop, surfacing a
// connector-reported error or unexpected close as an error.
func (r *Router) readOne(ctx context.Context, hop int) (frame.Frame, error) {
	select {
	case f, ok := <-r.inbound[hop]:
		if !ok {
			select {
			case err := <-r.errc[hop]:
				if err != nil {
					return frame.Frame{}, err
				}
			default:
			}
			return frame.Frame{}, fmt.Errorf("channel closed")
		}
		return f, nil
	case err := <-r.errc[hop]:
		if err == nil {
			err = fmt.Errorf("channel closed")
		}
		return frame.Frame{}, err
	case <-ctx.Done():
		return frame.Frame{}, ctx.Err()
	}
}

// handshake runs the proxy handshake sequentially through every interior
// proxy, then forwards initialize unmodified to the agent, per spec §4.1.
func (r *Router) handshake(ctx context.Context, initReq frame.Frame) error {
	agentIdx := r.pipeline.AgentIndex()
	for i := 1; i < agentIdx; i++ {
		params, err := withProxyMeta(initReq.Params)
		if err != nil {
			return &FaultError{Hop: r.pipeline[i].Name, Err: err}
		}
		if err := r.pipeline[i].Conn.Send(frame.NewRequest(json.RawMessage(`1`), "initialize", params)); err != nil {
			r.failInitialize(initReq.ID, fmt.Sprintf("proxy %q unreachable", r.pipeline[i].Name))
			return &FaultError{Hop: r.pipeline[i].Name, Err: err}
		}
		resp, err := r.readOne(ctx, i)
		if err != nil {
			r.failInitialize(initReq.ID, fmt.Sprintf("proxy %q unreachable", r.pipeline[i].Name))
			return &FaultError{Hop: r.pipeline[i].Name, Err: err}
		}
		if resp.Kind != frame.KindResponse || resp.Error != nil || !resultHasProxyMeta(resp.Result) {
			r.failInitialize(initReq.ID, fmt.Sprintf("proxy %q did not acknowledge the proxy handshake", r.pipeline[i].Name))
			return &HandshakeError{Hop: r.pipeline[i].Name}
		}
		logx.Log.Info().Str("hop", r.pipeline[i].Name).Msg("proxy accepted successor-wrapping handshake")
	}

	if err := r.pipeline[agentIdx].Conn.Send(frame.NewRequest(json.RawMessage(`1`), "initialize", initReq.Params)); err != nil {
		r.failInitialize(initReq.ID, fmt.Sprintf("agent %q unreachable", r.pipeline[agentIdx].Name))
		return &FaultError{Hop: r.pipeline[agentIdx].Name, Err: err}
	}
	agentResp, err := r.readOne(ctx, agentIdx)
	if err != nil {
		r.failInitialize(initReq.ID, fmt.Sprintf("agent %q unreachable", r.pipeline[agentIdx].Name))
		return &FaultError{Hop: r.pipeline[agentIdx].Name, Err: err}
	}
	reply := agentResp.WithID(initReq.ID)
	if err := r.pipeline[0].Conn.Send(reply); err != nil {
		return &FaultError{Hop: r.pipeline[0].Name, Err: err}
	}
	return nil
}

func (r *Router) failInitialize(origID json.RawMessage, message string) {
	resp := frame.NewErrorResponse(origID, -32000, message, nil)
	_ = r.pipeline[0].Conn.Send(resp)
}

func withProxyMeta(params json.RawMessage) (json.RawMessage, error) {
	var m map[string]json.RawMessage
	if len(params) > 0 {
		if err := json.Unmarshal(params, &m); err != nil {
			return nil, err
		}
	}
	if m == nil {
		m = map[string]json.RawMessage{}
	}
	var metaMap map[string]json.RawMessage
	if raw, ok := m["_meta"]; ok {
		_ = json.Unmarshal(raw, &metaMap)
	}
	if metaMap == nil {
		metaMap = map[string]json.RawMessage{}
	}
	metaMap["proxy"] = json.RawMessage(`true`)
	metaBytes, err := json.Marshal(metaMap)
	if err != nil {
		return nil, err
	}
	m["_meta"] = metaBytes
	return json.Marshal(m)
}

func resultHasProxyMeta(result json.RawMessage) bool {
	var m struct {
		Meta struct {
			Proxy bool `json:"proxy"`
		} `json:"_meta"`
	}
	if err := json.Unmarshal(result, &m); err != nil {
		return false
	}
	return m.Meta.Proxy
}

// pump reads hop's inbound channel and enqueues each frame onto the
// shared queue for sequential processing. This is the mechanism that
// gives the router its end-to-end ordering guarantee (spec §5): nothing
// is ever routed except by way of this single FIFO.
func (r *Router) pump(ctx context.Context, hop int, wg *sync.WaitGroup) {
	defer wg.Done()
	for {
		select {
		case f, ok := <-r.inbound[hop]:
			if !ok {
				r.fault(hop, <-r.errc[hop])
				return
			}
			hop := hop
			if err := r.q.Push(queue.Item{Deliver: func() error {
				r.route(hop, f)
				return nil
			}}); err != nil {
				return
			}
		case err := <-r.errc[hop]:
			r.fault(hop, err)
			return
		case <-ctx.Done():
			return
		case <-r.done:
			return
		}
	}
}

// fault is the single entry point for tearing the pipeline down on any
// component loss (spec §4.1). It is safe to call from multiple goroutines.
func (r *Router) fault(hop int, err error) {
	if err == nil {
		err = fmt.Errorf("connection closed")
	}
	r.faultOnce.Do(func() {
		logx.Log.Error().Str("hop", r.pipeline[hop].Name).Err(err).Msg("component fault; shutting down pipeline")
		r.faultErr = &FaultError{Hop: r.pipeline[hop].Name, Err: err}
		if r.bridge != nil {
			r.bridge.CancelAll(r.faultErr)
		}
		r.closeAll()
		close(r.done)
	})
}

func (r *Router) closeAll() {
	for _, h := range r.pipeline {
		_ = h.Conn.Close()
	}
	r.q.Close()
}

// route makes the forwarding decision for a single frame observed from
// hop and, for requests/notifications, delivers it to the next hop with
// id rewriting and successor wrapping applied. It runs exclusively on the
// queue's single consumer goroutine — no locking required (spec §5).
func (r *Router) route(hop int, f frame.Frame) {
	if isReservedControlMethod(f.Method) {
		r.dispatchControl(hop, f)
		return
	}
	if strings.HasPrefix(f.Method, "_mcp/") {
		if f.Kind == frame.KindRequest {
			_ = r.pipeline[hop].Conn.Send(frame.NewErrorResponse(f.ID, -32601, "malformed extension method: use mcp/* not _mcp/*", nil))
		}
		return
	}

	switch f.Kind {
	case frame.KindResponse:
		r.routeResponse(hop, f)
	case frame.KindRequest:
		r.routeForward(hop, f, true)
	case frame.KindNotification:
		r.routeForward(hop, f, false)
	default:
		logx.Log.Warn().Str("hop", r.pipeline[hop].Name).Msg("dropping invalid frame")
	}
}

func isReservedControlMethod(method string) bool {
	switch method {
	case "mcp/connect", "mcp/message", "mcp/disconnect":
		return true
	}
	return false
}

func (r *Router) dispatchControl(hop int, f frame.Frame) {
	if r.control == nil {
		if f.Kind == frame.KindRequest {
			_ = r.pipeline[hop].Conn.Send(frame.NewErrorResponse(f.ID, -32601, "mcp bridge not configured", nil))
		}
		return
	}
	switch f.Method {
	case "mcp/connect":
		result, rpcErr := r.control.Connect(f.Params)
		r.replyControl(hop, f.ID, result, rpcErr)
	case "mcp/message":
		result, rpcErr := r.control.Message(f.Params)
		r.replyControl(hop, f.ID, result, rpcErr)
	case "mcp/disconnect":
		r.control.Disconnect(f.Params)
	}
}

func (r *Router) replyControl(hop int, id json.RawMessage, result json.RawMessage, rpcErr *frame.RPCError) {
	if len(id) == 0 {
		return
	}
	if rpcErr != nil {
		_ = r.pipeline[hop].Conn.Send(frame.NewErrorResponse(id, rpcErr.Code, rpcErr.Message, rpcErr.Data))
		return
	}
	_ = r.pipeline[hop].Conn.Send(frame.NewResponse(id, result))
}

// destinationAndDirection decides where a request/notification observed
// from hop should go next and in which logical direction, per the router
// direction model documented in DESIGN.md.
func (r *Router) destinationAndDirection(hop int) (dest int, dir direction) {
	agentIdx := r.pipeline.AgentIndex()
	switch {
	case hop == 0:
		return 1, forward
	case hop == agentIdx:
		return agentIdx - 1, backward
	default:
		dir = r.relayDir[hop]
		if dir == forward {
			return hop + 1, forward
		}
		return hop - 1, backward
	}
}

func (r *Router) routeForward(hop int, f frame.Frame, isRequest bool) {
	method, params, err := unwrapSuccessor(f.Method, f.Params)
	if err != nil {
		logx.Log.Warn().Str("hop", r.pipeline[hop].Name).Err(err).Msg("dropping malformed successor envelope")
		return
	}
	dest, dir := r.destinationAndDirection(hop)

	if method == "session/new" && dest == r.pipeline.AgentIndex() && r.bridge != nil {
		if rewritten, sessionKey, ok := r.bridge.InterceptSessionNew(params); ok {
			params = rewritten
			if isRequest {
				r.forwardRequest(hop, dest, dir, f.ID, method, params, func(result json.RawMessage, rpcErr *frame.RPCError) {
					if rpcErr != nil {
						r.bridge.CancelSession(sessionKey, fmt.Errorf("%s", rpcErr.Message))
						return
					}
					var sr struct {
						SessionID string `json:"sessionId"`
					}
					if err := json.Unmarshal(result, &sr); err == nil && sr.SessionID != "" {
						r.bridge.PublishSessionID(sessionKey, sr.SessionID)
					}
				})
				return
			}
		}
	}

	destIsTerminal := r.pipeline.IsTerminal(dest)
	wireMethod, wireParams, err := wrapForHop(destIsTerminal, !isRequest, method, params)
	if err != nil {
		logx.Log.Warn().Str("hop", r.pipeline[hop].Name).Err(err).Msg("failed to encode successor envelope")
		return
	}

	if !isRequest {
		r.relayDir[dest] = dir
		_ = r.pipeline[dest].Conn.Send(frame.NewNotification(wireMethod, wireParams))
		metrics.RecordForwardedFrame(r.pipeline[dest].Name, dir.String())
		return
	}
	r.forwardRequest(hop, dest, dir, f.ID, wireMethod, wireParams, nil)
}

// forwardRequest mints a fresh id for dest, records the PendingRequest
// chain-link back to hop's original id, and sends the request on.
func (r *Router) forwardRequest(hop, dest int, dir direction, origID json.RawMessage, wireMethod string, wireParams json.RawMessage, onResponse func(json.RawMessage, *frame.RPCError)) {
	newID := r.alloc[dest].Alloc(origID)
	r.pending[dest][newID] = PendingRequest{OriginalID: origID, OriginHop: hop, Dir: dir, OnResponse: onResponse}
	r.relayDir[dest] = dir
	idBytes := json.RawMessage(fmt.Sprintf("%d", newID))
	if err := r.pipeline[dest].Conn.Send(frame.NewRequest(idBytes, wireMethod, wireParams)); err != nil {
		delete(r.pending[dest], newID)
		_, _ = r.alloc[dest].Resolve(newID)
		metrics.SetPendingRequests(r.pipeline[dest].Name, len(r.pending[dest]))
		return
	}
	metrics.RecordForwardedFrame(r.pipeline[dest].Name, dir.String())
	metrics.SetPendingRequests(r.pipeline[dest].Name, len(r.pending[dest]))
}

func (r *Router) routeResponse(hop int, f frame.Frame) {
	var mintedID int64
	if err := json.Unmarshal(f.ID, &mintedID); err != nil {
		logx.Log.Warn().Str("hop", r.pipeline[hop].Name).Str("id", string(f.ID)).Msg("response id is not an integer minted by this router")
		return
	}
	pr, ok := r.pending[hop][mintedID]
	if !ok {
		logx.Log.Warn().Str("hop", r.pipeline[hop].Name).Int64("id", mintedID).Msg("response for unknown or already-resolved request")
		return
	}
	delete(r.pending[hop], mintedID)
	_, _ = r.alloc[hop].Resolve(mintedID)
	metrics.SetPendingRequests(r.pipeline[hop].Name, len(r.pending[hop]))

	if pr.OnResponse != nil {
		pr.OnResponse(f.Result, f.Error)
	}

	reply := frame.Frame{Kind: frame.KindResponse, ID: pr.OriginalID, Result: f.Result, Error: f.Error}
	_ = r.pipeline[pr.OriginHop].Conn.Send(reply)
	metrics.RecordForwardedFrame(r.pipeline[pr.OriginHop].Name, pr.Dir.opposite().String())
}
