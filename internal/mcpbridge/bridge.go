// Package mcpbridge implements the conductor's MCP HTTP bridge (spec
// §4.3): for every acp: URL named in a session/new request, it binds an
// ephemeral 127.0.0.1 HTTP listener, rewrites the URL the agent sees, and
// translates the agent's HTTP POST/OPTIONS traffic into mcp/connect and
// mcp/message calls against internal/mcpcontrol. It implements
// router.SessionInterceptor.
//
// Grounded on internal/mcpbridge/bridge.go's Bridge/session design: the
// per-session pending-response correlation and ErrSessionClosed/
// ErrBackpressure sentinels are kept; the websocket transport leg is
// replaced with a plain net/http listener per spec §4.3, shaped after
// internal/mcpserver/streamable.go's http.Handler and the teacher's
// go-chi/chi routing conventions.
package mcpbridge

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/google/uuid"

	"github.com/acpconductor/conductor/internal/frame"
	"github.com/acpconductor/conductor/internal/logx"
	"github.com/acpconductor/conductor/internal/mcpcontrol"
	"github.com/acpconductor/conductor/internal/metrics"
)

// ErrSessionClosed is returned to an HTTP caller parked awaiting a
// sessionId when its listener is closed before a sessionId was published.
// CancelSession and CancelAll report the error they are given instead.
var ErrSessionClosed = errors.New("mcpbridge: session closed before a sessionId was published")

// ErrBackpressure is returned when a BridgeListener already has
// maxInflight requests in flight. Spec §4.3 describes additional posts
// as queuing rather than being rejected; this implementation instead
// follows the teacher's reject-with-sentinel idiom (internal/mcpbridge's
// session.register) with a configurable limit instead of a literal
// request queue — see DESIGN.md.
var ErrBackpressure = errors.New("mcpbridge: backpressure, too many requests in flight for this connection")

type mcpServerConfig struct {
	Name string `json:"name"`
	URL  string `json:"url"`
	Type string `json:"type,omitempty"`
}

type sessionNewParams struct {
	MCPServers []mcpServerConfig `json:"mcpServers,omitempty"`
}

// Bridge owns every BridgeListener across every in-flight session/new
// request. One Bridge exists per conductor process and is handed to
// router.New as the SessionInterceptor.
type Bridge struct {
	control     *mcpcontrol.Handler
	maxInflight int

	mu           sync.Mutex
	bySessionKey map[string][]*BridgeListener
}

// New builds a Bridge that dispatches mcp/connect, mcp/message and
// mcp/disconnect to control. maxInflight bounds how many concurrent HTTP
// requests each BridgeListener admits before returning ErrBackpressure
// (config.ConductorConfig.MaxInFlightPerSession); values <= 0 are
// clamped to 1.
func New(control *mcpcontrol.Handler, maxInflight int) *Bridge {
	if maxInflight <= 0 {
		maxInflight = 1
	}
	return &Bridge{
		control:      control,
		maxInflight:  maxInflight,
		bySessionKey: make(map[string][]*BridgeListener),
	}
}

// InterceptSessionNew implements router.SessionInterceptor.
func (b *Bridge) InterceptSessionNew(params json.RawMessage) (json.RawMessage, string, bool) {
	var p sessionNewParams
	if err := json.Unmarshal(params, &p); err != nil {
		return params, "", false
	}
	var targets []int
	for i, s := range p.MCPServers {
		if strings.HasPrefix(s.URL, "acp:") {
			targets = append(targets, i)
		}
	}
	if len(targets) == 0 {
		return params, "", false
	}

	sessionKey := uuid.NewString()
	listeners := make([]*BridgeListener, 0, len(targets))
	for _, i := range targets {
		acpURL := p.MCPServers[i].URL
		bl, err := newListener(b.control, b.maxInflight, acpURL)
		if err != nil {
			logx.Log.Error().Err(err).Str("acp_url", acpURL).Msg("mcpbridge: failed to start bridge listener")
			continue
		}
		p.MCPServers[i].URL = "http://" + bl.Addr
		p.MCPServers[i].Type = "http"
		listeners = append(listeners, bl)
	}
	if len(listeners) == 0 {
		return params, "", false
	}

	b.mu.Lock()
	b.bySessionKey[sessionKey] = listeners
	b.mu.Unlock()

	rewritten, err := json.Marshal(p)
	if err != nil {
		for _, l := range listeners {
			_ = l.Close()
		}
		return params, "", false
	}
	return rewritten, sessionKey, true
}

// PublishSessionID implements router.SessionInterceptor: unblock every
// BridgeListener parked under sessionKey.
func (b *Bridge) PublishSessionID(sessionKey, sessionID string) {
	b.mu.Lock()
	listeners := b.bySessionKey[sessionKey]
	delete(b.bySessionKey, sessionKey)
	b.mu.Unlock()
	for _, l := range listeners {
		l.publishSessionID(sessionID)
	}
}

// CancelSession implements router.SessionInterceptor: wake every parked
// listener with err and tear the listeners down, since the session they
// were created for never started.
func (b *Bridge) CancelSession(sessionKey string, err error) {
	b.mu.Lock()
	listeners := b.bySessionKey[sessionKey]
	delete(b.bySessionKey, sessionKey)
	b.mu.Unlock()
	cancelAndClose(listeners, err)
}

// CancelAll implements router.SessionInterceptor: called when a pipeline
// fault means no session/new response will ever arrive for any
// in-flight session, so every parked listener across every session must
// be woken with err rather than left blocked on <-bl.ready.
func (b *Bridge) CancelAll(err error) {
	b.mu.Lock()
	all := b.bySessionKey
	b.bySessionKey = make(map[string][]*BridgeListener)
	b.mu.Unlock()
	for _, listeners := range all {
		cancelAndClose(listeners, err)
	}
}

func cancelAndClose(listeners []*BridgeListener, err error) {
	for _, l := range listeners {
		l.cancel(err)
		_ = l.Close()
	}
}

// Close tears down every listener whose session/new outcome is still
// pending, regardless of session. Listeners whose sessionId has already
// been published are no longer tracked by the Bridge and are not closed
// here. Called by cmd/conductor on shutdown.
func (b *Bridge) Close() {
	b.mu.Lock()
	all := b.bySessionKey
	b.bySessionKey = make(map[string][]*BridgeListener)
	b.mu.Unlock()
	for _, listeners := range all {
		for _, l := range listeners {
			_ = l.Close()
		}
	}
}

// BridgeListener is the ephemeral HTTP endpoint standing in for one acp:
// URL named in a session/new request (spec §3 BridgeListener /
// BridgeConnection, merged: this implementation opens exactly one MCP
// connection per listener, lazily, on its first HTTP request).
type BridgeListener struct {
	ACPURL string
	Addr   string

	control  *mcpcontrol.Handler
	listener net.Listener
	server   *http.Server

	ready chan struct{} // closed once sessionID or cancelErr is set
	once  sync.Once

	maxInflight int

	mu           sync.Mutex
	sessionID    string
	cancelErr    error
	connectionID string
	inflight     int
	closed       bool
}

func newListener(control *mcpcontrol.Handler, maxInflight int, acpURL string) (*BridgeListener, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, err
	}
	bl := &BridgeListener{
		ACPURL:      acpURL,
		Addr:        ln.Addr().String(),
		control:     control,
		listener:    ln,
		ready:       make(chan struct{}),
		maxInflight: maxInflight,
	}

	r := chi.NewRouter()
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"POST", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type"},
	}))
	r.Post("/", bl.handle)

	bl.server = &http.Server{Handler: r}
	go func() {
		if err := bl.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logx.Log.Warn().Err(err).Str("acp_url", acpURL).Msg("mcpbridge: listener stopped")
		}
	}()
	return bl, nil
}

func (bl *BridgeListener) publishSessionID(sessionID string) {
	bl.mu.Lock()
	bl.sessionID = sessionID
	bl.mu.Unlock()
	bl.once.Do(func() { close(bl.ready) })
}

// cancel wakes any handler parked on <-bl.ready with err. The first
// caller's error wins: a listener already canceled with a specific
// fault (e.g. CancelSession's error) keeps that error even if Close is
// called afterward as part of the same teardown.
func (bl *BridgeListener) cancel(err error) {
	if err == nil {
		err = ErrSessionClosed
	}
	bl.mu.Lock()
	if bl.cancelErr == nil {
		bl.cancelErr = err
	}
	bl.mu.Unlock()
	bl.once.Do(func() { close(bl.ready) })
}

// Close stops accepting connections and severs the MCP connection this
// listener opened, if any.
func (bl *BridgeListener) Close() error {
	bl.mu.Lock()
	if bl.closed {
		bl.mu.Unlock()
		return nil
	}
	bl.closed = true
	connID := bl.connectionID
	bl.mu.Unlock()

	bl.cancel(ErrSessionClosed)
	if connID != "" && bl.control != nil {
		params, _ := json.Marshal(map[string]string{"connectionId": connID})
		bl.control.Disconnect(params)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return bl.server.Shutdown(ctx)
}

// ensureConnected opens the MCP connection for this listener's acp: URL
// on first use (spec §4.3: "If this is the first message on this socket,
// synthesize a mcp/connect").
func (bl *BridgeListener) ensureConnected(sessionID string) (string, *frame.RPCError) {
	bl.mu.Lock()
	defer bl.mu.Unlock()
	if bl.connectionID != "" {
		return bl.connectionID, nil
	}
	params, err := json.Marshal(map[string]string{"url": bl.ACPURL, "sessionId": sessionID})
	if err != nil {
		return "", &frame.RPCError{Code: -32603, Message: err.Error()}
	}
	result, rpcErr := bl.control.Connect(params)
	if rpcErr != nil {
		return "", rpcErr
	}
	var cr struct {
		ConnectionID string `json:"connectionId"`
	}
	if err := json.Unmarshal(result, &cr); err != nil {
		return "", &frame.RPCError{Code: -32603, Message: err.Error()}
	}
	bl.connectionID = cr.ConnectionID
	return bl.connectionID, nil
}

type jsonRPCEnvelope struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

func (bl *BridgeListener) handle(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	select {
	case <-bl.ready:
	case <-r.Context().Done():
		return
	}
	bl.mu.Lock()
	cancelErr := bl.cancelErr
	sessionID := bl.sessionID
	bl.mu.Unlock()
	if cancelErr != nil {
		http.Error(w, cancelErr.Error(), http.StatusServiceUnavailable)
		metrics.RecordBridgeHTTPRequest("session_closed", time.Since(start))
		return
	}

	if !bl.beginInflight() {
		http.Error(w, ErrBackpressure.Error(), http.StatusTooManyRequests)
		metrics.RecordBridgeHTTPRequest("backpressure", time.Since(start))
		return
	}
	defer bl.endInflight()

	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		metrics.RecordBridgeHTTPRequest("bad_request", time.Since(start))
		return
	}
	var env jsonRPCEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		http.Error(w, "invalid json-rpc", http.StatusBadRequest)
		metrics.RecordBridgeHTTPRequest("bad_request", time.Since(start))
		return
	}

	connID, rpcErr := bl.ensureConnected(sessionID)
	if rpcErr != nil {
		writeRPCError(w, env.ID, rpcErr)
		metrics.RecordBridgeHTTPRequest("error", time.Since(start))
		return
	}

	msgParams, _ := json.Marshal(map[string]any{
		"connectionId": connID,
		"method":       env.Method,
		"params":       env.Params,
	})
	result, rpcErr := bl.control.Message(msgParams)

	isNotification := len(env.ID) == 0
	if isNotification {
		w.WriteHeader(http.StatusAccepted)
		metrics.RecordBridgeHTTPRequest("accepted", time.Since(start))
		return
	}
	if rpcErr != nil {
		writeRPCError(w, env.ID, rpcErr)
		metrics.RecordBridgeHTTPRequest("error", time.Since(start))
		return
	}
	resp := struct {
		JSONRPC string          `json:"jsonrpc"`
		ID      json.RawMessage `json:"id"`
		Result  json.RawMessage `json:"result"`
	}{JSONRPC: "2.0", ID: env.ID, Result: result}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
	metrics.RecordBridgeHTTPRequest("ok", time.Since(start))
}

func (bl *BridgeListener) beginInflight() bool {
	bl.mu.Lock()
	defer bl.mu.Unlock()
	if bl.inflight >= bl.maxInflight {
		return false
	}
	bl.inflight++
	return true
}

func (bl *BridgeListener) endInflight() {
	bl.mu.Lock()
	bl.inflight--
	bl.mu.Unlock()
}

func writeRPCError(w http.ResponseWriter, id json.RawMessage, rpcErr *frame.RPCError) {
	resp := struct {
		JSONRPC string          `json:"jsonrpc"`
		ID      json.RawMessage `json:"id"`
		Error   *frame.RPCError `json:"error"`
	}{JSONRPC: "2.0", ID: id, Error: rpcErr}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}
