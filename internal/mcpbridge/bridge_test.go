package mcpbridge

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/acpconductor/conductor/internal/mcpcontrol"
	"github.com/acpconductor/conductor/internal/toolserver"
)

func newTestControl(t *testing.T) (*mcpcontrol.Handler, *toolserver.ToolServer) {
	t.Helper()
	s := toolserver.New("s", "1.0.0", []toolserver.ToolDef{
		{
			Name: "echo",
			Invoke: func(ctx context.Context, args map[string]any) (any, error) {
				return args, nil
			},
		},
	})
	return mcpcontrol.New(toolserver.NewRegistry(s)), s
}

func TestInterceptSessionNewRewritesACPURL(t *testing.T) {
	control, s := newTestControl(t)
	b := New(control, 1)
	defer b.Close()

	params, _ := json.Marshal(sessionNewParams{MCPServers: []mcpServerConfig{
		{Name: "s", URL: s.ACPURL},
		{Name: "other", URL: "http://example.com/mcp"},
	}})

	rewritten, sessionKey, ok := b.InterceptSessionNew(params)
	if !ok {
		t.Fatal("expected InterceptSessionNew to rewrite at least one server")
	}
	if sessionKey == "" {
		t.Fatal("expected non-empty sessionKey")
	}

	var out sessionNewParams
	if err := json.Unmarshal(rewritten, &out); err != nil {
		t.Fatalf("unmarshal rewritten params: %v", err)
	}
	if !strings.HasPrefix(out.MCPServers[0].URL, "http://127.0.0.1:") {
		t.Fatalf("expected acp: url rewritten, got %q", out.MCPServers[0].URL)
	}
	if out.MCPServers[0].Type != "http" {
		t.Fatalf("expected type=http, got %q", out.MCPServers[0].Type)
	}
	if out.MCPServers[1].URL != "http://example.com/mcp" {
		t.Fatalf("expected non-acp url untouched, got %q", out.MCPServers[1].URL)
	}
}

func TestInterceptSessionNewNoACPURLsIsNoop(t *testing.T) {
	control, _ := newTestControl(t)
	b := New(control, 1)
	defer b.Close()

	params, _ := json.Marshal(sessionNewParams{MCPServers: []mcpServerConfig{
		{Name: "other", URL: "http://example.com/mcp"},
	}})
	_, _, ok := b.InterceptSessionNew(params)
	if ok {
		t.Fatal("expected no rewrite when no acp: urls present")
	}
}

func TestBridgeListenerParksUntilSessionIDPublished(t *testing.T) {
	control, s := newTestControl(t)
	b := New(control, 1)
	defer b.Close()

	params, _ := json.Marshal(sessionNewParams{MCPServers: []mcpServerConfig{{Name: "s", URL: s.ACPURL}}})
	rewritten, sessionKey, ok := b.InterceptSessionNew(params)
	if !ok {
		t.Fatal("expected rewrite")
	}
	var out sessionNewParams
	_ = json.Unmarshal(rewritten, &out)
	addr := strings.TrimPrefix(out.MCPServers[0].URL, "http://")

	reqBody, _ := json.Marshal(map[string]any{
		"jsonrpc": "2.0",
		"id":      1,
		"method":  "tools/call",
		"params":  map[string]any{"name": "echo", "arguments": map[string]any{"k": "v"}},
	})

	type httpResult struct {
		resp *http.Response
		err  error
	}
	done := make(chan httpResult, 1)
	go func() {
		resp, err := http.Post("http://"+addr+"/", "application/json", bytes.NewReader(reqBody))
		done <- httpResult{resp, err}
	}()

	select {
	case <-done:
		t.Fatal("request completed before sessionId was published")
	case <-time.After(100 * time.Millisecond):
	}

	b.PublishSessionID(sessionKey, "sess-A")

	select {
	case r := <-done:
		if r.err != nil {
			t.Fatalf("post: %v", r.err)
		}
		defer r.resp.Body.Close()
		if r.resp.StatusCode != http.StatusOK {
			t.Fatalf("got status %d", r.resp.StatusCode)
		}
		var body struct {
			Result struct {
				Content []struct {
					Text string `json:"text"`
				} `json:"content"`
			} `json:"result"`
		}
		if err := json.NewDecoder(r.resp.Body).Decode(&body); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if len(body.Result.Content) != 1 || !strings.Contains(body.Result.Content[0].Text, `"k":"v"`) {
			t.Fatalf("unexpected result: %+v", body.Result)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("request never completed after publication")
	}
}

func TestBridgeListenerNotificationGetsAccepted(t *testing.T) {
	control, s := newTestControl(t)
	b := New(control, 1)
	defer b.Close()

	params, _ := json.Marshal(sessionNewParams{MCPServers: []mcpServerConfig{{Name: "s", URL: s.ACPURL}}})
	rewritten, sessionKey, _ := b.InterceptSessionNew(params)
	var out sessionNewParams
	_ = json.Unmarshal(rewritten, &out)
	addr := strings.TrimPrefix(out.MCPServers[0].URL, "http://")
	b.PublishSessionID(sessionKey, "sess-A")

	reqBody, _ := json.Marshal(map[string]any{"jsonrpc": "2.0", "method": "notifications/initialized"})
	resp, err := http.Post("http://"+addr+"/", "application/json", bytes.NewReader(reqBody))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("got status %d, want 202", resp.StatusCode)
	}
}

func TestCancelSessionFailsParkedRequest(t *testing.T) {
	control, s := newTestControl(t)
	b := New(control, 1)
	defer b.Close()

	params, _ := json.Marshal(sessionNewParams{MCPServers: []mcpServerConfig{{Name: "s", URL: s.ACPURL}}})
	rewritten, sessionKey, _ := b.InterceptSessionNew(params)
	var out sessionNewParams
	_ = json.Unmarshal(rewritten, &out)
	addr := strings.TrimPrefix(out.MCPServers[0].URL, "http://")

	reqBody, _ := json.Marshal(map[string]any{"jsonrpc": "2.0", "id": 1, "method": "tools/list"})
	done := make(chan *http.Response, 1)
	go func() {
		resp, err := http.Post("http://"+addr+"/", "application/json", bytes.NewReader(reqBody))
		if err == nil {
			done <- resp
		} else {
			done <- nil
		}
	}()

	// Give the POST time to park on <-bl.ready before canceling.
	time.Sleep(50 * time.Millisecond)
	b.CancelSession(sessionKey, ErrSessionClosed)

	select {
	case resp := <-done:
		if resp == nil {
			t.Fatal("expected a response, got transport error")
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusServiceUnavailable {
			t.Fatalf("got status %d, want 503", resp.StatusCode)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("request never completed after cancellation")
	}
}

// TestCloseFailsParkedRequest guards against Close unblocking a parked
// handler without ever setting cancelErr, which would let the handler
// read a stale empty sessionID instead of returning 503.
func TestCloseFailsParkedRequest(t *testing.T) {
	control, s := newTestControl(t)
	b := New(control, 1)

	params, _ := json.Marshal(sessionNewParams{MCPServers: []mcpServerConfig{{Name: "s", URL: s.ACPURL}}})
	rewritten, _, _ := b.InterceptSessionNew(params)
	var out sessionNewParams
	_ = json.Unmarshal(rewritten, &out)
	addr := strings.TrimPrefix(out.MCPServers[0].URL, "http://")

	reqBody, _ := json.Marshal(map[string]any{"jsonrpc": "2.0", "id": 1, "method": "tools/list"})
	done := make(chan *http.Response, 1)
	go func() {
		resp, err := http.Post("http://"+addr+"/", "application/json", bytes.NewReader(reqBody))
		if err == nil {
			done <- resp
		} else {
			done <- nil
		}
	}()

	time.Sleep(50 * time.Millisecond)
	b.Close()

	select {
	case resp := <-done:
		if resp == nil {
			t.Fatal("expected a response, got transport error")
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusServiceUnavailable {
			t.Fatalf("got status %d, want 503", resp.StatusCode)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("request never completed after close")
	}
}

// TestCancelAllFailsParkedRequestsAcrossSessions mirrors the pipeline
// fault path: router.fault calls Bridge.CancelAll once, which must wake
// every listener parked under every sessionKey, not just one.
func TestCancelAllFailsParkedRequestsAcrossSessions(t *testing.T) {
	control, s := newTestControl(t)
	b := New(control, 1)

	var addrs []string
	for i := 0; i < 2; i++ {
		params, _ := json.Marshal(sessionNewParams{MCPServers: []mcpServerConfig{{Name: "s", URL: s.ACPURL}}})
		rewritten, _, ok := b.InterceptSessionNew(params)
		if !ok {
			t.Fatal("expected rewrite")
		}
		var out sessionNewParams
		_ = json.Unmarshal(rewritten, &out)
		addrs = append(addrs, strings.TrimPrefix(out.MCPServers[0].URL, "http://"))
	}

	reqBody, _ := json.Marshal(map[string]any{"jsonrpc": "2.0", "id": 1, "method": "tools/list"})
	results := make(chan *http.Response, len(addrs))
	for _, addr := range addrs {
		addr := addr
		go func() {
			resp, err := http.Post("http://"+addr+"/", "application/json", bytes.NewReader(reqBody))
			if err != nil {
				results <- nil
				return
			}
			results <- resp
		}()
	}

	time.Sleep(50 * time.Millisecond)
	b.CancelAll(ErrSessionClosed)

	for i := 0; i < len(addrs); i++ {
		select {
		case resp := <-results:
			if resp == nil {
				t.Fatal("expected a response, got transport error")
			}
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusServiceUnavailable {
				t.Fatalf("got status %d, want 503", resp.StatusCode)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("request never completed after CancelAll")
		}
	}
}

// TestBridgeListenerRejectsOverMaxInflight exercises the configurable
// concurrency limit wired from config.MaxInFlightPerSession: a third
// concurrent request against a listener created with maxInflight=2 must
// see 429 while the first two are still being handled.
func TestBridgeListenerRejectsOverMaxInflight(t *testing.T) {
	release := make(chan struct{})
	s := toolserver.New("s", "1.0.0", []toolserver.ToolDef{
		{
			Name: "block",
			Invoke: func(ctx context.Context, args map[string]any) (any, error) {
				<-release
				return "done", nil
			},
		},
	})
	control := mcpcontrol.New(toolserver.NewRegistry(s))
	b := New(control, 2)
	defer b.Close()

	params, _ := json.Marshal(sessionNewParams{MCPServers: []mcpServerConfig{{Name: "s", URL: s.ACPURL}}})
	rewritten, sessionKey, ok := b.InterceptSessionNew(params)
	if !ok {
		t.Fatal("expected rewrite")
	}
	var out sessionNewParams
	_ = json.Unmarshal(rewritten, &out)
	addr := strings.TrimPrefix(out.MCPServers[0].URL, "http://")
	b.PublishSessionID(sessionKey, "sess-A")

	reqBody, _ := json.Marshal(map[string]any{
		"jsonrpc": "2.0",
		"id":      1,
		"method":  "tools/call",
		"params":  map[string]any{"name": "block", "arguments": map[string]any{}},
	})

	post := func() *http.Response {
		resp, err := http.Post("http://"+addr+"/", "application/json", bytes.NewReader(reqBody))
		if err != nil {
			t.Fatalf("post: %v", err)
		}
		return resp
	}

	inflightDone := make(chan *http.Response, 2)
	go func() { inflightDone <- post() }()
	go func() { inflightDone <- post() }()
	time.Sleep(100 * time.Millisecond)

	third := post()
	defer third.Body.Close()
	if third.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("got status %d, want 429", third.StatusCode)
	}

	close(release)
	for i := 0; i < 2; i++ {
		resp := <-inflightDone
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("got status %d, want 200", resp.StatusCode)
		}
	}
}
