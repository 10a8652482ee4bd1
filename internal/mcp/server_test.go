// ABOUTME: Tests for the MCP HTTP server including sessions, tool listing and execution.
// ABOUTME: Validates identity binding, write gating through tools/call and error responses.

package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	mcpgo "github.com/mark3labs/mcp-go/mcp"

	"github.com/fcp-dev/fcp-server/internal/auth"
	"github.com/fcp-dev/fcp-server/internal/dispatch"
	"github.com/fcp-dev/fcp-server/internal/tools"
)

const testToken = "s3cret"

// setupTestRegistry creates a registry with a read tool and a write tool.
func setupTestRegistry(t *testing.T) *tools.Registry {
	t.Helper()
	registry := tools.NewRegistry(slog.Default())

	pack := tools.Pack{
		ID: "test-pack",
		Tools: []*tools.Tool{
			{
				Name:         "dev.fcp.test.whoami",
				Description:  "Echoes the caller",
				InjectUserID: true,
				Handler: func(_ context.Context, in tools.Input) (any, error) {
					return map[string]any{"user_id": in.UserID, "args": in.Args}, nil
				},
			},
			{
				Name:          "dev.fcp.test.write",
				Description:   "Writes something",
				InputSchema:   json.RawMessage(`{"type":"object","properties":{"value":{"type":"string"}}}`),
				RequiresWrite: true,
				InjectUserID:  true,
				Handler: func(_ context.Context, in tools.Input) (any, error) {
					return map[string]any{"written": in.String("value")}, nil
				},
			},
		},
	}
	if err := registry.RegisterPack(pack); err != nil {
		t.Fatalf("failed to register test pack: %v", err)
	}
	return registry
}

type testEnv struct {
	server   *Server
	mux      *http.ServeMux
	resolver *auth.Resolver
	links    *TokenStore
}

func newTestEnv(t *testing.T, invoker dispatch.Invoker) *testEnv {
	t.Helper()
	registry := setupTestRegistry(t)
	if invoker == nil {
		invoker = dispatch.New(dispatch.Config{Registry: registry})
	}
	resolver := auth.NewResolver(auth.ResolverConfig{ExpectedToken: testToken, DemoUserID: "demo-test"})
	links := NewTokenStore()

	server, err := NewServer(Config{
		Registry:   registry,
		Invoker:    invoker,
		Resolver:   resolver,
		LinkTokens: links,
		Logger:     slog.Default(),
	})
	if err != nil {
		t.Fatalf("failed to create server: %v", err)
	}
	mux := http.NewServeMux()
	server.RegisterRoutes(mux)
	return &testEnv{server: server, mux: mux, resolver: resolver, links: links}
}

func (e *testEnv) post(t *testing.T, path, sessionID, authHeader, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if sessionID != "" {
		req.Header.Set("Mcp-Session-Id", sessionID)
	}
	if authHeader != "" {
		req.Header.Set("Authorization", authHeader)
	}
	rr := httptest.NewRecorder()
	e.mux.ServeHTTP(rr, req)
	return rr
}

// initialize opens a session and returns its ID.
func (e *testEnv) initialize(t *testing.T, path, authHeader string) string {
	t.Helper()
	rr := e.post(t, path, "", authHeader, `{"jsonrpc":"2.0","id":1,"method":"initialize","params":{}}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("initialize: expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	sid := rr.Header().Get("Mcp-Session-Id")
	if sid == "" {
		t.Fatal("initialize: missing Mcp-Session-Id header")
	}
	return sid
}

func decodeResponse(t *testing.T, rr *httptest.ResponseRecorder) JSONRPCResponse {
	t.Helper()
	var resp struct {
		JSONRPCResponse
		Result json.RawMessage `json:"result"`
	}
	if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	resp.JSONRPCResponse.Result = resp.Result
	return resp.JSONRPCResponse
}

// toolResult is the wire shape of a tools/call result.
type toolResult struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	IsError bool `json:"isError"`
}

// callTool invokes tools/call and returns the MCP result and the decoded envelope.
func (e *testEnv) callTool(t *testing.T, sid, name string, args map[string]any) (toolResult, map[string]any) {
	t.Helper()
	params, _ := json.Marshal(map[string]any{"name": name, "arguments": args})
	rr := e.post(t, "/mcp", sid, "", `{"jsonrpc":"2.0","id":7,"method":"tools/call","params":`+string(params)+`}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("tools/call: expected 200, got %d", rr.Code)
	}
	resp := decodeResponse(t, rr)
	if resp.Error != nil {
		t.Fatalf("tools/call: unexpected JSON-RPC error %+v", resp.Error)
	}

	var result toolResult
	if err := json.Unmarshal(resp.Result.(json.RawMessage), &result); err != nil {
		t.Fatalf("failed to decode tool result: %v", err)
	}
	if len(result.Content) != 1 || result.Content[0].Type != "text" {
		t.Fatalf("expected one text content item, got %+v", result.Content)
	}
	var envelope map[string]any
	if err := json.Unmarshal([]byte(result.Content[0].Text), &envelope); err != nil {
		t.Fatalf("content text is not JSON: %v", err)
	}
	return result, envelope
}

func TestNewServer_RequiresCollaborators(t *testing.T) {
	registry := setupTestRegistry(t)
	invoker := dispatch.New(dispatch.Config{Registry: registry})
	resolver := auth.NewResolver(auth.ResolverConfig{})

	cases := []Config{
		{Invoker: invoker, Resolver: resolver},
		{Registry: registry, Resolver: resolver},
		{Registry: registry, Invoker: invoker},
	}
	for i, cfg := range cases {
		if _, err := NewServer(cfg); err == nil {
			t.Errorf("case %d: expected error", i)
		}
	}
}

func TestInitialize(t *testing.T) {
	env := newTestEnv(t, nil)
	rr := env.post(t, "/mcp", "", "", `{"jsonrpc":"2.0","id":1,"method":"initialize","params":{}}`)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if rr.Header().Get("Mcp-Session-Id") == "" {
		t.Error("expected Mcp-Session-Id header")
	}

	resp := decodeResponse(t, rr)
	var result struct {
		ProtocolVersion string `json:"protocolVersion"`
		ServerInfo      struct {
			Name string `json:"name"`
		} `json:"serverInfo"`
	}
	if err := json.Unmarshal(resp.Result.(json.RawMessage), &result); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if result.ProtocolVersion != latestProtocolVersion {
		t.Errorf("expected protocol %s, got %s", latestProtocolVersion, result.ProtocolVersion)
	}
	if result.ServerInfo.Name != "fcp-server" {
		t.Errorf("expected server name fcp-server, got %s", result.ServerInfo.Name)
	}
	if env.server.SessionCount() != 1 {
		t.Errorf("expected 1 session, got %d", env.server.SessionCount())
	}
}

func TestSessionRequired(t *testing.T) {
	env := newTestEnv(t, nil)
	body := `{"jsonrpc":"2.0","id":2,"method":"tools/list"}`

	if rr := env.post(t, "/mcp", "", "", body); rr.Code != http.StatusBadRequest {
		t.Errorf("missing session: expected 400, got %d", rr.Code)
	}
	if rr := env.post(t, "/mcp", "no-such-session", "", body); rr.Code != http.StatusNotFound {
		t.Errorf("unknown session: expected 404, got %d", rr.Code)
	}
}

func TestSessionExpires(t *testing.T) {
	env := newTestEnv(t, nil)
	current := time.Now()
	env.server.sessions.now = func() time.Time { return current }

	sid := env.initialize(t, "/mcp", "")
	current = current.Add(DefaultSessionTTL + time.Minute)

	rr := env.post(t, "/mcp", sid, "", `{"jsonrpc":"2.0","id":2,"method":"tools/list"}`)
	if rr.Code != http.StatusNotFound {
		t.Errorf("expected 404 for expired session, got %d", rr.Code)
	}
}

func TestInvalidRequests(t *testing.T) {
	env := newTestEnv(t, nil)

	t.Run("invalid JSON", func(t *testing.T) {
		resp := decodeResponse(t, env.post(t, "/mcp", "", "", `{not json`))
		if resp.Error == nil || resp.Error.Code != mcpgo.PARSE_ERROR {
			t.Errorf("expected parse error, got %+v", resp.Error)
		}
	})

	t.Run("wrong version", func(t *testing.T) {
		resp := decodeResponse(t, env.post(t, "/mcp", "", "", `{"jsonrpc":"1.0","id":1,"method":"initialize"}`))
		if resp.Error == nil || resp.Error.Code != mcpgo.INVALID_REQUEST {
			t.Errorf("expected invalid request, got %+v", resp.Error)
		}
	})

	t.Run("body too large", func(t *testing.T) {
		big := `{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"x":"` + strings.Repeat("a", MaxRequestBodySize) + `"}}`
		resp := decodeResponse(t, env.post(t, "/mcp", "", "", big))
		if resp.Error == nil || resp.Error.Message != "request body too large" {
			t.Errorf("expected body too large, got %+v", resp.Error)
		}
	})

	t.Run("unsupported protocol version", func(t *testing.T) {
		sid := env.initialize(t, "/mcp", "")
		req := httptest.NewRequest(http.MethodPost, "/mcp", strings.NewReader(`{"jsonrpc":"2.0","id":2,"method":"tools/list"}`))
		req.Header.Set("Mcp-Session-Id", sid)
		req.Header.Set("Mcp-Protocol-Version", "1999-01-01")
		rr := httptest.NewRecorder()
		env.mux.ServeHTTP(rr, req)
		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected 400, got %d", rr.Code)
		}
	})

	t.Run("unknown method", func(t *testing.T) {
		sid := env.initialize(t, "/mcp", "")
		resp := decodeResponse(t, env.post(t, "/mcp", sid, "", `{"jsonrpc":"2.0","id":3,"method":"resources/list"}`))
		if resp.Error == nil || resp.Error.Code != mcpgo.METHOD_NOT_FOUND {
			t.Errorf("expected method not found, got %+v", resp.Error)
		}
	})

	t.Run("GET not allowed", func(t *testing.T) {
		rr := httptest.NewRecorder()
		env.mux.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/mcp", nil))
		if rr.Code != http.StatusMethodNotAllowed {
			t.Errorf("expected 405, got %d", rr.Code)
		}
	})
}

func TestNotificationAccepted(t *testing.T) {
	env := newTestEnv(t, nil)
	sid := env.initialize(t, "/mcp", "")

	rr := env.post(t, "/mcp", sid, "", `{"jsonrpc":"2.0","method":"notifications/initialized"}`)
	if rr.Code != http.StatusAccepted {
		t.Errorf("expected 202, got %d", rr.Code)
	}
	if rr.Body.Len() != 0 {
		t.Errorf("expected empty body, got %q", rr.Body.String())
	}
}

func TestToolsList(t *testing.T) {
	env := newTestEnv(t, nil)
	sid := env.initialize(t, "/mcp", "")

	resp := decodeResponse(t, env.post(t, "/mcp", sid, "", `{"jsonrpc":"2.0","id":2,"method":"tools/list"}`))
	var result struct {
		Tools []struct {
			Name        string          `json:"name"`
			InputSchema json.RawMessage `json:"inputSchema"`
		} `json:"tools"`
	}
	if err := json.Unmarshal(resp.Result.(json.RawMessage), &result); err != nil {
		t.Fatalf("decode: %v", err)
	}

	// demo callers still see write tools; the gate applies on call
	if len(result.Tools) != 2 {
		t.Fatalf("expected 2 tools, got %d", len(result.Tools))
	}
	if result.Tools[0].Name != "dev.fcp.test.whoami" || result.Tools[1].Name != "dev.fcp.test.write" {
		t.Errorf("unexpected tool order: %s, %s", result.Tools[0].Name, result.Tools[1].Name)
	}
	if !bytes.Contains(result.Tools[0].InputSchema, []byte(`"type":"object"`)) {
		t.Errorf("expected default object schema, got %s", result.Tools[0].InputSchema)
	}
	if !bytes.Contains(result.Tools[1].InputSchema, []byte(`"value"`)) {
		t.Errorf("expected declared schema, got %s", result.Tools[1].InputSchema)
	}
}

func TestToolsCall_SessionIdentity(t *testing.T) {
	env := newTestEnv(t, nil)

	t.Run("authenticated session writes", func(t *testing.T) {
		sid := env.initialize(t, "/mcp", "Bearer "+testToken)
		result, envelope := env.callTool(t, sid, "dev.fcp.test.write", map[string]any{"value": "hi"})
		if result.IsError {
			t.Fatalf("unexpected error result: %+v", envelope)
		}
		if envelope["status"] != "success" {
			t.Errorf("expected success, got %v", envelope["status"])
		}
		inner, _ := envelope["result"].(map[string]any)
		if inner["written"] != "hi" {
			t.Errorf("unexpected result: %v", envelope["result"])
		}
	})

	t.Run("demo session is denied writes", func(t *testing.T) {
		sid := env.initialize(t, "/mcp", "")
		result, envelope := env.callTool(t, sid, "dev.fcp.test.write", map[string]any{"value": "hi"})
		if !result.IsError {
			t.Error("expected isError")
		}
		if envelope["error"] != "write_permission_denied" {
			t.Errorf("expected write_permission_denied, got %v", envelope["error"])
		}
	})

	t.Run("user_id argument is overridden", func(t *testing.T) {
		sid := env.initialize(t, "/mcp", "Bearer alice")
		_, envelope := env.callTool(t, sid, "dev.fcp.test.whoami", map[string]any{"user_id": "mallory"})
		inner, _ := envelope["result"].(map[string]any)
		// "alice" does not match the expected token, so the session is demo
		if inner["user_id"] != "demo-test" {
			t.Errorf("expected demo-test, got %v", inner["user_id"])
		}
		args, _ := inner["args"].(map[string]any)
		if args["user_id"] != "demo-test" {
			t.Errorf("expected overridden user_id arg, got %v", args["user_id"])
		}
	})

	t.Run("unknown tool", func(t *testing.T) {
		sid := env.initialize(t, "/mcp", "Bearer "+testToken)
		result, envelope := env.callTool(t, sid, "dev.fcp.missing", nil)
		if !result.IsError {
			t.Error("expected isError")
		}
		if envelope["error"] != "Unknown tool: dev.fcp.missing" {
			t.Errorf("unexpected error: %v", envelope["error"])
		}
	})

	t.Run("short name resolves", func(t *testing.T) {
		sid := env.initialize(t, "/mcp", "Bearer "+testToken)
		result, _ := env.callTool(t, sid, "whoami", nil)
		if result.IsError {
			t.Error("expected short name to resolve")
		}
	})
}

func TestToolsCall_InvalidParams(t *testing.T) {
	env := newTestEnv(t, nil)
	sid := env.initialize(t, "/mcp", "")

	for name, params := range map[string]string{
		"missing name":    `{}`,
		"array arguments": `{"name":"dev.fcp.test.whoami","arguments":[1,2]}`,
	} {
		t.Run(name, func(t *testing.T) {
			resp := decodeResponse(t, env.post(t, "/mcp", sid, "", `{"jsonrpc":"2.0","id":5,"method":"tools/call","params":`+params+`}`))
			if resp.Error == nil || resp.Error.Code != mcpgo.INVALID_PARAMS {
				t.Errorf("expected invalid params, got %+v", resp.Error)
			}
		})
	}
}

type cancelingInvoker struct{}

func (cancelingInvoker) Dispatch(context.Context, string, map[string]any, auth.Identity) (*dispatch.Result, error) {
	return nil, context.Canceled
}

func TestToolsCall_Canceled(t *testing.T) {
	env := newTestEnv(t, cancelingInvoker{})
	sid := env.initialize(t, "/mcp", "")

	resp := decodeResponse(t, env.post(t, "/mcp", sid, "", `{"jsonrpc":"2.0","id":9,"method":"tools/call","params":{"name":"dev.fcp.test.whoami"}}`))
	if resp.Error == nil {
		t.Fatal("expected JSON-RPC error")
	}
	if resp.Error.Message != "request cancelled" {
		t.Errorf("unexpected message %q", resp.Error.Message)
	}
}

func TestLinkToken(t *testing.T) {
	env := newTestEnv(t, nil)

	if _, err := env.links.CreateToken(auth.DemoIdentity("d")); err != ErrDemoLinkToken {
		t.Errorf("expected ErrDemoLinkToken, got %v", err)
	}

	token, err := env.links.CreateToken(auth.AuthenticatedIdentity("linked-user"))
	if err != nil {
		t.Fatalf("create token: %v", err)
	}

	t.Run("path token", func(t *testing.T) {
		sid := env.initialize(t, "/mcp/"+token, "")
		_, envelope := env.callTool(t, sid, "dev.fcp.test.whoami", nil)
		inner, _ := envelope["result"].(map[string]any)
		if inner["user_id"] != "linked-user" {
			t.Errorf("expected linked-user, got %v", inner["user_id"])
		}
	})

	t.Run("query token", func(t *testing.T) {
		sid := env.initialize(t, "/mcp?token="+token, "")
		result, _ := env.callTool(t, sid, "dev.fcp.test.write", map[string]any{"value": "x"})
		if result.IsError {
			t.Error("linked user should be able to write")
		}
	})

	t.Run("unknown token is demo", func(t *testing.T) {
		sid := env.initialize(t, "/mcp/not-a-token", "")
		_, envelope := env.callTool(t, sid, "dev.fcp.test.whoami", nil)
		inner, _ := envelope["result"].(map[string]any)
		if inner["user_id"] != "demo-test" {
			t.Errorf("expected demo-test, got %v", inner["user_id"])
		}
	})

	env.links.InvalidateToken(token)
	if env.links.TokenCount() != 0 {
		t.Errorf("expected no tokens, got %d", env.links.TokenCount())
	}
}

func TestDeleteSession(t *testing.T) {
	env := newTestEnv(t, nil)
	sid := env.initialize(t, "/mcp", "Bearer "+testToken)

	del := func(sessionID, authHeader string) int {
		req := httptest.NewRequest(http.MethodDelete, "/mcp", nil)
		if sessionID != "" {
			req.Header.Set("Mcp-Session-Id", sessionID)
		}
		if authHeader != "" {
			req.Header.Set("Authorization", authHeader)
		}
		rr := httptest.NewRecorder()
		env.mux.ServeHTTP(rr, req)
		return rr.Code
	}

	if code := del("", ""); code != http.StatusBadRequest {
		t.Errorf("missing session: expected 400, got %d", code)
	}
	if code := del(sid, "Bearer other"); code != http.StatusForbidden {
		t.Errorf("wrong owner: expected 403, got %d", code)
	}
	if code := del(sid, "Bearer "+testToken); code != http.StatusNoContent {
		t.Errorf("owner: expected 204, got %d", code)
	}
	if code := del(sid, "Bearer "+testToken); code != http.StatusNotFound {
		t.Errorf("already deleted: expected 404, got %d", code)
	}
}

func TestCallToolResult(t *testing.T) {
	ok := &dispatch.Result{Status: dispatch.StatusSuccess, Result: map[string]any{"n": 1}}
	res, err := CallToolResult(ok)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.IsError {
		t.Error("success should not be an error result")
	}
	text, isText := res.Content[0].(mcpgo.TextContent)
	if !isText {
		t.Fatalf("expected text content, got %T", res.Content[0])
	}
	if text.Text != `{"status":"success","result":{"n":1}}` {
		t.Errorf("unexpected text %s", text.Text)
	}

	failed := &dispatch.Result{Status: dispatch.StatusError, Error: "boom"}
	res, err = CallToolResult(failed)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.IsError {
		t.Error("expected isError")
	}
}

func TestCallerIdentity(t *testing.T) {
	env := newTestEnv(t, nil)
	token, err := env.links.CreateToken(auth.AuthenticatedIdentity("linked-user"))
	if err != nil {
		t.Fatalf("CreateToken: %v", err)
	}

	identity := func(path, sessionID, authHeader string) auth.Identity {
		req := httptest.NewRequest(http.MethodPost, path, nil)
		if sessionID != "" {
			req.Header.Set("Mcp-Session-Id", sessionID)
		}
		if authHeader != "" {
			req.Header.Set("Authorization", authHeader)
		}
		id, ok := env.server.CallerIdentity(req)
		if !ok {
			t.Fatalf("CallerIdentity(%s) reported unknown", path)
		}
		return id
	}

	if id := identity("/mcp/"+token, "", ""); id.UserID != "linked-user" || !id.CanWrite() {
		t.Errorf("link token: got %+v", id)
	}
	if id := identity("/mcp", "", "Bearer "+testToken); id.UserID != "admin" {
		t.Errorf("header: got %+v", id)
	}
	if id := identity("/mcp", "", ""); !id.IsDemo() {
		t.Errorf("anonymous: got %+v", id)
	}
	if id := identity("/mcp/not-a-token", "", ""); !id.IsDemo() {
		t.Errorf("unknown link token: got %+v", id)
	}

	// session requests run as the session, whatever header they carry
	sid := env.initialize(t, "/mcp/"+token, "")
	if id := identity("/mcp", sid, ""); id.UserID != "linked-user" {
		t.Errorf("session: got %+v", id)
	}
	if id := identity("/mcp", "unknown-session", ""); !id.IsDemo() {
		t.Errorf("unknown session: got %+v", id)
	}
}
