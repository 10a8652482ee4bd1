// ABOUTME: MCP Streamable HTTP transport (2025-11-25) over the shared tool dispatcher.
// ABOUTME: Sessions remember the identity resolved at initialize; tool results carry the JSON envelope.

package mcp

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	mcpgo "github.com/mark3labs/mcp-go/mcp"

	"github.com/fcp-dev/fcp-server/internal/auth"
	"github.com/fcp-dev/fcp-server/internal/dispatch"
	"github.com/fcp-dev/fcp-server/internal/tools"
)

// Supported MCP protocol versions
var supportedProtocolVersions = map[string]bool{
	"2025-03-26": true,
	"2025-06-18": true,
	"2025-11-25": true,
}

// latestProtocolVersion is the version we advertise in initialize responses
const latestProtocolVersion = "2025-11-25"

// MaxRequestBodySize is the maximum allowed size for request bodies (1MB).
const MaxRequestBodySize = 1 << 20

// DefaultSessionTTL is how long an idle session survives.
const DefaultSessionTTL = 24 * time.Hour

// JSON-RPC envelopes keep ids raw so numeric and string ids echo back
// unchanged. Error codes and MCP payloads come from mcp-go.

// JSONRPCRequest represents a JSON-RPC 2.0 request.
type JSONRPCRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// JSONRPCResponse represents a JSON-RPC 2.0 response.
type JSONRPCResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  any             `json:"result,omitempty"`
	Error   *JSONRPCError   `json:"error,omitempty"`
}

// JSONRPCError represents a JSON-RPC 2.0 error object.
type JSONRPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

type callToolParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// mcpSession tracks an active MCP client session.
type mcpSession struct {
	id              string
	protocolVersion string
	identity        auth.Identity
	ownerHash       string // sha256 of the credential used at initialize
	lastSeen        time.Time
}

// sessionStore manages active MCP sessions (in-memory).
type sessionStore struct {
	mu       sync.Mutex
	sessions map[string]*mcpSession
	ttl      time.Duration
	now      func() time.Time
}

func newSessionStore(ttl time.Duration) *sessionStore {
	return &sessionStore{
		sessions: make(map[string]*mcpSession),
		ttl:      ttl,
		now:      time.Now,
	}
}

func (s *sessionStore) create(protocolVersion string, id auth.Identity, ownerHash string) *mcpSession {
	sess := &mcpSession{
		id:              uuid.New().String(),
		protocolVersion: protocolVersion,
		identity:        id,
		ownerHash:       ownerHash,
	}
	s.mu.Lock()
	sess.lastSeen = s.now()
	s.sessions[sess.id] = sess
	s.mu.Unlock()
	return sess
}

// get returns a live session and refreshes its idle timer. Expired sessions are dropped.
func (s *sessionStore) get(id string) (*mcpSession, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil, false
	}
	now := s.now()
	if s.ttl > 0 && now.Sub(sess.lastSeen) > s.ttl {
		delete(s.sessions, id)
		return nil, false
	}
	sess.lastSeen = now
	return sess, true
}

// peek returns a live session without refreshing its idle timer.
func (s *sessionStore) peek(id string) (*mcpSession, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok || (s.ttl > 0 && s.now().Sub(sess.lastSeen) > s.ttl) {
		return nil, false
	}
	return sess, true
}

func (s *sessionStore) delete(id string) bool {
	s.mu.Lock()
	_, existed := s.sessions[id]
	delete(s.sessions, id)
	s.mu.Unlock()
	return existed
}

func (s *sessionStore) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// Config holds configuration for the MCP server.
type Config struct {
	Registry   *tools.Registry
	Invoker    dispatch.Invoker
	Resolver   *auth.Resolver
	LinkTokens *TokenStore // optional /mcp/<token> access for clients that cannot set headers
	Logger     *slog.Logger
	ServerName string
	Version    string
	SessionTTL time.Duration
}

// Server implements the MCP Streamable HTTP transport.
type Server struct {
	registry   *tools.Registry
	invoker    dispatch.Invoker
	resolver   *auth.Resolver
	linkTokens *TokenStore
	logger     *slog.Logger
	name       string
	version    string
	sessions   *sessionStore
}

// NewServer creates a new MCP server with the given configuration.
func NewServer(cfg Config) (*Server, error) {
	if cfg.Registry == nil {
		return nil, errors.New("registry is required")
	}
	if cfg.Invoker == nil {
		return nil, errors.New("invoker is required")
	}
	if cfg.Resolver == nil {
		return nil, errors.New("resolver is required")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	name := cfg.ServerName
	if name == "" {
		name = "fcp-server"
	}
	version := cfg.Version
	if version == "" {
		version = "dev"
	}
	ttl := cfg.SessionTTL
	if ttl == 0 {
		ttl = DefaultSessionTTL
	}

	return &Server{
		registry:   cfg.Registry,
		invoker:    cfg.Invoker,
		resolver:   cfg.Resolver,
		linkTokens: cfg.LinkTokens,
		logger:     logger.With("component", "mcp"),
		name:       name,
		version:    version,
		sessions:   newSessionStore(ttl),
	}, nil
}

// RegisterRoutes registers the MCP endpoint on the given ServeMux.
// Supports both /mcp (bare) and /mcp/<token> (token-in-path) access patterns.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/mcp", s.handleMCP)
	mux.HandleFunc("/mcp/", s.handleMCP)
}

// SessionCount returns the number of live sessions.
func (s *Server) SessionCount() int {
	return s.sessions.len()
}

// handleMCP is the single MCP endpoint supporting POST, GET, and DELETE.
func (s *Server) handleMCP(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.handlePost(w, r)
	case http.MethodGet:
		// We don't support server-initiated SSE streams on this endpoint
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
	case http.MethodDelete:
		s.handleDelete(w, r)
	default:
		w.Header().Set("Allow", "POST, GET, DELETE")
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
	}
}

// handleDelete terminates a session.
// The caller must present the same credential that created it.
func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	sessionID := r.Header.Get("Mcp-Session-Id")
	if sessionID == "" {
		http.Error(w, "Bad Request: missing Mcp-Session-Id", http.StatusBadRequest)
		return
	}

	sess, ok := s.sessions.get(sessionID)
	if !ok {
		http.Error(w, "Not Found", http.StatusNotFound)
		return
	}

	if sess.ownerHash != "" {
		caller := hashCredential(s.extractCredential(r))
		if subtle.ConstantTimeCompare([]byte(caller), []byte(sess.ownerHash)) != 1 {
			http.Error(w, "Forbidden", http.StatusForbidden)
			return
		}
	}

	s.sessions.delete(sessionID)
	s.logger.Info("MCP session terminated", "session_id", sessionID)
	w.WriteHeader(http.StatusNoContent)
}

// handlePost processes JSON-RPC messages sent via HTTP POST.
func (s *Server) handlePost(w http.ResponseWriter, r *http.Request) {
	sessionID := r.Header.Get("Mcp-Session-Id")
	protoVersion := r.Header.Get("Mcp-Protocol-Version")

	body, err := io.ReadAll(io.LimitReader(r.Body, MaxRequestBodySize+1))
	if err != nil {
		s.sendJSONRPCError(w, nil, mcpgo.PARSE_ERROR, "failed to read request body", nil)
		return
	}
	if int64(len(body)) > MaxRequestBodySize {
		s.sendJSONRPCError(w, nil, mcpgo.INVALID_REQUEST, "request body too large", nil)
		return
	}

	var req JSONRPCRequest
	if err := json.Unmarshal(body, &req); err != nil {
		s.sendJSONRPCError(w, nil, mcpgo.PARSE_ERROR, "invalid JSON", nil)
		return
	}

	if req.JSONRPC != "2.0" {
		s.sendJSONRPCError(w, req.ID, mcpgo.INVALID_REQUEST, "invalid JSON-RPC version", nil)
		return
	}

	isInitialize := req.Method == "initialize"
	isNotification := len(req.ID) == 0 || string(req.ID) == "null"

	if !isInitialize && protoVersion != "" && !supportedProtocolVersions[protoVersion] {
		http.Error(w, "Bad Request: unsupported MCP-Protocol-Version", http.StatusBadRequest)
		return
	}

	var id auth.Identity
	if isInitialize {
		id = s.resolveIdentity(r)
	} else {
		if sessionID == "" {
			http.Error(w, "Bad Request: missing Mcp-Session-Id", http.StatusBadRequest)
			return
		}
		sess, ok := s.sessions.get(sessionID)
		if !ok {
			// Session expired or invalid - client must re-initialize
			http.Error(w, "Not Found", http.StatusNotFound)
			return
		}
		id = sess.identity
	}

	s.logger.Debug("MCP request",
		"method", req.Method,
		"is_notification", isNotification,
		"session_id", sessionID,
	)

	if isNotification {
		if !strings.HasPrefix(req.Method, "notifications/") {
			s.logger.Warn("received notification for non-notification method", "method", req.Method)
		}
		w.WriteHeader(http.StatusAccepted)
		return
	}

	switch req.Method {
	case "initialize":
		s.handleInitialize(w, r, req, id)
	case "ping":
		s.sendJSONRPCResult(w, req.ID, map[string]any{})
	case "tools/list":
		s.handleToolsList(w, req)
	case "tools/call":
		s.handleToolsCall(w, r, req, id)
	default:
		s.sendJSONRPCError(w, req.ID, mcpgo.METHOD_NOT_FOUND, "method not found", nil)
	}
}

// handleInitialize handles the MCP initialize handshake and creates a session.
func (s *Server) handleInitialize(w http.ResponseWriter, r *http.Request, req JSONRPCRequest, id auth.Identity) {
	var ownerHash string
	if cred := s.extractCredential(r); cred != "" {
		ownerHash = hashCredential(cred)
	}

	sess := s.sessions.create(latestProtocolVersion, id, ownerHash)

	s.logger.Info("MCP session created",
		"session_id", sess.id,
		"protocol_version", sess.protocolVersion,
		"role", id.RoleLabel(),
	)

	w.Header().Set("Mcp-Session-Id", sess.id)

	result := map[string]any{
		"protocolVersion": latestProtocolVersion,
		"capabilities": map[string]any{
			"tools": map[string]any{},
		},
		"serverInfo": mcpgo.Implementation{Name: s.name, Version: s.version},
	}
	s.sendJSONRPCResult(w, req.ID, result)
}

// handleToolsList handles tools/list requests. Every caller sees every tool;
// writes are gated at call time.
func (s *Server) handleToolsList(w http.ResponseWriter, req JSONRPCRequest) {
	defs := toolDefinitions(s.registry)
	s.logger.Debug("tools/list", "count", len(defs))
	s.sendJSONRPCResult(w, req.ID, mcpgo.ListToolsResult{Tools: defs})
}

// handleToolsCall handles tools/call requests.
func (s *Server) handleToolsCall(w http.ResponseWriter, r *http.Request, req JSONRPCRequest, id auth.Identity) {
	var params callToolParams
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			s.sendJSONRPCError(w, req.ID, mcpgo.INVALID_PARAMS, "invalid params", nil)
			return
		}
	}

	if params.Name == "" {
		s.sendJSONRPCError(w, req.ID, mcpgo.INVALID_PARAMS, "tool name is required", nil)
		return
	}

	args := map[string]any{}
	if raw := string(params.Arguments); raw != "" && raw != "null" {
		if err := json.Unmarshal(params.Arguments, &args); err != nil {
			s.sendJSONRPCError(w, req.ID, mcpgo.INVALID_PARAMS, "arguments must be a JSON object", nil)
			return
		}
	}

	res, err := s.invoker.Dispatch(r.Context(), params.Name, args, id)
	if err != nil {
		s.handleDispatchError(w, req.ID, params.Name, err)
		return
	}

	result, err := CallToolResult(res)
	if err != nil {
		s.logger.Error("failed to encode tool result", "tool_name", params.Name, "error", err)
		s.sendJSONRPCError(w, req.ID, mcpgo.INTERNAL_ERROR, "failed to encode tool result", nil)
		return
	}

	s.logger.Debug("tools/call complete",
		"tool_name", params.Name,
		"is_error", result.IsError,
	)
	s.sendJSONRPCResult(w, req.ID, result)
}

// CallToolResult wraps a dispatch result as MCP tool content. The text is the
// same JSON envelope the REST adapter returns.
func CallToolResult(res *dispatch.Result) (*mcpgo.CallToolResult, error) {
	data, err := json.Marshal(res)
	if err != nil {
		return nil, err
	}
	if !res.OK() {
		return mcpgo.NewToolResultError(string(data)), nil
	}
	return mcpgo.NewToolResultText(string(data)), nil
}

// toolDefinitions lists every registered tool as an MCP definition.
func toolDefinitions(registry *tools.Registry) []mcpgo.Tool {
	all := registry.ListTools()
	defs := make([]mcpgo.Tool, len(all))
	for i, t := range all {
		defs[i] = mcpgo.NewToolWithRawSchema(t.Name, t.Description, t.Schema())
	}
	return defs
}

// handleDispatchError maps the only errors Dispatch returns: caller cancellation.
func (s *Server) handleDispatchError(w http.ResponseWriter, id json.RawMessage, toolName string, err error) {
	s.logger.Info("tool call abandoned", "tool_name", toolName, "error", err)

	message := "tool execution failed"
	if errors.Is(err, context.Canceled) {
		message = "request cancelled"
	}
	s.sendJSONRPCError(w, id, mcpgo.INTERNAL_ERROR, message, nil)
}

// resolveIdentity picks the caller for a new session: a link token in the path
// or query wins, otherwise the Authorization header goes through the resolver.
func (s *Server) resolveIdentity(r *http.Request) auth.Identity {
	id, known := s.identityFor(r)
	if !known {
		s.logger.Warn("unknown MCP link token, continuing as demo")
	}
	return id
}

// identityFor applies the initialize rules. known is false for a link token
// that maps to nobody.
func (s *Server) identityFor(r *http.Request) (auth.Identity, bool) {
	if token := linkToken(r); token != "" {
		if s.linkTokens != nil {
			if id, ok := s.linkTokens.Lookup(token); ok {
				return id, true
			}
		}
		return s.resolver.Demo(), false
	}
	return s.resolver.ResolveRequest(r), true
}

// CallerIdentity returns the identity r will run as: the session's identity
// when r names a live session, otherwise the one initialize would bind.
// It has no side effects on the session, so it is safe for rate limiting.
func (s *Server) CallerIdentity(r *http.Request) (auth.Identity, bool) {
	if sid := r.Header.Get("Mcp-Session-Id"); sid != "" {
		if sess, ok := s.sessions.peek(sid); ok {
			return sess.identity, true
		}
	}
	id, _ := s.identityFor(r)
	return id, true
}

// linkToken returns the token from /mcp/<token> or ?token=.
func linkToken(r *http.Request) string {
	if pathToken := strings.TrimPrefix(r.URL.Path, "/mcp/"); pathToken != "" && pathToken != r.URL.Path {
		pathToken = strings.TrimRight(pathToken, "/")
		if pathToken != "" && !strings.Contains(pathToken, "/") {
			return pathToken
		}
	}
	return r.URL.Query().Get("token")
}

// extractCredential returns the raw credential the request presents, used to
// bind sessions to their creator.
func (s *Server) extractCredential(r *http.Request) string {
	if token := linkToken(r); token != "" {
		return token
	}
	return strings.TrimSpace(r.Header.Get("Authorization"))
}

func hashCredential(cred string) string {
	sum := sha256.Sum256([]byte(cred))
	return hex.EncodeToString(sum[:])
}

// sendJSONRPCResult sends a successful JSON-RPC response.
func (s *Server) sendJSONRPCResult(w http.ResponseWriter, id json.RawMessage, result any) {
	resp := JSONRPCResponse{
		JSONRPC: "2.0",
		ID:      id,
		Result:  result,
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.logger.Warn("failed to encode JSON-RPC response", "error", err)
	}
}

// sendJSONRPCError sends a JSON-RPC error response.
func (s *Server) sendJSONRPCError(w http.ResponseWriter, id json.RawMessage, code int, message string, data any) {
	resp := JSONRPCResponse{
		JSONRPC: "2.0",
		ID:      id,
		Error: &JSONRPCError{
			Code:    code,
			Message: message,
			Data:    data,
		},
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.logger.Warn("failed to encode JSON-RPC error response", "error", err)
	}
}
