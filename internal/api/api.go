// ABOUTME: REST adapter exposing the tool registry and dispatcher over JSON HTTP
// ABOUTME: Every tool response is the dispatch envelope; HTTP status follows the error kind

package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/fcp-dev/fcp-server/internal/auth"
	"github.com/fcp-dev/fcp-server/internal/dispatch"
	"github.com/fcp-dev/fcp-server/internal/mcp"
	"github.com/fcp-dev/fcp-server/internal/ratelimit"
	"github.com/fcp-dev/fcp-server/internal/telemetry"
	"github.com/fcp-dev/fcp-server/internal/tools"
)

// MaxRequestBodySize caps JSON request bodies (1MB).
const MaxRequestBodySize = 1 << 20

// ToolInfoResponse is one entry of GET /api/tools.
type ToolInfoResponse struct {
	Name          string          `json:"name"`
	ShortName     string          `json:"short_name"`
	Description   string          `json:"description"`
	RequiresWrite bool            `json:"requires_write"`
	Category      string          `json:"category,omitempty"`
	InputSchema   json.RawMessage `json:"input_schema"`
}

// ListToolsResponse is the JSON response for GET /api/tools.
type ListToolsResponse struct {
	Tools []ToolInfoResponse `json:"tools"`
	Count int                `json:"count"`
}

// CallToolRequest is the JSON request body for POST /api/tools/call.
type CallToolRequest struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments,omitempty"`
}

// LinkTokenResponse is the JSON response for POST /api/mcp/link.
type LinkTokenResponse struct {
	Token string `json:"token"`
	Path  string `json:"path"`
}

// Config holds the collaborators of the REST API.
type Config struct {
	Registry *tools.Registry
	Invoker  dispatch.Invoker
	Resolver *auth.Resolver

	// Limiter is optional; nil disables rate limiting.
	Limiter    *ratelimit.Limiter
	RatePolicy ratelimit.Policy
	Metrics    *telemetry.Metrics

	// LinkTokens enables POST /api/mcp/link when set.
	LinkTokens *mcp.TokenStore

	// Ready reports whether the server can take traffic. Nil means always ready.
	Ready func(ctx context.Context) error

	Logger *slog.Logger
}

// API serves the REST endpoints.
type API struct {
	registry   *tools.Registry
	invoker    dispatch.Invoker
	resolver   *auth.Resolver
	limiter    *ratelimit.Limiter
	policy     ratelimit.Policy
	metrics    *telemetry.Metrics
	linkTokens *mcp.TokenStore
	ready      func(ctx context.Context) error
	logger     *slog.Logger
}

// New creates the REST API.
func New(cfg Config) (*API, error) {
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
	return &API{
		registry:   cfg.Registry,
		invoker:    cfg.Invoker,
		resolver:   cfg.Resolver,
		limiter:    cfg.Limiter,
		policy:     cfg.RatePolicy,
		metrics:    cfg.Metrics,
		linkTokens: cfg.LinkTokens,
		ready:      cfg.Ready,
		logger:     logger.With("component", "api"),
	}, nil
}

// RegisterRoutes adds the health and /api routes to mux. Health endpoints skip
// authentication and rate limiting.
func (a *API) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", a.handleHealth)
	mux.HandleFunc("GET /health/ready", a.handleReady)

	api := http.NewServeMux()
	api.HandleFunc("GET /api/tools", a.handleListTools)
	api.HandleFunc("POST /api/tools/call", a.handleCallTool)
	api.HandleFunc("POST /api/tools/{name}", a.handleCallNamedTool)
	api.HandleFunc("POST /api/mcp/link", a.handleCreateLinkToken)
	a.registerConvenienceRoutes(api)

	mux.Handle("/api/", a.wrap(api))
}

// wrap applies identity resolution and, when configured, rate limiting.
func (a *API) wrap(h http.Handler) http.Handler {
	if a.limiter != nil {
		h = ratelimit.Middleware(a.limiter, a.policy, a.metrics, a.logger)(h)
	}
	return auth.Middleware(a.resolver)(h)
}

// Handler returns a standalone handler serving only this API.
func (a *API) Handler() http.Handler {
	mux := http.NewServeMux()
	a.RegisterRoutes(mux)
	return mux
}

// handleHealth returns 200 OK if the server is alive.
func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady returns 200 OK once tools are registered and the ready check passes.
func (a *API) handleReady(w http.ResponseWriter, r *http.Request) {
	if a.registry.Len() == 0 {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("no tools registered"))
		return
	}
	if a.ready != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := a.ready(ctx); err != nil {
			a.logger.Warn("readiness check failed", "error", err)
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("not ready"))
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready (" + strconv.Itoa(a.registry.Len()) + " tools)"))
}

// handleListTools handles GET /api/tools.
func (a *API) handleListTools(w http.ResponseWriter, r *http.Request) {
	all := a.registry.ListTools()
	response := ListToolsResponse{
		Tools: make([]ToolInfoResponse, 0, len(all)),
		Count: len(all),
	}
	for _, t := range all {
		response.Tools = append(response.Tools, ToolInfoResponse{
			Name:          t.Name,
			ShortName:     t.ShortName(),
			Description:   t.Description,
			RequiresWrite: t.RequiresWrite,
			Category:      t.Category,
			InputSchema:   t.Schema(),
		})
	}
	a.writeJSON(w, http.StatusOK, response)
}

// handleCallTool handles POST /api/tools/call.
func (a *API) handleCallTool(w http.ResponseWriter, r *http.Request) {
	var req CallToolRequest
	if err := decodeBody(r, &req); err != nil {
		a.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Name == "" {
		a.sendJSONError(w, http.StatusBadRequest, "name is required")
		return
	}
	a.dispatch(w, r, req.Name, req.Arguments)
}

// handleCallNamedTool handles POST /api/tools/{name}; the body is the arguments object.
func (a *API) handleCallNamedTool(w http.ResponseWriter, r *http.Request) {
	var args map[string]any
	if err := decodeBody(r, &args); err != nil {
		a.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	a.dispatch(w, r, r.PathValue("name"), args)
}

// handleCreateLinkToken mints an MCP link token for the authenticated caller.
func (a *API) handleCreateLinkToken(w http.ResponseWriter, r *http.Request) {
	if a.linkTokens == nil {
		a.sendJSONError(w, http.StatusNotFound, "link tokens are disabled")
		return
	}
	token, err := a.linkTokens.CreateToken(a.identity(r))
	if errors.Is(err, mcp.ErrDemoLinkToken) {
		a.sendJSONError(w, http.StatusForbidden, err.Error())
		return
	}
	if err != nil {
		a.logger.Error("creating link token", "error", err)
		a.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	a.writeJSON(w, http.StatusCreated, LinkTokenResponse{Token: token, Path: "/mcp/" + token})
}

func (a *API) identity(r *http.Request) auth.Identity {
	return a.resolver.ResolveRequest(r)
}

// dispatch runs a tool for the request's caller and writes the envelope.
func (a *API) dispatch(w http.ResponseWriter, r *http.Request, name string, args map[string]any) {
	if args == nil {
		args = map[string]any{}
	}
	res, err := a.invoker.Dispatch(r.Context(), name, args, a.identity(r))
	if err != nil {
		// the client went away; nobody is reading the response
		a.logger.Debug("request canceled", "tool", name, "error", err)
		return
	}
	a.writeJSON(w, StatusFor(res), res)
}

// StatusFor maps a dispatch result onto an HTTP status code.
func StatusFor(res *dispatch.Result) int {
	if res.OK() {
		return http.StatusOK
	}
	switch res.Kind {
	case tools.KindPermissionDenied:
		return http.StatusForbidden
	case tools.KindUnknownTool, tools.KindNotFound:
		return http.StatusNotFound
	case tools.KindInvalidInput:
		return http.StatusBadRequest
	case tools.KindUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// decodeBody reads a JSON body. An empty body decodes to the zero value.
func decodeBody(r *http.Request, out any) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, MaxRequestBodySize+1))
	if err != nil {
		return errors.New("failed to read request body")
	}
	if len(body) > MaxRequestBodySize {
		return errors.New("request body too large")
	}
	if len(body) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return errors.New("invalid JSON body")
	}
	return nil
}

func (a *API) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		a.logger.Warn("failed to encode response", "error", err)
	}
}

// sendJSONError writes an error envelope for failures that never reached a tool.
func (a *API) sendJSONError(w http.ResponseWriter, status int, message string) {
	a.writeJSON(w, status, map[string]string{"status": "error", "error": message})
}
