// ABOUTME: mcp-go adapter exposing the tool registry over stdio and SSE transports
// ABOUTME: Identity comes from the configured token on stdio and the Authorization header on SSE

package mcp

import (
	"context"
	"io"
	"log/slog"
	"net/http"

	mcpgo "github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/fcp-dev/fcp-server/internal/auth"
	"github.com/fcp-dev/fcp-server/internal/dispatch"
	"github.com/fcp-dev/fcp-server/internal/tools"
)

const serverInstructions = `Food logging tools. Meals, pantry, recipes and preferences are stored per user.
Unauthenticated callers run in demo mode and can only read.`

// SDKConfig configures the mcp-go backed server.
type SDKConfig struct {
	Registry   *tools.Registry
	Invoker    dispatch.Invoker
	Resolver   *auth.Resolver
	Logger     *slog.Logger
	ServerName string
	Version    string
}

// SDKServer serves the registry through mcp-go transports.
type SDKServer struct {
	mcp      *server.MCPServer
	invoker  dispatch.Invoker
	resolver *auth.Resolver
	logger   *slog.Logger
}

// NewSDKServer registers every tool in cfg.Registry with an mcp-go server.
// Tools registered later are not picked up.
func NewSDKServer(cfg SDKConfig) *SDKServer {
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

	s := &SDKServer{
		mcp: server.NewMCPServer(name, version,
			server.WithToolCapabilities(false),
			server.WithInstructions(serverInstructions),
			server.WithRecovery(),
		),
		invoker:  cfg.Invoker,
		resolver: cfg.Resolver,
		logger:   logger.With("component", "mcp-sdk"),
	}

	for _, def := range toolDefinitions(cfg.Registry) {
		s.mcp.AddTool(def, s.handler(def.Name))
	}
	return s
}

// MCPServer exposes the underlying mcp-go server.
func (s *SDKServer) MCPServer() *server.MCPServer { return s.mcp }

func (s *SDKServer) handler(name string) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcpgo.CallToolRequest) (*mcpgo.CallToolResult, error) {
		id, ok := auth.FromContext(ctx)
		if !ok {
			id = s.resolver.Demo()
		}

		args := req.GetArguments()
		if args == nil {
			args = map[string]any{}
		}

		res, err := s.invoker.Dispatch(ctx, name, args, id)
		if err != nil {
			return nil, err
		}
		return CallToolResult(res)
	}
}

// ServeStdio serves JSON-RPC over in and out until ctx is done. The whole
// session runs as the identity the configured token resolves to.
func (s *SDKServer) ServeStdio(ctx context.Context, in io.Reader, out io.Writer) error {
	id := s.resolver.ResolveToken(ctx)
	s.logger.Info("serving MCP over stdio", "role", id.RoleLabel())

	stdio := server.NewStdioServer(s.mcp)
	stdio.SetContextFunc(func(ctx context.Context) context.Context {
		return auth.WithIdentity(ctx, id)
	})
	return stdio.Listen(ctx, in, out)
}

// SSEHandler returns the legacy SSE transport. It serves /sse and /message;
// baseURL is the externally visible origin used in endpoint events.
// Each connection resolves its own Authorization header.
func (s *SDKServer) SSEHandler(baseURL string) *server.SSEServer {
	return server.NewSSEServer(s.mcp,
		server.WithBaseURL(baseURL),
		server.WithSSEContextFunc(func(ctx context.Context, r *http.Request) context.Context {
			return auth.WithIdentity(ctx, s.resolver.ResolveRequest(r))
		}),
	)
}
