// ABOUTME: Server orchestrator wiring storage, tools, dispatch and the HTTP transports
// ABOUTME: Manages TCP or Tailscale listeners, graceful shutdown and resource cleanup

package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"tailscale.com/ipn/ipnstate"
	"tailscale.com/tsnet"

	"github.com/fcp-dev/fcp-server/internal/ai"
	"github.com/fcp-dev/fcp-server/internal/api"
	"github.com/fcp-dev/fcp-server/internal/auth"
	"github.com/fcp-dev/fcp-server/internal/catalog"
	"github.com/fcp-dev/fcp-server/internal/config"
	"github.com/fcp-dev/fcp-server/internal/deps"
	"github.com/fcp-dev/fcp-server/internal/dispatch"
	"github.com/fcp-dev/fcp-server/internal/events"
	"github.com/fcp-dev/fcp-server/internal/httpclient"
	"github.com/fcp-dev/fcp-server/internal/mcp"
	"github.com/fcp-dev/fcp-server/internal/observe"
	"github.com/fcp-dev/fcp-server/internal/ratelimit"
	"github.com/fcp-dev/fcp-server/internal/store"
	"github.com/fcp-dev/fcp-server/internal/telemetry"
	"github.com/fcp-dev/fcp-server/internal/tools"
)

// Name is the MCP server name reported to clients.
const Name = "fcp-server"

// rateLimitIdleTTL is how long an unused per-identity bucket is kept.
const rateLimitIdleTTL = 10 * time.Minute

// Server owns every long-lived component of fcp-server.
type Server struct {
	config  *config.Config
	version string
	logger  *slog.Logger

	db        store.Database
	deps      *deps.Resolver
	container atomic.Pointer[deps.Container]

	registry   *tools.Registry
	dispatcher *dispatch.Dispatcher
	invoker    dispatch.Invoker
	resolver   *auth.Resolver
	metrics    *telemetry.Metrics
	publisher  events.Publisher
	limiter    *ratelimit.Limiter

	linkTokens *mcp.TokenStore
	mcpServer  *mcp.Server
	sdk        *mcp.SDKServer
	api        *api.API

	httpServer        *http.Server
	tsnetServer       *tsnet.Server
	telemetryShutdown telemetry.ShutdownFunc

	// overrides for tests
	aiService  ai.Service
	httpClient httpclient.Client
}

// Option customizes a Server before its components are built.
type Option func(*Server)

// WithVersion sets the version reported over MCP and to telemetry.
func WithVersion(v string) Option {
	return func(s *Server) { s.version = v }
}

// WithDatabase uses db instead of opening the configured backend.
func WithDatabase(db store.Database) Option {
	return func(s *Server) { s.db = db }
}

// WithAI uses svc instead of building Gemini from the configured key.
func WithAI(svc ai.Service) Option {
	return func(s *Server) { s.aiService = svc }
}

// WithHTTPClient uses c for outbound requests.
func WithHTTPClient(c httpclient.Client) Option {
	return func(s *Server) { s.httpClient = c }
}

// New builds a Server from cfg. Nothing listens until Run.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger, opts ...Option) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		config:  cfg,
		version: "dev",
		logger:  logger.With("component", "server"),
	}
	for _, opt := range opts {
		opt(s)
	}

	built := false
	defer func() {
		if !built {
			_ = s.Shutdown(context.Background())
		}
	}()

	shutdown, err := telemetry.Init(ctx, Name, s.version, telemetry.Config{
		Exporter:       cfg.Telemetry.Exporter,
		OTLPEndpoint:   cfg.Telemetry.OTLPEndpoint,
		OTLPInsecure:   cfg.Telemetry.OTLPInsecure,
		ExportInterval: cfg.Telemetry.ExportInterval,
	})
	if err != nil {
		return nil, fmt.Errorf("initializing telemetry: %w", err)
	}
	s.telemetryShutdown = shutdown

	s.metrics, err = telemetry.NewMetrics(otel.Meter(telemetry.MeterName))
	if err != nil {
		return nil, fmt.Errorf("creating metrics: %w", err)
	}

	if s.db == nil {
		s.db, err = store.Open(ctx, cfg.Database.Backend, cfg.Database.Path, cfg.Database.URL)
		if err != nil {
			return nil, fmt.Errorf("initializing store: %w", err)
		}
		s.logger.Info("store opened", "backend", backendLabel(cfg.Database.Backend))
	}

	s.deps = deps.NewResolver(s.buildContainer)

	s.registry = tools.NewRegistry(logger)
	if err := catalog.Register(s.registry, catalog.Config{
		ProductURL:     cfg.Catalog.ProductURL,
		ThinkingBudget: cfg.AI.ThinkingBudget,
	}); err != nil {
		return nil, fmt.Errorf("registering tools: %w", err)
	}

	s.resolver = newResolver(cfg, s.metrics, logger)
	if cfg.Auth.DemoMode {
		s.logger.Warn("demo mode enabled: every caller is read-only")
	} else if cfg.Auth.Token == "" && cfg.Auth.JWTSecret == "" {
		s.logger.Warn("no auth.token or auth.jwt_secret configured: any bearer token authenticates as itself")
	}

	s.dispatcher = dispatch.New(dispatch.Config{
		Registry: s.registry,
		Deps:     s.deps,
		Gate:     auth.NewWriteGate(s.db, s.metrics, logger),
		Logger:   logger,
		Tracer:   otel.Tracer("github.com/fcp-dev/fcp-server/internal/dispatch"),
	})

	s.publisher = s.connectEvents()
	s.invoker = observe.New(observe.Config{
		Inner:   s.dispatcher,
		Metrics: s.metrics,
		Store:   s.db,
		Recording: observe.RecordingConfig{
			Enabled: cfg.Recording.Enabled,
			Tools:   cfg.Recording.Tools,
		},
		Events: s.publisher,
		Logger: logger,
	})

	if cfg.RateLimit.Enabled {
		s.limiter = ratelimit.New(rateLimitIdleTTL, cfg.RateLimit.MaxKeys)
	}

	if err := s.buildTransports(logger); err != nil {
		return nil, err
	}

	built = true
	s.logger.Info("server ready", "tools", s.registry.Len(), "version", s.version)
	return s, nil
}

// buildContainer is the production deps.Factory. It runs once, on the first
// tool call that declares a dependency.
func (s *Server) buildContainer() (*deps.Container, error) {
	svc := s.aiService
	if svc == nil {
		svc = s.newAI()
	}
	client := s.httpClient
	if client == nil {
		client = httpclient.NewPooled(s.config.HTTP.Timeout, s.config.HTTP.UserAgent+"/"+s.version)
	}
	c := &deps.Container{
		Database: s.db,
		AI:       svc,
		HTTP:     client,
	}
	s.container.Store(c)
	return c, nil
}

// newAI builds the Gemini service, or Unavailable when no key is configured.
func (s *Server) newAI() ai.Service {
	key := s.config.AI.GeminiAPIKey
	if key == "" {
		s.logger.Warn("no gemini api key configured: AI tools will report unavailable")
		return ai.Unavailable{}
	}
	opts := []ai.Option{ai.WithLogger(s.logger)}
	if s.config.AI.Model != "" {
		opts = append(opts, ai.WithModel(s.config.AI.Model))
	}
	svc, err := ai.NewGemini(context.Background(), key, opts...)
	if err != nil {
		s.logger.Error("creating gemini client", "error", err)
		return ai.Unavailable{}
	}
	return svc
}

func newResolver(cfg *config.Config, metrics *telemetry.Metrics, logger *slog.Logger) *auth.Resolver {
	rc := auth.ResolverConfig{
		DemoMode:      cfg.Auth.DemoMode,
		ExpectedToken: cfg.Auth.Token,
		AdminUserID:   cfg.Auth.AdminUserID,
		DemoUserID:    cfg.Auth.DemoUserID,
		Metrics:       metrics,
		Logger:        logger,
	}
	if cfg.Auth.JWTSecret != "" {
		rc.Verifier = auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
	}
	return auth.NewResolver(rc)
}

// connectEvents returns the NATS publisher, or a no-op one when NATS is not
// configured or unreachable. Events never block startup.
func (s *Server) connectEvents() events.Publisher {
	url := s.config.Events.NATSURL
	if url == "" {
		return events.NoOpPublisher{}
	}
	prefix := s.config.Events.SubjectPrefix
	if prefix == "" {
		prefix = events.DefaultSubjectPrefix
	}
	pub, err := events.ConnectNATS(url, prefix, s.logger)
	if err != nil {
		s.logger.Warn("tool events disabled: cannot connect to NATS", "url", url, "error", err)
		return events.NoOpPublisher{}
	}
	s.logger.Info("publishing tool events", "url", url, "subject_prefix", prefix)
	return pub
}

// buildTransports creates the REST API and both MCP servers and mounts them.
func (s *Server) buildTransports(logger *slog.Logger) error {
	s.linkTokens = mcp.NewTokenStore()

	mcpServer, err := mcp.NewServer(mcp.Config{
		Registry:   s.registry,
		Invoker:    s.invoker,
		Resolver:   s.resolver,
		LinkTokens: s.linkTokens,
		Logger:     logger,
		ServerName: Name,
		Version:    s.version,
		SessionTTL: s.config.Server.MCPSessionTTL,
	})
	if err != nil {
		return fmt.Errorf("creating MCP server: %w", err)
	}
	s.mcpServer = mcpServer

	s.sdk = mcp.NewSDKServer(mcp.SDKConfig{
		Registry:   s.registry,
		Invoker:    s.invoker,
		Resolver:   s.resolver,
		Logger:     logger,
		ServerName: Name,
		Version:    s.version,
	})

	s.api, err = api.New(api.Config{
		Registry: s.registry,
		Invoker:  s.invoker,
		Resolver: s.resolver,
		Limiter:  s.limiter,
		RatePolicy: ratelimit.Policy{
			Demo: ratelimit.Limit{
				PerMinute: s.config.RateLimit.DemoPerMinute,
				Burst:     s.config.RateLimit.DemoBurst,
			},
			Authenticated: ratelimit.Limit{
				PerMinute: s.config.RateLimit.AuthenticatedPerMinute,
				Burst:     s.config.RateLimit.AuthenticatedBurst,
			},
		},
		Metrics:    s.metrics,
		LinkTokens: s.linkTokens,
		Ready:      s.db.Ping,
		Logger:     logger,
	})
	if err != nil {
		return fmt.Errorf("creating REST API: %w", err)
	}

	mux := http.NewServeMux()
	s.api.RegisterRoutes(mux)

	mcpMux := http.NewServeMux()
	s.mcpServer.RegisterRoutes(mcpMux)
	mux.Handle("/mcp", s.limit(mcpMux, s.mcpServer.CallerIdentity))
	mux.Handle("/mcp/", s.limit(mcpMux, s.mcpServer.CallerIdentity))

	sse := s.sdk.SSEHandler(s.baseURL())
	mux.Handle("/sse", s.limit(sse, nil))
	mux.Handle("/message", s.limit(sse, nil))

	s.httpServer = &http.Server{
		Addr:              s.config.Server.HTTPAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return nil
}

// limit applies the REST rate limits to the MCP transports as well. identify
// names the caller for limiting; nil means the Authorization header.
func (s *Server) limit(h http.Handler, identify ratelimit.IdentityFunc) http.Handler {
	if s.limiter == nil {
		return h
	}
	if identify == nil {
		identify = func(r *http.Request) (auth.Identity, bool) {
			return auth.FromContext(r.Context())
		}
	}
	policy := ratelimit.Policy{
		Demo:          ratelimit.Limit{PerMinute: s.config.RateLimit.DemoPerMinute, Burst: s.config.RateLimit.DemoBurst},
		Authenticated: ratelimit.Limit{PerMinute: s.config.RateLimit.AuthenticatedPerMinute, Burst: s.config.RateLimit.AuthenticatedBurst},
	}
	return auth.Middleware(s.resolver)(ratelimit.MiddlewareFunc(s.limiter, policy, s.metrics, s.logger, identify)(h))
}

// baseURL resolves the externally visible origin for SSE endpoint events.
func (s *Server) baseURL() string {
	if s.config.Server.BaseURL != "" {
		return strings.TrimSuffix(s.config.Server.BaseURL, "/")
	}
	if envURL := os.Getenv("FCP_PUBLIC_URL"); envURL != "" {
		return strings.TrimSuffix(envURL, "/")
	}
	if s.config.Tailscale.Enabled {
		if s.config.Tailscale.HTTPS || s.config.Tailscale.Funnel {
			return "https://" + s.config.Tailscale.Hostname
		}
		return "http://" + s.config.Tailscale.Hostname
	}
	return "http://" + s.config.Server.HTTPAddr
}

func backendLabel(backend string) string {
	if backend == "" {
		return "sqlite"
	}
	return backend
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler { return s.httpServer.Handler }

// Registry returns the tool registry.
func (s *Server) Registry() *tools.Registry { return s.registry }

// Invoker returns the observed dispatcher every transport calls.
func (s *Server) Invoker() dispatch.Invoker { return s.invoker }

// Resolver returns the identity resolver.
func (s *Server) Resolver() *auth.Resolver { return s.resolver }

// ServeStdio serves MCP over in and out instead of HTTP.
func (s *Server) ServeStdio(ctx context.Context, in io.Reader, out io.Writer) error {
	return s.sdk.ServeStdio(ctx, in, out)
}

// setupTCPListener creates the standard TCP listener.
func (s *Server) setupTCPListener() (net.Listener, error) {
	s.logger.Info("starting server", "http_addr", s.config.Server.HTTPAddr)
	ln, err := net.Listen("tcp", s.config.Server.HTTPAddr)
	if err != nil {
		return nil, fmt.Errorf("listening on HTTP address: %w", err)
	}
	return ln, nil
}

// setupListener creates the listener based on configuration (Tailscale or TCP).
func (s *Server) setupListener(ctx context.Context) (net.Listener, error) {
	if s.config.Tailscale.Enabled {
		if s.config.Server.HTTPAddr != "" {
			s.logger.Warn("server.http_addr is ignored when tailscale is enabled", "http_addr", s.config.Server.HTTPAddr)
		}
		return s.setupTailscaleListener(ctx)
	}
	return s.setupTCPListener()
}

// Run serves HTTP and blocks until ctx is canceled or the server fails.
// Returns nil on graceful shutdown.
func (s *Server) Run(ctx context.Context) error {
	ln, err := s.setupListener(ctx)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve is Run on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("HTTP server listening", "addr", ln.Addr().String())
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	var serverErr error
	select {
	case <-ctx.Done():
		s.logger.Info("context canceled, initiating shutdown")
	case serverErr = <-errCh:
		s.logger.Error("server error", "error", serverErr)
	}

	shutdownErr := s.gracefulShutdown()
	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// gracefulShutdown performs shutdown with a fresh context and timeout.
// The run context is already canceled at this point.
func (s *Server) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.Shutdown(ctx)
}

// resolveTailscaleStateDir returns the state directory, using default if not configured.
func resolveTailscaleStateDir(configured string) (string, error) {
	if configured != "" {
		return configured, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory for tailscale state (set tailscale.state_dir explicitly): %w", err)
	}
	return filepath.Join(homeDir, ".local", "share", "fcp", "tailscale"), nil
}

// resolveTailscaleAuthKey returns the auth key from config or environment.
func resolveTailscaleAuthKey(configured string) (string, error) {
	authKey := configured
	if authKey == "" {
		authKey = os.Getenv("TS_AUTHKEY")
	}
	if authKey == "" {
		return "", errors.New("tailscale auth key required: set tailscale.auth_key or TS_AUTHKEY")
	}
	return authKey, nil
}

// setupTailscaleListener starts a tsnet node and listens on the tailnet.
func (s *Server) setupTailscaleListener(ctx context.Context) (net.Listener, error) {
	tsCfg := s.config.Tailscale

	stateDir, err := resolveTailscaleStateDir(tsCfg.StateDir)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(stateDir, 0700); err != nil {
		return nil, fmt.Errorf("creating tailscale state dir: %w", err)
	}

	authKey, err := resolveTailscaleAuthKey(tsCfg.AuthKey)
	if err != nil {
		return nil, err
	}

	s.tsnetServer = &tsnet.Server{
		Hostname:  tsCfg.Hostname,
		Dir:       stateDir,
		Ephemeral: tsCfg.Ephemeral,
		AuthKey:   authKey,
	}

	s.logger.Info("starting tailscale node", "hostname", tsCfg.Hostname, "state_dir", stateDir, "ephemeral", tsCfg.Ephemeral)
	status, err := s.tsnetServer.Up(ctx)
	if err != nil {
		_ = s.tsnetServer.Close()
		return nil, fmt.Errorf("starting tailscale: %w", err)
	}
	s.logTailscaleStatus(tsCfg.Hostname, status)

	switch {
	case tsCfg.Funnel:
		s.logger.Info("enabling tailscale funnel (public HTTPS) on :443")
		ln, err := s.tsnetServer.ListenFunnel("tcp", ":443")
		if err != nil {
			_ = s.tsnetServer.Close()
			return nil, fmt.Errorf("listening on tailscale funnel: %w", err)
		}
		return ln, nil
	case tsCfg.HTTPS:
		return s.createTailscaleTLSListener()
	default:
		ln, err := s.tsnetServer.Listen("tcp", ":80")
		if err != nil {
			_ = s.tsnetServer.Close()
			return nil, fmt.Errorf("listening on tailscale HTTP port: %w", err)
		}
		return ln, nil
	}
}

// logTailscaleStatus logs info about the tailscale node status.
func (s *Server) logTailscaleStatus(hostname string, status *ipnstate.Status) {
	var tsAddr, dnsName string
	if len(status.TailscaleIPs) > 0 {
		tsAddr = status.TailscaleIPs[0].String()
	} else {
		s.logger.Warn("tailscale node has no IP addresses assigned")
	}
	if status.Self != nil {
		dnsName = strings.TrimSuffix(status.Self.DNSName, ".")
	}
	s.logger.Info("tailscale node ready", "hostname", hostname, "tailscale_ip", tsAddr, "dns_name", dnsName)
}

// createTailscaleTLSListener creates a TLS listener using Tailscale's auto-provisioned certs.
func (s *Server) createTailscaleTLSListener() (net.Listener, error) {
	s.logger.Info("enabling HTTPS with Tailscale certs on :443")
	ln, err := s.tsnetServer.Listen("tcp", ":443")
	if err != nil {
		_ = s.tsnetServer.Close()
		return nil, fmt.Errorf("listening on tailscale HTTPS port: %w", err)
	}
	lc, err := s.tsnetServer.LocalClient()
	if err != nil {
		_ = ln.Close()
		_ = s.tsnetServer.Close()
		return nil, fmt.Errorf("getting tailscale local client: %w", err)
	}
	return tls.NewListener(ln, &tls.Config{
		GetCertificate: lc.GetCertificate,
		MinVersion:     tls.VersionTLS12,
	}), nil
}

// appendCloseError appends an error with label if err is non-nil.
func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

// Shutdown stops the HTTP server and releases every resource. Safe to call
// without Run, for the stdio and tools commands.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down server")

	var errs []error
	if s.httpServer != nil {
		errs = appendCloseError(errs, "HTTP shutdown", s.httpServer.Shutdown(ctx))
	}
	if s.tsnetServer != nil {
		errs = appendCloseError(errs, "tailscale shutdown", s.tsnetServer.Close())
	}
	if s.limiter != nil {
		s.limiter.Close()
	}
	if s.publisher != nil {
		errs = appendCloseError(errs, "events close", s.publisher.Close())
	}

	// the container owns the database once it has been built
	if c := s.container.Load(); c != nil {
		errs = appendCloseError(errs, "dependencies close", c.Close())
	} else if s.db != nil {
		errs = appendCloseError(errs, "store close", s.db.Close())
	}

	if s.telemetryShutdown != nil {
		errs = appendCloseError(errs, "telemetry shutdown", s.telemetryShutdown(ctx))
	}

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %v", errs)
	}
	return nil
}
