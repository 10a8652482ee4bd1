// ABOUTME: Entry point for fcp-server, the food logging MCP and REST server
// ABOUTME: Subcommands serve HTTP, serve MCP over stdio, list tools, mint tokens and write configs

package main

import (
	"bufio"
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/fcp-dev/fcp-server/internal/auth"
	"github.com/fcp-dev/fcp-server/internal/config"
	"github.com/fcp-dev/fcp-server/internal/server"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
  __
 / _| ___ _ __        ___  ___ _ ____   _____ _ __
| |_ / __| '_ \ _____/ __|/ _ \ '__\ \ / / _ \ '__|
|  _| (__| |_) |_____\__ \  __/ |   \ V /  __/ |
|_|  \___| .__/      |___/\___|_|    \_/ \___|_|
         |_|
`

// defaultTokenTTL is how long tokens minted by the token command last.
const defaultTokenTTL = 30 * 24 * time.Hour

func usage() {
	fmt.Println("Usage: fcp-server <command>")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  serve                         Start the HTTP server (REST, MCP and SSE)")
	fmt.Println("  stdio                         Serve MCP over stdin/stdout")
	fmt.Println("  tools                         List registered tools")
	fmt.Println("  token [--user ID] [--ttl D]   Mint a signed bearer token (needs auth.jwt_secret)")
	fmt.Println("  health                        Check server readiness")
	fmt.Println("  init                          Create a new config file interactively")
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx)
	case "stdio":
		err = runStdio(ctx)
	case "tools":
		err = runTools(ctx)
	case "token":
		err = runToken(os.Args[2:])
	case "health":
		err = runHealth(ctx)
	case "init":
		err = runInit()
	case "help", "-h", "--help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadFromEnvironment()
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	return cfg, nil
}

func runServe(ctx context.Context) error {
	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	logger := setupLogger(cfg.Logging, os.Stdout)

	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	green.Print("    ▶ ")
	fmt.Printf("Config:    %s\n", config.DefaultPath())
	green.Print("    ▶ ")
	fmt.Printf("HTTP:      %s\n", cfg.Server.HTTPAddr)
	green.Print("    ▶ ")
	fmt.Printf("Database:  %s\n", databaseLabel(cfg.Database))

	if cfg.Tailscale.Enabled {
		green.Print("    ▶ ")
		fmt.Printf("Tailscale: ")
		cyan.Print(cfg.Tailscale.Hostname)
		if cfg.Tailscale.Funnel {
			yellow.Print(" [funnel]")
		}
		if cfg.Tailscale.Ephemeral {
			gray.Print(" (ephemeral)")
		}
		fmt.Println()
	}
	if cfg.Auth.DemoMode {
		yellow.Println("    ▶ Demo mode: all callers are read-only")
	}

	fmt.Println()

	logger.Info("starting fcp-server",
		"http_addr", cfg.Server.HTTPAddr,
		"backend", cfg.Database.Backend,
	)

	srv, err := server.New(ctx, cfg, logger, server.WithVersion(version))
	if err != nil {
		return fmt.Errorf("creating server: %w", err)
	}
	return srv.Run(ctx)
}

// runStdio serves MCP on stdin/stdout. Logs go to stderr so they never
// interleave with protocol messages.
func runStdio(ctx context.Context) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := setupLogger(cfg.Logging, os.Stderr)

	srv, err := server.New(ctx, cfg, logger, server.WithVersion(version))
	if err != nil {
		return fmt.Errorf("creating server: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	return srv.ServeStdio(ctx, os.Stdin, os.Stdout)
}

func runTools(ctx context.Context) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	// listing only needs the registry; keep logs quiet
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	srv, err := server.New(ctx, cfg, logger, server.WithVersion(version))
	if err != nil {
		return fmt.Errorf("creating server: %w", err)
	}
	defer srv.Shutdown(context.Background())

	tools := srv.Registry().ListTools()
	sort.Slice(tools, func(i, j int) bool { return tools[i].Name < tools[j].Name })

	cyan := color.New(color.FgCyan)
	yellow := color.New(color.FgYellow)
	for _, t := range tools {
		cyan.Printf("%-45s", t.Name)
		if t.RequiresWrite {
			yellow.Print(" [write]")
		} else {
			fmt.Print("        ")
		}
		fmt.Printf(" %s\n", t.Description)
	}
	fmt.Printf("\n%d tools\n", len(tools))
	return nil
}

// tokenArgs are the parsed flags of the token command.
type tokenArgs struct {
	userID string
	ttl    time.Duration
}

// parseTokenArgs supports both "--flag value" and "--flag=value".
func parseTokenArgs(args []string) (tokenArgs, error) {
	out := tokenArgs{ttl: defaultTokenTTL}
	for i := 0; i < len(args); i++ {
		arg := args[i]
		name, value, hasValue := strings.Cut(arg, "=")
		switch name {
		case "--user", "-u", "--ttl":
		default:
			if strings.HasPrefix(arg, "-") {
				return out, fmt.Errorf("unknown flag: %s", arg)
			}
			return out, fmt.Errorf("unexpected argument: %s", arg)
		}
		if !hasValue {
			if i+1 >= len(args) {
				return out, fmt.Errorf("%s requires a value", name)
			}
			value = args[i+1]
			i++
		}

		if name == "--ttl" {
			d, err := time.ParseDuration(value)
			if err != nil {
				return out, fmt.Errorf("invalid --ttl: %w", err)
			}
			if d <= 0 {
				return out, fmt.Errorf("--ttl must be positive")
			}
			out.ttl = d
			continue
		}

		out.userID = strings.TrimSpace(value)
		if out.userID == "" {
			return out, fmt.Errorf("--user cannot be empty")
		}
	}
	if out.userID == "" {
		out.userID = uuid.NewString()
	}
	return out, nil
}

// runToken mints a JWT for a user. The server accepts it as that user's
// bearer token while auth.jwt_secret stays the same.
func runToken(args []string) error {
	parsed, err := parseTokenArgs(args)
	if err != nil {
		return err
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret is not configured (set it in %s or FCP_JWT_SECRET)", config.DefaultPath())
	}

	token, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret)).Generate(parsed.userID, parsed.ttl)
	if err != nil {
		return fmt.Errorf("generating token: %w", err)
	}

	green := color.New(color.FgGreen)
	green.Fprintf(os.Stderr, "  ✓ Token for %s (expires %s)\n", parsed.userID,
		time.Now().Add(parsed.ttl).UTC().Format("Jan 02, 2006"))
	fmt.Println(token)
	return nil
}

func runHealth(ctx context.Context) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	url := fmt.Sprintf("http://%s/health/ready", cfg.Server.HTTPAddr)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	fmt.Println(string(body))
	return nil
}

func databaseLabel(db config.DatabaseConfig) string {
	if db.Backend == "postgres" {
		return "postgres"
	}
	return "sqlite " + db.Path
}

// runInit writes a config file from interactive answers. A random bearer
// token and JWT secret are generated so the result is usable immediately.
func runInit() error {
	reader := bufio.NewReader(os.Stdin)

	fmt.Println("fcp-server configuration setup")
	fmt.Println("==============================")
	fmt.Println()

	defaults := config.Default()
	outputFile := prompt(reader, "Config file path", config.DefaultPath())

	if _, err := os.Stat(outputFile); err == nil {
		overwrite := prompt(reader, "File exists. Overwrite?", "no")
		if !isYes(overwrite) {
			fmt.Println("Aborted.")
			return nil
		}
	}

	cfg := config.Default()

	fmt.Println("\n--- Server Configuration ---")
	cfg.Server.HTTPAddr = prompt(reader, "HTTP address", defaults.Server.HTTPAddr)

	fmt.Println("\n--- Database Configuration ---")
	cfg.Database.Backend = prompt(reader, "Backend (sqlite/postgres)", defaults.Database.Backend)
	if cfg.Database.Backend == "postgres" {
		cfg.Database.URL = prompt(reader, "Postgres URL", "postgres://localhost/fcp")
		cfg.Database.Path = ""
	} else {
		cfg.Database.Path = prompt(reader, "SQLite database path", defaults.Database.Path)
	}

	fmt.Println("\n--- AI Configuration ---")
	if key := prompt(reader, "Gemini API key (leave empty to use ${GEMINI_API_KEY})", ""); key != "" {
		cfg.AI.GeminiAPIKey = key
	} else {
		cfg.AI.GeminiAPIKey = "${GEMINI_API_KEY}"
	}

	fmt.Println("\n--- Tailscale Configuration ---")
	cfg.Tailscale.Enabled = isYes(prompt(reader, "Enable Tailscale?", "no"))
	if cfg.Tailscale.Enabled {
		cfg.Tailscale.Hostname = prompt(reader, "Tailscale hostname", defaults.Tailscale.Hostname)
		cfg.Tailscale.AuthKey = prompt(reader, "Tailscale auth key (leave empty to use TS_AUTHKEY)", "")
		cfg.Tailscale.HTTPS = isYes(prompt(reader, "Serve HTTPS with Tailscale certs?", "yes"))
		cfg.Tailscale.Funnel = isYes(prompt(reader, "Enable Funnel (public HTTPS)?", "no"))
	}

	fmt.Println("\n--- Logging Configuration ---")
	cfg.Logging.Level = prompt(reader, "Log level (debug/info/warn/error)", defaults.Logging.Level)
	cfg.Logging.Format = prompt(reader, "Log format (text/json)", defaults.Logging.Format)

	token, err := randomSecret()
	if err != nil {
		return err
	}
	secret, err := randomSecret()
	if err != nil {
		return err
	}
	cfg.Auth.Token = token
	cfg.Auth.JWTSecret = secret

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid answers: %w", err)
	}

	data, err := marshalConfig(cfg)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(outputFile), 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	if err := os.WriteFile(outputFile, data, 0600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	if cfg.Database.Path != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.Database.Path), 0755); err != nil {
			return fmt.Errorf("creating data directory: %w", err)
		}
	}

	green := color.New(color.FgGreen)
	fmt.Println()
	green.Printf("  ✓ Config written to %s\n", outputFile)
	fmt.Printf("  Bearer token: %s\n", token)
	fmt.Println("\nTo start the server:")
	fmt.Println("  fcp-server serve")
	return nil
}

// marshalConfig renders cfg as YAML with the raw duration fields filled in.
func marshalConfig(cfg *config.Config) ([]byte, error) {
	cfg.Server.MCPSessionTTLRaw = cfg.Server.MCPSessionTTL.String()
	cfg.HTTP.TimeoutRaw = cfg.HTTP.Timeout.String()
	cfg.Telemetry.ExportIntervalRaw = cfg.Telemetry.ExportInterval.String()

	body, err := yaml.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("encoding config: %w", err)
	}
	header := "# fcp-server configuration\n# Generated by fcp-server init\n\n"
	return append([]byte(header), body...), nil
}

func randomSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generating secret: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

func isYes(s string) bool {
	s = strings.ToLower(strings.TrimSpace(s))
	return s == "yes" || s == "y"
}

func prompt(reader *bufio.Reader, question, defaultVal string) string {
	if defaultVal != "" {
		fmt.Printf("%s [%s]: ", question, defaultVal)
	} else {
		fmt.Printf("%s: ", question)
	}

	input, err := reader.ReadString('\n')
	if err != nil {
		// On EOF or error, return default
		fmt.Println()
		return defaultVal
	}
	input = strings.TrimSpace(input)

	if input == "" {
		return defaultVal
	}
	return input
}

func setupLogger(cfg config.LoggingConfig, w io.Writer) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	var handler slog.Handler
	if strings.EqualFold(cfg.Format, "json") {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = &colorHandler{
			mu:    &sync.Mutex{},
			out:   w,
			level: level,
		}
	}

	return slog.New(handler)
}

// colorHandler provides colorized log output with thread-safe writes.
// Derived handlers share the mutex and writer of their parent.
type colorHandler struct {
	mu     *sync.Mutex
	out    io.Writer
	level  slog.Level
	attrs  []slog.Attr
	groups []string
}

func (h *colorHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *colorHandler) Handle(_ context.Context, r slog.Record) error {
	var buf strings.Builder

	buf.WriteString(color.HiBlackString(r.Time.Format("15:04:05") + " "))

	switch r.Level {
	case slog.LevelDebug:
		buf.WriteString(color.MagentaString("DBG "))
	case slog.LevelInfo:
		buf.WriteString(color.CyanString("INF "))
	case slog.LevelWarn:
		buf.WriteString(color.YellowString("WRN "))
	case slog.LevelError:
		buf.WriteString(color.New(color.FgRed, color.Bold).Sprint("ERR "))
	default:
		buf.WriteString("??? ")
	}

	buf.WriteString(r.Message)

	prefix := ""
	if len(h.groups) > 0 {
		prefix = strings.Join(h.groups, ".") + "."
	}

	// handler-level attrs (from WithAttrs) come first
	for _, a := range h.attrs {
		buf.WriteString(color.HiBlackString(" " + a.Key + "="))
		buf.WriteString(a.Value.String())
	}

	r.Attrs(func(a slog.Attr) bool {
		buf.WriteString(color.HiBlackString(" " + prefix + a.Key + "="))
		buf.WriteString(a.Value.String())
		return true
	})

	buf.WriteString("\n")

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := io.WriteString(h.out, buf.String())
	return err
}

func (h *colorHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	prefix := ""
	if len(h.groups) > 0 {
		prefix = strings.Join(h.groups, ".") + "."
	}
	newAttrs := make([]slog.Attr, len(h.attrs), len(h.attrs)+len(attrs))
	copy(newAttrs, h.attrs)
	for _, a := range attrs {
		newAttrs = append(newAttrs, slog.Attr{Key: prefix + a.Key, Value: a.Value})
	}
	return &colorHandler{
		mu:     h.mu,
		out:    h.out,
		level:  h.level,
		attrs:  newAttrs,
		groups: h.groups,
	}
}

func (h *colorHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	newGroups := make([]string, len(h.groups), len(h.groups)+1)
	copy(newGroups, h.groups)
	newGroups = append(newGroups, name)
	return &colorHandler{
		mu:     h.mu,
		out:    h.out,
		level:  h.level,
		attrs:  h.attrs,
		groups: newGroups,
	}
}
