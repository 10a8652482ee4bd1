// ABOUTME: Configuration loading and parsing for fcp-server
// ABOUTME: YAML or TOML files with ${VAR} expansion, duration parsing and FCP_* environment overrides

package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// EnvPrefix is the prefix of every environment override.
const EnvPrefix = "FCP"

// Config represents the complete fcp-server configuration
type Config struct {
	Server    ServerConfig    `yaml:"server" toml:"server"`
	Tailscale TailscaleConfig `yaml:"tailscale" toml:"tailscale"`
	Auth      AuthConfig      `yaml:"auth" toml:"auth"`
	Database  DatabaseConfig  `yaml:"database" toml:"database"`
	AI        AIConfig        `yaml:"ai" toml:"ai"`
	HTTP      HTTPConfig      `yaml:"http" toml:"http"`
	Recording RecordingConfig `yaml:"recording" toml:"recording"`
	Events    EventsConfig    `yaml:"events" toml:"events"`
	RateLimit RateLimitConfig `yaml:"ratelimit" toml:"ratelimit"`
	Telemetry TelemetryConfig `yaml:"telemetry" toml:"telemetry"`
	Catalog   CatalogConfig   `yaml:"catalog" toml:"catalog"`
	Logging   LoggingConfig   `yaml:"logging" toml:"logging"`
}

// ServerConfig holds the HTTP listener configuration
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr" toml:"http_addr"`
	// BaseURL is the externally visible origin, used in SSE endpoint events
	BaseURL string `yaml:"base_url" toml:"base_url"`

	MCPSessionTTL    time.Duration `yaml:"-" toml:"-"`
	MCPSessionTTLRaw string        `yaml:"mcp_session_ttl" toml:"mcp_session_ttl"`
}

// TailscaleConfig holds Tailscale tsnet configuration
type TailscaleConfig struct {
	Enabled   bool   `yaml:"enabled" toml:"enabled"`
	Hostname  string `yaml:"hostname" toml:"hostname"`
	AuthKey   string `yaml:"auth_key" toml:"auth_key"`
	StateDir  string `yaml:"state_dir" toml:"state_dir"`
	Ephemeral bool   `yaml:"ephemeral" toml:"ephemeral"`
	HTTPS     bool   `yaml:"https" toml:"https"`
	Funnel    bool   `yaml:"funnel" toml:"funnel"` // public Funnel (implies HTTPS)
}

// AuthConfig holds caller resolution configuration
type AuthConfig struct {
	// Token is the bearer token that authenticates as AdminUserID. Empty means
	// any bearer token authenticates as itself.
	Token       string `yaml:"token" toml:"token"`
	JWTSecret   string `yaml:"jwt_secret" toml:"jwt_secret"`
	AdminUserID string `yaml:"admin_user_id" toml:"admin_user_id"`
	DemoUserID  string `yaml:"demo_user_id" toml:"demo_user_id"`
	DemoMode    bool   `yaml:"demo_mode" toml:"demo_mode"`
}

// DatabaseConfig selects and configures the storage backend
type DatabaseConfig struct {
	Backend string `yaml:"backend" toml:"backend"` // sqlite or postgres
	Path    string `yaml:"path" toml:"path"`
	URL     string `yaml:"url" toml:"url"`
}

// AIConfig holds the Gemini configuration. An empty key disables AI tools.
type AIConfig struct {
	GeminiAPIKey   string `yaml:"gemini_api_key" toml:"gemini_api_key"`
	Model          string `yaml:"model" toml:"model"`
	ThinkingBudget int32  `yaml:"thinking_budget" toml:"thinking_budget"`
}

// HTTPConfig configures the outbound HTTP client
type HTTPConfig struct {
	UserAgent  string        `yaml:"user_agent" toml:"user_agent"`
	Timeout    time.Duration `yaml:"-" toml:"-"`
	TimeoutRaw string        `yaml:"timeout" toml:"timeout"`
}

// RecordingConfig controls which tool calls are persisted
type RecordingConfig struct {
	Enabled bool     `yaml:"enabled" toml:"enabled"`
	Tools   []string `yaml:"tools" toml:"tools"`
}

// EventsConfig configures tool.executed publishing
type EventsConfig struct {
	NATSURL       string `yaml:"nats_url" toml:"nats_url"`
	SubjectPrefix string `yaml:"subject_prefix" toml:"subject_prefix"`
}

// RateLimitConfig holds per-role request limits
type RateLimitConfig struct {
	Enabled                bool `yaml:"enabled" toml:"enabled"`
	DemoPerMinute          int  `yaml:"demo_per_minute" toml:"demo_per_minute"`
	DemoBurst              int  `yaml:"demo_burst" toml:"demo_burst"`
	AuthenticatedPerMinute int  `yaml:"authenticated_per_minute" toml:"authenticated_per_minute"`
	AuthenticatedBurst     int  `yaml:"authenticated_burst" toml:"authenticated_burst"`
	MaxKeys                int  `yaml:"max_keys" toml:"max_keys"`
}

// TelemetryConfig selects the OpenTelemetry exporter
type TelemetryConfig struct {
	Exporter          string        `yaml:"exporter" toml:"exporter"` // none, stdout or otlp
	OTLPEndpoint      string        `yaml:"otlp_endpoint" toml:"otlp_endpoint"`
	OTLPInsecure      bool          `yaml:"otlp_insecure" toml:"otlp_insecure"`
	ExportInterval    time.Duration `yaml:"-" toml:"-"`
	ExportIntervalRaw string        `yaml:"export_interval" toml:"export_interval"`
}

// CatalogConfig tunes the built-in tool packs
type CatalogConfig struct {
	ProductURL string `yaml:"product_url" toml:"product_url"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"` // text or json
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			HTTPAddr:      "127.0.0.1:8080",
			MCPSessionTTL: 24 * time.Hour,
		},
		Tailscale: TailscaleConfig{Hostname: "fcp-server"},
		Database: DatabaseConfig{
			Backend: "sqlite",
			Path:    defaultDBPath(),
		},
		AI: AIConfig{ThinkingBudget: 2048},
		HTTP: HTTPConfig{
			UserAgent: "fcp-server",
			Timeout:   15 * time.Second,
		},
		RateLimit: RateLimitConfig{
			Enabled:                true,
			DemoPerMinute:          30,
			DemoBurst:              10,
			AuthenticatedPerMinute: 600,
			AuthenticatedBurst:     60,
			MaxKeys:                10_000,
		},
		Telemetry: TelemetryConfig{
			Exporter:       "none",
			ExportInterval: 30 * time.Second,
		},
		Logging: LoggingConfig{Level: "info", Format: "text"},
	}
}

func defaultDBPath() string {
	if dir := os.Getenv("XDG_DATA_HOME"); dir != "" {
		return filepath.Join(dir, "fcp", "fcp.db")
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".local", "share", "fcp", "fcp.db")
	}
	return "fcp.db"
}

// DefaultPath returns FCP_CONFIG, or server.yaml under the XDG config directory.
func DefaultPath() string {
	if p := os.Getenv("FCP_CONFIG"); p != "" {
		return p
	}
	if dir := os.Getenv("XDG_CONFIG_HOME"); dir != "" {
		return filepath.Join(dir, "fcp", "server.yaml")
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".config", "fcp", "server.yaml")
	}
	return "server.yaml"
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Files ending in .toml are parsed as TOML, everything else as YAML. Unset keys
// keep their Default values. Environment variables in the format ${VAR_NAME}
// are expanded.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	expanded := expandEnvVars(string(data))

	cfg := Default()
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if _, err := toml.Decode(expanded, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	} else if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := parseDurations(cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// LoadFromEnvironment loads DefaultPath when it exists (or when FCP_CONFIG
// names it explicitly), applies FCP_* overrides and validates the result.
func LoadFromEnvironment() (*Config, error) {
	path := DefaultPath()
	cfg := Default()

	_, statErr := os.Stat(path)
	if statErr == nil || os.Getenv("FCP_CONFIG") != "" {
		loaded, err := Load(path)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	} else if !errors.Is(statErr, os.ErrNotExist) {
		return nil, fmt.Errorf("checking config file: %w", statErr)
	}

	if err := ApplyEnv(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return cfg, nil
}

// envOverrides lists the FCP_* variables. Nil pointers mean "not set".
type envOverrides struct {
	HTTPAddr     *string `envconfig:"HTTP_ADDR"`
	BaseURL      *string `envconfig:"BASE_URL"`
	Token        *string `envconfig:"TOKEN"`
	JWTSecret    *string `envconfig:"JWT_SECRET"`
	AdminUserID  *string `envconfig:"ADMIN_USER_ID"`
	DemoUserID   *string `envconfig:"DEMO_USER_ID"`
	DemoMode     *bool   `envconfig:"DEMO_MODE"`
	DBBackend    *string `envconfig:"DB_BACKEND"`
	DBPath       *string `envconfig:"DB_PATH"`
	DatabaseURL  *string `envconfig:"DATABASE_URL"`
	GeminiAPIKey *string `envconfig:"GEMINI_API_KEY"`
	GeminiModel  *string `envconfig:"GEMINI_MODEL"`
	NATSURL      *string `envconfig:"NATS_URL"`

	RecordingEnabled *bool    `envconfig:"RECORDING_ENABLED"`
	RecordingTools   []string `envconfig:"RECORDING_TOOLS"`

	RateLimitEnabled *bool   `envconfig:"RATELIMIT_ENABLED"`
	OTelExporter     *string `envconfig:"OTEL_EXPORTER"`
	OTLPEndpoint     *string `envconfig:"OTLP_ENDPOINT"`
	LogLevel         *string `envconfig:"LOG_LEVEL"`
	LogFormat        *string `envconfig:"LOG_FORMAT"`

	TailscaleEnabled *bool   `envconfig:"TAILSCALE_ENABLED"`
	TailscaleAuthKey *string `envconfig:"TAILSCALE_AUTH_KEY"`
}

// ApplyEnv overlays FCP_* environment variables onto cfg.
func ApplyEnv(cfg *Config) error {
	var env envOverrides
	if err := envconfig.Process(EnvPrefix, &env); err != nil {
		return fmt.Errorf("reading environment: %w", err)
	}

	setString(&cfg.Server.HTTPAddr, env.HTTPAddr)
	setString(&cfg.Server.BaseURL, env.BaseURL)
	setString(&cfg.Auth.Token, env.Token)
	setString(&cfg.Auth.JWTSecret, env.JWTSecret)
	setString(&cfg.Auth.AdminUserID, env.AdminUserID)
	setString(&cfg.Auth.DemoUserID, env.DemoUserID)
	setBool(&cfg.Auth.DemoMode, env.DemoMode)
	setString(&cfg.Database.Backend, env.DBBackend)
	setString(&cfg.Database.Path, env.DBPath)
	setString(&cfg.Database.URL, env.DatabaseURL)
	setString(&cfg.AI.GeminiAPIKey, env.GeminiAPIKey)
	setString(&cfg.AI.Model, env.GeminiModel)
	setString(&cfg.Events.NATSURL, env.NATSURL)
	setBool(&cfg.Recording.Enabled, env.RecordingEnabled)
	if env.RecordingTools != nil {
		cfg.Recording.Tools = env.RecordingTools
	}
	setBool(&cfg.RateLimit.Enabled, env.RateLimitEnabled)
	setString(&cfg.Telemetry.Exporter, env.OTelExporter)
	setString(&cfg.Telemetry.OTLPEndpoint, env.OTLPEndpoint)
	setString(&cfg.Logging.Level, env.LogLevel)
	setString(&cfg.Logging.Format, env.LogFormat)
	setBool(&cfg.Tailscale.Enabled, env.TailscaleEnabled)
	setString(&cfg.Tailscale.AuthKey, env.TailscaleAuthKey)
	return nil
}

func setString(dst *string, v *string) {
	if v != nil {
		*dst = *v
	}
}

func setBool(dst *bool, v *bool) {
	if v != nil {
		*dst = *v
	}
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if !c.Tailscale.Enabled && c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required (or enable tailscale)")
	}
	if c.Tailscale.Enabled && c.Tailscale.Hostname == "" {
		return fmt.Errorf("tailscale.hostname is required when tailscale is enabled")
	}

	switch c.Database.Backend {
	case "", "sqlite":
		if c.Database.Path == "" {
			return fmt.Errorf("database.path is required for the sqlite backend")
		}
	case "postgres":
		if c.Database.URL == "" {
			return fmt.Errorf("database.url is required for the postgres backend")
		}
	default:
		return fmt.Errorf("database.backend must be sqlite or postgres, got %q", c.Database.Backend)
	}

	switch c.Telemetry.Exporter {
	case "", "none", "stdout":
	case "otlp":
		if c.Telemetry.OTLPEndpoint == "" {
			return fmt.Errorf("telemetry.otlp_endpoint is required for the otlp exporter")
		}
	default:
		return fmt.Errorf("telemetry.exporter must be none, stdout or otlp, got %q", c.Telemetry.Exporter)
	}

	if c.RateLimit.DemoPerMinute < 0 || c.RateLimit.AuthenticatedPerMinute < 0 {
		return fmt.Errorf("ratelimit limits must not be negative")
	}

	if c.Catalog.ProductURL != "" && strings.Count(c.Catalog.ProductURL, "%s") != 1 {
		return fmt.Errorf("catalog.product_url must contain exactly one %%s")
	}

	switch strings.ToLower(c.Logging.Format) {
	case "", "text", "json":
	default:
		return fmt.Errorf("logging.format must be text or json, got %q", c.Logging.Format)
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"server.mcp_session_ttl", cfg.Server.MCPSessionTTLRaw, &cfg.Server.MCPSessionTTL},
		{"http.timeout", cfg.HTTP.TimeoutRaw, &cfg.HTTP.Timeout},
		{"telemetry.export_interval", cfg.Telemetry.ExportIntervalRaw, &cfg.Telemetry.ExportInterval},
	}
	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		if d <= 0 {
			return fmt.Errorf("%s must be positive", f.name)
		}
		*f.dst = d
	}
	return nil
}
