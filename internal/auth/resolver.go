// ABOUTME: Resolves an Authorization header or process token into an Identity
// ABOUTME: Anything short of a valid credential degrades to the per-process demo identity

package auth

import (
	"context"
	"crypto/subtle"
	"log/slog"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/fcp-dev/fcp-server/internal/telemetry"
)

// DefaultAdminUserID is the user id granted to holders of the configured token.
const DefaultAdminUserID = "admin"

// processDemoUserID is generated once and shared by every resolver in the process.
var processDemoUserID = sync.OnceValue(func() string {
	return "demo-" + uuid.NewString()
})

// ResolverConfig configures a Resolver.
type ResolverConfig struct {
	// DemoMode forces every caller to the demo identity.
	DemoMode bool
	// ExpectedToken, when set, is the only bearer token that authenticates.
	ExpectedToken string
	// AdminUserID is the user id for ExpectedToken holders.
	AdminUserID string
	// DemoUserID overrides the generated per-process demo id.
	DemoUserID string
	// Verifier, when set, authenticates JWT bearer tokens by their sub claim.
	Verifier TokenVerifier

	Metrics *telemetry.Metrics
	Logger  *slog.Logger
}

// Resolver maps credentials to identities.
type Resolver struct {
	cfg    ResolverConfig
	demo   Identity
	logger *slog.Logger
}

// NewResolver creates a resolver. Empty strings in cfg mean "not configured".
func NewResolver(cfg ResolverConfig) *Resolver {
	if cfg.AdminUserID == "" {
		cfg.AdminUserID = DefaultAdminUserID
	}
	demoID := cfg.DemoUserID
	if demoID == "" {
		demoID = processDemoUserID()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{
		cfg:    cfg,
		demo:   DemoIdentity(demoID),
		logger: logger.With("component", "auth"),
	}
}

// Demo returns the demo identity.
func (r *Resolver) Demo() Identity {
	return r.demo
}

// parseBearer splits "Bearer <token>". The scheme is case-insensitive and
// the header must have exactly two whitespace-separated parts.
func parseBearer(header string) (string, bool) {
	parts := strings.Fields(header)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", false
	}
	return parts[1], true
}

// ResolveHeader resolves an Authorization header value.
//
// Order of evaluation:
//  1. demo mode forces demo
//  2. no header (or only whitespace) is demo
//  3. a header that is not "Bearer <token>" is demo
//  4. a JWT that verifies is authenticated as its subject (only with a Verifier)
//  5. with an expected token configured, a match is authenticated as the admin
//     user and a mismatch is demo plus an auth-failure metric
//  6. with no expected token configured, any token authenticates with the
//     token itself as the user id
func (r *Resolver) ResolveHeader(ctx context.Context, header string) Identity {
	if r.cfg.DemoMode {
		return r.demo
	}
	if strings.TrimSpace(header) == "" {
		return r.demo
	}

	token, ok := parseBearer(header)
	if !ok {
		r.logger.Debug("malformed authorization header")
		return r.demo
	}

	if r.cfg.Verifier != nil && looksLikeJWT(token) {
		userID, err := r.cfg.Verifier.Verify(token)
		if err == nil {
			return AuthenticatedIdentity(userID)
		}
		r.fail(ctx, "jwt_invalid", err)
		return r.demo
	}

	if r.cfg.ExpectedToken != "" {
		if subtle.ConstantTimeCompare([]byte(token), []byte(r.cfg.ExpectedToken)) == 1 {
			return AuthenticatedIdentity(r.cfg.AdminUserID)
		}
		r.fail(ctx, "token_mismatch", nil)
		return r.demo
	}

	return AuthenticatedIdentity(token)
}

// ResolveToken resolves the caller for transports without headers, such as stdio,
// where the operator who configured the token is the caller.
// A configured expected token authenticates as the admin user.
func (r *Resolver) ResolveToken(ctx context.Context) Identity {
	if r.cfg.DemoMode || r.cfg.ExpectedToken == "" {
		return r.demo
	}
	return AuthenticatedIdentity(r.cfg.AdminUserID)
}

func (r *Resolver) fail(ctx context.Context, reason string, err error) {
	r.cfg.Metrics.RecordAuthFailure(ctx, reason)
	if err != nil {
		r.logger.Warn("bearer token rejected", "reason", reason, "error", err)
		return
	}
	r.logger.Warn("bearer token rejected", "reason", reason)
}
