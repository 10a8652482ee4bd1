// ABOUTME: HTTP middleware applying role-specific limits to the resolved identity
// ABOUTME: Rejected requests get 429 before any tool is dispatched

package ratelimit

import (
	"encoding/json"
	"log/slog"
	"net"
	"net/http"

	"github.com/fcp-dev/fcp-server/internal/auth"
	"github.com/fcp-dev/fcp-server/internal/telemetry"
)

// Policy holds the limits per role.
type Policy struct {
	Demo          Limit
	Authenticated Limit
}

func (p Policy) forIdentity(id auth.Identity) Limit {
	if id.CanWrite() {
		return p.Authenticated
	}
	return p.Demo
}

// IdentityFunc reports the identity a request runs as, if known.
type IdentityFunc func(r *http.Request) (auth.Identity, bool)

// Middleware limits requests by the identity auth.Middleware stored in the
// request context. It must run after auth.Middleware.
func Middleware(l *Limiter, policy Policy, metrics *telemetry.Metrics, logger *slog.Logger) func(http.Handler) http.Handler {
	return MiddlewareFunc(l, policy, metrics, logger, func(r *http.Request) (auth.Identity, bool) {
		return auth.FromContext(r.Context())
	})
}

// MiddlewareFunc limits requests by the identity identify returns. Transports
// whose caller is not the Authorization header, such as MCP link tokens and
// sessions, supply their own.
func MiddlewareFunc(l *Limiter, policy Policy, metrics *telemetry.Metrics, logger *slog.Logger, identify IdentityFunc) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "ratelimit")

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id, ok := identify(r)
			key := bucketKey(r, id, ok)

			if !l.Allow(key, policy.forIdentity(id)) {
				logger.Warn("rate limited", "key", key, "path", r.URL.Path)
				metrics.RecordRateLimited(r.Context(), id.RoleLabel())

				w.Header().Set("Content-Type", "application/json")
				w.Header().Set("Retry-After", "60")
				w.WriteHeader(http.StatusTooManyRequests)
				_ = json.NewEncoder(w).Encode(map[string]string{
					"status":  "error",
					"error":   "rate_limited",
					"message": "Too many requests. Please slow down.",
				})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// bucketKey picks the limiter bucket. Every anonymous caller shares the one
// demo user id, so demo buckets are per client host instead.
func bucketKey(r *http.Request, id auth.Identity, known bool) string {
	if known && id.CanWrite() {
		return "user:" + id.UserID
	}
	return "addr:" + clientHost(r.RemoteAddr)
}

func clientHost(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}
