// Package auth decides who is calling and what they may do.
//
// # Identities
//
// Every request resolves to an Identity with one of two roles:
//
//   - demo: read-only. Used for anonymous callers, malformed headers and
//     rejected tokens. All demo callers in a process share one user id.
//   - authenticated: may call write tools.
//
// Resolution never fails; a bad credential degrades to demo and increments
// the fcp.auth.failures counter.
//
// # Header resolution
//
//	resolver := auth.NewResolver(auth.ResolverConfig{ExpectedToken: "s3cret"})
//	id := resolver.ResolveHeader(ctx, "Bearer s3cret") // authenticated as "admin"
//
// With no expected token configured, any bearer token authenticates and the
// token itself becomes the user id. When a JWT secret is configured, HS256
// tokens minted by "fcp-server token" authenticate as their sub claim.
//
// # Write gate
//
// WriteGate.Check rejects demo identities with ErrWritePermissionDenied,
// appending a write_denied entry to the audit log.
package auth
