// ABOUTME: Request context propagation for resolved identities
// ABOUTME: Provides WithIdentity/FromContext so transports hand identities to the dispatcher

package auth

import (
	"context"
)

// identityContextKey is the key type for storing an Identity in context.Context.
type identityContextKey struct{}

// WithIdentity returns a new context carrying id.
func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityContextKey{}, id)
}

// FromContext retrieves the Identity from the context.
func FromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(identityContextKey{}).(Identity)
	return id, ok
}

// MustFromContext retrieves the Identity from the context, panicking if not present.
func MustFromContext(ctx context.Context) Identity {
	id, ok := FromContext(ctx)
	if !ok {
		panic("auth: Identity not found in context")
	}
	return id
}
