// ABOUTME: Authenticated identity carried through admin API request handlers
// ABOUTME: Provides WithIdentity/FromContext for propagating it via context

package auth

import (
	"context"
)

// Identity is who called the admin API, taken from a verified token.
type Identity struct {
	Subject string // token "sub", e.g. an operator's name
	Role    string // RoleViewer or RoleAdmin
}

// IsAdmin returns true if the identity may change conversations.
func (i *Identity) IsAdmin() bool {
	return i != nil && i.Role == RoleAdmin
}

// identityKey is the key type for storing Identity in context.Context.
type identityKey struct{}

// WithIdentity returns a new context with the Identity attached.
func WithIdentity(ctx context.Context, id *Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

// FromContext retrieves the Identity from the context, returning nil if not present.
func FromContext(ctx context.Context) *Identity {
	id, _ := ctx.Value(identityKey{}).(*Identity)
	return id
}
