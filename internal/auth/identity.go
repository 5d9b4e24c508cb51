package auth

import (
	"context"
	"time"
)

// Identity is the authenticated caller extracted from a verified token.
type Identity struct {
	UserID   string    `json:"user_id"`
	Username string    `json:"username"`
	Role     string    `json:"role"`
	JTI      string    `json:"jti"`
	Expires  time.Time `json:"expires"`
}

type identityKey struct{}

// WithIdentity stores the identity on the request context.
func WithIdentity(ctx context.Context, id *Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

// IdentityFrom returns the identity set by authentication, or nil.
func IdentityFrom(ctx context.Context) *Identity {
	id, _ := ctx.Value(identityKey{}).(*Identity)
	return id
}
