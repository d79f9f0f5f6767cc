package auth

import "context"

type ctxKey int

const identityKey ctxKey = iota

// ContextWithIdentity returns a child context carrying the operator that
// authenticated the request.
func ContextWithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityKey, id)
}

// IdentityFromContext returns the operator attached by ContextWithIdentity.
func IdentityFromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(identityKey).(Identity)
	return id, ok && id.OperatorID != ""
}

// RequireIdentity is IdentityFromContext for callers that want an error.
func RequireIdentity(ctx context.Context) (Identity, error) {
	if id, ok := IdentityFromContext(ctx); ok {
		return id, nil
	}
	return Identity{}, ErrUnauthorized
}
