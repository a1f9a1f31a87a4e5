// ABOUTME: Authenticated identity carried through request handlers
// ABOUTME: Provides WithIdentity/FromContext for propagating auth info via context

package auth

import (
	"context"
)

// Method records how a request proved who it is.
type Method string

const (
	MethodSession Method = "session" // JWT from login, via cookie, header or query
	MethodAPIKey  Method = "api_key"
	MethodNone    Method = "none" // auth disabled
)

// OperatorSubject is the JWT subject issued to the single operator.
const OperatorSubject = "operator"

// Identity is the authenticated caller of a request.
type Identity struct {
	Subject string
	Method  Method
}

type identityKey struct{}

// WithIdentity returns a new context with id attached.
func WithIdentity(ctx context.Context, id *Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

// FromContext retrieves the Identity from the context, returning nil if not present.
func FromContext(ctx context.Context) *Identity {
	id, _ := ctx.Value(identityKey{}).(*Identity)
	return id
}
