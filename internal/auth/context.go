// ABOUTME: Request context carrying the facts established by a successful gate check
// ABOUTME: Provides WithVerified/FromContext for operation handlers

package auth

import (
	"context"
)

// Verified describes a request the gate allowed.
type Verified struct {
	Timestamp string // value of the timestamp header that was signed
	Path      string // canonical path that was signed
}

// verifiedKey is the key type for storing Verified in context.Context.
type verifiedKey struct{}

// WithVerified returns a new context with v attached.
func WithVerified(ctx context.Context, v *Verified) context.Context {
	return context.WithValue(ctx, verifiedKey{}, v)
}

// FromContext retrieves the Verified value, returning nil if the request did
// not pass through the gate.
func FromContext(ctx context.Context) *Verified {
	v, ok := ctx.Value(verifiedKey{}).(*Verified)
	if !ok {
		return nil
	}
	return v
}
