// Package auth defines the Principal identity attached to every command
// and the host-side token verification that produces it. The core never
// verifies signatures itself; the hosting ledger authenticates callers
// and hands the core an already-trusted Principal.
package auth

import (
	"context"
	"errors"
)

var (
	// ErrNoPrincipal is returned when a context carries no identity.
	ErrNoPrincipal = errors.New("auth: no principal in context")
	// ErrEmptyPrincipal rejects the zero identity.
	ErrEmptyPrincipal = errors.New("auth: empty principal")
)

// Principal is the opaque authenticated identity of a caller or
// verifier. It is comparable and usable as a map key.
type Principal string

// Validate rejects the empty principal.
func (p Principal) Validate() error {
	if p == "" {
		return ErrEmptyPrincipal
	}
	return nil
}

func (p Principal) String() string { return string(p) }

type contextKey string

const principalKey contextKey = "principal"

// WithPrincipal attaches a Principal to the context.
func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey, p)
}

// FromContext retrieves the Principal from the context.
func FromContext(ctx context.Context) (Principal, error) {
	p, ok := ctx.Value(principalKey).(Principal)
	if !ok || p == "" {
		return "", ErrNoPrincipal
	}
	return p, nil
}
