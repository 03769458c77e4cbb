// Package identity supplies the acting user to the write and read paths. The
// user id and role always come from the stored account; callers only assert
// who they are.
package identity

import (
	"context"
	"elogbook/pkg/domain"
)

// Provider resolves the user behind a request.
type Provider interface {
	CurrentUser(ctx context.Context) (*domain.UserAccount, bool)
}

type ctxKey struct{}

// WithUser returns a context carrying user.
func WithUser(ctx context.Context, user *domain.UserAccount) context.Context {
	if user == nil {
		return ctx
	}
	cp := *user
	return context.WithValue(ctx, ctxKey{}, &cp)
}

// FromContext returns the user stored by WithUser.
func FromContext(ctx context.Context) (*domain.UserAccount, bool) {
	u, ok := ctx.Value(ctxKey{}).(*domain.UserAccount)
	if !ok || u == nil {
		return nil, false
	}
	cp := *u
	return &cp, true
}

// ContextProvider reads the user placed on the context by WithUser.
type ContextProvider struct{}

func (ContextProvider) CurrentUser(ctx context.Context) (*domain.UserAccount, bool) {
	return FromContext(ctx)
}

// Require returns the current user or an Unauthenticated error.
func Require(ctx context.Context, p Provider) (*domain.UserAccount, error) {
	if p == nil {
		p = ContextProvider{}
	}
	u, ok := p.CurrentUser(ctx)
	if !ok {
		return nil, domain.NewUnauthenticatedError("no authenticated user on the request")
	}
	return u, nil
}
