package identity

import (
	"context"
	"elogbook/pkg/domain"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Directory is the read-only account lookup the resolver checks tokens against.
type Directory interface {
	View(ctx context.Context, fn func(domain.TransactionView) error) error
}

// Claims are the bearer token claims. Subject holds the user id.
type Claims struct {
	Username string `json:"username"`
	jwt.RegisteredClaims
}

// JWTResolver issues and validates HS256 bearer tokens.
type JWTResolver struct {
	secret    []byte
	issuer    string
	directory Directory
	now       func() time.Time
}

// NewJWTResolver builds a resolver. secret must not be empty.
func NewJWTResolver(secret []byte, issuer string, directory Directory) (*JWTResolver, error) {
	if len(secret) == 0 {
		return nil, fmt.Errorf("jwt secret cannot be empty")
	}
	if directory == nil {
		return nil, fmt.Errorf("jwt resolver requires a user directory")
	}
	return &JWTResolver{secret: secret, issuer: issuer, directory: directory, now: time.Now}, nil
}

// Issue signs a token for user valid for ttl.
func (r *JWTResolver) Issue(user domain.UserAccount, ttl time.Duration) (string, error) {
	now := r.now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		Username: user.Username,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   user.ID,
			Issuer:    r.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			ID:        uuid.NewString(),
		},
	})
	return token.SignedString(r.secret)
}

// Resolve validates raw (with or without a "Bearer " prefix) and returns the
// stored account it names.
func (r *JWTResolver) Resolve(ctx context.Context, raw string) (*domain.UserAccount, error) {
	raw = strings.TrimSpace(raw)
	if len(raw) > 7 && strings.EqualFold(raw[:7], "bearer ") {
		raw = strings.TrimSpace(raw[7:])
	}
	if raw == "" {
		return nil, domain.NewUnauthenticatedError("missing bearer token")
	}
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithTimeFunc(r.now)}
	if r.issuer != "" {
		opts = append(opts, jwt.WithIssuer(r.issuer))
	}
	parsed, err := jwt.ParseWithClaims(raw, &Claims{}, func(*jwt.Token) (any, error) {
		return r.secret, nil
	}, opts...)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, domain.NewUnauthenticatedError("token has expired")
		}
		return nil, domain.NewUnauthenticatedError("invalid token")
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid || claims.Subject == "" {
		return nil, domain.NewUnauthenticatedError("invalid token claims")
	}
	var user domain.UserAccount
	err = r.directory.View(ctx, func(v domain.TransactionView) error {
		stored, found := v.FindUser(claims.Subject)
		if !found {
			return domain.NewUnauthenticatedError("token subject is not a known user")
		}
		user = stored
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &user, nil
}

// BearerProvider resolves the token placed on the context by WithToken.
type BearerProvider struct{ Resolver *JWTResolver }

type tokenKey struct{}

// WithToken stores a raw bearer token on ctx.
func WithToken(ctx context.Context, token string) context.Context {
	return context.WithValue(ctx, tokenKey{}, token)
}

func (p BearerProvider) CurrentUser(ctx context.Context) (*domain.UserAccount, bool) {
	if u, ok := FromContext(ctx); ok {
		return u, true
	}
	raw, _ := ctx.Value(tokenKey{}).(string)
	if raw == "" || p.Resolver == nil {
		return nil, false
	}
	u, err := p.Resolver.Resolve(ctx, raw)
	if err != nil {
		return nil, false
	}
	return u, true
}
