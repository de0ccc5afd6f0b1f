// Package identity resolves the authenticated principal for inbound
// commands. The transport layer stashes the caller's credential on the
// context; resolvers read it from there, so the pipeline never sees raw
// credentials.
package identity

import (
	"context"
	"errors"

	"github.com/fieldlog/voice-pipeline/internal/common/config"
)

var (
	ErrNoCredential  = errors.New("identity: no credential on context")
	ErrUnknownToken  = errors.New("identity: unknown token")
	ErrTokenDisabled = errors.New("identity: token resolves to no principal")
)

type tokenKey struct{}

// WithToken stashes the caller's bearer token on the context.
func WithToken(ctx context.Context, token string) context.Context {
	return context.WithValue(ctx, tokenKey{}, token)
}

// TokenFrom returns the bearer token stashed by WithToken, if any.
func TokenFrom(ctx context.Context) string {
	token, _ := ctx.Value(tokenKey{}).(string)
	return token
}

// TokenResolver maps static bearer tokens to principals. It fits
// service-to-service deployments; interactive deployments supply their own
// Identity implementation.
type TokenResolver struct {
	tokens map[string]config.AuthPrincipal
}

func NewTokenResolver(cfg config.AuthConfig) *TokenResolver {
	tokens := make(map[string]config.AuthPrincipal, len(cfg.Tokens))
	for token, principal := range cfg.Tokens {
		tokens[token] = principal
	}
	return &TokenResolver{tokens: tokens}
}

// Enabled reports whether any token is configured.
func (r *TokenResolver) Enabled() bool { return len(r.tokens) > 0 }

// CurrentPrincipal resolves the context's bearer token to its principal and
// tenant scope.
func (r *TokenResolver) CurrentPrincipal(ctx context.Context) (principalID, tenantID string, err error) {
	token := TokenFrom(ctx)
	if token == "" {
		return "", "", ErrNoCredential
	}
	principal, ok := r.tokens[token]
	if !ok {
		return "", "", ErrUnknownToken
	}
	if principal.PrincipalID == "" || principal.TenantID == "" {
		return "", "", ErrTokenDisabled
	}
	return principal.PrincipalID, principal.TenantID, nil
}
