package auth

import (
	"context"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

// JWTBackend accepts an HS256 assertion signed by a trusted issuer as the
// credential. It is registered as eauth "jwt". The subject (or "username"
// claim) names the user and the "groups" claim lists its groups.
type JWTBackend struct {
	secret []byte
	opts   []jwt.ParserOption
}

// NewJWTBackend creates the "jwt" backend. An empty issuer skips the iss check.
func NewJWTBackend(secret, issuer string) *JWTBackend {
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{"HS256"}), jwt.WithExpirationRequired()}
	if issuer != "" {
		opts = append(opts, jwt.WithIssuer(issuer))
	}
	return &JWTBackend{secret: []byte(secret), opts: opts}
}

// Name implements Backend.
func (b *JWTBackend) Name() string { return "jwt" }

// Params implements Backend. "password" is accepted as an alias of "token"
// so the login form can be reused.
func (b *JWTBackend) Params() []string { return []string{"username", "token", "password"} }

// Authenticate implements Backend.
func (b *JWTBackend) Authenticate(_ context.Context, creds map[string]any) (Principal, error) {
	if len(b.secret) == 0 {
		return Principal{}, fmt.Errorf("%w: jwt secret not configured", ErrBackendUnavailable)
	}
	raw, _ := creds["token"].(string)
	if raw == "" {
		raw, _ = creds["password"].(string)
	}
	if raw == "" {
		return Principal{}, ErrInvalidCredentials
	}

	tok, err := jwt.Parse(raw, func(*jwt.Token) (any, error) { return b.secret, nil }, b.opts...)
	if err != nil || !tok.Valid {
		return Principal{}, ErrInvalidCredentials
	}
	claims, ok := tok.Claims.(jwt.MapClaims)
	if !ok {
		return Principal{}, ErrInvalidCredentials
	}

	name, _ := claims.GetSubject()
	if name == "" {
		name, _ = claims["username"].(string)
	}
	if name == "" {
		return Principal{}, ErrInvalidCredentials
	}
	// 显式提供的 username 必须与断言一致
	if u, _ := creds["username"].(string); u != "" && u != name {
		return Principal{}, ErrInvalidCredentials
	}

	groups := []string{}
	if raw, ok := claims["groups"].([]any); ok {
		for _, g := range raw {
			if s, ok := g.(string); ok && s != "" {
				groups = append(groups, s)
			}
		}
	}
	return Principal{Name: name, Groups: groups}, nil
}

// Groups implements Backend. Groups only travel inside the assertion.
func (b *JWTBackend) Groups(context.Context, string) ([]string, error) {
	return nil, nil
}
