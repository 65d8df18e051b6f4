package auth

import (
	"context"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/minionflow/config"
	"github.com/BaSui01/minionflow/types"
)

func signJWT(t *testing.T, secret string, claims jwt.MapClaims) string {
	t.Helper()
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	require.NoError(t, err)
	return s
}

func TestStaticBackend(t *testing.T) {
	b := NewStaticBackend(map[string]config.StaticUser{
		"fred": {PasswordHash: fredPasswordHash(t), Groups: []string{"admins"}},
	})
	ctx := context.Background()

	p, err := b.Authenticate(ctx, map[string]any{"username": "fred", "password": "s3cret"})
	require.NoError(t, err)
	assert.Equal(t, Principal{Name: "fred", Groups: []string{"admins"}}, p)

	_, err = b.Authenticate(ctx, map[string]any{"username": "fred", "password": "bad"})
	assert.ErrorIs(t, err, ErrInvalidCredentials)
	_, err = b.Authenticate(ctx, map[string]any{"username": "ghost", "password": "s3cret"})
	assert.ErrorIs(t, err, ErrInvalidCredentials)
	_, err = b.Authenticate(ctx, map[string]any{"username": "fred", "password": 42})
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	groups, err := b.Groups(ctx, "fred")
	require.NoError(t, err)
	assert.Equal(t, []string{"admins"}, groups)
}

func TestJWTBackend(t *testing.T) {
	b := NewJWTBackend("top-secret", "idp")
	ctx := context.Background()
	exp := time.Now().Add(time.Hour).Unix()

	good := signJWT(t, "top-secret", jwt.MapClaims{
		"sub": "alice", "iss": "idp", "exp": exp, "groups": []any{"ops", 7, ""},
	})
	p, err := b.Authenticate(ctx, map[string]any{"token": good})
	require.NoError(t, err)
	assert.Equal(t, "alice", p.Name)
	assert.Equal(t, []string{"ops"}, p.Groups)

	p, err = b.Authenticate(ctx, map[string]any{"username": "alice", "password": good})
	require.NoError(t, err)
	assert.Equal(t, "alice", p.Name)

	cases := map[string]map[string]any{
		"wrong secret":  {"token": signJWT(t, "other", jwt.MapClaims{"sub": "alice", "iss": "idp", "exp": exp})},
		"wrong issuer":  {"token": signJWT(t, "top-secret", jwt.MapClaims{"sub": "alice", "iss": "evil", "exp": exp})},
		"expired":       {"token": signJWT(t, "top-secret", jwt.MapClaims{"sub": "alice", "iss": "idp", "exp": time.Now().Add(-time.Hour).Unix()})},
		"no expiry":     {"token": signJWT(t, "top-secret", jwt.MapClaims{"sub": "alice", "iss": "idp"})},
		"no subject":    {"token": signJWT(t, "top-secret", jwt.MapClaims{"iss": "idp", "exp": exp})},
		"name mismatch": {"username": "bob", "token": good},
		"missing token": {"username": "alice"},
		"garbage":       {"token": "a.b.c"},
	}
	for name, creds := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := b.Authenticate(ctx, creds)
			assert.ErrorIs(t, err, ErrInvalidCredentials)
		})
	}

	_, err = NewJWTBackend("", "").Authenticate(ctx, map[string]any{"token": good})
	assert.ErrorIs(t, err, ErrBackendUnavailable)
}

func TestJWTBackend_ThroughLoadAuth(t *testing.T) {
	la := NewLoadAuth(NewMemoryStore(), NewBackends(NewJWTBackend("k", "")), config.AuthConfig{TokenExpire: time.Hour})
	assertion := signJWT(t, "k", jwt.MapClaims{"username": "carol", "exp": time.Now().Add(time.Hour).Unix()})

	tok, err := la.Authenticate(context.Background(), AuthRequest{Eauth: "jwt", Extra: map[string]any{"token": assertion}})
	require.NoError(t, err)
	assert.Equal(t, types.Identity{Backend: "jwt", Name: "carol"}, tok.Identity())
	assert.Equal(t, []string{}, tok.Groups)
}

func TestBackends_Names(t *testing.T) {
	bs := NewBackends(NewJWTBackend("k", ""), NewStaticBackend(nil))
	assert.Equal(t, []string{"auto", "jwt"}, bs.Names())
}

func TestSudo(t *testing.T) {
	id := types.Identity{Backend: "auto", Name: "sudo_fred"}
	assert.True(t, IsSudo(id, ""))
	assert.Equal(t, "fred", SudoName(id, ""))
	assert.False(t, IsSudo(types.Identity{Name: "sudo_"}, ""))
	assert.Equal(t, "fred", SudoName(types.Identity{Name: "fred"}, "sudo_"))
	assert.True(t, IsSudo(types.Identity{Name: "root:fred"}, "root:"))

	assert.True(t, isUser("root", "root"))
	assert.False(t, isUser("fred", "root"))
	assert.False(t, isUser("", ""))

	if u := RunningUser(); u != "" {
		assert.True(t, IsRunningUser(types.Identity{Name: "sudo_" + u}, ""))
	}
}
