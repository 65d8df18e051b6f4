package auth

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/crypto/bcrypt"

	"github.com/BaSui01/minionflow/config"
)

// StaticBackend authenticates against bcrypt hashes from configuration.
// It is registered as eauth "auto".
type StaticBackend struct {
	name  string
	users map[string]config.StaticUser
}

// NewStaticBackend creates the "auto" backend.
func NewStaticBackend(users map[string]config.StaticUser) *StaticBackend {
	return &StaticBackend{name: "auto", users: users}
}

// Name implements Backend.
func (b *StaticBackend) Name() string { return b.name }

// Params implements Backend.
func (b *StaticBackend) Params() []string { return []string{"username", "password"} }

// Authenticate implements Backend.
func (b *StaticBackend) Authenticate(_ context.Context, creds map[string]any) (Principal, error) {
	username, _ := creds["username"].(string)
	password, _ := creds["password"].(string)
	if username == "" || password == "" {
		return Principal{}, ErrInvalidCredentials
	}
	u, ok := b.users[username]
	if !ok {
		// 与密码错误同样耗时
		_ = bcrypt.CompareHashAndPassword(dummyHash(), []byte(password))
		return Principal{}, ErrInvalidCredentials
	}
	err := bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password))
	switch {
	case err == nil:
		return Principal{Name: username, Groups: u.Groups}, nil
	case errors.Is(err, bcrypt.ErrMismatchedHashAndPassword):
		return Principal{}, ErrInvalidCredentials
	default:
		return Principal{}, fmt.Errorf("%w: %v", ErrInvalidCredentials, err)
	}
}

// Groups implements Backend.
func (b *StaticBackend) Groups(_ context.Context, name string) ([]string, error) {
	return b.users[name].Groups, nil
}

var (
	dummyOnce sync.Once
	dummy     []byte
)

// dummyHash is compared against for unknown users.
func dummyHash() []byte {
	dummyOnce.Do(func() {
		dummy, _ = bcrypt.GenerateFromPassword([]byte("unknown-user"), bcrypt.DefaultCost)
	})
	return dummy
}

// HashPassword returns a bcrypt hash for static user configuration.
func HashPassword(password string) (string, error) {
	h, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(h), nil
}
