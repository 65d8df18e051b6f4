package auth

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/BaSui01/minionflow/config"
	"github.com/BaSui01/minionflow/types"
)

// maxCreateAttempts bounds retries when a random token value collides.
const maxCreateAttempts = 5

// ACLProvider computes the auth list of a user. LoadAuth uses it to
// snapshot the list into tokens when keep_acl_in_token is set.
type ACLProvider interface {
	AuthListFor(ctx context.Context, eauth, name string, groups []string) ([]any, error)
}

// Observer receives authentication outcomes, e.g. for metrics.
type Observer func(backend, result string)

// AuthRequest carries raw credentials. It is never persisted.
type AuthRequest struct {
	Username string
	Password string
	Eauth    string
	// TokenExpire overrides the backend and global TTL when set.
	TokenExpire *time.Duration
	// Extra holds backend specific parameters. Only keys the backend
	// declares reach it.
	Extra map[string]any
}

func (r AuthRequest) credentials() map[string]any {
	creds := make(map[string]any, len(r.Extra)+2)
	for k, v := range r.Extra {
		creds[k] = v
	}
	if r.Username != "" {
		creds["username"] = r.Username
	}
	if r.Password != "" {
		creds["password"] = r.Password
	}
	return creds
}

// LoadAuth issues, looks up and revokes tokens.
type LoadAuth struct {
	store    TokenStore
	backends Backends
	cfg      config.AuthConfig
	acl      ACLProvider
	logger   *zap.Logger
	now      func() time.Time
	observe  Observer
	throttle *loginThrottle
}

// Option configures LoadAuth.
type Option func(*LoadAuth)

// WithACLProvider sets the provider used for token ACL snapshots.
func WithACLProvider(p ACLProvider) Option {
	return func(l *LoadAuth) { l.acl = p }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(l *LoadAuth) { l.now = now }
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(l *LoadAuth) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// WithObserver sets the outcome callback.
func WithObserver(o Observer) Option {
	return func(l *LoadAuth) { l.observe = o }
}

// NewLoadAuth creates a LoadAuth over a store and a set of backends.
func NewLoadAuth(store TokenStore, backends Backends, cfg config.AuthConfig, opts ...Option) *LoadAuth {
	l := &LoadAuth{
		store:    store,
		backends: backends,
		cfg:      cfg,
		logger:   zap.NewNop(),
		now:      time.Now,
		observe:  func(string, string) {},
	}
	for _, opt := range opts {
		opt(l)
	}
	l.logger = l.logger.With(zap.String("component", "loadauth"))
	if cfg.LoginRatePerMinute > 0 {
		l.throttle = newLoginThrottle(cfg.LoginRatePerMinute)
	}
	return l
}

// Backends returns the configured backends.
func (l *LoadAuth) Backends() Backends { return l.backends }

// Config returns the auth configuration.
func (l *LoadAuth) Config() config.AuthConfig { return l.cfg }

// TTL resolves the token lifetime: request over backend over global.
func (l *LoadAuth) TTL(req AuthRequest) time.Duration {
	if req.TokenExpire != nil {
		return *req.TokenExpire
	}
	return l.cfg.ExpireFor(req.Eauth)
}

// Authenticate verifies credentials and issues a token. Unknown backends
// and bad credentials yield the same AUTHENTICATION_FAILED error.
func (l *LoadAuth) Authenticate(ctx context.Context, req AuthRequest) (*Token, error) {
	tok, err := l.Verify(ctx, req)
	if err != nil {
		return nil, err
	}
	if err := l.persist(ctx, tok); err != nil {
		return nil, err
	}
	l.observe(req.Eauth, "success")
	l.logger.Info("token issued",
		zap.String("eauth", tok.Eauth),
		zap.String("name", tok.Name),
		zap.String("token", shortToken(tok.Value)),
		zap.Time("expire", tok.ExpiresAt()),
	)
	return tok, nil
}

// Verify checks credentials and returns an unsaved token describing the
// caller. Requests that carry credentials instead of a token use it.
func (l *LoadAuth) Verify(ctx context.Context, req AuthRequest) (*Token, error) {
	if l.throttle != nil && !l.throttle.allowed(req.Username) {
		l.observe(req.Eauth, "throttled")
		return nil, types.NewError(types.ErrRateLimited, "too many failed logins").
			WithHTTPStatus(http.StatusTooManyRequests)
	}

	b, ok := l.backends[req.Eauth]
	if !ok {
		l.logger.Info("authentication with unknown backend", zap.String("eauth", req.Eauth))
		l.fail(req)
		return nil, types.NewAuthenticationError()
	}

	p, err := b.Authenticate(ctx, filterParams(b, req.credentials()))
	if err != nil {
		if errors.Is(err, ErrBackendUnavailable) {
			l.logger.Error("auth backend unavailable", zap.String("eauth", req.Eauth), zap.Error(err))
			l.observe(req.Eauth, "unavailable")
			return nil, types.NewError(types.ErrServiceUnavailable, "authentication backend unavailable").
				WithCause(err).
				WithHTTPStatus(http.StatusServiceUnavailable).
				WithRetryable(true)
		}
		l.logger.Info("authentication failed",
			zap.String("eauth", req.Eauth),
			zap.String("username", req.Username),
		)
		l.fail(req)
		return nil, types.NewAuthenticationError()
	}

	groups := p.Groups
	if groups == nil {
		groups, err = b.Groups(ctx, p.Name)
		if err != nil {
			l.logger.Warn("group lookup failed", zap.String("eauth", req.Eauth), zap.Error(err))
			groups = nil
		}
	}

	start := l.now()
	tok := &Token{
		Name:   p.Name,
		Eauth:  req.Eauth,
		Groups: groups,
		Start:  toUnix(start),
		Expire: toUnix(start.Add(l.TTL(req))),
	}

	if l.cfg.KeepACLInToken && l.acl != nil {
		list, err := l.acl.AuthListFor(ctx, tok.Eauth, tok.Name, tok.Groups)
		if err != nil {
			return nil, types.NewError(types.ErrInternalError, "compute auth list").WithCause(err)
		}
		tok.AuthList = list
	}
	return tok, nil
}

func (l *LoadAuth) fail(req AuthRequest) {
	l.observe(req.Eauth, "failure")
	if l.throttle != nil {
		l.throttle.record(req.Username)
	}
}

// persist stores tok under a fresh random value.
func (l *LoadAuth) persist(ctx context.Context, tok *Token) error {
	for attempt := 0; attempt < maxCreateAttempts; attempt++ {
		value, err := newTokenValue()
		if err != nil {
			return types.NewError(types.ErrInternalError, "generate token").WithCause(err)
		}
		tok.Value = value
		data, err := encodeToken(tok)
		if err != nil {
			return types.NewError(types.ErrInternalError, "encode token").WithCause(err)
		}
		err = l.store.Create(ctx, value, data)
		if errors.Is(err, ErrTokenExists) {
			continue
		}
		if err != nil {
			return types.NewStorageError("store token", err)
		}
		return nil
	}
	return types.NewStorageError("store token", ErrTokenExists)
}

// GetToken returns the token for value. Unreadable records, records
// without an expiry and expired records are reported absent and removed.
func (l *LoadAuth) GetToken(ctx context.Context, value string) (*Token, bool) {
	if value == "" {
		return nil, false
	}
	data, err := l.store.Get(ctx, value)
	if errors.Is(err, ErrTokenNotFound) {
		return nil, false
	}
	if err != nil {
		l.logger.Warn("token read failed", zap.String("token", shortToken(value)), zap.Error(err))
		l.drop(ctx, value)
		return nil, false
	}

	tok, err := decodeToken(data)
	if err != nil {
		l.logger.Warn("removing unreadable token", zap.String("token", shortToken(value)), zap.Error(err))
		l.drop(ctx, value)
		return nil, false
	}
	if tok.Expired(l.now()) {
		l.drop(ctx, value)
		return nil, false
	}
	if tok.Value == "" {
		tok.Value = value
	}
	return tok, true
}

func (l *LoadAuth) drop(ctx context.Context, value string) {
	if _, err := l.store.Delete(ctx, value); err != nil {
		l.logger.Error("token delete failed", zap.String("token", shortToken(value)), zap.Error(err))
	}
}

// Revoke deletes a token and reports whether it existed.
func (l *LoadAuth) Revoke(ctx context.Context, value string) (bool, error) {
	ok, err := l.store.Delete(ctx, value)
	if err != nil {
		return false, types.NewStorageError("revoke token", err)
	}
	return ok, nil
}

// CleanExpired removes every token that is expired or unreadable and
// returns how many were removed.
func (l *LoadAuth) CleanExpired(ctx context.Context) (int, error) {
	values, err := l.store.List(ctx)
	if err != nil {
		return 0, types.NewStorageError("list tokens", err)
	}
	removed := 0
	for _, v := range values {
		if err := ctx.Err(); err != nil {
			return removed, err
		}
		if _, ok := l.GetToken(ctx, v); !ok {
			removed++
		}
	}
	return removed, nil
}

// =============================================================================
// 🚦 登录限流
// =============================================================================

// loginThrottle limits failed logins per username. Successful logins do
// not consume budget.
type loginThrottle struct {
	mu       sync.Mutex
	perMin   int
	limiters map[string]*rate.Limiter
}

func newLoginThrottle(perMinute int) *loginThrottle {
	return &loginThrottle{perMin: perMinute, limiters: make(map[string]*rate.Limiter)}
}

func (t *loginThrottle) limiter(name string) *rate.Limiter {
	t.mu.Lock()
	defer t.mu.Unlock()
	l, ok := t.limiters[name]
	if !ok {
		l = rate.NewLimiter(rate.Every(time.Minute/time.Duration(t.perMin)), t.perMin)
		t.limiters[name] = l
	}
	return l
}

func (t *loginThrottle) allowed(name string) bool {
	return t.limiter(name).Tokens() >= 1
}

func (t *loginThrottle) record(name string) {
	t.limiter(name).Allow()
}
