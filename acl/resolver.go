package acl

import (
	"context"
	"sort"
	"sync/atomic"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/BaSui01/minionflow/auth"
	"github.com/BaSui01/minionflow/config"
)

// ExternalAuth is the external_auth configuration: eauth -> user or
// group key -> rule list.
type ExternalAuth map[string]map[string][]any

// GroupSource resolves the groups of a user.
type GroupSource interface {
	GroupsFor(ctx context.Context, eauth, name string) ([]string, error)
}

// Load is the authentication part of a raw request.
type Load struct {
	Eauth    string
	Username string
}

// Resolver computes auth lists. The static configuration can be swapped
// at runtime; modules are fixed at construction.
type Resolver struct {
	external    atomic.Pointer[ExternalAuth]
	modules     map[string]Module
	aclModule   string
	keepInToken bool
	permissive  bool
	groups      GroupSource
	logger      *zap.Logger
}

// ResolverOption configures a Resolver.
type ResolverOption func(*Resolver)

// WithModule registers an ACL module under name.
func WithModule(name string, m Module) ResolverOption {
	return func(r *Resolver) { r.modules[name] = m }
}

// WithGroupSource sets where groups of token-less requests come from.
func WithGroupSource(g GroupSource) ResolverOption {
	return func(r *Resolver) { r.groups = g }
}

// WithResolverLogger sets the logger.
func WithResolverLogger(logger *zap.Logger) ResolverOption {
	return func(r *Resolver) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// NewResolver creates a resolver from the auth configuration.
func NewResolver(cfg config.AuthConfig, opts ...ResolverOption) *Resolver {
	r := &Resolver{
		modules:     make(map[string]Module),
		aclModule:   cfg.EauthACLModule,
		keepInToken: cfg.KeepACLInToken,
		permissive:  cfg.PermissiveACL,
		logger:      zap.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With(zap.String("component", "acl"))
	r.SetExternalAuth(cfg.ExternalAuth)
	return r
}

// SetExternalAuth atomically replaces the static configuration.
func (r *Resolver) SetExternalAuth(ext map[string]map[string][]any) {
	e := ExternalAuth(ext)
	if e == nil {
		e = ExternalAuth{}
	}
	r.external.Store(&e)
}

// ExternalAuth returns the current static configuration.
func (r *Resolver) ExternalAuth() ExternalAuth {
	return *r.external.Load()
}

// Eauths returns the backends with a static configuration section.
func (r *Resolver) Eauths() []string {
	ext := r.ExternalAuth()
	out := make([]string, 0, len(ext))
	for k := range ext {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// GetAuthList returns the rules that apply to a request. A token, when
// present, supplies the identity: its eauth is used even if the raw
// request carries none. With keep_acl_in_token the list captured at
// login is returned as is.
func (r *Resolver) GetAuthList(ctx context.Context, load Load, tok *auth.Token) ([]any, error) {
	if tok != nil {
		if r.keepInToken && tok.AuthList != nil {
			return tok.AuthList, nil
		}
		eauth := tok.Eauth
		if eauth == "" {
			eauth = load.Eauth
		}
		return r.resolve(ctx, Subject{Eauth: eauth, Name: tok.Name, Groups: tok.Groups}, tok.Groups != nil)
	}
	return r.resolve(ctx, Subject{Eauth: load.Eauth, Name: load.Username}, false)
}

// AuthListFor computes the list of a freshly authenticated user.
func (r *Resolver) AuthListFor(ctx context.Context, eauth, name string, groups []string) ([]any, error) {
	return r.resolve(ctx, Subject{Eauth: eauth, Name: name, Groups: groups}, groups != nil)
}

func (r *Resolver) resolve(ctx context.Context, s Subject, haveGroups bool) ([]any, error) {
	if s.Eauth == "" || s.Name == "" {
		return []any{}, nil
	}
	if !haveGroups && r.groups != nil {
		groups, err := r.groups.GroupsFor(ctx, s.Eauth, s.Name)
		if err != nil {
			r.logger.Warn("group lookup failed", zap.String("eauth", s.Eauth), zap.Error(err))
		}
		s.Groups = groups
	}

	if section, ok := r.ExternalAuth()[s.Eauth]; ok {
		return FillAuthList(section, s.Name, s.Groups, r.permissive), nil
	}

	name := r.aclModule
	if name == "" {
		name = s.Eauth
	}
	if m, ok := r.modules[name]; ok {
		list, err := m.ACL(ctx, s)
		if err != nil {
			return nil, err
		}
		if list == nil {
			list = []any{}
		}
		return list, nil
	}

	r.logger.Debug("no acl source for eauth", zap.String("eauth", s.Eauth))
	return []any{}, nil
}

// Watch reloads external_auth from path whenever the file changes. A
// removed or unparsable file keeps the last good configuration.
func (r *Resolver) Watch(ctx context.Context, path string, opts ...config.WatcherOption) (*config.FileWatcher, error) {
	w, err := config.NewFileWatcher(path, append([]config.WatcherOption{config.WithWatcherLogger(r.logger)}, opts...)...)
	if err != nil {
		return nil, err
	}
	w.OnChange(func(ev config.FileEvent) {
		if ev.Op != config.FileOpWrite {
			r.logger.Warn("acl source removed, keeping current rules", zap.String("path", ev.Path))
			return
		}
		ext, err := config.LoadExternalAuth(path)
		if err != nil {
			r.logger.Error("acl reload failed", zap.String("path", path), zap.Error(err))
			return
		}
		r.SetExternalAuth(ext)
		r.logger.Info("acl reloaded", zap.Strings("eauths", r.Eauths()))
	})
	if err := w.Start(ctx); err != nil {
		return nil, err
	}
	return w, nil
}

// ParseAuthList decodes a YAML or JSON rule list.
func ParseAuthList(data []byte) ([]any, error) {
	var list []any
	if err := yaml.Unmarshal(data, &list); err != nil {
		return nil, err
	}
	if list == nil {
		list = []any{}
	}
	return list, nil
}
