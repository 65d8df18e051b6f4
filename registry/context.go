package registry

import (
	"sync"

	"go.uber.org/zap"

	"github.com/BaSui01/minionflow/types"
)

// EmitFunc publishes a progress event from inside a running function.
type EmitFunc func(tag string, data map[string]any)

// Context is handed to every function invocation. It lives for one request
// and is discarded when the function returns.
type Context struct {
	JID      string
	Fun      string
	Identity types.Identity
	// MinionID is set when the function runs on a minion.
	MinionID string

	logger   *zap.Logger
	launcher Launcher
	emit     EmitFunc

	mu    sync.Mutex
	cache map[string]any
}

// ContextOption configures a Context.
type ContextOption func(*Context)

// WithJID sets the job id.
func WithJID(jid string) ContextOption {
	return func(c *Context) { c.JID = jid }
}

// WithIdentity sets the caller identity.
func WithIdentity(id types.Identity) ContextOption {
	return func(c *Context) { c.Identity = id }
}

// WithMinionID sets the executing minion id.
func WithMinionID(id string) ContextOption {
	return func(c *Context) { c.MinionID = id }
}

// WithContextLogger sets the logger.
func WithContextLogger(logger *zap.Logger) ContextOption {
	return func(c *Context) { c.logger = logger }
}

// WithLauncher sets the process launcher.
func WithLauncher(l Launcher) ContextOption {
	return func(c *Context) { c.launcher = l }
}

// WithEmitter sets the progress event publisher.
func WithEmitter(fn EmitFunc) ContextOption {
	return func(c *Context) { c.emit = fn }
}

// NewContext creates a request-scoped context for fun.
func NewContext(fun string, opts ...ContextOption) *Context {
	c := &Context{
		Fun:   fun,
		cache: map[string]any{},
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = zap.NewNop()
	}
	return c
}

// Logger returns a logger tagged with the function and job id.
func (c *Context) Logger() *zap.Logger {
	return c.logger.With(zap.String("function", c.Fun), zap.String("jid", c.JID))
}

// Launcher returns the injected process launcher, or nil.
func (c *Context) Launcher() Launcher {
	return c.launcher
}

// Emit publishes a progress event. It is a no-op without an emitter.
func (c *Context) Emit(tag string, data map[string]any) {
	if c.emit != nil {
		c.emit(tag, data)
	}
}

// CacheGet reads the request-scoped cache.
func (c *Context) CacheGet(key string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.cache[key]
	return v, ok
}

// CacheSet writes the request-scoped cache.
func (c *Context) CacheSet(key string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cache[key] = value
}
