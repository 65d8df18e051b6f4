package transport

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/minionflow/event"
	"github.com/BaSui01/minionflow/registry"
	"github.com/BaSui01/minionflow/types"
)

// Agent is the minion side: it runs the module functions of published
// jobs that target it and publishes their returns.
type Agent struct {
	id        string
	broker    Broker
	pool      *Pool
	sealer    Sealer
	maxAge    time.Duration
	seen      *replayGuard
	reg       *registry.Registry
	launcher  registry.Launcher
	modules   []string
	heartbeat time.Duration
	logger    *zap.Logger

	paused atomic.Bool
	wg     sync.WaitGroup
}

// AgentOption configures an Agent.
type AgentOption func(*Agent)

// WithAgentLogger sets the logger.
func WithAgentLogger(logger *zap.Logger) AgentOption {
	return func(a *Agent) {
		if logger != nil {
			a.logger = logger
		}
	}
}

// WithAgentLauncher sets the process launcher modules receive.
func WithAgentLauncher(l registry.Launcher) AgentOption {
	return func(a *Agent) { a.launcher = l }
}

// WithModules restricts the functions the agent runs to the given
// prefixes, e.g. "test." or "cmd.run".
func WithModules(prefixes ...string) AgentOption {
	return func(a *Agent) { a.modules = prefixes }
}

// WithHeartbeat sets the heartbeat interval. Zero disables heartbeats.
func WithHeartbeat(d time.Duration) AgentOption {
	return func(a *Agent) { a.heartbeat = d }
}

// WithSigningKey sets the shared envelope key.
func WithSigningKey(key string) AgentOption {
	return func(a *Agent) { a.sealer = NewSealer(key) }
}

// WithMaxMessageAge sets the freshness window for master messages.
func WithMaxMessageAge(d time.Duration) AgentOption {
	return func(a *Agent) { a.maxAge = d }
}

// NewAgent creates a minion agent.
func NewAgent(id string, broker Broker, reg *registry.Registry, opts ...AgentOption) *Agent {
	a := &Agent{
		id:     id,
		broker: broker,
		pool:   NewPool(2, 5*time.Second, broker.Dial),
		reg:    reg,
		seen:   newReplayGuard(replayWindow),
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(a)
	}
	a.sealer = a.sealer.WithMaxAge(a.maxAge)
	a.logger = a.logger.With(zap.String("component", "minion"), zap.String("minion_id", id))
	return a
}

// ID returns the minion id.
func (a *Agent) ID() string { return a.id }

// Pause makes the agent ignore jobs and pings, as if it were unreachable.
func (a *Agent) Pause(paused bool) { a.paused.Store(paused) }

// Run serves jobs until ctx is done, then waits for running jobs.
func (a *Agent) Run(ctx context.Context) error {
	ch, cancel, err := a.broker.Subscribe(ctx, TopicJobs)
	if err != nil {
		return fmt.Errorf("subscribe jobs: %w", err)
	}
	defer cancel()
	defer a.pool.Close()
	defer a.wg.Wait()

	a.emit(ctx, event.MinionStartTag(a.id), map[string]any{"id": a.id})
	a.logger.Info("minion started")

	var tick <-chan time.Time
	if a.heartbeat > 0 {
		t := time.NewTicker(a.heartbeat)
		defer t.Stop()
		tick = t.C
	}

	for {
		select {
		case <-ctx.Done():
			a.logger.Info("minion stopping")
			return nil
		case <-tick:
			if !a.paused.Load() {
				a.emit(ctx, event.MinionHeartbeatTag(a.id), map[string]any{"id": a.id})
			}
		case data, ok := <-ch:
			if !ok {
				return nil
			}
			a.handle(ctx, data)
		}
	}
}

func (a *Agent) handle(ctx context.Context, data []byte) {
	env, err := a.sealer.Open(data)
	if err != nil {
		a.logger.Warn("dropping master message", zap.Error(err))
		return
	}
	if !a.seen.admit(env.ID) {
		a.logger.Warn("dropping replayed master message", zap.String("id", env.ID), zap.String("kind", env.Kind))
		return
	}
	if a.paused.Load() {
		return
	}
	switch env.Kind {
	case KindPing:
		var p pingMessage
		if err := env.Decode(&p); err != nil {
			a.logger.Warn("bad ping", zap.Error(err))
			return
		}
		if p.Target.Match(a.id) {
			a.emit(ctx, PingReplyPrefix(p.Nonce)+a.id, map[string]any{"id": a.id})
		}
	case KindJob:
		var msg JobMessage
		if err := env.Decode(&msg); err != nil {
			a.logger.Warn("bad job", zap.Error(err))
			return
		}
		if !msg.Target.Match(a.id) {
			return
		}
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			a.execute(ctx, &msg)
		}()
	}
}

func (a *Agent) allowed(fun string) bool {
	if len(a.modules) == 0 {
		return true
	}
	for _, p := range a.modules {
		if fun == p || strings.HasPrefix(fun, p) {
			return true
		}
	}
	return false
}

// execute runs one job and publishes its return. Failures become part of
// the return rather than being dropped.
func (a *Agent) execute(ctx context.Context, msg *JobMessage) {
	ret := map[string]any{
		"id":       a.id,
		"jid":      msg.JID,
		"fun":      msg.Fun,
		"fun_args": msg.Args,
	}

	if !a.allowed(msg.Fun) || !a.reg.Has(registry.KindModule, msg.Fun) {
		ret["return"] = fmt.Sprintf("'%s' is not available.", msg.Fun)
		ret["success"] = false
		ret["retcode"] = 1
		a.emit(ctx, event.JobRetTag(msg.JID, a.id), ret)
		return
	}

	rc := registry.NewContext(msg.Fun,
		registry.WithJID(msg.JID),
		registry.WithMinionID(a.id),
		registry.WithIdentity(types.Identity{Name: msg.User}),
		registry.WithContextLogger(a.logger),
		registry.WithLauncher(a.launcher),
		registry.WithEmitter(func(tag string, data map[string]any) {
			if data == nil {
				data = map[string]any{}
			}
			data["id"] = a.id
			a.emit(ctx, tag, data)
		}),
	)

	value, err := a.reg.Invoke(ctx, registry.KindModule, msg.Fun, rc, msg.Args, msg.Kwargs)
	switch {
	case err == nil:
		ret["return"] = value
		ret["success"] = true
		ret["retcode"] = 0
	case errors.Is(err, registry.ErrBadArguments):
		ret["return"] = "Passed invalid arguments: " + err.Error()
		ret["success"] = false
		ret["retcode"] = 1
	default:
		ret["return"] = err.Error()
		ret["success"] = false
		ret["retcode"] = 1
	}
	a.emit(ctx, event.JobRetTag(msg.JID, a.id), ret)
}

func (a *Agent) emit(ctx context.Context, tag string, data map[string]any) {
	payload, err := a.sealer.Seal(KindEvent, event.Event{Tag: tag, Data: data, Stamp: time.Now().UTC()})
	if err != nil {
		a.logger.Error("encode event failed", zap.String("tag", tag), zap.Error(err))
		return
	}
	// 返回在 ctx 取消后也要尽量送达
	sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	err = a.pool.Do(sendCtx, func(c Conn) error {
		return c.Publish(sendCtx, TopicEvents, payload)
	})
	if err != nil {
		a.logger.Error("publish event failed", zap.String("tag", tag), zap.Error(err))
	}
}
