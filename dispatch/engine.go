package dispatch

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/BaSui01/minionflow/acl"
	"github.com/BaSui01/minionflow/auth"
	"github.com/BaSui01/minionflow/config"
	"github.com/BaSui01/minionflow/event"
	"github.com/BaSui01/minionflow/internal/pool"
	"github.com/BaSui01/minionflow/internal/telemetry"
	"github.com/BaSui01/minionflow/jobs"
	"github.com/BaSui01/minionflow/registry"
	"github.com/BaSui01/minionflow/transport"
	"github.com/BaSui01/minionflow/types"
)

// Reply statuses.
const (
	StatusCompleted = "completed"
	StatusTimedOut  = "timed_out"
	StatusPublished = "published"
	StatusFailed    = "failed"
)

// Reply is the outcome of Submit. Async modes fill JID, Tag and, for
// minion jobs, Minions. Sync modes add Return: a minion id to result
// mapping for minion jobs, the function's value for runner jobs.
type Reply struct {
	JID     string   `json:"jid"`
	Tag     string   `json:"tag,omitempty"`
	Status  string   `json:"status"`
	Return  any      `json:"return,omitempty"`
	Minions []string `json:"minions,omitempty"`
	// Missing lists expected minions without a result at timeout.
	Missing []string `json:"missing,omitempty"`
}

// Authenticator resolves credentials to a token.
type Authenticator interface {
	GetToken(ctx context.Context, value string) (*auth.Token, bool)
	Verify(ctx context.Context, req auth.AuthRequest) (*auth.Token, error)
}

// AuthLister computes the auth list of a caller.
type AuthLister interface {
	GetAuthList(ctx context.Context, load acl.Load, tok *auth.Token) ([]any, error)
}

// Recorder receives engine metrics.
type Recorder interface {
	RecordJob(mode, result string, d time.Duration)
	RecordMinionReturn(success bool)
	RecordRunnerTask(fun string, d time.Duration, err error, rejected bool)
}

type nopRecorder struct{}

func (nopRecorder) RecordJob(string, string, time.Duration)             {}
func (nopRecorder) RecordMinionReturn(bool)                             {}
func (nopRecorder) RecordRunnerTask(string, time.Duration, error, bool) {}

// Deps are the components the engine dispatches through.
type Deps struct {
	Auth     Authenticator
	ACL      AuthLister
	Ledger   jobs.Ledger
	Registry *registry.Registry
	Channel  transport.Channel
}

// Engine authorizes requests, allocates jids and runs jobs on the master
// or on minions.
type Engine struct {
	deps       Deps
	cfg        config.DispatchConfig
	authCfg    config.AuthConfig
	alloc      *jobs.Allocator
	workers    *pool.Workers
	bus        *event.Bus
	ownBus     bool
	nodegroups Nodegroups
	launcher   registry.Launcher
	recorder   Recorder
	instr      *telemetry.JobInstruments
	tracer     trace.Tracer
	now        func() time.Time
	logger     *zap.Logger

	base      context.Context
	cancel    context.CancelFunc
	startOnce sync.Once
	wg        sync.WaitGroup
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithRecorder sets the metrics sink.
func WithRecorder(r Recorder) Option {
	return func(e *Engine) {
		if r != nil {
			e.recorder = r
		}
	}
}

// WithInstruments sets the OTel job instruments.
func WithInstruments(j *telemetry.JobInstruments) Option {
	return func(e *Engine) { e.instr = j }
}

// WithBus shares an event bus, e.g. with the HTTP event stream.
func WithBus(b *event.Bus) Option {
	return func(e *Engine) { e.bus = b }
}

// WithLauncher sets the process launcher handed to runner functions.
func WithLauncher(l registry.Launcher) Option {
	return func(e *Engine) { e.launcher = l }
}

// WithNodegroups sets the nodegroup definitions.
func WithNodegroups(n map[string]string) Option {
	return func(e *Engine) { e.nodegroups = Nodegroups(n) }
}

// WithClock overrides the clock used for jids and job timestamps.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// New creates an engine. Call Start to begin recording minion returns.
func New(deps Deps, cfg config.DispatchConfig, authCfg config.AuthConfig, opts ...Option) (*Engine, error) {
	switch {
	case deps.Auth == nil:
		return nil, errors.New("dispatch: authenticator is required")
	case deps.ACL == nil:
		return nil, errors.New("dispatch: auth lister is required")
	case deps.Ledger == nil:
		return nil, errors.New("dispatch: ledger is required")
	case deps.Registry == nil:
		return nil, errors.New("dispatch: registry is required")
	case deps.Channel == nil:
		return nil, errors.New("dispatch: channel is required")
	}

	def := config.DefaultDispatchConfig()
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.GatherJobTimeout <= 0 {
		cfg.GatherJobTimeout = def.GatherJobTimeout
	}
	if cfg.RunnerTimeout <= 0 {
		cfg.RunnerTimeout = def.RunnerTimeout
	}
	if cfg.BatchWait <= 0 {
		cfg.BatchWait = def.BatchWait
	}

	e := &Engine{
		deps:     deps,
		cfg:      cfg,
		authCfg:  authCfg,
		recorder: nopRecorder{},
		tracer:   telemetry.Tracer("dispatch"),
		now:      time.Now,
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.With(zap.String("component", "dispatch"))
	if e.bus == nil {
		e.bus = event.NewBus(event.WithBusLogger(e.logger))
		e.ownBus = true
	}
	e.alloc = jobs.NewAllocator(deps.Ledger, jobs.NewGenerator(e.now))
	e.workers = pool.NewWorkers(pool.Config{
		Size:  cfg.RunnerWorkers,
		Queue: cfg.RunnerQueue,
	}, e.logger, pool.WithObserver(e.recorder.RecordRunnerTask))
	e.base, e.cancel = context.WithCancel(context.Background())
	return e, nil
}

// Bus returns the bus job events are published on.
func (e *Engine) Bus() *event.Bus { return e.bus }

// Start subscribes to minion events. Returns are written to the ledger
// and then handed to the bus. Calling Start again is a no-op.
func (e *Engine) Start(ctx context.Context) error {
	var err error
	e.startOnce.Do(func() {
		var sub transport.Subscription
		sub, err = e.deps.Channel.Subscribe(ctx, "")
		if err != nil {
			err = types.NewTransportError("subscribe to minion events", err)
			return
		}
		e.wg.Add(1)
		go e.pump(sub)
	})
	return err
}

func (e *Engine) pump(sub transport.Subscription) {
	defer e.wg.Done()
	defer sub.Close()
	for {
		ev, err := sub.Next(e.base)
		if err != nil {
			if e.base.Err() == nil && !errors.Is(err, event.ErrSubscriptionClosed) {
				e.logger.Warn("minion event stream ended", zap.Error(err))
			}
			return
		}
		if jid, ok := event.JIDFromTag(ev.Tag); ok && ev.MinionID() != "" && ev.Tag == event.JobRetTag(jid, ev.MinionID()) {
			e.recordReturn(jid, ev)
		}
		e.bus.Inject(ev)
	}
}

func (e *Engine) recordReturn(jid string, ev event.Event) {
	success, _ := ev.Data["success"].(bool)
	ret := jobs.Return{
		Minion:     ev.MinionID(),
		Return:     ev.Data["return"],
		Success:    success,
		Retcode:    toInt(ev.Data["retcode"]),
		ReceivedAt: ev.Stamp,
	}
	e.recorder.RecordMinionReturn(success)

	ctx, cancel := context.WithTimeout(e.base, 5*time.Second)
	defer cancel()
	err := e.deps.Ledger.UpdateResult(ctx, jid, ret)
	switch {
	case err == nil:
	case errors.Is(err, jobs.ErrJobCompleted):
		e.logger.Debug("return for completed job", zap.String("jid", jid), zap.String("minion", ret.Minion))
	case errors.Is(err, jobs.ErrJobNotFound):
		e.logger.Debug("return for unknown job", zap.String("jid", jid), zap.String("minion", ret.Minion))
	default:
		e.logger.Error("record minion return", zap.String("jid", jid), zap.String("minion", ret.Minion), zap.Error(err))
	}
}

// Close stops the event pump and the runner workers. Runner jobs still
// executing see their context cancelled.
func (e *Engine) Close() {
	e.cancel()
	e.wg.Wait()
	e.workers.Close()
	if e.ownBus {
		e.bus.Close()
	}
}

// Authenticate resolves the caller of a request: a token is looked up,
// eauth credentials are verified without issuing a token.
func (e *Engine) Authenticate(ctx context.Context, c Credentials) (*auth.Token, error) {
	if c.Token != "" {
		tok, ok := e.deps.Auth.GetToken(ctx, c.Token)
		if !ok {
			return nil, types.NewAuthenticationError()
		}
		return tok, nil
	}
	if c.Eauth != "" {
		return e.deps.Auth.Verify(ctx, auth.AuthRequest{
			Username: c.Username,
			Password: c.Password,
			Eauth:    c.Eauth,
		})
	}
	return nil, types.NewAuthenticationError()
}

// Submit runs one request. Errors are *types.Error; a sync job that runs
// out of time is not an error but a Reply with StatusTimedOut.
func (e *Engine) Submit(ctx context.Context, low Low) (reply *Reply, err error) {
	call := low.base()
	mode := low.Mode()
	start := e.now()

	ctx, span := e.tracer.Start(ctx, "dispatch.Submit", trace.WithAttributes(
		attribute.String("fun", call.Fun),
		attribute.String("mode", string(mode)),
	))
	defer func() {
		result := "error"
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			result = reply.Status
			span.SetAttributes(attribute.String("jid", reply.JID), attribute.String("status", reply.Status))
		}
		span.End()
		d := e.now().Sub(start)
		e.recorder.RecordJob(string(mode), result, d)
		e.instr.Record(ctx, string(mode), result, d)
	}()

	tok, err := e.Authenticate(ctx, call.Credentials)
	if err != nil {
		return nil, err
	}
	ctx = types.WithIdentity(ctx, tok.Identity())

	switch l := low.(type) {
	case *LocalSync:
		return e.runRemote(ctx, tok, call, l.Target, mode)
	case *LocalAsync:
		return e.runRemote(ctx, tok, call, l.Target, mode)
	case *RunnerSync:
		return e.runLocal(ctx, tok, call, mode)
	case *RunnerAsync:
		return e.runLocal(ctx, tok, call, mode)
	case *Batch:
		return e.runBatch(ctx, tok, l)
	default:
		return nil, types.NewInvalidRequestError(fmt.Sprintf("unsupported client mode %q", mode))
	}
}

// authorized reports whether tok may run the request. With
// root_user_access the process owner skips ACL evaluation.
func (e *Engine) authorized(ctx context.Context, tok *auth.Token, c *Call, check func(list []any) bool) (bool, error) {
	if e.authCfg.RootUserAccess && auth.IsRunningUser(tok.Identity(), e.authCfg.SudoPrefix) {
		return true, nil
	}
	list, err := e.deps.ACL.GetAuthList(ctx, acl.Load{Eauth: c.Credentials.Eauth, Username: c.Credentials.Username}, tok)
	if err != nil {
		return false, types.NewError(types.ErrServiceUnavailable, "resolve auth list").
			WithCause(err).
			WithHTTPStatus(http.StatusServiceUnavailable).
			WithRetryable(true)
	}
	return check(list), nil
}

// record allocates a jid and stores job under it. A failed write gives
// the jid back so it is never handed out.
func (e *Engine) record(ctx context.Context, job *jobs.Job) (string, error) {
	jid, err := e.alloc.Next(ctx)
	if err != nil {
		return "", types.NewStorageError("allocate jid", err)
	}
	job.JID = jid
	job.CreatedAt = e.now().UTC()
	if err := e.deps.Ledger.Record(ctx, job); err != nil {
		e.discard(jid)
		return "", types.NewStorageError("record job", err)
	}
	return jid, nil
}

func (e *Engine) discard(jid string) {
	ctx, cancel := context.WithTimeout(e.base, 5*time.Second)
	defer cancel()
	if err := e.deps.Ledger.Discard(ctx, jid); err != nil {
		e.logger.Warn("discard job", zap.String("jid", jid), zap.Error(err))
	}
}

func toInt(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	default:
		return 0
	}
}
