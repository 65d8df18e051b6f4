package dispatch

import (
	"context"
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/minionflow/acl"
	"github.com/BaSui01/minionflow/auth"
	"github.com/BaSui01/minionflow/event"
	"github.com/BaSui01/minionflow/internal/pool"
	"github.com/BaSui01/minionflow/jobs"
	"github.com/BaSui01/minionflow/registry"
	"github.com/BaSui01/minionflow/types"
)

// errRunnerFailed marks a runner task whose function reported failure.
var errRunnerFailed = errors.New("runner reported failure")

type runResult struct {
	value   any
	success bool
}

func (e *Engine) runLocal(ctx context.Context, tok *auth.Token, c *Call, mode Mode) (*Reply, error) {
	ok, err := e.authorized(ctx, tok, c, func(list []any) bool {
		return acl.RunnerCheck(list, c.Fun, c.Args, c.Kwargs)
	})
	if err != nil {
		return nil, err
	}
	if !ok {
		e.logger.Info("permission denied",
			zap.String("user", tok.Name),
			zap.String("eauth", tok.Eauth),
			zap.String("fun", c.Fun),
		)
		return nil, types.NewPermissionDeniedError(c.Fun)
	}
	if !e.deps.Registry.IsRunner(c.Fun) {
		return nil, types.NewUnknownFunctionError(c.Fun)
	}

	jid, err := e.record(ctx, &jobs.Job{
		Function: c.Fun,
		Args:     c.Args,
		Kwargs:   c.Kwargs,
		User:     tok.Name,
		Mode:     string(mode),
		Minions:  []string{jobs.RunnerMinion},
	})
	if err != nil {
		return nil, err
	}

	done := make(chan runResult, 1)
	task := pool.Task{Name: c.Fun, Run: func(taskCtx context.Context) error {
		if !mode.Async() {
			var cancel context.CancelFunc
			taskCtx, cancel = context.WithTimeout(taskCtx, e.cfg.RunnerTimeout)
			defer cancel()
		}
		r := e.invoke(taskCtx, jid, tok, c)
		done <- r
		if !r.success {
			return errRunnerFailed
		}
		return nil
	}}
	if err := e.workers.Submit(e.base, task); err != nil {
		e.discard(jid)
		if errors.Is(err, pool.ErrFull) {
			e.logger.Warn("runner pool full", zap.String("fun", c.Fun))
		}
		return nil, types.NewError(types.ErrServiceUnavailable, "runner workers busy").
			WithCause(err).
			WithHTTPStatus(http.StatusServiceUnavailable).
			WithRetryable(true)
	}

	if mode.Async() {
		return &Reply{JID: jid, Tag: event.RunNewTag(jid), Status: StatusPublished}, nil
	}

	wait := c.Timeout
	if wait <= 0 {
		wait = e.cfg.RunnerTimeout
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case r := <-done:
		status := StatusCompleted
		if !r.success {
			status = StatusFailed
		}
		return &Reply{JID: jid, Status: status, Return: r.value}, nil
	case <-timer.C:
		e.logger.Info("runner timed out", zap.String("jid", jid), zap.String("fun", c.Fun), zap.Duration("timeout", wait))
		return &Reply{JID: jid, Status: StatusTimedOut}, nil
	case <-ctx.Done():
		return nil, abandoned(jid, ctx.Err())
	}
}

// invoke runs a runner function and records its single result. Progress
// events emitted by the function go out on the bus.
func (e *Engine) invoke(ctx context.Context, jid string, tok *auth.Token, c *Call) runResult {
	e.bus.Publish(event.RunNewTag(jid), map[string]any{
		"jid":  jid,
		"fun":  c.Fun,
		"arg":  c.Args,
		"user": tok.Name,
	})

	opts := []registry.ContextOption{
		registry.WithJID(jid),
		registry.WithIdentity(tok.Identity()),
		registry.WithContextLogger(e.logger),
		registry.WithEmitter(func(tag string, data map[string]any) { e.bus.Publish(tag, data) }),
	}
	if e.launcher != nil {
		opts = append(opts, registry.WithLauncher(e.launcher))
	}
	rc := registry.NewContext(c.Fun, opts...)

	value, err := e.deps.Registry.Invoke(ctx, registry.KindRunner, c.Fun, rc, c.Args, c.Kwargs)
	r := runResult{value: value, success: err == nil}
	retcode := 0
	if err != nil {
		r.value = err.Error()
		retcode = 1
		e.logger.Info("runner failed", zap.String("jid", jid), zap.String("fun", c.Fun), zap.Error(err))
	}

	recCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := e.deps.Ledger.UpdateResult(recCtx, jid, jobs.Return{
		Minion:     jobs.RunnerMinion,
		Return:     r.value,
		Success:    r.success,
		Retcode:    retcode,
		ReceivedAt: e.now().UTC(),
	}); err != nil {
		e.logger.Error("record runner result", zap.String("jid", jid), zap.Error(err))
	}

	e.bus.Publish(event.RunRetTag(jid), map[string]any{
		"jid":     jid,
		"fun":     c.Fun,
		"return":  r.value,
		"success": r.success,
		"user":    tok.Name,
	})
	return r
}
