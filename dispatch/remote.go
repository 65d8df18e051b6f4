package dispatch

import (
	"context"
	"errors"
	"net/http"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/minionflow/acl"
	"github.com/BaSui01/minionflow/auth"
	"github.com/BaSui01/minionflow/event"
	"github.com/BaSui01/minionflow/jobs"
	"github.com/BaSui01/minionflow/transport"
	"github.com/BaSui01/minionflow/types"
)

func noMinionsMatched() *types.Error {
	return types.NewError(types.ErrNoMinionsMatched, "No minions matched the target.").
		WithHTTPStatus(http.StatusNotFound)
}

// resolve returns the target to publish and the sorted minions expected
// to answer. Minions seen by the channel are matched first; when none
// match, a ping asks who is out there.
func (e *Engine) resolve(ctx context.Context, tgt transport.Target) (transport.Target, []string, error) {
	terms, err := e.nodegroups.Expand(tgt)
	if err != nil {
		return transport.Target{}, nil, types.NewInvalidRequestError(err.Error())
	}
	expected := matchAny(terms, e.deps.Channel.Known())
	if len(expected) == 0 {
		pingCtx, cancel := context.WithTimeout(ctx, e.cfg.GatherJobTimeout)
		up, err := e.deps.Channel.Ping(pingCtx, transport.AllMinions)
		cancel()
		if err != nil {
			return transport.Target{}, nil, types.NewTransportError("ping minions", err)
		}
		expected = matchAny(terms, up)
	}
	if len(expected) == 0 {
		return transport.Target{}, nil, noMinionsMatched()
	}
	sort.Strings(expected)

	pub := tgt
	if tgt.Type == transport.TargetNodegroup {
		if pub, err = transport.NewTarget(expected, ""); err != nil {
			return transport.Target{}, nil, types.NewInvalidRequestError(err.Error())
		}
	}
	return pub, expected, nil
}

func (e *Engine) checkRemote(ctx context.Context, tok *auth.Token, c *Call, tgt transport.Target, minions []string) error {
	ok, err := e.authorized(ctx, tok, c, func(list []any) bool {
		return acl.CheckAuthorization(list, acl.Request{
			Fun:        c.Fun,
			Target:     tgt.Expr,
			TargetType: tgt.Type,
			Minions:    minions,
			Args:       c.Args,
			Kwargs:     c.Kwargs,
		})
	})
	if err != nil {
		return err
	}
	if !ok {
		return e.denied(tok, c, tgt.Expr)
	}
	return nil
}

// admit runs before the target is resolved: when no entry could permit
// the function and its arguments on any target, the caller is denied
// without a ping or a jid.
func (e *Engine) admit(ctx context.Context, tok *auth.Token, c *Call, tgt transport.Target) error {
	ok, err := e.authorized(ctx, tok, c, func(list []any) bool {
		return acl.MayCall(list, c.Fun, c.Args, c.Kwargs)
	})
	if err != nil {
		return err
	}
	if !ok {
		return e.denied(tok, c, tgt.Expr)
	}
	return nil
}

func (e *Engine) denied(tok *auth.Token, c *Call, tgt string) error {
	e.logger.Info("permission denied",
		zap.String("user", tok.Name),
		zap.String("eauth", tok.Eauth),
		zap.String("fun", c.Fun),
		zap.String("tgt", tgt),
	)
	return types.NewPermissionDeniedError(c.Fun)
}

func (e *Engine) runRemote(ctx context.Context, tok *auth.Token, c *Call, tgt transport.Target, mode Mode) (*Reply, error) {
	if err := e.admit(ctx, tok, c, tgt); err != nil {
		return nil, err
	}
	pub, expected, err := e.resolve(ctx, tgt)
	if err != nil {
		return nil, err
	}
	if err := e.checkRemote(ctx, tok, c, tgt, expected); err != nil {
		return nil, err
	}

	jid, err := e.record(ctx, &jobs.Job{
		Function:   c.Fun,
		Args:       c.Args,
		Kwargs:     c.Kwargs,
		User:       tok.Name,
		Target:     tgt.Expr,
		TargetType: tgt.Type,
		Mode:       string(mode),
		Minions:    expected,
	})
	if err != nil {
		return nil, err
	}

	var w *event.Waiter
	if !mode.Async() {
		w = e.bus.Subscribe(event.JobRetPrefix(jid), event.Stream, event.Dedupe())
		defer w.Cancel()
	}
	if err := e.publish(ctx, jid, tok, c, pub, expected); err != nil {
		return nil, err
	}

	if mode.Async() {
		return &Reply{JID: jid, Tag: event.JobNewTag(jid), Status: StatusPublished, Minions: expected}, nil
	}

	timeout := c.Timeout
	if timeout <= 0 {
		timeout = e.cfg.Timeout
	}
	results, missing, err := collect(ctx, w, expected, timeout)
	if err != nil {
		return nil, abandoned(jid, err)
	}
	status := StatusCompleted
	if len(missing) > 0 {
		status = StatusTimedOut
		e.logger.Info("job timed out",
			zap.String("jid", jid),
			zap.Strings("missing", missing),
			zap.Duration("timeout", timeout),
		)
	}
	return &Reply{JID: jid, Status: status, Return: results, Minions: expected, Missing: missing}, nil
}

// abandoned reports a caller that stopped waiting. The job itself keeps
// collecting returns in the ledger.
func abandoned(jid string, err error) *types.Error {
	return types.NewError(types.ErrTimedOut, "stopped waiting for job "+jid).
		WithCause(err).
		WithHTTPStatus(http.StatusGatewayTimeout)
}

// publish sends the job and fires job/{jid}/new. A send failure discards
// the jid.
func (e *Engine) publish(ctx context.Context, jid string, tok *auth.Token, c *Call, pub transport.Target, expected []string) error {
	err := e.deps.Channel.SendRequest(ctx, &transport.JobMessage{
		JID:    jid,
		Fun:    c.Fun,
		Args:   c.Args,
		Kwargs: c.Kwargs,
		Target: pub,
		User:   tok.Name,
	})
	if err != nil {
		e.discard(jid)
		e.logger.Warn("publish job", zap.String("jid", jid), zap.String("fun", c.Fun), zap.Error(err))
		return types.NewTransportError("publish job", err)
	}
	e.bus.Publish(event.JobNewTag(jid), map[string]any{
		"jid":      jid,
		"fun":      c.Fun,
		"arg":      c.Args,
		"tgt":      pub.Expr,
		"tgt_type": pub.Type,
		"minions":  expected,
		"user":     tok.Name,
	})
	return nil
}

// collect reads returns until every expected minion answered or timeout
// passes. Returns from minions outside the expected set are kept.
func collect(ctx context.Context, w *event.Waiter, expected []string, timeout time.Duration) (map[string]any, []string, error) {
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	pending := make(map[string]struct{}, len(expected))
	for _, id := range expected {
		pending[id] = struct{}{}
	}
	results := make(map[string]any, len(expected))
	for len(pending) > 0 {
		ev, err := w.Next(waitCtx)
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
				break
			}
			if errors.Is(err, event.ErrSubscriptionClosed) {
				break
			}
			return nil, nil, err
		}
		id := ev.MinionID()
		if id == "" {
			continue
		}
		results[id] = ev.Data["return"]
		delete(pending, id)
	}

	missing := make([]string, 0, len(pending))
	for id := range pending {
		missing = append(missing, id)
	}
	sort.Strings(missing)
	return results, missing, nil
}
