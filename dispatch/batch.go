package dispatch

import (
	"context"
	"fmt"
	"math"
	"regexp"
	"sort"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/BaSui01/minionflow/auth"
	"github.com/BaSui01/minionflow/event"
	"github.com/BaSui01/minionflow/jobs"
	"github.com/BaSui01/minionflow/transport"
	"github.com/BaSui01/minionflow/types"
)

var batchSpecRe = regexp.MustCompile(`^\s*(\d+(\.\d+)?)\s*(%?)\s*$`)

// BatchSize resolves a batch spec against n targeted minions. Percentages
// round up and every window holds at least one minion.
func BatchSize(spec string, n int) (int, error) {
	m := batchSpecRe.FindStringSubmatch(spec)
	if m == nil {
		return 0, fmt.Errorf("invalid batch size %q", spec)
	}
	v, err := strconv.ParseFloat(m[1], 64)
	if err != nil || v <= 0 {
		return 0, fmt.Errorf("invalid batch size %q", spec)
	}
	var size int
	if m[3] == "%" {
		if v > 100 {
			return 0, fmt.Errorf("batch percentage %q above 100", spec)
		}
		size = int(math.Ceil(v * float64(n) / 100))
	} else {
		if v != math.Trunc(v) {
			return 0, fmt.Errorf("batch count %q is not an integer", spec)
		}
		size = int(v)
	}
	if size > n {
		size = n
	}
	if size < 1 {
		size = 1
	}
	return size, nil
}

// cohort tracks the minions of one batch job.
type cohort struct {
	mu       sync.Mutex
	results  map[string]any
	arrivals map[string]chan struct{}
}

func newCohort(minions []string) *cohort {
	c := &cohort{
		results:  make(map[string]any, len(minions)),
		arrivals: make(map[string]chan struct{}, len(minions)),
	}
	for _, id := range minions {
		c.arrivals[id] = make(chan struct{}, 1)
	}
	return c
}

func (c *cohort) add(id string, ret any) {
	c.mu.Lock()
	c.results[id] = ret
	c.mu.Unlock()
	if ch, ok := c.arrivals[id]; ok {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

func (c *cohort) snapshot() map[string]any {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]any, len(c.results))
	for k, v := range c.results {
		out[k] = v
	}
	return out
}

// runBatch publishes the job to one minion at a time per window slot. A
// slot frees when its minion returns or the per-minion wait passes. A
// positive Call.Timeout bounds the whole batch: once it passes nothing
// more is sent and every minion without a return is reported missing.
func (e *Engine) runBatch(ctx context.Context, tok *auth.Token, b *Batch) (*Reply, error) {
	c := &b.Call
	if err := e.admit(ctx, tok, c, b.Target); err != nil {
		return nil, err
	}
	_, expected, err := e.resolve(ctx, b.Target)
	if err != nil {
		return nil, err
	}
	window, err := BatchSize(b.Size, len(expected))
	if err != nil {
		return nil, types.NewInvalidRequestError(err.Error())
	}
	if err := e.checkRemote(ctx, tok, c, b.Target, expected); err != nil {
		return nil, err
	}

	jid, err := e.record(ctx, &jobs.Job{
		Function:   c.Fun,
		Args:       c.Args,
		Kwargs:     c.Kwargs,
		User:       tok.Name,
		Target:     b.Target.Expr,
		TargetType: b.Target.Type,
		Mode:       string(ModeBatch),
		Minions:    expected,
	})
	if err != nil {
		return nil, err
	}

	w := e.bus.Subscribe(event.JobRetPrefix(jid), event.Stream, event.Dedupe())
	defer w.Cancel()

	co := newCohort(expected)
	collectCtx, stopCollect := context.WithCancel(ctx)
	collected := make(chan struct{})
	go func() {
		defer close(collected)
		for {
			ev, err := w.Next(collectCtx)
			if err != nil {
				return
			}
			if id := ev.MinionID(); id != "" {
				co.add(id, ev.Data["return"])
			}
		}
	}()

	wait := b.Wait
	if wait <= 0 {
		wait = e.cfg.BatchWait
	}
	e.logger.Debug("batch started", zap.String("jid", jid), zap.Int("minions", len(expected)), zap.Int("window", window))

	var (
		mu      sync.Mutex
		missing []string
		sent    int
	)
	markMissing := func(id string) {
		mu.Lock()
		missing = append(missing, id)
		mu.Unlock()
	}

	runCtx := ctx
	if c.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}

	g, gctx := errgroup.WithContext(runCtx)
	g.SetLimit(window)
	for _, id := range expected {
		id := id
		g.Go(func() error {
			if gctx.Err() != nil {
				markMissing(id)
				return nil
			}
			tgt, err := transport.NewTarget([]string{id}, "")
			if err != nil {
				return err
			}
			err = e.deps.Channel.SendRequest(gctx, &transport.JobMessage{
				JID:    jid,
				Fun:    c.Fun,
				Args:   c.Args,
				Kwargs: c.Kwargs,
				Target: tgt,
				User:   tok.Name,
			})
			if err != nil {
				e.logger.Warn("batch publish", zap.String("jid", jid), zap.String("minion", id), zap.Error(err))
				markMissing(id)
				return nil
			}
			mu.Lock()
			sent++
			first := sent == 1
			mu.Unlock()
			if first {
				e.bus.Publish(event.JobNewTag(jid), map[string]any{
					"jid":      jid,
					"fun":      c.Fun,
					"arg":      c.Args,
					"tgt":      b.Target.Expr,
					"tgt_type": b.Target.Type,
					"minions":  expected,
					"user":     tok.Name,
					"batch":    window,
				})
			}

			timer := time.NewTimer(wait)
			defer timer.Stop()
			select {
			case <-co.arrivals[id]:
			case <-timer.C:
				markMissing(id)
			case <-gctx.Done():
				markMissing(id)
			}
			return nil
		})
	}
	err = g.Wait()
	stopCollect()
	<-collected
	if err == nil {
		err = ctx.Err()
	}
	if err != nil {
		return nil, abandoned(jid, err)
	}

	expired := runCtx.Err() != nil
	if sent == 0 {
		e.discard(jid)
		if expired {
			return nil, abandoned(jid, runCtx.Err())
		}
		return nil, types.NewTransportError("publish batch job", nil)
	}

	results := co.snapshot()
	late := missing[:0]
	for _, id := range missing {
		if _, ok := results[id]; !ok {
			late = append(late, id)
		}
	}
	missing = late
	sort.Strings(missing)
	status := StatusCompleted
	if len(missing) > 0 {
		status = StatusTimedOut
	}
	if expired {
		e.logger.Info("batch deadline passed",
			zap.String("jid", jid),
			zap.Strings("missing", missing),
			zap.Duration("timeout", c.Timeout),
		)
	}
	return &Reply{JID: jid, Status: status, Return: results, Minions: expected, Missing: missing}, nil
}
