package jobs

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/BaSui01/minionflow/internal/cache"
)

// CachedLedger puts a redis read-through cache in front of another
// ledger. Only completed jobs are cached because they no longer change;
// concurrent misses for one jid share a single backend read.
type CachedLedger struct {
	Ledger
	cache  *cache.Manager
	ttl    time.Duration
	group  singleflight.Group
	logger *zap.Logger
	// observe 可为 nil
	observe func(hit bool)
}

// NewCachedLedger wraps inner. A non-positive ttl uses the cache default.
func NewCachedLedger(inner Ledger, cm *cache.Manager, ttl time.Duration, logger *zap.Logger) *CachedLedger {
	if logger == nil {
		logger = zap.NewNop()
	}
	if ttl < 0 {
		ttl = 0
	}
	return &CachedLedger{
		Ledger: inner,
		cache:  cm,
		ttl:    ttl,
		logger: logger.With(zap.String("component", "ledger_cache")),
	}
}

// Observe registers a callback told whether each Get was served from redis.
// Call it before the ledger is shared.
func (l *CachedLedger) Observe(fn func(hit bool)) {
	l.observe = fn
}

func (l *CachedLedger) report(hit bool) {
	if l.observe != nil {
		l.observe(hit)
	}
}

func (l *CachedLedger) key(jid string) string {
	return l.cache.Key("job", jid)
}

// Get implements Ledger.
func (l *CachedLedger) Get(ctx context.Context, jid string) (*Job, error) {
	var job Job
	err := l.cache.GetJSON(ctx, l.key(jid), &job)
	if err == nil {
		l.report(true)
		return &job, nil
	}
	l.report(false)
	if !cache.IsCacheMiss(err) {
		l.logger.Warn("job cache read failed", zap.String("jid", jid), zap.Error(err))
	}

	v, err, _ := l.group.Do(jid, func() (any, error) {
		j, err := l.Ledger.Get(ctx, jid)
		if err != nil {
			return nil, err
		}
		if j.Completed {
			if err := l.cache.SetJSON(ctx, l.key(jid), j, l.ttl); err != nil {
				l.logger.Warn("job cache write failed", zap.String("jid", jid), zap.Error(err))
			}
		}
		return j, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Job).Clone(), nil
}

// UpdateResult implements Ledger.
func (l *CachedLedger) UpdateResult(ctx context.Context, jid string, ret Return) error {
	if err := l.Ledger.UpdateResult(ctx, jid, ret); err != nil {
		return err
	}
	l.invalidate(ctx, jid)
	return nil
}

// Discard implements Ledger.
func (l *CachedLedger) Discard(ctx context.Context, jid string) error {
	if err := l.Ledger.Discard(ctx, jid); err != nil {
		return err
	}
	l.invalidate(ctx, jid)
	return nil
}

func (l *CachedLedger) invalidate(ctx context.Context, jid string) {
	if err := l.cache.Delete(ctx, l.key(jid)); err != nil {
		l.logger.Warn("job cache invalidation failed", zap.String("jid", jid), zap.Error(err))
	}
}
