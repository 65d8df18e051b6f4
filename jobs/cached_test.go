package jobs

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/minionflow/internal/cache"
)

// countingLedger counts Get calls reaching the wrapped ledger.
type countingLedger struct {
	Ledger
	gets atomic.Int32
}

func (c *countingLedger) Get(ctx context.Context, jid string) (*Job, error) {
	c.gets.Add(1)
	return c.Ledger.Get(ctx, jid)
}

func newCachedForTest(t *testing.T) (*CachedLedger, *countingLedger, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	cm, err := cache.NewManager(cache.Config{Addr: mr.Addr(), KeyPrefix: "mf:", DefaultTTL: time.Minute}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = cm.Close() })

	inner := &countingLedger{Ledger: NewMemoryLedger()}
	return NewCachedLedger(inner, cm, time.Minute, nil), inner, mr
}

func TestCachedLedger_CachesCompletedJobs(t *testing.T) {
	ctx := context.Background()
	l, inner, mr := newCachedForTest(t)
	job := recordJob(t, l, NewGenerator(nil), "test.ping", "alice", "m1")

	// 未完成的作业不缓存
	_, err := l.Get(ctx, job.JID)
	require.NoError(t, err)
	_, err = l.Get(ctx, job.JID)
	require.NoError(t, err)
	assert.EqualValues(t, 2, inner.gets.Load())
	assert.False(t, mr.Exists("mf:job:"+job.JID))

	require.NoError(t, l.UpdateResult(ctx, job.JID, ret("m1", "pong")))

	first, err := l.Get(ctx, job.JID)
	require.NoError(t, err)
	assert.True(t, first.Completed)
	assert.True(t, mr.Exists("mf:job:"+job.JID))

	second, err := l.Get(ctx, job.JID)
	require.NoError(t, err)
	assert.EqualValues(t, 3, inner.gets.Load())
	assert.Equal(t, "pong", second.Returns["m1"].Return)
	assert.Equal(t, job.Function, second.Function)
}

func TestCachedLedger_DiscardInvalidates(t *testing.T) {
	ctx := context.Background()
	l, _, mr := newCachedForTest(t)
	job := recordJob(t, l, NewGenerator(nil), "test.ping", "alice", "m1")
	require.NoError(t, l.UpdateResult(ctx, job.JID, ret("m1", true)))
	_, err := l.Get(ctx, job.JID)
	require.NoError(t, err)
	require.True(t, mr.Exists("mf:job:"+job.JID))

	require.NoError(t, l.Discard(ctx, job.JID))
	assert.False(t, mr.Exists("mf:job:"+job.JID))
	_, err = l.Get(ctx, job.JID)
	assert.ErrorIs(t, err, ErrJobNotFound)
}

func TestCachedLedger_RedisDownFallsThrough(t *testing.T) {
	ctx := context.Background()
	l, inner, mr := newCachedForTest(t)
	job := recordJob(t, l, NewGenerator(nil), "test.ping", "alice", "m1")
	require.NoError(t, l.UpdateResult(ctx, job.JID, ret("m1", true)))

	mr.Close()
	got, err := l.Get(ctx, job.JID)
	require.NoError(t, err)
	assert.True(t, got.Completed)
	assert.EqualValues(t, 1, inner.gets.Load())
}

func TestCachedLedger_ConcurrentReaders(t *testing.T) {
	ctx := context.Background()
	l, _, _ := newCachedForTest(t)
	job := recordJob(t, l, NewGenerator(nil), "test.ping", "alice", "m1")
	require.NoError(t, l.UpdateResult(ctx, job.JID, ret("m1", true)))

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got, err := l.Get(ctx, job.JID)
			assert.NoError(t, err)
			if got != nil {
				got.Minions = nil
			}
		}()
	}
	wg.Wait()

	got, err := l.Get(ctx, job.JID)
	require.NoError(t, err)
	assert.Equal(t, []string{"m1"}, got.Minions)
}

func TestCachedLedger_Observe(t *testing.T) {
	ctx := context.Background()
	l, _, _ := newCachedForTest(t)
	var hits, misses int
	l.Observe(func(hit bool) {
		if hit {
			hits++
			return
		}
		misses++
	})
	job := recordJob(t, l, NewGenerator(nil), "test.ping", "alice", "m1")
	require.NoError(t, l.UpdateResult(ctx, job.JID, ret("m1", "pong")))

	_, err := l.Get(ctx, job.JID)
	require.NoError(t, err)
	_, err = l.Get(ctx, job.JID)
	require.NoError(t, err)
	assert.Equal(t, 1, misses)
	assert.Equal(t, 1, hits)
}
