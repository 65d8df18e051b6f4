package jobs

import (
	"context"
	"errors"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

var jidPattern = regexp.MustCompile(`^\d{20}_[0-9a-f]{6}$`)

func TestGenerator_Format(t *testing.T) {
	at := time.Date(2024, 1, 2, 3, 4, 5, 123456789, time.UTC)
	g := NewGenerator(func() time.Time { return at })

	jid := g.Next()
	assert.Regexp(t, jidPattern, jid)
	assert.Equal(t, "20240102030405123456", jid[:20])

	got, err := JIDTime(jid)
	require.NoError(t, err)
	assert.True(t, got.Equal(at.Truncate(time.Microsecond)))
}

func TestGenerator_FrozenClock(t *testing.T) {
	at := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	g := NewGenerator(func() time.Time { return at })

	prev := ""
	for i := 0; i < 100; i++ {
		jid := g.Next()
		assert.Greater(t, jid[:jidTimeLen], prev)
		prev = jid[:jidTimeLen]
	}
}

func TestGenerator_ClockNeverGoesBackwards(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		base := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
		steps := rapid.SliceOfN(rapid.Int64Range(-int64(time.Second), int64(time.Second)), 1, 50).Draw(t, "steps")

		cur := base
		g := NewGenerator(func() time.Time { return cur })
		prev := ""
		for _, s := range steps {
			cur = cur.Add(time.Duration(s))
			jid := g.Next()
			if !jidPattern.MatchString(jid) {
				t.Fatalf("malformed jid %q", jid)
			}
			if jid[:jidTimeLen] <= prev {
				t.Fatalf("jid %q not after %q", jid, prev)
			}
			prev = jid[:jidTimeLen]
		}
	})
}

func TestGenerator_ConcurrentUnique(t *testing.T) {
	g := NewGenerator(nil)
	const workers, per = 8, 500

	var mu sync.Mutex
	seen := make(map[string]struct{}, workers*per)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < per; i++ {
				jid := g.Next()
				mu.Lock()
				seen[jid[:jidTimeLen]] = struct{}{}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Len(t, seen, workers*per)
}

func TestJIDTime_Invalid(t *testing.T) {
	for _, jid := range []string{"", "2024", "2024010203040x123456_abcdef", "20241302030405123456_abcdef"} {
		_, err := JIDTime(jid)
		assert.Error(t, err, jid)
	}
}

// collidingLedger rejects the first n reservations.
type collidingLedger struct {
	*MemoryLedger
	n     int
	calls int
	err   error
}

func (c *collidingLedger) Reserve(ctx context.Context, jid string) error {
	c.calls++
	if c.err != nil {
		return c.err
	}
	if c.calls <= c.n {
		return ErrJIDExists
	}
	return c.MemoryLedger.Reserve(ctx, jid)
}

func TestAllocator(t *testing.T) {
	ctx := context.Background()

	t.Run("retries collisions", func(t *testing.T) {
		l := &collidingLedger{MemoryLedger: NewMemoryLedger(), n: 3}
		jid, err := NewAllocator(l, nil).Next(ctx)
		require.NoError(t, err)
		assert.Regexp(t, jidPattern, jid)
		assert.Equal(t, 4, l.calls)
		assert.ErrorIs(t, l.MemoryLedger.Reserve(ctx, jid), ErrJIDExists)
	})

	t.Run("gives up", func(t *testing.T) {
		l := &collidingLedger{MemoryLedger: NewMemoryLedger(), n: 100}
		_, err := NewAllocator(l, nil).Next(ctx)
		assert.ErrorIs(t, err, ErrJIDExists)
		assert.Equal(t, 8, l.calls)
	})

	t.Run("storage error", func(t *testing.T) {
		boom := errors.New("boom")
		l := &collidingLedger{MemoryLedger: NewMemoryLedger(), err: boom}
		_, err := NewAllocator(l, nil).Next(ctx)
		assert.ErrorIs(t, err, boom)
		assert.Equal(t, 1, l.calls)
	})
}
