package jobs

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"
)

const (
	// jidTimeLayout is the second-resolution part of a jid; six digits of
	// microseconds follow it.
	jidTimeLayout = "20060102150405"
	jidTimeLen    = len(jidTimeLayout) + 6
	suffixBytes   = 3
)

// Generator issues jids of the form <yyyymmddhhmmssffffff>_<hex>. The
// timestamp part is strictly increasing per generator; the random suffix
// separates generators in different processes.
type Generator struct {
	mu   sync.Mutex
	last time.Time
	now  func() time.Time
}

// NewGenerator creates a generator. now may be nil.
func NewGenerator(now func() time.Time) *Generator {
	if now == nil {
		now = time.Now
	}
	return &Generator{now: now}
}

// Next returns the next jid.
func (g *Generator) Next() string {
	g.mu.Lock()
	t := g.now().UTC().Truncate(time.Microsecond)
	if !t.After(g.last) {
		t = g.last.Add(time.Microsecond)
	}
	g.last = t
	g.mu.Unlock()

	return FormatJIDTime(t) + "_" + randomSuffix()
}

// FormatJIDTime renders the timestamp part of a jid.
func FormatJIDTime(t time.Time) string {
	t = t.UTC()
	return t.Format(jidTimeLayout) + fmt.Sprintf("%06d", t.Nanosecond()/int(time.Microsecond))
}

// JIDTime extracts the issue time of a jid.
func JIDTime(jid string) (time.Time, error) {
	if len(jid) < jidTimeLen {
		return time.Time{}, fmt.Errorf("invalid jid %q", jid)
	}
	t, err := time.ParseInLocation(jidTimeLayout, jid[:len(jidTimeLayout)], time.UTC)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid jid %q: %w", jid, err)
	}
	us, err := strconv.Atoi(jid[len(jidTimeLayout):jidTimeLen])
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid jid %q: %w", jid, err)
	}
	return t.Add(time.Duration(us) * time.Microsecond), nil
}

func randomSuffix() string {
	b := make([]byte, suffixBytes)
	if _, err := rand.Read(b); err != nil {
		// crypto/rand 不应失败；退化为纳秒
		return strconv.FormatInt(time.Now().UnixNano()%0xffffff, 16)
	}
	return hex.EncodeToString(b)
}

// Allocator hands out jids reserved in a ledger, retrying on collision
// with ids issued by other processes sharing the ledger.
type Allocator struct {
	gen      *Generator
	ledger   Ledger
	attempts int
}

// NewAllocator creates an allocator over ledger.
func NewAllocator(ledger Ledger, gen *Generator) *Allocator {
	if gen == nil {
		gen = NewGenerator(nil)
	}
	return &Allocator{gen: gen, ledger: ledger, attempts: 8}
}

// Next reserves and returns a fresh jid.
func (a *Allocator) Next(ctx context.Context) (string, error) {
	for i := 0; i < a.attempts; i++ {
		jid := a.gen.Next()
		err := a.ledger.Reserve(ctx, jid)
		if errors.Is(err, ErrJIDExists) {
			continue
		}
		if err != nil {
			return "", err
		}
		return jid, nil
	}
	return "", fmt.Errorf("reserve jid: %w after %d attempts", ErrJIDExists, a.attempts)
}
