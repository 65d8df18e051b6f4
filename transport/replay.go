package transport

import "sync"

// replayWindow bounds the envelope ids a receiver remembers. Together
// with the freshness window it caps what a replay can slip past.
const replayWindow = 8192

// replayGuard remembers the most recent envelope ids, oldest evicted first.
type replayGuard struct {
	mu   sync.Mutex
	ids  map[string]struct{}
	ring []string
	next int
}

func newReplayGuard(size int) *replayGuard {
	if size <= 0 {
		size = replayWindow
	}
	return &replayGuard{
		ids:  make(map[string]struct{}, size),
		ring: make([]string, size),
	}
}

// admit records id and reports whether it was not seen before.
func (g *replayGuard) admit(id string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, dup := g.ids[id]; dup {
		return false
	}
	if old := g.ring[g.next]; old != "" {
		delete(g.ids, old)
	}
	g.ring[g.next] = id
	g.ids[id] = struct{}{}
	g.next = (g.next + 1) % len(g.ring)
	return true
}
