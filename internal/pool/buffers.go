package pool

import (
	"bytes"
	"sync"
	"sync/atomic"
)

// BufferPool recycles scratch buffers. Buffers that grew past max are
// dropped on Put instead of pinning memory.
type BufferPool struct {
	pool sync.Pool
	max  int

	gets, allocs, dropped atomic.Int64
}

// NewBufferPool creates buffers with initial capacity size.
func NewBufferPool(size, max int) *BufferPool {
	p := &BufferPool{max: max}
	p.pool.New = func() any {
		p.allocs.Add(1)
		return bytes.NewBuffer(make([]byte, 0, size))
	}
	return p
}

// Get returns an empty buffer.
func (p *BufferPool) Get() *bytes.Buffer {
	p.gets.Add(1)
	return p.pool.Get().(*bytes.Buffer)
}

// Put returns b to the pool. b must not be used afterwards.
func (p *BufferPool) Put(b *bytes.Buffer) {
	if b == nil {
		return
	}
	if p.max > 0 && b.Cap() > p.max {
		p.dropped.Add(1)
		return
	}
	b.Reset()
	p.pool.Put(b)
}

// BufferStats counts pool traffic.
type BufferStats struct {
	Gets    int64 `json:"gets"`
	Allocs  int64 `json:"allocs"`
	Dropped int64 `json:"dropped"`
}

// Stats returns current counters.
func (p *BufferPool) Stats() BufferStats {
	return BufferStats{
		Gets:    p.gets.Load(),
		Allocs:  p.allocs.Load(),
		Dropped: p.dropped.Load(),
	}
}

// Envelopes backs transport envelope encoding.
var Envelopes = NewBufferPool(4096, 1<<20)
