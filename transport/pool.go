package transport

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

var (
	// ErrPoolExhausted is returned when no connection frees up in time.
	ErrPoolExhausted = errors.New("transport pool exhausted")
	// ErrPoolClosed is returned after Close.
	ErrPoolClosed = errors.New("transport pool closed")
)

// Conn is one publishing connection to the broker.
type Conn interface {
	Publish(ctx context.Context, topic string, payload []byte) error
	Close() error
}

// DialFunc opens a new connection.
type DialFunc func(ctx context.Context) (Conn, error)

// Pool bounds the number of open connections. Checkout waits at most the
// configured timeout; connections are dialed lazily and reused.
type Pool struct {
	dial    DialFunc
	timeout time.Duration

	slots chan struct{}
	idle  chan Conn
	done  chan struct{}

	closeOnce sync.Once
	closed    atomic.Bool

	checkouts atomic.Int64
	exhausted atomic.Int64
	observe   func(result string)
}

// PoolStats describes pool usage.
type PoolStats struct {
	Size      int   `json:"size"`
	InUse     int   `json:"in_use"`
	Idle      int   `json:"idle"`
	Checkouts int64 `json:"checkouts"`
	Exhausted int64 `json:"exhausted"`
}

// NewPool creates a pool of at most size connections.
func NewPool(size int, timeout time.Duration, dial DialFunc) *Pool {
	if size <= 0 {
		size = 1
	}
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &Pool{
		dial:    dial,
		timeout: timeout,
		slots:   make(chan struct{}, size),
		idle:    make(chan Conn, size),
		done:    make(chan struct{}),
		observe: func(string) {},
	}
}

// SetObserver sets a callback receiving "ok", "exhausted" or "error" per
// checkout.
func (p *Pool) SetObserver(fn func(result string)) {
	if fn != nil {
		p.observe = fn
	}
}

// Get checks out a connection.
func (p *Pool) Get(ctx context.Context) (Conn, error) {
	if p.closed.Load() {
		return nil, ErrPoolClosed
	}
	timer := time.NewTimer(p.timeout)
	defer timer.Stop()

	select {
	case p.slots <- struct{}{}:
	case <-timer.C:
		p.exhausted.Add(1)
		p.observe("exhausted")
		return nil, ErrPoolExhausted
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-p.done:
		return nil, ErrPoolClosed
	}
	p.checkouts.Add(1)

	select {
	case c := <-p.idle:
		p.observe("ok")
		return c, nil
	default:
	}
	c, err := p.dial(ctx)
	if err != nil {
		<-p.slots
		p.observe("error")
		return nil, err
	}
	p.observe("ok")
	return c, nil
}

// Put returns a connection. Connections that failed are closed rather
// than reused.
func (p *Pool) Put(c Conn, failed bool) {
	defer func() { <-p.slots }()
	if failed || p.closed.Load() {
		_ = c.Close()
		return
	}
	select {
	case p.idle <- c:
	default:
		_ = c.Close()
	}
}

// Do checks out a connection, runs fn and returns it.
func (p *Pool) Do(ctx context.Context, fn func(Conn) error) error {
	c, err := p.Get(ctx)
	if err != nil {
		return err
	}
	err = fn(c)
	p.Put(c, err != nil)
	return err
}

// Stats returns a snapshot of pool usage.
func (p *Pool) Stats() PoolStats {
	return PoolStats{
		Size:      cap(p.slots),
		InUse:     len(p.slots),
		Idle:      len(p.idle),
		Checkouts: p.checkouts.Load(),
		Exhausted: p.exhausted.Load(),
	}
}

// Close closes idle connections; checked out ones are closed on Put.
func (p *Pool) Close() error {
	p.closeOnce.Do(func() {
		p.closed.Store(true)
		close(p.done)
	})
	for {
		select {
		case c := <-p.idle:
			_ = c.Close()
		default:
			return nil
		}
	}
}
