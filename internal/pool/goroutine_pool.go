// Package pool provides the bounded worker queue runner functions execute
// on and pooled scratch buffers.
package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

var (
	ErrClosed = errors.New("workers closed")
	ErrFull   = errors.New("workers busy and queue full")
)

// Task is one named unit of work. Name is the runner function and shows
// up in logs and observer callbacks.
type Task struct {
	Name string
	Run  func(ctx context.Context) error
}

// Observer is told about every task that ran, or was turned away
// (rejected true, d zero).
type Observer func(name string, d time.Duration, err error, rejected bool)

// Config sizes the queue.
type Config struct {
	// Size caps concurrently running tasks.
	Size int `json:"size"`
	// Queue is how many tasks may wait for a free worker.
	Queue int `json:"queue"`
	// IdleTimeout retires surplus workers; one worker always stays.
	IdleTimeout time.Duration `json:"idle_timeout"`
}

func (c Config) withDefaults() Config {
	if c.Size <= 0 {
		c.Size = 8
	}
	if c.Queue < 0 {
		c.Queue = 0
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = time.Minute
	}
	return c
}

type queued struct {
	ctx  context.Context
	task Task
	done chan error
}

// Workers runs tasks on at most Size goroutines, started on demand.
type Workers struct {
	cfg      Config
	queue    chan queued
	observer Observer
	logger   *zap.Logger

	// mu 保护 closed，Close 之后不再向 queue 发送
	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup

	live, busy                  atomic.Int32
	ran, failed, panics, turned atomic.Int64
}

// Option configures Workers.
type Option func(*Workers)

// WithObserver sets the task observer, typically a metrics sink.
func WithObserver(o Observer) Option {
	return func(w *Workers) { w.observer = o }
}

// NewWorkers creates an idle queue. No goroutine runs until the first Submit.
func NewWorkers(cfg Config, logger *zap.Logger, opts ...Option) *Workers {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	w := &Workers{
		cfg:    cfg,
		queue:  make(chan queued, cfg.Queue),
		logger: logger.With(zap.String("component", "runner_workers")),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Submit hands t to a worker without waiting for it to run. ctx is the
// context t runs under. ErrFull means every worker is busy and the queue
// has no room.
func (w *Workers) Submit(ctx context.Context, t Task) error {
	return w.enqueue(queued{ctx: ctx, task: t}, false)
}

// Do runs t and waits for its result or for ctx.
func (w *Workers) Do(ctx context.Context, t Task) error {
	q := queued{ctx: ctx, task: t, done: make(chan error, 1)}
	if err := w.enqueue(q, true); err != nil {
		return err
	}
	select {
	case err := <-q.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *Workers) enqueue(q queued, block bool) error {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.closed {
		return ErrClosed
	}

	grew := w.grow()
	select {
	case w.queue <- q:
		return nil
	default:
	}

	// 刚启动或空闲的 worker 很快会来取，等它而不是拒绝
	if block || grew || w.idle() {
		select {
		case w.queue <- q:
			return nil
		case <-q.ctx.Done():
			w.reject(q.task.Name)
			return q.ctx.Err()
		}
	}
	w.reject(q.task.Name)
	return ErrFull
}

func (w *Workers) reject(name string) {
	w.turned.Add(1)
	if w.observer != nil {
		w.observer(name, 0, ErrFull, true)
	}
}

func (w *Workers) idle() bool {
	return int(w.busy.Load())+len(w.queue) < int(w.live.Load())
}

// grow starts another worker unless the cap is reached or the live ones
// can absorb what is waiting.
func (w *Workers) grow() bool {
	for {
		n := w.live.Load()
		if n >= int32(w.cfg.Size) || (n > 0 && w.idle()) {
			return false
		}
		if w.live.CompareAndSwap(n, n+1) {
			w.wg.Add(1)
			go w.loop()
			return true
		}
	}
}

func (w *Workers) loop() {
	defer w.wg.Done()
	defer w.live.Add(-1)

	idle := time.NewTimer(w.cfg.IdleTimeout)
	defer idle.Stop()

	for {
		select {
		case q, ok := <-w.queue:
			if !ok {
				return
			}
			w.busy.Add(1)
			err := w.run(q)
			w.busy.Add(-1)
			if q.done != nil {
				q.done <- err
			}
			idle.Reset(w.cfg.IdleTimeout)

		case <-idle.C:
			if w.live.Load() > 1 {
				return
			}
			idle.Reset(w.cfg.IdleTimeout)
		}
	}
}

func (w *Workers) run(q queued) (err error) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			w.panics.Add(1)
			w.logger.Error("runner task panicked",
				zap.String("task", q.task.Name),
				zap.Any("panic", r),
				zap.Stack("stack"),
			)
			err = fmt.Errorf("%s panicked: %v", q.task.Name, r)
		}
		w.ran.Add(1)
		if err != nil {
			w.failed.Add(1)
		}
		if w.observer != nil {
			w.observer(q.task.Name, time.Since(start), err, false)
		}
	}()

	if err := q.ctx.Err(); err != nil {
		return err
	}
	return q.task.Run(q.ctx)
}

// Close refuses new tasks, drains the queue and waits for the workers.
func (w *Workers) Close() {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.closed = true
	close(w.queue)
	w.mu.Unlock()
	w.wg.Wait()
}

// Stats is a point-in-time view of the queue.
type Stats struct {
	Live     int   `json:"live"`
	Busy     int   `json:"busy"`
	Queued   int   `json:"queued"`
	Ran      int64 `json:"ran"`
	Failed   int64 `json:"failed"`
	Panics   int64 `json:"panics"`
	Rejected int64 `json:"rejected"`
}

// Stats returns current counters.
func (w *Workers) Stats() Stats {
	return Stats{
		Live:     int(w.live.Load()),
		Busy:     int(w.busy.Load()),
		Queued:   len(w.queue),
		Ran:      w.ran.Load(),
		Failed:   w.failed.Load(),
		Panics:   w.panics.Load(),
		Rejected: w.turned.Load(),
	}
}
