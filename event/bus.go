package event

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ErrSubscriptionClosed is returned by Next after Cancel or bus Close.
var ErrSubscriptionClosed = errors.New("subscription closed")

// Mode selects how long a waiter stays subscribed.
type Mode int

const (
	// OneShot waiters are removed after their first event.
	OneShot Mode = iota
	// Stream waiters stay until cancelled.
	Stream
)

// Bus correlates published events with waiters by tag prefix. Publish
// never blocks on a slow waiter: each waiter owns an unbounded queue and
// sees events in publish order.
type Bus struct {
	mu      sync.Mutex
	nextID  uint64
	waiters map[uint64]*Waiter
	taps    []func(Event)
	closed  bool
	now     func() time.Time
	logger  *zap.Logger
	observe func(active int)
}

// BusOption configures a Bus.
type BusOption func(*Bus)

// WithBusLogger sets the logger.
func WithBusLogger(logger *zap.Logger) BusOption {
	return func(b *Bus) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// WithSubscriptionObserver is called with the number of live waiters
// whenever it changes.
func WithSubscriptionObserver(fn func(active int)) BusOption {
	return func(b *Bus) { b.observe = fn }
}

// WithTap registers a function that sees every locally published event.
// Injected events bypass taps.
func WithTap(fn func(Event)) BusOption {
	return func(b *Bus) { b.taps = append(b.taps, fn) }
}

// WithBusClock replaces time.Now for event stamps.
func WithBusClock(now func() time.Time) BusOption {
	return func(b *Bus) { b.now = now }
}

// NewBus creates an empty bus.
func NewBus(opts ...BusOption) *Bus {
	b := &Bus{
		waiters: make(map[uint64]*Waiter),
		now:     time.Now,
		logger:  zap.NewNop(),
		observe: func(int) {},
	}
	for _, opt := range opts {
		opt(b)
	}
	b.logger = b.logger.With(zap.String("component", "event_bus"))
	return b
}

// SubscribeOption configures a waiter.
type SubscribeOption func(*Waiter)

// Dedupe drops repeated events with the same tag and minion id.
func Dedupe() SubscribeOption {
	return func(w *Waiter) { w.seen = make(map[string]struct{}) }
}

// Subscribe registers a waiter for every tag starting with prefix.
func (b *Bus) Subscribe(prefix string, mode Mode, opts ...SubscribeOption) *Waiter {
	w := &Waiter{
		prefix: prefix,
		mode:   mode,
		bus:    b,
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		w.close()
		return w
	}
	b.nextID++
	w.id = b.nextID
	b.waiters[w.id] = w
	n := len(b.waiters)
	b.mu.Unlock()

	b.observe(n)
	return w
}

// Publish stamps the event and delivers it to every matching waiter and
// every tap.
func (b *Bus) Publish(tag string, data map[string]any) Event {
	ev := Event{Tag: tag, Data: data, Stamp: b.now().UTC()}
	b.deliver(ev)
	for _, tap := range b.taps {
		tap(ev)
	}
	return ev
}

// Inject delivers an event received from elsewhere. Taps are skipped so
// bridged events are not sent back out.
func (b *Bus) Inject(ev Event) {
	if ev.Stamp.IsZero() {
		ev.Stamp = b.now().UTC()
	}
	b.deliver(ev)
}

func (b *Bus) deliver(ev Event) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	var fired []*Waiter
	for id, w := range b.waiters {
		if !strings.HasPrefix(ev.Tag, w.prefix) {
			continue
		}
		if !w.push(ev) {
			continue
		}
		if w.mode == OneShot {
			delete(b.waiters, id)
			fired = append(fired, w)
		}
	}
	n := len(b.waiters)
	b.mu.Unlock()

	for _, w := range fired {
		w.finish()
	}
	if len(fired) > 0 {
		b.observe(n)
	}
}

func (b *Bus) remove(w *Waiter) {
	b.mu.Lock()
	_, ok := b.waiters[w.id]
	delete(b.waiters, w.id)
	n := len(b.waiters)
	b.mu.Unlock()
	if ok {
		b.observe(n)
	}
}

// Active returns the number of live waiters.
func (b *Bus) Active() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.waiters)
}

// Close cancels every waiter. Later publishes are dropped.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	waiters := b.waiters
	b.waiters = map[uint64]*Waiter{}
	b.mu.Unlock()

	for _, w := range waiters {
		w.close()
	}
	b.observe(0)
	b.logger.Debug("event bus closed", zap.Int("waiters", len(waiters)))
}

// =============================================================================
// ⏳ Waiter
// =============================================================================

// Waiter receives the events matching its prefix.
type Waiter struct {
	id     uint64
	prefix string
	mode   Mode
	bus    *Bus

	mu       sync.Mutex
	queue    []Event
	seen     map[string]struct{}
	finished bool
	notify   chan struct{}

	closeOnce sync.Once
	done      chan struct{}
}

// Prefix returns the subscribed tag prefix.
func (w *Waiter) Prefix() string { return w.prefix }

// push queues ev and reports whether it was accepted. Called with the bus
// lock held.
func (w *Waiter) push(ev Event) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.finished {
		return false
	}
	if w.seen != nil {
		key := ev.Tag + "\x00" + ev.MinionID()
		if _, dup := w.seen[key]; dup {
			return false
		}
		w.seen[key] = struct{}{}
	}
	w.queue = append(w.queue, ev)
	select {
	case w.notify <- struct{}{}:
	default:
	}
	return true
}

// finish stops a one-shot waiter from accepting more events while
// leaving its queued event readable.
func (w *Waiter) finish() {
	w.mu.Lock()
	w.finished = true
	w.mu.Unlock()
}

// Next returns the next event. It fails with ErrSubscriptionClosed once
// the waiter is cancelled, or when a one-shot waiter has been consumed.
func (w *Waiter) Next(ctx context.Context) (Event, error) {
	for {
		w.mu.Lock()
		if len(w.queue) > 0 {
			ev := w.queue[0]
			w.queue[0] = Event{}
			w.queue = w.queue[1:]
			w.mu.Unlock()
			return ev, nil
		}
		finished := w.finished
		w.mu.Unlock()

		if finished {
			return Event{}, ErrSubscriptionClosed
		}
		select {
		case <-w.notify:
		case <-w.done:
			// 取消后仍可读出已排队的事件
			w.mu.Lock()
			empty := len(w.queue) == 0
			w.mu.Unlock()
			if empty {
				return Event{}, ErrSubscriptionClosed
			}
		case <-ctx.Done():
			return Event{}, ctx.Err()
		}
	}
}

// Done is closed when the waiter is cancelled.
func (w *Waiter) Done() <-chan struct{} { return w.done }

// Cancel unsubscribes the waiter. It is safe to call more than once.
func (w *Waiter) Cancel() {
	w.bus.remove(w)
	w.close()
}

func (w *Waiter) close() {
	w.closeOnce.Do(func() {
		w.mu.Lock()
		w.finished = true
		w.mu.Unlock()
		close(w.done)
	})
}
