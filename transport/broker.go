package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
)

// Topic names shared by masters and minions.
const (
	TopicJobs   = "minionflow:jobs"
	TopicEvents = "minionflow:returns"
)

// Broker is the pub/sub fabric under the channel.
type Broker interface {
	// Dial opens a publishing connection.
	Dial(ctx context.Context) (Conn, error)
	// Subscribe delivers payloads published on topic until cancel is called.
	Subscribe(ctx context.Context, topic string) (<-chan []byte, func(), error)
}

// =============================================================================
// 🔁 In-process broker
// =============================================================================

// MemoryBroker delivers payloads between goroutines of one process.
type MemoryBroker struct {
	mu     sync.RWMutex
	nextID int
	subs   map[string]map[int]*memSub
	closed bool
}

type memSub struct {
	ch   chan []byte
	done chan struct{}
	once sync.Once
}

func (s *memSub) stop() {
	s.once.Do(func() { close(s.done) })
}

// NewMemoryBroker creates an in-process broker.
func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{subs: make(map[string]map[int]*memSub)}
}

// Dial implements Broker.
func (b *MemoryBroker) Dial(context.Context) (Conn, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return nil, ErrPoolClosed
	}
	return memConn{b: b}, nil
}

// Subscribe implements Broker.
func (b *MemoryBroker) Subscribe(_ context.Context, topic string) (<-chan []byte, func(), error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, nil, errors.New("broker closed")
	}
	b.nextID++
	id := b.nextID
	sub := &memSub{ch: make(chan []byte, 256), done: make(chan struct{})}
	if b.subs[topic] == nil {
		b.subs[topic] = make(map[int]*memSub)
	}
	b.subs[topic][id] = sub

	cancel := func() {
		b.mu.Lock()
		delete(b.subs[topic], id)
		b.mu.Unlock()
		sub.stop()
	}
	return sub.ch, cancel, nil
}

func (b *MemoryBroker) publish(ctx context.Context, topic string, payload []byte) error {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return errors.New("broker closed")
	}
	targets := make([]*memSub, 0, len(b.subs[topic]))
	for _, s := range b.subs[topic] {
		targets = append(targets, s)
	}
	b.mu.RUnlock()

	for _, s := range targets {
		msg := append([]byte(nil), payload...)
		select {
		case s.ch <- msg:
		case <-s.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Close drops every subscription.
func (b *MemoryBroker) Close() {
	b.mu.Lock()
	b.closed = true
	subs := b.subs
	b.subs = map[string]map[int]*memSub{}
	b.mu.Unlock()
	for _, topic := range subs {
		for _, s := range topic {
			s.stop()
		}
	}
}

type memConn struct{ b *MemoryBroker }

func (c memConn) Publish(ctx context.Context, topic string, payload []byte) error {
	return c.b.publish(ctx, topic, payload)
}

func (memConn) Close() error { return nil }

// =============================================================================
// 🟥 Redis broker
// =============================================================================

// RedisBroker publishes over dedicated redis connections and subscribes
// with redis pub/sub.
type RedisBroker struct {
	client *redis.Client
}

// NewRedisBroker wraps a redis client.
func NewRedisBroker(client *redis.Client) *RedisBroker {
	return &RedisBroker{client: client}
}

// Dial implements Broker. Each Conn pins one connection of the client.
func (b *RedisBroker) Dial(ctx context.Context) (Conn, error) {
	conn := b.client.Conn()
	if err := conn.Ping(ctx).Err(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("redis dial: %w", err)
	}
	return redisConn{conn: conn}, nil
}

// Subscribe implements Broker.
func (b *RedisBroker) Subscribe(ctx context.Context, topic string) (<-chan []byte, func(), error) {
	ps := b.client.Subscribe(ctx, topic)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, nil, fmt.Errorf("redis subscribe %s: %w", topic, err)
	}

	out := make(chan []byte, 256)
	stop := make(chan struct{})
	var once sync.Once
	go func() {
		defer close(out)
		in := ps.Channel()
		for {
			select {
			case <-stop:
				return
			case msg, ok := <-in:
				if !ok {
					return
				}
				select {
				case out <- []byte(msg.Payload):
				case <-stop:
					return
				}
			}
		}
	}()
	cancel := func() {
		once.Do(func() {
			close(stop)
			_ = ps.Close()
		})
	}
	return out, cancel, nil
}

type redisConn struct{ conn *redis.Conn }

func (c redisConn) Publish(ctx context.Context, topic string, payload []byte) error {
	return c.conn.Publish(ctx, topic, payload).Err()
}

func (c redisConn) Close() error { return c.conn.Close() }
