package transport

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/BaSui01/minionflow/config"
	"github.com/BaSui01/minionflow/event"
)

// Master implements Channel over a Broker. Received minion events are
// fanned out to subscribers through a private bus, so one broker
// subscription serves every waiting job.
type Master struct {
	broker      Broker
	pool        *Pool
	sealer      Sealer
	seen        *replayGuard
	pingTimeout time.Duration
	bus         *event.Bus
	logger      *zap.Logger

	mu     sync.RWMutex
	roster map[string]time.Time

	startOnce sync.Once
	stop      context.CancelFunc
	wg        sync.WaitGroup
}

// MasterOption configures a Master.
type MasterOption func(*Master)

// WithMasterLogger sets the logger.
func WithMasterLogger(logger *zap.Logger) MasterOption {
	return func(m *Master) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithCheckoutObserver receives the result of every pool checkout.
func WithCheckoutObserver(fn func(result string)) MasterOption {
	return func(m *Master) { m.pool.SetObserver(fn) }
}

// NewMaster creates a master channel. Call Start before use.
func NewMaster(broker Broker, cfg config.TransportConfig, opts ...MasterOption) *Master {
	m := &Master{
		broker:      broker,
		pool:        NewPool(cfg.PoolSize, cfg.CheckoutTimeout, broker.Dial),
		sealer:      NewSealer(cfg.SigningKey).WithMaxAge(cfg.MaxMessageAge),
		seen:        newReplayGuard(replayWindow),
		pingTimeout: cfg.PingTimeout,
		bus:         event.NewBus(),
		logger:      zap.NewNop(),
		roster:      make(map[string]time.Time),
	}
	if m.pingTimeout <= 0 {
		m.pingTimeout = time.Second
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.With(zap.String("component", "transport_master"))
	return m
}

// NewRedisChannel creates a master channel on redis pub/sub.
func NewRedisChannel(client *redis.Client, cfg config.TransportConfig, opts ...MasterOption) *Master {
	return NewMaster(NewRedisBroker(client), cfg, opts...)
}

// Start subscribes to minion events. It is a no-op after the first call.
func (m *Master) Start(ctx context.Context) error {
	var err error
	m.startOnce.Do(func() {
		var ch <-chan []byte
		var cancel func()
		ch, cancel, err = m.broker.Subscribe(ctx, TopicEvents)
		if err != nil {
			err = fmt.Errorf("subscribe minion events: %w", err)
			return
		}
		loopCtx, stop := context.WithCancel(context.Background())
		m.stop = func() {
			stop()
			cancel()
		}
		m.wg.Add(1)
		go m.receive(loopCtx, ch)
		m.logger.Info("transport started")
	})
	return err
}

func (m *Master) receive(ctx context.Context, ch <-chan []byte) {
	defer m.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case data, ok := <-ch:
			if !ok {
				return
			}
			env, err := m.sealer.Open(data)
			if err != nil {
				m.logger.Warn("dropping minion message", zap.Error(err))
				continue
			}
			if !m.seen.admit(env.ID) {
				m.logger.Warn("dropping replayed minion message", zap.String("id", env.ID))
				continue
			}
			if env.Kind != KindEvent {
				continue
			}
			var ev event.Event
			if err := env.Decode(&ev); err != nil {
				m.logger.Warn("dropping minion event", zap.Error(err))
				continue
			}
			if id := ev.MinionID(); id != "" {
				m.mu.Lock()
				m.roster[id] = time.Now()
				m.mu.Unlock()
			}
			m.bus.Inject(ev)
		}
	}
}

func (m *Master) publish(ctx context.Context, topic string, data []byte) error {
	return m.pool.Do(ctx, func(c Conn) error {
		return c.Publish(ctx, topic, data)
	})
}

// SendRequest implements Channel.
func (m *Master) SendRequest(ctx context.Context, msg *JobMessage) error {
	data, err := m.sealer.Seal(KindJob, msg)
	if err != nil {
		return err
	}
	if err := m.publish(ctx, TopicJobs, data); err != nil {
		return fmt.Errorf("publish job %s: %w", msg.JID, err)
	}
	m.logger.Debug("job published",
		zap.String("jid", msg.JID),
		zap.String("fun", msg.Fun),
		zap.String("target", msg.Target.String()))
	return nil
}

// PublishEvent implements Channel.
func (m *Master) PublishEvent(ctx context.Context, ev event.Event) error {
	data, err := m.sealer.Seal(KindEvent, ev)
	if err != nil {
		return err
	}
	return m.publish(ctx, TopicEvents, data)
}

// Subscribe implements Channel.
func (m *Master) Subscribe(_ context.Context, prefix string) (Subscription, error) {
	return waiterSubscription{w: m.bus.Subscribe(prefix, event.Stream)}, nil
}

// Ping implements Channel.
func (m *Master) Ping(ctx context.Context, target Target) ([]string, error) {
	nonce := uuid.NewString()
	w := m.bus.Subscribe(PingReplyPrefix(nonce), event.Stream, event.Dedupe())
	defer w.Cancel()

	data, err := m.sealer.Seal(KindPing, pingMessage{Nonce: nonce, Target: target})
	if err != nil {
		return nil, err
	}
	if err := m.publish(ctx, TopicJobs, data); err != nil {
		return nil, fmt.Errorf("publish ping: %w", err)
	}

	waitCtx, cancel := context.WithTimeout(ctx, m.pingTimeout)
	defer cancel()
	ids := []string{}
	for {
		ev, err := w.Next(waitCtx)
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
				break
			}
			if errors.Is(err, event.ErrSubscriptionClosed) {
				break
			}
			return nil, err
		}
		if id := ev.MinionID(); id != "" && target.Match(id) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// Known implements Channel.
func (m *Master) Known() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.roster))
	for id := range m.roster {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// PoolStats exposes connection pool usage.
func (m *Master) PoolStats() PoolStats {
	return m.pool.Stats()
}

// Close implements Channel.
func (m *Master) Close() error {
	if m.stop != nil {
		m.stop()
	}
	m.wg.Wait()
	m.bus.Close()
	return m.pool.Close()
}

type waiterSubscription struct{ w *event.Waiter }

func (s waiterSubscription) Next(ctx context.Context) (event.Event, error) { return s.w.Next(ctx) }

func (s waiterSubscription) Close() { s.w.Cancel() }
