package event

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// DefaultBridgeChannel is the redis pub/sub channel bus events travel on.
const DefaultBridgeChannel = "minionflow:events"

type bridgeMessage struct {
	Origin string `json:"origin"`
	Event  Event  `json:"event"`
}

// RedisBridge mirrors bus events between master processes over redis
// pub/sub. Locally published events go out through Tap; events from other
// processes are injected into the local bus by Run.
type RedisBridge struct {
	client  *redis.Client
	channel string
	origin  string
	logger  *zap.Logger

	mu  sync.RWMutex
	bus *Bus
}

// NewRedisBridge creates a bridge. An empty channel uses DefaultBridgeChannel.
func NewRedisBridge(client *redis.Client, channel string, logger *zap.Logger) *RedisBridge {
	if channel == "" {
		channel = DefaultBridgeChannel
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisBridge{
		client:  client,
		channel: channel,
		origin:  uuid.NewString(),
		logger:  logger.With(zap.String("component", "event_bridge")),
	}
}

// Attach sets the bus Run injects into. Pass Tap to the same bus with WithTap.
func (r *RedisBridge) Attach(bus *Bus) {
	r.mu.Lock()
	r.bus = bus
	r.mu.Unlock()
}

// Tap forwards a locally published event. Failures are logged; the local
// bus has already delivered the event.
func (r *RedisBridge) Tap(ev Event) {
	data, err := json.Marshal(bridgeMessage{Origin: r.origin, Event: ev})
	if err != nil {
		r.logger.Warn("event not forwarded", zap.String("tag", ev.Tag), zap.Error(err))
		return
	}
	if err := r.client.Publish(context.Background(), r.channel, data).Err(); err != nil {
		r.logger.Warn("event not forwarded", zap.String("tag", ev.Tag), zap.Error(err))
	}
}

// Run receives events from other processes until ctx is done.
func (r *RedisBridge) Run(ctx context.Context) error {
	sub := r.client.Subscribe(ctx, r.channel)
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", r.channel, err)
	}
	r.logger.Info("event bridge started", zap.String("channel", r.channel))

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			r.handle(msg.Payload)
		}
	}
}

func (r *RedisBridge) handle(payload string) {
	var m bridgeMessage
	if err := json.Unmarshal([]byte(payload), &m); err != nil {
		r.logger.Warn("dropping malformed bridged event", zap.Error(err))
		return
	}
	if m.Origin == r.origin {
		return
	}
	r.mu.RLock()
	bus := r.bus
	r.mu.RUnlock()
	if bus != nil {
		bus.Inject(m.Event)
	}
}
