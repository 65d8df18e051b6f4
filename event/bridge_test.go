package event

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newBridgedBus(t *testing.T, ctx context.Context, client *redis.Client) *Bus {
	t.Helper()
	bridge := NewRedisBridge(client, "", nil)
	bus := NewBus(WithTap(bridge.Tap))
	bridge.Attach(bus)
	go func() { _ = bridge.Run(ctx) }()
	return bus
}

func TestRedisBridge(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a := newBridgedBus(t, ctx, client)
	b := newBridgedBus(t, ctx, client)
	require.Eventually(t, func() bool {
		return mr.PubSubNumSub(DefaultBridgeChannel)[DefaultBridgeChannel] == 2
	}, 2*time.Second, 10*time.Millisecond)

	onA := a.Subscribe("job/", Stream)
	onB := b.Subscribe("job/", Stream)

	a.Publish(JobRetTag("1", "m1"), map[string]any{"id": "m1"})

	got := next(t, onB)
	assert.Equal(t, "job/1/ret/m1", got.Tag)
	assert.Equal(t, "m1", got.MinionID())

	// 本地只收到一次，不会被桥接回来
	assert.Equal(t, "job/1/ret/m1", next(t, onA).Tag)
	short, stop := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer stop()
	_, err := onA.Next(short)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRedisBridge_IgnoresMalformed(t *testing.T) {
	bus := NewBus()
	w := bus.Subscribe("", Stream)
	bridge := NewRedisBridge(nil, "c", nil)
	bridge.Attach(bus)

	bridge.handle("not json")
	bridge.handle(`{"origin":"` + bridge.origin + `","event":{"tag":"own"}}`)
	bridge.handle(`{"origin":"other","event":{"tag":"theirs"}}`)

	assert.Equal(t, "theirs", next(t, w).Tag)
}
