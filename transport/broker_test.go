package transport

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func receive(t *testing.T, ch <-chan []byte) []byte {
	t.Helper()
	select {
	case b := <-ch:
		return b
	case <-time.After(2 * time.Second):
		t.Fatal("no message received")
		return nil
	}
}

func TestMemoryBroker_FanOut(t *testing.T) {
	b := NewMemoryBroker()
	defer b.Close()
	ctx := context.Background()

	ch1, cancel1, err := b.Subscribe(ctx, "t")
	require.NoError(t, err)
	ch2, cancel2, err := b.Subscribe(ctx, "t")
	require.NoError(t, err)
	defer cancel2()
	other, cancelOther, err := b.Subscribe(ctx, "other")
	require.NoError(t, err)
	defer cancelOther()

	conn, err := b.Dial(ctx)
	require.NoError(t, err)
	require.NoError(t, conn.Publish(ctx, "t", []byte("hello")))

	assert.Equal(t, "hello", string(receive(t, ch1)))
	assert.Equal(t, "hello", string(receive(t, ch2)))
	assert.Empty(t, other)

	cancel1()
	require.NoError(t, conn.Publish(ctx, "t", []byte("again")))
	assert.Equal(t, "again", string(receive(t, ch2)))
	assert.Empty(t, ch1)
}

func TestMemoryBroker_Closed(t *testing.T) {
	b := NewMemoryBroker()
	conn, err := b.Dial(context.Background())
	require.NoError(t, err)
	b.Close()

	assert.Error(t, conn.Publish(context.Background(), "t", nil))
	_, err = b.Dial(context.Background())
	assert.ErrorIs(t, err, ErrPoolClosed)
	_, _, err = b.Subscribe(context.Background(), "t")
	assert.Error(t, err)
}

func TestRedisBroker(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	b := NewRedisBroker(client)
	ctx := context.Background()

	ch, cancel, err := b.Subscribe(ctx, TopicJobs)
	require.NoError(t, err)
	defer cancel()

	conn, err := b.Dial(ctx)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.Publish(ctx, TopicJobs, []byte(`{"x":1}`)))

	assert.JSONEq(t, `{"x":1}`, string(receive(t, ch)))
}

func TestRedisBroker_DialFailure(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = client.Close() })
	mr.Close()

	_, err := NewRedisBroker(client).Dial(context.Background())
	assert.Error(t, err)
}
