package runners

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/minionflow/config"
	"github.com/BaSui01/minionflow/jobs"
	"github.com/BaSui01/minionflow/registry"
	"github.com/BaSui01/minionflow/registry/modules"
	"github.com/BaSui01/minionflow/transport"
	"github.com/BaSui01/minionflow/types"
)

func newRegistry(t *testing.T, d Deps) *registry.Registry {
	t.Helper()
	reg, err := registry.New(registry.WithEntries(Builtins(d)...))
	require.NoError(t, err)
	return reg
}

func invoke(t *testing.T, reg *registry.Registry, name string, args []any, kwargs map[string]any) any {
	t.Helper()
	out, err := reg.Invoke(context.Background(), registry.KindRunner, name, registry.NewContext(name), args, kwargs)
	require.NoError(t, err)
	return out
}

func TestTestArg_QuuzDefault(t *testing.T) {
	reg := newRegistry(t, Deps{})
	out := invoke(t, reg, "test.arg", []any{"foo"}, map[string]any{"bar": false, "quux": "Quux"})
	assert.Equal(t, map[string]any{
		"args":   []any{"foo"},
		"kwargs": map[string]any{"bar": false, "quux": "Quux", "quuz": "on"},
	}, out)
}

func TestTestStream_EmitsProgress(t *testing.T) {
	reg := newRegistry(t, Deps{})
	var tags []string
	rc := registry.NewContext("test.stream",
		registry.WithJID("42"),
		registry.WithEmitter(func(tag string, data map[string]any) { tags = append(tags, tag) }))

	out, err := reg.Invoke(context.Background(), registry.KindRunner, "test.stream", rc, nil, map[string]any{"count": 2})
	require.NoError(t, err)
	assert.Equal(t, true, out)
	assert.Equal(t, []string{"run/42/progress", "run/42/progress"}, tags)
}

func seedLedger(t *testing.T) jobs.Ledger {
	t.Helper()
	l := jobs.NewMemoryLedger()
	ctx := context.Background()
	base := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	for i, j := range []*jobs.Job{
		{JID: "20240501100000000000_aaaaaa", Function: "test.ping", User: "alice", Target: "*", TargetType: "glob", Minions: []string{"m1", "m2"}},
		{JID: "20240501110000000000_bbbbbb", Function: "cmd.run", Args: []any{"id"}, User: "bob", Target: "web*", TargetType: "glob", Minions: []string{"web1"}},
	} {
		j.CreatedAt = base.Add(time.Duration(i) * time.Hour)
		require.NoError(t, l.Reserve(ctx, j.JID))
		require.NoError(t, l.Record(ctx, j))
	}
	require.NoError(t, l.UpdateResult(ctx, "20240501100000000000_aaaaaa", jobs.Return{Minion: "m1", Return: true, Success: true}))
	require.NoError(t, l.UpdateResult(ctx, "20240501110000000000_bbbbbb", jobs.Return{Minion: "web1", Return: "uid=0", Success: true}))
	return l
}

func TestJobsRunners(t *testing.T) {
	reg := newRegistry(t, Deps{Ledger: seedLedger(t)})

	all := invoke(t, reg, "jobs.list_jobs", nil, nil).(map[string]any)
	assert.Len(t, all, 2)

	byFun := invoke(t, reg, "jobs.list_jobs", nil, map[string]any{"search_function": "cmd.*"}).(map[string]any)
	require.Len(t, byFun, 1)
	summary := byFun["20240501110000000000_bbbbbb"].(map[string]any)
	assert.Equal(t, "bob", summary["User"])
	assert.Equal(t, []any{"id"}, summary["Arguments"])

	window := invoke(t, reg, "jobs.list_jobs", nil, map[string]any{"end_time": "2024-05-01 10:30:00"}).(map[string]any)
	assert.Contains(t, window, "20240501100000000000_aaaaaa")
	assert.Len(t, window, 1)

	assert.Equal(t, map[string]any{"m1": true}, invoke(t, reg, "jobs.lookup_jid", []any{"20240501100000000000_aaaaaa"}, nil))
	assert.Equal(t, map[string]any{}, invoke(t, reg, "jobs.lookup_jid", []any{"nope"}, nil))

	active := invoke(t, reg, "jobs.active", nil, nil).(map[string]any)
	require.Len(t, active, 1)
	entry := active["20240501100000000000_aaaaaa"].(map[string]any)
	assert.Equal(t, []string{"m2"}, entry["Running"])
	assert.Equal(t, []string{"m1"}, entry["Returned"])

	_, err := reg.Invoke(context.Background(), registry.KindRunner, "jobs.list_jobs", nil, nil, map[string]any{"start_time": "yesterday"})
	assert.ErrorIs(t, err, registry.ErrBadArguments)
}

func TestManageRunners(t *testing.T) {
	mods, err := registry.New(registry.WithEntries(modules.Builtins()...))
	require.NoError(t, err)
	lb := transport.NewLoopback([]string{"m1", "m2", "m3"}, mods, config.TransportConfig{
		PoolSize:        2,
		CheckoutTimeout: time.Second,
		PingTimeout:     150 * time.Millisecond,
	}, nil)
	require.NoError(t, lb.Start(context.Background()))
	defer lb.Close()

	m3, _ := lb.Agent("m3")
	m3.Pause(true)

	reg := newRegistry(t, Deps{Channel: lb})
	assert.Equal(t, []string{"m1", "m2"}, invoke(t, reg, "manage.up", nil, nil))
	assert.Equal(t, []string{"m3"}, invoke(t, reg, "manage.down", nil, nil))
	assert.Equal(t, map[string][]string{"up": {"m1"}, "down": {}},
		invoke(t, reg, "manage.status", []any{"m1"}, nil))
}

func TestEventSend(t *testing.T) {
	mods, err := registry.New(registry.WithEntries(modules.Builtins()...))
	require.NoError(t, err)
	lb := transport.NewLoopback([]string{"m1"}, mods, config.TransportConfig{
		PoolSize:        2,
		CheckoutTimeout: time.Second,
		PingTimeout:     100 * time.Millisecond,
	}, nil)
	require.NoError(t, lb.Start(context.Background()))
	defer lb.Close()

	ctx := context.Background()
	sub, err := lb.Subscribe(ctx, "deploy/")
	require.NoError(t, err)
	defer sub.Close()

	reg := newRegistry(t, Deps{Channel: lb})
	rc := registry.NewContext("event.send", registry.WithIdentity(types.Identity{Backend: "auto", Name: "alice"}))
	out, err := reg.Invoke(ctx, registry.KindRunner, "event.send", rc,
		[]any{"deploy/finished", map[string]any{"version": "1.2"}}, nil)
	require.NoError(t, err)
	assert.Equal(t, true, out)

	waitCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	ev, err := sub.Next(waitCtx)
	require.NoError(t, err)
	assert.Equal(t, "deploy/finished", ev.Tag)
	assert.Equal(t, "1.2", ev.Data["version"])
	assert.Equal(t, "alice", ev.Data["user"])

	_, err = reg.Invoke(ctx, registry.KindRunner, "event.send", nil, []any{"job/1/ret/m1"}, nil)
	assert.ErrorIs(t, err, registry.ErrBadArguments)
	_, err = reg.Invoke(ctx, registry.KindRunner, "event.send", nil, []any{"x/y", "notamap"}, nil)
	assert.ErrorIs(t, err, registry.ErrBadArguments)
}
