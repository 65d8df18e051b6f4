package registry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func echoEntry(name string, kind Kind) Entry {
	return Entry{
		Name: name,
		Kind: kind,
		Params: []Param{
			{Name: "text", Required: true},
			{Name: "count", Default: 1},
		},
		Fn: func(_ context.Context, _ *Context, call *Call) (any, error) {
			return call.Named, nil
		},
	}
}

// --- 构建 ---

func TestNew_SortedNamesAndNamespaces(t *testing.T) {
	reg, err := New(
		WithEntries(echoEntry("test.echo", KindModule), echoEntry("a.first", KindModule)),
		WithEntry(echoEntry("test.echo", KindRunner)),
	)
	require.NoError(t, err)

	assert.Equal(t, []string{"a.first", "test.echo"}, reg.Names(KindModule))
	assert.Equal(t, []string{"test.echo"}, reg.Names(KindRunner))
	assert.True(t, reg.IsRunner("test.echo"))
	assert.False(t, reg.IsRunner("a.first"))
	assert.Equal(t, []string{"text", "count"}, reg.DeclaredParameters(KindModule, "test.echo"))
	assert.Nil(t, reg.DeclaredParameters(KindRunner, "missing"))
}

func TestNew_Errors(t *testing.T) {
	_, err := New(WithEntries(echoEntry("dup", KindModule), echoEntry("dup", KindModule)))
	require.Error(t, err)

	_, err = New(WithEntry(Entry{Name: "", Kind: KindModule, Fn: echoEntry("x", KindModule).Fn}))
	require.Error(t, err)

	_, err = New(WithEntry(Entry{Name: "x.y", Kind: "wheel", Fn: echoEntry("x", KindModule).Fn}))
	require.Error(t, err)

	_, err = New(WithEntry(Entry{Name: "x.y", Kind: KindModule}))
	require.Error(t, err)

	bad := echoEntry("x.y", KindModule)
	bad.Params = append(bad.Params, Param{Name: "text"})
	_, err = New(WithEntry(bad))
	require.Error(t, err)
}

func TestNew_AvailabilityCheckedOnce(t *testing.T) {
	calls := 0
	e := echoEntry("grub.conf", KindModule)
	e.Available = func() bool {
		calls++
		return false
	}

	reg, err := New(WithEntry(e))
	require.NoError(t, err)
	assert.False(t, reg.Has(KindModule, "grub.conf"))
	assert.Equal(t, []string{"module:grub.conf"}, reg.Skipped())
	assert.Equal(t, 1, calls)
}

// --- 调用 ---

func TestInvoke_BindsAndDropsUnknownKwargs(t *testing.T) {
	reg, err := New(WithEntry(echoEntry("test.echo", KindModule)))
	require.NoError(t, err)

	out, err := reg.Invoke(context.Background(), KindModule, "test.echo", nil,
		[]any{"hi"}, map[string]any{"bogus": true})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"text": "hi", "count": 1}, out)
}

func TestInvoke_UnknownFunction(t *testing.T) {
	reg, err := New()
	require.NoError(t, err)

	_, err = reg.Invoke(context.Background(), KindRunner, "nope.nope", nil, nil, nil)
	assert.ErrorIs(t, err, ErrUnknownFunction)
}

func TestRecoverMiddleware(t *testing.T) {
	reg, err := New(
		WithMiddleware(RecoverMiddleware()),
		WithEntry(Entry{
			Name: "test.panic",
			Kind: KindRunner,
			Fn: func(context.Context, *Context, *Call) (any, error) {
				panic("boom")
			},
		}),
	)
	require.NoError(t, err)

	_, err = reg.Invoke(context.Background(), KindRunner, "test.panic", NewContext("test.panic"), nil, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")
}

// --- Bind ---

func TestBind(t *testing.T) {
	e := echoEntry("test.echo", KindModule)

	call, err := Bind(&e, []any{"a", 3}, nil)
	require.NoError(t, err)
	assert.Equal(t, "a", call.String("text"))
	n, err := call.Int("count")
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	_, err = Bind(&e, nil, nil)
	assert.ErrorIs(t, err, ErrBadArguments, "missing required")

	_, err = Bind(&e, []any{"a", 1, 2}, nil)
	assert.ErrorIs(t, err, ErrBadArguments, "too many positional")

	_, err = Bind(&e, []any{"a"}, map[string]any{"text": "b"})
	assert.ErrorIs(t, err, ErrBadArguments, "duplicate value")

	call, err = Bind(&e, nil, map[string]any{"text": "kw", "zzz": 1, "aaa": 2})
	require.NoError(t, err)
	assert.Equal(t, []string{"aaa", "zzz"}, call.Dropped)
}

func TestBind_VarArgsAndKwargs(t *testing.T) {
	e := Entry{Name: "test.arg", Kind: KindRunner, VarArgs: true, VarKwargs: true,
		Fn: func(context.Context, *Context, *Call) (any, error) { return nil, nil }}

	call, err := Bind(&e, []any{"foo", 1}, map[string]any{"bar": false})
	require.NoError(t, err)
	assert.Equal(t, []any{"foo", 1}, call.Extra)
	assert.Equal(t, map[string]any{"bar": false}, call.ExtraKwargs)
	assert.Empty(t, call.Dropped)
}

func TestBind_KeywordOnly(t *testing.T) {
	e := Entry{Name: "test.arg", Kind: KindRunner, VarArgs: true,
		Params: []Param{{Name: "quuz", Default: "on", KeywordOnly: true}},
		Fn:     func(context.Context, *Context, *Call) (any, error) { return nil, nil }}

	call, err := Bind(&e, []any{"foo"}, nil)
	require.NoError(t, err)
	assert.Equal(t, []any{"foo"}, call.Extra)
	assert.Equal(t, "on", call.Get("quuz"))

	call, err = Bind(&e, nil, map[string]any{"quuz": "off"})
	require.NoError(t, err)
	assert.Equal(t, "off", call.Get("quuz"))
}

func TestCall_Conversions(t *testing.T) {
	call := &Call{Named: map[string]any{
		"secs":  2,
		"str":   "1.5",
		"dur":   "250ms",
		"flag":  "true",
		"float": float64(4),
		"bad":   []any{},
	}}

	d, err := call.Duration("secs")
	require.NoError(t, err)
	assert.Equal(t, 2*time.Second, d)

	d, err = call.Duration("str")
	require.NoError(t, err)
	assert.Equal(t, 1500*time.Millisecond, d)

	d, err = call.Duration("dur")
	require.NoError(t, err)
	assert.Equal(t, 250*time.Millisecond, d)

	assert.True(t, call.Bool("flag"))
	n, err := call.Int("float")
	require.NoError(t, err)
	assert.Equal(t, 4, n)

	_, err = call.Int("bad")
	assert.True(t, errors.Is(err, ErrBadArguments))
	assert.Equal(t, "", call.String("missing"))
	assert.Equal(t, "2", call.String("secs"))
}

// --- Context ---

func TestContext_CacheAndEmit(t *testing.T) {
	var tags []string
	rc := NewContext("test.stream",
		WithJID("1"),
		WithEmitter(func(tag string, _ map[string]any) { tags = append(tags, tag) }),
	)

	_, ok := rc.CacheGet("k")
	assert.False(t, ok)
	rc.CacheSet("k", 1)
	v, ok := rc.CacheGet("k")
	assert.True(t, ok)
	assert.Equal(t, 1, v)

	rc.Emit("run/1/progress", nil)
	assert.Equal(t, []string{"run/1/progress"}, tags)

	NewContext("x").Emit("ignored", nil)
	assert.NotNil(t, rc.Logger())
}
