// Package modules holds the execution modules a minion can run.
package modules

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/BaSui01/minionflow/registry"
)

// ErrNoLauncher is returned by process-backed modules without a launcher.
var ErrNoLauncher = errors.New("no process launcher configured")

// Builtins returns every built-in execution module.
func Builtins() []registry.Entry {
	return []registry.Entry{
		{
			Name: "test.ping",
			Kind: registry.KindModule,
			Doc:  "Return true.",
			Fn: func(context.Context, *registry.Context, *registry.Call) (any, error) {
				return true, nil
			},
		},
		{
			Name:   "test.echo",
			Kind:   registry.KindModule,
			Doc:    "Return the text unchanged.",
			Params: []registry.Param{{Name: "text", Required: true}},
			Fn: func(_ context.Context, _ *registry.Context, call *registry.Call) (any, error) {
				return call.Get("text"), nil
			},
		},
		ArgEntry(registry.KindModule),
		SleepEntry(registry.KindModule),
		{
			Name:   "test.fail",
			Kind:   registry.KindModule,
			Doc:    "Always fail with the given message.",
			Params: []registry.Param{{Name: "message", Default: "failure requested"}},
			Fn: func(_ context.Context, _ *registry.Context, call *registry.Call) (any, error) {
				return nil, errors.New(call.String("message"))
			},
		},
		{
			Name: "cmd.run",
			Kind: registry.KindModule,
			Doc:  "Run a shell command and return its stdout.",
			Params: []registry.Param{
				{Name: "cmd", Required: true},
				{Name: "cwd", Default: ""},
				{Name: "stdin", Default: ""},
				{Name: "env", Default: nil},
			},
			Fn: func(ctx context.Context, rc *registry.Context, call *registry.Call) (any, error) {
				res, err := runShell(ctx, rc, call)
				if err != nil {
					return nil, err
				}
				return res.Stdout, nil
			},
			Available: shellAvailable,
		},
		{
			Name: "cmd.run_all",
			Kind: registry.KindModule,
			Doc:  "Run a shell command and return stdout, stderr and retcode.",
			Params: []registry.Param{
				{Name: "cmd", Required: true},
				{Name: "cwd", Default: ""},
				{Name: "stdin", Default: ""},
				{Name: "env", Default: nil},
			},
			Fn: func(ctx context.Context, rc *registry.Context, call *registry.Call) (any, error) {
				return runShell(ctx, rc, call)
			},
			Available: shellAvailable,
		},
	}
}

// ArgEntry echoes its positional and keyword arguments back.
func ArgEntry(kind registry.Kind) registry.Entry {
	return registry.Entry{
		Name:      "test.arg",
		Kind:      kind,
		Doc:       "Return the positional and keyword arguments passed in.",
		VarArgs:   true,
		VarKwargs: true,
		Fn: func(_ context.Context, _ *registry.Context, call *registry.Call) (any, error) {
			args := call.Extra
			if args == nil {
				args = []any{}
			}
			return map[string]any{"args": args, "kwargs": call.ExtraKwargs}, nil
		},
	}
}

// SleepEntry sleeps for the requested number of seconds.
func SleepEntry(kind registry.Kind) registry.Entry {
	return registry.Entry{
		Name:   "test.sleep",
		Kind:   kind,
		Doc:    "Sleep for length seconds and return true.",
		Params: []registry.Param{{Name: "length", Default: 1}},
		Fn: func(ctx context.Context, _ *registry.Context, call *registry.Call) (any, error) {
			d, err := call.Duration("length")
			if err != nil {
				return nil, err
			}
			t := time.NewTimer(d)
			defer t.Stop()
			select {
			case <-t.C:
				return true, nil
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		},
	}
}

func runShell(ctx context.Context, rc *registry.Context, call *registry.Call) (*registry.ProcessResult, error) {
	l := rc.Launcher()
	if l == nil {
		return nil, ErrNoLauncher
	}
	var env []string
	if m, ok := call.Get("env").(map[string]any); ok {
		for k, v := range m {
			env = append(env, fmt.Sprintf("%s=%v", k, v))
		}
	}
	return l.Launch(ctx, registry.Command{
		Path:  "/bin/sh",
		Args:  []string{"-c", call.String("cmd")},
		Env:   env,
		Dir:   call.String("cwd"),
		Stdin: call.String("stdin"),
	})
}

func shellAvailable() bool {
	_, err := os.Stat("/bin/sh")
	return err == nil
}
