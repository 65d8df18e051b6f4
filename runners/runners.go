package runners

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/BaSui01/minionflow/event"
	"github.com/BaSui01/minionflow/jobs"
	"github.com/BaSui01/minionflow/registry"
	"github.com/BaSui01/minionflow/registry/modules"
	"github.com/BaSui01/minionflow/transport"
)

// Deps are the master components runner functions read from.
type Deps struct {
	Ledger  jobs.Ledger
	Channel transport.Channel
}

// Builtins returns every built-in runner function.
func Builtins(d Deps) []registry.Entry {
	entries := []registry.Entry{
		argEntry(),
		modules.SleepEntry(registry.KindRunner),
		streamEntry(),
	}
	if d.Ledger != nil {
		entries = append(entries, listJobsEntry(d.Ledger), lookupJIDEntry(d.Ledger), activeEntry(d.Ledger))
	}
	if d.Channel != nil {
		entries = append(entries, manageEntries(d.Channel)...)
		entries = append(entries, sendEventEntry(d.Channel))
	}
	return entries
}

// =============================================================================
// 🧪 test.*
// =============================================================================

func argEntry() registry.Entry {
	return registry.Entry{
		Name:      "test.arg",
		Kind:      registry.KindRunner,
		Doc:       "Return the positional and keyword arguments passed in.",
		Params:    []registry.Param{{Name: "quuz", Default: "on", KeywordOnly: true}},
		VarArgs:   true,
		VarKwargs: true,
		Fn: func(_ context.Context, _ *registry.Context, call *registry.Call) (any, error) {
			args := call.Extra
			if args == nil {
				args = []any{}
			}
			kwargs := make(map[string]any, len(call.ExtraKwargs)+1)
			for k, v := range call.ExtraKwargs {
				kwargs[k] = v
			}
			kwargs["quuz"] = call.Get("quuz")
			return map[string]any{"args": args, "kwargs": kwargs}, nil
		},
	}
}

func streamEntry() registry.Entry {
	return registry.Entry{
		Name: "test.stream",
		Kind: registry.KindRunner,
		Doc:  "Fire count progress events, interval seconds apart.",
		Params: []registry.Param{
			{Name: "count", Default: 3},
			{Name: "interval", Default: 0},
		},
		Fn: func(ctx context.Context, rc *registry.Context, call *registry.Call) (any, error) {
			n, err := call.Int("count")
			if err != nil {
				return nil, err
			}
			every, err := call.Duration("interval")
			if err != nil {
				return nil, err
			}
			for i := 1; i <= n; i++ {
				rc.Emit(event.RunProgressTag(rc.JID, ""), map[string]any{
					"message": fmt.Sprintf("step %d of %d", i, n),
					"step":    i,
				})
				if every > 0 && i < n {
					select {
					case <-time.After(every):
					case <-ctx.Done():
						return nil, ctx.Err()
					}
				}
			}
			return true, nil
		},
	}
}

// =============================================================================
// 📒 jobs.*
// =============================================================================

func listJobsEntry(ledger jobs.Ledger) registry.Entry {
	return registry.Entry{
		Name: "jobs.list_jobs",
		Kind: registry.KindRunner,
		Doc:  "List recorded jobs, optionally filtered by function glob, target, user and start time window.",
		Params: []registry.Param{
			{Name: "search_function", Default: ""},
			{Name: "search_target", Default: ""},
			{Name: "search_user", Default: ""},
			{Name: "start_time", Default: ""},
			{Name: "end_time", Default: ""},
			{Name: "limit", Default: 0},
		},
		Fn: func(ctx context.Context, _ *registry.Context, call *registry.Call) (any, error) {
			f := jobs.Filter{
				Function: call.String("search_function"),
				Target:   call.String("search_target"),
				User:     call.String("search_user"),
			}
			var err error
			if f.Since, err = parseTime(call.String("start_time")); err != nil {
				return nil, err
			}
			if f.Until, err = parseTime(call.String("end_time")); err != nil {
				return nil, err
			}
			if f.Limit, err = call.Int("limit"); err != nil {
				return nil, err
			}
			list, err := ledger.List(ctx, f)
			if err != nil {
				return nil, err
			}
			out := make(map[string]any, len(list))
			for _, j := range list {
				out[j.JID] = Summary(j)
			}
			return out, nil
		},
	}
}

func lookupJIDEntry(ledger jobs.Ledger) registry.Entry {
	return registry.Entry{
		Name:   "jobs.lookup_jid",
		Kind:   registry.KindRunner,
		Doc:    "Return the per-minion results of one job.",
		Params: []registry.Param{{Name: "jid", Required: true}},
		Fn: func(ctx context.Context, _ *registry.Context, call *registry.Call) (any, error) {
			jid := call.String("jid")
			job, err := ledger.Get(ctx, jid)
			if errors.Is(err, jobs.ErrJobNotFound) {
				return map[string]any{}, nil
			}
			if err != nil {
				return nil, err
			}
			out := make(map[string]any, len(job.Returns))
			for id, r := range job.Returns {
				out[id] = r.Return
			}
			return out, nil
		},
	}
}

func activeEntry(ledger jobs.Ledger) registry.Entry {
	return registry.Entry{
		Name: "jobs.active",
		Kind: registry.KindRunner,
		Doc:  "List jobs still waiting for minion returns.",
		Fn: func(ctx context.Context, _ *registry.Context, _ *registry.Call) (any, error) {
			list, err := ledger.List(ctx, jobs.Filter{ActiveOnly: true})
			if err != nil {
				return nil, err
			}
			out := make(map[string]any, len(list))
			for _, j := range list {
				s := Summary(j)
				s["Running"] = j.Pending()
				s["Returned"] = returnedMinions(j)
				out[j.JID] = s
			}
			return out, nil
		},
	}
}

// Summary is the job listing shape shared by the runner and the HTTP API.
func Summary(j *jobs.Job) map[string]any {
	args := j.Args
	if args == nil {
		args = []any{}
	}
	return map[string]any{
		"Function":    j.Function,
		"Arguments":   args,
		"Target":      j.Target,
		"Target-type": j.TargetType,
		"User":        j.User,
		"StartTime":   j.CreatedAt.UTC().Format(time.RFC3339),
		"Minions":     j.Minions,
	}
}

func returnedMinions(j *jobs.Job) []string {
	out := make([]string, 0, len(j.Returns))
	for _, m := range j.Minions {
		if _, ok := j.Returns[m]; ok {
			out = append(out, m)
		}
	}
	return out
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02 15:04:05", "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("%w: cannot parse time %q", registry.ErrBadArguments, s)
}
