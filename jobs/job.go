package jobs

import (
	"sort"
	"time"

	"github.com/bmatcuk/doublestar/v4"
)

// RunnerMinion is the minion id under which a runner job's single
// result is recorded.
const RunnerMinion = "master"

// Job is the ledger's view of one dispatched request.
type Job struct {
	JID        string            `json:"jid"`
	Function   string            `json:"fun"`
	Args       []any             `json:"arg"`
	Kwargs     map[string]any    `json:"kwarg,omitempty"`
	User       string            `json:"user"`
	Target     string            `json:"tgt,omitempty"`
	TargetType string            `json:"tgt_type,omitempty"`
	Mode       string            `json:"mode"`
	Minions    []string          `json:"minions"`
	Returns    map[string]Return `json:"returns"`
	Completed  bool              `json:"completed"`
	CreatedAt  time.Time         `json:"created_at"`
}

// Return is one minion's result.
type Return struct {
	Minion     string    `json:"id"`
	Return     any       `json:"return"`
	Success    bool      `json:"success"`
	Retcode    int       `json:"retcode"`
	ReceivedAt time.Time `json:"received_at"`
}

// Pending lists expected minions that have not returned.
func (j *Job) Pending() []string {
	out := []string{}
	for _, m := range j.Minions {
		if _, ok := j.Returns[m]; !ok {
			out = append(out, m)
		}
	}
	sort.Strings(out)
	return out
}

// allReturned reports whether every expected minion has a result.
func (j *Job) allReturned() bool {
	if len(j.Minions) == 0 {
		return false
	}
	for _, m := range j.Minions {
		if _, ok := j.Returns[m]; !ok {
			return false
		}
	}
	return true
}

// apply records r and flips Completed once every expected minion has
// returned. A repeated return from one minion replaces the earlier one.
func (j *Job) apply(r Return) {
	if j.Returns == nil {
		j.Returns = make(map[string]Return)
	}
	j.Returns[r.Minion] = r
	if j.allReturned() {
		j.Completed = true
	}
}

// Clone copies the job deeply enough that the copy's maps and slices can
// be changed without touching the original.
func (j *Job) Clone() *Job {
	c := *j
	c.Args = append([]any(nil), j.Args...)
	if j.Kwargs != nil {
		c.Kwargs = make(map[string]any, len(j.Kwargs))
		for k, v := range j.Kwargs {
			c.Kwargs[k] = v
		}
	}
	c.Minions = append([]string(nil), j.Minions...)
	c.Returns = make(map[string]Return, len(j.Returns))
	for k, v := range j.Returns {
		c.Returns[k] = v
	}
	return &c
}

// Filter selects jobs for List. Zero fields match everything.
type Filter struct {
	// Function is a glob over function names.
	Function   string
	Target     string
	User       string
	Since      time.Time
	Until      time.Time
	ActiveOnly bool
	// Limit keeps the newest Limit jobs when positive.
	Limit int
}

// Match reports whether j passes the filter.
func (f Filter) Match(j *Job) bool {
	if f.Function != "" {
		if ok, err := doublestar.Match(f.Function, j.Function); err != nil || !ok {
			return false
		}
	}
	if f.Target != "" && f.Target != j.Target {
		return false
	}
	if f.User != "" && f.User != j.User {
		return false
	}
	if !f.Since.IsZero() && j.CreatedAt.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && j.CreatedAt.After(f.Until) {
		return false
	}
	if f.ActiveOnly && j.Completed {
		return false
	}
	return true
}

// applyLimit sorts by jid and keeps the newest limit entries.
func applyLimit(list []*Job, limit int) []*Job {
	sort.Slice(list, func(a, b int) bool { return list[a].JID < list[b].JID })
	if limit > 0 && len(list) > limit {
		list = list[len(list)-limit:]
	}
	return list
}

func sortedKeys(m map[string]Return) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
