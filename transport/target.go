package transport

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// Target types understood by minions. Nodegroups are expanded by the
// master before publishing.
const (
	TargetGlob      = "glob"
	TargetList      = "list"
	TargetPCRE      = "pcre"
	TargetNodegroup = "nodegroup"
)

// Target selects minions by id.
type Target struct {
	Expr string   `json:"tgt"`
	List []string `json:"list,omitempty"`
	Type string   `json:"tgt_type"`
}

// AllMinions targets every minion.
var AllMinions = Target{Expr: "*", Type: TargetGlob}

// NewTarget builds a target from a selector that is either a string or a
// list of ids. An empty type means glob, or list for list selectors.
func NewTarget(expr any, typ string) (Target, error) {
	switch v := expr.(type) {
	case nil:
		if typ == "" {
			typ = TargetGlob
		}
		return Target{Expr: "*", Type: typ}, nil
	case string:
		if typ == "" {
			typ = TargetGlob
		}
		t := Target{Expr: v, Type: typ}
		if typ == TargetList {
			t.List = splitIDs(v)
		}
		return t, t.Validate()
	case []string:
		return Target{Expr: strings.Join(v, ","), List: v, Type: TargetList}, nil
	case []any:
		ids := make([]string, 0, len(v))
		for _, x := range v {
			s, ok := x.(string)
			if !ok {
				return Target{}, fmt.Errorf("target list entries must be strings, got %T", x)
			}
			ids = append(ids, s)
		}
		return Target{Expr: strings.Join(ids, ","), List: ids, Type: TargetList}, nil
	default:
		return Target{}, fmt.Errorf("unsupported target %T", expr)
	}
}

func splitIDs(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Validate checks that the expression compiles for its type.
func (t Target) Validate() error {
	switch t.Type {
	case TargetGlob, "":
		if !doublestar.ValidatePattern(t.Expr) {
			return fmt.Errorf("invalid glob target %q", t.Expr)
		}
	case TargetList:
	case TargetPCRE:
		if _, err := regexp.Compile(t.Expr); err != nil {
			return fmt.Errorf("invalid pcre target %q: %w", t.Expr, err)
		}
	case TargetNodegroup:
		if t.Expr == "" {
			return fmt.Errorf("empty nodegroup name")
		}
	default:
		return fmt.Errorf("unsupported target type %q", t.Type)
	}
	return nil
}

// Match reports whether the minion id is selected. Nodegroup targets never
// match; they must be expanded first.
func (t Target) Match(id string) bool {
	switch t.Type {
	case TargetGlob, "":
		if t.Expr == "*" {
			return true
		}
		ok, err := doublestar.Match(t.Expr, id)
		return err == nil && ok
	case TargetList:
		ids := t.List
		if ids == nil {
			ids = splitIDs(t.Expr)
		}
		for _, x := range ids {
			if x == id {
				return true
			}
		}
		return false
	case TargetPCRE:
		re, err := regexp.Compile("^(?:" + t.Expr + ")")
		return err == nil && re.MatchString(id)
	default:
		return false
	}
}

// Filter returns the sorted ids the target selects.
func (t Target) Filter(ids []string) []string {
	out := []string{}
	seen := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		if t.Match(id) {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

func (t Target) String() string {
	return t.Type + ":" + t.Expr
}
