package acl

import (
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/bmatcuk/doublestar/v4"
)

// patterns caches compiled, fully anchored expressions. A pattern that
// fails to compile is cached as nil and never matches.
var patterns sync.Map

func compile(expr string) *regexp.Regexp {
	if v, ok := patterns.Load(expr); ok {
		return v.(*regexp.Regexp)
	}
	re, err := regexp.Compile("^(?:" + expr + ")$")
	if err != nil {
		re = nil
	}
	patterns.Store(expr, re)
	return re
}

// matchExpr reports whether value fully matches the regular expression expr.
func matchExpr(expr, value string) bool {
	re := compile(expr)
	return re != nil && re.MatchString(value)
}

// matchGlob matches a shell glob. Exact equality always matches so ids
// containing glob metacharacters can still be named literally.
func matchGlob(pattern, name string) bool {
	if pattern == name {
		return true
	}
	ok, err := doublestar.Match(pattern, name)
	return err == nil && ok
}

// stringify renders an argument value the way patterns see it.
func stringify(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case nil:
		return ""
	default:
		return fmt.Sprint(t)
	}
}

// asMap accepts both map shapes YAML and JSON decoders produce.
func asMap(v any) (map[string]any, bool) {
	switch m := v.(type) {
	case map[string]any:
		return m, true
	case map[any]any:
		out := make(map[string]any, len(m))
		for k, val := range m {
			out[stringify(k)] = val
		}
		return out, true
	default:
		return nil, false
	}
}

// singleKey returns the only key of a one-entry mapping.
func singleKey(m map[string]any) (string, any, bool) {
	if len(m) != 1 {
		return "", nil, false
	}
	for k, v := range m {
		return k, v, true
	}
	return "", nil, false
}

func asList(v any) []any {
	switch t := v.(type) {
	case []any:
		return t
	case []string:
		out := make([]any, len(t))
		for i, s := range t {
			out[i] = s
		}
		return out
	case nil:
		return nil
	default:
		return []any{t}
	}
}

func splitList(target string) []string {
	parts := strings.Split(target, ",")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
