package acl

import "strings"

// Request is the part of a job request authorization looks at.
type Request struct {
	Fun        string
	Target     string
	TargetType string
	// Minions is the resolved target set. When empty the selector itself
	// is compared against the rule's target glob.
	Minions []string
	Args    []any
	Kwargs  map[string]any
}

// CheckAuthorization reports whether any entry of the auth list permits
// req. Entries are evaluated in order and the first satisfying one wins.
//
// An entry is either a function expression, which applies on every
// target, or a single-key mapping from a target glob to function
// conditions:
//
//	- test.ping
//	- 'web*':
//	    - pkg.*
//	    - cmd.run:
//	        args: ['ls .*']
//	        kwargs: {cwd: '/tmp'}
//
// Entries whose key starts with "@" belong to runner checks and are
// skipped.
func CheckAuthorization(list []any, req Request) bool {
	for _, entry := range list {
		if s, ok := entry.(string); ok {
			if strings.HasPrefix(s, "@") {
				continue
			}
			if matchExpr(s, req.Fun) {
				return true
			}
			continue
		}
		m, ok := asMap(entry)
		if !ok {
			continue
		}
		valid, conds, ok := singleKey(m)
		if !ok || strings.HasPrefix(valid, "@") {
			continue
		}
		if !targetAllowed(valid, req) {
			continue
		}
		if funCheck(conds, req.Fun, req.Args, req.Kwargs) {
			return true
		}
	}
	return false
}

// targetAllowed requires every targeted minion to fall inside the rule glob.
func targetAllowed(valid string, req Request) bool {
	if valid == "*" {
		return true
	}
	if len(req.Minions) > 0 {
		for _, id := range req.Minions {
			if !matchGlob(valid, id) {
				return false
			}
		}
		return true
	}
	switch req.TargetType {
	case "", "glob":
		return req.Target != "" && matchGlob(valid, req.Target)
	case "list":
		ids := splitList(req.Target)
		if len(ids) == 0 {
			return false
		}
		for _, id := range ids {
			if !matchGlob(valid, id) {
				return false
			}
		}
		return true
	default:
		// 无法在不解析目标的情况下判断其他表达式
		return false
	}
}

// funCheck evaluates the function conditions under one target.
func funCheck(conds any, fun string, args []any, kwargs map[string]any) bool {
	for _, c := range asList(conds) {
		if s, ok := c.(string); ok {
			if matchExpr(s, fun) {
				return true
			}
			continue
		}
		m, ok := asMap(c)
		if !ok {
			continue
		}
		expr, spec, ok := singleKey(m)
		if !ok || !matchExpr(expr, fun) {
			continue
		}
		if argsCheck(spec, args, kwargs) {
			return true
		}
	}
	return false
}

// argsCheck applies positional and keyword patterns. A nil pattern
// requires the argument to be present with any value. Extra positional
// arguments and unlisted keywords are allowed.
func argsCheck(spec any, args []any, kwargs map[string]any) bool {
	m, ok := asMap(spec)
	if !ok {
		return false
	}
	if raw, ok := m["args"]; ok && raw != nil {
		patterns := asList(raw)
		if len(patterns) > len(args) {
			return false
		}
		for i, p := range patterns {
			if p == nil {
				continue
			}
			if !matchExpr(stringify(p), stringify(args[i])) {
				return false
			}
		}
	}
	if raw, ok := m["kwargs"]; ok && raw != nil {
		patterns, ok := asMap(raw)
		if !ok {
			return false
		}
		for key, p := range patterns {
			v, present := kwargs[key]
			if !present {
				return false
			}
			if p == nil {
				continue
			}
			if !matchExpr(stringify(p), stringify(v)) {
				return false
			}
		}
	}
	return true
}

// RunnerCheck authorizes a runner function "mod.fun". Only "@" entries
// apply:
//
//	- '@runner'             every runner
//	- '@jobs'               every function of the jobs runner
//	- '@jobs': [list_jobs]  matched against the bare function name
//	- '@runner': [jobs.*]   matched against the full name
func RunnerCheck(list []any, fun string, args []any, kwargs map[string]any) bool {
	return specCheck(list, "runner", fun, args, kwargs)
}

func specCheck(list []any, form, fun string, args []any, kwargs map[string]any) bool {
	mod, name, ok := strings.Cut(fun, ".")
	if !ok || mod == "" || name == "" || strings.Contains(name, ".") {
		return false
	}
	formKey := "@" + form
	formPlural := formKey + "s"
	for _, entry := range list {
		if s, ok := entry.(string); ok {
			if s == "@"+mod || s == formKey || s == formPlural {
				return true
			}
			continue
		}
		m, ok := asMap(entry)
		if !ok {
			continue
		}
		valid, conds, ok := singleKey(m)
		if !ok || !strings.HasPrefix(valid, "@") {
			continue
		}
		if valid == "@"+mod && funCheck(conds, name, args, kwargs) {
			return true
		}
		if (valid == formKey || valid == formPlural) && funCheck(conds, fun, args, kwargs) {
			return true
		}
	}
	return false
}

// MayCall reports whether some target entry could permit fun with these
// arguments. The target is not consulted, so a false result denies the
// request before any minion is resolved.
func MayCall(list []any, fun string, args []any, kwargs map[string]any) bool {
	for _, entry := range list {
		if s, ok := entry.(string); ok {
			if !strings.HasPrefix(s, "@") && matchExpr(s, fun) {
				return true
			}
			continue
		}
		m, ok := asMap(entry)
		if !ok {
			continue
		}
		valid, conds, ok := singleKey(m)
		if !ok || strings.HasPrefix(valid, "@") {
			continue
		}
		if funCheck(conds, fun, args, kwargs) {
			return true
		}
	}
	return false
}
