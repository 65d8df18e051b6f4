package acl

import (
	"sort"
	"strings"
)

// FillAuthList collects the rules of one eauth section that apply to a
// user. Keys ending in "%" name groups. The "*" key applies to users no
// other key matched, or to everyone when permissive is set.
func FillAuthList(section map[string][]any, name string, groups []string, permissive bool) []any {
	keys := make([]string, 0, len(section))
	for k := range section {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	inGroup := make(map[string]struct{}, len(groups))
	for _, g := range groups {
		inGroup[g] = struct{}{}
	}

	list := []any{}
	matched := false
	for _, k := range keys {
		switch {
		case k == "*":
			if permissive {
				list = append(list, section[k]...)
			}
		case strings.HasSuffix(k, "%"):
			if _, ok := inGroup[strings.TrimRight(k, "%")]; ok {
				list = append(list, section[k]...)
			}
		case matchGlob(k, name):
			matched = true
			list = append(list, section[k]...)
		}
	}
	if !permissive && !matched {
		list = append(list, section["*"]...)
	}
	return list
}
