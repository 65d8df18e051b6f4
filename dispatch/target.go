package dispatch

import (
	"fmt"
	"strings"

	"github.com/BaSui01/minionflow/transport"
)

// maxNodegroupDepth bounds N@ recursion between nodegroups.
const maxNodegroupDepth = 8

// Nodegroups maps group names to compound expressions such as
// "L@web1,web2 or E@db[0-9]+". Terms are joined with "or"; a bare term is
// a glob and N@name includes another group.
type Nodegroups map[string]string

// Expand resolves a nodegroup target into terms the minions understand.
// Other targets are returned unchanged.
func (n Nodegroups) Expand(t transport.Target) ([]transport.Target, error) {
	if t.Type != transport.TargetNodegroup {
		return []transport.Target{t}, nil
	}
	return n.expand(t.Expr, 0)
}

func (n Nodegroups) expand(name string, depth int) ([]transport.Target, error) {
	if depth > maxNodegroupDepth {
		return nil, fmt.Errorf("nodegroup %q nests too deep", name)
	}
	expr, ok := n[name]
	if !ok {
		return nil, fmt.Errorf("unknown nodegroup %q", name)
	}
	var out []transport.Target
	for _, term := range strings.Fields(expr) {
		if strings.EqualFold(term, "or") {
			continue
		}
		switch {
		case strings.HasPrefix(term, "L@"):
			t, err := transport.NewTarget(term[2:], transport.TargetList)
			if err != nil {
				return nil, err
			}
			out = append(out, t)
		case strings.HasPrefix(term, "E@"):
			t, err := transport.NewTarget(term[2:], transport.TargetPCRE)
			if err != nil {
				return nil, err
			}
			out = append(out, t)
		case strings.HasPrefix(term, "N@"):
			sub, err := n.expand(term[2:], depth+1)
			if err != nil {
				return nil, err
			}
			out = append(out, sub...)
		case len(term) > 2 && term[1] == '@':
			return nil, fmt.Errorf("nodegroup %q: unsupported matcher %q", name, term[:2])
		default:
			t, err := transport.NewTarget(term, transport.TargetGlob)
			if err != nil {
				return nil, err
			}
			out = append(out, t)
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("nodegroup %q is empty", name)
	}
	return out, nil
}

// matchAny filters ids through the union of terms, keeping input order.
func matchAny(terms []transport.Target, ids []string) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		for _, t := range terms {
			if t.Match(id) {
				out = append(out, id)
				break
			}
		}
	}
	return out
}
