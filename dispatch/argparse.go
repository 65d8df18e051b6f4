package dispatch

import (
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/BaSui01/minionflow/transport"
)

var (
	kwargRe       = regexp.MustCompile(`(?s)^([A-Za-z_][A-Za-z0-9_.-]*)=(.*)$`)
	escapedRe     = regexp.MustCompile(`(?s)^[A-Za-z_][A-Za-z0-9_.-]*\\=`)
	leadingZero   = regexp.MustCompile(`^[+-]?0[0-9]+$`)
	underscoreNum = regexp.MustCompile(`^[+-]?[0-9][0-9_]*(\.[0-9_]*)?$`)
	yamlBoolWord  = map[string]bool{
		"y": true, "yes": true, "on": true, "true": true,
		"n": false, "no": false, "off": false, "false": false,
	}
)

// ParseArgs splits CLI-style positional arguments. A string of the form
// key=value becomes a keyword argument; "key\=value" stays positional with
// the backslash removed. Every string value goes through ParseValue.
func ParseArgs(in []any) ([]any, map[string]any) {
	args := make([]any, 0, len(in))
	kwargs := map[string]any{}
	for _, a := range in {
		s, ok := a.(string)
		if !ok {
			args = append(args, a)
			continue
		}
		if escapedRe.MatchString(s) {
			args = append(args, ParseValue(strings.Replace(s, `\=`, "=", 1)))
			continue
		}
		if m := kwargRe.FindStringSubmatch(s); m != nil {
			kwargs[m[1]] = ParseValue(m[2])
			continue
		}
		args = append(args, ParseValue(s))
	}
	return args, kwargs
}

// ParseValue loads s as a YAML literal when that yields a number, boolean
// or null. A list or mapping is taken only from flow syntax, so s must
// open with "[" or "{". Anything YAML would read as a plain string or a
// timestamp is kept, as are digit runs with a leading zero or with "_"
// separators and unparsable input.
func ParseValue(s string) any {
	if s == "" {
		return s
	}
	if b, ok := yamlBoolWord[strings.ToLower(s)]; ok {
		return b
	}
	if leadingZero.MatchString(s) {
		return s
	}
	if strings.Contains(s, "_") && underscoreNum.MatchString(s) {
		return s
	}
	var v any
	if err := yaml.Unmarshal([]byte(s), &v); err != nil {
		return s
	}
	trimmed := strings.TrimSpace(s)
	switch t := v.(type) {
	case string, time.Time:
		return s
	case map[string]any, map[any]any:
		if !strings.HasPrefix(trimmed, "{") {
			return s
		}
		return normalize(t)
	case []any:
		if !strings.HasPrefix(trimmed, "[") {
			return s
		}
		return normalize(t)
	case nil:
		if s == "~" || strings.EqualFold(s, "null") {
			return nil
		}
		return s
	default:
		return normalize(t)
	}
}

// normalize turns YAML's map[any]any nodes into map[string]any.
func normalize(v any) any {
	switch t := v.(type) {
	case map[string]any:
		for k, x := range t {
			t[k] = normalize(x)
		}
		return t
	case map[any]any:
		out := make(map[string]any, len(t))
		for k, x := range t {
			out[toKey(k)] = normalize(x)
		}
		return out
	case []any:
		for i, x := range t {
			t[i] = normalize(x)
		}
		return t
	default:
		return v
	}
}

func toKey(k any) string {
	if s, ok := k.(string); ok {
		return s
	}
	b, err := yaml.Marshal(k)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(b))
}

// ExtractTarget removes "target" and "tgt_type" from kwargs and returns
// them, defaulting to every minion by glob.
func ExtractTarget(kwargs map[string]any) (any, string) {
	var tgt any = "*"
	typ := transport.TargetGlob
	if v, ok := kwargs["target"]; ok {
		tgt = v
		delete(kwargs, "target")
	}
	if v, ok := kwargs["tgt_type"]; ok {
		if s, ok := v.(string); ok && s != "" {
			typ = s
		}
		delete(kwargs, "tgt_type")
	}
	return tgt, typ
}
