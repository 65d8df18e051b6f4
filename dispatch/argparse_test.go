package dispatch

import (
	"strings"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"pgregory.net/rapid"
)

func TestParseValue(t *testing.T) {
	tests := []struct {
		in   string
		want any
	}{
		{"", ""},
		{"foo", "foo"},
		{"off", false},
		{"Yes", true},
		{"true", true},
		{"123", 123},
		{"1.5", 1.5},
		{"0755", "0755"},
		{"~", nil},
		{"[1, two]", []any{1, "two"}},
		{"{qux: 123}", map[string]any{"qux": 123}},
		{"{1: a}", map[string]any{"1": "a"}},
		{"{unclosed", "{unclosed"},
		{"'quoted'", "'quoted'"},
		{"a: b: c", "a: b: c"},
		{"echo a: b", "echo a: b"},
		{"- item", "- item"},
		{"key: [1, 2]", "key: [1, 2]"},
		{" [1]", []any{1}},
		{"2024-01-01", "2024-01-01"},
		{"2024-01-01T10:00:00Z", "2024-01-01T10:00:00Z"},
		{"1_000", "1_000"},
		{"1_000.5", "1_000.5"},
		{"-7", -7},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, ParseValue(tt.in))
		})
	}
}

func TestParseArgs(t *testing.T) {
	args, kwargs := ParseArgs([]any{"foo", "bar=off", "baz={qux: 123}", `path\=/tmp`, 7, "x=a=b"})
	assert.Equal(t, []any{"foo", "path=/tmp", 7}, args)
	assert.Equal(t, map[string]any{
		"bar": false,
		"baz": map[string]any{"qux": 123},
		"x":   "a=b",
	}, kwargs)
}

func TestParseArgs_ShellTextStaysString(t *testing.T) {
	args, kwargs := ParseArgs([]any{"cmd=echo a: b", "- item"})
	assert.Equal(t, []any{"- item"}, args)
	assert.Equal(t, map[string]any{"cmd": "echo a: b"}, kwargs)
}

func TestParseArgs_NotAKeyword(t *testing.T) {
	args, kwargs := ParseArgs([]any{"1a=b", "ls -l --color=auto"})
	assert.Equal(t, []any{"1a=b", "ls -l --color=auto"}, args)
	assert.Empty(t, kwargs)
}

func TestExtractTarget(t *testing.T) {
	kw := map[string]any{"target": "web*", "tgt_type": "pcre", "other": 1}
	tgt, typ := ExtractTarget(kw)
	assert.Equal(t, "web*", tgt)
	assert.Equal(t, "pcre", typ)
	assert.Equal(t, map[string]any{"other": 1}, kw)

	tgt, typ = ExtractTarget(map[string]any{})
	assert.Equal(t, "*", tgt)
	assert.Equal(t, "glob", typ)
}

// Plain words without "=" or YAML syntax stay positional strings.
func TestParseArgs_PlainWordsProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		words := rapid.SliceOf(rapid.StringMatching(`[a-z][a-z ]{0,10}[a-z]`)).Draw(t, "words")
		in := make([]any, len(words))
		for i, w := range words {
			in[i] = w
		}
		args, kwargs := ParseArgs(in)
		if len(kwargs) != 0 {
			t.Fatalf("unexpected kwargs %v", kwargs)
		}
		if len(args) != len(words) {
			t.Fatalf("got %d args, want %d", len(args), len(words))
		}
		for i, a := range args {
			if a == nil && strings.EqualFold(words[i], "null") {
				continue
			}
			if b, ok := a.(bool); ok {
				if _, word := yamlBoolWord[strings.ToLower(words[i])]; !word {
					t.Fatalf("%q parsed as bool %v", words[i], b)
				}
				continue
			}
			if a != words[i] {
				t.Fatalf("%q became %#v", words[i], a)
			}
		}
	})
}

func TestParseArgs_KeywordSplitProperty(t *testing.T) {
	properties := gopter.NewProperties(nil)
	properties.Property("key=value always lands in kwargs under key", prop.ForAll(
		func(key, value string) bool {
			args, kwargs := ParseArgs([]any{key + "=" + value})
			_, ok := kwargs[key]
			return ok && len(args) == 0
		},
		gen.RegexMatch(`[a-z_][a-z0-9_]{0,8}`),
		gen.AlphaString(),
	))
	properties.TestingRun(t)
}
