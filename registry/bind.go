package registry

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"
)

var (
	// ErrUnknownFunction is returned when a name is not registered.
	ErrUnknownFunction = errors.New("unknown function")
	// ErrBadArguments is returned when arguments cannot be bound.
	ErrBadArguments = errors.New("invalid arguments")
)

// Call holds arguments bound to a function's declared parameters.
type Call struct {
	// Named holds declared parameters, defaults filled in.
	Named map[string]any
	// Extra holds positional arguments past the declared ones (VarArgs).
	Extra []any
	// ExtraKwargs holds undeclared keyword arguments (VarKwargs).
	ExtraKwargs map[string]any
	// Dropped lists undeclared keyword names that were ignored.
	Dropped []string
}

// Bind maps positional and keyword arguments onto e's parameters.
// Undeclared keywords are dropped unless the entry accepts them.
func Bind(e *Entry, args []any, kwargs map[string]any) (*Call, error) {
	call := &Call{
		Named:       make(map[string]any, len(e.Params)),
		ExtraKwargs: map[string]any{},
	}

	positional := make([]string, 0, len(e.Params))
	for _, p := range e.Params {
		if !p.KeywordOnly {
			positional = append(positional, p.Name)
		}
	}
	for i, a := range args {
		if i < len(positional) {
			call.Named[positional[i]] = a
			continue
		}
		if !e.VarArgs {
			return nil, fmt.Errorf("%w: %s takes at most %d positional arguments (%d given)",
				ErrBadArguments, e.Name, len(positional), len(args))
		}
		call.Extra = append(call.Extra, a)
	}

	declared := make(map[string]struct{}, len(e.Params))
	for _, p := range e.Params {
		declared[p.Name] = struct{}{}
	}

	keys := make([]string, 0, len(kwargs))
	for k := range kwargs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		v := kwargs[k]
		if _, ok := declared[k]; ok {
			if _, dup := call.Named[k]; dup {
				return nil, fmt.Errorf("%w: %s got multiple values for %q", ErrBadArguments, e.Name, k)
			}
			call.Named[k] = v
			continue
		}
		if e.VarKwargs {
			call.ExtraKwargs[k] = v
			continue
		}
		call.Dropped = append(call.Dropped, k)
	}

	for _, p := range e.Params {
		if _, ok := call.Named[p.Name]; ok {
			continue
		}
		if p.Required {
			return nil, fmt.Errorf("%w: %s missing required argument %q", ErrBadArguments, e.Name, p.Name)
		}
		call.Named[p.Name] = p.Default
	}

	return call, nil
}

// Get returns a bound parameter value.
func (c *Call) Get(name string) any {
	return c.Named[name]
}

// String returns a parameter as a string. Non-string scalars are formatted.
func (c *Call) String(name string) string {
	switch v := c.Named[name].(type) {
	case nil:
		return ""
	case string:
		return v
	default:
		return fmt.Sprint(v)
	}
}

// Int returns a parameter as an int.
func (c *Call) Int(name string) (int, error) {
	switch v := c.Named[name].(type) {
	case int:
		return v, nil
	case int64:
		return int(v), nil
	case float64:
		return int(v), nil
	case string:
		n, err := strconv.Atoi(v)
		if err != nil {
			return 0, fmt.Errorf("%w: %q is not an integer", ErrBadArguments, name)
		}
		return n, nil
	case nil:
		return 0, nil
	default:
		return 0, fmt.Errorf("%w: %q has type %T", ErrBadArguments, name, v)
	}
}

// Bool returns a parameter as a bool.
func (c *Call) Bool(name string) bool {
	switch v := c.Named[name].(type) {
	case bool:
		return v
	case string:
		b, _ := strconv.ParseBool(v)
		return b
	default:
		return false
	}
}

// Duration reads a parameter given as seconds or a Go duration string.
func (c *Call) Duration(name string) (time.Duration, error) {
	switch v := c.Named[name].(type) {
	case int:
		return time.Duration(v) * time.Second, nil
	case int64:
		return time.Duration(v) * time.Second, nil
	case float64:
		return time.Duration(v * float64(time.Second)), nil
	case string:
		if d, err := time.ParseDuration(v); err == nil {
			return d, nil
		}
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return 0, fmt.Errorf("%w: %q is not a duration", ErrBadArguments, name)
		}
		return time.Duration(f * float64(time.Second)), nil
	case nil:
		return 0, nil
	default:
		return 0, fmt.Errorf("%w: %q has type %T", ErrBadArguments, name, v)
	}
}
