package auth

import (
	"context"
	"errors"
	"sort"
)

var (
	// ErrInvalidCredentials means the backend rejected the credentials.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrBackendUnavailable means the backend could not be consulted.
	ErrBackendUnavailable = errors.New("auth backend unavailable")
)

// Backend verifies credentials for one eauth name.
type Backend interface {
	// Name is the eauth name requests use to select this backend.
	Name() string
	// Params lists the credential keys the backend accepts. Anything else
	// in a request is dropped before Authenticate is called.
	Params() []string
	// Authenticate resolves the credentials to a principal.
	Authenticate(ctx context.Context, creds map[string]any) (Principal, error)
	// Groups returns the groups of a user, or nil.
	Groups(ctx context.Context, name string) ([]string, error)
}

// Principal is what a backend resolved credentials to. Groups may be nil,
// in which case the backend's Groups method is consulted.
type Principal struct {
	Name   string
	Groups []string
}

// filterParams keeps only the keys a backend declared.
func filterParams(b Backend, creds map[string]any) map[string]any {
	out := make(map[string]any, len(creds))
	for _, p := range b.Params() {
		if v, ok := creds[p]; ok {
			out[p] = v
		}
	}
	return out
}

// Backends is a lookup table of eauth backends by name.
type Backends map[string]Backend

// NewBackends indexes backends by Name.
func NewBackends(bs ...Backend) Backends {
	out := make(Backends, len(bs))
	for _, b := range bs {
		out[b.Name()] = b
	}
	return out
}

// Names returns the sorted backend names.
func (b Backends) Names() []string {
	out := make([]string, 0, len(b))
	for n := range b {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// GroupsFor looks up the groups of name in the eauth backend. Unknown
// backends have no groups.
func (b Backends) GroupsFor(ctx context.Context, eauth, name string) ([]string, error) {
	be, ok := b[eauth]
	if !ok {
		return nil, nil
	}
	return be.Groups(ctx, name)
}
