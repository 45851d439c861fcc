package host

import (
	"context"
	"sort"
	"sync"
)

// Resolver looks up the identity for a host alias.
// An unknown alias yields ok == false and a nil error.
type Resolver interface {
	Resolve(ctx context.Context, alias string) (id *Identity, ok bool, err error)
}

// ResolverFunc adapts a function to Resolver
type ResolverFunc func(ctx context.Context, alias string) (*Identity, bool, error)

func (f ResolverFunc) Resolve(ctx context.Context, alias string) (*Identity, bool, error) {
	return f(ctx, alias)
}

// StaticResolver serves identities from an in-memory table.
// Every Resolve returns a fresh clone, so consumers may clear secrets freely.
type StaticResolver struct {
	mu    sync.RWMutex
	hosts map[string]*Identity
}

// NewStaticResolver creates a resolver over the given alias table
func NewStaticResolver(hosts map[string]*Identity) *StaticResolver {
	r := &StaticResolver{hosts: make(map[string]*Identity, len(hosts))}
	for alias, id := range hosts {
		r.hosts[alias] = id.Clone()
	}
	return r
}

func (r *StaticResolver) Resolve(_ context.Context, alias string) (*Identity, bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	id, ok := r.hosts[alias]
	if !ok {
		return nil, false, nil
	}
	return id.Clone(), true, nil
}

// Put adds or replaces an alias
func (r *StaticResolver) Put(alias string, id *Identity) {
	r.mu.Lock()
	r.hosts[alias] = id.Clone()
	r.mu.Unlock()
}

// Aliases lists the known aliases in sorted order
func (r *StaticResolver) Aliases() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.hosts))
	for alias := range r.hosts {
		out = append(out, alias)
	}
	sort.Strings(out)
	return out
}

// Chain asks each resolver in order and returns the first hit
type Chain []Resolver

func (c Chain) Resolve(ctx context.Context, alias string) (*Identity, bool, error) {
	for _, r := range c {
		id, ok, err := r.Resolve(ctx, alias)
		if err != nil {
			return nil, false, err
		}
		if ok {
			return id, true, nil
		}
	}
	return nil, false, nil
}
