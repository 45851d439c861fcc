package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/alitto/pond/v2"
	"go.uber.org/zap"

	"sshpool/internal/events"
	"sshpool/internal/failure"
	"sshpool/internal/host"
	"sshpool/internal/logging"
	"sshpool/internal/transport"
)

// ErrIdentityCleared is returned when a pool has to be built from an
// identity whose secrets were already consumed. Resolve the host again.
var ErrIdentityCleared = errors.New("identity secrets already cleared")

// buildError reports a factory that could not be built. Repeating the call
// with the same identity cannot succeed, so it never classifies as retryable.
type buildError struct {
	key string
	err error
}

func (e *buildError) Error() string {
	return fmt.Sprintf("failed to build session factory for %s: %v", e.key, e.err)
}

func (e *buildError) Unwrap() error { return e.err }

func (e *buildError) Category() failure.Category {
	if cat := failure.Classify(e.err); !cat.Retryable() {
		return cat
	}
	return failure.AuthenticationFailure
}

// HostPools keeps one pool per identity StableKey
type HostPools struct {
	provider transport.Provider
	cfg      PoolConfig
	sink     events.Sink

	entries sync.Map // StableKey -> *entry
	closed  atomic.Bool
}

// entry is initialised at most once, by whichever borrower gets there first
type entry struct {
	key     string
	version *int64
	once    sync.Once
	pool    *pool
	factory transport.Factory
	err     error
	ready   atomic.Bool
}

// NewHostPools creates an identity-keyed manager
func NewHostPools(provider transport.Provider, cfg PoolConfig, sink events.Sink) *HostPools {
	return &HostPools{provider: provider, cfg: cfg, sink: sink}
}

func (h *HostPools) Execute(ctx context.Context, id *host.Identity, fn Callback) error {
	if id == nil {
		return errors.New("host pools need an identity")
	}

	// the first build clears id; a borrower that loops rebuilds from factory
	var factory transport.Factory
	for {
		if h.closed.Load() {
			return ErrClosed
		}

		e, err := h.entryFor(id, factory)
		if err != nil {
			return err
		}
		factory = e.factory

		s, err := e.pool.borrow(ctx)
		if errors.Is(err, errPoolClosed) {
			// the entry was replaced or invalidated while we waited
			continue
		}
		if err != nil {
			return err
		}
		return e.pool.use(s, fn)
	}
}

// entryFor returns the live entry for id, creating or replacing it.
// An identity version different from the entry's replaces the entry; an
// entry without a version counts as different. An identity without a
// version reuses whatever entry exists.
func (h *HostPools) entryFor(id *host.Identity, fallback transport.Factory) (*entry, error) {
	key := id.StableKey()

	for {
		fresh := &entry{key: key, version: copyVersion(id.Version)}
		actual, loaded := h.entries.LoadOrStore(key, fresh)
		e := actual.(*entry)

		if loaded && id.Version != nil && (e.version == nil || *e.version != *id.Version) {
			if !h.entries.CompareAndSwap(key, e, fresh) {
				continue
			}
			logging.Logger().Info("Identity version changed, replacing session pool",
				zap.String("key", key),
				zap.String("old_version", formatVersion(e.version)),
				zap.String("new_version", id.VersionString()))
			e.shutdown()
			e = fresh
		}

		e.once.Do(func() {
			e.pool, e.factory, e.err = h.build(id, fallback)
			e.ready.Store(e.pool != nil)
		})
		if errors.Is(e.err, errPoolClosed) {
			continue
		}
		if e.err != nil {
			h.entries.CompareAndDelete(key, e)
			return nil, e.err
		}
		return e, nil
	}
}

// build creates the factory, then clears the identity's secrets. A cleared
// identity falls back to the factory of an entry it already built.
func (h *HostPools) build(id *host.Identity, fallback transport.Factory) (*pool, transport.Factory, error) {
	factory := fallback
	if !id.Cleared() {
		var err error
		factory, err = h.provider.Factory(id)
		id.ClearSensitive()
		if err != nil {
			return nil, nil, &buildError{key: id.StableKey(), err: err}
		}
	} else if factory == nil {
		return nil, nil, &buildError{key: id.StableKey(), err: ErrIdentityCleared}
	}

	p := newPool(factory, h.cfg, h.sink)
	logging.Logger().Debug("Session pool created",
		zap.String("key", id.StableKey()),
		zap.String("version", id.VersionString()),
		zap.Int("max_total", p.cfg.MaxTotal))

	if p.cfg.MinIdle > 0 {
		go func() { _ = p.prewarm(context.Background()) }()
	}
	return p, factory, nil
}

// shutdown closes the entry's pool, waiting for an in-flight build
func (e *entry) shutdown() {
	e.once.Do(func() { e.err = errPoolClosed })
	if e.pool != nil {
		e.pool.close()
	}
}

// Invalidate drops and closes the pool for key
func (h *HostPools) Invalidate(key string) {
	if v, ok := h.entries.LoadAndDelete(key); ok {
		v.(*entry).shutdown()
		logging.Logger().Debug("Session pool invalidated", zap.String("key", key))
	}
}

// InvalidateAll drops every pool, closing them concurrently
func (h *HostPools) InvalidateAll() {
	var dropped []*entry
	h.entries.Range(func(k, _ any) bool {
		if v, ok := h.entries.LoadAndDelete(k); ok {
			dropped = append(dropped, v.(*entry))
		}
		return true
	})
	if len(dropped) == 0 {
		return
	}

	workers := pond.NewPool(min(len(dropped), 8))
	for _, e := range dropped {
		workers.Submit(e.shutdown)
	}
	workers.StopAndWait()

	logging.Logger().Debug("Session pools invalidated", zap.Int("count", len(dropped)))
}

// Stats reports the pool for key, if one exists
func (h *HostPools) Stats(key string) (Stats, bool) {
	v, ok := h.entries.Load(key)
	if !ok {
		return Stats{}, false
	}
	e := v.(*entry)
	if !e.ready.Load() {
		return Stats{}, false
	}
	return e.pool.stats(), true
}

// Keys lists the StableKeys with a pool
func (h *HostPools) Keys() []string {
	var keys []string
	h.entries.Range(func(k, _ any) bool {
		keys = append(keys, k.(string))
		return true
	})
	sort.Strings(keys)
	return keys
}

func (h *HostPools) Close() error {
	h.closed.Store(true)
	h.InvalidateAll()
	return nil
}

func copyVersion(v *int64) *int64 {
	if v == nil {
		return nil
	}
	out := *v
	return &out
}

func formatVersion(v *int64) string {
	if v == nil {
		return "none"
	}
	return fmt.Sprintf("%d", *v)
}
