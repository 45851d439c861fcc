package session

import (
	"context"
	"errors"
	"sync/atomic"

	"sshpool/internal/events"
	"sshpool/internal/host"
	"sshpool/internal/transport"
)

// SingleUse opens a new session for every call and closes it afterwards
type SingleUse struct {
	factory transport.Factory
	sink    events.Sink
	closed  atomic.Bool
}

// NewSingleUse creates a manager over a fixed factory
func NewSingleUse(factory transport.Factory, sink events.Sink) *SingleUse {
	return &SingleUse{factory: factory, sink: sink}
}

func (m *SingleUse) Execute(ctx context.Context, _ *host.Identity, fn Callback) error {
	if m.closed.Load() {
		return ErrClosed
	}
	s, err := connect(ctx, m.factory, m.sink)
	if err != nil {
		return err
	}
	defer transport.SafeClose("session "+m.factory.Target(), s.Close)
	return fn(s)
}

func (m *SingleUse) Invalidate(string) {}
func (m *SingleUse) InvalidateAll()    {}

func (m *SingleUse) Close() error {
	m.closed.Store(true)
	return nil
}

// Pooled keeps one bounded pool for a fixed factory
type Pooled struct {
	factory transport.Factory
	cfg     PoolConfig
	sink    events.Sink
	current atomic.Pointer[pool]
	closed  atomic.Bool
}

// NewPooled creates a pooled manager over a fixed factory
func NewPooled(factory transport.Factory, cfg PoolConfig, sink events.Sink) *Pooled {
	m := &Pooled{factory: factory, cfg: cfg, sink: sink}
	m.current.Store(newPool(factory, cfg, sink))
	return m
}

func (m *Pooled) Execute(ctx context.Context, _ *host.Identity, fn Callback) error {
	for {
		if m.closed.Load() {
			return ErrClosed
		}
		p := m.current.Load()
		s, err := p.borrow(ctx)
		if errors.Is(err, errPoolClosed) {
			// swapped out by Invalidate; take the replacement
			continue
		}
		if err != nil {
			return err
		}
		return p.use(s, fn)
	}
}

// Invalidate replaces the pool when key names this manager's target
func (m *Pooled) Invalidate(key string) {
	if key == m.factory.Target() {
		m.InvalidateAll()
	}
}

// InvalidateAll replaces the pool with an empty one
func (m *Pooled) InvalidateAll() {
	old := m.current.Swap(newPool(m.factory, m.cfg, m.sink))
	old.close()
}

// Prewarm opens MinIdle sessions ahead of demand
func (m *Pooled) Prewarm(ctx context.Context) error {
	return m.current.Load().prewarm(ctx)
}

// Stats reports the current pool
func (m *Pooled) Stats() Stats {
	return m.current.Load().stats()
}

func (m *Pooled) Close() error {
	m.closed.Store(true)
	m.current.Load().close()
	return nil
}
