package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/alitto/pond/v2"
	"go.uber.org/zap"

	"sshpool/internal/events"
	"sshpool/internal/failure"
	"sshpool/internal/logging"
	"sshpool/internal/transport"
)

// PoolConfig bounds one pool
type PoolConfig struct {
	// MaxTotal caps sessions in use plus idle
	MaxTotal int
	// MaxIdle caps sessions kept for reuse
	MaxIdle int
	// MinIdle is the number of sessions Prewarm opens ahead of demand
	MinIdle int
	// MaxWait bounds how long a borrow waits for a free slot; zero waits
	// until the context ends
	MaxWait time.Duration
	// ValidateOnBorrow discards dead idle sessions before handing them out
	ValidateOnBorrow bool
}

// DefaultPoolConfig returns the stock pool bounds
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		MaxTotal:         8,
		MaxIdle:          8,
		MinIdle:          0,
		MaxWait:          30 * time.Second,
		ValidateOnBorrow: true,
	}
}

func (c PoolConfig) normalized() PoolConfig {
	if c.MaxTotal <= 0 {
		c.MaxTotal = 8
	}
	if c.MaxIdle < 0 {
		c.MaxIdle = 0
	}
	if c.MaxIdle > c.MaxTotal {
		c.MaxIdle = c.MaxTotal
	}
	if c.MinIdle > c.MaxIdle {
		c.MinIdle = c.MaxIdle
	}
	if c.MinIdle < 0 {
		c.MinIdle = 0
	}
	return c
}

// Stats is a point-in-time view of a pool
type Stats struct {
	Active    int
	Idle      int
	MaxTotal  int
	MaxIdle   int
	Created   int64
	Destroyed int64
}

var errPoolClosed = errors.New("session pool closed")

// pool is a bounded LIFO pool of sessions for one target.
// slots holds one token per session handed out.
type pool struct {
	factory transport.Factory
	cfg     PoolConfig
	sink    events.Sink
	slots   chan struct{}

	mu        sync.Mutex
	idle      []transport.Session
	active    int
	closed    bool
	created   int64
	destroyed int64
}

func newPool(factory transport.Factory, cfg PoolConfig, sink events.Sink) *pool {
	cfg = cfg.normalized()
	return &pool{
		factory: factory,
		cfg:     cfg,
		sink:    sink,
		slots:   make(chan struct{}, cfg.MaxTotal),
	}
}

func (p *pool) acquire(ctx context.Context) error {
	select {
	case p.slots <- struct{}{}:
		return nil
	default:
	}

	var timeout <-chan time.Time
	if p.cfg.MaxWait > 0 {
		timer := time.NewTimer(p.cfg.MaxWait)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case p.slots <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-timeout:
		return fmt.Errorf("%w: no session of %d freed within %s",
			failure.ErrPoolExhausted, p.cfg.MaxTotal, p.cfg.MaxWait)
	}
}

func (p *pool) release() {
	<-p.slots
}

// borrow hands out an idle session or opens a new one
func (p *pool) borrow(ctx context.Context) (transport.Session, error) {
	if err := p.acquire(ctx); err != nil {
		return nil, err
	}

	for {
		s, ok, err := p.popIdle()
		if err != nil {
			p.release()
			return nil, err
		}
		if !ok {
			break
		}
		if !p.cfg.ValidateOnBorrow || s.IsAlive() {
			return s, nil
		}
		// Dead idle session: replace it without counting as a retry
		p.mu.Lock()
		p.active--
		p.mu.Unlock()
		p.destroy(s)
	}

	s, err := connect(ctx, p.factory, p.sink)
	if err != nil {
		p.release()
		return nil, err
	}

	p.mu.Lock()
	p.created++
	p.active++
	closed := p.closed
	p.mu.Unlock()

	if closed {
		p.giveBack(s, false)
		return nil, errPoolClosed
	}
	return s, nil
}

func (p *pool) popIdle() (transport.Session, bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, false, errPoolClosed
	}
	n := len(p.idle)
	if n == 0 {
		return nil, false, nil
	}
	s := p.idle[n-1]
	p.idle[n-1] = nil
	p.idle = p.idle[:n-1]
	p.active++
	return s, true, nil
}

// giveBack returns s for reuse when keep is set and there is room,
// otherwise destroys it, and frees the slot either way
func (p *pool) giveBack(s transport.Session, keep bool) {
	p.mu.Lock()
	p.active--
	if keep && !p.closed && len(p.idle) < p.cfg.MaxIdle && s.IsAlive() {
		p.idle = append(p.idle, s)
		p.mu.Unlock()
		p.release()
		return
	}
	p.mu.Unlock()

	p.destroy(s)
	p.release()
}

// use runs fn on a borrowed session and gives the session back exactly once
func (p *pool) use(s transport.Session, fn Callback) error {
	released := false
	defer func() {
		if !released {
			// fn panicked; the session state is unknown
			p.giveBack(s, false)
		}
	}()

	err := fn(s)
	released = true
	p.giveBack(s, s.IsAlive())
	return err
}

func (p *pool) destroy(s transport.Session) {
	transport.SafeClose("session "+p.factory.Target(), s.Close)
	p.mu.Lock()
	p.destroyed++
	p.mu.Unlock()
}

// close destroys idle sessions; sessions in use are destroyed on return
func (p *pool) close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	idle := p.idle
	p.idle = nil
	p.mu.Unlock()

	for _, s := range idle {
		p.destroy(s)
	}
}

func (p *pool) stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		Active:    p.active,
		Idle:      len(p.idle),
		MaxTotal:  p.cfg.MaxTotal,
		MaxIdle:   p.cfg.MaxIdle,
		Created:   p.created,
		Destroyed: p.destroyed,
	}
}

// prewarm opens sessions concurrently until MinIdle are idle.
// It never waits for a slot.
func (p *pool) prewarm(ctx context.Context) error {
	p.mu.Lock()
	need := p.cfg.MinIdle - len(p.idle)
	p.mu.Unlock()
	if need <= 0 {
		return nil
	}

	var (
		mu       sync.Mutex
		firstErr error
	)
	workers := pond.NewPool(need)
	for i := 0; i < need; i++ {
		workers.Submit(func() {
			select {
			case p.slots <- struct{}{}:
			default:
				return
			}

			s, err := connect(ctx, p.factory, p.sink)
			if err != nil {
				p.release()
				mu.Lock()
				if firstErr == nil {
					firstErr = err
				}
				mu.Unlock()
				return
			}

			p.mu.Lock()
			p.created++
			p.active++
			p.mu.Unlock()
			p.giveBack(s, true)
		})
	}
	workers.StopAndWait()

	if firstErr != nil {
		logging.Logger().Warn("failed to prewarm session pool",
			zap.String("target", p.factory.Target()),
			zap.Error(firstErr))
	}
	return firstErr
}
