// Package transporttest provides in-memory transport doubles: a provider
// whose sessions run scripted commands against a shared fake filesystem.
package transporttest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"sshpool/internal/host"
	"sshpool/internal/transport"
)

// ErrSessionDead is returned by operations on a killed or closed session
var ErrSessionDead = fmt.Errorf("session closed: %w", io.EOF)

// Outcome scripts the result of one remote command
type Outcome struct {
	Stdout   string
	Stderr   string
	ExitCode int
	// Delay holds the command open before it exits
	Delay time.Duration
	// Err fails the command at the transport level
	Err error
}

// ExecCall records one started command
type ExecCall struct {
	Command string
	Env     map[string]string
	Pty     bool
	PtyType string
}

// Provider is a transport.Provider double
type Provider struct {
	// FS is the remote filesystem shared by every session
	FS *FS
	// Exec scripts command outcomes; nil means exit 0 with no output
	Exec func(command string) Outcome
	// ConnectHook runs before each connect with its 1-based number
	ConnectHook func(n int) error
	// FactoryErr fails Factory calls
	FactoryErr error

	mu        sync.Mutex
	factories []string
	sessions  []*Session
	execCalls []ExecCall
	execs     []*Exec
	connects  atomic.Int64
}

// NewProvider creates a provider with an empty filesystem
func NewProvider() *Provider {
	return &Provider{FS: NewFS()}
}

func (p *Provider) Factory(id *host.Identity) (transport.Factory, error) {
	if p.FactoryErr != nil {
		return nil, p.FactoryErr
	}
	if err := id.Validate(); err != nil {
		return nil, err
	}
	p.mu.Lock()
	p.factories = append(p.factories, id.StableKey())
	p.mu.Unlock()
	return &Factory{provider: p, target: id.StableKey()}, nil
}

// Factories lists the stable keys factories were built for
func (p *Provider) Factories() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.factories...)
}

// Connects returns how many sessions were opened
func (p *Provider) Connects() int {
	return int(p.connects.Load())
}

// Sessions returns every session opened so far
func (p *Provider) Sessions() []*Session {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*Session(nil), p.sessions...)
}

// ExecCalls returns every started command
func (p *Provider) ExecCalls() []ExecCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]ExecCall(nil), p.execCalls...)
}

// Execs returns every exec channel opened so far
func (p *Provider) Execs() []*Exec {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*Exec(nil), p.execs...)
}

// NewFactory returns a static factory, for managers that take one directly
func (p *Provider) NewFactory(target string) *Factory {
	return &Factory{provider: p, target: target}
}

// Factory opens fake sessions
type Factory struct {
	provider *Provider
	target   string
}

func (f *Factory) Target() string { return f.target }

func (f *Factory) Connect(ctx context.Context) (transport.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p := f.provider
	n := int(p.connects.Add(1))
	if p.ConnectHook != nil {
		if err := p.ConnectHook(n); err != nil {
			return nil, &transport.ConnectError{Target: f.target, Err: err}
		}
	}

	s := &Session{provider: p, target: f.target, ID: n}
	s.alive.Store(true)

	p.mu.Lock()
	p.sessions = append(p.sessions, s)
	p.mu.Unlock()
	return s, nil
}

// Session is a fake connection
type Session struct {
	ID int

	provider *Provider
	target   string
	alive    atomic.Bool
	closed   atomic.Bool
	inUse    atomic.Int32
	maxInUse atomic.Int32
	channels atomic.Int32
}

// Kill makes the session report dead, as if the peer went away
func (s *Session) Kill() { s.alive.Store(false) }

// Closed reports whether Close was called
func (s *Session) Closed() bool { return s.closed.Load() }

// Enter marks the session as used by a caller and returns a release func.
// MaxConcurrentUse then reports the highest overlap seen.
func (s *Session) Enter() func() {
	n := s.inUse.Add(1)
	for {
		cur := s.maxInUse.Load()
		if n <= cur || s.maxInUse.CompareAndSwap(cur, n) {
			break
		}
	}
	return func() { s.inUse.Add(-1) }
}

// MaxConcurrentUse is the largest number of simultaneous Enter holders
func (s *Session) MaxConcurrentUse() int { return int(s.maxInUse.Load()) }

// Channels counts exec and transfer channels opened on this session
func (s *Session) Channels() int { return int(s.channels.Load()) }

func (s *Session) IsAlive() bool {
	return s.alive.Load() && !s.closed.Load()
}

func (s *Session) Close() error {
	s.closed.Store(true)
	s.alive.Store(false)
	return nil
}

func (s *Session) OpenExec(ctx context.Context) (transport.ExecChannel, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !s.IsAlive() {
		return nil, ErrSessionDead
	}
	s.channels.Add(1)
	e := &Exec{session: s, env: map[string]string{}, done: make(chan struct{}), closed: make(chan struct{})}
	s.provider.mu.Lock()
	s.provider.execs = append(s.provider.execs, e)
	s.provider.mu.Unlock()
	return e, nil
}

func (s *Session) OpenTransfer(ctx context.Context) (transport.TransferChannel, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !s.IsAlive() {
		return nil, ErrSessionDead
	}
	s.channels.Add(1)
	return s.provider.FS.channel(), nil
}

// Exec is a fake exec channel
type Exec struct {
	session *Session
	env     map[string]string
	pty     bool
	ptyType string
	stdout  io.Writer
	stderr  io.Writer

	outcome   Outcome
	done      chan struct{}
	closed    chan struct{}
	closeOnce sync.Once
	started   bool
}

func (e *Exec) Setenv(name, value string) error {
	e.env[name] = value
	return nil
}

func (e *Exec) RequestPty(term string) error {
	e.pty = true
	e.ptyType = term
	return nil
}

func (e *Exec) SetOutput(stdout, stderr io.Writer) {
	e.stdout = stdout
	e.stderr = stderr
}

func (e *Exec) Start(command string) error {
	if e.started {
		return errors.New("already started")
	}
	e.started = true

	p := e.session.provider
	p.mu.Lock()
	p.execCalls = append(p.execCalls, ExecCall{Command: command, Env: e.env, Pty: e.pty, PtyType: e.ptyType})
	p.mu.Unlock()

	if p.Exec != nil {
		e.outcome = p.Exec(command)
	}
	if e.outcome.Err != nil && e.outcome.Delay == 0 {
		return e.outcome.Err
	}

	go func() {
		defer close(e.done)
		if e.outcome.Stdout != "" && e.stdout != nil {
			_, _ = io.WriteString(e.stdout, e.outcome.Stdout)
		}
		if e.outcome.Stderr != "" && e.stderr != nil {
			_, _ = io.WriteString(e.stderr, e.outcome.Stderr)
		}
		if e.outcome.Delay > 0 {
			timer := time.NewTimer(e.outcome.Delay)
			defer timer.Stop()
			select {
			case <-timer.C:
			case <-e.closed:
			}
		}
	}()
	return nil
}

func (e *Exec) Wait() (int, error) {
	select {
	case <-e.done:
	case <-e.closed:
		return -1, ErrSessionDead
	}
	select {
	case <-e.closed:
		return -1, ErrSessionDead
	default:
	}
	if e.outcome.Err != nil {
		return -1, e.outcome.Err
	}
	return e.outcome.ExitCode, nil
}

// IsClosed reports whether the channel was closed
func (e *Exec) IsClosed() bool {
	select {
	case <-e.closed:
		return true
	default:
		return false
	}
}

// Close force-closes the channel
func (e *Exec) Close() error {
	e.closeOnce.Do(func() { close(e.closed) })
	return nil
}
