// Package session hands out transport sessions for the duration of one
// callback and takes them back afterwards.
//
// Three managers are provided:
//
//   - SingleUse opens a fresh session per call and closes it afterwards.
//   - Pooled keeps one bounded pool for a fixed target.
//   - HostPools keeps one bounded pool per identity StableKey, created on first
//     use and replaced when the identity's version changes.
//
// Every borrowed session is given back exactly once: returned to its pool
// when it is still alive, destroyed otherwise, including when the callback
// panics.
package session

import (
	"context"
	"errors"
	"time"

	"sshpool/internal/events"
	"sshpool/internal/host"
	"sshpool/internal/transport"
)

// Callback operates on a borrowed session. It must not keep the session
// after returning.
type Callback func(s transport.Session) error

// Manager lends sessions to callbacks
type Manager interface {
	// Execute borrows a session for id, runs fn and gives the session back.
	// Managers bound to a fixed target ignore id.
	Execute(ctx context.Context, id *host.Identity, fn Callback) error
	// Invalidate drops the pool for one StableKey
	Invalidate(key string)
	// InvalidateAll drops every pool
	InvalidateAll()
	Close() error
}

// ErrClosed is returned by managers after Close
var ErrClosed = errors.New("session manager closed")

// Use is Execute for callbacks that produce a value
func Use[T any](ctx context.Context, m Manager, id *host.Identity, fn func(s transport.Session) (T, error)) (T, error) {
	var out T
	err := m.Execute(ctx, id, func(s transport.Session) error {
		v, err := fn(s)
		out = v
		return err
	})
	return out, err
}

// connect opens a session and reports it to sink
func connect(ctx context.Context, f transport.Factory, sink events.Sink) (transport.Session, error) {
	ev := events.Event{
		Kind:    events.Start,
		Metric:  events.MetricSessionConnect,
		Op:      "connect",
		Alias:   events.AliasFrom(ctx),
		Target:  f.Target(),
		Attempt: 1,
	}
	events.Emit(sink, ev)

	start := time.Now()
	s, err := f.Connect(ctx)
	ev.Duration = time.Since(start)
	if err != nil {
		ev.Kind = events.Failure
		ev.Err = err
		events.Emit(sink, ev)
		return nil, err
	}

	ev.Kind = events.Finish
	events.Emit(sink, ev)
	return s, nil
}
