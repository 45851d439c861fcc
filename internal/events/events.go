// Package events carries operation lifecycle notifications (start, finish,
// failure) from the templates and session managers to an observer.
package events

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"sshpool/internal/logging"
)

// Kind is the lifecycle stage of an event
type Kind string

const (
	Start   Kind = "start"
	Finish  Kind = "finish"
	Failure Kind = "failure"
)

// Default metric names
const (
	MetricSessionConnect = "ssh.session.connect"
	MetricExec           = "ssh.exec"
	MetricSFTP           = "ssh.sftp"
)

// Event describes one stage of one attempt
type Event struct {
	Kind       Kind
	Metric     string
	Op         string
	Alias      string
	Target     string
	Attempt    int
	Idempotent bool
	Retrying   bool
	Duration   time.Duration
	ExitCode   *int
	TimedOut   bool
	Err        error
	Fields     map[string]string
}

// Sink receives events. Implementations must not block for long.
type Sink interface {
	Emit(Event)
}

// SinkFunc adapts a function to Sink
type SinkFunc func(Event)

func (f SinkFunc) Emit(e Event) { f(e) }

// Nop discards events
type Nop struct{}

func (Nop) Emit(Event) {}

// Emit delivers e to sink, swallowing panics so a broken sink never changes
// the outcome of the operation being observed
func Emit(sink Sink, e Event) {
	if sink == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			logging.Logger().Debug("event sink panicked",
				zap.String("metric", e.Metric),
				zap.Any("panic", r))
		}
	}()
	sink.Emit(e)
}

// ZapSink logs events through a zap logger
type ZapSink struct {
	logger  *zap.Logger
	enabled bool
}

// NewZapSink creates a sink over logger. A disabled sink drops everything.
func NewZapSink(logger *zap.Logger, enabled bool) *ZapSink {
	if logger == nil {
		logger = logging.Logger()
	}
	return &ZapSink{logger: logger, enabled: enabled}
}

func (s *ZapSink) Emit(e Event) {
	if !s.enabled {
		return
	}

	fields := []zap.Field{
		zap.String("event", string(e.Kind)),
		zap.String("metric", e.Metric),
		zap.Int("attempt", e.Attempt),
		zap.Bool("idempotent", e.Idempotent),
	}
	if e.Op != "" {
		fields = append(fields, zap.String("op", e.Op))
	}
	if e.Alias != "" {
		fields = append(fields, zap.String("alias", e.Alias))
	}
	if e.Target != "" {
		fields = append(fields, zap.String("target", logging.Truncate(e.Target)))
	}
	if e.Kind != Start {
		fields = append(fields, zap.Int64("duration_ms", e.Duration.Milliseconds()))
	}
	if e.ExitCode != nil {
		fields = append(fields, zap.Int("exit_code", *e.ExitCode))
	}
	if e.TimedOut {
		fields = append(fields, zap.Bool("timed_out", true))
	}
	for k, v := range e.Fields {
		fields = append(fields, zap.String(k, v))
	}

	switch e.Kind {
	case Start:
		s.logger.Debug("operation started", fields...)
	case Finish:
		s.logger.Info("operation finished", fields...)
	case Failure:
		fields = append(fields, zap.Error(e.Err), zap.Bool("retrying", e.Retrying))
		if e.Retrying {
			s.logger.Warn("operation failed, retrying", fields...)
		} else {
			s.logger.Error("operation failed", fields...)
		}
	}
}

// Renamed rewrites metric names before delivering to sink; metrics absent
// from names pass through unchanged
func Renamed(sink Sink, names map[string]string) Sink {
	if len(names) == 0 {
		return sink
	}
	return SinkFunc(func(e Event) {
		if name, ok := names[e.Metric]; ok {
			e.Metric = name
		}
		sink.Emit(e)
	})
}

// Recorder keeps events in memory
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Emit(e Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

// Events returns a copy of everything recorded so far
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// Count returns how many events of kind k were recorded
func (r *Recorder) Count(k Kind) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for _, e := range r.events {
		if e.Kind == k {
			n++
		}
	}
	return n
}

type aliasKey struct{}

// WithAlias tags ctx with the host alias used in events
func WithAlias(ctx context.Context, alias string) context.Context {
	return context.WithValue(ctx, aliasKey{}, alias)
}

// AliasFrom returns the alias set by WithAlias
func AliasFrom(ctx context.Context) string {
	alias, _ := ctx.Value(aliasKey{}).(string)
	return alias
}
