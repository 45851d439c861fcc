// Package command runs remote commands on borrowed sessions with a
// deadline, retrying idempotent commands through a retry strategy.
package command

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"sshpool/internal/events"
	"sshpool/internal/failure"
	"sshpool/internal/host"
	"sshpool/internal/retry"
	"sshpool/internal/session"
	"sshpool/internal/transport"
)

// Request describes one remote command
type Request struct {
	Command string
	Env     map[string]string
	Pty     bool
	PtyType string
	// ConnectTimeout bounds opening the exec channel
	ConnectTimeout time.Duration
	// Timeout bounds the run; zero waits for the command to exit
	Timeout time.Duration
	// Idempotent commands may be retried
	Idempotent bool
}

// NewRequest returns an idempotent request for command
func NewRequest(command string) Request {
	return Request{Command: command, Idempotent: true}
}

// Result is the outcome of a command that ran
type Result struct {
	Command    string
	Env        map[string]string
	Pty        bool
	StartedAt  time.Time
	FinishedAt time.Time
	Stdout     string
	Stderr     string
	// ExitCode is -1 when the command did not report one
	ExitCode int
	TimedOut bool
	Attempts int
}

// Duration is the wall time of the last attempt
func (r *Result) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}

// Success reports a zero exit within the deadline
func (r *Result) Success() bool {
	return !r.TimedOut && r.ExitCode == 0
}

// ExitError describes a non-zero exit to the retry strategy
type ExitError struct {
	Command string
	Code    int
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("command exited with status %d", e.Code)
}

func (e *ExitError) Category() failure.Category { return failure.OperationFailed }

// Option configures a Template
type Option func(*Template)

// WithRetry sets the retry strategy; the default is retry.NoRetry
func WithRetry(s retry.Strategy) Option {
	return func(t *Template) { t.retry = s }
}

// WithEvents sets the observability sink
func WithEvents(sink events.Sink) Option {
	return func(t *Template) { t.sink = sink }
}

// WithAlias names the host in events and errors
func WithAlias(alias string) Option {
	return func(t *Template) { t.alias = alias }
}

// Template executes commands through a session manager
type Template struct {
	manager session.Manager
	retry   retry.Strategy
	sink    events.Sink
	alias   string
}

// New creates a command template
func New(m session.Manager, opts ...Option) *Template {
	t := &Template{manager: m, retry: retry.NoRetry{}, sink: events.Nop{}}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Execute runs req, retrying on transport failures and non-zero exits when
// the request is idempotent and the strategy allows it. When retries on a
// non-zero exit run out the last result is returned without an error.
// A timed-out result is returned as is.
func (t *Template) Execute(ctx context.Context, id *host.Identity, req Request) (*Result, error) {
	if req.Command == "" {
		return nil, errors.New("command is required")
	}
	alias := t.aliasFor(ctx, id)

	for attempt := 1; ; attempt++ {
		ev := events.Event{
			Metric:     events.MetricExec,
			Op:         "exec",
			Alias:      alias,
			Target:     req.Command,
			Attempt:    attempt,
			Idempotent: req.Idempotent,
			Fields:     map[string]string{"exec_timeout": req.Timeout.String()},
		}
		ev.Kind = events.Start
		events.Emit(t.sink, ev)

		start := time.Now()
		res, err := session.Use(ctx, t.manager, id, func(s transport.Session) (*Result, error) {
			return t.run(ctx, s, req)
		})
		ev.Duration = time.Since(start)

		var cause error
		switch {
		case err != nil:
			cause = err
		case res.ExitCode != 0 && !res.TimedOut:
			res.Attempts = attempt
			cause = &ExitError{Command: req.Command, Code: res.ExitCode}
			ev.ExitCode = &res.ExitCode
		default:
			res.Attempts = attempt
			ev.ExitCode = &res.ExitCode
			ev.TimedOut = res.TimedOut
			if res.TimedOut {
				ev.Kind = events.Failure
				ev.Err = context.DeadlineExceeded
			} else {
				ev.Kind = events.Finish
			}
			events.Emit(t.sink, ev)
			return res, nil
		}

		ev.Retrying = retry.Allowed(t.retry, req.Idempotent, attempt, cause)
		if !ev.Retrying && res != nil {
			ev.Kind = events.Finish
			events.Emit(t.sink, ev)
			return res, nil
		}

		ev.Kind = events.Failure
		ev.Err = cause
		events.Emit(t.sink, ev)
		if !ev.Retrying {
			return nil, t.fail(alias, attempt, cause)
		}

		if err := retry.Sleep(ctx, t.retry.Delay(attempt)); err != nil {
			return nil, t.fail(alias, attempt, err)
		}
	}
}

// run drives one attempt on a borrowed session
func (t *Template) run(ctx context.Context, s transport.Session, req Request) (*Result, error) {
	openCtx := ctx
	if req.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		openCtx, cancel = context.WithTimeout(ctx, req.ConnectTimeout)
		defer cancel()
	}

	ch, err := s.OpenExec(openCtx)
	if err != nil {
		return nil, err
	}
	defer transport.SafeClose("exec channel", ch.Close)

	for _, name := range sortedKeys(req.Env) {
		if err := ch.Setenv(name, req.Env[name]); err != nil {
			return nil, fmt.Errorf("failed to set %s: %w", name, err)
		}
	}
	if req.Pty {
		if err := ch.RequestPty(req.PtyType); err != nil {
			return nil, fmt.Errorf("failed to request pty: %w", err)
		}
	}

	var stdout, stderr syncBuffer
	ch.SetOutput(&stdout, &stderr)

	res := &Result{
		Command:   req.Command,
		Env:       copyEnv(req.Env),
		Pty:       req.Pty,
		StartedAt: time.Now(),
		ExitCode:  -1,
	}
	if err := ch.Start(req.Command); err != nil {
		return nil, fmt.Errorf("failed to start command: %w", err)
	}

	type exit struct {
		code int
		err  error
	}
	done := make(chan exit, 1)
	go func() {
		code, err := ch.Wait()
		done <- exit{code, err}
	}()

	var deadline <-chan time.Time
	if req.Timeout > 0 {
		timer := time.NewTimer(req.Timeout)
		defer timer.Stop()
		deadline = timer.C
	}

	select {
	case ex := <-done:
		if ex.err != nil {
			return nil, ex.err
		}
		res.ExitCode = ex.code
	case <-deadline:
		transport.SafeClose("exec channel", ch.Close)
		res.TimedOut = true
	case <-ctx.Done():
		transport.SafeClose("exec channel", ch.Close)
		return nil, ctx.Err()
	}

	res.FinishedAt = time.Now()
	res.Stdout = stdout.String()
	res.Stderr = stderr.String()
	return res, nil
}

func (t *Template) aliasFor(ctx context.Context, id *host.Identity) string {
	if alias := events.AliasFrom(ctx); alias != "" {
		return alias
	}
	if t.alias != "" {
		return t.alias
	}
	if id != nil {
		return id.StableKey()
	}
	return ""
}

func (t *Template) fail(alias string, attempts int, err error) error {
	fe := failure.New("exec", err)
	fe.Host = alias
	fe.Attempts = attempts
	return fe
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func copyEnv(m map[string]string) map[string]string {
	if len(m) == 0 {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// syncBuffer is written by the transport while a timed-out run reads it
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
