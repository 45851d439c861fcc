// Package client is the alias-addressed entry point: it resolves a host alias
// to an identity and a session manager, then runs commands and file
// operations through the command and transfer templates.
package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/alitto/pond/v2"
	"go.uber.org/zap"

	"sshpool/internal/command"
	"sshpool/internal/config"
	"sshpool/internal/events"
	"sshpool/internal/host"
	"sshpool/internal/logging"
	"sshpool/internal/retry"
	"sshpool/internal/session"
	"sshpool/internal/transfer"
	"sshpool/internal/transport"
)

// HostNotFoundError is returned for an alias no resolver knows
type HostNotFoundError struct {
	Alias string
}

func (e *HostNotFoundError) Error() string {
	return fmt.Sprintf("host not found: %s", e.Alias)
}

// ErrNoDefaultHost is returned when a call names no alias and there is no
// default to fall back to
var ErrNoDefaultHost = errors.New("multiple hosts configured; specify a host alias or set default_host")

// ErrClosed is returned after Close
var ErrClosed = errors.New("client closed")

const defaultConcurrency = 8

// maxLoggedHosts caps alias lists in log fields
const maxLoggedHosts = 10

// target is everything one call needs for one alias
type target struct {
	alias   string
	id      *host.Identity
	manager session.Manager
	retry   retry.Strategy
	// resolved identities are fresh copies the client owns
	resolved bool
}

func (t *target) done() {
	if t.resolved {
		t.id.ClearSensitive()
	}
}

// Client runs operations against hosts by alias
type Client struct {
	lookup       func(ctx context.Context, alias string) (*target, error)
	invalidate   func(ctx context.Context, alias string) error
	aliases      func(ctx context.Context) ([]string, error)
	closers      []func() error
	defaultAlias string
	sink         events.Sink
	concurrency  int

	mu     sync.Mutex
	closed bool
}

// NewStatic builds one session manager per configured alias: pooled when
// the alias enables pooling, single-use otherwise. Secrets are dropped
// from the identities once the connection factories are built.
func NewStatic(cfg *config.Config, provider transport.Provider, sink events.Sink) (*Client, error) {
	if sink == nil {
		sink = events.Nop{}
	}
	targets := make(map[string]*target, len(cfg.Hosts))
	var closers []func() error

	for _, alias := range cfg.Aliases() {
		id, err := cfg.Identity(alias)
		if err != nil {
			closeAll(closers)
			return nil, err
		}
		factory, err := provider.Factory(id)
		id.ClearSensitive()
		if err != nil {
			closeAll(closers)
			return nil, fmt.Errorf("failed to build session factory for %s: %w", alias, err)
		}

		var manager session.Manager
		poolCfg, pooled := cfg.PoolConfig(alias)
		if pooled {
			manager = session.NewPooled(factory, poolCfg, sink)
		} else {
			manager = session.NewSingleUse(factory, sink)
		}
		closers = append(closers, manager.Close)
		targets[alias] = &target{alias: alias, id: id, manager: manager, retry: cfg.RetryStrategy(alias)}

		logging.Logger().Debug("Host configured",
			zap.String("alias", alias),
			zap.String("key", id.StableKey()),
			zap.Bool("pooled", pooled))
	}

	defaultAlias, _ := cfg.DefaultAlias()
	return &Client{
		lookup: func(_ context.Context, alias string) (*target, error) {
			t, ok := targets[alias]
			if !ok {
				return nil, &HostNotFoundError{Alias: alias}
			}
			return t, nil
		},
		invalidate: func(_ context.Context, alias string) error {
			t, ok := targets[alias]
			if !ok {
				return &HostNotFoundError{Alias: alias}
			}
			t.manager.InvalidateAll()
			return nil
		},
		aliases: func(context.Context) ([]string, error) {
			return cfg.Aliases(), nil
		},
		closers:      closers,
		defaultAlias: defaultAlias,
		sink:         sink,
		concurrency:  defaultConcurrency,
	}, nil
}

// Options tunes a resolver-backed client
type Options struct {
	// DefaultAlias is used by calls that name no alias
	DefaultAlias string
	// Retry applies to every host; nil means no retries
	Retry retry.Strategy
	// RetryFor overrides Retry per alias
	RetryFor func(alias string) retry.Strategy
	Sink     events.Sink
	// Aliases enumerates hosts for ExecAll without explicit aliases
	Aliases func(ctx context.Context) ([]string, error)
	// Concurrency bounds ExecAll fan-out
	Concurrency int
}

// NewResolverBacked resolves the alias on every call and borrows sessions
// from manager, which is normally a session.HostPools keyed by the
// identity's StableKey. The client takes ownership of manager.
func NewResolverBacked(resolver host.Resolver, manager session.Manager, opts Options) *Client {
	if opts.Retry == nil {
		opts.Retry = retry.NoRetry{}
	}
	if opts.Sink == nil {
		opts.Sink = events.Nop{}
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = defaultConcurrency
	}

	resolve := func(ctx context.Context, alias string) (*host.Identity, error) {
		id, ok, err := resolver.Resolve(ctx, alias)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve host %s: %w", alias, err)
		}
		if !ok {
			return nil, &HostNotFoundError{Alias: alias}
		}
		return id, nil
	}

	c := &Client{
		lookup: func(ctx context.Context, alias string) (*target, error) {
			id, err := resolve(ctx, alias)
			if err != nil {
				return nil, err
			}
			strategy := opts.Retry
			if opts.RetryFor != nil {
				strategy = opts.RetryFor(alias)
			}
			return &target{alias: alias, id: id, manager: manager, retry: strategy, resolved: true}, nil
		},
		invalidate: func(ctx context.Context, alias string) error {
			id, err := resolve(ctx, alias)
			if err != nil {
				return err
			}
			id.ClearSensitive()
			manager.Invalidate(id.StableKey())
			return nil
		},
		aliases:      opts.Aliases,
		closers:      []func() error{manager.Close},
		defaultAlias: opts.DefaultAlias,
		sink:         opts.Sink,
		concurrency:  opts.Concurrency,
	}
	return c
}

func (c *Client) target(ctx context.Context, alias string) (*target, error) {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}

	if alias == "" {
		if c.defaultAlias == "" {
			return nil, ErrNoDefaultHost
		}
		alias = c.defaultAlias
	}
	return c.lookup(ctx, alias)
}

func (c *Client) commands(t *target) *command.Template {
	return command.New(t.manager,
		command.WithRetry(t.retry),
		command.WithEvents(c.sink),
		command.WithAlias(t.alias))
}

func (c *Client) files(t *target) *transfer.Template {
	return transfer.New(t.manager,
		transfer.WithRetry(t.retry),
		transfer.WithEvents(c.sink),
		transfer.WithAlias(t.alias),
		transfer.WithConnectTimeout(t.id.ConnectTimeout))
}

// Exec runs req on alias. A request without a connect timeout inherits the
// host's.
func (c *Client) Exec(ctx context.Context, alias string, req command.Request) (*command.Result, error) {
	t, err := c.target(ctx, alias)
	if err != nil {
		return nil, err
	}
	defer t.done()

	if req.ConnectTimeout == 0 {
		req.ConnectTimeout = t.id.ConnectTimeout
	}
	return c.commands(t).Execute(ctx, t.id, req)
}

// Run is Exec with an idempotent request for cmd
func (c *Client) Run(ctx context.Context, alias, cmd string) (*command.Result, error) {
	return c.Exec(ctx, alias, command.NewRequest(cmd))
}

// HostResult is one host's outcome in ExecAll
type HostResult struct {
	Alias  string
	Result *command.Result
	Err    error
}

// ExecAll runs req on every alias concurrently and returns the outcomes in
// alias order. With no aliases it runs on every host the client can list.
func (c *Client) ExecAll(ctx context.Context, aliases []string, req command.Request) ([]HostResult, error) {
	if len(aliases) == 0 {
		if c.aliases == nil {
			return nil, errors.New("no aliases given and the host inventory cannot be listed")
		}
		var err error
		if aliases, err = c.aliases(ctx); err != nil {
			return nil, fmt.Errorf("failed to list hosts: %w", err)
		}
	}
	if len(aliases) == 0 {
		return nil, nil
	}

	results := make([]HostResult, len(aliases))
	workers := pond.NewPool(min(c.concurrency, len(aliases)))
	for i, alias := range aliases {
		workers.Submit(func() {
			res, err := c.Exec(ctx, alias, req)
			results[i] = HostResult{Alias: alias, Result: res, Err: err}
		})
	}
	workers.StopAndWait()

	var failed []string
	for _, r := range results {
		if r.Err != nil {
			failed = append(failed, r.Alias)
		}
	}
	logging.Logger().Info("Command fan-out finished",
		zap.String("command", logging.Truncate(req.Command)),
		zap.Int("hosts", len(aliases)),
		zap.Int("failed", len(failed)),
		zap.Strings("failed_hosts", logging.TruncateSlice(failed, maxLoggedHosts)))
	return results, nil
}

// Mkdir creates a remote directory
func (c *Client) Mkdir(ctx context.Context, alias, dir string) error {
	return c.withFiles(ctx, alias, func(t *target, f *transfer.Template) error {
		return f.Mkdir(ctx, t.id, dir)
	})
}

// Delete removes a remote file or empty directory
func (c *Client) Delete(ctx context.Context, alias, p string) error {
	return c.withFiles(ctx, alias, func(t *target, f *transfer.Template) error {
		return f.Delete(ctx, t.id, p)
	})
}

// Rename moves from to to, replacing an existing target only when
// overwrite is set
func (c *Client) Rename(ctx context.Context, alias, from, to string, overwrite bool) error {
	return c.withFiles(ctx, alias, func(t *target, f *transfer.Template) error {
		return f.Rename(ctx, t.id, from, to, overwrite)
	})
}

// List returns the entries of a remote directory
func (c *Client) List(ctx context.Context, alias, dir string) ([]transfer.FileEntry, error) {
	var entries []transfer.FileEntry
	err := c.withFiles(ctx, alias, func(t *target, f *transfer.Template) error {
		var err error
		entries, err = f.List(ctx, t.id, dir)
		return err
	})
	return entries, err
}

// Stat describes a remote path
func (c *Client) Stat(ctx context.Context, alias, p string) (transfer.FileEntry, error) {
	var entry transfer.FileEntry
	err := c.withFiles(ctx, alias, func(t *target, f *transfer.Template) error {
		var err error
		entry, err = f.Stat(ctx, t.id, p)
		return err
	})
	return entry, err
}

// Upload writes data to dst
func (c *Client) Upload(ctx context.Context, alias string, data []byte, dst string, opts transfer.Options) error {
	return c.withFiles(ctx, alias, func(t *target, f *transfer.Template) error {
		return f.Upload(ctx, t.id, data, dst, opts)
	})
}

// UploadFrom streams r to dst
func (c *Client) UploadFrom(ctx context.Context, alias string, r io.Reader, dst string, opts transfer.Options) error {
	return c.withFiles(ctx, alias, func(t *target, f *transfer.Template) error {
		return f.UploadFrom(ctx, t.id, r, dst, opts)
	})
}

// Download reads a remote file into memory
func (c *Client) Download(ctx context.Context, alias, src string) ([]byte, error) {
	var data []byte
	err := c.withFiles(ctx, alias, func(t *target, f *transfer.Template) error {
		var err error
		data, err = f.Download(ctx, t.id, src)
		return err
	})
	return data, err
}

// DownloadTo streams a remote file into w
func (c *Client) DownloadTo(ctx context.Context, alias, src string, w io.Writer) error {
	return c.withFiles(ctx, alias, func(t *target, f *transfer.Template) error {
		return f.DownloadTo(ctx, t.id, src, w)
	})
}

func (c *Client) withFiles(ctx context.Context, alias string, fn func(*target, *transfer.Template) error) error {
	t, err := c.target(ctx, alias)
	if err != nil {
		return err
	}
	defer t.done()
	return fn(t, c.files(t))
}

// Invalidate drops the pooled sessions of alias; the next call reconnects
func (c *Client) Invalidate(ctx context.Context, alias string) error {
	if alias == "" {
		alias = c.defaultAlias
	}
	if alias == "" {
		return ErrNoDefaultHost
	}
	return c.invalidate(ctx, alias)
}

// Close shuts every session manager down. Calls made afterwards fail with
// ErrClosed.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()
	return closeAll(c.closers)
}

func closeAll(closers []func() error) error {
	var errs []error
	for _, closeFn := range closers {
		if err := closeFn(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
