// Package transfer performs SFTP file operations on borrowed sessions.
//
// Every operation opens its own SFTP sub-channel, which is force-closed when
// the caller's context ends. Uploads are atomic by default: the content is
// written to a temporary sibling and renamed into place, so the final path
// never holds a partial file.
package transfer

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"sshpool/internal/events"
	"sshpool/internal/failure"
	"sshpool/internal/host"
	"sshpool/internal/logging"
	"sshpool/internal/retry"
	"sshpool/internal/session"
	"sshpool/internal/transport"
)

// Options controls uploads
type Options struct {
	// Atomic writes through a temporary file and a rename
	Atomic bool
	// Overwrite replaces an existing file
	Overwrite bool
	// Mode is applied after the upload; zero keeps the server default
	Mode os.FileMode
	// ConnectTimeout bounds opening the SFTP channel
	ConnectTimeout time.Duration
}

// DefaultOptions returns atomic, overwriting uploads
func DefaultOptions() Options {
	return Options{Atomic: true, Overwrite: true}
}

// FileEntry is one remote directory entry
type FileEntry struct {
	Name    string
	IsDir   bool
	Size    int64
	Mode    os.FileMode
	ModTime time.Time
}

func entryOf(fi os.FileInfo) FileEntry {
	return FileEntry{
		Name:    fi.Name(),
		IsDir:   fi.IsDir(),
		Size:    fi.Size(),
		Mode:    fi.Mode(),
		ModTime: fi.ModTime(),
	}
}

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

// WithConnectTimeout bounds opening the SFTP channel for every operation
func WithConnectTimeout(d time.Duration) Option {
	return func(t *Template) { t.connectTimeout = d }
}

// Template runs file operations through a session manager
type Template struct {
	manager        session.Manager
	retry          retry.Strategy
	sink           events.Sink
	alias          string
	connectTimeout time.Duration
}

// New creates a transfer template
func New(m session.Manager, opts ...Option) *Template {
	t := &Template{manager: m, retry: retry.NoRetry{}, sink: events.Nop{}}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// call is one logical operation, possibly attempted several times
type call struct {
	op     string
	target string
	// idempotent allows retries; retryable, when set, is consulted as well
	idempotent bool
	retryable  func() bool
	// rewind runs before every attempt after the first
	rewind         func() error
	connectTimeout time.Duration
	fn             func(ch transport.TransferChannel) error
}

func (t *Template) do(ctx context.Context, id *host.Identity, c call) error {
	alias := t.aliasFor(ctx, id)
	timeout := c.connectTimeout
	if timeout == 0 {
		timeout = t.connectTimeout
	}

	for attempt := 1; ; attempt++ {
		if attempt > 1 && c.rewind != nil {
			if err := c.rewind(); err != nil {
				return t.fail(c.op, alias, attempt-1, failure.Local(err))
			}
		}

		ev := events.Event{
			Kind:       events.Start,
			Metric:     events.MetricSFTP,
			Op:         c.op,
			Alias:      alias,
			Target:     c.target,
			Attempt:    attempt,
			Idempotent: c.idempotent,
		}
		events.Emit(t.sink, ev)

		start := time.Now()
		err := t.manager.Execute(ctx, id, func(s transport.Session) error {
			return t.onChannel(ctx, s, timeout, c.fn)
		})
		ev.Duration = time.Since(start)

		if err == nil {
			ev.Kind = events.Finish
			events.Emit(t.sink, ev)
			return nil
		}

		idempotent := c.idempotent && (c.retryable == nil || c.retryable())
		ev.Kind = events.Failure
		ev.Err = err
		ev.Retrying = retry.Allowed(t.retry, idempotent, attempt, err)
		events.Emit(t.sink, ev)
		if !ev.Retrying {
			return t.fail(c.op, alias, attempt, err)
		}

		if err := retry.Sleep(ctx, t.retry.Delay(attempt)); err != nil {
			return t.fail(c.op, alias, attempt, err)
		}
	}
}

// onChannel opens an SFTP channel for fn and closes it when ctx ends
func (t *Template) onChannel(ctx context.Context, s transport.Session, timeout time.Duration, fn func(transport.TransferChannel) error) error {
	openCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		openCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	ch, err := s.OpenTransfer(openCtx)
	if err != nil {
		return err
	}
	defer transport.SafeClose("sftp channel", ch.Close)

	stop := context.AfterFunc(ctx, func() {
		transport.SafeClose("sftp channel", ch.Close)
	})
	defer stop()

	err = fn(ch)
	if err != nil && ctx.Err() != nil {
		// the channel was torn down under fn
		return fmt.Errorf("%w: %w", ctx.Err(), err)
	}
	return err
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

func (t *Template) fail(op, alias string, attempts int, err error) error {
	fe := failure.New(op, err)
	fe.Host = alias
	fe.Attempts = attempts
	return fe
}

// Mkdir creates one directory
func (t *Template) Mkdir(ctx context.Context, id *host.Identity, dir string) error {
	return t.do(ctx, id, call{
		op:         "mkdir",
		target:     dir,
		idempotent: true,
		fn: func(ch transport.TransferChannel) error {
			return ch.Mkdir(dir)
		},
	})
}

// Delete removes a file or an empty directory
func (t *Template) Delete(ctx context.Context, id *host.Identity, p string) error {
	return t.do(ctx, id, call{
		op:         "delete",
		target:     p,
		idempotent: true,
		fn: func(ch transport.TransferChannel) error {
			return ch.Remove(p)
		},
	})
}

// Rename moves from to to. With overwrite an existing target is removed
// first; without it an existing target fails the call and nothing changes.
func (t *Template) Rename(ctx context.Context, id *host.Identity, from, to string, overwrite bool) error {
	return t.do(ctx, id, call{
		op:         "rename",
		target:     from + " -> " + to,
		idempotent: true,
		fn: func(ch transport.TransferChannel) error {
			return rename(ch, from, to, overwrite)
		},
	})
}

func rename(ch transport.TransferChannel, from, to string, overwrite bool) error {
	err := ch.Rename(from, to)
	if err == nil {
		return nil
	}
	if _, statErr := ch.Stat(to); statErr != nil {
		return err
	}
	if !overwrite {
		return failure.Exists(to)
	}
	if err := ch.Remove(to); err != nil {
		return fmt.Errorf("failed to remove %s before rename: %w", to, err)
	}
	return ch.Rename(from, to)
}

// List returns the entries of dir without "." and ".."
func (t *Template) List(ctx context.Context, id *host.Identity, dir string) ([]FileEntry, error) {
	var entries []FileEntry
	err := t.do(ctx, id, call{
		op:         "list",
		target:     dir,
		idempotent: true,
		fn: func(ch transport.TransferChannel) error {
			infos, err := ch.ReadDir(dir)
			if err != nil {
				return err
			}
			entries = make([]FileEntry, 0, len(infos))
			for _, fi := range infos {
				if fi.Name() == "." || fi.Name() == ".." {
					continue
				}
				entries = append(entries, entryOf(fi))
			}
			return nil
		},
	})
	if err != nil {
		return nil, err
	}
	return entries, nil
}

// Stat describes one remote path
func (t *Template) Stat(ctx context.Context, id *host.Identity, p string) (FileEntry, error) {
	var entry FileEntry
	err := t.do(ctx, id, call{
		op:         "stat",
		target:     p,
		idempotent: true,
		fn: func(ch transport.TransferChannel) error {
			fi, err := ch.Stat(p)
			if err != nil {
				return err
			}
			entry = entryOf(fi)
			entry.Name = path.Base(p)
			return nil
		},
	})
	return entry, err
}

// Upload writes data to dst
func (t *Template) Upload(ctx context.Context, id *host.Identity, data []byte, dst string, opts Options) error {
	return t.UploadFrom(ctx, id, bytes.NewReader(data), dst, opts)
}

// UploadFrom streams r to dst. The upload is retried only when r is an
// io.Seeker; it is rewound to its starting offset before each new attempt.
func (t *Template) UploadFrom(ctx context.Context, id *host.Identity, r io.Reader, dst string, opts Options) error {
	c := call{
		op:             "upload",
		target:         dst,
		connectTimeout: opts.ConnectTimeout,
		fn: func(ch transport.TransferChannel) error {
			return upload(ch, &localReader{r: r}, dst, opts)
		},
	}
	if s, ok := r.(io.Seeker); ok {
		if start, err := s.Seek(0, io.SeekCurrent); err == nil {
			c.idempotent = true
			c.rewind = func() error {
				_, err := s.Seek(start, io.SeekStart)
				return err
			}
		}
	}
	return t.do(ctx, id, c)
}

func upload(ch transport.TransferChannel, r io.Reader, dst string, opts Options) error {
	if !opts.Atomic {
		if !opts.Overwrite {
			_, err := ch.Stat(dst)
			if err == nil {
				return failure.Exists(dst)
			}
			if failure.Classify(err) != failure.NoSuchFile {
				return err
			}
		}
		if err := writeFile(ch, dst, r); err != nil {
			return err
		}
		return chmod(ch, dst, opts.Mode)
	}

	tmp := tempPath(dst)
	if err := writeFile(ch, tmp, r); err != nil {
		removeQuietly(ch, tmp)
		return err
	}
	if err := rename(ch, tmp, dst, opts.Overwrite); err != nil {
		removeQuietly(ch, tmp)
		return err
	}
	return chmod(ch, dst, opts.Mode)
}

func writeFile(ch transport.TransferChannel, p string, r io.Reader) error {
	w, err := ch.Create(p)
	if err != nil {
		return err
	}
	if _, err := io.Copy(w, r); err != nil {
		transport.SafeClose("remote file", w.Close)
		return err
	}
	return w.Close()
}

func chmod(ch transport.TransferChannel, p string, mode os.FileMode) error {
	if mode == 0 {
		return nil
	}
	if err := ch.Chmod(p, mode); err != nil {
		return fmt.Errorf("failed to chmod %s: %w", p, err)
	}
	return nil
}

func tempPath(dst string) string {
	return path.Join(path.Dir(dst), ".tmp-"+path.Base(dst)+"."+uuid.NewString())
}

func removeQuietly(ch transport.TransferChannel, p string) {
	if err := ch.Remove(p); err != nil {
		logging.Logger().Debug("failed to remove temporary upload",
			zap.String("path", p),
			zap.Error(err))
	}
}

// Download reads the whole of src
func (t *Template) Download(ctx context.Context, id *host.Identity, src string) ([]byte, error) {
	var buf bytes.Buffer
	err := t.do(ctx, id, call{
		op:         "download",
		target:     src,
		idempotent: true,
		fn: func(ch transport.TransferChannel) error {
			buf.Reset()
			return readFile(ch, src, &buf)
		},
	})
	if err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// DownloadTo streams src into w. A failed attempt is retried only if
// nothing was written to w yet.
func (t *Template) DownloadTo(ctx context.Context, id *host.Identity, src string, w io.Writer) error {
	lw := &localWriter{w: w}
	return t.do(ctx, id, call{
		op:         "download",
		target:     src,
		idempotent: true,
		retryable:  func() bool { return lw.n == 0 },
		fn: func(ch transport.TransferChannel) error {
			return readFile(ch, src, lw)
		},
	})
}

func readFile(ch transport.TransferChannel, p string, w io.Writer) error {
	r, err := ch.Open(p)
	if err != nil {
		return err
	}
	defer transport.SafeClose("remote file", r.Close)

	_, err = io.Copy(w, r)
	return err
}

// localReader marks failures of the caller's reader as local
type localReader struct {
	r io.Reader
}

func (l *localReader) Read(p []byte) (int, error) {
	n, err := l.r.Read(p)
	if err != nil && err != io.EOF {
		err = failure.Local(err)
	}
	return n, err
}

// localWriter counts bytes handed to the caller's writer and marks its
// failures as local
type localWriter struct {
	w io.Writer
	n int64
}

func (l *localWriter) Write(p []byte) (int, error) {
	n, err := l.w.Write(p)
	l.n += int64(n)
	if err != nil {
		err = failure.Local(err)
	}
	return n, err
}
