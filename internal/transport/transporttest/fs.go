package transporttest

import (
	"bytes"
	"io"
	"os"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/pkg/sftp"

	"sshpool/internal/transport"
)

// Status builds the status error an SFTP server would send for code
func Status(code uint32) error {
	return &sftp.StatusError{Code: code}
}

var (
	noSuchFile = uint32(sftp.ErrSSHFxNoSuchFile)
	opFailure  = uint32(sftp.ErrSSHFxFailure)
	connLost   = uint32(sftp.ErrSSHFxConnectionLost)
)

// Hook intercepts a filesystem operation before it runs. Returning an error
// fails the operation. closed is closed when the calling channel is closed,
// so a hook can block until then.
type Hook func(op, p string, closed <-chan struct{}) error

type node struct {
	dir     bool
	data    []byte
	mode    os.FileMode
	modTime time.Time
}

// FS is an in-memory remote filesystem with OpenSSH rename semantics:
// renaming onto an existing path fails
type FS struct {
	mu    sync.Mutex
	nodes map[string]*node
	hook  Hook
	ops   []string
}

// NewFS creates a filesystem holding only "/"
func NewFS() *FS {
	return &FS{nodes: map[string]*node{"/": {dir: true, mode: os.ModeDir | 0755, modTime: time.Now()}}}
}

// SetHook installs h for every following operation
func (fs *FS) SetHook(h Hook) {
	fs.mu.Lock()
	fs.hook = h
	fs.mu.Unlock()
}

// FailOn fails the next n calls of op with err
func (fs *FS) FailOn(op string, err error, n int) {
	var mu sync.Mutex
	left := n
	fs.SetHook(func(o, _ string, _ <-chan struct{}) error {
		if o != op {
			return nil
		}
		mu.Lock()
		defer mu.Unlock()
		if left == 0 {
			return nil
		}
		left--
		return err
	})
}

// Ops lists "op path" for every operation attempted
func (fs *FS) Ops() []string {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return append([]string(nil), fs.ops...)
}

// WriteFile places a file directly, creating parent directories
func (fs *FS) WriteFile(p string, data []byte) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.mkdirAll(path.Dir(p))
	fs.nodes[p] = &node{data: append([]byte(nil), data...), mode: 0644, modTime: time.Now()}
}

// MkdirAll creates p and its parents
func (fs *FS) MkdirAll(p string) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.mkdirAll(p)
}

func (fs *FS) mkdirAll(p string) {
	for dir := p; ; dir = path.Dir(dir) {
		if _, ok := fs.nodes[dir]; !ok {
			fs.nodes[dir] = &node{dir: true, mode: os.ModeDir | 0755, modTime: time.Now()}
		}
		if dir == "/" || dir == "." {
			return
		}
	}
}

// ReadFile returns a file's content
func (fs *FS) ReadFile(p string) ([]byte, bool) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	n, ok := fs.nodes[p]
	if !ok || n.dir {
		return nil, false
	}
	return append([]byte(nil), n.data...), true
}

// Exists reports whether p exists
func (fs *FS) Exists(p string) bool {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	_, ok := fs.nodes[p]
	return ok
}

// Mode returns the permission bits of p
func (fs *FS) Mode(p string) os.FileMode {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if n, ok := fs.nodes[p]; ok {
		return n.mode.Perm()
	}
	return 0
}

// Paths lists every path in sorted order
func (fs *FS) Paths() []string {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	out := make([]string, 0, len(fs.nodes))
	for p := range fs.nodes {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

func (fs *FS) channel() *fsChannel {
	return &fsChannel{fs: fs, closed: make(chan struct{})}
}

// before records op and runs the hook outside the lock
func (fs *FS) before(c *fsChannel, op, p string) error {
	fs.mu.Lock()
	fs.ops = append(fs.ops, op+" "+p)
	hook := fs.hook
	fs.mu.Unlock()

	if c.isClosed() {
		return Status(connLost)
	}
	if hook != nil {
		if err := hook(op, p, c.closed); err != nil {
			return err
		}
	}
	if c.isClosed() {
		return Status(connLost)
	}
	return nil
}

type fsChannel struct {
	fs        *FS
	closed    chan struct{}
	closeOnce sync.Once
}

var _ transport.TransferChannel = (*fsChannel)(nil)

func (c *fsChannel) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

func (c *fsChannel) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func (c *fsChannel) Mkdir(p string) error {
	if err := c.fs.before(c, "mkdir", p); err != nil {
		return err
	}
	c.fs.mu.Lock()
	defer c.fs.mu.Unlock()

	if _, ok := c.fs.nodes[p]; ok {
		return Status(opFailure)
	}
	if parent, ok := c.fs.nodes[path.Dir(p)]; !ok || !parent.dir {
		return Status(noSuchFile)
	}
	c.fs.nodes[p] = &node{dir: true, mode: os.ModeDir | 0755, modTime: time.Now()}
	return nil
}

func (c *fsChannel) Remove(p string) error {
	if err := c.fs.before(c, "remove", p); err != nil {
		return err
	}
	c.fs.mu.Lock()
	defer c.fs.mu.Unlock()

	n, ok := c.fs.nodes[p]
	if !ok {
		return Status(noSuchFile)
	}
	if n.dir {
		prefix := strings.TrimSuffix(p, "/") + "/"
		for other := range c.fs.nodes {
			if strings.HasPrefix(other, prefix) {
				return Status(opFailure)
			}
		}
	}
	delete(c.fs.nodes, p)
	return nil
}

func (c *fsChannel) Rename(from, to string) error {
	if err := c.fs.before(c, "rename", from+" -> "+to); err != nil {
		return err
	}
	c.fs.mu.Lock()
	defer c.fs.mu.Unlock()

	n, ok := c.fs.nodes[from]
	if !ok {
		return Status(noSuchFile)
	}
	if _, exists := c.fs.nodes[to]; exists {
		return Status(opFailure)
	}
	if parent, ok := c.fs.nodes[path.Dir(to)]; !ok || !parent.dir {
		return Status(noSuchFile)
	}
	delete(c.fs.nodes, from)
	c.fs.nodes[to] = n
	return nil
}

func (c *fsChannel) Stat(p string) (os.FileInfo, error) {
	if err := c.fs.before(c, "stat", p); err != nil {
		return nil, err
	}
	c.fs.mu.Lock()
	defer c.fs.mu.Unlock()

	n, ok := c.fs.nodes[p]
	if !ok {
		return nil, &os.PathError{Op: "stat", Path: p, Err: os.ErrNotExist}
	}
	return info(path.Base(p), n), nil
}

// ReadDir includes "." and ".." like a raw SFTP listing
func (c *fsChannel) ReadDir(p string) ([]os.FileInfo, error) {
	if err := c.fs.before(c, "readdir", p); err != nil {
		return nil, err
	}
	c.fs.mu.Lock()
	defer c.fs.mu.Unlock()

	dir, ok := c.fs.nodes[p]
	if !ok {
		return nil, Status(noSuchFile)
	}
	if !dir.dir {
		return nil, Status(opFailure)
	}

	out := []os.FileInfo{info(".", dir), info("..", dir)}
	var names []string
	for other := range c.fs.nodes {
		if other != p && path.Dir(other) == p {
			names = append(names, other)
		}
	}
	sort.Strings(names)
	for _, name := range names {
		out = append(out, info(path.Base(name), c.fs.nodes[name]))
	}
	return out, nil
}

func (c *fsChannel) Chmod(p string, mode os.FileMode) error {
	if err := c.fs.before(c, "chmod", p); err != nil {
		return err
	}
	c.fs.mu.Lock()
	defer c.fs.mu.Unlock()

	n, ok := c.fs.nodes[p]
	if !ok {
		return Status(noSuchFile)
	}
	n.mode = (n.mode &^ os.ModePerm) | mode.Perm()
	return nil
}

func (c *fsChannel) Create(p string) (io.WriteCloser, error) {
	if err := c.fs.before(c, "create", p); err != nil {
		return nil, err
	}
	c.fs.mu.Lock()
	defer c.fs.mu.Unlock()

	if parent, ok := c.fs.nodes[path.Dir(p)]; !ok || !parent.dir {
		return nil, Status(noSuchFile)
	}
	n, ok := c.fs.nodes[p]
	if ok && n.dir {
		return nil, Status(opFailure)
	}
	if !ok {
		n = &node{mode: 0644}
		c.fs.nodes[p] = n
	}
	n.data = nil
	n.modTime = time.Now()
	return &fileWriter{c: c, p: p, n: n}, nil
}

func (c *fsChannel) Open(p string) (io.ReadCloser, error) {
	if err := c.fs.before(c, "open", p); err != nil {
		return nil, err
	}
	c.fs.mu.Lock()
	defer c.fs.mu.Unlock()

	n, ok := c.fs.nodes[p]
	if !ok {
		return nil, Status(noSuchFile)
	}
	if n.dir {
		return nil, Status(opFailure)
	}
	return &fileReader{c: c, p: p, r: bytes.NewReader(append([]byte(nil), n.data...))}, nil
}

// fileWriter writes through to the node, like a remote file does
type fileWriter struct {
	c *fsChannel
	p string
	n *node
}

func (w *fileWriter) Write(b []byte) (int, error) {
	if err := w.c.fs.before(w.c, "write", w.p); err != nil {
		return 0, err
	}
	w.c.fs.mu.Lock()
	defer w.c.fs.mu.Unlock()
	w.n.data = append(w.n.data, b...)
	return len(b), nil
}

func (w *fileWriter) Close() error { return nil }

type fileReader struct {
	c *fsChannel
	p string
	r *bytes.Reader
}

func (r *fileReader) Read(b []byte) (int, error) {
	if err := r.c.fs.before(r.c, "read", r.p); err != nil {
		return 0, err
	}
	return r.r.Read(b)
}

func (r *fileReader) Close() error { return nil }

type fileInfo struct {
	name string
	n    node
}

func info(name string, n *node) os.FileInfo {
	return fileInfo{name: name, n: *n}
}

func (f fileInfo) Name() string       { return f.name }
func (f fileInfo) Size() int64        { return int64(len(f.n.data)) }
func (f fileInfo) Mode() os.FileMode  { return f.n.mode }
func (f fileInfo) ModTime() time.Time { return f.n.modTime }
func (f fileInfo) IsDir() bool        { return f.n.dir }
func (f fileInfo) Sys() any           { return nil }
