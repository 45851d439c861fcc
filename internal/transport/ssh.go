package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"time"

	"github.com/pkg/sftp"
	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"

	"sshpool/internal/host"
	"sshpool/internal/logging"
)

// SSHOptions tunes connections opened by SSHProvider
type SSHOptions struct {
	// DefaultConnectTimeout applies when the identity sets none
	DefaultConnectTimeout time.Duration
	// ServerAliveInterval is the keepalive period; zero disables keepalives
	ServerAliveInterval time.Duration
	// ServerAliveCountMax unanswered keepalives mark the session dead
	ServerAliveCountMax int
}

// DefaultSSHOptions returns the stock keepalive and timeout settings
func DefaultSSHOptions() SSHOptions {
	return SSHOptions{
		DefaultConnectTimeout: 5 * time.Second,
		ServerAliveInterval:   15 * time.Second,
		ServerAliveCountMax:   3,
	}
}

// SSHProvider connects with golang.org/x/crypto/ssh and opens SFTP
// sub-channels with github.com/pkg/sftp
type SSHProvider struct {
	opts SSHOptions
}

// NewSSHProvider creates a provider
func NewSSHProvider(opts SSHOptions) *SSHProvider {
	if opts.ServerAliveCountMax <= 0 {
		opts.ServerAliveCountMax = 3
	}
	return &SSHProvider{opts: opts}
}

// Factory parses the identity's credentials into auth methods and host key
// verification. The returned factory keeps no reference to the identity.
func (p *SSHProvider) Factory(id *host.Identity) (Factory, error) {
	if err := id.Validate(); err != nil {
		return nil, fmt.Errorf("invalid identity %s: %w", id.StableKey(), err)
	}

	auth, err := authMethods(id.Auth)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare auth for %s: %w", id.StableKey(), err)
	}

	hostKeys, err := hostKeyCallback(id.KnownHosts)
	if err != nil {
		return nil, err
	}

	timeout := id.ConnectTimeout
	if timeout <= 0 {
		timeout = p.opts.DefaultConnectTimeout
	}

	return &sshFactory{
		addr: id.Address(),
		key:  id.StableKey(),
		config: &ssh.ClientConfig{
			User:            id.Username,
			Auth:            auth,
			HostKeyCallback: hostKeys,
			Timeout:         timeout,
		},
		replyTimeout: id.ReadTimeout,
		opts:         p.opts,
	}, nil
}

type sshFactory struct {
	addr         string
	key          string
	config       *ssh.ClientConfig
	replyTimeout time.Duration
	opts         SSHOptions
}

func (f *sshFactory) Target() string { return f.key }

// Connect dials, runs the handshake and starts the keepalive loop
func (f *sshFactory) Connect(ctx context.Context) (Session, error) {
	dialer := net.Dialer{Timeout: f.config.Timeout}
	conn, err := dialer.DialContext(ctx, "tcp", f.addr)
	if err != nil {
		return nil, &ConnectError{Target: f.key, Err: fmt.Errorf("dial %s: %w", f.addr, err)}
	}

	// The handshake has no context of its own: bound it by the connect
	// timeout and tear the socket down if ctx ends first
	if f.config.Timeout > 0 {
		_ = conn.SetDeadline(time.Now().Add(f.config.Timeout))
	}
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })

	sshConn, chans, reqs, err := ssh.NewClientConn(conn, f.addr, f.config)
	interrupted := !stop()
	if err != nil {
		_ = conn.Close()
		if interrupted {
			err = fmt.Errorf("%w: %v", ctx.Err(), err)
		}
		return nil, &ConnectError{Target: f.key, Err: fmt.Errorf("ssh handshake with %s: %w", f.addr, err)}
	}
	if interrupted {
		_ = sshConn.Close()
		return nil, &ConnectError{Target: f.key, Err: ctx.Err()}
	}
	_ = conn.SetDeadline(time.Time{})

	client := ssh.NewClient(sshConn, chans, reqs)
	s := &sshSession{
		client: client,
		key:    f.key,
		done:   make(chan struct{}),
	}
	go func() {
		_ = client.Wait()
		close(s.done)
	}()

	replyTimeout := f.replyTimeout
	if replyTimeout <= 0 {
		replyTimeout = f.opts.ServerAliveInterval
	}
	go s.keepalive(f.opts.ServerAliveInterval, f.opts.ServerAliveCountMax, replyTimeout)

	logging.Logger().Debug("SSH session established", zap.String("target", f.key))
	return s, nil
}

type sshSession struct {
	client *ssh.Client
	key    string
	done   chan struct{}
}

func (s *sshSession) IsAlive() bool {
	select {
	case <-s.done:
		return false
	default:
		return true
	}
}

func (s *sshSession) Close() error {
	err := s.client.Close()
	if err != nil && errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

// keepalive closes the connection after countMax unanswered probes
func (s *sshSession) keepalive(interval time.Duration, countMax int, replyTimeout time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	missed := 0
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			if s.ping(replyTimeout) {
				missed = 0
				continue
			}
			missed++
			if missed >= countMax {
				logging.Logger().Debug("SSH keepalive unanswered, closing session",
					zap.String("target", s.key),
					zap.Int("missed", missed))
				_ = s.client.Close()
				return
			}
		}
	}
}

func (s *sshSession) ping(timeout time.Duration) bool {
	reply := make(chan error, 1)
	go func() {
		// A failure reply still proves the peer is there
		_, _, err := s.client.SendRequest("keepalive@openssh.com", true, nil)
		reply <- err
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case err := <-reply:
		return err == nil
	case <-timer.C:
		return false
	case <-s.done:
		return false
	}
}

func (s *sshSession) OpenExec(ctx context.Context) (ExecChannel, error) {
	sess, err := openWithContext(ctx, s.client.NewSession, func(sess *ssh.Session) { _ = sess.Close() })
	if err != nil {
		return nil, fmt.Errorf("failed to open exec channel: %w", err)
	}
	return &sshExec{sess: sess, key: s.key}, nil
}

func (s *sshSession) OpenTransfer(ctx context.Context) (TransferChannel, error) {
	open := func() (*sftp.Client, error) { return sftp.NewClient(s.client) }
	client, err := openWithContext(ctx, open, func(c *sftp.Client) { _ = c.Close() })
	if err != nil {
		return nil, fmt.Errorf("failed to open sftp channel: %w", err)
	}
	return NewSFTPChannel(client), nil
}

// openWithContext runs a blocking open and gives up when ctx ends.
// A late success is discarded.
func openWithContext[T any](ctx context.Context, open func() (T, error), discard func(T)) (T, error) {
	type result struct {
		v   T
		err error
	}
	ch := make(chan result, 1)
	go func() {
		v, err := open()
		ch <- result{v, err}
	}()

	select {
	case r := <-ch:
		return r.v, r.err
	case <-ctx.Done():
		go func() {
			if r := <-ch; r.err == nil {
				discard(r.v)
			}
		}()
		var zero T
		return zero, ctx.Err()
	}
}

type sshExec struct {
	sess *ssh.Session
	key  string
}

// Setenv forwards the variable; servers without a matching AcceptEnv
// refuse it, which is not fatal
func (e *sshExec) Setenv(name, value string) error {
	if err := e.sess.Setenv(name, value); err != nil {
		logging.Logger().Debug("server refused environment variable",
			zap.String("target", e.key),
			zap.String("name", name),
			zap.Error(err))
	}
	return nil
}

func (e *sshExec) RequestPty(term string) error {
	if term == "" {
		term = "vt100"
	}
	modes := ssh.TerminalModes{
		ssh.ECHO:          0,
		ssh.TTY_OP_ISPEED: 14400,
		ssh.TTY_OP_OSPEED: 14400,
	}
	return e.sess.RequestPty(term, 24, 80, modes)
}

func (e *sshExec) SetOutput(stdout, stderr io.Writer) {
	e.sess.Stdout = stdout
	e.sess.Stderr = stderr
}

func (e *sshExec) Start(command string) error {
	return e.sess.Start(command)
}

func (e *sshExec) Wait() (int, error) {
	err := e.sess.Wait()
	if err == nil {
		return 0, nil
	}
	var exitErr *ssh.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitStatus(), nil
	}
	return -1, err
}

func (e *sshExec) Close() error {
	err := e.sess.Close()
	if err != nil && errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

// sftpChannel adapts *sftp.Client to TransferChannel
type sftpChannel struct {
	client *sftp.Client
}

// NewSFTPChannel wraps an SFTP client
func NewSFTPChannel(client *sftp.Client) TransferChannel {
	return &sftpChannel{client: client}
}

func (c *sftpChannel) Mkdir(path string) error      { return c.client.Mkdir(path) }
func (c *sftpChannel) Remove(path string) error     { return c.client.Remove(path) }
func (c *sftpChannel) Rename(from, to string) error { return c.client.Rename(from, to) }

func (c *sftpChannel) Stat(path string) (os.FileInfo, error) {
	return c.client.Stat(path)
}

func (c *sftpChannel) ReadDir(path string) ([]os.FileInfo, error) {
	return c.client.ReadDir(path)
}

func (c *sftpChannel) Chmod(path string, mode os.FileMode) error {
	return c.client.Chmod(path, mode)
}

func (c *sftpChannel) Create(path string) (io.WriteCloser, error) {
	f, err := c.client.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC)
	if err != nil {
		return nil, err
	}
	return f, nil
}

func (c *sftpChannel) Open(path string) (io.ReadCloser, error) {
	f, err := c.client.Open(path)
	if err != nil {
		return nil, err
	}
	return f, nil
}

func (c *sftpChannel) Close() error {
	return c.client.Close()
}
