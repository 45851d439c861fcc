// Package transport abstracts the SSH connection, exec channels and SFTP
// sub-channels the session layer pools and the templates operate on.
package transport

import (
	"context"
	"errors"
	"io"
	"os"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/crypto/ssh/knownhosts"

	"sshpool/internal/failure"
	"sshpool/internal/host"
	"sshpool/internal/logging"
)

// Provider turns a resolved identity into a connection factory.
// The factory must not depend on the identity's secret fields after
// Factory returns: callers clear them right away.
type Provider interface {
	Factory(id *host.Identity) (Factory, error)
}

// Factory opens new sessions to one target
type Factory interface {
	Connect(ctx context.Context) (Session, error)
	Target() string
}

// Session is one authenticated connection
type Session interface {
	IsAlive() bool
	OpenExec(ctx context.Context) (ExecChannel, error)
	OpenTransfer(ctx context.Context) (TransferChannel, error)
	Close() error
}

// ExecChannel runs one remote command
type ExecChannel interface {
	Setenv(name, value string) error
	RequestPty(term string) error
	SetOutput(stdout, stderr io.Writer)
	Start(command string) error
	// Wait blocks until the command exits and returns its exit code.
	// A non-zero exit is not an error.
	Wait() (int, error)
	Close() error
}

// TransferChannel is an SFTP sub-channel
type TransferChannel interface {
	Mkdir(path string) error
	Remove(path string) error
	Rename(from, to string) error
	ReadDir(path string) ([]os.FileInfo, error)
	Stat(path string) (os.FileInfo, error)
	Chmod(path string, mode os.FileMode) error
	Create(path string) (io.WriteCloser, error)
	Open(path string) (io.ReadCloser, error)
	Close() error
}

// ConnectError is returned when a session cannot be established
type ConnectError struct {
	Target string
	Err    error
}

func (e *ConnectError) Error() string {
	return "connect " + e.Target + ": " + e.Err.Error()
}

func (e *ConnectError) Unwrap() error { return e.Err }

// Category tells rejected logins and untrusted host keys apart from
// unreachable hosts
func (e *ConnectError) Category() failure.Category {
	var keyErr *knownhosts.KeyError
	if errors.As(e.Err, &keyErr) || strings.Contains(e.Err.Error(), "knownhosts:") {
		return failure.AuthenticationFailure
	}
	if failure.IsAuthMessage(innermost(e.Err).Error()) {
		return failure.AuthenticationFailure
	}
	return failure.ConnectionFailure
}

// innermost drops the dial and handshake prefixes, which carry the address
func innermost(err error) error {
	for {
		next := errors.Unwrap(err)
		if next == nil {
			return err
		}
		err = next
	}
}

// SafeClose closes a resource and logs the error, if any
func SafeClose(name string, closer func() error) {
	if err := closer(); err != nil {
		logging.Logger().Debug("failed to close resource",
			zap.String("resource", name),
			zap.Error(err))
	}
}
