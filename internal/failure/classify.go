package failure

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"net"
	"strings"
	"syscall"

	"github.com/pkg/sftp"
)

var authPhrases = []string{
	"unable to authenticate",
	"authentication fail",
	"no supported methods remain",
	"permission denied (publickey",
	"permission denied (password",
}

// Classify maps an arbitrary error onto a Category
func Classify(err error) Category {
	if err == nil {
		return Unclassified
	}

	var local *localError
	if errors.As(err, &local) {
		return LocalIOFailure
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return Interrupted
	}

	var c Categorizer
	if errors.As(err, &c) {
		return c.Category()
	}

	if cat, ok := sftpCategory(err); ok {
		return cat
	}

	switch {
	case errors.Is(err, ErrAlreadyExists), errors.Is(err, fs.ErrExist):
		return AlreadyExists
	case errors.Is(err, fs.ErrNotExist):
		return NoSuchFile
	case errors.Is(err, fs.ErrPermission):
		return PermissionDenied
	case errors.Is(err, ErrPoolExhausted):
		return ConnectionFailure
	}

	if isConnectionError(err) {
		return ConnectionFailure
	}

	return Unclassified
}

// IsAuthMessage reports whether msg reads like a rejected login. Pass the
// server's own error text: host names and paths in a wrapped message can
// contain anything.
func IsAuthMessage(msg string) bool {
	lower := strings.ToLower(msg)
	for _, phrase := range authPhrases {
		if strings.Contains(lower, phrase) {
			return true
		}
	}
	return false
}

var sftpCategories = []struct {
	fx   error
	code uint32
	cat  Category
}{
	{sftp.ErrSSHFxNoSuchFile, uint32(sftp.ErrSSHFxNoSuchFile), NoSuchFile},
	{sftp.ErrSSHFxPermissionDenied, uint32(sftp.ErrSSHFxPermissionDenied), PermissionDenied},
	{sftp.ErrSSHFxFailure, uint32(sftp.ErrSSHFxFailure), OperationFailed},
	{sftp.ErrSSHFxNoConnection, uint32(sftp.ErrSSHFxNoConnection), ConnectionFailure},
	{sftp.ErrSSHFxConnectionLost, uint32(sftp.ErrSSHFxConnectionLost), ConnectionFailure},
	{sftp.ErrSSHFxOpUnsupported, uint32(sftp.ErrSSHFxOpUnsupported), OperationUnsupported},
}

// sftpCategory handles both status packets and the bare fx codes pkg/sftp
// returns from some client calls
func sftpCategory(err error) (Category, bool) {
	var status *sftp.StatusError
	if errors.As(err, &status) {
		for _, m := range sftpCategories {
			if status.Code == m.code {
				return m.cat, true
			}
		}
		return Unclassified, true
	}
	for _, m := range sftpCategories {
		if errors.Is(err, m.fx) {
			return m.cat, true
		}
	}
	return Unclassified, false
}

func isConnectionError(err error) bool {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrClosedPipe) ||
		errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.EPIPE) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	lower := strings.ToLower(err.Error())
	return strings.Contains(lower, "timeout") ||
		strings.Contains(lower, "timed out") ||
		strings.Contains(lower, "connect") ||
		strings.Contains(lower, "handshake")
}
