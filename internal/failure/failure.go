// Package failure maps transport, filesystem and local stream errors onto a
// closed set of categories that callers and retry strategies act on.
//
// Errors keep their cause: a *Error unwraps to whatever the transport
// returned, so errors.Is(err, context.Canceled) or errors.As(err, &*sftp.StatusError)
// keep working after classification.
package failure

import (
	"errors"
	"fmt"
	"strings"
)

// Category is the actionable class of a failure
type Category int

const (
	Unclassified Category = iota
	ConnectionFailure
	AuthenticationFailure
	NoSuchFile
	PermissionDenied
	AlreadyExists
	OperationUnsupported
	OperationFailed
	LocalIOFailure
	Interrupted
)

var categoryNames = map[Category]string{
	Unclassified:          "unclassified",
	ConnectionFailure:     "connection_failure",
	AuthenticationFailure: "authentication_failure",
	NoSuchFile:            "no_such_file",
	PermissionDenied:      "permission_denied",
	AlreadyExists:         "already_exists",
	OperationUnsupported:  "operation_unsupported",
	OperationFailed:       "operation_failed",
	LocalIOFailure:        "local_io_failure",
	Interrupted:           "interrupted",
}

func (c Category) String() string {
	if name, ok := categoryNames[c]; ok {
		return name
	}
	return fmt.Sprintf("category(%d)", int(c))
}

// Retryable reports whether repeating the operation can change the outcome
func (c Category) Retryable() bool {
	switch c {
	case ConnectionFailure, OperationFailed, Unclassified:
		return true
	default:
		return false
	}
}

// Error is a classified failure of one template operation
type Error struct {
	Category Category
	Op       string
	Host     string
	Attempts int
	Err      error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Op)
	if e.Host != "" {
		b.WriteString(" on ")
		b.WriteString(e.Host)
	}
	b.WriteString(" failed")
	if e.Attempts > 1 {
		fmt.Fprintf(&b, " after %d attempts", e.Attempts)
	}
	fmt.Fprintf(&b, " (%s)", e.Category)
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New builds a classified error for op. A nil cause yields nil.
func New(op string, err error) *Error {
	if err == nil {
		return nil
	}
	var existing *Error
	if errors.As(err, &existing) {
		out := *existing
		if out.Op == "" {
			out.Op = op
		}
		return &out
	}
	return &Error{Category: Classify(err), Op: op, Err: err}
}

// CategoryOf returns the category of err, classifying it when needed
func CategoryOf(err error) Category {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Category
	}
	return Classify(err)
}

// Is reports whether err belongs to category c
func Is(err error, c Category) bool {
	return err != nil && CategoryOf(err) == c
}

// Categorizer is implemented by errors that know their own category
type Categorizer interface {
	Category() Category
}

// ErrAlreadyExists marks a refused overwrite
var ErrAlreadyExists = errors.New("already exists")

// ErrPoolExhausted is returned when no session slot frees up in time
var ErrPoolExhausted = errors.New("session pool exhausted")

type existsError struct {
	path string
}

func (e *existsError) Error() string {
	return fmt.Sprintf("%s: %v", e.path, ErrAlreadyExists)
}

func (e *existsError) Unwrap() error { return ErrAlreadyExists }

// Exists builds the failure returned when path is present and overwrite is off
func Exists(path string) error {
	return &existsError{path: path}
}

type localError struct {
	err error
}

func (e *localError) Error() string { return "local stream: " + e.err.Error() }
func (e *localError) Unwrap() error { return e.err }

// Local marks err as coming from a caller-supplied reader or writer
func Local(err error) error {
	if err == nil {
		return nil
	}
	return &localError{err: err}
}
