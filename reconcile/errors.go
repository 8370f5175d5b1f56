package reconcile

import (
	"errors"
	"fmt"

	"bitbucket.org/mmdatafocus/lotsync_backend/mrpeasy"
)

// ErrorKind is the closed failure taxonomy for a reconciliation run.
// Only KindTransient is eligible for retry; everything else terminates the
// workflow on first occurrence.
type ErrorKind string

const (
	KindNone      ErrorKind = ""
	KindNotFound  ErrorKind = "not_found"
	KindAmbiguous ErrorKind = "ambiguous"
	KindFatal     ErrorKind = "fatal"
	KindConflict  ErrorKind = "conflict"
	KindTransient ErrorKind = "transient"
)

func (k ErrorKind) Retryable() bool {
	return k == KindTransient
}

type Error struct {
	Kind    ErrorKind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

func NewError(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func WrapError(kind ErrorKind, err error, message string) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// KindOf extracts the error kind, classifying raw client errors that were
// not wrapped yet. Unknown errors are fatal: retrying something we cannot
// classify risks hammering the API for nothing.
func KindOf(err error) ErrorKind {
	if err == nil {
		return KindNone
	}
	var rerr *Error
	if errors.As(err, &rerr) {
		return rerr.Kind
	}
	return classifyRemote(err)
}

// classifyRemote maps MRPeasy client errors onto the taxonomy.
func classifyRemote(err error) ErrorKind {
	switch {
	case mrpeasy.IsAuthFailure(err):
		return KindFatal
	case errors.Is(err, mrpeasy.ErrOrderNotFound):
		return KindNotFound
	case mrpeasy.IsTransient(err):
		return KindTransient
	default:
		return KindFatal
	}
}

// wrapRemote attaches a kind to a raw client error, preserving an existing
// kind if one is already present.
func wrapRemote(err error, message string) *Error {
	var rerr *Error
	if errors.As(err, &rerr) {
		return rerr
	}
	return &Error{Kind: classifyRemote(err), Message: message, Err: err}
}
