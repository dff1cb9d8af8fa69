package fleet

import (
	"context"
	"errors"
	"fmt"
)

// Kind classifies a failure so transport code can pick a response status
// without string matching.
type Kind int

const (
	KindInternal Kind = iota
	KindAuth
	KindValidation
	KindNotFound
	KindConflict
	KindOffline
	KindUnavailable
)

// Error is the failure type returned by Service operations.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Msg + ": " + e.Err.Error()
	}
	return e.Msg
}

func (e *Error) Unwrap() error { return e.Err }

func Authf(format string, args ...any) *Error {
	return &Error{Kind: KindAuth, Msg: fmt.Sprintf(format, args...)}
}

func Validationf(format string, args ...any) *Error {
	return &Error{Kind: KindValidation, Msg: fmt.Sprintf(format, args...)}
}

func NotFoundf(format string, args ...any) *Error {
	return &Error{Kind: KindNotFound, Msg: fmt.Sprintf(format, args...)}
}

func Conflictf(format string, args ...any) *Error {
	return &Error{Kind: KindConflict, Msg: fmt.Sprintf(format, args...)}
}

func Offlinef(format string, args ...any) *Error {
	return &Error{Kind: KindOffline, Msg: fmt.Sprintf(format, args...)}
}

func Unavailablef(format string, args ...any) *Error {
	return &Error{Kind: KindUnavailable, Msg: fmt.Sprintf(format, args...)}
}

// KindOf extracts the classification from err, unwrapping as needed.
// Context expiry counts as unavailable: the operation rolled back and a
// retry is safe. Anything else unclassified is internal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return KindUnavailable
	}
	return KindInternal
}

// IsKind reports whether err carries the given classification.
func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}
