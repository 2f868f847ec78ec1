// Copyright IBM Corp. 2023, 2025
// SPDX-License-Identifier: MPL-2.0

// Package failure provides the error taxonomy of the archive engine.
//
// Every error returned by the engine carries a stable, machine-readable [Kind]
// and a human-readable message. Errors of the same kind match each other with
// [errors.Is], so callers can compare against the exported sentinels:
//
//	if errors.Is(err, failure.ErrPasswordRequired) {
//		// ask for a password and retry
//	}
package failure

import (
	"errors"
	"fmt"
)

// Kind is the machine-readable category of an error.
type Kind string

const (
	UnsupportedFormat            Kind = "UnsupportedFormat"
	PasswordRequired             Kind = "PasswordRequired"
	InvalidPassword              Kind = "InvalidPassword"
	CorruptArchive               Kind = "CorruptArchive"
	EntryNotFound                Kind = "EntryNotFound"
	UnsupportedCompressionMethod Kind = "UnsupportedCompressionMethod"
	WorkerCrash                  Kind = "WorkerCrash"
	WorkerUnavailable            Kind = "WorkerUnavailable"
	TaskTimeout                  Kind = "TaskTimeout"
	MemoryExhausted              Kind = "MemoryExhausted"
	InitializationFailed         Kind = "InitializationFailed"
	Busy                         Kind = "Busy"

	// Discarded is returned if the archive was replaced or cleaned up while an
	// operation on it was in flight. The result of the operation is dropped.
	Discarded Kind = "Discarded"

	// Unknown is used for errors that do not belong to the taxonomy, e.g.,
	// a code received from an execution context that this version does not know.
	Unknown Kind = "Unknown"
)

// kinds lists every known kind, used to validate codes received over the
// execution context boundary.
var kinds = map[Kind]struct{}{
	UnsupportedFormat:            {},
	PasswordRequired:             {},
	InvalidPassword:              {},
	CorruptArchive:               {},
	EntryNotFound:                {},
	UnsupportedCompressionMethod: {},
	WorkerCrash:                  {},
	WorkerUnavailable:            {},
	TaskTimeout:                  {},
	MemoryExhausted:              {},
	InitializationFailed:         {},
	Busy:                         {},
	Discarded:                    {},
}

// ParseKind returns the kind for code, or [Unknown] if code is not a known kind.
func ParseKind(code string) Kind {
	if _, ok := kinds[Kind(code)]; ok {
		return Kind(code)
	}
	return Unknown
}

// Sentinels for use with errors.Is.
var (
	ErrUnsupportedFormat            = &Error{Kind: UnsupportedFormat, Msg: "unsupported archive format"}
	ErrPasswordRequired             = &Error{Kind: PasswordRequired, Msg: "password required"}
	ErrInvalidPassword              = &Error{Kind: InvalidPassword, Msg: "invalid password"}
	ErrCorruptArchive               = &Error{Kind: CorruptArchive, Msg: "corrupt archive"}
	ErrEntryNotFound                = &Error{Kind: EntryNotFound, Msg: "entry not found"}
	ErrUnsupportedCompressionMethod = &Error{Kind: UnsupportedCompressionMethod, Msg: "unsupported compression method"}
	ErrWorkerCrash                  = &Error{Kind: WorkerCrash, Msg: "execution context crashed"}
	ErrWorkerUnavailable            = &Error{Kind: WorkerUnavailable, Msg: "execution host unavailable"}
	ErrTaskTimeout                  = &Error{Kind: TaskTimeout, Msg: "task timed out"}
	ErrMemoryExhausted              = &Error{Kind: MemoryExhausted, Msg: "memory budget exhausted"}
	ErrInitializationFailed         = &Error{Kind: InitializationFailed, Msg: "initialization failed"}
	ErrBusy                         = &Error{Kind: Busy, Msg: "operation already in progress"}
	ErrDiscarded                    = &Error{Kind: Discarded, Msg: "archive was replaced while the operation was in flight"}
)

// Error is an error with a stable kind.
type Error struct {
	// Kind is the machine-readable category.
	Kind Kind

	// Msg is the human-readable message.
	Msg string

	// Err is the optional underlying cause.
	Err error
}

// New returns an error of kind k with a formatted message.
func New(k Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: k, Msg: fmt.Sprintf(format, args...)}
}

// Wrap returns an error of kind k that wraps err. If err is nil, nil is returned.
func Wrap(k Kind, err error, msg string) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: k, Msg: msg, Err: err}
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is an *Error of the same kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// KindOf returns the kind of the first *Error in err's chain, or [Unknown].
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Unknown
}

// Message returns the message of the first *Error in err's chain, including
// its cause, but without the kind prefix. Other errors return err.Error().
func Message(err error) string {
	var e *Error
	if errors.As(err, &e) {
		if e.Err != nil {
			return fmt.Sprintf("%s: %v", e.Msg, e.Err)
		}
		return e.Msg
	}
	return err.Error()
}
