// Package sqrlerr defines the daemon's error taxonomy so callers can branch
// on failure class with errors.Is/errors.As instead of matching strings.
package sqrlerr

import (
	"errors"
	"fmt"
)

// Class is one of the seven kinds of failure the daemon distinguishes.
type Class int

const (
	// ClassIo covers filesystem or socket I/O failures.
	ClassIo Class = iota
	// ClassParse covers malformed JSON or log entries; always recoverable.
	ClassParse
	// ClassProtocol covers well-formed JSON that violates a protocol contract.
	ClassProtocol
	// ClassValidation covers semantic errors on a memory op.
	ClassValidation
	// ClassUnavailable covers an extractor/embedder that can't be reached.
	ClassUnavailable
	// ClassStore covers relational or vector engine errors.
	ClassStore
	// ClassFatal covers unrecoverable startup problems.
	ClassFatal
)

func (c Class) String() string {
	switch c {
	case ClassIo:
		return "io"
	case ClassParse:
		return "parse"
	case ClassProtocol:
		return "protocol"
	case ClassValidation:
		return "validation"
	case ClassUnavailable:
		return "unavailable"
	case ClassStore:
		return "store"
	case ClassFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Error is a classified error that wraps an underlying cause.
type Error struct {
	Class Class
	Msg   string
	Cause error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Class, e.Msg, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Class, e.Msg)
}

func (e *Error) Unwrap() error { return e.Cause }

// Is lets errors.Is match on class alone: any *Error of the same class
// matches, such as the sentinels below, whatever its message.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Class == t.Class
}

func newf(class Class, format string, args ...interface{}) *Error {
	return &Error{Class: class, Msg: fmt.Sprintf(format, args...)}
}

func wrap(class Class, msg string, cause error) *Error {
	return &Error{Class: class, Msg: msg, Cause: cause}
}

// Sentinels for errors.Is comparisons against a bare class.
var (
	ErrIo          = &Error{Class: ClassIo, Msg: "io"}
	ErrParse       = &Error{Class: ClassParse, Msg: "parse"}
	ErrProtocol    = &Error{Class: ClassProtocol, Msg: "protocol"}
	ErrValidation  = &Error{Class: ClassValidation, Msg: "validation"}
	ErrUnavailable = &Error{Class: ClassUnavailable, Msg: "unavailable"}
	ErrStore       = &Error{Class: ClassStore, Msg: "store"}
	ErrFatal       = &Error{Class: ClassFatal, Msg: "fatal"}
)

// Io wraps cause as an I/O error.
func Io(msg string, cause error) error { return wrap(ClassIo, msg, cause) }

// Parse wraps cause as a parse error.
func Parse(msg string, cause error) error { return wrap(ClassParse, msg, cause) }

// Protocol reports a protocol-contract violation.
func Protocol(format string, args ...interface{}) error { return newf(ClassProtocol, format, args...) }

// Validation reports a semantic validation failure on a memory op.
func Validation(format string, args ...interface{}) error {
	return newf(ClassValidation, format, args...)
}

// Unavailable wraps cause as "extractor/embedder unreachable".
func Unavailable(msg string, cause error) error { return wrap(ClassUnavailable, msg, cause) }

// Store wraps cause as a relational/vector engine error.
func Store(msg string, cause error) error { return wrap(ClassStore, msg, cause) }

// Fatal wraps cause as an unrecoverable startup error.
func Fatal(msg string, cause error) error { return wrap(ClassFatal, msg, cause) }

// ClassOf extracts the Class of err, if it (or something it wraps) is a *Error.
func ClassOf(err error) (Class, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Class, true
	}
	return 0, false
}
