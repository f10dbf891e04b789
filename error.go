package handoff

import (
	"errors"
	"fmt"
)

// ErrorCode is the error taxonomy shared by every component. Codes cross the
// HTTP boundary as snake_case reason strings and come back intact, so the
// coordinator can fold participant-reported failures into log records.
type ErrorCode int

const (
	Unknown ErrorCode = iota
	InvalidArgument
	NotFound
	AlreadyExists
	AlreadyLocked
	WrongTransaction
	Contested
	Duplicate
	Unavailable
	BufferFull
	Partial
	Internal
)

// String returns the wire-level reason string for the code.
func (c ErrorCode) String() string {
	switch c {
	case InvalidArgument:
		return "invalid_argument"
	case NotFound:
		return "not_found"
	case AlreadyExists:
		return "already_exists"
	case AlreadyLocked:
		return "already_locked"
	case WrongTransaction:
		return "wrong_transaction"
	case Contested:
		return "contested"
	case Duplicate:
		return "duplicate"
	case Unavailable:
		return "unavailable"
	case BufferFull:
		return "buffer_full"
	case Partial:
		return "partial"
	case Internal:
		return "internal"
	}
	return "unknown"
}

// Error is the coded error used across the handoff system.
type Error struct {
	Code ErrorCode
	Err  error
}

func (e Error) Error() string {
	if e.Err == nil {
		return e.Code.String()
	}
	return fmt.Sprintf("%s: %v", e.Code, e.Err)
}

func (e Error) Unwrap() error {
	return e.Err
}

// Errorf builds a coded error from a format string.
func Errorf(code ErrorCode, format string, args ...any) error {
	return Error{Code: code, Err: fmt.Errorf(format, args...)}
}

// WrapError attaches a code to an existing error. A nil err returns nil.
func WrapError(code ErrorCode, err error) error {
	if err == nil {
		return nil
	}
	return Error{Code: code, Err: err}
}

// CodeOf extracts the ErrorCode from err, or Unknown when err carries none.
func CodeOf(err error) ErrorCode {
	var e Error
	if errors.As(err, &e) {
		return e.Code
	}
	return Unknown
}

// IsCode reports whether err carries the given code.
func IsCode(err error, code ErrorCode) bool {
	return CodeOf(err) == code
}

// CodeFromReason maps a wire-level reason string back to its code.
func CodeFromReason(reason string) ErrorCode {
	for c := InvalidArgument; c <= Internal; c++ {
		if c.String() == reason {
			return c
		}
	}
	return Unknown
}
