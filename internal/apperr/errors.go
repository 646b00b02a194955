// Package apperr defines the error taxonomy shared by the mirror pipeline.
//
// Every failure that causes a unit of work to be skipped carries one of the
// codes below, so callers can decide whether to retry on the next pass,
// skip a single entity, or treat persisted state as absent.
package apperr

import (
	"errors"
	"fmt"
)

// Code identifies a class of failure.
type Code string

const (
	// CodeTransientFetch: calendar or video fetch failed; retry next pass.
	CodeTransientFetch Code = "FETCH_TRANSIENT"
	// CodeMalformedEvent: a calendar entity lacks its start time; skip it.
	CodeMalformedEvent Code = "MALFORMED_EVENT"
	// CodeStoreDecode: a persisted record could not be parsed; treat as absent.
	CodeStoreDecode Code = "STORE_DECODE"
	// CodeStore: backend I/O failed; abandon the current unit of work.
	CodeStore Code = "STORE"
)

// Error is a coded error with the operation and key it happened on.
type Error struct {
	Code Code
	Op   string
	Key  string
	Err  error
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := string(e.Code)
	if e.Op != "" {
		msg += ": " + e.Op
	}
	if e.Key != "" {
		msg += " " + e.Key
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// NewTransientFetch wraps a calendar/video fetch failure for key (URL or id).
func NewTransientFetch(op, key string, err error) *Error {
	return &Error{Code: CodeTransientFetch, Op: op, Key: key, Err: err}
}

// NewStoreDecode wraps a decode failure of the persisted record at path.
func NewStoreDecode(path string, err error) *Error {
	return &Error{Code: CodeStoreDecode, Op: "decode", Key: path, Err: err}
}

// NewStore wraps a backend I/O failure of op on path.
func NewStore(op, path string, err error) *Error {
	return &Error{Code: CodeStore, Op: op, Key: path, Err: err}
}

// Is reports whether err (or anything it wraps) is an *Error with code.
func Is(err error, code Code) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == code
	}
	return false
}

// CodeOf returns the code of the first *Error in err's chain, or "".
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// Errorf is a convenience for building a coded error from a format string.
func Errorf(code Code, op, key, format string, args ...any) *Error {
	return &Error{Code: code, Op: op, Key: key, Err: fmt.Errorf(format, args...)}
}
