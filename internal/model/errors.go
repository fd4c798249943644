// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package model

import (
	"errors"
	"fmt"
)

// ErrorKind classifies every failure the engine can report
type ErrorKind string

// Error kinds carried on operation results
const (
	KindNotFound        ErrorKind = "not_found"
	KindInvalid         ErrorKind = "invalid"
	KindIo              ErrorKind = "io"
	KindConflict        ErrorKind = "conflict"
	KindCancelled       ErrorKind = "cancelled"
	KindCorrupt         ErrorKind = "corrupt"
	KindExternalFailure ErrorKind = "external_failure"
)

// Error is a typed engine error. All operations return these as values;
// no control flow relies on panics.
type Error struct {
	Kind ErrorKind
	Msg  string
	Err  error
}

// Error implements the error interface
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

// Unwrap returns the wrapped cause, if any
func (e *Error) Unwrap() error {
	return e.Err
}

// NewError creates a typed error with a formatted message
func NewError(kind ErrorKind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// WrapError creates a typed error wrapping an underlying cause
func WrapError(kind ErrorKind, err error, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...), Err: err}
}

// KindOf extracts the ErrorKind from err, walking the wrap chain.
// Unclassified errors report as ExternalFailure.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindExternalFailure
}

// IsNotFound reports whether err is a NotFound error
func IsNotFound(err error) bool {
	return KindOf(err) == KindNotFound
}

// IsInvalid reports whether err is an Invalid error
func IsInvalid(err error) bool {
	return KindOf(err) == KindInvalid
}

// IsConflict reports whether err is a Conflict error
func IsConflict(err error) bool {
	return KindOf(err) == KindConflict
}
