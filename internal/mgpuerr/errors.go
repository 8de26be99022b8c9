// Copyright 2016 Platina Systems, Inc. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package mgpuerr defines the error kinds returned across the mgpu driver
// core. Every public operation in the core returns exactly one of these
// kinds (wrapped with call-site context) or nil; there are no bare errors.
package mgpuerr

import (
	"errors"
	"fmt"
)

// Kind is one of the driver-wide error categories. These correspond to the
// negative errno values returned by the original C driver (mgpu_*.c):
// InvalidArgument=-EINVAL, OutOfMemory=-ENOMEM, Busy=-EBUSY,
// Timeout=-ETIMEDOUT, HardwareError=-EIO, PermissionDenied=-EPERM,
// Cancelled=-ECANCELED, NotFound=-ENOENT, AlreadyInProgress=-EINPROGRESS.
type Kind int

const (
	InvalidArgument Kind = iota
	OutOfMemory
	Busy
	Timeout
	HardwareError
	PermissionDenied
	Cancelled
	NotFound
	AlreadyInProgress
)

func (k Kind) String() string {
	switch k {
	case InvalidArgument:
		return "invalid argument"
	case OutOfMemory:
		return "out of memory"
	case Busy:
		return "busy"
	case Timeout:
		return "timeout"
	case HardwareError:
		return "hardware error"
	case PermissionDenied:
		return "permission denied"
	case Cancelled:
		return "cancelled"
	case NotFound:
		return "not found"
	case AlreadyInProgress:
		return "already in progress"
	default:
		return fmt.Sprintf("mgpuerr.Kind(%d)", int(k))
	}
}

// Error wraps a Kind with call-site context and an optional underlying
// cause. Components construct these with the New/Wrap helpers below rather
// than composing *Error literals, so that every return site reads as one of
// the nine kinds.
type Error struct {
	Kind Kind
	Op   string
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	case e.Msg != "":
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Kind, e.Msg)
	default:
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Is allows errors.Is(err, mgpuerr.New(...)) and errors.Is(err, someKindErr)
// style matching by Kind alone, ignoring Op/Msg/Err.
func (e *Error) Is(target error) bool {
	other, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == other.Kind
}

// New constructs an *Error carrying kind, tagged with the operation name
// that failed.
func New(op string, kind Kind, msg string) *Error {
	return &Error{Kind: kind, Op: op, Msg: msg}
}

// Wrap attaches kind to an existing error without discarding it.
func Wrap(op string, kind Kind, err error) *Error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// Of reports the Kind of err if it is (or wraps) an *Error, and ok=false
// otherwise.
func Of(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return 0, false
}

// Sentinel returns a zero-context *Error of kind k, suitable as a comparison
// target for errors.Is.
func Sentinel(k Kind) *Error { return &Error{Kind: k} }
