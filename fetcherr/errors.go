// Copyright 2023-2025 Buf Technologies, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package fetcherr defines the kinds of failure a fetch can report.
//
// Every error returned by a connection, a pool or the client that stems
// from the network or from the bytes a server sent is an [*Error] carrying
// one of four kinds. Callers test for a kind with [errors.Is]:
//
//	if errors.Is(err, fetcherr.TimedOut) {
//	    // back off and try again later
//	}
//
// A [TimedOut] error is also a [Network] error, so code that only cares
// about "the network failed" can check for [Network] alone.
package fetcherr

import (
	"errors"
	"fmt"
)

// Kind classifies a fetch failure. A Kind is itself an error so that it
// can be used as the target of [errors.Is].
type Kind int

const (
	// Network is a generic connect, read or write failure: connection
	// refused or reset, name resolution failure, unexpected EOF.
	Network Kind = iota + 1
	// TimedOut means a connect or read exceeded its deadline.
	TimedOut
	// SSLVerification means the TLS peer's certificate could not be
	// verified against the configured trust store.
	SSLVerification
	// Protocol means the bytes received do not form a valid HTTP/1.x
	// response.
	Protocol
)

// Error implements the error interface.
func (k Kind) Error() string {
	switch k {
	case Network:
		return "network error"
	case TimedOut:
		return "network timed out"
	case SSLVerification:
		return "ssl verification error"
	case Protocol:
		return "protocol error"
	default:
		return fmt.Sprintf("unknown error kind %d", int(k))
	}
}

// Error is a classified fetch failure.
type Error struct {
	Kind Kind
	// Op names the step that failed, like "connect" or "read response".
	Op string
	// Err is the underlying cause. It may be nil.
	Err error
}

// New returns an error of the given kind wrapping err.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Errorf returns an error of the given kind whose cause is formatted
// according to format.
func Errorf(kind Kind, op string, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

func (e *Error) Error() string {
	msg := e.Kind.Error()
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is this error's Kind. TimedOut errors also
// match Network.
func (e *Error) Is(target error) bool {
	kind, ok := target.(Kind)
	if !ok {
		return false
	}
	if e.Kind == kind {
		return true
	}
	return kind == Network && e.Kind == TimedOut
}

// KindOf returns the Kind of the first *Error in err's chain, or zero if
// there is none.
func KindOf(err error) Kind {
	var fetchErr *Error
	if errors.As(err, &fetchErr) {
		return fetchErr.Kind
	}
	return 0
}
