// Copyright 2024 Google LLC
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

// Package pverror defines the domain error kinds shared by the image builder's packages.
package pverror

import "fmt"

// Kind identifies which subsystem a Error originated from.
type Kind string

// The five domains an error can be attributed to.
const (
	Parse     Kind = "PARSE"
	Image     Kind = "IMAGE"
	Component Kind = "COMPONENT"
	Crypto    Kind = "CRYPTO"
	IO        Kind = "IO"
)

// Error is a domain error tagged with the subsystem (Kind) and a short machine-checkable Code
// within that subsystem, wrapping whatever caused it.
type Error struct {
	K    Kind
	Code string
	Err  error
}

// Error renders the domain, code, and wrapped cause.
func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s/%s", e.K, e.Code)
	}
	return fmt.Sprintf("%s/%s: %v", e.K, e.Code, e.Err)
}

// Unwrap allows errors.Is/errors.As to see through to the wrapped cause.
func (e *Error) Unwrap() error { return e.Err }

// New returns an Error of the given kind and code wrapping err.
func New(k Kind, code string, err error) *Error {
	return &Error{K: k, Code: code, Err: err}
}

// Newf is New with a formatted cause.
func Newf(k Kind, code string, format string, args ...any) *Error {
	return &Error{K: k, Code: code, Err: fmt.Errorf(format, args...)}
}

// Internal wraps err as an implementation-bug-class error within kind k. Callers that hit this
// should treat it like an assertion failure, not a recoverable condition.
func Internal(k Kind, err error) *Error {
	return &Error{K: k, Code: "internal", Err: err}
}
