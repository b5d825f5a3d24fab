/**
* Copyright 2018 Comcast Cable Communications Management, LLC
* Licensed under the Apache License, Version 2.0 (the "License");
* you may not use this file except in compliance with the License.
* You may obtain a copy of the License at
* http://www.apache.org/licenses/LICENSE-2.0
* Unless required by applicable law or agreed to in writing, software
* distributed under the License is distributed on an "AS IS" BASIS,
* WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
* See the License for the specific language governing permissions and
* limitations under the License.
 */

// Package errs defines the typed error kinds smithproxy's error handling
// design (spec §7) distinguishes: Config and Bind errors are fatal at
// startup, Parse/Transport errors are recovered at the session boundary,
// Policy is the implicit-deny verdict, and Cryptographic errors are fatal
// at startup or per-session depending on when they occur.
package errs

import "fmt"

// Kind enumerates the error categories smithproxy callers branch on.
type Kind int

const (
	KindConfig Kind = iota
	KindBind
	KindParse
	KindTransport
	KindPolicy
	KindCryptographic
)

func (k Kind) String() string {
	switch k {
	case KindConfig:
		return "config"
	case KindBind:
		return "bind"
	case KindParse:
		return "parse"
	case KindTransport:
		return "transport"
	case KindPolicy:
		return "policy"
	case KindCryptographic:
		return "cryptographic"
	default:
		return "unknown"
	}
}

// Error is a typed error carrying a Kind so callers can branch on category
// without parsing error strings.
type Error struct {
	kind    Kind
	message string
	cause   error
}

// New builds an Error of the given kind.
func New(k Kind, format string, args ...interface{}) *Error {
	return &Error{kind: k, message: fmt.Sprintf(format, args...)}
}

// Wrap builds an Error of the given kind around an underlying cause.
func Wrap(k Kind, cause error, format string, args ...interface{}) *Error {
	return &Error{kind: k, message: fmt.Sprintf(format, args...), cause: cause}
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.kind, e.message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.kind, e.message)
}

// Unwrap supports errors.Is/errors.As against the wrapped cause.
func (e *Error) Unwrap() error { return e.cause }

// Kind reports the error's category.
func (e *Error) Kind() Kind { return e.kind }

// IsKind reports whether err is an *Error of kind k.
func IsKind(err error, k Kind) bool {
	e, ok := err.(*Error)
	return ok && e.kind == k
}
