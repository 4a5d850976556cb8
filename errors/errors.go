// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

// Package errors implements the error type used throughout docencrypt.
// Every error carries a Kind that classifies the failure in terms of
// the encryption format (bad magic, integrity failure, unknown key
// slot, ...), so that callers such as a directory driver can decide
// how to report a failing file without parsing messages.
//
// None of the kinds are transient: a file or metadata blob that fails
// to decode will fail the same way again, so errors carry no retry
// severity.
//
// Messages never identify which byte of a ciphertext failed
// verification; at most the ordinal of the failing segment is
// reported.
package errors

import (
	"context"
	"errors"
	"fmt"
	"os"
	"runtime"
	"strings"

	"github.com/grailbio/base/log"
)

// chainSeparator separates an error from a cause that is itself an
// *Error, so that each level of a chain starts on its own line.
const chainSeparator = ":\n\t"

// Kind classifies an error.
type Kind int

const (
	// Other is the kind of errors that have not been classified.
	Other Kind = iota
	// Canceled means that a context was canceled.
	Canceled
	// NotExist means that a file or directory does not exist.
	NotExist
	// Invalid means that the caller supplied invalid parameters or that
	// structured input could not be interpreted.
	Invalid
	// BadMagic means that a file does not start with the encrypted-file
	// magic and is not permitted to be plaintext.
	BadMagic
	// BadPadding means nonzero header padding.
	BadPadding
	// UnknownSlotType means that a key slot cannot be used for the
	// requested operation.
	UnknownSlotType
	// KeyNotFound means that no key slot has the requested id.
	KeyNotFound
	// KeyAmbiguous means that more than one key slot has the requested id.
	KeyAmbiguous
	// UnwrapFailed means a failed AES key wrap integrity check: a wrong
	// passphrase or corrupted metadata. The two are indistinguishable.
	UnwrapFailed
	// Integrity means a segment or file MAC mismatch, or a truncated
	// segment stream.
	Integrity
	// MalformedSlots means a key slot list whose lengths run past the end
	// of the buffer.
	MalformedSlots
	// InvalidSlotLength means slot contents that cannot be encoded.
	InvalidSlotLength
	// UnsupportedMethod means a key derivation method, algorithm or PRF
	// that is not implemented.
	UnsupportedMethod
	// NoActiveKey means that there is no active key to encrypt with.
	NoActiveKey
	// IDAllocation means that no unused key slot id could be found.
	IDAllocation

	numKinds
)

var kindText = [numKinds]string{
	Other:             "unknown error",
	Canceled:          "operation was canceled",
	NotExist:          "resource does not exist",
	Invalid:           "invalid argument",
	BadMagic:          "bad file magic",
	BadPadding:        "bad header padding",
	UnknownSlotType:   "unknown key slot type",
	KeyNotFound:       "key not found",
	KeyAmbiguous:      "key lookup ambiguous",
	UnwrapFailed:      "key unwrap failed",
	Integrity:         "integrity check failed",
	MalformedSlots:    "malformed slot list",
	InvalidSlotLength: "invalid slot length",
	UnsupportedMethod: "unsupported key method",
	NoActiveKey:       "no active key",
	IDAllocation:      "key id allocation failed",
}

// String describes the kind.
func (k Kind) String() string {
	if k < 0 || k >= numKinds {
		return fmt.Sprintf("Kind(%d)", int(k))
	}
	return kindText[k]
}

// Error is the error type of this module. Construct Errors with E or
// Errorf.
type Error struct {
	// Kind classifies the error.
	Kind Kind
	// Message annotates the error, typically with the file or key it
	// concerns.
	Message string
	// Err is the cause, if any. Chains of causes are printed in full.
	Err error
}

// E builds an error from its arguments, interpreted by type:
//
//	Kind     the kind of the error
//	string   appended to the message, separated by spaces
//	*Error   the cause; a lone *Error argument is returned as a copy
//	error    the cause
//
// Without an explicit kind, the error takes the kind of its cause: the
// kind of a cause of type *Error, or NotExist and Canceled for causes
// recognized by os.IsNotExist and context.Canceled. Any other argument
// type is a programming error; it is logged and an Invalid error is
// returned in its place.
func E(args ...interface{}) error {
	if len(args) == 0 {
		panic("errors.E: no arguments")
	}
	var (
		e     = &Error{}
		words []string
	)
	for _, arg := range args {
		switch v := arg.(type) {
		case Kind:
			e.Kind = v
		case string:
			words = append(words, v)
		case *Error:
			cause := *v
			if len(args) == 1 {
				return &cause
			}
			e.Err = &cause
		case error:
			e.Err = v
		default:
			_, file, line, _ := runtime.Caller(1)
			log.Error.Printf("errors.E: argument of type %T at %s:%d: %v", v, file, line, v)
			return &Error{Kind: Invalid, Message: fmt.Sprintf("errors.E: unsupported argument %v of type %T", v, v)}
		}
	}
	e.Message = strings.Join(words, " ")
	e.inheritKind()
	return e
}

// inheritKind sets the kind of an unclassified error from its cause. A
// cause of the same kind is demoted to Other so that the kind is
// reported once.
func (e *Error) inheritKind() {
	if e.Err == nil {
		return
	}
	if cause, ok := e.Err.(*Error); ok {
		if e.Kind == Other || e.Kind == cause.Kind {
			e.Kind, cause.Kind = cause.Kind, Other
		}
		return
	}
	switch {
	case e.Kind != Other:
	case os.IsNotExist(e.Err):
		e.Kind = NotExist
	case errors.Is(e.Err, context.Canceled):
		e.Kind = Canceled
	}
}

// Errorf returns an error of the given kind whose message is formatted
// by fmt.Sprintf.
func Errorf(kind Kind, format string, args ...interface{}) error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Error formats the error as its message, its kind and its cause, in
// that order.
func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	var parts []string
	if e.Message != "" {
		parts = append(parts, e.Message)
	}
	if e.Kind != Other {
		parts = append(parts, e.Kind.String())
	}
	s := strings.Join(parts, ": ")
	if e.Err == nil {
		return s
	}
	sep := ": "
	if _, ok := e.Err.(*Error); ok {
		sep = chainSeparator
	}
	if s == "" {
		return e.Err.Error()
	}
	return s + sep + e.Err.Error()
}

// Unwrap returns the cause, for use by the standard library's errors.Is
// and errors.As.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is tells whether err has the given kind: the kind of the first
// classified *Error in its chain. Is never reports Other.
func Is(kind Kind, err error) bool {
	return kind != Other && KindOf(err) == kind
}

// KindOf returns the kind of the first classified *Error in err's chain,
// or Other.
func KindOf(err error) Kind {
	for err != nil {
		var e *Error
		if !errors.As(err, &e) {
			break
		}
		if e.Kind != Other {
			return e.Kind
		}
		err = e.Err
	}
	if err != nil && os.IsNotExist(err) {
		return NotExist
	}
	return Other
}

// New returns an unclassified error with the given text.
func New(text string) error {
	return errors.New(text)
}
