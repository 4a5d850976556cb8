// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

package errors_test

import (
	"context"
	goerrors "errors"
	"fmt"
	"os"
	"testing"

	"github.com/grailbio/docencrypt/errors"
)

func TestError(t *testing.T) {
	_, err := os.Open("/dev/notexist")
	e1 := errors.E(errors.NotExist, "reading metadata", err)
	if got, want := e1.Error(), "reading metadata: resource does not exist: open /dev/notexist: no such file or directory"; got != want {
		t.Errorf("got %q, want %q", got, want)
	}
	e2 := errors.E(err)
	if got, want := e2.Error(), "resource does not exist: open /dev/notexist: no such file or directory"; got != want {
		t.Errorf("got %q, want %q", got, want)
	}
	for _, e := range []error{e1, e2} {
		if !errors.Is(errors.NotExist, e) {
			t.Errorf("error %v should be NotExist", e)
		}
	}
}

func TestErrorChaining(t *testing.T) {
	err := errors.E(errors.Integrity, "segment 3")
	err = errors.E("notes/a.xml", err)
	if got, want := err.Error(), "notes/a.xml: integrity check failed:\n\tsegment 3"; got != want {
		t.Errorf("got %q, want %q", got, want)
	}
	if !errors.Is(errors.Integrity, err) {
		t.Errorf("error %v should be Integrity", err)
	}
	if errors.Is(errors.BadMagic, err) {
		t.Errorf("error %v should not be BadMagic", err)
	}
	if got, want := errors.KindOf(err), errors.Integrity; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestKindOverride(t *testing.T) {
	err := errors.E(errors.KeyNotFound, "key 7")
	err = errors.E(errors.Invalid, "resolving", err)
	if !errors.Is(errors.Invalid, err) {
		t.Errorf("error %v should be Invalid", err)
	}
}

func TestStdInterop(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := errors.E("listing", ctx.Err())
	if !errors.Is(errors.Canceled, err) {
		t.Errorf("error %v should be Canceled", err)
	}
	if !goerrors.Is(err, context.Canceled) {
		t.Errorf("error %v should unwrap to context.Canceled", err)
	}

	wrapped := fmt.Errorf("decrypt: %w", errors.E(errors.UnwrapFailed, "document key"))
	if !errors.Is(errors.UnwrapFailed, wrapped) {
		t.Errorf("error %v should be UnwrapFailed", wrapped)
	}
	var e *errors.Error
	if !goerrors.As(wrapped, &e) || e.Kind != errors.UnwrapFailed {
		t.Errorf("errors.As failed on %v", wrapped)
	}
}

func TestMessage(t *testing.T) {
	for _, c := range []struct {
		err     error
		message string
	}{
		{errors.E("hello"), "hello"},
		{errors.E("hello", "world"), "hello world"},
		{errors.Errorf(errors.BadPadding, "%d nonzero bytes", 3), "3 nonzero bytes: bad header padding"},
		{errors.E(errors.NoActiveKey), "no active key"},
	} {
		if got, want := c.err.Error(), c.message; got != want {
			t.Errorf("got %v, want %v", got, want)
		}
	}
}

func TestBadCall(t *testing.T) {
	err := errors.E(errors.Integrity, 42)
	if !errors.Is(errors.Invalid, err) {
		t.Errorf("error %v should be Invalid", err)
	}
}

func TestIsNil(t *testing.T) {
	if errors.Is(errors.Integrity, nil) {
		t.Error("nil error has no kind")
	}
	if got, want := errors.KindOf(goerrors.New("plain")), errors.Other; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}
