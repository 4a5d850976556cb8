// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

package errors

import (
	"context"
	"fmt"
)

// CleanUp runs release, typically a Close method, from a defer statement
// and folds its error into *dst, the caller's named error result:
//
//	func verify(path string) (err error) {
//		f, err := os.Open(path)
//		if err != nil {
//			return err
//		}
//		defer errors.CleanUp(f.Close, &err)
//		...
//	}
//
// An error already stored in *dst keeps its kind; the release error is
// only appended to its message.
func CleanUp(release func() error, dst *error) {
	merge(release(), dst)
}

// CleanUpCtx is CleanUp for release functions that take a context, such
// as file.File.Close.
func CleanUpCtx(ctx context.Context, release func(context.Context) error, dst *error) {
	merge(release(ctx), dst)
}

func merge(err error, dst *error) {
	switch {
	case err == nil:
	case *dst == nil:
		*dst = err
	default:
		*dst = E(*dst, fmt.Sprintf("second error in close: %v", err))
	}
}
