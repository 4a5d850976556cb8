// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

package passwd

import (
	"crypto/aes"

	keywrap "github.com/NickBall/go-aes-key-wrap"
	"github.com/grailbio/docencrypt/errors"
)

// minWrapSize is the smallest input RFC 3394 accepts: two 64-bit blocks.
const minWrapSize = 16

// Wrap AES key wraps plaintext, typically a marshaled slot list, with the
// wrapping key. Plaintext must be a multiple of 8 bytes long; inputs
// shorter than 16 bytes are zero padded first.
func Wrap(key WrappingKey, plaintext []byte) ([]byte, error) {
	return WrapWith(key[:], plaintext)
}

// Unwrap reverses Wrap. A failed integrity check, caused by a wrong
// passphrase or by corruption, is reported as errors.UnwrapFailed.
func Unwrap(key WrappingKey, wrapped []byte) ([]byte, error) {
	return UnwrapWith(key[:], wrapped)
}

// WrapWith is Wrap with an arbitrary AES key encryption key (16, 24 or 32
// bytes).
func WrapWith(kek, plaintext []byte) ([]byte, error) {
	if len(plaintext)%8 != 0 {
		return nil, errors.Errorf(errors.Invalid, "key wrap: %d bytes is not a multiple of 8", len(plaintext))
	}
	if len(plaintext) < minWrapSize {
		padded := make([]byte, minWrapSize)
		copy(padded, plaintext)
		plaintext = padded
	}
	block, err := aes.NewCipher(kek)
	if err != nil {
		return nil, errors.E(errors.Invalid, "key wrap", err)
	}
	wrapped, err := keywrap.Wrap(block, plaintext)
	if err != nil {
		return nil, errors.E(errors.Invalid, "key wrap", err)
	}
	return wrapped, nil
}

// UnwrapWith is Unwrap with an arbitrary AES key encryption key.
func UnwrapWith(kek, wrapped []byte) ([]byte, error) {
	if len(wrapped)%8 != 0 || len(wrapped) < minWrapSize+8 {
		return nil, errors.Errorf(errors.UnwrapFailed, "%d bytes of wrapped data", len(wrapped))
	}
	block, err := aes.NewCipher(kek)
	if err != nil {
		return nil, errors.E(errors.Invalid, "key unwrap", err)
	}
	plaintext, err := keywrap.Unwrap(block, wrapped)
	if err != nil {
		// Do not pass on the cause; all unwrap failures look the same.
		return nil, errors.E(errors.UnwrapFailed)
	}
	return plaintext, nil
}
