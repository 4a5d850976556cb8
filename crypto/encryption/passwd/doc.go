// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

// Package passwd implements the password based protection of a document's
// key slots.
//
// A document's encryption metadata is a property list dictionary holding
// the key derivation parameters and the wrapped slot list:
//
//	method      "password"
//	algorithm   "PBKDF2; aes128-wrap"
//	rounds      PBKDF2 iteration count
//	salt        PBKDF2 salt
//	prf         "sha1" (the default when absent), "sha256" or "sha512"
//	key         the RFC 3394 AES key wrapped slot list
//
// The current format stores this dictionary as the only element of a
// top-level array; a bare dictionary is accepted as well.
//
// Thus, the full set of operations in outline is:
//
//	wrapping key = PBKDF2(prf, passphrase, salt, rounds)[:16]
//	slot list    = AES-KEY-UNWRAP(wrapping key, key)
//
// A wrong passphrase and a corrupted key blob both surface as a failed
// unwrap integrity check and cannot be told apart.
//
// ReadPassword reads a passphrase from the terminal, taking care not to
// echo it. Callers should zero the returned bytes once the wrapping key
// has been derived.
package passwd
